package packet

import (
	"errors"

	"github.com/Klingon-tech/peerbloom/pkg/wire"
)

// Framing errors. Every one of them is fatal to the connection that
// produced it: the peer is dropped, never asked to retry.
var (
	ErrShortHeader      = errors.New("packet header truncated")
	ErrWrongNetwork     = errors.New("wrong network id")
	ErrPacketTooLarge   = errors.New("packet exceeds maximum size")
	ErrTruncatedBody    = errors.New("packet body truncated")
	ErrChecksumMismatch = errors.New("packet checksum mismatch")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrMalformedBody    = errors.New("malformed packet body")
)

// IsFatal reports whether err came out of packet framing or body decoding.
// Transport errors such as io.EOF or deadline expiry are not reported as
// fatal here; the read loop ends on them anyway.
func IsFatal(err error) bool {
	return ErrorKind(err) != ""
}

// ErrorKind returns a short label for a fatal decode error, or "" when err
// is not one.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrShortHeader):
		return "short_header"
	case errors.Is(err, ErrWrongNetwork):
		return "wrong_network"
	case errors.Is(err, ErrPacketTooLarge):
		return "too_large"
	case errors.Is(err, ErrTruncatedBody):
		return "truncated_body"
	case errors.Is(err, ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.Is(err, ErrUnknownCommand):
		return "unknown_command"
	case errors.Is(err, ErrMalformedBody), errors.Is(err, wire.ErrFormat):
		return "malformed_body"
	}
	return ""
}

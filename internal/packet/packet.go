// Package packet frames Peerbloom messages on the wire.
//
// A packet is a 10-byte header followed by a body:
//
//	[network_id:1][command:1][length:4 BE][checksum:4 BE][body:length]
//
// Decoding is strictly ordered. The network id is checked first, then
// the declared length against the bytes available, then the checksum,
// and only then is the body handed to its decoder. Any failure along the
// way is fatal to the connection.
package packet

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/Klingon-tech/peerbloom/pkg/wire"
)

// Packet is a framed message. Bodies are not modified after decoding.
type Packet struct {
	Header Header
	Body   Body
}

// Command returns the packet's command tag.
func (p *Packet) Command() Command {
	return p.Header.Command
}

// Encode frames body for the given network.
func Encode(networkID uint8, body Body) ([]byte, error) {
	if body == nil {
		return nil, errors.New("packet: nil body")
	}
	size := body.Size()
	buf := bytes.NewBuffer(make([]byte, HeaderSize, HeaderSize+size))
	w := wire.NewWriter(buf)
	body.Serialize(w)
	if err := w.Err(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", body.Command(), err)
	}
	if w.Len() != size {
		return nil, fmt.Errorf("encode %s: wrote %d bytes, size %d", body.Command(), w.Len(), size)
	}
	out := buf.Bytes()
	hdr := Header{
		NetworkID: networkID,
		Command:   body.Command(),
		Length:    uint32(size),
		Checksum:  Checksum(out[HeaderSize:]),
	}.Encode()
	copy(out, hdr[:])
	return out, nil
}

// Decode parses the packet at the start of b. Bytes past the declared
// body length belong to whatever follows and are ignored.
func Decode(b []byte, networkID uint8) (*Packet, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return nil, err
	}
	if h.NetworkID != networkID {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrWrongNetwork, h.NetworkID, networkID)
	}
	rest := b[HeaderSize:]
	if uint64(len(rest)) < uint64(h.Length) {
		return nil, fmt.Errorf("%w: declared %d bytes, have %d", ErrTruncatedBody, h.Length, len(rest))
	}
	return decodeBody(h, rest[:h.Length])
}

// Read reads one packet from r. A declared length above maxSize is
// rejected before the body is allocated; maxSize <= 0 disables the guard.
// An io.EOF before the first header byte is returned unwrapped so read
// loops can tell a clean close from a torn packet.
func Read(r io.Reader, networkID uint8, maxSize int) (*Packet, error) {
	var hb [HeaderSize]byte
	if n, err := io.ReadFull(r, hb[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: have %d of %d bytes", ErrShortHeader, n, HeaderSize)
		}
		return nil, err
	}
	h, _ := DecodeHeader(hb[:])
	if h.NetworkID != networkID {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrWrongNetwork, h.NetworkID, networkID)
	}
	if maxSize > 0 && uint64(h.Length) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %s declares %d bytes, max %d", ErrPacketTooLarge, h.Command, h.Length, maxSize)
	}
	payload := make([]byte, h.Length)
	if n, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: declared %d bytes, read %d", ErrTruncatedBody, h.Length, n)
		}
		return nil, err
	}
	return decodeBody(h, payload)
}

// Write frames body and writes it to w in a single call.
func Write(w io.Writer, networkID uint8, body Body) error {
	b, err := Encode(networkID, body)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func decodeBody(h Header, payload []byte) (*Packet, error) {
	if sum := Checksum(payload); sum != h.Checksum {
		return nil, fmt.Errorf("%w: header %08x, body %08x", ErrChecksumMismatch, h.Checksum, sum)
	}
	body, err := newBody(h.Command)
	if err != nil {
		return nil, err
	}
	if err := wire.Unmarshal(payload, body); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedBody, h.Command, err)
	}
	return &Packet{Header: h, Body: body}, nil
}

package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/Klingon-tech/peerbloom/pkg/crypto"
)

// HeaderSize is the fixed size of a packet header:
// [network_id:1][command:1][length:4 BE][checksum:4 BE].
const HeaderSize = 10

// Header is the fixed-size packet preamble.
type Header struct {
	NetworkID uint8
	Command   Command
	Length    uint32
	Checksum  uint32
}

// Encode returns the 10-byte wire form of h.
func (h Header) Encode() [HeaderSize]byte {
	var b [HeaderSize]byte
	b[0] = h.NetworkID
	b[1] = uint8(h.Command)
	binary.BigEndian.PutUint32(b[2:6], h.Length)
	binary.BigEndian.PutUint32(b[6:10], h.Checksum)
	return b
}

// DecodeHeader parses the first HeaderSize bytes of b. It checks nothing
// beyond the length of b; callers apply the network and size rules.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: have %d of %d bytes", ErrShortHeader, len(b), HeaderSize)
	}
	return Header{
		NetworkID: b[0],
		Command:   Command(b[1]),
		Length:    binary.BigEndian.Uint32(b[2:6]),
		Checksum:  binary.BigEndian.Uint32(b[6:10]),
	}, nil
}

// Checksum returns the integrity value for a packet body: the first four
// bytes of SHA-256(SHA-256(body)) as a big-endian integer.
func Checksum(body []byte) uint32 {
	return crypto.Checksum(body)
}

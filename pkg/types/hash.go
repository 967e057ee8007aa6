// Package types defines core primitive types shared by the wire protocol,
// the block model and the peer layer.
package types

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashSize is the length of a hash in bytes.
const HashSize = 32

// NodeIDSize is the length of a node identity key in bytes.
const NodeIDSize = 32

// Hash represents a 256-bit hash value.
type Hash [HashSize]byte

// NodeID is the 32-byte public key identifying a Peerbloom node.
type NodeID [NodeIDSize]byte

// IsZero returns true if the hash is all zeros.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns the hex-encoded hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 bytes of the hash in hex, for log lines.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:8])
}

// Bytes returns a copy of the hash as a byte slice.
func (h Hash) Bytes() []byte {
	b := make([]byte, HashSize)
	copy(b, h[:])
	return b
}

// MarshalJSON encodes the hash as a hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON decodes a hex string into a hash.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*h = Hash{}
		return nil
	}
	parsed, err := HexToHash(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// HexToHash converts a hex string to a Hash.
// Returns an error if the string is not exactly 64 hex characters.
func HexToHash(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != HashSize {
		return Hash{}, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(b))
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// NodeIDFromBytes copies a raw 32-byte public key into a NodeID.
func NodeIDFromBytes(b []byte) (NodeID, error) {
	if len(b) != NodeIDSize {
		return NodeID{}, fmt.Errorf("node id must be %d bytes, got %d", NodeIDSize, len(b))
	}
	var id NodeID
	copy(id[:], b)
	return id, nil
}

// IsZero returns true if the node ID is all zeros.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// String returns the hex-encoded node ID.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns an abbreviated hex form for log lines.
func (id NodeID) Short() string {
	return hex.EncodeToString(id[:6])
}

// Distance returns the XOR distance between two node IDs.
func (id NodeID) Distance(other NodeID) NodeID {
	var d NodeID
	for i := range d {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// Closer reports whether a is strictly closer to id than b.
func (id NodeID) Closer(a, b NodeID) bool {
	da := id.Distance(a)
	db := id.Distance(b)
	return bytes.Compare(da[:], db[:]) < 0
}

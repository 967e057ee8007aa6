package block

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/peerbloom/pkg/crypto"
	"github.com/Klingon-tech/peerbloom/pkg/types"
	"github.com/Klingon-tech/peerbloom/pkg/wire"
)

// MaxSignatureSize bounds the signature field accepted off the wire.
const MaxSignatureSize = 1024

// SigningSize is the size of the header fields covered by the block hash:
// height(8) | prev(32) | timestamp(8) | merkle(32) | num_txs(4) | block_size(4).
const SigningSize = 8 + types.HashSize + 8 + types.HashSize + 4 + 4

// MaxFutureDrift is how far ahead of local time a header timestamp may be.
const MaxFutureDrift = 2 * time.Hour

// ErrFutureTimestamp is returned for headers stamped beyond MaxFutureDrift.
var ErrFutureTimestamp = errors.New("timestamp too far in the future")

// Header contains block metadata.
type Header struct {
	Height     int64      `json:"height"`
	PrevBlock  types.Hash `json:"previous_block"`
	Timestamp  uint64     `json:"timestamp"` // ticks, see TimeToTicks
	MerkleRoot types.Hash `json:"merkle_root"`
	NumTxs     uint32     `json:"num_txs"`
	BlockSize  uint32     `json:"block_size"`
	Signature  []byte     `json:"signature,omitempty"`
}

// headerJSON is the JSON representation of Header with a hex-encoded signature.
type headerJSON struct {
	Height     int64      `json:"height"`
	PrevBlock  types.Hash `json:"previous_block"`
	Timestamp  uint64     `json:"timestamp"`
	MerkleRoot types.Hash `json:"merkle_root"`
	NumTxs     uint32     `json:"num_txs"`
	BlockSize  uint32     `json:"block_size"`
	Signature  string     `json:"signature,omitempty"`
}

// MarshalJSON encodes the header with a hex-encoded signature.
func (h *Header) MarshalJSON() ([]byte, error) {
	j := headerJSON{
		Height:     h.Height,
		PrevBlock:  h.PrevBlock,
		Timestamp:  h.Timestamp,
		MerkleRoot: h.MerkleRoot,
		NumTxs:     h.NumTxs,
		BlockSize:  h.BlockSize,
	}
	if h.Signature != nil {
		j.Signature = hex.EncodeToString(h.Signature)
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a header with a hex-encoded signature.
func (h *Header) UnmarshalJSON(data []byte) error {
	var j headerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	h.Height = j.Height
	h.PrevBlock = j.PrevBlock
	h.Timestamp = j.Timestamp
	h.MerkleRoot = j.MerkleRoot
	h.NumTxs = j.NumTxs
	h.BlockSize = j.BlockSize
	h.Signature = nil
	if j.Signature != "" {
		b, err := hex.DecodeString(j.Signature)
		if err != nil {
			return err
		}
		h.Signature = b
	}
	return nil
}

// Hash computes the block hash.
// Excludes Signature so the hash is stable for signing.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// SigningBytes returns the canonical bytes for hashing and signing: the
// wire encoding of every field except the signature.
func (h *Header) SigningBytes() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, SigningSize))
	h.serializeSigned(wire.NewWriter(buf))
	return buf.Bytes()
}

// Time returns the header timestamp as a time.Time in UTC.
func (h *Header) Time() time.Time {
	return TicksToTime(h.Timestamp)
}

// CheckTimestamp rejects a header stamped more than MaxFutureDrift after now.
func (h *Header) CheckTimestamp(now time.Time) error {
	limit := TimeToTicks(now.Add(MaxFutureDrift))
	if h.Timestamp > limit {
		return fmt.Errorf("%w: %s", ErrFutureTimestamp, h.Time().Format(time.RFC3339))
	}
	return nil
}

func (h *Header) serializeSigned(w *wire.Writer) {
	w.WriteInt64(h.Height)
	w.WriteHash(h.PrevBlock)
	w.WriteUint64(h.Timestamp)
	w.WriteHash(h.MerkleRoot)
	w.WriteUint32(h.NumTxs)
	w.WriteUint32(h.BlockSize)
}

// Size implements wire.Serializable.
func (h *Header) Size() int {
	return SigningSize + wire.LengthPrefixSize + len(h.Signature)
}

// Serialize implements wire.Serializable.
func (h *Header) Serialize(w *wire.Writer) {
	h.serializeSigned(w)
	w.WriteVarBytes(h.Signature)
}

// Deserialize implements wire.Serializable.
func (h *Header) Deserialize(r *wire.Reader) {
	h.Height = r.ReadInt64()
	h.PrevBlock = r.ReadHash()
	h.Timestamp = r.ReadUint64()
	h.MerkleRoot = r.ReadHash()
	h.NumTxs = r.ReadUint32()
	h.BlockSize = r.ReadUint32()
	h.Signature = r.ReadVarBytes(MaxSignatureSize)
}

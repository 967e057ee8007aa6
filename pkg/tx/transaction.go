// Package tx defines the transaction shape carried by Peerbloom packets.
//
// Script and signature semantics belong to the ledger; the network layer
// only needs transactions to hash, serialize and pass structural checks.
package tx

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/Klingon-tech/peerbloom/config"
	"github.com/Klingon-tech/peerbloom/pkg/crypto"
	"github.com/Klingon-tech/peerbloom/pkg/types"
	"github.com/Klingon-tech/peerbloom/pkg/wire"
)

// Transaction represents a blockchain transaction.
type Transaction struct {
	Version  uint32   `json:"version"`
	Inputs   []Input  `json:"inputs"`
	Outputs  []Output `json:"outputs"`
	LockTime uint64   `json:"locktime"`
}

// Input references an output being spent.
type Input struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Signature []byte         `json:"signature"`
	PubKey    []byte         `json:"pubkey"`
}

// inputJSON is the JSON representation of Input with hex-encoded byte fields.
type inputJSON struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Signature *string        `json:"signature"`
	PubKey    *string        `json:"pubkey"`
}

// MarshalJSON encodes the input with hex-encoded signature and pubkey.
func (in Input) MarshalJSON() ([]byte, error) {
	j := inputJSON{PrevOut: in.PrevOut}
	if in.Signature != nil {
		s := hex.EncodeToString(in.Signature)
		j.Signature = &s
	}
	if in.PubKey != nil {
		p := hex.EncodeToString(in.PubKey)
		j.PubKey = &p
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes an input with hex-encoded signature and pubkey.
func (in *Input) UnmarshalJSON(data []byte) error {
	var j inputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	in.PrevOut = j.PrevOut
	if j.Signature != nil {
		b, err := hex.DecodeString(*j.Signature)
		if err != nil {
			return err
		}
		in.Signature = b
	}
	if j.PubKey != nil {
		b, err := hex.DecodeString(*j.PubKey)
		if err != nil {
			return err
		}
		in.PubKey = b
	}
	return nil
}

// Output creates a new spendable value locked by Script.
type Output struct {
	Value  uint64 `json:"value"`
	Script []byte `json:"script"`
}

// Wire sizes of the fixed parts of a transaction.
const (
	minInputSize  = types.OutpointSize + 2*wire.LengthPrefixSize
	minOutputSize = 8 + wire.LengthPrefixSize
	// MinSize is the encoded size of a transaction with no inputs or outputs.
	MinSize = 4 + 4 + 4 + 8
)

// Hash computes the transaction ID (BLAKE3 of the signing bytes).
// Signatures are excluded so the ID is stable across signing.
func (tx *Transaction) Hash() types.Hash {
	return crypto.Hash(tx.SigningBytes())
}

// SigningBytes returns the canonical byte representation used for signing:
// the wire encoding with every input signature and public key emptied,
// except coinbase inputs whose signature field carries the block height
// and keeps each coinbase ID unique.
func (tx *Transaction) SigningBytes() []byte {
	stripped := Transaction{
		Version:  tx.Version,
		Inputs:   make([]Input, len(tx.Inputs)),
		Outputs:  tx.Outputs,
		LockTime: tx.LockTime,
	}
	for i, in := range tx.Inputs {
		stripped.Inputs[i] = Input{PrevOut: in.PrevOut}
		if in.PrevOut.IsZero() {
			stripped.Inputs[i].Signature = in.Signature
		}
	}
	b, err := wire.Marshal(&stripped)
	if err != nil {
		// Marshal into memory only fails on a Size/Serialize mismatch.
		panic(err)
	}
	return b
}

// IsCoinbase reports whether tx has exactly one zero-outpoint input.
func (tx *Transaction) IsCoinbase() bool {
	return len(tx.Inputs) == 1 && tx.Inputs[0].PrevOut.IsZero()
}

// TotalOutputValue returns the sum of all output values.
// Returns an error if the sum overflows uint64.
func (tx *Transaction) TotalOutputValue() (uint64, error) {
	var total uint64
	for _, out := range tx.Outputs {
		if total > math.MaxUint64-out.Value {
			return 0, fmt.Errorf("output value overflow")
		}
		total += out.Value
	}
	return total, nil
}

// Size implements wire.Serializable.
func (tx *Transaction) Size() int {
	n := MinSize
	for _, in := range tx.Inputs {
		n += minInputSize + len(in.Signature) + len(in.PubKey)
	}
	for _, out := range tx.Outputs {
		n += minOutputSize + len(out.Script)
	}
	return n
}

// Serialize implements wire.Serializable.
//
// Layout: version(4) | n_in(4) | [txid(32) index(4) sig(var) pubkey(var)]... |
// n_out(4) | [value(8) script(var)]... | locktime(8)
func (tx *Transaction) Serialize(w *wire.Writer) {
	w.WriteUint32(tx.Version)
	w.WriteCount(len(tx.Inputs))
	for _, in := range tx.Inputs {
		w.WriteHash(in.PrevOut.TxID)
		w.WriteUint32(in.PrevOut.Index)
		w.WriteVarBytes(in.Signature)
		w.WriteVarBytes(in.PubKey)
	}
	w.WriteCount(len(tx.Outputs))
	for _, out := range tx.Outputs {
		w.WriteUint64(out.Value)
		w.WriteVarBytes(out.Script)
	}
	w.WriteUint64(tx.LockTime)
}

// Deserialize implements wire.Serializable.
func (tx *Transaction) Deserialize(r *wire.Reader) {
	tx.Version = r.ReadUint32()

	nIn := r.ReadCount(minInputSize)
	if nIn > config.MaxTxInputs {
		r.SetErr(fmt.Errorf("%w: %d inputs, max %d", ErrTooManyInputs, nIn, config.MaxTxInputs))
		return
	}
	tx.Inputs = make([]Input, nIn)
	for i := range tx.Inputs {
		in := &tx.Inputs[i]
		in.PrevOut.TxID = r.ReadHash()
		in.PrevOut.Index = r.ReadUint32()
		in.Signature = r.ReadVarBytes(config.MaxScriptData)
		in.PubKey = r.ReadVarBytes(config.MaxScriptData)
	}

	nOut := r.ReadCount(minOutputSize)
	if nOut > config.MaxTxOutputs {
		r.SetErr(fmt.Errorf("%w: %d outputs, max %d", ErrTooManyOutputs, nOut, config.MaxTxOutputs))
		return
	}
	tx.Outputs = make([]Output, nOut)
	for i := range tx.Outputs {
		tx.Outputs[i].Value = r.ReadUint64()
		tx.Outputs[i].Script = r.ReadVarBytes(config.MaxScriptData)
	}
	tx.LockTime = r.ReadUint64()
}

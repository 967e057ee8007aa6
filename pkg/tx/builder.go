package tx

import (
	"encoding/binary"
	"fmt"

	"github.com/Klingon-tech/peerbloom/pkg/crypto"
	"github.com/Klingon-tech/peerbloom/pkg/types"
)

// Builder constructs transactions incrementally.
type Builder struct {
	tx *Transaction
}

// NewBuilder creates a new transaction builder.
func NewBuilder() *Builder {
	return &Builder{
		tx: &Transaction{Version: 1},
	}
}

// AddInput adds an input referencing a previous output.
func (b *Builder) AddInput(prevOut types.Outpoint) *Builder {
	b.tx.Inputs = append(b.tx.Inputs, Input{PrevOut: prevOut})
	return b
}

// AddOutput adds an output with a value and locking script.
func (b *Builder) AddOutput(value uint64, script []byte) *Builder {
	b.tx.Outputs = append(b.tx.Outputs, Output{Value: value, Script: script})
	return b
}

// SetLockTime sets the transaction lock time.
func (b *Builder) SetLockTime(lockTime uint64) *Builder {
	b.tx.LockTime = lockTime
	return b
}

// Sign signs all inputs with the provided private key.
// Each input gets the same signature (single-key spending).
func (b *Builder) Sign(key *crypto.PrivateKey) error {
	hash := b.tx.Hash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}
	pubKey := key.PublicKey()
	for i := range b.tx.Inputs {
		b.tx.Inputs[i].Signature = sig
		b.tx.Inputs[i].PubKey = pubKey
	}
	return nil
}

// Build returns the constructed transaction.
// It does not validate; call Validate separately.
func (b *Builder) Build() *Transaction {
	return b.tx
}

// NewCoinbase returns the reward transaction for height paying value to script.
// The height goes in the coinbase input's signature field so that every
// coinbase has a distinct ID.
func NewCoinbase(height int64, value uint64, script []byte) *Transaction {
	h := binary.BigEndian.AppendUint64(nil, uint64(height))
	return &Transaction{
		Version: 1,
		Inputs:  []Input{{PrevOut: types.Outpoint{}, Signature: h}},
		Outputs: []Output{{Value: value, Script: script}},
	}
}

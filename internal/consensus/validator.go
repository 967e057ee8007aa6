package consensus

import (
	"fmt"

	"github.com/Klingon-tech/peerbloom/pkg/block"
	"github.com/Klingon-tech/peerbloom/pkg/tx"
	"github.com/Klingon-tech/peerbloom/pkg/types"
)

// Validator validates blocks against consensus rules. It also serves as
// the signature and merkle collaborator of the synchronization cache.
type Validator struct {
	engine Engine
}

// NewValidator creates a block validator with the given consensus engine.
func NewValidator(engine Engine) *Validator {
	return &Validator{engine: engine}
}

// ValidateBlock checks a block against both structural and consensus rules.
func (v *Validator) ValidateBlock(blk *block.Block) error {
	if err := blk.Validate(); err != nil {
		return fmt.Errorf("block structure: %w", err)
	}
	if err := v.engine.VerifyHeader(blk.Header); err != nil {
		return fmt.Errorf("consensus: %w", err)
	}
	for i, t := range blk.Transactions {
		if err := t.VerifySignatures(); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
	}
	return nil
}

// CheckHeaderSignature reports whether h is signed by an authorized minter.
func (v *Validator) CheckHeaderSignature(h *block.Header) bool {
	return v.engine.VerifyHeader(h) == nil
}

// CheckBlockSignature reports whether the block header is signed by an
// authorized minter. The header commits to the transactions through its
// merkle root, so the one signature covers the whole block.
func (v *Validator) CheckBlockSignature(b *block.Block) bool {
	if b == nil || b.Header == nil {
		return false
	}
	return v.engine.VerifyHeader(b.Header) == nil
}

// ComputeMerkleRoot returns the merkle root over the transaction hashes.
func (v *Validator) ComputeMerkleRoot(txs []*tx.Transaction) types.Hash {
	return block.TxMerkleRoot(txs)
}

// Package consensus implements minter proof-of-authority: a fixed set of
// minter keys from genesis sign block headers, and every node checks the
// signature against that set.
package consensus

import "github.com/Klingon-tech/peerbloom/pkg/block"

// Engine is the interface for consensus implementations.
type Engine interface {
	VerifyHeader(header *block.Header) error
	Seal(blk *block.Block) error
}

package chain

import "github.com/Klingon-tech/peerbloom/pkg/types"

// State holds the current chain tip state.
type State struct {
	Height       int64 // -1 before genesis is stored
	TipHash      types.Hash
	Supply       uint64 // Total coins created by coinbase outputs.
	TipTimestamp uint64 // Ticks of the current tip block.
}

// IsEmpty returns true if no block has been stored yet.
func (s State) IsEmpty() bool {
	return s.Height < 0
}

// Package miner implements block production for an authorized minter.
package miner

import (
	"fmt"
	"time"

	"github.com/Klingon-tech/peerbloom/internal/consensus"
	"github.com/Klingon-tech/peerbloom/pkg/block"
	"github.com/Klingon-tech/peerbloom/pkg/tx"
	"github.com/Klingon-tech/peerbloom/pkg/types"
)

// ChainState provides read-only access to the current chain state.
type ChainState interface {
	Height() int64
	TipHash() types.Hash
	TipTimestamp() uint64
}

// Miner produces new blocks.
type Miner struct {
	chain          ChainState
	engine         consensus.Engine
	coinbaseScript []byte
	blockReward    uint64
}

// New creates a new block producer paying blockReward to coinbaseScript.
func New(chain ChainState, engine consensus.Engine, coinbaseScript []byte, blockReward uint64) *Miner {
	return &Miner{
		chain:          chain,
		engine:         engine,
		coinbaseScript: coinbaseScript,
		blockReward:    blockReward,
	}
}

// ProduceBlock builds, seals, and returns a new block using the current time.
// The block is NOT applied to the chain; the caller must call AddBlock.
func (m *Miner) ProduceBlock() (*block.Block, error) {
	return m.ProduceBlockAt(block.TimeToTicks(time.Now()))
}

// ProduceBlockAt builds, seals, and returns a new block with the given
// timestamp in ticks. The timestamp is bumped to at least the parent
// timestamp plus one.
func (m *Miner) ProduceBlockAt(timestamp uint64) (*block.Block, error) {
	if parentTS := m.chain.TipTimestamp(); timestamp <= parentTS {
		timestamp = parentTS + 1
	}
	height := m.chain.Height() + 1

	header := &block.Header{
		Height:    height,
		PrevBlock: m.chain.TipHash(),
		Timestamp: timestamp,
	}
	coinbase := tx.NewCoinbase(height, m.blockReward, m.coinbaseScript)
	blk := block.NewBlock(header, []*tx.Transaction{coinbase})
	blk.Finalize()

	if err := m.engine.Seal(blk); err != nil {
		return nil, fmt.Errorf("seal block: %w", err)
	}
	return blk, nil
}

// Package chain stores the applied block chain and serves it to the
// synchronization layer.
package chain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/peerbloom/config"
	klog "github.com/Klingon-tech/peerbloom/internal/log"
	"github.com/Klingon-tech/peerbloom/internal/storage"
	"github.com/Klingon-tech/peerbloom/pkg/block"
	"github.com/Klingon-tech/peerbloom/pkg/types"
)

// Chain errors.
var (
	ErrNotInitialized   = errors.New("chain has no genesis block")
	ErrAlreadyInit      = errors.New("chain already initialized")
	ErrGenesisMismatch  = errors.New("stored genesis differs from configuration")
	ErrBadHeight        = errors.New("block does not extend the tip")
	ErrPrevMismatch     = errors.New("block previous hash does not match tip")
	ErrSupplyOverflow   = errors.New("coin supply overflow")
	ErrHeightOutOfRange = errors.New("height out of range")
)

// BlockValidator checks a block before it is applied.
type BlockValidator interface {
	ValidateBlock(blk *block.Block) error
}

// Chain is the applied chain. It is safe for concurrent use: readers take
// a shared lock, AddBlock takes the exclusive one.
type Chain struct {
	mu          sync.RWMutex
	state       State
	blocks      *BlockStore
	validator   BlockValidator
	genesisHash types.Hash
	logger      zerolog.Logger
}

// New opens the chain stored in db. A fresh database yields an empty chain
// that must be initialized with InitFromGenesis.
func New(db storage.DB, validator BlockValidator) (*Chain, error) {
	if db == nil {
		return nil, fmt.Errorf("storage db is nil")
	}
	if validator == nil {
		return nil, fmt.Errorf("block validator is nil")
	}

	blocks := NewBlockStore(db)
	tipHash, height, supply, err := blocks.GetTip()
	if err != nil {
		return nil, fmt.Errorf("recover tip: %w", err)
	}

	ch := &Chain{
		state:     State{Height: height, TipHash: tipHash, Supply: supply},
		blocks:    blocks,
		validator: validator,
		logger:    klog.Chain,
	}
	if height >= 0 {
		genHash, err := blocks.GetHashByHeight(0)
		if err != nil {
			return nil, fmt.Errorf("recover genesis: %w", err)
		}
		ch.genesisHash = genHash
		tip, err := blocks.GetBlock(tipHash)
		if err != nil {
			return nil, fmt.Errorf("recover tip block: %w", err)
		}
		ch.state.TipTimestamp = tip.Header.Timestamp
	}
	return ch, nil
}

// InitFromGenesis stores the genesis block built from gen. On a chain that
// already has blocks it only checks that the stored genesis matches.
func (c *Chain) InitFromGenesis(gen *config.Genesis) error {
	blk, err := CreateGenesisBlock(gen)
	if err != nil {
		return fmt.Errorf("create genesis: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	hash := blk.Hash()
	if !c.state.IsEmpty() {
		if c.genesisHash != hash {
			return fmt.Errorf("%w: stored %s, config %s", ErrGenesisMismatch, c.genesisHash.Short(), hash.Short())
		}
		return nil
	}

	supply, err := coinbaseValue(blk)
	if err != nil {
		return err
	}
	// Genesis bypasses consensus validation: it carries no minter signature.
	if err := c.blocks.PutBlock(blk, supply); err != nil {
		return fmt.Errorf("store genesis: %w", err)
	}
	c.genesisHash = hash
	c.state = State{Height: 0, TipHash: hash, Supply: supply, TipTimestamp: blk.Header.Timestamp}
	c.logger.Info().Str("hash", hash.Short()).Msg("Genesis block stored")
	return nil
}

// AddBlock validates blk and appends it to the tip.
func (c *Chain) AddBlock(blk *block.Block) error {
	if blk == nil || blk.Header == nil {
		return block.ErrNilHeader
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.IsEmpty() {
		return ErrNotInitialized
	}
	if blk.Header.Height != c.state.Height+1 {
		return fmt.Errorf("%w: got %d, want %d", ErrBadHeight, blk.Header.Height, c.state.Height+1)
	}
	if blk.Header.PrevBlock != c.state.TipHash {
		return fmt.Errorf("%w: tip %s, block prev %s", ErrPrevMismatch, c.state.TipHash.Short(), blk.Header.PrevBlock.Short())
	}
	if err := c.validator.ValidateBlock(blk); err != nil {
		return fmt.Errorf("validate block %d: %w", blk.Header.Height, err)
	}

	reward, err := coinbaseValue(blk)
	if err != nil {
		return err
	}
	supply := c.state.Supply + reward
	if supply < c.state.Supply {
		return ErrSupplyOverflow
	}

	if err := c.blocks.PutBlock(blk, supply); err != nil {
		return fmt.Errorf("store block %d: %w", blk.Header.Height, err)
	}
	hash := blk.Hash()
	c.state = State{
		Height:       blk.Header.Height,
		TipHash:      hash,
		Supply:       supply,
		TipTimestamp: blk.Header.Timestamp,
	}
	c.logger.Info().
		Int64("height", blk.Header.Height).
		Str("hash", hash.Short()).
		Int("txs", len(blk.Transactions)).
		Msg("Block applied")
	return nil
}

func coinbaseValue(blk *block.Block) (uint64, error) {
	if len(blk.Transactions) == 0 || !blk.Transactions[0].IsCoinbase() {
		return 0, nil
	}
	v, err := blk.Transactions[0].TotalOutputValue()
	if err != nil {
		return 0, fmt.Errorf("coinbase value: %w", err)
	}
	return v, nil
}

// State returns a copy of the current chain state.
func (c *Chain) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Height returns the tip height, or -1 for an empty chain.
func (c *Chain) Height() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Height
}

// TipHash returns the hash of the current chain tip.
func (c *Chain) TipHash() types.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.TipHash
}

// TipTimestamp returns the timestamp of the tip block in ticks.
func (c *Chain) TipTimestamp() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.TipTimestamp
}

// GenesisHash returns the hash of the stored genesis block.
func (c *Chain) GenesisHash() types.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.genesisHash
}

// GetBlock retrieves a block by its hash.
func (c *Chain) GetBlock(hash types.Hash) (*block.Block, error) {
	return c.blocks.GetBlock(hash)
}

// HasBlock reports whether a block with hash is stored.
func (c *Chain) HasBlock(hash types.Hash) bool {
	ok, err := c.blocks.HasBlock(hash)
	return err == nil && ok
}

// GetBlockByHeight retrieves a block by its height.
func (c *Chain) GetBlockByHeight(height int64) (*block.Block, error) {
	if height < 0 || height > c.Height() {
		return nil, fmt.Errorf("%w: %d", ErrHeightOutOfRange, height)
	}
	return c.blocks.GetBlockByHeight(height)
}

// GetBlockHeader returns the header stored at height.
func (c *Chain) GetBlockHeader(height int64) (*block.Header, error) {
	blk, err := c.GetBlockByHeight(height)
	if err != nil {
		return nil, err
	}
	return blk.Header, nil
}

// GetHeaders returns up to count consecutive headers starting at start.
// It stops early at the tip.
func (c *Chain) GetHeaders(start int64, count int) ([]*block.Header, error) {
	tip := c.Height()
	var out []*block.Header
	for h := start; h <= tip && len(out) < count; h++ {
		hdr, err := c.GetBlockHeader(h)
		if err != nil {
			return out, err
		}
		out = append(out, hdr)
	}
	return out, nil
}

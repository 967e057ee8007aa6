package chain

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Klingon-tech/peerbloom/internal/storage"
	"github.com/Klingon-tech/peerbloom/pkg/block"
	"github.com/Klingon-tech/peerbloom/pkg/types"
	"github.com/Klingon-tech/peerbloom/pkg/wire"
)

// Key prefixes and state keys for the block store.
var (
	prefixBlock  = []byte("b/") // b/<hash(32)> -> block wire bytes
	prefixHeight = []byte("h/") // h/<height(8)> -> hash(32)
	keyTipHash   = []byte("s/tip")
	keyHeight    = []byte("s/height")
	keySupply    = []byte("s/supply")
)

// BlockStore persists blocks and chain metadata to a storage.DB. Blocks
// are stored in their wire encoding.
type BlockStore struct {
	db storage.DB
}

// NewBlockStore creates a block store backed by the given database.
func NewBlockStore(db storage.DB) *BlockStore {
	return &BlockStore{db: db}
}

// writer is satisfied by both storage.DB and storage.Batch.
type writer interface {
	Put(key, value []byte) error
}

// PutBlock stores a block, indexes it by height and moves the tip to it.
// When the database supports batches the writes land atomically.
func (bs *BlockStore) PutBlock(blk *block.Block, supply uint64) error {
	data, err := wire.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}
	hash := blk.Hash()

	var w writer = bs.db
	var batch storage.Batch
	if b, ok := bs.db.(storage.Batcher); ok {
		batch = b.NewBatch()
		w = batch
	}

	if err := w.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	if err := w.Put(heightKey(blk.Header.Height), hash[:]); err != nil {
		return fmt.Errorf("height index put: %w", err)
	}
	if err := putTip(w, hash, blk.Header.Height, supply); err != nil {
		return err
	}
	if batch != nil {
		if err := batch.Commit(); err != nil {
			return fmt.Errorf("commit block %d: %w", blk.Header.Height, err)
		}
	}
	return nil
}

func putTip(w writer, hash types.Hash, height int64, supply uint64) error {
	if err := w.Put(keyTipHash, hash[:]); err != nil {
		return fmt.Errorf("set tip hash: %w", err)
	}
	var heightBuf, supplyBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], uint64(height))
	if err := w.Put(keyHeight, heightBuf[:]); err != nil {
		return fmt.Errorf("set tip height: %w", err)
	}
	binary.BigEndian.PutUint64(supplyBuf[:], supply)
	if err := w.Put(keySupply, supplyBuf[:]); err != nil {
		return fmt.Errorf("set supply: %w", err)
	}
	return nil
}

// GetBlock retrieves a block by its hash.
func (bs *BlockStore) GetBlock(hash types.Hash) (*block.Block, error) {
	data, err := bs.db.Get(blockKey(hash))
	if err != nil {
		return nil, fmt.Errorf("block get: %w", err)
	}
	var blk block.Block
	if err := wire.Unmarshal(data, &blk); err != nil {
		return nil, fmt.Errorf("block decode: %w", err)
	}
	return &blk, nil
}

// GetHashByHeight returns the hash of the block stored at height.
func (bs *BlockStore) GetHashByHeight(height int64) (types.Hash, error) {
	if height < 0 {
		return types.Hash{}, fmt.Errorf("height index get %d: %w", height, storage.ErrNotFound)
	}
	hashBytes, err := bs.db.Get(heightKey(height))
	if err != nil {
		return types.Hash{}, fmt.Errorf("height index get: %w", err)
	}
	if len(hashBytes) != types.HashSize {
		return types.Hash{}, fmt.Errorf("corrupt height index: got %d bytes, want %d", len(hashBytes), types.HashSize)
	}
	return types.Hash(hashBytes), nil
}

// GetBlockByHeight retrieves a block by its height.
func (bs *BlockStore) GetBlockByHeight(height int64) (*block.Block, error) {
	hash, err := bs.GetHashByHeight(height)
	if err != nil {
		return nil, err
	}
	return bs.GetBlock(hash)
}

// HasBlock checks if a block exists by hash.
func (bs *BlockStore) HasBlock(hash types.Hash) (bool, error) {
	return bs.db.Has(blockKey(hash))
}

// GetTip returns the current chain tip hash, height and supply. A fresh
// store reports height -1.
func (bs *BlockStore) GetTip() (types.Hash, int64, uint64, error) {
	hashBytes, err := bs.db.Get(keyTipHash)
	if errors.Is(err, storage.ErrNotFound) {
		return types.Hash{}, -1, 0, nil
	}
	if err != nil {
		return types.Hash{}, -1, 0, fmt.Errorf("tip hash: %w", err)
	}
	if len(hashBytes) != types.HashSize {
		return types.Hash{}, -1, 0, fmt.Errorf("corrupt tip hash: got %d bytes", len(hashBytes))
	}

	heightBytes, err := bs.db.Get(keyHeight)
	if err != nil {
		return types.Hash{}, -1, 0, fmt.Errorf("tip height missing: %w", err)
	}
	if len(heightBytes) != 8 {
		return types.Hash{}, -1, 0, fmt.Errorf("corrupt tip height: got %d bytes", len(heightBytes))
	}

	var supply uint64
	if b, err := bs.db.Get(keySupply); err == nil && len(b) == 8 {
		supply = binary.BigEndian.Uint64(b)
	}
	return types.Hash(hashBytes), int64(binary.BigEndian.Uint64(heightBytes)), supply, nil
}

func blockKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixBlock)+types.HashSize)
	copy(key, prefixBlock)
	copy(key[len(prefixBlock):], hash[:])
	return key
}

func heightKey(height int64) []byte {
	key := make([]byte, len(prefixHeight)+8)
	copy(key, prefixHeight)
	binary.BigEndian.PutUint64(key[len(prefixHeight):], uint64(height))
	return key
}

package msgcache

import (
	"fmt"

	gocache "github.com/patrickmn/go-cache"

	"github.com/Klingon-tech/peerbloom/pkg/block"
	"github.com/Klingon-tech/peerbloom/pkg/types"
)

// Status is the outcome of AddBlock.
type Status uint8

const (
	StatusRejected Status = iota
	StatusAccepted
	StatusDuplicate
	StatusOrphaned
)

func (s Status) String() string {
	switch s {
	case StatusRejected:
		return "rejected"
	case StatusAccepted:
		return "accepted"
	case StatusDuplicate:
		return "duplicate"
	case StatusOrphaned:
		return "orphaned"
	}
	return "unknown"
}

// Admitted reports whether the block is now held by the cache, either in
// the block cache or in the orphan pool.
func (s Status) Admitted() bool {
	return s != StatusRejected
}

// AddBlock admits b into the block cache.
//
// A block already cached at its height is a duplicate and succeeds
// without changing anything. A valid block whose parent is unknown is
// held as an orphan and promoted once the parent is accepted. Rejections
// return StatusRejected with a *RejectError.
func (c *Cache) AddBlock(b *block.Block) (Status, error) {
	if b == nil || b.Header == nil {
		return StatusRejected, rejectBlock(-1, ErrNilItem)
	}
	if c.HasBlock(b.Height()) {
		return StatusDuplicate, nil
	}
	if err := c.checkBlock(b); err != nil {
		return StatusRejected, c.rejectBlock(b, err)
	}
	known, err := c.parentKnown(b)
	if err != nil {
		return StatusRejected, c.rejectBlock(b, err)
	}
	if !known {
		orphaned, err := c.addOrphan(b)
		if err != nil {
			return StatusRejected, c.rejectBlock(b, err)
		}
		if orphaned {
			return StatusOrphaned, nil
		}
	}

	status := c.storeBlock(b)
	if status == StatusAccepted {
		c.promoteOrphans(b.Hash())
	}
	return status, nil
}

// checkBlock runs the structural and signature checks.
func (c *Cache) checkBlock(b *block.Block) error {
	h := b.Header
	if len(b.Transactions) == 0 || h.NumTxs == 0 {
		return ErrEmptyBlock
	}
	if err := h.CheckTimestamp(c.now()); err != nil {
		return err
	}
	for i, t := range b.Transactions {
		if t == nil {
			return fmt.Errorf("%w: tx %d is nil", ErrMalformedTx, i)
		}
		if len(t.Inputs) == 0 && len(t.Outputs) == 0 && t.Version != 0 {
			return fmt.Errorf("%w: tx %d", ErrMalformedTx, i)
		}
	}
	if c.verifier == nil {
		return ErrBadSignature
	}
	if root := c.verifier.ComputeMerkleRoot(b.Transactions); root != h.MerkleRoot {
		return fmt.Errorf("%w: computed %s, header %s", ErrMerkleMismatch, root.Short(), h.MerkleRoot.Short())
	}
	if len(h.Signature) == 0 || !c.verifier.CheckBlockSignature(b) {
		return ErrBadSignature
	}
	return nil
}

// parentKnown reports whether the block at height-1 is in the cache or the
// chain. A different block already sitting at height-1 is an error.
func (c *Cache) parentKnown(b *block.Block) (bool, error) {
	height := b.Height()
	prev := b.Header.PrevBlock
	chainHeight := c.chain.Height()

	if height <= chainHeight {
		return false, fmt.Errorf("%w: chain height %d", ErrStale, chainHeight)
	}
	if height == 0 {
		if !prev.IsZero() {
			return false, ErrBadGenesis
		}
		return true, nil
	}
	if parent, ok := c.GetBlock(height - 1); ok {
		if parent.Hash() != prev {
			return false, fmt.Errorf("%w: cached %s, block prev %s", ErrForkedParent, parent.Hash().Short(), prev.Short())
		}
		return true, nil
	}
	if height-1 == chainHeight {
		tip, err := c.chain.GetBlockHeader(chainHeight)
		if err != nil {
			return false, fmt.Errorf("%w: height %d: %v", ErrChainLookup, chainHeight, err)
		}
		if tip.Hash() != prev {
			return false, fmt.Errorf("%w: chain tip %s, block prev %s", ErrForkedParent, tip.Hash().Short(), prev.Short())
		}
		return true, nil
	}
	return false, nil
}

func (c *Cache) storeBlock(b *block.Block) Status {
	if err := c.blocks.Add(heightKey(b.Height()), b, gocache.NoExpiration); err != nil {
		return StatusDuplicate
	}
	c.logger.Debug().Int64("height", b.Height()).Str("hash", b.Hash().Short()).Msg("Block cached")
	return StatusAccepted
}

func (c *Cache) rejectBlock(b *block.Block, reason error) error {
	c.logger.Warn().Int64("height", b.Height()).Err(reason).Msg("Block rejected")
	return rejectBlock(b.Height(), reason)
}

// addOrphan stores b in the orphan pool. The parent is checked again under
// the orphan lock so a block racing with its parent's promotion is stored
// directly instead; orphaned is false in that case.
func (c *Cache) addOrphan(b *block.Block) (orphaned bool, err error) {
	c.orphanMu.Lock()
	defer c.orphanMu.Unlock()

	known, err := c.parentKnown(b)
	if err != nil {
		return false, err
	}
	if known {
		return false, nil
	}
	hash := b.Hash()
	if !c.orphans.Contains(hash) {
		c.orphans.Add(hash, b)
		c.orphanParents[hash] = b.Header.PrevBlock
		c.logger.Debug().Int64("height", b.Height()).Str("hash", hash.Short()).
			Str("parent", b.Header.PrevBlock.Short()).Msg("Block orphaned")
	}
	return true, nil
}

// promoteOrphans moves every orphan descending from parent into the block
// cache. The whole walk runs under the orphan lock so two receive paths
// cannot promote the same orphan chain twice.
func (c *Cache) promoteOrphans(parent types.Hash) {
	c.orphanMu.Lock()
	defer c.orphanMu.Unlock()

	queue := []types.Hash{parent}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		for hash, orphanParent := range c.orphanParents {
			if orphanParent != p {
				continue
			}
			b, ok := c.orphans.Peek(hash)
			c.orphans.Remove(hash)
			if !ok {
				continue
			}
			if err := c.checkBlock(b); err != nil {
				c.rejectBlock(b, err)
				continue
			}
			if known, err := c.parentKnown(b); err != nil || !known {
				if err != nil {
					c.rejectBlock(b, err)
				}
				continue
			}
			if c.storeBlock(b) == StatusAccepted {
				c.logger.Debug().Int64("height", b.Height()).Msg("Orphan promoted")
				queue = append(queue, hash)
			}
		}
	}
}

// GetBlock returns the cached block at height.
func (c *Cache) GetBlock(height int64) (*block.Block, bool) {
	v, ok := c.blocks.Get(heightKey(height))
	if !ok {
		return nil, false
	}
	return v.(*block.Block), true
}

// HasBlock reports whether a block is cached at height.
func (c *Cache) HasBlock(height int64) bool {
	_, ok := c.blocks.Get(heightKey(height))
	return ok
}

// BlockCount returns the number of cached blocks, orphans excluded.
func (c *Cache) BlockCount() int {
	return c.blocks.ItemCount()
}

// PopBlocks removes and returns up to max contiguous blocks starting just
// above the chain tip, in ascending height order.
func (c *Cache) PopBlocks(max int) []*block.Block {
	var out []*block.Block
	next := c.chain.Height() + 1
	for len(out) < max {
		key := heightKey(next)
		v, ok := c.blocks.Get(key)
		if !ok {
			break
		}
		c.blocks.Delete(key)
		out = append(out, v.(*block.Block))
		next++
	}
	return out
}

// PruneBlocks drops cached blocks at or below height, typically the chain
// height after blocks were applied from another source.
func (c *Cache) PruneBlocks(height int64) int {
	n := 0
	for key, item := range c.blocks.Items() {
		if b, ok := item.Object.(*block.Block); ok && b.Height() <= height {
			c.blocks.Delete(key)
			n++
		}
	}
	return n
}

// IsOrphan reports whether the block with hash is waiting for its parent.
func (c *Cache) IsOrphan(hash types.Hash) bool {
	c.orphanMu.Lock()
	defer c.orphanMu.Unlock()
	return c.orphans.Contains(hash)
}

// OrphanCount returns the number of blocks waiting for a parent.
func (c *Cache) OrphanCount() int {
	c.orphanMu.Lock()
	defer c.orphanMu.Unlock()
	return c.orphans.Len()
}

// OrphanRoots returns the missing parent hashes the orphan pool is waiting
// for. The syncer requests them from peers.
func (c *Cache) OrphanRoots() []types.Hash {
	c.orphanMu.Lock()
	defer c.orphanMu.Unlock()
	seen := make(map[types.Hash]bool)
	var roots []types.Hash
	for _, parent := range c.orphanParents {
		if _, isOrphan := c.orphanParents[parent]; isOrphan || seen[parent] {
			continue
		}
		seen[parent] = true
		roots = append(roots, parent)
	}
	return roots
}

package msgcache

import (
	"fmt"

	gocache "github.com/patrickmn/go-cache"

	"github.com/Klingon-tech/peerbloom/pkg/block"
)

// Window describes the cached header range.
type Window struct {
	Min   int64
	Max   int64
	Count int
}

// Empty reports whether no headers are cached.
func (w Window) Empty() bool {
	return w.Count == 0
}

// AddHeader admits h into the header cache if it extends the current tip.
// A nil return means h was cached; otherwise the error is a *RejectError.
func (c *Cache) AddHeader(h *block.Header) error {
	if h == nil {
		return rejectHeader(-1, ErrNilItem)
	}
	if err := c.checkHeaderLink(h); err != nil {
		return c.rejectHeader(h, err)
	}
	if err := h.CheckTimestamp(c.now()); err != nil {
		return c.rejectHeader(h, err)
	}
	if h.NumTxs == 0 || h.BlockSize == 0 {
		return c.rejectHeader(h, ErrEmptyHeader)
	}
	if c.verifier == nil || !c.verifier.CheckHeaderSignature(h) {
		return c.rejectHeader(h, ErrBadSignature)
	}

	wasEmpty := c.headers.ItemCount() == 0
	if err := c.headers.Add(heightKey(h.Height), h, gocache.NoExpiration); err != nil {
		return c.rejectHeader(h, ErrDuplicateHeader)
	}
	if wasEmpty {
		c.minHeight.Store(h.Height)
	}
	c.maxHeight.Store(h.Height)

	c.logger.Debug().Int64("height", h.Height).Str("hash", h.Hash().Short()).Msg("Header cached")
	return nil
}

// checkHeaderLink verifies that h sits directly on top of the current tip.
func (c *Cache) checkHeaderLink(h *block.Header) error {
	if c.headers.ItemCount() == 0 {
		return c.checkChainLink(h)
	}
	maxHeight := c.maxHeight.Load()
	if h.Height != maxHeight+1 {
		return fmt.Errorf("%w: got %d, want %d", ErrWrongHeight, h.Height, maxHeight+1)
	}
	v, ok := c.headers.Get(heightKey(maxHeight))
	if !ok {
		// Drained between the count check and here; fall back to the chain.
		return c.checkChainLink(h)
	}
	if tip := v.(*block.Header); tip.Hash() != h.PrevBlock {
		return fmt.Errorf("%w: cached tip %s, header prev %s", ErrPrevMismatch, tip.Hash().Short(), h.PrevBlock.Short())
	}
	return nil
}

func (c *Cache) checkChainLink(h *block.Header) error {
	chainHeight := c.chain.Height()
	if h.Height != chainHeight+1 {
		return fmt.Errorf("%w: got %d, want %d", ErrWrongHeight, h.Height, chainHeight+1)
	}
	if chainHeight == -1 {
		if !h.PrevBlock.IsZero() {
			return ErrBadGenesis
		}
		return nil
	}
	tip, err := c.chain.GetBlockHeader(chainHeight)
	if err != nil {
		return fmt.Errorf("%w: height %d: %v", ErrChainLookup, chainHeight, err)
	}
	if tip.Hash() != h.PrevBlock {
		return fmt.Errorf("%w: chain tip %s, header prev %s", ErrPrevMismatch, tip.Hash().Short(), h.PrevBlock.Short())
	}
	return nil
}

func (c *Cache) rejectHeader(h *block.Header, reason error) error {
	c.logger.Debug().Int64("height", h.Height).Err(reason).Msg("Header rejected")
	return rejectHeader(h.Height, reason)
}

// GetHeader returns the cached header at height.
func (c *Cache) GetHeader(height int64) (*block.Header, bool) {
	v, ok := c.headers.Get(heightKey(height))
	if !ok {
		return nil, false
	}
	return v.(*block.Header), true
}

// HeaderWindow returns the current rolling header window.
func (c *Cache) HeaderWindow() Window {
	return Window{
		Min:   c.minHeight.Load(),
		Max:   c.maxHeight.Load(),
		Count: c.headers.ItemCount(),
	}
}

// PopHeaders removes and returns up to max contiguous headers starting at
// the window minimum, in ascending height order. A header missing inside
// the window stops the drain: the headers before it are returned together
// with an ErrHeaderGap error, and the minimum stays on the missing height.
func (c *Cache) PopHeaders(max int) ([]*block.Header, error) {
	var out []*block.Header
	for len(out) < max {
		h := c.minHeight.Load()
		if h > c.maxHeight.Load() {
			break
		}
		v, ok := c.headers.Get(heightKey(h))
		if !ok {
			c.logger.Warn().Int64("height", h).Msg("Header cache gap")
			return out, fmt.Errorf("%w at height %d", ErrHeaderGap, h)
		}
		if !c.minHeight.CompareAndSwap(h, h+1) {
			// Another consumer took this height.
			continue
		}
		c.headers.Delete(heightKey(h))
		out = append(out, v.(*block.Header))
	}
	return out, nil
}

// ResetHeaders drops every cached header. The next header is checked
// against the chain tip.
func (c *Cache) ResetHeaders() {
	c.headers.Flush()
	c.minHeight.Store(0)
	c.maxHeight.Store(-1)
}

package msgcache

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Klingon-tech/peerbloom/internal/packet"
	"github.com/Klingon-tech/peerbloom/pkg/block"
	"github.com/Klingon-tech/peerbloom/pkg/tx"
	"github.com/Klingon-tech/peerbloom/pkg/types"
	"github.com/Klingon-tech/peerbloom/pkg/wire"
)

type fakeChain struct {
	mu      sync.RWMutex
	headers []*block.Header
}

func (c *fakeChain) Height() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.headers)) - 1
}

func (c *fakeChain) GetBlockHeader(height int64) (*block.Header, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if height < 0 || height >= int64(len(c.headers)) {
		return nil, fmt.Errorf("no header at %d", height)
	}
	return c.headers[height], nil
}

func (c *fakeChain) append(h *block.Header) {
	c.mu.Lock()
	c.headers = append(c.headers, h)
	c.mu.Unlock()
}

// fakeVerifier accepts any signature except "bad".
type fakeVerifier struct{}

func (fakeVerifier) CheckHeaderSignature(h *block.Header) bool {
	return string(h.Signature) != "bad"
}

func (fakeVerifier) CheckBlockSignature(b *block.Block) bool {
	return string(b.Header.Signature) != "bad"
}

func (fakeVerifier) ComputeMerkleRoot(txs []*tx.Transaction) types.Hash {
	return block.TxMerkleRoot(txs)
}

func genesisHeader() *block.Header {
	return &block.Header{Height: 0, Timestamp: block.NowTicks(), NumTxs: 1, BlockSize: 1, Signature: []byte("ok")}
}

func newTestCache(t *testing.T, chainLen int) (*Cache, *fakeChain) {
	t.Helper()
	chain := &fakeChain{}
	if chainLen > 0 {
		chain.append(genesisHeader())
		for i := 1; i < chainLen; i++ {
			chain.append(nextHeader(chain.headers[i-1]))
		}
	}
	return New(Config{Chain: chain, Verifier: fakeVerifier{}}), chain
}

func nextHeader(prev *block.Header) *block.Header {
	return &block.Header{
		Height:    prev.Height + 1,
		PrevBlock: prev.Hash(),
		Timestamp: block.NowTicks(),
		NumTxs:    1,
		BlockSize: 100,
		Signature: []byte("ok"),
	}
}

func headerChain(tip *block.Header, n int) []*block.Header {
	out := make([]*block.Header, n)
	prev := tip
	for i := range out {
		out[i] = nextHeader(prev)
		prev = out[i]
	}
	return out
}

func makeBlock(height int64, prev types.Hash) *block.Block {
	b := block.NewBlock(&block.Header{
		Height:    height,
		PrevBlock: prev,
		Timestamp: block.NowTicks(),
		Signature: []byte("ok"),
	}, []*tx.Transaction{tx.NewCoinbase(height, 1000, make([]byte, 20))})
	b.Finalize()
	return b
}

func assertReject(t *testing.T, err error, reason error) {
	t.Helper()
	var re *RejectError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *RejectError", err)
	}
	if !errors.Is(err, reason) {
		t.Fatalf("reason = %v, want %v", re.Reason, reason)
	}
}

func TestAddHeader_Continuity(t *testing.T) {
	c, chain := newTestCache(t, 1)
	headers := headerChain(chain.headers[0], 5)
	for _, h := range headers {
		if err := c.AddHeader(h); err != nil {
			t.Fatalf("AddHeader(%d): %v", h.Height, err)
		}
	}
	w := c.HeaderWindow()
	if w.Min != 1 || w.Max != 5 || w.Count != 5 {
		t.Fatalf("window = %+v, want [1,5] x5", w)
	}

	fork := nextHeader(headers[3]) // height 5, parent is header 4
	fork.Height = 6
	assertReject(t, c.AddHeader(fork), ErrPrevMismatch)

	skip := nextHeader(headers[4])
	skip.Height = 7
	assertReject(t, c.AddHeader(skip), ErrWrongHeight)

	if err := c.AddHeader(nextHeader(headers[4])); err != nil {
		t.Fatalf("AddHeader(6): %v", err)
	}
}

func TestAddHeader_EmptyCacheUsesChainTip(t *testing.T) {
	c, chain := newTestCache(t, 3)

	wrongPrev := nextHeader(chain.headers[1])
	wrongPrev.Height = 3
	assertReject(t, c.AddHeader(wrongPrev), ErrPrevMismatch)

	assertReject(t, c.AddHeader(nextHeader(chain.headers[0])), ErrWrongHeight)

	if err := c.AddHeader(nextHeader(chain.headers[2])); err != nil {
		t.Fatalf("AddHeader: %v", err)
	}
}

func TestAddHeader_Genesis(t *testing.T) {
	c, _ := newTestCache(t, 0)

	bad := genesisHeader()
	bad.PrevBlock = types.Hash{1}
	assertReject(t, c.AddHeader(bad), ErrBadGenesis)

	if err := c.AddHeader(genesisHeader()); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	if w := c.HeaderWindow(); w.Min != 0 || w.Max != 0 || w.Count != 1 {
		t.Fatalf("window = %+v", w)
	}
}

func TestAddHeader_Rejections(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		mutate func(h *block.Header)
		reason error
	}{
		{"future timestamp", func(h *block.Header) { h.Timestamp = block.TimeToTicks(now.Add(3 * time.Hour)) }, block.ErrFutureTimestamp},
		{"zero txs", func(h *block.Header) { h.NumTxs = 0 }, ErrEmptyHeader},
		{"zero size", func(h *block.Header) { h.BlockSize = 0 }, ErrEmptyHeader},
		{"bad signature", func(h *block.Header) { h.Signature = []byte("bad") }, ErrBadSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, chain := newTestCache(t, 1)
			h := nextHeader(chain.headers[0])
			tt.mutate(h)
			assertReject(t, c.AddHeader(h), tt.reason)
			if !c.HeaderWindow().Empty() {
				t.Fatal("rejected header was cached")
			}
		})
	}

	t.Run("nil", func(t *testing.T) {
		c, _ := newTestCache(t, 1)
		assertReject(t, c.AddHeader(nil), ErrNilItem)
	})

	t.Run("within drift", func(t *testing.T) {
		c, chain := newTestCache(t, 1)
		h := nextHeader(chain.headers[0])
		h.Timestamp = block.TimeToTicks(now.Add(time.Hour))
		if err := c.AddHeader(h); err != nil {
			t.Fatalf("AddHeader: %v", err)
		}
	})
}

func TestAddHeader_NoOverwrite(t *testing.T) {
	c, chain := newTestCache(t, 1)
	h := nextHeader(chain.headers[0])
	if err := c.AddHeader(h); err != nil {
		t.Fatalf("AddHeader: %v", err)
	}
	other := nextHeader(chain.headers[0])
	other.BlockSize = 999
	if err := c.AddHeader(other); err == nil {
		t.Fatal("second header at the same height was accepted")
	}
	got, _ := c.GetHeader(1)
	if got != h {
		t.Fatal("cached header was overwritten")
	}
}

func TestPopHeaders(t *testing.T) {
	c, chain := newTestCache(t, 1)
	for _, h := range headerChain(chain.headers[0], 5) {
		if err := c.AddHeader(h); err != nil {
			t.Fatalf("AddHeader: %v", err)
		}
	}

	got, err := c.PopHeaders(3)
	if err != nil {
		t.Fatalf("PopHeaders: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("popped %d, want 3", len(got))
	}
	for i, h := range got {
		if h.Height != int64(i+1) {
			t.Fatalf("popped[%d].Height = %d", i, h.Height)
		}
	}
	if w := c.HeaderWindow(); w.Min != 4 || w.Count != 2 {
		t.Fatalf("window after pop = %+v", w)
	}

	got, err = c.PopHeaders(10)
	if err != nil || len(got) != 2 {
		t.Fatalf("second pop = %d headers, err %v", len(got), err)
	}
	got, err = c.PopHeaders(10)
	if err != nil || len(got) != 0 {
		t.Fatalf("pop on empty = %d headers, err %v", len(got), err)
	}
}

func TestPopHeaders_StopsAtGap(t *testing.T) {
	c, chain := newTestCache(t, 1)
	for _, h := range headerChain(chain.headers[0], 3) {
		if err := c.AddHeader(h); err != nil {
			t.Fatalf("AddHeader: %v", err)
		}
	}
	c.headers.Delete(heightKey(2))

	got, err := c.PopHeaders(3)
	if !errors.Is(err, ErrHeaderGap) {
		t.Fatalf("err = %v, want ErrHeaderGap", err)
	}
	if len(got) != 1 || got[0].Height != 1 {
		t.Fatalf("popped %d headers before the gap", len(got))
	}
	for _, h := range got {
		if h == nil {
			t.Fatal("nil header returned")
		}
	}
	if w := c.HeaderWindow(); w.Min != 2 {
		t.Fatalf("min = %d, want 2", w.Min)
	}
}

func TestResetHeaders(t *testing.T) {
	c, chain := newTestCache(t, 1)
	if err := c.AddHeader(nextHeader(chain.headers[0])); err != nil {
		t.Fatalf("AddHeader: %v", err)
	}
	c.ResetHeaders()
	if !c.HeaderWindow().Empty() {
		t.Fatal("window not empty after reset")
	}
	if err := c.AddHeader(nextHeader(chain.headers[0])); err != nil {
		t.Fatalf("AddHeader after reset: %v", err)
	}
}

func TestAddHeader_Concurrent(t *testing.T) {
	c, chain := newTestCache(t, 1)
	headers := headerChain(chain.headers[0], 50)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, h := range headers {
				deadline := time.Now().Add(5 * time.Second)
				for c.HeaderWindow().Max < h.Height && time.Now().Before(deadline) {
					_ = c.AddHeader(h)
				}
			}
		}()
	}
	wg.Wait()

	if w := c.HeaderWindow(); w.Min != 1 || w.Max != 50 || w.Count != 50 {
		t.Fatalf("window = %+v, want [1,50] x50", w)
	}
}

func TestAddBlock_Accept(t *testing.T) {
	c, chain := newTestCache(t, 1)
	b := makeBlock(1, chain.headers[0].Hash())
	st, err := c.AddBlock(b)
	if err != nil || st != StatusAccepted {
		t.Fatalf("AddBlock = %s, %v", st, err)
	}
	if got, ok := c.GetBlock(1); !ok || got != b {
		t.Fatal("block not cached")
	}
}

func TestAddBlock_DuplicateIsIdempotent(t *testing.T) {
	c, chain := newTestCache(t, 1)
	b := makeBlock(1, chain.headers[0].Hash())
	if _, err := c.AddBlock(b); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}

	other := makeBlock(1, chain.headers[0].Hash())
	other.Header.Signature = []byte("other")
	st, err := c.AddBlock(other)
	if err != nil || st != StatusDuplicate {
		t.Fatalf("second AddBlock = %s, %v; want duplicate", st, err)
	}
	if !st.Admitted() {
		t.Fatal("duplicate not reported as admitted")
	}
	if got, _ := c.GetBlock(1); got != b {
		t.Fatal("duplicate replaced the cached block")
	}
	if c.BlockCount() != 1 {
		t.Fatalf("BlockCount = %d", c.BlockCount())
	}
}

func TestAddBlock_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(b *block.Block)
		reason error
	}{
		{"no transactions", func(b *block.Block) { b.Transactions = nil }, ErrEmptyBlock},
		{"header declares zero txs", func(b *block.Block) { b.Header.NumTxs = 0 }, ErrEmptyBlock},
		{"future timestamp", func(b *block.Block) {
			b.Header.Timestamp = block.TimeToTicks(time.Now().Add(3 * time.Hour))
		}, block.ErrFutureTimestamp},
		{"malformed tx", func(b *block.Block) {
			b.Transactions = append(b.Transactions, &tx.Transaction{Version: 1})
			b.Finalize()
		}, ErrMalformedTx},
		{"merkle mismatch", func(b *block.Block) { b.Header.MerkleRoot = types.Hash{9} }, ErrMerkleMismatch},
		{"missing signature", func(b *block.Block) { b.Header.Signature = nil }, ErrBadSignature},
		{"bad signature", func(b *block.Block) { b.Header.Signature = []byte("bad") }, ErrBadSignature},
		{"stale height", func(b *block.Block) { b.Header.Height = 0 }, ErrStale},
		{"forked parent", func(b *block.Block) { b.Header.PrevBlock = types.Hash{7} }, ErrForkedParent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, chain := newTestCache(t, 1)
			b := makeBlock(1, chain.headers[0].Hash())
			tt.mutate(b)
			st, err := c.AddBlock(b)
			if st != StatusRejected {
				t.Fatalf("status = %s, want rejected", st)
			}
			assertReject(t, err, tt.reason)
			if c.BlockCount() != 0 || c.OrphanCount() != 0 {
				t.Fatal("rejected block was stored")
			}
		})
	}
}

func TestAddBlock_Genesis(t *testing.T) {
	c, _ := newTestCache(t, 0)
	bad := makeBlock(0, types.Hash{1})
	if _, err := c.AddBlock(bad); !errors.Is(err, ErrBadGenesis) {
		t.Fatalf("err = %v, want ErrBadGenesis", err)
	}
	st, err := c.AddBlock(makeBlock(0, types.Hash{}))
	if err != nil || st != StatusAccepted {
		t.Fatalf("AddBlock(genesis) = %s, %v", st, err)
	}
}

func TestAddBlock_OrphanPromotion(t *testing.T) {
	c, chain := newTestCache(t, 1)
	b1 := makeBlock(1, chain.headers[0].Hash())
	b2 := makeBlock(2, b1.Hash())

	st, err := c.AddBlock(b2)
	if err != nil || st != StatusOrphaned {
		t.Fatalf("AddBlock(b2) = %s, %v; want orphaned", st, err)
	}
	if !c.IsOrphan(b2.Hash()) {
		t.Fatal("b2 not in orphan pool")
	}
	if c.HasBlock(2) {
		t.Fatal("orphan b2 is in the block cache")
	}
	if roots := c.OrphanRoots(); len(roots) != 1 || roots[0] != b1.Hash() {
		t.Fatalf("OrphanRoots = %v, want [b1]", roots)
	}

	st, err = c.AddBlock(b1)
	if err != nil || st != StatusAccepted {
		t.Fatalf("AddBlock(b1) = %s, %v", st, err)
	}
	if !c.HasBlock(1) || !c.HasBlock(2) {
		t.Fatal("b1 and b2 should both be cached after promotion")
	}
	if c.IsOrphan(b2.Hash()) || c.OrphanCount() != 0 {
		t.Fatal("orphan pool not emptied")
	}
}

func TestAddBlock_OrphanChainPromotion(t *testing.T) {
	c, chain := newTestCache(t, 1)
	b1 := makeBlock(1, chain.headers[0].Hash())
	b2 := makeBlock(2, b1.Hash())
	b3 := makeBlock(3, b2.Hash())

	for _, b := range []*block.Block{b3, b2} {
		if st, _ := c.AddBlock(b); st != StatusOrphaned {
			t.Fatalf("AddBlock(%d) = %s, want orphaned", b.Height(), st)
		}
	}
	if c.OrphanCount() != 2 {
		t.Fatalf("OrphanCount = %d", c.OrphanCount())
	}
	if st, err := c.AddBlock(b1); st != StatusAccepted {
		t.Fatalf("AddBlock(b1) = %s, %v", st, err)
	}
	for h := int64(1); h <= 3; h++ {
		if !c.HasBlock(h) {
			t.Fatalf("block %d missing after promotion", h)
		}
	}
	if c.OrphanCount() != 0 {
		t.Fatalf("OrphanCount = %d after promotion", c.OrphanCount())
	}
}

func TestAddBlock_ConcurrentPromotion(t *testing.T) {
	for run := 0; run < 20; run++ {
		c, chain := newTestCache(t, 1)
		b1 := makeBlock(1, chain.headers[0].Hash())
		b2 := makeBlock(2, b1.Hash())

		var wg sync.WaitGroup
		for _, b := range []*block.Block{b2, b1} {
			wg.Add(1)
			go func(b *block.Block) {
				defer wg.Done()
				c.AddBlock(b)
			}(b)
		}
		wg.Wait()

		if !c.HasBlock(1) || !c.HasBlock(2) || c.OrphanCount() != 0 {
			t.Fatalf("run %d: blocks %v/%v, orphans %d", run, c.HasBlock(1), c.HasBlock(2), c.OrphanCount())
		}
	}
}

func TestOrphanPoolEviction(t *testing.T) {
	chain := &fakeChain{}
	chain.append(genesisHeader())
	c := New(Config{Chain: chain, Verifier: fakeVerifier{}, MaxOrphans: 2})

	for i := byte(1); i <= 3; i++ {
		if st, _ := c.AddBlock(makeBlock(5, types.Hash{i})); st != StatusOrphaned {
			t.Fatalf("orphan %d: status %s", i, st)
		}
	}
	if c.OrphanCount() != 2 {
		t.Fatalf("OrphanCount = %d, want 2", c.OrphanCount())
	}
	c.orphanMu.Lock()
	parents := len(c.orphanParents)
	c.orphanMu.Unlock()
	if parents != 2 {
		t.Fatalf("parent index has %d entries, want 2", parents)
	}
}

func TestPopBlocks(t *testing.T) {
	c, chain := newTestCache(t, 1)
	prev := chain.headers[0].Hash()
	var blocks []*block.Block
	for h := int64(1); h <= 4; h++ {
		b := makeBlock(h, prev)
		blocks = append(blocks, b)
		prev = b.Hash()
	}
	for _, b := range []*block.Block{blocks[0], blocks[1], blocks[3]} {
		if _, err := c.AddBlock(b); err != nil {
			t.Fatalf("AddBlock: %v", err)
		}
	}

	got := c.PopBlocks(10)
	if len(got) != 2 || got[0] != blocks[0] || got[1] != blocks[1] {
		t.Fatalf("PopBlocks = %d blocks, want heights 1,2", len(got))
	}
	if c.HasBlock(1) || c.HasBlock(2) {
		t.Fatal("popped blocks still cached")
	}
	if !c.IsOrphan(blocks[3].Hash()) {
		t.Fatal("block 4 should be an orphan")
	}
}

func TestPruneBlocks(t *testing.T) {
	c, chain := newTestCache(t, 1)
	b1 := makeBlock(1, chain.headers[0].Hash())
	b2 := makeBlock(2, b1.Hash())
	c.AddBlock(b1)
	c.AddBlock(b2)
	if n := c.PruneBlocks(1); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if c.HasBlock(1) || !c.HasBlock(2) {
		t.Fatal("wrong block pruned")
	}
}

func TestVersions(t *testing.T) {
	c, _ := newTestCache(t, 1)
	a, _ := wire.ParseEndpoint("10.0.0.1:30303")
	b, _ := wire.ParseEndpoint("[2001:db8::2]:30303")

	if c.BestHeight() != -1 {
		t.Fatalf("BestHeight = %d, want -1", c.BestHeight())
	}
	c.SetVersion(a, packet.Version{Version: 1, Height: 10})
	c.SetVersion(b, packet.Version{Version: 1, Height: 25})
	if c.BestHeight() != 25 {
		t.Fatalf("BestHeight = %d, want 25", c.BestHeight())
	}

	c.SetBadVersion(b, packet.Version{Version: 0, Height: 99})
	if _, ok := c.Version(b); ok {
		t.Fatal("bad version still listed as accepted")
	}
	if len(c.BadVersions()) != 1 || len(c.Versions()) != 1 {
		t.Fatalf("versions %d, bad %d", len(c.Versions()), len(c.BadVersions()))
	}
	if c.BestHeight() != 10 {
		t.Fatalf("BestHeight = %d, want 10", c.BestHeight())
	}
}

// Package msgcache holds headers and blocks received from peers until the
// chain consumes them.
//
// Headers are admitted only when they extend the current tip: the cached
// header at the rolling maximum height, or the chain tip when the cache is
// empty. Blocks are keyed by height and drained in ascending order. Blocks
// whose parent has not arrived wait in a bounded orphan pool and are
// promoted when the parent is accepted.
//
// The header, block and version caches are concurrent maps safe for use
// from every peer goroutine. Only the orphan pool and its parent index
// share a mutex.
package msgcache

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/peerbloom/internal/log"
	"github.com/Klingon-tech/peerbloom/pkg/block"
	"github.com/Klingon-tech/peerbloom/pkg/tx"
	"github.com/Klingon-tech/peerbloom/pkg/types"
)

// DefaultMaxOrphans bounds the orphan pool when Config.MaxOrphans is zero.
const DefaultMaxOrphans = 256

// ChainReader is the view of the chain store the cache needs.
type ChainReader interface {
	// Height returns the height of the chain tip, or -1 for an empty chain.
	Height() int64
	// GetBlockHeader returns the stored header at height.
	GetBlockHeader(height int64) (*block.Header, error)
}

// Verifier checks signatures and recomputes merkle roots.
type Verifier interface {
	CheckHeaderSignature(h *block.Header) bool
	CheckBlockSignature(b *block.Block) bool
	ComputeMerkleRoot(txs []*tx.Transaction) types.Hash
}

// Config configures a Cache.
type Config struct {
	Chain      ChainReader
	Verifier   Verifier
	MaxOrphans int
	// Now overrides the clock used for the future-timestamp guard.
	Now func() time.Time
}

// Cache is the per-node synchronization cache. Create one with New at
// startup and share it between every connection.
type Cache struct {
	chain    ChainReader
	verifier Verifier
	now      func() time.Time
	logger   zerolog.Logger

	headers *gocache.Cache // height -> *block.Header
	blocks  *gocache.Cache // height -> *block.Block

	// Rolling header window. The cache holds headers for [minHeight,
	// maxHeight]; minHeight == maxHeight+1 when nothing is cached.
	minHeight atomic.Int64
	maxHeight atomic.Int64

	orphanMu      sync.Mutex
	orphans       *lru.Cache[types.Hash, *block.Block]
	orphanParents map[types.Hash]types.Hash // orphan hash -> parent hash

	versions    *gocache.Cache // endpoint -> packet.Version
	badVersions *gocache.Cache
}

// New creates an empty cache.
func New(cfg Config) *Cache {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxOrphans <= 0 {
		cfg.MaxOrphans = DefaultMaxOrphans
	}
	c := &Cache{
		chain:         cfg.Chain,
		verifier:      cfg.Verifier,
		now:           cfg.Now,
		logger:        klog.Cache,
		headers:       gocache.New(gocache.NoExpiration, 0),
		blocks:        gocache.New(gocache.NoExpiration, 0),
		orphanParents: make(map[types.Hash]types.Hash),
		versions:      gocache.New(versionTTL, versionCleanup),
		badVersions:   gocache.New(versionTTL, versionCleanup),
	}
	c.minHeight.Store(0)
	c.maxHeight.Store(-1)

	// The callback runs synchronously inside Add and Remove, which are
	// only called with orphanMu held.
	orphans, err := lru.NewWithEvict(cfg.MaxOrphans, func(h types.Hash, _ *block.Block) {
		delete(c.orphanParents, h)
	})
	if err != nil {
		// Only returned for a non-positive size, ruled out above.
		panic(err)
	}
	c.orphans = orphans
	return c
}

func heightKey(h int64) string {
	return strconv.FormatInt(h, 10)
}

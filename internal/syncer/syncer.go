// Package syncer drives header-first chain download. Headers are asked
// from the best peer in batches, admitted by the message cache, then
// drained and turned into block requests by hash. Blocks that reach the
// cache are applied to the chain in height order. Requests that go
// unanswered for the retry window are sent again.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/peerbloom/config"
	klog "github.com/Klingon-tech/peerbloom/internal/log"
	"github.com/Klingon-tech/peerbloom/internal/metrics"
	"github.com/Klingon-tech/peerbloom/internal/msgcache"
	"github.com/Klingon-tech/peerbloom/internal/packet"
	"github.com/Klingon-tech/peerbloom/pkg/block"
	"github.com/Klingon-tech/peerbloom/pkg/types"
)

// Defaults applied to zero Config fields.
const (
	DefaultBatch = 500
	DefaultRetry = 10 * time.Second
	DefaultTick  = time.Second
)

// Chain is the chain store the syncer feeds.
type Chain interface {
	Height() int64
	AddBlock(blk *block.Block) error
}

// Peer is a remote node that can be asked for data.
type Peer interface {
	Send(body packet.Body) error
	Height() int64
	String() string
}

// Network is the peer layer as seen by the syncer.
type Network interface {
	// BestPeer returns the peer to download from, or nil.
	BestPeer() Peer
	// Notify fires when peers delivered something worth a sync step.
	Notify() <-chan struct{}
}

// Config configures a Syncer.
type Config struct {
	Batch int           // headers per GetHeaders
	Retry time.Duration // re-request window
	Tick  time.Duration // idle step interval
	Now   func() time.Time
}

// ConfigFrom maps the node's sync settings onto a Config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{Batch: cfg.Sync.Batch, Retry: cfg.Sync.Retry}
}

type request struct {
	hash types.Hash
	at   time.Time
}

// Syncer downloads the chain from peers.
type Syncer struct {
	cfg     Config
	chain   Chain
	cache   *msgcache.Cache
	net     Network
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu          sync.Mutex
	pending     map[int64]request // heights whose block was requested
	headersAt   time.Time         // last GetHeaders; zero when none outstanding
	orphanAsked map[types.Hash]time.Time

	target      atomic.Int64
	started     time.Time
	startHeight int64
}

// New creates a Syncer.
func New(cfg Config, ch Chain, cache *msgcache.Cache, net Network) *Syncer {
	if cfg.Batch <= 0 || cfg.Batch > config.MaxHeadersPerPacket {
		cfg.Batch = DefaultBatch
	}
	if cfg.Retry <= 0 {
		cfg.Retry = DefaultRetry
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Syncer{
		cfg:         cfg,
		chain:       ch,
		cache:       cache,
		net:         net,
		logger:      klog.Sync,
		pending:     make(map[int64]request),
		orphanAsked: make(map[types.Hash]time.Time),
	}
	s.target.Store(ch.Height())
	return s
}

// SetMetrics attaches a metrics sink.
func (s *Syncer) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Syncing reports whether a peer is known to be ahead of the local chain.
func (s *Syncer) Syncing() bool {
	return s.target.Load() > s.chain.Height()
}

// Target returns the best height seen on the network.
func (s *Syncer) Target() int64 {
	return s.target.Load()
}

// Run steps the syncer whenever the network signals new data, and at
// least once per tick, until ctx is done.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.net.Notify():
		case <-ticker.C:
		}
		s.Step()
	}
}

// Step applies whatever blocks are ready, then issues the next requests.
func (s *Syncer) Step() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.applyBlocks()

	peer := s.net.BestPeer()
	if peer == nil {
		return
	}
	if h := peer.Height(); h > s.target.Load() {
		s.target.Store(h)
	}

	s.requestBlocks(peer)
	s.retryStale(peer)
	s.requestOrphanParents(peer)
	s.requestHeaders(peer)
}

// NotFound marks requested blocks the peer did not have so the next step
// asks again, possibly elsewhere.
func (s *Syncer) NotFound(items []packet.InvVect) {
	s.mu.Lock()
	defer s.mu.Unlock()
	missing := make(map[types.Hash]bool, len(items))
	for _, it := range items {
		if it.Type == packet.InvBlock {
			missing[it.Hash] = true
		}
	}
	for h, r := range s.pending {
		if missing[r.hash] {
			s.pending[h] = request{hash: r.hash}
		}
	}
}

// applyBlocks moves contiguous cached blocks into the chain.
func (s *Syncer) applyBlocks() {
	applied := 0
	for {
		blocks := s.cache.PopBlocks(config.MaxBlocksPerPacket)
		if len(blocks) == 0 {
			break
		}
		for _, b := range blocks {
			if err := s.chain.AddBlock(b); err != nil {
				s.logger.Warn().Err(err).Int64("height", b.Height()).Str("hash", b.Hash().Short()).Msg("Failed to apply block")
				s.restart(b.Height())
				s.finishApply(applied)
				return
			}
			delete(s.pending, b.Height())
			applied++
		}
	}
	s.finishApply(applied)
}

func (s *Syncer) finishApply(applied int) {
	if applied == 0 {
		return
	}
	height := s.chain.Height()
	s.cache.PruneBlocks(height)
	for h := range s.pending {
		if h <= height {
			delete(s.pending, h)
		}
	}
	s.metrics.UpdateChain(height, s.cache.OrphanCount())
	s.logProgress(applied, height)
}

// restart forgets every request at or above height and the cached header
// window, so the download resumes from the chain tip.
func (s *Syncer) restart(height int64) {
	for h := range s.pending {
		if h >= height {
			delete(s.pending, h)
		}
	}
	s.cache.ResetHeaders()
	s.headersAt = time.Time{}
}

// requestBlocks drains admitted headers and asks for their blocks.
func (s *Syncer) requestBlocks(peer Peer) {
	hdrs, err := s.cache.PopHeaders(s.cfg.Batch)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Header window broken, restarting header download")
		s.cache.ResetHeaders()
	}
	if len(hdrs) == 0 {
		return
	}
	s.headersAt = time.Time{}

	now := s.cfg.Now()
	hashes := make([]types.Hash, 0, len(hdrs))
	for _, h := range hdrs {
		if s.cache.HasBlock(h.Height) {
			continue
		}
		hash := h.Hash()
		s.pending[h.Height] = request{hash: hash, at: now}
		hashes = append(hashes, hash)
	}
	s.sendGetBlocks(peer, hashes)
}

// retryStale re-requests blocks not seen within the retry window.
func (s *Syncer) retryStale(peer Peer) {
	now := s.cfg.Now()
	var hashes []types.Hash
	for h, r := range s.pending {
		if s.cache.HasBlock(h) || now.Sub(r.at) < s.cfg.Retry {
			continue
		}
		s.pending[h] = request{hash: r.hash, at: now}
		hashes = append(hashes, r.hash)
	}
	if len(hashes) > 0 {
		s.logger.Debug().Int("count", len(hashes)).Str("peer", peer.String()).Msg("Retrying block requests")
		s.sendGetBlocks(peer, hashes)
	}
}

// requestOrphanParents asks for the missing ancestors of orphan blocks.
func (s *Syncer) requestOrphanParents(peer Peer) {
	now := s.cfg.Now()
	for h, at := range s.orphanAsked {
		if now.Sub(at) >= s.cfg.Retry {
			delete(s.orphanAsked, h)
		}
	}
	var hashes []types.Hash
	for _, root := range s.cache.OrphanRoots() {
		if _, asked := s.orphanAsked[root]; asked {
			continue
		}
		s.orphanAsked[root] = now
		hashes = append(hashes, root)
	}
	s.sendGetBlocks(peer, hashes)
}

// requestHeaders asks for the next header batch once the previous one has
// been fully turned into blocks.
func (s *Syncer) requestHeaders(peer Peer) {
	if len(s.pending) > 0 || !s.cache.HeaderWindow().Empty() {
		return
	}
	height := s.chain.Height()
	remote := peer.Height()
	if remote <= height {
		return
	}
	now := s.cfg.Now()
	if !s.headersAt.IsZero() && now.Sub(s.headersAt) < s.cfg.Retry {
		return
	}

	count := int64(s.cfg.Batch)
	if remote-height < count {
		count = remote - height
	}
	if err := peer.Send(&packet.GetHeaders{Start: height + 1, Count: uint32(count)}); err != nil {
		s.logger.Debug().Err(err).Str("peer", peer.String()).Msg("GetHeaders failed")
		return
	}
	if s.started.IsZero() {
		s.started, s.startHeight = now, height
		s.logger.Info().
			Int64("local", height).
			Int64("remote", remote).
			Int64("blocks", remote-height).
			Msg("Syncing chain")
	}
	s.headersAt = now
}

func (s *Syncer) sendGetBlocks(peer Peer, hashes []types.Hash) {
	for len(hashes) > 0 {
		batch := hashes
		if len(batch) > config.MaxBlocksPerPacket {
			batch = batch[:config.MaxBlocksPerPacket]
		}
		hashes = hashes[len(batch):]
		if err := peer.Send(&packet.GetBlocks{Hashes: batch}); err != nil {
			s.logger.Debug().Err(err).Str("peer", peer.String()).Msg("GetBlocks failed")
			return
		}
	}
}

func (s *Syncer) logProgress(applied int, height int64) {
	target := s.target.Load()
	if s.started.IsZero() {
		s.logger.Debug().Int("applied", applied).Int64("height", height).Msg("Blocks applied")
		return
	}
	total := target - s.startHeight
	synced := height - s.startHeight
	elapsed := s.cfg.Now().Sub(s.started).Seconds()

	ev := s.logger.Info().Int64("height", height).Int64("target", target)
	if total > 0 {
		ev = ev.Str("progress", fmt.Sprintf("%.1f%%", float64(synced)/float64(total)*100))
	}
	if elapsed > 0 {
		ev = ev.Str("speed", fmt.Sprintf("%.0f blk/s", float64(synced)/elapsed))
	}
	if height >= target {
		ev.Dur("elapsed", s.cfg.Now().Sub(s.started)).Msg("Sync complete")
		s.started = time.Time{}
		return
	}
	ev.Msg("Syncing")
}

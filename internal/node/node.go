// Package node wires storage, the chain, the synchronization cache, the
// peer layer and the syncer into a running full node.
package node

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/peerbloom/config"
	"github.com/Klingon-tech/peerbloom/internal/chain"
	"github.com/Klingon-tech/peerbloom/internal/consensus"
	klog "github.com/Klingon-tech/peerbloom/internal/log"
	"github.com/Klingon-tech/peerbloom/internal/metrics"
	"github.com/Klingon-tech/peerbloom/internal/miner"
	"github.com/Klingon-tech/peerbloom/internal/msgcache"
	"github.com/Klingon-tech/peerbloom/internal/peerbloom"
	"github.com/Klingon-tech/peerbloom/internal/storage"
	"github.com/Klingon-tech/peerbloom/internal/syncer"
	"github.com/Klingon-tech/peerbloom/pkg/block"
	"github.com/Klingon-tech/peerbloom/pkg/crypto"
	"github.com/Klingon-tech/peerbloom/pkg/wire"
)

// metricsNamespace prefixes every exported metric.
const metricsNamespace = "peerbloom"

// Node is a running full node. It owns every component and is the only
// place they are wired together.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	// Storage
	blocksDB storage.DB
	peersDB  storage.DB

	// Chain
	engine *consensus.PoA
	ch     *chain.Chain
	cache  *msgcache.Cache

	// Network
	p2p    *peerbloom.Node
	syncer *syncer.Syncer

	// Metrics
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	metricsSrv *metrics.Server

	minterKey *crypto.PrivateKey

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a node from cfg. Nothing runs until Start.
func New(cfg *config.Config) (*Node, error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(logsDir, "peerbloom.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	// ── 2. Genesis ──────────────────────────────────────────────────
	genesis := config.GenesisFor(cfg.Network)
	if genesis == nil {
		return nil, fmt.Errorf("unknown network %q", cfg.Network)
	}
	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Uint8("network_id", cfg.EffectiveNetworkID()).
		Int("block_time", genesis.BlockTime).
		Msg("Starting Peerbloom node")

	n := &Node{cfg: cfg, genesis: genesis, logger: logger}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	if err := n.build(); err != nil {
		n.cancel()
		n.close()
		return nil, err
	}
	return n, nil
}

func (n *Node) build() error {
	cfg := n.cfg

	// ── 3. Open storage ─────────────────────────────────────────────
	blocksDB, err := storage.NewBadger(cfg.BlocksDir())
	if err != nil {
		return fmt.Errorf("open database at %s: %w", cfg.BlocksDir(), err)
	}
	n.blocksDB = blocksDB
	peersDB, err := storage.NewBadger(cfg.PeersDir())
	if err != nil {
		return fmt.Errorf("open database at %s: %w", cfg.PeersDir(), err)
	}
	n.peersDB = peersDB
	n.logger.Info().Str("path", cfg.ChainDataDir()).Msg("Database opened")

	// ── 4. Minter key ───────────────────────────────────────────────
	if cfg.Mining.MinterKey != "" {
		if n.minterKey, err = loadMinterKey(cfg.Mining.MinterKey); err != nil {
			return fmt.Errorf("load minter key %s: %w", cfg.Mining.MinterKey, err)
		}
		n.logger.Info().
			Str("pubkey", hex.EncodeToString(n.minterKey.PublicKey())[:16]+"...").
			Msg("Minter key loaded")
	}
	if cfg.Mining.Enabled && n.minterKey == nil {
		return fmt.Errorf("mining requires minter-key")
	}

	// ── 5. Consensus engine ─────────────────────────────────────────
	if n.engine, err = createEngine(n.genesis); err != nil {
		return fmt.Errorf("create consensus engine: %w", err)
	}
	if n.minterKey != nil {
		if err := n.engine.SetSigner(n.minterKey); err != nil {
			return fmt.Errorf("set signer: %w", err)
		}
	}
	validator := consensus.NewValidator(n.engine)

	// ── 6. Chain ────────────────────────────────────────────────────
	if n.ch, err = chain.New(n.blocksDB, validator); err != nil {
		return fmt.Errorf("create chain: %w", err)
	}
	resumed := !n.ch.State().IsEmpty()
	if err := n.ch.InitFromGenesis(n.genesis); err != nil {
		return fmt.Errorf("init from genesis: %w", err)
	}
	if resumed {
		n.logger.Info().
			Int64("height", n.ch.Height()).
			Str("tip", n.ch.TipHash().Short()).
			Msg("Chain resumed from database")
	}

	// ── 7. Metrics ──────────────────────────────────────────────────
	n.registry = prometheus.NewRegistry()
	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	n.metrics = metrics.New(metricsNamespace, n.registry)
	n.metrics.UpdateChain(n.ch.Height(), 0)
	if cfg.Metrics.Enabled {
		n.metricsSrv = metrics.NewServer(cfg.Metrics.Addr, n.registry)
	}

	// ── 8. Synchronization cache ────────────────────────────────────
	n.cache = msgcache.New(msgcache.Config{Chain: n.ch, Verifier: validator})

	if !cfg.P2P.Enabled {
		return nil
	}

	// ── 9. Peer layer + syncer ──────────────────────────────────────
	pcfg := peerbloom.ConfigFrom(cfg)
	pcfg.DB = n.peersDB
	pcfg.Syncing = func() bool {
		return n.syncer != nil && n.syncer.Syncing()
	}
	if n.p2p, err = peerbloom.New(pcfg, n.ch, n.cache); err != nil {
		return fmt.Errorf("create peer layer: %w", err)
	}
	n.p2p.SetMetrics(n.metrics)

	n.syncer = syncer.New(syncer.ConfigFrom(cfg), n.ch, n.cache, syncer.FromNode(n.p2p))
	n.syncer.SetMetrics(n.metrics)
	syncer.Attach(n.syncer, n.p2p)
	return nil
}

// Start launches the peer layer, the sync loop and block production.
func (n *Node) Start() error {
	if n.metricsSrv != nil {
		n.metricsSrv.StartAsync(func(err error) {
			n.logger.Error().Err(err).Msg("Metrics server failed")
		})
		n.logger.Info().Str("addr", n.cfg.Metrics.Addr).Msg("Metrics server started")
	}

	if n.p2p != nil {
		if err := n.p2p.Start(); err != nil {
			return fmt.Errorf("start peer layer: %w", err)
		}
		n.logger.Info().
			Str("id", n.p2p.ID().Short()).
			Str("listen", n.p2p.ListenEndpoint().String()).
			Msg("Peer layer started")

		n.goLoop(n.survey)
		n.goLoop(func() { n.syncer.Run(n.ctx) })
	}

	if n.cfg.Mining.Enabled {
		m := miner.New(n.ch, n.engine, n.minterKey.PublicKey(), n.genesis.BlockReward)
		blockTime := time.Duration(n.genesis.BlockTime) * time.Second
		n.logger.Info().
			Uint64("reward", n.genesis.BlockReward).
			Dur("interval", blockTime).
			Msg("Block production enabled")
		n.goLoop(func() { n.runMiner(m, blockTime) })
	}

	n.logger.Info().
		Int64("height", n.ch.Height()).
		Str("tip", n.ch.TipHash().Short()).
		Bool("mining", n.cfg.Mining.Enabled).
		Msg("Node started successfully")
	return nil
}

// Stop performs graceful shutdown in reverse order.
func (n *Node) Stop() {
	n.cancel()
	n.wg.Wait()

	if n.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := n.metricsSrv.Stop(ctx); err != nil {
			n.logger.Warn().Err(err).Msg("Metrics server shutdown")
		}
		cancel()
	}
	if n.p2p != nil {
		if err := n.p2p.Stop(); err != nil {
			n.logger.Warn().Err(err).Msg("Peer layer shutdown")
		}
	}
	n.close()
	n.logger.Info().Msg("Goodbye!")
}

func (n *Node) close() {
	if n.minterKey != nil {
		n.minterKey.Zero()
	}
	if n.peersDB != nil {
		n.peersDB.Close()
	}
	if n.blocksDB != nil {
		n.blocksDB.Close()
	}
}

func (n *Node) goLoop(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

// Height returns the current chain height.
func (n *Node) Height() int64 {
	return n.ch.Height()
}

// Network returns the peer layer, or nil when networking is disabled.
func (n *Node) Network() *peerbloom.Node {
	return n.p2p
}

// Registry returns the Prometheus registry holding the node metrics.
func (n *Node) Registry() *prometheus.Registry {
	return n.registry
}

// ── Survey ──────────────────────────────────────────────────────────

// survey handshakes with the configured seeds to learn what versions and
// heights the network runs before the first sync step.
func (n *Node) survey() {
	var eps []wire.Endpoint
	for _, s := range n.cfg.P2P.Seeds {
		ep, err := peerbloom.ParseSeed(s)
		if err != nil {
			n.logger.Warn().Err(err).Str("seed", s).Msg("Skipping invalid seed")
			continue
		}
		eps = append(eps, ep)
	}
	if len(eps) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Sync.Survey)
	defer cancel()
	start := time.Now()
	reached, best, _ := n.p2p.Survey(ctx, eps)

	ev := n.logger.Info().
		Int("seeds", len(eps)).
		Int("reached", reached).
		Int64("best_height", best).
		Int64("local_height", n.ch.Height()).
		Dur("took", time.Since(start))
	if bad := n.cache.BadVersions(); len(bad) > 0 {
		ev = ev.Int("bad_versions", len(bad))
	}
	ev.Msg("Version survey complete")
}

// ── Block production ────────────────────────────────────────────────

func (n *Node) runMiner(m *miner.Miner, blockTime time.Duration) {
	ticker := time.NewTicker(blockTime)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			n.logger.Info().Msg("Block production stopped")
			return
		case <-ticker.C:
			if n.syncer != nil && n.syncer.Syncing() {
				continue
			}
			if _, err := n.produceBlock(m); err != nil {
				n.logger.Error().Err(err).Msg("Failed to produce block")
			}
		}
	}
}

// produceBlock mints, applies and announces the next block when the local
// minter is selected for it. It returns nil without error when it is not.
func (n *Node) produceBlock(m *miner.Miner) (*block.Block, error) {
	if !n.engine.IsSelected(n.ch.Height()+1, n.ch.TipHash()) {
		return nil, nil
	}
	blk, err := m.ProduceBlock()
	if err != nil {
		return nil, err
	}
	if err := n.ch.AddBlock(blk); err != nil {
		return nil, fmt.Errorf("apply own block: %w", err)
	}
	n.cache.PruneBlocks(blk.Height())
	n.metrics.UpdateChain(blk.Height(), n.cache.OrphanCount())

	sent := 0
	if n.p2p != nil {
		sent = n.p2p.BroadcastBlock(blk)
	}
	n.logger.Info().
		Int64("height", blk.Height()).
		Str("hash", blk.Hash().Short()).
		Int("peers", sent).
		Msg("Block produced")
	return blk, nil
}

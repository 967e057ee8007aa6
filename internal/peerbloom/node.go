package peerbloom

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	klog "github.com/Klingon-tech/peerbloom/internal/log"
	"github.com/Klingon-tech/peerbloom/internal/metrics"
	"github.com/Klingon-tech/peerbloom/internal/msgcache"
	"github.com/Klingon-tech/peerbloom/internal/packet"
	"github.com/Klingon-tech/peerbloom/pkg/block"
	"github.com/Klingon-tech/peerbloom/pkg/types"
	"github.com/Klingon-tech/peerbloom/pkg/wire"
)

const (
	// dialMemory is how long an outbound attempt counts toward the VerAck
	// loop counter.
	dialMemory = 10 * time.Minute

	// seenExpiry bounds relay deduplication of blocks and transactions.
	seenExpiry = 5 * time.Minute

	// candidateExpiry is how long a learned address stays dialable.
	candidateExpiry = time.Hour
)

// ChainReader is the local chain as seen by the peer layer.
type ChainReader interface {
	Height() int64
	GetHeaders(start int64, count int) ([]*block.Header, error)
	GetBlock(hash types.Hash) (*block.Block, error)
}

// Node owns the listener, every peer connection and the discovery state.
type Node struct {
	config  Config
	chain   ChainReader
	cache   *msgcache.Cache
	metrics *metrics.Metrics
	logger  zerolog.Logger

	key libp2pcrypto.PrivKey
	id  types.NodeID

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	listener net.Listener

	mu         sync.RWMutex
	peers      map[uint64]*Peer
	dialing    map[wire.Endpoint]Direction // dials not yet registered as peers
	localDials map[wire.Endpoint]struct{} // our side of outbound handshakes
	nextSeq    atomic.Uint64

	addrMu   sync.RWMutex
	listenEP wire.Endpoint
	public   wire.Endpoint

	dialed     *gocache.Cache // listen endpoint -> int32 outbound attempts
	seen       *gocache.Cache // relayed item hash -> struct{}
	candidates *gocache.Cache // endpoint -> source

	table     *Table
	gate      *connGate
	bans      *BanManager
	peerStore *PeerStore // nil if Config.DB is nil
	prober    *prober

	notify     chan struct{}
	onNotFound func(*Peer, []packet.InvVect)
}

// New creates a node. Nothing touches the network until Start or AddConn.
func New(cfg Config, chain ChainReader, cache *msgcache.Cache) (*Node, error) {
	cfg.withDefaults()
	key, err := LoadOrCreateIdentity(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	id, err := NodeIDFromKey(key)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		config:     cfg,
		chain:      chain,
		cache:      cache,
		logger:     klog.P2P,
		key:        key,
		id:         id,
		ctx:        ctx,
		cancel:     cancel,
		peers:      make(map[uint64]*Peer),
		dialing:    make(map[wire.Endpoint]Direction),
		localDials: make(map[wire.Endpoint]struct{}),
		dialed:     gocache.New(dialMemory, dialMemory),
		seen:       gocache.New(seenExpiry, seenExpiry),
		candidates: gocache.New(candidateExpiry, candidateExpiry/4),
		table:      NewTable(id, DefaultTableSize),
		notify:     make(chan struct{}, 1),
	}
	n.gate = &connGate{n: n}
	n.prober = newProber(n)

	var banStore *BanStore
	if cfg.DB != nil {
		banStore = NewBanStore(cfg.DB)
		n.peerStore = NewPeerStore(cfg.DB)
	}
	n.bans = NewBanManager(banStore, n.dropBanned)
	return n, nil
}

// SetMetrics attaches a metrics sink. Call before Start.
func (n *Node) SetMetrics(m *metrics.Metrics) {
	n.metrics = m
}

// SetNotFoundHandler registers fn to receive NotFound answers.
func (n *Node) SetNotFoundHandler(fn func(*Peer, []packet.InvVect)) {
	n.onNotFound = fn
}

// ID returns this node's identifier.
func (n *Node) ID() types.NodeID {
	return n.id
}

// Table returns the node table.
func (n *Node) Table() *Table {
	return n.table
}

// Bans returns the ban manager.
func (n *Node) Bans() *BanManager {
	return n.bans
}

// Notify fires, without blocking the sender, whenever a peer delivered
// something the syncer may act on.
func (n *Node) Notify() <-chan struct{} {
	return n.notify
}

func (n *Node) kick() {
	select {
	case n.notify <- struct{}{}:
	default:
	}
}

// Start opens the listener and launches the background loops.
func (n *Node) Start() error {
	n.bans.LoadBans()
	if n.config.ClearBans {
		n.bans.ClearAll()
		n.logger.Info().Msg("Cleared all peer bans")
	}

	addr := net.JoinHostPort(n.config.ListenAddr, strconv.Itoa(n.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	n.listener = ln
	n.addrMu.Lock()
	n.listenEP = wire.EndpointFromAddr(ln.Addr())
	n.addrMu.Unlock()

	n.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("id", n.id.Short()).
		Uint8("network", n.config.NetworkID).
		Msg("P2P node listening")

	n.goLoop(n.acceptLoop)
	n.goLoop(n.prober.run)
	n.goLoop(func() { n.bans.RunPruneLoop(n.ctx.Done()) })
	n.goLoop(n.discoveryLoop)
	if n.peerStore != nil {
		n.goLoop(n.persistLoop)
	}
	return nil
}

// Stop closes every connection and waits for the background loops.
func (n *Node) Stop() error {
	n.cancel()
	if n.listener != nil {
		n.listener.Close()
	}
	n.mu.RLock()
	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.RUnlock()
	for _, p := range peers {
		n.disconnect(p, packet.DisconnectClean)
	}
	n.wg.Wait()
	n.savePeers()
	return nil
}

func (n *Node) goLoop(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			if n.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			n.logger.Warn().Err(err).Msg("Accept failed")
			continue
		}
		n.goLoop(func() {
			if _, err := n.AddConn(conn, Inbound); err != nil {
				n.logger.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Inbound connection dropped")
			}
		})
	}
}

// Dial connects to ep and runs the handshake. dir must be Outbound or
// Feeler.
func (n *Node) Dial(ctx context.Context, ep wire.Endpoint, dir Direction) (*Peer, error) {
	if dir == Inbound {
		return nil, fmt.Errorf("dial %s: invalid direction %s", ep, dir)
	}
	if !ep.IsValid() || ep.Port == 0 {
		return nil, fmt.Errorf("dial %s: invalid endpoint", ep)
	}

	n.mu.Lock()
	if err := n.gate.interceptDial(ep, dir); err != nil {
		n.mu.Unlock()
		return nil, fmt.Errorf("dial %s: %w", ep, err)
	}
	n.dialing[ep] = dir
	n.mu.Unlock()

	n.noteDial(ep)
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", ep.String())
	if err != nil {
		n.mu.Lock()
		delete(n.dialing, ep)
		n.mu.Unlock()
		return nil, fmt.Errorf("dial %s: %w", ep, err)
	}
	return n.addConn(conn, dir, ep)
}

// AddConn takes ownership of an established transport connection, runs
// the handshake and, on success, starts serving the peer. Feeler
// connections are closed once the handshake proves the address.
func (n *Node) AddConn(conn net.Conn, dir Direction) (*Peer, error) {
	return n.addConn(conn, dir, wire.Endpoint{})
}

// addConn registers the peer, taking over the slot reserved by the dial
// to dialed, if any.
func (n *Node) addConn(conn net.Conn, dir Direction, dialed wire.Endpoint) (*Peer, error) {
	onSend := func(c packet.Command) { n.metrics.PacketOut(c.String()) }
	p := newPeer(n.nextSeq.Add(1), conn, dir, n.config.NetworkID, n.newLimiter(), onSend, n.logger)

	n.mu.Lock()
	if dir == Inbound {
		if code, ok := n.gate.interceptAccept(p); !ok {
			n.mu.Unlock()
			n.disconnect(p, code)
			return nil, fmt.Errorf("%w: %s", ErrRejected, code)
		}
	} else if p.local.IsValid() {
		n.localDials[p.local] = struct{}{}
	}
	delete(n.dialing, dialed)
	n.peers[p.seq] = p
	n.mu.Unlock()

	err := n.handshake(p)
	if dir != Inbound {
		n.mu.Lock()
		delete(n.localDials, p.local)
		n.mu.Unlock()
	}
	if err != nil {
		n.removePeer(p)
		return nil, err
	}
	n.metrics.Handshake(true)

	if dir == Feeler {
		n.feelerDone(p)
		return p, nil
	}

	n.wg.Add(1)
	go n.readLoop(p)
	n.onEstablished(p)
	n.updatePeerMetrics()
	return p, nil
}

func (n *Node) newLimiter() *rate.Limiter {
	if n.config.PacketRate <= 0 {
		return nil
	}
	burst := n.config.PacketBurst
	if burst <= 0 {
		burst = int(n.config.PacketRate) + 1
	}
	return rate.NewLimiter(rate.Limit(n.config.PacketRate), burst)
}

func (n *Node) onEstablished(p *Peer) {
	ep := p.ListenEndpoint()
	switch p.dir {
	case Outbound:
		if err := p.Send(&packet.FindNode{Port: int32(n.listenPort()), ID: n.id, Target: n.id}); err != nil {
			p.logger.Debug().Err(err).Msg("FindNode send failed")
		}
		n.rememberPeer(p, n.candidateSource(ep))
	case Inbound:
		// Connect back to prove the advertised port, unless this link
		// already answers one of our own dials.
		if ep.IsValid() && n.dialCount(ep) == 0 && !n.config.NoDiscover && n.ctx.Err() == nil {
			n.goLoop(func() { n.feel(ep) })
		}
	}
	n.kick()
}

func (n *Node) feel(ep wire.Endpoint) {
	ctx, cancel := context.WithTimeout(n.ctx, dialTimeout+n.config.HandshakeTimeout)
	defer cancel()
	if _, err := n.Dial(ctx, ep, Feeler); err != nil {
		n.logger.Debug().Err(err).Str("endpoint", ep.String()).Msg("Feeler failed")
	}
}

func (n *Node) feelerDone(p *Peer) {
	n.rememberPeer(p, SourceInbound)
	n.candidates.Set(p.remote.String(), SourceInbound, gocache.DefaultExpiration)
	p.logger.Debug().Int32("counter", p.AckCounter()).Msg("Feeler confirmed reachable")
	n.disconnect(p, packet.DisconnectClean)
	n.removePeer(p)
}

func (n *Node) rememberPeer(p *Peer, source string) {
	ep := p.ListenEndpoint()
	if n.peerStore == nil || !ep.IsValid() {
		return
	}
	rec := PeerRecord{Endpoint: ep.String(), LastSeen: time.Now().Unix(), Source: source}
	if id := p.ID(); !id.IsZero() {
		rec.ID = id.String()
	}
	if err := n.peerStore.Save(rec); err != nil {
		p.logger.Debug().Err(err).Msg("Failed to persist peer")
	}
}

func (n *Node) readLoop(p *Peer) {
	defer n.wg.Done()
	defer n.removePeer(p)

	for {
		if p.limiter != nil {
			if err := p.limiter.Wait(n.ctx); err != nil {
				return
			}
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(n.config.DeadTimeout()))
		pkt, err := packet.Read(p.conn, n.config.NetworkID, n.config.MaxPacket)
		if err != nil {
			n.readFailed(p, err)
			return
		}
		p.touch()
		n.metrics.PacketIn(pkt.Command().String())

		if err := n.handle(p, pkt); err != nil {
			if errors.Is(err, ErrPeerDisconnected) {
				p.logger.Debug().Err(err).Msg("Peer left")
				p.Close()
				return
			}
			p.logger.Debug().Err(err).Str("cmd", pkt.Command().String()).Msg("Handler error")
		}
	}
}

func (n *Node) readFailed(p *Peer, err error) {
	select {
	case <-p.Done():
		return
	default:
	}
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		p.logger.Debug().Msg("Peer closed connection")
		p.Close()
	case errors.As(err, &netErr) && netErr.Timeout():
		p.logger.Info().Dur("silent", time.Since(p.LastSeen())).Msg("Peer dead")
		p.Close()
	case packet.IsFatal(err):
		n.penalize(p, err)
	default:
		p.logger.Debug().Err(err).Msg("Read failed")
		p.Close()
	}
}

// penalize scores a framing or decoding error against the sender and
// drops the connection.
func (n *Node) penalize(p *Peer, err error) {
	kind := packet.ErrorKind(err)
	n.metrics.DecodeError(kind)

	penalty := PenaltyMalformed
	switch kind {
	case "short_header", "wrong_network", "too_large", "truncated_body", "checksum_mismatch":
		penalty = PenaltyFraming
	}
	p.logger.Warn().Err(err).Str("kind", kind).Msg("Dropping peer on decode error")

	code := packet.DisconnectFatalError
	if n.bans.RecordOffense(p.remote.Addr, penalty, kind) {
		code = packet.DisconnectFaulty
	}
	n.disconnect(p, code)
}

func (n *Node) disconnect(p *Peer, code packet.DisconnectCode) {
	n.metrics.Disconnect(code.String())
	p.Disconnect(code)
}

func (n *Node) removePeer(p *Peer) {
	p.Close()
	n.mu.Lock()
	_, ok := n.peers[p.seq]
	delete(n.peers, p.seq)
	n.mu.Unlock()
	if ok {
		n.updatePeerMetrics()
	}
}

// dropBanned closes every connection from a freshly banned address.
func (n *Node) dropBanned(addr netip.Addr) {
	for _, p := range n.allPeers() {
		if p.remote.Addr == addr {
			n.disconnect(p, packet.DisconnectFaulty)
		}
	}
}

func (n *Node) allPeers() []*Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	return out
}

// Peers returns the established non-feeler peers.
func (n *Node) Peers() []*Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		if p.dir != Feeler && p.State() == StateEstablished {
			out = append(out, p)
		}
	}
	return out
}

// PeerCount returns the number of established non-feeler peers.
func (n *Node) PeerCount() int {
	return len(n.Peers())
}

// BestPeer returns the established peer with the highest known height,
// preferring peers that are not syncing themselves. It returns nil when
// no peer is connected.
func (n *Node) BestPeer() *Peer {
	var best *Peer
	bestSyncing := true
	for _, p := range n.Peers() {
		v, _ := p.Version()
		switch {
		case best == nil,
			bestSyncing && !v.Syncing,
			bestSyncing == v.Syncing && p.Height() > best.Height():
			best, bestSyncing = p, v.Syncing
		}
	}
	return best
}

// peerByEndpoint finds an established peer by listening or observed
// address.
func (n *Node) peerByEndpoint(ep wire.Endpoint) *Peer {
	for _, p := range n.Peers() {
		if p.remote == ep || p.ListenEndpoint() == ep {
			return p
		}
	}
	return nil
}

// countsLocked tallies the slots in use by direction, counting dials and
// handshakes in flight. Caller holds n.mu.
func (n *Node) countsLocked() connCounts {
	var c connCounts
	count := func(dir Direction) {
		switch dir {
		case Inbound:
			c.inbound++
		case Outbound:
			c.outbound++
		case Feeler:
			c.feeler++
		}
	}
	for _, dir := range n.dialing {
		c.connecting++
		count(dir)
	}
	for _, p := range n.peers {
		if p.State() != StateEstablished {
			c.connecting++
		}
		count(p.dir)
	}
	return c
}

// connectedToLocked reports whether ep is dialed or connected. Caller
// holds n.mu.
func (n *Node) connectedToLocked(ep wire.Endpoint) bool {
	if _, ok := n.dialing[ep]; ok {
		return true
	}
	for _, p := range n.peers {
		if p.dir != Feeler && (p.remote == ep || p.ListenEndpoint() == ep) {
			return true
		}
	}
	return false
}

func (n *Node) updatePeerMetrics() {
	n.mu.RLock()
	c := n.countsLocked()
	n.mu.RUnlock()
	n.metrics.SetPeers(c.inbound, c.outbound, c.feeler)
}

func (n *Node) isLocalDial(ep wire.Endpoint) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.localDials[ep]
	return ok
}

// isSelf reports whether ep is one of our own listening addresses.
func (n *Node) isSelf(ep wire.Endpoint) bool {
	n.addrMu.RLock()
	defer n.addrMu.RUnlock()
	if n.public.IsValid() && ep == n.public {
		return true
	}
	if !n.listenEP.IsValid() || ep.Port != n.listenEP.Port {
		return false
	}
	return ep.Addr == n.listenEP.Addr || (ep.Addr.IsLoopback() && n.listenEP.Addr.IsUnspecified())
}

// learnReflected records the public endpoint a peer observed for us.
func (n *Node) learnReflected(ep wire.Endpoint) {
	if !ep.IsValid() || ep.Addr.IsUnspecified() {
		return
	}
	port := n.listenPort()
	if port == 0 {
		return
	}
	pub := ep.WithPort(uint16(port))
	n.addrMu.Lock()
	changed := pub != n.public
	n.public = pub
	n.addrMu.Unlock()
	if changed {
		n.logger.Info().Str("endpoint", pub.String()).Msg("Learned public endpoint")
	}
}

// PublicEndpoint returns our address as reflected by peers, if known.
func (n *Node) PublicEndpoint() wire.Endpoint {
	n.addrMu.RLock()
	defer n.addrMu.RUnlock()
	return n.public
}

func (n *Node) listenPort() int {
	n.addrMu.RLock()
	defer n.addrMu.RUnlock()
	return int(n.listenEP.Port)
}

// ListenEndpoint returns the bound listener address, or the zero
// Endpoint before Start.
func (n *Node) ListenEndpoint() wire.Endpoint {
	n.addrMu.RLock()
	defer n.addrMu.RUnlock()
	return n.listenEP
}

func (n *Node) noteDial(ep wire.Endpoint) {
	k := ep.String()
	if err := n.dialed.Add(k, int32(1), gocache.DefaultExpiration); err != nil {
		_, _ = n.dialed.IncrementInt32(k, 1)
	}
}

func (n *Node) dialCount(ep wire.Endpoint) int32 {
	if !ep.IsValid() {
		return 0
	}
	if v, ok := n.dialed.Get(ep.String()); ok {
		return v.(int32)
	}
	return 0
}

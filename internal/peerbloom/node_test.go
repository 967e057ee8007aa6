package peerbloom

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Klingon-tech/peerbloom/config"
	"github.com/Klingon-tech/peerbloom/internal/chain"
	"github.com/Klingon-tech/peerbloom/internal/consensus"
	"github.com/Klingon-tech/peerbloom/internal/metrics"
	"github.com/Klingon-tech/peerbloom/internal/msgcache"
	"github.com/Klingon-tech/peerbloom/internal/packet"
	"github.com/Klingon-tech/peerbloom/internal/storage"
	"github.com/Klingon-tech/peerbloom/pkg/block"
	"github.com/Klingon-tech/peerbloom/pkg/crypto"
	"github.com/Klingon-tech/peerbloom/pkg/tx"
	"github.com/Klingon-tech/peerbloom/pkg/types"
	"github.com/Klingon-tech/peerbloom/pkg/wire"
)

const testNetID = config.TestnetNetworkID

type chainEnv struct {
	chain *chain.Chain
	poa   *consensus.PoA
	gen   *config.Genesis
}

func newChainEnv(t *testing.T) *chainEnv {
	t.Helper()
	gen := config.TestnetGenesis()
	poa, err := consensus.NewPoA(gen.MinterKeys())
	if err != nil {
		t.Fatalf("NewPoA() error: %v", err)
	}
	key, err := crypto.PrivateKeyFromHex(config.TestnetMinterPrivKey)
	if err != nil {
		t.Fatalf("PrivateKeyFromHex() error: %v", err)
	}
	if err := poa.SetSigner(key); err != nil {
		t.Fatalf("SetSigner() error: %v", err)
	}
	ch, err := chain.New(storage.NewMemory(), consensus.NewValidator(poa))
	if err != nil {
		t.Fatalf("chain.New() error: %v", err)
	}
	if err := ch.InitFromGenesis(gen); err != nil {
		t.Fatalf("InitFromGenesis() error: %v", err)
	}
	return &chainEnv{chain: ch, poa: poa, gen: gen}
}

// extend seals and applies n blocks on the tip.
func (e *chainEnv) extend(t *testing.T, n int) []*block.Block {
	t.Helper()
	var out []*block.Block
	for i := 0; i < n; i++ {
		st := e.chain.State()
		height := st.Height + 1
		blk := block.NewBlock(&block.Header{
			Height:    height,
			PrevBlock: st.TipHash,
			Timestamp: st.TipTimestamp + 1,
		}, []*tx.Transaction{tx.NewCoinbase(height, e.gen.BlockReward, []byte("test"))})
		blk.Finalize()
		if err := e.poa.Seal(blk); err != nil {
			t.Fatalf("Seal() error: %v", err)
		}
		if err := e.chain.AddBlock(blk); err != nil {
			t.Fatalf("AddBlock() error: %v", err)
		}
		out = append(out, blk)
	}
	return out
}

type testNode struct {
	*Node
	env     *chainEnv
	cache   *msgcache.Cache
	metrics *metrics.Metrics
}

func newTestNode(t *testing.T, env *chainEnv, mod func(*Config)) *testNode {
	t.Helper()
	cache := msgcache.New(msgcache.Config{Chain: env.chain, Verifier: consensus.NewValidator(env.poa)})
	cfg := Config{
		NetworkID:        testNetID,
		ListenAddr:       "127.0.0.1",
		Period:           200 * time.Millisecond,
		HandshakeTimeout: 2 * time.Second,
		NoDiscover:       true,
	}
	if mod != nil {
		mod(&cfg)
	}
	n, err := New(cfg, env.chain, cache)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	m := metrics.New("test", prometheus.NewRegistry())
	n.SetMetrics(m)
	t.Cleanup(func() { n.Stop() })
	return &testNode{Node: n, env: env, cache: cache, metrics: m}
}

// connectPair links a (outbound) and b (inbound) over an in-memory pipe.
func connectPair(t *testing.T, a, b *testNode) (*Peer, *Peer) {
	t.Helper()
	c1, c2 := net.Pipe()
	type result struct {
		p   *Peer
		err error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := b.AddConn(c2, Inbound)
		ch <- result{p, err}
	}()
	pa, err := a.AddConn(c1, Outbound)
	if err != nil {
		t.Fatalf("outbound AddConn() error: %v", err)
	}
	r := <-ch
	if r.err != nil {
		t.Fatalf("inbound AddConn() error: %v", r.err)
	}
	return pa, r.p
}

// rawPeer drives the remote side of a pipe by hand.
type rawPeer struct {
	t    *testing.T
	conn net.Conn
}

func newRawPeer(t *testing.T, n *testNode) (*rawPeer, <-chan *Peer, <-chan error) {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close() })
	peers := make(chan *Peer, 1)
	errs := make(chan error, 1)
	go func() {
		p, err := n.AddConn(c2, Inbound)
		if err != nil {
			errs <- err
			return
		}
		peers <- p
	}()
	return &rawPeer{t: t, conn: c1}, peers, errs
}

func (r *rawPeer) send(body packet.Body) {
	r.t.Helper()
	_ = r.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := packet.Write(r.conn, testNetID, body); err != nil {
		r.t.Fatalf("write %s: %v", body.Command(), err)
	}
}

func (r *rawPeer) recv() packet.Body {
	r.t.Helper()
	_ = r.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	pkt, err := packet.Read(r.conn, testNetID, DefaultMaxPacket)
	if err != nil {
		r.t.Fatalf("read: %v", err)
	}
	return pkt.Body
}

// handshake completes the dialer side of the version exchange.
func (r *rawPeer) handshake() {
	r.t.Helper()
	r.send(&packet.Version{Version: config.ProtocolVersion, Height: 0})
	if _, ok := r.recv().(*packet.Version); !ok {
		r.t.Fatal("expected Version")
	}
	if _, ok := r.recv().(*packet.VerAck); !ok {
		r.t.Fatal("expected VerAck")
	}
	r.send(&packet.VerAck{})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHandshake_Established(t *testing.T) {
	envA := newChainEnv(t)
	envA.extend(t, 2)
	a := newTestNode(t, envA, nil)
	b := newTestNode(t, newChainEnv(t), nil)

	pa, pb := connectPair(t, a, b)

	if pa.State() != StateEstablished || pb.State() != StateEstablished {
		t.Fatalf("states = %s/%s, want established", pa.State(), pb.State())
	}
	if got := pb.Height(); got != 2 {
		t.Errorf("b sees a at height %d, want 2", got)
	}
	if got := pa.Height(); got != 0 {
		t.Errorf("a sees b at height %d, want 0", got)
	}
	if pa.AckCounter() != 0 || pb.AckCounter() != 0 {
		t.Errorf("ack counters = %d/%d, want 0", pa.AckCounter(), pb.AckCounter())
	}
	if a.PeerCount() != 1 || b.PeerCount() != 1 {
		t.Errorf("peer counts = %d/%d, want 1", a.PeerCount(), b.PeerCount())
	}
	if b.BestPeer() != pb {
		t.Error("BestPeer() should be the only peer")
	}
	if got := b.cache.BestHeight(); got != 2 {
		t.Errorf("cache BestHeight() = %d, want 2", got)
	}
	if v := testutil.ToFloat64(a.metrics.Handshakes.WithLabelValues("established")); v != 1 {
		t.Errorf("handshake ok metric = %v, want 1", v)
	}
}

func TestHandshake_Timeout(t *testing.T) {
	n := newTestNode(t, newChainEnv(t), func(c *Config) { c.HandshakeTimeout = 100 * time.Millisecond })
	raw, _, errs := newRawPeer(t, n)

	// Never send Version; the node gives up and says why.
	d, ok := raw.recv().(*packet.Disconnect)
	if !ok {
		t.Fatal("expected Disconnect")
	}
	if d.Code != packet.DisconnectConnectingTimeout {
		t.Errorf("code = %s, want CONNECTING_TIMEOUT", d.Code)
	}
	if err := <-errs; !errors.Is(err, ErrHandshakeTimeout) {
		t.Errorf("AddConn() error = %v, want ErrHandshakeTimeout", err)
	}
	if n.PeerCount() != 0 {
		t.Error("timed out peer should not be kept")
	}
}

func TestHandshake_BadVersion(t *testing.T) {
	n := newTestNode(t, newChainEnv(t), nil)
	raw, _, errs := newRawPeer(t, n)

	raw.send(&packet.Version{Version: config.MinProtocolVersion - 1, Height: 9})
	d, ok := raw.recv().(*packet.Disconnect)
	if !ok || d.Code != packet.DisconnectFaulty {
		t.Fatalf("expected Disconnect FAULTY, got %#v", d)
	}
	if err := <-errs; !errors.Is(err, ErrBadVersion) {
		t.Errorf("AddConn() error = %v, want ErrBadVersion", err)
	}
	if len(n.cache.BadVersions()) != 1 {
		t.Error("bad version should be recorded")
	}
	if n.cache.BestHeight() == 9 {
		t.Error("bad version must not count toward best height")
	}
}

func TestHandshake_UnexpectedPacket(t *testing.T) {
	n := newTestNode(t, newChainEnv(t), nil)
	raw, _, errs := newRawPeer(t, n)

	raw.send(&packet.NetPing{Payload: []byte{1}})
	d, ok := raw.recv().(*packet.Disconnect)
	if !ok || d.Code != packet.DisconnectFatalError {
		t.Fatalf("expected Disconnect FATAL_ERROR, got %#v", d)
	}
	if err := <-errs; !errors.Is(err, ErrUnexpectedPacket) {
		t.Errorf("AddConn() error = %v, want ErrUnexpectedPacket", err)
	}
}

func TestReadLoop_FatalDecodeError(t *testing.T) {
	n := newTestNode(t, newChainEnv(t), nil)
	raw, peers, _ := newRawPeer(t, n)
	raw.handshake()
	p := <-peers

	b, err := packet.Encode(testNetID, &packet.NetPing{Payload: []byte{1, 2, 3}})
	if err != nil {
		t.Fatal(err)
	}
	b[len(b)-1] ^= 0xff
	raw.conn.Write(b)

	d, ok := raw.recv().(*packet.Disconnect)
	if !ok || d.Code != packet.DisconnectFatalError {
		t.Fatalf("expected Disconnect FATAL_ERROR, got %#v", d)
	}
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("peer not closed")
	}
	if v := testutil.ToFloat64(n.metrics.DecodeErrors.WithLabelValues("checksum_mismatch")); v != 1 {
		t.Errorf("decode error metric = %v, want 1", v)
	}
	waitFor(t, "peer removal", func() bool { return n.PeerCount() == 0 })
}

func TestReadLoop_WrongNetwork(t *testing.T) {
	n := newTestNode(t, newChainEnv(t), nil)
	raw, peers, _ := newRawPeer(t, n)
	raw.handshake()
	p := <-peers

	if err := packet.Write(raw.conn, testNetID+1, &packet.GetPool{}); err != nil {
		t.Fatal(err)
	}
	if d, ok := raw.recv().(*packet.Disconnect); !ok || d.Code != packet.DisconnectFatalError {
		t.Fatalf("expected Disconnect FATAL_ERROR, got %#v", d)
	}
	<-p.Done()
}

func TestServe_PingAndPool(t *testing.T) {
	n := newTestNode(t, newChainEnv(t), nil)
	raw, peers, _ := newRawPeer(t, n)
	raw.handshake()
	<-peers

	raw.send(&packet.NetPing{Payload: []byte("nonce123")})
	pong, ok := raw.recv().(*packet.NetPong)
	if !ok || string(pong.Payload) != "nonce123" {
		t.Fatalf("expected NetPong echoing payload, got %#v", pong)
	}

	raw.send(&packet.GetPool{})
	if pool, ok := raw.recv().(*packet.Pool); !ok || len(pool.Hashes) != 0 {
		t.Fatalf("expected empty Pool, got %#v", pool)
	}

	h := types.Hash{0x01}
	raw.send(&packet.GetTxs{Hashes: []types.Hash{h}})
	nf, ok := raw.recv().(*packet.NotFound)
	if !ok || len(nf.Items) != 1 || nf.Items[0].Hash != h || nf.Items[0].Type != packet.InvTx {
		t.Fatalf("expected NotFound for tx, got %#v", nf)
	}
}

func TestServe_FindNode(t *testing.T) {
	n := newTestNode(t, newChainEnv(t), nil)
	for i, b := range []byte{0x10, 0x20, 0x30} {
		n.Table().Add(nodeID(b), testEndpoint(t, i+1))
	}
	raw, peers, _ := newRawPeer(t, n)
	raw.handshake()
	p := <-peers

	requester := nodeID(0x20)
	raw.send(&packet.FindNode{ID: requester, Target: nodeID(0x31)})
	resp, ok := raw.recv().(*packet.FindNodeResp)
	if !ok {
		t.Fatal("expected FindNodeResp")
	}
	if len(resp.Nodes) != 2 {
		t.Fatalf("got %d nodes, want 2", len(resp.Nodes))
	}
	for _, rn := range resp.Nodes {
		if rn.ID == requester {
			t.Error("requester should not be returned to itself")
		}
	}
	if resp.Nodes[0].ID != nodeID(0x30) {
		t.Errorf("closest = %s, want 0x30", resp.Nodes[0].ID.Short())
	}
	if p.ID() != requester {
		t.Error("peer ID should be learned from FindNode")
	}
}

func TestServe_RequestPeers(t *testing.T) {
	n := newTestNode(t, newChainEnv(t), nil)
	for i := 1; i <= 5; i++ {
		n.Table().Add(nodeID(byte(i)), testEndpoint(t, i))
	}
	raw, peers, _ := newRawPeer(t, n)
	raw.handshake()
	<-peers

	raw.send(&packet.RequestPeers{Max: 3})
	resp, ok := raw.recv().(*packet.RequestPeersResp)
	if !ok || len(resp.Peers) != 3 {
		t.Fatalf("expected 3 peers, got %#v", resp)
	}

	// Learned addresses become dial candidates.
	ep := testEndpoint(t, 200)
	raw.send(&packet.RequestPeersResp{Peers: []wire.Endpoint{ep}})
	waitFor(t, "candidate", func() bool {
		_, ok := n.candidates.Get(ep.String())
		return ok
	})
}

func TestSync_HeadersEndToEnd(t *testing.T) {
	envA := newChainEnv(t)
	blocks := envA.extend(t, 3)
	a := newTestNode(t, envA, nil)
	b := newTestNode(t, newChainEnv(t), nil)

	_, pb := connectPair(t, a, b)
	if err := pb.Send(&packet.GetHeaders{Start: 1, Count: 100}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	waitFor(t, "headers", func() bool { return b.cache.HeaderWindow().Count == 3 })
	w := b.cache.HeaderWindow()
	if w.Min != 1 || w.Max != 3 {
		t.Errorf("window = [%d,%d], want [1,3]", w.Min, w.Max)
	}
	select {
	case <-b.Notify():
	default:
		t.Error("syncer should have been notified")
	}

	hdrs, err := b.cache.PopHeaders(3)
	if err != nil {
		t.Fatalf("PopHeaders() error: %v", err)
	}
	if len(hdrs) != 3 {
		t.Fatalf("PopHeaders() returned %d headers", len(hdrs))
	}
	for i, h := range hdrs {
		if h.Hash() != blocks[i].Header.Hash() {
			t.Errorf("header %d hash mismatch", i+1)
		}
	}
	if v := testutil.ToFloat64(b.metrics.HeadersAdmitted.WithLabelValues("accepted")); v != 3 {
		t.Errorf("headers admitted metric = %v, want 3", v)
	}
}

func TestSync_BlocksAndNotFound(t *testing.T) {
	envA := newChainEnv(t)
	blocks := envA.extend(t, 3)
	a := newTestNode(t, envA, nil)
	b := newTestNode(t, newChainEnv(t), nil)

	missing := make(chan []packet.InvVect, 1)
	b.SetNotFoundHandler(func(_ *Peer, items []packet.InvVect) { missing <- items })
	_, pb := connectPair(t, a, b)

	unknown := types.Hash{0xde, 0xad}
	hashes := []types.Hash{blocks[0].Hash(), blocks[1].Hash(), blocks[2].Hash(), unknown}
	if err := pb.Send(&packet.GetBlocks{Hashes: hashes}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	select {
	case items := <-missing:
		if len(items) != 1 || items[0].Hash != unknown || items[0].Type != packet.InvBlock {
			t.Errorf("NotFound items = %+v", items)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("NotFound not delivered")
	}
	waitFor(t, "blocks", func() bool { return b.cache.BlockCount() == 3 })
	if got := b.cache.PopBlocks(10); len(got) != 3 || got[0].Height() != 1 || got[2].Height() != 3 {
		t.Errorf("PopBlocks() returned unexpected blocks")
	}
}

func TestGate_MaxInbound(t *testing.T) {
	n := newTestNode(t, newChainEnv(t), func(c *Config) { c.MaxInbound = 1 })
	first, peers, _ := newRawPeer(t, n)
	first.handshake()
	<-peers

	second, _, errs := newRawPeer(t, n)
	d, ok := second.recv().(*packet.Disconnect)
	if !ok || d.Code != packet.DisconnectMaxInboundPeers {
		t.Fatalf("expected Disconnect MAX_INBOUND_PEERS, got %#v", d)
	}
	if err := <-errs; !errors.Is(err, ErrRejected) {
		t.Errorf("AddConn() error = %v, want ErrRejected", err)
	}
}

func (n *testNode) slots() connCounts {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.countsLocked()
}

// stallListener accepts TCP connections and never answers them.
func stallListener(t *testing.T) (wire.Endpoint, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	conns := make(chan net.Conn, 8)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- c
		}
	}()
	return wire.EndpointFromAddr(ln.Addr()), conns
}

func TestGate_MaxOutbound(t *testing.T) {
	x := newTestNode(t, newChainEnv(t), func(c *Config) { c.MaxOutbound = 1 })
	var eps []wire.Endpoint
	for range 4 {
		r := newTestNode(t, newChainEnv(t), nil)
		if err := r.Start(); err != nil {
			t.Fatalf("Start() error: %v", err)
		}
		eps = append(eps, r.ListenEndpoint())
	}

	x.dialAll(eps)
	peers := x.Peers()
	if len(peers) != 1 {
		t.Fatalf("outbound peers = %d, want 1", len(peers))
	}
	if got := x.slots().outbound; got != 1 {
		t.Errorf("outbound slots = %d, want 1", got)
	}

	for _, ep := range eps {
		if ep == peers[0].RemoteEndpoint() {
			continue
		}
		if _, err := x.Dial(context.Background(), ep, Outbound); !errors.Is(err, ErrMaxOutbound) {
			t.Errorf("Dial(%s) error = %v, want ErrMaxOutbound", ep, err)
		}
	}
}

func TestGate_MaxFeelers(t *testing.T) {
	x := newTestNode(t, newChainEnv(t), func(c *Config) { c.MaxFeelers = 1 })
	ep, conns := stallListener(t)
	other, _ := stallListener(t)

	first := make(chan error, 1)
	go func() {
		_, err := x.Dial(context.Background(), ep, Feeler)
		first <- err
	}()
	conn := <-conns
	waitFor(t, "feeler slot", func() bool { return x.slots().feeler == 1 })

	// The first feeler is still in its handshake and holds the only slot.
	if _, err := x.Dial(context.Background(), other, Feeler); !errors.Is(err, ErrMaxFeelers) {
		t.Fatalf("second feeler error = %v, want ErrMaxFeelers", err)
	}

	conn.Close()
	select {
	case err := <-first:
		if err == nil {
			t.Fatal("feeler to a silent listener succeeded")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first feeler did not finish")
	}
	if got := x.slots().feeler; got != 0 {
		t.Errorf("feeler slots after failure = %d, want 0", got)
	}
}

func TestGate_MaxConnecting(t *testing.T) {
	x := newTestNode(t, newChainEnv(t), func(c *Config) { c.MaxConnecting = 1 })
	ep, conns := stallListener(t)
	other, _ := stallListener(t)

	first := make(chan error, 1)
	go func() {
		_, err := x.Dial(context.Background(), ep, Outbound)
		first <- err
	}()
	conn := <-conns
	waitFor(t, "pending handshake", func() bool { return x.slots().connecting == 1 })

	if _, err := x.Dial(context.Background(), other, Outbound); !errors.Is(err, ErrMaxConnecting) {
		t.Errorf("second dial error = %v, want ErrMaxConnecting", err)
	}

	// Inbound connections are refused with the matching code.
	raw, _, errs := newRawPeer(t, x)
	if d, ok := raw.recv().(*packet.Disconnect); !ok || d.Code != packet.DisconnectMaxConnectingPeers {
		t.Fatalf("expected Disconnect MAX_CONNECTING_PEERS, got %#v", d)
	}
	if err := <-errs; !errors.Is(err, ErrRejected) {
		t.Errorf("AddConn() error = %v, want ErrRejected", err)
	}

	conn.Close()
	<-first
}

func TestReadLoop_ServesWhileWriterBlocked(t *testing.T) {
	n := newTestNode(t, newChainEnv(t), nil)
	raw, peers, _ := newRawPeer(t, n)
	raw.handshake()
	<-peers

	// Send every ping before reading any pong: the node must keep
	// reading while its answers wait for us.
	const pings = 8
	for i := range pings {
		raw.send(&packet.NetPing{Payload: []byte{byte(i)}})
	}
	for i := range pings {
		pong, ok := raw.recv().(*packet.NetPong)
		if !ok || len(pong.Payload) != 1 || pong.Payload[0] != byte(i) {
			t.Fatalf("reply %d = %#v, want pong %d", i, pong, i)
		}
	}
}

func TestSync_BothSidesServing(t *testing.T) {
	envA := newChainEnv(t)
	envA.extend(t, 3)
	a := newTestNode(t, envA, nil)
	b := newTestNode(t, newChainEnv(t), nil)

	// Requests cross on the link, so both read loops answer at once.
	pa, pb := connectPair(t, a, b)
	for range 4 {
		if err := pa.Send(&packet.RequestPeers{Max: 8}); err != nil {
			t.Fatalf("a Send() error: %v", err)
		}
		if err := pa.Send(&packet.GetHeaders{Start: 1, Count: 100}); err != nil {
			t.Fatalf("a Send() error: %v", err)
		}
		if err := pb.Send(&packet.GetHeaders{Start: 1, Count: 100}); err != nil {
			t.Fatalf("b Send() error: %v", err)
		}
	}

	start := time.Now()
	waitFor(t, "headers", func() bool { return b.cache.HeaderWindow().Count == 3 })
	if d := time.Since(start); d > 2*time.Second {
		t.Errorf("exchange took %s", d)
	}
	if pa.State() != StateEstablished || pb.State() != StateEstablished {
		t.Error("crossing requests should not tear down the link")
	}
}

func TestNode_TCPDialAndFeeler(t *testing.T) {
	a := newTestNode(t, newChainEnv(t), func(c *Config) { c.NoDiscover = false })
	b := newTestNode(t, newChainEnv(t), nil)
	if err := a.Start(); err != nil {
		t.Fatalf("a.Start() error: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("b.Start() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := a.Dial(ctx, a.ListenEndpoint(), Outbound); !errors.Is(err, ErrSelfConnect) {
		t.Errorf("self dial error = %v, want ErrSelfConnect", err)
	}

	p, err := b.Dial(ctx, a.ListenEndpoint(), Outbound)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	if p.Direction() != Outbound {
		t.Errorf("direction = %s", p.Direction())
	}
	if _, err := b.Dial(ctx, a.ListenEndpoint(), Outbound); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("duplicate dial error = %v, want ErrAlreadyConnected", err)
	}

	// a connects back with a feeler; b recognises its own earlier dial
	// and answers with a non-zero loop counter.
	waitFor(t, "feeler handshake", func() bool {
		return testutil.ToFloat64(b.metrics.Handshakes.WithLabelValues("established")) == 2
	})
	waitFor(t, "feeler close", func() bool { return a.PeerCount() == 1 && b.PeerCount() == 1 })

	if got := b.PublicEndpoint(); got != b.ListenEndpoint() {
		t.Errorf("b public endpoint = %s, want %s", got, b.ListenEndpoint())
	}
}

func TestSurvey(t *testing.T) {
	envA := newChainEnv(t)
	envA.extend(t, 4)
	a := newTestNode(t, envA, nil)
	b := newTestNode(t, newChainEnv(t), nil)
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}

	dead, _ := wire.ParseEndpoint("127.0.0.1:1")
	reached, best, err := b.Survey(context.Background(), []wire.Endpoint{a.ListenEndpoint(), dead})
	if err != nil {
		t.Fatalf("Survey() error: %v", err)
	}
	if reached != 1 {
		t.Errorf("reached = %d, want 1", reached)
	}
	if best != 4 {
		t.Errorf("best = %d, want 4", best)
	}
}

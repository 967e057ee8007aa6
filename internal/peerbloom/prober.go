package peerbloom

import (
	"crypto/rand"
	"encoding/hex"
	mrand "math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/Klingon-tech/peerbloom/internal/packet"
	"github.com/Klingon-tech/peerbloom/pkg/wire"
)

const nonceSize = 8

// prober is a SWIM-style failure detector. Every period it pings one
// random peer. A peer that misses the ack timeout is probed indirectly
// through up to IndirectProbes other peers. Peers that stay silent past
// the dead timeout are closed by their read deadline, so the prober also
// keeps otherwise idle links alive.
type prober struct {
	n *Node

	mu      sync.Mutex
	pending map[string]*probe      // nonce -> outstanding probe
	relays  map[string]relayTarget // nonce -> who asked us to ping
}

type probe struct {
	sent  time.Time
	acked chan struct{}
	once  sync.Once
}

type relayTarget struct {
	requester *Peer
	expires   time.Time
}

func newProber(n *Node) *prober {
	return &prober{
		n:       n,
		pending: make(map[string]*probe),
		relays:  make(map[string]relayTarget),
	}
}

func (pr *prober) run() {
	ticker := time.NewTicker(pr.n.config.Period)
	defer ticker.Stop()
	for {
		select {
		case <-pr.n.ctx.Done():
			return
		case <-ticker.C:
			pr.tick()
		}
	}
}

func (pr *prober) tick() {
	pr.expireRelays()

	peers := pr.n.Peers()
	if len(peers) == 0 {
		return
	}
	target := peers[mrand.IntN(len(peers))]
	pr.n.goLoop(func() { pr.probe(target, peers) })

	// Keep idle links under the dead timeout.
	idle := pr.n.config.DeadTimeout() / 2
	for _, p := range peers {
		if p != target && time.Since(p.LastSeen()) > idle {
			_ = p.Send(&packet.NetPing{Payload: newNonce()})
		}
	}
}

// probe pings target directly, then through helpers on timeout. It
// reports whether target answered.
func (pr *prober) probe(target *Peer, peers []*Peer) bool {
	nonce := newNonce()
	pb := pr.register(nonce)
	defer pr.forget(nonce)

	if err := target.Send(&packet.NetPing{Payload: nonce}); err != nil {
		return false
	}
	ackTimeout := pr.n.config.AckTimeout()
	select {
	case <-pb.acked:
		return true
	case <-time.After(ackTimeout):
	case <-pr.n.ctx.Done():
		return false
	}

	ep := target.ListenEndpoint()
	if !ep.IsValid() {
		ep = target.remote
	}
	helpers := 0
	order := slices.Clone(peers)
	mrand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	for _, h := range order {
		if helpers == pr.n.config.IndirectProbes {
			break
		}
		if h == target {
			continue
		}
		if h.Send(&packet.IndirectPing{Target: ep, Payload: nonce}) == nil {
			helpers++
		}
	}
	target.logger.Debug().Int("helpers", helpers).Msg("Direct probe timed out")

	select {
	case <-pb.acked:
		return true
	case <-time.After(pr.n.config.Period - ackTimeout):
		target.logger.Info().Dur("silent", time.Since(target.LastSeen())).Msg("Peer suspected")
		return false
	case <-pr.n.ctx.Done():
		return false
	}
}

func (pr *prober) register(nonce []byte) *probe {
	pb := &probe{sent: time.Now(), acked: make(chan struct{})}
	pr.mu.Lock()
	pr.pending[hex.EncodeToString(nonce)] = pb
	pr.mu.Unlock()
	return pb
}

func (pr *prober) forget(nonce []byte) {
	pr.mu.Lock()
	delete(pr.pending, hex.EncodeToString(nonce))
	pr.mu.Unlock()
}

// pong resolves an outstanding probe, or forwards the pong to the peer
// that asked us to ping on its behalf.
func (pr *prober) pong(from *Peer, payload []byte) {
	k := hex.EncodeToString(payload)
	pr.mu.Lock()
	pb, ok := pr.pending[k]
	rt, relayed := pr.relays[k]
	delete(pr.relays, k)
	pr.mu.Unlock()

	if ok {
		pb.once.Do(func() {
			pr.n.metrics.ProbeAck(time.Since(pb.sent))
			close(pb.acked)
		})
		return
	}
	if relayed {
		if err := rt.requester.Send(&packet.NetPong{Payload: payload}); err != nil {
			from.logger.Debug().Err(err).Msg("Relaying pong failed")
		}
	}
}

// relay pings the requested target on behalf of from.
func (pr *prober) relay(from *Peer, m *packet.IndirectPing) {
	target := pr.n.peerByEndpoint(m.Target)
	if target == nil {
		from.logger.Debug().Str("target", m.Target.String()).Msg("Indirect ping for unknown peer")
		return
	}
	pr.mu.Lock()
	pr.relays[hex.EncodeToString(m.Payload)] = relayTarget{
		requester: from,
		expires:   time.Now().Add(pr.n.config.Period),
	}
	pr.mu.Unlock()
	_ = target.Send(&packet.NetPing{Payload: m.Payload})
}

func (pr *prober) expireRelays() {
	now := time.Now()
	pr.mu.Lock()
	defer pr.mu.Unlock()
	for k, rt := range pr.relays {
		if now.After(rt.expires) {
			delete(pr.relays, k)
		}
	}
}

// Probe runs one probe round against the peer at ep and reports whether
// it answered within a protocol period.
func (n *Node) Probe(ep wire.Endpoint) bool {
	target := n.peerByEndpoint(ep)
	if target == nil {
		return false
	}
	return n.prober.probe(target, n.Peers())
}

func newNonce() []byte {
	b := make([]byte, nonceSize)
	_, _ = rand.Read(b)
	return b
}

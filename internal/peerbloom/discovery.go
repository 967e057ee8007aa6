package peerbloom

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/Klingon-tech/peerbloom/internal/packet"
	"github.com/Klingon-tech/peerbloom/pkg/types"
	"github.com/Klingon-tech/peerbloom/pkg/wire"
)

const (
	// discoveryInterval is how often outbound slots are refilled and the
	// table refreshed.
	discoveryInterval = 30 * time.Second

	// requestPeersMax is the list size asked for when the table is thin.
	requestPeersMax = 64
)

// discoveryLoop dials the configured seeds and persisted peers, then keeps
// outbound slots filled from the candidates learned through FindNode and
// RequestPeers.
func (n *Node) discoveryLoop() {
	n.bootstrap()
	if n.config.NoDiscover {
		return
	}

	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.refreshTable()
			n.fillOutbound()
		}
	}
}

func (n *Node) bootstrap() {
	var eps []wire.Endpoint
	for _, s := range n.config.Seeds {
		ep, err := ParseSeed(s)
		if err != nil {
			n.logger.Warn().Err(err).Str("seed", s).Msg("Invalid seed")
			continue
		}
		n.addCandidate(ep, SourceSeed)
		eps = append(eps, ep)
	}

	if len(n.config.DNSSeeds) > 0 {
		ctx, cancel := context.WithTimeout(n.ctx, dnsTimeout)
		found, err := ResolveDNSSeeds(ctx, n.config.DNSSeeds, uint16(n.listenPortOr(n.config.Port)))
		cancel()
		if err != nil {
			n.logger.Warn().Err(err).Msg("DNS seed lookup failed")
		}
		for _, ep := range found {
			n.addCandidate(ep, SourceDNS)
		}
		eps = append(eps, found...)
	}

	if n.peerStore != nil {
		if stored, err := n.peerStore.Endpoints(); err == nil {
			eps = append(eps, stored...)
		}
	}

	if len(eps) == 0 {
		return
	}
	n.logger.Info().Int("count", len(eps)).Msg("Bootstrapping from seeds")
	n.dialAll(eps)
}

// dialAll dials eps concurrently. Dials past the outbound limit are
// refused by the gate.
func (n *Node) dialAll(eps []wire.Endpoint) {
	ctx, cancel := context.WithTimeout(n.ctx, dialTimeout+n.config.HandshakeTimeout)
	defer cancel()
	done := make(chan struct{}, len(eps))
	for _, ep := range eps {
		go func() {
			defer func() { done <- struct{}{} }()
			if _, err := n.Dial(ctx, ep, Outbound); err != nil {
				n.logger.Debug().Err(err).Str("endpoint", ep.String()).Msg("Dial failed")
			}
		}()
	}
	for range eps {
		<-done
	}
}

// fillOutbound dials candidates until the outbound limit is reached.
func (n *Node) fillOutbound() {
	n.mu.RLock()
	need := n.config.MaxOutbound - n.countsLocked().outbound
	n.mu.RUnlock()
	if need <= 0 {
		return
	}

	cands := n.candidateEndpoints(need * 2)
	if len(cands) == 0 {
		return
	}
	n.logger.Debug().Int("need", need).Int("candidates", len(cands)).Msg("Filling outbound slots")
	n.dialAll(cands)
}

// candidateEndpoints returns up to limit dialable endpoints from the
// candidate cache and the node table.
func (n *Node) candidateEndpoints(limit int) []wire.Endpoint {
	seen := make(map[wire.Endpoint]struct{})
	var out []wire.Endpoint
	add := func(ep wire.Endpoint) {
		if _, dup := seen[ep]; dup || len(out) >= limit {
			return
		}
		seen[ep] = struct{}{}
		if n.isSelf(ep) || n.bans.IsBanned(ep.Addr) {
			return
		}
		n.mu.RLock()
		connected := n.connectedToLocked(ep)
		n.mu.RUnlock()
		if !connected {
			out = append(out, ep)
		}
	}

	items := n.candidates.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	rand.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	for _, k := range keys {
		if ep, err := wire.ParseEndpoint(k); err == nil {
			add(ep)
		}
	}
	for _, ep := range n.table.RandomEndpoints(limit) {
		add(ep)
	}
	return out
}

// refreshTable asks a random peer for nodes close to a random target, and
// for a peer list while the table is thin.
func (n *Node) refreshTable() {
	peers := n.Peers()
	if len(peers) == 0 {
		return
	}
	p := peers[rand.IntN(len(peers))]

	var target types.NodeID
	for i := range target {
		target[i] = byte(rand.UintN(256))
	}
	_ = p.Send(&packet.FindNode{Port: int32(n.listenPort()), ID: n.id, Target: target})
	if n.table.Len() < requestPeersMax {
		_ = p.Send(&packet.RequestPeers{Max: requestPeersMax})
	}
}

func (n *Node) persistLoop() {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.savePeers()
		}
	}
}

// savePeers persists the connected peers and prunes stale records.
func (n *Node) savePeers() {
	if n.peerStore == nil {
		return
	}
	for _, p := range n.Peers() {
		source := SourceInbound
		if p.dir == Outbound {
			source = "" // keep whatever led us to dial it
		}
		n.rememberPeer(p, source)
	}
	if pruned, err := n.peerStore.PruneStale(staleThreshold); err == nil && pruned > 0 {
		n.logger.Debug().Int("pruned", pruned).Msg("Pruned stale peers")
	}
}

func (n *Node) listenPortOr(fallback int) int {
	if p := n.listenPort(); p != 0 {
		return p
	}
	return fallback
}

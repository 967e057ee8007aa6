package peerbloom

import (
	"errors"
	"fmt"

	gocache "github.com/patrickmn/go-cache"

	"github.com/Klingon-tech/peerbloom/config"
	"github.com/Klingon-tech/peerbloom/internal/msgcache"
	"github.com/Klingon-tech/peerbloom/internal/packet"
	"github.com/Klingon-tech/peerbloom/pkg/block"
	"github.com/Klingon-tech/peerbloom/pkg/types"
	"github.com/Klingon-tech/peerbloom/pkg/wire"
)

// findNodeK is the number of nodes returned for a FindNode lookup.
const findNodeK = 16

// handle dispatches one packet received from an established peer.
func (n *Node) handle(p *Peer, pkt *packet.Packet) error {
	switch m := pkt.Body.(type) {
	case *packet.Headers:
		n.handleHeaders(p, m)
	case *packet.Blocks:
		for _, b := range m.Blocks {
			n.admitBlock(p, b, false)
		}
	case *packet.SendBlock:
		n.admitBlock(p, m.Block, true)
	case *packet.GetHeaders:
		return n.serveHeaders(p, m)
	case *packet.GetBlocks:
		return n.serveBlocks(p, m)
	case *packet.Inventory:
		return n.handleInventory(p, m)
	case *packet.NotFound:
		if n.onNotFound != nil {
			n.onNotFound(p, m.Items)
		}
	case *packet.GetTxs:
		// No pool is kept, so every requested transaction is missing.
		items := make([]packet.InvVect, len(m.Hashes))
		for i, h := range m.Hashes {
			items[i] = packet.InvVect{Type: packet.InvTx, Hash: h}
		}
		return p.Send(&packet.NotFound{Items: items})
	case *packet.GetPool:
		return p.Send(&packet.Pool{})
	case *packet.SendTx:
		if m.Tx != nil && n.markSeen(m.Tx.Hash()) {
			n.fanout(m, p)
		}
	case *packet.Txs, *packet.Pool:
		p.logger.Debug().Str("cmd", pkt.Command().String()).Msg("Ignoring transaction packet")

	case *packet.FindNode:
		return n.serveFindNode(p, m)
	case *packet.FindNodeResp:
		for _, rn := range m.Nodes {
			n.learnNode(rn.ID, rn.Endpoint, SourceFindNode)
		}
	case *packet.RequestPeers:
		return n.servePeers(p, m)
	case *packet.RequestPeersResp:
		for _, ep := range m.Peers {
			n.addCandidate(ep, SourcePeers)
		}
	case *packet.NetPing:
		return p.Send(&packet.NetPong{Payload: m.Payload})
	case *packet.NetPong:
		n.prober.pong(p, m.Payload)
	case *packet.IndirectPing:
		n.prober.relay(p, m)

	case *packet.Reject:
		p.logger.Info().
			Str("cmd", m.Rejected.String()).
			Uint8("code", uint8(m.Code)).
			Str("reason", m.Reason).
			Str("hash", m.Hash.String()).
			Msg("Peer rejected our message")
	case *packet.Alert:
		p.logger.Warn().Str("message", string(m.Message)).Msg("Network alert")
	case *packet.Disconnect:
		return fmt.Errorf("%w: %s", ErrPeerDisconnected, m.Code)
	case *packet.Version, *packet.VerAck:
		p.logger.Debug().Str("cmd", pkt.Command().String()).Msg("Ignoring handshake packet after handshake")
	default:
		return fmt.Errorf("unhandled command %s", pkt.Command())
	}
	return nil
}

// handleHeaders admits headers in order. The first rejection ends the
// batch since every later header depends on it.
func (n *Node) handleHeaders(p *Peer, m *packet.Headers) {
	admitted := 0
	for _, h := range m.Headers {
		err := n.cache.AddHeader(h)
		n.metrics.Header(err == nil)
		if err != nil {
			n.logReject(p, err)
			if errors.Is(err, msgcache.ErrBadSignature) {
				n.bans.RecordOffense(p.remote.Addr, PenaltyBadSignature, "bad header signature")
			}
			break
		}
		p.noteHeight(h.Height)
		admitted++
	}
	p.logger.Debug().Int("received", len(m.Headers)).Int("admitted", admitted).Msg("Headers")
	if admitted > 0 {
		n.kick()
	}
}

func (n *Node) admitBlock(p *Peer, b *block.Block, relay bool) {
	status, err := n.cache.AddBlock(b)
	n.metrics.Block(status.String())
	if err != nil {
		n.logReject(p, err)
		if errors.Is(err, msgcache.ErrBadSignature) {
			n.bans.RecordOffense(p.remote.Addr, PenaltyBadSignature, "bad block signature")
		}
		return
	}
	p.noteHeight(b.Height())

	switch status {
	case msgcache.StatusOrphaned:
		// Ask the sender for the missing parent.
		_ = p.Send(&packet.GetBlocks{Hashes: []types.Hash{b.Header.PrevBlock}})
	case msgcache.StatusDuplicate:
		return
	}
	if relay && n.markSeen(b.Hash()) {
		n.fanout(&packet.SendBlock{Block: b}, p)
	}
	n.kick()
}

func (n *Node) logReject(p *Peer, err error) {
	var re *msgcache.RejectError
	if errors.As(err, &re) {
		p.logger.Info().
			Str("kind", re.Kind.String()).
			Int64("height", re.Height).
			Str("reason", re.Reason.Error()).
			Msg("Rejected peer item")
		return
	}
	p.logger.Warn().Err(err).Msg("Admission failed")
}

func (n *Node) serveHeaders(p *Peer, m *packet.GetHeaders) error {
	count := int(m.Count)
	if count > config.MaxHeadersPerPacket {
		count = config.MaxHeadersPerPacket
	}
	hdrs, err := n.chain.GetHeaders(m.Start, count)
	if err != nil {
		return fmt.Errorf("serve headers from %d: %w", m.Start, err)
	}
	return p.Send(&packet.Headers{Headers: hdrs})
}

func (n *Node) serveBlocks(p *Peer, m *packet.GetBlocks) error {
	var found []*block.Block
	var missing []packet.InvVect
	for _, h := range m.Hashes {
		b, err := n.chain.GetBlock(h)
		if err != nil || b == nil {
			missing = append(missing, packet.InvVect{Type: packet.InvBlock, Hash: h})
			continue
		}
		found = append(found, b)
	}
	for len(found) > 0 {
		batch := found
		if len(batch) > config.MaxBlocksPerPacket {
			batch = batch[:config.MaxBlocksPerPacket]
		}
		found = found[len(batch):]
		if err := p.Send(&packet.Blocks{Blocks: batch}); err != nil {
			return err
		}
	}
	if len(missing) > 0 {
		return p.Send(&packet.NotFound{Items: missing})
	}
	return nil
}

// handleInventory requests announced blocks we do not hold.
func (n *Node) handleInventory(p *Peer, m *packet.Inventory) error {
	var want []types.Hash
	for _, item := range m.Items {
		if item.Type != packet.InvBlock || n.cache.IsOrphan(item.Hash) {
			continue
		}
		if _, seen := n.seen.Get(item.Hash.String()); seen {
			continue
		}
		if b, err := n.chain.GetBlock(item.Hash); err == nil && b != nil {
			continue
		}
		want = append(want, item.Hash)
		if len(want) == config.MaxBlocksPerPacket {
			break
		}
	}
	if len(want) == 0 {
		return nil
	}
	return p.Send(&packet.GetBlocks{Hashes: want})
}

func (n *Node) serveFindNode(p *Peer, m *packet.FindNode) error {
	if m.ID == n.id {
		n.disconnect(p, packet.DisconnectClean)
		return fmt.Errorf("%w: %s", ErrSelfConnect, m.ID.Short())
	}
	p.setID(m.ID)
	if m.Port > 0 && m.Port <= 0xffff {
		n.learnNode(m.ID, p.remote.WithPort(uint16(m.Port)), SourceInbound)
	}
	nodes := n.table.Closest(m.Target, findNodeK+1)
	out := nodes[:0]
	for _, rn := range nodes {
		if rn.ID != m.ID && len(out) < findNodeK {
			out = append(out, rn)
		}
	}
	return p.Send(&packet.FindNodeResp{Nodes: out})
}

func (n *Node) servePeers(p *Peer, m *packet.RequestPeers) error {
	limit := int(m.Max)
	if limit <= 0 || limit > config.MaxPeersPerPacket {
		limit = config.MaxPeersPerPacket
	}
	seen := make(map[wire.Endpoint]struct{})
	var out []wire.Endpoint
	add := func(ep wire.Endpoint) {
		if _, dup := seen[ep]; dup || !ep.IsValid() || ep.Port == 0 || len(out) >= limit {
			return
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	for _, other := range n.Peers() {
		if other != p {
			add(other.ListenEndpoint())
		}
	}
	for _, ep := range n.table.RandomEndpoints(limit) {
		add(ep)
	}
	return p.Send(&packet.RequestPeersResp{Peers: out})
}

// learnNode records a node announced through discovery.
func (n *Node) learnNode(id types.NodeID, ep wire.Endpoint, source string) {
	if id == n.id || !ep.IsValid() || ep.Port == 0 {
		return
	}
	n.table.Add(id, ep)
	n.addCandidate(ep, source)
}

func (n *Node) addCandidate(ep wire.Endpoint, source string) {
	if !ep.IsValid() || ep.Port == 0 || n.isSelf(ep) {
		return
	}
	n.candidates.Add(ep.String(), source, gocache.DefaultExpiration)
}

// candidateSource is where ep was learned, or "" if it is not a candidate.
func (n *Node) candidateSource(ep wire.Endpoint) string {
	if v, ok := n.candidates.Get(ep.String()); ok {
		s, _ := v.(string)
		return s
	}
	return ""
}

// markSeen records hash and reports whether it was new.
func (n *Node) markSeen(hash types.Hash) bool {
	return n.seen.Add(hash.String(), struct{}{}, gocache.DefaultExpiration) == nil
}

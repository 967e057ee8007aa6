package peerbloom

import (
	"errors"

	"github.com/Klingon-tech/peerbloom/internal/packet"
	"github.com/Klingon-tech/peerbloom/pkg/wire"
)

// Dial refusals.
var (
	ErrBanned           = errors.New("address is banned")
	ErrSelfConnect      = errors.New("refusing to dial self")
	ErrAlreadyConnected = errors.New("already connected")
	ErrMaxOutbound      = errors.New("outbound peer limit reached")
	ErrMaxFeelers       = errors.New("feeler limit reached")
	ErrMaxConnecting    = errors.New("connecting peer limit reached")
	ErrRejected         = errors.New("inbound connection rejected")
)

// connCounts is a snapshot of the slots in use. Direction counts include
// dials and handshakes in flight; connecting counts only those.
type connCounts struct {
	inbound    int
	outbound   int
	feeler     int
	connecting int
}

// connGate admits or refuses connections before the handshake. All
// methods are called with the node's peer lock held.
type connGate struct {
	n *Node
}

// interceptDial rejects dials to banned addresses or to ourselves, and
// dials beyond the slot limits. A slot is held from the dial until the
// peer is removed. Outbound dials to an endpoint we are already linked
// with are refused, while feelers always target peers that connected to
// us.
func (g *connGate) interceptDial(ep wire.Endpoint, dir Direction) error {
	n := g.n
	if n.bans.IsBanned(ep.Addr) {
		return ErrBanned
	}
	if n.isSelf(ep) {
		return ErrSelfConnect
	}
	if _, ok := n.dialing[ep]; ok || (dir == Outbound && n.connectedToLocked(ep)) {
		return ErrAlreadyConnected
	}
	c := n.countsLocked()
	if c.connecting >= n.config.MaxConnecting {
		return ErrMaxConnecting
	}
	switch dir {
	case Outbound:
		if c.outbound >= n.config.MaxOutbound {
			return ErrMaxOutbound
		}
	case Feeler:
		if c.feeler >= n.config.MaxFeelers {
			return ErrMaxFeelers
		}
	}
	return nil
}

// interceptAccept decides whether an inbound connection may start its
// handshake. On refusal it returns the code to send before closing.
func (g *connGate) interceptAccept(p *Peer) (packet.DisconnectCode, bool) {
	n := g.n
	if n.bans.IsBanned(p.remote.Addr) {
		return packet.DisconnectFaulty, false
	}
	// Our own outbound dial arriving back at our listener.
	if _, ok := n.localDials[p.remote]; ok && p.remote.IsValid() {
		return packet.DisconnectClean, false
	}
	c := n.countsLocked()
	if c.connecting >= n.config.MaxConnecting {
		return packet.DisconnectMaxConnectingPeers, false
	}
	if c.inbound >= n.config.MaxInbound {
		return packet.DisconnectMaxInboundPeers, false
	}
	return 0, true
}

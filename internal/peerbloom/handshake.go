package peerbloom

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/Klingon-tech/peerbloom/config"
	"github.com/Klingon-tech/peerbloom/internal/packet"
)

// Handshake errors.
var (
	ErrHandshakeTimeout = errors.New("handshake timeout")
	ErrBadVersion       = errors.New("peer protocol version too old")
	ErrUnexpectedPacket = errors.New("unexpected packet during handshake")
	ErrPeerDisconnected = errors.New("peer sent disconnect")
)

// handshake runs the version exchange on a fresh connection.
//
// The dialer sends Version and waits for the remote Version and VerAck,
// then acknowledges with its own VerAck. The acceptor waits for Version
// and answers with its own Version followed by a VerAck, then waits for
// the dialer's VerAck. The whole exchange shares one deadline.
func (n *Node) handshake(p *Peer) error {
	_ = p.conn.SetReadDeadline(time.Now().Add(n.config.HandshakeTimeout))
	defer p.conn.SetReadDeadline(time.Time{})

	if p.dir != Inbound {
		if err := p.Send(n.versionPacket()); err != nil {
			return n.handshakeFailed(p, err)
		}
		p.setState(StateVersionSent)
	}

	var gotVersion, gotAck bool
	for !gotVersion || !gotAck {
		pkt, err := packet.Read(p.conn, n.config.NetworkID, n.config.MaxPacket)
		if err != nil {
			return n.handshakeFailed(p, err)
		}
		p.touch()
		n.metrics.PacketIn(pkt.Command().String())

		switch m := pkt.Body.(type) {
		case *packet.Version:
			if gotVersion {
				return n.handshakeFailed(p, fmt.Errorf("%w: second version", ErrUnexpectedPacket))
			}
			if err := n.checkVersion(p, m); err != nil {
				return n.handshakeFailed(p, err)
			}
			gotVersion = true
			if p.dir == Inbound {
				if err := p.Send(n.versionPacket()); err != nil {
					return n.handshakeFailed(p, err)
				}
				p.setState(StateVersionSent)
				if err := p.Send(n.verAckFor(p)); err != nil {
					return n.handshakeFailed(p, err)
				}
			}

		case *packet.VerAck:
			if gotAck || (p.dir == Inbound && !gotVersion) {
				return n.handshakeFailed(p, fmt.Errorf("%w: verack out of order", ErrUnexpectedPacket))
			}
			gotAck = true
			p.mu.Lock()
			p.ackCounter = m.Counter
			p.mu.Unlock()
			n.learnReflected(m.Reflected)
			p.setState(StateAcked)

		case *packet.Disconnect:
			return n.handshakeFailed(p, fmt.Errorf("%w: %s", ErrPeerDisconnected, m.Code))

		default:
			return n.handshakeFailed(p, fmt.Errorf("%w: %s", ErrUnexpectedPacket, pkt.Command()))
		}
	}

	if p.dir != Inbound {
		if err := p.Send(n.verAckFor(p)); err != nil {
			return n.handshakeFailed(p, err)
		}
	}

	p.setState(StateEstablished)
	v, _ := p.Version()
	p.logger.Info().
		Uint32("version", v.Version).
		Int64("height", v.Height).
		Str("services", v.Services.String()).
		Int32("counter", p.AckCounter()).
		Msg("Handshake complete")
	return nil
}

// handshakeFailed classifies err, notifies the peer where appropriate and
// returns the error to report.
func (n *Node) handshakeFailed(p *Peer, err error) error {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		err = fmt.Errorf("%w after %s: %w", ErrHandshakeTimeout, n.config.HandshakeTimeout, err)
		n.disconnect(p, packet.DisconnectConnectingTimeout)
	case errors.Is(err, ErrBadVersion):
		n.disconnect(p, packet.DisconnectFaulty)
	case errors.Is(err, ErrSelfConnect):
		n.disconnect(p, packet.DisconnectClean)
	case packet.IsFatal(err):
		n.penalize(p, err)
	case errors.Is(err, ErrUnexpectedPacket):
		n.disconnect(p, packet.DisconnectFatalError)
	default:
		p.Close()
	}
	p.logger.Debug().Err(err).Str("state", p.State().String()).Msg("Handshake failed")
	n.metrics.Handshake(false)
	return err
}

func (n *Node) checkVersion(p *Peer, v *packet.Version) error {
	if p.dir == Inbound && n.isLocalDial(p.remote) {
		return ErrSelfConnect
	}
	p.setVersion(*v)
	ep := p.ListenEndpoint()
	if !ep.IsValid() {
		ep = p.remote
	}
	if v.Version < config.MinProtocolVersion {
		n.cache.SetBadVersion(ep, *v)
		n.bans.RecordOffense(p.remote.Addr, PenaltyBadVersion, "protocol version too old")
		return fmt.Errorf("%w: peer=%d min=%d", ErrBadVersion, v.Version, config.MinProtocolVersion)
	}
	n.cache.SetVersion(ep, *v)
	p.noteHeight(v.Height)
	return nil
}

func (n *Node) versionPacket() *packet.Version {
	v := &packet.Version{
		Version:   config.ProtocolVersion,
		Services:  n.config.Services,
		Timestamp: time.Now().Unix(),
		Height:    n.chain.Height(),
		Port:      int32(n.listenPort()),
	}
	if n.config.Syncing != nil {
		v.Syncing = n.config.Syncing()
	}
	return v
}

// verAckFor builds the acknowledgement for p. The counter is the number
// of times we dialed the peer's listening endpoint ourselves, so a
// non-zero value on an inbound connection tells both sides this link
// answers one of our own outbound attempts and must not spawn another
// connect-back.
func (n *Node) verAckFor(p *Peer) *packet.VerAck {
	ack := &packet.VerAck{Reflected: p.remote}
	if p.dir == Inbound {
		ack.Counter = n.dialCount(p.ListenEndpoint())
	}
	return ack
}

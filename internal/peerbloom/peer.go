package peerbloom

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	klog "github.com/Klingon-tech/peerbloom/internal/log"
	"github.com/Klingon-tech/peerbloom/internal/packet"
	"github.com/Klingon-tech/peerbloom/pkg/types"
	"github.com/Klingon-tech/peerbloom/pkg/wire"
)

// Send errors.
var (
	ErrPeerClosed  = errors.New("peer closed")
	ErrSendBacklog = errors.New("send queue full")
)

// sendQueueSize bounds the packets waiting for a peer's writer.
const sendQueueSize = 128

// State is a connection's handshake state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateVersionSent
	StateAcked
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateVersionSent:
		return "version_sent"
	case StateAcked:
		return "acked"
	case StateEstablished:
		return "established"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Direction says who opened a connection.
type Direction uint8

const (
	Inbound Direction = iota
	Outbound
	// Feeler is a short-lived outbound connection that only checks that
	// an inbound peer is reachable at its advertised port.
	Feeler
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	case Feeler:
		return "feeler"
	}
	return "unknown"
}

// Peer is one connection to a remote node.
type Peer struct {
	seq    uint64
	conn   net.Conn
	dir    Direction
	remote wire.Endpoint // observed remote address
	local  wire.Endpoint // our side of the connection

	networkID uint8
	limiter   *rate.Limiter
	logger    zerolog.Logger
	onSend    func(packet.Command)

	state    atomic.Int32
	lastSeen atomic.Int64 // unix nanoseconds
	height   atomic.Int64 // best height advertised or observed

	mu         sync.RWMutex
	version    packet.Version
	hasVersion bool
	id         types.NodeID
	ackCounter int32

	sendq     chan outgoing
	closeOnce sync.Once
	closed    chan struct{}
}

// outgoing is one framed packet waiting in the send queue.
type outgoing struct {
	cmd packet.Command
	b   []byte
}

func newPeer(seq uint64, conn net.Conn, dir Direction, networkID uint8, limiter *rate.Limiter, onSend func(packet.Command), logger zerolog.Logger) *Peer {
	p := &Peer{
		seq:       seq,
		conn:      conn,
		dir:       dir,
		remote:    wire.EndpointFromAddr(conn.RemoteAddr()),
		local:     wire.EndpointFromAddr(conn.LocalAddr()),
		networkID: networkID,
		limiter:   limiter,
		onSend:    onSend,
		sendq:     make(chan outgoing, sendQueueSize),
		closed:    make(chan struct{}),
	}
	p.logger = klog.WithPeer(logger, p.remote.String()).With().Str("dir", dir.String()).Logger()
	p.state.Store(int32(StateConnecting))
	p.height.Store(-1)
	p.touch()
	go p.writeLoop()
	return p
}

// State returns the handshake state.
func (p *Peer) State() State {
	return State(p.state.Load())
}

func (p *Peer) setState(s State) {
	p.state.Store(int32(s))
	p.logger.Debug().Str("state", s.String()).Msg("Peer state")
}

// Direction returns who opened the connection.
func (p *Peer) Direction() Direction {
	return p.dir
}

// RemoteEndpoint returns the observed address of the remote side.
func (p *Peer) RemoteEndpoint() wire.Endpoint {
	return p.remote
}

// ListenEndpoint returns the address the peer accepts connections on: the
// observed IP with the port from its Version. For outbound peers this is
// the dialed address.
func (p *Peer) ListenEndpoint() wire.Endpoint {
	if p.dir != Inbound {
		return p.remote
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.hasVersion || p.version.Port <= 0 || p.version.Port > 0xffff {
		return wire.Endpoint{}
	}
	return p.remote.WithPort(uint16(p.version.Port))
}

// Version returns the Version the peer sent during the handshake.
func (p *Peer) Version() (packet.Version, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version, p.hasVersion
}

func (p *Peer) setVersion(v packet.Version) {
	p.mu.Lock()
	p.version = v
	p.hasVersion = true
	p.mu.Unlock()
}

// Height returns the best chain height the peer advertised or relayed,
// or -1 when nothing is known yet.
func (p *Peer) Height() int64 {
	return p.height.Load()
}

// noteHeight raises the peer's known height to h.
func (p *Peer) noteHeight(h int64) {
	for {
		cur := p.height.Load()
		if h <= cur || p.height.CompareAndSwap(cur, h) {
			return
		}
	}
}

// ID returns the peer's node ID once it has announced one via FindNode.
func (p *Peer) ID() types.NodeID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.id
}

func (p *Peer) setID(id types.NodeID) {
	p.mu.Lock()
	p.id = id
	p.mu.Unlock()
}

// AckCounter returns the loop counter from the VerAck the peer sent us.
func (p *Peer) AckCounter() int32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ackCounter
}

func (p *Peer) touch() {
	p.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns when a packet was last received from the peer.
func (p *Peer) LastSeen() time.Time {
	return time.Unix(0, p.lastSeen.Load())
}

// Send frames body and queues it for the peer's writer. It never blocks:
// a peer that lets its queue fill up is dropped.
func (p *Peer) Send(body packet.Body) error {
	select {
	case <-p.closed:
		return ErrPeerClosed
	default:
	}
	b, err := packet.Encode(p.networkID, body)
	if err != nil {
		return err
	}
	select {
	case p.sendq <- outgoing{cmd: body.Command(), b: b}:
		return nil
	default:
		p.logger.Warn().Str("cmd", body.Command().String()).Msg("Send queue full, dropping peer")
		p.Close()
		return fmt.Errorf("send %s: %w", body.Command(), ErrSendBacklog)
	}
}

// writeLoop owns every write to the connection. A failed or timed out
// write can leave a partial packet on the stream, so it closes the peer.
// After Close it flushes what is already queued, then closes the
// connection.
func (p *Peer) writeLoop() {
	defer p.conn.Close()
	for {
		select {
		case msg := <-p.sendq:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !p.write(msg) {
				p.Close()
				return
			}
		case <-p.closed:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			for {
				select {
				case msg := <-p.sendq:
					if !p.write(msg) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (p *Peer) write(msg outgoing) bool {
	if _, err := p.conn.Write(msg.b); err != nil {
		p.logger.Debug().Err(err).Str("cmd", msg.cmd.String()).Msg("Write failed")
		return false
	}
	if p.onSend != nil {
		p.onSend(msg.cmd)
	}
	return true
}

// Disconnect queues a Disconnect with code, best effort, and closes the
// peer. The writer flushes the packet before closing the connection.
func (p *Peer) Disconnect(code packet.DisconnectCode) {
	p.logger.Debug().Str("code", code.String()).Msg("Disconnecting peer")
	_ = p.Send(&packet.Disconnect{Code: code})
	p.Close()
}

// Close stops the peer. Packets already queued are flushed within
// writeTimeout before the connection closes.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.state.Store(int32(StateDisconnected))
	})
}

// Done is closed once the peer is closed.
func (p *Peer) Done() <-chan struct{} {
	return p.closed
}

// String returns a short description for log lines.
func (p *Peer) String() string {
	return fmt.Sprintf("%s/%s", p.remote, p.dir)
}

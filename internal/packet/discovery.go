package packet

import (
	"fmt"

	"github.com/Klingon-tech/peerbloom/config"
	"github.com/Klingon-tech/peerbloom/pkg/types"
	"github.com/Klingon-tech/peerbloom/pkg/wire"
)

// FindNodeSize is the fixed size of a FindNode body.
const FindNodeSize = 4 + types.NodeIDSize + types.NodeIDSize

// RemoteNodeSize is the encoded size of one FindNodeResp entry.
const RemoteNodeSize = types.NodeIDSize + wire.EndpointSize

// FindNode asks for the peers the receiver knows closest to Target.
type FindNode struct {
	Port   int32
	ID     types.NodeID
	Target types.NodeID
}

func (*FindNode) body() {}
func (*FindNode) Command() Command { return CmdFindNode }
func (*FindNode) Size() int { return FindNodeSize }

// Serialize implements wire.Serializable.
func (m *FindNode) Serialize(w *wire.Writer) {
	w.WriteInt32(m.Port)
	w.WriteBytes(m.ID[:])
	w.WriteBytes(m.Target[:])
}

// Deserialize implements wire.Serializable.
func (m *FindNode) Deserialize(r *wire.Reader) {
	m.Port = r.ReadInt32()
	m.ID = readNodeID(r)
	m.Target = readNodeID(r)
}

// RemoteNode identifies a peer by public key and endpoint.
type RemoteNode struct {
	ID       types.NodeID
	Endpoint wire.Endpoint
}

// FindNodeResp answers FindNode.
type FindNodeResp struct {
	Nodes []RemoteNode
}

func (*FindNodeResp) body() {}
func (*FindNodeResp) Command() Command { return CmdFindNodeResp }

// Size implements wire.Serializable.
func (m *FindNodeResp) Size() int {
	return FindNodeRespSize(len(m.Nodes))
}

// FindNodeRespSize is the encoded size of a response carrying n nodes.
func FindNodeRespSize(n int) int {
	return wire.LengthPrefixSize + n*RemoteNodeSize
}

// Serialize implements wire.Serializable.
func (m *FindNodeResp) Serialize(w *wire.Writer) {
	w.WriteCount(len(m.Nodes))
	for i := range m.Nodes {
		w.WriteBytes(m.Nodes[i].ID[:])
		m.Nodes[i].Endpoint.Serialize(w)
	}
}

// Deserialize implements wire.Serializable.
func (m *FindNodeResp) Deserialize(r *wire.Reader) {
	n := r.ReadCount(RemoteNodeSize)
	if !checkCount(r, "findnode_resp", n, config.MaxPeersPerPacket) {
		return
	}
	m.Nodes = make([]RemoteNode, n)
	for i := range m.Nodes {
		m.Nodes[i].ID = readNodeID(r)
		m.Nodes[i].Endpoint.Deserialize(r)
	}
}

// RequestPeers asks for up to Max known endpoints.
type RequestPeers struct {
	Max int32
}

func (*RequestPeers) body() {}
func (*RequestPeers) Command() Command { return CmdRequestPeers }
func (*RequestPeers) Size() int { return 4 }

// Serialize implements wire.Serializable.
func (m *RequestPeers) Serialize(w *wire.Writer) { w.WriteInt32(m.Max) }

// Deserialize implements wire.Serializable.
func (m *RequestPeers) Deserialize(r *wire.Reader) { m.Max = r.ReadInt32() }

// RequestPeersResp answers RequestPeers with bare endpoints.
type RequestPeersResp struct {
	Peers []wire.Endpoint
}

func (*RequestPeersResp) body() {}
func (*RequestPeersResp) Command() Command { return CmdRequestPeersResp }

// Size implements wire.Serializable.
func (m *RequestPeersResp) Size() int {
	return RequestPeersRespSize(len(m.Peers))
}

// RequestPeersRespSize is the encoded size of a response carrying n endpoints.
func RequestPeersRespSize(n int) int {
	return wire.LengthPrefixSize + n*wire.EndpointSize
}

// Serialize implements wire.Serializable.
func (m *RequestPeersResp) Serialize(w *wire.Writer) {
	w.WriteCount(len(m.Peers))
	for i := range m.Peers {
		m.Peers[i].Serialize(w)
	}
}

// Deserialize implements wire.Serializable.
func (m *RequestPeersResp) Deserialize(r *wire.Reader) {
	n := r.ReadCount(wire.EndpointSize)
	if !checkCount(r, "request_peers_resp", n, config.MaxPeersPerPacket) {
		return
	}
	m.Peers = make([]wire.Endpoint, n)
	for i := range m.Peers {
		m.Peers[i].Deserialize(r)
	}
}

// NetPing carries an opaque payload that runs to the end of the body,
// with no length prefix.
type NetPing struct {
	Payload []byte
}

func (*NetPing) body() {}
func (*NetPing) Command() Command { return CmdNetPing }

// Size implements wire.Serializable.
func (m *NetPing) Size() int { return len(m.Payload) }

// Serialize implements wire.Serializable.
func (m *NetPing) Serialize(w *wire.Writer) { w.WriteBytes(m.Payload) }

// Deserialize implements wire.Serializable.
func (m *NetPing) Deserialize(r *wire.Reader) { m.Payload = r.ReadRest() }

// NetPong echoes a ping payload. Unlike NetPing the payload is
// length-prefixed.
type NetPong struct {
	Payload []byte
}

func (*NetPong) body() {}
func (*NetPong) Command() Command { return CmdNetPong }

// Size implements wire.Serializable.
func (m *NetPong) Size() int { return wire.LengthPrefixSize + len(m.Payload) }

// Serialize implements wire.Serializable.
func (m *NetPong) Serialize(w *wire.Writer) { w.WriteVarBytes(m.Payload) }

// Deserialize implements wire.Serializable.
func (m *NetPong) Deserialize(r *wire.Reader) { m.Payload = r.ReadVarBytes(0) }

// IndirectPing asks the receiver to ping Target on the sender's behalf
// and to answer with a NetPong carrying Payload if Target responds.
type IndirectPing struct {
	Target  wire.Endpoint
	Payload []byte
}

func (*IndirectPing) body() {}
func (*IndirectPing) Command() Command { return CmdIndirectPing }

// Size implements wire.Serializable.
func (m *IndirectPing) Size() int {
	return wire.EndpointSize + wire.LengthPrefixSize + len(m.Payload)
}

// Serialize implements wire.Serializable.
func (m *IndirectPing) Serialize(w *wire.Writer) {
	m.Target.Serialize(w)
	w.WriteVarBytes(m.Payload)
}

// Deserialize implements wire.Serializable.
func (m *IndirectPing) Deserialize(r *wire.Reader) {
	m.Target.Deserialize(r)
	m.Payload = r.ReadVarBytes(0)
}

// DisconnectCode says why a peer is being dropped.
type DisconnectCode uint8

const (
	DisconnectClean DisconnectCode = iota
	DisconnectFaulty
	DisconnectFatalError
	DisconnectConnectingTimeout
	DisconnectMaxConnectingPeers
	DisconnectMaxInboundPeers
	DisconnectMaxOutboundPeers
	DisconnectMaxFeelerPeers

	numDisconnectCodes
)

var disconnectNames = [numDisconnectCodes]string{
	DisconnectClean:              "CLEAN",
	DisconnectFaulty:             "FAULTY",
	DisconnectFatalError:         "FATAL_ERROR",
	DisconnectConnectingTimeout:  "CONNECTING_TIMEOUT",
	DisconnectMaxConnectingPeers: "MAX_CONNECTING_PEERS",
	DisconnectMaxInboundPeers:    "MAX_INBOUND_PEERS",
	DisconnectMaxOutboundPeers:   "MAX_OUTBOUND_PEERS",
	DisconnectMaxFeelerPeers:     "MAX_FEELER_PEERS",
}

func (c DisconnectCode) String() string {
	if c < numDisconnectCodes {
		return disconnectNames[c]
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(c))
}

// Disconnect announces that the sender is closing the connection.
// Receiving one is terminal.
type Disconnect struct {
	Code DisconnectCode
}

func (*Disconnect) body() {}
func (*Disconnect) Command() Command { return CmdDisconnect }
func (*Disconnect) Size() int { return 1 }

// Serialize implements wire.Serializable.
func (m *Disconnect) Serialize(w *wire.Writer) { w.WriteUint8(uint8(m.Code)) }

// Deserialize implements wire.Serializable.
func (m *Disconnect) Deserialize(r *wire.Reader) {
	pos := r.Pos()
	m.Code = DisconnectCode(r.ReadUint8())
	if r.Err() == nil && m.Code >= numDisconnectCodes {
		r.SetErr(&wire.FormatError{Op: "disconnect", Pos: pos, Msg: fmt.Sprintf("unknown code %d", m.Code)})
	}
}

func readNodeID(r *wire.Reader) types.NodeID {
	var id types.NodeID
	copy(id[:], r.ReadBytes(types.NodeIDSize))
	return id
}

// checkCount rejects list lengths above max. It reports whether decoding
// may continue.
func checkCount(r *wire.Reader, op string, n, max int) bool {
	if r.Err() != nil {
		return false
	}
	if n > max {
		r.SetErr(&wire.FormatError{Op: op, Pos: r.Pos(), Msg: fmt.Sprintf("%d entries, max %d", n, max)})
		return false
	}
	return true
}

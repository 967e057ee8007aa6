package packet

import (
	"strings"

	"github.com/Klingon-tech/peerbloom/pkg/wire"
)

// Services is the bit set a node advertises in its Version packet.
type Services uint32

const (
	// ServiceNetwork marks a full node that serves headers and blocks.
	ServiceNetwork Services = 1 << iota
	// ServiceMinter marks a node that produces blocks.
	ServiceMinter
	// ServicePool marks a node that relays pool transactions.
	ServicePool
)

// Has reports whether every bit of f is set.
func (s Services) Has(f Services) bool {
	return s&f == f
}

func (s Services) String() string {
	var parts []string
	if s.Has(ServiceNetwork) {
		parts = append(parts, "network")
	}
	if s.Has(ServiceMinter) {
		parts = append(parts, "minter")
	}
	if s.Has(ServicePool) {
		parts = append(parts, "pool")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// VersionSize is the fixed size of a Version body.
const VersionSize = 4 + 4 + 8 + 8 + 4 + 1

// Version opens a handshake.
type Version struct {
	Version   uint32
	Services  Services
	Timestamp int64 // unix seconds at the sender
	Height    int64 // sender's chain height, -1 when empty
	Port      int32 // sender's listening port, 0 if not listening
	Syncing   bool
}

func (*Version) body() {}
func (*Version) Command() Command { return CmdVersion }
func (*Version) Size() int { return VersionSize }

// Serialize implements wire.Serializable.
func (v *Version) Serialize(w *wire.Writer) {
	w.WriteUint32(v.Version)
	w.WriteUint32(uint32(v.Services))
	w.WriteInt64(v.Timestamp)
	w.WriteInt64(v.Height)
	w.WriteInt32(v.Port)
	w.WriteBool(v.Syncing)
}

// Deserialize implements wire.Serializable.
func (v *Version) Deserialize(r *wire.Reader) {
	v.Version = r.ReadUint32()
	v.Services = Services(r.ReadUint32())
	v.Timestamp = r.ReadInt64()
	v.Height = r.ReadInt64()
	v.Port = r.ReadInt32()
	v.Syncing = r.ReadBool()
}

// VerAckSize is the fixed size of a VerAck body.
const VerAckSize = wire.EndpointSize + 4

// VerAck completes a handshake. Reflected is the address the acknowledging
// side observed for the peer. Counter is non-zero when the ack answers a
// connection the peer opened in response to our own outbound attempt.
type VerAck struct {
	Reflected wire.Endpoint
	Counter   int32
}

func (*VerAck) body() {}
func (*VerAck) Command() Command { return CmdVerAck }
func (*VerAck) Size() int { return VerAckSize }

// Serialize implements wire.Serializable.
func (a *VerAck) Serialize(w *wire.Writer) {
	a.Reflected.Serialize(w)
	w.WriteInt32(a.Counter)
}

// Deserialize implements wire.Serializable.
func (a *VerAck) Deserialize(r *wire.Reader) {
	a.Reflected.Deserialize(r)
	a.Counter = r.ReadInt32()
}

// Package peerbloom implements the Peerbloom peer layer: a TCP transport
// carrying framed packets, the version handshake, peer discovery over an
// XOR-distance table, liveness probing and request serving.
package peerbloom

import (
	"time"

	"github.com/Klingon-tech/peerbloom/config"
	"github.com/Klingon-tech/peerbloom/internal/packet"
	"github.com/Klingon-tech/peerbloom/internal/storage"
)

// Defaults applied to zero Config fields.
const (
	DefaultPeriod           = 2 * time.Second
	DefaultFanout           = 3
	DefaultMaxPacket        = 16 << 20
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultIndirectProbes   = 3

	// writeTimeout bounds a single packet write.
	writeTimeout = 10 * time.Second

	// dialTimeout bounds a TCP connect.
	dialTimeout = 5 * time.Second
)

// Config holds peer layer configuration.
type Config struct {
	NetworkID  uint8
	ListenAddr string
	Port       int
	Seeds      []string // multiaddrs or ip:port
	DNSSeeds   []string
	NoDiscover bool

	// Period drives the failure detector: ack timeout is Period/2, dead
	// timeout is Period*10.
	Period time.Duration
	Fanout int
	// MaxPacket bounds the body length accepted from the wire.
	MaxPacket int

	MaxInbound    int
	MaxOutbound   int
	MaxConnecting int
	MaxFeelers    int

	PacketRate  float64
	PacketBurst int

	HandshakeTimeout time.Duration
	IndirectProbes   int

	Services packet.Services
	Syncing  func() bool

	DB        storage.DB // peer and ban persistence (nil = disabled, for tests)
	KeyFile   string     // persisted node identity ("" = ephemeral)
	ClearBans bool
}

// ConfigFrom maps the node configuration onto a peer layer Config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		NetworkID:     cfg.EffectiveNetworkID(),
		ListenAddr:    cfg.P2P.ListenAddr,
		Port:          cfg.P2P.Port,
		Seeds:         cfg.P2P.Seeds,
		DNSSeeds:      cfg.P2P.DNSSeeds,
		NoDiscover:    cfg.P2P.NoDiscover,
		Period:        cfg.P2P.Period,
		Fanout:        cfg.P2P.Fanout,
		MaxPacket:     cfg.P2P.MaxPacket,
		MaxInbound:    cfg.P2P.MaxInbound,
		MaxOutbound:   cfg.P2P.MaxOutbound,
		MaxConnecting: cfg.P2P.MaxConnecting,
		MaxFeelers:    cfg.P2P.MaxFeelers,
		PacketRate:    cfg.P2P.PacketRate,
		PacketBurst:   cfg.P2P.PacketBurst,
		KeyFile:       cfg.NodeKeyFile(),
		ClearBans:     cfg.P2P.ClearBans,
	}
}

func (c *Config) withDefaults() {
	if c.Period <= 0 {
		c.Period = DefaultPeriod
	}
	if c.Fanout <= 0 {
		c.Fanout = DefaultFanout
	}
	if c.MaxPacket <= 0 {
		c.MaxPacket = DefaultMaxPacket
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.IndirectProbes <= 0 {
		c.IndirectProbes = DefaultIndirectProbes
	}
	if c.MaxInbound <= 0 {
		c.MaxInbound = 64
	}
	if c.MaxOutbound <= 0 {
		c.MaxOutbound = 16
	}
	if c.MaxConnecting <= 0 {
		c.MaxConnecting = 32
	}
	if c.MaxFeelers <= 0 {
		c.MaxFeelers = 2
	}
}

// AckTimeout is how long a direct probe waits for its pong.
func (c *Config) AckTimeout() time.Duration {
	return c.Period / 2
}

// DeadTimeout is how long a peer may stay silent before it is dropped.
func (c *Config) DeadTimeout() time.Duration {
	return c.Period * 10
}

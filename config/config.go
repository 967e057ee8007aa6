// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Protocol rules: defined in genesis and limits.go, must match across all nodes
//   - Node settings: runtime configuration, can vary per node
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// =============================================================================
// Node Configuration (runtime, per-node settings)
// =============================================================================

// Config holds node-specific runtime configuration.
type Config struct {
	// Core
	Network NetworkType
	DataDir string

	// Peerbloom networking
	P2P P2PConfig

	// Header and block download
	Sync SyncConfig

	// Block production (operational, not consensus rules)
	Mining MiningConfig

	// Prometheus endpoint
	Metrics MetricsConfig

	// Logging
	Log LogConfig
}

// P2PConfig holds peer-to-peer network settings.
type P2PConfig struct {
	Enabled    bool
	ListenAddr string
	Port       int
	Seeds      []string // multiaddrs or ip:port
	DNSSeeds   []string // hostnames resolved to A/AAAA records
	NoDiscover bool

	// NetworkID is the first byte of every packet. Zero selects the
	// genesis default for the configured network.
	NetworkID uint8

	// Period is the failure-detector protocol period. Ack timeout is half
	// a period, a peer silent for ten periods is dead.
	Period time.Duration
	// Fanout is the number of random peers a new item is pushed to.
	Fanout int
	// MaxPacket bounds the body length accepted from the wire.
	MaxPacket int

	MaxInbound    int
	MaxOutbound   int
	MaxConnecting int
	MaxFeelers    int

	// Per-connection inbound packet budget.
	PacketRate  float64
	PacketBurst int

	ClearBans bool // Clear all peer bans on startup (not persisted in config file).
}

// SyncConfig holds header and block download settings.
type SyncConfig struct {
	Batch  int           // headers requested per GetHeaders
	Retry  time.Duration // re-request a block not seen within this window
	Survey time.Duration // startup version survey timeout
}

// MiningConfig holds block production settings.
type MiningConfig struct {
	Enabled   bool
	MinterKey string // Path to minter private key (hex)
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool
	Addr    string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
	File  string
	JSON  bool
}

// EffectiveNetworkID returns the configured network id, falling back to
// the genesis default for the network.
func (c *Config) EffectiveNetworkID() uint8 {
	if c.P2P.NetworkID != 0 {
		return c.P2P.NetworkID
	}
	return GenesisFor(c.Network).NetworkID
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.peerbloom
//	macOS:   ~/Library/Application Support/Peerbloom
//	Windows: %APPDATA%\Peerbloom
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".peerbloom"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Peerbloom")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Peerbloom")
		}
		return filepath.Join(home, "AppData", "Roaming", "Peerbloom")
	default:
		return filepath.Join(home, ".peerbloom")
	}
}

// ChainDataDir returns the chain-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// BlocksDir returns the blocks storage directory.
func (c *Config) BlocksDir() string {
	return filepath.Join(c.ChainDataDir(), "blocks")
}

// PeersDir returns the directory holding the peer and ban stores.
func (c *Config) PeersDir() string {
	return filepath.Join(c.ChainDataDir(), "peers")
}

// NodeKeyFile returns the path of the persisted node identity key.
func (c *Config) NodeKeyFile() string {
	return filepath.Join(c.ChainDataDir(), "node.key")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "peerbloom.conf")
}

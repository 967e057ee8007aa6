package config

import "time"

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		P2P: P2PConfig{
			Enabled:    true,
			ListenAddr: "0.0.0.0",
			Port:       30303,
			// Format: multiaddr or ip:port, e.g.:
			//   "/ip4/203.0.113.1/tcp/30303"
			//   "/ip6/2001:db8::1/tcp/30303"
			//   "203.0.113.1:30303"
			Seeds:         []string{},
			DNSSeeds:      []string{},
			Period:        2 * time.Second,
			Fanout:        3,
			MaxPacket:     16 << 20,
			MaxInbound:    64,
			MaxOutbound:   16,
			MaxConnecting: 32,
			MaxFeelers:    2,
			PacketRate:    200,
			PacketBurst:   400,
		},
		Sync: SyncConfig{
			Batch:  500,
			Retry:  10 * time.Second,
			Survey: 5 * time.Second,
		},
		Mining: MiningConfig{
			Enabled: false,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.P2P.Port = 30304
	cfg.Metrics.Addr = "127.0.0.1:9465"
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}

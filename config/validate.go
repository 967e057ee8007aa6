package config

import (
	"fmt"
	"net/netip"
	"time"
)

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.P2P.ListenAddr != "" {
		if _, err := netip.ParseAddr(cfg.P2P.ListenAddr); err != nil {
			return fmt.Errorf("p2p.listen must be an IP address: %w", err)
		}
	}
	if cfg.P2P.Period < 10*time.Millisecond {
		return fmt.Errorf("p2p.period must be at least 10ms")
	}
	if cfg.P2P.Fanout < 1 {
		return fmt.Errorf("p2p.fanout must be at least 1")
	}
	if cfg.P2P.MaxPacket < 1024 {
		return fmt.Errorf("p2p.maxpacket must be at least 1024 bytes")
	}
	for name, v := range map[string]int{
		"p2p.maxinbound":    cfg.P2P.MaxInbound,
		"p2p.maxoutbound":   cfg.P2P.MaxOutbound,
		"p2p.maxconnecting": cfg.P2P.MaxConnecting,
		"p2p.maxfeelers":    cfg.P2P.MaxFeelers,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if cfg.P2P.PacketRate <= 0 || cfg.P2P.PacketBurst < 1 {
		return fmt.Errorf("p2p.packetrate and p2p.packetburst must be positive")
	}
	if cfg.Sync.Batch < 1 || cfg.Sync.Batch > MaxHeadersPerPacket {
		return fmt.Errorf("sync.batch must be in range [1, %d]", MaxHeadersPerPacket)
	}
	if cfg.Sync.Retry <= 0 {
		return fmt.Errorf("sync.retry must be positive")
	}
	if cfg.Sync.Survey <= 0 {
		return fmt.Errorf("sync.survey must be positive")
	}
	if cfg.Mining.Enabled && cfg.Mining.MinterKey == "" {
		return fmt.Errorf("mining.enabled requires mining.minterkey")
	}
	if cfg.Metrics.Enabled {
		if _, err := netip.ParseAddrPort(cfg.Metrics.Addr); err != nil {
			return fmt.Errorf("metrics.addr: %w", err)
		}
	}
	return nil
}

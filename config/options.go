package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// option is one node setting reachable from the config file, the command
// line, or both.
type option struct {
	key     string // config file key, empty for flag-only settings
	alias   string // older file key accepted as a synonym
	flag    string // command-line flag, empty for file-only settings
	section string
	usage   string
	boolean bool
	set     func(c *Config, v string) error
}

var options = []option{
	{key: "network", flag: "network", section: "Core", usage: "Network type: mainnet (default) or testnet",
		set: func(c *Config, v string) error { return setNetwork(&c.Network, v) }},
	{key: "datadir", flag: "datadir", section: "Core", usage: "Data directory (default: ~/.peerbloom)",
		set: str(func(c *Config) *string { return &c.DataDir })},

	{key: "p2p.enabled", alias: "p2p", flag: "p2p", section: "P2P", boolean: true,
		usage: "Enable P2P networking (default: true)",
		set: toggle(func(c *Config) *bool { return &c.P2P.Enabled })},
	{key: "p2p.listen", flag: "listen", section: "P2P", usage: "P2P listen address (default: 0.0.0.0)",
		set: str(func(c *Config) *string { return &c.P2P.ListenAddr })},
	{key: "p2p.port", flag: "p2p-port", section: "P2P", usage: "P2P listen port (mainnet: 30303, testnet: 30304)",
		set: integer(func(c *Config) *int { return &c.P2P.Port })},
	{key: "p2p.seeds", flag: "seeds", section: "P2P", usage: "Seed nodes as comma-separated multiaddrs or ip:port",
		set: list(func(c *Config) *[]string { return &c.P2P.Seeds })},
	{key: "p2p.dnsseeds", flag: "dns-seeds", section: "P2P", usage: "DNS seed hostnames (comma-separated)",
		set: list(func(c *Config) *[]string { return &c.P2P.DNSSeeds })},
	{key: "p2p.networkid", flag: "networkid", section: "P2P", usage: "Packet network id (default: from genesis)",
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 0, 8)
			if err != nil {
				return fmt.Errorf("network id must fit in one byte: %w", err)
			}
			c.P2P.NetworkID = uint8(n)
			return nil
		}},
	{key: "p2p.period", flag: "period", section: "P2P", usage: "Failure detector protocol period, bare numbers in ms (default: 2s)",
		set: duration(time.Millisecond, func(c *Config) *time.Duration { return &c.P2P.Period })},
	{key: "p2p.fanout", flag: "fanout", section: "P2P", usage: "Broadcast fanout (default: 3)",
		set: integer(func(c *Config) *int { return &c.P2P.Fanout })},
	{key: "p2p.maxpacket", flag: "maxpacket", section: "P2P", usage: "Largest accepted packet body in bytes (default: 16 MiB)",
		set: integer(func(c *Config) *int { return &c.P2P.MaxPacket })},
	{key: "p2p.maxinbound", section: "P2P", set: integer(func(c *Config) *int { return &c.P2P.MaxInbound })},
	{key: "p2p.maxoutbound", section: "P2P", set: integer(func(c *Config) *int { return &c.P2P.MaxOutbound })},
	{key: "p2p.maxconnecting", section: "P2P", set: integer(func(c *Config) *int { return &c.P2P.MaxConnecting })},
	{key: "p2p.maxfeelers", section: "P2P", set: integer(func(c *Config) *int { return &c.P2P.MaxFeelers })},
	{key: "p2p.packetrate", section: "P2P", set: func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.P2P.PacketRate = f
		return nil
	}},
	{key: "p2p.packetburst", section: "P2P", set: integer(func(c *Config) *int { return &c.P2P.PacketBurst })},
	{key: "p2p.nodiscover", flag: "nodiscover", section: "P2P", boolean: true, usage: "Disable peer discovery",
		set: toggle(func(c *Config) *bool { return &c.P2P.NoDiscover })},
	{flag: "clear-bans", section: "P2P", boolean: true, usage: "Clear all peer bans on startup",
		set: toggle(func(c *Config) *bool { return &c.P2P.ClearBans })},

	{key: "sync.batch", flag: "sync-batch", section: "Sync", usage: "Headers requested per batch (default: 500)",
		set: integer(func(c *Config) *int { return &c.Sync.Batch })},
	{key: "sync.retry", flag: "sync-retry", section: "Sync", usage: "Block request retry interval, bare numbers in s (default: 10s)",
		set: duration(time.Second, func(c *Config) *time.Duration { return &c.Sync.Retry })},
	{key: "sync.survey", section: "Sync",
		set: duration(time.Second, func(c *Config) *time.Duration { return &c.Sync.Survey })},

	{key: "mining.enabled", alias: "mine", flag: "mine", section: "Mining", boolean: true, usage: "Enable block production",
		set: toggle(func(c *Config) *bool { return &c.Mining.Enabled })},
	{key: "mining.minterkey", flag: "minter-key", section: "Mining", usage: "Path to minter private key",
		set: str(func(c *Config) *string { return &c.Mining.MinterKey })},

	{key: "metrics.enabled", alias: "metrics", flag: "metrics", section: "Metrics", boolean: true, usage: "Serve Prometheus metrics",
		set: toggle(func(c *Config) *bool { return &c.Metrics.Enabled })},
	{key: "metrics.addr", flag: "metrics-addr", section: "Metrics", usage: "Metrics listen address (default: 127.0.0.1:9464)",
		set: str(func(c *Config) *string { return &c.Metrics.Addr })},

	{key: "log.level", flag: "log-level", section: "Logging", usage: "Log level: trace, debug, info, warn, error (default: info)",
		set: str(func(c *Config) *string { return &c.Log.Level })},
	{key: "log.file", flag: "log-file", section: "Logging", usage: "Log file path (default: <datadir>/logs/peerbloom.log)",
		set: str(func(c *Config) *string { return &c.Log.File })},
	{key: "log.json", flag: "log-json", section: "Logging", boolean: true, usage: "Output logs as JSON",
		set: toggle(func(c *Config) *bool { return &c.Log.JSON })},
}

// fileOption finds the option a config file key refers to.
func fileOption(key string) (*option, bool) {
	for i := range options {
		o := &options[i]
		if o.key != "" && (o.key == key || o.alias == key) {
			return o, true
		}
	}
	return nil, false
}

func setNetwork(dst *NetworkType, v string) error {
	switch n := NetworkType(strings.ToLower(v)); n {
	case Mainnet, Testnet:
		*dst = n
		return nil
	}
	return fmt.Errorf("unknown network %q", v)
}

func str(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func integer(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func toggle(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := parseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func list(field func(*Config) *[]string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = parseStringList(v)
		return nil
	}
}

// duration accepts a Go duration string or a bare integer counted in unit.
func duration(unit time.Duration, field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		if n, err := strconv.Atoi(v); err == nil {
			*field(c) = time.Duration(n) * unit
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", s)
}

// parseStringList splits a comma-separated list, dropping empty items.
func parseStringList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

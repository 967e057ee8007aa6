package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadFile reads a "key = value" config file. Blank lines and lines
// starting with # are skipped, and one level of matching quotes is
// stripped from values. A missing file yields no values.
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || text[0] == '#' {
			continue
		}
		key, value, ok := strings.Cut(text, "=")
		if !ok {
			return nil, fmt.Errorf("%s:%d: expected key = value", path, line)
		}
		values[strings.TrimSpace(key)] = unquote(strings.TrimSpace(value))
	}
	return values, scanner.Err()
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

// ApplyFileConfig sets every known key in values on cfg. Unknown keys are
// ignored so that newer config files still load.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		o, ok := fileOption(key)
		if !ok {
			continue
		}
		if err := o.set(cfg, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	content := `# Peerbloom Node Configuration
#
# This file contains NODE settings only.
# Protocol rules (network id defaults, minters, size limits) are hardcoded
# in the genesis configuration and cannot be changed without a hard fork.

# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory (default: ~/.peerbloom)
# datadir = ~/.peerbloom

# ============================================================================
# P2P Network
# ============================================================================

p2p.enabled = true
p2p.listen = 0.0.0.0
p2p.port = ` + defaultPort(network) + `

# Seed nodes (comma-separated multiaddrs or ip:port)
# p2p.seeds = /ip4/203.0.113.1/tcp/30303,203.0.113.2:30303

# DNS seeds (comma-separated hostnames, A and AAAA records are used)
# p2p.dnsseeds = seed.example.com

# Override the packet network id (default: from genesis)
# p2p.networkid = 1

# Failure detector protocol period in milliseconds
p2p.period = 2000

# Peers each new block or transaction is pushed to
p2p.fanout = 3

# Largest accepted packet body in bytes
p2p.maxpacket = 16777216

# Connection limits
p2p.maxinbound = 64
p2p.maxoutbound = 16
p2p.maxconnecting = 32
p2p.maxfeelers = 2

# Disable peer discovery (for private networks)
# p2p.nodiscover = false

# ============================================================================
# Sync
# ============================================================================

sync.batch = 500
# Seconds before an unanswered block request is retried
sync.retry = 10
# Seconds allowed for the startup version survey
sync.survey = 5

# ============================================================================
# Block Production
# ============================================================================

mining.enabled = false
# mining.minterkey = ~/.peerbloom/minter.key

# ============================================================================
# Metrics
# ============================================================================

metrics.enabled = false
metrics.addr = ` + defaultMetricsAddr(network) + `

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}

func defaultPort(network NetworkType) string {
	if network == Testnet {
		return "30304"
	}
	return "30303"
}

func defaultMetricsAddr(network NetworkType) string {
	if network == Testnet {
		return "127.0.0.1:9465"
	}
	return "127.0.0.1:9464"
}

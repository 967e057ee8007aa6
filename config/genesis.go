package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/Klingon-tech/peerbloom/pkg/crypto"
	"github.com/Klingon-tech/peerbloom/pkg/types"
)

// Denominations, in base units.
const (
	Coin      = 1_000_000_000_000
	MilliCoin = Coin / 1000
)

// Network identifiers carried in every packet header.
const (
	MainnetNetworkID uint8 = 0x01
	TestnetNetworkID uint8 = 0x02
)

// ProtocolVersion is the version advertised in Version packets.
const ProtocolVersion uint32 = 1

// MinProtocolVersion is the oldest peer version this node talks to.
const MinProtocolVersion uint32 = 1

// Genesis fixes the chain identity and the rules every node must agree on.
// Changing any field after launch forks the network.
type Genesis struct {
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	NetworkID uint8  `json:"network_id"`

	Timestamp uint64 `json:"timestamp"` // unix seconds
	ExtraData string `json:"extra_data,omitempty"`

	BlockTime   int      `json:"block_time"`   // target seconds between blocks
	Minters     []string `json:"minters"`      // hex compressed keys allowed to sign blocks
	BlockReward uint64   `json:"block_reward"` // base units per block
}

// Well-known testnet minter key pair. Never use it on mainnet.
const (
	// TestnetMinterPubKey is the compressed public key (hex) of the testnet minter.
	TestnetMinterPubKey = "030bef68f8657df88098a0546da1712c88b459788bea1a6bbe964004166a25144f"

	// TestnetMinterPrivKey is the private key (hex) of the testnet minter.
	TestnetMinterPrivKey = "1f0717e6e34acc6721021f4dfed54558ec8452452b6195545d06dd348b220091"
)

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "peerbloom-mainnet-1",
		ChainName: "Peerbloom Mainnet",
		NetworkID: MainnetNetworkID,
		Timestamp: 1770734103, // 2026-02-10
		ExtraData: "Peerbloom Genesis",
		BlockTime: 3,
		Minters: []string{
			"03cba4d0ee4c55f5ea620393a6e6e9dafe959bfa6ddff964221126a3e41ad0487d",
		},
		BlockReward: 20 * MilliCoin,
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "peerbloom-testnet-1"
	g.ChainName = "Peerbloom Testnet"
	g.NetworkID = TestnetNetworkID
	g.ExtraData = "Peerbloom Testnet Genesis"
	g.Minters = []string{TestnetMinterPubKey}
	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// LoadGenesis reads and validates a JSON genesis file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}
	g := new(Genesis)
	if err := json.Unmarshal(data, g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}
	return g, nil
}

// Save writes g as indented JSON.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate reports the first rule g breaks.
func (g *Genesis) Validate() error {
	rules := []struct {
		ok  bool
		msg string
	}{
		{g.ChainID != "", "chain_id is required"},
		{g.NetworkID != 0, "network_id must be non-zero"},
		{g.BlockTime > 0, "block_time must be positive"},
		{g.BlockReward > 0, "block_reward must be positive"},
		{len(g.Minters) > 0, "at least one minter is required"},
	}
	for _, r := range rules {
		if !r.ok {
			return errors.New(r.msg)
		}
	}
	_, err := g.decodeMinters()
	return err
}

func (g *Genesis) decodeMinters() ([][]byte, error) {
	keys := make([][]byte, 0, len(g.Minters))
	for i, m := range g.Minters {
		b, err := hex.DecodeString(m)
		if err == nil {
			err = crypto.ParsePublicKey(b)
		}
		if err != nil {
			return nil, fmt.Errorf("minter %d: %w", i, err)
		}
		keys = append(keys, b)
	}
	return keys, nil
}

// MinterKeys returns the decoded minter keys, or nil if any is malformed.
func (g *Genesis) MinterKeys() [][]byte {
	keys, _ := g.decodeMinters()
	return keys
}

// Hash identifies the chain: BLAKE3 over the JSON encoding of g.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}

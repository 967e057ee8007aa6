package node

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/peerbloom/config"
	"github.com/Klingon-tech/peerbloom/internal/consensus"
	"github.com/Klingon-tech/peerbloom/pkg/crypto"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// loadMinterKey reads a hex-encoded 32-byte private key from a file.
func loadMinterKey(path string) (*crypto.PrivateKey, error) {
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	return crypto.PrivateKeyFromBytes(keyBytes)
}

// createEngine builds the minter set from the genesis configuration.
func createEngine(genesis *config.Genesis) (*consensus.PoA, error) {
	if err := genesis.Validate(); err != nil {
		return nil, err
	}
	poa, err := consensus.NewPoA(genesis.MinterKeys())
	if err != nil {
		return nil, fmt.Errorf("create poa: %w", err)
	}
	return poa, nil
}

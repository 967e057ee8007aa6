package peerbloom

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"

	"github.com/Klingon-tech/peerbloom/pkg/types"
)

// LoadOrCreateIdentity loads a persisted Ed25519 identity key from path,
// or generates a new one and saves it so the node ID survives restarts.
// An empty path yields an ephemeral key.
func LoadOrCreateIdentity(path string) (libp2pcrypto.PrivKey, error) {
	if path == "" {
		priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
		return priv, err
	}

	data, err := os.ReadFile(path)
	if err == nil {
		keyBytes, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("decode node key: %w", err)
		}
		return libp2pcrypto.UnmarshalEd25519PrivateKey(keyBytes)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read node key: %w", err)
	}

	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(raw)), 0600); err != nil {
		return nil, fmt.Errorf("save node key: %w", err)
	}
	return priv, nil
}

// NodeIDFromKey returns the node ID for key: its raw 32-byte public key.
func NodeIDFromKey(key libp2pcrypto.PrivKey) (types.NodeID, error) {
	raw, err := key.GetPublic().Raw()
	if err != nil {
		return types.NodeID{}, fmt.Errorf("public key: %w", err)
	}
	return types.NodeIDFromBytes(raw)
}

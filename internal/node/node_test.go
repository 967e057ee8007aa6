package node

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Klingon-tech/peerbloom/config"
	"github.com/Klingon-tech/peerbloom/internal/miner"
)

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	tests := []struct {
		input, want string
	}{
		{"~/foo/bar", filepath.Join(home, "foo/bar")},
		{"~/.peerbloom/minter.key", filepath.Join(home, ".peerbloom/minter.key")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := expandHome(tt.input); got != tt.want {
			t.Errorf("expandHome(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func writeMinterKey(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "minter.key")
	if err := os.WriteFile(path, []byte(config.TestnetMinterPrivKey+"\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadMinterKey(t *testing.T) {
	key, err := loadMinterKey(writeMinterKey(t, t.TempDir()))
	if err != nil {
		t.Fatalf("loadMinterKey: %v", err)
	}
	defer key.Zero()
	pub := key.PublicKey()
	if len(pub) != 33 {
		t.Fatalf("public key length = %d, want 33", len(pub))
	}
}

func TestLoadMinterKey_Errors(t *testing.T) {
	if _, err := loadMinterKey("/nonexistent/path"); err == nil {
		t.Error("expected error for missing file")
	}
	path := filepath.Join(t.TempDir(), "bad.key")
	if err := os.WriteFile(path, []byte("not-hex-data"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := loadMinterKey(path); err == nil {
		t.Error("expected error for invalid hex")
	}
}

func TestCreateEngine(t *testing.T) {
	poa, err := createEngine(config.TestnetGenesis())
	if err != nil {
		t.Fatalf("createEngine: %v", err)
	}
	if got := len(poa.Minters()); got != 1 {
		t.Errorf("minters = %d, want 1", got)
	}

	bad := config.TestnetGenesis()
	bad.Minters = nil
	if _, err := createEngine(bad); err == nil {
		t.Error("expected error for genesis without minters")
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default(config.Testnet)
	cfg.DataDir = dir
	cfg.P2P.ListenAddr = "127.0.0.1"
	cfg.P2P.Port = 0
	cfg.P2P.NoDiscover = true
	cfg.P2P.Period = 200 * time.Millisecond
	cfg.Sync.Survey = 2 * time.Second
	cfg.Sync.Retry = time.Second
	cfg.Log.Level = "error"
	cfg.Log.File = filepath.Join(dir, "node.log")
	if err := config.EnsureDataDirs(cfg); err != nil {
		t.Fatalf("EnsureDataDirs: %v", err)
	}
	return cfg
}

func TestNew_MiningRequiresKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mining.Enabled = true
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error when mining without a minter key")
	}
}

func TestNode_ProduceAndResume(t *testing.T) {
	cfg := testConfig(t)
	cfg.P2P.Enabled = false
	cfg.Mining.MinterKey = writeMinterKey(t, cfg.DataDir)

	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m := miner.New(n.ch, n.engine, n.minterKey.PublicKey(), n.genesis.BlockReward)
	for i := 0; i < 2; i++ {
		blk, err := n.produceBlock(m)
		if err != nil {
			t.Fatalf("produceBlock: %v", err)
		}
		if blk == nil {
			t.Fatal("minter not selected on a single-minter network")
		}
	}
	if got := testutil.ToFloat64(n.metrics.ChainHeight); got != 2 {
		t.Errorf("chain_height gauge = %v, want 2", got)
	}
	n.Stop()

	n, err = New(cfg)
	if err != nil {
		t.Fatalf("New (resume): %v", err)
	}
	defer n.Stop()
	if got := n.Height(); got != 2 {
		t.Errorf("resumed height = %d, want 2", got)
	}
}

func TestNode_SyncFromSeed(t *testing.T) {
	srcCfg := testConfig(t)
	srcCfg.Mining.MinterKey = writeMinterKey(t, srcCfg.DataDir)
	src, err := New(srcCfg)
	if err != nil {
		t.Fatalf("New(src): %v", err)
	}
	defer src.Stop()

	m := miner.New(src.ch, src.engine, src.minterKey.PublicKey(), src.genesis.BlockReward)
	for i := 0; i < 3; i++ {
		if _, err := src.produceBlock(m); err != nil {
			t.Fatalf("produceBlock: %v", err)
		}
	}
	if err := src.Start(); err != nil {
		t.Fatalf("Start(src): %v", err)
	}

	dstCfg := testConfig(t)
	dstCfg.P2P.Seeds = []string{src.Network().ListenEndpoint().String()}
	dst, err := New(dstCfg)
	if err != nil {
		t.Fatalf("New(dst): %v", err)
	}
	defer dst.Stop()
	if err := dst.Start(); err != nil {
		t.Fatalf("Start(dst): %v", err)
	}

	deadline := time.Now().Add(15 * time.Second)
	for dst.Height() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("dst height = %d after 15s, want 3", dst.Height())
		}
		time.Sleep(50 * time.Millisecond)
	}
	if dst.ch.TipHash() != src.ch.TipHash() {
		t.Errorf("tip mismatch: dst %s, src %s", dst.ch.TipHash().Short(), src.ch.TipHash().Short())
	}
	if v := dst.cache.Versions(); len(v) == 0 {
		t.Error("no peer version recorded")
	}
}

package chain

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/peerbloom/config"
	"github.com/Klingon-tech/peerbloom/internal/consensus"
	"github.com/Klingon-tech/peerbloom/internal/storage"
	"github.com/Klingon-tech/peerbloom/pkg/block"
	"github.com/Klingon-tech/peerbloom/pkg/crypto"
	"github.com/Klingon-tech/peerbloom/pkg/tx"
)

type testEnv struct {
	db    storage.DB
	poa   *consensus.PoA
	chain *Chain
	gen   *config.Genesis
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gen := config.TestnetGenesis()
	poa, err := consensus.NewPoA(gen.MinterKeys())
	if err != nil {
		t.Fatalf("NewPoA() error: %v", err)
	}
	key, err := crypto.PrivateKeyFromHex(config.TestnetMinterPrivKey)
	if err != nil {
		t.Fatalf("PrivateKeyFromHex() error: %v", err)
	}
	if err := poa.SetSigner(key); err != nil {
		t.Fatalf("SetSigner() error: %v", err)
	}

	db := storage.NewMemory()
	ch, err := New(db, consensus.NewValidator(poa))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := ch.InitFromGenesis(gen); err != nil {
		t.Fatalf("InitFromGenesis() error: %v", err)
	}
	return &testEnv{db: db, poa: poa, chain: ch, gen: gen}
}

// nextBlock builds and seals a block on top of the current tip.
func (e *testEnv) nextBlock(t *testing.T) *block.Block {
	t.Helper()
	st := e.chain.State()
	height := st.Height + 1
	blk := block.NewBlock(&block.Header{
		Height:    height,
		PrevBlock: st.TipHash,
		Timestamp: st.TipTimestamp + 1,
	}, []*tx.Transaction{tx.NewCoinbase(height, e.gen.BlockReward, []byte("test"))})
	blk.Finalize()
	if err := e.poa.Seal(blk); err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	return blk
}

func TestChain_Genesis(t *testing.T) {
	env := newTestEnv(t)
	if h := env.chain.Height(); h != 0 {
		t.Fatalf("Height() = %d, want 0", h)
	}
	if env.chain.State().IsEmpty() {
		t.Error("State().IsEmpty() = true after genesis")
	}
	want, err := CreateGenesisBlock(env.gen)
	if err != nil {
		t.Fatalf("CreateGenesisBlock() error: %v", err)
	}
	if env.chain.GenesisHash() != want.Hash() {
		t.Error("genesis hash differs from CreateGenesisBlock")
	}
	if env.chain.TipHash() != want.Hash() {
		t.Error("tip should be genesis")
	}
	if got := env.chain.State().Supply; got != env.gen.BlockReward {
		t.Errorf("supply = %d, want %d", got, env.gen.BlockReward)
	}

	// Re-initializing with the same genesis is a no-op.
	if err := env.chain.InitFromGenesis(env.gen); err != nil {
		t.Errorf("second InitFromGenesis() error: %v", err)
	}
}

func TestChain_GenesisMismatch(t *testing.T) {
	env := newTestEnv(t)
	other := config.TestnetGenesis()
	other.ExtraData = "some other genesis"
	if err := env.chain.InitFromGenesis(other); !errors.Is(err, ErrGenesisMismatch) {
		t.Errorf("expected ErrGenesisMismatch, got: %v", err)
	}
}

func TestChain_AddBlock(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		blk := env.nextBlock(t)
		if err := env.chain.AddBlock(blk); err != nil {
			t.Fatalf("AddBlock(%d) error: %v", blk.Header.Height, err)
		}
		if env.chain.TipHash() != blk.Hash() {
			t.Fatalf("tip not advanced at %d", blk.Header.Height)
		}
	}
	if h := env.chain.Height(); h != 3 {
		t.Errorf("Height() = %d, want 3", h)
	}
	wantSupply := 4 * env.gen.BlockReward
	if got := env.chain.State().Supply; got != wantSupply {
		t.Errorf("supply = %d, want %d", got, wantSupply)
	}

	hdr, err := env.chain.GetBlockHeader(2)
	if err != nil {
		t.Fatalf("GetBlockHeader(2) error: %v", err)
	}
	if hdr.Height != 2 {
		t.Errorf("header height = %d, want 2", hdr.Height)
	}
	if _, err := env.chain.GetBlockHeader(4); !errors.Is(err, ErrHeightOutOfRange) {
		t.Errorf("expected ErrHeightOutOfRange, got: %v", err)
	}
}

func TestChain_AddBlock_Rejects(t *testing.T) {
	env := newTestEnv(t)

	t.Run("nil", func(t *testing.T) {
		if err := env.chain.AddBlock(nil); !errors.Is(err, block.ErrNilHeader) {
			t.Errorf("expected ErrNilHeader, got: %v", err)
		}
	})

	t.Run("wrong height", func(t *testing.T) {
		blk := env.nextBlock(t)
		blk.Header.Height = 5
		if err := env.chain.AddBlock(blk); !errors.Is(err, ErrBadHeight) {
			t.Errorf("expected ErrBadHeight, got: %v", err)
		}
	})

	t.Run("wrong prev", func(t *testing.T) {
		blk := env.nextBlock(t)
		blk.Header.PrevBlock[0] ^= 0xff
		if err := env.chain.AddBlock(blk); !errors.Is(err, ErrPrevMismatch) {
			t.Errorf("expected ErrPrevMismatch, got: %v", err)
		}
	})

	t.Run("unsigned", func(t *testing.T) {
		blk := env.nextBlock(t)
		blk.Header.Signature = nil
		if err := env.chain.AddBlock(blk); !errors.Is(err, consensus.ErrMissingSig) {
			t.Errorf("expected ErrMissingSig, got: %v", err)
		}
	})

	if h := env.chain.Height(); h != 0 {
		t.Errorf("rejected blocks moved the tip to %d", h)
	}
}

func TestChain_Reopen(t *testing.T) {
	env := newTestEnv(t)
	var last *block.Block
	for i := 0; i < 2; i++ {
		last = env.nextBlock(t)
		if err := env.chain.AddBlock(last); err != nil {
			t.Fatalf("AddBlock() error: %v", err)
		}
	}

	reopened, err := New(env.db, consensus.NewValidator(env.poa))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if reopened.Height() != 2 {
		t.Errorf("Height() = %d, want 2", reopened.Height())
	}
	if reopened.TipHash() != last.Hash() {
		t.Error("tip hash not recovered")
	}
	if reopened.GenesisHash() != env.chain.GenesisHash() {
		t.Error("genesis hash not recovered")
	}
	if reopened.State().TipTimestamp != last.Header.Timestamp {
		t.Error("tip timestamp not recovered")
	}
}

func TestChain_GetHeaders(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 4; i++ {
		if err := env.chain.AddBlock(env.nextBlock(t)); err != nil {
			t.Fatalf("AddBlock() error: %v", err)
		}
	}

	hdrs, err := env.chain.GetHeaders(1, 10)
	if err != nil {
		t.Fatalf("GetHeaders() error: %v", err)
	}
	if len(hdrs) != 4 {
		t.Fatalf("got %d headers, want 4", len(hdrs))
	}
	for i, h := range hdrs {
		if h.Height != int64(i+1) {
			t.Errorf("header %d height = %d", i, h.Height)
		}
	}

	hdrs, _ = env.chain.GetHeaders(2, 2)
	if len(hdrs) != 2 || hdrs[0].Height != 2 || hdrs[1].Height != 3 {
		t.Errorf("GetHeaders(2, 2) returned wrong range")
	}
	if hdrs, _ := env.chain.GetHeaders(10, 5); len(hdrs) != 0 {
		t.Errorf("GetHeaders past tip returned %d headers", len(hdrs))
	}
}

func TestChain_EmptyRejectsBlocks(t *testing.T) {
	poa, _ := consensus.NewPoA(config.TestnetGenesis().MinterKeys())
	ch, err := New(storage.NewMemory(), consensus.NewValidator(poa))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if ch.Height() != -1 {
		t.Errorf("empty chain height = %d, want -1", ch.Height())
	}
	if !ch.State().IsEmpty() {
		t.Error("State().IsEmpty() = false before genesis")
	}
	blk := block.NewBlock(&block.Header{Height: 0, Timestamp: 1}, []*tx.Transaction{tx.NewCoinbase(0, 1, nil)})
	blk.Finalize()
	if err := ch.AddBlock(blk); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got: %v", err)
	}
}

package tx

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/Klingon-tech/peerbloom/pkg/crypto"
	"github.com/Klingon-tech/peerbloom/pkg/types"
	"github.com/Klingon-tech/peerbloom/pkg/wire"
)

var testScript = []byte{0x76, 0xa9, 0x14, 0x01, 0x02, 0x03}

func TestTransaction_Hash_Deterministic(t *testing.T) {
	tx := &Transaction{
		Version: 1,
		Inputs:  []Input{{PrevOut: types.Outpoint{TxID: types.Hash{0x01}, Index: 0}}},
		Outputs: []Output{{Value: 1000, Script: testScript}},
	}

	h1 := tx.Hash()
	h2 := tx.Hash()
	if h1 != h2 {
		t.Error("Hash() should be deterministic")
	}
	if h1.IsZero() {
		t.Error("Hash() should not be zero")
	}
}

func TestTransaction_Hash_ChangesWithContent(t *testing.T) {
	tx1 := &Transaction{
		Version: 1,
		Inputs:  []Input{{PrevOut: types.Outpoint{TxID: types.Hash{0x01}, Index: 0}}},
		Outputs: []Output{{Value: 1000, Script: testScript}},
	}
	tx2 := &Transaction{
		Version: 1,
		Inputs:  []Input{{PrevOut: types.Outpoint{TxID: types.Hash{0x01}, Index: 0}}},
		Outputs: []Output{{Value: 2000, Script: testScript}},
	}

	if tx1.Hash() == tx2.Hash() {
		t.Error("different transactions should have different hashes")
	}
}

func TestTransaction_Hash_IgnoresSignature(t *testing.T) {
	tx := &Transaction{
		Version: 1,
		Inputs:  []Input{{PrevOut: types.Outpoint{TxID: types.Hash{0x01}, Index: 0}}},
		Outputs: []Output{{Value: 1000, Script: testScript}},
	}

	h1 := tx.Hash()

	tx.Inputs[0].Signature = []byte("some signature")
	tx.Inputs[0].PubKey = []byte("some key")

	if h2 := tx.Hash(); h1 != h2 {
		t.Error("Hash() should not change when signatures are added")
	}
}

func TestCoinbase_HeightChangesHash(t *testing.T) {
	a := NewCoinbase(1, 50, testScript)
	b := NewCoinbase(2, 50, testScript)
	if a.Hash() == b.Hash() {
		t.Error("coinbases at different heights share an ID")
	}
	if !a.IsCoinbase() {
		t.Error("IsCoinbase() = false")
	}
	if err := a.Validate(); err != nil {
		t.Errorf("coinbase should validate: %v", err)
	}
}

func TestTransaction_TotalOutputValue(t *testing.T) {
	tx := &Transaction{
		Outputs: []Output{
			{Value: 1000},
			{Value: 2000},
			{Value: 3000},
		},
	}
	got, err := tx.TotalOutputValue()
	if err != nil {
		t.Fatalf("TotalOutputValue() error: %v", err)
	}
	if got != 6000 {
		t.Errorf("TotalOutputValue() = %d, want 6000", got)
	}
}

func TestTransaction_TotalOutputValue_Overflow(t *testing.T) {
	tx := &Transaction{
		Outputs: []Output{
			{Value: math.MaxUint64},
			{Value: 1},
		},
	}
	if _, err := tx.TotalOutputValue(); err == nil {
		t.Error("TotalOutputValue() should return error on overflow")
	}
}

func TestTransaction_WireRoundTrip(t *testing.T) {
	key, _ := crypto.GenerateKey()
	b := NewBuilder().
		AddInput(types.Outpoint{TxID: types.Hash{0x01}, Index: 7}).
		AddInput(types.Outpoint{TxID: types.Hash{0x02}, Index: 0}).
		AddOutput(3000, testScript).
		AddOutput(2000, nil).
		SetLockTime(99)
	if err := b.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	in := b.Build()

	data, err := wire.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if len(data) != in.Size() {
		t.Fatalf("encoded %d bytes, Size() = %d", len(data), in.Size())
	}

	var out Transaction
	if err := wire.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Hash() != in.Hash() {
		t.Error("hash changed across round trip")
	}
	if !bytes.Equal(out.Inputs[0].Signature, in.Inputs[0].Signature) {
		t.Error("signature lost")
	}
	if out.LockTime != 99 || out.Inputs[0].PrevOut.Index != 7 {
		t.Errorf("fields lost: %+v", out)
	}
	if err := out.VerifySignatures(); err != nil {
		t.Errorf("VerifySignatures after round trip: %v", err)
	}
}

func TestTransaction_DeserializeHugeCount(t *testing.T) {
	// version, then an input count far larger than the buffer.
	data := []byte{0, 0, 0, 1, 0xff, 0xff, 0xff, 0xff}
	var tx Transaction
	if err := wire.Unmarshal(data, &tx); !errors.Is(err, wire.ErrFormat) {
		t.Fatalf("err = %v, want wire.ErrFormat", err)
	}
}

func TestBuilder_BuildAndSign(t *testing.T) {
	key, _ := crypto.GenerateKey()
	prevOut := types.Outpoint{TxID: crypto.Hash([]byte("prev tx")), Index: 0}

	b := NewBuilder().
		AddInput(prevOut).
		AddOutput(5000, testScript)

	if err := b.Sign(key); err != nil {
		t.Fatalf("Sign() error: %v", err)
	}

	transaction := b.Build()

	if len(transaction.Inputs) != 1 {
		t.Fatalf("expected 1 input, got %d", len(transaction.Inputs))
	}
	if transaction.Version != 1 {
		t.Errorf("version = %d, want 1", transaction.Version)
	}
	if err := transaction.Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
	if err := transaction.VerifySignatures(); err != nil {
		t.Errorf("VerifySignatures() error: %v", err)
	}
}

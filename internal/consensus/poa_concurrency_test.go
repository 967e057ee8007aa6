package consensus

import (
	"bytes"
	"fmt"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/peerbloom/pkg/crypto"
	"github.com/Klingon-tech/peerbloom/pkg/types"
)

// Minter set churn must not disturb verification of blocks sealed by a
// minter that stays in the set.
func TestPoA_MinterChurnDuringVerify(t *testing.T) {
	stable, _ := crypto.GenerateKey()
	churn, _ := crypto.GenerateKey()

	poa, err := NewPoA([][]byte{stable.PublicKey()})
	if err != nil {
		t.Fatalf("NewPoA: %v", err)
	}
	if err := poa.SetSigner(stable); err != nil {
		t.Fatalf("SetSigner: %v", err)
	}
	blk := testBlock(t)
	if err := poa.Seal(blk); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	const rounds = 500
	var g errgroup.Group
	g.Go(func() error {
		for range rounds {
			poa.AddMinter(churn.PublicKey())
			poa.RemoveMinter(churn.PublicKey())
		}
		return nil
	})
	for w := range 4 {
		g.Go(func() error {
			for i := range rounds {
				if err := poa.VerifyHeader(blk.Header); err != nil {
					return fmt.Errorf("worker %d round %d: %w", w, i, err)
				}
				if signer := poa.IdentifySigner(blk.Header); !bytes.Equal(signer, stable.PublicKey()) {
					return fmt.Errorf("worker %d round %d: wrong signer", w, i)
				}
				if !poa.IsMinter(stable.PublicKey()) {
					return fmt.Errorf("worker %d round %d: stable minter dropped", w, i)
				}
				_ = poa.IsSelected(int64(i), types.Hash{byte(w)})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if poa.IsMinter(churn.PublicKey()) {
		t.Error("churned minter still in set")
	}
}

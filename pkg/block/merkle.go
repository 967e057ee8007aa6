package block

import (
	"github.com/Klingon-tech/peerbloom/pkg/crypto"
	"github.com/Klingon-tech/peerbloom/pkg/tx"
	"github.com/Klingon-tech/peerbloom/pkg/types"
)

// ComputeMerkleRoot folds txHashes pairwise into a single root. An odd
// layer pairs its last hash with itself. No hashes yield the zero hash and
// a single hash is its own root. txHashes is not modified.
func ComputeMerkleRoot(txHashes []types.Hash) types.Hash {
	switch len(txHashes) {
	case 0:
		return types.Hash{}
	case 1:
		return txHashes[0]
	}

	layer := append([]types.Hash(nil), txHashes...)
	for n := len(layer); n > 1; n = (n + 1) / 2 {
		for i := 0; i < n; i += 2 {
			right := layer[i]
			if i+1 < n {
				right = layer[i+1]
			}
			layer[i/2] = crypto.HashConcat(layer[i], right)
		}
	}
	return layer[0]
}

// TxMerkleRoot returns the merkle root over the IDs of txs.
func TxMerkleRoot(txs []*tx.Transaction) types.Hash {
	hashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		hashes[i] = t.Hash()
	}
	return ComputeMerkleRoot(hashes)
}

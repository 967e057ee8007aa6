// Package block defines block types, their wire encoding and structural
// validation.
package block

import (
	"fmt"

	"github.com/Klingon-tech/peerbloom/config"
	"github.com/Klingon-tech/peerbloom/pkg/tx"
	"github.com/Klingon-tech/peerbloom/pkg/types"
	"github.com/Klingon-tech/peerbloom/pkg/wire"
)

// Block represents a block in the chain.
type Block struct {
	Header       *Header           `json:"header"`
	Transactions []*tx.Transaction `json:"transactions"`
}

// NewBlock creates a new block with the given header and transactions.
func NewBlock(header *Header, txs []*tx.Transaction) *Block {
	return &Block{
		Header:       header,
		Transactions: txs,
	}
}

// Hash returns the block header hash.
func (b *Block) Hash() types.Hash {
	if b.Header == nil {
		return types.Hash{}
	}
	return b.Header.Hash()
}

// Height returns the header height, or -1 without a header.
func (b *Block) Height() int64 {
	if b.Header == nil {
		return -1
	}
	return b.Header.Height
}

// TxHashes returns the transaction IDs in block order.
func (b *Block) TxHashes() []types.Hash {
	hashes := make([]types.Hash, len(b.Transactions))
	for i, t := range b.Transactions {
		hashes[i] = t.Hash()
	}
	return hashes
}

// PayloadSize returns the encoded size of the transactions, the value a
// well-formed header declares as BlockSize.
func (b *Block) PayloadSize() int {
	n := 0
	for _, t := range b.Transactions {
		n += t.Size()
	}
	return n
}

// Finalize fills NumTxs, BlockSize and MerkleRoot from the transactions.
// It must run before the header is signed.
func (b *Block) Finalize() {
	b.Header.NumTxs = uint32(len(b.Transactions))
	b.Header.BlockSize = uint32(b.PayloadSize())
	b.Header.MerkleRoot = TxMerkleRoot(b.Transactions)
}

// Size implements wire.Serializable.
func (b *Block) Size() int {
	n := wire.LengthPrefixSize + b.PayloadSize()
	if b.Header != nil {
		n += b.Header.Size()
	}
	return n
}

// Serialize implements wire.Serializable.
func (b *Block) Serialize(w *wire.Writer) {
	if b.Header == nil {
		w.SetErr(ErrNilHeader)
		return
	}
	b.Header.Serialize(w)
	w.WriteCount(len(b.Transactions))
	for _, t := range b.Transactions {
		t.Serialize(w)
	}
}

// Deserialize implements wire.Serializable.
func (b *Block) Deserialize(r *wire.Reader) {
	b.Header = new(Header)
	b.Header.Deserialize(r)
	n := r.ReadCount(tx.MinSize)
	if n > config.MaxBlockTxs {
		r.SetErr(fmt.Errorf("%w: %d txs, max %d", ErrTooManyTxs, n, config.MaxBlockTxs))
		return
	}
	b.Transactions = make([]*tx.Transaction, n)
	for i := range b.Transactions {
		t := new(tx.Transaction)
		t.Deserialize(r)
		b.Transactions[i] = t
	}
}

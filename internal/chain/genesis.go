package chain

import (
	"fmt"
	"time"

	"github.com/Klingon-tech/peerbloom/config"
	"github.com/Klingon-tech/peerbloom/pkg/block"
	"github.com/Klingon-tech/peerbloom/pkg/tx"
	"github.com/Klingon-tech/peerbloom/pkg/types"
)

// CreateGenesisBlock builds the genesis block from the genesis configuration.
// The genesis block has height 0, a zero previous hash and a single
// coinbase carrying the extra data as its script. It is not signed: every
// node derives the same block from the same configuration.
func CreateGenesisBlock(gen *config.Genesis) (*block.Block, error) {
	if gen == nil {
		return nil, fmt.Errorf("genesis config is nil")
	}
	if gen.Timestamp == 0 {
		return nil, fmt.Errorf("genesis timestamp is zero")
	}

	script := []byte(gen.ExtraData)
	if len(script) == 0 {
		script = []byte(gen.ChainID)
	}
	coinbase := tx.NewCoinbase(0, gen.BlockReward, script)

	header := &block.Header{
		Height:    0,
		PrevBlock: types.Hash{}, // Zero for genesis.
		Timestamp: block.TimeToTicks(time.Unix(int64(gen.Timestamp), 0)),
	}
	blk := block.NewBlock(header, []*tx.Transaction{coinbase})
	blk.Finalize()
	return blk, nil
}

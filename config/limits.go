package config

// Block and transaction size limits (consensus-critical).
const (
	MaxBlockSize  = 2_000_000 // 2 MB max encoded transaction payload per block
	MaxBlockTxs   = 500       // Max transactions per block (including coinbase)
	MaxTxInputs   = 2500      // Max inputs per transaction
	MaxTxOutputs  = 2500      // Max outputs per transaction
	MaxScriptData = 65_536    // 64 KB max script data per output
)

// Protocol message limits.
const (
	// MaxHeadersPerPacket caps a Headers response and a GetHeaders count.
	MaxHeadersPerPacket = 2000
	// MaxBlocksPerPacket caps a Blocks response and a GetBlocks request.
	MaxBlocksPerPacket = 128
	// MaxInventoryPerPacket caps Inventory, GetTxs, Pool and NotFound lists.
	MaxInventoryPerPacket = 50_000
	// MaxPeersPerPacket caps RequestPeersResp and FindNodeResp lists.
	MaxPeersPerPacket = 1000
)

package packet

import (
	"fmt"

	"github.com/Klingon-tech/peerbloom/pkg/wire"
)

// Body is a decoded packet payload. The set of bodies is closed: only
// types in this package implement it, and newBody is the single place
// that maps a command to its body type.
type Body interface {
	wire.Serializable
	// Command returns the tag this body travels under.
	Command() Command
	body()
}

// newBody returns an empty body for cmd, ready for Deserialize.
func newBody(cmd Command) (Body, error) {
	switch cmd {
	case CmdVersion:
		return new(Version), nil
	case CmdVerAck:
		return new(VerAck), nil
	case CmdFindNode:
		return new(FindNode), nil
	case CmdFindNodeResp:
		return new(FindNodeResp), nil
	case CmdRequestPeers:
		return new(RequestPeers), nil
	case CmdRequestPeersResp:
		return new(RequestPeersResp), nil
	case CmdNetPing:
		return new(NetPing), nil
	case CmdNetPong:
		return new(NetPong), nil
	case CmdDisconnect:
		return new(Disconnect), nil
	case CmdInventory:
		return new(Inventory), nil
	case CmdGetBlocks:
		return new(GetBlocks), nil
	case CmdGetHeaders:
		return new(GetHeaders), nil
	case CmdGetTxs:
		return new(GetTxs), nil
	case CmdGetPool:
		return new(GetPool), nil
	case CmdHeaders:
		return new(Headers), nil
	case CmdBlocks:
		return new(Blocks), nil
	case CmdTxs:
		return new(Txs), nil
	case CmdPool:
		return new(Pool), nil
	case CmdNotFound:
		return new(NotFound), nil
	case CmdReject:
		return new(Reject), nil
	case CmdAlert:
		return new(Alert), nil
	case CmdSendBlock:
		return new(SendBlock), nil
	case CmdSendTx:
		return new(SendTx), nil
	case CmdIndirectPing:
		return new(IndirectPing), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
}

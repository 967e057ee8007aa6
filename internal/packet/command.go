package packet

import "fmt"

// Command is the one-byte message tag carried in every packet header.
type Command uint8

// Commands. The numeric values are part of the wire format.
const (
	CmdNone Command = iota
	CmdVersion
	CmdVerAck
	CmdFindNode
	CmdFindNodeResp
	CmdRequestPeers
	CmdRequestPeersResp
	CmdNetPing
	CmdNetPong
	CmdDisconnect
	CmdInventory
	CmdGetBlocks
	CmdGetHeaders
	CmdGetTxs
	CmdGetPool
	CmdHeaders
	CmdBlocks
	CmdTxs
	CmdPool
	CmdNotFound
	CmdReject
	CmdAlert
	CmdSendBlock
	CmdSendTx
	CmdIndirectPing

	numCommands
)

var commandNames = [numCommands]string{
	CmdNone:             "none",
	CmdVersion:          "version",
	CmdVerAck:           "verack",
	CmdFindNode:         "findnode",
	CmdFindNodeResp:     "findnode_resp",
	CmdRequestPeers:     "request_peers",
	CmdRequestPeersResp: "request_peers_resp",
	CmdNetPing:          "ping",
	CmdNetPong:          "pong",
	CmdDisconnect:       "disconnect",
	CmdInventory:        "inventory",
	CmdGetBlocks:        "getblocks",
	CmdGetHeaders:       "getheaders",
	CmdGetTxs:           "gettxs",
	CmdGetPool:          "getpool",
	CmdHeaders:          "headers",
	CmdBlocks:           "blocks",
	CmdTxs:              "txs",
	CmdPool:             "pool",
	CmdNotFound:         "notfound",
	CmdReject:           "reject",
	CmdAlert:            "alert",
	CmdSendBlock:        "sendblock",
	CmdSendTx:           "sendtx",
	CmdIndirectPing:     "indirect_ping",
}

// String returns the command name, used as a log field and metric label.
func (c Command) String() string {
	if c < numCommands {
		return commandNames[c]
	}
	return fmt.Sprintf("unknown(%d)", uint8(c))
}

// IsValid reports whether c names a message body. CmdNone is not valid.
func (c Command) IsValid() bool {
	return c > CmdNone && c < numCommands
}

// Commands returns every valid command in wire order.
func Commands() []Command {
	out := make([]Command, 0, numCommands-1)
	for c := CmdNone + 1; c < numCommands; c++ {
		out = append(out, c)
	}
	return out
}

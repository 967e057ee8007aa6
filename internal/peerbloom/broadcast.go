package peerbloom

import (
	"math/rand/v2"

	"github.com/Klingon-tech/peerbloom/internal/packet"
	"github.com/Klingon-tech/peerbloom/pkg/block"
	"github.com/Klingon-tech/peerbloom/pkg/tx"
)

// BroadcastBlock pushes a locally produced block to Fanout random peers
// and returns how many were reached.
func (n *Node) BroadcastBlock(b *block.Block) int {
	n.markSeen(b.Hash())
	return n.fanout(&packet.SendBlock{Block: b}, nil)
}

// BroadcastTx pushes a transaction to Fanout random peers.
func (n *Node) BroadcastTx(t *tx.Transaction) int {
	n.markSeen(t.Hash())
	return n.fanout(&packet.SendTx{Tx: t}, nil)
}

// fanout sends body to up to Fanout random established peers other than
// except.
func (n *Node) fanout(body packet.Body, except *Peer) int {
	peers := n.Peers()
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })

	sent := 0
	for _, p := range peers {
		if sent == n.config.Fanout {
			break
		}
		if p == except {
			continue
		}
		if err := p.Send(body); err != nil {
			p.logger.Debug().Err(err).Str("cmd", body.Command().String()).Msg("Fanout send failed")
			continue
		}
		sent++
	}
	return sent
}

package syncer

import (
	"github.com/Klingon-tech/peerbloom/internal/packet"
	"github.com/Klingon-tech/peerbloom/internal/peerbloom"
)

type nodeNetwork struct {
	node *peerbloom.Node
}

// FromNode adapts a peerbloom node to the Network the syncer needs.
func FromNode(n *peerbloom.Node) Network {
	return nodeNetwork{node: n}
}

func (w nodeNetwork) BestPeer() Peer {
	if p := w.node.BestPeer(); p != nil {
		return p
	}
	return nil
}

func (w nodeNetwork) Notify() <-chan struct{} {
	return w.node.Notify()
}

// Attach routes the node's NotFound answers to s.
func Attach(s *Syncer, node *peerbloom.Node) {
	node.SetNotFoundHandler(func(_ *peerbloom.Peer, items []packet.InvVect) {
		s.NotFound(items)
	})
}

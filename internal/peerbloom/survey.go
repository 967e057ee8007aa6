package peerbloom

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/peerbloom/pkg/wire"
)

// Survey handshakes with every endpoint concurrently, bounded by
// MaxConnecting. Each completed handshake records the peer's Version in
// the message cache and the connection stays up as an outbound peer.
// Survey returns the number of peers reached and the best height known to
// the cache afterwards.
func (n *Node) Survey(ctx context.Context, eps []wire.Endpoint) (int, int64, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.config.MaxConnecting)

	var reached atomic.Int32
	for _, ep := range eps {
		g.Go(func() error {
			if _, err := n.Dial(gctx, ep, Outbound); err != nil {
				n.logger.Debug().Err(err).Str("endpoint", ep.String()).Msg("Survey dial failed")
				return nil
			}
			reached.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(reached.Load()), n.cache.BestHeight(), ctx.Err()
}

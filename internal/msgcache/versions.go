package msgcache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/Klingon-tech/peerbloom/internal/packet"
	"github.com/Klingon-tech/peerbloom/pkg/wire"
)

const (
	versionTTL     = 30 * time.Minute
	versionCleanup = 5 * time.Minute
)

// SetVersion records the Version last received from ep.
func (c *Cache) SetVersion(ep wire.Endpoint, v packet.Version) {
	c.versions.Set(ep.String(), v, gocache.DefaultExpiration)
	c.badVersions.Delete(ep.String())
}

// SetBadVersion records a Version from ep that this node refused, for
// example one below the minimum protocol version.
func (c *Cache) SetBadVersion(ep wire.Endpoint, v packet.Version) {
	c.badVersions.Set(ep.String(), v, gocache.DefaultExpiration)
	c.versions.Delete(ep.String())
}

// Version returns the last accepted Version from ep.
func (c *Cache) Version(ep wire.Endpoint) (packet.Version, bool) {
	v, ok := c.versions.Get(ep.String())
	if !ok {
		return packet.Version{}, false
	}
	return v.(packet.Version), true
}

// Versions returns a snapshot of accepted versions keyed by endpoint string.
func (c *Cache) Versions() map[string]packet.Version {
	return snapshotVersions(c.versions)
}

// BadVersions returns a snapshot of refused versions keyed by endpoint string.
func (c *Cache) BadVersions() map[string]packet.Version {
	return snapshotVersions(c.badVersions)
}

// BestHeight returns the highest chain height advertised by an accepted
// peer, or -1 when none is known.
func (c *Cache) BestHeight() int64 {
	best := int64(-1)
	for _, v := range c.Versions() {
		if v.Height > best {
			best = v.Height
		}
	}
	return best
}

func snapshotVersions(src *gocache.Cache) map[string]packet.Version {
	items := src.Items()
	out := make(map[string]packet.Version, len(items))
	for k, item := range items {
		if v, ok := item.Object.(packet.Version); ok {
			out[k] = v
		}
	}
	return out
}

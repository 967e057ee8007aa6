package peerbloom

import (
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/Klingon-tech/peerbloom/internal/packet"
	"github.com/Klingon-tech/peerbloom/pkg/types"
	"github.com/Klingon-tech/peerbloom/pkg/wire"
)

// DefaultTableSize bounds the number of nodes the table remembers.
const DefaultTableSize = 1024

type tableEntry struct {
	endpoint wire.Endpoint
	lastSeen time.Time
}

// Table maps node IDs to endpoints and answers closest-node queries by XOR
// distance.
type Table struct {
	mu      sync.RWMutex
	self    types.NodeID
	max     int
	entries map[types.NodeID]tableEntry
}

// NewTable creates an empty table for the node self.
func NewTable(self types.NodeID, max int) *Table {
	if max <= 0 {
		max = DefaultTableSize
	}
	return &Table{
		self:    self,
		max:     max,
		entries: make(map[types.NodeID]tableEntry),
	}
}

// Add records or refreshes a node. Our own ID and invalid endpoints are
// ignored. When the table is full the entry farthest from self is
// replaced if the new node is closer. Add reports whether the node is in
// the table afterwards.
func (t *Table) Add(id types.NodeID, ep wire.Endpoint) bool {
	if id == t.self || id.IsZero() || !ep.IsValid() || ep.Port == 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[id]; ok || len(t.entries) < t.max {
		t.entries[id] = tableEntry{endpoint: ep, lastSeen: time.Now()}
		return true
	}

	var far types.NodeID
	first := true
	for other := range t.entries {
		if first || t.self.Closer(far, other) {
			far = other
			first = false
		}
	}
	if !t.self.Closer(id, far) {
		return false
	}
	delete(t.entries, far)
	t.entries[id] = tableEntry{endpoint: ep, lastSeen: time.Now()}
	return true
}

// Remove deletes a node.
func (t *Table) Remove(id types.NodeID) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// Lookup returns the endpoint recorded for id.
func (t *Table) Lookup(id types.NodeID) (wire.Endpoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	return e.endpoint, ok
}

// Len returns the number of nodes in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Closest returns up to n nodes ordered by XOR distance to target.
func (t *Table) Closest(target types.NodeID, n int) []packet.RemoteNode {
	t.mu.RLock()
	out := make([]packet.RemoteNode, 0, len(t.entries))
	for id, e := range t.entries {
		out = append(out, packet.RemoteNode{ID: id, Endpoint: e.endpoint})
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return target.Closer(out[i].ID, out[j].ID)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// RandomEndpoints returns up to n endpoints in random order.
func (t *Table) RandomEndpoints(n int) []wire.Endpoint {
	t.mu.RLock()
	out := make([]wire.Endpoint, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.endpoint)
	}
	t.mu.RUnlock()

	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

package peerbloom

import (
	"errors"
	"time"

	"github.com/Klingon-tech/peerbloom/internal/storage"
	"github.com/Klingon-tech/peerbloom/pkg/wire"
)

const (
	staleThreshold    = 24 * time.Hour
	persistInterval   = 5 * time.Minute
	maxPersistedPeers = 500
)

// Where a peer endpoint was first learned.
const (
	SourceSeed     = "seed"
	SourceDNS      = "dns"
	SourceInbound  = "inbound"
	SourceFindNode = "findnode"
	SourcePeers    = "peers"
)

// PeerRecord is a peer that completed a handshake with us.
type PeerRecord struct {
	Endpoint string `json:"endpoint"`     // listen endpoint, ip:port
	ID       string `json:"id,omitempty"` // hex node ID
	LastSeen int64  `json:"last_seen"`
	Source   string `json:"source"`
}

// PeerStore keeps peer records under "peer/<endpoint>" so a restarted node
// can reconnect without seeds.
type PeerStore struct {
	recs records[PeerRecord]
}

func NewPeerStore(db storage.DB) *PeerStore {
	return &PeerStore{recs: records[PeerRecord]{db: db, prefix: "peer/"}}
}

// Save writes rec. New endpoints are dropped once the store holds
// maxPersistedPeers records; known ones are always refreshed. An empty
// Source keeps the source already on record.
func (ps *PeerStore) Save(rec PeerRecord) error {
	known, err := ps.recs.get(rec.Endpoint)
	switch {
	case err == nil:
		if rec.Source == "" {
			rec.Source = known.Source
		}
	case errors.Is(err, storage.ErrNotFound):
		if n, err := ps.recs.count(); err != nil {
			return err
		} else if n >= maxPersistedPeers {
			return nil
		}
	default:
		// Unreadable record; overwrite it.
	}
	if rec.Source == "" {
		rec.Source = SourcePeers
	}
	return ps.recs.put(rec.Endpoint, &rec)
}

func (ps *PeerStore) Load(ep wire.Endpoint) (*PeerRecord, error) {
	return ps.recs.get(ep.String())
}

func (ps *PeerStore) LoadAll() ([]PeerRecord, error) {
	var out []PeerRecord
	err := ps.recs.each(func(r *PeerRecord) error {
		out = append(out, *r)
		return nil
	})
	return out, err
}

// Endpoints returns every stored endpoint that still parses.
func (ps *PeerStore) Endpoints() ([]wire.Endpoint, error) {
	var out []wire.Endpoint
	err := ps.recs.each(func(r *PeerRecord) error {
		if ep, err := wire.ParseEndpoint(r.Endpoint); err == nil {
			out = append(out, ep)
		}
		return nil
	})
	return out, err
}

func (ps *PeerStore) Delete(ep wire.Endpoint) error {
	return ps.recs.delete(ep.String())
}

// PruneStale drops records not seen within threshold.
func (ps *PeerStore) PruneStale(threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold).Unix()
	return ps.recs.deleteWhere(func(r *PeerRecord) bool { return r.LastSeen < cutoff })
}

func (ps *PeerStore) Count() (int, error) {
	return ps.recs.count()
}

package peerbloom

import (
	"fmt"
	"testing"
	"time"

	"github.com/Klingon-tech/peerbloom/internal/storage"
	"github.com/Klingon-tech/peerbloom/pkg/wire"
)

func newTestPeerStore() *PeerStore {
	return NewPeerStore(storage.NewMemory())
}

func TestPeerStore_SaveLoad(t *testing.T) {
	ps := newTestPeerStore()
	ep, _ := wire.ParseEndpoint("192.168.1.1:30303")

	rec := PeerRecord{
		Endpoint: ep.String(),
		ID:       "ab",
		LastSeen: time.Now().Unix(),
		Source:   SourceSeed,
	}
	if err := ps.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := ps.Load(ep)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *loaded != rec {
		t.Errorf("Load() = %+v, want %+v", loaded, rec)
	}

	eps, err := ps.Endpoints()
	if err != nil {
		t.Fatalf("Endpoints: %v", err)
	}
	if len(eps) != 1 || eps[0] != ep {
		t.Errorf("Endpoints() = %v, want [%s]", eps, ep)
	}

	if err := ps.Delete(ep); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n, _ := ps.Count(); n != 0 {
		t.Errorf("Count() after Delete = %d", n)
	}
}

func TestPeerStore_PruneStale(t *testing.T) {
	ps := newTestPeerStore()
	now := time.Now()
	ps.Save(PeerRecord{Endpoint: "10.0.0.1:1", LastSeen: now.Unix()})
	ps.Save(PeerRecord{Endpoint: "10.0.0.2:1", LastSeen: now.Add(-48 * time.Hour).Unix()})

	n, err := ps.PruneStale(staleThreshold)
	if err != nil {
		t.Fatalf("PruneStale: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	all, _ := ps.LoadAll()
	if len(all) != 1 || all[0].Endpoint != "10.0.0.1:1" {
		t.Errorf("remaining = %+v", all)
	}
}

func TestPeerStore_Capacity(t *testing.T) {
	ps := newTestPeerStore()
	for i := 0; i < maxPersistedPeers+10; i++ {
		ep := fmt.Sprintf("10.%d.%d.1:30303", i/256, i%256)
		if err := ps.Save(PeerRecord{Endpoint: ep, LastSeen: time.Now().Unix()}); err != nil {
			t.Fatalf("Save(%s): %v", ep, err)
		}
	}
	if n, _ := ps.Count(); n != maxPersistedPeers {
		t.Errorf("Count() = %d, want %d", n, maxPersistedPeers)
	}

	// Updating an existing record still works at capacity.
	first := "10.0.0.1:30303"
	if err := ps.Save(PeerRecord{Endpoint: first, Source: SourceDNS}); err != nil {
		t.Fatalf("update: %v", err)
	}
	ep, _ := wire.ParseEndpoint(first)
	rec, err := ps.Load(ep)
	if err != nil || rec.Source != SourceDNS {
		t.Errorf("update at capacity lost: %+v, %v", rec, err)
	}
}

func TestPeerStore_SourceKeptOnRefresh(t *testing.T) {
	ps := newTestPeerStore()
	ep, _ := wire.ParseEndpoint("10.1.1.1:30303")

	ps.Save(PeerRecord{Endpoint: ep.String(), Source: SourceDNS, LastSeen: 1})
	ps.Save(PeerRecord{Endpoint: ep.String(), LastSeen: 2})
	rec, err := ps.Load(ep)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.Source != SourceDNS || rec.LastSeen != 2 {
		t.Errorf("refreshed record = %+v", rec)
	}

	fresh, _ := wire.ParseEndpoint("10.1.1.2:30303")
	ps.Save(PeerRecord{Endpoint: fresh.String()})
	if rec, _ := ps.Load(fresh); rec == nil || rec.Source != SourcePeers {
		t.Errorf("unsourced new record = %+v", rec)
	}
}

func TestPeerStore_CorruptRecords(t *testing.T) {
	db := storage.NewMemory()
	ps := NewPeerStore(db)
	db.Put([]byte("peer/garbage"), []byte("{not json"))
	ps.Save(PeerRecord{Endpoint: "10.0.0.1:1", LastSeen: time.Now().Unix()})

	all, err := ps.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("LoadAll returned %d records, want 1", len(all))
	}

	n, err := ps.PruneStale(staleThreshold)
	if err != nil || n != 1 {
		t.Errorf("PruneStale = %d, %v; want the corrupt record removed", n, err)
	}
	if ok, _ := db.Has([]byte("peer/garbage")); ok {
		t.Error("corrupt record survived prune")
	}
}

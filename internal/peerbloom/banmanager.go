package peerbloom

import (
	"net/netip"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/peerbloom/internal/log"
)

const (
	BanThreshold = 100
	BanDuration  = 24 * time.Hour

	// scoreDecay is how long an address must stay clean for its offense
	// score to be forgotten.
	scoreDecay = time.Hour
)

// Offense penalties.
const (
	PenaltyFraming      = 50  // checksum mismatch or wrong network
	PenaltyMalformed    = 50  // unknown command or undecodable body
	PenaltyBadSignature = 20  // header or block with an invalid signature
	PenaltyBadVersion   = 100 // protocol version below the minimum
)

// BanManager scores misbehaving remote addresses and bans them once the
// score reaches BanThreshold. Scores and bans are keyed by the unmapped IP.
type BanManager struct {
	mu     sync.Mutex // serializes score updates
	scores *gocache.Cache
	bans   *gocache.Cache // expires with the ban itself
	store  *BanStore      // nil disables persistence
	onBan  func(netip.Addr)
	logger zerolog.Logger
}

// NewBanManager returns a ban manager. onBan, if set, runs in its own
// goroutine for every new ban.
func NewBanManager(store *BanStore, onBan func(netip.Addr)) *BanManager {
	return &BanManager{
		scores: gocache.New(scoreDecay, scoreDecay/2),
		bans:   gocache.New(BanDuration, 10*time.Minute),
		store:  store,
		onBan:  onBan,
		logger: klog.WithComponent("banmgr"),
	}
}

func banKey(addr netip.Addr) string {
	return addr.Unmap().String()
}

// LoadBans restores unexpired bans from the store.
func (bm *BanManager) LoadBans() {
	if bm.store == nil {
		return
	}
	bm.store.PruneExpired()
	bm.store.ForEach(func(rec *BanRecord) error {
		addr, err := netip.ParseAddr(rec.Addr)
		if err != nil || rec.IsExpired() {
			return nil
		}
		ttl := gocache.NoExpiration
		if rec.ExpiresAt > 0 {
			ttl = time.Until(time.Unix(rec.ExpiresAt, 0))
		}
		bm.bans.Set(banKey(addr), rec, ttl)
		return nil
	})
}

// RecordOffense adds penalty to addr's score and reports whether addr is
// banned afterwards.
func (bm *BanManager) RecordOffense(addr netip.Addr, penalty int, reason string) bool {
	if !addr.IsValid() {
		return false
	}
	key := banKey(addr)

	bm.mu.Lock()
	if _, banned := bm.bans.Get(key); banned {
		bm.mu.Unlock()
		return true
	}
	score := bm.Score(addr) + penalty
	if score < BanThreshold {
		bm.scores.Set(key, score, gocache.DefaultExpiration)
		bm.mu.Unlock()
		return false
	}
	now := time.Now()
	rec := &BanRecord{
		Addr:      key,
		Reason:    reason,
		Score:     score,
		BannedAt:  now.Unix(),
		ExpiresAt: now.Add(BanDuration).Unix(),
	}
	bm.bans.Set(key, rec, BanDuration)
	bm.scores.Delete(key)
	bm.mu.Unlock()

	if bm.store != nil {
		if err := bm.store.Put(rec); err != nil {
			bm.logger.Warn().Err(err).Str("addr", key).Msg("Failed to persist ban")
		}
	}
	bm.logger.Warn().Str("addr", key).Str("reason", reason).Int("score", score).Msg("Peer banned")

	if bm.onBan != nil {
		go bm.onBan(addr.Unmap())
	}
	return true
}

// Score is addr's current offense score.
func (bm *BanManager) Score(addr netip.Addr) int {
	if v, ok := bm.scores.Get(banKey(addr)); ok {
		return v.(int)
	}
	return 0
}

func (bm *BanManager) IsBanned(addr netip.Addr) bool {
	_, ok := bm.bans.Get(banKey(addr))
	return ok
}

// Unban lifts a ban and forgets the score.
func (bm *BanManager) Unban(addr netip.Addr) {
	key := banKey(addr)
	bm.bans.Delete(key)
	bm.scores.Delete(key)
	if bm.store != nil {
		bm.store.Delete(addr.Unmap())
	}
}

// ClearAll lifts every ban, persisted ones included.
func (bm *BanManager) ClearAll() {
	bm.bans.Flush()
	bm.scores.Flush()
	if bm.store != nil {
		bm.store.Clear()
	}
}

// BanList is a snapshot of the active bans.
func (bm *BanManager) BanList() []BanRecord {
	items := bm.bans.Items()
	list := make([]BanRecord, 0, len(items))
	for _, it := range items {
		list = append(list, *it.Object.(*BanRecord))
	}
	return list
}

// RunPruneLoop drops expired bans from the store until done is closed.
func (bm *BanManager) RunPruneLoop(done <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if bm.store != nil {
				bm.store.PruneExpired()
			}
		}
	}
}

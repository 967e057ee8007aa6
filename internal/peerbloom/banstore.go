package peerbloom

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/Klingon-tech/peerbloom/internal/storage"
)

// BanRecord is a persisted ban. ExpiresAt of zero means permanent.
type BanRecord struct {
	Addr      string `json:"addr"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// IsExpired reports whether a timed ban has run out.
func (r *BanRecord) IsExpired() bool {
	return r.ExpiresAt > 0 && time.Now().Unix() >= r.ExpiresAt
}

// BanStore keeps ban records under "ban/<ip>".
type BanStore struct {
	recs records[BanRecord]
}

func NewBanStore(db storage.DB) *BanStore {
	return &BanStore{recs: records[BanRecord]{db: db, prefix: "ban/"}}
}

func (bs *BanStore) Get(addr netip.Addr) (*BanRecord, error) {
	return bs.recs.get(addr.String())
}

func (bs *BanStore) Put(rec *BanRecord) error {
	if _, err := netip.ParseAddr(rec.Addr); err != nil {
		return fmt.Errorf("ban record address: %w", err)
	}
	return bs.recs.put(rec.Addr, rec)
}

func (bs *BanStore) Delete(addr netip.Addr) error {
	return bs.recs.delete(addr.String())
}

func (bs *BanStore) ForEach(fn func(*BanRecord) error) error {
	return bs.recs.each(fn)
}

// Clear removes every ban and returns how many there were.
func (bs *BanStore) Clear() (int, error) {
	return bs.recs.deleteWhere(func(*BanRecord) bool { return true })
}

// PruneExpired removes bans whose expiry has passed.
func (bs *BanStore) PruneExpired() (int, error) {
	return bs.recs.deleteWhere((*BanRecord).IsExpired)
}

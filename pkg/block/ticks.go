package block

import "time"

// Timestamps on the wire are ticks: 100ns intervals since
// 0001-01-01T00:00:00Z.
const (
	TicksPerSecond = 10_000_000
	// UnixEpochTicks is the tick count at 1970-01-01T00:00:00Z.
	UnixEpochTicks uint64 = 621_355_968_000_000_000
)

// TimeToTicks converts t to ticks. Times before the Unix epoch clamp to
// UnixEpochTicks.
func TimeToTicks(t time.Time) uint64 {
	ns := t.UnixNano()
	if ns < 0 {
		return UnixEpochTicks
	}
	return UnixEpochTicks + uint64(ns/100)
}

// TicksToTime converts ticks to a UTC time. Values before the Unix epoch
// clamp to the epoch.
func TicksToTime(ticks uint64) time.Time {
	if ticks < UnixEpochTicks {
		return time.Unix(0, 0).UTC()
	}
	d := ticks - UnixEpochTicks
	sec := d / TicksPerSecond
	nsec := (d % TicksPerSecond) * 100
	return time.Unix(int64(sec), int64(nsec)).UTC()
}

// NowTicks returns the current time in ticks.
func NowTicks() uint64 {
	return TimeToTicks(time.Now())
}

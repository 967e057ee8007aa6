package block

import (
	"testing"
	"time"
)

func TestTicks_UnixEpoch(t *testing.T) {
	if got := TimeToTicks(time.Unix(0, 0)); got != UnixEpochTicks {
		t.Errorf("TimeToTicks(epoch) = %d, want %d", got, UnixEpochTicks)
	}
	if got := TicksToTime(UnixEpochTicks); !got.Equal(time.Unix(0, 0)) {
		t.Errorf("TicksToTime(epoch) = %s", got)
	}
}

func TestTicks_RoundTrip(t *testing.T) {
	// Tick resolution is 100ns.
	in := time.Date(2025, 6, 1, 12, 30, 45, 123456700, time.UTC)
	out := TicksToTime(TimeToTicks(in))
	if !out.Equal(in) {
		t.Errorf("got %s, want %s", out, in)
	}
}

func TestTicks_OneSecond(t *testing.T) {
	a := TimeToTicks(time.Unix(100, 0))
	b := TimeToTicks(time.Unix(101, 0))
	if b-a != TicksPerSecond {
		t.Errorf("one second = %d ticks", b-a)
	}
}

func TestTicks_BeforeEpochClamps(t *testing.T) {
	if got := TimeToTicks(time.Unix(-10, 0)); got != UnixEpochTicks {
		t.Errorf("got %d", got)
	}
	if got := TicksToTime(5); !got.Equal(time.Unix(0, 0)) {
		t.Errorf("got %s", got)
	}
}

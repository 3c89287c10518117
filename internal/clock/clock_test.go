package clock_test

import (
	"testing"
	"time"

	"pkt.systems/slotd/internal/clock"
)

func TestRealNowIsCurrent(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestSecondsOfDay(t *testing.T) {
	t.Parallel()

	cases := []struct {
		at   time.Time
		want int64
	}{
		{time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 0},
		{time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC), 3600},
		{time.Date(2024, 3, 1, 23, 59, 59, 999, time.UTC), clock.SecondsPerDay - 1},
	}
	for _, tc := range cases {
		if got := clock.SecondsOfDay(tc.at); got != tc.want {
			t.Fatalf("SecondsOfDay(%v) = %d, want %d", tc.at, got, tc.want)
		}
	}
}

func TestElapsedSinceWrapsPastMidnight(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 2, 0, 0, 10, 0, time.UTC)
	if got := clock.ElapsedSince(now, 0); got != 10*time.Second {
		t.Fatalf("expected 10s, got %v", got)
	}
	if got := clock.ElapsedSince(now, clock.SecondsPerDay-5); got != 15*time.Second {
		t.Fatalf("expected 15s across midnight, got %v", got)
	}
}

func TestManualAdvanceAndSet(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	if got := m.Advance(90 * time.Second); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("unexpected advance result %v", got)
	}
	if got := m.Advance(-time.Hour); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("negative advance must be ignored, got %v", got)
	}
	m.Set(start)
	if !m.Now().Equal(start) {
		t.Fatalf("expected %v after Set, got %v", start, m.Now())
	}
}

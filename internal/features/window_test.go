package features

import (
	"testing"
	"time"

	"trapwatch/internal/domain"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func tickAt(sec int, mid float64) domain.Tick {
	return domain.Tick{Source: "bybit", Ticker: "ETH", Timestamp: t0.Add(time.Duration(sec) * time.Second), Mid: &mid}
}

func TestRollingWindowWindowIsInclusive(t *testing.T) {
	w := NewRollingWindow(10 * time.Minute)
	for i := 0; i <= 10; i++ {
		w.Add(tickAt(i*10, float64(100+i)))
	}

	got := w.Window(30 * time.Second)
	if len(got) != 4 {
		t.Fatalf("expected 4 ticks in last 30s, got %d", len(got))
	}
	if !got[0].Timestamp.Equal(t0.Add(70*time.Second)) || !got[3].Timestamp.Equal(t0.Add(100*time.Second)) {
		t.Fatalf("unexpected window bounds: %v .. %v", got[0].Timestamp, got[3].Timestamp)
	}
}

func TestRollingWindowEvictsOldTicks(t *testing.T) {
	w := NewRollingWindow(60 * time.Second)
	for i := 0; i < 200; i++ {
		w.Add(tickAt(i, 100))
	}
	// eviction runs at most every 10s, so up to 10s of extra ticks may remain
	if w.Len() > 72 {
		t.Fatalf("expected old ticks evicted, window holds %d", w.Len())
	}
	first := w.Window(time.Hour)[0]
	if first.Timestamp.Before(t0.Add(199*time.Second - 72*time.Second)) {
		t.Fatalf("stale tick survived eviction: %v", first.Timestamp)
	}
}

func TestRollingWindowMidAtOffset(t *testing.T) {
	w := NewRollingWindow(10 * time.Minute)
	w.Add(tickAt(0, 100))
	w.Add(tickAt(7, 101))
	w.Add(tickAt(20, 102))

	// target = 20-15 = 5s, closest is 7s (2s away)
	got, ok := w.MidAtOffset(15 * time.Second)
	if !ok || got != 101 {
		t.Fatalf("expected 101, got %v (ok=%v)", got, ok)
	}

	// target = 20-5 = 15s, closest is 20s itself (5s away) and 7s (8s away): both outside tolerance
	if _, ok := w.MidAtOffset(5 * time.Second); ok {
		t.Fatal("expected no match outside 3s tolerance")
	}
}

func TestRollingWindowMidsSkipMissing(t *testing.T) {
	w := NewRollingWindow(10 * time.Minute)
	w.Add(tickAt(0, 100))
	w.Add(domain.Tick{Timestamp: t0.Add(time.Second)})
	w.Add(tickAt(2, 101))

	mids := w.Mids(time.Minute)
	if len(mids) != 2 || mids[0] != 100 || mids[1] != 101 {
		t.Fatalf("unexpected mids: %v", mids)
	}
}

func TestRollingWindowWarmup(t *testing.T) {
	w := NewRollingWindow(60 * time.Second)
	var history []domain.Tick
	for i := 0; i < 120; i++ {
		history = append(history, tickAt(i, 100))
	}
	w.Warmup(history)

	if w.Len() != 61 {
		t.Fatalf("expected 61 ticks after warmup eviction, got %d", w.Len())
	}
	latest, ok := w.Latest()
	if !ok || !latest.Timestamp.Equal(t0.Add(119*time.Second)) {
		t.Fatalf("unexpected latest: %+v", latest)
	}
}

package features

import (
	"slices"
	"time"

	"trapwatch/internal/domain"
)

const (
	evictEvery      = 10 * time.Second
	offsetTolerance = 3 * time.Second
	offsetScanSlack = 5 * time.Second
)

// RollingWindow keeps the most recent ticks of one lane in timestamp order.
// Timestamps are assumed non-decreasing; out-of-order ticks are appended as
// they arrive. Not safe for concurrent use.
type RollingWindow struct {
	maxDuration time.Duration
	ticks       []domain.Tick
	lastEvict   time.Time
}

func NewRollingWindow(maxDuration time.Duration) *RollingWindow {
	return &RollingWindow{maxDuration: maxDuration}
}

// Add appends t and, at most once per 10s of tick time, drops ticks older than
// the window's max duration.
func (w *RollingWindow) Add(t domain.Tick) {
	w.ticks = append(w.ticks, t)
	if w.lastEvict.IsZero() || t.Timestamp.Sub(w.lastEvict) > evictEvery {
		w.evict(t.Timestamp)
		w.lastEvict = t.Timestamp
	}
}

// Warmup bulk-loads ordered history, then evicts relative to its last tick.
func (w *RollingWindow) Warmup(ticks []domain.Tick) {
	if len(ticks) == 0 {
		return
	}
	w.ticks = append(w.ticks, ticks...)
	last := ticks[len(ticks)-1].Timestamp
	w.evict(last)
	w.lastEvict = last
}

func (w *RollingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.maxDuration)
	i := 0
	for i < len(w.ticks) && w.ticks[i].Timestamp.Before(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(w.ticks, w.ticks[i:])
	clear(w.ticks[n:])
	w.ticks = w.ticks[:n]
}

func (w *RollingWindow) Len() int {
	return len(w.ticks)
}

func (w *RollingWindow) Latest() (domain.Tick, bool) {
	if len(w.ticks) == 0 {
		return domain.Tick{}, false
	}
	return w.ticks[len(w.ticks)-1], true
}

// start returns the index of the first tick within d of the latest tick.
func (w *RollingWindow) start(d time.Duration) int {
	if len(w.ticks) == 0 {
		return 0
	}
	cutoff := w.ticks[len(w.ticks)-1].Timestamp.Add(-d)
	i := len(w.ticks)
	for i > 0 && !w.ticks[i-1].Timestamp.Before(cutoff) {
		i--
	}
	return i
}

// Window returns the ticks with timestamp >= latest-d, oldest first.
func (w *RollingWindow) Window(d time.Duration) []domain.Tick {
	return slices.Clone(w.ticks[w.start(d):])
}

// Mids returns the non-nil mid prices of Window(d).
func (w *RollingWindow) Mids(d time.Duration) []float64 {
	ticks := w.ticks[w.start(d):]
	mids := make([]float64, 0, len(ticks))
	for _, t := range ticks {
		if t.Mid != nil {
			mids = append(mids, *t.Mid)
		}
	}
	return mids
}

// MidAtOffset returns the mid whose timestamp is closest to latest-d. Ticks
// arrive irregularly, so a match up to 3s away is accepted.
func (w *RollingWindow) MidAtOffset(d time.Duration) (float64, bool) {
	if len(w.ticks) == 0 {
		return 0, false
	}
	target := w.ticks[len(w.ticks)-1].Timestamp.Add(-d)
	floor := target.Add(-offsetScanSlack)

	var (
		best     float64
		bestDiff time.Duration = -1
	)
	for i := len(w.ticks) - 1; i >= 0; i-- {
		t := w.ticks[i]
		if t.Timestamp.Before(floor) {
			break
		}
		if t.Mid == nil {
			continue
		}
		diff := t.Timestamp.Sub(target)
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			best, bestDiff = *t.Mid, diff
		}
	}
	if bestDiff < 0 || bestDiff > offsetTolerance {
		return 0, false
	}
	return best, true
}

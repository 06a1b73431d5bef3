package trap

import (
	"fmt"
	"time"

	"trapwatch/internal/config"
	"trapwatch/internal/domain"

	"go.uber.org/zap"
)

const maxRSIHistory = 60

// BreakoutState tracks a range break waiting to be reclaimed. ExtremePrice
// only moves outward: up for UP breakouts, down for DOWN breakouts.
type BreakoutState struct {
	Direction     domain.BreakoutDirection
	BreakoutTime  time.Time
	BreakoutPrice float64
	ExtremePrice  float64
	RangeHigh     float64
	RangeLow      float64
}

func (s *BreakoutState) updateExtreme(price float64) {
	if s.Direction == domain.BreakoutUp {
		s.ExtremePrice = max(s.ExtremePrice, price)
	} else {
		s.ExtremePrice = min(s.ExtremePrice, price)
	}
}

type rsiPoint struct {
	ts  time.Time
	rsi float64
}

// Detector is the fake-breakout/reclaim state machine for a single lane. It is
// either idle or holds exactly one BreakoutState. Not safe for concurrent use.
type Detector struct {
	rangeWindowMin       int
	breakoutThresholdBps float64
	reclaimTimeout       time.Duration
	slBufferBps          float64
	rrRatio              float64

	state      *BreakoutState
	rsiHistory []rsiPoint

	now    func() time.Time
	logger *zap.Logger
}

func NewDetector(strategy config.Strategy, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		rangeWindowMin:       strategy.RangeWindowMin,
		breakoutThresholdBps: strategy.BreakoutThresholdBps,
		reclaimTimeout:       time.Duration(strategy.ReclaimTimeoutSec) * time.Second,
		slBufferBps:          strategy.SLBufferBps,
		rrRatio:              strategy.RRRatio,
		now:                  func() time.Time { return time.Now().UTC() },
		logger:               logger,
	}
}

// Detect advances the state machine with f and returns a candidate when a
// breakout is reclaimed. Features without a range are ignored.
func (d *Detector) Detect(f *domain.Feature) *domain.SignalCandidate {
	if f == nil || f.RangeHigh20m == nil || f.RangeLow20m == nil {
		return nil
	}
	ts := f.Timestamp
	if ts.IsZero() {
		ts = d.now()
	}
	if f.RSI14 != nil {
		d.recordRSI(ts, *f.RSI14)
	}

	mid := f.Mid
	if d.state != nil {
		return d.checkReclaim(mid, ts, f)
	}

	threshold := mid * d.breakoutThresholdBps / 10000
	rangeHigh, rangeLow := *f.RangeHigh20m, *f.RangeLow20m
	switch {
	case mid > rangeHigh+threshold:
		d.startBreakout(domain.BreakoutUp, ts, mid, rangeHigh, rangeLow)
	case mid < rangeLow-threshold:
		d.startBreakout(domain.BreakoutDown, ts, mid, rangeHigh, rangeLow)
	}
	return nil
}

func (d *Detector) startBreakout(dir domain.BreakoutDirection, ts time.Time, mid, rangeHigh, rangeLow float64) {
	d.state = &BreakoutState{
		Direction:     dir,
		BreakoutTime:  ts,
		BreakoutPrice: mid,
		ExtremePrice:  mid,
		RangeHigh:     rangeHigh,
		RangeLow:      rangeLow,
	}
	d.logger.Info("breakout detected",
		zap.String("direction", string(dir)),
		zap.Float64("mid", mid),
		zap.Float64("range_high", rangeHigh),
		zap.Float64("range_low", rangeLow),
	)
}

func (d *Detector) checkReclaim(mid float64, ts time.Time, f *domain.Feature) *domain.SignalCandidate {
	state := d.state
	state.updateExtreme(mid)

	if elapsed := ts.Sub(state.BreakoutTime); elapsed > d.reclaimTimeout {
		d.logger.Debug("breakout timed out without reclaim", zap.Duration("elapsed", elapsed))
		d.state = nil
		return nil
	}

	switch {
	case state.Direction == domain.BreakoutUp && mid < state.RangeHigh:
		d.state = nil
		return d.candidate(domain.SideShort, mid, state, f)
	case state.Direction == domain.BreakoutDown && mid > state.RangeLow:
		d.state = nil
		return d.candidate(domain.SideLong, mid, state, f)
	}
	return nil
}

func (d *Detector) candidate(side domain.Side, entry float64, state *BreakoutState, f *domain.Feature) *domain.SignalCandidate {
	slBuffer := entry * d.slBufferBps / 10000

	var sl, tp float64
	var rationale string
	if side == domain.SideShort {
		sl = state.ExtremePrice + slBuffer
		tp = entry - (sl-entry)*d.rrRatio
		rationale = fmt.Sprintf("fake breakout reclaim: broke %dm high %.2f, reclaimed at %.2f",
			d.rangeWindowMin, state.RangeHigh, entry)
	} else {
		sl = state.ExtremePrice - slBuffer
		tp = entry + (entry-sl)*d.rrRatio
		rationale = fmt.Sprintf("fake breakout reclaim: broke %dm low %.2f, reclaimed at %.2f",
			d.rangeWindowMin, state.RangeLow, entry)
	}
	if f.RSI14 != nil {
		rationale += fmt.Sprintf(", RSI=%.1f", *f.RSI14)
	}

	c := &domain.SignalCandidate{
		Side:          side,
		EntryPrice:    entry,
		TPPrice:       tp,
		SLPrice:       sl,
		BreakoutPrice: state.ExtremePrice,
		ReclaimPrice:  entry,
		RangeHigh:     state.RangeHigh,
		RangeLow:      state.RangeLow,
		Confidence:    confidence(side, f),
		Rationale:     rationale,
	}
	d.logger.Info("reclaim detected",
		zap.String("side", string(side)),
		zap.Float64("entry", entry),
		zap.Float64("tp", tp),
		zap.Float64("sl", sl),
	)
	return c
}

// confidence starts at 0.5 and adds weight when RSI or open-interest crowding
// agree with the side.
func confidence(side domain.Side, f *domain.Feature) float64 {
	c := 0.5
	if f.RSI14 != nil {
		rsi := *f.RSI14
		if (side == domain.SideShort && rsi > 70) || (side == domain.SideLong && rsi < 30) {
			c += 0.2
		}
	}
	if f.LongShortRatio != nil {
		ls := *f.LongShortRatio
		if (side == domain.SideShort && ls > 1.2) || (side == domain.SideLong && ls < 0.8) {
			c += 0.1
		}
	}
	return min(c, 1.0)
}

func (d *Detector) recordRSI(ts time.Time, rsi float64) {
	d.rsiHistory = append(d.rsiHistory, rsiPoint{ts: ts, rsi: rsi})
	if n := len(d.rsiHistory); n > maxRSIHistory {
		d.rsiHistory = append(d.rsiHistory[:0], d.rsiHistory[n-maxRSIHistory:]...)
	}
}

// RecentRSIExtreme returns the max and min RSI recorded within lookback of the
// newest RSI point.
func (d *Detector) RecentRSIExtreme(lookback time.Duration) (maxRSI, minRSI float64, ok bool) {
	if len(d.rsiHistory) == 0 {
		return 0, 0, false
	}
	cutoff := d.rsiHistory[len(d.rsiHistory)-1].ts.Add(-lookback)
	for _, p := range d.rsiHistory {
		if p.ts.Before(cutoff) {
			continue
		}
		if !ok {
			maxRSI, minRSI, ok = p.rsi, p.rsi, true
			continue
		}
		maxRSI = max(maxRSI, p.rsi)
		minRSI = min(minRSI, p.rsi)
	}
	return maxRSI, minRSI, ok
}

// Breakout returns a copy of the live breakout state, if any.
func (d *Detector) Breakout() (BreakoutState, bool) {
	if d.state == nil {
		return BreakoutState{}, false
	}
	return *d.state, true
}

func (d *Detector) HasActiveBreakout() bool {
	return d.state != nil
}

func (d *Detector) Reset() {
	d.state = nil
	d.rsiHistory = nil
}

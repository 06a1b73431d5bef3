package features

import (
	"context"
	"fmt"
	"time"

	"trapwatch/internal/config"
	"trapwatch/internal/domain"
	"trapwatch/internal/ta"
)

const (
	shortWindow = 60 * time.Second
	emaMaxSpan  = 30
	windowSlack = 2 * time.Minute

	// WarmupLookback is how much history a lane loads before going live.
	WarmupLookback = 25 * time.Minute
)

// FeatureStore persists computed features. The returned id is stamped on the
// feature before it is handed on.
type FeatureStore interface {
	InsertFeature(ctx context.Context, f *domain.Feature) (int64, error)
}

// Calculator turns a lane's ticks into Feature records.
type Calculator struct {
	lane        domain.Lane
	rangeWindow time.Duration
	rsiPeriod   int
	window      *RollingWindow
	store       FeatureStore
}

// NewCalculator builds a calculator for one lane. store may be nil, in which
// case features are computed but not persisted (replays).
func NewCalculator(lane domain.Lane, strategy config.Strategy, store FeatureStore) *Calculator {
	rangeWindow := time.Duration(strategy.RangeWindowMin) * time.Minute
	return &Calculator{
		lane:        lane,
		rangeWindow: rangeWindow,
		rsiPeriod:   strategy.RSIPeriod,
		window:      NewRollingWindow(rangeWindow + windowSlack),
		store:       store,
	}
}

func (c *Calculator) Warmup(ticks []domain.Tick) {
	c.window.Warmup(ticks)
}

func (c *Calculator) WindowSize() int {
	return c.window.Len()
}

// Compute adds tick to the window and derives a feature from it. It returns a
// nil feature when the tick has no mid. When persistence fails no feature is
// returned.
func (c *Calculator) Compute(ctx context.Context, tick domain.Tick) (*domain.Feature, error) {
	c.window.Add(tick)

	latest, ok := c.window.Latest()
	if !ok || latest.Mid == nil {
		return nil, nil
	}

	f := c.build(latest)
	if c.store == nil {
		return f, nil
	}
	id, err := c.store.InsertFeature(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("persist feature: %w", err)
	}
	f.ID = id
	return f, nil
}

func (c *Calculator) build(latest domain.Tick) *domain.Feature {
	mid := *latest.Mid
	f := &domain.Feature{
		Timestamp:     latest.Timestamp,
		Source:        c.lane.Source,
		Ticker:        c.lane.Ticker,
		Mid:           mid,
		SpreadBps:     latest.SpreadBps,
		ImpactBuyBps:  latest.ImpactBuyBps,
		ImpactSellBps: latest.ImpactSellBps,
		QuoteAgeMs:    latest.QuoteAgeMs,
	}

	f.Return5s = c.returnAt(mid, 5*time.Second)
	f.Return15s = c.returnAt(mid, 15*time.Second)
	f.Return60s = c.returnAt(mid, 60*time.Second)

	mids60 := c.window.Mids(shortWindow)
	if std, ok := ta.Std(mids60); ok {
		f.Std60s = &std
		if ema, ok := ta.EMA(mids60, min(len(mids60), emaMaxSpan)); ok && std > 0 {
			if z, ok := ta.ZScore(mid, ema, std); ok {
				f.ZScore = &z
			}
		}
	}

	midsRange := c.window.Mids(c.rangeWindow)
	if rsi, ok := ta.RSI(midsRange, c.rsiPeriod); ok {
		f.RSI14 = &rsi
	}

	// The range is taken over the ticks before this one so that a move beyond
	// it is observable.
	if prior := midsRange[:len(midsRange)-1]; len(prior) > 0 {
		hi, lo := prior[0], prior[0]
		for _, m := range prior[1:] {
			hi = max(hi, m)
			lo = min(lo, m)
		}
		f.RangeHigh20m = &hi
		f.RangeLow20m = &lo
	}

	if latest.LongOI != nil && latest.ShortOI != nil && *latest.ShortOI > 0 {
		ratio := *latest.LongOI / *latest.ShortOI
		f.LongShortRatio = &ratio
	}
	return f
}

func (c *Calculator) returnAt(mid float64, offset time.Duration) *float64 {
	prev, ok := c.window.MidAtOffset(offset)
	if !ok {
		return nil
	}
	r, ok := ta.Return(mid, prev)
	if !ok {
		return nil
	}
	return &r
}

package filter

import (
	"fmt"
	"time"

	"trapwatch/internal/config"
	"trapwatch/internal/domain"

	"go.uber.org/zap"
)

// Result is the verdict of a single filter. Reason is set on failure and,
// for fail-open filters, when a check was skipped.
type Result struct {
	Passed bool   `json:"passed"`
	Name   string `json:"name"`
	Reason string `json:"reason,omitempty"`
}

func (r Result) String() string {
	if r.Passed {
		return "pass " + r.Name
	}
	return fmt.Sprintf("fail %s: %s", r.Name, r.Reason)
}

// Filter gates a candidate against the feature it was detected on. The set of
// implementations is closed to this package.
type Filter interface {
	Name() string
	Check(c *domain.SignalCandidate, f *domain.Feature) Result
	filter()
}

func pass(name string) Result { return Result{Passed: true, Name: name} }

func fail(name, format string, args ...any) Result {
	return Result{Name: name, Reason: fmt.Sprintf(format, args...)}
}

// Spread rejects candidates when the quoted spread is missing or too wide.
type Spread struct {
	MaxBps float64
}

func (Spread) Name() string { return "SpreadFilter" }
func (Spread) filter()      {}

func (s Spread) Check(_ *domain.SignalCandidate, f *domain.Feature) Result {
	if f.SpreadBps == nil {
		return fail(s.Name(), "spread missing")
	}
	if *f.SpreadBps > s.MaxBps {
		return fail(s.Name(), "spread %.2f > %.2f bps", *f.SpreadBps, s.MaxBps)
	}
	return pass(s.Name())
}

// QuoteAge rejects candidates when the quote is missing or stale.
type QuoteAge struct {
	MaxMs int64
}

func (QuoteAge) Name() string { return "QuoteAgeFilter" }
func (QuoteAge) filter()      {}

func (q QuoteAge) Check(_ *domain.SignalCandidate, f *domain.Feature) Result {
	if f.QuoteAgeMs == nil {
		return fail(q.Name(), "quote age missing")
	}
	if *f.QuoteAgeMs > q.MaxMs {
		return fail(q.Name(), "quote age %dms > %dms", *f.QuoteAgeMs, q.MaxMs)
	}
	return pass(q.Name())
}

// Impact checks the buy-side impact for longs and the sell-side impact for
// shorts.
type Impact struct {
	MaxBps float64
}

func (Impact) Name() string { return "ImpactFilter" }
func (Impact) filter()      {}

func (i Impact) Check(c *domain.SignalCandidate, f *domain.Feature) Result {
	impact, side := f.ImpactSellBps, "sell"
	if c.Side == domain.SideLong {
		impact, side = f.ImpactBuyBps, "buy"
	}
	if impact == nil {
		return fail(i.Name(), "%s impact missing", side)
	}
	if *impact > i.MaxBps {
		return fail(i.Name(), "%s impact %.2f > %.2f bps", side, *impact, i.MaxBps)
	}
	return pass(i.Name())
}

// Volatility requires the 60s price std, relative to mid, inside [Min, Max].
// A missing std passes.
type Volatility struct {
	Min float64
	Max float64
}

func (Volatility) Name() string { return "VolatilityFilter" }
func (Volatility) filter()      {}

func (v Volatility) Check(_ *domain.SignalCandidate, f *domain.Feature) Result {
	if f.Std60s == nil || f.Mid <= 0 {
		return Result{Passed: true, Name: v.Name(), Reason: "volatility not available yet"}
	}
	vol := *f.Std60s / f.Mid
	if vol < v.Min {
		return fail(v.Name(), "volatility %.6f < %g", vol, v.Min)
	}
	if vol > v.Max {
		return fail(v.Name(), "volatility %.6f > %g", vol, v.Max)
	}
	return pass(v.Name())
}

// RSIHistory answers which RSI extremes were seen recently.
type RSIHistory interface {
	RecentRSIExtreme(lookback time.Duration) (maxRSI, minRSI float64, ok bool)
}

// RSIConfirm requires RSI to have visited the extreme zone on the side being
// faded and to have pulled back by Buffer since. Without a current RSI or any
// history the check passes.
type RSIConfirm struct {
	Overbought float64
	Oversold   float64
	Buffer     float64
	Lookback   time.Duration
	History    RSIHistory
}

func (RSIConfirm) Name() string { return "RSIFilter" }
func (RSIConfirm) filter()      {}

func (r RSIConfirm) Check(c *domain.SignalCandidate, f *domain.Feature) Result {
	if f.RSI14 == nil {
		return Result{Passed: true, Name: r.Name(), Reason: "rsi not available yet"}
	}
	if r.History == nil {
		return Result{Passed: true, Name: r.Name(), Reason: "no rsi history"}
	}
	maxRSI, minRSI, ok := r.History.RecentRSIExtreme(r.Lookback)
	if !ok {
		return Result{Passed: true, Name: r.Name(), Reason: "no rsi history"}
	}

	current := *f.RSI14
	if c.Side == domain.SideShort {
		if maxRSI < r.Overbought {
			return fail(r.Name(), "rsi never overbought: max %.1f < %.1f", maxRSI, r.Overbought)
		}
		if limit := r.Overbought - r.Buffer; current > limit {
			return fail(r.Name(), "rsi not retraced: %.1f > %.1f", current, limit)
		}
		return pass(r.Name())
	}
	if minRSI > r.Oversold {
		return fail(r.Name(), "rsi never oversold: min %.1f > %.1f", minRSI, r.Oversold)
	}
	if limit := r.Oversold + r.Buffer; current < limit {
		return fail(r.Name(), "rsi not recovered: %.1f < %.1f", current, limit)
	}
	return pass(r.Name())
}

// Chain runs every filter in order. All must pass.
type Chain struct {
	filters []Filter
	logger  *zap.Logger
}

func NewChain(logger *zap.Logger, filters ...Filter) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{filters: filters, logger: logger}
}

// DefaultChain builds the standard five filters from strategy. history is
// usually the lane's detector.
func DefaultChain(strategy config.Strategy, history RSIHistory, logger *zap.Logger) *Chain {
	return NewChain(logger,
		Spread{MaxBps: strategy.SpreadMaxBps},
		QuoteAge{MaxMs: strategy.QuoteAgeMaxMs},
		Impact{MaxBps: strategy.ImpactMaxBps},
		Volatility{Min: strategy.VolMin, Max: strategy.VolMax},
		RSIConfirm{
			Overbought: strategy.RSIOverbought,
			Oversold:   strategy.RSIOversold,
			Buffer:     strategy.RSIConfirmBuffer,
			Lookback:   time.Duration(strategy.RSILookbackSec) * time.Second,
			History:    history,
		},
	)
}

func (c *Chain) Filters() []Filter {
	return c.filters
}

// CheckAll evaluates every filter, including those after the first failure.
func (c *Chain) CheckAll(cand *domain.SignalCandidate, f *domain.Feature) (bool, []Result) {
	results := make([]Result, 0, len(c.filters))
	ok := true
	for _, flt := range c.filters {
		r := flt.Check(cand, f)
		results = append(results, r)
		if !r.Passed {
			ok = false
			c.logger.Debug("filter rejected candidate",
				zap.String("filter", r.Name),
				zap.String("reason", r.Reason),
				zap.String("side", string(cand.Side)),
			)
		}
	}
	return ok, results
}

func Passed(results []Result) []string {
	return names(results, true)
}

func Failed(results []Result) []string {
	return names(results, false)
}

func names(results []Result, passed bool) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		if r.Passed == passed {
			out = append(out, r.Name)
		}
	}
	return out
}

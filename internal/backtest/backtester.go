// Package backtest replays historical ticks through the live detection and
// filter logic and simulates one position at a time.
package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"trapwatch/internal/config"
	"trapwatch/internal/domain"
	"trapwatch/internal/features"
	"trapwatch/internal/filter"
	"trapwatch/internal/metrics"
	"trapwatch/internal/trap"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// cancelEvery is how many ticks are replayed between context checks.
const cancelEvery = 1024

// TickSource loads ordered historical ticks for [start, end].
type TickSource interface {
	Ticks(ctx context.Context, ticker string, start, end time.Time) ([]domain.Tick, error)
}

type RunStore interface {
	SaveRun(ctx context.Context, run *domain.BacktestRun) error
}

type Request struct {
	Ticker string             `json:"ticker"`
	Start  time.Time          `json:"start"`
	End    time.Time          `json:"end"`
	Params map[string]float64 `json:"params,omitempty"`
}

type Backtester struct {
	source TickSource
	store  RunStore
	base   config.Strategy
	tracer trace.Tracer
	logger *zap.Logger
	newID  func() string
	now    func() time.Time
}

// New returns a Backtester. store may be nil, in which case runs are not
// persisted.
func New(source TickSource, store RunStore, base config.Strategy, tracer trace.Tracer, logger *zap.Logger) *Backtester {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("backtest")
	}
	return &Backtester{
		source: source,
		store:  store,
		base:   base,
		tracer: tracer,
		logger: logger,
		newID:  uuid.NewString,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (b *Backtester) Base() config.Strategy {
	return b.base
}

// Run simulates req and stores the result under a fresh run id.
func (b *Backtester) Run(ctx context.Context, req Request) (*domain.BacktestResult, error) {
	ctx, span := b.tracer.Start(ctx, "backtest.run")
	defer span.End()

	res, err := b.Simulate(ctx, req)
	if err != nil {
		return nil, err
	}
	res.RunID = b.newID()
	span.SetAttributes(attribute.String("run_id", res.RunID), attribute.Int("trades", len(res.Trades)))

	if err := b.save(ctx, req, res); err != nil {
		return nil, err
	}
	b.logger.Info("backtest completed",
		zap.String("run_id", res.RunID),
		zap.String("ticker", req.Ticker),
		zap.Int("ticks", res.TickCount),
		zap.Int("trades", len(res.Trades)),
		zap.Float64("win_rate", res.Metrics.WinRate),
	)
	return res, nil
}

// Simulate replays req without persisting anything. A cancelled context
// aborts the replay and the partial result is discarded.
func (b *Backtester) Simulate(ctx context.Context, req Request) (*domain.BacktestResult, error) {
	strategy, err := b.base.WithOverrides(req.Params)
	if err != nil {
		return nil, err
	}
	ticks, err := b.source.Ticks(ctx, req.Ticker, req.Start, req.End)
	if err != nil {
		return nil, fmt.Errorf("load ticks: %w", err)
	}
	res, err := Replay(ctx, req.Ticker, strategy, ticks, b.logger)
	if err != nil {
		return nil, err
	}
	res.Start, res.End = req.Start, req.End
	res.Params = strategy.AsMap()
	return res, nil
}

// save stores res under res.RunID. res.Params already holds the validated,
// fully resolved strategy from Simulate.
func (b *Backtester) save(ctx context.Context, req Request, res *domain.BacktestResult) error {
	if b.store == nil {
		return nil
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	m := res.Metrics
	run := &domain.BacktestRun{
		ID:             res.RunID,
		Kind:           domain.RunBacktest,
		Ticker:         req.Ticker,
		Start:          req.Start,
		End:            req.End,
		Params:         res.Params,
		TotalSignals:   m.TotalSignals,
		WinRate:        m.WinRate,
		ProfitFactor:   m.ProfitFactor,
		TotalPnlBps:    m.TotalPnlBps,
		MaxDrawdownBps: m.MaxDrawdownBps,
		SharpeRatio:    m.SharpeRatio,
		Result:         raw,
		CreatedAt:      b.now(),
	}
	if err := b.store.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// Replay runs ticks through a fresh calculator, detector and filter chain.
// At most one trade is open at a time; exits fill at the TP or SL level and a
// trade still open after the last tick is closed at the last mid as EXPIRED.
func Replay(ctx context.Context, ticker string, strategy config.Strategy, ticks []domain.Tick, logger *zap.Logger) (*domain.BacktestResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	res := &domain.BacktestResult{
		Ticker:      ticker,
		Params:      strategy.AsMap(),
		Trades:      []domain.Trade{},
		EquityCurve: []float64{0},
	}
	if len(ticks) == 0 {
		return res, nil
	}

	lane := domain.Lane{Source: ticks[0].Source, Ticker: ticker}
	calc := features.NewCalculator(lane, strategy, nil)
	detector := trap.NewDetector(strategy, logger.Named("trap"))
	chain := filter.DefaultChain(strategy, detector, logger.Named("filter"))

	var (
		open       *domain.Trade
		cumulative float64
		lastMid    float64
		lastTime   time.Time
	)
	closeTrade := func(t *domain.Trade) {
		cumulative += t.PnlBps
		res.EquityCurve = append(res.EquityCurve, cumulative)
		res.Trades = append(res.Trades, *t)
	}

	for i, tick := range ticks {
		if i%cancelEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if tick.Mid == nil {
			continue
		}
		res.TickCount++
		price := *tick.Mid
		lastMid, lastTime = price, tick.Timestamp

		if open != nil && exit(open, price, tick.Timestamp) {
			closeTrade(open)
			open = nil
		}

		f, err := calc.Compute(ctx, tick)
		if err != nil || f == nil {
			continue
		}
		cand := detector.Detect(f)
		if cand == nil || open != nil {
			continue
		}
		if ok, _ := chain.CheckAll(cand, f); !ok {
			continue
		}
		open = &domain.Trade{
			EntryTime:  tick.Timestamp,
			EntryPrice: cand.EntryPrice,
			Side:       cand.Side,
			TPPrice:    cand.TPPrice,
			SLPrice:    cand.SLPrice,
			Status:     domain.TradeOpen,
			Confidence: cand.Confidence,
			Rationale:  cand.Rationale,
		}
		logger.Debug("trade opened",
			zap.String("side", string(open.Side)),
			zap.Float64("entry", open.EntryPrice),
			zap.Time("at", open.EntryTime),
		)
	}

	if open != nil {
		at, px := lastTime, lastMid
		open.ExitTime = &at
		open.ExitPrice = &px
		open.Status = domain.TradeExpired
		open.PnlBps = domain.PnlBps(open.Side, open.EntryPrice, px)
		closeTrade(open)
	}

	res.Metrics = metrics.Compute(res.Trades)
	return res, nil
}

// exit closes t in place when price reaches a level. Fills are at the level
// itself, take-profit first.
func exit(t *domain.Trade, price float64, at time.Time) bool {
	var level float64
	switch domain.ExitHit(t.Side, t.TPPrice, t.SLPrice, price) {
	case domain.OutcomeTP:
		t.Status, level = domain.TradeTPHit, t.TPPrice
	case domain.OutcomeSL:
		t.Status, level = domain.TradeSLHit, t.SLPrice
	default:
		return false
	}
	t.ExitTime = &at
	t.ExitPrice = &level
	t.PnlBps = domain.PnlBps(t.Side, t.EntryPrice, level)
	return true
}

// Package walkforward runs rolling train/test backtests over a date range
// and reports pooled test-window metrics.
package walkforward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trapwatch/internal/backtest"
	"trapwatch/internal/domain"
	"trapwatch/internal/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const day = 24 * time.Hour

var ErrInvalidWindow = errors.New("train and test windows must be positive")

// Simulator runs one backtest segment without persisting it.
type Simulator interface {
	Simulate(ctx context.Context, req backtest.Request) (*domain.BacktestResult, error)
}

type Request struct {
	Ticker    string             `json:"ticker"`
	Start     time.Time          `json:"start"`
	End       time.Time          `json:"end"`
	TrainDays int                `json:"train_days"`
	TestDays  int                `json:"test_days"`
	StepDays  int                `json:"step_days,omitempty"`
	Params    map[string]float64 `json:"params,omitempty"`
}

type Validator struct {
	sim    Simulator
	store  backtest.RunStore
	tracer trace.Tracer
	logger *zap.Logger
	newID  func() string
	now    func() time.Time
}

func New(sim Simulator, store backtest.RunStore, tracer trace.Tracer, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("walkforward")
	}
	return &Validator{
		sim:    sim,
		store:  store,
		tracer: tracer,
		logger: logger,
		newID:  uuid.NewString,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// GenerateWindows lays train+test windows over [start, end], advancing the
// train start by step days. step <= 0 means step = test. Generation stops
// before a test window would end after end.
func GenerateWindows(start, end time.Time, train, test, step int) []domain.WalkForwardWindow {
	if train <= 0 || test <= 0 {
		return nil
	}
	if step <= 0 {
		step = test
	}
	var out []domain.WalkForwardWindow
	for trainStart := start; ; trainStart = trainStart.Add(time.Duration(step) * day) {
		trainEnd := trainStart.Add(time.Duration(train) * day)
		testEnd := trainEnd.Add(time.Duration(test) * day)
		if testEnd.After(end) {
			break
		}
		out = append(out, domain.WalkForwardWindow{
			Index:      len(out),
			TrainStart: trainStart,
			TrainEnd:   trainEnd,
			TestStart:  trainEnd,
			TestEnd:    testEnd,
		})
	}
	return out
}

// Run backtests each window's train and test segment with the same
// parameters, then stores the aggregate. Cancellation is checked between
// segments and a cancelled run is not stored.
func (v *Validator) Run(ctx context.Context, req Request) (*domain.WalkForwardResult, error) {
	ctx, span := v.tracer.Start(ctx, "walkforward.run")
	defer span.End()

	if req.TrainDays <= 0 || req.TestDays <= 0 {
		return nil, ErrInvalidWindow
	}
	step := req.StepDays
	if step <= 0 {
		step = req.TestDays
	}

	windows := GenerateWindows(req.Start, req.End, req.TrainDays, req.TestDays, step)
	res := &domain.WalkForwardResult{
		Ticker:    req.Ticker,
		Start:     req.Start,
		End:       req.End,
		TrainDays: req.TrainDays,
		TestDays:  req.TestDays,
		StepDays:  step,
		Params:    req.Params,
		Windows:   windows,
	}
	if len(windows) == 0 {
		v.logger.Warn("range too short for any walk-forward window",
			zap.Time("start", req.Start), zap.Time("end", req.End))
	}

	for i := range windows {
		w := &windows[i]
		train, err := v.segment(ctx, req, w.TrainStart, w.TrainEnd)
		if err != nil {
			return nil, fmt.Errorf("window %d train: %w", w.Index, err)
		}
		test, err := v.segment(ctx, req, w.TestStart, w.TestEnd)
		if err != nil {
			return nil, fmt.Errorf("window %d test: %w", w.Index, err)
		}
		w.TrainResult, w.TestResult = train, test
		res.Params = test.Params
		v.logger.Debug("walk-forward window done",
			zap.Int("window", w.Index),
			zap.Int("train_trades", len(train.Trades)),
			zap.Int("test_trades", len(test.Trades)),
		)
	}

	res.AggregateMetrics = Aggregate(windows)
	res.Stability = Stability(windows)
	res.RunID = v.newID()
	span.SetAttributes(attribute.String("run_id", res.RunID), attribute.Int("windows", len(windows)))

	if err := v.save(ctx, req, res); err != nil {
		return nil, err
	}
	v.logger.Info("walk-forward completed",
		zap.String("run_id", res.RunID),
		zap.String("ticker", req.Ticker),
		zap.Int("windows", len(windows)),
		zap.Float64("win_rate", res.AggregateMetrics.WinRate),
	)
	return res, nil
}

func (v *Validator) segment(ctx context.Context, req Request, start, end time.Time) (*domain.BacktestResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return v.sim.Simulate(ctx, backtest.Request{Ticker: req.Ticker, Start: start, End: end, Params: req.Params})
}

func (v *Validator) save(ctx context.Context, req Request, res *domain.WalkForwardResult) error {
	if v.store == nil {
		return nil
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	m := res.AggregateMetrics
	run := &domain.BacktestRun{
		ID:             res.RunID,
		Kind:           domain.RunWalkForward,
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
		CreatedAt:      v.now(),
	}
	if err := v.store.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// Aggregate pools the trades of every test segment.
func Aggregate(windows []domain.WalkForwardWindow) domain.Metrics {
	var trades []domain.Trade
	for _, w := range windows {
		if w.TestResult != nil {
			trades = append(trades, w.TestResult.Trades...)
		}
	}
	return metrics.Compute(trades)
}

// Stability summarises per-window test win rates. Windows without trades
// count as a 0 win rate.
func Stability(windows []domain.WalkForwardWindow) domain.WindowStability {
	s := domain.WindowStability{TotalWindows: len(windows)}
	rates := make([]float64, 0, len(windows))
	for _, w := range windows {
		if w.TestResult == nil {
			continue
		}
		if len(w.TestResult.Trades) > 0 {
			s.WindowsWithTrades++
		}
		rates = append(rates, w.TestResult.Metrics.WinRate)
	}
	if len(rates) == 0 {
		return s
	}
	s.AvgWinRate, s.StdWinRate = stat.PopMeanStdDev(rates, nil)
	s.MinWinRate = floats.Min(rates)
	s.MaxWinRate = floats.Max(rates)
	return s
}

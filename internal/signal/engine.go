package signal

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"trapwatch/internal/config"
	"trapwatch/internal/domain"
	"trapwatch/internal/filter"
	"trapwatch/internal/trap"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var ErrNotPending = domain.ErrSignalNotPending

// Store is the persistence contract for signals. CloseSignal must only update
// a PENDING row and report ErrNotPending otherwise.
type Store interface {
	CreateSignal(ctx context.Context, s *domain.Signal) (int64, error)
	CloseSignal(ctx context.Context, id int64, status domain.SignalStatus, pnlBps float64, closedAt time.Time) error
	ListPendingSignals(ctx context.Context, source, ticker string) ([]domain.Signal, error)
	SignalStats(ctx context.Context, source, ticker string) (domain.SignalStats, error)
}

// Engine runs detection and filtering for one lane and owns the lifecycle of
// the lane's PENDING signals. Process must be called from a single goroutine;
// Active, ActiveCount and HasActiveBreakout may be read concurrently.
type Engine struct {
	lane     domain.Lane
	detector *trap.Detector
	chain    *filter.Chain
	store    Store
	events   chan<- domain.Event
	tracer   trace.Tracer
	logger   *zap.Logger

	mu       sync.RWMutex
	active   map[int64]*domain.Signal
	breakout atomic.Bool
	nextID   int64
}

// NewEngine wires a fresh detector and the default filter chain. events may be
// nil when nobody listens. A nil store keeps signals in memory only.
func NewEngine(
	lane domain.Lane,
	strategy config.Strategy,
	store Store,
	events chan<- domain.Event,
	tracer trace.Tracer,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("source", lane.Source), zap.String("ticker", lane.Ticker))
	detector := trap.NewDetector(strategy, logger.Named("trap"))
	return &Engine{
		lane:     lane,
		detector: detector,
		chain:    filter.DefaultChain(strategy, detector, logger.Named("filter")),
		store:    store,
		events:   events,
		tracer:   tracer,
		logger:   logger,
		active:   make(map[int64]*domain.Signal),
	}
}

// Process checks open signals against f.Mid, then runs detection. It returns
// the newly opened signal, if any. Close failures leave the signal active so
// the next tick retries it.
func (e *Engine) Process(ctx context.Context, f *domain.Feature) (*domain.Signal, error) {
	if f == nil {
		return nil, nil
	}
	closeErr := e.checkActive(ctx, f)

	cand := e.detector.Detect(f)
	e.breakout.Store(e.detector.HasActiveBreakout())
	if cand == nil {
		return nil, closeErr
	}

	ok, results := e.chain.CheckAll(cand, f)
	if !ok {
		e.logger.Info("candidate rejected by filters",
			zap.String("side", string(cand.Side)),
			zap.Strings("failed", filter.Failed(results)),
		)
		return nil, closeErr
	}

	sig := &domain.Signal{
		Timestamp:     f.Timestamp,
		Source:        e.lane.Source,
		Ticker:        e.lane.Ticker,
		Side:          cand.Side,
		EntryPrice:    cand.EntryPrice,
		TPPrice:       cand.TPPrice,
		SLPrice:       cand.SLPrice,
		BreakoutPrice: cand.BreakoutPrice,
		ReclaimPrice:  cand.ReclaimPrice,
		Confidence:    cand.Confidence,
		Rationale:     cand.Rationale,
		FiltersPassed: filter.Passed(results),
		Status:        domain.StatusPending,
	}
	id, err := e.create(ctx, sig)
	if err != nil {
		return nil, errors.Join(closeErr, fmt.Errorf("create signal: %w", err))
	}
	sig.ID = id

	e.mu.Lock()
	e.active[id] = sig
	e.mu.Unlock()

	e.logger.Info("signal opened",
		zap.Int64("signal_id", id),
		zap.String("side", string(sig.Side)),
		zap.Float64("entry", sig.EntryPrice),
		zap.Float64("tp", sig.TPPrice),
		zap.Float64("sl", sig.SLPrice),
	)
	e.emit(ctx, domain.EventSignalOpened, *sig)
	return sig, closeErr
}

func (e *Engine) create(ctx context.Context, sig *domain.Signal) (int64, error) {
	if e.store == nil {
		e.nextID++
		return e.nextID, nil
	}
	return e.store.CreateSignal(ctx, sig)
}

func (e *Engine) checkActive(ctx context.Context, f *domain.Feature) error {
	e.mu.RLock()
	ids := make([]int64, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	if len(ids) == 0 {
		return nil
	}
	slices.Sort(ids)

	mid := f.Mid
	closedAt := f.Timestamp
	var errs []error
	for _, id := range ids {
		e.mu.RLock()
		sig := e.active[id]
		e.mu.RUnlock()

		var status domain.SignalStatus
		switch domain.ExitHit(sig.Side, sig.TPPrice, sig.SLPrice, mid) {
		case domain.OutcomeTP:
			status = domain.StatusTPHit
		case domain.OutcomeSL:
			status = domain.StatusSLHit
		default:
			continue
		}
		pnl := domain.PnlBps(sig.Side, sig.EntryPrice, mid)

		if e.store != nil {
			if err := e.store.CloseSignal(ctx, id, status, pnl, closedAt); err != nil {
				if errors.Is(err, ErrNotPending) {
					e.logger.Warn("signal already closed elsewhere, dropping", zap.Int64("signal_id", id))
					e.remove(id)
					continue
				}
				errs = append(errs, fmt.Errorf("close signal %d: %w", id, err))
				continue
			}
		}

		closed := *sig
		closed.Status = status
		closed.ResultPnlBps = &pnl
		closed.ClosedAt = &closedAt
		e.remove(id)

		e.logger.Info("signal closed",
			zap.Int64("signal_id", id),
			zap.String("status", string(status)),
			zap.Float64("pnl_bps", pnl),
		)
		e.emit(ctx, domain.EventSignalClosed, closed)
	}
	return errors.Join(errs...)
}

func (e *Engine) remove(id int64) {
	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()
}

func (e *Engine) emit(ctx context.Context, kind domain.EventKind, s domain.Signal) {
	if e.events == nil {
		return
	}
	ev := domain.Event{
		Kind:   kind,
		Source: e.lane.Source,
		Ticker: e.lane.Ticker,
		At:     s.Timestamp,
		Signal: &s,
	}
	if s.ClosedAt != nil {
		ev.At = *s.ClosedAt
	}
	select {
	case e.events <- ev:
	case <-ctx.Done():
	}
}

// LoadActive restores PENDING signals for the lane into the active index.
func (e *Engine) LoadActive(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "signal-engine.load-active")
		defer span.End()
	}

	pending, err := e.store.ListPendingSignals(ctx, e.lane.Source, e.lane.Ticker)
	if err != nil {
		return 0, fmt.Errorf("load pending signals: %w", err)
	}
	e.mu.Lock()
	for i := range pending {
		s := pending[i]
		e.active[s.ID] = &s
	}
	e.mu.Unlock()

	e.logger.Info("restored active signals", zap.Int("count", len(pending)))
	return len(pending), nil
}

// Active lists the open signals ordered by id.
func (e *Engine) Active() []domain.Signal {
	e.mu.RLock()
	out := make([]domain.Signal, 0, len(e.active))
	for _, s := range e.active {
		out = append(out, *s)
	}
	e.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.Signal) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (e *Engine) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.active)
}

func (e *Engine) HasActiveBreakout() bool {
	return e.breakout.Load()
}

func (e *Engine) Lane() domain.Lane {
	return e.lane
}

// Stats combines persisted outcome counts with the live breakout flag.
func (e *Engine) Stats(ctx context.Context) (domain.SignalStats, error) {
	var stats domain.SignalStats
	if e.store != nil {
		if e.tracer != nil {
			var span trace.Span
			ctx, span = e.tracer.Start(ctx, "signal-engine.stats")
			defer span.End()
		}
		var err error
		stats, err = e.store.SignalStats(ctx, e.lane.Source, e.lane.Ticker)
		if err != nil {
			return domain.SignalStats{}, fmt.Errorf("signal stats: %w", err)
		}
	} else {
		stats.Pending = e.ActiveCount()
		stats.Total = stats.Pending
	}
	stats.ActiveBreakout = e.HasActiveBreakout()
	return stats, nil
}

// Reset drops detector state and the active index. Persisted signals are left
// untouched.
func (e *Engine) Reset() {
	e.detector.Reset()
	e.breakout.Store(false)
	e.mu.Lock()
	clear(e.active)
	e.mu.Unlock()
}

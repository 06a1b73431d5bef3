package job

import (
	"context"
	"time"

	"trapwatch/internal/alert"
	"trapwatch/internal/config"
	"trapwatch/internal/domain"
	"trapwatch/internal/features"
	"trapwatch/internal/signal"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const eventBuffer = 64

// WarmupSource provides the recent history a lane replays before going live.
type WarmupSource interface {
	Recent(ctx context.Context, source, ticker string, since time.Time) ([]domain.Tick, error)
}

// ErrorCounter is told about every per-tick failure a lane swallows.
type ErrorCounter interface {
	PipelineError(lane domain.Lane, stage string)
}

type LaneStores struct {
	Warmup   WarmupSource
	Features features.FeatureStore
	Signals  signal.Store
	Alerts   alert.Store
}

// Lane processes one (source, ticker) stream strictly in order.
type Lane struct {
	lane     domain.Lane
	calc     *features.Calculator
	engine   *signal.Engine
	alerts   *alert.Evaluator
	warmup   WarmupSource
	errors   ErrorCounter
	internal chan domain.Event
	out      chan domain.Event
	tracer   trace.Tracer
	logger   *zap.Logger
	now      func() time.Time
}

func NewLane(
	lane domain.Lane,
	strategy config.Strategy,
	thresholds alert.Thresholds,
	stores LaneStores,
	errs ErrorCounter,
	tracer trace.Tracer,
	logger *zap.Logger,
) *Lane {
	if logger == nil {
		logger = zap.NewNop()
	}
	internal := make(chan domain.Event, eventBuffer)
	return &Lane{
		lane:     lane,
		calc:     features.NewCalculator(lane, strategy, stores.Features),
		engine:   signal.NewEngine(lane, strategy, stores.Signals, internal, tracer, logger.Named("signal")),
		alerts:   alert.NewEvaluator(lane, thresholds, stores.Alerts, logger.Named("alert")),
		warmup:   stores.Warmup,
		errors:   errs,
		internal: internal,
		out:      make(chan domain.Event, eventBuffer),
		tracer:   tracer,
		logger:   logger.With(zap.String("source", lane.Source), zap.String("ticker", lane.Ticker)),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (l *Lane) ID() domain.Lane {
	return l.lane
}

func (l *Lane) Engine() *signal.Engine {
	return l.engine
}

// Events is closed once Run returns.
func (l *Lane) Events() <-chan domain.Event {
	return l.out
}

// Run warms the lane up, restores pending signals, then consumes polls until
// in is closed or ctx is done. It may only be called once.
func (l *Lane) Run(ctx context.Context, in <-chan Poll) error {
	l.prepare(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(l.internal)
		for {
			select {
			case <-ctx.Done():
				return nil
			case poll, ok := <-in:
				if !ok {
					return nil
				}
				l.Handle(ctx, poll)
			}
		}
	})
	g.Go(func() error {
		defer close(l.out)
		for ev := range l.internal {
			l.forward(ctx, ev)
		}
		return nil
	})
	return g.Wait()
}

func (l *Lane) prepare(ctx context.Context) {
	if l.warmup != nil {
		ticks, err := l.warmup.Recent(ctx, l.lane.Source, l.lane.Ticker, l.now().Add(-features.WarmupLookback))
		if err != nil {
			l.fail("warmup", err)
		} else {
			l.calc.Warmup(ticks)
			l.logger.Info("lane warmed up", zap.Int("ticks", len(ticks)), zap.Int("window", l.calc.WindowSize()))
		}
	}
	if _, err := l.engine.LoadActive(ctx); err != nil {
		l.fail("load-active", err)
	}
}

// Handle runs one poll through features, alerts and the signal engine.
func (l *Lane) Handle(ctx context.Context, poll Poll) {
	if poll.Err != nil {
		a, err := l.alerts.DataError(ctx, poll.Err)
		if err != nil {
			l.fail("alert", err)
		}
		if a != nil {
			l.emitAlert(ctx, *a)
		}
		return
	}

	ctx, span := l.tracer.Start(ctx, "lane.handle-tick")
	defer span.End()

	f, err := l.calc.Compute(ctx, poll.Tick)
	if err != nil {
		span.RecordError(err)
		l.fail("features", err)
		return
	}
	if f == nil {
		return
	}
	l.emit(ctx, domain.Event{Kind: domain.EventFeature, Source: l.lane.Source, Ticker: l.lane.Ticker, At: f.Timestamp, Feature: f})

	raised, err := l.alerts.OnFeature(ctx, f)
	if err != nil {
		l.fail("alert", err)
	}
	for _, a := range raised {
		l.emitAlert(ctx, a)
	}

	if _, err := l.engine.Process(ctx, f); err != nil {
		span.RecordError(err)
		l.fail("signal", err)
	}
}

// forward passes an event on and derives signal alerts from engine events.
func (l *Lane) forward(ctx context.Context, ev domain.Event) {
	l.send(ctx, ev)
	if ev.Kind != domain.EventSignalOpened && ev.Kind != domain.EventSignalClosed {
		return
	}
	a, err := l.alerts.OnSignalEvent(ctx, ev)
	if err != nil {
		l.fail("alert", err)
	}
	if a != nil {
		l.send(ctx, alertEvent(l.lane, *a))
	}
}

func (l *Lane) emitAlert(ctx context.Context, a domain.Alert) {
	l.emit(ctx, alertEvent(l.lane, a))
}

func (l *Lane) emit(ctx context.Context, ev domain.Event) {
	select {
	case l.internal <- ev:
	case <-ctx.Done():
	}
}

func (l *Lane) send(ctx context.Context, ev domain.Event) {
	select {
	case l.out <- ev:
	case <-ctx.Done():
	}
}

func (l *Lane) fail(stage string, err error) {
	l.logger.Error("lane pipeline error", zap.String("stage", stage), zap.Error(err))
	if l.errors != nil {
		l.errors.PipelineError(l.lane, stage)
	}
}

func alertEvent(lane domain.Lane, a domain.Alert) domain.Event {
	return domain.Event{Kind: domain.EventAlert, Source: lane.Source, Ticker: lane.Ticker, At: a.Timestamp, Alert: &a}
}

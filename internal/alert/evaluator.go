package alert

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"trapwatch/internal/domain"

	"go.uber.org/zap"
)

type Store interface {
	InsertAlert(ctx context.Context, a *domain.Alert) (int64, error)
}

type Thresholds struct {
	PriceSpikeBps float64
	SpreadMaxBps  float64
	QuoteAgeMaxMs int64
}

// Evaluator raises market-condition and signal-lifecycle alerts for one lane.
// OnFeature must be called from a single goroutine. OnSignalEvent and
// DataError do not touch the price state and may run alongside it.
type Evaluator struct {
	lane       domain.Lane
	thresholds Thresholds
	store      Store
	logger     *zap.Logger
	now        func() time.Time

	prevMid float64
}

// NewEvaluator returns an evaluator for lane. A nil store keeps alerts
// unpersisted with id 0.
func NewEvaluator(lane domain.Lane, thresholds Thresholds, store Store, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		lane:       lane,
		thresholds: thresholds,
		store:      store,
		logger:     logger.With(zap.String("source", lane.Source), zap.String("ticker", lane.Ticker)),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// OnFeature checks a feature for price spikes, wide spreads and stale quotes.
// The first feature of a lane only seeds the previous mid. Alerts that failed
// to persist are dropped; the rest are returned alongside the error.
func (e *Evaluator) OnFeature(ctx context.Context, f *domain.Feature) ([]domain.Alert, error) {
	if f == nil {
		return nil, nil
	}
	var raised []domain.Alert

	if e.prevMid > 0 && f.Mid > 0 {
		change := (f.Mid - e.prevMid) / e.prevMid * 10000
		if math.Abs(change) >= e.thresholds.PriceSpikeBps {
			direction := "up"
			if change < 0 {
				direction = "down"
			}
			raised = append(raised, e.build(domain.AlertPriceSpike,
				fmt.Sprintf("%s price spike %s %.2f bps, %.2f -> %.2f", e.lane.Ticker, direction, math.Abs(change), e.prevMid, f.Mid),
				map[string]any{"prev_price": e.prevMid, "current_price": f.Mid, "change_bps": math.Abs(change)}))
		}
	}
	if f.Mid > 0 {
		e.prevMid = f.Mid
	}

	if f.SpreadBps != nil && *f.SpreadBps > e.thresholds.SpreadMaxBps {
		raised = append(raised, e.build(domain.AlertSpreadHigh,
			fmt.Sprintf("%s spread %.2f bps above %.2f bps", e.lane.Ticker, *f.SpreadBps, e.thresholds.SpreadMaxBps),
			map[string]any{"spread_bps": *f.SpreadBps, "threshold": e.thresholds.SpreadMaxBps}))
	}
	if f.QuoteAgeMs != nil && *f.QuoteAgeMs > e.thresholds.QuoteAgeMaxMs {
		raised = append(raised, e.build(domain.AlertQuoteStale,
			fmt.Sprintf("%s quote is %d ms old, limit %d ms", e.lane.Ticker, *f.QuoteAgeMs, e.thresholds.QuoteAgeMaxMs),
			map[string]any{"quote_age_ms": *f.QuoteAgeMs, "threshold": e.thresholds.QuoteAgeMaxMs}))
	}

	return e.persist(ctx, raised)
}

// OnSignalEvent turns opened and TP/SL-closed signals into alerts. Other
// events, including EXPIRED closes, produce nothing.
func (e *Evaluator) OnSignalEvent(ctx context.Context, ev domain.Event) (*domain.Alert, error) {
	s := ev.Signal
	if s == nil {
		return nil, nil
	}

	var a domain.Alert
	switch {
	case ev.Kind == domain.EventSignalOpened:
		a = e.build(domain.AlertSignalNew,
			fmt.Sprintf("new signal #%d %s %s @ %.2f, TP %.2f, SL %.2f", s.ID, s.Side, s.Ticker, s.EntryPrice, s.TPPrice, s.SLPrice),
			map[string]any{
				"signal_id":   s.ID,
				"side":        string(s.Side),
				"entry_price": s.EntryPrice,
				"tp_price":    s.TPPrice,
				"sl_price":    s.SLPrice,
				"confidence":  s.Confidence,
			})
	case ev.Kind == domain.EventSignalClosed && (s.Status == domain.StatusTPHit || s.Status == domain.StatusSLHit):
		typ := domain.AlertSignalTPHit
		if s.Status == domain.StatusSLHit {
			typ = domain.AlertSignalSLHit
		}
		var pnl float64
		if s.ResultPnlBps != nil {
			pnl = *s.ResultPnlBps
		}
		a = e.build(typ,
			fmt.Sprintf("signal #%d %s %s: entry %.2f, pnl %.2f bps", s.ID, s.Side, s.Status, s.EntryPrice, pnl),
			map[string]any{"signal_id": s.ID, "side": string(s.Side), "entry_price": s.EntryPrice, "pnl_bps": pnl})
	default:
		return nil, nil
	}

	return e.persistOne(ctx, a)
}

// DataError records a failure of the lane's data path.
func (e *Evaluator) DataError(ctx context.Context, cause error) (*domain.Alert, error) {
	a := e.build(domain.AlertDataError,
		fmt.Sprintf("%s data error: %v", e.lane, cause),
		map[string]any{"error": cause.Error()})
	return e.persistOne(ctx, a)
}

func (e *Evaluator) build(typ domain.AlertType, msg string, data map[string]any) domain.Alert {
	return domain.Alert{
		Timestamp: e.now(),
		Type:      typ,
		Priority:  typ.DefaultPriority(),
		Source:    e.lane.Source,
		Ticker:    e.lane.Ticker,
		Message:   msg,
		Data:      data,
	}
}

// persist stores alerts and returns the ones that made it. Without a store
// every alert passes through with id 0.
func (e *Evaluator) persist(ctx context.Context, alerts []domain.Alert) ([]domain.Alert, error) {
	var (
		stored []domain.Alert
		errs   []error
	)
	for _, a := range alerts {
		if e.store != nil {
			id, err := e.store.InsertAlert(ctx, &a)
			if err != nil {
				e.logger.Warn("alert dropped", zap.String("type", string(a.Type)), zap.Error(err))
				errs = append(errs, fmt.Errorf("persist %s alert: %w", a.Type, err))
				continue
			}
			a.ID = id
		}
		e.logger.Info("alert raised",
			zap.String("type", string(a.Type)),
			zap.String("priority", string(a.Priority)),
			zap.String("message", a.Message),
		)
		stored = append(stored, a)
	}
	return stored, errors.Join(errs...)
}

func (e *Evaluator) persistOne(ctx context.Context, a domain.Alert) (*domain.Alert, error) {
	out, err := e.persist(ctx, []domain.Alert{a})
	if len(out) == 0 {
		return nil, err
	}
	return &out[0], err
}

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"trapwatch/internal/domain"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const signalColumns = `id, ts, source, ticker, side, entry_price, tp_price, sl_price, breakout_price, reclaim_price,
	confidence, rationale, filters_passed, status, result_pnl_bps, closed_at`

type SignalRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewSignalRepository(pool PgxPool, tracer trace.Tracer) *SignalRepository {
	return &SignalRepository{pool: pool, tracer: tracer}
}

func (r *SignalRepository) CreateSignal(ctx context.Context, s *domain.Signal) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "signal-repo.create")
	defer span.End()

	filters := s.FiltersPassed
	if filters == nil {
		filters = []string{}
	}
	filtersJSON, err := json.Marshal(filters)
	if err != nil {
		return 0, fmt.Errorf("encode filters: %w", err)
	}
	status := s.Status
	if status == "" {
		status = domain.StatusPending
	}

	var id int64
	err = r.pool.QueryRow(ctx,
		`INSERT INTO signals (ts, source, ticker, side, entry_price, tp_price, sl_price, breakout_price,
		     reclaim_price, confidence, rationale, filters_passed, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING id`,
		s.Timestamp, s.Source, s.Ticker, string(s.Side), s.EntryPrice, s.TPPrice, s.SLPrice, s.BreakoutPrice,
		s.ReclaimPrice, s.Confidence, s.Rationale, filtersJSON, string(status),
	).Scan(&id)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int64("signal_id", id))
	return id, nil
}

// CloseSignal moves a PENDING signal to a terminal status. A signal that is
// missing or already closed yields an error matching both ErrNotFound and
// domain.ErrSignalNotPending.
func (r *SignalRepository) CloseSignal(ctx context.Context, id int64, status domain.SignalStatus, pnlBps float64, closedAt time.Time) error {
	ctx, span := r.tracer.Start(ctx, "signal-repo.close")
	defer span.End()
	span.SetAttributes(attribute.Int64("signal_id", id), attribute.String("status", string(status)))

	if !status.Terminal() {
		return fmt.Errorf("close signal %d: %q is not a terminal status", id, status)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE signals
		 SET status = $2, result_pnl_bps = $3, closed_at = $4
		 WHERE id = $1 AND status = 'PENDING'`,
		id, string(status), pnlBps, closedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("close signal %d: %w: %w", id, ErrNotFound, domain.ErrSignalNotPending)
	}
	return nil
}

func (r *SignalRepository) ListPendingSignals(ctx context.Context, source, ticker string) ([]domain.Signal, error) {
	ctx, span := r.tracer.Start(ctx, "signal-repo.list-pending")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT `+signalColumns+`
		 FROM signals
		 WHERE source = $1 AND ticker = $2 AND status = 'PENDING'
		 ORDER BY id ASC`,
		source, ticker,
	)
	if err != nil {
		return nil, err
	}
	return scanSignals(rows)
}

// ListSignals returns signal history, newest first.
func (r *SignalRepository) ListSignals(ctx context.Context, filter domain.SignalFilter) ([]domain.Signal, error) {
	ctx, span := r.tracer.Start(ctx, "signal-repo.list")
	defer span.End()

	var (
		where []string
		args  []any
	)
	if filter.Ticker != "" {
		args = append(args, filter.Ticker)
		where = append(where, fmt.Sprintf("ticker = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + signalColumns + ` FROM signals`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(filter.Limit))
	query += fmt.Sprintf(` ORDER BY ts DESC, id DESC LIMIT $%d`, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanSignals(rows)
}

func (r *SignalRepository) GetSignal(ctx context.Context, id int64) (*domain.Signal, error) {
	ctx, span := r.tracer.Start(ctx, "signal-repo.get")
	defer span.End()

	s, err := scanSignal(r.pool.QueryRow(ctx, `SELECT `+signalColumns+` FROM signals WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

// SignalStats counts the lane's signals per status. Empty source and ticker
// match every lane.
func (r *SignalRepository) SignalStats(ctx context.Context, source, ticker string) (domain.SignalStats, error) {
	ctx, span := r.tracer.Start(ctx, "signal-repo.stats")
	defer span.End()

	var st domain.SignalStats
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'PENDING'),
		        COUNT(*) FILTER (WHERE status = 'TP_HIT'),
		        COUNT(*) FILTER (WHERE status = 'SL_HIT'),
		        COUNT(*) FILTER (WHERE status = 'EXPIRED'),
		        COALESCE(AVG(result_pnl_bps) FILTER (WHERE status <> 'PENDING'), 0)
		 FROM signals
		 WHERE ($1 = '' OR source = $1) AND ($2 = '' OR ticker = $2)`,
		source, ticker,
	).Scan(&st.Total, &st.Pending, &st.TPHit, &st.SLHit, &st.Expired, &st.AvgPnlBps)
	if err != nil {
		return domain.SignalStats{}, err
	}
	st.WinRate = WinRate(st.TPHit, st.SLHit)
	return st, nil
}

// WinRate is tp/(tp+sl), or 0 when neither outcome has occurred.
func WinRate(tp, sl int) float64 {
	if tp+sl == 0 {
		return 0
	}
	return float64(tp) / float64(tp+sl)
}

func scanSignals(rows pgx.Rows) ([]domain.Signal, error) {
	defer rows.Close()

	var out []domain.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func scanSignal(row pgx.Row) (*domain.Signal, error) {
	var (
		s                 domain.Signal
		side, status      string
		breakout, reclaim *float64
		filtersJSON       []byte
	)
	err := row.Scan(&s.ID, &s.Timestamp, &s.Source, &s.Ticker, &side, &s.EntryPrice, &s.TPPrice, &s.SLPrice,
		&breakout, &reclaim, &s.Confidence, &s.Rationale, &filtersJSON, &status, &s.ResultPnlBps, &s.ClosedAt)
	if err != nil {
		return nil, err
	}
	s.Side = domain.Side(side)
	s.Status = domain.SignalStatus(status)
	s.Timestamp = s.Timestamp.UTC()
	if breakout != nil {
		s.BreakoutPrice = *breakout
	}
	if reclaim != nil {
		s.ReclaimPrice = *reclaim
	}
	if len(filtersJSON) > 0 {
		if err := json.Unmarshal(filtersJSON, &s.FiltersPassed); err != nil {
			return nil, fmt.Errorf("decode filters_passed: %w", err)
		}
	}
	return &s, nil
}

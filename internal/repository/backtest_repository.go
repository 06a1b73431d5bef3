package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"trapwatch/internal/domain"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type BacktestRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewBacktestRepository(pool PgxPool, tracer trace.Tracer) *BacktestRepository {
	return &BacktestRepository{pool: pool, tracer: tracer}
}

func (r *BacktestRepository) SaveRun(ctx context.Context, run *domain.BacktestRun) error {
	ctx, span := r.tracer.Start(ctx, "backtest-repo.save-run")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", run.ID), attribute.String("kind", string(run.Kind)))

	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO backtest_runs (id, kind, ticker, data_start, data_end, params, total_signals, win_rate,
		     profit_factor, total_pnl_bps, max_drawdown_bps, sharpe_ratio, results, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		run.ID, string(run.Kind), run.Ticker, run.Start, run.End, params, run.TotalSignals, run.WinRate,
		float64(run.ProfitFactor), run.TotalPnlBps, run.MaxDrawdownBps, float64(run.SharpeRatio),
		[]byte(run.Result), run.CreatedAt,
	)
	return err
}

// GetRun loads one run including its full result document.
func (r *BacktestRepository) GetRun(ctx context.Context, id string) (*domain.BacktestRun, error) {
	ctx, span := r.tracer.Start(ctx, "backtest-repo.get-run")
	defer span.End()

	row := r.pool.QueryRow(ctx,
		`SELECT id, kind, ticker, data_start, data_end, params, total_signals, win_rate, profit_factor,
		        total_pnl_bps, max_drawdown_bps, sharpe_ratio, results, created_at
		 FROM backtest_runs
		 WHERE id = $1`,
		id,
	)
	run, err := scanRun(row, true)
	if err != nil {
		return nil, notFound(err)
	}
	return run, nil
}

// ListRuns returns run summaries, newest first, without the result document.
func (r *BacktestRepository) ListRuns(ctx context.Context, limit int) ([]domain.BacktestRun, error) {
	ctx, span := r.tracer.Start(ctx, "backtest-repo.list-runs")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT id, kind, ticker, data_start, data_end, params, total_signals, win_rate, profit_factor,
		        total_pnl_bps, max_drawdown_bps, sharpe_ratio, created_at
		 FROM backtest_runs
		 ORDER BY created_at DESC
		 LIMIT $1`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BacktestRun
	for rows.Next() {
		run, err := scanRun(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func scanRun(row pgx.Row, withResult bool) (*domain.BacktestRun, error) {
	var (
		run            domain.BacktestRun
		kind           string
		params, result []byte
		profit, sharpe *float64
	)
	dest := []any{&run.ID, &kind, &run.Ticker, &run.Start, &run.End, &params, &run.TotalSignals, &run.WinRate,
		&profit, &run.TotalPnlBps, &run.MaxDrawdownBps, &sharpe}
	if withResult {
		dest = append(dest, &result)
	}
	dest = append(dest, &run.CreatedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	run.Kind = domain.RunKind(kind)
	run.Start, run.End, run.CreatedAt = run.Start.UTC(), run.End.UTC(), run.CreatedAt.UTC()
	if profit != nil {
		run.ProfitFactor = domain.Ratio(*profit)
	}
	if sharpe != nil {
		run.SharpeRatio = domain.Ratio(*sharpe)
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &run.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	if len(result) > 0 {
		run.Result = json.RawMessage(result)
	}
	return &run, nil
}

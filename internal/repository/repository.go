package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"
)

var ErrNotFound = errors.New("not found")

const (
	defaultLimit = 100
	maxLimit     = 1000
)

type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repositories groups every Postgres-backed store over one pool.
type Repositories struct {
	Snapshots *SnapshotRepository
	Features  *FeatureRepository
	Signals   *SignalRepository
	Backtests *BacktestRepository
	Alerts    *AlertRepository
}

func New(pool PgxPool, tracer trace.Tracer) *Repositories {
	return &Repositories{
		Snapshots: NewSnapshotRepository(pool, tracer),
		Features:  NewFeatureRepository(pool, tracer),
		Signals:   NewSignalRepository(pool, tracer),
		Backtests: NewBacktestRepository(pool, tracer),
		Alerts:    NewAlertRepository(pool, tracer),
	}
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	return min(n, maxLimit)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

package repository

import (
	"context"
	"time"

	"trapwatch/internal/domain"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const snapshotColumns = `source, ticker, ts, mid, spread_bps, quote_age_ms, impact_buy_bps, impact_sell_bps,
	long_oi, short_oi, mark_price, funding_rate, volume_24h`

type SnapshotRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewSnapshotRepository(pool PgxPool, tracer trace.Tracer) *SnapshotRepository {
	return &SnapshotRepository{pool: pool, tracer: tracer}
}

func (r *SnapshotRepository) InsertSnapshot(ctx context.Context, t domain.Tick) error {
	ctx, span := r.tracer.Start(ctx, "snapshot-repo.insert")
	defer span.End()

	_, err := r.pool.Exec(ctx,
		`INSERT INTO snapshots (`+snapshotColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.Source, t.Ticker, t.Timestamp, t.Mid, t.SpreadBps, t.QuoteAgeMs, t.ImpactBuyBps, t.ImpactSellBps,
		t.LongOI, t.ShortOI, t.MarkPrice, t.FundingRate, t.Volume24h,
	)
	return err
}

// Ticks returns every snapshot for ticker in [start, end], oldest first.
func (r *SnapshotRepository) Ticks(ctx context.Context, ticker string, start, end time.Time) ([]domain.Tick, error) {
	ctx, span := r.tracer.Start(ctx, "snapshot-repo.ticks")
	defer span.End()
	span.SetAttributes(attribute.String("ticker", ticker))

	rows, err := r.pool.Query(ctx,
		`SELECT `+snapshotColumns+`
		 FROM snapshots
		 WHERE ticker = $1 AND ts >= $2 AND ts <= $3
		 ORDER BY ts ASC, id ASC`,
		ticker, start, end,
	)
	if err != nil {
		return nil, err
	}
	ticks, err := scanTicks(rows)
	span.SetAttributes(attribute.Int("ticks", len(ticks)))
	return ticks, err
}

// Recent returns the lane's snapshots newer than since, oldest first.
func (r *SnapshotRepository) Recent(ctx context.Context, source, ticker string, since time.Time) ([]domain.Tick, error) {
	ctx, span := r.tracer.Start(ctx, "snapshot-repo.recent")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT `+snapshotColumns+`
		 FROM snapshots
		 WHERE source = $1 AND ticker = $2 AND ts >= $3
		 ORDER BY ts ASC, id ASC`,
		source, ticker, since,
	)
	if err != nil {
		return nil, err
	}
	return scanTicks(rows)
}

func scanTicks(rows pgx.Rows) ([]domain.Tick, error) {
	defer rows.Close()

	var ticks []domain.Tick
	for rows.Next() {
		var t domain.Tick
		if err := rows.Scan(&t.Source, &t.Ticker, &t.Timestamp, &t.Mid, &t.SpreadBps, &t.QuoteAgeMs,
			&t.ImpactBuyBps, &t.ImpactSellBps, &t.LongOI, &t.ShortOI, &t.MarkPrice, &t.FundingRate, &t.Volume24h); err != nil {
			return nil, err
		}
		t.Timestamp = t.Timestamp.UTC()
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

package repository

import (
	"context"

	"trapwatch/internal/domain"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/trace"
)

const featureColumns = `id, ts, source, ticker, mid, return_5s, return_15s, return_60s, std_60s, rsi_14, z_score,
	range_high_20m, range_low_20m, spread_bps, impact_buy_bps, impact_sell_bps, quote_age_ms, long_short_ratio`

type FeatureRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewFeatureRepository(pool PgxPool, tracer trace.Tracer) *FeatureRepository {
	return &FeatureRepository{pool: pool, tracer: tracer}
}

func (r *FeatureRepository) InsertFeature(ctx context.Context, f *domain.Feature) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "feature-repo.insert")
	defer span.End()

	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO features (ts, source, ticker, mid, return_5s, return_15s, return_60s, std_60s, rsi_14, z_score,
		     range_high_20m, range_low_20m, spread_bps, impact_buy_bps, impact_sell_bps, quote_age_ms, long_short_ratio)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 RETURNING id`,
		f.Timestamp, f.Source, f.Ticker, f.Mid, f.Return5s, f.Return15s, f.Return60s, f.Std60s, f.RSI14, f.ZScore,
		f.RangeHigh20m, f.RangeLow20m, f.SpreadBps, f.ImpactBuyBps, f.ImpactSellBps, f.QuoteAgeMs, f.LongShortRatio,
	).Scan(&id)
	return id, err
}

// Latest returns the newest feature for ticker. An empty source matches any.
func (r *FeatureRepository) Latest(ctx context.Context, source, ticker string) (*domain.Feature, error) {
	ctx, span := r.tracer.Start(ctx, "feature-repo.latest")
	defer span.End()

	row := r.pool.QueryRow(ctx,
		`SELECT `+featureColumns+`
		 FROM features
		 WHERE ticker = $1 AND ($2 = '' OR source = $2)
		 ORDER BY ts DESC
		 LIMIT 1`,
		ticker, source,
	)
	f, err := scanFeature(row)
	if err != nil {
		return nil, notFound(err)
	}
	return f, nil
}

// List returns the newest features for ticker, newest first.
func (r *FeatureRepository) List(ctx context.Context, ticker string, limit int) ([]domain.Feature, error) {
	ctx, span := r.tracer.Start(ctx, "feature-repo.list")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT `+featureColumns+`
		 FROM features
		 WHERE ticker = $1
		 ORDER BY ts DESC
		 LIMIT $2`,
		ticker, clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func scanFeature(row pgx.Row) (*domain.Feature, error) {
	var f domain.Feature
	err := row.Scan(&f.ID, &f.Timestamp, &f.Source, &f.Ticker, &f.Mid, &f.Return5s, &f.Return15s, &f.Return60s,
		&f.Std60s, &f.RSI14, &f.ZScore, &f.RangeHigh20m, &f.RangeLow20m, &f.SpreadBps, &f.ImpactBuyBps,
		&f.ImpactSellBps, &f.QuoteAgeMs, &f.LongShortRatio)
	if err != nil {
		return nil, err
	}
	f.Timestamp = f.Timestamp.UTC()
	return &f, nil
}

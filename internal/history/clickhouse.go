package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trapwatch/internal/domain"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Options configures the ClickHouse connection.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
}

// Querier is the read side of a ClickHouse connection.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
}

var _ Querier = (driver.Conn)(nil)

var (
	openConn = clickhouse.Open
	pingConn = func(ctx context.Context, conn driver.Conn) error { return conn.Ping(ctx) }
)

// Open connects to ClickHouse and verifies the connection.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (driver.Conn, error) {
	if opts.Addr == "" {
		return nil, errors.New("clickhouse address is required")
	}
	conn, err := openConn(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := pingConn(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	logger.Info("connected to clickhouse", zap.String("addr", opts.Addr), zap.String("database", opts.Database))
	return conn, nil
}

// ClickHouseSource replays ticks archived in the ticks table. Expected
// layout:
//
//	CREATE TABLE ticks (
//	    ts              DateTime64(3, 'UTC'),
//	    source          LowCardinality(String),
//	    ticker          LowCardinality(String),
//	    mid             Nullable(Float64),
//	    spread_bps      Nullable(Float64),
//	    quote_age_ms    Nullable(Int64),
//	    impact_buy_bps  Nullable(Float64),
//	    impact_sell_bps Nullable(Float64),
//	    long_oi         Nullable(Float64),
//	    short_oi        Nullable(Float64)
//	) ENGINE = MergeTree ORDER BY (ticker, ts)
type ClickHouseSource struct {
	conn   Querier
	tracer trace.Tracer
}

func NewClickHouseSource(conn Querier, tracer trace.Tracer) *ClickHouseSource {
	return &ClickHouseSource{conn: conn, tracer: tracer}
}

const ticksQuery = `
SELECT ts, source, ticker, mid, spread_bps, quote_age_ms,
       impact_buy_bps, impact_sell_bps, long_oi, short_oi
FROM ticks
WHERE ticker = ? AND ts >= ? AND ts <= ?
ORDER BY ts`

// Ticks returns the archived ticks for ticker in [start, end], oldest first.
func (s *ClickHouseSource) Ticks(ctx context.Context, ticker string, start, end time.Time) ([]domain.Tick, error) {
	ctx, span := s.tracer.Start(ctx, "clickhouse.ticks")
	defer span.End()
	span.SetAttributes(attribute.String("ticker", ticker))

	rows, err := s.conn.Query(ctx, ticksQuery, ticker, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("query ticks: %w", err)
	}
	defer rows.Close()

	var out []domain.Tick
	for rows.Next() {
		var t domain.Tick
		if err := rows.Scan(
			&t.Timestamp, &t.Source, &t.Ticker, &t.Mid, &t.SpreadBps, &t.QuoteAgeMs,
			&t.ImpactBuyBps, &t.ImpactSellBps, &t.LongOI, &t.ShortOI,
		); err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		t.Timestamp = t.Timestamp.UTC()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ticks: %w", err)
	}
	span.SetAttributes(attribute.Int("ticks", len(out)))
	return out, nil
}

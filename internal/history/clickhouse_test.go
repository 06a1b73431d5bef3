package history

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"trapwatch/internal/backtest"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var _ backtest.TickSource = (*ClickHouseSource)(nil)

type fakeRows struct {
	data [][]any
	pos  int
	err  error
}

var _ driver.Rows = (*fakeRows)(nil)

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.pos-1]
	for i, d := range dest {
		switch p := d.(type) {
		case *time.Time:
			*p = row[i].(time.Time)
		case *string:
			*p = row[i].(string)
		case **float64:
			if row[i] != nil {
				v := row[i].(float64)
				*p = &v
			}
		case **int64:
			if row[i] != nil {
				v := row[i].(int64)
				*p = &v
			}
		}
	}
	return nil
}

func (r *fakeRows) ScanStruct(any) error             { return nil }
func (r *fakeRows) ColumnTypes() []driver.ColumnType { return nil }
func (r *fakeRows) Totals(...any) error              { return nil }
func (r *fakeRows) Columns() []string                { return nil }
func (r *fakeRows) Close() error                     { return nil }
func (r *fakeRows) Err() error                       { return r.err }

type fakeQuerier struct {
	rows  *fakeRows
	err   error
	query string
	args  []any
}

var _ Querier = (*fakeQuerier)(nil)

func (q *fakeQuerier) Query(_ context.Context, query string, args ...any) (driver.Rows, error) {
	q.query = query
	q.args = args
	if q.err != nil {
		return nil, q.err
	}
	return q.rows, nil
}

func testTracer() trace.Tracer {
	return trace.NewNoopTracerProvider().Tracer("test")
}

func TestTicksScansNullableColumns(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	q := &fakeQuerier{rows: &fakeRows{data: [][]any{
		{t0, "bybit", "ETH", 3000.5, 1.2, int64(150), 0.4, 0.5, 10.0, 8.0},
		{t0.Add(time.Second), "bybit", "ETH", nil, nil, nil, nil, nil, nil, nil},
	}}}
	src := NewClickHouseSource(q, testTracer())

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ticks, err := src.Ticks(context.Background(), "ETH", start, start.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ticks) != 2 {
		t.Fatalf("expected 2 ticks, got %d", len(ticks))
	}
	first := ticks[0]
	if first.Mid == nil || *first.Mid != 3000.5 || *first.QuoteAgeMs != 150 || *first.ShortOI != 8 {
		t.Fatalf("unexpected first tick %+v", first)
	}
	if first.Timestamp.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp, got %v", first.Timestamp.Location())
	}
	if ticks[1].Mid != nil || ticks[1].SpreadBps != nil {
		t.Fatalf("expected nil optionals, got %+v", ticks[1])
	}
	if q.args[0] != "ETH" || !strings.Contains(q.query, "ORDER BY ts") {
		t.Fatalf("unexpected query %q args %v", q.query, q.args)
	}
}

func TestTicksPropagatesErrors(t *testing.T) {
	src := NewClickHouseSource(&fakeQuerier{err: errors.New("timeout")}, testTracer())
	if _, err := src.Ticks(context.Background(), "ETH", time.Time{}, time.Now()); err == nil {
		t.Fatal("expected query error")
	}

	src = NewClickHouseSource(&fakeQuerier{rows: &fakeRows{err: errors.New("broken stream")}}, testTracer())
	if _, err := src.Ticks(context.Background(), "ETH", time.Time{}, time.Now()); err == nil {
		t.Fatal("expected iteration error")
	}
}

func TestTicksEmptyRange(t *testing.T) {
	src := NewClickHouseSource(&fakeQuerier{rows: &fakeRows{}}, testTracer())
	ticks, err := src.Ticks(context.Background(), "BTC", time.Time{}, time.Now())
	if err != nil || len(ticks) != 0 {
		t.Fatalf("expected empty result, got %v, %v", ticks, err)
	}
}

func TestOpenRequiresAddress(t *testing.T) {
	if _, err := Open(context.Background(), Options{}, zap.NewNop()); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestOpenReportsDialError(t *testing.T) {
	orig := openConn
	t.Cleanup(func() { openConn = orig })
	var got *clickhouse.Options
	openConn = func(opts *clickhouse.Options) (driver.Conn, error) {
		got = opts
		return nil, errors.New("refused")
	}

	_, err := Open(context.Background(), Options{Addr: "ch:9000", Database: "market", Username: "u"}, zap.NewNop())
	if err == nil {
		t.Fatal("expected dial error")
	}
	if got == nil || got.Addr[0] != "ch:9000" || got.Auth.Database != "market" || got.Auth.Username != "u" {
		t.Fatalf("unexpected options %+v", got)
	}
}

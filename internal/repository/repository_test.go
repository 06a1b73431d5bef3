package repository

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"trapwatch/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"
)

type fakePool struct {
	execTag  string
	execErr  error
	rows     [][]any
	row      []any
	rowErr   error
	lastSQL  string
	lastArgs []any
}

var _ PgxPool = (*fakePool)(nil)

func (p *fakePool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.lastSQL, p.lastArgs = sql, args
	return pgconn.NewCommandTag(p.execTag), p.execErr
}

func (p *fakePool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.lastSQL, p.lastArgs = sql, args
	return &fakeRows{data: p.rows, idx: -1}, nil
}

func (p *fakePool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	p.lastSQL, p.lastArgs = sql, args
	return fakeRow{values: p.row, err: p.rowErr}
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return scanInto(r.values, dest)
}

type fakeRows struct {
	data [][]any
	idx  int
}

var _ pgx.Rows = (*fakeRows)(nil)

func (r *fakeRows) Close() {}
func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx < len(r.data)
}
func (r *fakeRows) Scan(dest ...any) error { return scanInto(r.data[r.idx], dest) }
func (r *fakeRows) Values() ([]any, error) { return r.data[r.idx], nil }
func (r *fakeRows) RawValues() [][]byte { return nil }
func (r *fakeRows) Conn() *pgx.Conn { return nil }

func scanInto(values []any, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("scan: %d values into %d destinations", len(values), len(dest))
	}
	for i, v := range values {
		dv := reflect.ValueOf(dest[i]).Elem()
		if v == nil {
			dv.Set(reflect.Zero(dv.Type()))
			continue
		}
		val := reflect.ValueOf(v)
		if dv.Kind() == reflect.Pointer && val.Type() != dv.Type() {
			p := reflect.New(dv.Type().Elem())
			p.Elem().Set(val.Convert(dv.Type().Elem()))
			dv.Set(p)
			continue
		}
		dv.Set(val.Convert(dv.Type()))
	}
	return nil
}

func testTracer() trace.Tracer {
	return trace.NewNoopTracerProvider().Tracer("test")
}

func TestCloseSignalOnlyUpdatesPending(t *testing.T) {
	pool := &fakePool{execTag: "UPDATE 1"}
	repo := NewSignalRepository(pool, testTracer())
	closedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := repo.CloseSignal(context.Background(), 42, domain.StatusTPHit, 40, closedAt); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !strings.Contains(pool.lastSQL, "status = 'PENDING'") {
		t.Fatalf("update must be guarded by PENDING status: %s", pool.lastSQL)
	}
	if pool.lastArgs[0] != int64(42) || pool.lastArgs[1] != "TP_HIT" {
		t.Fatalf("unexpected args %v", pool.lastArgs)
	}

	pool.execTag = "UPDATE 0"
	err := repo.CloseSignal(context.Background(), 42, domain.StatusSLHit, -20, closedAt)
	if !errors.Is(err, ErrNotFound) || !errors.Is(err, domain.ErrSignalNotPending) {
		t.Fatalf("expected not found and not pending, got %v", err)
	}
}

func TestCloseSignalRejectsNonTerminalStatus(t *testing.T) {
	pool := &fakePool{execTag: "UPDATE 1"}
	repo := NewSignalRepository(pool, testTracer())
	if err := repo.CloseSignal(context.Background(), 1, domain.StatusPending, 0, time.Now()); err == nil {
		t.Fatal("expected error for PENDING target status")
	}
	if pool.lastSQL != "" {
		t.Fatal("no statement should be executed")
	}
}

func TestSignalStats(t *testing.T) {
	pool := &fakePool{row: []any{int64(10), int64(2), int64(5), int64(2), int64(1), 12.5}}
	repo := NewSignalRepository(pool, testTracer())

	st, err := repo.SignalStats(context.Background(), "bybit", "ETH")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Total != 10 || st.Pending != 2 || st.TPHit != 5 || st.SLHit != 2 || st.Expired != 1 {
		t.Fatalf("unexpected counts %+v", st)
	}
	if want := 5.0 / 7.0; st.WinRate != want {
		t.Fatalf("expected win rate %v, got %v", want, st.WinRate)
	}
	if st.AvgPnlBps != 12.5 {
		t.Fatalf("expected avg pnl 12.5, got %v", st.AvgPnlBps)
	}
}

func TestWinRate(t *testing.T) {
	if WinRate(0, 0) != 0 {
		t.Fatal("no closed signals should give 0")
	}
	if WinRate(3, 1) != 0.75 {
		t.Fatalf("expected 0.75, got %v", WinRate(3, 1))
	}
}

func signalRow(id int64, status string, filters string) []any {
	return []any{id, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), "bybit", "ETH", "SHORT", 100.0, 99.0, 100.5,
		100.6, 99.99, 0.8, "range 20m", filters, status, nil, nil}
}

func TestListSignalsBuildsFilter(t *testing.T) {
	pool := &fakePool{rows: [][]any{signalRow(3, "PENDING", `["SpreadFilter","RSIFilter"]`)}}
	repo := NewSignalRepository(pool, testTracer())

	out, err := repo.ListSignals(context.Background(), domain.SignalFilter{Ticker: "ETH", Status: domain.StatusPending})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(pool.lastSQL, "ticker = $1 AND status = $2") || !strings.Contains(pool.lastSQL, "LIMIT $3") {
		t.Fatalf("unexpected query %s", pool.lastSQL)
	}
	if len(pool.lastArgs) != 3 || pool.lastArgs[2] != defaultLimit {
		t.Fatalf("unexpected args %v", pool.lastArgs)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 signal, got %d", len(out))
	}
	s := out[0]
	if s.Side != domain.SideShort || s.Status != domain.StatusPending || s.ResultPnlBps != nil || s.ClosedAt != nil {
		t.Fatalf("unexpected signal %+v", s)
	}
	if len(s.FiltersPassed) != 2 || s.FiltersPassed[1] != "RSIFilter" {
		t.Fatalf("filters not decoded: %v", s.FiltersPassed)
	}
}

func TestListSignalsWithoutFilter(t *testing.T) {
	pool := &fakePool{}
	repo := NewSignalRepository(pool, testTracer())
	if _, err := repo.ListSignals(context.Background(), domain.SignalFilter{Limit: 5000}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if strings.Contains(pool.lastSQL, "WHERE") {
		t.Fatalf("unexpected WHERE clause: %s", pool.lastSQL)
	}
	if pool.lastArgs[0] != maxLimit {
		t.Fatalf("limit should be clamped to %d, got %v", maxLimit, pool.lastArgs[0])
	}
}

func TestSnapshotTicksScansNullableColumns(t *testing.T) {
	ts := time.Date(2026, 2, 1, 9, 0, 0, 0, time.FixedZone("x", 3600))
	pool := &fakePool{rows: [][]any{
		{"bybit", "BTC", ts, 65000.0, 1.2, int64(150), nil, nil, 1e6, nil, 65001.0, 0.0001, 2e9},
		{"bybit", "BTC", ts.Add(time.Second), nil, nil, nil, nil, nil, nil, nil, nil, nil, nil},
	}}
	repo := NewSnapshotRepository(pool, testTracer())

	ticks, err := repo.Ticks(context.Background(), "BTC", ts, ts.Add(time.Minute))
	if err != nil {
		t.Fatalf("ticks: %v", err)
	}
	if len(ticks) != 2 {
		t.Fatalf("expected 2 ticks, got %d", len(ticks))
	}
	if ticks[0].Mid == nil || *ticks[0].Mid != 65000 || ticks[0].ImpactBuyBps != nil || *ticks[0].QuoteAgeMs != 150 {
		t.Fatalf("unexpected first tick %+v", ticks[0])
	}
	if ticks[0].Timestamp.Location() != time.UTC {
		t.Fatal("timestamps should be normalised to UTC")
	}
	if ticks[1].Mid != nil {
		t.Fatal("NULL mid should stay nil")
	}
	if !strings.Contains(pool.lastSQL, "ORDER BY ts ASC") {
		t.Fatalf("ticks must be ordered ascending: %s", pool.lastSQL)
	}
}

func TestGetRunNotFound(t *testing.T) {
	pool := &fakePool{rowErr: pgx.ErrNoRows}
	repo := NewBacktestRepository(pool, testTracer())
	if _, err := repo.GetRun(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetRunDecodesParamsAndResult(t *testing.T) {
	created := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	pool := &fakePool{row: []any{"run-1", "backtest", "ETH", created.Add(-48 * time.Hour), created, `{"rr_ratio":2}`,
		int64(4), 0.5, 2.0, 10.0, 5.0, nil, `{"ticker":"ETH"}`, created}}
	repo := NewBacktestRepository(pool, testTracer())

	run, err := repo.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if run.Kind != domain.RunBacktest || run.Params["rr_ratio"] != 2 || run.ProfitFactor != 2 || run.SharpeRatio != 0 {
		t.Fatalf("unexpected run %+v", run)
	}
	if string(run.Result) != `{"ticker":"ETH"}` {
		t.Fatalf("unexpected result %s", run.Result)
	}
}

func TestAckAlertMissing(t *testing.T) {
	pool := &fakePool{execTag: "UPDATE 0"}
	repo := NewAlertRepository(pool, testTracer())
	if err := repo.AckAlert(context.Background(), 9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	pool.execTag = "UPDATE 1"
	if err := repo.AckAlert(context.Background(), 9); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestListAlertsUnackedOnly(t *testing.T) {
	pool := &fakePool{rows: [][]any{
		{int64(1), time.Now(), "PRICE_SPIKE", "HIGH", "bybit", "ETH", "spike", `{"change_bps":61}`, false},
	}}
	repo := NewAlertRepository(pool, testTracer())
	out, err := repo.ListAlerts(context.Background(), domain.AlertFilter{UnackedOnly: true, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(pool.lastSQL, "NOT acknowledged") {
		t.Fatalf("unexpected query %s", pool.lastSQL)
	}
	if len(out) != 1 || out[0].Type != domain.AlertPriceSpike || out[0].Data["change_bps"] != 61.0 {
		t.Fatalf("unexpected alerts %+v", out)
	}
}

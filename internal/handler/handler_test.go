package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trapwatch/internal/backtest"
	"trapwatch/internal/cache"
	"trapwatch/internal/config"
	"trapwatch/internal/domain"
	"trapwatch/internal/provider"
	"trapwatch/internal/repository"
	"trapwatch/internal/walkforward"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func newTestHandler(deps Deps) *Handler {
	h := New(trace.NewNoopTracerProvider().Tracer("handler-test"), zap.NewNop(), deps)
	h.now = func() time.Time { return testNow }
	return h
}

func newTestRouter(h *Handler, apiKey string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.RegisterRoutes(r, apiKey)
	return r
}

func do(r http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type stubCache struct {
	feature *domain.Feature
	err     error
	calls   int
}

func (s *stubCache) Latest(_ context.Context, source, ticker string) (*domain.Feature, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.feature, nil
}

type stubFeatures struct {
	latest     *domain.Feature
	err        error
	list       []domain.Feature
	lastSource string
	lastLimit  int
}

func (s *stubFeatures) Latest(_ context.Context, source, _ string) (*domain.Feature, error) {
	s.lastSource = source
	return s.latest, s.err
}

func (s *stubFeatures) List(_ context.Context, _ string, limit int) ([]domain.Feature, error) {
	s.lastLimit = limit
	return s.list, s.err
}

type stubSignals struct {
	signals []domain.Signal
	filter  domain.SignalFilter
}

func (s *stubSignals) ListSignals(_ context.Context, f domain.SignalFilter) ([]domain.Signal, error) {
	s.filter = f
	return s.signals, nil
}

type stubAlerts struct {
	filter domain.AlertFilter
	acked  int64
	ackErr error
}

func (s *stubAlerts) ListAlerts(_ context.Context, f domain.AlertFilter) ([]domain.Alert, error) {
	s.filter = f
	return []domain.Alert{{ID: 1, Type: domain.AlertPriceSpike}}, nil
}

func (s *stubAlerts) AckAlert(_ context.Context, id int64) error {
	s.acked = id
	return s.ackErr
}

type stubRuns struct {
	run *domain.BacktestRun
	err error
}

func (s *stubRuns) GetRun(context.Context, string) (*domain.BacktestRun, error) { return s.run, s.err }
func (s *stubRuns) ListRuns(context.Context, int) ([]domain.BacktestRun, error) {
	return []domain.BacktestRun{}, s.err
}

type stubBacktester struct {
	req backtest.Request
	err error
}

func (s *stubBacktester) Run(_ context.Context, req backtest.Request) (*domain.BacktestResult, error) {
	s.req = req
	if s.err != nil {
		return nil, s.err
	}
	return &domain.BacktestResult{RunID: "run-1", Ticker: req.Ticker}, nil
}

type stubWalkForward struct {
	req walkforward.Request
	err error
}

func (s *stubWalkForward) Run(_ context.Context, req walkforward.Request) (*domain.WalkForwardResult, error) {
	s.req = req
	if s.err != nil {
		return nil, s.err
	}
	return &domain.WalkForwardResult{RunID: "wf-1", Ticker: req.Ticker}, nil
}

type stubKlines struct {
	err error
}

func (s *stubKlines) FetchKlines(_ context.Context, _, _ string, limit int) ([]domain.Kline, error) {
	if s.err != nil {
		return nil, s.err
	}
	return make([]domain.Kline, min(limit, 3)), nil
}

type stubLane struct {
	lane   domain.Lane
	active []domain.Signal
	stats  domain.SignalStats
	err    error
}

func (s *stubLane) Lane() domain.Lane       { return s.lane }
func (s *stubLane) Active() []domain.Signal { return s.active }
func (s *stubLane) Stats(context.Context) (domain.SignalStats, error) {
	return s.stats, s.err
}

var (
	_ FeatureCache      = (*stubCache)(nil)
	_ FeatureStore      = (*stubFeatures)(nil)
	_ SignalStore       = (*stubSignals)(nil)
	_ AlertStore        = (*stubAlerts)(nil)
	_ RunStore          = (*stubRuns)(nil)
	_ BacktestRunner    = (*stubBacktester)(nil)
	_ WalkForwardRunner = (*stubWalkForward)(nil)
	_ KlineFetcher      = (*stubKlines)(nil)
	_ LaneView          = (*stubLane)(nil)
)

func ethLane() *stubLane {
	return &stubLane{
		lane:   domain.Lane{Source: "bybit", Ticker: "ETH"},
		active: []domain.Signal{{ID: 4, Ticker: "ETH", Status: domain.StatusPending}},
		stats:  domain.SignalStats{Total: 3, Pending: 1, TPHit: 2, WinRate: 1},
	}
}

func TestLatestFeaturePrefersCache(t *testing.T) {
	c := &stubCache{feature: &domain.Feature{Ticker: "ETH", Mid: 3001}}
	store := &stubFeatures{latest: &domain.Feature{Ticker: "ETH", Mid: 2999}}
	r := newTestRouter(newTestHandler(Deps{FeatureCache: c, Features: store, Lanes: []LaneView{ethLane()}}), "")

	w := do(r, http.MethodGet, "/api/features/eth/latest", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var f domain.Feature
	if err := json.Unmarshal(w.Body.Bytes(), &f); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Mid != 3001 {
		t.Fatalf("expected cached feature, got mid %v", f.Mid)
	}
}

func TestLatestFeatureFallsBackToStore(t *testing.T) {
	c := &stubCache{err: cache.ErrCacheMiss}
	store := &stubFeatures{latest: &domain.Feature{Ticker: "ETH", Mid: 2999}}
	r := newTestRouter(newTestHandler(Deps{FeatureCache: c, Features: store, Lanes: []LaneView{ethLane()}}), "")

	w := do(r, http.MethodGet, "/api/features/ETH/latest", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"mid":2999`) {
		t.Fatalf("expected stored feature, got %d %s", w.Code, w.Body.String())
	}
	if c.calls != 1 || store.lastSource != "bybit" {
		t.Fatalf("expected one cache read and lane source, got %d %q", c.calls, store.lastSource)
	}
}

func TestLatestFeatureNotFound(t *testing.T) {
	store := &stubFeatures{err: fmt.Errorf("latest feature: %w", repository.ErrNotFound)}
	r := newTestRouter(newTestHandler(Deps{Features: store}), "")

	w := do(r, http.MethodGet, "/api/features/SOL/latest", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestListFeaturesClampsLimit(t *testing.T) {
	store := &stubFeatures{}
	r := newTestRouter(newTestHandler(Deps{Features: store}), "")

	w := do(r, http.MethodGet, "/api/features/ETH?limit=5000", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if store.lastLimit != 1000 {
		t.Fatalf("expected limit 1000, got %d", store.lastLimit)
	}
	if !strings.Contains(w.Body.String(), `"features":[]`) {
		t.Fatalf("expected empty list, got %s", w.Body.String())
	}
}

func TestListSignalsFilters(t *testing.T) {
	s := &stubSignals{}
	r := newTestRouter(newTestHandler(Deps{Signals: s}), "")

	w := do(r, http.MethodGet, "/api/signals?ticker=eth&status=tp_hit&limit=10", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if s.filter.Ticker != "ETH" || s.filter.Status != domain.StatusTPHit || s.filter.Limit != 10 {
		t.Fatalf("unexpected filter %+v", s.filter)
	}

	w = do(r, http.MethodGet, "/api/signals?status=bogus", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", w.Code)
	}
}

func TestActiveSignalsAndStats(t *testing.T) {
	btc := &stubLane{lane: domain.Lane{Source: "bybit", Ticker: "BTC"}}
	r := newTestRouter(newTestHandler(Deps{Lanes: []LaneView{btc, ethLane()}}), "")

	w := do(r, http.MethodGet, "/api/signals/active", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"count":1`) {
		t.Fatalf("unexpected active response %d %s", w.Code, w.Body.String())
	}

	w = do(r, http.MethodGet, "/api/signals/stats?ticker=ETH", "")
	var body struct {
		Lanes []struct {
			Source string `json:"source"`
			Ticker string `json:"ticker"`
			Total  int    `json:"total"`
		} `json:"lanes"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Lanes) != 1 || body.Lanes[0].Ticker != "ETH" || body.Lanes[0].Total != 3 {
		t.Fatalf("unexpected stats %+v", body)
	}
}

func TestSignalStatsError(t *testing.T) {
	lane := &stubLane{lane: domain.Lane{Source: "bybit", Ticker: "ETH"}, err: errors.New("db down")}
	r := newTestRouter(newTestHandler(Deps{Lanes: []LaneView{lane}}), "")

	if w := do(r, http.MethodGet, "/api/signals/stats", ""); w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestRunBacktestRequiresAPIKey(t *testing.T) {
	bt := &stubBacktester{}
	r := newTestRouter(newTestHandler(Deps{Backtester: bt}), "secret")

	if w := do(r, http.MethodPost, "/api/backtest", `{"ticker":"eth"}`); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	w := do(r, http.MethodPost, "/api/backtest", `{"ticker":"eth","days":3}`, "X-API-Key", "secret")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", w.Code, w.Body.String())
	}
	if bt.req.Ticker != "ETH" || !bt.req.End.Equal(testNow) || !bt.req.Start.Equal(testNow.Add(-72*time.Hour)) {
		t.Fatalf("unexpected request %+v", bt.req)
	}
}

func TestRunBacktestExplicitRangeAndErrors(t *testing.T) {
	bt := &stubBacktester{}
	r := newTestRouter(newTestHandler(Deps{Backtester: bt}), "")

	body := `{"ticker":"BTC","start":"2026-05-01T00:00:00Z","end":"2026-05-02T00:00:00Z","params":{"rr_ratio":3}}`
	if w := do(r, http.MethodPost, "/api/backtest", body); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if bt.req.End.Sub(bt.req.Start) != 24*time.Hour || bt.req.Params["rr_ratio"] != 3 {
		t.Fatalf("unexpected request %+v", bt.req)
	}

	if w := do(r, http.MethodPost, "/api/backtest", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without ticker, got %d", w.Code)
	}
	inverted := `{"ticker":"BTC","start":"2026-05-03T00:00:00Z","end":"2026-05-02T00:00:00Z"}`
	if w := do(r, http.MethodPost, "/api/backtest", inverted); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for inverted range, got %d", w.Code)
	}

	bt.err = fmt.Errorf("%w: foo", config.ErrUnknownParam)
	if w := do(r, http.MethodPost, "/api/backtest", `{"ticker":"BTC"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown param, got %d", w.Code)
	}
	bt.err = errors.New("load ticks: timeout")
	if w := do(r, http.MethodPost, "/api/backtest", `{"ticker":"BTC"}`); w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestRunWalkForwardDefaults(t *testing.T) {
	wf := &stubWalkForward{}
	h := newTestHandler(Deps{WalkForward: wf, Defaults: Defaults{BacktestDays: 7, TrainDays: 7, TestDays: 1}})
	r := newTestRouter(h, "")

	w := do(r, http.MethodPost, "/api/walk-forward", `{"ticker":"eth"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", w.Code, w.Body.String())
	}
	if wf.req.TrainDays != 7 || wf.req.TestDays != 1 || wf.req.End.Sub(wf.req.Start) != 14*24*time.Hour {
		t.Fatalf("unexpected request %+v", wf.req)
	}

	wf.err = walkforward.ErrInvalidWindow
	if w := do(r, http.MethodPost, "/api/walk-forward", `{"ticker":"eth"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestBacktestRunLookup(t *testing.T) {
	runs := &stubRuns{run: &domain.BacktestRun{ID: "0b6f3f9e-2d1c-4a8e-9d5b-0c2f1e4a7b11", Kind: domain.RunBacktest}}
	r := newTestRouter(newTestHandler(Deps{Runs: runs}), "")

	if w := do(r, http.MethodGet, "/api/backtest/not-a-uuid", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/api/backtest/0b6f3f9e-2d1c-4a8e-9d5b-0c2f1e4a7b11", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	runs.err = repository.ErrNotFound
	if w := do(r, http.MethodGet, "/api/backtest/0b6f3f9e-2d1c-4a8e-9d5b-0c2f1e4a7b11", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	runs.err = nil
	if w := do(r, http.MethodGet, "/api/backtest", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for list, got %d", w.Code)
	}
}

func TestAlertsListAndAck(t *testing.T) {
	alerts := &stubAlerts{}
	r := newTestRouter(newTestHandler(Deps{Alerts: alerts}), "k")

	w := do(r, http.MethodGet, "/api/alerts?ticker=eth&type=price_spike&unacked=true", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if alerts.filter.Ticker != "ETH" || alerts.filter.Type != domain.AlertPriceSpike || !alerts.filter.UnackedOnly {
		t.Fatalf("unexpected filter %+v", alerts.filter)
	}

	if w := do(r, http.MethodPost, "/api/alerts/12/ack", "", "X-API-Key", "k"); w.Code != http.StatusOK || alerts.acked != 12 {
		t.Fatalf("expected ack of 12, got %d %d", w.Code, alerts.acked)
	}
	if w := do(r, http.MethodPost, "/api/alerts/abc/ack", "", "X-API-Key", "k"); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	alerts.ackErr = fmt.Errorf("ack alert 9: %w", repository.ErrNotFound)
	if w := do(r, http.MethodPost, "/api/alerts/9/ack", "", "X-API-Key", "k"); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestKlines(t *testing.T) {
	k := &stubKlines{}
	r := newTestRouter(newTestHandler(Deps{Klines: k}), "")

	w := do(r, http.MethodGet, "/api/klines/eth?interval=5m&limit=2", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"interval":"5m"`) {
		t.Fatalf("unexpected response %d %s", w.Code, w.Body.String())
	}

	k.err = fmt.Errorf("%w %q", provider.ErrUnsupportedInterval, "7m")
	if w := do(r, http.MethodGet, "/api/klines/eth?interval=7m", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	k.err = errors.New("bybit: 503")
	if w := do(r, http.MethodGet, "/api/klines/eth", ""); w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
}

func TestMissingStoresAnswer503(t *testing.T) {
	r := newTestRouter(newTestHandler(Deps{}), "")
	for _, path := range []string{"/api/signals", "/api/alerts", "/api/backtest", "/api/klines/ETH", "/api/features/ETH"} {
		if w := do(r, http.MethodGet, path, ""); w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, w.Code)
		}
	}
}

func TestOptionalRoutesMounted(t *testing.T) {
	events := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	r := newTestRouter(newTestHandler(Deps{Events: events, Metrics: metrics}), "")

	if w := do(r, http.MethodGet, "/ws/events", ""); w.Code != http.StatusTeapot {
		t.Fatalf("expected events handler, got %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/metrics", ""); w.Body.String() != "ok" {
		t.Fatalf("expected metrics handler, got %q", w.Body.String())
	}
}

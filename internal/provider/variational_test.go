package provider

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"
)

const ethListing = `{
	"ticker":"ETH","mark_price":"100.011","funding_rate":"0.0001","volume_24h":"987654",
	"quotes":{
		"size_1k":{"bid":"100","ask":"100.02"},
		"size_100k":{"bid":"99.9","ask":"100.1"},
		"updated_at":"2026-01-01T00:00:00Z"},
	"open_interest":{"long_open_interest":"1500","short_open_interest":"1000"}}`

const btcListing = `{"ticker":"BTC","quotes":{"size_1k":{"bid":"90000","ask":"90010"}}}`

func newVariationalProvider(t *testing.T, handler http.HandlerFunc) *VariationalProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p := NewVariationalProvider(trace.NewNoopTracerProvider().Tracer("test"))
	p.baseURL = srv.URL
	p.client = srv.Client()
	p.now = func() time.Time { return time.UnixMilli(1767225600250) }
	p.retryDelay = time.Millisecond
	return p
}

func TestVariationalFetchTick(t *testing.T) {
	p := newVariationalProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/metadata/stats" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`[` + btcListing + `,` + ethListing + `]`))
	})

	tick, err := p.FetchTick(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if tick.Source != "variational" || tick.Ticker != "ETH" {
		t.Fatalf("unexpected lane %s:%s", tick.Source, tick.Ticker)
	}
	if tick.Mid == nil || *tick.Mid != 100.01 {
		t.Fatalf("expected mid 100.01, got %v", tick.Mid)
	}

	cases := []struct {
		name string
		got  *float64
		want float64
	}{
		{"spread", tick.SpreadBps, 0.02 / 100.01 * 1e4},
		{"impact buy", tick.ImpactBuyBps, 0.08 / 100.01 * 1e4},
		{"impact sell", tick.ImpactSellBps, 0.1 / 100.01 * 1e4},
		{"long oi", tick.LongOI, 1500},
		{"short oi", tick.ShortOI, 1000},
		{"mark", tick.MarkPrice, 100.011},
		{"funding", tick.FundingRate, 0.0001},
		{"volume", tick.Volume24h, 987654},
	}
	for _, tc := range cases {
		if tc.got == nil || math.Abs(*tc.got-tc.want) > 1e-9 {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, tc.got)
		}
	}
	if tick.QuoteAgeMs == nil || *tick.QuoteAgeMs != 250 {
		t.Fatalf("expected quote age 250ms, got %v", tick.QuoteAgeMs)
	}
}

func TestVariationalResponseShapes(t *testing.T) {
	bodies := map[string]string{
		"listings": `{"listings":[` + btcListing + `,` + ethListing + `]}`,
		"data":     `{"data":[` + ethListing + `]}`,
		"single":   ethListing,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			p := newVariationalProvider(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			})
			tick, err := p.FetchTick(context.Background(), "eth")
			if err != nil {
				t.Fatalf("fetch: %v", err)
			}
			if tick.Mid == nil || *tick.Mid != 100.01 {
				t.Fatalf("expected mid 100.01, got %v", tick.Mid)
			}
		})
	}
}

func TestVariationalMissingTicker(t *testing.T) {
	p := newVariationalProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[` + btcListing + `]`))
	})
	_, err := p.FetchTick(context.Background(), "ETH")
	if !errors.Is(err, ErrTickerNotListed) {
		t.Fatalf("expected ErrTickerNotListed, got %v", err)
	}
}

func TestVariationalOneSidedQuote(t *testing.T) {
	p := newVariationalProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"ticker":"ETH","quotes":{"size_1k":{"bid":"100"}},
			"open_interest":{"long_open_interest":"10"}}]`))
	})
	tick, err := p.FetchTick(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if tick.Mid != nil || tick.SpreadBps != nil || tick.ImpactBuyBps != nil || tick.QuoteAgeMs != nil {
		t.Fatalf("expected no derived quote fields, got %+v", tick)
	}
	if tick.LongOI == nil || *tick.LongOI != 10 || tick.ShortOI != nil {
		t.Fatalf("unexpected open interest %v / %v", tick.LongOI, tick.ShortOI)
	}
}

func TestVariationalRetriesAfterThrottle(t *testing.T) {
	var calls atomic.Int32
	p := newVariationalProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`[` + ethListing + `]`))
	})

	tick, err := p.FetchTick(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("expected success after 429, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 requests, got %d", calls.Load())
	}
	if tick.Mid == nil {
		t.Fatal("expected mid after retry")
	}
}

func TestVariationalClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	p := newVariationalProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := p.FetchTick(context.Background(), "ETH")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 status error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single request, got %d", calls.Load())
	}
}

func TestVariationalGivesUpAfterThreeAttempts(t *testing.T) {
	var calls atomic.Int32
	p := newVariationalProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	if _, err := p.FetchTick(context.Background(), "ETH"); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestStatusBackOff(t *testing.T) {
	throttle := &StatusError{Code: http.StatusTooManyRequests}
	unavailable := &StatusError{Code: http.StatusServiceUnavailable}

	b := &statusBackOff{delay: time.Second}
	b.observe(throttle)
	if d := b.NextBackOff(); d != time.Second {
		t.Fatalf("first throttle wait: expected 1s, got %v", d)
	}
	b.observe(throttle)
	if d := b.NextBackOff(); d != 2*time.Second {
		t.Fatalf("second throttle wait: expected 2s, got %v", d)
	}
	b.observe(throttle)
	if d := b.NextBackOff(); d != 4*time.Second {
		t.Fatalf("third throttle wait: expected 4s, got %v", d)
	}

	b.Reset()
	b.observe(unavailable)
	b.observe(errors.New("connection reset"))
	if d := b.NextBackOff(); d != 2*time.Second {
		t.Fatalf("second server failure wait: expected 2s, got %v", d)
	}
}

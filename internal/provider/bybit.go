package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"trapwatch/internal/domain"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	bybitBaseURL = "https://api.bybit.com"
	bybitSource  = "bybit"

	orderBookDepth = 200
	maxKlineLimit  = 1000
)

// ImpactNotional is the quote size, in USDT, used to measure book impact.
var ImpactNotional = decimal.NewFromInt(100_000)

var (
	bps = decimal.NewFromInt(10_000)
	two = decimal.NewFromInt(2)

	ErrThinBook            = errors.New("order book too thin for impact notional")
	ErrUnsupportedInterval = errors.New("unsupported kline interval")
)

// BybitProvider reads linear perpetual quotes from the Bybit v5 public API.
type BybitProvider struct {
	client  *http.Client
	baseURL string
	tracer  trace.Tracer
	limiter *RateLimiter
	now     func() time.Time

	retryDelay time.Duration
}

// NewBybitProvider allows 10 requests per second, well under Bybit's public
// per-IP limit.
func NewBybitProvider(tracer trace.Tracer) *BybitProvider {
	return &BybitProvider{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: bybitBaseURL,
		tracer:  tracer,
		limiter: NewRateLimiter(10, 100*time.Millisecond),
		now:     time.Now,

		retryDelay: defaultRetryDelay,
	}
}

func (p *BybitProvider) Name() string { return bybitSource }

func symbol(ticker string) string {
	return strings.ToUpper(ticker) + "USDT"
}

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

type bybitTicker struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	Bid1Price    string `json:"bid1Price"`
	Ask1Price    string `json:"ask1Price"`
	MarkPrice    string `json:"markPrice"`
	OpenInterest string `json:"openInterest"`
	FundingRate  string `json:"fundingRate"`
	Volume24h    string `json:"volume24h"`
}

type bybitBook struct {
	Bids [][]string `json:"b"`
	Asks [][]string `json:"a"`
	TS   int64      `json:"ts"`
}

// FetchTick builds one market snapshot for ticker. Book impact is best effort:
// when the order book cannot be read the impact fields stay nil.
func (p *BybitProvider) FetchTick(ctx context.Context, ticker string) (domain.Tick, error) {
	ctx, span := p.tracer.Start(ctx, "bybit.fetch-tick")
	defer span.End()
	span.SetAttributes(attribute.String("ticker", ticker))

	q := url.Values{"category": {"linear"}, "symbol": {symbol(ticker)}}
	env, err := p.get(ctx, "/v5/market/tickers", q)
	if err != nil {
		return domain.Tick{}, fmt.Errorf("fetch ticker %s: %w", ticker, err)
	}
	var res struct {
		List []bybitTicker `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &res); err != nil {
		return domain.Tick{}, fmt.Errorf("parse ticker %s: %w", ticker, err)
	}
	if len(res.List) == 0 {
		return domain.Tick{}, fmt.Errorf("ticker %s: empty result", ticker)
	}

	now := p.now().UTC()
	tick := quoteTick(res.List[0], now)
	tick.Ticker = ticker
	if env.Time > 0 {
		tick.QuoteAgeMs = domain.Ptr(max(now.UnixMilli()-env.Time, 0))
	}

	if tick.Mid != nil {
		book, err := p.fetchBook(ctx, ticker)
		if err != nil {
			span.RecordError(err)
		} else {
			mid := decimal.NewFromFloat(*tick.Mid)
			if v, err := impactBps(book.Asks, mid, true); err == nil {
				tick.ImpactBuyBps = domain.Ptr(v)
			}
			if v, err := impactBps(book.Bids, mid, false); err == nil {
				tick.ImpactSellBps = domain.Ptr(v)
			}
		}
	}
	return tick, nil
}

// quoteTick converts a ticker row. Mid and spread use exact decimal arithmetic
// on the top of book; without a two-sided quote the last price stands in for
// mid and spread stays nil.
func quoteTick(t bybitTicker, now time.Time) domain.Tick {
	tick := domain.Tick{Source: bybitSource, Timestamp: now}

	bid, bidOK := positive(t.Bid1Price)
	ask, askOK := positive(t.Ask1Price)
	switch {
	case bidOK && askOK && ask.GreaterThanOrEqual(bid):
		mid := bid.Add(ask).Div(two)
		tick.Mid = domain.Ptr(mid.InexactFloat64())
		tick.SpreadBps = domain.Ptr(ask.Sub(bid).Div(mid).Mul(bps).InexactFloat64())
	default:
		if last, ok := positive(t.LastPrice); ok {
			tick.Mid = domain.Ptr(last.InexactFloat64())
		}
	}

	tick.MarkPrice = floatField(t.MarkPrice)
	tick.LongOI = floatField(t.OpenInterest)
	tick.FundingRate = floatField(t.FundingRate)
	tick.Volume24h = floatField(t.Volume24h)
	return tick
}

func (p *BybitProvider) fetchBook(ctx context.Context, ticker string) (bybitBook, error) {
	q := url.Values{
		"category": {"linear"},
		"symbol":   {symbol(ticker)},
		"limit":    {strconv.Itoa(orderBookDepth)},
	}
	env, err := p.get(ctx, "/v5/market/orderbook", q)
	if err != nil {
		return bybitBook{}, fmt.Errorf("fetch order book %s: %w", ticker, err)
	}
	var book bybitBook
	if err := json.Unmarshal(env.Result, &book); err != nil {
		return bybitBook{}, fmt.Errorf("parse order book %s: %w", ticker, err)
	}
	return book, nil
}

// impactBps walks levels until ImpactNotional is filled and returns how far
// the fill's VWAP sits from the best level, in bps of mid. Asks measure a buy,
// bids a sell.
func impactBps(levels [][]string, mid decimal.Decimal, buy bool) (float64, error) {
	if len(levels) == 0 || !mid.IsPositive() {
		return 0, ErrThinBook
	}
	var (
		best      decimal.Decimal
		filledQty = decimal.Zero
		spent     = decimal.Zero
		remaining = ImpactNotional
	)
	for _, lvl := range levels {
		if len(lvl) < 2 {
			continue
		}
		price, ok := positive(lvl[0])
		if !ok {
			continue
		}
		size, ok := positive(lvl[1])
		if !ok {
			continue
		}
		if best.IsZero() {
			best = price
		}
		notional := price.Mul(size)
		if notional.GreaterThanOrEqual(remaining) {
			filledQty = filledQty.Add(remaining.Div(price))
			spent = spent.Add(remaining)
			remaining = decimal.Zero
			break
		}
		filledQty = filledQty.Add(size)
		spent = spent.Add(notional)
		remaining = remaining.Sub(notional)
	}
	if remaining.IsPositive() || filledQty.IsZero() {
		return 0, ErrThinBook
	}

	vwap := spent.Div(filledQty)
	diff := vwap.Sub(best)
	if !buy {
		diff = best.Sub(vwap)
	}
	return diff.Div(mid).Mul(bps).InexactFloat64(), nil
}

var klineIntervals = map[string]string{
	"1m": "1", "3m": "3", "5m": "5", "15m": "15", "30m": "30",
	"1h": "60", "2h": "120", "4h": "240", "6h": "360", "12h": "720",
	"1d": "D", "1w": "W",
}

// FetchKlines returns up to limit bars, oldest first. limit is capped at 1000.
func (p *BybitProvider) FetchKlines(ctx context.Context, ticker, interval string, limit int) ([]domain.Kline, error) {
	ctx, span := p.tracer.Start(ctx, "bybit.fetch-klines")
	defer span.End()

	code, ok := klineIntervals[strings.ToLower(interval)]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedInterval, interval)
	}
	if limit <= 0 {
		limit = 200
	}
	limit = min(limit, maxKlineLimit)
	span.SetAttributes(attribute.String("ticker", ticker), attribute.Int("limit", limit))

	q := url.Values{
		"category": {"linear"},
		"symbol":   {symbol(ticker)},
		"interval": {code},
		"limit":    {strconv.Itoa(limit)},
	}
	env, err := p.get(ctx, "/v5/market/kline", q)
	if err != nil {
		return nil, fmt.Errorf("fetch klines %s: %w", ticker, err)
	}
	var res struct {
		List [][]string `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &res); err != nil {
		return nil, fmt.Errorf("parse klines %s: %w", ticker, err)
	}

	klines := make([]domain.Kline, 0, len(res.List))
	for _, row := range res.List {
		k, ok := parseKline(row)
		if ok {
			klines = append(klines, k)
		}
	}
	slices.SortFunc(klines, func(a, b domain.Kline) int {
		return a.OpenTime.Compare(b.OpenTime)
	})
	return klines, nil
}

func parseKline(row []string) (domain.Kline, bool) {
	if len(row) < 6 {
		return domain.Kline{}, false
	}
	ms, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return domain.Kline{}, false
	}
	vals := make([]float64, 5)
	for i := range vals {
		v, err := strconv.ParseFloat(row[i+1], 64)
		if err != nil {
			return domain.Kline{}, false
		}
		vals[i] = v
	}
	return domain.Kline{
		OpenTime: time.UnixMilli(ms).UTC(),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}, true
}

func (p *BybitProvider) get(ctx context.Context, path string, q url.Values) (*bybitEnvelope, error) {
	body, err := fetch(ctx, p.client, p.limiter, p.retryDelay, bybitSource, p.baseURL+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var env bybitEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if env.RetCode != 0 {
		return nil, fmt.Errorf("bybit retCode %d: %s", env.RetCode, env.RetMsg)
	}
	return &env, nil
}

func positive(s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil || !d.IsPositive() {
		return decimal.Decimal{}, false
	}
	return d, true
}

func floatField(s string) *float64 {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

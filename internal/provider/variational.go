package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"trapwatch/internal/domain"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	variationalBaseURL = "https://omni-client-api.prod.ap-northeast-1.variational.io"
	variationalSource  = "variational"
)

var ErrTickerNotListed = errors.New("ticker not listed")

// VariationalProvider reads RFQ quotes from the Variational Omni stats
// endpoint. One request returns every listing; quotes come priced at 1k and
// 100k notional so impact needs no book walk.
type VariationalProvider struct {
	client  *http.Client
	baseURL string
	tracer  trace.Tracer
	limiter *RateLimiter
	now     func() time.Time

	retryDelay time.Duration
}

// NewVariationalProvider allows 10 requests per 10 seconds.
func NewVariationalProvider(tracer trace.Tracer) *VariationalProvider {
	return &VariationalProvider{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: variationalBaseURL,
		tracer:  tracer,
		limiter: NewRateLimiter(10, time.Second),
		now:     time.Now,

		retryDelay: defaultRetryDelay,
	}
}

func (p *VariationalProvider) Name() string { return variationalSource }

type variationalQuote struct {
	Bid *decimal.Decimal `json:"bid"`
	Ask *decimal.Decimal `json:"ask"`
}

type variationalListing struct {
	Ticker    string           `json:"ticker"`
	MarkPrice *decimal.Decimal `json:"mark_price"`
	Funding   *decimal.Decimal `json:"funding_rate"`
	Volume24h *decimal.Decimal `json:"volume_24h"`
	Quotes    struct {
		Size1k    variationalQuote `json:"size_1k"`
		Size100k  variationalQuote `json:"size_100k"`
		UpdatedAt string           `json:"updated_at"`
	} `json:"quotes"`
	OpenInterest struct {
		Long  *decimal.Decimal `json:"long_open_interest"`
		Short *decimal.Decimal `json:"short_open_interest"`
	} `json:"open_interest"`
}

// FetchTick reads the stats listing for ticker.
func (p *VariationalProvider) FetchTick(ctx context.Context, ticker string) (domain.Tick, error) {
	ctx, span := p.tracer.Start(ctx, "variational.fetch-tick")
	defer span.End()
	span.SetAttributes(attribute.String("ticker", ticker))

	body, err := fetch(ctx, p.client, p.limiter, p.retryDelay, variationalSource, p.baseURL+"/metadata/stats")
	if err != nil {
		return domain.Tick{}, fmt.Errorf("fetch stats %s: %w", ticker, err)
	}
	listing, err := findListing(body, ticker)
	if err != nil {
		return domain.Tick{}, fmt.Errorf("stats %s: %w", ticker, err)
	}

	tick := listing.tick(p.now().UTC())
	tick.Ticker = ticker
	return tick, nil
}

// findListing accepts a bare list, a {"listings": [...]} or {"data": [...]}
// wrapper, or a single listing object.
func findListing(body []byte, ticker string) (variationalListing, error) {
	var list []variationalListing
	if err := json.Unmarshal(body, &list); err != nil {
		var wrapped struct {
			variationalListing
			Listings []variationalListing `json:"listings"`
			Data     []variationalListing `json:"data"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return variationalListing{}, fmt.Errorf("decode response: %w", err)
		}
		switch {
		case wrapped.Listings != nil:
			list = wrapped.Listings
		case strings.EqualFold(wrapped.Ticker, ticker):
			return wrapped.variationalListing, nil
		default:
			list = wrapped.Data
		}
	}
	for _, l := range list {
		if strings.EqualFold(l.Ticker, ticker) {
			return l, nil
		}
	}
	return variationalListing{}, ErrTickerNotListed
}

func (l variationalListing) tick(now time.Time) domain.Tick {
	tick := domain.Tick{Source: variationalSource, Timestamp: now}

	bid, ask := l.Quotes.Size1k.Bid, l.Quotes.Size1k.Ask
	if bid != nil && ask != nil {
		mid := bid.Add(*ask).Div(two)
		if mid.IsPositive() {
			tick.Mid = domain.Ptr(mid.InexactFloat64())
			tick.SpreadBps = domain.Ptr(ask.Sub(*bid).Div(mid).Mul(bps).InexactFloat64())
			if ask100k := l.Quotes.Size100k.Ask; ask100k != nil {
				tick.ImpactBuyBps = domain.Ptr(ask100k.Sub(*ask).Div(mid).Mul(bps).InexactFloat64())
			}
			if bid100k := l.Quotes.Size100k.Bid; bid100k != nil {
				tick.ImpactSellBps = domain.Ptr(bid.Sub(*bid100k).Div(mid).Mul(bps).InexactFloat64())
			}
		}
	}

	if updated, err := time.Parse(time.RFC3339Nano, l.Quotes.UpdatedAt); err == nil {
		tick.QuoteAgeMs = domain.Ptr(max(now.Sub(updated).Milliseconds(), 0))
	}

	tick.MarkPrice = decimalField(l.MarkPrice)
	tick.LongOI = decimalField(l.OpenInterest.Long)
	tick.ShortOI = decimalField(l.OpenInterest.Short)
	tick.FundingRate = decimalField(l.Funding)
	tick.Volume24h = decimalField(l.Volume24h)
	return tick
}

func decimalField(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	return domain.Ptr(d.InexactFloat64())
}

package domain

import "time"

// Tick is one market snapshot for a (source, ticker) pair. Optional fields are
// nil when the source does not report them.
type Tick struct {
	Source        string    `json:"source"`
	Ticker        string    `json:"ticker"`
	Timestamp     time.Time `json:"ts"`
	Mid           *float64  `json:"mid"`
	SpreadBps     *float64  `json:"spread_bps"`
	QuoteAgeMs    *int64    `json:"quote_age_ms"`
	ImpactBuyBps  *float64  `json:"impact_buy_bps"`
	ImpactSellBps *float64  `json:"impact_sell_bps"`
	LongOI        *float64  `json:"long_oi"`
	ShortOI       *float64  `json:"short_oi"`
	MarkPrice     *float64  `json:"mark_price,omitempty"`
	FundingRate   *float64  `json:"funding_rate,omitempty"`
	Volume24h     *float64  `json:"volume_24h,omitempty"`
}

// Lane identifies an independent tick stream.
type Lane struct {
	Source string `json:"source"`
	Ticker string `json:"ticker"`
}

func (l Lane) String() string {
	return l.Source + ":" + l.Ticker
}

// Kline is an OHLCV bar used by chart endpoints.
type Kline struct {
	OpenTime time.Time `json:"time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

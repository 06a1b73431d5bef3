package domain

import (
	"encoding/json"
	"time"
)

type Feature struct {
	ID             int64     `json:"id,omitempty"`
	Timestamp      time.Time `json:"ts"`
	Source         string    `json:"source"`
	Ticker         string    `json:"ticker"`
	Mid            float64   `json:"mid"`
	Return5s       *float64  `json:"return_5s"`
	Return15s      *float64  `json:"return_15s"`
	Return60s      *float64  `json:"return_60s"`
	Std60s         *float64  `json:"std_60s"`
	RSI14          *float64  `json:"rsi_14"`
	ZScore         *float64  `json:"z_score"`
	RangeHigh20m   *float64  `json:"range_high_20m"`
	RangeLow20m    *float64  `json:"range_low_20m"`
	SpreadBps      *float64  `json:"spread_bps"`
	ImpactBuyBps   *float64  `json:"impact_buy_bps"`
	ImpactSellBps  *float64  `json:"impact_sell_bps"`
	QuoteAgeMs     *int64    `json:"quote_age_ms"`
	LongShortRatio *float64  `json:"long_short_ratio"`
}

// UnmarshalJSON accepts features produced outside the tick pipeline. A missing
// or malformed timestamp falls back to the current time.
func (f *Feature) UnmarshalJSON(data []byte) error {
	type alias Feature
	raw := struct {
		*alias
		Timestamp string `json:"ts"`
	}{alias: (*alias)(f)}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	f.Timestamp = ParseTimestamp(raw.Timestamp, time.Now().UTC())
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05",
}

// ParseTimestamp parses an ISO-8601 timestamp, returning fallback when s is
// empty or not parseable.
func ParseTimestamp(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	return fallback
}

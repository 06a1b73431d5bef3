package config

import (
	"errors"
	"fmt"
	"sort"
)

var ErrUnknownParam = errors.New("unknown strategy parameter")

// Strategy holds every detector and filter parameter. Backtests may override
// any of them by snake_case name.
type Strategy struct {
	RangeWindowMin       int     `yaml:"range_window_min" json:"range_window_min"`
	BreakoutThresholdBps float64 `yaml:"breakout_threshold_bps" json:"breakout_threshold_bps"`
	ReclaimTimeoutSec    int     `yaml:"reclaim_timeout_sec" json:"reclaim_timeout_sec"`
	SLBufferBps          float64 `yaml:"sl_buffer_bps" json:"sl_buffer_bps"`
	RRRatio              float64 `yaml:"rr_ratio" json:"rr_ratio"`
	SpreadMaxBps         float64 `yaml:"spread_max_bps" json:"spread_max_bps"`
	ImpactMaxBps         float64 `yaml:"impact_max_bps" json:"impact_max_bps"`
	QuoteAgeMaxMs        int64   `yaml:"quote_age_max_ms" json:"quote_age_max_ms"`
	VolMin               float64 `yaml:"vol_min" json:"vol_min"`
	VolMax               float64 `yaml:"vol_max" json:"vol_max"`
	RSIPeriod            int     `yaml:"rsi_period" json:"rsi_period"`
	RSIOverbought        float64 `yaml:"rsi_overbought" json:"rsi_overbought"`
	RSIOversold          float64 `yaml:"rsi_oversold" json:"rsi_oversold"`
	RSIConfirmBuffer     float64 `yaml:"rsi_confirm_buffer" json:"rsi_confirm_buffer"`
	RSILookbackSec       int     `yaml:"rsi_lookback_sec" json:"rsi_lookback_sec"`
}

func DefaultStrategy() Strategy {
	return Strategy{
		RangeWindowMin:       20,
		BreakoutThresholdBps: 5,
		ReclaimTimeoutSec:    60,
		SLBufferBps:          2,
		RRRatio:              2.0,
		SpreadMaxBps:         3,
		ImpactMaxBps:         5,
		QuoteAgeMaxMs:        5000,
		VolMin:               0.0001,
		VolMax:               0.01,
		RSIPeriod:            14,
		RSIOverbought:        75,
		RSIOversold:          25,
		RSIConfirmBuffer:     5,
		RSILookbackSec:       120,
	}
}

func (s *Strategy) fields() map[string]any {
	return map[string]any{
		"range_window_min":       &s.RangeWindowMin,
		"breakout_threshold_bps": &s.BreakoutThresholdBps,
		"reclaim_timeout_sec":    &s.ReclaimTimeoutSec,
		"sl_buffer_bps":          &s.SLBufferBps,
		"rr_ratio":               &s.RRRatio,
		"spread_max_bps":         &s.SpreadMaxBps,
		"impact_max_bps":         &s.ImpactMaxBps,
		"quote_age_max_ms":       &s.QuoteAgeMaxMs,
		"vol_min":                &s.VolMin,
		"vol_max":                &s.VolMax,
		"rsi_period":             &s.RSIPeriod,
		"rsi_overbought":         &s.RSIOverbought,
		"rsi_oversold":           &s.RSIOversold,
		"rsi_confirm_buffer":     &s.RSIConfirmBuffer,
		"rsi_lookback_sec":       &s.RSILookbackSec,
	}
}

// WithOverrides returns a copy of s with the named parameters replaced.
func (s Strategy) WithOverrides(overrides map[string]float64) (Strategy, error) {
	out := s
	fields := out.fields()
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := overrides[k]
		switch p := fields[k].(type) {
		case *int:
			*p = int(v)
		case *int64:
			*p = int64(v)
		case *float64:
			*p = v
		default:
			return s, fmt.Errorf("%w: %s", ErrUnknownParam, k)
		}
	}
	if err := out.Validate(); err != nil {
		return s, err
	}
	return out, nil
}

// AsMap flattens the parameters for storage alongside run results.
func (s Strategy) AsMap() map[string]float64 {
	out := make(map[string]float64)
	for k, f := range s.fields() {
		switch p := f.(type) {
		case *int:
			out[k] = float64(*p)
		case *int64:
			out[k] = float64(*p)
		case *float64:
			out[k] = *p
		}
	}
	return out
}

func (s Strategy) Validate() error {
	switch {
	case s.RangeWindowMin <= 0:
		return fmt.Errorf("range_window_min must be > 0, got %d", s.RangeWindowMin)
	case s.ReclaimTimeoutSec <= 0:
		return fmt.Errorf("reclaim_timeout_sec must be > 0, got %d", s.ReclaimTimeoutSec)
	case s.RRRatio <= 0:
		return fmt.Errorf("rr_ratio must be > 0, got %g", s.RRRatio)
	case s.RSIPeriod <= 0:
		return fmt.Errorf("rsi_period must be > 0, got %d", s.RSIPeriod)
	case s.VolMin > s.VolMax:
		return fmt.Errorf("vol_min %g exceeds vol_max %g", s.VolMin, s.VolMax)
	}
	return nil
}

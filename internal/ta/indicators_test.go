package ta

import (
	"math"
	"testing"
)

func approx(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestSMA(t *testing.T) {
	if _, ok := SMA([]float64{1, 2}, 3); ok {
		t.Fatal("expected insufficient data")
	}
	got, ok := SMA([]float64{1, 2, 3, 4, 5}, 3)
	if !ok || got != 4 {
		t.Fatalf("expected 4, got %v (ok=%v)", got, ok)
	}
}

func TestEMASeedsWithSMA(t *testing.T) {
	prices := []float64{10, 11, 12, 13, 14}

	if _, ok := EMA(prices[:2], 3); ok {
		t.Fatal("expected insufficient data when len < period")
	}

	ema, ok := EMA(prices[:3], 3)
	sma, _ := SMA(prices[:3], 3)
	if !ok || ema != sma {
		t.Fatalf("ema with len==period should equal sma: ema=%v sma=%v", ema, sma)
	}

	// seed 11, k=0.5: 13*0.5+11*0.5=12, 14*0.5+12*0.5=13
	ema, ok = EMA(prices, 3)
	if !ok || !approx(ema, 13, 1e-12) {
		t.Fatalf("expected 13, got %v", ema)
	}
}

func TestEMAMatchesRecurrenceOnLongSeries(t *testing.T) {
	series := make([]float64, 120)
	for i := range series {
		series[i] = 100 + 5*math.Sin(float64(i)/7)
	}
	const period = 30

	var want float64
	for _, v := range series[:period] {
		want += v
	}
	want /= period
	k := 2.0 / (period + 1)
	for _, v := range series[period:] {
		want = v*k + want*(1-k)
	}

	got, ok := EMA(series, period)
	if !ok || !approx(got, want, 1e-9) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	sma, _ := SMA(series, period)
	var tail float64
	for _, v := range series[len(series)-period:] {
		tail += v
	}
	if !approx(sma, tail/period, 1e-9) {
		t.Fatalf("sma should average the last %d values: %v vs %v", period, sma, tail/period)
	}
}

func TestRSI(t *testing.T) {
	if _, ok := RSI([]float64{1, 2, 3}, 3); ok {
		t.Fatal("expected insufficient data with len < period+1")
	}

	up := []float64{1, 2, 3, 4, 5}
	if got, _ := RSI(up, 4); got != 100 {
		t.Fatalf("only gains should give 100, got %v", got)
	}

	flat := []float64{5, 5, 5, 5, 5}
	if got, _ := RSI(flat, 4); got != 50 {
		t.Fatalf("flat series should give 50, got %v", got)
	}

	down := []float64{5, 4, 3, 2, 1}
	if got, _ := RSI(down, 4); got != 0 {
		t.Fatalf("only losses should give 0, got %v", got)
	}

	mixed := []float64{44, 44.3, 44.1, 44.6, 44.2, 45, 44.8, 45.3, 45.1, 45.6, 45.4, 46, 45.7, 46.2, 46.1, 46.5, 46.3}
	got, ok := RSI(mixed, 14)
	if !ok || got < 0 || got > 100 {
		t.Fatalf("rsi out of bounds: %v", got)
	}
}

func TestRSIBounded(t *testing.T) {
	series := make([]float64, 200)
	for i := range series {
		series[i] = 100 + 10*math.Sin(float64(i)/3) + float64(i%7)
	}
	for n := 15; n <= len(series); n++ {
		got, ok := RSI(series[:n], 14)
		if !ok {
			t.Fatalf("expected defined rsi for n=%d", n)
		}
		if got < 0 || got > 100 {
			t.Fatalf("rsi out of [0,100] for n=%d: %v", n, got)
		}
	}
}

func TestRSIFlatInputIsNeutral(t *testing.T) {
	for _, n := range []int{15, 16, 40} {
		flat := make([]float64, n)
		for i := range flat {
			flat[i] = 1234.5
		}
		got, ok := RSI(flat, 14)
		if !ok || got != 50 {
			t.Fatalf("flat series of %d should give 50, got %v (ok=%v)", n, got, ok)
		}
	}
}

func TestStd(t *testing.T) {
	if _, ok := Std([]float64{1}); ok {
		t.Fatal("expected insufficient data")
	}
	got, ok := Std([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if !ok || !approx(got, 2, 1e-12) {
		t.Fatalf("expected population std 2, got %v", got)
	}
}

func TestATR(t *testing.T) {
	highs := []float64{10, 11, 12, 13}
	lows := []float64{9, 10, 11, 12}
	closes := []float64{9.5, 10.5, 11.5, 12.5}

	if _, ok := ATR(highs[:2], lows[:2], closes[:2], 2); ok {
		t.Fatal("expected insufficient data")
	}
	if _, ok := ATR(highs, lows[:3], closes, 2); ok {
		t.Fatal("expected mismatch to be rejected")
	}

	// true ranges: 1.5, 1.5, 1.5
	got, ok := ATR(highs, lows, closes, 2)
	if !ok || !approx(got, 1.5, 1e-12) {
		t.Fatalf("expected 1.5, got %v", got)
	}
}

func TestZScoreAndReturn(t *testing.T) {
	if _, ok := ZScore(1, 1, 0); ok {
		t.Fatal("expected undefined z-score for zero std")
	}
	if z, _ := ZScore(12, 10, 2); z != 1 {
		t.Fatalf("expected 1, got %v", z)
	}
	if _, ok := Return(101, 0); ok {
		t.Fatal("expected undefined return for zero previous")
	}
	if r, _ := Return(101, 100); !approx(r, 0.01, 1e-12) {
		t.Fatalf("expected 0.01, got %v", r)
	}
}

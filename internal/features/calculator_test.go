package features

import (
	"context"
	"errors"
	"math"
	"testing"

	"trapwatch/internal/config"
	"trapwatch/internal/domain"
)

type stubFeatureStore struct {
	nextID int64
	saved  []*domain.Feature
	err    error
}

var _ FeatureStore = (*stubFeatureStore)(nil)

func (s *stubFeatureStore) InsertFeature(ctx context.Context, f *domain.Feature) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.nextID++
	s.saved = append(s.saved, f)
	return s.nextID, nil
}

var ethLane = domain.Lane{Source: "bybit", Ticker: "ETH"}

func TestCalculatorNoMid(t *testing.T) {
	c := NewCalculator(ethLane, config.DefaultStrategy(), nil)
	f, err := c.Compute(context.Background(), domain.Tick{Timestamp: t0})
	if err != nil || f != nil {
		t.Fatalf("expected no feature and no error, got %+v, %v", f, err)
	}
}

func TestCalculatorFirstTickHasNoRange(t *testing.T) {
	c := NewCalculator(ethLane, config.DefaultStrategy(), nil)
	f, err := c.Compute(context.Background(), tickAt(0, 100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.RangeHigh20m != nil || f.RangeLow20m != nil {
		t.Fatalf("range should be undefined with no prior ticks: %+v", f)
	}
	if f.Std60s != nil || f.RSI14 != nil || f.Return5s != nil {
		t.Fatalf("window stats should be undefined on a single tick: %+v", f)
	}
}

func TestCalculatorComputesFeatures(t *testing.T) {
	store := &stubFeatureStore{}
	c := NewCalculator(ethLane, config.DefaultStrategy(), store)
	ctx := context.Background()

	var f *domain.Feature
	var err error
	for i := 0; i < 30; i++ {
		tick := tickAt(i, 100+float64(i%3))
		tick.SpreadBps = domain.Ptr(1.5)
		tick.LongOI = domain.Ptr(300.0)
		tick.ShortOI = domain.Ptr(200.0)
		f, err = c.Compute(ctx, tick)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	spike := tickAt(30, 105)
	spike.SpreadBps = domain.Ptr(1.5)
	f, err = c.Compute(ctx, spike)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f.ID != 31 || len(store.saved) != 31 {
		t.Fatalf("expected persisted id 31, got %d (saved %d)", f.ID, len(store.saved))
	}
	if f.Ticker != "ETH" || f.Source != "bybit" || f.Mid != 105 {
		t.Fatalf("unexpected identity fields: %+v", f)
	}
	if f.RangeHigh20m == nil || *f.RangeHigh20m != 102 || *f.RangeLow20m != 100 {
		t.Fatalf("expected prior range [100,102], got %v %v", f.RangeHigh20m, f.RangeLow20m)
	}
	if f.Return5s == nil {
		t.Fatal("expected 5s return")
	}
	// 25s tick: 100 + 25%3 = 101
	if want := (105.0 - 101.0) / 101.0; math.Abs(*f.Return5s-want) > 1e-12 {
		t.Fatalf("expected return_5s %v, got %v", want, *f.Return5s)
	}
	if f.Std60s == nil || *f.Std60s <= 0 {
		t.Fatalf("expected positive std, got %v", f.Std60s)
	}
	if f.ZScore == nil || *f.ZScore <= 0 {
		t.Fatalf("expected positive z-score after spike, got %v", f.ZScore)
	}
	if f.RSI14 == nil || *f.RSI14 < 0 || *f.RSI14 > 100 {
		t.Fatalf("rsi out of range: %v", f.RSI14)
	}
	if f.LongShortRatio != nil {
		t.Fatalf("spike tick carries no OI, ratio should be nil: %v", *f.LongShortRatio)
	}
	if f.SpreadBps == nil || *f.SpreadBps != 1.5 {
		t.Fatalf("spread not carried over: %v", f.SpreadBps)
	}
}

func TestCalculatorLongShortRatio(t *testing.T) {
	c := NewCalculator(ethLane, config.DefaultStrategy(), nil)
	tick := tickAt(0, 100)
	tick.LongOI = domain.Ptr(300.0)
	tick.ShortOI = domain.Ptr(200.0)
	f, _ := c.Compute(context.Background(), tick)
	if f.LongShortRatio == nil || *f.LongShortRatio != 1.5 {
		t.Fatalf("expected ratio 1.5, got %v", f.LongShortRatio)
	}

	tick = tickAt(1, 100)
	tick.LongOI = domain.Ptr(300.0)
	tick.ShortOI = domain.Ptr(0.0)
	f, _ = c.Compute(context.Background(), tick)
	if f.LongShortRatio != nil {
		t.Fatalf("expected nil ratio for zero short OI, got %v", *f.LongShortRatio)
	}
}

func TestCalculatorPersistFailure(t *testing.T) {
	store := &stubFeatureStore{err: errors.New("db down")}
	c := NewCalculator(ethLane, config.DefaultStrategy(), store)
	f, err := c.Compute(context.Background(), tickAt(0, 100))
	if err == nil || f != nil {
		t.Fatalf("expected error and no feature, got %+v, %v", f, err)
	}
	if c.WindowSize() != 1 {
		t.Fatalf("tick should still be in the window, size=%d", c.WindowSize())
	}
}

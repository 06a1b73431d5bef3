// Package metrics computes performance statistics over closed trades.
package metrics

import (
	"math"

	"trapwatch/internal/domain"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// PeriodsPerYear treats every trade as one minute-bar period.
const PeriodsPerYear = 252 * 24 * 60

func Compute(trades []domain.Trade) domain.Metrics {
	if len(trades) == 0 {
		return domain.Metrics{}
	}
	returns := Returns(trades)

	wins := 0
	for _, t := range trades {
		if t.IsWin() {
			wins++
		}
	}
	return domain.Metrics{
		TotalSignals:   len(trades),
		WinCount:       wins,
		LossCount:      len(trades) - wins,
		WinRate:        WinRate(trades),
		AvgWinBps:      AvgWin(trades),
		AvgLossBps:     AvgLoss(trades),
		ProfitFactor:   domain.Ratio(ProfitFactor(trades)),
		TotalPnlBps:    floats.Sum(returns),
		MaxDrawdownBps: MaxDrawdown(Cumulative(returns)),
		SharpeRatio:    domain.Ratio(Sharpe(returns)),
		SortinoRatio:   domain.Ratio(Sortino(returns)),
		CalmarRatio:    domain.Ratio(Calmar(returns)),
	}
}

func Returns(trades []domain.Trade) []float64 {
	out := make([]float64, len(trades))
	for i, t := range trades {
		out[i] = t.PnlBps
	}
	return out
}

func WinRate(trades []domain.Trade) float64 {
	if len(trades) == 0 {
		return 0
	}
	wins := 0
	for _, t := range trades {
		if t.IsWin() {
			wins++
		}
	}
	return float64(wins) / float64(len(trades))
}

func AvgWin(trades []domain.Trade) float64 {
	return avgWhere(trades, true)
}

// AvgLoss is zero or negative. Break-even trades count as losses.
func AvgLoss(trades []domain.Trade) float64 {
	return avgWhere(trades, false)
}

func avgWhere(trades []domain.Trade, win bool) float64 {
	var sum float64
	n := 0
	for _, t := range trades {
		if t.IsWin() == win {
			sum += t.PnlBps
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// ProfitFactor is |avg win / avg loss|, +Inf with no losses and a positive
// average win.
func ProfitFactor(trades []domain.Trade) float64 {
	avgWin, avgLoss := AvgWin(trades), AvgLoss(trades)
	if avgLoss == 0 {
		if avgWin > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return math.Abs(avgWin / avgLoss)
}

// Cumulative returns the running sum of returns.
func Cumulative(returns []float64) []float64 {
	out := make([]float64, len(returns))
	floats.CumSum(out, returns)
	return out
}

// MaxDrawdown is the largest peak-to-trough drop in a cumulative pnl series.
func MaxDrawdown(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	peak, maxDD := series[0], 0.0
	for _, v := range series {
		peak = max(peak, v)
		maxDD = max(maxDD, peak-v)
	}
	return maxDD
}

// Sharpe is the annualised mean over population std of per-trade returns.
func Sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean, std := stat.PopMeanStdDev(returns, nil)
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(PeriodsPerYear)
}

// Sortino divides by the root mean square of the negative returns only.
func Sortino(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := stat.Mean(returns, nil)

	var sq float64
	n := 0
	for _, r := range returns {
		if r < 0 {
			sq += r * r
			n++
		}
	}
	if n == 0 {
		if mean > 0 {
			return math.Inf(1)
		}
		return 0
	}
	downside := math.Sqrt(sq / float64(n))
	return mean / downside * math.Sqrt(PeriodsPerYear)
}

// Calmar is annualised mean return over max drawdown.
func Calmar(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	annual := stat.Mean(returns, nil) * PeriodsPerYear
	dd := MaxDrawdown(Cumulative(returns))
	if dd == 0 {
		if annual > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return annual / dd
}

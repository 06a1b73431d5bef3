package ta

import (
	"math"

	talib "github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"
)

// Every indicator reports ok=false when the input is too short to be defined.
// talib indexes past the end on short input, so the guards run first.

// SMA averages the last period values.
func SMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	return last(talib.Sma(values[len(values)-period:], period)), true
}

// EMA seeds with the SMA of the first period values and smooths the rest with
// k = 2/(period+1).
func EMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	return last(talib.Ema(values, period)), true
}

// RSI uses Wilder smoothing and needs period+1 samples. A flat series reads
// 50; talib.Rsi would report 0 there.
func RSI(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period+1 {
		return 0, false
	}

	var gainSum, lossSum float64
	for i := 1; i <= period; i++ {
		delta := values[i] - values[i-1]
		if delta > 0 {
			gainSum += delta
		} else {
			lossSum -= delta
		}
	}
	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)

	for i := period + 1; i < len(values); i++ {
		delta := values[i] - values[i-1]
		avgGain = (avgGain*float64(period-1) + math.Max(delta, 0)) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + math.Max(-delta, 0)) / float64(period)
	}
	return rsiFromAvg(avgGain, avgLoss), true
}

func rsiFromAvg(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// Std is the population standard deviation.
func Std(values []float64) (float64, bool) {
	if len(values) < 2 {
		return 0, false
	}
	_, std := stat.PopMeanStdDev(values, nil)
	return std, true
}

// ATR is the Wilder-smoothed average true range. All three slices must be the
// same length.
func ATR(highs, lows, closes []float64, period int) (float64, bool) {
	n := len(closes)
	if period <= 0 || n < period+1 || len(highs) != n || len(lows) != n {
		return 0, false
	}
	return last(talib.Atr(highs, lows, closes, period)), true
}

func ZScore(value, mean, std float64) (float64, bool) {
	if std == 0 {
		return 0, false
	}
	return (value - mean) / std, true
}

// Return is the simple return from previous to current. Undefined when
// previous is zero.
func Return(current, previous float64) (float64, bool) {
	if previous == 0 {
		return 0, false
	}
	return (current - previous) / previous, true
}

func last(series []float64) float64 {
	return series[len(series)-1]
}

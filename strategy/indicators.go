// File: strategy/indicators.go
package strategy

import (
	"fmt"
	"math"

	"github.com/voyager418/mountain-seeker-sub000/utilities"
)

// BarsNever is returned by BarsSince when the predicate never held.
const BarsNever = -1

// CalculateATR calculates the Average True Range over the last 'period' candles.
func CalculateATR(candles []utilities.Candlestick, period int) (float64, error) {
	n := len(candles)
	if period <= 0 || n < period+1 {
		return 0.0, fmt.Errorf("not enough candles (%d) for ATR calculation of period %d", n, period)
	}

	sum := 0.0
	for i := 1; i <= period; i++ {
		curr := candles[n-i]
		prev := candles[n-i-1]

		highLow := curr.High - curr.Low
		highClose := math.Abs(curr.High - prev.Close)
		lowClose := math.Abs(curr.Low - prev.Close)

		trueRange := math.Max(highLow, math.Max(highClose, lowClose))
		sum += trueRange
	}
	return sum / float64(period), nil
}

// ComputeEMASeries computes the exponential moving average of data, seeded
// with the first value.
func ComputeEMASeries(data []float64, period int) []float64 {
	if period <= 0 || len(data) == 0 {
		return nil
	}

	ema := make([]float64, len(data))
	multiplier := 2.0 / float64(period+1)

	ema[0] = data[0]
	for i := 1; i < len(data); i++ {
		ema[i] = (data[i]-ema[i-1])*multiplier + ema[i-1]
	}
	return ema
}

// CalculateSMA returns the simple moving average of the trailing period.
func CalculateSMA(data []float64, period int) float64 {
	if period <= 0 || len(data) < period {
		return 0.0
	}
	segment := data[len(data)-period:]
	sum := 0.0
	for _, v := range segment {
		sum += v
	}
	return sum / float64(period)
}

// CalculateMACD computes the full MACD and signal line series over the candle
// closes. Callers derive entry signals from the relation of the two series.
func CalculateMACD(candles []utilities.Candlestick, fastPeriod, slowPeriod, signalPeriod int) (macd, signal []float64, err error) {
	if len(candles) < slowPeriod {
		return nil, nil, fmt.Errorf("not enough candles (%d) for MACD with slow period %d", len(candles), slowPeriod)
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	fastEMA := ComputeEMASeries(closes, fastPeriod)
	slowEMA := ComputeEMASeries(closes, slowPeriod)

	macd = make([]float64, len(closes))
	for i := range closes {
		macd[i] = fastEMA[i] - slowEMA[i]
	}
	signal = ComputeEMASeries(macd, signalPeriod)
	return macd, signal, nil
}

// Crossover reports whether x crossed above y at the final point: below on
// the second-to-last point and above on the last.
func Crossover(x, y []float64) bool {
	n := len(x)
	if n < 2 || len(y) != n {
		return false
	}
	return x[n-2] <= y[n-2] && x[n-1] > y[n-1]
}

// BarsSince scans backward from the most recent point and returns the
// distance in bars to the latest point where the predicate held. The last
// point itself is distance zero. Returns BarsNever when no point qualifies.
func BarsSince(predicate func(i int) bool, n int) int {
	for i := n - 1; i >= 0; i-- {
		if predicate(i) {
			return n - 1 - i
		}
	}
	return BarsNever
}

// BarsSinceCrossover returns the bar distance to the most recent point where
// x crossed above y.
func BarsSinceCrossover(x, y []float64) int {
	n := len(x)
	if n < 2 || len(y) != n {
		return BarsNever
	}
	return BarsSince(func(i int) bool {
		return i >= 1 && x[i-1] <= y[i-1] && x[i] > y[i]
	}, n)
}

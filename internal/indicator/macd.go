// Package indicator holds the small set of technical-analysis helpers the
// execution core needs client-side (MACD histogram for the secondary exit
// rule), ported from the strategy library's indicator math.
package indicator

import "math"

// EMA returns the exponential moving average of values with the given
// period. Entries before the period is satisfied are math.NaN (insufficient
// data); from there on the series is seeded by the simple average of the
// first `period` values and recurses with alpha = 2/(period+1).
func EMA(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	if period <= 0 || len(values) < period {
		return out
	}

	var seed float64
	for _, v := range values[:period] {
		seed += v
	}
	seed /= float64(period)
	out[period-1] = seed

	alpha := 2.0 / (float64(period) + 1.0)
	prev := seed
	for i := period; i < len(values); i++ {
		prev = alpha*values[i] + (1-alpha)*prev
		out[i] = prev
	}
	return out
}

// HistAtLast computes the MACD histogram (macd_line - signal_line) across
// the full close series and returns its most recent defined value, or nil
// if the series is too short to produce one.
func HistAtLast(closes []float64, fast, slow, signal int) *float64 {
	emaFast := EMA(closes, fast)
	emaSlow := EMA(closes, slow)

	macdLine := make([]float64, len(closes))
	macdFilled := make([]bool, len(closes))
	for i := range closes {
		if !math.IsNaN(emaFast[i]) && !math.IsNaN(emaSlow[i]) {
			macdLine[i] = emaFast[i] - emaSlow[i]
			macdFilled[i] = true
		}
	}

	macdVals := make([]float64, len(closes))
	for i, v := range macdLine {
		if macdFilled[i] {
			macdVals[i] = v
		}
	}
	signalLine := EMA(macdVals, signal)

	for i := len(closes) - 1; i >= 0; i-- {
		if macdFilled[i] && !math.IsNaN(signalLine[i]) {
			h := macdLine[i] - signalLine[i]
			return &h
		}
	}
	return nil
}

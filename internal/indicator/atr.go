package indicator

import "math"

// ATR returns the Average True Range series using Wilder's smoothing
// (RMA, alpha = 1/period), seeded by the simple average of the first
// `period` true-range values. Entries before the period is satisfied are
// math.NaN. highs/lows/closes must be the same length, oldest first.
func ATR(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	if period <= 0 || n <= period {
		return out
	}

	tr := make([]float64, n)
	tr[0] = highs[0] - lows[0]
	for i := 1; i < n; i++ {
		hl := highs[i] - lows[i]
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}

	var seed float64
	for _, v := range tr[1 : period+1] {
		seed += v
	}
	seed /= float64(period)
	out[period] = seed

	prev := seed
	for i := period + 1; i < n; i++ {
		prev = (prev*(float64(period)-1) + tr[i]) / float64(period)
		out[i] = prev
	}
	return out
}

// ATRAtLast returns the most recent defined ATR value, or nil if the
// series is too short to produce one.
func ATRAtLast(highs, lows, closes []float64, period int) *float64 {
	out := ATR(highs, lows, closes, period)
	for i := len(out) - 1; i >= 0; i-- {
		if !math.IsNaN(out[i]) {
			v := out[i]
			return &v
		}
	}
	return nil
}

// PivotExtreme returns the most recent pivot extreme over the last
// lookback bars (inclusive of the latest one): the lowest low for a long
// runner stop, the highest high for a short one. ok is false when there
// isn't enough history yet.
func PivotExtreme(highs, lows []float64, lookback int, long bool) (float64, bool) {
	n := len(lows)
	if lookback <= 0 || n < lookback {
		return 0, false
	}
	start := n - lookback
	if long {
		extreme := lows[start]
		for i := start + 1; i < n; i++ {
			if lows[i] < extreme {
				extreme = lows[i]
			}
		}
		return extreme, true
	}
	extreme := highs[start]
	for i := start + 1; i < n; i++ {
		if highs[i] > extreme {
			extreme = highs[i]
		}
	}
	return extreme, true
}

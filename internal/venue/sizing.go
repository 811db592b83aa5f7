package venue

import (
	"math"
	"strconv"
	"strings"
)

// RoundToStep floors qty to the nearest multiple of step (lot-size rounding).
// A non-positive step is treated as "no constraint".
func RoundToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	return math.Floor(qty/step) * step
}

// RoundToTick rounds price to the nearest multiple of tick.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	n := math.Round(price / tick)
	decimals := 0
	if s := strconv.FormatFloat(tick, 'f', -1, 64); strings.Contains(s, ".") {
		decimals = len(s) - strings.Index(s, ".") - 1
	}
	out, _ := strconv.ParseFloat(strconv.FormatFloat(n*tick, 'f', decimals, 64), 64)
	return out
}

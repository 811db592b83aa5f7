package indicator

import (
	"math"
	"testing"
)

func TestEMASeedsWithSimpleAverageThenRecurses(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6}
	out := EMA(values, 3)

	for i := 0; i < 2; i++ {
		if !math.IsNaN(out[i]) {
			t.Fatalf("out[%d] = %v, expected NaN before the period is satisfied", i, out[i])
		}
	}
	if out[2] != 2 { // simple average of 1,2,3
		t.Fatalf("seed = %v, expected 2", out[2])
	}
	alpha := 2.0 / 4.0
	want := alpha*4 + (1-alpha)*2
	if math.Abs(out[3]-want) > 1e-9 {
		t.Fatalf("out[3] = %v, expected %v", out[3], want)
	}
}

func TestEMAReturnsAllNaNWhenSeriesShorterThanPeriod(t *testing.T) {
	out := EMA([]float64{1, 2}, 5)
	for i, v := range out {
		if !math.IsNaN(v) {
			t.Fatalf("out[%d] = %v, expected NaN for a too-short series", i, v)
		}
	}
}

func TestHistAtLastRequiresEnoughDataForSlowEMA(t *testing.T) {
	closes := make([]float64, 10)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	if h := HistAtLast(closes, 12, 26, 9); h != nil {
		t.Fatalf("expected nil histogram with only %d closes, got %v", len(closes), *h)
	}
}

func TestHistAtLastOnUptrendIsPositive(t *testing.T) {
	closes := make([]float64, 80)
	for i := range closes {
		closes[i] = 100 + float64(i)*0.5
	}
	h := HistAtLast(closes, 12, 26, 9)
	if h == nil {
		t.Fatalf("expected a defined histogram for a long enough uptrending series")
	}
	if *h <= 0 {
		t.Fatalf("expected a positive histogram on a steady uptrend, got %v", *h)
	}
}

func TestHistAtLastOnDowntrendIsNegative(t *testing.T) {
	closes := make([]float64, 80)
	for i := range closes {
		closes[i] = 200 - float64(i)*0.5
	}
	h := HistAtLast(closes, 12, 26, 9)
	if h == nil {
		t.Fatalf("expected a defined histogram for a long enough downtrending series")
	}
	if *h >= 0 {
		t.Fatalf("expected a negative histogram on a steady downtrend, got %v", *h)
	}
}

package riskledger

import "testing"

func TestEvalDrawdown(t *testing.T) {
	tests := []struct {
		name           string
		maxEquity      float64
		currentEquity  float64
		softPct        float64
		hardPct        float64
		wantSoft       bool
		wantHard       bool
		wantDrawdownPct float64
	}{
		{
			name: "no drawdown below both thresholds",
			maxEquity: 10000, currentEquity: 10000,
			softPct: 0.04, hardPct: 0.08,
			wantSoft: false, wantHard: false, wantDrawdownPct: 0,
		},
		{
			name: "drawdown crosses soft only",
			maxEquity: 10000, currentEquity: 9500,
			softPct: 0.04, hardPct: 0.08,
			wantSoft: true, wantHard: false, wantDrawdownPct: 0.05,
		},
		{
			name: "drawdown crosses hard",
			maxEquity: 10000, currentEquity: 9000,
			softPct: 0.04, hardPct: 0.08,
			wantSoft: true, wantHard: true, wantDrawdownPct: 0.10,
		},
		{
			name: "exactly at soft threshold still halts",
			maxEquity: 10000, currentEquity: 9600,
			softPct: 0.04, hardPct: 0.08,
			wantSoft: true, wantHard: false, wantDrawdownPct: 0.04,
		},
		{
			name: "zero max equity never halts",
			maxEquity: 0, currentEquity: 100,
			softPct: 0.04, hardPct: 0.08,
			wantSoft: false, wantHard: false, wantDrawdownPct: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvalDrawdown(tt.maxEquity, tt.currentEquity, tt.softPct, tt.hardPct)
			if got.SoftHalt != tt.wantSoft {
				t.Errorf("SoftHalt=%v, expected %v", got.SoftHalt, tt.wantSoft)
			}
			if got.HardHalt != tt.wantHard {
				t.Errorf("HardHalt=%v, expected %v", got.HardHalt, tt.wantHard)
			}
			if diff := got.DrawdownPct - tt.wantDrawdownPct; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("DrawdownPct=%v, expected %v", got.DrawdownPct, tt.wantDrawdownPct)
			}
		})
	}
}

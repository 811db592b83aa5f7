package execution

import (
	"context"
	"testing"

	"trading-core/internal/domain"
	"trading-core/pkg/config"
)

func TestExtInt64HandlesJSONNumberTypes(t *testing.T) {
	ext := map[string]any{"close_time_ms": float64(1700000000000)}
	if got := extInt64(ext, "close_time_ms"); got != 1700000000000 {
		t.Fatalf("extInt64 = %v, expected 1700000000000", got)
	}
	if got := extInt64(map[string]any{}, "close_time_ms"); got != 0 {
		t.Fatalf("extInt64 on missing key = %v, expected 0", got)
	}
}

func seedCloses(t *testing.T, e *Executor, symbol string, tf domain.Timeframe, n int, startMs, stepMs int64) int64 {
	t.Helper()
	lastMs := startMs
	for i := 0; i < n; i++ {
		ms := startMs + int64(i)*stepMs
		lastMs = ms
		price := 100 + float64(i)*0.5
		if err := e.repo.UpsertBar(context.Background(), symbol, tf, ms, price, price+1, price-1, price, 10); err != nil {
			t.Fatalf("UpsertBar: %v", err)
		}
	}
	return lastMs
}

func TestInferHistEntrySkipsWhenSecondaryRuleDisabled(t *testing.T) {
	repo := newTestExecutorRepo(t)
	e := &Executor{repo: repo, cfg: &config.Config{SecondaryRuleEnabled: false}}
	plan := domain.TradePlan{PlanID: "p-1", Symbol: "BTCUSDT", Timeframe: domain.TF1h}
	if got := e.inferHistEntry(context.Background(), plan); got != nil {
		t.Fatalf("expected nil hist_entry when disabled, got %v", *got)
	}
}

func TestInferHistEntryKeepsExplicitPlanValue(t *testing.T) {
	repo := newTestExecutorRepo(t)
	e := &Executor{repo: repo, cfg: &config.Config{SecondaryRuleEnabled: true}}
	explicit := 1.23
	plan := domain.TradePlan{PlanID: "p-2", Symbol: "BTCUSDT", Timeframe: domain.TF1h, HistEntry: &explicit}
	got := e.inferHistEntry(context.Background(), plan)
	if got == nil || *got != explicit {
		t.Fatalf("expected the explicit plan value %v to pass through unchanged, got %v", explicit, got)
	}
}

func TestInferHistEntryReturnsNilWithoutCloseTimeExt(t *testing.T) {
	repo := newTestExecutorRepo(t)
	e := &Executor{repo: repo, cfg: &config.Config{SecondaryRuleEnabled: true}}
	plan := domain.TradePlan{PlanID: "p-3", Symbol: "BTCUSDT", Timeframe: domain.TF1h}
	if got := e.inferHistEntry(context.Background(), plan); got != nil {
		t.Fatalf("expected nil without a close_time_ms ext field, got %v", *got)
	}
}

func TestInferHistEntryReturnsNilWithTooFewBars(t *testing.T) {
	repo := newTestExecutorRepo(t)
	e := &Executor{repo: repo, cfg: &config.Config{SecondaryRuleEnabled: true}}
	lastMs := seedCloses(t, e, "BTCUSDT", domain.TF1h, 30, 1_700_000_000_000, 3_600_000)
	plan := domain.TradePlan{
		PlanID: "p-4", Symbol: "BTCUSDT", Timeframe: domain.TF1h,
		Ext: map[string]any{"close_time_ms": float64(lastMs)},
	}
	if got := e.inferHistEntry(context.Background(), plan); got != nil {
		t.Fatalf("expected nil with only 30 bars of history, got %v", *got)
	}
}

func TestInferHistEntryComputesHistogramWithEnoughBars(t *testing.T) {
	repo := newTestExecutorRepo(t)
	e := &Executor{repo: repo, cfg: &config.Config{SecondaryRuleEnabled: true}}
	lastMs := seedCloses(t, e, "BTCUSDT", domain.TF1h, 80, 1_700_000_000_000, 3_600_000)
	plan := domain.TradePlan{
		PlanID: "p-5", Symbol: "BTCUSDT", Timeframe: domain.TF1h,
		Ext: map[string]any{"close_time_ms": float64(lastMs)},
	}
	got := e.inferHistEntry(context.Background(), plan)
	if got == nil {
		t.Fatalf("expected a defined hist_entry with 80 bars of a steady uptrend")
	}
}

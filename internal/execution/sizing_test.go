package execution

import (
	"testing"

	"trading-core/internal/domain"
	"trading-core/internal/venue"
	"trading-core/pkg/config"
)

func baseSizingConfig() *config.Config {
	return &config.Config{
		RiskPct:           0.01,
		Leverage:          10,
		MarginMode:        "isolated",
		MinOrderValueUSDT: 5,
		MaxOrderValueUSDT: 50000,
	}
}

func TestSizePositionRejectsZeroUnitRisk(t *testing.T) {
	cfg := baseSizingConfig()
	plan := domain.TradePlan{PlanID: "p-1", EntryPrice: 100, StopPrice: 100}
	if _, err := SizePosition(cfg, 10000, plan, venue.InstrumentFilter{QtyStep: 0.001, MinQty: 0.001}); err == nil {
		t.Fatalf("expected an error for zero unit risk")
	}
}

func TestSizePositionScalesWithRiskPct(t *testing.T) {
	cfg := baseSizingConfig()
	plan := domain.TradePlan{PlanID: "p-2", EntryPrice: 100, StopPrice: 95}
	result, err := SizePosition(cfg, 100000, plan, venue.InstrumentFilter{QtyStep: 0.001, MinQty: 0.001})
	if err != nil {
		t.Fatalf("SizePosition: %v", err)
	}
	// risk_usdt = 100000 * 0.01 = 1000; unit_risk = 5; qty = 200
	wantQty := 200.0
	if result.Qty < wantQty-0.01 || result.Qty > wantQty+0.01 {
		t.Fatalf("Qty=%v, expected ~%v", result.Qty, wantQty)
	}
}

func TestSizePositionClampsAtMinOrderValue(t *testing.T) {
	cfg := baseSizingConfig()
	cfg.RiskPct = 0.0001
	plan := domain.TradePlan{PlanID: "p-3", EntryPrice: 100, StopPrice: 95}
	result, err := SizePosition(cfg, 1000, plan, venue.InstrumentFilter{QtyStep: 0.001, MinQty: 0.001})
	if err != nil {
		t.Fatalf("SizePosition: %v", err)
	}
	if result.Margin < cfg.MinOrderValueUSDT-0.01 {
		t.Fatalf("expected margin clamped up to MinOrderValueUSDT=%v, got %v", cfg.MinOrderValueUSDT, result.Margin)
	}
}

func TestSizePositionClampsAtMaxOrderValue(t *testing.T) {
	cfg := baseSizingConfig()
	cfg.RiskPct = 0.9
	plan := domain.TradePlan{PlanID: "p-4", EntryPrice: 100, StopPrice: 95}
	result, err := SizePosition(cfg, 10000000, plan, venue.InstrumentFilter{QtyStep: 0.001, MinQty: 0.001})
	if err != nil {
		t.Fatalf("SizePosition: %v", err)
	}
	if result.Margin > cfg.MaxOrderValueUSDT+0.01 {
		t.Fatalf("expected margin clamped down to MaxOrderValueUSDT=%v, got %v", cfg.MaxOrderValueUSDT, result.Margin)
	}
}

func TestSizePositionZeroesOutBelowMinQty(t *testing.T) {
	cfg := baseSizingConfig()
	cfg.RiskPct = 0.0000001
	plan := domain.TradePlan{PlanID: "p-5", EntryPrice: 100, StopPrice: 95}
	result, err := SizePosition(cfg, 100, plan, venue.InstrumentFilter{QtyStep: 0.001, MinQty: 1})
	if err != nil {
		t.Fatalf("SizePosition: %v", err)
	}
	if result.Qty != 0 {
		t.Fatalf("expected qty below MinQty to be zeroed out, got %v", result.Qty)
	}
}

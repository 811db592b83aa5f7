package riskgate

import (
	"context"
	"testing"

	"trading-core/internal/domain"
	"trading-core/pkg/config"
	"trading-core/pkg/db"
)

func newTestGates(t *testing.T, cfg *config.Config) (*Gates, *db.Repository) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	repo := db.NewRepository(database)
	return New(repo, cfg), repo
}

func baseConfig() *config.Config {
	return &config.Config{
		AccountKillSwitchEnabled:   true,
		RiskCircuitEnabled:         true,
		CooldownEnabled:            true,
		MaxOpenPositions:           5,
		PositionMutexUpgradeAction: string(domain.MutexCloseLowerAndOpen),
	}
}

func TestKillSwitchForceOnAlwaysRejects(t *testing.T) {
	cfg := baseConfig()
	cfg.AccountKillSwitchForceOn = true
	gates, _ := newTestGates(t, cfg)

	d, err := gates.KillSwitch(context.Background())
	if err != nil {
		t.Fatalf("KillSwitch: %v", err)
	}
	if d.Pass {
		t.Fatalf("expected kill switch forced on to reject, got pass")
	}
	if d.Reason != domain.ReasonKillSwitchOn {
		t.Fatalf("reason=%s, expected %s", d.Reason, domain.ReasonKillSwitchOn)
	}
}

func TestKillSwitchPersistedFlagRejects(t *testing.T) {
	cfg := baseConfig()
	gates, _ := newTestGates(t, cfg)
	ctx := context.Background()

	if d, err := gates.KillSwitch(ctx); err != nil || !d.Pass {
		t.Fatalf("expected initial pass, got pass=%v err=%v", d.Pass, err)
	}

	if err := gates.SetKillSwitch(ctx, true); err != nil {
		t.Fatalf("SetKillSwitch: %v", err)
	}

	d, err := gates.KillSwitch(ctx)
	if err != nil {
		t.Fatalf("KillSwitch: %v", err)
	}
	if d.Pass {
		t.Fatalf("expected reject after SetKillSwitch(true)")
	}
}

func TestPlanExpiryRejectsOnlyPastDeadline(t *testing.T) {
	tests := []struct {
		name        string
		expiresAtMs int64
		nowMs       int64
		wantPass    bool
	}{
		{"no expiry set", 0, 1000, true},
		{"not yet expired", 2000, 1000, true},
		{"expired", 1000, 2000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := domain.TradePlan{ExpiresAtMs: tt.expiresAtMs}
			d := PlanExpiry(plan, tt.nowMs)
			if d.Pass != tt.wantPass {
				t.Fatalf("Pass=%v, expected %v", d.Pass, tt.wantPass)
			}
			if !tt.wantPass && d.Reason != domain.ReasonSignalExpired {
				t.Fatalf("reason=%s, expected %s", d.Reason, domain.ReasonSignalExpired)
			}
		})
	}
}

func TestRiskCircuitRejectsOnAnyHalt(t *testing.T) {
	cfg := baseConfig()
	gates, repo := newTestGates(t, cfg)
	ctx := context.Background()

	if d, err := gates.RiskCircuit(ctx, "2026-08-03"); err != nil || !d.Pass {
		t.Fatalf("expected pass with no risk state row, got pass=%v err=%v", d.Pass, err)
	}

	if err := repo.UpsertRiskState(ctx, domain.RiskState{TradeDate: "2026-08-03", SoftHalt: true}); err != nil {
		t.Fatalf("UpsertRiskState: %v", err)
	}
	d, err := gates.RiskCircuit(ctx, "2026-08-03")
	if err != nil {
		t.Fatalf("RiskCircuit: %v", err)
	}
	if d.Pass {
		t.Fatalf("expected reject on soft halt")
	}
	if d.Reason != domain.ReasonRiskCircuitHalt {
		t.Fatalf("reason=%s, expected %s", d.Reason, domain.ReasonRiskCircuitHalt)
	}
}

func TestRiskCircuitPassesThroughAndEmitsOnReadFailure(t *testing.T) {
	cfg := baseConfig()
	gates, repo := newTestGates(t, cfg)
	emitter := NewEmitter(repo)
	gates.SetEmitter(emitter)
	ctx := context.Background()

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	gates.repo = db.NewRepository(database)
	database.Close() // force every subsequent query against this repo to fail

	d, err := gates.RiskCircuit(ctx, "2026-08-03")
	if err != nil {
		t.Fatalf("expected a non-blocking pass on read failure, got error: %v", err)
	}
	if !d.Pass {
		t.Fatalf("expected a non-blocking pass on read failure, got reject")
	}
}

func TestMutexLowerPriorityIncomingBlocks(t *testing.T) {
	cfg := baseConfig()
	gates, repo := newTestGates(t, cfg)
	ctx := context.Background()

	existing := domain.Position{
		PositionID: "pos-1",
		Symbol:     "BTCUSDT",
		Side:       domain.SideBuy,
		Timeframe:  domain.TF4h,
		Status:     domain.PositionOpen,
		QtyTotal:   1,
	}
	if err := repo.UpsertPosition(ctx, existing); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}

	plan := domain.TradePlan{Symbol: "BTCUSDT", Side: domain.SideBuy, Timeframe: domain.TF1h}
	action, err := gates.Mutex(ctx, plan)
	if err != nil {
		t.Fatalf("Mutex: %v", err)
	}
	if action.Decision.Pass {
		t.Fatalf("expected lower-priority incoming plan to be blocked")
	}
	if action.Upgrade {
		t.Fatalf("expected no upgrade for a lower-priority incoming plan")
	}
}

func TestMutexHigherPriorityIncomingUpgradesWhenConfigured(t *testing.T) {
	cfg := baseConfig()
	cfg.PositionMutexUpgradeAction = string(domain.MutexCloseLowerAndOpen)
	gates, repo := newTestGates(t, cfg)
	ctx := context.Background()

	existing := domain.Position{
		PositionID: "pos-1",
		Symbol:     "BTCUSDT",
		Side:       domain.SideBuy,
		Timeframe:  domain.TF1h,
		Status:     domain.PositionOpen,
		QtyTotal:   1,
	}
	if err := repo.UpsertPosition(ctx, existing); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}

	plan := domain.TradePlan{Symbol: "BTCUSDT", Side: domain.SideBuy, Timeframe: domain.TF1d}
	action, err := gates.Mutex(ctx, plan)
	if err != nil {
		t.Fatalf("Mutex: %v", err)
	}
	if !action.Decision.Pass {
		t.Fatalf("expected higher-priority incoming plan to pass")
	}
	if !action.Upgrade || action.Existing == nil || action.Existing.PositionID != "pos-1" {
		t.Fatalf("expected an upgrade targeting pos-1, got %+v", action)
	}
}

func TestMaxPositionsRejectsAtCeiling(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxOpenPositions = 1
	gates, repo := newTestGates(t, cfg)
	ctx := context.Background()

	if err := repo.UpsertPosition(ctx, domain.Position{
		PositionID: "pos-1", Symbol: "ETHUSDT", Side: domain.SideBuy,
		Timeframe: domain.TF1h, Status: domain.PositionOpen, QtyTotal: 1,
	}); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}

	d, err := gates.MaxPositions(ctx)
	if err != nil {
		t.Fatalf("MaxPositions: %v", err)
	}
	if d.Pass {
		t.Fatalf("expected reject at max open positions")
	}
	if d.Reason != domain.ReasonMaxPositionsBlocked {
		t.Fatalf("reason=%s, expected %s", d.Reason, domain.ReasonMaxPositionsBlocked)
	}
}

func TestTradeDateIsUTCCalendarDay(t *testing.T) {
	// 2026-08-03T23:30:00Z
	nowMs := int64(1785799800000)
	if got := TradeDate(nowMs); got != "2026-08-03" {
		t.Fatalf("TradeDate=%s, expected 2026-08-03", got)
	}
}

package possync

import (
	"context"
	"testing"

	"trading-core/internal/domain"
	"trading-core/internal/lockset"
	"trading-core/internal/venue"
	"trading-core/pkg/config"
	"trading-core/pkg/db"
)

type fakeBroker struct {
	positions []venue.PositionInfo
	err       error
}

func (f *fakeBroker) Positions(ctx context.Context, symbol string) ([]venue.PositionInfo, error) {
	return f.positions, f.err
}

func newTestLoop(t *testing.T, cfg *config.Config, broker Broker) (*Loop, *db.Repository) {
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
	locks := lockset.New()
	return New(repo, broker, locks, cfg), repo
}

func TestRunIsNoOpOutsideLiveMode(t *testing.T) {
	cfg := &config.Config{ExecutionMode: string(domain.ModePaper)}
	broker := &fakeBroker{}
	loop, _ := newTestLoop(t, cfg, broker)
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestSyncLeavesConsistentPositionOpen(t *testing.T) {
	cfg := &config.Config{ExecutionMode: string(domain.ModeLive)}
	broker := &fakeBroker{positions: []venue.PositionInfo{{Symbol: "BTCUSDT", Side: "Buy", Size: "1.5"}}}
	loop, repo := newTestLoop(t, cfg, broker)
	ctx := context.Background()

	pos := domain.Position{
		PositionID: "pos-1", IdempotencyKey: "idem-1", Symbol: "BTCUSDT",
		Side: domain.SideBuy, Timeframe: domain.TF1h, Status: domain.PositionOpen, QtyTotal: 1.5,
	}
	if err := repo.UpsertPosition(ctx, pos); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}

	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := repo.GetPosition(ctx, "pos-1")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if got.Status != domain.PositionOpen {
		t.Fatalf("expected consistent position to remain open, got %v", got.Status)
	}
}

func TestSyncClosesFlatExchangePositionAsStopLossBeforeTP1(t *testing.T) {
	cfg := &config.Config{ExecutionMode: string(domain.ModeLive), CooldownEnabled: true, CooldownBars1H: 4}
	broker := &fakeBroker{positions: []venue.PositionInfo{}}
	loop, repo := newTestLoop(t, cfg, broker)
	ctx := context.Background()

	pos := domain.Position{
		PositionID: "pos-2", IdempotencyKey: "idem-2", Symbol: "BTCUSDT",
		Side: domain.SideBuy, Timeframe: domain.TF1h, Status: domain.PositionOpen, QtyTotal: 1,
		Meta: map[string]any{"tp1_filled": false},
	}
	if err := repo.UpsertPosition(ctx, pos); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}

	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := repo.GetPosition(ctx, "pos-2")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if got.Status != domain.PositionClosed || got.ExitReason != domain.ExitStopLoss {
		t.Fatalf("expected pre-TP1 flat close to resolve as STOP_LOSS, got status=%v reason=%v", got.Status, got.ExitReason)
	}
}

func TestSyncClosesFlatExchangePositionAsExchangeClosedAfterTP1(t *testing.T) {
	cfg := &config.Config{ExecutionMode: string(domain.ModeLive)}
	broker := &fakeBroker{positions: []venue.PositionInfo{}}
	loop, repo := newTestLoop(t, cfg, broker)
	ctx := context.Background()

	pos := domain.Position{
		PositionID: "pos-3", IdempotencyKey: "idem-3", Symbol: "BTCUSDT",
		Side: domain.SideBuy, Timeframe: domain.TF1h, Status: domain.PositionOpen, QtyTotal: 1,
		Meta: map[string]any{"tp1_filled": true},
	}
	if err := repo.UpsertPosition(ctx, pos); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}

	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := repo.GetPosition(ctx, "pos-3")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if got.Status != domain.PositionClosed || got.ExitReason != domain.ExitExchangeClosed {
		t.Fatalf("expected post-TP1 flat close to resolve as EXCHANGE_CLOSED, got status=%v reason=%v", got.Status, got.ExitReason)
	}
}

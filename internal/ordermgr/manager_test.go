package ordermgr

import (
	"context"
	"testing"
	"time"

	"trading-core/internal/domain"
	"trading-core/internal/riskgate"
	"trading-core/internal/venue"
	"trading-core/pkg/config"
	"trading-core/pkg/db"
)

type fakeBroker struct {
	cancelCalls  int
	submitCalls  []venue.OrderRequest
	submitResult venue.OrderResult
	submitErr    error
}

func (f *fakeBroker) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	f.cancelCalls++
	return nil
}

func (f *fakeBroker) SubmitOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	f.submitCalls = append(f.submitCalls, req)
	if f.submitErr != nil {
		return venue.OrderResult{}, f.submitErr
	}
	return f.submitResult, nil
}

func newTestManager(t *testing.T, cfg *config.Config, broker Broker) (*Manager, *db.Repository) {
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
	emitter := riskgate.NewEmitter(repo)
	return New(repo, broker, emitter, cfg), repo
}

func baseOrderMgrConfig() *config.Config {
	return &config.Config{
		ExecutionMode:             string(domain.ModeLive),
		EntryOrderType:             string(domain.OrderTypeLimit),
		EntryTimeoutMs:             5000,
		EntryPartialFillTimeoutMs:  10000,
		EntryMaxRetries:            2,
		EntryRepriceBps:            5,
		EntryFallbackMarket:        true,
	}
}

func TestProcessPendingEntryOrdersNoOpOutsideLiveLimit(t *testing.T) {
	cfg := baseOrderMgrConfig()
	cfg.ExecutionMode = string(domain.ModePaper)
	broker := &fakeBroker{}
	mgr, _ := newTestManager(t, cfg, broker)

	if err := mgr.ProcessPendingEntryOrders(context.Background()); err != nil {
		t.Fatalf("ProcessPendingEntryOrders: %v", err)
	}
	if broker.cancelCalls != 0 || len(broker.submitCalls) != 0 {
		t.Fatalf("expected no broker calls outside LIVE+Limit, got cancel=%d submit=%d", broker.cancelCalls, len(broker.submitCalls))
	}
}

func TestTimedOutOrderRepricesWithinRetryBudget(t *testing.T) {
	cfg := baseOrderMgrConfig()
	broker := &fakeBroker{submitResult: venue.OrderResult{VenueOrderID: "v-2", VenueLinkID: "l-2"}}
	mgr, repo := newTestManager(t, cfg, broker)
	ctx := context.Background()

	price := 100.0
	order := domain.Order{
		OrderID: "o-1", IdempotencyKey: "idem-1", Purpose: domain.PurposeEntry,
		Symbol: "BTCUSDT", Side: domain.SideBuy, OrderType: domain.OrderTypeLimit,
		Qty: 1, Price: &price, Status: domain.OrderSubmitted,
		VenueOrderID: "v-1", SubmittedAtMs: 0, RetryCount: 0,
	}
	if err := repo.UpsertOrder(ctx, order); err != nil {
		t.Fatalf("UpsertOrder: %v", err)
	}

	nowMs := int64(cfg.EntryTimeoutMs) + 1000
	if err := mgr.processOne(ctx, order, nowMs); err != nil {
		t.Fatalf("processOne: %v", err)
	}

	if broker.cancelCalls != 1 {
		t.Fatalf("expected cancel to be called once, got %d", broker.cancelCalls)
	}
	if len(broker.submitCalls) != 1 {
		t.Fatalf("expected one resubmit for reprice, got %d", len(broker.submitCalls))
	}
	if broker.submitCalls[0].OrderType != domain.OrderTypeLimit {
		t.Fatalf("expected reprice to resubmit as Limit, got %s", broker.submitCalls[0].OrderType)
	}

	orders, err := repo.ListOrdersByIdempotencyKey(ctx, "idem-1")
	if err != nil {
		t.Fatalf("ListOrdersByIdempotencyKey: %v", err)
	}
	if len(orders) != 1 || orders[0].RetryCount != 1 {
		t.Fatalf("expected RetryCount=1 after reprice, got %+v", orders)
	}
}

func TestTimedOutOrderFallsBackToMarketAfterMaxRetries(t *testing.T) {
	cfg := baseOrderMgrConfig()
	broker := &fakeBroker{submitResult: venue.OrderResult{VenueOrderID: "v-3", VenueLinkID: "l-3"}}
	mgr, repo := newTestManager(t, cfg, broker)
	ctx := context.Background()

	price := 100.0
	order := domain.Order{
		OrderID: "o-2", IdempotencyKey: "idem-2", Purpose: domain.PurposeEntry,
		Symbol: "ETHUSDT", Side: domain.SideSell, OrderType: domain.OrderTypeLimit,
		Qty: 2, Price: &price, Status: domain.OrderSubmitted,
		VenueOrderID: "v-2", SubmittedAtMs: 0, RetryCount: cfg.EntryMaxRetries,
	}
	if err := repo.UpsertOrder(ctx, order); err != nil {
		t.Fatalf("UpsertOrder: %v", err)
	}

	nowMs := int64(cfg.EntryTimeoutMs) + 1000
	if err := mgr.processOne(ctx, order, nowMs); err != nil {
		t.Fatalf("processOne: %v", err)
	}

	if len(broker.submitCalls) != 1 || broker.submitCalls[0].OrderType != domain.OrderTypeMarket {
		t.Fatalf("expected a single market fallback submit, got %+v", broker.submitCalls)
	}
}

func TestTimedOutOrderGivesUpAndMarksPositionFailed(t *testing.T) {
	cfg := baseOrderMgrConfig()
	cfg.EntryFallbackMarket = false
	broker := &fakeBroker{}
	mgr, repo := newTestManager(t, cfg, broker)
	ctx := context.Background()

	price := 100.0
	order := domain.Order{
		OrderID: "o-3", IdempotencyKey: "idem-3", Purpose: domain.PurposeEntry,
		Symbol: "BTCUSDT", Side: domain.SideBuy, OrderType: domain.OrderTypeLimit,
		Qty: 1, Price: &price, Status: domain.OrderSubmitted,
		VenueOrderID: "v-3", SubmittedAtMs: 0, RetryCount: cfg.EntryMaxRetries,
	}
	if err := repo.UpsertOrder(ctx, order); err != nil {
		t.Fatalf("UpsertOrder: %v", err)
	}
	if err := repo.UpsertPosition(ctx, domain.Position{
		PositionID: "pos-3", IdempotencyKey: "idem-3", Symbol: "BTCUSDT",
		Side: domain.SideBuy, Timeframe: domain.TF1h, Status: domain.PositionOpen, QtyTotal: 1,
	}); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}

	nowMs := time.Now().UnixMilli()
	if err := mgr.processOne(ctx, order, nowMs); err != nil {
		t.Fatalf("processOne: %v", err)
	}

	if len(broker.submitCalls) != 0 {
		t.Fatalf("expected no resubmit once retries and fallback are exhausted, got %+v", broker.submitCalls)
	}

	pos, err := repo.GetPosition(ctx, "pos-3")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if pos == nil || pos.Status != domain.PositionFailed || pos.ExitReason != domain.ExitEntryFailed {
		t.Fatalf("expected position marked FAILED/ENTRY_FAILED, got %+v", pos)
	}
}

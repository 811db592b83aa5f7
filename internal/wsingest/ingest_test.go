package wsingest

import (
	"context"
	"testing"

	"trading-core/internal/domain"
	"trading-core/internal/riskgate"
	"trading-core/pkg/config"
	"trading-core/pkg/db"
)

func newTestIngest(t *testing.T) (*Ingest, *db.Repository) {
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
	cfg := &config.Config{}
	return New(cfg, repo, emitter, "wss://test"), repo
}

func TestNormalizeOrderStatus(t *testing.T) {
	tests := []struct {
		in   string
		want domain.OrderStatus
	}{
		{"New", domain.OrderSubmitted},
		{"Created", domain.OrderSubmitted},
		{"PartiallyFilled", domain.OrderPartiallyFilled},
		{"Filled", domain.OrderFilled},
		{"Cancelled", domain.OrderCanceled},
		{"Canceled", domain.OrderCanceled},
		{"Rejected", domain.OrderFailed},
		{"SomethingUnknown", domain.OrderSubmitted},
	}
	for _, tt := range tests {
		if got := normalizeOrderStatus(tt.in); got != tt.want {
			t.Errorf("normalizeOrderStatus(%q)=%v, expected %v", tt.in, got, tt.want)
		}
	}
}

func TestTopicPrefix(t *testing.T) {
	if !topicPrefix("order.linear", "order") {
		t.Fatalf("expected order.linear to match prefix order")
	}
	if topicPrefix("position", "order") {
		t.Fatalf("expected position to not match prefix order")
	}
}

func TestHandleOrderFillMarksOrderFilledAndEmitsReport(t *testing.T) {
	i, repo := newTestIngest(t)
	ctx := context.Background()

	order := domain.Order{
		OrderID: "o-1", IdempotencyKey: "link-1", Purpose: domain.PurposeEntry,
		Symbol: "BTCUSDT", Side: domain.SideBuy, OrderType: domain.OrderTypeLimit,
		Qty: 1, Status: domain.OrderSubmitted,
	}
	if err := repo.UpsertOrder(ctx, order); err != nil {
		t.Fatalf("UpsertOrder: %v", err)
	}
	if err := repo.UpsertPosition(ctx, domain.Position{
		PositionID: "pos-1", IdempotencyKey: "link-1", Symbol: "BTCUSDT",
		Side: domain.SideBuy, Timeframe: domain.TF1h, Status: domain.PositionOpen, QtyTotal: 1,
	}); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}

	raw := []byte(`{"topic":"order","data":[{"orderId":"v-1","orderLinkId":"link-1","symbol":"BTCUSDT","orderStatus":"Filled","cumExecQty":"1","avgPrice":"100.5"}]}`)
	i.handleMessage(ctx, raw)

	orders, err := repo.ListOrdersByIdempotencyKey(ctx, "link-1")
	if err != nil {
		t.Fatalf("ListOrdersByIdempotencyKey: %v", err)
	}
	if len(orders) != 1 || orders[0].Status != domain.OrderFilled || orders[0].FilledQty != 1 || orders[0].AvgPrice != 100.5 {
		t.Fatalf("expected order filled with qty/avgPrice updated, got %+v", orders)
	}
	reports, err := repo.ListExecutionReportsByOrder(ctx, "o-1")
	if err != nil {
		t.Fatalf("ListExecutionReportsByOrder: %v", err)
	}
	if len(reports) != 1 || reports[0].Status != string(domain.OrderFilled) {
		t.Fatalf("expected one FILLED execution report for o-1, got %+v", reports)
	}
}

func TestHandlePositionSnapshotsWsSizeOnOpenPositions(t *testing.T) {
	i, repo := newTestIngest(t)
	ctx := context.Background()

	if err := repo.UpsertPosition(ctx, domain.Position{
		PositionID: "pos-2", IdempotencyKey: "idem-2", Symbol: "ETHUSDT",
		Side: domain.SideBuy, Timeframe: domain.TF1h, Status: domain.PositionOpen, QtyTotal: 2,
	}); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}

	raw := []byte(`{"topic":"position","data":[{"symbol":"ETHUSDT","side":"Buy","size":"2"}]}`)
	i.handleMessage(ctx, raw)

	got, err := repo.GetPosition(ctx, "pos-2")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	wsPos, ok := got.Meta["ws_position"].(map[string]any)
	if !ok {
		t.Fatalf("expected ws_position recorded in meta, got %+v", got.Meta)
	}
	if size, _ := wsPos["size"].(float64); size != 2 {
		t.Fatalf("expected ws_position.size=2, got %v", wsPos["size"])
	}
}

func TestHandleWalletInsertsSnapshot(t *testing.T) {
	i, repo := newTestIngest(t)
	ctx := context.Background()

	raw := []byte(`{"topic":"wallet","data":[{"totalEquity":"9999.99"}]}`)
	i.handleMessage(ctx, raw)

	snap, err := repo.GetLatestWalletSnapshot(ctx, domain.SourceWS)
	if err != nil {
		t.Fatalf("GetLatestWalletSnapshot: %v", err)
	}
	if snap == nil || snap.EquityUSDT != 9999.99 {
		t.Fatalf("expected a wallet snapshot with equity 9999.99, got %+v", snap)
	}
}

func TestHandleMessageUnknownTopicIsIgnored(t *testing.T) {
	i, _ := newTestIngest(t)
	i.handleMessage(context.Background(), []byte(`{"topic":"mystery","data":[]}`))
}

func TestHandleMessageMalformedJSONIsIgnored(t *testing.T) {
	i, _ := newTestIngest(t)
	i.handleMessage(context.Background(), []byte(`not json`))
}

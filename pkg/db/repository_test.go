package db

import (
	"context"
	"testing"

	"trading-core/internal/domain"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	return NewRepository(database)
}

func TestWalletSnapshotLatestBySource(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	older := domain.WalletSnapshot{SnapshotID: "ws-1", Source: domain.SourceWS, TsMs: 1000, EquityUSDT: 100, Raw: map[string]any{"a": 1}}
	newer := domain.WalletSnapshot{SnapshotID: "ws-2", Source: domain.SourceWS, TsMs: 2000, EquityUSDT: 105, Raw: map[string]any{"a": 2}}
	other := domain.WalletSnapshot{SnapshotID: "ws-3", Source: domain.SourceREST, TsMs: 3000, EquityUSDT: 999, Raw: map[string]any{}}

	for _, s := range []domain.WalletSnapshot{older, newer, other} {
		if err := repo.InsertWalletSnapshot(ctx, s); err != nil {
			t.Fatalf("InsertWalletSnapshot: %v", err)
		}
	}

	got, err := repo.GetLatestWalletSnapshot(ctx, domain.SourceWS)
	if err != nil {
		t.Fatalf("GetLatestWalletSnapshot: %v", err)
	}
	if got == nil || got.SnapshotID != "ws-2" {
		t.Fatalf("expected ws-2 as latest WS snapshot, got %+v", got)
	}
}

func TestGetLatestWalletSnapshotNilWhenAbsent(t *testing.T) {
	repo := newTestRepo(t)
	got, err := repo.GetLatestWalletSnapshot(context.Background(), domain.SourceWS)
	if err != nil {
		t.Fatalf("GetLatestWalletSnapshot: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil with no rows, got %+v", got)
	}
}

func TestWalletSnapshotRetentionSweep(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	old := domain.WalletSnapshot{SnapshotID: "ws-old", Source: domain.SourceREST, TsMs: 1000, EquityUSDT: 50, Raw: map[string]any{}}
	fresh := domain.WalletSnapshot{SnapshotID: "ws-fresh", Source: domain.SourceREST, TsMs: 9000, EquityUSDT: 60, Raw: map[string]any{}}
	if err := repo.InsertWalletSnapshot(ctx, old); err != nil {
		t.Fatalf("InsertWalletSnapshot old: %v", err)
	}
	if err := repo.InsertWalletSnapshot(ctx, fresh); err != nil {
		t.Fatalf("InsertWalletSnapshot fresh: %v", err)
	}

	eligible, err := repo.ListWalletSnapshotsOlderThan(ctx, 5000, 100)
	if err != nil {
		t.Fatalf("ListWalletSnapshotsOlderThan: %v", err)
	}
	if len(eligible) != 1 || eligible[0].SnapshotID != "ws-old" {
		t.Fatalf("expected only ws-old eligible for pruning, got %+v", eligible)
	}

	if err := repo.DeleteWalletSnapshot(ctx, "ws-old"); err != nil {
		t.Fatalf("DeleteWalletSnapshot: %v", err)
	}

	remaining, err := repo.ListWalletSnapshotsOlderThan(ctx, 5000, 100)
	if err != nil {
		t.Fatalf("ListWalletSnapshotsOlderThan after delete: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no snapshots eligible after delete, got %+v", remaining)
	}
}

func TestAccountSnapshotRetentionSweep(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	old := domain.AccountSnapshot{SnapshotID: "as-old", Source: domain.SourceREST, TsMs: 1000, Symbol: "BTCUSDT", SizeQty: 1, Raw: map[string]any{}}
	if err := repo.InsertAccountSnapshot(ctx, old); err != nil {
		t.Fatalf("InsertAccountSnapshot: %v", err)
	}

	eligible, err := repo.ListAccountSnapshotsOlderThan(ctx, 5000, 100)
	if err != nil {
		t.Fatalf("ListAccountSnapshotsOlderThan: %v", err)
	}
	if len(eligible) != 1 || eligible[0].SnapshotID != "as-old" {
		t.Fatalf("expected as-old eligible for pruning, got %+v", eligible)
	}

	if err := repo.DeleteAccountSnapshot(ctx, "as-old"); err != nil {
		t.Fatalf("DeleteAccountSnapshot: %v", err)
	}

	remaining, err := repo.ListAccountSnapshotsOlderThan(ctx, 5000, 100)
	if err != nil {
		t.Fatalf("ListAccountSnapshotsOlderThan after delete: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no account snapshots eligible after delete, got %+v", remaining)
	}
}

func TestMarkBarProcessedIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	first, err := repo.MarkBarProcessed(ctx, "BTCUSDT", domain.TF1h, 1000, 1500)
	if err != nil {
		t.Fatalf("MarkBarProcessed first: %v", err)
	}
	if !first {
		t.Fatalf("expected the first mark to report newly-inserted")
	}

	second, err := repo.MarkBarProcessed(ctx, "BTCUSDT", domain.TF1h, 1000, 1600)
	if err != nil {
		t.Fatalf("MarkBarProcessed second: %v", err)
	}
	if second {
		t.Fatalf("expected a duplicate mark for the same bar to report already-processed")
	}
}

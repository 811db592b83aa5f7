package papermatch

import (
	"context"
	"math"
	"testing"

	"trading-core/internal/domain"
	"trading-core/internal/lockset"
	"trading-core/internal/riskgate"
	"trading-core/pkg/config"
	"trading-core/pkg/db"
)

func newTestMatcher(t *testing.T, cfg *config.Config) (*Matcher, *db.Repository) {
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
	locks := lockset.New()
	return New(repo, emitter, locks, cfg), repo
}

func longPosition(id string) domain.Position {
	return domain.Position{
		PositionID: id, IdempotencyKey: id, Symbol: "BTCUSDT",
		Side: domain.SideBuy, Timeframe: domain.TF1h, Status: domain.PositionOpen,
		QtyTotal: 1, EntryPrice: 100, PrimarySLPrice: 95,
		Meta: map[string]any{"tp1_price": 105.0, "tp2_price": 110.0, "tp1_filled": false, "tp2_filled": false},
	}
}

func TestOnBarCloseIgnoresOtherSymbolsAndTimeframes(t *testing.T) {
	cfg := &config.Config{}
	m, repo := newTestMatcher(t, cfg)
	ctx := context.Background()
	pos := longPosition("pos-skip")
	pos.Symbol = "ETHUSDT"
	if err := repo.UpsertPosition(ctx, pos); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}

	bar := Bar{Open: 100, High: 106, Low: 99, Close: 105, CloseTimeMs: 1000}
	if err := m.OnBarClose(ctx, "BTCUSDT", domain.TF1h, bar); err != nil {
		t.Fatalf("OnBarClose: %v", err)
	}

	got, err := repo.GetPosition(ctx, "pos-skip")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if got.Status != domain.PositionOpen {
		t.Fatalf("expected the other-symbol position untouched, got status %v", got.Status)
	}
}

func TestOnBarCloseStopLossClosesPosition(t *testing.T) {
	cfg := &config.Config{CooldownEnabled: true, CooldownBars1H: 4}
	m, repo := newTestMatcher(t, cfg)
	ctx := context.Background()
	pos := longPosition("pos-sl")
	if err := repo.UpsertPosition(ctx, pos); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}

	bar := Bar{Open: 100, High: 101, Low: 93, Close: 96, CloseTimeMs: 2000}
	if err := m.OnBarClose(ctx, "BTCUSDT", domain.TF1h, bar); err != nil {
		t.Fatalf("OnBarClose: %v", err)
	}

	got, err := repo.GetPosition(ctx, "pos-sl")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if got.Status != domain.PositionClosed || got.ExitReason != domain.ExitPrimarySLHit {
		t.Fatalf("expected SL close, got status=%v reason=%v", got.Status, got.ExitReason)
	}

	cooldowns, err := repo.ActiveCooldown(ctx, "BTCUSDT", domain.SideBuy, domain.TF1h, bar.CloseTimeMs+1)
	if err != nil {
		t.Fatalf("ActiveCooldown: %v", err)
	}
	if cooldowns == nil {
		t.Fatalf("expected a cooldown to be inserted after an SL exit")
	}
}

func TestSecondaryRuleIgnoresTheEntryBarItself(t *testing.T) {
	cfg := &config.Config{SecondaryRuleEnabled: true}
	m, repo := newTestMatcher(t, cfg)
	ctx := context.Background()
	histEntry := 10.0
	pos := longPosition("pos-entry-bar")
	pos.EntryCloseTimeMs = 5000
	pos.HistEntry = &histEntry
	if err := repo.UpsertPosition(ctx, pos); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}

	bar := Bar{Open: 100, High: 101, Low: 99, Close: 100.5, CloseTimeMs: 5000}
	if err := m.OnBarClose(ctx, "BTCUSDT", domain.TF1h, bar); err != nil {
		t.Fatalf("OnBarClose: %v", err)
	}

	got, err := repo.GetPosition(ctx, "pos-entry-bar")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if got.Status != domain.PositionOpen {
		t.Fatalf("expected the check skipped on the entry bar itself, got status %v", got.Status)
	}
	if checked, _ := got.Meta["secondary_rule_checked"].(bool); checked {
		t.Fatalf("expected secondary_rule_checked left unset on the entry bar")
	}
}

func TestSecondaryRuleForceClosesWhenHistogramDoesNotFollowThrough(t *testing.T) {
	cfg := &config.Config{SecondaryRuleEnabled: true}
	m, repo := newTestMatcher(t, cfg)
	ctx := context.Background()
	histEntry := 10.0 // deliberately high, so a downtrending hist_now never exceeds it
	pos := longPosition("pos-rule")
	pos.EntryCloseTimeMs = 1_700_000_000_000
	pos.HistEntry = &histEntry
	if err := repo.UpsertPosition(ctx, pos); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}

	var closeTimeMs int64
	for i := 0; i < 130; i++ {
		closeTimeMs = pos.EntryCloseTimeMs + int64(i)*3_600_000
		price := 200 - float64(i)*0.5
		if err := repo.UpsertBar(ctx, "BTCUSDT", domain.TF1h, closeTimeMs, price, price+1, price-1, price, 10); err != nil {
			t.Fatalf("UpsertBar: %v", err)
		}
	}
	nextBarMs := closeTimeMs + 3_600_000
	if err := repo.UpsertBar(ctx, "BTCUSDT", domain.TF1h, nextBarMs, 135, 136, 134, 134.5, 10); err != nil {
		t.Fatalf("UpsertBar: %v", err)
	}

	bar := Bar{Open: 135, High: 136, Low: 134, Close: 134.5, CloseTimeMs: nextBarMs}
	if err := m.OnBarClose(ctx, "BTCUSDT", domain.TF1h, bar); err != nil {
		t.Fatalf("OnBarClose: %v", err)
	}

	got, err := repo.GetPosition(ctx, "pos-rule")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if got.Status != domain.PositionClosed || got.ExitReason != domain.ExitSecondaryRule {
		t.Fatalf("expected a secondary-rule force-close, got status=%v reason=%v", got.Status, got.ExitReason)
	}
	if checked, _ := got.Meta["secondary_rule_checked"].(bool); !checked {
		t.Fatalf("expected secondary_rule_checked=true after the check ran")
	}
}

func TestOnBarCloseTP1FillsAndMovesStopToEntry(t *testing.T) {
	cfg := &config.Config{}
	m, repo := newTestMatcher(t, cfg)
	ctx := context.Background()
	pos := longPosition("pos-tp1")
	if err := repo.UpsertPosition(ctx, pos); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}

	bar := Bar{Open: 100, High: 106, Low: 99, Close: 104, CloseTimeMs: 3000}
	if err := m.OnBarClose(ctx, "BTCUSDT", domain.TF1h, bar); err != nil {
		t.Fatalf("OnBarClose: %v", err)
	}

	got, err := repo.GetPosition(ctx, "pos-tp1")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if got.Status != domain.PositionOpen {
		t.Fatalf("expected position still open after TP1-only fill, got %v", got.Status)
	}
	if got.PrimarySLPrice != got.EntryPrice {
		t.Fatalf("expected stop moved to breakeven after TP1, got %v (entry %v)", got.PrimarySLPrice, got.EntryPrice)
	}
	if filled, _ := got.Meta["tp1_filled"].(bool); !filled {
		t.Fatalf("expected tp1_filled=true in meta, got %+v", got.Meta)
	}
	if got.QtyTotal >= 1 {
		t.Fatalf("expected qty reduced by the TP1 fraction, got %v", got.QtyTotal)
	}
}

// runnerPosition returns a position with TP2 already filled, runner active,
// ready for a bar close to exercise the runner-trail candidate directly.
func runnerPosition(id string) domain.Position {
	stop := 100.0
	return domain.Position{
		PositionID: id, IdempotencyKey: id, Symbol: "BTCUSDT",
		Side: domain.SideBuy, Timeframe: domain.TF1h, Status: domain.PositionOpen,
		QtyTotal: 0.2, EntryPrice: 100, PrimarySLPrice: 100, RunnerStopPrice: &stop,
		Meta: map[string]any{"tp1_filled": true, "tp2_filled": true},
	}
}

func TestRunnerTrailCandidateATRUsesConfiguredPeriodAndMultiplier(t *testing.T) {
	cfg := &config.Config{RunnerTrailMode: "ATR", RunnerTrailATRPeriod: 3, RunnerTrailATRMult: 2}
	m, repo := newTestMatcher(t, cfg)
	ctx := context.Background()

	// constant true range of 2 across every bar converges ATR to exactly 2.
	closeTimeMs := int64(10_000)
	for i := 0; i < 10; i++ {
		closeTimeMs += 3_600_000
		if err := repo.UpsertBar(ctx, "BTCUSDT", domain.TF1h, closeTimeMs, 100, 101, 99, 100, 10); err != nil {
			t.Fatalf("UpsertBar: %v", err)
		}
	}

	pos := runnerPosition("pos-atr")
	bar := Bar{Open: 100, High: 101, Low: 99, Close: 100, CloseTimeMs: closeTimeMs}
	got := m.runnerTrailCandidate(ctx, &pos, bar, true)

	want := bar.Close - 2*2 // mult(2) * ATR(2)
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("runnerTrailCandidate(ATR)=%v, expected %v", got, want)
	}
}

func TestRunnerTrailCandidatePivotUsesLowestLowInLookback(t *testing.T) {
	cfg := &config.Config{RunnerTrailMode: "PIVOT", RunnerTrailPivotLookback: 3}
	m, repo := newTestMatcher(t, cfg)
	ctx := context.Background()

	lows := []float64{97, 95, 98, 96}
	closeTimeMs := int64(10_000)
	for _, lo := range lows {
		closeTimeMs += 3_600_000
		if err := repo.UpsertBar(ctx, "BTCUSDT", domain.TF1h, closeTimeMs, lo+1, lo+2, lo, lo+1, 10); err != nil {
			t.Fatalf("UpsertBar: %v", err)
		}
	}

	pos := runnerPosition("pos-pivot")
	bar := Bar{Open: 97, High: 98, Low: 96, Close: 97, CloseTimeMs: closeTimeMs}
	got := m.runnerTrailCandidate(ctx, &pos, bar, true)

	// lookback of 3 over the last three bars (95, 98, 96): lowest low is 95.
	if got != 95 {
		t.Fatalf("runnerTrailCandidate(PIVOT)=%v, expected lowest low 95", got)
	}
}

func TestRunnerTrailCandidateFallsBackWhenNoBarHistory(t *testing.T) {
	cfg := &config.Config{RunnerTrailMode: "ATR", RunnerTrailATRPeriod: 14}
	m, _ := newTestMatcher(t, cfg)
	ctx := context.Background()

	pos := runnerPosition("pos-fallback")
	bar := Bar{Open: 100, High: 101, Low: 99, Close: 100, CloseTimeMs: 99999}
	got := m.runnerTrailCandidate(ctx, &pos, bar, true)

	want := bar.Close * 0.99
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("runnerTrailCandidate fallback=%v, expected %v", got, want)
	}
}

func TestRunnerTrailModeFromPositionMetaOverridesConfig(t *testing.T) {
	cfg := &config.Config{RunnerTrailMode: "ATR", RunnerTrailPivotLookback: 2}
	m, repo := newTestMatcher(t, cfg)
	ctx := context.Background()

	lows := []float64{90, 94}
	closeTimeMs := int64(10_000)
	for _, lo := range lows {
		closeTimeMs += 3_600_000
		if err := repo.UpsertBar(ctx, "BTCUSDT", domain.TF1h, closeTimeMs, lo+1, lo+2, lo, lo+1, 10); err != nil {
			t.Fatalf("UpsertBar: %v", err)
		}
	}

	pos := runnerPosition("pos-meta-override")
	pos.Meta["runner_trail"] = "PIVOT"
	bar := Bar{Open: 95, High: 96, Low: 94, Close: 95, CloseTimeMs: closeTimeMs}
	got := m.runnerTrailCandidate(ctx, &pos, bar, true)

	if got != 90 {
		t.Fatalf("expected per-position PIVOT override to win, got %v", got)
	}
}

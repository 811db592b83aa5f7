// Package papermatch implements the OHLC-based paper matcher (§4.4): on
// each bar-close, it simulates SL/TP1/TP2/runner-trail fills for PAPER and
// BACKTEST positions using a deterministic bar-path heuristic.
package papermatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"trading-core/internal/domain"
	"trading-core/internal/indicator"
	"trading-core/internal/lockset"
	"trading-core/internal/riskgate"
	"trading-core/pkg/config"
	"trading-core/pkg/db"
)

// Bar is a closed OHLCV candle.
type Bar struct {
	Open, High, Low, Close, Volume float64
	CloseTimeMs                    int64
}

// Matcher drives the bar-path fill simulation for open paper positions.
type Matcher struct {
	repo    *db.Repository
	emitter *riskgate.Emitter
	locks   *lockset.Set
	cfg     *config.Config
}

func New(repo *db.Repository, emitter *riskgate.Emitter, locks *lockset.Set, cfg *config.Config) *Matcher {
	return &Matcher{repo: repo, emitter: emitter, locks: locks, cfg: cfg}
}

// OnBarClose processes a bar-close for every OPEN position matching
// (symbol, timeframe).
func (m *Matcher) OnBarClose(ctx context.Context, symbol string, tf domain.Timeframe, bar Bar) error {
	open, err := m.repo.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("papermatch: list open positions: %w", err)
	}

	for _, pos := range open {
		if pos.Symbol != symbol || pos.Timeframe != tf {
			continue
		}
		p := pos
		var stepErr error
		m.locks.With(p.PositionID, func() {
			stepErr = m.processOne(ctx, p, bar)
		})
		if stepErr != nil {
			log.Printf("papermatch: process %s: %v", p.PositionID, stepErr)
		}
	}
	return nil
}

// path returns the OHLC traversal order used to resolve same-bar ambiguity.
func path(bar Bar) []float64 {
	if bar.Close >= bar.Open {
		return []float64{bar.Open, bar.High, bar.Low, bar.Close}
	}
	return []float64{bar.Open, bar.Low, bar.High, bar.Close}
}

type trigger struct {
	kind  string // "sl", "runner", "tp1", "tp2"
	price float64
}

func (m *Matcher) processOne(ctx context.Context, pos domain.Position, bar Bar) error {
	// Re-read to avoid acting on a stale in-memory copy across bars.
	fresh, err := m.repo.GetPosition(ctx, pos.PositionID)
	if err != nil {
		return err
	}
	if fresh == nil || fresh.Status != domain.PositionOpen {
		return nil
	}
	pos = *fresh

	meta := pos.Meta
	if meta == nil {
		meta = map[string]any{}
	}

	closed, err := m.checkSecondaryRule(ctx, &pos, meta, bar)
	if err != nil {
		log.Printf("papermatch: secondary rule check for %s: %v", pos.PositionID, err)
	}
	if closed {
		return nil
	}

	tp1Price, _ := meta["tp1_price"].(float64)
	tp2Price, _ := meta["tp2_price"].(float64)
	tp1Filled, _ := meta["tp1_filled"].(bool)
	tp2Filled, _ := meta["tp2_filled"].(bool)

	// Stops are checked as they stand at bar open: a stop moved by a TP fill
	// on this bar (break-even after TP1, the runner stop after TP2) is first
	// checked on the next bar.
	currentSL := pos.PrimarySLPrice
	runnerActive := tp2Filled
	runnerArmed := tp2Filled
	var runnerStop float64
	if pos.RunnerStopPrice != nil {
		runnerStop = *pos.RunnerStopPrice
	}

	long := pos.Side == domain.SideBuy

	segments := path(bar)
	for i := 0; i < len(segments)-1; i++ {
		from, to := segments[i], segments[i+1]
		lo, hi := from, to
		if lo > hi {
			lo, hi = hi, lo
		}

		var candidates []trigger
		if runnerArmed && runnerStop != 0 && within(runnerStop, lo, hi) {
			candidates = append(candidates, trigger{"runner", runnerStop})
		} else if !runnerArmed && within(currentSL, lo, hi) {
			candidates = append(candidates, trigger{"sl", currentSL})
		}
		if !tp1Filled && within(tp1Price, lo, hi) {
			candidates = append(candidates, trigger{"tp1", tp1Price})
		}
		if !tp2Filled && within(tp2Price, lo, hi) {
			candidates = append(candidates, trigger{"tp2", tp2Price})
		}
		orderCandidates(candidates, from, to)

		for _, c := range candidates {
			switch c.kind {
			case "sl", "runner":
				exitReason := domain.ExitPrimarySLHit
				if c.kind == "runner" || tp1Filled {
					exitReason = domain.ExitSecondarySLExit
				}
				if err := m.closePosition(ctx, &pos, c.price, exitReason, bar); err != nil {
					return err
				}
				return nil
			case "tp1":
				tp1Filled = true
				meta["tp1_filled"] = true
				if err := m.fillTP(ctx, &pos, domain.PurposeTP1, c.price, 0.4, bar); err != nil {
					return err
				}
				pos.PrimarySLPrice = pos.EntryPrice
			case "tp2":
				tp2Filled = true
				meta["tp2_filled"] = true
				runnerActive = true
				runnerStop = pos.PrimarySLPrice
				pos.RunnerStopPrice = &runnerStop
				if err := m.fillTP(ctx, &pos, domain.PurposeTP2, c.price, 0.4, bar); err != nil {
					return err
				}
			}
		}
	}

	if runnerActive {
		m.updateRunnerTrail(ctx, &pos, bar, long)
	}

	pos.Meta = meta
	if err := m.repo.UpsertPosition(ctx, pos); err != nil {
		return fmt.Errorf("papermatch: persist position state: %w", err)
	}
	return nil
}

// checkSecondaryRule runs the one-time-per-position MACD-histogram follow-
// through check on the first bar after entry: if the histogram hasn't moved
// in the trade's favor relative to its entry-bar value, the position is
// force-closed at the current bar close rather than left to ride its stops.
// Returns closed=true if it force-closed the position (caller should stop
// processing this bar for it).
func (m *Matcher) checkSecondaryRule(ctx context.Context, pos *domain.Position, meta map[string]any, bar Bar) (bool, error) {
	if !m.cfg.SecondaryRuleEnabled {
		return false, nil
	}
	if checked, _ := meta["secondary_rule_checked"].(bool); checked {
		return false, nil
	}
	if bar.CloseTimeMs <= pos.EntryCloseTimeMs {
		return false, nil
	}
	if pos.HistEntry == nil {
		meta["secondary_rule_checked"] = true
		pos.Meta = meta
		return false, m.repo.UpsertPosition(ctx, *pos)
	}

	closes, err := m.repo.RecentCloses(ctx, pos.Symbol, pos.Timeframe, bar.CloseTimeMs, 500)
	if err != nil {
		return false, fmt.Errorf("papermatch: recent closes for secondary rule: %w", err)
	}
	if len(closes) < 120 {
		return false, nil // not enough history yet; retry on a later bar
	}
	histNow := indicator.HistAtLast(closes, 12, 26, 9)
	if histNow == nil {
		return false, nil
	}

	meta["secondary_rule_checked"] = true
	pos.Meta = meta

	ok := *histNow > *pos.HistEntry
	if pos.Side == domain.SideSell {
		ok = *histNow < *pos.HistEntry
	}
	if ok {
		return false, m.repo.UpsertPosition(ctx, *pos)
	}

	if m.emitter != nil {
		if emitErr := m.emitter.Emit(ctx, domain.ReportRuleTriggered, domain.SeverityImportant, pos.Symbol, map[string]any{
			"rule":        "NEXT_BAR_NOT_SHORTEN_EXIT",
			"position_id": pos.PositionID,
		}); emitErr != nil {
			log.Printf("papermatch: emit secondary rule risk event for %s: %v", pos.PositionID, emitErr)
		}
	}
	if err := m.closePosition(ctx, pos, bar.Close, domain.ExitSecondaryRule, bar); err != nil {
		return false, err
	}
	return true, nil
}

func within(level, lo, hi float64) bool {
	return level != 0 && level >= lo && level <= hi
}

// orderCandidates sorts crossed levels by how far along the from->to
// segment they lie, so the earliest-crossed level is processed first.
func orderCandidates(candidates []trigger, from, to float64) {
	dir := 1.0
	if to < from {
		dir = -1.0
	}
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0; j-- {
			if (candidates[j].price-from)*dir < (candidates[j-1].price-from)*dir {
				candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
			} else {
				break
			}
		}
	}
}

func (m *Matcher) fillTP(ctx context.Context, pos *domain.Position, purpose domain.OrderPurpose, price, fraction float64, bar Bar) error {
	qty := pos.QtyTotal * fraction
	fill := domain.Fill{
		FillID:       uuid.NewString(),
		OrderID:      pos.IdempotencyKey + ":" + string(purpose),
		Symbol:       pos.Symbol,
		Purpose:      purpose,
		Side:         oppositeSide(pos.Side),
		Qty:          qty,
		Price:        price,
		ExecutedAtMs: bar.CloseTimeMs,
	}
	if err := m.repo.InsertFill(ctx, fill); err != nil {
		return fmt.Errorf("papermatch: insert %s fill: %w", purpose, err)
	}
	pos.QtyTotal -= qty

	status := domain.ReportTPHit
	rep := domain.ExecutionReport{
		EventID:   uuid.NewString(),
		TsMs:      time.Now().UnixMilli(),
		OrderID:   fill.OrderID,
		Status:    status,
		Symbol:    pos.Symbol,
		Timeframe: pos.Timeframe,
		Ext:       map[string]any{"purpose": string(purpose), "price": price},
	}
	return m.repo.InsertExecutionReport(ctx, rep)
}

func (m *Matcher) closePosition(ctx context.Context, pos *domain.Position, price float64, exitReason string, bar Bar) error {
	qty := pos.QtyTotal
	fill := domain.Fill{
		FillID:       uuid.NewString(),
		OrderID:      pos.IdempotencyKey + ":EXIT",
		Symbol:       pos.Symbol,
		Purpose:      domain.PurposeExit,
		Side:         oppositeSide(pos.Side),
		Qty:          qty,
		Price:        price,
		ExecutedAtMs: bar.CloseTimeMs,
	}
	if err := m.repo.InsertFill(ctx, fill); err != nil {
		return fmt.Errorf("papermatch: insert exit fill: %w", err)
	}

	pnlUSDT := pnl(pos.Side, pos.EntryPrice, price, qty)

	now := bar.CloseTimeMs
	pos.Status = domain.PositionClosed
	pos.ClosedAtMs = &now
	pos.ExitReason = exitReason
	pos.QtyTotal = 0
	if pos.Meta == nil {
		pos.Meta = map[string]any{}
	}

	if err := m.repo.UpsertPosition(ctx, *pos); err != nil {
		return fmt.Errorf("papermatch: persist closed position: %w", err)
	}

	tradeDate := time.UnixMilli(bar.CloseTimeMs).UTC().Format("2006-01-02")
	consecutive, err := m.repo.UpdateConsecutiveLossCount(ctx, tradeDate, pnlUSDT)
	if err != nil {
		log.Printf("papermatch: update consecutive loss count: %v", err)
	}

	if exitReason == domain.ExitPrimarySLHit && m.cfg.CooldownEnabled {
		bars := cooldownBars(m.cfg, pos.Timeframe)
		until := bar.CloseTimeMs + bars*pos.Timeframe.Millis()
		cd := domain.Cooldown{
			Symbol:    pos.Symbol,
			Side:      pos.Side,
			Timeframe: pos.Timeframe,
			Reason:    exitReason,
			UntilTsMs: until,
		}
		if err := m.repo.InsertCooldown(ctx, cd); err != nil {
			log.Printf("papermatch: insert cooldown for %s: %v", pos.Symbol, err)
		}
	}

	rep := domain.ExecutionReport{
		EventID:   uuid.NewString(),
		TsMs:      time.Now().UnixMilli(),
		OrderID:   fill.OrderID,
		Status:    domain.ReportPositionClosed,
		Reason:    exitReason,
		Symbol:    pos.Symbol,
		Timeframe: pos.Timeframe,
		Ext: map[string]any{
			"pnl_usdt":               pnlUSDT,
			"exit_avg_price":         price,
			"consecutive_loss_count": consecutive,
		},
	}
	return m.repo.InsertExecutionReport(ctx, rep)
}

// updateRunnerTrail recomputes the runner stop for the position's
// configured trail mode (plan.RunnerTrail, stored on Meta, falling back to
// cfg.RunnerTrailMode) and tightens the stop if the new candidate is an
// improvement.
func (m *Matcher) updateRunnerTrail(ctx context.Context, pos *domain.Position, bar Bar, long bool) {
	candidate := m.runnerTrailCandidate(ctx, pos, bar, long)

	current := pos.PrimarySLPrice
	if pos.RunnerStopPrice != nil {
		current = *pos.RunnerStopPrice
	}
	if tightens(long, candidate, current) {
		pos.RunnerStopPrice = &candidate
	}
}

// runnerTrailCandidate computes the candidate runner-stop price for ATR
// mode (trail by k*ATR behind the bar close) or PIVOT mode (most recent
// pivot extreme), falling back to a fixed close-percentage trail when
// there isn't yet enough bar history for the configured mode.
func (m *Matcher) runnerTrailCandidate(ctx context.Context, pos *domain.Position, bar Bar, long bool) float64 {
	mode := domain.RunnerTrailMode(m.cfg.RunnerTrailMode)
	if trail, _ := pos.Meta["runner_trail"].(string); trail != "" {
		mode = domain.RunnerTrailMode(trail)
	}

	switch mode {
	case domain.RunnerTrailPivot:
		lookback := m.cfg.RunnerTrailPivotLookback
		highs, lows, _, err := m.repo.RecentBars(ctx, pos.Symbol, pos.Timeframe, bar.CloseTimeMs, lookback+1)
		if err != nil {
			log.Printf("papermatch: recent bars for pivot trail %s: %v", pos.PositionID, err)
			break
		}
		if extreme, ok := indicator.PivotExtreme(highs, lows, lookback, long); ok {
			return extreme
		}
	default:
		period := m.cfg.RunnerTrailATRPeriod
		highs, lows, closes, err := m.repo.RecentBars(ctx, pos.Symbol, pos.Timeframe, bar.CloseTimeMs, period+200)
		if err != nil {
			log.Printf("papermatch: recent bars for atr trail %s: %v", pos.PositionID, err)
			break
		}
		if atr := indicator.ATRAtLast(highs, lows, closes, period); atr != nil {
			mult := m.cfg.RunnerTrailATRMult
			if mult <= 0 {
				mult = 1
			}
			if long {
				return bar.Close - mult*(*atr)
			}
			return bar.Close + mult*(*atr)
		}
	}

	const atrProxyPct = 0.01 // fallback trail while bar history is too short for ATR/PIVOT
	if long {
		return bar.Close * (1 - atrProxyPct)
	}
	return bar.Close * (1 + atrProxyPct)
}

func tightens(long bool, candidate, current float64) bool {
	if long {
		return candidate > current
	}
	return candidate < current
}

func oppositeSide(s domain.Side) domain.Side {
	if s == domain.SideBuy {
		return domain.SideSell
	}
	return domain.SideBuy
}

func pnl(side domain.Side, entry, exit, qty float64) float64 {
	if side == domain.SideBuy {
		return (exit - entry) * qty
	}
	return (entry - exit) * qty
}

func cooldownBars(cfg *config.Config, tf domain.Timeframe) int64 {
	switch tf {
	case domain.TF1h:
		return int64(cfg.CooldownBars1H)
	case domain.TF4h:
		return int64(cfg.CooldownBars4H)
	case domain.TF1d:
		return int64(cfg.CooldownBars1D)
	default:
		return int64(cfg.CooldownBars1H)
	}
}

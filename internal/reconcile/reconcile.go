// Package reconcile implements the reconciliation loop (§4.6): in LIVE mode
// it sweeps pending entry orders, polls open orders to detect TP1/TP2
// fills, converges the venue-side stop (break-even, runner-trail), and
// checks the WS/DB consistency-drift window.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"trading-core/internal/domain"
	"trading-core/internal/indicator"
	"trading-core/internal/lockset"
	"trading-core/internal/ordermgr"
	"trading-core/internal/riskgate"
	"trading-core/internal/venue"
	"trading-core/pkg/config"
	"trading-core/pkg/db"
)

// Broker is the venue surface the reconciliation loop polls.
type Broker interface {
	OpenOrders(ctx context.Context, symbol string) ([]venue.OpenOrder, error)
	SetTradingStop(ctx context.Context, symbol string, positionIdx int, stopLoss float64) error
	Positions(ctx context.Context, symbol string) ([]venue.PositionInfo, error)
}

// Loop runs one reconciliation pass per tick.
type Loop struct {
	repo    *db.Repository
	broker  Broker
	orders  *ordermgr.Manager
	emitter *riskgate.Emitter
	locks   *lockset.Set
	cfg     *config.Config
}

func New(repo *db.Repository, broker Broker, orders *ordermgr.Manager, emitter *riskgate.Emitter, locks *lockset.Set, cfg *config.Config) *Loop {
	return &Loop{repo: repo, broker: broker, orders: orders, emitter: emitter, locks: locks, cfg: cfg}
}

// Run executes one reconciliation tick. Callers in LIVE mode should call
// this on a ~2-5s interval; it is a no-op outside LIVE mode.
func (l *Loop) Run(ctx context.Context) error {
	if l.cfg.ExecutionMode != string(domain.ModeLive) {
		return nil
	}

	if err := l.orders.ProcessPendingEntryOrders(ctx); err != nil {
		log.Printf("reconcile: process pending entry orders: %v", err)
	}

	closing, err := l.repo.ListClosingPositions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: list closing positions: %w", err)
	}
	for _, pos := range closing {
		p := pos
		var stepErr error
		l.locks.With(p.PositionID, func() {
			stepErr = l.reconcileClosing(ctx, p)
		})
		if stepErr != nil {
			log.Printf("reconcile: closing position %s: %v", p.PositionID, stepErr)
		}
	}

	open, err := l.repo.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: list open positions: %w", err)
	}

	for _, pos := range open {
		p := pos
		var stepErr error
		l.locks.With(p.PositionID, func() {
			stepErr = l.reconcileOne(ctx, p)
		})
		if stepErr != nil {
			log.Printf("reconcile: position %s: %v", p.PositionID, stepErr)
		}
	}
	return nil
}

func (l *Loop) reconcileOne(ctx context.Context, pos domain.Position) error {
	fresh, err := l.repo.GetPosition(ctx, pos.PositionID)
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

	l.checkConsistencyDrift(ctx, pos, meta)

	openOrders, err := l.broker.OpenOrders(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("reconcile: open orders for %s: %w", pos.Symbol, err)
	}

	tp1Filled, _ := meta["tp1_filled"].(bool)
	tp2Filled, _ := meta["tp2_filled"].(bool)

	localOrders, err := l.repo.ListOrdersByIdempotencyKey(ctx, pos.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("reconcile: list local orders: %w", err)
	}
	tp1Order := findPurpose(localOrders, domain.PurposeTP1)
	tp2Order := findPurpose(localOrders, domain.PurposeTP2)

	if !tp1Filled && tp1Order != nil && isVenueFilled(openOrders, tp1Order.VenueOrderID) {
		meta["tp1_filled"] = true
		if err := l.broker.SetTradingStop(ctx, pos.Symbol, 0, pos.EntryPrice); err != nil {
			log.Printf("reconcile: set breakeven stop for %s: %v", pos.PositionID, err)
		} else {
			pos.PrimarySLPrice = pos.EntryPrice
			if err := l.emitReport(ctx, pos, domain.ReportTPHit, "TP1 filled, stop moved to breakeven"); err != nil {
				log.Printf("reconcile: emit TP1 report: %v", err)
			}
		}
	}

	if !tp2Filled && tp2Order != nil && isVenueFilled(openOrders, tp2Order.VenueOrderID) {
		meta["tp2_filled"] = true
		if err := l.emitReport(ctx, pos, domain.ReportTPHit, "TP2 filled, runner trailing engaged"); err != nil {
			log.Printf("reconcile: emit TP2 report: %v", err)
		}
	}

	tp2NowFilled, _ := meta["tp2_filled"].(bool)
	if tp2NowFilled {
		l.maybeUpdateRunnerStop(ctx, &pos, meta)
	}

	pos.Meta = meta
	return l.repo.UpsertPosition(ctx, pos)
}

// reconcileClosing resolves a mutex-upgrade force-close that is waiting on
// its reduce-only market order: once the venue no longer reports an open
// position on that side, it finalizes the row to CLOSED and emits the
// closing execution report. If the venue position is still open, it is a
// no-op and the next tick retries.
func (l *Loop) reconcileClosing(ctx context.Context, pos domain.Position) error {
	fresh, err := l.repo.GetPosition(ctx, pos.PositionID)
	if err != nil {
		return err
	}
	if fresh == nil || fresh.Status != domain.PositionClosing {
		return nil
	}
	pos = *fresh

	positions, err := l.broker.Positions(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("reconcile: fetch venue positions for closing %s: %w", pos.PositionID, err)
	}
	if venueSideStillOpen(positions, pos.Side) {
		return nil
	}

	now := time.Now().UnixMilli()
	pos.Status = domain.PositionClosed
	pos.ClosedAtMs = &now
	if err := l.repo.UpsertPosition(ctx, pos); err != nil {
		return fmt.Errorf("reconcile: persist converged close %s: %w", pos.PositionID, err)
	}
	return l.emitReport(ctx, pos, domain.ReportPositionClosed, pos.ExitReason)
}

func venueSideStillOpen(positions []venue.PositionInfo, side domain.Side) bool {
	want := "Buy"
	if side == domain.SideSell {
		want = "Sell"
	}
	for _, p := range positions {
		if p.Side != want {
			continue
		}
		size, err := strconv.ParseFloat(p.Size, 64)
		if err != nil {
			continue
		}
		if size > 0 {
			return true
		}
	}
	return false
}

func findPurpose(orders []domain.Order, purpose domain.OrderPurpose) *domain.Order {
	for i := range orders {
		if orders[i].Purpose == purpose {
			return &orders[i]
		}
	}
	return nil
}

func isVenueFilled(openOrders []venue.OpenOrder, venueOrderID string) bool {
	if venueOrderID == "" {
		return false
	}
	for _, o := range openOrders {
		if o.OrderID == venueOrderID {
			return o.OrderStatus == "Filled"
		}
	}
	// not present in open-orders list: either filled and dropped, or never existed.
	return true
}

func (l *Loop) checkConsistencyDrift(ctx context.Context, pos domain.Position, meta map[string]any) {
	if !l.cfg.ConsistencyDriftEnabled {
		return
	}
	wsPosition, ok := meta["ws_position"].(map[string]any)
	if !ok {
		return
	}
	wsSize, ok := wsPosition["size"].(float64)
	if !ok || pos.QtyTotal == 0 {
		return
	}
	tsMs, _ := wsPosition["ts_ms"].(float64)
	if int64(tsMs) != 0 && time.Now().UnixMilli()-int64(tsMs) > l.cfg.ConsistencyDriftWindowMs {
		return
	}
	drift := math.Abs(wsSize-pos.QtyTotal) / pos.QtyTotal
	if drift > l.cfg.ConsistencyDriftThresholdPct {
		if err := l.emitter.Emit(ctx, domain.RiskConsistencyDrift, domain.SeverityImportant, pos.Symbol, map[string]any{
			"ws_size": wsSize, "db_size": pos.QtyTotal, "drift_pct": drift,
		}); err != nil {
			log.Printf("reconcile: emit consistency drift: %v", err)
		}
	}
}

// runnerTrailPct is the last-resort trail used when neither ATR nor pivot
// history is available yet for the symbol/timeframe.
const runnerTrailPct = 0.01

func (l *Loop) maybeUpdateRunnerStop(ctx context.Context, pos *domain.Position, meta map[string]any) {
	lastMs, _ := meta["runner_last_update_ms"].(float64)
	nowMs := time.Now().UnixMilli()
	if int64(lastMs) != 0 && nowMs-int64(lastMs) < l.cfg.RunnerLiveUpdateMinIntervalMs {
		return
	}

	candidate, ok := l.runnerTrailCandidate(ctx, pos, meta, nowMs)
	if !ok {
		return
	}

	current := pos.PrimarySLPrice
	if pos.RunnerStopPrice != nil {
		current = *pos.RunnerStopPrice
	}
	long := pos.Side == domain.SideBuy
	if (long && candidate > current) || (!long && candidate < current) {
		if err := l.broker.SetTradingStop(ctx, pos.Symbol, 0, candidate); err != nil {
			log.Printf("reconcile: update runner stop for %s: %v", pos.PositionID, err)
			return
		}
		pos.RunnerStopPrice = &candidate
		meta["runner_last_update_ms"] = float64(nowMs)
	}
}

// runnerTrailCandidate mirrors papermatch's ATR/PIVOT runner-trail modes
// using persisted bars, anchored to the live mark price rather than a bar
// close. Falls back to a mark-price percentage trail when there isn't yet
// enough bar history for the configured mode.
func (l *Loop) runnerTrailCandidate(ctx context.Context, pos *domain.Position, meta map[string]any, nowMs int64) (float64, bool) {
	positions, err := l.broker.Positions(ctx, pos.Symbol)
	if err != nil {
		log.Printf("reconcile: fetch mark price for runner trail %s: %v", pos.PositionID, err)
		return 0, false
	}
	mark, ok := markPrice(positions, pos.Side)
	if !ok {
		return 0, false
	}

	long := pos.Side == domain.SideBuy
	mode := domain.RunnerTrailMode(l.cfg.RunnerTrailMode)
	if trail, _ := meta["runner_trail"].(string); trail != "" {
		mode = domain.RunnerTrailMode(trail)
	}

	switch mode {
	case domain.RunnerTrailPivot:
		lookback := l.cfg.RunnerTrailPivotLookback
		highs, lows, _, err := l.repo.RecentBars(ctx, pos.Symbol, pos.Timeframe, nowMs, lookback+1)
		if err != nil {
			log.Printf("reconcile: recent bars for pivot trail %s: %v", pos.PositionID, err)
		} else if extreme, ok := indicator.PivotExtreme(highs, lows, lookback, long); ok {
			return extreme, true
		}
	default:
		period := l.cfg.RunnerTrailATRPeriod
		highs, lows, closes, err := l.repo.RecentBars(ctx, pos.Symbol, pos.Timeframe, nowMs, period+200)
		if err != nil {
			log.Printf("reconcile: recent bars for atr trail %s: %v", pos.PositionID, err)
		} else if atr := indicator.ATRAtLast(highs, lows, closes, period); atr != nil {
			mult := l.cfg.RunnerTrailATRMult
			if mult <= 0 {
				mult = 1
			}
			if long {
				return mark - mult*(*atr), true
			}
			return mark + mult*(*atr), true
		}
	}

	if long {
		return mark * (1 - runnerTrailPct), true
	}
	return mark * (1 + runnerTrailPct), true
}

func markPrice(positions []venue.PositionInfo, side domain.Side) (float64, bool) {
	for _, p := range positions {
		if (side == domain.SideBuy && p.Side == "Buy") || (side == domain.SideSell && p.Side == "Sell") {
			v, err := strconv.ParseFloat(p.MarkPrice, 64)
			if err != nil {
				return 0, false
			}
			return v, true
		}
	}
	return 0, false
}

func (l *Loop) emitReport(ctx context.Context, pos domain.Position, status, reason string) error {
	rep := domain.ExecutionReport{
		EventID:   uuid.NewString(),
		TsMs:      time.Now().UnixMilli(),
		PlanID:    pos.IdempotencyKey,
		Status:    status,
		Reason:    reason,
		Symbol:    pos.Symbol,
		Timeframe: pos.Timeframe,
	}
	return l.repo.InsertExecutionReport(ctx, rep)
}

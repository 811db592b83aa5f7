// Package execution implements the trade-plan executor (§4.2): the
// admission sequence that turns an admitted TradePlan into an OPEN Position
// plus its ENTRY/stop-loss/TP1/TP2 orders.
package execution

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"trading-core/internal/domain"
	"trading-core/internal/lock"
	"trading-core/internal/obs"
	"trading-core/internal/riskgate"
	"trading-core/internal/venue"
	"trading-core/pkg/config"
	"trading-core/pkg/db"
)

// Broker is the subset of venue calls the executor needs. Defined here so
// tests can substitute a fake without importing internal/venue.
type Broker interface {
	SubmitOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error)
	SetTradingStop(ctx context.Context, symbol string, positionIdx int, stopLoss float64) error
	CancelOrder(ctx context.Context, symbol, venueOrderID string) error
	InstrumentsInfo(ctx context.Context, symbol string) (venue.InstrumentFilter, error)
}

// EquitySource reports the account equity used for sizing.
type EquitySource interface {
	CurrentEquity(ctx context.Context) (float64, error)
}

// Executor drives the admission sequence and order placement.
type Executor struct {
	repo    *db.Repository
	gates   *riskgate.Gates
	emitter *riskgate.Emitter
	locker  *lock.Locker
	broker  Broker
	equity  EquitySource
	cfg     *config.Config
}

func New(repo *db.Repository, gates *riskgate.Gates, emitter *riskgate.Emitter, locker *lock.Locker, broker Broker, equity EquitySource, cfg *config.Config) *Executor {
	return &Executor{repo: repo, gates: gates, emitter: emitter, locker: locker, broker: broker, equity: equity, cfg: cfg}
}

const lockTTL = 30 * time.Second

// HandleTradePlan runs the full admission sequence for a single plan
// delivery. A duplicate delivery (lock already held) returns nil: the
// caller should ack silently.
func (e *Executor) HandleTradePlan(ctx context.Context, plan domain.TradePlan) error {
	lease, err := e.locker.Acquire(ctx, lock.PlanKey(plan.IdempotencyKey), lockTTL)
	if err != nil {
		if err == lock.ErrHeld {
			return nil
		}
		return fmt.Errorf("execution: acquire plan lock: %w", err)
	}
	fields := obs.NewFields("idempotency_key", plan.IdempotencyKey, "symbol", plan.Symbol)
	defer func() {
		if releaseErr := lease.Release(ctx); releaseErr != nil {
			fields.Printf("execution: release plan lock: %v", releaseErr)
		}
	}()

	traceID, _ := plan.Ext["trace_id"].(string)
	e.traceStep(ctx, traceID, plan.IdempotencyKey, "received", map[string]any{"symbol": plan.Symbol, "side": string(plan.Side)})

	if existing, err := e.repo.GetPositionByIdempotencyKey(ctx, plan.IdempotencyKey); err != nil {
		return fmt.Errorf("execution: check existing position: %w", err)
	} else if existing != nil {
		return nil // already admitted, nothing further to do
	}

	nowMs := time.Now().UnixMilli()

	if d, err := e.gates.KillSwitch(ctx); err != nil {
		return err
	} else if !d.Pass {
		e.traceStep(ctx, traceID, plan.IdempotencyKey, "kill_switch_rejected", d.Detail)
		return e.reject(ctx, plan, d)
	}

	if d := riskgate.PlanExpiry(plan, nowMs); !d.Pass {
		e.traceStep(ctx, traceID, plan.IdempotencyKey, "plan_expiry_rejected", d.Detail)
		return e.reject(ctx, plan, d)
	}

	if d, err := e.gates.RiskCircuit(ctx, riskgate.TradeDate(nowMs)); err != nil {
		return err
	} else if !d.Pass {
		e.traceStep(ctx, traceID, plan.IdempotencyKey, "risk_circuit_rejected", d.Detail)
		return e.reject(ctx, plan, d)
	}

	if d, err := e.gates.Cooldown(ctx, plan.Symbol, plan.Side, plan.Timeframe, nowMs); err != nil {
		return err
	} else if !d.Pass {
		e.traceStep(ctx, traceID, plan.IdempotencyKey, "cooldown_rejected", d.Detail)
		return e.reject(ctx, plan, d)
	}

	if d, err := e.gates.MaxPositions(ctx); err != nil {
		return err
	} else if !d.Pass {
		e.traceStep(ctx, traceID, plan.IdempotencyKey, "max_positions_rejected", d.Detail)
		return e.reject(ctx, plan, d)
	}

	mutex, err := e.gates.Mutex(ctx, plan)
	if err != nil {
		return err
	}
	if !mutex.Decision.Pass {
		e.traceStep(ctx, traceID, plan.IdempotencyKey, "mutex_rejected", mutex.Decision.Detail)
		return e.reject(ctx, plan, mutex.Decision)
	}
	if mutex.Upgrade && mutex.Existing != nil {
		e.traceStep(ctx, traceID, plan.IdempotencyKey, "mutex_upgrade", map[string]any{"closed_position_id": mutex.Existing.PositionID})
		if err := e.forceCloseForUpgrade(ctx, *mutex.Existing); err != nil {
			log.Printf("execution: force-close on mutex upgrade failed for %s: %v", mutex.Existing.PositionID, err)
		}
		if e.cfg.ExecutionMode == string(domain.ModeLive) {
			converged, err := e.awaitMutexUpgradeConvergence(ctx, mutex.Existing.PositionID)
			if err != nil {
				return fmt.Errorf("execution: await mutex upgrade convergence: %w", err)
			}
			if !converged {
				d := riskgate.Decision{
					Pass:   false,
					Reason: domain.ReasonPositionMutexBlocked,
					Detail: map[string]any{
						"existing_position_id": mutex.Existing.PositionID,
						"stage":                "upgrade_not_converged",
					},
				}
				e.traceStep(ctx, traceID, plan.IdempotencyKey, "mutex_upgrade_not_converged", d.Detail)
				return e.reject(ctx, plan, d)
			}
		}
	}

	equity, err := e.equity.CurrentEquity(ctx)
	if err != nil {
		return fmt.Errorf("execution: read equity: %w", err)
	}

	filter, err := e.broker.InstrumentsInfo(ctx, plan.Symbol)
	if err != nil {
		return fmt.Errorf("execution: instruments info: %w", err)
	}

	sizing, err := SizePosition(e.cfg, equity, plan, filter)
	if err != nil {
		return err
	}
	if sizing.Qty <= 0 {
		e.traceStep(ctx, traceID, plan.IdempotencyKey, "sizing_rejected", map[string]any{"notional": sizing.Notional})
		return e.reject(ctx, plan, riskgate.Decision{Pass: false, Reason: domain.ReasonOrderValueTooSmall, Detail: map[string]any{
			"notional": sizing.Notional,
		}})
	}

	plan.HistEntry = e.inferHistEntry(ctx, plan)

	e.traceStep(ctx, traceID, plan.IdempotencyKey, "admitted", map[string]any{"qty": sizing.Qty})
	return e.openPosition(ctx, plan, sizing, nowMs)
}

func (e *Executor) reject(ctx context.Context, plan domain.TradePlan, d riskgate.Decision) error {
	typ, severity := riskgate.ReasonToRiskEventType(d.Reason)
	if err := e.emitter.Emit(ctx, typ, severity, plan.Symbol, d.Detail); err != nil {
		log.Printf("execution: emit risk event for rejection %s: %v", d.Reason, err)
	}
	rep := domain.ExecutionReport{
		EventID:   uuid.NewString(),
		TsMs:      time.Now().UnixMilli(),
		PlanID:    plan.PlanID,
		Status:    domain.ReportOrderRejected,
		Reason:    d.Reason,
		Symbol:    plan.Symbol,
		Timeframe: plan.Timeframe,
	}
	return e.repo.InsertExecutionReport(ctx, rep)
}

// forceCloseForUpgrade force-exits a lower-priority position that a
// higher-priority incoming plan is upgrading over. In PAPER/BACKTEST mode
// there is no venue fill to wait for, so the close is immediate. In LIVE
// mode the reduce-only market order may only partially fill: the position
// is left CLOSING and the reconciliation loop (internal/reconcile) observes
// the venue-side position drop to zero and finalizes it to CLOSED; the
// caller is responsible for waiting one reconciliation tick for that to
// happen before admitting the new plan.
func (e *Executor) forceCloseForUpgrade(ctx context.Context, existing domain.Position) error {
	if e.cfg.ExecutionMode != string(domain.ModeLive) {
		now := time.Now().UnixMilli()
		existing.Status = domain.PositionClosed
		existing.ClosedAtMs = &now
		existing.ExitReason = domain.ExitMutexUpgrade
		return e.repo.UpsertPosition(ctx, existing)
	}

	orders, err := e.repo.ListOrdersByIdempotencyKey(ctx, existing.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("execution: list orders for mutex upgrade close: %w", err)
	}
	for _, o := range orders {
		if o.VenueOrderID == "" || o.Status == domain.OrderFilled || o.Status == domain.OrderCanceled {
			continue
		}
		if o.Purpose != domain.PurposeTP1 && o.Purpose != domain.PurposeTP2 {
			continue
		}
		if err := e.broker.CancelOrder(ctx, o.Symbol, o.VenueOrderID); err != nil {
			log.Printf("execution: cancel %s order on mutex upgrade for %s: %v", o.Purpose, existing.PositionID, err)
		}
	}

	if _, err := e.broker.SubmitOrder(ctx, venue.OrderRequest{
		Symbol:     existing.Symbol,
		Side:       oppositeSide(existing.Side),
		OrderType:  domain.OrderTypeMarket,
		Qty:        existing.QtyTotal,
		ReduceOnly: true,
	}); err != nil {
		return fmt.Errorf("execution: market close for upgrade: %w", err)
	}

	existing.Status = domain.PositionClosing
	existing.ExitReason = domain.ExitMutexUpgrade
	return e.repo.UpsertPosition(ctx, existing)
}

// mutexConvergencePollInterval is how often awaitMutexUpgradeConvergence
// re-checks the forced-close position's status while waiting.
const mutexConvergencePollInterval = 100 * time.Millisecond

// awaitMutexUpgradeConvergence waits up to one reconciliation tick
// (cfg.ReconcileIntervalMs) for positionID to reach CLOSED, polling it at
// mutexConvergencePollInterval. Returns false if it is still open when the
// tick elapses.
func (e *Executor) awaitMutexUpgradeConvergence(ctx context.Context, positionID string) (bool, error) {
	deadline := time.Duration(e.cfg.ReconcileIntervalMs) * time.Millisecond
	if deadline <= 0 {
		deadline = mutexConvergencePollInterval
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	ticker := time.NewTicker(mutexConvergencePollInterval)
	defer ticker.Stop()

	converged := func() (bool, error) {
		pos, err := e.repo.GetPosition(ctx, positionID)
		if err != nil {
			return false, err
		}
		return pos == nil || pos.Status == domain.PositionClosed, nil
	}

	if ok, err := converged(); err != nil || ok {
		return ok, err
	}
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return converged()
		case <-ticker.C:
			if ok, err := converged(); err != nil || ok {
				return ok, err
			}
		}
	}
}

func oppositeSide(s domain.Side) domain.Side {
	if s == domain.SideBuy {
		return domain.SideSell
	}
	return domain.SideBuy
}

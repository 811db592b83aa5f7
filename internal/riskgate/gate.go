// Package riskgate implements the admission-sequence gate helpers (§4.3):
// kill switch, plan expiry, risk circuit, cooldown, max-positions and the
// same-symbol-side mutex. Each gate returns Pass or a typed rejection; the
// executor (internal/execution) runs them in order and short-circuits on the
// first rejection.
package riskgate

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"trading-core/internal/domain"
	"trading-core/pkg/config"
	"trading-core/pkg/db"
	"trading-core/pkg/i18n"
)

// Decision is the outcome of a single gate.
type Decision struct {
	Pass   bool
	Reason string
	Detail map[string]any
}

func passDecision() Decision { return Decision{Pass: true} }

func reject(reason string, detail map[string]any) Decision {
	return Decision{Pass: false, Reason: reason, Detail: detail}
}

// Gates bundles the persistence and config a gate pipeline consults.
type Gates struct {
	repo    *db.Repository
	cfg     *config.Config
	emitter *Emitter

	mu        sync.Mutex
	killLocal bool // in-process mirror of the persisted kill-switch flag
}

func New(repo *db.Repository, cfg *config.Config) *Gates {
	return &Gates{repo: repo, cfg: cfg}
}

// SetEmitter wires a risk-event emitter for gates that degrade to a
// non-blocking pass rather than a hard error (currently RiskCircuit's
// read failure path). Optional: gates work without one, just silently.
func (g *Gates) SetEmitter(e *Emitter) {
	g.emitter = e
}

// SetKillSwitch updates the in-process mirror immediately so admission
// blocks before the next persisted read, then persists the flag.
func (g *Gates) SetKillSwitch(ctx context.Context, on bool) error {
	g.mu.Lock()
	g.killLocal = on
	g.mu.Unlock()

	if on {
		log.Println(i18n.Get("KillSwitchEngaged"))
	}

	val := "0"
	if on {
		val = "1"
	}
	return g.repo.SetRuntimeFlag(ctx, "kill_switch", val)
}

// KillSwitch is step 2 of admission.
func (g *Gates) KillSwitch(ctx context.Context) (Decision, error) {
	g.mu.Lock()
	local := g.killLocal
	g.mu.Unlock()

	if g.cfg.AccountKillSwitchForceOn {
		return reject(domain.ReasonKillSwitchOn, map[string]any{"source": "force_on"}), nil
	}
	if !g.cfg.AccountKillSwitchEnabled {
		return passDecision(), nil
	}
	if local {
		return reject(domain.ReasonKillSwitchOn, map[string]any{"source": "in_process"}), nil
	}

	val, err := g.repo.GetRuntimeFlag(ctx, "kill_switch")
	if err != nil {
		return Decision{}, fmt.Errorf("riskgate: kill switch lookup: %w", err)
	}
	if val == "1" {
		g.mu.Lock()
		g.killLocal = true
		g.mu.Unlock()
		return reject(domain.ReasonKillSwitchOn, map[string]any{"source": "persisted"}), nil
	}
	return passDecision(), nil
}

// PlanExpiry is step 3: rejects plans whose validity window has elapsed.
func PlanExpiry(plan domain.TradePlan, nowMs int64) Decision {
	if plan.ExpiresAtMs != 0 && plan.ExpiresAtMs < nowMs {
		return reject(domain.ReasonSignalExpired, map[string]any{
			"expires_at_ms": plan.ExpiresAtMs,
			"now_ms":        nowMs,
		})
	}
	return passDecision()
}

// RiskCircuit is step 4: consults today's risk-state ledger row.
func (g *Gates) RiskCircuit(ctx context.Context, tradeDate string) (Decision, error) {
	if !g.cfg.RiskCircuitEnabled {
		return passDecision(), nil
	}
	rs, err := g.repo.GetRiskState(ctx, tradeDate)
	if err != nil {
		// A read failure on the risk ledger should not itself block trading:
		// log it as a non-blocking risk event and fall through as if no
		// ledger row existed yet for today.
		if g.emitter != nil {
			if emitErr := g.emitter.Emit(ctx, domain.RiskStateReadFailed, domain.SeverityInfo, "", map[string]any{
				"trade_date": tradeDate,
				"error":      err.Error(),
			}); emitErr != nil {
				return Decision{}, fmt.Errorf("riskgate: risk circuit lookup: %w (emit also failed: %v)", err, emitErr)
			}
		}
		return passDecision(), nil
	}
	if rs == nil {
		return passDecision(), nil
	}
	if rs.HardHalt || rs.SoftHalt || rs.KillSwitch {
		return reject(domain.ReasonRiskCircuitHalt, map[string]any{
			"soft_halt":   rs.SoftHalt,
			"hard_halt":   rs.HardHalt,
			"kill_switch": rs.KillSwitch,
		}), nil
	}
	return passDecision(), nil
}

// Cooldown is step 5: rejects if an active cooldown covers this key.
func (g *Gates) Cooldown(ctx context.Context, symbol string, side domain.Side, tf domain.Timeframe, nowMs int64) (Decision, error) {
	if !g.cfg.CooldownEnabled {
		return passDecision(), nil
	}
	cd, err := g.repo.ActiveCooldown(ctx, symbol, side, tf, nowMs)
	if err != nil {
		return Decision{}, fmt.Errorf("riskgate: cooldown lookup: %w", err)
	}
	if cd != nil {
		return reject(domain.ReasonCooldownBlocked, map[string]any{
			"until_ts_ms": cd.UntilTsMs,
			"reason":      cd.Reason,
		}), nil
	}
	return passDecision(), nil
}

// MaxPositions is step 6: rejects once the open-position count reaches the
// configured ceiling.
func (g *Gates) MaxPositions(ctx context.Context) (Decision, error) {
	open, err := g.repo.ListOpenPositions(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("riskgate: max positions lookup: %w", err)
	}
	if len(open) >= g.cfg.MaxOpenPositions {
		return reject(domain.ReasonMaxPositionsBlocked, map[string]any{
			"open_count": len(open),
			"max":        g.cfg.MaxOpenPositions,
		}), nil
	}
	return passDecision(), nil
}

// MutexAction is the outcome of the same-symbol-side mutex check (step 7).
type MutexAction struct {
	Decision Decision
	// Upgrade is set when upgrade_action=CLOSE_LOWER_AND_OPEN and the
	// incoming plan outranks an existing position: the executor must force
	// close Existing before proceeding.
	Upgrade  bool
	Existing *domain.Position
}

// Mutex is step 7: same-(symbol, side) positions are serialized by
// timeframe priority (1d=3, 4h=2, 1h=1, else 0).
func (g *Gates) Mutex(ctx context.Context, plan domain.TradePlan) (MutexAction, error) {
	open, err := g.repo.ListOpenPositions(ctx)
	if err != nil {
		return MutexAction{}, fmt.Errorf("riskgate: mutex lookup: %w", err)
	}

	incomingPriority := plan.Timeframe.Priority()
	for i := range open {
		existing := open[i]
		if existing.Symbol != plan.Symbol || existing.Side != plan.Side {
			continue
		}
		existingPriority := existing.Timeframe.Priority()
		if incomingPriority <= existingPriority {
			return MutexAction{Decision: reject(domain.ReasonPositionMutexBlocked, map[string]any{
				"existing_position_id": existing.PositionID,
				"existing_timeframe":   string(existing.Timeframe),
			})}, nil
		}
		if g.cfg.PositionMutexUpgradeAction == string(domain.MutexCloseLowerAndOpen) {
			ex := existing
			return MutexAction{Decision: passDecision(), Upgrade: true, Existing: &ex}, nil
		}
		return MutexAction{Decision: reject(domain.ReasonPositionMutexBlocked, map[string]any{
			"existing_position_id": existing.PositionID,
			"existing_timeframe":   string(existing.Timeframe),
		})}, nil
	}
	return MutexAction{Decision: passDecision()}, nil
}

// TradeDate returns the UTC calendar date used to key risk_state rows.
func TradeDate(nowMs int64) string {
	return time.UnixMilli(nowMs).UTC().Format("2006-01-02")
}

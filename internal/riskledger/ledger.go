// Package riskledger implements the daily account risk ledger (§4.10):
// tracks starting/min/max equity per UTC trade date, evaluates soft/hard
// drawdown halts, and force-closes every OPEN position on a hard halt.
// Halts only ever get OR'd onto the day's state, never cleared early.
package riskledger

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"trading-core/internal/domain"
	"trading-core/internal/riskgate"
	"trading-core/internal/venue"
	"trading-core/pkg/config"
	"trading-core/pkg/db"
	"trading-core/pkg/i18n"
)

// EquitySource reports current account equity.
type EquitySource interface {
	CurrentEquity(ctx context.Context) (float64, error)
}

// Broker is the venue surface the ledger needs to force-close positions on
// a hard halt.
type Broker interface {
	SubmitOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error)
}

// CircuitDecision is the pure drawdown evaluation.
type CircuitDecision struct {
	SoftHalt    bool
	HardHalt    bool
	DrawdownPct float64
}

// EvalDrawdown computes drawdown_pct = (max_equity - current_equity) / max_equity,
// expressed as a fraction (0.04 == 4%), matching the configured threshold units.
func EvalDrawdown(maxEquity, currentEquity, softPct, hardPct float64) CircuitDecision {
	var dd float64
	if maxEquity > 0 {
		dd = (maxEquity - currentEquity) / maxEquity
	}
	return CircuitDecision{SoftHalt: dd >= softPct, HardHalt: dd >= hardPct, DrawdownPct: dd}
}

// Monitor runs the periodic risk-state tick.
type Monitor struct {
	repo    *db.Repository
	broker  Broker
	equity  EquitySource
	emitter *riskgate.Emitter
	gates   *riskgate.Gates
	cfg     *config.Config
}

func New(repo *db.Repository, broker Broker, equity EquitySource, emitter *riskgate.Emitter, gates *riskgate.Gates, cfg *config.Config) *Monitor {
	return &Monitor{repo: repo, broker: broker, equity: equity, emitter: emitter, gates: gates, cfg: cfg}
}

func tradeDate(nowMs int64) string {
	return time.UnixMilli(nowMs).UTC().Format("2006-01-02")
}

// Run evaluates and persists one risk-state tick; a no-op outside LIVE mode
// or with the risk circuit disabled in config.
func (m *Monitor) Run(ctx context.Context) error {
	nowMs := time.Now().UnixMilli()
	date := tradeDate(nowMs)

	st, err := m.repo.GetRiskState(ctx, date)
	if err != nil {
		return fmt.Errorf("riskledger: get risk state: %w", err)
	}

	if m.cfg.ExecutionMode != string(domain.ModeLive) || !m.cfg.RiskCircuitEnabled {
		return nil
	}

	equity, err := m.equity.CurrentEquity(ctx)
	if err != nil {
		return fmt.Errorf("riskledger: read wallet balance: %w", err)
	}

	var starting, minEq, maxEq float64
	var priorSoft, priorHard, priorKill bool
	var consecutiveLoss int
	if st == nil {
		starting, minEq, maxEq = equity, equity, equity
	} else {
		starting, minEq, maxEq = st.StartingEquity, st.MinEquity, st.MaxEquity
		priorSoft, priorHard, priorKill = st.SoftHalt, st.HardHalt, st.KillSwitch
		consecutiveLoss = st.ConsecutiveLossCount
	}
	if equity < minEq {
		minEq = equity
	}
	if equity > maxEq {
		maxEq = equity
	}

	decision := EvalDrawdown(maxEq, equity, m.cfg.DailyDrawdownSoftPct, m.cfg.DailyDrawdownHardPct)

	soft := priorSoft || decision.SoftHalt
	hard := priorHard || decision.HardHalt
	kill := priorKill || hard

	newState := domain.RiskState{
		TradeDate:            date,
		StartingEquity:       starting,
		CurrentEquity:        equity,
		MinEquity:            minEq,
		MaxEquity:            maxEq,
		DrawdownPct:          decision.DrawdownPct,
		SoftHalt:             soft,
		HardHalt:             hard,
		KillSwitch:           kill,
		ConsecutiveLossCount: consecutiveLoss,
	}
	if err := m.repo.UpsertRiskState(ctx, newState); err != nil {
		return fmt.Errorf("riskledger: persist risk state: %w", err)
	}

	if decision.SoftHalt && !priorSoft {
		if err := m.emitter.Emit(ctx, domain.RiskDailyDrawdownSoft, domain.SeverityImportant, "", map[string]any{"drawdown_pct": decision.DrawdownPct}); err != nil {
			log.Printf("riskledger: emit soft halt: %v", err)
		}
	}
	if decision.HardHalt && !priorHard {
		if err := m.emitter.Emit(ctx, domain.RiskDailyDrawdownHard, domain.SeverityEmergency, "", map[string]any{"drawdown_pct": decision.DrawdownPct}); err != nil {
			log.Printf("riskledger: emit hard halt: %v", err)
		}
		log.Printf(i18n.Get("RiskCircuitHalted"), date)
		m.closeAllOpenPositions(ctx)
	}
	return nil
}

// closeAllOpenPositions force-exits every OPEN position at market on a
// fresh hard halt. Best-effort: one failure never stops the rest.
func (m *Monitor) closeAllOpenPositions(ctx context.Context) {
	open, err := m.repo.ListOpenPositions(ctx)
	if err != nil {
		log.Printf("riskledger: list open positions for hard halt close-all: %v", err)
		return
	}
	for _, pos := range open {
		if err := m.forceClose(ctx, pos); err != nil {
			log.Printf("riskledger: force close %s on hard halt: %v", pos.PositionID, err)
		}
	}
}

func (m *Monitor) forceClose(ctx context.Context, pos domain.Position) error {
	closeSide := domain.SideSell
	if pos.Side == domain.SideSell {
		closeSide = domain.SideBuy
	}
	if _, err := m.broker.SubmitOrder(ctx, venue.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       closeSide,
		OrderType:  domain.OrderTypeMarket,
		Qty:        pos.QtyTotal,
		ReduceOnly: true,
		OrderLinkID: uuid.NewString(),
	}); err != nil {
		return fmt.Errorf("submit market close: %w", err)
	}

	now := time.Now().UnixMilli()
	pos.Status = domain.PositionClosed
	pos.ClosedAtMs = &now
	pos.ExitReason = domain.ExitRiskHalt
	if err := m.repo.UpsertPosition(ctx, pos); err != nil {
		return fmt.Errorf("persist forced close: %w", err)
	}

	rep := domain.ExecutionReport{
		EventID:   uuid.NewString(),
		TsMs:      now,
		PlanID:    pos.IdempotencyKey,
		Status:    domain.ReportPositionClosed,
		Reason:    domain.ExitRiskHalt,
		Symbol:    pos.Symbol,
		Timeframe: pos.Timeframe,
	}
	return m.repo.InsertExecutionReport(ctx, rep)
}

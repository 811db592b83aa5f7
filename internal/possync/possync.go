// Package possync implements the position-sync loop (§4.7): periodically
// compares DB-OPEN positions against exchange position size and closes
// stale DB rows the other loops missed (manual exchange-side closes,
// missed SL fills, WS gaps).
package possync

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"trading-core/internal/domain"
	"trading-core/internal/lockset"
	"trading-core/internal/venue"
	"trading-core/pkg/config"
	"trading-core/pkg/db"
)

// Broker is the venue surface the sync loop queries.
type Broker interface {
	Positions(ctx context.Context, symbol string) ([]venue.PositionInfo, error)
}

type Loop struct {
	repo   *db.Repository
	broker Broker
	locks  *lockset.Set
	cfg    *config.Config
}

func New(repo *db.Repository, broker Broker, locks *lockset.Set, cfg *config.Config) *Loop {
	return &Loop{repo: repo, broker: broker, locks: locks, cfg: cfg}
}

// Run executes one sync tick; a no-op outside LIVE mode.
func (l *Loop) Run(ctx context.Context) error {
	if l.cfg.ExecutionMode != string(domain.ModeLive) {
		return nil
	}

	open, err := l.repo.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("possync: list open positions: %w", err)
	}

	for _, pos := range open {
		p := pos
		var stepErr error
		l.locks.With(p.PositionID, func() {
			stepErr = l.syncOne(ctx, p)
		})
		if stepErr != nil {
			log.Printf("possync: sync %s: %v", p.PositionID, stepErr)
		}
	}
	return nil
}

func (l *Loop) syncOne(ctx context.Context, pos domain.Position) error {
	fresh, err := l.repo.GetPosition(ctx, pos.PositionID)
	if err != nil {
		return err
	}
	if fresh == nil || fresh.Status != domain.PositionOpen {
		return nil
	}
	pos = *fresh

	positions, err := l.broker.Positions(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("possync: query exchange positions for %s: %w", pos.Symbol, err)
	}

	size := exchangeSize(positions, pos.Side)
	if size != 0 {
		return nil // consistent, no action
	}

	tp1Filled, _ := pos.Meta["tp1_filled"].(bool)
	exitReason := domain.ExitExchangeClosed
	if !tp1Filled {
		// Conservative heuristic: no TP1 fill before a flat exchange size is
		// more likely an SL hit than an operator-initiated close.
		exitReason = domain.ExitStopLoss
	}

	now := time.Now().UnixMilli()
	pos.Status = domain.PositionClosed
	pos.ClosedAtMs = &now
	pos.ExitReason = exitReason
	if err := l.repo.UpsertPosition(ctx, pos); err != nil {
		return fmt.Errorf("possync: persist closed position: %w", err)
	}

	if exitReason == domain.ExitStopLoss && l.cfg.CooldownEnabled {
		bars := cooldownBars(l.cfg, pos.Timeframe)
		cd := domain.Cooldown{
			Symbol:    pos.Symbol,
			Side:      pos.Side,
			Timeframe: pos.Timeframe,
			Reason:    exitReason,
			UntilTsMs: now + bars*pos.Timeframe.Millis(),
		}
		if err := l.repo.InsertCooldown(ctx, cd); err != nil {
			log.Printf("possync: insert cooldown for %s: %v", pos.Symbol, err)
		}
	}

	rep := domain.ExecutionReport{
		EventID:   uuid.NewString(),
		TsMs:      now,
		PlanID:    pos.IdempotencyKey,
		Status:    domain.ReportPositionClosed,
		Reason:    exitReason,
		Symbol:    pos.Symbol,
		Timeframe: pos.Timeframe,
	}
	return l.repo.InsertExecutionReport(ctx, rep)
}

func exchangeSize(positions []venue.PositionInfo, side domain.Side) float64 {
	for _, p := range positions {
		if (side == domain.SideBuy && p.Side == "Buy") || (side == domain.SideSell && p.Side == "Sell") {
			var sz float64
			fmt.Sscanf(p.Size, "%f", &sz)
			return sz
		}
	}
	return 0
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

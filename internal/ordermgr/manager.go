// Package ordermgr implements the live order manager (§4.5): timeout,
// partial-fill stall, retry-with-reprice and fallback-to-market handling
// for Limit ENTRY orders. Market entries bypass this loop entirely.
package ordermgr

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"trading-core/internal/domain"
	"trading-core/internal/riskgate"
	"trading-core/internal/venue"
	"trading-core/pkg/config"
	"trading-core/pkg/db"
)

// Broker is the venue surface the order manager drives.
type Broker interface {
	CancelOrder(ctx context.Context, symbol, venueOrderID string) error
	SubmitOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error)
}

// Manager sweeps pending ENTRY orders for timeout / partial-fill stall.
type Manager struct {
	repo    *db.Repository
	broker  Broker
	emitter *riskgate.Emitter
	cfg     *config.Config
}

func New(repo *db.Repository, broker Broker, emitter *riskgate.Emitter, cfg *config.Config) *Manager {
	return &Manager{repo: repo, broker: broker, emitter: emitter, cfg: cfg}
}

// ProcessPendingEntryOrders runs one sweep. Only meaningful in LIVE mode
// with EXECUTION_ENTRY_ORDER_TYPE=Limit; in any other mode it returns nil
// without touching the venue.
func (m *Manager) ProcessPendingEntryOrders(ctx context.Context) error {
	if m.cfg.ExecutionMode != string(domain.ModeLive) || m.cfg.EntryOrderType != string(domain.OrderTypeLimit) {
		return nil
	}

	orders, err := m.repo.ListPendingEntryOrders(ctx)
	if err != nil {
		return fmt.Errorf("ordermgr: list pending entry orders: %w", err)
	}

	nowMs := time.Now().UnixMilli()
	for _, o := range orders {
		if err := m.processOne(ctx, o, nowMs); err != nil {
			log.Printf("ordermgr: process order %s: %v", o.OrderID, err)
		}
	}
	return nil
}

func (m *Manager) processOne(ctx context.Context, o domain.Order, nowMs int64) error {
	ageMs := nowMs - o.SubmittedAtMs
	timedOut := o.FilledQty == 0 && ageMs > int64(m.cfg.EntryTimeoutMs)
	stalled := o.FilledQty > 0 && o.LastFillAtMs != 0 && nowMs-o.LastFillAtMs > int64(m.cfg.EntryPartialFillTimeoutMs)

	if !timedOut && !stalled {
		return nil
	}

	if err := m.broker.CancelOrder(ctx, o.Symbol, o.VenueOrderID); err != nil {
		log.Printf("ordermgr: cancel %s best-effort failed (treating as already filled/cancelled): %v", o.OrderID, err)
	}
	if err := m.emit(ctx, domain.RiskOrderCancelled, domain.SeverityInfo, o, "cancelled for timeout/stall"); err != nil {
		log.Printf("ordermgr: emit cancel report %s: %v", o.OrderID, err)
	}

	remaining := o.Qty - o.FilledQty
	if remaining <= 0 {
		o.Status = domain.OrderFilled
		return m.repo.UpsertOrder(ctx, o)
	}

	if o.RetryCount < m.cfg.EntryMaxRetries {
		return m.reprice(ctx, o, remaining, nowMs)
	}
	if m.cfg.EntryFallbackMarket {
		return m.fallbackMarket(ctx, o, remaining, nowMs)
	}
	return m.giveUp(ctx, o, nowMs)
}

func (m *Manager) reprice(ctx context.Context, o domain.Order, remaining float64, nowMs int64) error {
	if o.Price == nil {
		return errors.New("ordermgr: reprice requires an existing price")
	}
	mult := 1 + (m.cfg.EntryRepriceBps/10000)*float64(o.RetryCount+1)
	var newPrice float64
	if o.Side == domain.SideBuy {
		newPrice = *o.Price * mult
	} else {
		newPrice = *o.Price / mult
	}

	result, err := m.broker.SubmitOrder(ctx, venue.OrderRequest{
		Symbol:      o.Symbol,
		Side:        o.Side,
		OrderType:   domain.OrderTypeLimit,
		Qty:         remaining,
		Price:       &newPrice,
		TimeInForce: domain.TIFGTC,
		OrderLinkID: uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("ordermgr: resubmit reprice: %w", err)
	}

	o.Price = &newPrice
	o.Qty = remaining
	o.VenueOrderID = result.VenueOrderID
	o.VenueLinkID = result.VenueLinkID
	o.Status = domain.OrderSubmitted
	o.RetryCount++
	o.SubmittedAtMs = nowMs
	if err := m.repo.UpsertOrder(ctx, o); err != nil {
		return fmt.Errorf("ordermgr: persist repriced order: %w", err)
	}
	return m.emit(ctx, domain.RiskOrderRetry, domain.SeverityInfo, o, fmt.Sprintf("reprice attempt %d", o.RetryCount))
}

func (m *Manager) fallbackMarket(ctx context.Context, o domain.Order, remaining float64, nowMs int64) error {
	result, err := m.broker.SubmitOrder(ctx, venue.OrderRequest{
		Symbol:      o.Symbol,
		Side:        o.Side,
		OrderType:   domain.OrderTypeMarket,
		Qty:         remaining,
		TimeInForce: domain.TIFIOC,
		OrderLinkID: uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("ordermgr: fallback market: %w", err)
	}
	o.OrderType = domain.OrderTypeMarket
	o.Qty = remaining
	o.VenueOrderID = result.VenueOrderID
	o.VenueLinkID = result.VenueLinkID
	o.Status = domain.OrderSubmitted
	o.SubmittedAtMs = nowMs
	if err := m.repo.UpsertOrder(ctx, o); err != nil {
		return fmt.Errorf("ordermgr: persist fallback order: %w", err)
	}
	return m.emit(ctx, domain.RiskOrderFallbackMarket, domain.SeverityImportant, o, "fallback to market after max retries")
}

func (m *Manager) giveUp(ctx context.Context, o domain.Order, nowMs int64) error {
	o.Status = domain.OrderCanceled
	if err := m.repo.UpsertOrder(ctx, o); err != nil {
		return fmt.Errorf("ordermgr: persist timed-out order: %w", err)
	}

	pos, err := m.repo.GetPositionByIdempotencyKey(ctx, o.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("ordermgr: lookup position for timed-out entry: %w", err)
	}
	if pos != nil && pos.Status == domain.PositionOpen {
		pos.Status = domain.PositionFailed
		pos.ExitReason = domain.ExitEntryFailed
		pos.ClosedAtMs = &nowMs
		if err := m.repo.UpsertPosition(ctx, *pos); err != nil {
			return fmt.Errorf("ordermgr: mark position failed: %w", err)
		}
	}
	return m.emit(ctx, domain.RiskOrderTimeout, domain.SeverityImportant, o, "entry order timed out, no retries left")
}

// reportStatus maps a risk-event type raised by the order manager to the
// nearest execution_report status in the closed enum (§6): these are all
// ORDER_SUBMITTED-stage events except the terminal timeout, which rejects
// the order outright.
func reportStatus(riskType string) string {
	if riskType == domain.RiskOrderTimeout {
		return domain.ReportOrderRejected
	}
	return domain.ReportOrderSubmitted
}

func (m *Manager) emit(ctx context.Context, riskType string, severity domain.Severity, o domain.Order, reason string) error {
	if err := m.emitter.Emit(ctx, riskType, severity, o.Symbol, map[string]any{"order_id": o.OrderID, "reason": reason}); err != nil {
		log.Printf("ordermgr: emit risk event %s: %v", riskType, err)
	}
	rep := domain.ExecutionReport{
		EventID:    uuid.NewString(),
		TsMs:       time.Now().UnixMilli(),
		OrderID:    o.OrderID,
		Status:     reportStatus(riskType),
		Reason:     reason,
		Symbol:     o.Symbol,
		RetryCount: &o.RetryCount,
	}
	return m.repo.InsertExecutionReport(ctx, rep)
}

package execution

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"trading-core/internal/domain"
)

// openPosition writes the OPEN position row then places ENTRY, stop-loss,
// TP1 and TP2. In PAPER/BACKTEST mode exchange calls are stubbed and ENTRY
// is recorded as filled immediately; LIVE mode goes through the broker.
func (e *Executor) openPosition(ctx context.Context, plan domain.TradePlan, sizing SizingResult, nowMs int64) error {
	positionID := uuid.NewString()
	qtyRunner := roundQtyRunner(sizing.Qty)

	meta := map[string]any{
		"run_id":          plan.RunID,
		"tp1_price":       tpPrice(plan, plan.TP1.RMultiple),
		"tp1_fraction":    plan.TP1.Fraction,
		"tp2_price":       tpPrice(plan, plan.TP2.RMultiple),
		"tp2_fraction":    plan.TP2.Fraction,
		"runner_fraction": plan.RunnerFraction,
		"runner_trail":    string(plan.RunnerTrail),
		"tp1_filled":      false,
		"tp2_filled":      false,
	}

	pos := domain.Position{
		PositionID:       positionID,
		IdempotencyKey:   plan.IdempotencyKey,
		Symbol:           plan.Symbol,
		Timeframe:        plan.Timeframe,
		Side:             plan.Side,
		Bias:             domain.BiasFromSide(plan.Side),
		QtyTotal:         sizing.Qty,
		QtyRunner:        qtyRunner,
		EntryPrice:       plan.EntryPrice,
		PrimarySLPrice:   plan.StopPrice,
		Status:           domain.PositionOpen,
		EntryCloseTimeMs: nowMs,
		OpenedAtMs:       nowMs,
		HistEntry:        plan.HistEntry,
		Meta:             meta,
	}
	if err := e.repo.UpsertPosition(ctx, pos); err != nil {
		return fmt.Errorf("execution: persist position: %w", err)
	}

	paper := e.cfg.ExecutionMode != string(domain.ModeLive)

	entryOrder := domain.Order{
		OrderID:        uuid.NewString(),
		IdempotencyKey: plan.IdempotencyKey,
		Purpose:        domain.PurposeEntry,
		Symbol:         plan.Symbol,
		Side:           plan.Side,
		OrderType:      domain.OrderType(e.cfg.EntryOrderType),
		Qty:            sizing.Qty,
		SubmittedAtMs:  nowMs,
	}
	if entryOrder.OrderType == domain.OrderTypeLimit {
		price := plan.EntryPrice
		entryOrder.Price = &price
	}

	if paper {
		entryOrder.Status = domain.OrderFilled
		entryOrder.FilledQty = sizing.Qty
		entryOrder.AvgPrice = plan.EntryPrice
		entryOrder.LastFillAtMs = nowMs
	} else {
		entryOrder.Status = domain.OrderSubmitted
		tif := domain.TIFGTC
		if entryOrder.OrderType == domain.OrderTypeMarket {
			tif = domain.TIFIOC
		}
		result, err := e.broker.SubmitOrder(ctx, venueOrderRequest(entryOrder, tif, false))
		if err != nil {
			return e.failPosition(ctx, pos, entryOrder, fmt.Sprintf("entry submit failed: %v", err))
		}
		entryOrder.VenueOrderID = result.VenueOrderID
		entryOrder.VenueLinkID = result.VenueLinkID
	}
	if err := e.repo.UpsertOrder(ctx, entryOrder); err != nil {
		return fmt.Errorf("execution: persist entry order: %w", err)
	}
	if err := e.reportEntry(ctx, plan, entryOrder, paper); err != nil {
		log.Printf("execution: report entry for %s: %v", positionID, err)
	}

	if !paper {
		if err := e.broker.SetTradingStop(ctx, plan.Symbol, 0, plan.StopPrice); err != nil {
			log.Printf("execution: set trading stop for %s: %v", positionID, err)
		}
	}

	tp1Qty := sizing.Qty * plan.TP1.Fraction
	tp2Qty := sizing.Qty * plan.TP2.Fraction
	tp1Price := tpPrice(plan, plan.TP1.RMultiple)
	tp2Price := tpPrice(plan, plan.TP2.RMultiple)

	e.placeTakeProfit(ctx, plan, domain.PurposeTP1, tp1Qty, tp1Price, paper, nowMs)
	e.placeTakeProfit(ctx, plan, domain.PurposeTP2, tp2Qty, tp2Price, paper, nowMs)

	return nil
}

func (e *Executor) placeTakeProfit(ctx context.Context, plan domain.TradePlan, purpose domain.OrderPurpose, qty, price float64, paper bool, nowMs int64) {
	order := domain.Order{
		OrderID:        uuid.NewString(),
		IdempotencyKey: plan.IdempotencyKey,
		Purpose:        purpose,
		Symbol:         plan.Symbol,
		Side:           oppositeSide(plan.Side),
		OrderType:      domain.OrderTypeLimit,
		Qty:            qty,
		Price:          &price,
		ReduceOnly:     true,
		SubmittedAtMs:  nowMs,
	}
	if paper {
		order.Status = domain.OrderSubmitted
	} else {
		order.Status = domain.OrderSubmitted
		result, err := e.broker.SubmitOrder(ctx, venueOrderRequest(order, domain.TIFGTC, true))
		if err != nil {
			log.Printf("execution: submit %s for %s: %v", purpose, plan.IdempotencyKey, err)
			order.Status = domain.OrderFailed
		} else {
			order.VenueOrderID = result.VenueOrderID
			order.VenueLinkID = result.VenueLinkID
		}
	}
	if err := e.repo.UpsertOrder(ctx, order); err != nil {
		log.Printf("execution: persist %s order: %v", purpose, err)
	}
}

func (e *Executor) failPosition(ctx context.Context, pos domain.Position, order domain.Order, reason string) error {
	now := time.Now().UnixMilli()
	pos.Status = domain.PositionFailed
	pos.ClosedAtMs = &now
	pos.ExitReason = domain.ExitEntryFailed
	if err := e.repo.UpsertPosition(ctx, pos); err != nil {
		return fmt.Errorf("execution: persist failed position: %w", err)
	}
	order.Status = domain.OrderFailed
	if err := e.repo.UpsertOrder(ctx, order); err != nil {
		return fmt.Errorf("execution: persist failed entry order: %w", err)
	}
	rep := domain.ExecutionReport{
		EventID: uuid.NewString(),
		TsMs:    now,
		PlanID:  pos.IdempotencyKey,
		Status:  domain.ReportOrderRejected,
		Reason:  reason,
		Symbol:  pos.Symbol,
	}
	return e.repo.InsertExecutionReport(ctx, rep)
}

// reportEntry emits ORDER_SUBMITTED for every entry, then (paper/backtest
// only, where the fill is simulated immediately) a second FILLED report.
func (e *Executor) reportEntry(ctx context.Context, plan domain.TradePlan, order domain.Order, paper bool) error {
	submitted := domain.ExecutionReport{
		EventID:   uuid.NewString(),
		TsMs:      time.Now().UnixMilli(),
		PlanID:    plan.PlanID,
		OrderID:   order.OrderID,
		Status:    domain.ReportOrderSubmitted,
		Symbol:    plan.Symbol,
		Timeframe: plan.Timeframe,
	}
	if err := e.repo.InsertExecutionReport(ctx, submitted); err != nil {
		return fmt.Errorf("execution: insert order_submitted report: %w", err)
	}
	if !paper {
		return nil
	}

	filledQty := order.FilledQty
	avgPrice := order.AvgPrice
	filled := domain.ExecutionReport{
		EventID:   uuid.NewString(),
		TsMs:      time.Now().UnixMilli(),
		PlanID:    plan.PlanID,
		OrderID:   order.OrderID,
		Status:    domain.ReportFilled,
		Symbol:    plan.Symbol,
		Timeframe: plan.Timeframe,
		FilledQty: &filledQty,
		AvgPrice:  &avgPrice,
	}
	return e.repo.InsertExecutionReport(ctx, filled)
}

func roundQtyRunner(qtyTotal float64) float64 {
	return qtyTotal * 0.2
}

// tpPrice derives a TP price at rMultiple*R from entry. unitRisk is signed
// (entry-stop), so it is negative for SHORT and the formula places TPs
// below entry without a side switch.
func tpPrice(plan domain.TradePlan, rMultiple float64) float64 {
	unitRisk := plan.EntryPrice - plan.StopPrice
	return plan.EntryPrice + rMultiple*unitRisk
}

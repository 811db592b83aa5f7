package execution

import (
	"fmt"
	"math"

	"trading-core/internal/domain"
	"trading-core/internal/venue"
	"trading-core/pkg/config"
)

// SizingResult is the output of position sizing for a trade plan.
type SizingResult struct {
	Qty      float64
	Notional float64
	Margin   float64
}

// SizePosition implements §4.2 position-sizing: risk_usdt = equity * risk_pct,
// qty = risk_usdt / unit_risk, then clamp margin into
// [MIN_ORDER_VALUE_USDT, MAX_ORDER_VALUE_USDT] re-deriving qty at the clamp,
// and finally apply venue lot-size rounding.
func SizePosition(cfg *config.Config, equity float64, plan domain.TradePlan, filter venue.InstrumentFilter) (SizingResult, error) {
	unitRisk := math.Abs(plan.EntryPrice - plan.StopPrice)
	if unitRisk <= 0 {
		return SizingResult{}, fmt.Errorf("execution: zero unit risk for plan %s", plan.PlanID)
	}

	riskUSDT := equity * cfg.RiskPct
	qty := riskUSDT / unitRisk

	notional := qty * plan.EntryPrice
	margin := notional / cfg.Leverage
	if cfg.MarginMode == string(domain.MarginCross) {
		margin = notional / cfg.Leverage
	}

	if margin < cfg.MinOrderValueUSDT {
		margin = cfg.MinOrderValueUSDT
		notional = margin * cfg.Leverage
		qty = notional / plan.EntryPrice
	} else if margin > cfg.MaxOrderValueUSDT {
		margin = cfg.MaxOrderValueUSDT
		notional = margin * cfg.Leverage
		qty = notional / plan.EntryPrice
	}

	qty = venue.RoundToStep(qty, filter.QtyStep)
	if qty < filter.MinQty {
		qty = 0
	}

	notional = qty * plan.EntryPrice
	margin = notional / cfg.Leverage
	return SizingResult{Qty: qty, Notional: notional, Margin: margin}, nil
}

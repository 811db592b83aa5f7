package execution

import (
	"context"
	"log"

	"trading-core/internal/domain"
	"trading-core/internal/indicator"
)

// inferHistEntry fills in a missing hist_entry (MACD histogram at the entry
// bar close) from persisted bar closes, so the secondary-rule exit check
// does not silently become a no-op when the strategy omits it.
func (e *Executor) inferHistEntry(ctx context.Context, plan domain.TradePlan) *float64 {
	if !e.cfg.SecondaryRuleEnabled || plan.HistEntry != nil {
		return plan.HistEntry
	}
	entryCloseMs := extInt64(plan.Ext, "close_time_ms")
	if entryCloseMs == 0 {
		return nil
	}
	closes, err := e.repo.RecentCloses(ctx, plan.Symbol, plan.Timeframe, entryCloseMs, 500)
	if err != nil {
		log.Printf("execution: infer hist_entry for %s: %v", plan.PlanID, err)
		return nil
	}
	if len(closes) < 60 {
		return nil
	}
	return indicator.HistAtLast(closes, 12, 26, 9)
}

// extInt64 reads an int64-ish field out of a trade plan's free-form ext
// payload: JSON-decoded numbers arrive as float64.
func extInt64(ext map[string]any, key string) int64 {
	v, ok := ext[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

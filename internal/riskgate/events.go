package riskgate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"trading-core/internal/domain"
	"trading-core/pkg/db"
)

// windowedTypes suppress repeat emission within their dedup window, keyed by
// (type, symbol). Everything else is emitted every time.
var windowedTypes = map[string]time.Duration{
	domain.RiskConsistencyDrift: 5 * time.Minute,
	domain.RiskRateLimit:        5 * time.Minute,
	domain.RiskDataLag:          5 * time.Minute,
	domain.RiskKillSwitchOn:     5 * time.Minute,
}

// Emitter publishes and persists risk events with windowed dedup.
type Emitter struct {
	repo *db.Repository

	mu   sync.Mutex
	last map[string]time.Time // key = type|symbol
}

func NewEmitter(repo *db.Repository) *Emitter {
	return &Emitter{repo: repo, last: make(map[string]time.Time)}
}

func (e *Emitter) shouldSuppress(typ, symbol string, now time.Time) bool {
	window, windowed := windowedTypes[typ]
	if !windowed {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	key := typ + "|" + symbol
	if last, ok := e.last[key]; ok && now.Sub(last) < window {
		return true
	}
	e.last[key] = now
	return false
}

// Emit persists a risk event, skipping it if it falls within its type's
// dedup window for the same symbol.
func (e *Emitter) Emit(ctx context.Context, typ string, severity domain.Severity, symbol string, detail map[string]any) error {
	now := time.Now()
	if e.shouldSuppress(typ, symbol, now) {
		return nil
	}
	ev := domain.RiskEvent{
		EventID:  uuid.NewString(),
		TsMs:     now.UnixMilli(),
		Type:     typ,
		Severity: severity,
		Symbol:   symbol,
		Detail:   detail,
	}
	return e.repo.InsertRiskEvent(ctx, ev)
}

// ReasonToRiskEventType maps an admission rejection reason to its risk_event
// type and severity. Most reason codes share their literal string with the
// matching risk_event type.
func ReasonToRiskEventType(reason string) (string, domain.Severity) {
	switch reason {
	case domain.ReasonKillSwitchOn:
		return domain.RiskKillSwitchOn, domain.SeverityCritical
	case domain.ReasonRiskCircuitHalt:
		return domain.RiskRejected, domain.SeverityImportant
	default:
		return reason, domain.SeverityInfo
	}
}

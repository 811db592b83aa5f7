package snapshot

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"trading-core/internal/domain"
	"trading-core/internal/riskgate"
	"trading-core/internal/venue"
	"trading-core/pkg/config"
	"trading-core/pkg/db"
)

// Broker is the venue surface the snapshotter polls in LIVE mode. Snapshots
// are observability only: a failure here never touches trading state.
type Broker interface {
	WalletBalance(ctx context.Context) (map[string]any, error)
	Positions(ctx context.Context, symbol string) ([]venue.PositionInfo, error)
}

// EquitySource resolves the account's current USDT equity.
type EquitySource interface {
	CurrentEquity(ctx context.Context) (float64, error)
}

// Snapshotter captures periodic wallet/position snapshots and prunes rows
// past the retention window after archiving them to S3 (§4.9).
type Snapshotter struct {
	repo     *db.Repository
	broker   Broker
	equity   EquitySource
	emitter  *riskgate.Emitter
	archiver *Archiver // nil disables archival; rows are pruned without upload
	cfg      *config.Config
}

func New(repo *db.Repository, broker Broker, equity EquitySource, emitter *riskgate.Emitter, archiver *Archiver, cfg *config.Config) *Snapshotter {
	return &Snapshotter{repo: repo, broker: broker, equity: equity, emitter: emitter, archiver: archiver, cfg: cfg}
}

// Run captures one snapshot. Callers should invoke this on a
// SnapshotIntervalSec cadence; the caller also owns the retention-sweep
// schedule via Prune.
func (s *Snapshotter) Run(ctx context.Context) error {
	if s.cfg.ExecutionMode == string(domain.ModeLive) {
		return s.captureLive(ctx)
	}
	return s.capturePaper(ctx)
}

func (s *Snapshotter) captureLive(ctx context.Context) error {
	nowMs := time.Now().UnixMilli()

	walletRaw, err := s.broker.WalletBalance(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: wallet balance: %w", err)
	}
	equity, err := s.equity.CurrentEquity(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: parse equity: %w", err)
	}

	ws := domain.WalletSnapshot{
		SnapshotID: uuid.NewString(),
		Source:     domain.SourceREST,
		TsMs:       nowMs,
		EquityUSDT: equity,
		Raw:        walletRaw,
	}
	if err := s.repo.InsertWalletSnapshot(ctx, ws); err != nil {
		return fmt.Errorf("snapshot: insert wallet snapshot: %w", err)
	}

	s.checkWalletDrift(ctx, equity, nowMs)

	open, err := s.repo.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: list open positions: %w", err)
	}

	seen := map[string]bool{}
	for _, pos := range open {
		if seen[pos.Symbol] {
			continue
		}
		seen[pos.Symbol] = true

		positions, err := s.broker.Positions(ctx, pos.Symbol)
		if err != nil {
			log.Printf("snapshot: positions for %s: %v", pos.Symbol, err)
			continue
		}
		var size float64
		raw := map[string]any{"list": positions}
		for _, p := range positions {
			if v, ok := parseSize(p.Size); ok {
				size += v
			}
		}
		as := domain.AccountSnapshot{
			SnapshotID: uuid.NewString(),
			Source:     domain.SourceREST,
			TsMs:       nowMs,
			Symbol:     pos.Symbol,
			SizeQty:    size,
			Raw:        raw,
		}
		if err := s.repo.InsertAccountSnapshot(ctx, as); err != nil {
			log.Printf("snapshot: insert account snapshot %s: %v", pos.Symbol, err)
		}
	}
	return nil
}

func (s *Snapshotter) capturePaper(ctx context.Context) error {
	nowMs := time.Now().UnixMilli()
	open, err := s.repo.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: list open positions: %w", err)
	}

	bySymbol := map[string]float64{}
	for _, pos := range open {
		bySymbol[pos.Symbol] += pos.QtyTotal
	}
	for symbol, qty := range bySymbol {
		as := domain.AccountSnapshot{
			SnapshotID: uuid.NewString(),
			Source:     domain.SourceREST,
			TsMs:       nowMs,
			Symbol:     symbol,
			SizeQty:    qty,
			Raw:        map[string]any{"derived": true, "open_position_count": len(open)},
		}
		if err := s.repo.InsertAccountSnapshot(ctx, as); err != nil {
			log.Printf("snapshot: insert derived account snapshot %s: %v", symbol, err)
		}
	}
	return nil
}

// checkWalletDrift compares the just-captured REST equity against the
// latest WS wallet snapshot and raises CONSISTENCY_DRIFT on breach. The
// emitter's own per-type window handles de-dup.
func (s *Snapshotter) checkWalletDrift(ctx context.Context, restEquity float64, nowMs int64) {
	if !s.cfg.ConsistencyDriftEnabled {
		return
	}
	ws, err := s.repo.GetLatestWalletSnapshot(ctx, domain.SourceWS)
	if err != nil {
		log.Printf("snapshot: get latest WS wallet snapshot: %v", err)
		return
	}
	if ws == nil {
		return
	}
	if ws.EquityUSDT == 0 {
		return
	}
	drift := math.Abs(restEquity-ws.EquityUSDT) / math.Abs(ws.EquityUSDT)
	if drift < s.cfg.WalletDriftThresholdPct {
		return
	}
	if err := s.emitter.Emit(ctx, domain.RiskConsistencyDrift, domain.SeverityImportant, "", map[string]any{
		"scope":        "wallet",
		"threshold_pct": s.cfg.WalletDriftThresholdPct,
		"drift_pct":    drift,
		"rest_equity":  restEquity,
		"ws_equity":    ws.EquityUSDT,
		"ws_ts_ms":     ws.TsMs,
	}); err != nil {
		log.Printf("snapshot: emit wallet drift: %v", err)
	}
}

func parseSize(s string) (float64, bool) {
	var v float64
	if _, err := fmt.Sscanf(s, "%f", &v); err != nil {
		return 0, false
	}
	return v, true
}

// Prune archives and deletes snapshot rows older than SnapshotRetentionMs.
// Archival is best-effort: a row that fails to upload is left in place for
// the next sweep rather than being dropped silently.
func (s *Snapshotter) Prune(ctx context.Context) error {
	cutoff := time.Now().UnixMilli() - s.cfg.SnapshotRetentionMs
	const batch = 200

	wallets, err := s.repo.ListWalletSnapshotsOlderThan(ctx, cutoff, batch)
	if err != nil {
		return fmt.Errorf("snapshot: list old wallet snapshots: %w", err)
	}
	for _, w := range wallets {
		if err := s.archiveAndDelete(ctx, "wallet", w.SnapshotID, w.TsMs, map[string]any{
			"snapshot_id": w.SnapshotID,
			"source":      string(w.Source),
			"ts_ms":       w.TsMs,
			"equity_usdt": w.EquityUSDT,
			"raw":         w.Raw,
		}, func() error { return s.repo.DeleteWalletSnapshot(ctx, w.SnapshotID) }); err != nil {
			log.Printf("snapshot: prune wallet snapshot %s: %v", w.SnapshotID, err)
		}
	}

	accounts, err := s.repo.ListAccountSnapshotsOlderThan(ctx, cutoff, batch)
	if err != nil {
		return fmt.Errorf("snapshot: list old account snapshots: %w", err)
	}
	for _, a := range accounts {
		if err := s.archiveAndDelete(ctx, "account", a.SnapshotID, a.TsMs, map[string]any{
			"snapshot_id": a.SnapshotID,
			"source":      string(a.Source),
			"ts_ms":       a.TsMs,
			"symbol":      a.Symbol,
			"size_qty":    a.SizeQty,
			"raw":         a.Raw,
		}, func() error { return s.repo.DeleteAccountSnapshot(ctx, a.SnapshotID) }); err != nil {
			log.Printf("snapshot: prune account snapshot %s: %v", a.SnapshotID, err)
		}
	}
	return nil
}

func (s *Snapshotter) archiveAndDelete(ctx context.Context, kind, snapshotID string, tsMs int64, payload map[string]any, del func() error) error {
	if s.archiver != nil {
		body, err := encodeSnapshot(payload)
		if err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		key := fmt.Sprintf("%s/%d-%s.pb", kind, tsMs, snapshotID)
		if err := s.archiver.Put(ctx, key, body); err != nil {
			return fmt.Errorf("upload: %w", err)
		}
	}
	return del()
}

// encodeSnapshot serializes a snapshot payload as a protobuf-encoded
// google.protobuf.Struct, so archived rows stay a binary envelope rather
// than a fragile hand-rolled JSON schema.
func encodeSnapshot(payload map[string]any) ([]byte, error) {
	st, err := structpb.NewStruct(sanitize(payload))
	if err != nil {
		return nil, fmt.Errorf("snapshot: build struct: %w", err)
	}
	return proto.Marshal(st)
}

// sanitize coerces values structpb.NewStruct cannot represent natively
// (int64 ts_ms fields, nested structs from decoded JSON) into its accepted
// set: bool, string, float64, []any, map[string]any, nil.
func sanitize(v map[string]any) map[string]any {
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = sanitizeValue(val)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case map[string]any:
		return sanitize(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

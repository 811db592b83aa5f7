package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"trading-core/internal/domain"
)

// Repository is the idempotent persistence layer (§4.11): every write except
// InsertCooldown is an upsert or conflict-ignoring insert keyed on the
// entity's natural idempotency column, so replays of the same event never
// duplicate those rows; InsertCooldown appends a new cooldown row each call.
type Repository struct {
	db *Database
}

func NewRepository(d *Database) *Repository {
	return &Repository{db: d}
}

func marshalAny(v map[string]any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalAny(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

// UpsertPosition inserts or replaces a position keyed by idempotency_key.
// A second delivery of the same plan updates the existing row in place
// rather than creating a duplicate position.
func (r *Repository) UpsertPosition(ctx context.Context, p domain.Position) error {
	meta, err := marshalAny(p.Meta)
	if err != nil {
		return fmt.Errorf("repository: marshal position meta: %w", err)
	}
	_, err = r.db.DB.ExecContext(ctx, `
INSERT INTO positions (
    position_id, idempotency_key, symbol, timeframe, side, bias,
    qty_total, qty_runner, entry_price, primary_sl_price, runner_stop_price,
    status, entry_close_time_ms, opened_at_ms, closed_at_ms, exit_reason,
    hist_entry, meta, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(idempotency_key) DO UPDATE SET
    qty_total=excluded.qty_total,
    qty_runner=excluded.qty_runner,
    primary_sl_price=excluded.primary_sl_price,
    runner_stop_price=excluded.runner_stop_price,
    status=excluded.status,
    closed_at_ms=excluded.closed_at_ms,
    exit_reason=excluded.exit_reason,
    meta=excluded.meta,
    updated_at=CURRENT_TIMESTAMP
`,
		p.PositionID, p.IdempotencyKey, p.Symbol, string(p.Timeframe), string(p.Side), string(p.Bias),
		p.QtyTotal, p.QtyRunner, p.EntryPrice, p.PrimarySLPrice, p.RunnerStopPrice,
		string(p.Status), p.EntryCloseTimeMs, p.OpenedAtMs, p.ClosedAtMs, p.ExitReason,
		p.HistEntry, meta,
	)
	if err != nil {
		return fmt.Errorf("repository: upsert position %s: %w", p.PositionID, err)
	}
	return nil
}

// GetPositionByIdempotencyKey returns the existing position for a plan, if any.
func (r *Repository) GetPositionByIdempotencyKey(ctx context.Context, key string) (*domain.Position, error) {
	row := r.db.DB.QueryRowContext(ctx, `
SELECT position_id, idempotency_key, symbol, timeframe, side, bias,
       qty_total, qty_runner, entry_price, primary_sl_price, runner_stop_price,
       status, entry_close_time_ms, opened_at_ms, closed_at_ms, exit_reason,
       hist_entry, meta
FROM positions WHERE idempotency_key = ?`, key)
	return scanPosition(row)
}

// GetPosition returns a position by id.
func (r *Repository) GetPosition(ctx context.Context, positionID string) (*domain.Position, error) {
	row := r.db.DB.QueryRowContext(ctx, `
SELECT position_id, idempotency_key, symbol, timeframe, side, bias,
       qty_total, qty_runner, entry_price, primary_sl_price, runner_stop_price,
       status, entry_close_time_ms, opened_at_ms, closed_at_ms, exit_reason,
       hist_entry, meta
FROM positions WHERE position_id = ?`, positionID)
	return scanPosition(row)
}

// ListOpenPositions returns all positions in OPEN status, used by the
// reconciliation and position-sync loops.
func (r *Repository) ListOpenPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := r.db.DB.QueryContext(ctx, `
SELECT position_id, idempotency_key, symbol, timeframe, side, bias,
       qty_total, qty_runner, entry_price, primary_sl_price, runner_stop_price,
       status, entry_close_time_ms, opened_at_ms, closed_at_ms, exit_reason,
       hist_entry, meta
FROM positions WHERE status = ?`, string(domain.PositionOpen))
	if err != nil {
		return nil, fmt.Errorf("repository: list open positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPositionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ListClosingPositions returns all positions in CLOSING status: a forced
// close (mutex upgrade) whose exit order was submitted but hasn't yet been
// observed filled on the venue side.
func (r *Repository) ListClosingPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := r.db.DB.QueryContext(ctx, `
SELECT position_id, idempotency_key, symbol, timeframe, side, bias,
       qty_total, qty_runner, entry_price, primary_sl_price, runner_stop_price,
       status, entry_close_time_ms, opened_at_ms, closed_at_ms, exit_reason,
       hist_entry, meta
FROM positions WHERE status = ?`, string(domain.PositionClosing))
	if err != nil {
		return nil, fmt.Errorf("repository: list closing positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPositionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row *sql.Row) (*domain.Position, error) {
	return scanPositionGeneric(row)
}

func scanPositionRows(rows *sql.Rows) (*domain.Position, error) {
	return scanPositionGeneric(rows)
}

func scanPositionGeneric(s rowScanner) (*domain.Position, error) {
	var p domain.Position
	var timeframe, side, bias, status string
	var runnerStop, histEntry sql.NullFloat64
	var closedAt sql.NullInt64
	var exitReason sql.NullString
	var meta string

	err := s.Scan(
		&p.PositionID, &p.IdempotencyKey, &p.Symbol, &timeframe, &side, &bias,
		&p.QtyTotal, &p.QtyRunner, &p.EntryPrice, &p.PrimarySLPrice, &runnerStop,
		&status, &p.EntryCloseTimeMs, &p.OpenedAtMs, &closedAt, &exitReason,
		&histEntry, &meta,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: scan position: %w", err)
	}

	p.Timeframe = domain.Timeframe(timeframe)
	p.Side = domain.Side(side)
	p.Bias = domain.Bias(bias)
	p.Status = domain.PositionStatus(status)
	if runnerStop.Valid {
		v := runnerStop.Float64
		p.RunnerStopPrice = &v
	}
	if histEntry.Valid {
		v := histEntry.Float64
		p.HistEntry = &v
	}
	if closedAt.Valid {
		v := closedAt.Int64
		p.ClosedAtMs = &v
	}
	if exitReason.Valid {
		p.ExitReason = exitReason.String
	}
	p.Meta = unmarshalAny(meta)
	return &p, nil
}

// UpsertOrder inserts or updates an order keyed by (idempotency_key, purpose),
// so resubmission of the same plan leg (e.g. ENTRY reprice) updates in place.
func (r *Repository) UpsertOrder(ctx context.Context, o domain.Order) error {
	payload, err := marshalAny(o.Payload)
	if err != nil {
		return fmt.Errorf("repository: marshal order payload: %w", err)
	}
	_, err = r.db.DB.ExecContext(ctx, `
INSERT INTO orders (
    order_id, idempotency_key, purpose, symbol, side, order_type, qty, price,
    reduce_only, status, venue_order_id, venue_link_id, filled_qty, avg_price,
    submitted_at_ms, retry_count, last_fill_at_ms, payload, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(idempotency_key, purpose) DO UPDATE SET
    order_id=excluded.order_id,
    status=excluded.status,
    venue_order_id=excluded.venue_order_id,
    venue_link_id=excluded.venue_link_id,
    filled_qty=excluded.filled_qty,
    avg_price=excluded.avg_price,
    submitted_at_ms=excluded.submitted_at_ms,
    retry_count=excluded.retry_count,
    last_fill_at_ms=excluded.last_fill_at_ms,
    payload=excluded.payload,
    updated_at=CURRENT_TIMESTAMP
`,
		o.OrderID, o.IdempotencyKey, string(o.Purpose), o.Symbol, string(o.Side), string(o.OrderType), o.Qty, o.Price,
		o.ReduceOnly, string(o.Status), nullString(o.VenueOrderID), nullString(o.VenueLinkID), o.FilledQty, o.AvgPrice,
		nullInt(o.SubmittedAtMs), o.RetryCount, nullInt(o.LastFillAtMs), payload,
	)
	if err != nil {
		return fmt.Errorf("repository: upsert order %s: %w", o.OrderID, err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

// ListOrdersByIdempotencyKey returns orders whose idempotency_key matches a
// position's idempotency_key (orders are keyed the same way as their
// originating plan).
func (r *Repository) ListOrdersByIdempotencyKey(ctx context.Context, key string) ([]domain.Order, error) {
	rows, err := r.db.DB.QueryContext(ctx, `
SELECT order_id, idempotency_key, purpose, symbol, side, order_type, qty, price,
       reduce_only, status, venue_order_id, venue_link_id, filled_qty, avg_price,
       submitted_at_ms, retry_count, last_fill_at_ms, payload
FROM orders WHERE idempotency_key = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("repository: list orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		var o domain.Order
		var purpose, side, orderType, status string
		var price sql.NullFloat64
		var venueOrderID, venueLinkID sql.NullString
		var submittedAt, lastFillAt sql.NullInt64
		var payload string
		var reduceOnly int

		if err := rows.Scan(
			&o.OrderID, &o.IdempotencyKey, &purpose, &o.Symbol, &side, &orderType, &o.Qty, &price,
			&reduceOnly, &status, &venueOrderID, &venueLinkID, &o.FilledQty, &o.AvgPrice,
			&submittedAt, &o.RetryCount, &lastFillAt, &payload,
		); err != nil {
			return nil, fmt.Errorf("repository: scan order: %w", err)
		}
		o.Purpose = domain.OrderPurpose(purpose)
		o.Side = domain.Side(side)
		o.OrderType = domain.OrderType(orderType)
		o.Status = domain.OrderStatus(status)
		o.ReduceOnly = reduceOnly != 0
		if price.Valid {
			v := price.Float64
			o.Price = &v
		}
		o.VenueOrderID = venueOrderID.String
		o.VenueLinkID = venueLinkID.String
		o.SubmittedAtMs = submittedAt.Int64
		o.LastFillAtMs = lastFillAt.Int64
		o.Payload = unmarshalAny(payload)
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListPendingEntryOrders returns SUBMITTED orders with purpose ENTRY, the
// working set for the live order manager's timeout/retry sweep.
func (r *Repository) ListPendingEntryOrders(ctx context.Context) ([]domain.Order, error) {
	rows, err := r.db.DB.QueryContext(ctx, `
SELECT order_id, idempotency_key, purpose, symbol, side, order_type, qty, price,
       reduce_only, status, venue_order_id, venue_link_id, filled_qty, avg_price,
       submitted_at_ms, retry_count, last_fill_at_ms, payload
FROM orders WHERE purpose = ? AND status IN (?, ?)`,
		string(domain.PurposeEntry), string(domain.OrderSubmitted), string(domain.OrderPartiallyFilled))
	if err != nil {
		return nil, fmt.Errorf("repository: list pending entry orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		var o domain.Order
		var purpose, side, orderType, status string
		var price sql.NullFloat64
		var venueOrderID, venueLinkID sql.NullString
		var submittedAt, lastFillAt sql.NullInt64
		var payload string
		var reduceOnly int

		if err := rows.Scan(
			&o.OrderID, &o.IdempotencyKey, &purpose, &o.Symbol, &side, &orderType, &o.Qty, &price,
			&reduceOnly, &status, &venueOrderID, &venueLinkID, &o.FilledQty, &o.AvgPrice,
			&submittedAt, &o.RetryCount, &lastFillAt, &payload,
		); err != nil {
			return nil, fmt.Errorf("repository: scan pending entry order: %w", err)
		}
		o.Purpose = domain.OrderPurpose(purpose)
		o.Side = domain.Side(side)
		o.OrderType = domain.OrderType(orderType)
		o.Status = domain.OrderStatus(status)
		o.ReduceOnly = reduceOnly != 0
		if price.Valid {
			v := price.Float64
			o.Price = &v
		}
		o.VenueOrderID = venueOrderID.String
		o.VenueLinkID = venueLinkID.String
		o.SubmittedAtMs = submittedAt.Int64
		o.LastFillAtMs = lastFillAt.Int64
		o.Payload = unmarshalAny(payload)
		out = append(out, o)
	}
	return out, rows.Err()
}

// InsertFill records a fill; duplicate (order_id, venue_exec_id) pairs are
// no-ops so replayed execution reports never double-count PnL.
func (r *Repository) InsertFill(ctx context.Context, f domain.Fill) error {
	_, err := r.db.DB.ExecContext(ctx, `
INSERT INTO fills (fill_id, order_id, symbol, purpose, side, qty, price, fee, executed_at_ms, venue_exec_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(order_id, venue_exec_id) DO NOTHING
`, f.FillID, f.OrderID, f.Symbol, string(f.Purpose), string(f.Side), f.Qty, f.Price, f.Fee, f.ExecutedAtMs, nullString(f.VenueExecID))
	if err != nil {
		return fmt.Errorf("repository: insert fill %s: %w", f.FillID, err)
	}
	return nil
}

// InsertCooldown writes a new cooldown window for a symbol/side/timeframe.
func (r *Repository) InsertCooldown(ctx context.Context, c domain.Cooldown) error {
	_, err := r.db.DB.ExecContext(ctx, `
INSERT INTO cooldowns (symbol, side, timeframe, reason, until_ts_ms) VALUES (?, ?, ?, ?, ?)
`, c.Symbol, string(c.Side), string(c.Timeframe), c.Reason, c.UntilTsMs)
	if err != nil {
		return fmt.Errorf("repository: insert cooldown %s: %w", c.Symbol, err)
	}
	return nil
}

// ActiveCooldown returns the latest unexpired cooldown for a symbol/side/
// timeframe as of nowMs, or nil if none is active.
func (r *Repository) ActiveCooldown(ctx context.Context, symbol string, side domain.Side, tf domain.Timeframe, nowMs int64) (*domain.Cooldown, error) {
	row := r.db.DB.QueryRowContext(ctx, `
SELECT symbol, side, timeframe, reason, until_ts_ms
FROM cooldowns
WHERE symbol = ? AND side = ? AND timeframe = ? AND until_ts_ms > ?
ORDER BY until_ts_ms DESC LIMIT 1
`, symbol, string(side), string(tf), nowMs)

	var c domain.Cooldown
	var s, tfs string
	err := row.Scan(&c.Symbol, &s, &tfs, &c.Reason, &c.UntilTsMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: active cooldown %s: %w", symbol, err)
	}
	c.Side = domain.Side(s)
	c.Timeframe = domain.Timeframe(tfs)
	return &c, nil
}

// GetRiskState returns the risk ledger row for a trade date, or nil if absent.
func (r *Repository) GetRiskState(ctx context.Context, tradeDate string) (*domain.RiskState, error) {
	row := r.db.DB.QueryRowContext(ctx, `
SELECT trade_date, starting_equity, current_equity, min_equity, max_equity,
       drawdown_pct, soft_halt, hard_halt, kill_switch, consecutive_loss_count
FROM risk_state WHERE trade_date = ?`, tradeDate)

	var rs domain.RiskState
	var softHalt, hardHalt, killSwitch int
	err := row.Scan(&rs.TradeDate, &rs.StartingEquity, &rs.CurrentEquity, &rs.MinEquity, &rs.MaxEquity,
		&rs.DrawdownPct, &softHalt, &hardHalt, &killSwitch, &rs.ConsecutiveLossCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: get risk state %s: %w", tradeDate, err)
	}
	rs.SoftHalt = softHalt != 0
	rs.HardHalt = hardHalt != 0
	rs.KillSwitch = killSwitch != 0
	return &rs, nil
}

// UpsertRiskState writes the daily risk ledger row. Halts are expected to
// already be OR'd with any prior value by the caller (internal/riskledger);
// this layer persists verbatim.
func (r *Repository) UpsertRiskState(ctx context.Context, rs domain.RiskState) error {
	_, err := r.db.DB.ExecContext(ctx, `
INSERT INTO risk_state (
    trade_date, starting_equity, current_equity, min_equity, max_equity,
    drawdown_pct, soft_halt, hard_halt, kill_switch, consecutive_loss_count, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(trade_date) DO UPDATE SET
    current_equity=excluded.current_equity,
    min_equity=excluded.min_equity,
    max_equity=excluded.max_equity,
    drawdown_pct=excluded.drawdown_pct,
    soft_halt=excluded.soft_halt,
    hard_halt=excluded.hard_halt,
    kill_switch=excluded.kill_switch,
    consecutive_loss_count=excluded.consecutive_loss_count,
    updated_at=CURRENT_TIMESTAMP
`,
		rs.TradeDate, rs.StartingEquity, rs.CurrentEquity, rs.MinEquity, rs.MaxEquity,
		rs.DrawdownPct, rs.SoftHalt, rs.HardHalt, rs.KillSwitch, rs.ConsecutiveLossCount,
	)
	if err != nil {
		return fmt.Errorf("repository: upsert risk state %s: %w", rs.TradeDate, err)
	}
	return nil
}

// UpdateConsecutiveLossCount increments the day's consecutive-loss counter
// on a realized loss, or resets it to zero on a win/breakeven, and returns
// the new value. Initializes the day's risk_state row with zero equity
// fields if it doesn't exist yet (equity tracking is filled in separately
// by the risk-ledger monitor).
func (r *Repository) UpdateConsecutiveLossCount(ctx context.Context, tradeDate string, pnlUSDT float64) (int, error) {
	st, err := r.GetRiskState(ctx, tradeDate)
	if err != nil {
		return 0, fmt.Errorf("repository: get risk state for loss count: %w", err)
	}
	if st == nil {
		st = &domain.RiskState{TradeDate: tradeDate}
	}
	if pnlUSDT < 0 {
		st.ConsecutiveLossCount++
	} else {
		st.ConsecutiveLossCount = 0
	}
	if err := r.UpsertRiskState(ctx, *st); err != nil {
		return 0, fmt.Errorf("repository: persist consecutive loss count: %w", err)
	}
	return st.ConsecutiveLossCount, nil
}

// InsertRiskEvent records a risk event keyed by event_id; replays are no-ops.
func (r *Repository) InsertRiskEvent(ctx context.Context, e domain.RiskEvent) error {
	detail, err := marshalAny(e.Detail)
	if err != nil {
		return fmt.Errorf("repository: marshal risk event detail: %w", err)
	}
	ext, err := marshalAny(e.Ext)
	if err != nil {
		return fmt.Errorf("repository: marshal risk event ext: %w", err)
	}
	_, err = r.db.DB.ExecContext(ctx, `
INSERT INTO risk_events (event_id, ts_ms, type, severity, symbol, retry_after_ms, detail, ext)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(event_id) DO NOTHING
`, e.EventID, e.TsMs, e.Type, string(e.Severity), nullString(e.Symbol), e.RetryAfterMs, detail, ext)
	if err != nil {
		return fmt.Errorf("repository: insert risk event %s: %w", e.EventID, err)
	}
	return nil
}

// InsertExecutionReport records an execution report keyed by event_id.
func (r *Repository) InsertExecutionReport(ctx context.Context, rep domain.ExecutionReport) error {
	ext, err := marshalAny(rep.Ext)
	if err != nil {
		return fmt.Errorf("repository: marshal execution report ext: %w", err)
	}
	_, err = r.db.DB.ExecContext(ctx, `
INSERT INTO execution_reports (
    event_id, ts_ms, plan_id, order_id, status, reason, filled_qty, avg_price,
    symbol, timeframe, latency_ms, slippage_bps, retry_count, fill_ratio, ext
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(event_id) DO NOTHING
`,
		rep.EventID, rep.TsMs, nullString(rep.PlanID), nullString(rep.OrderID), rep.Status, nullString(rep.Reason),
		rep.FilledQty, rep.AvgPrice, rep.Symbol, string(rep.Timeframe), rep.LatencyMs, rep.SlippageBps,
		rep.RetryCount, rep.FillRatio, ext,
	)
	if err != nil {
		return fmt.Errorf("repository: insert execution report %s: %w", rep.EventID, err)
	}
	return nil
}

// ListExecutionReportsByOrder returns every report recorded for orderID, in
// insertion order.
func (r *Repository) ListExecutionReportsByOrder(ctx context.Context, orderID string) ([]domain.ExecutionReport, error) {
	rows, err := r.db.DB.QueryContext(ctx, `
SELECT event_id, ts_ms, plan_id, order_id, status, reason, filled_qty, avg_price,
       symbol, timeframe, latency_ms, slippage_bps, retry_count, fill_ratio, ext
FROM execution_reports WHERE order_id = ? ORDER BY ts_ms ASC, rowid ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("repository: list execution reports for order %s: %w", orderID, err)
	}
	defer rows.Close()

	var out []domain.ExecutionReport
	for rows.Next() {
		var rep domain.ExecutionReport
		var planID, orderIDVal, reason sql.NullString
		var tf string
		var ext string
		if err := rows.Scan(&rep.EventID, &rep.TsMs, &planID, &orderIDVal, &rep.Status, &reason,
			&rep.FilledQty, &rep.AvgPrice, &rep.Symbol, &tf, &rep.LatencyMs, &rep.SlippageBps,
			&rep.RetryCount, &rep.FillRatio, &ext); err != nil {
			return nil, fmt.Errorf("repository: scan execution report: %w", err)
		}
		rep.PlanID = planID.String
		rep.OrderID = orderIDVal.String
		rep.Reason = reason.String
		rep.Timeframe = domain.Timeframe(tf)
		rep.Ext = unmarshalAny(ext)
		out = append(out, rep)
	}
	return out, rows.Err()
}

// GetRuntimeFlag returns a flag value, or "" if unset.
func (r *Repository) GetRuntimeFlag(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.DB.QueryRowContext(ctx, `SELECT value FROM runtime_flags WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("repository: get runtime flag %s: %w", key, err)
	}
	return value, nil
}

// SetRuntimeFlag upserts a flag (e.g. the account kill switch toggle).
func (r *Repository) SetRuntimeFlag(ctx context.Context, key, value string) error {
	_, err := r.db.DB.ExecContext(ctx, `
INSERT INTO runtime_flags (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP
`, key, value)
	if err != nil {
		return fmt.Errorf("repository: set runtime flag %s: %w", key, err)
	}
	return nil
}

// InsertWalletSnapshot records a wallet equity snapshot keyed by snapshot_id.
func (r *Repository) InsertWalletSnapshot(ctx context.Context, s domain.WalletSnapshot) error {
	raw, err := marshalAny(s.Raw)
	if err != nil {
		return fmt.Errorf("repository: marshal wallet snapshot raw: %w", err)
	}
	_, err = r.db.DB.ExecContext(ctx, `
INSERT INTO wallet_snapshots (snapshot_id, source, ts_ms, equity_usdt, raw) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(snapshot_id) DO NOTHING
`, s.SnapshotID, string(s.Source), s.TsMs, s.EquityUSDT, raw)
	if err != nil {
		return fmt.Errorf("repository: insert wallet snapshot %s: %w", s.SnapshotID, err)
	}
	return nil
}

// InsertAccountSnapshot records a per-symbol position-size snapshot.
func (r *Repository) InsertAccountSnapshot(ctx context.Context, s domain.AccountSnapshot) error {
	raw, err := marshalAny(s.Raw)
	if err != nil {
		return fmt.Errorf("repository: marshal account snapshot raw: %w", err)
	}
	_, err = r.db.DB.ExecContext(ctx, `
INSERT INTO account_snapshots (snapshot_id, source, ts_ms, symbol, size_qty, raw) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(snapshot_id) DO NOTHING
`, s.SnapshotID, string(s.Source), s.TsMs, s.Symbol, s.SizeQty, raw)
	if err != nil {
		return fmt.Errorf("repository: insert account snapshot %s: %w", s.SnapshotID, err)
	}
	return nil
}

// GetLatestWalletSnapshot returns the most recent wallet snapshot from a
// given source, or nil if none exists. Used to compare REST ground truth
// against the WS feed for drift detection.
func (r *Repository) GetLatestWalletSnapshot(ctx context.Context, source domain.SnapshotSource) (*domain.WalletSnapshot, error) {
	row := r.db.DB.QueryRowContext(ctx, `
SELECT snapshot_id, source, ts_ms, equity_usdt, raw
FROM wallet_snapshots WHERE source = ? ORDER BY ts_ms DESC LIMIT 1`, string(source))

	var s domain.WalletSnapshot
	var src, raw string
	err := row.Scan(&s.SnapshotID, &src, &s.TsMs, &s.EquityUSDT, &raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: get latest wallet snapshot: %w", err)
	}
	s.Source = domain.SnapshotSource(src)
	s.Raw = unmarshalAny(raw)
	return &s, nil
}

// ListWalletSnapshotsOlderThan returns wallet snapshots eligible for
// archival-then-prune.
func (r *Repository) ListWalletSnapshotsOlderThan(ctx context.Context, cutoffMs int64, limit int) ([]domain.WalletSnapshot, error) {
	rows, err := r.db.DB.QueryContext(ctx, `
SELECT snapshot_id, source, ts_ms, equity_usdt, raw
FROM wallet_snapshots WHERE ts_ms < ? ORDER BY ts_ms ASC LIMIT ?`, cutoffMs, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: list old wallet snapshots: %w", err)
	}
	defer rows.Close()

	var out []domain.WalletSnapshot
	for rows.Next() {
		var s domain.WalletSnapshot
		var src, raw string
		if err := rows.Scan(&s.SnapshotID, &src, &s.TsMs, &s.EquityUSDT, &raw); err != nil {
			return nil, fmt.Errorf("repository: scan old wallet snapshot: %w", err)
		}
		s.Source = domain.SnapshotSource(src)
		s.Raw = unmarshalAny(raw)
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteWalletSnapshot removes a wallet snapshot row after archival.
func (r *Repository) DeleteWalletSnapshot(ctx context.Context, snapshotID string) error {
	_, err := r.db.DB.ExecContext(ctx, `DELETE FROM wallet_snapshots WHERE snapshot_id = ?`, snapshotID)
	if err != nil {
		return fmt.Errorf("repository: delete wallet snapshot %s: %w", snapshotID, err)
	}
	return nil
}

// ListAccountSnapshotsOlderThan returns account snapshots eligible for
// archival-then-prune.
func (r *Repository) ListAccountSnapshotsOlderThan(ctx context.Context, cutoffMs int64, limit int) ([]domain.AccountSnapshot, error) {
	rows, err := r.db.DB.QueryContext(ctx, `
SELECT snapshot_id, source, ts_ms, symbol, size_qty, raw
FROM account_snapshots WHERE ts_ms < ? ORDER BY ts_ms ASC LIMIT ?`, cutoffMs, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: list old account snapshots: %w", err)
	}
	defer rows.Close()

	var out []domain.AccountSnapshot
	for rows.Next() {
		var s domain.AccountSnapshot
		var src, raw string
		if err := rows.Scan(&s.SnapshotID, &src, &s.TsMs, &s.Symbol, &s.SizeQty, &raw); err != nil {
			return nil, fmt.Errorf("repository: scan old account snapshot: %w", err)
		}
		s.Source = domain.SnapshotSource(src)
		s.Raw = unmarshalAny(raw)
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteAccountSnapshot removes an account snapshot row after archival.
func (r *Repository) DeleteAccountSnapshot(ctx context.Context, snapshotID string) error {
	_, err := r.db.DB.ExecContext(ctx, `DELETE FROM account_snapshots WHERE snapshot_id = ?`, snapshotID)
	if err != nil {
		return fmt.Errorf("repository: delete account snapshot %s: %w", snapshotID, err)
	}
	return nil
}

// MarkBarProcessed records that a bar_close for (symbol, timeframe,
// close_time_ms) has been handled; a duplicate delivery becomes a no-op and
// the returned bool is false, so the caller can skip re-admission.
func (r *Repository) MarkBarProcessed(ctx context.Context, symbol string, tf domain.Timeframe, closeTimeMs, nowMs int64) (bool, error) {
	res, err := r.db.DB.ExecContext(ctx, `
INSERT INTO bar_close_emits (symbol, timeframe, close_time_ms, processed_at_ms) VALUES (?, ?, ?, ?)
ON CONFLICT(symbol, timeframe, close_time_ms) DO NOTHING
`, symbol, string(tf), closeTimeMs, nowMs)
	if err != nil {
		return false, fmt.Errorf("repository: mark bar processed %s: %w", symbol, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpsertBar records a closed candle, feeding the hist_entry inference query
// below. A re-delivered bar_close overwrites the same (symbol, timeframe,
// close_time_ms) row rather than duplicating it.
func (r *Repository) UpsertBar(ctx context.Context, symbol string, tf domain.Timeframe, closeTimeMs int64, open, high, low, close, volume float64) error {
	_, err := r.db.DB.ExecContext(ctx, `
INSERT INTO bars (symbol, timeframe, close_time_ms, open, high, low, close, volume)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(symbol, timeframe, close_time_ms) DO UPDATE SET
    open=excluded.open, high=excluded.high, low=excluded.low, close=excluded.close, volume=excluded.volume
`, symbol, string(tf), closeTimeMs, open, high, low, close, volume)
	if err != nil {
		return fmt.Errorf("repository: upsert bar %s/%s: %w", symbol, tf, err)
	}
	return nil
}

// RecentCloses returns up to limit close prices at or before atOrBeforeMs,
// in chronological order (oldest first).
func (r *Repository) RecentCloses(ctx context.Context, symbol string, tf domain.Timeframe, atOrBeforeMs int64, limit int) ([]float64, error) {
	rows, err := r.db.DB.QueryContext(ctx, `
SELECT close FROM bars
WHERE symbol = ? AND timeframe = ? AND close_time_ms <= ?
ORDER BY close_time_ms DESC
LIMIT ?
`, symbol, string(tf), atOrBeforeMs, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: recent closes %s/%s: %w", symbol, tf, err)
	}
	defer rows.Close()

	var closes []float64
	for rows.Next() {
		var c float64
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		closes = append(closes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// rows arrive newest-first; reverse to chronological order for MACD.
	for i, j := 0, len(closes)-1; i < j; i, j = i+1, j-1 {
		closes[i], closes[j] = closes[j], closes[i]
	}
	return closes, nil
}

// RecentBars returns up to limit (high, low, close) triples at or before
// atOrBeforeMs, in chronological order (oldest first), feeding the ATR and
// pivot runner-trail computations.
func (r *Repository) RecentBars(ctx context.Context, symbol string, tf domain.Timeframe, atOrBeforeMs int64, limit int) (highs, lows, closes []float64, err error) {
	rows, err := r.db.DB.QueryContext(ctx, `
SELECT high, low, close FROM bars
WHERE symbol = ? AND timeframe = ? AND close_time_ms <= ?
ORDER BY close_time_ms DESC
LIMIT ?
`, symbol, string(tf), atOrBeforeMs, limit)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("repository: recent bars %s/%s: %w", symbol, tf, err)
	}
	defer rows.Close()

	for rows.Next() {
		var h, l, c float64
		if err := rows.Scan(&h, &l, &c); err != nil {
			return nil, nil, nil, err
		}
		highs = append(highs, h)
		lows = append(lows, l)
		closes = append(closes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, nil, err
	}
	for i, j := 0, len(highs)-1; i < j; i, j = i+1, j-1 {
		highs[i], highs[j] = highs[j], highs[i]
		lows[i], lows[j] = lows[j], lows[i]
		closes[i], closes[j] = closes[j], closes[i]
	}
	return highs, lows, closes, nil
}

// InsertExecutionTrace records a debugging breadcrumb at an admission-pipeline
// stage. The row id is a hash of (trace_id, idempotency_key, stage, ts_ms), so
// a replayed stage within the same millisecond is a harmless no-op rather
// than a duplicate row. Trace failures must never surface to the caller.
func (r *Repository) InsertExecutionTrace(ctx context.Context, traceID, idempotencyKey, stage string, tsMs int64, detail map[string]any) error {
	h := sha256.Sum256([]byte(traceID + "|" + idempotencyKey + "|" + stage + "|" + strconv.FormatInt(tsMs, 10)))
	rowID := hex.EncodeToString(h[:])

	payload, err := marshalAny(detail)
	if err != nil {
		return fmt.Errorf("repository: marshal trace detail: %w", err)
	}
	_, err = r.db.DB.ExecContext(ctx, `
INSERT OR IGNORE INTO execution_traces (trace_row_id, trace_id, idempotency_key, ts_ms, stage, detail)
VALUES (?, ?, ?, ?, ?, ?)
`, rowID, traceID, idempotencyKey, tsMs, stage, payload)
	if err != nil {
		return fmt.Errorf("repository: insert execution trace: %w", err)
	}
	return nil
}

// ListExecutionTraces returns the trace rows for a plan's idempotency key in
// chronological order, used by the admin API to replay an admission decision.
func (r *Repository) ListExecutionTraces(ctx context.Context, idempotencyKey string, limit int) ([]domain.ExecutionTrace, error) {
	rows, err := r.db.DB.QueryContext(ctx, `
SELECT trace_row_id, trace_id, idempotency_key, ts_ms, stage, detail
FROM execution_traces
WHERE idempotency_key = ?
ORDER BY ts_ms ASC
LIMIT ?
`, idempotencyKey, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: list execution traces: %w", err)
	}
	defer rows.Close()

	var out []domain.ExecutionTrace
	for rows.Next() {
		var t domain.ExecutionTrace
		var traceID sql.NullString
		var detail string
		if err := rows.Scan(&t.TraceRowID, &traceID, &t.IdempotencyKey, &t.TsMs, &t.Stage, &detail); err != nil {
			return nil, err
		}
		t.TraceID = traceID.String
		t.Detail = unmarshalAny(detail)
		out = append(out, t)
	}
	return out, rows.Err()
}

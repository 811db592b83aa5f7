package db

import (
	"database/sql"
	"fmt"
)

// schema mirrors §3/§4.11: idempotent upsert-on-primary-key tables for every
// persisted entity the execution core owns.
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS positions (
    position_id TEXT PRIMARY KEY,
    idempotency_key TEXT NOT NULL UNIQUE,
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    side TEXT NOT NULL,
    bias TEXT NOT NULL,
    qty_total REAL NOT NULL,
    qty_runner REAL NOT NULL,
    entry_price REAL NOT NULL,
    primary_sl_price REAL NOT NULL,
    runner_stop_price REAL,
    status TEXT NOT NULL,
    entry_close_time_ms INTEGER NOT NULL,
    opened_at_ms INTEGER NOT NULL,
    closed_at_ms INTEGER,
    exit_reason TEXT,
    hist_entry REAL,
    meta TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS orders (
    order_id TEXT PRIMARY KEY,
    idempotency_key TEXT NOT NULL,
    purpose TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    order_type TEXT NOT NULL,
    qty REAL NOT NULL,
    price REAL,
    reduce_only INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    venue_order_id TEXT,
    venue_link_id TEXT,
    filled_qty REAL NOT NULL DEFAULT 0,
    avg_price REAL NOT NULL DEFAULT 0,
    submitted_at_ms INTEGER,
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_fill_at_ms INTEGER,
    payload TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(idempotency_key, purpose)
);

CREATE TABLE IF NOT EXISTS fills (
    fill_id TEXT PRIMARY KEY,
    order_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    purpose TEXT NOT NULL,
    side TEXT NOT NULL,
    qty REAL NOT NULL,
    price REAL NOT NULL,
    fee REAL NOT NULL DEFAULT 0,
    executed_at_ms INTEGER NOT NULL,
    venue_exec_id TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(order_id, venue_exec_id)
);

CREATE TABLE IF NOT EXISTS cooldowns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    reason TEXT NOT NULL,
    until_ts_ms INTEGER NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_cooldowns_lookup ON cooldowns(symbol, side, timeframe, until_ts_ms);

CREATE TABLE IF NOT EXISTS risk_state (
    trade_date TEXT PRIMARY KEY,
    starting_equity REAL NOT NULL,
    current_equity REAL NOT NULL,
    min_equity REAL NOT NULL,
    max_equity REAL NOT NULL,
    drawdown_pct REAL NOT NULL DEFAULT 0,
    soft_halt INTEGER NOT NULL DEFAULT 0,
    hard_halt INTEGER NOT NULL DEFAULT 0,
    kill_switch INTEGER NOT NULL DEFAULT 0,
    consecutive_loss_count INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS risk_events (
    event_id TEXT PRIMARY KEY,
    ts_ms INTEGER NOT NULL,
    type TEXT NOT NULL,
    severity TEXT NOT NULL,
    symbol TEXT,
    retry_after_ms INTEGER,
    detail TEXT NOT NULL DEFAULT '{}',
    ext TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_risk_events_type_symbol ON risk_events(type, symbol, ts_ms);

CREATE TABLE IF NOT EXISTS execution_reports (
    event_id TEXT PRIMARY KEY,
    ts_ms INTEGER NOT NULL,
    plan_id TEXT,
    order_id TEXT,
    status TEXT NOT NULL,
    reason TEXT,
    filled_qty REAL,
    avg_price REAL,
    symbol TEXT NOT NULL,
    timeframe TEXT,
    latency_ms INTEGER,
    slippage_bps REAL,
    retry_count INTEGER,
    fill_ratio REAL,
    ext TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS runtime_flags (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS wallet_snapshots (
    snapshot_id TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    ts_ms INTEGER NOT NULL,
    equity_usdt REAL NOT NULL,
    raw TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_wallet_snapshots_ts ON wallet_snapshots(ts_ms);

CREATE TABLE IF NOT EXISTS account_snapshots (
    snapshot_id TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    ts_ms INTEGER NOT NULL,
    symbol TEXT NOT NULL,
    size_qty REAL NOT NULL,
    raw TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_account_snapshots_symbol_ts ON account_snapshots(symbol, ts_ms);

CREATE TABLE IF NOT EXISTS bar_close_emits (
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    close_time_ms INTEGER NOT NULL,
    processed_at_ms INTEGER NOT NULL,
    PRIMARY KEY(symbol, timeframe, close_time_ms)
);

CREATE TABLE IF NOT EXISTS execution_traces (
    trace_row_id TEXT PRIMARY KEY,
    trace_id TEXT,
    idempotency_key TEXT NOT NULL,
    ts_ms INTEGER NOT NULL,
    stage TEXT NOT NULL,
    detail TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_execution_traces_idem ON execution_traces(idempotency_key, ts_ms);

CREATE TABLE IF NOT EXISTS bars (
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    close_time_ms INTEGER NOT NULL,
    open REAL NOT NULL,
    high REAL NOT NULL,
    low REAL NOT NULL,
    close REAL NOT NULL,
    volume REAL NOT NULL,
    PRIMARY KEY(symbol, timeframe, close_time_ms)
);
CREATE INDEX IF NOT EXISTS idx_bars_lookup ON bars(symbol, timeframe, close_time_ms DESC);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// ensureColumn adds a column if it does not already exist; kept for forward
// migrations that add fields to tables created by an older schema version.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS mirror_accounts (
    source_id TEXT PRIMARY KEY,
    source_wallet TEXT NOT NULL,
    label TEXT,
    mirror_wallet TEXT NOT NULL,
    key_id TEXT,
    enabled INTEGER DEFAULT 1,
    leverage REAL DEFAULT 1.0,
    allocation_cap REAL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS trade_events (
    id TEXT PRIMARY KEY,
    source_id TEXT NOT NULL,
    wallet TEXT NOT NULL,
    ts INTEGER NOT NULL,
    coin TEXT NOT NULL,
    side TEXT NOT NULL,
    size REAL NOT NULL,
    price REAL NOT NULL,
    notional REAL NOT NULL,
    fill_hash TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_trade_events_source_ts ON trade_events(source_id, ts);

CREATE TABLE IF NOT EXISTS decisions (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL,
    outcome TEXT NOT NULL,
    reason TEXT NOT NULL,
    checks TEXT NOT NULL,
    snapshot TEXT NOT NULL,
    client_order_id TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS mirror_trades (
    id TEXT PRIMARY KEY,
    decision_id TEXT NOT NULL,
    source_id TEXT NOT NULL,
    coin TEXT NOT NULL,
    side TEXT NOT NULL,
    size REAL NOT NULL,
    price REAL NOT NULL,
    notional REAL NOT NULL,
    status TEXT NOT NULL,
    venue_order_id TEXT,
    client_order_id TEXT,
    simulated INTEGER DEFAULT 0,
    error TEXT,
    open INTEGER DEFAULT 1,
    pnl REAL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    closed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_mirror_trades_open ON mirror_trades(open, simulated);

CREATE TABLE IF NOT EXISTS risk_config (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    mode TEXT NOT NULL,
    global_cap REAL,
    coin_caps TEXT,
    daily_loss_limit REAL,
    kill_switch INTEGER DEFAULT 0,
    kill_switch_at DATETIME,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS system_status (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    last_venue_contact DATETIME,
    last_order_time DATETIME,
    started_at DATETIME
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "mirror_accounts", "key_id", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "mirror_trades", "pnl", "REAL"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "risk_config", "kill_switch_at", "DATETIME"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
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

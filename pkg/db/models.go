package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var ErrNotFound = errors.New("record not found")

// Trade sides after normalization.
const (
	SideLong  = "long"
	SideShort = "short"
)

// Trade event kinds.
const (
	EventKindFill           = "fill"
	EventKindPositionChange = "position_change"
	EventKindSync           = "sync"
)

// Execution modes.
const (
	ModeSimulation = "simulation"
	ModeLive       = "live"
)

// Mirror trade statuses.
const (
	StatusFilled   = "filled"
	StatusRejected = "rejected"
)

// MirrorAccount pairs a monitored source with the controlled account that
// mirrors it. Disabled rows are skipped by the engine but kept for audit.
type MirrorAccount struct {
	SourceID      string
	SourceWallet  string
	Label         string
	MirrorWallet  string
	KeyID         string
	Enabled       bool
	Leverage      float64
	AllocationCap *float64 // nil = uncapped
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TradeEvent is the canonical, normalized form of one observed fill or
// position change. Immutable once created.
type TradeEvent struct {
	ID        string
	SourceID  string
	Wallet    string
	Timestamp int64 // venue time, unix ms
	Coin      string
	Side      string // long/short
	Size      float64
	Price     float64
	Notional  float64
	FillHash  string // venue-native hash, or "sync:" marker for catch-up events
	Kind      string
	CreatedAt time.Time
}

// Decision records the outcome of running one trade event through the risk
// gates, execute or skip, with the full check list and config snapshot.
// Insert-only; never updated.
type Decision struct {
	ID            string
	EventID       string
	Outcome       string // execute | skip
	Reason        string
	Checks        string // JSON array of gate results
	Snapshot      string // JSON risk config snapshot
	ClientOrderID string
	CreatedAt     time.Time
}

// MirrorTrade is the realized outcome of an execute decision. Exposure and
// reconciliation only consider rows with open=1 AND simulated=0.
type MirrorTrade struct {
	ID            string
	DecisionID    string
	SourceID      string
	Coin          string
	Side          string
	Size          float64
	Price         float64
	Notional      float64
	Status        string
	VenueOrderID  string
	ClientOrderID string
	Simulated     bool
	Error         string
	Open          bool
	PnL           *float64 // nil until closed
	CreatedAt     time.Time
	ClosedAt      *time.Time
}

// UpsertMirrorAccount creates or updates a pair keyed by source_id.
func (d *Database) UpsertMirrorAccount(ctx context.Context, a MirrorAccount) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO mirror_accounts (source_id, source_wallet, label, mirror_wallet, key_id, enabled, leverage, allocation_cap, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(source_id) DO UPDATE SET
			source_wallet = excluded.source_wallet,
			label = excluded.label,
			mirror_wallet = excluded.mirror_wallet,
			key_id = excluded.key_id,
			enabled = excluded.enabled,
			leverage = excluded.leverage,
			allocation_cap = excluded.allocation_cap,
			updated_at = CURRENT_TIMESTAMP
	`, a.SourceID, a.SourceWallet, a.Label, a.MirrorWallet, a.KeyID, boolToInt(a.Enabled), a.Leverage, a.AllocationCap)
	return err
}

// GetMirrorAccount returns the pair for a source id.
func (d *Database) GetMirrorAccount(ctx context.Context, sourceID string) (*MirrorAccount, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT source_id, source_wallet, COALESCE(label, ''), mirror_wallet, COALESCE(key_id, ''),
		       enabled, leverage, allocation_cap, created_at, updated_at
		FROM mirror_accounts
		WHERE source_id = ?
	`, sourceID)
	return scanMirrorAccount(row)
}

// ListMirrorAccounts returns all pairs; enabledOnly filters disabled ones.
func (d *Database) ListMirrorAccounts(ctx context.Context, enabledOnly bool) ([]MirrorAccount, error) {
	q := `
		SELECT source_id, source_wallet, COALESCE(label, ''), mirror_wallet, COALESCE(key_id, ''),
		       enabled, leverage, allocation_cap, created_at, updated_at
		FROM mirror_accounts
	`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY source_id`

	rows, err := d.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MirrorAccount
	for rows.Next() {
		a, err := scanMirrorAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMirrorAccount(row rowScanner) (*MirrorAccount, error) {
	var (
		a       MirrorAccount
		enabled int
		cap     sql.NullFloat64
	)
	err := row.Scan(&a.SourceID, &a.SourceWallet, &a.Label, &a.MirrorWallet, &a.KeyID,
		&enabled, &a.Leverage, &cap, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Enabled = enabled == 1
	if cap.Valid {
		v := cap.Float64
		a.AllocationCap = &v
	}
	return &a, nil
}

// InsertTradeEvent stores an event; duplicates by fill hash are ignored.
// Returns true when the row was actually inserted.
func (d *Database) InsertTradeEvent(ctx context.Context, e TradeEvent) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO trade_events (id, source_id, wallet, ts, coin, side, size, price, notional, fill_hash, kind)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fill_hash) DO NOTHING
	`, e.ID, e.SourceID, e.Wallet, e.Timestamp, e.Coin, e.Side, e.Size, e.Price, e.Notional, e.FillHash, e.Kind)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// HasTradeEvent reports whether an event with the given fill hash exists.
func (d *Database) HasTradeEvent(ctx context.Context, fillHash string) (bool, error) {
	var n int
	err := d.DB.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM trade_events WHERE fill_hash = ?`, fillHash).Scan(&n)
	return n > 0, err
}

// InsertDecision stores one decision row (the audit trail; never skipped).
func (d *Database) InsertDecision(ctx context.Context, dec Decision) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO decisions (id, event_id, outcome, reason, checks, snapshot, client_order_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, dec.ID, dec.EventID, dec.Outcome, dec.Reason, dec.Checks, dec.Snapshot, dec.ClientOrderID)
	return err
}

// InsertMirrorTrade stores an execution outcome.
func (d *Database) InsertMirrorTrade(ctx context.Context, t MirrorTrade) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO mirror_trades (id, decision_id, source_id, coin, side, size, price, notional,
			status, venue_order_id, client_order_id, simulated, error, open)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.DecisionID, t.SourceID, t.Coin, t.Side, t.Size, t.Price, t.Notional,
		t.Status, t.VenueOrderID, t.ClientOrderID, boolToInt(t.Simulated), t.Error, boolToInt(t.Open))
	return err
}

// CloseMirrorTrade marks a trade closed with its realized PnL. Position
// closing itself is decided outside the core; this is the hook it calls.
func (d *Database) CloseMirrorTrade(ctx context.Context, id string, pnl float64) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE mirror_trades
		SET open = 0, pnl = ?, closed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND open = 1
	`, pnl, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

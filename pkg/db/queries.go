package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// RiskConfig is the singleton risk configuration (row id = 1). Nil caps and
// limits mean unlimited. Mutated externally via the ops surface; the decision
// engine reads it through a TTL cache.
type RiskConfig struct {
	Mode           string              `json:"mode"` // simulation | live
	GlobalCap      *float64            `json:"global_cap"`
	CoinCaps       map[string]*float64 `json:"coin_caps"`
	DailyLossLimit *float64            `json:"daily_loss_limit"`
	KillSwitch     bool                `json:"kill_switch"`
	KillSwitchAt   time.Time           `json:"kill_switch_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// DefaultRiskConfig returns the config seeded when none exists: simulation
// mode with no caps, kill switch off.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{Mode: ModeSimulation}
}

// GetRiskConfig loads the singleton config, seeding the default if absent.
func (d *Database) GetRiskConfig(ctx context.Context) (RiskConfig, error) {
	var (
		cfg      RiskConfig
		global   sql.NullFloat64
		caps     sql.NullString
		loss     sql.NullFloat64
		kill     int
		killAt   sql.NullTime
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT mode, global_cap, coin_caps, daily_loss_limit, kill_switch, kill_switch_at, updated_at
		FROM risk_config WHERE id = 1
	`).Scan(&cfg.Mode, &global, &caps, &loss, &kill, &killAt, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		def := DefaultRiskConfig()
		if err := d.UpdateRiskConfig(ctx, def); err != nil {
			return RiskConfig{}, fmt.Errorf("seed default risk config: %w", err)
		}
		return def, nil
	}
	if err != nil {
		return RiskConfig{}, err
	}

	if global.Valid {
		v := global.Float64
		cfg.GlobalCap = &v
	}
	if loss.Valid {
		v := loss.Float64
		cfg.DailyLossLimit = &v
	}
	if caps.Valid && caps.String != "" {
		if err := json.Unmarshal([]byte(caps.String), &cfg.CoinCaps); err != nil {
			return RiskConfig{}, fmt.Errorf("decode coin caps: %w", err)
		}
	}
	cfg.KillSwitch = kill == 1
	if killAt.Valid {
		cfg.KillSwitchAt = killAt.Time
	}
	return cfg, nil
}

// UpdateRiskConfig upserts the singleton config row.
func (d *Database) UpdateRiskConfig(ctx context.Context, cfg RiskConfig) error {
	var capsJSON any
	if cfg.CoinCaps != nil {
		b, err := json.Marshal(cfg.CoinCaps)
		if err != nil {
			return fmt.Errorf("encode coin caps: %w", err)
		}
		capsJSON = string(b)
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_config (id, mode, global_cap, coin_caps, daily_loss_limit, kill_switch, kill_switch_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			mode = excluded.mode,
			global_cap = excluded.global_cap,
			coin_caps = excluded.coin_caps,
			daily_loss_limit = excluded.daily_loss_limit,
			kill_switch = excluded.kill_switch,
			kill_switch_at = excluded.kill_switch_at,
			updated_at = CURRENT_TIMESTAMP
	`, cfg.Mode, cfg.GlobalCap, capsJSON, cfg.DailyLossLimit, boolToInt(cfg.KillSwitch), nullTime(cfg.KillSwitchAt))
	return err
}

// SetKillSwitch flips only the kill switch, stamping the change time.
func (d *Database) SetKillSwitch(ctx context.Context, active bool) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE risk_config
		SET kill_switch = ?, kill_switch_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = 1
	`, boolToInt(active))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cfg := DefaultRiskConfig()
		cfg.KillSwitch = active
		cfg.KillSwitchAt = time.Now()
		return d.UpdateRiskConfig(ctx, cfg)
	}
	return nil
}

// ExposureReport holds open, non-simulated notional aggregates. The decision
// engine, the reconciler and the ops API all read exposure through this one
// aggregation.
type ExposureReport struct {
	Total  float64
	ByCoin map[string]float64
}

// OpenExposure aggregates notional across open, non-simulated mirror trades.
func (d *Database) OpenExposure(ctx context.Context) (ExposureReport, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT coin, COALESCE(SUM(notional), 0)
		FROM mirror_trades
		WHERE open = 1 AND simulated = 0 AND status = ?
		GROUP BY coin
	`, StatusFilled)
	if err != nil {
		return ExposureReport{}, fmt.Errorf("query exposure: %w", err)
	}
	defer rows.Close()

	rep := ExposureReport{ByCoin: make(map[string]float64)}
	for rows.Next() {
		var coin string
		var notional float64
		if err := rows.Scan(&coin, &notional); err != nil {
			return ExposureReport{}, fmt.Errorf("scan exposure: %w", err)
		}
		rep.ByCoin[coin] = notional
		rep.Total += notional
	}
	return rep, rows.Err()
}

// DailyRealizedPnL sums realized PnL of trades closed today (UTC).
func (d *Database) DailyRealizedPnL(ctx context.Context) (float64, error) {
	var pnl float64
	err := d.DB.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(pnl), 0)
		FROM mirror_trades
		WHERE pnl IS NOT NULL AND date(closed_at) = date('now')
	`).Scan(&pnl)
	return pnl, err
}

// OpenPositionSizes returns the signed net size per coin the engine believes
// it holds for one source (long positive, short negative), drawn from open,
// non-simulated filled trades.
func (d *Database) OpenPositionSizes(ctx context.Context, sourceID string) (map[string]float64, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT coin, COALESCE(SUM(CASE WHEN side = ? THEN size ELSE -size END), 0)
		FROM mirror_trades
		WHERE source_id = ? AND open = 1 AND simulated = 0 AND status = ?
		GROUP BY coin
	`, SideLong, sourceID, StatusFilled)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var coin string
		var size float64
		if err := rows.Scan(&coin, &size); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out[coin] = size
	}
	return out, rows.Err()
}

// OrphanedDecisions lists execute decisions older than cutoff that have no
// mirror trade recorded, an integrity violation surfaced by reconciliation.
func (d *Database) OrphanedDecisions(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT d.id
		FROM decisions d
		LEFT JOIN mirror_trades t ON t.decision_id = d.id
		WHERE d.outcome = 'execute' AND t.id IS NULL AND d.created_at < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query orphaned decisions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SystemStatus is the process-wide heartbeat record (row id = 1).
type SystemStatus struct {
	KillSwitch       bool
	LastVenueContact time.Time
	LastOrderTime    time.Time
	StartedAt        time.Time
}

// InitSystemStatus upserts the singleton with the process start time.
func (d *Database) InitSystemStatus(ctx context.Context, startedAt time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO system_status (id, started_at) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET started_at = excluded.started_at
	`, startedAt.UTC())
	return err
}

// TouchHeartbeat records a successful venue contact.
func (d *Database) TouchHeartbeat(ctx context.Context) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE system_status SET last_venue_contact = CURRENT_TIMESTAMP WHERE id = 1
	`)
	return err
}

// BumpLastOrderTime records a live order submission.
func (d *Database) BumpLastOrderTime(ctx context.Context) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE system_status SET last_order_time = CURRENT_TIMESTAMP WHERE id = 1
	`)
	return err
}

// GetSystemStatus loads the heartbeat record joined with the kill switch.
func (d *Database) GetSystemStatus(ctx context.Context) (SystemStatus, error) {
	var (
		st      SystemStatus
		contact sql.NullTime
		order   sql.NullTime
		started sql.NullTime
		kill    sql.NullInt64
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT s.last_venue_contact, s.last_order_time, s.started_at,
		       (SELECT kill_switch FROM risk_config WHERE id = 1)
		FROM system_status s WHERE s.id = 1
	`).Scan(&contact, &order, &started, &kill)
	if err == sql.ErrNoRows {
		return SystemStatus{}, ErrNotFound
	}
	if err != nil {
		return SystemStatus{}, err
	}
	if contact.Valid {
		st.LastVenueContact = contact.Time
	}
	if order.Valid {
		st.LastOrderTime = order.Time
	}
	if started.Valid {
		st.StartedAt = started.Time
	}
	st.KillSwitch = kill.Valid && kill.Int64 == 1
	return st, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

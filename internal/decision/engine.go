// Package decision maps one canonical trade event to one persisted
// strategy decision by running an ordered sequence of risk gates.
package decision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"mirror-core/internal/events"
	"mirror-core/internal/registry"
	"mirror-core/pkg/db"
)

// OrderRequest is the inverse order derived from an event that passed every
// gate. The client order id is deterministic for idempotent retries.
type OrderRequest struct {
	SourceID      string
	Coin          string
	AssetIndex    int
	Side          string // inverse of the source event
	Size          float64
	Price         float64
	Notional      float64
	ReduceOnly    bool
	TimeInForce   string
	ClientOrderID string
}

// Executor realizes an execute decision as a mirror trade.
type Executor interface {
	Execute(ctx context.Context, decisionID string, req OrderRequest)
}

// CheckResult is one gate's outcome inside the persisted audit trail.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// snapshot is the configuration view a decision was made under.
type snapshot struct {
	Mode           string   `json:"mode"`
	Leverage       float64  `json:"leverage"`
	GlobalCap      *float64 `json:"global_cap"`
	CoinCap        *float64 `json:"coin_cap"`
	DailyLossLimit *float64 `json:"daily_loss_limit"`
	KillSwitch     bool     `json:"kill_switch"`
}

// Engine evaluates trade events against the risk gates. The exposure and
// daily-loss read-decide-write sequence runs under a per-source lock so two
// events for the same account cannot both pass a cap check before either's
// trade lands.
type Engine struct {
	database *db.Database
	reg      *registry.Registry
	cache    *ConfigCache
	bus      *events.Bus
	exec     Executor
	assets   map[string]int // coin -> venue asset index, loaded at start

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	now   func() time.Time
}

// NewEngine creates a decision engine. assets is the instrument index map
// resolved from venue metadata at process start.
func NewEngine(database *db.Database, reg *registry.Registry, cache *ConfigCache, bus *events.Bus, exec Executor, assets map[string]int) *Engine {
	return &Engine{
		database: database,
		reg:      reg,
		cache:    cache,
		bus:      bus,
		exec:     exec,
		assets:   assets,
		locks:    make(map[string]*sync.Mutex),
		now:      time.Now,
	}
}

// InvalidateConfig is the hook the configuration surface calls after any
// external mutation so kill-switch flips are visible immediately.
func (e *Engine) InvalidateConfig() {
	e.cache.Invalidate()
}

// Handle runs one event through the gates and persists the decision. Every
// event produces exactly one decision row, execute or skip.
func (e *Engine) Handle(ctx context.Context, ev db.TradeEvent) {
	lock := e.sourceLock(ev.SourceID)
	lock.Lock()
	defer lock.Unlock()

	dec, req := e.evaluate(ctx, ev)

	if err := e.database.InsertDecision(ctx, dec); err != nil {
		// Every mirror trade must trace back to a persisted decision, so a
		// failed insert drops the event instead of handing it off.
		log.Printf("decision: persist %s for event %s: %v (event dropped)", dec.Outcome, ev.ID, err)
		return
	}
	e.bus.Publish(events.EventDecision, dec)

	if dec.Outcome == "execute" && req != nil {
		e.exec.Execute(ctx, dec.ID, *req)
	} else {
		log.Printf("decision: skip event %s (%s %s): %s", ev.ID, ev.Coin, ev.Side, dec.Reason)
	}
}

func (e *Engine) evaluate(ctx context.Context, ev db.TradeEvent) (db.Decision, *OrderRequest) {
	var checks []CheckResult
	fail := func(name, reason string) (db.Decision, *OrderRequest) {
		checks = append(checks, CheckResult{Name: name, Passed: false, Detail: reason})
		return e.buildDecision(ev, "skip", reason, checks, snapshot{}, ""), nil
	}
	pass := func(name, detail string) {
		checks = append(checks, CheckResult{Name: name, Passed: true, Detail: detail})
	}

	// 1. Mirror account must exist and be enabled.
	acct, err := e.reg.Lookup(ctx, ev.SourceID)
	if err != nil {
		return fail("mirror_account", fmt.Sprintf("no mirror account for source %s", ev.SourceID))
	}
	if !acct.Enabled {
		return fail("mirror_account", fmt.Sprintf("mirror account %s is disabled", ev.SourceID))
	}
	pass("mirror_account", acct.MirrorWallet)

	// 2. Effective leverage: account override, else 1.0.
	leverage := acct.Leverage
	if leverage == 0 {
		leverage = 1.0
	}
	pass("leverage", fmt.Sprintf("%.2f", leverage))

	cfg, err := e.cache.Get(ctx)
	if err != nil {
		return fail("risk_config", fmt.Sprintf("load risk config: %v", err))
	}
	snap := snapshot{
		Mode:           cfg.Mode,
		Leverage:       leverage,
		GlobalCap:      cfg.GlobalCap,
		CoinCap:        cfg.CoinCaps[ev.Coin],
		DailyLossLimit: cfg.DailyLossLimit,
		KillSwitch:     cfg.KillSwitch,
	}

	// 3. Kill switch trumps everything after account resolution.
	if cfg.KillSwitch {
		checks = append(checks, CheckResult{Name: "kill_switch", Passed: false, Detail: "kill switch active"})
		return e.buildDecision(ev, "skip", "kill switch active", checks, snap, ""), nil
	}
	pass("kill_switch", "")

	// 4. Instrument must resolve to a venue asset index.
	assetIdx, ok := e.assets[ev.Coin]
	if !ok {
		reason := fmt.Sprintf("unknown instrument %s", ev.Coin)
		checks = append(checks, CheckResult{Name: "instrument", Passed: false, Detail: reason})
		return e.buildDecision(ev, "skip", reason, checks, snap, ""), nil
	}
	pass("instrument", fmt.Sprintf("asset index %d", assetIdx))

	// An event without a positive size and price cannot produce a priceable
	// order, and a zero notional would sail through every cap unchecked.
	if ev.Size <= 0 || ev.Price <= 0 {
		reason := fmt.Sprintf("unpriced event: size=%.6f price=%.4f", ev.Size, ev.Price)
		checks = append(checks, CheckResult{Name: "pricing", Passed: false, Detail: reason})
		return e.buildDecision(ev, "skip", reason, checks, snap, ""), nil
	}
	pass("pricing", "")

	// 5. Inverse order: side flips, size scales by leverage.
	side := db.SideShort
	if ev.Side == db.SideShort {
		side = db.SideLong
	}
	size := ev.Size * leverage
	notional := size * ev.Price
	pass("inverse", fmt.Sprintf("%s %.6f @ %.4f", side, size, ev.Price))

	// 6. Exposure caps over open, non-simulated trades.
	exposure, err := e.database.OpenExposure(ctx)
	if err != nil {
		reason := fmt.Sprintf("compute exposure: %v", err)
		checks = append(checks, CheckResult{Name: "exposure", Passed: false, Detail: reason})
		return e.buildDecision(ev, "skip", reason, checks, snap, ""), nil
	}
	if cfg.GlobalCap != nil && exposure.Total+notional > *cfg.GlobalCap {
		reason := fmt.Sprintf("global exposure cap exceeded: %.2f+%.2f > %.2f",
			exposure.Total, notional, *cfg.GlobalCap)
		checks = append(checks, CheckResult{Name: "exposure", Passed: false, Detail: reason})
		return e.buildDecision(ev, "skip", reason, checks, snap, ""), nil
	}
	if coinCap := cfg.CoinCaps[ev.Coin]; coinCap != nil && exposure.ByCoin[ev.Coin]+notional > *coinCap {
		reason := fmt.Sprintf("%s exposure cap exceeded: %.2f+%.2f > %.2f",
			ev.Coin, exposure.ByCoin[ev.Coin], notional, *coinCap)
		checks = append(checks, CheckResult{Name: "exposure", Passed: false, Detail: reason})
		return e.buildDecision(ev, "skip", reason, checks, snap, ""), nil
	}
	pass("exposure", fmt.Sprintf("total %.2f + %.2f", exposure.Total, notional))

	// 7. Daily realized loss limit.
	if cfg.DailyLossLimit != nil {
		pnl, err := e.database.DailyRealizedPnL(ctx)
		if err != nil {
			reason := fmt.Sprintf("compute daily pnl: %v", err)
			checks = append(checks, CheckResult{Name: "daily_loss", Passed: false, Detail: reason})
			return e.buildDecision(ev, "skip", reason, checks, snap, ""), nil
		}
		if -pnl >= *cfg.DailyLossLimit {
			reason := fmt.Sprintf("daily loss limit reached: %.2f >= %.2f", -pnl, *cfg.DailyLossLimit)
			checks = append(checks, CheckResult{Name: "daily_loss", Passed: false, Detail: reason})
			return e.buildDecision(ev, "skip", reason, checks, snap, ""), nil
		}
		pass("daily_loss", fmt.Sprintf("%.2f", pnl))
	} else {
		pass("daily_loss", "unlimited")
	}

	// 8. All gates passed; build the order with an idempotent client id.
	req := &OrderRequest{
		SourceID:      ev.SourceID,
		Coin:          ev.Coin,
		AssetIndex:    assetIdx,
		Side:          side,
		Size:          size,
		Price:         ev.Price,
		Notional:      notional,
		TimeInForce:   "Ioc",
		ClientOrderID: clientOrderID(ev.Wallet, ev.Timestamp, e.now().UnixMilli()),
	}
	return e.buildDecision(ev, "execute", "all gates passed", checks, snap, req.ClientOrderID), req
}

func (e *Engine) buildDecision(ev db.TradeEvent, outcome, reason string, checks []CheckResult, snap snapshot, cloid string) db.Decision {
	checksJSON, _ := json.Marshal(checks)
	snapJSON, _ := json.Marshal(snap)
	return db.Decision{
		ID:            uuid.NewString(),
		EventID:       ev.ID,
		Outcome:       outcome,
		Reason:        reason,
		Checks:        string(checksJSON),
		Snapshot:      string(snapJSON),
		ClientOrderID: cloid,
	}
}

func (e *Engine) sourceLock(sourceID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[sourceID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[sourceID] = l
	}
	return l
}

// clientOrderID composes a 128-bit idempotency key from the source wallet,
// the source fill timestamp and the submission time. Retrying the same
// decision reuses the stored id verbatim.
func clientOrderID(wallet string, sourceTs, submitTs int64) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%d", wallet, sourceTs, submitTs))
	return "0x" + hex.EncodeToString(sum[:16])
}

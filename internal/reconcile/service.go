// Package reconcile periodically compares the positions the store says each
// mirror account should hold against what the venue reports, and raises
// drift alerts when they diverge.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"mirror-core/internal/events"
	"mirror-core/internal/registry"
	"mirror-core/pkg/db"
	"mirror-core/pkg/venue"
)

// PositionSource is the slice of the venue client the reconciler needs.
type PositionSource interface {
	PerpPositions(ctx context.Context, wallet string) ([]venue.Position, error)
}

// Config tunes the reconciliation cadence and drift thresholds (percent).
type Config struct {
	Interval      time.Duration
	DriftWarnPct  float64
	DriftErrorPct float64
}

// DriftAlert is published on the bus when aggregate drift crosses the error
// threshold for an account.
type DriftAlert struct {
	SourceID     string             `json:"source_id"`
	MirrorWallet string             `json:"mirror_wallet"`
	DriftPct     float64            `json:"drift_pct"`
	ByCoin       map[string]float64 `json:"by_coin"`
	At           time.Time          `json:"at"`
}

// Service runs the reconciliation loop. A failed cycle is logged and the
// next tick proceeds; the loop itself never dies.
type Service struct {
	database *db.Database
	reg      *registry.Registry
	source   PositionSource
	bus      *events.Bus
	cfg      Config

	mu      sync.RWMutex
	lastRun time.Time
}

// New creates a reconciliation service.
func New(database *db.Database, reg *registry.Registry, source PositionSource, bus *events.Bus, cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.DriftWarnPct <= 0 {
		cfg.DriftWarnPct = 5
	}
	if cfg.DriftErrorPct <= 0 {
		cfg.DriftErrorPct = 20
	}
	return &Service{database: database, reg: reg, source: source, bus: bus, cfg: cfg}
}

// Start runs the loop until ctx is canceled.
func (s *Service) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Printf("reconciler: started (interval=%v warn=%.0f%% error=%.0f%%)",
		s.cfg.Interval, s.cfg.DriftWarnPct, s.cfg.DriftErrorPct)
}

// RunOnce performs one reconciliation cycle across all enabled accounts.
func (s *Service) RunOnce(ctx context.Context) {
	accounts, err := s.reg.Enabled(ctx)
	if err != nil {
		log.Printf("reconciler: list accounts: %v", err)
		return
	}

	for _, acct := range accounts {
		if err := s.reconcileAccount(ctx, acct); err != nil {
			log.Printf("reconciler: account %s: %v", acct.SourceID, err)
		}
	}
	s.checkIntegrity(ctx)

	s.mu.Lock()
	s.lastRun = time.Now().UTC()
	s.mu.Unlock()
}

// LastRun reports when the last full cycle completed (status surface).
func (s *Service) LastRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun
}

func (s *Service) reconcileAccount(ctx context.Context, acct db.MirrorAccount) error {
	expected, err := s.database.OpenPositionSizes(ctx, acct.SourceID)
	if err != nil {
		return fmt.Errorf("expected positions: %w", err)
	}

	positions, err := s.source.PerpPositions(ctx, acct.MirrorWallet)
	if err != nil {
		return fmt.Errorf("venue positions: %w", err)
	}
	actual := make(map[string]float64, len(positions))
	for _, p := range positions {
		actual[p.Coin] = p.Size
	}

	byCoin := make(map[string]float64)
	var sumDrift, coins float64
	for coin, exp := range expected {
		act := actual[coin]
		pct := driftPct(exp, act)
		if pct == 0 {
			continue
		}
		byCoin[coin] = pct
		sumDrift += pct
		coins++
		if pct >= s.cfg.DriftWarnPct {
			log.Printf("reconciler: drift %s %s: expected %.6f actual %.6f (%.1f%%)",
				acct.SourceID, coin, exp, act, pct)
		}
	}
	// Positions the venue holds that the store knows nothing about are full
	// drift on their own.
	for coin, act := range actual {
		if _, ok := expected[coin]; ok || act == 0 {
			continue
		}
		byCoin[coin] = 100
		sumDrift += 100
		coins++
		log.Printf("reconciler: untracked position %s %s: %.6f", acct.SourceID, coin, act)
	}

	if coins == 0 {
		return nil
	}
	aggregate := sumDrift / coins
	if aggregate >= s.cfg.DriftErrorPct {
		alert := DriftAlert{
			SourceID:     acct.SourceID,
			MirrorWallet: acct.MirrorWallet,
			DriftPct:     aggregate,
			ByCoin:       byCoin,
			At:           time.Now().UTC(),
		}
		log.Printf("reconciler: ALERT account %s aggregate drift %.1f%%", acct.SourceID, aggregate)
		s.bus.Publish(events.EventDriftAlert, alert)
	}
	return nil
}

// checkIntegrity flags execute decisions old enough that a trade row should
// exist but does not.
func (s *Service) checkIntegrity(ctx context.Context) {
	cutoff := time.Now().Add(-time.Minute)
	orphans, err := s.database.OrphanedDecisions(ctx, cutoff)
	if err != nil {
		log.Printf("reconciler: integrity check: %v", err)
		return
	}
	for _, id := range orphans {
		log.Printf("reconciler: decision %s has no recorded trade", id)
	}
}

// driftPct returns percentage drift between expected and actual. With a zero
// expectation any actual position is full drift.
func driftPct(expected, actual float64) float64 {
	diff := math.Abs(actual - expected)
	if diff == 0 {
		return 0
	}
	if expected == 0 {
		return 100
	}
	return diff / math.Abs(expected) * 100
}

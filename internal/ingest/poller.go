// Package ingest polls monitored accounts for fills and turns them into a
// deduplicated, per-account ordered stream of canonical trade events.
package ingest

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"mirror-core/internal/events"
	"mirror-core/internal/registry"
	"mirror-core/pkg/db"
	"mirror-core/pkg/venue"
)

// FillSource is the slice of the venue client the poller needs.
type FillSource interface {
	UserFills(ctx context.Context, wallet string, start, end int64) ([]venue.Fill, error)
}

// Config tunes the sweep cadence. SweepInterval must stay shorter than
// Window or fills can fall out of the trailing request range unseen.
type Config struct {
	SweepInterval time.Duration
	Window        time.Duration
	AccountDelay  time.Duration
}

// Poller sweeps monitored accounts sequentially, respecting the venue's
// per-IP rate limit, and publishes accepted events downstream.
type Poller struct {
	source   FillSource
	database *db.Database
	reg      *registry.Registry
	bus      *events.Bus
	queue    *Queue
	cfg      Config

	mu   sync.Mutex
	hwm  map[string]int64 // source_id -> high-water-mark (unix ms)
	now  func() time.Time
}

// NewPoller creates an ingestion poller.
func NewPoller(source FillSource, database *db.Database, reg *registry.Registry, bus *events.Bus, queue *Queue, cfg Config) *Poller {
	return &Poller{
		source:   source,
		database: database,
		reg:      reg,
		bus:      bus,
		queue:    queue,
		cfg:      cfg,
		hwm:      make(map[string]int64),
		now:      time.Now,
	}
}

// Start runs the sweep loop until ctx is canceled.
func (p *Poller) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.SweepInterval)
		defer ticker.Stop()

		p.Sweep(ctx)
		for {
			select {
			case <-ticker.C:
				p.Sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Printf("ingestor: started (interval=%v window=%v)", p.cfg.SweepInterval, p.cfg.Window)
}

// Sweep polls every enabled account once, sequentially with an inter-account
// delay. A failure on one account never aborts the rest of the sweep.
func (p *Poller) Sweep(ctx context.Context) {
	accounts, err := p.reg.Enabled(ctx)
	if err != nil {
		log.Printf("ingestor: list accounts: %v", err)
		return
	}

	contacted := false
	for i, acct := range accounts {
		if i > 0 && p.cfg.AccountDelay > 0 {
			select {
			case <-time.After(p.cfg.AccountDelay):
			case <-ctx.Done():
				return
			}
		}
		if err := p.pollAccount(ctx, acct); err != nil {
			log.Printf("ingestor: poll %s: %v", acct.SourceID, err)
			continue
		}
		contacted = true
	}

	// last_venue_contact means the venue actually answered, not that a sweep
	// ran; the bus heartbeat tracks sweep cadence regardless.
	if contacted {
		if err := p.database.TouchHeartbeat(ctx); err != nil {
			log.Printf("ingestor: heartbeat: %v", err)
		}
	}
	p.bus.Publish(events.EventHeartbeat, p.now().UTC())
}

func (p *Poller) pollAccount(ctx context.Context, acct db.MirrorAccount) error {
	nowMs := p.now().UnixMilli()
	hwm := p.mark(acct.SourceID, nowMs)

	fills, err := p.source.UserFills(ctx, acct.SourceWallet, nowMs-p.cfg.Window.Milliseconds(), nowMs)
	if err != nil {
		return err
	}

	for _, f := range fills {
		// Strictly newer than the mark; ties and earlier fills were already
		// seen on a previous sweep.
		if f.Time <= hwm {
			continue
		}
		hwm = f.Time
		p.advance(acct.SourceID, f.Time)

		ev := db.TradeEvent{
			ID:        uuid.NewString(),
			SourceID:  acct.SourceID,
			Wallet:    acct.SourceWallet,
			Timestamp: f.Time,
			Coin:      f.Coin,
			Side:      f.Side,
			Size:      f.Size,
			Price:     f.Price,
			Notional:  f.Size * f.Price,
			FillHash:  f.Hash,
			Kind:      db.EventKindFill,
		}

		inserted, err := p.database.InsertTradeEvent(ctx, ev)
		if err != nil {
			// At-least-once: the decision stage is idempotent per event, so
			// publication proceeds even when persistence fails.
			log.Printf("ingestor: persist event %s: %v", ev.ID, err)
		} else if !inserted {
			// Same fill hash seen before (restart replay); drop silently.
			continue
		}

		if err := p.queue.Enqueue(ctx, ev); err != nil {
			return err
		}
		p.bus.Publish(events.EventTradeObserved, ev)
	}
	return nil
}

// mark returns the account's high-water-mark, initializing it to now on
// first sight so pre-existing fills are never replayed as new events.
func (p *Poller) mark(sourceID string, nowMs int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.hwm[sourceID]; ok {
		return v
	}
	p.hwm[sourceID] = nowMs
	return nowMs
}

func (p *Poller) advance(sourceID string, ts int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ts > p.hwm[sourceID] {
		p.hwm[sourceID] = ts
	}
}

// Mark exposes the current high-water-mark for a source (status surface).
func (p *Poller) Mark(sourceID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hwm[sourceID]
}

// Package possync performs the one-shot startup catch-up: positions the
// monitored accounts already hold are replayed into the pipeline as
// synthetic events so the mirrors start from a matching book.
package possync

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"mirror-core/internal/registry"
	"mirror-core/pkg/db"
	"mirror-core/pkg/venue"
)

// PositionSource is the slice of the venue client the syncer needs. Mids
// supplies reference prices for positions the venue reports without an
// entry price, spot balances in particular.
type PositionSource interface {
	PerpPositions(ctx context.Context, wallet string) ([]venue.Position, error)
	SpotPositions(ctx context.Context, wallet string) ([]venue.Position, error)
	Mids(ctx context.Context) (map[string]float64, error)
}

// Handler receives each synthetic event, same contract as live ingestion.
type Handler interface {
	Handle(ctx context.Context, ev db.TradeEvent)
}

// Syncer runs once at startup, before live polling begins.
type Syncer struct {
	database *db.Database
	reg      *registry.Registry
	source   PositionSource
	handler  Handler
	delay    time.Duration

	now func() time.Time
}

// New creates a startup syncer. delay spaces consecutive synthetic events so
// the burst does not swamp the decision path.
func New(database *db.Database, reg *registry.Registry, source PositionSource, handler Handler, delay time.Duration) *Syncer {
	return &Syncer{
		database: database,
		reg:      reg,
		source:   source,
		handler:  handler,
		delay:    delay,
		now:      time.Now,
	}
}

// Run replays existing positions of every enabled account. Idempotent: each
// position carries a deterministic marker hash, so a restart on the same day
// synthesizes nothing new. A failing account is logged and skipped.
func (s *Syncer) Run(ctx context.Context) error {
	accounts, err := s.reg.Enabled(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	// One snapshot of mid prices covers the whole replay. Without it,
	// positions lacking an entry price are skipped rather than replayed
	// unpriced.
	mids, err := s.source.Mids(ctx)
	if err != nil {
		log.Printf("possync: load mids: %v", err)
		mids = nil
	}

	total := 0
	for _, acct := range accounts {
		n, err := s.syncAccount(ctx, acct, mids)
		if err != nil {
			log.Printf("possync: account %s: %v", acct.SourceID, err)
			continue
		}
		total += n
	}
	log.Printf("possync: startup sync complete, %d positions replayed", total)
	return nil
}

func (s *Syncer) syncAccount(ctx context.Context, acct db.MirrorAccount, mids map[string]float64) (int, error) {
	perps, err := s.source.PerpPositions(ctx, acct.SourceWallet)
	if err != nil {
		return 0, fmt.Errorf("perp positions: %w", err)
	}
	spots, err := s.source.SpotPositions(ctx, acct.SourceWallet)
	if err != nil {
		return 0, fmt.Errorf("spot positions: %w", err)
	}

	n := 0
	for _, p := range append(perps, spots...) {
		replayed, err := s.syncPosition(ctx, acct, p, mids)
		if err != nil {
			log.Printf("possync: %s %s: %v", acct.SourceID, p.Coin, err)
			continue
		}
		if !replayed {
			continue
		}
		n++
		if s.delay > 0 {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return n, ctx.Err()
			}
		}
	}
	return n, nil
}

func (s *Syncer) syncPosition(ctx context.Context, acct db.MirrorAccount, p venue.Position, mids map[string]float64) (bool, error) {
	marker := syncMarker(acct.SourceID, p.Coin)
	seen, err := s.database.HasTradeEvent(ctx, marker)
	if err != nil {
		return false, err
	}
	if seen {
		return false, nil
	}

	// Spot balances carry no entry price; fall back to the mid. An unpriced
	// replay is skipped without a marker so a later restart can retry it.
	price := p.EntryPrice
	if price == 0 {
		price = mids[p.Coin]
	}
	if price <= 0 {
		log.Printf("possync: %s %s: no reference price, skipping replay", acct.SourceID, p.Coin)
		return false, nil
	}

	side := db.SideLong
	if p.Size < 0 {
		side = db.SideShort
	}
	size := math.Abs(p.Size)

	ev := db.TradeEvent{
		ID:        uuid.NewString(),
		SourceID:  acct.SourceID,
		Wallet:    acct.SourceWallet,
		Timestamp: s.now().UnixMilli(),
		Coin:      p.Coin,
		Side:      side,
		Size:      size,
		Price:     price,
		Notional:  size * price,
		FillHash:  marker,
		Kind:      db.EventKindSync,
	}
	inserted, err := s.database.InsertTradeEvent(ctx, ev)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}

	s.handler.Handle(ctx, ev)
	return true, nil
}

// syncMarker is the deterministic fill-hash stand-in for a replayed
// position. One marker per source and coin keeps the replay idempotent.
func syncMarker(sourceID, coin string) string {
	return fmt.Sprintf("sync:%s:%s", sourceID, coin)
}

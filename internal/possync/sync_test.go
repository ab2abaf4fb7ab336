package possync

import (
	"context"
	"testing"

	"mirror-core/internal/registry"
	"mirror-core/pkg/db"
	"mirror-core/pkg/venue"
)

type fakePositions struct {
	perps map[string][]venue.Position
	spots map[string][]venue.Position
	mids  map[string]float64
}

func (f *fakePositions) PerpPositions(ctx context.Context, wallet string) ([]venue.Position, error) {
	return f.perps[wallet], nil
}

func (f *fakePositions) SpotPositions(ctx context.Context, wallet string) ([]venue.Position, error) {
	return f.spots[wallet], nil
}

func (f *fakePositions) Mids(ctx context.Context) (map[string]float64, error) {
	return f.mids, nil
}

type recordingHandler struct {
	events []db.TradeEvent
}

func (r *recordingHandler) Handle(ctx context.Context, ev db.TradeEvent) {
	r.events = append(r.events, ev)
}

func setup(t *testing.T, source PositionSource) (*Syncer, *recordingHandler, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	err = database.UpsertMirrorAccount(context.Background(), db.MirrorAccount{
		SourceID: "s1", SourceWallet: "0x1", MirrorWallet: "0xa", Enabled: true, Leverage: 1,
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}

	handler := &recordingHandler{}
	return New(database, registry.New(database), source, handler, 0), handler, database
}

func TestStartupSyncIsIdempotent(t *testing.T) {
	source := &fakePositions{
		perps: map[string][]venue.Position{
			"0x1": {{Coin: "BTC", Size: -2, EntryPrice: 50000}},
		},
		spots: map[string][]venue.Position{},
	}
	syncer, handler, database := setup(t, source)
	ctx := context.Background()

	if err := syncer.Run(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if len(handler.events) != 1 {
		t.Fatalf("first run replayed %d events, expected 1", len(handler.events))
	}
	ev := handler.events[0]
	if ev.Coin != "BTC" || ev.Side != db.SideShort || ev.Size != 2 || ev.Price != 50000 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Kind != db.EventKindSync {
		t.Fatalf("Kind=%q, expected sync", ev.Kind)
	}

	seen, err := database.HasTradeEvent(ctx, "sync:s1:BTC")
	if err != nil {
		t.Fatalf("has event: %v", err)
	}
	if !seen {
		t.Fatal("expected deterministic sync marker persisted")
	}

	// Second run on the same positions must replay nothing.
	if err := syncer.Run(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(handler.events) != 1 {
		t.Fatalf("second run replayed %d extra events, expected 0", len(handler.events)-1)
	}
}

func TestSyncPricesSpotBalancesFromMids(t *testing.T) {
	source := &fakePositions{
		perps: map[string][]venue.Position{"0x1": nil},
		spots: map[string][]venue.Position{
			"0x1": {{Coin: "PURR", Size: 100}},
		},
		mids: map[string]float64{"PURR": 0.25},
	}
	syncer, handler, _ := setup(t, source)

	if err := syncer.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(handler.events) != 1 {
		t.Fatalf("replayed %d events, expected 1", len(handler.events))
	}
	ev := handler.events[0]
	if ev.Side != db.SideLong || ev.Size != 100 {
		t.Fatalf("unexpected spot event: %+v", ev)
	}
	if ev.Price != 0.25 || ev.Notional != 25 {
		t.Fatalf("Price=%v Notional=%v, expected mid-priced replay", ev.Price, ev.Notional)
	}
}

func TestSyncSkipsSpotBalanceWithoutReferencePrice(t *testing.T) {
	source := &fakePositions{
		perps: map[string][]venue.Position{"0x1": nil},
		spots: map[string][]venue.Position{
			"0x1": {{Coin: "PURR", Size: 100}},
		},
	}
	syncer, handler, database := setup(t, source)
	ctx := context.Background()

	if err := syncer.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(handler.events) != 0 {
		t.Fatalf("replayed %d unpriced events, expected 0", len(handler.events))
	}

	// No marker either, so the replay retries once a price is available.
	seen, err := database.HasTradeEvent(ctx, "sync:s1:PURR")
	if err != nil {
		t.Fatalf("has event: %v", err)
	}
	if seen {
		t.Fatal("unpriced skip must not persist a sync marker")
	}

	source.mids = map[string]float64{"PURR": 0.25}
	if err := syncer.Run(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(handler.events) != 1 {
		t.Fatalf("replayed %d events after price became available, expected 1", len(handler.events))
	}
}

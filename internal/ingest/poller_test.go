package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"mirror-core/internal/events"
	"mirror-core/internal/registry"
	"mirror-core/pkg/db"
	"mirror-core/pkg/venue"
)

type fakeFillSource struct {
	fills map[string][]venue.Fill
	err   error
	calls int
}

func (f *fakeFillSource) UserFills(ctx context.Context, wallet string, start, end int64) ([]venue.Fill, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.fills[wallet], nil
}

func newTestPoller(t *testing.T, source FillSource) (*Poller, *Queue, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	reg := registry.New(database)
	queue := NewQueue(10)
	p := NewPoller(source, database, reg, events.NewBus(), queue, Config{
		SweepInterval: time.Minute,
		Window:        5 * time.Minute,
	})
	return p, queue, database
}

func drainAvailable(q *Queue) []db.TradeEvent {
	var out []db.TradeEvent
	for {
		select {
		case e := <-q.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestSweepIgnoresFillsBeforeFirstSight(t *testing.T) {
	base := time.Now()
	source := &fakeFillSource{fills: map[string][]venue.Fill{
		"0x1": {
			{Coin: "BTC", Side: db.SideLong, Size: 1, Price: 100, Time: base.Add(-time.Minute).UnixMilli(), Hash: "0xold"},
		},
	}}
	p, queue, _ := newTestPoller(t, source)
	ctx := context.Background()

	if err := p.database.UpsertMirrorAccount(ctx, db.MirrorAccount{
		SourceID: "s1", SourceWallet: "0x1", MirrorWallet: "0xa", Enabled: true,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	p.now = func() time.Time { return base }

	p.Sweep(ctx)
	if got := drainAvailable(queue); len(got) != 0 {
		t.Fatalf("published %d events, expected 0 (fill predates first sight)", len(got))
	}
}

func TestSweepPublishesEachFillOnce(t *testing.T) {
	base := time.Now()
	source := &fakeFillSource{fills: map[string][]venue.Fill{"0x1": nil}}
	p, queue, database := newTestPoller(t, source)
	ctx := context.Background()

	if err := database.UpsertMirrorAccount(ctx, db.MirrorAccount{
		SourceID: "s1", SourceWallet: "0x1", MirrorWallet: "0xa", Enabled: true,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	now := base
	p.now = func() time.Time { return now }

	// First sweep initializes the mark.
	p.Sweep(ctx)

	// A fill lands after the mark; the trailing window keeps returning it.
	fill := venue.Fill{Coin: "BTC", Side: db.SideShort, Size: 2, Price: 50, Time: base.Add(10 * time.Second).UnixMilli(), Hash: "0xnew"}
	source.fills["0x1"] = []venue.Fill{fill}

	now = base.Add(time.Minute)
	p.Sweep(ctx)
	got := drainAvailable(queue)
	if len(got) != 1 {
		t.Fatalf("published %d events, expected 1", len(got))
	}
	ev := got[0]
	if ev.Coin != "BTC" || ev.Side != db.SideShort || ev.Notional != 100 || ev.FillHash != "0xnew" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	// Overlapping sweeps must not republish the same fill.
	now = base.Add(2 * time.Minute)
	p.Sweep(ctx)
	now = base.Add(3 * time.Minute)
	p.Sweep(ctx)
	if got := drainAvailable(queue); len(got) != 0 {
		t.Fatalf("republished %d events, expected 0", len(got))
	}

	if mark := p.Mark("s1"); mark != fill.Time {
		t.Fatalf("mark=%d, expected %d", mark, fill.Time)
	}
}

func TestHeartbeatRequiresVenueContact(t *testing.T) {
	source := &fakeFillSource{err: errors.New("venue unreachable")}
	p, _, database := newTestPoller(t, source)
	ctx := context.Background()

	if err := database.InitSystemStatus(ctx, time.Now()); err != nil {
		t.Fatalf("init status: %v", err)
	}
	if err := database.UpsertMirrorAccount(ctx, db.MirrorAccount{
		SourceID: "s1", SourceWallet: "0x1", MirrorWallet: "0xa", Enabled: true,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Every venue call failed; the contact stamp must stay unset.
	p.Sweep(ctx)
	st, err := database.GetSystemStatus(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.LastVenueContact.IsZero() {
		t.Fatalf("last venue contact stamped despite total venue failure: %v", st.LastVenueContact)
	}

	source.err = nil
	p.Sweep(ctx)
	st, err = database.GetSystemStatus(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.LastVenueContact.IsZero() {
		t.Fatal("expected contact stamp after a successful poll")
	}
}

func TestSweepSkipsDisabledAccounts(t *testing.T) {
	source := &fakeFillSource{fills: map[string][]venue.Fill{}}
	p, _, database := newTestPoller(t, source)
	ctx := context.Background()

	if err := database.UpsertMirrorAccount(ctx, db.MirrorAccount{
		SourceID: "s1", SourceWallet: "0x1", MirrorWallet: "0xa", Enabled: false,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	p.Sweep(ctx)
	if source.calls != 0 {
		t.Fatalf("venue polled %d times for disabled account, expected 0", source.calls)
	}
}

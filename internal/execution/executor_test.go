package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"mirror-core/internal/decision"
	"mirror-core/internal/events"
	"mirror-core/internal/registry"
	"mirror-core/pkg/db"
	"mirror-core/pkg/venue"
)

type fakeSubmitter struct {
	calls  int
	result venue.OrderResult
	err    error
}

func (f *fakeSubmitter) SubmitOrder(ctx context.Context, action venue.OrderAction, nonce int64, sig venue.Signature) (venue.OrderResult, error) {
	f.calls++
	return f.result, f.err
}

type fakeSigner struct {
	calls int
	err   error
}

func (f *fakeSigner) Sign(ctx context.Context, keyID string, action venue.OrderAction, nonce int64) (venue.Signature, error) {
	f.calls++
	if f.err != nil {
		return venue.Signature{}, f.err
	}
	return venue.Signature{R: "0x1", S: "0x2", V: 27}, nil
}

func setup(t *testing.T) (*db.Database, *registry.Registry, *decision.ConfigCache) {
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
	err = database.UpsertMirrorAccount(context.Background(), db.MirrorAccount{
		SourceID: "s1", SourceWallet: "0x1", MirrorWallet: "0xa", KeyID: "k1",
		Enabled: true, Leverage: 1,
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return database, reg, decision.NewConfigCache(database, time.Millisecond)
}

func setMode(t *testing.T, database *db.Database, mode string) {
	t.Helper()
	cfg := db.DefaultRiskConfig()
	cfg.Mode = mode
	if err := database.UpdateRiskConfig(context.Background(), cfg); err != nil {
		t.Fatalf("set mode: %v", err)
	}
}

func req() decision.OrderRequest {
	return decision.OrderRequest{
		SourceID: "s1", Coin: "BTC", AssetIndex: 0, Side: db.SideShort,
		Size: 1, Price: 100, Notional: 100, TimeInForce: "Ioc",
		ClientOrderID: "0xcafebabe",
	}
}

func lastTrade(t *testing.T, database *db.Database) db.MirrorTrade {
	t.Helper()
	var (
		tr   db.MirrorTrade
		sim  int
		open int
	)
	err := database.DB.QueryRow(`
		SELECT id, decision_id, source_id, coin, side, size, price, notional,
		       status, COALESCE(venue_order_id, ''), COALESCE(client_order_id, ''),
		       simulated, COALESCE(error, ''), open
		FROM mirror_trades ORDER BY rowid DESC LIMIT 1
	`).Scan(&tr.ID, &tr.DecisionID, &tr.SourceID, &tr.Coin, &tr.Side, &tr.Size, &tr.Price,
		&tr.Notional, &tr.Status, &tr.VenueOrderID, &tr.ClientOrderID, &sim, &tr.Error, &open)
	if err != nil {
		t.Fatalf("load trade: %v", err)
	}
	tr.Simulated = sim == 1
	tr.Open = open == 1
	return tr
}

func TestSimulationModeRecordsSyntheticFill(t *testing.T) {
	database, reg, cache := setup(t)
	setMode(t, database, db.ModeSimulation)
	submitter := &fakeSubmitter{}
	signer := &fakeSigner{}

	x := New(database, reg, cache, events.NewBus(), submitter, signer)
	x.Execute(context.Background(), "d1", req())

	if submitter.calls != 0 || signer.calls != 0 {
		t.Fatalf("venue=%d signer=%d calls, expected none in simulation", submitter.calls, signer.calls)
	}
	tr := lastTrade(t, database)
	if tr.Status != db.StatusFilled || !tr.Simulated || !tr.Open {
		t.Fatalf("trade=%+v, expected open simulated fill", tr)
	}
	if tr.Price != 100 || tr.Notional != 100 {
		t.Fatalf("trade priced %v/%v, expected observed price", tr.Price, tr.Notional)
	}
}

func TestKillSwitchBetweenDecisionAndExecution(t *testing.T) {
	database, reg, cache := setup(t)
	cfg := db.DefaultRiskConfig()
	cfg.Mode = db.ModeLive
	cfg.KillSwitch = true
	if err := database.UpdateRiskConfig(context.Background(), cfg); err != nil {
		t.Fatalf("config: %v", err)
	}
	submitter := &fakeSubmitter{}
	signer := &fakeSigner{}

	x := New(database, reg, cache, events.NewBus(), submitter, signer)
	x.Execute(context.Background(), "d1", req())

	if submitter.calls != 0 || signer.calls != 0 {
		t.Fatal("no venue or signer call may happen once the switch is on")
	}
	tr := lastTrade(t, database)
	if tr.Status != db.StatusRejected || tr.Open {
		t.Fatalf("trade=%+v, expected closed rejection", tr)
	}
}

func TestLiveFillRecordsVenueOrder(t *testing.T) {
	database, reg, cache := setup(t)
	setMode(t, database, db.ModeLive)
	submitter := &fakeSubmitter{result: venue.OrderResult{Status: "filled", VenueOrderID: "42", AvgPrice: 101.5}}
	signer := &fakeSigner{}

	x := New(database, reg, cache, events.NewBus(), submitter, signer)
	x.Execute(context.Background(), "d1", req())

	if signer.calls != 1 || submitter.calls != 1 {
		t.Fatalf("signer=%d venue=%d calls, expected 1 each", signer.calls, submitter.calls)
	}
	tr := lastTrade(t, database)
	if tr.Status != db.StatusFilled || tr.Simulated || !tr.Open {
		t.Fatalf("trade=%+v, expected open live fill", tr)
	}
	if tr.VenueOrderID != "42" {
		t.Fatalf("VenueOrderID=%q, expected 42", tr.VenueOrderID)
	}
	if tr.Price != 101.5 {
		t.Fatalf("Price=%v, expected venue average 101.5", tr.Price)
	}
}

func TestSignFailureRejectsWithoutSubmission(t *testing.T) {
	database, reg, cache := setup(t)
	setMode(t, database, db.ModeLive)
	submitter := &fakeSubmitter{}
	signer := &fakeSigner{err: errors.New("gateway unreachable")}

	x := New(database, reg, cache, events.NewBus(), submitter, signer)
	x.Execute(context.Background(), "d1", req())

	if submitter.calls != 0 {
		t.Fatal("order must not reach the venue when signing fails")
	}
	tr := lastTrade(t, database)
	if tr.Status != db.StatusRejected {
		t.Fatalf("Status=%q, expected rejected", tr.Status)
	}
}

func TestVenueRejectionRecorded(t *testing.T) {
	database, reg, cache := setup(t)
	setMode(t, database, db.ModeLive)
	submitter := &fakeSubmitter{result: venue.OrderResult{Status: "rejected", Error: "insufficient margin"}}
	signer := &fakeSigner{}

	x := New(database, reg, cache, events.NewBus(), submitter, signer)
	x.Execute(context.Background(), "d1", req())

	tr := lastTrade(t, database)
	if tr.Status != db.StatusRejected || tr.Open {
		t.Fatalf("trade=%+v, expected rejection", tr)
	}
	if tr.Error == "" {
		t.Fatal("expected venue error captured on the trade")
	}
}

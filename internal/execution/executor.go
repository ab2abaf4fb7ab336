// Package execution turns execute decisions into mirror trades, either
// against the live venue or as simulated fills.
package execution

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"mirror-core/internal/decision"
	"mirror-core/internal/events"
	"mirror-core/internal/registry"
	"mirror-core/pkg/db"
	"mirror-core/pkg/venue"
)

// OrderSubmitter is the slice of the venue client the executor needs.
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, action venue.OrderAction, nonce int64, sig venue.Signature) (venue.OrderResult, error)
}

// Signer obtains a signature for an order action from the signing gateway.
type Signer interface {
	Sign(ctx context.Context, keyID string, action venue.OrderAction, nonce int64) (venue.Signature, error)
}

// Executor realizes decisions. Every outcome, filled or rejected, becomes a
// mirror trade row; an execution failure is recorded and contained, never
// fatal to the process.
type Executor struct {
	database *db.Database
	reg      *registry.Registry
	cache    *decision.ConfigCache
	bus      *events.Bus
	venue    OrderSubmitter
	signer   Signer

	now func() time.Time
}

// New creates an executor.
func New(database *db.Database, reg *registry.Registry, cache *decision.ConfigCache, bus *events.Bus, submitter OrderSubmitter, signer Signer) *Executor {
	return &Executor{
		database: database,
		reg:      reg,
		cache:    cache,
		bus:      bus,
		venue:    submitter,
		signer:   signer,
		now:      time.Now,
	}
}

// Execute realizes one execute decision as a mirror trade.
func (x *Executor) Execute(ctx context.Context, decisionID string, req decision.OrderRequest) {
	cfg, err := x.cache.Get(ctx)
	if err != nil {
		x.reject(ctx, decisionID, req, "load risk config: "+err.Error())
		return
	}

	// The switch can flip between decision and execution; re-check here.
	if cfg.KillSwitch {
		x.reject(ctx, decisionID, req, "kill switch activated before execution")
		return
	}

	if cfg.Mode == db.ModeSimulation {
		x.simulate(ctx, decisionID, req)
		return
	}
	x.live(ctx, decisionID, req)
}

// simulate records a synthetic fill at the observed price. No venue or
// signing gateway call is made on this path.
func (x *Executor) simulate(ctx context.Context, decisionID string, req decision.OrderRequest) {
	t := x.record(ctx, decisionID, req, db.MirrorTrade{
		Status:    db.StatusFilled,
		Simulated: true,
		Open:      true,
	})
	log.Printf("executor: simulated %s %s %.6f @ %.4f (decision %s)",
		req.Side, req.Coin, req.Size, req.Price, decisionID)
	x.bus.Publish(events.EventOrderFilled, t)
}

func (x *Executor) live(ctx context.Context, decisionID string, req decision.OrderRequest) {
	creds, err := x.reg.Credentials(ctx, req.SourceID)
	if err != nil {
		x.reject(ctx, decisionID, req, "resolve credentials: "+err.Error())
		return
	}

	action := venue.BuildOrderAction(venue.OrderRequest{
		Coin:          req.Coin,
		AssetIndex:    req.AssetIndex,
		IsBuy:         req.Side == db.SideLong,
		Size:          req.Size,
		Price:         req.Price,
		ReduceOnly:    req.ReduceOnly,
		TimeInForce:   req.TimeInForce,
		ClientOrderID: req.ClientOrderID,
	})
	nonce := x.now().UnixMilli()

	sig, err := x.signer.Sign(ctx, creds.KeyID, action, nonce)
	if err != nil {
		x.reject(ctx, decisionID, req, "sign order: "+err.Error())
		return
	}

	x.bus.Publish(events.EventOrderSubmitted, req)
	result, err := x.venue.SubmitOrder(ctx, action, nonce, sig)
	if err != nil {
		// Ambiguous: the order may or may not have landed. The client order
		// id lets the venue deduplicate if this decision is ever retried.
		x.reject(ctx, decisionID, req, "submit order: "+err.Error())
		return
	}
	if result.Status != "filled" {
		x.reject(ctx, decisionID, req, "venue rejected: "+result.Error)
		return
	}

	price := req.Price
	if result.AvgPrice > 0 {
		price = result.AvgPrice
	}
	t := x.record(ctx, decisionID, req, db.MirrorTrade{
		Status:       db.StatusFilled,
		VenueOrderID: result.VenueOrderID,
		Open:         true,
		Price:        price,
	})
	if err := x.database.BumpLastOrderTime(ctx); err != nil {
		log.Printf("executor: bump last order time: %v", err)
	}
	log.Printf("executor: filled %s %s %.6f @ %.4f oid=%s (decision %s)",
		req.Side, req.Coin, req.Size, price, result.VenueOrderID, decisionID)
	x.bus.Publish(events.EventOrderFilled, t)
}

func (x *Executor) reject(ctx context.Context, decisionID string, req decision.OrderRequest, reason string) {
	t := x.record(ctx, decisionID, req, db.MirrorTrade{
		Status: db.StatusRejected,
		Error:  reason,
	})
	log.Printf("executor: rejected %s %s (decision %s): %s", req.Side, req.Coin, decisionID, reason)
	x.bus.Publish(events.EventOrderRejected, t)
}

// record fills the shared fields and persists the trade row.
func (x *Executor) record(ctx context.Context, decisionID string, req decision.OrderRequest, t db.MirrorTrade) db.MirrorTrade {
	t.ID = uuid.NewString()
	t.DecisionID = decisionID
	t.SourceID = req.SourceID
	t.Coin = req.Coin
	t.Side = req.Side
	t.Size = req.Size
	if t.Price == 0 {
		t.Price = req.Price
	}
	t.Notional = t.Size * t.Price
	t.ClientOrderID = req.ClientOrderID

	if err := x.database.InsertMirrorTrade(ctx, t); err != nil {
		log.Printf("executor: persist trade for decision %s: %v", decisionID, err)
	}
	return t
}

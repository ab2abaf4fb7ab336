package venue

import "mirror-core/pkg/db"

// Fill is one normalized fill from the venue's account history.
type Fill struct {
	Coin  string
	Side  string // long/short after normalization
	Size  float64
	Price float64
	Time  int64 // unix ms
	Hash  string
}

// Position is one normalized open position. Perp positions carry signed
// size; spot balances are always positive.
type Position struct {
	Coin       string
	Size       float64 // signed: long positive, short negative
	EntryPrice float64 // zero for spot balances
}

// Signature is the triple returned by the signing gateway.
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V int    `json:"v"`
}

// OrderRequest is the normalized write-API intent.
type OrderRequest struct {
	Coin          string
	AssetIndex    int
	IsBuy         bool
	Size          float64
	Price         float64
	ReduceOnly    bool
	TimeInForce   string // Ioc for market-style orders
	ClientOrderID string
}

// OrderResult is the venue's ack for a submitted order.
type OrderResult struct {
	Status       string // filled | rejected
	VenueOrderID string
	AvgPrice     float64
	Error        string
}

// OrderAction is the exact payload the signing gateway signs and the venue
// verifies; field names and ordering are fixed by the venue protocol.
type OrderAction struct {
	Type     string      `json:"type"`
	Orders   []wireOrder `json:"orders"`
	Grouping string      `json:"grouping"`
}

type wireOrder struct {
	Asset      int       `json:"a"`
	IsBuy      bool      `json:"b"`
	Price      string    `json:"p"`
	Size       string    `json:"s"`
	ReduceOnly bool      `json:"r"`
	OrderType  wireOType `json:"t"`
	Cloid      string    `json:"c,omitempty"`
}

type wireOType struct {
	Limit wireLimit `json:"limit"`
}

type wireLimit struct {
	Tif string `json:"tif"`
}

// BuildOrderAction converts a normalized request into the wire action.
func BuildOrderAction(req OrderRequest) OrderAction {
	tif := req.TimeInForce
	if tif == "" {
		tif = "Ioc"
	}
	return OrderAction{
		Type: "order",
		Orders: []wireOrder{{
			Asset:      req.AssetIndex,
			IsBuy:      req.IsBuy,
			Price:      formatFloat(req.Price),
			Size:       formatFloat(req.Size),
			ReduceOnly: req.ReduceOnly,
			OrderType:  wireOType{Limit: wireLimit{Tif: tif}},
			Cloid:      req.ClientOrderID,
		}},
		Grouping: "na",
	}
}

// SideFromRaw normalizes the venue's side notation into long/short.
// Fill feeds use B (bid/buy) and A (ask/sell); position-change payloads use
// a direction string instead.
func SideFromRaw(side, dir string) string {
	switch side {
	case "B":
		return db.SideLong
	case "A":
		return db.SideShort
	}
	switch dir {
	case "Open Long", "Close Short", "Short > Long":
		return db.SideLong
	case "Open Short", "Close Long", "Long > Short":
		return db.SideShort
	}
	return ""
}

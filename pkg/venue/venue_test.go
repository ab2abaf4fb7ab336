package venue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"mirror-core/pkg/db"
)

func TestSideFromRaw(t *testing.T) {
	tests := []struct {
		side string
		dir  string
		want string
	}{
		{side: "B", want: db.SideLong},
		{side: "A", want: db.SideShort},
		{dir: "Open Long", want: db.SideLong},
		{dir: "Close Short", want: db.SideLong},
		{dir: "Short > Long", want: db.SideLong},
		{dir: "Open Short", want: db.SideShort},
		{dir: "Close Long", want: db.SideShort},
		{dir: "Long > Short", want: db.SideShort},
		{side: "X", dir: "garbage", want: ""},
		{want: ""},
	}
	for _, tt := range tests {
		if got := SideFromRaw(tt.side, tt.dir); got != tt.want {
			t.Fatalf("SideFromRaw(%q, %q)=%q, expected %q", tt.side, tt.dir, got, tt.want)
		}
	}
}

func TestBuildOrderAction(t *testing.T) {
	action := BuildOrderAction(OrderRequest{
		Coin:          "BTC",
		AssetIndex:    3,
		IsBuy:         true,
		Size:          0.25,
		Price:         50000,
		ClientOrderID: "0xdeadbeef",
	})
	if action.Type != "order" || action.Grouping != "na" {
		t.Fatalf("unexpected action envelope: %+v", action)
	}
	if len(action.Orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(action.Orders))
	}
	o := action.Orders[0]
	if o.Asset != 3 || !o.IsBuy || o.Size != "0.25" || o.Price != "50000" {
		t.Fatalf("unexpected order: %+v", o)
	}
	if o.OrderType.Limit.Tif != "Ioc" {
		t.Fatalf("Tif=%q, expected Ioc default", o.OrderType.Limit.Tif)
	}
	if o.Cloid != "0xdeadbeef" {
		t.Fatalf("Cloid=%q", o.Cloid)
	}
}

func TestUserFillsSkipsUnknownEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/info" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["type"] != "userFillsByTime" {
			t.Errorf("unexpected request type %v", req["type"])
		}
		w.Write([]byte(`[
			{"coin":"BTC","px":"50000","sz":"0.5","side":"B","time":1700000000000,"hash":"0x1"},
			{"coin":"ETH","px":"3000","sz":"2","side":"","dir":"weird","time":1700000000001,"hash":"0x2"},
			{"coin":"SOL","px":"100","sz":"10","side":"A","time":1700000000002,"hash":""},
			{"coin":"DOGE","px":"not-a-number","sz":"5","side":"B","time":1700000000003,"hash":"0x4"},
			{"coin":"AVAX","px":"30","sz":"","side":"A","time":1700000000004,"hash":"0x5"}
		]`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, RateRPS: 100, RateBurst: 100})
	fills, err := c.UserFills(context.Background(), "0x1", 0, 1700000001000)
	if err != nil {
		t.Fatalf("UserFills: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("got %d fills, expected 1 (malformed entries skipped)", len(fills))
	}
	f := fills[0]
	if f.Coin != "BTC" || f.Side != db.SideLong || f.Size != 0.5 || f.Price != 50000 || f.Hash != "0x1" {
		t.Fatalf("unexpected fill: %+v", f)
	}
}

func TestPerpPositionsSkipsFlat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"assetPositions":[
			{"position":{"coin":"BTC","szi":"1.5","entryPx":"48000"}},
			{"position":{"coin":"ETH","szi":"0","entryPx":"3000"}},
			{"position":{"coin":"SOL","szi":"-10","entryPx":"95"}}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, RateRPS: 100, RateBurst: 100})
	positions, err := c.PerpPositions(context.Background(), "0x1")
	if err != nil {
		t.Fatalf("PerpPositions: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("got %d positions, expected 2", len(positions))
	}
	if positions[0].Coin != "BTC" || positions[0].Size != 1.5 || positions[0].EntryPrice != 48000 {
		t.Fatalf("unexpected position: %+v", positions[0])
	}
	if positions[1].Coin != "SOL" || positions[1].Size != -10 {
		t.Fatalf("unexpected position: %+v", positions[1])
	}
}

func TestMidsSkipsUnparsablePrices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["type"] != "allMids" {
			t.Errorf("unexpected request type %v", req["type"])
		}
		w.Write([]byte(`{"BTC":"50000.5","PURR":"0.25","BAD":"oops"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, RateRPS: 100, RateBurst: 100})
	mids, err := c.Mids(context.Background())
	if err != nil {
		t.Fatalf("Mids: %v", err)
	}
	if len(mids) != 2 {
		t.Fatalf("got %d mids, expected 2 (unparsable entry dropped)", len(mids))
	}
	if mids["BTC"] != 50000.5 || mids["PURR"] != 0.25 {
		t.Fatalf("unexpected mids: %v", mids)
	}
}

func TestMetaIndexesByPosition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"universe":[{"name":"BTC"},{"name":"ETH"},{"name":"SOL"}]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, RateRPS: 100, RateBurst: 100})
	idx, err := c.Meta(context.Background())
	if err != nil {
		t.Fatalf("Meta: %v", err)
	}
	if idx["BTC"] != 0 || idx["ETH"] != 1 || idx["SOL"] != 2 {
		t.Fatalf("unexpected index map: %v", idx)
	}
}

func TestSubmitOrderParsesStatuses(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus string
		wantOid    string
	}{
		{
			name:       "filled",
			body:       `{"status":"ok","response":{"data":{"statuses":[{"filled":{"oid":77,"avgPx":"50012.5"}}]}}}`,
			wantStatus: "filled",
			wantOid:    "77",
		},
		{
			name:       "resting treated as accepted",
			body:       `{"status":"ok","response":{"data":{"statuses":[{"resting":{"oid":78}}]}}}`,
			wantStatus: "filled",
			wantOid:    "78",
		},
		{
			name:       "venue error",
			body:       `{"status":"ok","response":{"data":{"statuses":[{"error":"insufficient margin"}]}}}`,
			wantStatus: "rejected",
		},
		{
			name:       "top level failure",
			body:       `{"status":"err"}`,
			wantStatus: "rejected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/exchange" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(Config{BaseURL: srv.URL, RateRPS: 100, RateBurst: 100})
			action := BuildOrderAction(OrderRequest{AssetIndex: 0, IsBuy: true, Size: 1, Price: 100})
			res, err := c.SubmitOrder(context.Background(), action, 1700000000000, Signature{R: "0x1", S: "0x2", V: 27})
			if err != nil {
				t.Fatalf("SubmitOrder: %v", err)
			}
			if res.Status != tt.wantStatus {
				t.Fatalf("Status=%q, expected %q", res.Status, tt.wantStatus)
			}
			if tt.wantOid != "" && res.VenueOrderID != tt.wantOid {
				t.Fatalf("VenueOrderID=%q, expected %q", res.VenueOrderID, tt.wantOid)
			}
		})
	}
}

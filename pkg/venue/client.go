package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// Config holds venue connection settings.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	RateRPS   float64
	RateBurst int
}

// Client wraps the venue's info (read) and exchange (write) endpoints. All
// requests are paced through a shared limiter so concurrent loops cannot
// exceed the venue's per-IP budget.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a venue client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateRPS == 0 {
		cfg.RateRPS = 5
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 10
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateRPS), cfg.RateBurst),
	}
}

// UserFills returns fills for a wallet within [start, end] (unix ms),
// normalized and ordered as returned by the venue.
func (c *Client) UserFills(ctx context.Context, wallet string, start, end int64) ([]Fill, error) {
	body, err := c.info(ctx, map[string]any{
		"type":      "userFillsByTime",
		"user":      wallet,
		"startTime": start,
		"endTime":   end,
	})
	if err != nil {
		return nil, err
	}

	var raw []struct {
		Coin string `json:"coin"`
		Px   string `json:"px"`
		Sz   string `json:"sz"`
		Side string `json:"side"`
		Dir  string `json:"dir"`
		Time int64  `json:"time"`
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode fills: %w", err)
	}

	fills := make([]Fill, 0, len(raw))
	for _, r := range raw {
		side := SideFromRaw(r.Side, r.Dir)
		if side == "" || r.Hash == "" {
			// Unknown shape; treat as no data for this entry.
			continue
		}
		size, err := parseFloat(r.Sz)
		if err != nil {
			log.Printf("venue: fill %s sz: %v", r.Hash, err)
			continue
		}
		price, err := parseFloat(r.Px)
		if err != nil {
			log.Printf("venue: fill %s px: %v", r.Hash, err)
			continue
		}
		fills = append(fills, Fill{
			Coin:  r.Coin,
			Side:  side,
			Size:  size,
			Price: price,
			Time:  r.Time,
			Hash:  r.Hash,
		})
	}
	return fills, nil
}

// PerpPositions returns signed perp position sizes per coin for a wallet.
func (c *Client) PerpPositions(ctx context.Context, wallet string) ([]Position, error) {
	body, err := c.info(ctx, map[string]any{
		"type": "clearinghouseState",
		"user": wallet,
	})
	if err != nil {
		return nil, err
	}

	var raw struct {
		AssetPositions []struct {
			Position struct {
				Coin    string `json:"coin"`
				Szi     string `json:"szi"`
				EntryPx string `json:"entryPx"`
			} `json:"position"`
		} `json:"assetPositions"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode perp positions: %w", err)
	}

	var out []Position
	for _, p := range raw.AssetPositions {
		sz, err := parseFloat(p.Position.Szi)
		if err != nil {
			log.Printf("venue: perp position %s szi: %v", p.Position.Coin, err)
			continue
		}
		if sz == 0 {
			continue
		}
		entry, err := parseFloat(p.Position.EntryPx)
		if err != nil {
			// Size is still usable; the caller resolves a reference price.
			log.Printf("venue: perp position %s entryPx: %v", p.Position.Coin, err)
			entry = 0
		}
		out = append(out, Position{Coin: p.Position.Coin, Size: sz, EntryPrice: entry})
	}
	return out, nil
}

// SpotPositions returns spot balances per coin. The spot sub-market reports
// size under "total" rather than "szi" and is always unsigned.
func (c *Client) SpotPositions(ctx context.Context, wallet string) ([]Position, error) {
	body, err := c.info(ctx, map[string]any{
		"type": "spotClearinghouseState",
		"user": wallet,
	})
	if err != nil {
		return nil, err
	}

	var raw struct {
		Balances []struct {
			Coin  string `json:"coin"`
			Total string `json:"total"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode spot positions: %w", err)
	}

	var out []Position
	for _, b := range raw.Balances {
		sz, err := parseFloat(b.Total)
		if err != nil {
			log.Printf("venue: spot balance %s total: %v", b.Coin, err)
			continue
		}
		if sz == 0 {
			continue
		}
		out = append(out, Position{Coin: b.Coin, Size: sz})
	}
	return out, nil
}

// Mids returns the current mid price per coin. Used as the reference price
// for positions the venue reports without an entry price.
func (c *Client) Mids(ctx context.Context) (map[string]float64, error) {
	body, err := c.info(ctx, map[string]any{"type": "allMids"})
	if err != nil {
		return nil, err
	}

	var raw map[string]string
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode mids: %w", err)
	}

	mids := make(map[string]float64, len(raw))
	for coin, px := range raw {
		mid, err := parseFloat(px)
		if err != nil {
			log.Printf("venue: mid %s: %v", coin, err)
			continue
		}
		mids[coin] = mid
	}
	return mids, nil
}

// Meta returns the coin -> asset index mapping. Immutable per session;
// refreshed on process start.
func (c *Client) Meta(ctx context.Context) (map[string]int, error) {
	body, err := c.info(ctx, map[string]any{"type": "meta"})
	if err != nil {
		return nil, err
	}

	var raw struct {
		Universe []struct {
			Name string `json:"name"`
		} `json:"universe"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}

	idx := make(map[string]int, len(raw.Universe))
	for i, u := range raw.Universe {
		idx[u.Name] = i
	}
	return idx, nil
}

// SubmitOrder posts a signed order action to the exchange endpoint. The
// caller provides the signature obtained from the signing gateway for the
// exact action and nonce.
func (c *Client) SubmitOrder(ctx context.Context, action OrderAction, nonce int64, sig Signature) (OrderResult, error) {
	payload := map[string]any{
		"action":    action,
		"nonce":     nonce,
		"signature": sig,
	}
	body, err := c.post(ctx, "/exchange", payload, 0) // no transport retry: cloid makes the caller's retry safe
	if err != nil {
		return OrderResult{}, err
	}

	var resp struct {
		Status   string `json:"status"`
		Response struct {
			Data struct {
				Statuses []struct {
					Filled *struct {
						Oid   int64  `json:"oid"`
						AvgPx string `json:"avgPx"`
					} `json:"filled"`
					Resting *struct {
						Oid int64 `json:"oid"`
					} `json:"resting"`
					Error string `json:"error"`
				} `json:"statuses"`
			} `json:"data"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}
	if resp.Status != "ok" {
		return OrderResult{Status: "rejected", Error: resp.Status}, nil
	}
	if len(resp.Response.Data.Statuses) == 0 {
		return OrderResult{Status: "rejected", Error: "empty status list"}, nil
	}

	st := resp.Response.Data.Statuses[0]
	switch {
	case st.Filled != nil:
		avg, err := parseFloat(st.Filled.AvgPx)
		if err != nil {
			// Zero falls back to the decision price in the executor.
			log.Printf("venue: order %d avgPx: %v", st.Filled.Oid, err)
		}
		return OrderResult{
			Status:       "filled",
			VenueOrderID: strconv.FormatInt(st.Filled.Oid, 10),
			AvgPrice:     avg,
		}, nil
	case st.Resting != nil:
		return OrderResult{
			Status:       "filled", // IOC orders never rest; treat a resting ack as accepted
			VenueOrderID: strconv.FormatInt(st.Resting.Oid, 10),
		}, nil
	default:
		return OrderResult{Status: "rejected", Error: st.Error}, nil
	}
}

// info posts to the read endpoint with bounded retries.
func (c *Client) info(ctx context.Context, payload map[string]any) ([]byte, error) {
	return c.post(ctx, "/info", payload, 2)
}

// post sends one JSON request, pacing through the shared limiter and
// retrying transport failures up to retries times with linear backoff.
func (c *Client) post(ctx context.Context, path string, payload any, retries int) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		res, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, _ := io.ReadAll(res.Body)
		res.Body.Close()
		if res.StatusCode >= 300 {
			lastErr = fmt.Errorf("venue %s status %d: %s", path, res.StatusCode, string(body))
			if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
				continue
			}
			return nil, lastErr
		}
		return body, nil
	}
	return nil, fmt.Errorf("venue %s: %w", path, lastErr)
}

func parseFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse number %q: %w", s, err)
	}
	return f, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Package signer talks to the external signing oracle. No key material ever
// resides in this process; the gateway holds the keys and returns a
// signature triple for an order action + nonce.
package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"mirror-core/pkg/venue"
)

// Config holds gateway connection settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client is a thin HTTP client for the signing gateway.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a signing gateway client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Sign requests a signature for the given order action and nonce on behalf
// of keyID. Gateway unavailability is a recoverable failure; callers reject
// the order rather than crash.
func (c *Client) Sign(ctx context.Context, keyID string, action venue.OrderAction, nonce int64) (venue.Signature, error) {
	payload := struct {
		KeyID  string            `json:"key_id"`
		Action venue.OrderAction `json:"action"`
		Nonce  int64             `json:"nonce"`
	}{KeyID: keyID, Action: action, Nonce: nonce}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return venue.Signature{}, fmt.Errorf("encode sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/sign", bytes.NewReader(encoded))
	if err != nil {
		return venue.Signature{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return venue.Signature{}, fmt.Errorf("signing gateway: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return venue.Signature{}, fmt.Errorf("signing gateway status %d: %s", res.StatusCode, string(b))
	}

	var sig venue.Signature
	if err := json.NewDecoder(res.Body).Decode(&sig); err != nil {
		return venue.Signature{}, fmt.Errorf("decode signature: %w", err)
	}
	if sig.R == "" || sig.S == "" {
		return venue.Signature{}, fmt.Errorf("signing gateway returned empty signature")
	}
	return sig, nil
}

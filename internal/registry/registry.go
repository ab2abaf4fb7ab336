// Package registry maps monitored sources to their paired mirror accounts
// and hands out per-account credential contexts for the execution path.
package registry

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"mirror-core/pkg/db"
)

const (
	minLeverage = 0.1
	maxLeverage = 10.0
)

// PairConfig is one entry of the pairs YAML file.
type PairConfig struct {
	SourceID      string   `yaml:"source_id"`
	SourceWallet  string   `yaml:"source_wallet"`
	Label         string   `yaml:"label"`
	MirrorWallet  string   `yaml:"mirror_wallet"`
	KeyID         string   `yaml:"key_id"`
	Enabled       bool     `yaml:"enabled"`
	Leverage      float64  `yaml:"leverage"`
	AllocationCap *float64 `yaml:"allocation_cap"`
}

type pairsFile struct {
	Pairs []PairConfig `yaml:"pairs"`
}

// CredentialContext identifies the controlled account on the venue and the
// signing key the gateway should use for it. Materialized lazily, never
// persisted across processes.
type CredentialContext struct {
	MirrorWallet string
	KeyID        string
}

// Registry resolves source -> mirror account pairs backed by the DB.
type Registry struct {
	db *db.Database

	mu    sync.RWMutex
	creds map[string]CredentialContext // source_id -> context
}

// New creates a registry over the given database.
func New(database *db.Database) *Registry {
	return &Registry{
		db:    database,
		creds: make(map[string]CredentialContext),
	}
}

// LoadPairs reads the YAML pairs file and upserts each entry, keyed by
// source_id. Idempotent: reloading the same file is a no-op beyond
// timestamps. Disabled pairs are stored, not deleted.
func (r *Registry) LoadPairs(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pairs file: %w", err)
	}

	var file pairsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse pairs file: %w", err)
	}

	for _, p := range file.Pairs {
		if p.SourceID == "" || p.SourceWallet == "" || p.MirrorWallet == "" {
			log.Printf("registry: skipping malformed pair entry %q", p.SourceID)
			continue
		}
		lev := clampLeverage(p.Leverage)
		if lev != p.Leverage && p.Leverage != 0 {
			log.Printf("registry: pair %s leverage %.2f clamped to %.2f", p.SourceID, p.Leverage, lev)
		}
		acct := db.MirrorAccount{
			SourceID:      p.SourceID,
			SourceWallet:  p.SourceWallet,
			Label:         p.Label,
			MirrorWallet:  p.MirrorWallet,
			KeyID:         p.KeyID,
			Enabled:       p.Enabled,
			Leverage:      lev,
			AllocationCap: p.AllocationCap,
		}
		if err := r.db.UpsertMirrorAccount(ctx, acct); err != nil {
			return fmt.Errorf("upsert pair %s: %w", p.SourceID, err)
		}
	}

	log.Printf("registry: loaded %d pairs from %s", len(file.Pairs), path)
	return nil
}

// Lookup returns the pair for a source id, or db.ErrNotFound.
func (r *Registry) Lookup(ctx context.Context, sourceID string) (*db.MirrorAccount, error) {
	return r.db.GetMirrorAccount(ctx, sourceID)
}

// Enabled returns all enabled pairs.
func (r *Registry) Enabled(ctx context.Context) ([]db.MirrorAccount, error) {
	return r.db.ListMirrorAccounts(ctx, true)
}

// All returns every pair, including disabled ones.
func (r *Registry) All(ctx context.Context) ([]db.MirrorAccount, error) {
	return r.db.ListMirrorAccounts(ctx, false)
}

// Credentials lazily materializes the credential context for a mirror
// account. A pair without a key id cannot trade live; that is a
// configuration error contained to the one account.
func (r *Registry) Credentials(ctx context.Context, sourceID string) (CredentialContext, error) {
	r.mu.RLock()
	cc, ok := r.creds[sourceID]
	r.mu.RUnlock()
	if ok {
		return cc, nil
	}

	acct, err := r.Lookup(ctx, sourceID)
	if err != nil {
		return CredentialContext{}, err
	}
	if acct.KeyID == "" {
		return CredentialContext{}, fmt.Errorf("mirror account %s has no signing key configured", sourceID)
	}

	cc = CredentialContext{MirrorWallet: acct.MirrorWallet, KeyID: acct.KeyID}
	r.mu.Lock()
	r.creds[sourceID] = cc
	r.mu.Unlock()
	return cc, nil
}

func clampLeverage(lev float64) float64 {
	if lev == 0 {
		return 1.0
	}
	if lev < minLeverage {
		return minLeverage
	}
	if lev > maxLeverage {
		return maxLeverage
	}
	return lev
}

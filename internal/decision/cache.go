package decision

import (
	"context"
	"sync"
	"time"

	"mirror-core/pkg/db"
)

// ConfigCache serves the risk configuration with a bounded-staleness TTL so
// the engine does not hit the store on every event. External mutations call
// Invalidate for immediate visibility; without it, changes (including the
// kill switch) are picked up within one TTL.
type ConfigCache struct {
	database *db.Database
	ttl      time.Duration

	mu        sync.Mutex
	cfg       db.RiskConfig
	fetchedAt time.Time
}

// NewConfigCache creates a cache with the given TTL.
func NewConfigCache(database *db.Database, ttl time.Duration) *ConfigCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &ConfigCache{database: database, ttl: ttl}
}

// Get returns the cached config, re-reading from the store when stale.
func (c *ConfigCache) Get(ctx context.Context) (db.RiskConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.fetchedAt.IsZero() && time.Since(c.fetchedAt) < c.ttl {
		return c.cfg, nil
	}

	cfg, err := c.database.GetRiskConfig(ctx)
	if err != nil {
		// Serve the stale copy over failing the decision when we have one.
		if !c.fetchedAt.IsZero() {
			return c.cfg, nil
		}
		return db.RiskConfig{}, err
	}
	c.cfg = cfg
	c.fetchedAt = time.Now()
	return cfg, nil
}

// Invalidate drops the cached copy; the next Get re-reads.
func (c *ConfigCache) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Moyucharm/model-check/pkg/models"
	"github.com/Moyucharm/model-check/pkg/repository"
)

// configTTL is how long a fetched scheduler configuration is reused before
// workers re-read it from the store.
const configTTL = 5 * time.Second

// Overrides are process-environment values applied on top of the stored
// scheduler configuration. Zero fields are unset. They are resolved once
// at worker startup.
type Overrides struct {
	ChannelConcurrency   int
	MaxGlobalConcurrency int
	MinJitterMs          int
	MaxJitterMs          int
}

// configCache memoizes the scheduler configuration with a short TTL so the
// hot worker path does not hit the store per job. Invalidate forces the
// next read through.
type configCache struct {
	repo      repository.Repository
	overrides Overrides

	mu        sync.Mutex
	cached    *models.SchedulerConfig
	fetchedAt time.Time
}

func newConfigCache(repo repository.Repository, overrides Overrides) *configCache {
	return &configCache{repo: repo, overrides: overrides}
}

// Get returns the effective configuration, refreshing after the TTL.
// Store failures fall back to the last good value, then to defaults.
func (c *configCache) Get(ctx context.Context) *models.SchedulerConfig {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && time.Since(c.fetchedAt) < configTTL {
		return c.cached
	}

	cfg, err := c.repo.LoadSchedulerConfig(ctx)
	if err != nil {
		slog.Warn("Failed to load scheduler config, using last known", "error", err)
		if c.cached != nil {
			return c.cached
		}
		cfg = models.DefaultSchedulerConfig()
	}

	c.applyOverrides(cfg)
	c.cached = cfg
	c.fetchedAt = time.Now()
	return cfg
}

// Invalidate drops the memoized value.
func (c *configCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = nil
}

func (c *configCache) applyOverrides(cfg *models.SchedulerConfig) {
	if c.overrides.ChannelConcurrency > 0 {
		cfg.ChannelConcurrency = c.overrides.ChannelConcurrency
	}
	if c.overrides.MaxGlobalConcurrency > 0 {
		cfg.MaxGlobalConcurrency = c.overrides.MaxGlobalConcurrency
	}
	if c.overrides.MinJitterMs > 0 {
		cfg.MinJitterMs = c.overrides.MinJitterMs
	}
	if c.overrides.MaxJitterMs > 0 {
		cfg.MaxJitterMs = c.overrides.MaxJitterMs
	}
}

// Package trending maintains a pre-computed snapshot of the most active
// items so the dashboard's hottest request never touches the stat tables.
//
// A collector recomputes the snapshot on a fixed cadence and caches the
// serialized result in Redis with a short TTL. Readers take the cached copy
// and fall back to a fresh computation on a miss. This is a fast-path
// convenience; the stat tables remain the source of truth.
package trending

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/Mohcka/bptf-analyzer/internal/model"
)

const (
	// snapshotKey is the Redis key holding the serialized snapshot.
	snapshotKey = "trending:snapshot"

	// defaultTTL matches the read API's cache window.
	defaultTTL = 5 * time.Minute

	// defaultInterval is the recompute cadence.
	defaultInterval = 15 * time.Minute

	// defaultItemCount is how many items the snapshot ranks.
	defaultItemCount = 9

	// defaultHoursWindow is the activity window the snapshot covers.
	defaultHoursWindow = 6
)

// Store is the ranked read the snapshot is computed from.
type Store interface {
	TopItemsByActivity(ctx context.Context, count, hoursWindow int) ([]model.ItemActivity, error)
}

// Cache is the subset of the Redis client the collector uses.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Snapshot is the cached trending payload.
type Snapshot struct {
	Items       []model.ItemActivity `json:"items"`
	GeneratedAt time.Time            `json:"generatedAt"`
}

// Config defines settings for the collector.
type Config struct {
	Interval    time.Duration
	TTL         time.Duration
	ItemCount   int
	HoursWindow int
}

// Collector periodically recomputes and caches the trending snapshot.
type Collector struct {
	store Store
	cache Cache
	cfg   Config
}

// New returns a collector with defaults applied.
func New(store Store, cache Cache, cfg Config) *Collector {
	if cfg.Interval == 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.TTL == 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.ItemCount == 0 {
		cfg.ItemCount = defaultItemCount
	}
	if cfg.HoursWindow == 0 {
		cfg.HoursWindow = defaultHoursWindow
	}
	return &Collector{store: store, cache: cache, cfg: cfg}
}

// Collect computes a fresh snapshot and caches it.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	items, err := c.store.TopItemsByActivity(ctx, c.cfg.ItemCount, c.cfg.HoursWindow)
	if err != nil {
		return nil, fmt.Errorf("compute trending snapshot: %w", err)
	}

	snap := &Snapshot{Items: items, GeneratedAt: time.Now().UTC()}

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal trending snapshot: %w", err)
	}

	if err := c.cache.Set(ctx, snapshotKey, data, c.cfg.TTL).Err(); err != nil {
		// The snapshot is still usable; caching it is best effort.
		log.Warn().Str("component", "trending").Err(err).Msg("failed to cache snapshot")
	}

	return snap, nil
}

// Latest returns the cached snapshot, computing a fresh one on a miss.
func (c *Collector) Latest(ctx context.Context) (*Snapshot, error) {
	data, err := c.cache.Get(ctx, snapshotKey).Bytes()
	if err == nil {
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err == nil {
			return &snap, nil
		}
		log.Warn().Str("component", "trending").Msg("cached snapshot is corrupt, recomputing")
	} else if err != redis.Nil {
		log.Warn().Str("component", "trending").Err(err).Msg("snapshot cache read failed")
	}

	return c.Collect(ctx)
}

// Run collects once immediately, then on every interval tick until ctx is
// cancelled.
func (c *Collector) Run(ctx context.Context) {
	logger := log.With().Str("component", "trending").Logger()

	if _, err := c.Collect(ctx); err != nil {
		logger.Error().Err(err).Msg("initial trending collection failed")
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Collect(ctx); err != nil {
				logger.Error().Err(err).Msg("scheduled trending collection failed")
			}
		}
	}
}

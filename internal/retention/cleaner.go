// Package retention deletes stat rows that have aged out of their windows.
//
// Hourly rollups are short-lived working state (default 8 hours); daily
// rollups are kept for a week. Sweeps run on independent timers, overlap
// safely with live ingestion, and never crash the process on failure.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultHourlyRetention = 8 * time.Hour
	defaultDailyRetention  = 7 * 24 * time.Hour

	// hourlySweepInterval is how often the hourly-stats sweep runs.
	hourlySweepInterval = 4 * time.Hour

	// dailySweepInterval is how often the daily-stats sweep runs.
	dailySweepInterval = 24 * time.Hour
)

// Store is the persistence surface the cleaner needs.
type Store interface {
	DeleteHourlyStatsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteDailyStatsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config defines retention windows.
type Config struct {
	HourlyRetention time.Duration
	DailyRetention  time.Duration
}

// Cleaner runs the periodic retention sweeps.
type Cleaner struct {
	store Store
	cfg   Config
}

// New returns a cleaner with defaults applied.
func New(store Store, cfg Config) *Cleaner {
	if cfg.HourlyRetention == 0 {
		cfg.HourlyRetention = defaultHourlyRetention
	}
	if cfg.DailyRetention == 0 {
		cfg.DailyRetention = defaultDailyRetention
	}
	return &Cleaner{store: store, cfg: cfg}
}

// Run sweeps once immediately, then keeps sweeping on each table's own
// cadence until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context) {
	c.sweepHourly(ctx)
	c.sweepDaily(ctx)

	hourlyTicker := time.NewTicker(hourlySweepInterval)
	defer hourlyTicker.Stop()
	dailyTicker := time.NewTicker(dailySweepInterval)
	defer dailyTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-hourlyTicker.C:
			c.sweepHourly(ctx)
		case <-dailyTicker.C:
			c.sweepDaily(ctx)
		}
	}
}

func (c *Cleaner) sweepHourly(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-c.cfg.HourlyRetention)

	deleted, err := c.store.DeleteHourlyStatsBefore(ctx, cutoff)
	if err != nil {
		log.Error().Str("component", "retention").Err(err).Msg("hourly stats sweep failed")
		return
	}

	log.Info().
		Str("component", "retention").
		Int64("deleted", deleted).
		Time("cutoff", cutoff).
		Msg("swept hourly stats")
}

func (c *Cleaner) sweepDaily(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-c.cfg.DailyRetention)

	deleted, err := c.store.DeleteDailyStatsBefore(ctx, cutoff)
	if err != nil {
		log.Error().Str("component", "retention").Err(err).Msg("daily stats sweep failed")
		return
	}

	log.Info().
		Str("component", "retention").
		Int64("deleted", deleted).
		Time("cutoff", cutoff).
		Msg("swept daily stats")
}

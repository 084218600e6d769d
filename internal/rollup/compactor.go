// Package rollup promotes finished hourly stat rows into daily rollups.
//
// The compactor runs shortly after midnight UTC for the previous day, and
// once eagerly at process start to catch up after downtime. Day-level
// aggregates use the same count-weighted merge as live ingestion, one level
// up, so hourly and daily math can never drift apart.
package rollup

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Mohcka/bptf-analyzer/internal/model"
	"github.com/Mohcka/bptf-analyzer/internal/stats"
	"github.com/Mohcka/bptf-analyzer/internal/utils"
)

// defaultRunAt is the daily run time: 00:15 UTC, a short buffer after
// midnight so the last hour of the previous day is finished.
var defaultRunAt = 15 * time.Minute

// Store is the persistence surface the compactor needs.
type Store interface {
	HourlyStatsForDay(ctx context.Context, dayStart time.Time) ([]model.HourlyStat, error)
	UpsertDailyStats(ctx context.Context, rows []model.DailyStat) error
}

// Compactor schedules and executes daily rollups.
type Compactor struct {
	store Store

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// New returns a compactor over the given store.
func New(store Store) *Compactor {
	return &Compactor{store: store, now: time.Now}
}

// CompactDay rolls up one calendar day (UTC) of hourly rows into daily rows
// and returns the number of items written. A day with no hourly rows is a
// no-op reporting zero, not an error.
func (c *Compactor) CompactDay(ctx context.Context, day time.Time) (int, error) {
	dayStart := utils.TruncateToDay(day)

	logger := log.With().
		Str("component", "rollup").
		Time("day", dayStart).
		Logger()

	hours, err := c.store.HourlyStatsForDay(ctx, dayStart)
	if err != nil {
		return 0, err
	}

	if len(hours) == 0 {
		logger.Info().Msg("no hourly stats for day, skipping daily rollup")
		return 0, nil
	}

	daily := stats.CompactDay(hours, dayStart)
	if err := c.store.UpsertDailyStats(ctx, daily); err != nil {
		return 0, err
	}

	logger.Info().
		Int("hourlyRows", len(hours)).
		Int("items", len(daily)).
		Msg("daily rollup complete")

	return len(daily), nil
}

// Run executes the catch-up rollup for yesterday, then compacts the previous
// day every day shortly after midnight UTC until ctx is cancelled.
func (c *Compactor) Run(ctx context.Context) {
	logger := log.With().Str("component", "rollup").Logger()

	// Catch-up pass for yesterday in case the process was down at 00:15.
	yesterday := c.now().UTC().AddDate(0, 0, -1)
	if _, err := c.CompactDay(ctx, yesterday); err != nil {
		logger.Error().Err(err).Msg("catch-up daily rollup failed")
	}

	for {
		wait := time.Until(c.nextRun())

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		previous := c.now().UTC().AddDate(0, 0, -1)
		if _, err := c.CompactDay(ctx, previous); err != nil {
			logger.Error().Err(err).Msg("scheduled daily rollup failed")
		}
	}
}

// nextRun returns the next 00:15 UTC strictly after now.
func (c *Compactor) nextRun() time.Time {
	now := c.now().UTC()
	next := utils.TruncateToDay(now).Add(defaultRunAt)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

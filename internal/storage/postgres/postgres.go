// Package postgres implements the persistence gateway on PostgreSQL.
//
// One ingestion batch is applied in a single transaction: catalog upserts
// first, then hourly stat merges. The stat merge happens in the ON CONFLICT
// clause against the live row, never against a read taken earlier, so
// concurrent writers to the same item-hour key cannot lose updates. The whole
// unit is bounded by a timeout and retried with exponential backoff before
// the failure is handed back to the ingestion loop.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/Mohcka/bptf-analyzer/internal/model"
)

const (
	// defaultTxTimeout bounds one batch transaction.
	defaultTxTimeout = 30 * time.Second

	// maxRetries is the number of additional attempts after the first failure.
	maxRetries = 3
)

// backoffBase is the first retry delay; subsequent delays double. A variable
// so tests can shrink the schedule.
var backoffBase = 1 * time.Second

// ErrRetriesExhausted wraps the last failure after all attempts are spent.
var ErrRetriesExhausted = errors.New("batch transaction retries exhausted")

// Config holds PostgreSQL connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (c Config) connectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Gateway is the PostgreSQL-backed persistence gateway.
type Gateway struct {
	db        *sql.DB
	txTimeout time.Duration
}

// New opens a connection pool and verifies the database is reachable. An
// unreachable database here is a fatal startup condition for the caller.
func New(cfg Config) (*Gateway, error) {
	db, err := sql.Open("postgres", cfg.connectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Gateway{db: db, txTimeout: defaultTxTimeout}, nil
}

// InitSchema creates the three tables and their supporting indexes if they
// do not exist yet.
func (g *Gateway) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS bptf_items (
			item_name TEXT PRIMARY KEY,
			item_quality_name TEXT,
			image_url TEXT NOT NULL,
			item_quality_color TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS bptf_item_hourly_stats (
			id SERIAL PRIMARY KEY,
			item_name TEXT NOT NULL REFERENCES bptf_items(item_name) ON DELETE CASCADE,
			hour_timestamp TIMESTAMPTZ NOT NULL,
			update_count INTEGER NOT NULL DEFAULT 0,
			delete_count INTEGER NOT NULL DEFAULT 0,
			avg_price_value NUMERIC,
			avg_price_usd NUMERIC,
			avg_keys_amount NUMERIC,
			avg_metal_amount NUMERIC,
			CONSTRAINT unique_item_hour UNIQUE (item_name, hour_timestamp)
		)`,
		`CREATE TABLE IF NOT EXISTS bptf_item_daily_stats (
			id SERIAL PRIMARY KEY,
			item_name TEXT NOT NULL,
			day_timestamp TIMESTAMPTZ NOT NULL,
			update_count INTEGER NOT NULL DEFAULT 0,
			delete_count INTEGER NOT NULL DEFAULT 0,
			avg_price_value NUMERIC,
			avg_price_usd NUMERIC,
			avg_keys_amount NUMERIC,
			avg_metal_amount NUMERIC,
			CONSTRAINT unique_item_day UNIQUE (item_name, day_timestamp)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hourly_stats_hour ON bptf_item_hourly_stats (hour_timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_hourly_stats_item_hour ON bptf_item_hourly_stats (item_name, hour_timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_daily_stats_day ON bptf_item_daily_stats (day_timestamp)`,
	}

	for _, stmt := range statements {
		if _, err := g.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema bootstrap failed: %w", err)
		}
	}

	return nil
}

// upsertItemQuery overwrites quality, image and color unconditionally on
// conflict. Last write wins: these attributes are near-constant per item.
const upsertItemQuery = `
	INSERT INTO bptf_items (item_name, item_quality_name, image_url, item_quality_color, updated_at)
	VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''), now())
	ON CONFLICT (item_name) DO UPDATE SET
		item_quality_name = EXCLUDED.item_quality_name,
		image_url = EXCLUDED.image_url,
		item_quality_color = EXCLUDED.item_quality_color,
		updated_at = EXCLUDED.updated_at`

// mergeHourlyStatQuery applies the count-weighted merge in the conflict path
// against the live row. A null side never zeroes out the other: if either the
// stored or the incoming average is null, the non-null one survives as-is.
const mergeHourlyStatQuery = `
	INSERT INTO bptf_item_hourly_stats
		(item_name, hour_timestamp, update_count, delete_count,
		 avg_price_value, avg_price_usd, avg_keys_amount, avg_metal_amount)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (item_name, hour_timestamp) DO UPDATE SET
		update_count = bptf_item_hourly_stats.update_count + EXCLUDED.update_count,
		delete_count = bptf_item_hourly_stats.delete_count + EXCLUDED.delete_count,
		avg_price_value = CASE
			WHEN bptf_item_hourly_stats.avg_price_value IS NULL THEN EXCLUDED.avg_price_value
			WHEN EXCLUDED.avg_price_value IS NULL THEN bptf_item_hourly_stats.avg_price_value
			ELSE (bptf_item_hourly_stats.avg_price_value * bptf_item_hourly_stats.update_count
				+ EXCLUDED.avg_price_value * EXCLUDED.update_count)
				/ NULLIF(bptf_item_hourly_stats.update_count + EXCLUDED.update_count, 0)
		END,
		avg_price_usd = CASE
			WHEN bptf_item_hourly_stats.avg_price_usd IS NULL THEN EXCLUDED.avg_price_usd
			WHEN EXCLUDED.avg_price_usd IS NULL THEN bptf_item_hourly_stats.avg_price_usd
			ELSE (bptf_item_hourly_stats.avg_price_usd * bptf_item_hourly_stats.update_count
				+ EXCLUDED.avg_price_usd * EXCLUDED.update_count)
				/ NULLIF(bptf_item_hourly_stats.update_count + EXCLUDED.update_count, 0)
		END,
		avg_keys_amount = CASE
			WHEN bptf_item_hourly_stats.avg_keys_amount IS NULL THEN EXCLUDED.avg_keys_amount
			WHEN EXCLUDED.avg_keys_amount IS NULL THEN bptf_item_hourly_stats.avg_keys_amount
			ELSE (bptf_item_hourly_stats.avg_keys_amount * bptf_item_hourly_stats.update_count
				+ EXCLUDED.avg_keys_amount * EXCLUDED.update_count)
				/ NULLIF(bptf_item_hourly_stats.update_count + EXCLUDED.update_count, 0)
		END,
		avg_metal_amount = CASE
			WHEN bptf_item_hourly_stats.avg_metal_amount IS NULL THEN EXCLUDED.avg_metal_amount
			WHEN EXCLUDED.avg_metal_amount IS NULL THEN bptf_item_hourly_stats.avg_metal_amount
			ELSE (bptf_item_hourly_stats.avg_metal_amount * bptf_item_hourly_stats.update_count
				+ EXCLUDED.avg_metal_amount * EXCLUDED.update_count)
				/ NULLIF(bptf_item_hourly_stats.update_count + EXCLUDED.update_count, 0)
		END`

// ApplyBatch persists one batch's catalog upserts and stat merges in a single
// transaction, retrying with exponential backoff on failure.
//
// After exhausting retries the error is returned to the caller; the ingestion
// loop logs it and drops the batch without tearing down the connection.
func (g *Gateway) ApplyBatch(ctx context.Context, items []model.ItemCatalogEntry, statRows []model.HourlyStat) error {
	if len(items) == 0 && len(statRows) == 0 {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			log.Warn().
				Str("component", "postgres").
				Err(lastErr).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("retrying batch transaction")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = g.applyBatchOnce(ctx, items, statRows)
		if lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}

// backoffDelay returns the delay before the given retry attempt (1-based):
// 1s, 2s, 4s, ...
func backoffDelay(attempt int) time.Duration {
	return backoffBase << (attempt - 1)
}

func (g *Gateway) applyBatchOnce(ctx context.Context, items []model.ItemCatalogEntry, statRows []model.HourlyStat) error {
	ctx, cancel := context.WithTimeout(ctx, g.txTimeout)
	defer cancel()

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	itemStmt, err := tx.PrepareContext(ctx, upsertItemQuery)
	if err != nil {
		return fmt.Errorf("prepare item upsert: %w", err)
	}
	defer itemStmt.Close()

	for _, item := range items {
		if _, err := itemStmt.ExecContext(ctx,
			item.ItemName, item.QualityName, item.ImageURL, item.Color); err != nil {
			return fmt.Errorf("upsert item %q: %w", item.ItemName, err)
		}
	}

	statStmt, err := tx.PrepareContext(ctx, mergeHourlyStatQuery)
	if err != nil {
		return fmt.Errorf("prepare stat merge: %w", err)
	}
	defer statStmt.Close()

	for _, row := range statRows {
		if _, err := statStmt.ExecContext(ctx,
			row.ItemName, row.HourTimestamp,
			row.UpdateCount, row.DeleteCount,
			row.AvgPriceValue, row.AvgPriceUSD,
			row.AvgKeysAmount, row.AvgMetalAmount); err != nil {
			return fmt.Errorf("merge stats for %q: %w", row.ItemName, err)
		}
	}

	return tx.Commit()
}

// UpsertDailyStats writes the compactor's daily rollups. On conflict the row
// is overwritten with the recomputed day aggregate rather than merged, since
// a compaction run always recomputes the whole day.
func (g *Gateway) UpsertDailyStats(ctx context.Context, rows []model.DailyStat) error {
	if len(rows) == 0 {
		return nil
	}

	const query = `
		INSERT INTO bptf_item_daily_stats
			(item_name, day_timestamp, update_count, delete_count,
			 avg_price_value, avg_price_usd, avg_keys_amount, avg_metal_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (item_name, day_timestamp) DO UPDATE SET
			update_count = EXCLUDED.update_count,
			delete_count = EXCLUDED.delete_count,
			avg_price_value = EXCLUDED.avg_price_value,
			avg_price_usd = EXCLUDED.avg_price_usd,
			avg_keys_amount = EXCLUDED.avg_keys_amount,
			avg_metal_amount = EXCLUDED.avg_metal_amount`

	ctx, cancel := context.WithTimeout(ctx, g.txTimeout)
	defer cancel()

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare daily upsert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx,
			row.ItemName, row.DayTimestamp,
			row.UpdateCount, row.DeleteCount,
			row.AvgPriceValue, row.AvgPriceUSD,
			row.AvgKeysAmount, row.AvgMetalAmount); err != nil {
			return fmt.Errorf("upsert daily stats for %q: %w", row.ItemName, err)
		}
	}

	return tx.Commit()
}

// HourlyStatsForDay reads every hourly row whose hour falls within the given
// calendar day [dayStart, dayStart+24h).
func (g *Gateway) HourlyStatsForDay(ctx context.Context, dayStart time.Time) ([]model.HourlyStat, error) {
	const query = `
		SELECT item_name, hour_timestamp, update_count, delete_count,
		       avg_price_value, avg_price_usd, avg_keys_amount, avg_metal_amount
		FROM bptf_item_hourly_stats
		WHERE hour_timestamp >= $1 AND hour_timestamp < $2
		ORDER BY item_name, hour_timestamp`

	rows, err := g.db.QueryContext(ctx, query, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []model.HourlyStat
	for rows.Next() {
		var s model.HourlyStat
		if err := rows.Scan(&s.ItemName, &s.HourTimestamp,
			&s.UpdateCount, &s.DeleteCount,
			&s.AvgPriceValue, &s.AvgPriceUSD,
			&s.AvgKeysAmount, &s.AvgMetalAmount); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}

	return stats, rows.Err()
}

// TopItemsByActivity returns the top count items by total update count within
// the last hoursWindow hours, each with its per-hour stat series.
func (g *Gateway) TopItemsByActivity(ctx context.Context, count, hoursWindow int) ([]model.ItemActivity, error) {
	since := time.Now().UTC().Add(-time.Duration(hoursWindow) * time.Hour)

	const rankQuery = `
		SELECT s.item_name,
		       SUM(s.update_count) AS total_activity,
		       COALESCE(i.item_quality_name, ''),
		       i.image_url,
		       COALESCE(i.item_quality_color, '')
		FROM bptf_item_hourly_stats s
		JOIN bptf_items i ON i.item_name = s.item_name
		WHERE s.hour_timestamp >= $1
		GROUP BY s.item_name, i.item_quality_name, i.image_url, i.item_quality_color
		ORDER BY total_activity DESC
		LIMIT $2`

	return g.queryActivity(ctx, rankQuery, []any{since, count}, since, time.Time{})
}

// ItemsWithFilters applies the optional price and quality predicates before
// ranking, and excludes the still-accumulating most recent hour bucket.
func (g *Gateway) ItemsWithFilters(ctx context.Context, filter model.ItemFilter) ([]model.ItemActivity, error) {
	hours := filter.HoursWindow
	if hours <= 0 {
		hours = 24
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}

	now := time.Now().UTC()
	since := now.Add(-time.Duration(hours) * time.Hour).Truncate(time.Hour)
	until := now.Add(-time.Hour).Truncate(time.Hour)

	query := `
		SELECT s.item_name,
		       SUM(s.update_count) AS total_activity,
		       COALESCE(i.item_quality_name, ''),
		       i.image_url,
		       COALESCE(i.item_quality_color, '')
		FROM bptf_item_hourly_stats s
		JOIN bptf_items i ON i.item_name = s.item_name
		WHERE s.hour_timestamp >= $1 AND s.hour_timestamp <= $2`
	args := []any{since, until}

	if filter.MinPrice != nil {
		args = append(args, *filter.MinPrice)
		query += fmt.Sprintf(" AND s.avg_price_value > $%d", len(args))
	}
	if filter.MaxPrice != nil {
		args = append(args, *filter.MaxPrice)
		query += fmt.Sprintf(" AND s.avg_price_value < $%d", len(args))
	}
	if filter.QualityName != "" {
		args = append(args, filter.QualityName)
		query += fmt.Sprintf(" AND i.item_quality_name = $%d", len(args))
	}

	query += `
		GROUP BY s.item_name, i.item_quality_name, i.image_url, i.item_quality_color
		ORDER BY total_activity DESC`
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	return g.queryActivity(ctx, query, args, since, until)
}

// queryActivity executes a ranking query and attaches each matched item's
// hourly series within [since, until] (until is ignored when zero).
func (g *Gateway) queryActivity(ctx context.Context, rankQuery string, rankArgs []any, since, until time.Time) ([]model.ItemActivity, error) {
	rows, err := g.db.QueryContext(ctx, rankQuery, rankArgs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.ItemActivity
	var names []string
	for rows.Next() {
		var a model.ItemActivity
		if err := rows.Scan(&a.ItemDetails.Name, &a.ItemDetails.TotalActivity,
			&a.ItemDetails.Quality, &a.ItemDetails.Image, &a.ItemDetails.Color); err != nil {
			return nil, err
		}
		result = append(result, a)
		names = append(names, a.ItemDetails.Name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return []model.ItemActivity{}, nil
	}

	seriesQuery := `
		SELECT item_name, hour_timestamp, update_count, delete_count,
		       avg_price_value, avg_price_usd, avg_keys_amount, avg_metal_amount
		FROM bptf_item_hourly_stats
		WHERE item_name = ANY($1) AND hour_timestamp >= $2`
	seriesArgs := []any{pq.Array(names), since}
	if !until.IsZero() {
		seriesArgs = append(seriesArgs, until)
		seriesQuery += fmt.Sprintf(" AND hour_timestamp <= $%d", len(seriesArgs))
	}
	seriesQuery += " ORDER BY item_name, hour_timestamp"

	seriesRows, err := g.db.QueryContext(ctx, seriesQuery, seriesArgs...)
	if err != nil {
		return nil, err
	}
	defer seriesRows.Close()

	series := make(map[string][]model.HourlyPoint, len(names))
	for seriesRows.Next() {
		var name string
		var p model.HourlyPoint
		if err := seriesRows.Scan(&name, &p.Timestamp,
			&p.Updates, &p.Deletes,
			&p.AvgPrice, &p.AvgUSDPrice, &p.AvgKeys, &p.AvgMetal); err != nil {
			return nil, err
		}
		series[name] = append(series[name], p)
	}
	if err := seriesRows.Err(); err != nil {
		return nil, err
	}

	for i := range result {
		points := series[result[i].ItemDetails.Name]
		if points == nil {
			points = []model.HourlyPoint{}
		}
		result[i].HourlyData = points
	}

	return result, nil
}

// DeleteHourlyStatsBefore removes hourly rows older than cutoff and reports
// how many were deleted.
func (g *Gateway) DeleteHourlyStatsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := g.db.ExecContext(ctx,
		`DELETE FROM bptf_item_hourly_stats WHERE hour_timestamp < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteDailyStatsBefore removes daily rows older than cutoff and reports how
// many were deleted.
func (g *Gateway) DeleteDailyStatsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := g.db.ExecContext(ctx,
		`DELETE FROM bptf_item_daily_stats WHERE day_timestamp < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the connection pool.
func (g *Gateway) Close() error {
	return g.db.Close()
}

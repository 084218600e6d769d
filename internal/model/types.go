// Package model defines core data types for the listing analyzer.
//
// This package contains the fundamental data structures used throughout the
// system for representing listing events, item metadata, and aggregated
// statistics. All monetary values use decimal.Decimal (via decimal.NullDecimal
// for optional fields) to avoid floating-point precision issues, and nullable
// averages stay null until an observation actually contributes to them.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind identifies the two listing event kinds the pipeline cares about.
type EventKind int

const (
	// ListingUpdate represents a "listing-update" event (item listed or bumped).
	ListingUpdate EventKind = iota

	// ListingDelete represents a "listing-delete" event (item delisted).
	ListingDelete
)

// String returns the wire name of the event kind.
func (k EventKind) String() string {
	if k == ListingDelete {
		return "listing-delete"
	}
	return "listing-update"
}

// RawEvent represents one normalized listing event from the push stream.
//
// RawEvents are transient: they exist only in memory for the lifetime of a
// single batch and are never persisted as-is. The HourBucket is assigned at
// normalization time from the wall clock, floored to the hour, so events are
// bucketed by observation time rather than by the listing's own timestamps.
//
// The four currency observations are independently optional. An absent or
// malformed value is carried as an invalid NullDecimal and simply does not
// contribute to that field's average.
type RawEvent struct {
	Kind        EventKind           // Event kind (update or delete)
	ListingID   string              // Listing identifier from the stream
	ItemName    string              // Item display name (aggregation key)
	QualityName string              // Quality name (e.g. "Unusual"), may be empty
	ImageURL    string              // Item image URL
	Color       string              // Quality display color, may be empty
	HourBucket  time.Time           // Ingestion hour, truncated to the hour (UTC)
	PriceValue  decimal.NullDecimal // Computed raw value in the site's currency
	PriceUSD    decimal.NullDecimal // Community price in USD
	KeysAmount  decimal.NullDecimal // Asking price, key component
	MetalAmount decimal.NullDecimal // Asking price, refined metal component
}

// ItemCatalogEntry is one row of the item catalog, keyed by item name.
//
// Quality, image and color follow a last-write-wins policy: every batch that
// references the item overwrites them with the most recent observation. These
// attributes are near-constant per item, so no conflict resolution is needed.
type ItemCatalogEntry struct {
	ItemName    string
	QualityName string
	ImageURL    string
	Color       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HourlyStat is one aggregated row per (item name, hour) pair.
//
// The four averages are count-weighted running means over all observations
// merged into the row so far, using UpdateCount as the weight. An average is
// null until the first batch carrying that field touches the row, and is never
// driven back to null by a later batch without observations for the field.
type HourlyStat struct {
	ItemName       string
	HourTimestamp  time.Time
	UpdateCount    int64
	DeleteCount    int64
	AvgPriceValue  decimal.NullDecimal
	AvgPriceUSD    decimal.NullDecimal
	AvgKeysAmount  decimal.NullDecimal
	AvgMetalAmount decimal.NullDecimal
}

// DailyStat is one aggregated row per (item name, day) pair, produced only by
// the rollup compactor from a full day's hourly rows.
type DailyStat struct {
	ItemName       string
	DayTimestamp   time.Time
	UpdateCount    int64
	DeleteCount    int64
	AvgPriceValue  decimal.NullDecimal
	AvgPriceUSD    decimal.NullDecimal
	AvgKeysAmount  decimal.NullDecimal
	AvgMetalAmount decimal.NullDecimal
}

// ItemDetails carries the catalog attributes of an item on the read side.
type ItemDetails struct {
	Name          string `json:"name"`
	Quality       string `json:"quality,omitempty"`
	Image         string `json:"image"`
	Color         string `json:"color,omitempty"`
	TotalActivity int64  `json:"totalActivity"`
}

// HourlyPoint is one chartable data point of an item's hourly series.
type HourlyPoint struct {
	Timestamp   time.Time           `json:"timestamp"`
	Updates     int64               `json:"updates"`
	Deletes     int64               `json:"deletes"`
	AvgPrice    decimal.NullDecimal `json:"avgPrice"`
	AvgUSDPrice decimal.NullDecimal `json:"avgUsdPrice"`
	AvgKeys     decimal.NullDecimal `json:"avgKeys"`
	AvgMetal    decimal.NullDecimal `json:"avgMetal"`
}

// ItemActivity is the read-side shape served to the dashboard: one item with
// its per-hour stat series, ordered by hour ascending.
type ItemActivity struct {
	ItemDetails ItemDetails   `json:"itemDetails"`
	HourlyData  []HourlyPoint `json:"hourlyData"`
}

// ItemFilter holds the optional predicates of the filtered read query. Nil
// pointer fields mean "no constraint".
type ItemFilter struct {
	MinPrice    *float64
	MaxPrice    *float64
	QualityName string
	HoursWindow int
	Limit       int
}

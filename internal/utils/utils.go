// Package utils provides small shared helpers for time bucketing and
// query-parameter bounds used across the aggregation and read paths.
package utils

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// TruncateToHour floors t to the start of its hour in UTC. All hourly stat
// rows are keyed by timestamps produced here so that bucketing is consistent
// between the ingestion path and the read path.
func TruncateToHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// TruncateToDay floors t to midnight UTC of its calendar day. Daily rollup
// rows are keyed by timestamps produced here.
func TruncateToDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Error definitions for bounds validation
var (
	ErrNotANumber = errors.New("value is not a number")
	ErrOutOfRange = errors.New("value out of range")
)

// ParseBoundedInt parses s as an integer and validates it against [min, max].
// An empty string yields the provided default. Used by the read-side handlers
// to validate chart parameters like item counts and hour windows.
func ParseBoundedInt(s string, def, min, max int) (int, error) {
	if s == "" {
		return def, nil
	}

	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNotANumber, s)
	}

	if v < min || v > max {
		return 0, fmt.Errorf("%w: %d must be between %d and %d", ErrOutOfRange, v, min, max)
	}

	return v, nil
}

// ParseOptionalFloat parses s as a float pointer, returning nil for an empty
// string. Used for the optional price-range filters.
func ParseOptionalFloat(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrNotANumber, s)
	}

	return &v, nil
}

package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_TruncateToHour(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)

	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			name: "mid-hour",
			in:   time.Date(2024, 6, 1, 14, 37, 12, 500, time.UTC),
			want: time.Date(2024, 6, 1, 14, 0, 0, 0, time.UTC),
		},
		{
			name: "already on the hour",
			in:   time.Date(2024, 6, 1, 14, 0, 0, 0, time.UTC),
			want: time.Date(2024, 6, 1, 14, 0, 0, 0, time.UTC),
		},
		{
			name: "non-UTC input normalized",
			in:   time.Date(2024, 6, 1, 9, 30, 0, 0, est),
			want: time.Date(2024, 6, 1, 14, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateToHour(tt.in)
			assert.True(t, got.Equal(tt.want), "got %s, want %s", got, tt.want)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func Test_TruncateToDay(t *testing.T) {
	got := TruncateToDay(time.Date(2024, 6, 1, 23, 59, 59, 0, time.UTC))
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), got)

	// 01:30 Tokyo time on June 2 is still June 1 in UTC.
	tokyo := time.FixedZone("JST", 9*3600)
	got = TruncateToDay(time.Date(2024, 6, 2, 1, 30, 0, 0, tokyo))
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), got)
}

func Test_ParseBoundedInt(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    int
		wantErr error
	}{
		{name: "empty uses default", in: "", want: 10},
		{name: "valid", in: "25", want: 25},
		{name: "lower bound", in: "1", want: 1},
		{name: "upper bound", in: "50", want: 50},
		{name: "below range", in: "0", wantErr: ErrOutOfRange},
		{name: "above range", in: "51", wantErr: ErrOutOfRange},
		{name: "not a number", in: "abc", wantErr: ErrNotANumber},
		{name: "float rejected", in: "1.5", wantErr: ErrNotANumber},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseBoundedInt(tt.in, 10, 1, 50)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func Test_ParseOptionalFloat(t *testing.T) {
	got, err := ParseOptionalFloat("")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = ParseOptionalFloat("1.5")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1.5, *got)

	_, err = ParseOptionalFloat("cheap")
	assert.ErrorIs(t, err, ErrNotANumber)
}

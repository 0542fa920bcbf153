package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketStart4h(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       time.Time
		expected time.Time
	}{
		{
			"midnight stays at midnight",
			time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		},
		{
			"03:59:59 floors to 00:00",
			time.Date(2024, 3, 10, 3, 59, 59, 0, time.UTC),
			time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		},
		{
			"exact boundary is its own bucket",
			time.Date(2024, 3, 10, 4, 0, 0, 0, time.UTC),
			time.Date(2024, 3, 10, 4, 0, 0, 0, time.UTC),
		},
		{
			"13:30 floors to 12:00",
			time.Date(2024, 3, 10, 13, 30, 0, 0, time.UTC),
			time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
		},
		{
			"23:59:59 floors to 20:00, never crosses the day",
			time.Date(2024, 3, 10, 23, 59, 59, 0, time.UTC),
			time.Date(2024, 3, 10, 20, 0, 0, 0, time.UTC),
		},
		{
			"non-UTC input converts before flooring",
			time.Date(2024, 3, 10, 1, 0, 0, 0, time.FixedZone("UTC+3", 3*3600)), // 22:00 UTC previous day
			time.Date(2024, 3, 9, 20, 0, 0, 0, time.UTC),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := BucketStart(Interval4h, tc.in)
			require.True(t, ok)
			assert.True(t, tc.expected.Equal(got), "expected %s, got %s", tc.expected, got)
		})
	}
}

func TestBucketStart4hGridIsDayAligned(t *testing.T) {
	t.Parallel()

	// Every timestamp of a day must land on one of the six day-anchored
	// boundaries, regardless of minute or second.
	day := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	for hour := 0; hour < 24; hour++ {
		in := day.Add(time.Duration(hour)*time.Hour + 37*time.Minute + 11*time.Second)
		got, ok := BucketStart(Interval4h, in)
		require.True(t, ok)
		assert.Equal(t, day.Add(time.Duration(hour/4*4)*time.Hour), got, "hour %d", hour)
	}
}

func TestBucketStartOtherIntervals(t *testing.T) {
	t.Parallel()

	in := time.Date(2024, 3, 10, 13, 37, 42, 0, time.UTC)

	tests := []struct {
		iv       Interval
		expected time.Time
	}{
		{Interval1m, time.Date(2024, 3, 10, 13, 37, 0, 0, time.UTC)},
		{Interval5m, time.Date(2024, 3, 10, 13, 35, 0, 0, time.UTC)},
		{Interval15m, time.Date(2024, 3, 10, 13, 30, 0, 0, time.UTC)},
		{Interval1h, time.Date(2024, 3, 10, 13, 0, 0, 0, time.UTC)},
		{Interval1d, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)},
	}

	for _, tc := range tests {
		t.Run(string(tc.iv), func(t *testing.T) {
			got, ok := BucketStart(tc.iv, in)
			require.True(t, ok)
			assert.True(t, tc.expected.Equal(got), "expected %s, got %s", tc.expected, got)
		})
	}
}

func TestBucketStartRejectsUnknownInterval(t *testing.T) {
	t.Parallel()

	_, ok := BucketStart(Interval("7h"), time.Now())
	assert.False(t, ok)
	assert.False(t, ValidInterval("7h"))
	assert.True(t, ValidInterval(Interval4h))
}

func TestBucketWidth(t *testing.T) {
	t.Parallel()

	w, ok := BucketWidth(Interval4h)
	require.True(t, ok)
	assert.Equal(t, 4*time.Hour, w)

	_, ok = BucketWidth(Interval("2w"))
	assert.False(t, ok)
}

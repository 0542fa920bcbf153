package model

import "time"

// Interval names a candle bucket width. Only values in the fixed allow-list
// below may ever reach SQL; the incremental sync path writes Interval4h and
// the remaining widths belong to the batch backfill.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

var allowedIntervals = map[Interval]struct{}{
	Interval1m:  {},
	Interval5m:  {},
	Interval15m: {},
	Interval1h:  {},
	Interval4h:  {},
	Interval1d:  {},
}

// ValidInterval reports whether iv is in the allow-list.
func ValidInterval(iv Interval) bool {
	_, ok := allowedIntervals[iv]
	return ok
}

// BucketStart returns the bucket boundary containing t for the given
// interval, in UTC. The 4h rule matches the exchange clock convention:
// truncate to the day, then floor the hour to the 4-hour grid. Returns
// false for intervals outside the allow-list.
func BucketStart(iv Interval, t time.Time) (time.Time, bool) {
	u := t.UTC()
	day := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	switch iv {
	case Interval1m:
		return u.Truncate(time.Minute), true
	case Interval5m:
		return u.Truncate(5 * time.Minute), true
	case Interval15m:
		return u.Truncate(15 * time.Minute), true
	case Interval1h:
		return u.Truncate(time.Hour), true
	case Interval4h:
		return day.Add(time.Duration(u.Hour()/4*4) * time.Hour), true
	case Interval1d:
		return day, true
	default:
		return time.Time{}, false
	}
}

// BucketWidth returns the duration of one bucket for the interval.
func BucketWidth(iv Interval) (time.Duration, bool) {
	switch iv {
	case Interval1m:
		return time.Minute, true
	case Interval5m:
		return 5 * time.Minute, true
	case Interval15m:
		return 15 * time.Minute, true
	case Interval1h:
		return time.Hour, true
	case Interval4h:
		return 4 * time.Hour, true
	case Interval1d:
		return 24 * time.Hour, true
	default:
		return 0, false
	}
}

// Candle is one row of token_chart_agg. USD legs stay nil when no ETH/USD
// rate is known for the chain.
type Candle struct {
	TokenID     int64     `db:"token_id"`
	ChainID     int64     `db:"chain_id"`
	Interval    Interval  `db:"interval_type"`
	BucketStart time.Time `db:"bucket_start"`
	OpenEth     float64   `db:"open_eth"`
	HighEth     float64   `db:"high_eth"`
	LowEth      float64   `db:"low_eth"`
	CloseEth    float64   `db:"close_eth"`
	OpenUSD     *float64  `db:"open_usd"`
	HighUSD     *float64  `db:"high_usd"`
	LowUSD      *float64  `db:"low_usd"`
	CloseUSD    *float64  `db:"close_usd"`
	VolumeEth   float64   `db:"volume_eth"`
	VolumeUSD   *float64  `db:"volume_usd"`
	TradeCount  int64     `db:"trade_count"`
}

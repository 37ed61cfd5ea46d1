package baseline

import (
	"context"
	"fmt"
	"time"
)

// #region metrics
// Metric names understood by the baseline tables.
const (
	MetricHR     = "hr"
	MetricStress = "stress"
)

// Stat labels stored per day. StatAvg is a legacy alias for StatMean.
const (
	StatMean   = "mean"
	StatAvg    = "avg"
	StatStdDev = "stddev"
)

// Reasons attached to a resolved Stats value.
const (
	ReasonExact    = "exact_bucket"
	ReasonNeighbor = "neighbor_bucket"
)

// #endregion metrics

// #region buckets
// BucketCount is the number of 4-hour slots in a day.
const BucketCount = 6

// BucketHours is the width of one bucket.
const BucketHours = 24 / BucketCount

// BucketForHour maps an hour of day (0-23) to its bucket index.
func BucketForHour(hour int) int {
	if hour < 0 {
		return 0
	}
	if hour > 23 {
		return BucketCount - 1
	}
	return hour / BucketHours
}

// BucketLabel returns the column label of a bucket, e.g. 2 -> "v_8_12".
func BucketLabel(idx int) string {
	return fmt.Sprintf("v_%d_%d", idx*BucketHours, (idx+1)*BucketHours)
}

// BucketLabels lists all bucket labels in index order.
func BucketLabels() []string {
	labels := make([]string, BucketCount)
	for i := range labels {
		labels[i] = BucketLabel(i)
	}
	return labels
}

// #endregion buckets

// #region stats
// Stats is a resolved (mean, stddev) pair for one user/metric/bucket.
// StdDev is always > 0; anything else is reported as absent.
type Stats struct {
	Mean         float64
	StdDev       float64
	SourceDate   time.Time
	SourceBucket int
	Reason       string
}

// #endregion stats

// #region day
// Day holds one date's per-bucket values for a user/metric. Missing map keys are NULLs.
type Day struct {
	Date    time.Time
	Means   map[int]float64
	Avgs    map[int]float64
	StdDevs map[int]float64
}

// NewDay returns an empty Day for date.
func NewDay(date time.Time) Day {
	return Day{
		Date:    date,
		Means:   map[int]float64{},
		Avgs:    map[int]float64{},
		StdDevs: map[int]float64{},
	}
}

// Set stores value under stat/bucket. Unknown stats are ignored.
func (d Day) Set(stat string, bucket int, value float64) {
	switch stat {
	case StatMean:
		d.Means[bucket] = value
	case StatAvg:
		d.Avgs[bucket] = value
	case StatStdDev:
		d.StdDevs[bucket] = value
	}
}

// Empty reports whether the day carries no values at all.
func (d Day) Empty() bool {
	return len(d.Means) == 0 && len(d.Avgs) == 0 && len(d.StdDevs) == 0
}

// #endregion day

// #region source
// Source is the storage collaborator behind the Provider.
type Source interface {
	// RecentDates returns dates in [since, until] that have any row for user/metric,
	// most recent first.
	RecentDates(ctx context.Context, userRef, metric string, since, until time.Time) ([]time.Time, error)
	// DayStats returns every stored value for user/metric on date.
	DayStats(ctx context.Context, userRef, metric string, date time.Time) (Day, error)
}

// #endregion source

// #region config
// ProviderConfig holds lookup and cache parameters.
type ProviderConfig struct {
	LookbackDays        int           // dates older than this are never consulted
	MaxNeighborDistance int           // widest ±distance searched around the requested bucket
	AcceptAvgAlias      bool          // treat legacy "avg" rows as "mean"
	CacheTTL            time.Duration // lifetime of a resolved entry; 0 disables the hit cache
	NegativeCacheTTL    time.Duration // lifetime of an absence marker; 0 disables the absence cache
	CacheSize           int           // max entries per cache
	LookupTimeout       time.Duration // bound on one shared source lookup
}

// DefaultProviderConfig returns sensible defaults.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		LookbackDays:        30,
		MaxNeighborDistance: 3,
		AcceptAvgAlias:      true,
		CacheTTL:            30 * time.Second,
		NegativeCacheTTL:    30 * time.Second,
		CacheSize:           8192,
		LookupTimeout:       5 * time.Second,
	}
}

// #endregion config

// dateOnly truncates t to midnight UTC of its calendar date.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

package baseline

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// #region builder-types
// Sample is one raw telemetry reading used to build daily baselines.
type Sample struct {
	UserRef string    `json:"user_ref"`
	Metric  string    `json:"metric"`
	At      time.Time `json:"ts"`
	Value   float64   `json:"value"`
}

// BuilderConfig controls how raw samples are bucketed.
type BuilderConfig struct {
	Location   *time.Location // time zone used to derive the stat date and bucket
	MinSamples int            // buckets with fewer samples are not written
}

// DefaultBuilderConfig returns sensible defaults.
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		Location:   time.UTC,
		MinSamples: 3,
	}
}

// #endregion builder-types

// #region build
type groupKey struct {
	user   string
	metric string
	date   time.Time
}

// Build aggregates samples into mean and stddev rows, one pair per user/metric/date.
// The stddev is the sample standard deviation of each bucket.
func Build(samples []Sample, config BuilderConfig) []Row {
	loc := config.Location
	if loc == nil {
		loc = time.UTC
	}

	values := map[groupKey]map[int][]float64{}
	for _, s := range samples {
		local := s.At.In(loc)
		y, m, d := local.Date()
		k := groupKey{user: s.UserRef, metric: s.Metric, date: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
		if values[k] == nil {
			values[k] = map[int][]float64{}
		}
		b := BucketForHour(local.Hour())
		values[k][b] = append(values[k][b], s.Value)
	}

	keys := make([]groupKey, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].user != keys[j].user {
			return keys[i].user < keys[j].user
		}
		if keys[i].metric != keys[j].metric {
			return keys[i].metric < keys[j].metric
		}
		return keys[i].date.Before(keys[j].date)
	})

	var rows []Row
	for _, k := range keys {
		means := map[int]float64{}
		sds := map[int]float64{}
		for b, xs := range values[k] {
			if len(xs) < config.MinSamples || len(xs) < 2 {
				continue
			}
			mean, sd := stat.MeanStdDev(xs, nil)
			means[b] = mean
			sds[b] = sd
		}
		if len(means) == 0 {
			continue
		}
		rows = append(rows,
			Row{UserRef: k.user, Metric: k.metric, Date: k.date, Stat: StatMean, Values: means},
			Row{UserRef: k.user, Metric: k.metric, Date: k.date, Stat: StatStdDev, Values: sds},
		)
	}
	return rows
}

// #endregion build

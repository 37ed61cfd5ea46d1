package baseline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// #region influx-config
// InfluxConfig locates the daily bucket statistics in InfluxDB. Each point is stamped at
// midnight UTC of its stat date, tagged user_ref/metric/stat, with one field per bucket label.
type InfluxConfig struct {
	URL         string `mapstructure:"url" validate:"omitempty,url"`
	Token       string `mapstructure:"token"`
	Org         string `mapstructure:"org"`
	Bucket      string `mapstructure:"bucket"`
	Measurement string `mapstructure:"measurement"`
}

// DefaultInfluxConfig returns the measurement name written by the baseline builder.
func DefaultInfluxConfig() InfluxConfig {
	return InfluxConfig{
		URL:         "http://localhost:8086",
		Measurement: "daily_bucket_stats",
	}
}

// ErrUnsafeIdentifier is returned when an org, bucket or measurement name falls outside
// the plain identifier set. User refs and metrics are escaped instead.
var ErrUnsafeIdentifier = errors.New("identifier contains characters not allowed in flux queries")

var fluxSafe = regexp.MustCompile(`^[A-Za-z0-9_.:@-]+$`)

var fluxEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "${", `\${`)

// fluxString quotes v as a Flux string literal.
func fluxString(v string) string {
	return `"` + fluxEscaper.Replace(v) + `"`
}

// #endregion influx-config

// #region influx-source
// InfluxSource reads baselines from InfluxDB through the Flux query API.
type InfluxSource struct {
	client influxdb2.Client
	query  api.QueryAPI
	config InfluxConfig
}

// NewInfluxSource connects to InfluxDB. The connection is lazy; the first query reports
// reachability problems.
func NewInfluxSource(config InfluxConfig) (*InfluxSource, error) {
	for _, v := range []string{config.Org, config.Bucket, config.Measurement} {
		if !fluxSafe.MatchString(v) {
			return nil, fmt.Errorf("influx config %q: %w", v, ErrUnsafeIdentifier)
		}
	}
	client := influxdb2.NewClient(config.URL, config.Token)
	return &InfluxSource{
		client: client,
		query:  client.QueryAPI(config.Org),
		config: config,
	}, nil
}

// Close releases the HTTP client.
func (s *InfluxSource) Close() {
	s.client.Close()
}

// #endregion influx-source

// #region flux
// recentDatesQuery selects the timestamps of every point for user/metric in [since, until].
func recentDatesQuery(cfg InfluxConfig, userRef, metric string, since, until time.Time) string {
	return fmt.Sprintf(`
		from(bucket: "%s")
		  |> range(start: %s, stop: %s)
		  |> filter(fn: (r) => r._measurement == "%s")
		  |> filter(fn: (r) => r.user_ref == %s and r.metric == %s)
		  |> keep(columns: ["_time"])
		  |> group()
		  |> sort(columns: ["_time"], desc: true)
	`, cfg.Bucket,
		dateOnly(since).Format(time.RFC3339), dateOnly(until).AddDate(0, 0, 1).Format(time.RFC3339),
		cfg.Measurement, fluxString(userRef), fluxString(metric))
}

// dayStatsQuery selects every bucket field stored for user/metric on date.
func dayStatsQuery(cfg InfluxConfig, userRef, metric string, date time.Time) string {
	d := dateOnly(date)
	return fmt.Sprintf(`
		from(bucket: "%s")
		  |> range(start: %s, stop: %s)
		  |> filter(fn: (r) => r._measurement == "%s")
		  |> filter(fn: (r) => r.user_ref == %s and r.metric == %s)
	`, cfg.Bucket, d.Format(time.RFC3339), d.AddDate(0, 0, 1).Format(time.RFC3339),
		cfg.Measurement, fluxString(userRef), fluxString(metric))
}

// #endregion flux

// #region source-impl
// RecentDates implements Source.
func (s *InfluxSource) RecentDates(ctx context.Context, userRef, metric string, since, until time.Time) ([]time.Time, error) {
	result, err := s.query.Query(ctx, recentDatesQuery(s.config, userRef, metric, since, until))
	if err != nil {
		return nil, fmt.Errorf("influx recent dates: %w", err)
	}
	defer result.Close()

	seen := map[time.Time]bool{}
	var dates []time.Time
	for result.Next() {
		d := dateOnly(result.Record().Time())
		if !seen[d] {
			seen[d] = true
			dates = append(dates, d)
		}
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("influx recent dates: %w", result.Err())
	}
	return dates, nil
}

// DayStats implements Source.
func (s *InfluxSource) DayStats(ctx context.Context, userRef, metric string, date time.Time) (Day, error) {
	result, err := s.query.Query(ctx, dayStatsQuery(s.config, userRef, metric, date))
	if err != nil {
		return Day{}, fmt.Errorf("influx day stats: %w", err)
	}
	defer result.Close()

	day := NewDay(dateOnly(date))
	for result.Next() {
		rec := result.Record()
		stat, _ := rec.ValueByKey("stat").(string)
		bucket := bucketIndex(rec.Field())
		v, ok := rec.Value().(float64)
		if bucket < 0 || !ok {
			continue
		}
		day.Set(stat, bucket, v)
	}
	if result.Err() != nil {
		return Day{}, fmt.Errorf("influx day stats: %w", result.Err())
	}
	return day, nil
}

// #endregion source-impl

// #region write
// Upsert writes rows as points. InfluxDB replaces fields sharing a series and timestamp,
// so buckets a row does not carry keep their stored value.
func (s *InfluxSource) Upsert(ctx context.Context, rows ...Row) error {
	points, err := rowPoints(s.config.Measurement, rows)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}
	if err := s.client.WriteAPIBlocking(s.config.Org, s.config.Bucket).WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

// rowPoints converts rows to points stamped at midnight UTC of their stat date.
func rowPoints(measurement string, rows []Row) ([]*write.Point, error) {
	points := make([]*write.Point, 0, len(rows))
	for _, r := range rows {
		if r.Stat != StatMean && r.Stat != StatAvg && r.Stat != StatStdDev {
			return nil, fmt.Errorf("influx write: unknown stat %q", r.Stat)
		}
		fields := make(map[string]interface{}, len(r.Values))
		for b, v := range r.Values {
			if b < 0 || b >= BucketCount {
				return nil, fmt.Errorf("influx write: bucket %d out of range", b)
			}
			fields[BucketLabel(b)] = v
		}
		if len(fields) == 0 {
			continue
		}
		tags := map[string]string{"user_ref": r.UserRef, "metric": r.Metric, "stat": r.Stat}
		points = append(points, influxdb2.NewPoint(measurement, tags, fields, dateOnly(r.Date)))
	}
	return points, nil
}

// #endregion write

// bucketIndex maps a bucket label back to its index, -1 if unknown.
func bucketIndex(label string) int {
	for i := 0; i < BucketCount; i++ {
		if BucketLabel(i) == label {
			return i
		}
	}
	return -1
}

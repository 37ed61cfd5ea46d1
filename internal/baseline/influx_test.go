package baseline

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecentDatesQuery(t *testing.T) {
	cfg := DefaultInfluxConfig()
	cfg.Bucket = "wellness"

	q := recentDatesQuery(cfg, "user-42", MetricHR, today.AddDate(0, 0, -30), today)

	assert.Contains(t, q, `from(bucket: "wellness")`)
	assert.Contains(t, q, `range(start: 2026-04-20T00:00:00Z, stop: 2026-05-21T00:00:00Z)`)
	assert.Contains(t, q, `r._measurement == "daily_bucket_stats"`)
	assert.Contains(t, q, `r.user_ref == "user-42" and r.metric == "hr"`)
	assert.Contains(t, q, `sort(columns: ["_time"], desc: true)`)
}

func TestDayStatsQuery(t *testing.T) {
	cfg := DefaultInfluxConfig()
	cfg.Bucket = "wellness"

	q := dayStatsQuery(cfg, "u1", MetricStress, today)
	assert.Contains(t, q, `range(start: 2026-05-20T00:00:00Z, stop: 2026-05-21T00:00:00Z)`)
	assert.Contains(t, q, `r.metric == "stress"`)
}

func TestFluxString(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"user-42", `"user-42"`},
		{"a+b c", `"a+b c"`},
		{`u1" or true or "`, `"u1\" or true or \""`},
		{`back\slash`, `"back\\slash"`},
		{"${x}", `"\${x}"`},
		{"$5", `"$5"`},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, fluxString(tc.in), tc.in)
	}
}

func TestFluxQueriesEscapeUserRefs(t *testing.T) {
	cfg := DefaultInfluxConfig()
	cfg.Bucket = "wellness"

	q := recentDatesQuery(cfg, "a+b c", MetricHR, today, today)
	assert.Contains(t, q, `r.user_ref == "a+b c" and r.metric == "hr"`)

	q = recentDatesQuery(cfg, `u1" or true or "`, MetricHR, today, today)
	assert.Contains(t, q, `r.user_ref == "u1\" or true or \"" and`)

	q = dayStatsQuery(cfg, "u1", "hr) |> drop(", today)
	assert.Contains(t, q, `r.metric == "hr) |> drop(")`)
	assert.Equal(t, 2, strings.Count(q, "|> filter"))
}

func TestNewInfluxSourceValidatesConfig(t *testing.T) {
	cfg := DefaultInfluxConfig()
	cfg.Org = "org"
	cfg.Bucket = `bad"bucket`
	_, err := NewInfluxSource(cfg)
	assert.True(t, errors.Is(err, ErrUnsafeIdentifier))

	cfg.Bucket = "wellness"
	src, err := NewInfluxSource(cfg)
	require.NoError(t, err)
	src.Close()
}

func TestBucketIndex(t *testing.T) {
	for i, l := range BucketLabels() {
		assert.Equal(t, i, bucketIndex(l))
	}
	assert.Equal(t, -1, bucketIndex("v_1_2"))
	assert.False(t, strings.Contains(BucketLabel(0), " "))
}

func TestRowPoints(t *testing.T) {
	rows := []Row{
		{UserRef: "u1", Metric: MetricHR, Date: today.Add(13 * time.Hour), Stat: StatMean, Values: map[int]float64{2: 80}},
		{UserRef: "u1", Metric: MetricHR, Date: today, Stat: StatStdDev, Values: map[int]float64{}},
	}
	points, err := rowPoints("daily_bucket_stats", rows)
	require.NoError(t, err)
	require.Len(t, points, 1, "rows without values are skipped")

	line := write.PointToLineProtocol(points[0], time.Second)
	assert.True(t, strings.HasPrefix(line, "daily_bucket_stats,"))
	assert.Contains(t, line, "stat=mean")
	assert.Contains(t, line, "user_ref=u1")
	assert.Contains(t, line, "v_8_12=80")
	assert.Contains(t, line, "1779235200", "stamped at midnight UTC")

	_, err = rowPoints("m", []Row{{Stat: "median", Values: map[int]float64{0: 1}}})
	assert.Error(t, err)
	_, err = rowPoints("m", []Row{{Stat: StatMean, Values: map[int]float64{9: 1}}})
	assert.Error(t, err)
}

package baseline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/storage"
)

func tempSource(t *testing.T) *SQLiteSource {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	src := NewSQLiteSource(db.SQL())
	require.NoError(t, src.Migrate(context.Background()))
	return src
}

func TestSQLiteSource_UpsertAndRead(t *testing.T) {
	src := tempSource(t)
	ctx := context.Background()

	require.NoError(t, src.Upsert(ctx,
		Row{UserRef: "u1", Metric: MetricHR, Date: today, Stat: StatMean, Values: map[int]float64{1: 65, 2: 72}},
		Row{UserRef: "u1", Metric: MetricHR, Date: today, Stat: StatStdDev, Values: map[int]float64{1: 6, 2: 8}},
		Row{UserRef: "u1", Metric: MetricHR, Date: today.AddDate(0, 0, -2), Stat: StatAvg, Values: map[int]float64{0: 60}},
	))

	dates, err := src.RecentDates(ctx, "u1", MetricHR, today.AddDate(0, 0, -30), today)
	require.NoError(t, err)
	require.Len(t, dates, 2)
	assert.True(t, dates[0].Equal(today))
	assert.True(t, dates[1].Equal(today.AddDate(0, 0, -2)))

	day, err := src.DayStats(ctx, "u1", MetricHR, today)
	require.NoError(t, err)
	assert.Equal(t, map[int]float64{1: 65, 2: 72}, day.Means)
	assert.Equal(t, map[int]float64{1: 6, 2: 8}, day.StdDevs)
	assert.Empty(t, day.Avgs)

	older, err := src.DayStats(ctx, "u1", MetricHR, today.AddDate(0, 0, -2))
	require.NoError(t, err)
	assert.Equal(t, map[int]float64{0: 60}, older.Avgs)
}

func TestSQLiteSource_UpsertKeepsUntouchedBuckets(t *testing.T) {
	src := tempSource(t)
	ctx := context.Background()

	require.NoError(t, src.Upsert(ctx, Row{UserRef: "u1", Metric: MetricHR, Date: today, Stat: StatMean, Values: map[int]float64{1: 65}}))
	require.NoError(t, src.Upsert(ctx, Row{UserRef: "u1", Metric: MetricHR, Date: today, Stat: StatMean, Values: map[int]float64{2: 70}}))

	day, err := src.DayStats(ctx, "u1", MetricHR, today)
	require.NoError(t, err)
	assert.Equal(t, map[int]float64{1: 65, 2: 70}, day.Means)
}

func TestSQLiteSource_RejectsUnknownStat(t *testing.T) {
	src := tempSource(t)
	err := src.Upsert(context.Background(), Row{UserRef: "u1", Metric: MetricHR, Date: today, Stat: "median"})
	assert.Error(t, err)
}

func TestSQLiteSource_BacksProvider(t *testing.T) {
	src := tempSource(t)
	ctx := context.Background()
	require.NoError(t, src.Upsert(ctx,
		Row{UserRef: "u1", Metric: MetricHR, Date: today, Stat: StatMean, Values: map[int]float64{1: 65}},
		Row{UserRef: "u1", Metric: MetricHR, Date: today, Stat: StatStdDev, Values: map[int]float64{1: 6}},
	))

	p := NewProvider(src, DefaultProviderConfig(), nil)
	p.now = func() time.Time { return today.Add(9 * time.Hour) }

	s, ok := p.GetBucketStats(ctx, "u1", today, MetricHR, 2)
	require.True(t, ok)
	assert.Equal(t, ReasonNeighbor, s.Reason)
	assert.Equal(t, 1, s.SourceBucket)
}

package replay

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/anomaly"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/baseline"
)

// #region fixture-tests

// TestFixture_MorningSession is the regression baseline: if thresholds, counter
// handling or baseline fallback change, decisions drift and this fails.
func TestFixture_MorningSession(t *testing.T) {
	f, err := LoadFixture(filepath.Join("testdata", "morning_session.json"))
	require.NoError(t, err)

	results, mismatches, err := Run(context.Background(), f)
	require.NoError(t, err)
	require.Len(t, results, len(f.ExpectedResults))
	for _, m := range mismatches {
		t.Error(m.String())
	}

	// u1 resolved against the neighbouring bucket
	emergency := results[2]
	require.NotNil(t, emergency.Result.Z)
	assert.InDelta(t, 7.9, *emergency.Result.Z, 1e-9)
	assert.Equal(t, anomaly.CooldownEmergency, results[3].Result.CooldownSource)
	assert.Equal(t, 30, results[3].Result.CooldownMin)

	s := Summarize(results)
	assert.Equal(t, 12, s.TotalTicks)
	assert.Equal(t, 1, s.Emergency)
	assert.Equal(t, 1, s.Restrict)
	assert.Equal(t, 2, s.Cooldown)
	assert.Equal(t, 8, s.Normal)
	assert.Equal(t, map[string]int{"hr_high": 1, "stress_up": 1}, s.Triggers)
}

func TestFixture_SaveAndLoad(t *testing.T) {
	f, err := LoadFixture(filepath.Join("testdata", "morning_session.json"))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "copy.json")
	require.NoError(t, f.Save(path))
	g, err := LoadFixture(path)
	require.NoError(t, err)
	assert.Equal(t, f.Description, g.Description)
	assert.Len(t, g.Ticks, len(f.Ticks))
	assert.True(t, f.Ticks[0].TS.Equal(g.Ticks[0].TS))
}

func TestLoadFixture_Errors(t *testing.T) {
	_, err := LoadFixture(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	f := &Fixture{Baselines: []FixtureBaseline{{UserRef: "u", Metric: "hr", Date: "20-05-2026"}}}
	_, err = f.Source()
	assert.Error(t, err)

	f = &Fixture{Baselines: []FixtureBaseline{{UserRef: "u", Metric: "hr", Date: "2026-05-20", Bucket: 6}}}
	_, err = f.Source()
	assert.Error(t, err)
}

// #endregion fixture-tests

// #region harness-tests

func TestToDetectorConfig_Overrides(t *testing.T) {
	c := FixtureConfig{ZRestrict: 2, MaxGapSec: 60, RestrictCooldownSec: 120}.ToDetectorConfig()
	assert.Equal(t, 2.0, c.ZRestrict)
	assert.Equal(t, 5.0, c.ZEmergency, "zero keeps default")
	assert.Equal(t, time.Minute, c.MaxGap)
	assert.Equal(t, 2*time.Minute, c.RestrictCooldown)
	assert.Equal(t, 30*time.Minute, c.EmergencyCooldown)
}

func TestReplay_ConfigChangesOutcome(t *testing.T) {
	src := baseline.NewMemorySource()
	day := time.Date(2026, 5, 19, 0, 0, 0, 0, time.UTC)
	src.PutPair("u1", baseline.MetricHR, day, 2, 80, 10)

	start := time.Date(2026, 5, 20, 9, 0, 0, 0, time.UTC)
	ticks := []FixtureTick{
		{TickID: "a", UserRef: "u1", TS: start, Metrics: map[string]float64{"hr": 110}},
		{TickID: "b", UserRef: "u1", TS: start.Add(10 * time.Second), Metrics: map[string]float64{"hr": 110}},
	}

	def := Replay(context.Background(), src, ticks, anomaly.DefaultConfig())
	assert.Equal(t, "normal", def[1].Mode)

	fast := FixtureConfig{ConsecutiveRequired: 2}.ToDetectorConfig()
	res := Replay(context.Background(), src, ticks, fast)
	assert.Equal(t, "restrict", res[1].Mode)
	assert.Equal(t, "hr_high", res[1].Trigger)
	assert.Contains(t, res[1].Reason, "hr_high")
}

func TestReplay_BaselineOutsideLookbackIsAbsent(t *testing.T) {
	src := baseline.NewMemorySource()
	src.PutPair("u1", baseline.MetricHR, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 2, 80, 10)

	ts := time.Date(2026, 5, 20, 9, 0, 0, 0, time.UTC)
	res := Replay(context.Background(), src, []FixtureTick{{TickID: "a", UserRef: "u1", TS: ts, Metrics: map[string]float64{"hr": 120}}}, anomaly.DefaultConfig())
	require.Len(t, res, 1)
	assert.Equal(t, "normal", res[0].Mode)
	assert.Nil(t, res[0].Result.Z)
}

func TestCompare(t *testing.T) {
	results := []ReplayResult{
		{TickID: "a", Mode: "normal"},
		{TickID: "b", Mode: "restrict", Trigger: "hr_low"},
		{TickID: "c", Mode: "cooldown"},
	}

	assert.Empty(t, Compare(results, []FixtureExpectedResult{
		{TickID: "a", Mode: "normal"},
		{TickID: "b", Mode: "restrict", Trigger: "hr_low"},
		{TickID: "c", Mode: "cooldown"},
	}))

	ms := Compare(results, []FixtureExpectedResult{
		{TickID: "a", Mode: "normal"},
		{TickID: "b", Mode: "restrict", Trigger: "hr_high"},
	})
	require.Len(t, ms, 2)
	assert.Equal(t, "trigger", ms[0].Field)
	assert.Equal(t, "tick", ms[1].Field, "extra result reported")

	ms = Compare(results[:1], []FixtureExpectedResult{{TickID: "a", Mode: "normal"}, {TickID: "b", Mode: "normal"}})
	require.Len(t, ms, 1)
	assert.Equal(t, "b", ms[0].TickID)
}

// #endregion harness-tests

package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/anomaly"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/baseline"
)

// #region types

// ReplayResult captures the outcome of replaying one tick through the detector.
type ReplayResult struct {
	TickID  string
	UserRef string
	Mode    string
	Trigger string
	Reason  string // first reason, if any
	Result  anomaly.Result
}

// ReplaySummary provides aggregate stats from a replay run.
type ReplaySummary struct {
	TotalTicks int
	Normal     int
	Restrict   int
	Emergency  int
	Cooldown   int
	Triggers   map[string]int
}

// Mismatch is one difference between a replayed and an expected result.
type Mismatch struct {
	Index    int
	TickID   string
	Field    string
	Expected string
	Actual   string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("tick %d (%s): expected %s=%q, got %q", m.Index, m.TickID, m.Field, m.Expected, m.Actual)
}

// #endregion types

// #region replay

// Replay runs ticks in order through a fresh detector. The baseline provider's
// lookback window is anchored at each tick's timestamp rather than the wall clock.
func Replay(ctx context.Context, src baseline.Source, ticks []FixtureTick, config anomaly.Config) []ReplayResult {
	var clock time.Time
	pcfg := baseline.DefaultProviderConfig()
	provider := baseline.NewProvider(src, pcfg, nil).WithClock(func() time.Time { return clock })

	det := anomaly.NewDetector(provider, config, nil)
	defer det.Close()

	results := make([]ReplayResult, 0, len(ticks))
	for _, tick := range ticks {
		clock = tick.TS
		res := det.Evaluate(ctx, tick.UserRef, tick.TS, tick.Metrics)
		var reason string
		if len(res.Reasons) > 0 {
			reason = res.Reasons[0]
		}
		results = append(results, ReplayResult{
			TickID:  tick.TickID,
			UserRef: tick.UserRef,
			Mode:    string(res.Mode),
			Trigger: string(res.Trigger),
			Reason:  reason,
			Result:  res,
		})
	}
	return results
}

// Run replays a loaded fixture and compares against its expected results.
func Run(ctx context.Context, f *Fixture) ([]ReplayResult, []Mismatch, error) {
	src, err := f.Source()
	if err != nil {
		return nil, nil, err
	}
	results := Replay(ctx, src, f.Ticks, f.Config.ToDetectorConfig())
	return results, Compare(results, f.ExpectedResults), nil
}

// Compare reports every field that differs. A length difference is reported as a
// mismatch on the first missing index.
func Compare(results []ReplayResult, expected []FixtureExpectedResult) []Mismatch {
	var out []Mismatch
	for i, exp := range expected {
		if i >= len(results) {
			out = append(out, Mismatch{Index: i, TickID: exp.TickID, Field: "tick", Expected: exp.TickID, Actual: ""})
			break
		}
		act := results[i]
		if exp.TickID != "" && act.TickID != exp.TickID {
			out = append(out, Mismatch{Index: i, TickID: exp.TickID, Field: "tick_id", Expected: exp.TickID, Actual: act.TickID})
		}
		if act.Mode != exp.Mode {
			out = append(out, Mismatch{Index: i, TickID: exp.TickID, Field: "mode", Expected: exp.Mode, Actual: act.Mode})
		}
		if act.Trigger != exp.Trigger {
			out = append(out, Mismatch{Index: i, TickID: exp.TickID, Field: "trigger", Expected: exp.Trigger, Actual: act.Trigger})
		}
	}
	if len(results) > len(expected) && len(expected) > 0 {
		extra := results[len(expected)]
		out = append(out, Mismatch{Index: len(expected), TickID: extra.TickID, Field: "tick", Expected: "", Actual: extra.TickID})
	}
	return out
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []ReplayResult) ReplaySummary {
	s := ReplaySummary{TotalTicks: len(results), Triggers: map[string]int{}}
	for _, r := range results {
		switch anomaly.Mode(r.Mode) {
		case anomaly.ModeNormal:
			s.Normal++
		case anomaly.ModeRestrict:
			s.Restrict++
		case anomaly.ModeEmergency:
			s.Emergency++
		case anomaly.ModeCooldown:
			s.Cooldown++
		}
		if r.Trigger != "" && (r.Mode == string(anomaly.ModeRestrict) || r.Mode == string(anomaly.ModeEmergency)) {
			s.Triggers[r.Trigger]++
		}
	}
	return s
}

// #endregion replay

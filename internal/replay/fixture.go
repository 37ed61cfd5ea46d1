package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/anomaly"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/baseline"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description     string                  `json:"description"`
	Config          FixtureConfig           `json:"config"`
	Baselines       []FixtureBaseline       `json:"baselines"`
	Ticks           []FixtureTick           `json:"ticks"`
	ExpectedResults []FixtureExpectedResult `json:"expected_results"`
}

// FixtureConfig overrides detector thresholds. Zero fields keep the defaults.
type FixtureConfig struct {
	ZRestrict            float64 `json:"z_restrict,omitempty"`
	ZEmergency           float64 `json:"z_emergency,omitempty"`
	HRInstRestrictHigh   float64 `json:"hr_inst_restrict_high,omitempty"`
	HRInstRestrictLow    float64 `json:"hr_inst_restrict_low,omitempty"`
	ConsecutiveRequired  int     `json:"consecutive_required,omitempty"`
	MaxGapSec            int     `json:"max_gap_sec,omitempty"`
	RestrictCooldownSec  int     `json:"restrict_cooldown_sec,omitempty"`
	EmergencyCooldownSec int     `json:"emergency_cooldown_sec,omitempty"`
}

// FixtureBaseline is one stored mean/stddev pair.
type FixtureBaseline struct {
	UserRef string  `json:"user_ref"`
	Metric  string  `json:"metric"`
	Date    string  `json:"date"` // YYYY-MM-DD
	Bucket  int     `json:"bucket"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"stddev"`
}

// FixtureTick is one recorded telemetry sample.
type FixtureTick struct {
	TickID  string             `json:"tick_id"`
	UserRef string             `json:"user_ref"`
	TS      time.Time          `json:"ts"`
	Metrics map[string]float64 `json:"metrics"`
}

// FixtureExpectedResult captures the expected decision per tick. An empty Trigger
// matches only results without a trigger.
type FixtureExpectedResult struct {
	TickID  string `json:"tick_id"`
	Mode    string `json:"mode"`
	Trigger string `json:"trigger,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// Save writes the fixture as indented JSON.
func (f *Fixture) Save(path string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// ToDetectorConfig converts a FixtureConfig to a detector config.
func (fc FixtureConfig) ToDetectorConfig() anomaly.Config {
	c := anomaly.DefaultConfig()
	if fc.ZRestrict > 0 {
		c.ZRestrict = fc.ZRestrict
	}
	if fc.ZEmergency > 0 {
		c.ZEmergency = fc.ZEmergency
	}
	if fc.HRInstRestrictHigh > 0 {
		c.HRInstRestrictHigh = fc.HRInstRestrictHigh
	}
	if fc.HRInstRestrictLow > 0 {
		c.HRInstRestrictLow = fc.HRInstRestrictLow
	}
	if fc.ConsecutiveRequired > 0 {
		c.ConsecutiveRequired = fc.ConsecutiveRequired
	}
	if fc.MaxGapSec > 0 {
		c.MaxGap = time.Duration(fc.MaxGapSec) * time.Second
	}
	if fc.RestrictCooldownSec > 0 {
		c.RestrictCooldown = time.Duration(fc.RestrictCooldownSec) * time.Second
	}
	if fc.EmergencyCooldownSec > 0 {
		c.EmergencyCooldown = time.Duration(fc.EmergencyCooldownSec) * time.Second
	}
	return c
}

// Source loads the fixture baselines into an in-memory source.
func (f *Fixture) Source() (*baseline.MemorySource, error) {
	src := baseline.NewMemorySource()
	for i, b := range f.Baselines {
		date, err := time.Parse(time.DateOnly, b.Date)
		if err != nil {
			return nil, fmt.Errorf("baseline %d: date %q: %w", i, b.Date, err)
		}
		if b.Bucket < 0 || b.Bucket >= baseline.BucketCount {
			return nil, fmt.Errorf("baseline %d: bucket %d out of range", i, b.Bucket)
		}
		src.PutPair(b.UserRef, b.Metric, date, b.Bucket, b.Mean, b.StdDev)
	}
	return src, nil
}

// #endregion fixture-loader

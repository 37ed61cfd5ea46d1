package anomaly

import (
	"context"
	"time"

	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/baseline"
)

// #region enums
// Mode is the detector's decision for one tick.
type Mode string

const (
	ModeNormal    Mode = "normal"
	ModeRestrict  Mode = "restrict"
	ModeEmergency Mode = "emergency"
	ModeCooldown  Mode = "cooldown"
)

// RiskLevel grades a decision.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Trigger is the cause code handed to policy resolution.
type Trigger string

const (
	TriggerNone     Trigger = ""
	TriggerHRHigh   Trigger = "hr_high"
	TriggerHRLow    Trigger = "hr_low"
	TriggerStressUp Trigger = "stress_up"
	TriggerStepsLow Trigger = "steps_low" // produced upstream, never by the detector
)

// Cooldown sources.
const (
	CooldownRestrict  = "restrict"
	CooldownEmergency = "emergency"
)

// Reason codes that are not tied to a firing threshold.
const (
	ReasonNoSupportedMetrics = "no_supported_metrics"
	ReasonEmergencyCooldown  = "emergency_cooldown"
	ReasonRestrictCooldown   = "restrict_cooldown"
	ReasonWithinBaseline     = "within_baseline"
)

// #endregion enums

// #region config
// Config holds detection thresholds. It is read-only once the Detector is built.
type Config struct {
	ZRestrict           float64
	ZEmergency          float64
	HRInstRestrictHigh  float64 // absolute bpm, restrict only
	HRInstRestrictLow   float64 // absolute bpm, restrict only
	ConsecutiveRequired int
	MaxGap              time.Duration // counters reset when ticks are further apart
	RestrictCooldown    time.Duration
	EmergencyCooldown   time.Duration
	SupportedMetrics    []string
	MinStdDev           float64        // z is undefined at or below this
	Location            *time.Location // zone used to pick the 4-hour bucket
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		ZRestrict:           2.5,
		ZEmergency:          5.0,
		HRInstRestrictHigh:  150,
		HRInstRestrictLow:   45,
		ConsecutiveRequired: 3,
		MaxGap:              30 * time.Second,
		RestrictCooldown:    10 * time.Minute,
		EmergencyCooldown:   30 * time.Minute,
		SupportedMetrics:    []string{baseline.MetricHR, baseline.MetricStress},
		MinStdDev:           1e-6,
		Location:            time.UTC,
	}
}

// supports reports whether metric is configured.
func (c Config) supports(metric string) bool {
	for _, m := range c.SupportedMetrics {
		if m == metric {
			return true
		}
	}
	return false
}

// #endregion config

// #region state
// UserRiskState is the per-user debouncing state. It lives only in memory.
type UserRiskState struct {
	EmgHrZ    int `json:"emg_hr_z"`
	ResHrHigh int `json:"res_hr_high"`
	ResHrLow  int `json:"res_hr_low"`
	ResStress int `json:"res_stress"`
	EmgStress int `json:"emg_stress"` // always 0, stress never escalates

	RestrictUntil  time.Time `json:"restrict_until"`
	EmergencyUntil time.Time `json:"emergency_until"`
	LastTickTime   time.Time `json:"last_tick_time"`
}

// resetCounters zeroes all five counters.
func (s *UserRiskState) resetCounters() {
	s.EmgHrZ = 0
	s.ResHrHigh = 0
	s.ResHrLow = 0
	s.ResStress = 0
	s.EmgStress = 0
}

// #endregion state

// #region result
// Result is the outcome of one Evaluate call.
type Result struct {
	OK             bool               `json:"ok"`
	Anomaly        bool               `json:"anomaly"`
	RiskLevel      RiskLevel          `json:"risk_level"`
	Mode           Mode               `json:"mode"`
	Reasons        []string           `json:"reasons"`
	Trigger        Trigger            `json:"trigger,omitempty"`
	Z              *float64           `json:"z,omitempty"`
	ZScores        map[string]float64 `json:"z_scores,omitempty"`
	CooldownMin    int                `json:"cooldown_min,omitempty"`
	CooldownSource string             `json:"cooldown_source,omitempty"`
	CooldownUntil  *time.Time         `json:"cooldown_until,omitempty"`
}

// #endregion result

// #region provider
// StatsProvider resolves baselines for the detector. Absent is a normal outcome.
type StatsProvider interface {
	GetBucketStats(ctx context.Context, userRef string, date time.Time, metric string, bucket int) (baseline.Stats, bool)
}

// #endregion provider

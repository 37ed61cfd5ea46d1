package anomaly

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/baseline"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/metrics"
)

// #region detector
// Detector is the streaming per-user risk state machine. Build one per process with
// NewDetector and Close it on shutdown.
type Detector struct {
	provider StatsProvider
	config   Config
	logger   *zap.Logger

	mu     sync.RWMutex
	users  map[string]*userSlot
	closed bool
}

// userSlot owns one user's state. Ticks for the same user serialize on mu.
type userSlot struct {
	mu      sync.Mutex
	state   UserRiskState
	removed bool
}

// NewDetector creates a detector reading baselines from provider.
func NewDetector(provider StatsProvider, config Config, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	return &Detector{
		provider: provider,
		config:   config,
		logger:   logger,
		users:    make(map[string]*userSlot),
	}
}

// Config returns the thresholds in use.
func (d *Detector) Config() Config {
	return d.config
}

// #endregion detector

// #region evaluate
// Evaluate processes one telemetry tick for userRef. It never fails: missing baselines and
// unknown metrics degrade to a normal decision.
func (d *Detector) Evaluate(ctx context.Context, userRef string, ts time.Time, values map[string]float64) Result {
	start := time.Now()
	ts = ts.UTC()

	var res Result
	for {
		slot, ok := d.slot(userRef)
		if !ok {
			return Result{OK: false, Mode: ModeNormal, RiskLevel: RiskLow, Reasons: []string{"detector_closed"}}
		}
		slot.mu.Lock()
		if slot.removed {
			slot.mu.Unlock()
			continue
		}
		res = d.step(ctx, userRef, &slot.state, ts, values)
		slot.mu.Unlock()
		break
	}

	metrics.EvaluateDuration.Observe(time.Since(start).Seconds())
	metrics.EvaluationsTotal.WithLabelValues(string(res.Mode), string(res.Trigger)).Inc()
	if res.Mode == ModeRestrict || res.Mode == ModeEmergency {
		d.logger.Info("anomaly detected",
			zap.String("user_ref", userRef),
			zap.String("mode", string(res.Mode)),
			zap.String("trigger", string(res.Trigger)),
			zap.Strings("reasons", res.Reasons),
			zap.Time("ts", ts),
		)
	}
	return res
}

// tickReading is what one metric contributed on this tick.
type tickReading struct {
	present bool
	value   float64
	z       float64
	zOK     bool
}

// step applies the ordered decision procedure to st. The caller holds the user's lock.
func (d *Detector) step(ctx context.Context, userRef string, st *UserRiskState, now time.Time, values map[string]float64) Result {
	cfg := d.config

	// 1. expire stale cooldowns
	if !st.RestrictUntil.IsZero() && !now.Before(st.RestrictUntil) {
		st.RestrictUntil = time.Time{}
	}
	if !st.EmergencyUntil.IsZero() && !now.Before(st.EmergencyUntil) {
		st.EmergencyUntil = time.Time{}
	}

	// 2. emergency cooldown short-circuits everything
	if !st.EmergencyUntil.IsZero() {
		return cooldownResult(now, st.EmergencyUntil, CooldownEmergency, RiskCritical, ReasonEmergencyCooldown)
	}

	// 3. nothing to evaluate
	if !d.hasSupported(values) {
		if !st.RestrictUntil.IsZero() {
			res := cooldownResult(now, st.RestrictUntil, CooldownRestrict, RiskHigh, ReasonRestrictCooldown)
			res.Reasons = append([]string{ReasonNoSupportedMetrics}, res.Reasons...)
			return res
		}
		return Result{OK: true, Mode: ModeNormal, RiskLevel: RiskLow, Reasons: []string{ReasonNoSupportedMetrics}}
	}

	// 4. gap reset and forward-tick rule
	if !st.LastTickTime.IsZero() && now.Sub(st.LastTickTime) > cfg.MaxGap {
		st.resetCounters()
	}
	forward := st.LastTickTime.IsZero() || now.After(st.LastTickTime)
	if forward {
		st.LastTickTime = now
	}

	bucket := baseline.BucketForHour(now.In(cfg.Location).Hour())
	zscores := map[string]float64{}
	var reasons []string

	// 5. heart rate
	hr := d.reading(ctx, userRef, now, baseline.MetricHR, bucket, values, false)
	var hrEmg, hrHighZ, hrHighInst, hrLowZ, hrLowInst bool
	if hr.present {
		if hr.zOK {
			zscores[baseline.MetricHR] = hr.z
			hrEmg = math.Abs(hr.z) >= cfg.ZEmergency
			hrHighZ = hr.z >= cfg.ZRestrict
			hrLowZ = hr.z <= -cfg.ZRestrict
		} else {
			reasons = append(reasons, "no_baseline:"+baseline.MetricHR)
		}
		hrHighInst = hr.value >= cfg.HRInstRestrictHigh
		hrLowInst = hr.value <= cfg.HRInstRestrictLow
		if forward {
			st.EmgHrZ = bump(st.EmgHrZ, hrEmg)
			st.ResHrHigh = bump(st.ResHrHigh, hrHighZ || hrHighInst)
			st.ResHrLow = bump(st.ResHrLow, hrLowZ || hrLowInst)
		}
	}

	// 6. stress, restrict only
	stress := d.reading(ctx, userRef, now, baseline.MetricStress, bucket, values, true)
	stressHigh := false
	if stress.present {
		if stress.zOK {
			zscores[baseline.MetricStress] = stress.z
			stressHigh = math.Abs(stress.z) >= cfg.ZRestrict
		} else {
			reasons = append(reasons, "no_baseline:"+baseline.MetricStress)
		}
		if forward {
			st.ResStress = bump(st.ResStress, stressHigh)
		}
	}
	st.EmgStress = 0

	// 7. emergency, heart rate only
	if st.EmgHrZ >= cfg.ConsecutiveRequired {
		st.resetCounters()
		st.RestrictUntil = time.Time{}
		st.EmergencyUntil = now.Add(cfg.EmergencyCooldown)
		trigger := TriggerHRHigh
		if hr.zOK && hr.z < 0 {
			trigger = TriggerHRLow
		}
		res := terminalResult(ModeEmergency, RiskCritical, trigger, zscores, hr)
		res.Reasons = []string{fmt.Sprintf("%s: |z| >= %.1f for %d consecutive ticks", trigger, cfg.ZEmergency, cfg.ConsecutiveRequired)}
		res.CooldownSource = CooldownEmergency
		res.CooldownMin = minutesLeft(cfg.EmergencyCooldown)
		until := st.EmergencyUntil
		res.CooldownUntil = &until
		return res
	}

	// 8. active restrict cooldown suppresses new restrict decisions
	if !st.RestrictUntil.IsZero() {
		res := cooldownResult(now, st.RestrictUntil, CooldownRestrict, RiskHigh, ReasonRestrictCooldown)
		res.ZScores = zscores
		res.Z = primaryZ(hr, stress)
		return res
	}

	// 9. restrict, HR-high > HR-low > stress
	var trigger Trigger
	var reason string
	var src tickReading
	switch {
	case st.ResHrHigh >= cfg.ConsecutiveRequired:
		trigger, src = TriggerHRHigh, hr
		reason = hrReason(trigger, hr, hrHighZ, hrHighInst, cfg.ZRestrict, cfg.HRInstRestrictHigh, ">=")
	case st.ResHrLow >= cfg.ConsecutiveRequired:
		trigger, src = TriggerHRLow, hr
		reason = hrReason(trigger, hr, hrLowZ, hrLowInst, -cfg.ZRestrict, cfg.HRInstRestrictLow, "<=")
	case st.ResStress >= cfg.ConsecutiveRequired:
		trigger, src = TriggerStressUp, stress
		reason = fmt.Sprintf("%s: |z| >= %.1f for %d consecutive ticks", trigger, cfg.ZRestrict, cfg.ConsecutiveRequired)
	}
	if trigger != TriggerNone {
		st.resetCounters()
		st.RestrictUntil = now.Add(cfg.RestrictCooldown)
		res := terminalResult(ModeRestrict, RiskHigh, trigger, zscores, src)
		res.Reasons = []string{reason}
		res.CooldownSource = CooldownRestrict
		res.CooldownMin = minutesLeft(cfg.RestrictCooldown)
		until := st.RestrictUntil
		res.CooldownUntil = &until
		return res
	}

	// 10. normal
	return Result{
		OK:        true,
		Mode:      ModeNormal,
		RiskLevel: RiskLow,
		Reasons:   append(reasons, ReasonWithinBaseline),
		Z:         primaryZ(hr, stress),
		ZScores:   zscores,
	}
}

// #endregion evaluate

// #region helpers
// reading looks up the baseline for metric and computes its z-score, rescaling stress
// values whose magnitude disagrees with the baseline's scale.
func (d *Detector) reading(ctx context.Context, userRef string, now time.Time, metric string, bucket int, values map[string]float64, rescale bool) tickReading {
	v, ok := values[metric]
	if !ok || !d.config.supports(metric) || math.IsNaN(v) || math.IsInf(v, 0) {
		return tickReading{}
	}
	r := tickReading{present: true, value: v}
	stats, found := d.provider.GetBucketStats(ctx, userRef, now, metric, bucket)
	if !found || stats.StdDev <= d.config.MinStdDev {
		return r
	}
	if rescale {
		r.value = rescaleStress(v, stats)
	}
	r.z = (r.value - stats.Mean) / stats.StdDev
	r.zOK = true
	return r
}

// rescaleStress moves a raw stress value onto the baseline's 0-1 or 0-100 scale.
func rescaleStress(raw float64, s baseline.Stats) float64 {
	switch {
	case s.Mean <= 1.5 && s.StdDev <= 1.5 && raw > 1.5:
		return raw / 100
	case raw <= 1.5 && (s.Mean >= 5.0 || s.StdDev >= 5.0):
		return raw * 100
	}
	return raw
}

func (d *Detector) hasSupported(values map[string]float64) bool {
	for _, m := range d.config.SupportedMetrics {
		if v, ok := values[m]; ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

// bump increments c when hit holds, otherwise resets it.
func bump(c int, hit bool) int {
	if hit {
		return c + 1
	}
	return 0
}

// minutesLeft rounds a remaining duration up to whole minutes, never below 1.
func minutesLeft(rem time.Duration) int {
	m := int(math.Ceil(rem.Seconds() / 60))
	if m < 1 {
		return 1
	}
	return m
}

func cooldownResult(now, until time.Time, source string, level RiskLevel, reason string) Result {
	u := until
	return Result{
		OK:             true,
		Anomaly:        true,
		Mode:           ModeCooldown,
		RiskLevel:      level,
		Reasons:        []string{reason},
		CooldownMin:    minutesLeft(until.Sub(now)),
		CooldownSource: source,
		CooldownUntil:  &u,
	}
}

func terminalResult(mode Mode, level RiskLevel, trigger Trigger, zscores map[string]float64, src tickReading) Result {
	res := Result{
		OK:        true,
		Anomaly:   true,
		Mode:      mode,
		RiskLevel: level,
		Trigger:   trigger,
		ZScores:   zscores,
	}
	if src.zOK {
		z := src.z
		res.Z = &z
	}
	return res
}

func hrReason(trigger Trigger, hr tickReading, zHit, instHit bool, zThreshold, instThreshold float64, op string) string {
	switch {
	case zHit:
		return fmt.Sprintf("%s: z=%.2f %s %.1f", trigger, hr.z, op, zThreshold)
	case instHit:
		return fmt.Sprintf("%s: hr=%.0f %s %.0f (instantaneous)", trigger, hr.value, op, instThreshold)
	}
	return fmt.Sprintf("%s: sustained for consecutive ticks", trigger)
}

// primaryZ reports the heart rate z when defined, else stress.
func primaryZ(hr, stress tickReading) *float64 {
	switch {
	case hr.zOK:
		z := hr.z
		return &z
	case stress.zOK:
		z := stress.z
		return &z
	}
	return nil
}

// #endregion helpers

// #region lifecycle
// slot returns the user's slot, creating it lazily. ok is false after Close.
func (d *Detector) slot(userRef string) (*userSlot, bool) {
	d.mu.RLock()
	s, found := d.users[userRef]
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return nil, false
	}
	if found {
		return s, true
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, false
	}
	if s, found = d.users[userRef]; !found {
		s = &userSlot{}
		d.users[userRef] = s
		metrics.TrackedUsers.Set(float64(len(d.users)))
	}
	return s, true
}

// Snapshot returns a copy of the user's state.
func (d *Detector) Snapshot(userRef string) (UserRiskState, bool) {
	d.mu.RLock()
	s, found := d.users[userRef]
	d.mu.RUnlock()
	if !found {
		return UserRiskState{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, true
}

// Reset forgets the user's state, including cooldowns.
func (d *Detector) Reset(userRef string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, found := d.users[userRef]; found {
		s.mu.Lock()
		s.removed = true
		s.mu.Unlock()
		delete(d.users, userRef)
		metrics.TrackedUsers.Set(float64(len(d.users)))
	}
}

// Prune drops users whose last tick is before idleSince and whose cooldowns have ended
// by then. It returns the number of users removed.
func (d *Detector) Prune(idleSince time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for user, s := range d.users {
		s.mu.Lock()
		st := s.state
		idle := st.LastTickTime.Before(idleSince) &&
			!st.RestrictUntil.After(idleSince) &&
			!st.EmergencyUntil.After(idleSince)
		if idle {
			s.removed = true
			delete(d.users, user)
			removed++
		}
		s.mu.Unlock()
	}
	metrics.TrackedUsers.Set(float64(len(d.users)))
	if removed > 0 {
		d.logger.Debug("pruned idle users", zap.Int("removed", removed), zap.Int("remaining", len(d.users)))
	}
	return removed
}

// Close drops all state. Later Evaluate calls report OK=false.
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.users {
		s.mu.Lock()
		s.removed = true
		s.mu.Unlock()
	}
	d.users = make(map[string]*userSlot)
	d.closed = true
	metrics.TrackedUsers.Set(0)
}

// #endregion lifecycle

package recommend

import (
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/policy"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/reward"
)

// #region config
// Config holds scoring constants.
type Config struct {
	PreMin, PreMax     float64
	BoostMin, BoostMax float64
	DefaultPre         float64
	Lambda             float64 // weight of global stats in the theta posterior
	Alpha0, Beta0      float64
	RecencyTau         time.Duration
	ViewsNorm          float64 // view count that maps to logviews = 1
	DebugTopN          int
	FriendlyTags       []string
	RiskyTags          []string
	TrimesterPenalty   [3]float64 // per risky tag hit, trimester 1..3
	MaxRiskyHits       int
}

// DefaultConfig returns the production scoring constants.
func DefaultConfig() Config {
	return Config{
		PreMin:           0.05,
		PreMax:           0.95,
		BoostMin:         0.70,
		BoostMax:         1.30,
		DefaultPre:       0.5,
		Lambda:           0.3,
		Alpha0:           1.0,
		Beta0:            1.0,
		RecencyTau:       21 * 24 * time.Hour,
		ViewsNorm:        1e6,
		DebugTopN:        5,
		FriendlyTags:     []string{"pregnancy_safe", "prenatal", "gentle", "low_impact"},
		RiskyTags:        []string{"high_intensity", "hot_yoga", "inversion", "deep_twist", "supine", "breath_hold"},
		TrimesterPenalty: [3]float64{0.02, 0.05, 0.09},
		MaxRiskyHits:     2,
	}
}

// #endregion config

// #region pre
// Pre sources, reported in the breakdown.
const (
	PreExposure   = "exposure"
	PreBase       = "base"
	PreChannel    = "channel_quality"
	PreEngagement = "engagement"
	PreDefault    = "default"
)

// pre estimates content quality independent of user and context.
func (r *Recommender) pre(c Candidate, v view, now time.Time) (float64, string) {
	cfg := r.config
	switch {
	case v.preOverride != nil:
		return clamp(*v.preOverride, cfg.PreMin, cfg.PreMax), PreExposure
	case c.PreScoreBase != nil:
		return clamp(*c.PreScoreBase, cfg.PreMin, cfg.PreMax), PreBase
	case v.channelQuality != nil && c.Engagement == nil:
		return clamp(*v.channelQuality, cfg.PreMin, cfg.PreMax), PreChannel
	case c.Engagement != nil:
		return clamp(r.engagementEstimate(*c.Engagement, v.channelQuality, now), cfg.PreMin, cfg.PreMax), PreEngagement
	}
	return clamp(cfg.DefaultPre, cfg.PreMin, cfg.PreMax), PreDefault
}

// engagementEstimate blends channel quality, popularity and interaction rates, decayed by age.
func (r *Recommender) engagementEstimate(e Engagement, channelQuality *float64, now time.Time) float64 {
	cq := 0.5
	if channelQuality != nil {
		cq = *channelQuality
	}
	views := float64(e.Views)
	logViews := clamp(math.Log10(1+views)/math.Log10(1+r.config.ViewsNorm), 0, 1)

	var likeRate, commentRate float64
	if views > 0 {
		likeRate = clamp(float64(e.Likes)/views, 0, 1)
		commentRate = clamp(float64(e.Comments)/views, 0, 1)
	}
	est := 0.5*cq + 0.3*logViews + 0.2*(0.7*likeRate+0.3*commentRate)

	if e.PublishedAt != nil && r.config.RecencyTau > 0 {
		age := now.Sub(*e.PublishedAt)
		if age < 0 {
			age = 0
		}
		est *= math.Exp(-age.Hours() / r.config.RecencyTau.Hours())
	}
	return est
}

// #endregion pre

// #region boost
// boostParts are the six context multipliers.
type boostParts struct {
	Lang, Duration, Guidance, Safety, Music, Novelty float64
}

func (b boostParts) product() float64 {
	return b.Lang * b.Duration * b.Guidance * b.Safety * b.Music * b.Novelty
}

// boost scores context fit, clamped to [BoostMin, BoostMax].
func (r *Recommender) boost(c Candidate, v view, rctx Context, seen map[string]bool) (float64, boostParts) {
	p := boostParts{
		Lang:     langFit(v.lang, rctx.Lang),
		Duration: durationFit(v.lengthSec, rctx),
		Guidance: guidanceFit(v.voiceGuided, rctx.PreferGuided),
		Safety:   r.safetyFit(v.tags, rctx.GestationalWeek),
		Music:    musicFit(c.Music, rctx.RelaxPreset),
		Novelty:  1.0,
	}
	if c.CreatorID != "" && seen[c.CreatorID] {
		p.Novelty = 0.97
	}
	return clamp(p.product(), r.config.BoostMin, r.config.BoostMax), p
}

func langFit(candidate, wanted string) float64 {
	if candidate == "" || wanted == "" {
		return 1.0
	}
	if primaryLang(candidate) == primaryLang(wanted) {
		return 1.10
	}
	return 0.98
}

func primaryLang(tag string) string {
	tag = strings.ToLower(tag)
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		return tag[:i]
	}
	return tag
}

// durationFit is 1.08 inside the preferred range. Outside it the fit starts at 1.0 and
// decays linearly to 0.94 at one full range-bound of relative distance.
func durationFit(lengthSec *int, rctx Context) float64 {
	lo, hi := rctx.preferredRange()
	if lengthSec == nil || (lo == nil && hi == nil) {
		return 1.0
	}
	m := float64(*lengthSec) / 60
	var rel float64
	switch {
	case lo != nil && m < *lo:
		rel = (*lo - m) / math.Max(*lo, 1)
	case hi != nil && m > *hi:
		rel = (m - *hi) / math.Max(*hi, 1)
	default:
		return 1.08
	}
	return 1.0 - 0.06*math.Min(1, rel)
}

func guidanceFit(guided, preferGuided *bool) float64 {
	if guided == nil || preferGuided == nil {
		return 1.0
	}
	switch {
	case *preferGuided && *guided:
		return 1.05
	case *preferGuided && !*guided:
		return 0.97
	case !*preferGuided && !*guided:
		return 1.03
	}
	return 0.99
}

// safetyFit applies trimester-scaled penalties for risky tags and a bonus for friendly ones.
func (r *Recommender) safetyFit(tags map[string]bool, gestationalWeek *int) float64 {
	if gestationalWeek == nil {
		return 1.0
	}
	trimester := policy.Trimester(*gestationalWeek)
	if trimester == 0 {
		return 1.0
	}
	mult := 1.0
	for _, t := range r.config.FriendlyTags {
		if tags[t] {
			mult *= 1.06
			break
		}
	}
	hits := 0
	for _, t := range r.config.RiskyTags {
		if tags[t] {
			hits++
		}
	}
	if hits > r.config.MaxRiskyHits {
		hits = r.config.MaxRiskyHits
	}
	penalty := r.config.TrimesterPenalty[trimester-1]
	for i := 0; i < hits; i++ {
		mult *= 1 - penalty
	}
	return mult
}

// musicFit rewards calm audio when the session asks for relaxation.
func musicFit(m *MusicFeatures, relax bool) float64 {
	if !relax || m == nil {
		return 1.0
	}
	mult := 1.0
	if m.TempoBPM != nil && *m.TempoBPM >= 55 && *m.TempoBPM <= 80 {
		mult *= 1.05
	}
	if m.Energy != nil && *m.Energy < 0.4 {
		mult *= 1 + 0.03*(0.4-*m.Energy)/0.4
	}
	if m.Instrumentalness != nil {
		mult *= 1 + 0.03*(*m.Instrumentalness)
	}
	if m.Acousticness != nil {
		mult *= 1 + 0.02*(*m.Acousticness)
	}
	return mult
}

// #endregion boost

// #region theta
// Sampler draws theta from Beta(alpha, beta) using rng.
type Sampler interface {
	Sample(alpha, beta float64, rng *rand.Rand) float64
}

// BetaSampler draws with gonum's Beta distribution.
type BetaSampler struct{}

// Sample implements Sampler.
func (BetaSampler) Sample(alpha, beta float64, rng *rand.Rand) float64 {
	return distuv.Beta{Alpha: alpha, Beta: beta, Src: rng}.Rand()
}

// RewardView is a read-only view of reward stats. Missing rows read as the prior.
type RewardView interface {
	Global(contentID string) reward.Stats
	User(userRef, contentID string) reward.Stats
}

// posterior blends user and global stats into theta's Beta parameters.
func (r *Recommender) posterior(userRef, contentID string, rewards RewardView) (alpha, beta float64) {
	user, global := reward.Prior(), reward.Prior()
	if rewards != nil {
		user = rewards.User(userRef, contentID)
		global = rewards.Global(contentID)
	}
	cfg := r.config
	alpha = math.Max(user.Alpha, 0) + cfg.Lambda*math.Max(global.Alpha, 0) + cfg.Alpha0
	beta = math.Max(user.Beta, 0) + cfg.Lambda*math.Max(global.Beta, 0) + cfg.Beta0
	return alpha, beta
}

// #endregion theta

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

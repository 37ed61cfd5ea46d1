package recommend

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/metrics"
)

// #region types
// Breakdown explains one candidate's score.
type Breakdown struct {
	Pre    float64 `json:"pre"`
	Boost  float64 `json:"boost"`
	Theta  float64 `json:"theta"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// Scored pairs a candidate with its breakdown.
type Scored struct {
	Candidate Candidate `json:"candidate"`
	Breakdown Breakdown `json:"breakdown"`
}

// Selection is the outcome of SelectBest.
type Selection struct {
	Chosen    Candidate `json:"chosen"`
	Breakdown Breakdown `json:"breakdown"`
	Ranked    []Scored  `json:"ranked"` // best first, truncated for debugging
	Filtered  int       `json:"filtered"`
}

// Filter names, also used as metric labels.
const (
	FilterInactive = "inactive"
	FilterTag      = "excluded_tag"
	FilterDuration = "duration"
	FilterProvider = "provider"
)

// #endregion types

// #region recommender
// Recommender scores candidate pools. It holds no mutable state and is safe for
// concurrent use.
type Recommender struct {
	config  Config
	sampler Sampler
	logger  *zap.Logger
	now     func() time.Time
}

// NewRecommender creates a recommender that samples theta with BetaSampler.
func NewRecommender(config Config, logger *zap.Logger) *Recommender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recommender{
		config:  config,
		sampler: BetaSampler{},
		logger:  logger,
		now:     time.Now,
	}
}

// WithSampler replaces the theta sampler.
func (r *Recommender) WithSampler(s Sampler) *Recommender {
	r.sampler = s
	return r
}

// #endregion recommender

// #region select-best
// SelectBest filters pool, scores each survivor as pre*boost*theta and returns the best.
// Candidates are scored in ID order, so the same rng seed over the same pool and rewards
// reproduces the same draws. A nil rng is seeded from the clock.
func (r *Recommender) SelectBest(userRef, category string, pool []Candidate, rctx Context, rewards RewardView, rng *rand.Rand) (Selection, error) {
	if strings.TrimSpace(userRef) == "" || strings.TrimSpace(category) == "" {
		return Selection{}, fmt.Errorf("%w: user and category are required", ErrInvalidRequest)
	}
	if err := rctx.validate(); err != nil {
		return Selection{}, err
	}
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1))
	}
	now := rctx.Now
	if now.IsZero() {
		now = r.now()
	}

	survivors := r.filter(pool, rctx)
	if len(survivors) == 0 {
		return Selection{}, fmt.Errorf("%w: category %q, %d in pool", ErrNoCandidates, category, len(pool))
	}
	sort.SliceStable(survivors, func(i, j int) bool { return survivors[i].ID < survivors[j].ID })

	seen := make(map[string]bool, len(rctx.SeenCreators))
	for _, c := range rctx.SeenCreators {
		seen[c] = true
	}

	scored := make([]Scored, 0, len(survivors))
	for _, c := range survivors {
		scored = append(scored, Scored{Candidate: c, Breakdown: r.score(userRef, c, rctx, rewards, rng, seen, now)})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Breakdown.Score != scored[j].Breakdown.Score {
			return scored[i].Breakdown.Score > scored[j].Breakdown.Score
		}
		return scored[i].Candidate.ID < scored[j].Candidate.ID
	})

	top := r.config.DebugTopN
	if top <= 0 || top > len(scored) {
		top = len(scored)
	}
	best := scored[0]
	r.logger.Debug("candidate selected",
		zap.String("user_ref", userRef),
		zap.String("category", category),
		zap.String("content_id", best.Candidate.ID),
		zap.Float64("score", best.Breakdown.Score),
		zap.Int("scored", len(scored)),
	)
	return Selection{
		Chosen:    best.Candidate,
		Breakdown: best.Breakdown,
		Ranked:    scored[:top],
		Filtered:  len(pool) - len(survivors),
	}, nil
}

// Score computes one candidate's breakdown outside of a selection.
func (r *Recommender) Score(userRef string, c Candidate, rctx Context, rewards RewardView, rng *rand.Rand) Breakdown {
	seen := make(map[string]bool, len(rctx.SeenCreators))
	for _, id := range rctx.SeenCreators {
		seen[id] = true
	}
	now := rctx.Now
	if now.IsZero() {
		now = r.now()
	}
	return r.score(userRef, sanitize(c), rctx, rewards, rng, seen, now)
}

func (r *Recommender) score(userRef string, c Candidate, rctx Context, rewards RewardView, rng *rand.Rand, seen map[string]bool, now time.Time) Breakdown {
	v := effective(c)
	pre, preSrc := r.pre(c, v, now)
	boost, parts := r.boost(c, v, rctx, seen)
	alpha, beta := r.posterior(userRef, c.ID, rewards)
	theta := r.sampler.Sample(alpha, beta, rng)

	return Breakdown{
		Pre:   pre,
		Boost: boost,
		Theta: theta,
		Score: pre * boost * theta,
		Reason: fmt.Sprintf("pre=%.3f(%s) boost=%.3f[lang=%.2f dur=%.2f guide=%.2f safety=%.3f music=%.3f novelty=%.2f] theta=%.3f~Beta(%.2f,%.2f)",
			pre, preSrc, boost, parts.Lang, parts.Duration, parts.Guidance, parts.Safety, parts.Music, parts.Novelty,
			theta, alpha, beta),
	}
}

// #endregion select-best

// #region filter
// filter sanitizes the pool and drops candidates that must not be offered. Unknown
// attributes always pass.
func (r *Recommender) filter(pool []Candidate, rctx Context) []Candidate {
	excluded := rctx.exclusions()
	out := make([]Candidate, 0, len(pool))
	for _, raw := range pool {
		c := sanitize(raw)
		if reason := rejectReason(c, rctx, excluded); reason != "" {
			metrics.CandidatesFiltered.WithLabelValues(reason).Inc()
			continue
		}
		out = append(out, c)
	}
	return out
}

func rejectReason(c Candidate, rctx Context, excluded map[string]bool) string {
	if !c.Active {
		return FilterInactive
	}
	v := effective(c)
	for t := range v.tags {
		if excluded[t] {
			return FilterTag
		}
	}
	if v.lengthSec != nil {
		m := float64(*v.lengthSec) / 60
		if (rctx.MinMinutes != nil && m < *rctx.MinMinutes) || (rctx.MaxMinutes != nil && m > *rctx.MaxMinutes) {
			return FilterDuration
		}
	}
	if rctx.RequiredProvider != "" && c.ProviderName != "" && !strings.EqualFold(rctx.RequiredProvider, c.ProviderName) {
		return FilterProvider
	}
	return ""
}

// #endregion filter

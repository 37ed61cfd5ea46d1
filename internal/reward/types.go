package reward

import (
	"errors"
	"math"
	"time"
)

// #region stats
// Stats are Beta posterior parameters for one content item, globally or for one user.
type Stats struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
}

// Prior is the value every missing row reads as.
func Prior() Stats {
	return Stats{Alpha: 1, Beta: 1}
}

// Mean is the posterior mean alpha/(alpha+beta).
func (s Stats) Mean() float64 {
	if s.Alpha+s.Beta <= 0 {
		return 0.5
	}
	return s.Alpha / (s.Alpha + s.Beta)
}

// #endregion stats

// #region feedback
// Weights blend the observed feedback into one scalar reward.
type Weights struct {
	Accept   float64 `mapstructure:"accept" validate:"gte=0,lte=1"`
	Complete float64 `mapstructure:"complete" validate:"gte=0,lte=1"`
	Effect   float64 `mapstructure:"effect" validate:"gte=0,lte=1"`
}

// DefaultWeights returns (0.6, 0.2, 0.2).
func DefaultWeights() Weights {
	return Weights{Accept: 0.6, Complete: 0.2, Effect: 0.2}
}

// Feedback is what the user did with a delivered intervention.
type Feedback struct {
	Accept   bool     `json:"accept"`
	Complete bool     `json:"complete"`
	Effect   *float64 `json:"effect,omitempty"` // self-reported effect, clamped to [0,1]; nil counts as 0
}

// Subject keys the rows a feedback event updates.
type Subject struct {
	UserRef   string `json:"user_ref" validate:"required"`
	ContentID string `json:"content_id" validate:"required"`
}

// Event is one feedback observation. EventID makes replays idempotent.
type Event struct {
	EventID     string    `json:"event_id"`
	SelectionID string    `json:"selection_id,omitempty"`
	Subject     Subject   `json:"subject"`
	Feedback    Feedback  `json:"feedback"`
	At          time.Time `json:"at"`
}

// Applied reports the stats after a feedback event.
type Applied struct {
	EventID     string  `json:"event_id"`
	Reward      float64 `json:"reward"`
	Content     Stats   `json:"content"`
	UserContent Stats   `json:"user_content"`
	Duplicate   bool    `json:"duplicate"`
}

// ErrInvalidEvent is returned for events without a user or content reference.
var ErrInvalidEvent = errors.New("invalid feedback event")

// #endregion feedback

// #region compute
// Compute returns r = wa*accept + wc*complete + we*clamp(effect,0,1), clamped to [0,1].
func Compute(fb Feedback, w Weights) float64 {
	r := 0.0
	if fb.Accept {
		r += w.Accept
	}
	if fb.Complete {
		r += w.Complete
	}
	if fb.Effect != nil {
		r += w.Effect * clamp01(*fb.Effect)
	}
	return clamp01(r)
}

// Apply moves s by one observation of reward r.
func Apply(s Stats, r float64) Stats {
	r = clamp01(r)
	return Stats{Alpha: s.Alpha + r, Beta: s.Beta + (1 - r)}
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// #endregion compute

package recommend

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// #region context
// Context is the user and session situation a selection is made for.
type Context struct {
	Lang string `json:"lang,omitempty" validate:"omitempty,bcp47_language_tag"`

	// hard duration bounds in minutes; candidates with a known length outside are discarded
	MinMinutes *float64 `json:"min_minutes,omitempty" validate:"omitempty,gte=0"`
	MaxMinutes *float64 `json:"max_minutes,omitempty" validate:"omitempty,gte=0"`
	// preferred range for the duration boost; falls back to the hard bounds
	PreferredMinMinutes *float64 `json:"preferred_min_minutes,omitempty" validate:"omitempty,gte=0"`
	PreferredMaxMinutes *float64 `json:"preferred_max_minutes,omitempty" validate:"omitempty,gte=0"`

	PreferGuided     *bool    `json:"prefer_guided,omitempty"`
	GestationalWeek  *int     `json:"gestational_week,omitempty" validate:"omitempty,gte=0,lte=45"`
	TabooTags        []string `json:"taboo_tags,omitempty"`
	ExcludedTags     []string `json:"excluded_tags,omitempty"`
	RequiredProvider string   `json:"required_provider,omitempty"`
	RelaxPreset      bool     `json:"relax_preset,omitempty"`
	SeenCreators     []string `json:"seen_creators,omitempty"`

	Now time.Time `json:"now"` // reference time for recency decay; zero means wall clock
}

var contextValidator = validator.New()

// ErrInvalidRequest marks a malformed selection request.
var ErrInvalidRequest = errors.New("invalid request")

// ErrNoCandidates is returned when nothing survives filtering.
var ErrNoCandidates = errors.New("no candidates")

// validate checks struct tags and bound ordering.
func (c Context) validate() error {
	if err := contextValidator.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if c.MinMinutes != nil && c.MaxMinutes != nil && *c.MinMinutes > *c.MaxMinutes {
		return fmt.Errorf("%w: min_minutes %.1f > max_minutes %.1f", ErrInvalidRequest, *c.MinMinutes, *c.MaxMinutes)
	}
	if c.PreferredMinMinutes != nil && c.PreferredMaxMinutes != nil && *c.PreferredMinMinutes > *c.PreferredMaxMinutes {
		return fmt.Errorf("%w: preferred range inverted", ErrInvalidRequest)
	}
	return nil
}

// preferredRange returns the range used by the duration boost.
func (c Context) preferredRange() (lo, hi *float64) {
	if c.PreferredMinMinutes != nil || c.PreferredMaxMinutes != nil {
		return c.PreferredMinMinutes, c.PreferredMaxMinutes
	}
	return c.MinMinutes, c.MaxMinutes
}

// exclusions merges taboo and excluded tags, lower-cased.
func (c Context) exclusions() map[string]bool {
	out := make(map[string]bool, len(c.TabooTags)+len(c.ExcludedTags))
	for _, list := range [][]string{c.TabooTags, c.ExcludedTags} {
		for _, t := range list {
			if n := normTag(t); n != "" {
				out[n] = true
			}
		}
	}
	return out
}

// #endregion context

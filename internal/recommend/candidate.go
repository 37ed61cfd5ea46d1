package recommend

import (
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// #region candidate
// MusicFeatures are audio descriptors for music content. All fields are optional.
type MusicFeatures struct {
	TempoBPM         *float64 `json:"tempo_bpm,omitempty"`
	Energy           *float64 `json:"energy,omitempty"`
	Instrumentalness *float64 `json:"instrumentalness,omitempty"`
	Acousticness     *float64 `json:"acousticness,omitempty"`
}

// Engagement is public engagement metadata used to estimate quality.
type Engagement struct {
	Views       int64      `json:"views"`
	Likes       int64      `json:"likes"`
	Comments    int64      `json:"comments"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// Exposure carries features observed when the candidate was surfaced. Set fields
// override the candidate's own; ExtraTags are added to its tags.
type Exposure struct {
	PreScore       *float64 `json:"pre_score,omitempty"`
	LengthSec      *int     `json:"length_sec,omitempty"`
	Lang           string   `json:"lang,omitempty"`
	VoiceGuided    *bool    `json:"voice_guided,omitempty"`
	ChannelQuality *float64 `json:"channel_quality,omitempty"`
	ExtraTags      []string `json:"extra_tags,omitempty"`
}

// Candidate is one scorable intervention: a content item or a place.
type Candidate struct {
	ID             string         `json:"id"`
	Active         bool           `json:"active"`
	Tags           []string       `json:"tags,omitempty"`
	LengthSec      *int           `json:"length_sec,omitempty"`
	Lang           string         `json:"lang,omitempty"`
	VoiceGuided    *bool          `json:"voice_guided,omitempty"`
	ChannelQuality *float64       `json:"channel_quality,omitempty"`
	PreScoreBase   *float64       `json:"pre_score_base,omitempty"`
	ProviderName   string         `json:"provider_name,omitempty"`
	Music          *MusicFeatures `json:"music,omitempty"`
	CreatorID      string         `json:"creator_id,omitempty"`
	Engagement     *Engagement    `json:"engagement,omitempty"`
	Exposure       *Exposure      `json:"exposure,omitempty"`
}

// #endregion candidate

// #region sanitize
var attrValidator = validator.New()

// attribute rules; a value that fails is dropped and the candidate scores as if it were unknown
const (
	ruleUnit     = "gte=0,lte=1"
	ruleLength   = "gt=0,lte=86400"
	ruleTempo    = "gt=0,lte=300"
	ruleLang     = "omitempty,bcp47_language_tag"
	ruleNonNeg64 = "gte=0"
)

// sanitize returns a copy of c with malformed optional attributes removed.
func sanitize(c Candidate) Candidate {
	c.ChannelQuality = validFloat(c.ChannelQuality, ruleUnit)
	c.PreScoreBase = validFloat(c.PreScoreBase, ruleUnit)
	c.LengthSec = validInt(c.LengthSec, ruleLength)
	if attrValidator.Var(c.Lang, ruleLang) != nil {
		c.Lang = ""
	}
	if c.Music != nil {
		m := *c.Music
		m.TempoBPM = validFloat(m.TempoBPM, ruleTempo)
		m.Energy = validFloat(m.Energy, ruleUnit)
		m.Instrumentalness = validFloat(m.Instrumentalness, ruleUnit)
		m.Acousticness = validFloat(m.Acousticness, ruleUnit)
		c.Music = &m
	}
	if c.Engagement != nil {
		e := *c.Engagement
		if attrValidator.Var(e.Views, ruleNonNeg64) != nil || attrValidator.Var(e.Likes, ruleNonNeg64) != nil ||
			attrValidator.Var(e.Comments, ruleNonNeg64) != nil {
			c.Engagement = nil
		} else {
			c.Engagement = &e
		}
	}
	if c.Exposure != nil {
		x := *c.Exposure
		x.PreScore = validFloat(x.PreScore, ruleUnit)
		x.ChannelQuality = validFloat(x.ChannelQuality, ruleUnit)
		x.LengthSec = validInt(x.LengthSec, ruleLength)
		if attrValidator.Var(x.Lang, ruleLang) != nil {
			x.Lang = ""
		}
		c.Exposure = &x
	}
	return c
}

func validFloat(v *float64, rule string) *float64 {
	if v == nil || math.IsNaN(*v) || attrValidator.Var(*v, rule) != nil {
		return nil
	}
	return v
}

func validInt(v *int, rule string) *int {
	if v == nil || attrValidator.Var(*v, rule) != nil {
		return nil
	}
	return v
}

// #endregion sanitize

// #region effective
// view is a candidate with its exposure overrides applied.
type view struct {
	preOverride    *float64
	lengthSec      *int
	lang           string
	voiceGuided    *bool
	channelQuality *float64
	tags           map[string]bool
}

func effective(c Candidate) view {
	v := view{
		lengthSec:      c.LengthSec,
		lang:           c.Lang,
		voiceGuided:    c.VoiceGuided,
		channelQuality: c.ChannelQuality,
		tags:           make(map[string]bool, len(c.Tags)),
	}
	for _, t := range c.Tags {
		v.tags[normTag(t)] = true
	}
	if x := c.Exposure; x != nil {
		v.preOverride = x.PreScore
		if x.LengthSec != nil {
			v.lengthSec = x.LengthSec
		}
		if x.Lang != "" {
			v.lang = x.Lang
		}
		if x.VoiceGuided != nil {
			v.voiceGuided = x.VoiceGuided
		}
		if x.ChannelQuality != nil {
			v.channelQuality = x.ChannelQuality
		}
		for _, t := range x.ExtraTags {
			v.tags[normTag(t)] = true
		}
	}
	return v
}

func normTag(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

// #endregion effective

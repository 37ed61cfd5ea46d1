package logging

import (
	"encoding/json"
	"time"
)

// #region kinds
// Kind classifies a decision log row.
type Kind string

const (
	KindTick      Kind = "tick"
	KindSelection Kind = "selection"
	KindFeedback  Kind = "feedback"
)

// #endregion kinds

// #region decision-entry
// DecisionEntry is a single row in the decision_log table.
type DecisionEntry struct {
	ID          int64
	UserRef     string
	Kind        Kind
	Decision    string // mode for ticks, category status for selections, result for feedback
	Trigger     string
	Reason      string
	PayloadJSON string
	CreatedAt   time.Time
}

// #endregion decision-entry

// #region tick-record
// TickRecord captures one evaluated tick with enough detail to replay it.
// Serialized as JSON into decision_log.payload_json.
type TickRecord struct {
	UserRef   string             `json:"user_ref"`
	TS        time.Time          `json:"ts"`
	Metrics   map[string]float64 `json:"metrics"`
	Mode      string             `json:"mode"`
	RiskLevel string             `json:"risk_level"`
	Trigger   string             `json:"trigger,omitempty"`
	Reasons   []string           `json:"reasons,omitempty"`
	Z         *float64           `json:"z,omitempty"`
}

// SelectionRecord captures a committed selection and its score breakdown.
type SelectionRecord struct {
	SelectionID string  `json:"selection_id"`
	SessionID   string  `json:"session_id"`
	Category    string  `json:"category"`
	ContentID   string  `json:"content_id"`
	Pre         float64 `json:"pre"`
	Boost       float64 `json:"boost"`
	Theta       float64 `json:"theta"`
	Score       float64 `json:"score"`
	Reason      string  `json:"reason"`
	Existing    bool    `json:"existing"`
}

// FeedbackRecord captures an applied feedback event.
type FeedbackRecord struct {
	EventID     string  `json:"event_id"`
	SelectionID string  `json:"selection_id"`
	ContentID   string  `json:"content_id"`
	Reward      float64 `json:"reward"`
	Alpha       float64 `json:"alpha"`
	Beta        float64 `json:"beta"`
	Duplicate   bool    `json:"duplicate"`
}

// Payload marshals v for PayloadJSON. Marshal failures yield an empty payload.
func Payload(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// #endregion tick-record

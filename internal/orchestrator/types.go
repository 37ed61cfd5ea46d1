package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/anomaly"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/recommend"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/reward"
)

// #region errors
var (
	// ErrUnknownSession is returned for a session id with no stored session.
	ErrUnknownSession = fmt.Errorf("%w: unknown session", recommend.ErrInvalidRequest)
	// ErrUnknownSelection is returned when feedback names a selection that was never committed.
	ErrUnknownSelection = fmt.Errorf("%w: unknown selection", recommend.ErrInvalidRequest)
	// ErrCategoryNotPermitted is returned when a category is requested for a trigger that does not map to it.
	ErrCategoryNotPermitted = fmt.Errorf("%w: category not permitted for trigger", recommend.ErrInvalidRequest)
	// ErrConflict is returned when a selection for the same session and category was committed first.
	ErrConflict = errors.New("selection conflict")
)

// #endregion errors

// #region config
// Config controls the orchestrator.
type Config struct {
	Enabled        bool          `mapstructure:"enabled"` // false keeps detection running but skips selection
	StorageTimeout time.Duration `mapstructure:"storage_timeout" validate:"gt=0"`
	Seed           uint64        `mapstructure:"seed"` // zero seeds each selection from the clock
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		StorageTimeout: 2 * time.Second,
	}
}

// #endregion config

// #region session
// Session is a delivery context selections are committed under. At most one
// selection is committed per session and category.
type Session struct {
	ID          string            `json:"session_id"`
	UserRef     string            `json:"user_ref" validate:"required"`
	HasLocation bool              `json:"has_location"`
	Context     recommend.Context `json:"context"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Selection is a committed choice for one session and category.
type Selection struct {
	ID        string              `json:"selection_id"`
	SessionID string              `json:"session_id"`
	UserRef   string              `json:"user_ref"`
	Category  string              `json:"category"`
	Trigger   string              `json:"trigger,omitempty"`
	ContentID string              `json:"content_id"`
	CreatorID string              `json:"creator_id,omitempty"`
	Breakdown recommend.Breakdown `json:"breakdown"`
	Ranked    []recommend.Scored  `json:"ranked,omitempty"` // only on fresh selections
	Existing  bool                `json:"existing"`         // true when an earlier commit was returned
	CreatedAt time.Time           `json:"created_at"`
}

// #endregion session

// #region tick
// Tick is one telemetry sample routed through the orchestrator.
type Tick struct {
	UserRef   string             `json:"user_ref" validate:"required"`
	SessionID string             `json:"session_id,omitempty"`
	TS        time.Time          `json:"ts" validate:"required"`
	Metrics   map[string]float64 `json:"metrics"`

	// used only when SessionID is empty and a session must be opened
	HasLocation bool              `json:"has_location,omitempty"`
	Context     recommend.Context `json:"context"`
}

// TickOutcome is the result of HandleTick.
type TickOutcome struct {
	Result     anomaly.Result `json:"result"`
	SessionID  string         `json:"session_id,omitempty"`
	Categories []string       `json:"categories,omitempty"`
	Selections []Selection    `json:"selections,omitempty"`
	Exhausted  []string       `json:"exhausted,omitempty"` // categories with no surviving candidates
}

// FeedbackRequest reports what the user did with a committed selection.
type FeedbackRequest struct {
	SelectionID string          `json:"selection_id" validate:"required"`
	EventID     string          `json:"event_id,omitempty"`
	Feedback    reward.Feedback `json:"feedback"`
	At          time.Time       `json:"at"`
}

// #endregion tick

package reward

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/storage"
)

// #region schema
// global rows store an empty user_ref
const schema = `
CREATE TABLE IF NOT EXISTS reward_stats (
	user_ref    TEXT NOT NULL DEFAULT '',
	content_id  TEXT NOT NULL,
	alpha       REAL NOT NULL,
	beta        REAL NOT NULL,
	updated_at  TEXT NOT NULL,
	PRIMARY KEY (user_ref, content_id)
);

CREATE TABLE IF NOT EXISTS feedback_events (
	event_id      TEXT PRIMARY KEY,
	selection_id  TEXT,
	user_ref      TEXT NOT NULL,
	content_id    TEXT NOT NULL,
	accept        INTEGER NOT NULL,
	complete      INTEGER NOT NULL,
	effect        REAL,
	reward        REAL NOT NULL,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_events_subject ON feedback_events(user_ref, content_id);
`

// #endregion schema

// #region store-struct
// Store persists Beta reward statistics in SQLite. Only ApplyFeedback mutates them.
type Store struct {
	db       *sql.DB
	weights  Weights
	validate *validator.Validate
}

// NewStore returns a store over db using weights. Call Migrate before first use.
func NewStore(db *sql.DB, weights Weights) *Store {
	return &Store{db: db, weights: weights, validate: validator.New()}
}

// Migrate creates the reward tables if needed.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate reward tables: %w", err)
	}
	return nil
}

// #endregion store-struct

// #region apply-feedback
// ApplyFeedback records ev and updates the per-content and per-user-content rows in one
// transaction. A replayed EventID changes nothing and returns the current stats with
// Duplicate set.
func (s *Store) ApplyFeedback(ctx context.Context, ev Event) (Applied, error) {
	if err := s.validate.Struct(ev.Subject); err != nil {
		return Applied{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	r := Compute(ev.Feedback, s.weights)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Applied{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var effect interface{}
	if ev.Feedback.Effect != nil {
		effect = *ev.Feedback.Effect
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO feedback_events
		 (event_id, selection_id, user_ref, content_id, accept, complete, effect, reward, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(event_id) DO NOTHING`,
		ev.EventID, storage.NullIfEmpty(ev.SelectionID), ev.Subject.UserRef, ev.Subject.ContentID,
		boolInt(ev.Feedback.Accept), boolInt(ev.Feedback.Complete), effect, r, storage.FormatTime(ev.At),
	)
	if err != nil {
		return Applied{}, fmt.Errorf("insert feedback event: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return Applied{}, fmt.Errorf("feedback rows affected: %w", err)
	}

	if inserted == 1 {
		for _, user := range []string{"", ev.Subject.UserRef} {
			if err := bump(ctx, tx, user, ev.Subject.ContentID, r, ev.At); err != nil {
				return Applied{}, err
			}
		}
	} else {
		// replay: report the reward that was stored the first time
		if err := tx.QueryRowContext(ctx,
			`SELECT reward FROM feedback_events WHERE event_id = ?`, ev.EventID,
		).Scan(&r); err != nil {
			return Applied{}, fmt.Errorf("read feedback event: %w", err)
		}
	}

	content, err := readStats(ctx, tx, "", ev.Subject.ContentID)
	if err != nil {
		return Applied{}, err
	}
	userContent, err := readStats(ctx, tx, ev.Subject.UserRef, ev.Subject.ContentID)
	if err != nil {
		return Applied{}, err
	}
	if err := tx.Commit(); err != nil {
		return Applied{}, fmt.Errorf("commit: %w", err)
	}

	return Applied{
		EventID:     ev.EventID,
		Reward:      r,
		Content:     content,
		UserContent: userContent,
		Duplicate:   inserted == 0,
	}, nil
}

// bump applies reward r to one row, creating it from the prior.
func bump(ctx context.Context, tx *sql.Tx, userRef, contentID string, r float64, at time.Time) error {
	next := Apply(Prior(), r)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO reward_stats (user_ref, content_id, alpha, beta, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_ref, content_id) DO UPDATE SET
		   alpha = reward_stats.alpha + ?,
		   beta = reward_stats.beta + ?,
		   updated_at = excluded.updated_at`,
		userRef, contentID, next.Alpha, next.Beta, storage.FormatTime(at),
		clamp01(r), 1-clamp01(r),
	)
	if err != nil {
		return fmt.Errorf("update reward stats %q/%q: %w", userRef, contentID, err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func readStats(ctx context.Context, q queryer, userRef, contentID string) (Stats, error) {
	var st Stats
	err := q.QueryRowContext(ctx,
		`SELECT alpha, beta FROM reward_stats WHERE user_ref = ? AND content_id = ?`,
		userRef, contentID,
	).Scan(&st.Alpha, &st.Beta)
	if err == sql.ErrNoRows {
		return Prior(), nil
	}
	if err != nil {
		return Stats{}, fmt.Errorf("read reward stats %q/%q: %w", userRef, contentID, err)
	}
	return st, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// #endregion apply-feedback

// #region reads
// Get returns the global and per-user stats for one subject.
func (s *Store) Get(ctx context.Context, sub Subject) (content, userContent Stats, err error) {
	if content, err = readStats(ctx, s.db, "", sub.ContentID); err != nil {
		return Stats{}, Stats{}, err
	}
	if userContent, err = readStats(ctx, s.db, sub.UserRef, sub.ContentID); err != nil {
		return Stats{}, Stats{}, err
	}
	return content, userContent, nil
}

// Snapshot loads the global and userRef rows for contentIDs into a point-in-time view.
func (s *Store) Snapshot(ctx context.Context, userRef string, contentIDs []string) (*Snapshot, error) {
	snap := &Snapshot{
		userRef: userRef,
		global:  make(map[string]Stats, len(contentIDs)),
		user:    make(map[string]Stats, len(contentIDs)),
	}
	if len(contentIDs) == 0 {
		return snap, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(contentIDs)), ",")
	args := make([]interface{}, 0, len(contentIDs)+2)
	args = append(args, "", userRef)
	for _, id := range contentIDs {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_ref, content_id, alpha, beta FROM reward_stats
		 WHERE user_ref IN (?, ?) AND content_id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("snapshot reward stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var user, id string
		var st Stats
		if err := rows.Scan(&user, &id, &st.Alpha, &st.Beta); err != nil {
			return nil, fmt.Errorf("scan reward stats: %w", err)
		}
		if user == "" {
			snap.global[id] = st
		} else {
			snap.user[id] = st
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reward stats: %w", err)
	}
	return snap, nil
}

// Row is one stored stats line, used by inspection tooling.
type Row struct {
	UserRef   string    `json:"user_ref"`
	ContentID string    `json:"content_id"`
	Stats     Stats     `json:"stats"`
	UpdatedAt time.Time `json:"updated_at"`
}

// List returns stats rows for userRef ("" for global), most recently updated first.
func (s *Store) List(ctx context.Context, userRef string, limit int) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_ref, content_id, alpha, beta, updated_at FROM reward_stats
		 WHERE user_ref = ? ORDER BY updated_at DESC, content_id LIMIT ?`,
		userRef, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list reward stats: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var updated string
		if err := rows.Scan(&r.UserRef, &r.ContentID, &r.Stats.Alpha, &r.Stats.Beta, &updated); err != nil {
			return nil, fmt.Errorf("scan reward stats: %w", err)
		}
		r.UpdatedAt = storage.ParseTime(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// #endregion reads

// #region snapshot
// Snapshot is a read-only view of reward stats taken before a selection.
type Snapshot struct {
	userRef string
	global  map[string]Stats
	user    map[string]Stats
}

// Global returns the per-content stats, prior when missing.
func (s *Snapshot) Global(contentID string) Stats {
	if st, ok := s.global[contentID]; ok {
		return st
	}
	return Prior()
}

// User returns the per-user-content stats, prior when missing or for another user.
func (s *Snapshot) User(userRef, contentID string) Stats {
	if userRef != s.userRef {
		return Prior()
	}
	if st, ok := s.user[contentID]; ok {
		return st
	}
	return Prior()
}

// #endregion snapshot

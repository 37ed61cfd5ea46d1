package orchestrator

// #region imports
import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/recommend"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/storage"
)

// #endregion

// #region schema

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id    TEXT PRIMARY KEY,
    user_ref      TEXT NOT NULL,
    has_location  INTEGER NOT NULL DEFAULT 0,
    context_json  TEXT NOT NULL,
    created_at    TEXT NOT NULL
);
`

const selectionsSchema = `
CREATE TABLE IF NOT EXISTS selections (
    selection_id  TEXT PRIMARY KEY,
    session_id    TEXT NOT NULL REFERENCES sessions(session_id),
    user_ref      TEXT NOT NULL,
    category      TEXT NOT NULL,
    trigger_type  TEXT,
    content_id    TEXT NOT NULL,
    creator_id    TEXT,
    pre           REAL NOT NULL,
    boost         REAL NOT NULL,
    theta         REAL NOT NULL,
    score         REAL NOT NULL,
    reason        TEXT NOT NULL,
    created_at    TEXT NOT NULL,
    UNIQUE(session_id, category)
);
CREATE INDEX IF NOT EXISTS idx_selections_user ON selections(user_ref, created_at);
`

// #endregion

// #region store-struct

// Store persists sessions and committed selections in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore returns a store over db. Call Migrate before first use.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the sessions and selections tables.
func (s *Store) Migrate(ctx context.Context) error {
	for _, ddl := range []string{sessionsSchema, selectionsSchema} {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migrate selection tables: %w", err)
		}
	}
	return nil
}

// #endregion

// #region sessions

// InsertSession stores a new session.
func (s *Store) InsertSession(ctx context.Context, sess Session) error {
	ctxJSON, err := json.Marshal(sess.Context)
	if err != nil {
		return fmt.Errorf("marshal session context: %w", err)
	}
	hasLoc := 0
	if sess.HasLocation {
		hasLoc = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, user_ref, has_location, context_json, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.UserRef, hasLoc, string(ctxJSON), storage.FormatTime(sess.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Session loads a session. Returns ErrUnknownSession when absent.
func (s *Store) Session(ctx context.Context, id string) (Session, error) {
	var sess Session
	var hasLoc int
	var ctxJSON, created string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, user_ref, has_location, context_json, created_at FROM sessions WHERE session_id = ?`, id,
	).Scan(&sess.ID, &sess.UserRef, &hasLoc, &ctxJSON, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("read session: %w", err)
	}
	if err := json.Unmarshal([]byte(ctxJSON), &sess.Context); err != nil {
		return Session{}, fmt.Errorf("decode session context: %w", err)
	}
	sess.HasLocation = hasLoc == 1
	sess.CreatedAt = storage.ParseTime(created)
	return sess, nil
}

// #endregion

// #region selections

// InsertSelection commits sel. A second commit for the same session and category
// changes nothing and returns ErrConflict.
func (s *Store) InsertSelection(ctx context.Context, sel Selection) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO selections
		 (selection_id, session_id, user_ref, category, trigger_type, content_id, creator_id,
		  pre, boost, theta, score, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		sel.ID, sel.SessionID, sel.UserRef, sel.Category,
		storage.NullIfEmpty(sel.Trigger), sel.ContentID, storage.NullIfEmpty(sel.CreatorID),
		sel.Breakdown.Pre, sel.Breakdown.Boost, sel.Breakdown.Theta, sel.Breakdown.Score,
		sel.Breakdown.Reason, storage.FormatTime(sel.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert selection: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("selection rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: session %s category %s", ErrConflict, sel.SessionID, sel.Category)
	}
	return nil
}

const selectionColumns = `selection_id, session_id, user_ref, category, trigger_type, content_id, creator_id,
	pre, boost, theta, score, reason, created_at`

func scanSelection(row interface{ Scan(...interface{}) error }) (Selection, error) {
	var sel Selection
	var trigger, creator sql.NullString
	var created string
	err := row.Scan(&sel.ID, &sel.SessionID, &sel.UserRef, &sel.Category, &trigger, &sel.ContentID, &creator,
		&sel.Breakdown.Pre, &sel.Breakdown.Boost, &sel.Breakdown.Theta, &sel.Breakdown.Score,
		&sel.Breakdown.Reason, &created)
	if err != nil {
		return Selection{}, err
	}
	sel.Trigger = trigger.String
	sel.CreatorID = creator.String
	sel.CreatedAt = storage.ParseTime(created)
	return sel, nil
}

// Selection loads a committed selection by id. Returns ErrUnknownSelection when absent.
func (s *Store) Selection(ctx context.Context, id string) (Selection, error) {
	sel, err := scanSelection(s.db.QueryRowContext(ctx,
		`SELECT `+selectionColumns+` FROM selections WHERE selection_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Selection{}, fmt.Errorf("%w: %s", ErrUnknownSelection, id)
	}
	if err != nil {
		return Selection{}, fmt.Errorf("read selection: %w", err)
	}
	return sel, nil
}

// SelectionFor returns the selection committed for a session and category, if any.
func (s *Store) SelectionFor(ctx context.Context, sessionID, category string) (Selection, bool, error) {
	sel, err := scanSelection(s.db.QueryRowContext(ctx,
		`SELECT `+selectionColumns+` FROM selections WHERE session_id = ? AND category = ?`, sessionID, category))
	if errors.Is(err, sql.ErrNoRows) {
		return Selection{}, false, nil
	}
	if err != nil {
		return Selection{}, false, fmt.Errorf("read selection: %w", err)
	}
	return sel, true, nil
}

// SeenCreators lists the creators already surfaced in a session.
func (s *Store) SeenCreators(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT creator_id FROM selections WHERE session_id = ? AND creator_id IS NOT NULL ORDER BY creator_id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("query seen creators: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan creator: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListSelections returns the most recent selections, newest first. An empty
// userRef lists every user.
func (s *Store) ListSelections(ctx context.Context, userRef string, limit int) ([]Selection, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + selectionColumns + ` FROM selections`
	args := []interface{}{}
	if userRef != "" {
		q += ` WHERE user_ref = ?`
		args = append(args, userRef)
	}
	q += ` ORDER BY created_at DESC, selection_id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query selections: %w", err)
	}
	defer rows.Close()

	var out []Selection
	for rows.Next() {
		sel, err := scanSelection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan selection: %w", err)
		}
		out = append(out, sel)
	}
	return out, rows.Err()
}

// #endregion

// #region helpers

func toSelection(sess Session, category, trigger, id string, chosen recommend.Selection, at time.Time) Selection {
	return Selection{
		ID:        id,
		SessionID: sess.ID,
		UserRef:   sess.UserRef,
		Category:  category,
		Trigger:   trigger,
		ContentID: chosen.Chosen.ID,
		CreatorID: chosen.Chosen.CreatorID,
		Breakdown: chosen.Breakdown,
		Ranked:    chosen.Ranked,
		CreatedAt: at,
	}
}

// #endregion

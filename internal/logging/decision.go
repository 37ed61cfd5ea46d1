package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/storage"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS decision_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	user_ref      TEXT NOT NULL,
	kind          TEXT NOT NULL,
	decision      TEXT NOT NULL,
	trigger_type  TEXT,
	reason        TEXT,
	payload_json  TEXT,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_log_user ON decision_log(user_ref, kind, id);
`

// #endregion schema

// #region decision-log
// DecisionLog is the append-only SQLite record of ticks, selections and feedback.
type DecisionLog struct {
	db *sql.DB
}

// NewDecisionLog returns a log over db. Call Migrate before first use.
func NewDecisionLog(db *sql.DB) *DecisionLog {
	return &DecisionLog{db: db}
}

// Migrate creates the decision_log table if needed.
func (l *DecisionLog) Migrate(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate decision_log: %w", err)
	}
	return nil
}

// #endregion decision-log

// #region log-decision
// LogDecision appends one entry.
func (l *DecisionLog) LogDecision(ctx context.Context, entry DecisionEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO decision_log (user_ref, kind, decision, trigger_type, reason, payload_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.UserRef,
		string(entry.Kind),
		entry.Decision,
		storage.NullIfEmpty(entry.Trigger),
		storage.NullIfEmpty(entry.Reason),
		storage.NullIfEmpty(entry.PayloadJSON),
		storage.FormatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// #endregion log-decision

// #region query
// Filter narrows Query. Zero values match everything.
type Filter struct {
	UserRef string
	Kind    Kind
	AfterID int64
	Limit   int
}

// Query returns entries in insertion order.
func (l *DecisionLog) Query(ctx context.Context, f Filter) ([]DecisionEntry, error) {
	var where []string
	var args []interface{}
	if f.UserRef != "" {
		where = append(where, "user_ref = ?")
		args = append(args, f.UserRef)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.AfterID > 0 {
		where = append(where, "id > ?")
		args = append(args, f.AfterID)
	}

	q := `SELECT id, user_ref, kind, decision, trigger_type, reason, payload_json, created_at FROM decision_log`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query decision_log: %w", err)
	}
	defer rows.Close()

	var out []DecisionEntry
	for rows.Next() {
		var e DecisionEntry
		var kind, created string
		var trigger, reason, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.UserRef, &kind, &e.Decision, &trigger, &reason, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan decision_log: %w", err)
		}
		e.Kind = Kind(kind)
		e.Trigger = trigger.String
		e.Reason = reason.String
		e.PayloadJSON = payload.String
		e.CreatedAt = storage.ParseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ticks decodes the tick payloads matching f.
func (l *DecisionLog) Ticks(ctx context.Context, f Filter) ([]TickRecord, error) {
	f.Kind = KindTick
	entries, err := l.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]TickRecord, 0, len(entries))
	for _, e := range entries {
		var rec TickRecord
		if err := json.Unmarshal([]byte(e.PayloadJSON), &rec); err != nil {
			return nil, fmt.Errorf("decode tick %d: %w", e.ID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// #endregion query

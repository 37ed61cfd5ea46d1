package baseline

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/storage"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS daily_bucket_stats (
	user_ref   TEXT NOT NULL,
	metric     TEXT NOT NULL,
	stat_date  TEXT NOT NULL,
	stat       TEXT NOT NULL,
	v_0_4      REAL,
	v_4_8      REAL,
	v_8_12     REAL,
	v_12_16    REAL,
	v_16_20    REAL,
	v_20_24    REAL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (user_ref, metric, stat_date, stat)
);
CREATE INDEX IF NOT EXISTS idx_daily_bucket_stats_recent
	ON daily_bucket_stats(user_ref, metric, stat_date DESC);
`

const dateLayout = "2006-01-02"

// #endregion schema

// #region row
// Row is one (user, metric, date, stat) line of daily bucket values.
type Row struct {
	UserRef string
	Metric  string
	Date    time.Time
	Stat    string          // mean | avg | stddev
	Values  map[int]float64 // bucket -> value; missing buckets are left untouched
}

// #endregion row

// #region store
// SQLiteSource stores daily bucket statistics in the shared SQLite database.
type SQLiteSource struct {
	db *sql.DB
}

// NewSQLiteSource returns a source over db. Call Migrate before first use.
func NewSQLiteSource(db *sql.DB) *SQLiteSource {
	return &SQLiteSource{db: db}
}

// Migrate creates the daily_bucket_stats table if needed.
func (s *SQLiteSource) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate daily_bucket_stats: %w", err)
	}
	return nil
}

// #endregion store

// #region recent-dates
// RecentDates implements Source.
func (s *SQLiteSource) RecentDates(ctx context.Context, userRef, metric string, since, until time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT stat_date FROM daily_bucket_stats
		 WHERE user_ref = ? AND metric = ? AND stat_date >= ? AND stat_date <= ?
		 ORDER BY stat_date DESC`,
		userRef, metric, dateOnly(since).Format(dateLayout), dateOnly(until).Format(dateLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("recent dates: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan date: %w", err)
		}
		d, err := time.Parse(dateLayout, raw)
		if err != nil {
			continue
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// #endregion recent-dates

// #region day-stats
// DayStats implements Source.
func (s *SQLiteSource) DayStats(ctx context.Context, userRef, metric string, date time.Time) (Day, error) {
	d := dateOnly(date)
	rows, err := s.db.QueryContext(ctx,
		`SELECT stat, `+strings.Join(BucketLabels(), ", ")+` FROM daily_bucket_stats
		 WHERE user_ref = ? AND metric = ? AND stat_date = ?`,
		userRef, metric, d.Format(dateLayout),
	)
	if err != nil {
		return Day{}, fmt.Errorf("day stats: %w", err)
	}
	defer rows.Close()

	day := NewDay(d)
	for rows.Next() {
		var stat string
		var vals [BucketCount]sql.NullFloat64
		dest := []interface{}{&stat}
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return Day{}, fmt.Errorf("scan day stats: %w", err)
		}
		for b, v := range vals {
			if v.Valid {
				day.Set(stat, b, v.Float64)
			}
		}
	}
	return day, rows.Err()
}

// #endregion day-stats

// #region upsert
// Upsert writes rows, keeping existing bucket values that a row does not carry.
func (s *SQLiteSource) Upsert(ctx context.Context, rows ...Row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	labels := BucketLabels()
	updates := make([]string, len(labels))
	for i, l := range labels {
		updates[i] = fmt.Sprintf("%s = COALESCE(excluded.%s, %s)", l, l, l)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO daily_bucket_stats (user_ref, metric, stat_date, stat, `+strings.Join(labels, ", ")+`, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_ref, metric, stat_date, stat) DO UPDATE SET `+strings.Join(updates, ", ")+`,
		 updated_at = excluded.updated_at`,
	)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := storage.FormatTime(time.Now())
	for _, r := range rows {
		switch r.Stat {
		case StatMean, StatAvg, StatStdDev:
		default:
			return fmt.Errorf("upsert %s/%s: unknown stat %q", r.UserRef, r.Metric, r.Stat)
		}
		args := []interface{}{r.UserRef, r.Metric, dateOnly(r.Date).Format(dateLayout), r.Stat}
		for b := 0; b < BucketCount; b++ {
			if v, ok := r.Values[b]; ok {
				args = append(args, v)
			} else {
				args = append(args, nil)
			}
		}
		args = append(args, now)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", r.UserRef, r.Metric, err)
		}
	}
	return tx.Commit()
}

// #endregion upsert

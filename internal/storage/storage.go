package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// #region migrator
// Migrator is implemented by every store that owns tables in the shared database.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// #endregion migrator

// #region db
// DB wraps the shared SQLite handle used by the baseline source, reward store,
// selection store and decision log.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens a SQLite database at path with WAL and foreign keys enabled.
// ":memory:" is accepted for tests and single-process tooling.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy: %w", err)
	}
	return &DB{db: db, path: path}, nil
}

// SQL returns the underlying *sql.DB for use by the domain stores.
func (d *DB) SQL() *sql.DB {
	return d.db
}

// Path returns the path the database was opened with.
func (d *DB) Path() string {
	return d.path
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// MigrateAll runs every migrator in order, stopping at the first failure.
func (d *DB) MigrateAll(ctx context.Context, ms ...Migrator) error {
	for _, m := range ms {
		if err := m.Migrate(ctx); err != nil {
			return err
		}
	}
	return nil
}

// #endregion db

// #region time-encoding
// FormatTime renders timestamps the way every table in this database stores them.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a timestamp written by FormatTime. Malformed values yield the zero time.
func ParseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// NullIfEmpty maps "" to SQL NULL.
func NullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion time-encoding

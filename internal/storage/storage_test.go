package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type migratorFunc func(ctx context.Context) error

func (f migratorFunc) Migrate(ctx context.Context) error { return f(ctx) }

func TestOpenFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, path, db.Path())

	var mode string
	require.NoError(t, db.SQL().QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, db.SQL().QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestMigrateAllStopsOnFirstError(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("boom")
	var ran []string
	err = db.MigrateAll(context.Background(),
		migratorFunc(func(context.Context) error { ran = append(ran, "a"); return nil }),
		migratorFunc(func(context.Context) error { ran = append(ran, "b"); return boom }),
		migratorFunc(func(context.Context) error { ran = append(ran, "c"); return nil }),
	)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b"}, ran)
}

func TestTimeRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 8, time.FixedZone("x", 3600))
	got := ParseTime(FormatTime(ts))
	assert.True(t, got.Equal(ts))
	assert.True(t, ParseTime("garbage").IsZero())
}

func TestNullIfEmpty(t *testing.T) {
	assert.Nil(t, NullIfEmpty(""))
	assert.Equal(t, "x", NullIfEmpty("x"))
}

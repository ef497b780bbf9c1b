package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSqliteDb(t *testing.T) {
	t.Run("in-memory", func(t *testing.T) {
		db, err := NewSqliteDb()
		require.NoError(t, err)
		defer db.Close()

		var one int
		require.NoError(t, db.Get(&one, "SELECT 1"))
		assert.Equal(t, 1, one)
	})

	t.Run("file-backed creates parent dirs", func(t *testing.T) {
		path := t.TempDir() + "/nested/dir/test.db"
		db, err := NewSqliteDb(WithPath(path), WithMaxOpenConns(1))
		require.NoError(t, err)
		defer db.Close()

		_, err = db.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY)")
		require.NoError(t, err)
	})

	t.Run("wal mode enabled", func(t *testing.T) {
		path := t.TempDir() + "/wal.db"
		db, err := NewSqliteDb(WithPath(path))
		require.NoError(t, err)
		defer db.Close()

		var mode string
		require.NoError(t, db.Get(&mode, "PRAGMA journal_mode"))
		assert.Equal(t, "wal", mode)
	})
}

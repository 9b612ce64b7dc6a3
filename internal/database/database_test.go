package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect_UnsupportedScheme(t *testing.T) {
	_, err := Connect("mysql://root@localhost/db")
	assert.Error(t, err)

	_, err = Connect("sqlite://")
	assert.Error(t, err)
}

func TestRunMigrations_SQLite(t *testing.T) {
	db, err := Connect("sqlite://:memory:")
	require.NoError(t, err)
	defer Close(db)

	require.NoError(t, RunMigrations(db))
	// second run is a no-op
	require.NoError(t, RunMigrations(db))

	for _, table := range []string{"jobs", "accounts", "verdicts"} {
		assert.True(t, db.Migrator().HasTable(table), "expected table %s", table)
	}
}

func TestConnect_SQLiteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warncheck.db")

	db, err := Connect("sqlite://" + path)
	require.NoError(t, err)
	require.NoError(t, RunMigrations(db))
	require.NoError(t, Close(db))

	// reopening sees the applied schema
	db, err = Connect("sqlite://" + path)
	require.NoError(t, err)
	defer Close(db)
	require.NoError(t, RunMigrations(db))
	assert.True(t, db.Migrator().HasTable("verdicts"))
}

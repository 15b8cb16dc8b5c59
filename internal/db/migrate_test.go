package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n)
	require.NoError(t, err)
	return n == 1
}

// TestMigrator_upDown verifies the schema is created and removed.
func TestMigrator_upDown(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	m, err := NewMigrator(db)
	require.NoError(t, err)

	v, dirty, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(0), v)
	assert.False(t, dirty)

	require.NoError(t, m.Up())
	assert.True(t, tableExists(t, db, "rundowns"))
	assert.True(t, tableExists(t, db, "edit_backups"))

	v, _, err = m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)

	require.NoError(t, m.Up(), "up with nothing pending is not an error")

	require.NoError(t, m.Down())
	assert.False(t, tableExists(t, db, "rundowns"))
	assert.False(t, tableExists(t, db, "edit_backups"))

	require.NoError(t, m.Steps(1))
	assert.True(t, tableExists(t, db, "rundowns"))
}

package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/netgate/internal/models"
)

func TestConnect(t *testing.T) {
	// Test with memory DB
	db, err := Connect("file::memory:?cache=shared")
	assert.NoError(t, err)
	assert.NotNil(t, db)

	// Test with file DB
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")
	db, err = Connect(dbPath)
	require.NoError(t, err)
	assert.NotNil(t, db)

	assert.True(t, db.Migrator().HasTable(&models.DecisionCounter{}))
	assert.True(t, db.Migrator().HasTable(&models.DomainCounter{}))
	assert.True(t, db.Migrator().HasTable(&models.EnforcementSession{}))
}

func TestConnect_BadPath(t *testing.T) {
	_, err := Connect(filepath.Join(t.TempDir(), "missing", "dir", "test.db"))
	assert.Error(t, err)
}

package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDAO(t *testing.T) DAO {
	t.Helper()

	dbFile := filepath.Join(t.TempDir(), "gateway.db")
	dao, err := New(WithDatabaseFile(dbFile))
	require.NoError(t, err)
	return dao
}

func TestNewCreatesDirectoryWhenNotExists(t *testing.T) {
	tempDir := t.TempDir()

	nonExistentDir := filepath.Join(tempDir, "nested", "directories", "that", "dont", "exist")
	dbFile := filepath.Join(nonExistentDir, "gateway.db")

	_, err := os.Stat(nonExistentDir)
	assert.True(t, os.IsNotExist(err), "Directory should not exist before database creation")

	dao, err := New(WithDatabaseFile(dbFile))
	require.NoError(t, err)
	require.NotNil(t, dao)

	stat, err := os.Stat(nonExistentDir)
	require.NoError(t, err, "Directory should exist after database creation")
	assert.True(t, stat.IsDir(), "Created path should be a directory")
}

func TestNewRequiresDatabaseFile(t *testing.T) {
	_, err := New()
	require.Error(t, err)
}

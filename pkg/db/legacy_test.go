package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLegacyLayoutMigration(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "gateway.db")

	// Seed a pre-multi-tenant database: same tables, no user_id column.
	raw, err := sql.Open("sqlite", "file:"+dbFile)
	require.NoError(t, err)
	_, err = raw.Exec(`
		CREATE TABLE oauth_tokens (server_id TEXT PRIMARY KEY, tokens_blob TEXT NOT NULL);
		CREATE TABLE oauth_client_info (server_id TEXT PRIMARY KEY, client_info_blob TEXT NOT NULL);
		INSERT INTO oauth_tokens (server_id, tokens_blob) VALUES ('notion', 'old-tokens');
		INSERT INTO oauth_client_info (server_id, client_info_blob) VALUES ('notion', 'old-client');
	`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	dao, err := New(WithDatabaseFile(dbFile))
	require.NoError(t, err)

	ctx := context.Background()

	// Rows are reachable under exactly one legacy tenant
	raw, err = sql.Open("sqlite", "file:"+dbFile)
	require.NoError(t, err)
	defer raw.Close()

	var tenant string
	require.NoError(t, raw.QueryRow(`SELECT user_id FROM oauth_tokens WHERE server_id = 'notion'`).Scan(&tenant))
	assert.True(t, strings.HasPrefix(tenant, "legacy-"), "expected a legacy tenant, got %q", tenant)

	blob, err := dao.GetTokens(ctx, tenant, "notion")
	require.NoError(t, err)
	assert.Equal(t, "old-tokens", string(blob))

	blob, err = dao.GetClientInfo(ctx, tenant, "notion")
	require.NoError(t, err)
	assert.Equal(t, "old-client", string(blob))

	// The parked tables are gone
	var count int
	require.NoError(t, raw.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name LIKE '%_legacy'`,
	).Scan(&count))
	assert.Zero(t, count)
}

func TestCurrentLayoutIsNotTouched(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "gateway.db")

	dao, err := New(WithDatabaseFile(dbFile))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, dao.PutTokens(ctx, "tenant-a", "srv", []byte("tokens")))

	// Reopen: rows keep their tenant
	dao2, err := New(WithDatabaseFile(dbFile))
	require.NoError(t, err)

	blob, err := dao2.GetTokens(ctx, "tenant-a", "srv")
	require.NoError(t, err)
	assert.Equal(t, "tokens", string(blob))
}

package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertAndListServers(t *testing.T) {
	dao := newTestDAO(t)
	ctx := context.Background()

	require.NoError(t, dao.UpsertServer(ctx, UpstreamServer{
		Tenant:    "tenant-a",
		ServerID:  "notion",
		URL:       "https://mcp.notion.com/mcp",
		Transport: "http",
		AuthKind:  "oauth",
	}))
	require.NoError(t, dao.UpsertServer(ctx, UpstreamServer{
		Tenant:    "tenant-a",
		ServerID:  "example",
		URL:       "https://mcp.example.com/mcp",
		Transport: "sse",
		AuthKind:  "none",
	}))

	// Upsert replaces
	require.NoError(t, dao.UpsertServer(ctx, UpstreamServer{
		Tenant:    "tenant-a",
		ServerID:  "notion",
		URL:       "https://mcp.notion.com/mcp",
		Transport: "http",
		Name:      "Notion",
		Version:   "2.1.0",
		AuthKind:  "oauth",
	}))

	server, err := dao.GetServer(ctx, "tenant-a", "notion")
	require.NoError(t, err)
	require.NotNil(t, server)
	assert.Equal(t, "Notion", server.Name)
	assert.Equal(t, "2.1.0", server.Version)

	servers, err := dao.ListServers(ctx, "tenant-a")
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, "example", servers[0].ServerID)
	assert.Equal(t, "notion", servers[1].ServerID)

	// Another tenant sees nothing
	servers, err = dao.ListServers(ctx, "tenant-b")
	require.NoError(t, err)
	assert.Empty(t, servers)

	server, err = dao.GetServer(ctx, "tenant-b", "notion")
	require.NoError(t, err)
	assert.Nil(t, server)

	require.NoError(t, dao.DeleteServer(ctx, "tenant-a", "notion"))
	server, err = dao.GetServer(ctx, "tenant-a", "notion")
	require.NoError(t, err)
	assert.Nil(t, server)
}

func TestFaviconCache(t *testing.T) {
	dao := newTestDAO(t)
	ctx := context.Background()

	entry, err := dao.GetFavicon(ctx, "https://mcp.example.com")
	require.NoError(t, err)
	assert.Nil(t, entry)

	require.NoError(t, dao.PutFavicon(ctx, "https://mcp.example.com", "https://mcp.example.com/favicon.ico"))

	entry, err = dao.GetFavicon(ctx, "https://mcp.example.com")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "https://mcp.example.com/favicon.ico", entry.ResolvedURL)
	assert.False(t, entry.CachedAt.IsZero())
}

package mcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoot-chat/mcp-gateway/pkg/oauth"
)

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	dao := newTestDAO(t)
	return NewDetector(oauth.NewProvider(dao, "http://localhost:8091/oauth/callback"))
}

func TestProbePublicHTTPServer(t *testing.T) {
	detector := newTestDetector(t)
	url := startHTTPUpstream(t, newEchoMCPServer("weather", "get_forecast"))

	result, err := detector.Probe(context.Background(), "tenant-a", url)
	require.NoError(t, err)
	assert.Equal(t, TransportHTTP, result.Transport)
	require.NotNil(t, result.ServerInfo)
	assert.Equal(t, "weather", result.ServerInfo.Name)
	assert.Equal(t, "2.1.0", result.ServerInfo.Version)
	assert.False(t, result.RequiresOAuth)
	assert.False(t, result.RequiresHeaderAuth)
}

func TestProbeSSEOnlyServer(t *testing.T) {
	detector := newTestDetector(t)
	url := startSSEUpstream(t, newEchoMCPServer("files", "read_file"))

	result, err := detector.Probe(context.Background(), "tenant-a", url)
	require.NoError(t, err)
	assert.Equal(t, TransportSSE, result.Transport)
	require.NotNil(t, result.ServerInfo)
	assert.Equal(t, "files", result.ServerInfo.Name)
}

func TestProbeOAuthServer(t *testing.T) {
	detector := newTestDetector(t)
	upstream := newOAuthUpstream(t, newEchoMCPServer("notion", "search"))

	result, err := detector.Probe(context.Background(), "tenant-a", upstream.mcpURL())
	require.NoError(t, err)
	assert.True(t, result.RequiresOAuth)
	assert.False(t, result.RequiresClientCredentials)
	assert.False(t, result.RequiresHeaderAuth)
	assert.NotEmpty(t, result.Transport)
	assert.Contains(t, result.AuthorizationURL, "/authorize?")
	assert.Contains(t, result.AuthorizationURL, "code_challenge=")
	require.NotNil(t, result.ServerInfo, "name synthesized when auth blocks the handshake")
	assert.Equal(t, "1.0.0", result.ServerInfo.Version)
}

func TestProbeClientCredentialsServer(t *testing.T) {
	detector := newTestDetector(t)
	upstream := newOAuthUpstream(t, newEchoMCPServer("api", "query"),
		"authorization_code", "refresh_token", "client_credentials")

	result, err := detector.Probe(context.Background(), "tenant-a", upstream.mcpURL())
	require.NoError(t, err)
	assert.True(t, result.RequiresOAuth)
	assert.True(t, result.RequiresClientCredentials)
}

func TestProbeHeaderAuthServer(t *testing.T) {
	detector := newTestDetector(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	result, err := detector.Probe(context.Background(), "tenant-a", srv.URL+"/mcp")
	require.NoError(t, err)
	assert.True(t, result.RequiresHeaderAuth)
	assert.False(t, result.RequiresOAuth)
	assert.Empty(t, result.AuthorizationURL)
}

func TestProbeNotAnMCPServer(t *testing.T) {
	detector := newTestDetector(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := detector.Probe(context.Background(), "tenant-a", srv.URL+"/mcp")
	assert.Error(t, err)
}

func TestServerIDFromURL(t *testing.T) {
	testCases := []struct {
		url      string
		id       string
		name     string
	}{
		{url: "https://mcp.notion.com/mcp", id: "notion", name: "Notion"},
		{url: "https://example.com/mcp", id: "example", name: "Example"},
		{url: "https://api.eu.linear.app/sse", id: "linear", name: "Linear"},
		{url: "http://localhost:8080/mcp", id: "localhost", name: "Localhost"},
		{url: "http://127.0.0.1:8080/mcp", id: "server", name: "Server"},
		{url: "not a url", id: "server", name: "Server"},
	}
	for _, tc := range testCases {
		t.Run(tc.url, func(t *testing.T) {
			assert.Equal(t, tc.id, serverIDFromURL(tc.url))
			info := synthesizeServerInfo(tc.url)
			assert.Equal(t, tc.name, info.Name)
			assert.Equal(t, "1.0.0", info.Version)
		})
	}
}

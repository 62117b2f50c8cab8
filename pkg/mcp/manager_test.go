package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/hoot-chat/mcp-gateway/pkg/db"
	"github.com/hoot-chat/mcp-gateway/pkg/oauth"
)

func newTestDAO(t *testing.T) db.DAO {
	t.Helper()
	dao, err := db.New(db.WithDatabaseFile(filepath.Join(t.TempDir(), "gateway.db")))
	require.NoError(t, err)
	return dao
}

func newTestManager(t *testing.T) (*Manager, db.DAO) {
	t.Helper()
	dao := newTestDAO(t)
	provider := oauth.NewProvider(dao, "http://localhost:8091/oauth/callback")
	return NewManager(dao, provider), dao
}

func newEchoMCPServer(name string, toolNames ...string) *server.MCPServer {
	s := server.NewMCPServer(name, "2.1.0", server.WithToolCapabilities(false))
	for _, toolName := range toolNames {
		tool := mcpgo.NewTool(toolName, mcpgo.WithDescription("does "+toolName))
		s.AddTool(tool, func(_ context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
			input, _ := req.GetArguments()["input"].(string)
			return mcpgo.NewToolResultText("echo:" + input), nil
		})
	}
	return s
}

func startHTTPUpstream(t *testing.T, mcpServer *server.MCPServer) string {
	t.Helper()
	srv := httptest.NewServer(server.NewStreamableHTTPServer(mcpServer))
	t.Cleanup(srv.Close)
	return srv.URL + "/mcp"
}

// SSE needs its advertised base URL up front, so the listener comes first.
func startSSEUpstream(t *testing.T, mcpServer *server.MCPServer) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	baseURL := "http://" + listener.Addr().String()
	sseServer := server.NewSSEServer(mcpServer,
		server.WithBaseURL(baseURL),
		server.WithSSEEndpoint("/sse"),
		server.WithMessageEndpoint("/message"),
	)
	httpServer := &http.Server{Handler: sseServer}
	go func() { _ = httpServer.Serve(listener) }()
	t.Cleanup(func() { _ = httpServer.Close() })
	return baseURL + "/sse"
}

// oauthUpstream is an MCP server behind bearer auth, with the matching
// authorization-server endpoints on the same origin.
type oauthUpstream struct {
	srv        *httptest.Server
	grantTypes []string

	mu           sync.Mutex
	accepted     map[string]bool
	refreshCalls atomic.Int32
}

func newOAuthUpstream(t *testing.T, mcpServer *server.MCPServer, grantTypes ...string) *oauthUpstream {
	t.Helper()
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	u := &oauthUpstream{
		grantTypes: grantTypes,
		accepted:   map[string]bool{"fresh-token": true},
	}

	mcpHandler := server.NewStreamableHTTPServer(mcpServer)
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(w, map[string]any{
			"issuer":                 u.srv.URL,
			"authorization_endpoint": u.srv.URL + "/authorize",
			"token_endpoint":         u.srv.URL + "/token",
			"registration_endpoint":  u.srv.URL + "/register",
			"grant_types_supported":  u.grantTypes,
		})
	})
	mux.HandleFunc("/register", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		writeTestJSON(w, map[string]any{"client_id": "client-123"})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		switch r.Form.Get("grant_type") {
		case "refresh_token":
			if r.Form.Get("refresh_token") != "refresh-1" {
				w.WriteHeader(http.StatusBadRequest)
				writeTestJSON(w, map[string]any{"error": "invalid_grant"})
				return
			}
			u.refreshCalls.Add(1)
			writeTestJSON(w, map[string]any{
				"access_token": "fresh-token", "refresh_token": "refresh-2",
				"token_type": "Bearer", "expires_in": 3600,
			})
		case "authorization_code":
			writeTestJSON(w, map[string]any{
				"access_token": "fresh-token", "refresh_token": "refresh-1",
				"token_type": "Bearer", "expires_in": 3600,
			})
		case "client_credentials":
			writeTestJSON(w, map[string]any{
				"access_token": "fresh-token", "token_type": "Bearer", "expires_in": 3600,
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
			writeTestJSON(w, map[string]any{"error": "unsupported_grant_type"})
		}
	})
	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		ok := u.accepted[bearerOf(r)]
		u.mu.Unlock()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="`+u.srv.URL+`"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mcpHandler.ServeHTTP(w, r)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	u.srv = httptest.NewServer(mux)
	t.Cleanup(u.srv.Close)
	return u
}

func (u *oauthUpstream) mcpURL() string {
	return u.srv.URL + "/mcp"
}

func bearerOf(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

func writeTestJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// seedOAuth writes artifacts in the provider's blob encoding directly
// into the store.
func seedOAuth(t *testing.T, dao db.DAO, tenant, serverID string, info oauth.ClientInfo, token oauth2.Token) {
	t.Helper()
	blob := func(v any) []byte {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		return []byte(base64.StdEncoding.EncodeToString(raw))
	}
	ctx := context.Background()
	require.NoError(t, dao.PutClientInfo(ctx, tenant, serverID, blob(info)))
	require.NoError(t, dao.PutTokens(ctx, tenant, serverID, blob(token)))
}

func TestConnectListExecuteHTTP(t *testing.T) {
	manager, dao := newTestManager(t)
	url := startHTTPUpstream(t, newEchoMCPServer("weather", "get_forecast", "get_alerts"))
	ctx := context.Background()

	result, err := manager.Connect(ctx, "tenant-a", ConnectRequest{
		ServerID:  "weather",
		URL:       url,
		Transport: TransportHTTP,
	})
	require.NoError(t, err)
	assert.Equal(t, "weather", result.ServerInfo.Name)
	assert.Equal(t, "2.1.0", result.ServerInfo.Version)
	assert.True(t, manager.IsConnected("tenant-a", "weather"))
	assert.Equal(t, []string{"weather"}, manager.Connections("tenant-a"))
	assert.Equal(t, 1, manager.ConnectionCount())

	tools, err := manager.ListTools(ctx, "tenant-a", "weather")
	require.NoError(t, err)
	require.Len(t, tools, 2)
	names := []string{tools[0].Name, tools[1].Name}
	assert.Contains(t, names, "get_forecast")
	assert.Contains(t, names, "get_alerts")
	assert.NotEmpty(t, tools[0].InputSchema)

	callResult, err := manager.CallTool(ctx, "tenant-a", "weather", "get_forecast", map[string]any{"input": "berlin"})
	require.NoError(t, err)
	require.Len(t, callResult.Content, 1)
	text, ok := mcpgo.AsTextContent(callResult.Content[0])
	require.True(t, ok)
	assert.Equal(t, "echo:berlin", text.Text)

	row, err := dao.GetServer(ctx, "tenant-a", "weather")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, url, row.URL)
	assert.Equal(t, TransportHTTP, row.Transport)
	assert.Equal(t, "none", row.AuthKind)
}

func TestConnectSSE(t *testing.T) {
	manager, _ := newTestManager(t)
	url := startSSEUpstream(t, newEchoMCPServer("files", "read_file"))
	ctx := context.Background()

	result, err := manager.Connect(ctx, "tenant-a", ConnectRequest{
		ServerID:  "files",
		URL:       url,
		Transport: TransportSSE,
	})
	require.NoError(t, err)
	assert.Equal(t, "files", result.ServerInfo.Name)

	tools, err := manager.ListTools(ctx, "tenant-a", "files")
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "read_file", tools[0].Name)
}

func TestConnectHeaderAuth(t *testing.T) {
	manager, _ := newTestManager(t)
	mcpHandler := server.NewStreamableHTTPServer(newEchoMCPServer("internal", "ping"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "sekrit" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mcpHandler.ServeHTTP(w, r)
	}))
	defer srv.Close()
	ctx := context.Background()

	_, err := manager.Connect(ctx, "tenant-a", ConnectRequest{
		ServerID: "internal",
		URL:      srv.URL + "/mcp",
		Auth:     AuthConfig{Kind: AuthHeader, Headers: map[string]string{"X-Api-Key": "wrong"}},
	})
	require.Error(t, err)
	var authErr *AuthRequiredError
	assert.False(t, errors.As(err, &authErr), "header auth failure is a plain error")

	_, err = manager.Connect(ctx, "tenant-a", ConnectRequest{
		ServerID: "internal",
		URL:      srv.URL + "/mcp",
		Auth:     AuthConfig{Kind: AuthHeader, Headers: map[string]string{"X-Api-Key": "sekrit"}},
	})
	require.NoError(t, err)

	tools, err := manager.ListTools(ctx, "tenant-a", "internal")
	require.NoError(t, err)
	assert.Len(t, tools, 1)
}

func TestConnectWithoutGrantReturnsAuthRequired(t *testing.T) {
	manager, _ := newTestManager(t)
	upstream := newOAuthUpstream(t, newEchoMCPServer("notion", "search"))
	ctx := context.Background()

	_, err := manager.Connect(ctx, "tenant-a", ConnectRequest{
		ServerID: "notion",
		URL:      upstream.mcpURL(),
		Auth:     AuthConfig{Kind: AuthOAuth},
	})
	require.Error(t, err)

	var authErr *AuthRequiredError
	require.True(t, errors.As(err, &authErr))
	assert.Contains(t, authErr.AuthorizationURL, "/authorize?")
	assert.Contains(t, authErr.AuthorizationURL, "code_challenge=")
	assert.Contains(t, authErr.AuthorizationURL, "client_id=client-123")
	assert.False(t, manager.IsConnected("tenant-a", "notion"))
}

func TestConnectRefreshesRejectedToken(t *testing.T) {
	manager, dao := newTestManager(t)
	upstream := newOAuthUpstream(t, newEchoMCPServer("notion", "search"))
	ctx := context.Background()

	// A stored token the upstream no longer accepts, expiry still ahead
	seedOAuth(t, dao, "tenant-a", "notion",
		oauth.ClientInfo{
			ServerURL:             upstream.mcpURL(),
			ClientID:              "client-123",
			AuthorizationEndpoint: upstream.srv.URL + "/authorize",
			TokenEndpoint:         upstream.srv.URL + "/token",
		},
		oauth2.Token{
			AccessToken:  "stale-token",
			RefreshToken: "refresh-1",
			TokenType:    "Bearer",
			Expiry:       time.Now().Add(time.Hour),
		})

	result, err := manager.Connect(ctx, "tenant-a", ConnectRequest{
		ServerID: "notion",
		URL:      upstream.mcpURL(),
		Auth:     AuthConfig{Kind: AuthOAuth},
	})
	require.NoError(t, err)
	assert.Equal(t, "notion", result.ServerInfo.Name)
	assert.Equal(t, int32(1), upstream.refreshCalls.Load())

	callResult, err := manager.CallTool(ctx, "tenant-a", "notion", "search", map[string]any{"input": "roadmap"})
	require.NoError(t, err)
	text, ok := mcpgo.AsTextContent(callResult.Content[0])
	require.True(t, ok)
	assert.Equal(t, "echo:roadmap", text.Text)
	assert.Equal(t, int32(1), upstream.refreshCalls.Load(), "no further refresh once the token works")
}

func TestConnectClientCredentials(t *testing.T) {
	manager, _ := newTestManager(t)
	upstream := newOAuthUpstream(t, newEchoMCPServer("api", "query"), "client_credentials")
	ctx := context.Background()

	result, err := manager.Connect(ctx, "tenant-a", ConnectRequest{
		ServerID: "api",
		URL:      upstream.mcpURL(),
		Auth: AuthConfig{
			Kind:         AuthClientCredentials,
			ClientID:     "svc-client",
			ClientSecret: "svc-secret",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "api", result.ServerInfo.Name)

	tools, err := manager.ListTools(ctx, "tenant-a", "api")
	require.NoError(t, err)
	assert.Len(t, tools, 1)
}

func TestManagerRehydratesFromStore(t *testing.T) {
	manager, dao := newTestManager(t)
	url := startHTTPUpstream(t, newEchoMCPServer("weather", "get_forecast"))
	ctx := context.Background()

	_, err := manager.Connect(ctx, "tenant-a", ConnectRequest{ServerID: "weather", URL: url})
	require.NoError(t, err)

	// A second process: same store, empty memory
	fresh := NewManager(dao, oauth.NewProvider(dao, "http://localhost:8091/oauth/callback"))
	assert.False(t, fresh.IsConnected("tenant-a", "weather"))

	tools, err := fresh.ListTools(ctx, "tenant-a", "weather")
	require.NoError(t, err)
	assert.Len(t, tools, 1)
}

func TestDisconnectForgetsConfiguration(t *testing.T) {
	manager, _ := newTestManager(t)
	url := startHTTPUpstream(t, newEchoMCPServer("weather", "get_forecast"))
	ctx := context.Background()

	_, err := manager.Connect(ctx, "tenant-a", ConnectRequest{ServerID: "weather", URL: url})
	require.NoError(t, err)
	require.True(t, manager.IsConnected("tenant-a", "weather"))

	manager.Disconnect("tenant-a", "weather")
	assert.False(t, manager.IsConnected("tenant-a", "weather"))
	assert.Empty(t, manager.Connections("tenant-a"))
}

func TestOperationsOnUnknownServer(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	_, err := manager.ListTools(ctx, "tenant-a", "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerNotFound)

	_, err = manager.CallTool(ctx, "tenant-a", "nope", "tool", nil)
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestTenantIsolationOfConnections(t *testing.T) {
	manager, _ := newTestManager(t)
	url := startHTTPUpstream(t, newEchoMCPServer("weather", "get_forecast"))
	ctx := context.Background()

	_, err := manager.Connect(ctx, "tenant-a", ConnectRequest{ServerID: "weather", URL: url})
	require.NoError(t, err)

	assert.False(t, manager.IsConnected("tenant-b", "weather"))
	assert.Empty(t, manager.Connections("tenant-b"))

	_, err = manager.ListTools(ctx, "tenant-b", "weather")
	assert.ErrorIs(t, err, ErrServerNotFound)
}

func TestAuthConfigValidate(t *testing.T) {
	testCases := []struct {
		name    string
		config  AuthConfig
		wantErr bool
	}{
		{name: "absent kind", config: AuthConfig{}},
		{name: "none", config: AuthConfig{Kind: AuthNone}},
		{name: "header", config: AuthConfig{Kind: AuthHeader, Headers: map[string]string{"X-Api-Key": "k"}}},
		{name: "oauth", config: AuthConfig{Kind: AuthOAuth}},
		{name: "client credentials", config: AuthConfig{Kind: AuthClientCredentials, ClientID: "id"}},
		{name: "client credentials without id", config: AuthConfig{Kind: AuthClientCredentials}, wantErr: true},
		{name: "unknown kind", config: AuthConfig{Kind: "basic"}, wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.config.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIsUnauthorized(t *testing.T) {
	assert.True(t, isUnauthorized(fmt.Errorf("request failed: 401 Unauthorized")))
	assert.True(t, isUnauthorized(fmt.Errorf("upstream said invalid_token")))
	assert.False(t, isUnauthorized(fmt.Errorf("connection refused")))
	assert.False(t, isUnauthorized(nil))
}

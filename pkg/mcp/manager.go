package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/hoot-chat/mcp-gateway/pkg/db"
	"github.com/hoot-chat/mcp-gateway/pkg/log"
	"github.com/hoot-chat/mcp-gateway/pkg/oauth"
)

const initializeTimeout = 10 * time.Second

// Manager owns MCP sessions to upstream servers. Sessions are opened per
// operation and released with it: OAuth tokens cached in the tenant store
// make reopening cheap, and correctness never depends on reuse. What
// survives between requests is configuration, not sockets.
type Manager struct {
	dao      db.DAO
	provider *oauth.Provider
	timeout  time.Duration

	mu        sync.Mutex
	configs   map[string]sessionConfig
	connected map[string]*ServerInfo
}

type sessionConfig struct {
	url       string
	transport string
	auth      AuthConfig
}

// ConnectRequest is the façade's connect payload.
type ConnectRequest struct {
	ServerID          string
	ServerName        string
	URL               string
	Transport         string
	Auth              AuthConfig
	AuthorizationCode string
	ReturnState       json.RawMessage
}

type ConnectResult struct {
	ServerInfo *ServerInfo
	Transport  string
}

func NewManager(dao db.DAO, provider *oauth.Provider) *Manager {
	return &Manager{
		dao:       dao,
		provider:  provider,
		timeout:   initializeTimeout,
		configs:   make(map[string]sessionConfig),
		connected: make(map[string]*ServerInfo),
	}
}

func sessionKey(tenant, serverID string) string {
	return tenant + "/" + serverID
}

// Connect establishes that the upstream is reachable with the given
// configuration. A missing OAuth grant is not an error: the caller
// receives an *AuthRequiredError carrying the authorization URL.
func (m *Manager) Connect(ctx context.Context, tenant string, req ConnectRequest) (*ConnectResult, error) {
	if err := req.Auth.Validate(); err != nil {
		return nil, err
	}
	transportKind := req.Transport
	if transportKind == "" {
		transportKind = TransportHTTP
	}

	cfg := sessionConfig{url: req.URL, transport: transportKind, auth: req.Auth}

	switch req.Auth.normalized() {
	case AuthClientCredentials:
		err := m.provider.EnsureClientCredentials(ctx, tenant, req.ServerID, req.URL,
			req.Auth.ClientID, req.Auth.ClientSecret, req.Auth.Scopes)
		if err != nil {
			return nil, err
		}
	case AuthOAuth:
		// A supplied code means the caller is completing the flow
		if req.AuthorizationCode != "" {
			if err := m.provider.Exchange(ctx, tenant, req.ServerID, req.AuthorizationCode); err != nil {
				return nil, err
			}
		}
	}

	mcpClient, serverInfo, err := m.open(ctx, tenant, req.ServerID, cfg, req.ReturnState)
	if err != nil {
		return nil, err
	}
	mcpClient.Close()

	m.mu.Lock()
	key := sessionKey(tenant, req.ServerID)
	m.configs[key] = cfg
	m.connected[key] = serverInfo
	m.mu.Unlock()

	name := serverInfo.Name
	if name == "" {
		name = req.ServerName
	}
	if err := m.dao.UpsertServer(ctx, db.UpstreamServer{
		Tenant:    tenant,
		ServerID:  req.ServerID,
		URL:       req.URL,
		Transport: transportKind,
		Name:      name,
		Version:   serverInfo.Version,
		AuthKind:  string(req.Auth.normalized()),
	}); err != nil {
		log.Logf("! Failed to persist server %s: %v", req.ServerID, err)
	}

	return &ConnectResult{ServerInfo: serverInfo, Transport: transportKind}, nil
}

// ListTools opens a session transparently from last-known configuration
// and returns the full upstream tool set.
func (m *Manager) ListTools(ctx context.Context, tenant, serverID string) ([]Tool, error) {
	var tools []Tool
	err := m.withSession(ctx, tenant, serverID, func(sessionCtx context.Context, mcpClient *client.Client) error {
		var err error
		tools, err = listTools(sessionCtx, mcpClient)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tools, nil
}

// CallTool forwards one tool execution. In-band upstream errors come back
// inside the result, untouched.
func (m *Manager) CallTool(ctx context.Context, tenant, serverID, toolName string, args map[string]any) (*mcpgo.CallToolResult, error) {
	var result *mcpgo.CallToolResult
	err := m.withSession(ctx, tenant, serverID, func(sessionCtx context.Context, mcpClient *client.Client) error {
		var err error
		result, err = callTool(sessionCtx, mcpClient, toolName, args)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Disconnect drops the remembered configuration. With per-operation
// sessions there is no socket to close.
func (m *Manager) Disconnect(tenant, serverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionKey(tenant, serverID)
	delete(m.configs, key)
	delete(m.connected, key)
}

// IsConnected reports whether a successful connect happened for this key
// in this process lifetime.
func (m *Manager) IsConnected(tenant, serverID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.connected[sessionKey(tenant, serverID)]
	return ok
}

// Connections lists the serverIDs connected for a tenant.
func (m *Manager) Connections(tenant string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := tenant + "/"
	var ids []string
	for key := range m.connected {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			ids = append(ids, key[len(prefix):])
		}
	}
	return ids
}

// ConnectionCount is used by the health endpoint.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connected)
}

// ServerInfoFor resolves the last-known identity of an upstream, falling
// back to the persisted metadata.
func (m *Manager) ServerInfoFor(ctx context.Context, tenant, serverID string) (*ServerInfo, error) {
	m.mu.Lock()
	info, ok := m.connected[sessionKey(tenant, serverID)]
	m.mu.Unlock()
	if ok {
		return info, nil
	}

	server, err := m.dao.GetServer(ctx, tenant, serverID)
	if err != nil || server == nil {
		return nil, err
	}
	return &ServerInfo{Name: server.Name, Version: server.Version}, nil
}

// withSession opens a session, runs fn, and retries exactly once behind a
// forced token refresh when the upstream rejects the session mid-flight.
func (m *Manager) withSession(ctx context.Context, tenant, serverID string, fn func(context.Context, *client.Client) error) error {
	cfg, err := m.configFor(ctx, tenant, serverID)
	if err != nil {
		return err
	}

	mcpClient, _, err := m.open(ctx, tenant, serverID, cfg, nil)
	if err != nil {
		return err
	}

	err = fn(ctx, mcpClient)
	mcpClient.Close()
	if err == nil || !isUnauthorized(err) || !cfg.auth.usesOAuth() {
		return err
	}

	// Mid-session 401: one refresh, one retry
	if _, rerr := m.provider.ForceRefresh(ctx, tenant, serverID); rerr != nil {
		return m.authRequired(ctx, tenant, serverID, cfg, nil, rerr)
	}

	mcpClient, _, err = m.open(ctx, tenant, serverID, cfg, nil)
	if err != nil {
		return err
	}
	defer mcpClient.Close()

	err = fn(ctx, mcpClient)
	if err != nil && isUnauthorized(err) {
		return m.authRequired(ctx, tenant, serverID, cfg, nil, err)
	}
	return err
}

// open dials and initializes one session. An initialize rejected for auth
// triggers a single refresh-and-retry; a second rejection surfaces
// AuthRequiredError with a fresh authorization URL.
func (m *Manager) open(ctx context.Context, tenant, serverID string, cfg sessionConfig, returnState json.RawMessage) (*client.Client, *ServerInfo, error) {
	headers, err := m.buildHeaders(ctx, tenant, serverID, cfg, returnState)
	if err != nil {
		return nil, nil, err
	}

	initCtx, cancel := context.WithTimeout(ctx, m.timeout)
	mcpClient, serverInfo, err := dialAndInitialize(initCtx, cfg.transport, cfg.url, headers)
	cancel()
	if err == nil {
		return mcpClient, serverInfo, nil
	}
	if !isUnauthorized(err) {
		return nil, nil, err
	}
	if !cfg.auth.usesOAuth() {
		return nil, nil, err
	}

	if _, rerr := m.provider.ForceRefresh(ctx, tenant, serverID); rerr != nil {
		return nil, nil, m.authRequired(ctx, tenant, serverID, cfg, returnState, rerr)
	}

	headers, err = m.buildHeaders(ctx, tenant, serverID, cfg, returnState)
	if err != nil {
		return nil, nil, err
	}

	initCtx, cancel = context.WithTimeout(ctx, m.timeout)
	mcpClient, serverInfo, err = dialAndInitialize(initCtx, cfg.transport, cfg.url, headers)
	cancel()
	if err == nil {
		return mcpClient, serverInfo, nil
	}
	if isUnauthorized(err) {
		return nil, nil, m.authRequired(ctx, tenant, serverID, cfg, returnState, err)
	}
	return nil, nil, err
}

// buildHeaders merges static headers with a minted Authorization bearer
// for the OAuth variants.
func (m *Manager) buildHeaders(ctx context.Context, tenant, serverID string, cfg sessionConfig, returnState json.RawMessage) (map[string]string, error) {
	headers := make(map[string]string, len(cfg.auth.Headers)+1)
	for k, v := range cfg.auth.Headers {
		headers[k] = v
	}

	if cfg.auth.usesOAuth() {
		access, err := m.provider.AccessToken(ctx, tenant, serverID)
		if err != nil {
			if errors.Is(err, oauth.ErrNeedsAuthorization) {
				return nil, m.authRequired(ctx, tenant, serverID, cfg, returnState, err)
			}
			return nil, err
		}
		headers["Authorization"] = "Bearer " + access
	}
	return headers, nil
}

// authRequired converts a missing grant into the non-fatal
// AuthRequiredError, minting a fresh authorization URL. The
// client-credentials variant has no redirect to offer; its failure stays
// an error.
func (m *Manager) authRequired(ctx context.Context, tenant, serverID string, cfg sessionConfig, returnState json.RawMessage, cause error) error {
	if cfg.auth.normalized() == AuthClientCredentials {
		return fmt.Errorf("client credentials rejected by %s: %w", serverID, cause)
	}

	if returnState == nil {
		returnState = json.RawMessage(fmt.Sprintf(`{"serverId":%q}`, serverID))
	}
	authURL, err := m.provider.BeginAuthorization(ctx, tenant, serverID, cfg.url, cfg.auth.CustomMetadata, returnState)
	if err != nil {
		return fmt.Errorf("building authorization URL for %s: %w (after: %v)", serverID, err, cause)
	}
	return &AuthRequiredError{AuthorizationURL: authURL}
}

// configFor resolves the session configuration: process memory first,
// then the persisted server row.
func (m *Manager) configFor(ctx context.Context, tenant, serverID string) (sessionConfig, error) {
	m.mu.Lock()
	cfg, ok := m.configs[sessionKey(tenant, serverID)]
	m.mu.Unlock()
	if ok {
		return cfg, nil
	}

	server, err := m.dao.GetServer(ctx, tenant, serverID)
	if err != nil {
		return sessionConfig{}, err
	}
	if server == nil {
		return sessionConfig{}, fmt.Errorf("unknown server %q: %w", serverID, ErrServerNotFound)
	}

	cfg = sessionConfig{
		url:       server.URL,
		transport: server.Transport,
		auth:      AuthConfig{Kind: AuthKind(server.AuthKind)},
	}
	m.mu.Lock()
	m.configs[sessionKey(tenant, serverID)] = cfg
	m.mu.Unlock()
	return cfg, nil
}

// ErrServerNotFound marks operations against a serverId never connected
// nor persisted for this tenant.
var ErrServerNotFound = errors.New("server not found")

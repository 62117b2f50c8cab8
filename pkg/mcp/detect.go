package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/hoot-chat/mcp-gateway/pkg/log"
	"github.com/hoot-chat/mcp-gateway/pkg/oauth"
)

// DetectResult classifies an unknown URL: which transport speaks MCP and
// what the caller must supply before a connect can succeed.
type DetectResult struct {
	URL                       string      `json:"url"`
	Transport                 string      `json:"transport,omitempty"`
	ServerInfo                *ServerInfo `json:"serverInfo,omitempty"`
	RequiresOAuth             bool        `json:"requiresOAuth"`
	RequiresClientCredentials bool        `json:"requiresClientCredentials,omitempty"`
	RequiresHeaderAuth        bool        `json:"requiresHeaderAuth,omitempty"`
	AuthorizationURL          string      `json:"authUrl,omitempty"`
	SuggestedServerID         string      `json:"suggestedServerId,omitempty"`
}

// Detector probes unknown URLs. It never caches: the façade may, the
// probe must stay a pure observation.
type Detector struct {
	provider *oauth.Provider
	timeout  time.Duration
}

func NewDetector(provider *oauth.Provider) *Detector {
	return &Detector{provider: provider, timeout: initializeTimeout}
}

// Probe attempts streamable HTTP first, then SSE. HTTP wins ties because
// it has lower first-byte latency on most upstreams.
func (d *Detector) Probe(ctx context.Context, tenant, rawURL string) (*DetectResult, error) {
	result := &DetectResult{
		URL:               rawURL,
		SuggestedServerID: serverIDFromURL(rawURL),
	}

	probeCtx, cancel := context.WithTimeout(ctx, d.timeout)
	httpErr := d.tryTransport(probeCtx, TransportHTTP, rawURL, result)
	cancel()
	if httpErr == nil {
		return result, nil
	}

	probeCtx, cancel = context.WithTimeout(ctx, d.timeout)
	sseErr := d.tryTransport(probeCtx, TransportSSE, rawURL, result)
	cancel()
	if sseErr == nil {
		return result, nil
	}

	if isUnauthorized(httpErr) || isUnauthorized(sseErr) {
		if isUnauthorized(httpErr) {
			result.Transport = TransportHTTP
		} else {
			result.Transport = TransportSSE
		}
		result.ServerInfo = synthesizeServerInfo(rawURL)
		d.classifyAuth(ctx, tenant, rawURL, result)
		return result, nil
	}

	return nil, fmt.Errorf("no MCP server detected at %s (http: %v; sse: %v)", rawURL, httpErr, sseErr)
}

func (d *Detector) tryTransport(ctx context.Context, transportKind, rawURL string, result *DetectResult) error {
	mcpClient, serverInfo, err := dialAndInitialize(ctx, transportKind, rawURL, nil)
	if err != nil {
		return err
	}
	mcpClient.Close()
	result.Transport = transportKind
	result.ServerInfo = serverInfo
	return nil
}

// classifyAuth distinguishes OAuth from static header auth: a discoverable
// authorization server means OAuth, a bare 401/403 means the caller must
// supply its own headers.
func (d *Detector) classifyAuth(ctx context.Context, tenant, rawURL string, result *DetectResult) {
	metadata, _, err := d.provider.Discoverer().Discover(ctx, rawURL)
	if err != nil {
		result.RequiresHeaderAuth = true
		return
	}

	result.RequiresOAuth = true
	for _, grant := range metadata.GrantTypesSupported {
		if grant == "client_credentials" {
			result.RequiresClientCredentials = true
			break
		}
	}

	returnState := json.RawMessage(fmt.Sprintf(`{"serverId":%q}`, result.SuggestedServerID))
	authURL, err := d.provider.BeginAuthorization(ctx, tenant, result.SuggestedServerID, rawURL, nil, returnState)
	if err != nil {
		log.Logf("! Could not build authorization URL for %s: %v", rawURL, err)
		return
	}
	result.AuthorizationURL = authURL
}

// serverIDFromURL derives a stable suggestion from the host: the
// second-to-last label, so mcp.notion.com becomes notion.
func serverIDFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "server"
	}
	if net.ParseIP(u.Hostname()) != nil {
		return "server"
	}
	labels := strings.Split(u.Hostname(), ".")
	if len(labels) >= 2 {
		return strings.ToLower(labels[len(labels)-2])
	}
	return strings.ToLower(labels[0])
}

// synthesizeServerInfo stands in when auth blocked the handshake before
// the upstream could introduce itself.
func synthesizeServerInfo(rawURL string) *ServerInfo {
	id := serverIDFromURL(rawURL)
	name := id
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	return &ServerInfo{Name: name, Version: "1.0.0"}
}

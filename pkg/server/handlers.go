package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/hoot-chat/mcp-gateway/pkg/audit"
	"github.com/hoot-chat/mcp-gateway/pkg/db"
	"github.com/hoot-chat/mcp-gateway/pkg/favicon"
	"github.com/hoot-chat/mcp-gateway/pkg/log"
	"github.com/hoot-chat/mcp-gateway/pkg/mcp"
	"github.com/hoot-chat/mcp-gateway/pkg/token"
	"github.com/hoot-chat/mcp-gateway/pkg/toolfilter"
	"github.com/hoot-chat/mcp-gateway/pkg/validate"
)

const maxBodyBytes = 1 << 20

// decodeBody parses and validates a JSON request body.
func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(out); err != nil {
		writeError(w, KindValidationError, "request body is not valid JSON")
		return false
	}
	if err := validate.Get().Struct(out); err != nil {
		writeValidationError(w, err)
		return false
	}
	return true
}

// writeNeedsAuth is the non-error NeedsAuthorization shape: HTTP 200, the
// browser must follow authorizationUrl.
func writeNeedsAuth(w http.ResponseWriter, authErr *mcp.AuthRequiredError) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          false,
		"needsAuth":        true,
		"authorizationUrl": authErr.AuthorizationURL,
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"activeConnections": s.manager.ConnectionCount(),
	})
}

type tokenRequest struct {
	UserID           string `json:"userId" validate:"required"`
	PortkeyOID       string `json:"portkeyOid"`
	PortkeyWorkspace string `json:"portkeyWorkspace"`
	Scope            string `json:"scope"`
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := token.ValidateUserID(req.UserID); err != nil {
		writeError(w, KindValidationError, err.Error())
		return
	}

	issued, tokenType, err := s.tokens.Issue(req.UserID, token.PassThrough{
		PortkeyOID:       req.PortkeyOID,
		PortkeyWorkspace: req.PortkeyWorkspace,
		Scope:            req.Scope,
	})
	if err != nil {
		log.Logf("! Token issuance failed: %v", err)
		writeError(w, KindInternal, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"token":     issued,
		"tokenType": tokenType,
	})
}

func (s *Server) jwks(w http.ResponseWriter, _ *http.Request) {
	payload, err := s.tokens.JWKS()
	if err != nil {
		log.Logf("! JWKS serialization failed: %v", err)
		writeError(w, KindInternal, "could not serve key set")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

type autoDetectRequest struct {
	URL string `json:"url" validate:"required,url"`
}

func (s *Server) autoDetect(w http.ResponseWriter, r *http.Request) {
	var req autoDetectRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.detector.Probe(r.Context(), tenantFrom(r.Context()), req.URL)
	if err != nil {
		log.Logf("! Auto-detect of %s failed: %v", req.URL, err)
		writeError(w, KindTransportError, "no MCP server detected at that URL")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":                   true,
		"url":                       result.URL,
		"transport":                 result.Transport,
		"serverInfo":                result.ServerInfo,
		"requiresOAuth":             result.RequiresOAuth,
		"requiresClientCredentials": result.RequiresClientCredentials,
		"requiresHeaderAuth":        result.RequiresHeaderAuth,
		"authUrl":                   result.AuthorizationURL,
		"suggestedServerId":         result.SuggestedServerID,
	})
}

type discoverOAuthRequest struct {
	URL       string `json:"url" validate:"required,url"`
	Transport string `json:"transport" validate:"omitempty,oneof=http sse"`
}

func (s *Server) discoverOAuth(w http.ResponseWriter, r *http.Request) {
	var req discoverOAuthRequest
	if !decodeBody(w, r, &req) {
		return
	}

	_, _, err := s.provider.Discoverer().Discover(r.Context(), req.URL)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"requiresOAuth": err == nil,
	})
}

type connectRequest struct {
	ServerID          string          `json:"serverId" validate:"required"`
	ServerName        string          `json:"serverName"`
	URL               string          `json:"url" validate:"required,url"`
	Transport         string          `json:"transport" validate:"omitempty,oneof=http sse"`
	Auth              mcp.AuthConfig  `json:"auth"`
	AuthorizationCode string          `json:"authorizationCode"`
	ReturnState       json.RawMessage `json:"returnState"`
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.Auth.Validate(); err != nil {
		writeError(w, KindValidationError, err.Error())
		return
	}

	result, err := s.manager.Connect(r.Context(), tenantFrom(r.Context()), mcp.ConnectRequest{
		ServerID:          req.ServerID,
		ServerName:        req.ServerName,
		URL:               req.URL,
		Transport:         req.Transport,
		Auth:              req.Auth,
		AuthorizationCode: req.AuthorizationCode,
		ReturnState:       req.ReturnState,
	})
	if err != nil {
		var authErr *mcp.AuthRequiredError
		if errors.As(err, &authErr) {
			writeNeedsAuth(w, authErr)
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"serverInfo": result.ServerInfo,
		"transport":  result.Transport,
	})
}

type serverIDRequest struct {
	ServerID string `json:"serverId" validate:"required"`
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	var req serverIDRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.manager.Disconnect(tenantFrom(r.Context()), req.ServerID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) listTools(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverId")

	tools, err := s.manager.ListTools(r.Context(), tenantFrom(r.Context()), serverID)
	if err != nil {
		var authErr *mcp.AuthRequiredError
		if errors.As(err, &authErr) {
			writeNeedsAuth(w, authErr)
			return
		}
		writeDomainError(w, err)
		return
	}
	if tools == nil {
		tools = []mcp.Tool{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

type executeRequest struct {
	ServerID  string         `json:"serverId" validate:"required"`
	ToolName  string         `json:"toolName" validate:"required"`
	Arguments map[string]any `json:"arguments"`
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	tenant := tenantFrom(r.Context())
	result, err := s.manager.CallTool(r.Context(), tenant, req.ServerID, req.ToolName, req.Arguments)
	if err != nil {
		var authErr *mcp.AuthRequiredError
		if errors.As(err, &authErr) {
			writeNeedsAuth(w, authErr)
			return
		}
		writeDomainError(w, err)
		return
	}

	s.audit.Record(auditToolCall(tenant, req.ServerID, req.ToolName))
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverId")
	connected := s.manager.IsConnected(tenantFrom(r.Context()), serverID)
	writeJSON(w, http.StatusOK, map[string]any{"connected": connected})
}

func (s *Server) connections(w http.ResponseWriter, r *http.Request) {
	ids := s.manager.Connections(tenantFrom(r.Context()))
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": ids})
}

func (s *Server) serverInfo(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverId")

	info, err := s.manager.ServerInfoFor(r.Context(), tenantFrom(r.Context()), serverID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if info == nil {
		writeError(w, KindNotFound, "unknown server")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"serverInfo": info})
}

func (s *Server) oauthMetadata(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverId")

	metadata, err := s.provider.Metadata(r.Context(), tenantFrom(r.Context()), serverID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if metadata == nil {
		writeError(w, KindNotFound, "no OAuth metadata for that server")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metadata": metadata})
}

func (s *Server) faviconFor(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverId")
	ctx := r.Context()

	row, err := s.dao.GetServer(ctx, tenantFrom(ctx), serverID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if row == nil {
		writeError(w, KindNotFound, "unknown server")
		return
	}

	resolved, err := s.favicons.Resolve(ctx, row.URL, "")
	if err != nil {
		if errors.Is(err, favicon.ErrNotFound) {
			writeError(w, KindNotFound, "no favicon found")
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"faviconUrl": resolved})
}

func (s *Server) clearOAuthTokens(w http.ResponseWriter, r *http.Request) {
	var req serverIDRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.provider.Invalidate(r.Context(), tenantFrom(r.Context()), req.ServerID, db.InvalidateAll); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type filterInitializeRequest struct {
	Servers []toolfilter.ServerTools `json:"servers" validate:"required"`
}

func (s *Server) filterInitialize(w http.ResponseWriter, r *http.Request) {
	var req filterInitializeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.filter.Initialize(r.Context(), req.Servers); err != nil {
		log.Logf("! Filter initialize failed: %v", err)
		writeError(w, KindUpstreamError, "embedding backend rejected the index")
		return
	}
	s.filterReady.Store(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"toolCount": s.filter.Size(),
		"degraded":  s.filter.Degraded(),
	})
}

type filterRequest struct {
	Messages []toolfilter.Message `json:"messages"`
	Options  toolfilter.Options   `json:"options"`
	Pins     []string             `json:"pins"`
}

func (s *Server) filterQuery(w http.ResponseWriter, r *http.Request) {
	if !s.filterReady.Load() {
		writeError(w, KindFilterNotInitialized, "call initialize before filter")
		return
	}

	var req filterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	opts := req.Options
	opts.Pins = append(opts.Pins, req.Pins...)

	result, err := s.filter.Filter(r.Context(), req.Messages, opts)
	if err != nil {
		log.Logf("! Filter failed: %v", err)
		writeError(w, KindUpstreamError, "embedding backend unavailable")
		return
	}
	tools := result.Tools
	if tools == nil {
		tools = []toolfilter.ScoredTool{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"tools":   tools,
		"metrics": result.Metrics,
	})
}

func (s *Server) filterClear(w http.ResponseWriter, r *http.Request) {
	if err := s.filter.Initialize(r.Context(), nil); err != nil {
		writeError(w, KindInternal, "could not clear filter index")
		return
	}
	s.filterReady.Store(false)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// callbackReturnState is the shape embedded at authorization time.
type callbackReturnState struct {
	RedirectURI string `json:"redirectUri"`
	ServerID    string `json:"serverId"`
}

// oauthCallback completes the authorization-code flow and sends the
// browser back where the flow started.
func (s *Server) oauthCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil && r.Form.Get("state") != "" {
			query = r.Form
		}
	}

	if errCode := query.Get("error"); errCode != "" {
		writeError(w, KindUpstreamError, fmt.Sprintf("authorization server returned %s", errCode))
		return
	}
	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		writeError(w, KindValidationError, "code and state are required")
		return
	}

	_, serverID, returnState, err := s.provider.CompleteCallback(r.Context(), code, state)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var ret callbackReturnState
	if len(returnState) > 0 {
		_ = json.Unmarshal(returnState, &ret)
	}
	if ret.ServerID == "" {
		ret.ServerID = serverID
	}
	if ret.RedirectURI == "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<html><body><p>Authorization for %s complete. You can close this window.</p></body></html>", ret.ServerID)
		return
	}

	location := ret.RedirectURI
	if u, err := url.Parse(location); err == nil {
		q := u.Query()
		q.Set("connected", ret.ServerID)
		u.RawQuery = q.Encode()
		location = u.String()
	}
	http.Redirect(w, r, location, http.StatusFound)
}

func auditToolCall(tenant, serverID, toolName string) audit.Entry {
	return audit.Entry{Tenant: tenant, Event: "tool.execute", ServerID: serverID, ToolName: toolName, Outcome: "ok"}
}

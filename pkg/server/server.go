package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hoot-chat/mcp-gateway/pkg/audit"
	"github.com/hoot-chat/mcp-gateway/pkg/config"
	"github.com/hoot-chat/mcp-gateway/pkg/db"
	"github.com/hoot-chat/mcp-gateway/pkg/favicon"
	"github.com/hoot-chat/mcp-gateway/pkg/log"
	"github.com/hoot-chat/mcp-gateway/pkg/mcp"
	"github.com/hoot-chat/mcp-gateway/pkg/oauth"
	"github.com/hoot-chat/mcp-gateway/pkg/ratelimit"
	"github.com/hoot-chat/mcp-gateway/pkg/token"
	"github.com/hoot-chat/mcp-gateway/pkg/toolfilter"
)

const (
	requestTimeout  = 60 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Deps are the long-lived components the façade wires together.
type Deps struct {
	Config   *config.Config
	DAO      db.DAO
	Tokens   *token.Service
	Provider *oauth.Provider
	Manager  *mcp.Manager
	Detector *mcp.Detector
	Filter   *toolfilter.Index
	Favicons *favicon.Resolver
	Audit    *audit.Logger
}

// Server is the REST façade: authentication, validation, rate limiting
// and error mapping around the gateway components.
type Server struct {
	config   *config.Config
	dao      db.DAO
	tokens   *token.Service
	provider *oauth.Provider
	manager  *mcp.Manager
	detector *mcp.Detector
	filter   *toolfilter.Index
	favicons *favicon.Resolver
	audit    *audit.Logger
	limiter  *ratelimit.SlidingWindow

	filterReady atomic.Bool
}

func New(deps Deps) *Server {
	return &Server{
		config:   deps.Config,
		dao:      deps.DAO,
		tokens:   deps.Tokens,
		provider: deps.Provider,
		manager:  deps.Manager,
		detector: deps.Detector,
		filter:   deps.Filter,
		favicons: deps.Favicons,
		audit:    deps.Audit,
		limiter:  ratelimit.NewSlidingWindow(deps.Config.RateLimit.Requests, deps.Config.RateLimit.Window),
	}
}

// Router assembles the endpoint tree. Health, token issuance, the JWKS
// and the OAuth callback are public; everything else requires a bearer.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(s.cors)

	r.Get("/health", s.health)
	r.Post("/auth/token", s.issueToken)
	r.Get("/.well-known/jwks.json", s.jwks)
	r.Get("/oauth/callback", s.oauthCallback)
	r.Post("/oauth/callback", s.oauthCallback)

	r.Group(func(pr chi.Router) {
		pr.Use(s.authenticate)
		pr.Use(s.rateLimit)
		pr.Use(s.auditLog)

		pr.Post("/mcp/auto-detect", s.autoDetect)
		pr.Post("/mcp/discover-oauth", s.discoverOAuth)
		pr.Post("/mcp/connect", s.connect)
		pr.Post("/mcp/disconnect", s.disconnect)
		pr.Get("/mcp/tools/{serverId}", s.listTools)
		pr.Post("/mcp/execute", s.execute)
		pr.Get("/mcp/status/{serverId}", s.status)
		pr.Get("/mcp/connections", s.connections)
		pr.Get("/mcp/server-info/{serverId}", s.serverInfo)
		pr.Get("/mcp/oauth-metadata/{serverId}", s.oauthMetadata)
		pr.Get("/mcp/favicon/{serverId}", s.faviconFor)
		pr.Post("/mcp/clear-oauth-tokens", s.clearOAuthTokens)
		pr.Post("/mcp/tool-filter/initialize", s.filterInitialize)
		pr.Post("/mcp/tool-filter/filter", s.filterQuery)
		pr.Post("/mcp/tool-filter/clear-cache", s.filterClear)
	})

	return r
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Logf("- Gateway listening on port %d", s.config.Port)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Logf("- Gateway stopped")
	return nil
}

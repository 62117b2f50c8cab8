package server

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hoot-chat/mcp-gateway/pkg/audit"
	"github.com/hoot-chat/mcp-gateway/pkg/contextkeys"
	"github.com/hoot-chat/mcp-gateway/pkg/token"
)

// TokenHeader carries the gateway bearer.
const TokenHeader = "x-hoot-token"

// cors enforces the deployment's origin allow-list. Requests without an
// Origin header (curl, server-to-server) pass through untouched.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		if !s.originAllowed(origin) {
			writeError(w, KindOriginRejected, "origin not allowed")
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+TokenHeader)
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// authenticate verifies the bearer and places the tenant id and claims on
// the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(TokenHeader)
		if raw == "" {
			writeError(w, KindTokenMissing, "missing "+TokenHeader+" header")
			return
		}

		claims, err := s.tokens.Verify(raw)
		if err != nil {
			if errors.Is(err, token.ErrTokenExpired) {
				writeError(w, KindTokenExpired, "token expired")
				return
			}
			writeError(w, KindTokenInvalid, "token invalid")
			return
		}

		ctx := context.WithValue(r.Context(), contextkeys.TenantIDKey, claims.Subject)
		ctx = context.WithValue(ctx, contextkeys.ClaimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tenantFrom(ctx context.Context) string {
	tenant, _ := ctx.Value(contextkeys.TenantIDKey).(string)
	return tenant
}

// routeFamily buckets paths for rate limiting: one window per endpoint
// group, not per full path, so /mcp/tools/a and /mcp/tools/b share one.
func routeFamily(path string) string {
	trimmed := strings.Trim(path, "/")
	segments := strings.SplitN(trimmed, "/", 3)
	if len(segments) >= 2 {
		return segments[0] + "/" + segments[1]
	}
	if len(segments) == 1 && segments[0] != "" {
		return segments[0]
	}
	return "root"
}

// rateLimit applies the per-(tenant, route family) sliding window.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		family := routeFamily(r.URL.Path)
		key := tenantFrom(r.Context()) + ":" + family

		allowed, retryAfter := s.limiter.Allow(key)
		if !allowed {
			seconds := int(math.Ceil(retryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			writeError(w, KindRateLimited, "rate limit exceeded")
			return
		}

		ctx := context.WithValue(r.Context(), contextkeys.RouteFamilyKey, family)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// auditLog records one entry per authenticated request.
func (s *Server) auditLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)

		s.audit.Record(audit.Entry{
			Tenant:  tenantFrom(r.Context()),
			Event:   r.Method + " " + r.URL.Path,
			Outcome: strconv.Itoa(wrapped.Status()),
		})
	})
}

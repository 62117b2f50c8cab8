package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverViaProtectedResource(t *testing.T) {
	fake := newFakeAuthServer(t)
	discoverer := NewDiscoverer(&http.Client{Timeout: 5 * time.Second})

	metadata, scopes, err := discoverer.Discover(context.Background(), fake.srv.URL+"/mcp")
	require.NoError(t, err)
	assert.Equal(t, fake.srv.URL+"/authorize", metadata.AuthorizationEndpoint)
	assert.Equal(t, fake.srv.URL+"/token", metadata.TokenEndpoint)
	assert.Equal(t, fake.srv.URL+"/register", metadata.RegistrationEndpoint)
	assert.Equal(t, []string{"read"}, scopes)
}

func TestDiscoverCachesPerOrigin(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		writeJSON(w, map[string]any{
			"issuer":                 srv.URL,
			"authorization_endpoint": srv.URL + "/authorize",
			"token_endpoint":         srv.URL + "/token",
		})
	})
	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	discoverer := NewDiscoverer(&http.Client{Timeout: 5 * time.Second})
	ctx := context.Background()

	_, _, err := discoverer.Discover(ctx, srv.URL+"/mcp")
	require.NoError(t, err)
	_, _, err = discoverer.Discover(ctx, srv.URL+"/other")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "same origin resolves from cache")

	discoverer.Forget(srv.URL)
	_, _, err = discoverer.Discover(ctx, srv.URL+"/mcp")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestDiscoverFromChallenge(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/auth/.well-known/oauth-authorization-server", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"issuer":                 srv.URL + "/auth",
			"authorization_endpoint": srv.URL + "/auth/authorize",
			"token_endpoint":         srv.URL + "/auth/token",
		})
	})
	mux.HandleFunc("/mcp", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="`+srv.URL+`/auth"`)
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	discoverer := NewDiscoverer(&http.Client{Timeout: 5 * time.Second})
	metadata, _, err := discoverer.Discover(context.Background(), srv.URL+"/mcp")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/auth/authorize", metadata.AuthorizationEndpoint)
}

func TestDiscoverFailsWithoutAnySource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	discoverer := NewDiscoverer(&http.Client{Timeout: 5 * time.Second})
	_, _, err := discoverer.Discover(context.Background(), srv.URL+"/mcp")
	assert.Error(t, err)
}

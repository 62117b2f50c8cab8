package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hoot-chat/mcp-gateway/pkg/log"
)

const metadataCacheTTL = time.Hour

// Discoverer resolves the authorization-server metadata governing an MCP
// server URL: RFC 9728 protected-resource metadata first, then RFC 8414
// well-known paths, then WWW-Authenticate hints from probing the server
// itself. Results are cached per origin; concurrent discoveries for the
// same origin are coalesced.
type Discoverer struct {
	httpClient *http.Client

	mu    sync.Mutex
	cache map[string]cachedMetadata
	group singleflight.Group
}

type cachedMetadata struct {
	metadata *Metadata
	scopes   []string
	loadedAt time.Time
}

func NewDiscoverer(httpClient *http.Client) *Discoverer {
	return &Discoverer{
		httpClient: httpClient,
		cache:      make(map[string]cachedMetadata),
	}
}

// Discover returns the metadata for serverURL plus the resource scopes
// advertised by the protected-resource document, when present.
func (d *Discoverer) Discover(ctx context.Context, serverURL string) (*Metadata, []string, error) {
	origin, err := originOf(serverURL)
	if err != nil {
		return nil, nil, err
	}

	d.mu.Lock()
	if entry, ok := d.cache[origin]; ok && time.Since(entry.loadedAt) < metadataCacheTTL {
		d.mu.Unlock()
		return entry.metadata, entry.scopes, nil
	}
	d.mu.Unlock()

	value, err, _ := d.group.Do(origin, func() (any, error) {
		metadata, scopes, err := d.discover(ctx, serverURL, origin)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.cache[origin] = cachedMetadata{metadata: metadata, scopes: scopes, loadedAt: time.Now()}
		d.mu.Unlock()
		return cachedMetadata{metadata: metadata, scopes: scopes}, nil
	})
	if err != nil {
		return nil, nil, err
	}

	entry := value.(cachedMetadata)
	return entry.metadata, entry.scopes, nil
}

// Forget drops the cached entry for serverURL's origin.
func (d *Discoverer) Forget(serverURL string) {
	origin, err := originOf(serverURL)
	if err != nil {
		return
	}
	d.mu.Lock()
	delete(d.cache, origin)
	d.mu.Unlock()
}

func (d *Discoverer) discover(ctx context.Context, serverURL, origin string) (*Metadata, []string, error) {
	// RFC 9728: the protected resource names its authorization servers
	resource, err := d.fetchProtectedResource(ctx, origin)
	if err == nil && len(resource.AuthorizationServers) > 0 {
		metadata, err := d.fetchAuthServerMetadata(ctx, resource.AuthorizationServers[0])
		if err == nil {
			return metadata, resource.ScopesSupported, nil
		}
		log.Logf("! Authorization server metadata fetch failed for %s: %v", origin, err)
	}

	// RFC 8414 well-known paths on the server origin itself
	metadata, err := d.fetchAuthServerMetadata(ctx, origin)
	if err == nil {
		return metadata, nil, nil
	}

	// Last resort: provoke a challenge and follow its hints
	metadata, err = d.discoverFromChallenge(ctx, serverURL)
	if err != nil {
		return nil, nil, fmt.Errorf("OAuth discovery failed for %s: %w", serverURL, err)
	}
	return metadata, nil, nil
}

func (d *Discoverer) fetchProtectedResource(ctx context.Context, origin string) (*protectedResource, error) {
	var resource protectedResource
	if err := d.fetchJSON(ctx, origin+"/.well-known/oauth-protected-resource", &resource); err != nil {
		return nil, err
	}
	return &resource, nil
}

// fetchAuthServerMetadata tries the oauth-authorization-server document
// first, then openid-configuration.
func (d *Discoverer) fetchAuthServerMetadata(ctx context.Context, issuer string) (*Metadata, error) {
	base := strings.TrimSuffix(issuer, "/")

	var metadata Metadata
	err := d.fetchJSON(ctx, base+"/.well-known/oauth-authorization-server", &metadata)
	if err != nil {
		err = d.fetchJSON(ctx, base+"/.well-known/openid-configuration", &metadata)
	}
	if err != nil {
		return nil, err
	}
	if metadata.AuthorizationEndpoint == "" || metadata.TokenEndpoint == "" {
		return nil, fmt.Errorf("metadata from %s lacks required endpoints", issuer)
	}
	return &metadata, nil
}

func (d *Discoverer) discoverFromChallenge(ctx context.Context, serverURL string) (*Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, strings.NewReader("{}"))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probing %s: %w", serverURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	challenge := ParseWWWAuthenticate(resp.Header.Get("WWW-Authenticate"))
	if !challenge.IsOAuthChallenge() {
		return nil, fmt.Errorf("no OAuth challenge in response from %s", serverURL)
	}

	if challenge.ResourceMetadata != "" {
		var resource protectedResource
		if err := d.fetchJSON(ctx, challenge.ResourceMetadata, &resource); err == nil && len(resource.AuthorizationServers) > 0 {
			return d.fetchAuthServerMetadata(ctx, resource.AuthorizationServers[0])
		}
	}
	if challenge.Realm != "" {
		return d.fetchAuthServerMetadata(ctx, challenge.Realm)
	}
	return nil, fmt.Errorf("challenge from %s carries no usable hints", serverURL)
}

func (d *Discoverer) fetchJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func originOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("server URL %q must be absolute", rawURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

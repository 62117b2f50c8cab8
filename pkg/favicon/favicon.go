package favicon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hoot-chat/mcp-gateway/pkg/db"
)

const (
	// DefaultTTL bounds how long a resolved icon URL is trusted.
	DefaultTTL = 24 * time.Hour

	fetchTimeout = 10 * time.Second
	maxHTMLBytes = 256 * 1024
)

// ErrNotFound means no icon could be resolved for the origin.
var ErrNotFound = fmt.Errorf("no favicon found")

// Resolver finds an origin's icon URL. Results are cached in the tenant
// store, shared across tenants and bounded by a TTL; only URLs are
// stored, the gateway never fetches icon bytes for the caller.
type Resolver struct {
	dao        db.FaviconDAO
	httpClient *http.Client
	ttl        time.Duration
	group      singleflight.Group
}

func NewResolver(dao db.FaviconDAO, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{
		dao:        dao,
		httpClient: &http.Client{Timeout: fetchTimeout},
		ttl:        ttl,
	}
}

// Resolve returns the absolute icon URL for the origin of pageURL.
// logoURI, when the caller learned one from OAuth metadata, wins without
// any probing. Concurrent resolutions of one origin are coalesced.
func (r *Resolver) Resolve(ctx context.Context, pageURL, logoURI string) (string, error) {
	origin, err := originOf(pageURL)
	if err != nil {
		return "", err
	}

	entry, err := r.dao.GetFavicon(ctx, origin)
	if err != nil {
		return "", err
	}
	if entry != nil && time.Since(entry.CachedAt) < r.ttl {
		return entry.ResolvedURL, nil
	}

	value, err, _ := r.group.Do(origin, func() (any, error) {
		resolved, err := r.resolve(ctx, origin, logoURI)
		if err != nil {
			return "", err
		}
		if err := r.dao.PutFavicon(ctx, origin, resolved); err != nil {
			return "", err
		}
		return resolved, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

func (r *Resolver) resolve(ctx context.Context, origin, logoURI string) (string, error) {
	if logoURI != "" {
		return logoURI, nil
	}

	for _, name := range []string{"/favicon.ico", "/favicon.png", "/favicon.svg"} {
		candidate := origin + name
		if r.exists(ctx, candidate) {
			return candidate, nil
		}
	}

	if href := r.iconLinkFromHTML(ctx, origin); href != "" {
		return absoluteURL(origin, href), nil
	}
	return "", fmt.Errorf("%w for %s", ErrNotFound, origin)
}

// exists probes a candidate without downloading it.
func (r *Resolver) exists(ctx context.Context, candidate string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, candidate, nil)
	if err != nil {
		return false
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

var iconLinkPattern = regexp.MustCompile(`(?i)<link[^>]+rel=["'](?:shortcut )?(?:icon|apple-touch-icon)["'][^>]*>`)
var hrefPattern = regexp.MustCompile(`(?i)href=["']([^"']+)["']`)

// iconLinkFromHTML fetches the origin's landing page and pulls the first
// <link rel="icon"> href out of it.
func (r *Resolver) iconLinkFromHTML(ctx context.Context, origin string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/", nil)
	if err != nil {
		return ""
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTMLBytes))
	if err != nil {
		return ""
	}

	link := iconLinkPattern.Find(body)
	if link == nil {
		return ""
	}
	href := hrefPattern.FindSubmatch(link)
	if href == nil {
		return ""
	}
	return string(href[1])
}

func originOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("invalid URL %q", rawURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

func absoluteURL(origin, href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	if strings.HasPrefix(href, "//") {
		base, _ := url.Parse(origin)
		return base.Scheme + ":" + href
	}
	if !strings.HasPrefix(href, "/") {
		href = "/" + href
	}
	return origin + href
}

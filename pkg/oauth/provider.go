package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/hoot-chat/mcp-gateway/pkg/db"
	"github.com/hoot-chat/mcp-gateway/pkg/log"
)

const (
	oauthTimeout      = 15 * time.Second
	redirectLoopGuard = 3 * time.Second
)

// Provider drives the OAuth 2.1 state machine per (tenant, serverID):
// discovery, dynamic registration, PKCE authorization, code exchange,
// refresh, invalidation. State-mutating transitions for one key are
// serialized by a per-key mutex; refreshes are coalesced so concurrent
// callers share one token exchange.
type Provider struct {
	store       *artifactStore
	discoverer  *Discoverer
	states      *StateStore
	httpClient  *http.Client
	redirectURI string

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
	lastAuth map[string]lastAuthorization
	group    singleflight.Group
}

type lastAuthorization struct {
	url string
	at  time.Time
}

func NewProvider(dao db.OAuthDAO, redirectURI string) *Provider {
	httpClient := &http.Client{Timeout: oauthTimeout}
	return &Provider{
		store:       &artifactStore{dao: dao},
		discoverer:  NewDiscoverer(httpClient),
		states:      NewStateStore(),
		httpClient:  httpClient,
		redirectURI: redirectURI,
		keyLocks:    make(map[string]*sync.Mutex),
		lastAuth:    make(map[string]lastAuthorization),
	}
}

// Discoverer exposes the shared metadata cache for the façade's
// oauth-metadata endpoint.
func (p *Provider) Discoverer() *Discoverer {
	return p.discoverer
}

func keyFor(tenant, serverID string) string {
	return tenant + "/" + serverID
}

func (p *Provider) lockKey(key string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.keyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		p.keyLocks[key] = lock
	}
	return lock
}

// oauthContext routes all oauth2 round trips through the provider's
// deadline-bounded client.
func (p *Provider) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

func (p *Provider) config(info *ClientInfo) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     info.ClientID,
		ClientSecret: info.ClientSecret,
		RedirectURL:  p.redirectURI,
		Scopes:       info.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  info.AuthorizationEndpoint,
			TokenURL: info.TokenEndpoint,
		},
	}
}

// ensureRegistered loads the client registration, performing discovery
// and dynamic registration on first use. customMetadata bypasses
// discovery when the caller already knows the endpoints.
func (p *Provider) ensureRegistered(ctx context.Context, tenant, serverID, serverURL string, customMetadata *Metadata) (*ClientInfo, error) {
	info, err := p.store.loadClientInfo(ctx, tenant, serverID)
	if err != nil || info != nil {
		return info, err
	}

	metadata := customMetadata
	var resourceScopes []string
	if metadata == nil {
		metadata, resourceScopes, err = p.discoverer.Discover(ctx, serverURL)
		if err != nil {
			return nil, err
		}
	}

	scopes := mergeScopes(metadata.ScopesSupported, resourceScopes)
	registered, err := register(ctx, p.httpClient, metadata, serverID, p.redirectURI, scopes)
	if err != nil {
		return nil, err
	}

	info = &ClientInfo{
		ServerURL:               serverURL,
		ClientID:                registered.ClientID,
		ClientSecret:            registered.ClientSecret,
		RegistrationAccessToken: registered.RegistrationAccessToken,
		AuthorizationEndpoint:   metadata.AuthorizationEndpoint,
		TokenEndpoint:           metadata.TokenEndpoint,
		RegistrationEndpoint:    metadata.RegistrationEndpoint,
		Scopes:                  scopes,
		RegisteredAt:            time.Now().UTC(),
	}
	if err := p.store.saveClientInfo(ctx, tenant, serverID, info); err != nil {
		return nil, err
	}
	return info, nil
}

// BeginAuthorization builds the authorization redirect URL: registers the
// client if needed, persists a fresh PKCE verifier, and issues the state
// parameter. A repeat call within the loop-guard window returns the
// previous URL instead of minting a new redirect.
func (p *Provider) BeginAuthorization(ctx context.Context, tenant, serverID, serverURL string, customMetadata *Metadata, returnState json.RawMessage) (string, error) {
	key := keyFor(tenant, serverID)
	lock := p.lockKey(key)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	last, guarded := p.lastAuth[key]
	p.mu.Unlock()
	if guarded && time.Since(last.at) < redirectLoopGuard {
		return last.url, nil
	}

	info, err := p.ensureRegistered(ctx, tenant, serverID, serverURL, customMetadata)
	if err != nil {
		return "", err
	}

	verifier := oauth2.GenerateVerifier()
	if err := p.store.dao.PutVerifier(ctx, tenant, serverID, verifier); err != nil {
		return "", err
	}

	state, err := p.states.Issue(tenant, serverID, returnState)
	if err != nil {
		return "", err
	}

	authURL := p.config(info).AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))

	p.mu.Lock()
	p.lastAuth[key] = lastAuthorization{url: authURL, at: time.Now()}
	p.mu.Unlock()

	return authURL, nil
}

// CompleteCallback resolves an incoming callback: validates the state,
// exchanges the code, and returns the tenant, server and the return
// state embedded at authorization time.
func (p *Provider) CompleteCallback(ctx context.Context, code, state string) (tenant, serverID string, returnState json.RawMessage, err error) {
	tenant, serverID, returnState, err = p.states.Consume(state)
	if err != nil {
		return "", "", nil, err
	}

	if err := p.Exchange(ctx, tenant, serverID, code); err != nil {
		return "", "", nil, err
	}
	return tenant, serverID, returnState, nil
}

// Exchange trades an authorization code for tokens. The PKCE verifier is
// consumed exactly once; a missing or expired verifier fails with
// ErrVerifierMissing and the flow must restart.
func (p *Provider) Exchange(ctx context.Context, tenant, serverID, code string) error {
	lock := p.lockKey(keyFor(tenant, serverID))
	lock.Lock()
	defer lock.Unlock()

	info, err := p.store.loadClientInfo(ctx, tenant, serverID)
	if err != nil {
		return err
	}
	if info == nil {
		return fmt.Errorf("no registered client for %s: %w", serverID, ErrNeedsAuthorization)
	}

	verifier, err := p.store.dao.TakeVerifier(ctx, tenant, serverID)
	if err != nil {
		return err
	}
	if verifier == "" {
		return ErrVerifierMissing
	}

	token, err := p.config(info).Exchange(p.oauthContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return fmt.Errorf("code exchange for %s failed: %w", serverID, err)
	}

	if err := p.store.saveTokens(ctx, tenant, serverID, token); err != nil {
		return err
	}
	log.Logf("- Completed OAuth authorization for %s", serverID)
	return nil
}

// AccessToken returns a currently valid access token, refreshing behind
// the scenes when possible. ErrNeedsAuthorization means the caller must
// send the user through BeginAuthorization again.
func (p *Provider) AccessToken(ctx context.Context, tenant, serverID string) (string, error) {
	token, err := p.store.loadTokens(ctx, tenant, serverID)
	if err != nil {
		return "", err
	}
	if token == nil {
		return "", ErrNeedsAuthorization
	}
	if token.Valid() {
		return token.AccessToken, nil
	}

	refreshed, err := p.refresh(ctx, tenant, serverID, false)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// ForceRefresh exchanges the refresh token even if the stored expiry
// still looks valid; used after an upstream rejected the access token.
func (p *Provider) ForceRefresh(ctx context.Context, tenant, serverID string) (string, error) {
	refreshed, err := p.refresh(ctx, tenant, serverID, true)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// refresh coalesces concurrent refreshes of one key into a single token
// exchange; every caller observes the same resulting tokens. On failure
// the tokens are invalidated so the next operation surfaces
// ErrNeedsAuthorization with a fresh authorization URL.
func (p *Provider) refresh(ctx context.Context, tenant, serverID string, force bool) (*oauth2.Token, error) {
	key := keyFor(tenant, serverID)

	value, err, _ := p.group.Do("refresh:"+key, func() (any, error) {
		lock := p.lockKey(key)
		lock.Lock()
		defer lock.Unlock()

		current, err := p.store.loadTokens(ctx, tenant, serverID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, ErrNeedsAuthorization
		}
		if !force && current.Valid() {
			// A coalesced caller already refreshed
			return current, nil
		}

		if current.RefreshToken == "" {
			if err := p.store.dao.Invalidate(ctx, tenant, serverID, db.InvalidateTokens); err != nil {
				return nil, err
			}
			return nil, ErrNeedsAuthorization
		}

		info, err := p.store.loadClientInfo(ctx, tenant, serverID)
		if err != nil {
			return nil, err
		}
		if info == nil {
			return nil, ErrNeedsAuthorization
		}

		// Backdate the expiry so the token source refreshes even when
		// the upstream rejected a nominally valid access token.
		stale := *current
		stale.Expiry = time.Now().Add(-time.Minute)

		refreshed, err := p.config(info).TokenSource(p.oauthContext(ctx), &stale).Token()
		if err != nil {
			log.Logf("! Token refresh for %s failed: %v", serverID, err)
			if derr := p.store.dao.Invalidate(ctx, tenant, serverID, db.InvalidateTokens); derr != nil {
				return nil, derr
			}
			return nil, ErrNeedsAuthorization
		}

		if refreshed.RefreshToken == "" {
			refreshed.RefreshToken = current.RefreshToken
		}
		if err := p.store.saveTokens(ctx, tenant, serverID, refreshed); err != nil {
			return nil, err
		}
		log.Logf("- Refreshed OAuth tokens for %s", serverID)
		return refreshed, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*oauth2.Token), nil
}

// EnsureClientCredentials runs the redirect-less variant: exchange the
// confidential client's credentials at the token endpoint and persist the
// result.
func (p *Provider) EnsureClientCredentials(ctx context.Context, tenant, serverID, serverURL, clientID, clientSecret string, scopes []string) error {
	lock := p.lockKey(keyFor(tenant, serverID))
	lock.Lock()
	defer lock.Unlock()

	info, err := p.store.loadClientInfo(ctx, tenant, serverID)
	if err != nil {
		return err
	}
	if info == nil {
		metadata, _, err := p.discoverer.Discover(ctx, serverURL)
		if err != nil {
			return err
		}
		info = &ClientInfo{
			ServerURL:             serverURL,
			ClientID:              clientID,
			ClientSecret:          clientSecret,
			AuthorizationEndpoint: metadata.AuthorizationEndpoint,
			TokenEndpoint:         metadata.TokenEndpoint,
			Scopes:                scopes,
			RegisteredAt:          time.Now().UTC(),
		}
		if err := p.store.saveClientInfo(ctx, tenant, serverID, info); err != nil {
			return err
		}
	}

	cc := clientcredentials.Config{
		ClientID:     info.ClientID,
		ClientSecret: info.ClientSecret,
		TokenURL:     info.TokenEndpoint,
		Scopes:       info.Scopes,
	}
	token, err := cc.Token(p.oauthContext(ctx))
	if err != nil {
		return fmt.Errorf("client credentials exchange for %s failed: %w", serverID, err)
	}
	return p.store.saveTokens(ctx, tenant, serverID, token)
}

// Invalidate resets the scoped artifacts for one key.
func (p *Provider) Invalidate(ctx context.Context, tenant, serverID string, scope db.InvalidateScope) error {
	key := keyFor(tenant, serverID)
	lock := p.lockKey(key)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	delete(p.lastAuth, key)
	p.mu.Unlock()

	return p.store.dao.Invalidate(ctx, tenant, serverID, scope)
}

// Status reports where the state machine stands for one key.
func (p *Provider) Status(ctx context.Context, tenant, serverID string) (string, error) {
	token, err := p.store.loadTokens(ctx, tenant, serverID)
	if err != nil {
		return "", err
	}
	if token != nil {
		return StatusAuthorized, nil
	}

	verifier, err := p.store.dao.GetVerifier(ctx, tenant, serverID)
	if err != nil {
		return "", err
	}
	if verifier != "" {
		return StatusAwaitingCode, nil
	}

	info, err := p.store.loadClientInfo(ctx, tenant, serverID)
	if err != nil {
		return "", err
	}
	if info != nil {
		return StatusRegistered, nil
	}
	return StatusUnregistered, nil
}

// Metadata returns the authorization-server metadata for a server the
// tenant has a client for, refreshing through the shared cache when the
// upstream is reachable.
func (p *Provider) Metadata(ctx context.Context, tenant, serverID string) (*Metadata, error) {
	info, err := p.store.loadClientInfo(ctx, tenant, serverID)
	if err != nil || info == nil {
		return nil, err
	}

	if info.ServerURL != "" {
		if metadata, _, err := p.discoverer.Discover(ctx, info.ServerURL); err == nil {
			return metadata, nil
		}
	}
	return &Metadata{
		AuthorizationEndpoint: info.AuthorizationEndpoint,
		TokenEndpoint:         info.TokenEndpoint,
		RegistrationEndpoint:  info.RegistrationEndpoint,
		ScopesSupported:       info.Scopes,
	}, nil
}

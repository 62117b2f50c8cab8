package oauth

import (
	"errors"
	"time"
)

// Errors surfaced to the manager and the façade. ErrNeedsAuthorization is
// not a failure for the browser: it carries the cue to redirect.
var (
	ErrNeedsAuthorization = errors.New("authorization required")
	ErrVerifierMissing    = errors.New("PKCE verifier missing or expired")
	ErrStateMismatch      = errors.New("state parameter does not match a pending authorization")
	ErrNoRegistration     = errors.New("authorization server does not support dynamic registration")
)

// ClientInfo is the persisted result of a dynamic client registration for
// one (tenant, serverID), together with the endpoints it was registered
// against.
type ClientInfo struct {
	ServerURL               string    `json:"server_url"`
	ClientID                string    `json:"client_id"`
	ClientSecret            string    `json:"client_secret,omitempty"`
	RegistrationAccessToken string    `json:"registration_access_token,omitempty"`
	AuthorizationEndpoint   string    `json:"authorization_endpoint"`
	TokenEndpoint           string    `json:"token_endpoint"`
	RegistrationEndpoint    string    `json:"registration_endpoint,omitempty"`
	ResourceURL             string    `json:"resource_url,omitempty"`
	Scopes                  []string  `json:"scopes,omitempty"`
	RegisteredAt            time.Time `json:"registered_at"`
}

// Metadata is the RFC 8414 authorization-server metadata subset the
// gateway consumes.
type Metadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported        []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported           []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethods      []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// protectedResource is the RFC 9728 protected-resource metadata subset.
type protectedResource struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	ScopesSupported      []string `json:"scopes_supported,omitempty"`
}

// Status values of the per-(tenant, serverID) state machine.
const (
	StatusUnregistered = "UNREGISTERED"
	StatusRegistered   = "REGISTERED"
	StatusAwaitingCode = "AWAITING_CODE"
	StatusAuthorized   = "AUTHORIZED"
)

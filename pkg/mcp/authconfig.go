package mcp

import (
	"fmt"

	"github.com/hoot-chat/mcp-gateway/pkg/oauth"
)

// AuthKind tags the auth-config variant. Unknown tags are rejected before
// any transport is built.
type AuthKind string

const (
	AuthNone              AuthKind = "none"
	AuthHeader            AuthKind = "header"
	AuthOAuth             AuthKind = "oauth"
	AuthClientCredentials AuthKind = "client_credentials"
	AuthCustom            AuthKind = "custom"
)

// AuthConfig is a tagged variant: each kind uses exactly the fields it
// needs and ignores the rest.
type AuthConfig struct {
	Kind AuthKind `json:"kind"`

	// Headers carries static request headers for header and custom auth.
	Headers map[string]string `json:"headers,omitempty"`

	// Client credentials grant inputs.
	ClientID     string   `json:"clientId,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`

	// CustomMetadata bypasses OAuth discovery when the caller already
	// knows the endpoints.
	CustomMetadata *oauth.Metadata `json:"customMetadata,omitempty"`
}

func (a AuthConfig) Validate() error {
	switch a.Kind {
	case "", AuthNone, AuthHeader, AuthOAuth, AuthClientCredentials, AuthCustom:
	default:
		return fmt.Errorf("unknown auth kind %q", a.Kind)
	}
	if a.Kind == AuthClientCredentials && a.ClientID == "" {
		return fmt.Errorf("client_credentials auth requires a clientId")
	}
	return nil
}

// normalized treats an absent kind as none.
func (a AuthConfig) normalized() AuthKind {
	if a.Kind == "" {
		return AuthNone
	}
	return a.Kind
}

// usesOAuth reports whether the variant mints Authorization headers from
// the OAuth provider.
func (a AuthConfig) usesOAuth() bool {
	kind := a.normalized()
	return kind == AuthOAuth || kind == AuthClientCredentials
}

package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hoot-chat/mcp-gateway/pkg/log"
)

// dcrRequest is the RFC 7591 registration request for a public client.
type dcrRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	Scope                   string   `json:"scope,omitempty"`
}

type dcrResponse struct {
	ClientID                string `json:"client_id"`
	ClientSecret            string `json:"client_secret,omitempty"`
	RegistrationAccessToken string `json:"registration_access_token,omitempty"`
	Error                   string `json:"error,omitempty"`
	ErrorDescription        string `json:"error_description,omitempty"`
}

// register performs dynamic client registration as a public client:
// no token-endpoint auth, authorization-code + refresh grants.
func register(ctx context.Context, httpClient *http.Client, metadata *Metadata, serverName, redirectURI string, scopes []string) (*dcrResponse, error) {
	if metadata.RegistrationEndpoint == "" {
		return nil, ErrNoRegistration
	}

	request := dcrRequest{
		ClientName:              fmt.Sprintf("Hoot Gateway - %s", serverName),
		RedirectURIs:            []string{redirectURI},
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		Scope:                   strings.Join(scopes, " "),
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshalling registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, metadata.RegistrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registration request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading registration response: %w", err)
	}

	var registered dcrResponse
	if err := json.Unmarshal(respBody, &registered); err != nil {
		return nil, fmt.Errorf("parsing registration response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		detail := registered.ErrorDescription
		if detail == "" {
			detail = registered.Error
		}
		if detail == "" {
			detail = strings.TrimSpace(string(respBody))
		}
		return nil, fmt.Errorf("registration rejected with status %d: %s", resp.StatusCode, detail)
	}

	if registered.ClientID == "" {
		return nil, fmt.Errorf("registration response carries no client_id")
	}

	log.Logf("- Registered OAuth client for %s", serverName)
	return &registered, nil
}

// mergeScopes unions the server-advertised scopes with the resource
// scopes, preserving first-seen order.
func mergeScopes(advertised, required []string) []string {
	seen := make(map[string]bool)
	var merged []string
	for _, scope := range append(append([]string{}, advertised...), required...) {
		if scope == "" || seen[scope] {
			continue
		}
		seen[scope] = true
		merged = append(merged, scope)
	}
	return merged
}

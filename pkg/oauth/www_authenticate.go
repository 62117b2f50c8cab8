package oauth

import (
	"regexp"
	"strings"
)

// ChallengeParams are the WWW-Authenticate hints a resource server may
// send on 401.
type ChallengeParams struct {
	Realm            string
	Scope            string
	Error            string
	ErrorDescription string
	ResourceMetadata string
}

var challengeParamPattern = regexp.MustCompile(`(\w+)="([^"]*)"`)

// ParseWWWAuthenticate extracts the parameters of a Bearer challenge.
// Returns nil when the header is not a Bearer challenge.
func ParseWWWAuthenticate(header string) *ChallengeParams {
	if header == "" {
		return nil
	}

	trimmed := strings.TrimSpace(header)
	if !strings.HasPrefix(strings.ToLower(trimmed), "bearer") {
		return nil
	}

	params := &ChallengeParams{}
	for _, match := range challengeParamPattern.FindAllStringSubmatch(trimmed, -1) {
		switch strings.ToLower(match[1]) {
		case "realm":
			params.Realm = match[2]
		case "scope":
			params.Scope = match[2]
		case "error":
			params.Error = match[2]
		case "error_description":
			params.ErrorDescription = match[2]
		case "resource_metadata":
			params.ResourceMetadata = match[2]
		}
	}
	return params
}

// IsOAuthChallenge reports whether the challenge carries enough to start
// an OAuth flow: a realm or a pointer to resource metadata.
func (p *ChallengeParams) IsOAuthChallenge() bool {
	if p == nil {
		return false
	}
	return p.Realm != "" || p.ResourceMetadata != ""
}

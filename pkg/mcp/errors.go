package mcp

import (
	"fmt"
	"strings"
)

// AuthRequiredError is the non-fatal outcome of an operation against an
// upstream we lack valid tokens for: the façade turns it into
// {success:false, needsAuth:true, authorizationUrl}.
type AuthRequiredError struct {
	AuthorizationURL string
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("authorization required: %s", e.AuthorizationURL)
}

// unauthorizedPatterns match the many shapes a 401 takes once it has
// travelled through a transport error chain.
var unauthorizedPatterns = []string{
	"401",
	"unauthorized",
	"invalid_token",
	"invalid token",
	"token expired",
	"authentication required",
	"authentication failed",
	"missing or invalid access token",
}

// isUnauthorized classifies transport-level auth failures. In-band tool
// errors are never inspected; those pass through verbatim.
func isUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range unauthorizedPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

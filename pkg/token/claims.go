package token

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Verification failures collapse into three classes the façade maps to 401.
var (
	ErrTokenMissing = errors.New("token missing")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// Claims is the unified token payload: the gateway credential and the
// LLM-proxy bearer share one token. portkey_* and scope are opaque
// pass-through values consumed by the external proxy.
type Claims struct {
	EmailID          string `json:"email_id"`
	PortkeyOID       string `json:"portkey_oid,omitempty"`
	PortkeyWorkspace string `json:"portkey_workspace,omitempty"`
	Scope            string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// PassThrough carries the optional proxy claims supplied at issuance.
type PassThrough struct {
	PortkeyOID       string
	PortkeyWorkspace string
	Scope            string
}

// jwtErrorIsExpiry reports the one verification failure that still means
// the signature checked out: the lifetime ran out. golang-jwt validates
// claims only after the signature passes.
func jwtErrorIsExpiry(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired)
}

// ValidateUserID enforces the RFC 4122 v4 grammar in canonical form.
// Anything else (urn prefixes, braces, missing dashes, other versions)
// is rejected.
func ValidateUserID(userID string) error {
	if len(userID) != 36 {
		return fmt.Errorf("user id must be a canonical UUID: got %d characters", len(userID))
	}
	id, err := uuid.Parse(userID)
	if err != nil {
		return fmt.Errorf("user id is not a UUID: %w", err)
	}
	if id.Version() != 4 {
		return fmt.Errorf("user id must be a v4 UUID: got version %d", id.Version())
	}
	if id.Variant() != uuid.RFC4122 {
		return fmt.Errorf("user id must be an RFC 4122 UUID")
	}
	return nil
}

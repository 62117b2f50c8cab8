package token

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

const defaultLifetime = time.Hour

// Service issues and verifies gateway bearer tokens. With an RS256 key
// pair configured it signs JWTs and serves the public JWKS; without one it
// falls back to opaque process-lifetime session tokens. Verify accepts
// either form.
type Service struct {
	mu       sync.RWMutex
	signKey  *rsa.PrivateKey
	kid      string
	keySet   jwk.Set
	sessions *sessionStore
	lifetime time.Duration
	keyFile  string
}

// NewService loads the RS256 private key from keyFile when set. An empty
// keyFile selects session-token mode.
func NewService(keyFile, kid string) (*Service, error) {
	s := &Service{
		kid:      kid,
		sessions: newSessionStore(),
		lifetime: defaultLifetime,
		keyFile:  keyFile,
	}

	if keyFile == "" {
		return s, nil
	}
	if err := s.loadKey(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) loadKey() error {
	buf, err := os.ReadFile(s.keyFile)
	if err != nil {
		return fmt.Errorf("reading private key: %w", err)
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(buf)
	if err != nil {
		return fmt.Errorf("parsing private key: %w", err)
	}

	pub, err := jwk.Import(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("importing public key: %w", err)
	}
	if err := pub.Set(jwk.KeyIDKey, s.kid); err != nil {
		return err
	}
	if err := pub.Set(jwk.AlgorithmKey, "RS256"); err != nil {
		return err
	}
	if err := pub.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return err
	}

	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		return err
	}

	s.mu.Lock()
	s.signKey = key
	s.keySet = set
	s.mu.Unlock()
	return nil
}

// SigningConfigured reports whether the service issues JWTs (vs. opaque
// session tokens).
func (s *Service) SigningConfigured() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.signKey != nil
}

// Issue mints a token for userID. Returns the token and its type, "jwt"
// or "session".
func (s *Service) Issue(userID string, extra PassThrough) (string, string, error) {
	if err := ValidateUserID(userID); err != nil {
		return "", "", err
	}

	now := time.Now()
	claims := Claims{
		EmailID:          userID + "@hoot.local",
		PortkeyOID:       extra.PortkeyOID,
		PortkeyWorkspace: extra.PortkeyWorkspace,
		Scope:            extra.Scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.lifetime)),
		},
	}

	s.mu.RLock()
	signKey, kid := s.signKey, s.kid
	s.mu.RUnlock()

	if signKey == nil {
		raw, err := s.sessions.issue(claims)
		if err != nil {
			return "", "", err
		}
		return raw, "session", nil
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(signKey)
	if err != nil {
		return "", "", fmt.Errorf("signing token: %w", err)
	}
	return signed, "jwt", nil
}

// Verify validates a bearer and returns its claims. Errors are one of
// ErrTokenMissing, ErrTokenExpired, ErrTokenInvalid.
func (s *Service) Verify(raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrTokenMissing
	}

	if claims, found, err := s.sessions.lookup(raw); found {
		return claims, err
	}

	// In-flight verifications keep the set loaded at their start; a
	// concurrent rotation swaps the pointer, not the set.
	s.mu.RLock()
	keySet := s.keySet
	s.mu.RUnlock()

	if keySet == nil {
		return nil, ErrTokenInvalid
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}
		key, found := keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("no key for kid %q", kid)
		}
		var pub rsa.PublicKey
		if err := jwk.Export(key, &pub); err != nil {
			return nil, fmt.Errorf("exporting key %q: %w", kid, err)
		}
		return &pub, nil
	}, jwt.WithValidMethods([]string{"RS256"}))

	if err != nil {
		if jwtErrorIsExpiry(err) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	return &claims, nil
}

// JWKS returns the public key set as a JSON document for
// /.well-known/jwks.json. Session mode serves an empty set.
func (s *Service) JWKS() ([]byte, error) {
	s.mu.RLock()
	keySet := s.keySet
	s.mu.RUnlock()

	if keySet == nil {
		return []byte(`{"keys":[]}`), nil
	}
	return json.Marshal(keySet)
}

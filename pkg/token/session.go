package token

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"
)

const (
	sessionTokenLength = 50
	// Characters to use for random token generation (lowercase letters and numbers)
	sessionTokenCharset = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// sessionStore holds opaque process-lifetime tokens for deployments
// without a signing key.
type sessionStore struct {
	mu      sync.Mutex
	entries map[string]sessionEntry
}

type sessionEntry struct {
	claims    Claims
	expiresAt time.Time
}

func newSessionStore() *sessionStore {
	return &sessionStore{entries: make(map[string]sessionEntry)}
}

func (s *sessionStore) issue(claims Claims) (string, error) {
	raw, err := generateSessionToken()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	s.entries[raw] = sessionEntry{
		claims:    claims,
		expiresAt: claims.ExpiresAt.Time,
	}
	return raw, nil
}

// lookup reports whether raw is a session token at all; callers fall back
// to JWT verification only when it is not.
func (s *sessionStore) lookup(raw string) (*Claims, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[raw]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.entries, raw)
		return nil, true, ErrTokenExpired
	}
	claims := entry.claims
	return &claims, true, nil
}

// prune drops expired entries; called under the lock on each issue.
func (s *sessionStore) prune() {
	now := time.Now()
	for raw, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, raw)
		}
	}
}

// generateSessionToken generates a random 50-character string using
// lowercase letters and numbers.
func generateSessionToken() (string, error) {
	token := make([]byte, sessionTokenLength)
	charsetLen := big.NewInt(int64(len(sessionTokenCharset)))

	for i := range sessionTokenLength {
		num, err := rand.Int(rand.Reader, charsetLen)
		if err != nil {
			return "", fmt.Errorf("failed to generate random token: %w", err)
		}
		token[i] = sessionTokenCharset[num.Int64()]
	}

	return string(token), nil
}

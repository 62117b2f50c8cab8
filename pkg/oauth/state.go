package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const stateTTL = 10 * time.Minute

// statePayload is what travels through the OAuth server's state
// parameter: a CSRF token plus an opaque return state handed back to the
// browser after the callback.
type statePayload struct {
	CSRF   string          `json:"csrf"`
	Return json.RawMessage `json:"return,omitempty"`
}

// StateStore tracks pending authorizations by CSRF token. Validation is
// single-use: a state can only complete one callback.
type StateStore struct {
	mu      sync.Mutex
	pending map[string]pendingAuthorization
}

type pendingAuthorization struct {
	tenant    string
	serverID  string
	createdAt time.Time
}

func NewStateStore() *StateStore {
	return &StateStore{pending: make(map[string]pendingAuthorization)}
}

// Issue registers a pending authorization and returns the encoded state
// parameter carrying a fresh 32-byte CSRF token and returnState.
func (s *StateStore) Issue(tenant, serverID string, returnState json.RawMessage) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating CSRF token: %w", err)
	}
	csrf := hex.EncodeToString(raw)

	payload, err := json.Marshal(statePayload{CSRF: csrf, Return: returnState})
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.prune()
	s.pending[csrf] = pendingAuthorization{
		tenant:    tenant,
		serverID:  serverID,
		createdAt: time.Now(),
	}
	s.mu.Unlock()

	return base64.RawURLEncoding.EncodeToString(payload), nil
}

// Consume decodes an incoming state parameter, validates its CSRF token
// against a pending authorization, and removes it. Returns the tenant,
// server id and the embedded return state.
func (s *StateStore) Consume(state string) (tenant, serverID string, returnState json.RawMessage, err error) {
	decoded, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		// Some authorization servers re-encode with padding
		decoded, err = base64.URLEncoding.DecodeString(state)
		if err != nil {
			return "", "", nil, ErrStateMismatch
		}
	}

	var payload statePayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return "", "", nil, ErrStateMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pending, ok := s.pending[payload.CSRF]
	if !ok {
		return "", "", nil, ErrStateMismatch
	}
	delete(s.pending, payload.CSRF)

	if time.Since(pending.createdAt) > stateTTL {
		return "", "", nil, ErrStateMismatch
	}
	return pending.tenant, pending.serverID, payload.Return, nil
}

// prune drops stale pending authorizations; called under the lock.
func (s *StateStore) prune() {
	cutoff := time.Now().Add(-stateTTL)
	for csrf, pending := range s.pending {
		if pending.createdAt.Before(cutoff) {
			delete(s.pending, csrf)
		}
	}
}

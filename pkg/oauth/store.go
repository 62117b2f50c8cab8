package oauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/hoot-chat/mcp-gateway/pkg/db"
)

// artifactStore encodes OAuth artifacts as base64 JSON blobs on top of
// the tenant store. The store itself never sees the structure.
type artifactStore struct {
	dao db.OAuthDAO
}

func (s *artifactStore) saveClientInfo(ctx context.Context, tenant, serverID string, info *ClientInfo) error {
	blob, err := encodeBlob(info)
	if err != nil {
		return fmt.Errorf("encoding client info for %s: %w", serverID, err)
	}
	return s.dao.PutClientInfo(ctx, tenant, serverID, blob)
}

// loadClientInfo returns nil for an unregistered (tenant, serverID).
func (s *artifactStore) loadClientInfo(ctx context.Context, tenant, serverID string) (*ClientInfo, error) {
	blob, err := s.dao.GetClientInfo(ctx, tenant, serverID)
	if err != nil || blob == nil {
		return nil, err
	}

	var info ClientInfo
	if err := decodeBlob(blob, &info); err != nil {
		return nil, fmt.Errorf("decoding client info for %s: %w", serverID, err)
	}
	return &info, nil
}

func (s *artifactStore) saveTokens(ctx context.Context, tenant, serverID string, token *oauth2.Token) error {
	blob, err := encodeBlob(token)
	if err != nil {
		return fmt.Errorf("encoding tokens for %s: %w", serverID, err)
	}
	return s.dao.PutTokens(ctx, tenant, serverID, blob)
}

func (s *artifactStore) loadTokens(ctx context.Context, tenant, serverID string) (*oauth2.Token, error) {
	blob, err := s.dao.GetTokens(ctx, tenant, serverID)
	if err != nil || blob == nil {
		return nil, err
	}

	var token oauth2.Token
	if err := decodeBlob(blob, &token); err != nil {
		return nil, fmt.Errorf("decoding tokens for %s: %w", serverID, err)
	}
	return &token, nil
}

func encodeBlob(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return []byte(base64.StdEncoding.EncodeToString(raw)), nil
}

func decodeBlob(blob []byte, out any) error {
	raw, err := base64.StdEncoding.DecodeString(string(blob))
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

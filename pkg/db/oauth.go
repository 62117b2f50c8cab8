package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// verifierTTL bounds how long a stored PKCE verifier stays usable.
const verifierTTL = 10 * time.Minute

// InvalidateScope selects which OAuth artifacts Invalidate removes.
type InvalidateScope string

const (
	InvalidateAll      InvalidateScope = "all"
	InvalidateClient   InvalidateScope = "client"
	InvalidateTokens   InvalidateScope = "tokens"
	InvalidateVerifier InvalidateScope = "verifier"
)

// OAuthDAO stores OAuth artifacts keyed by (tenant, serverID). Blobs are
// opaque to the store; callers own the encoding.
type OAuthDAO interface {
	GetClientInfo(ctx context.Context, tenant, serverID string) ([]byte, error)
	PutClientInfo(ctx context.Context, tenant, serverID string, blob []byte) error
	GetTokens(ctx context.Context, tenant, serverID string) ([]byte, error)
	PutTokens(ctx context.Context, tenant, serverID string, blob []byte) error
	PutVerifier(ctx context.Context, tenant, serverID, verifier string) error
	GetVerifier(ctx context.Context, tenant, serverID string) (string, error)
	TakeVerifier(ctx context.Context, tenant, serverID string) (string, error)
	DeleteVerifier(ctx context.Context, tenant, serverID string) error
	Invalidate(ctx context.Context, tenant, serverID string, scope InvalidateScope) error
}

func (d *dao) GetClientInfo(ctx context.Context, tenant, serverID string) ([]byte, error) {
	return d.getBlob(ctx, tenant, serverID, "oauth_client_info", "client_info_blob")
}

func (d *dao) PutClientInfo(ctx context.Context, tenant, serverID string, blob []byte) error {
	if tenant == "" {
		return ErrEmptyTenant
	}
	const query = `INSERT INTO oauth_client_info (user_id, server_id, client_info_blob) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, server_id) DO UPDATE SET client_info_blob = excluded.client_info_blob`

	_, err := d.db.ExecContext(ctx, query, tenant, serverID, string(blob))
	return err
}

func (d *dao) GetTokens(ctx context.Context, tenant, serverID string) ([]byte, error) {
	return d.getBlob(ctx, tenant, serverID, "oauth_tokens", "tokens_blob")
}

// PutTokens replaces any prior token set in a single statement.
func (d *dao) PutTokens(ctx context.Context, tenant, serverID string, blob []byte) error {
	if tenant == "" {
		return ErrEmptyTenant
	}
	const query = `INSERT INTO oauth_tokens (user_id, server_id, tokens_blob) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, server_id) DO UPDATE SET tokens_blob = excluded.tokens_blob`

	_, err := d.db.ExecContext(ctx, query, tenant, serverID, string(blob))
	return err
}

func (d *dao) PutVerifier(ctx context.Context, tenant, serverID, verifier string) error {
	if tenant == "" {
		return ErrEmptyTenant
	}
	const query = `INSERT INTO oauth_verifiers (user_id, server_id, verifier, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, server_id) DO UPDATE SET verifier = excluded.verifier, created_at = excluded.created_at`

	_, err := d.db.ExecContext(ctx, query, tenant, serverID, verifier, time.Now().UTC())
	return err
}

// GetVerifier returns "" for a missing verifier. A verifier past its TTL
// is deleted and reported as missing.
func (d *dao) GetVerifier(ctx context.Context, tenant, serverID string) (string, error) {
	if tenant == "" {
		return "", ErrEmptyTenant
	}

	verifier, createdAt, err := d.readVerifier(ctx, tenant, serverID)
	if err != nil || verifier == "" {
		return "", err
	}

	if time.Since(createdAt) > verifierTTL {
		if err := d.DeleteVerifier(ctx, tenant, serverID); err != nil {
			return "", err
		}
		return "", nil
	}
	return verifier, nil
}

// TakeVerifier retrieves and deletes the verifier in one transaction, so a
// code exchange consumes it exactly once.
func (d *dao) TakeVerifier(ctx context.Context, tenant, serverID string) (string, error) {
	if tenant == "" {
		return "", ErrEmptyTenant
	}

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer txClose(tx, &err)

	var row struct {
		Verifier  string    `db:"verifier"`
		CreatedAt time.Time `db:"created_at"`
	}
	err = tx.GetContext(ctx, &row,
		`SELECT verifier, created_at FROM oauth_verifiers WHERE user_id = $1 AND server_id = $2`,
		tenant, serverID)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		return "", tx.Commit()
	}
	if err != nil {
		return "", err
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM oauth_verifiers WHERE user_id = $1 AND server_id = $2`,
		tenant, serverID)
	if err != nil {
		return "", err
	}
	if err = tx.Commit(); err != nil {
		return "", err
	}

	if time.Since(row.CreatedAt) > verifierTTL {
		return "", nil
	}
	return row.Verifier, nil
}

func (d *dao) DeleteVerifier(ctx context.Context, tenant, serverID string) error {
	if tenant == "" {
		return ErrEmptyTenant
	}
	const query = `DELETE FROM oauth_verifiers WHERE user_id = $1 AND server_id = $2`

	_, err := d.db.ExecContext(ctx, query, tenant, serverID)
	return err
}

func (d *dao) Invalidate(ctx context.Context, tenant, serverID string, scope InvalidateScope) error {
	if tenant == "" {
		return ErrEmptyTenant
	}

	var tables []string
	switch scope {
	case InvalidateAll:
		tables = []string{"oauth_client_info", "oauth_tokens", "oauth_verifiers"}
	case InvalidateClient:
		tables = []string{"oauth_client_info"}
	case InvalidateTokens:
		tables = []string{"oauth_tokens"}
	case InvalidateVerifier:
		tables = []string{"oauth_verifiers"}
	default:
		return fmt.Errorf("unknown invalidate scope %q", scope)
	}

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer txClose(tx, &err)

	for _, table := range tables {
		query := fmt.Sprintf("DELETE FROM %s WHERE user_id = $1 AND server_id = $2", table)
		if _, err = tx.ExecContext(ctx, query, tenant, serverID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (d *dao) getBlob(ctx context.Context, tenant, serverID, table, column string) ([]byte, error) {
	if tenant == "" {
		return nil, ErrEmptyTenant
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE user_id = $1 AND server_id = $2", column, table)

	var blob string
	err := d.db.GetContext(ctx, &blob, query, tenant, serverID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(blob), nil
}

func (d *dao) readVerifier(ctx context.Context, tenant, serverID string) (string, time.Time, error) {
	var row struct {
		Verifier  string    `db:"verifier"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := d.db.GetContext(ctx, &row,
		`SELECT verifier, created_at FROM oauth_verifiers WHERE user_id = $1 AND server_id = $2`,
		tenant, serverID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return row.Verifier, row.CreatedAt, nil
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// UpstreamServer is the persisted metadata of a remote MCP server as last
// seen by connect or auto-detect.
type UpstreamServer struct {
	Tenant    string    `db:"user_id"`
	ServerID  string    `db:"server_id"`
	URL       string    `db:"url"`
	Transport string    `db:"transport"`
	Name      string    `db:"name"`
	Version   string    `db:"version"`
	AuthKind  string    `db:"auth_kind"`
	UpdatedAt time.Time `db:"updated_at"`
}

type ServerDAO interface {
	UpsertServer(ctx context.Context, server UpstreamServer) error
	GetServer(ctx context.Context, tenant, serverID string) (*UpstreamServer, error)
	ListServers(ctx context.Context, tenant string) ([]UpstreamServer, error)
	DeleteServer(ctx context.Context, tenant, serverID string) error
}

func (d *dao) UpsertServer(ctx context.Context, server UpstreamServer) error {
	if server.Tenant == "" {
		return ErrEmptyTenant
	}
	const query = `INSERT INTO upstream_servers (user_id, server_id, url, transport, name, version, auth_kind, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, server_id) DO UPDATE SET
			url = excluded.url,
			transport = excluded.transport,
			name = excluded.name,
			version = excluded.version,
			auth_kind = excluded.auth_kind,
			updated_at = excluded.updated_at`

	_, err := d.db.ExecContext(ctx, query,
		server.Tenant, server.ServerID, server.URL, server.Transport,
		server.Name, server.Version, server.AuthKind, time.Now().UTC())
	return err
}

func (d *dao) GetServer(ctx context.Context, tenant, serverID string) (*UpstreamServer, error) {
	if tenant == "" {
		return nil, ErrEmptyTenant
	}
	const query = `SELECT user_id, server_id, url, transport, name, version, auth_kind, updated_at
		FROM upstream_servers WHERE user_id = $1 AND server_id = $2`

	var server UpstreamServer
	err := d.db.GetContext(ctx, &server, query, tenant, serverID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &server, nil
}

func (d *dao) ListServers(ctx context.Context, tenant string) ([]UpstreamServer, error) {
	if tenant == "" {
		return nil, ErrEmptyTenant
	}
	const query = `SELECT user_id, server_id, url, transport, name, version, auth_kind, updated_at
		FROM upstream_servers WHERE user_id = $1 ORDER BY server_id`

	var servers []UpstreamServer
	if err := d.db.SelectContext(ctx, &servers, query, tenant); err != nil {
		return nil, err
	}
	return servers, nil
}

func (d *dao) DeleteServer(ctx context.Context, tenant, serverID string) error {
	if tenant == "" {
		return ErrEmptyTenant
	}
	const query = `DELETE FROM upstream_servers WHERE user_id = $1 AND server_id = $2`

	_, err := d.db.ExecContext(ctx, query, tenant, serverID)
	return err
}

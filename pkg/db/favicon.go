package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// FaviconEntry caches the resolved icon URL for one origin. The cache is
// shared across tenants; only the URL is stored, never the bytes.
type FaviconEntry struct {
	Origin      string    `db:"origin"`
	ResolvedURL string    `db:"resolved_url"`
	CachedAt    time.Time `db:"cached_at"`
}

type FaviconDAO interface {
	GetFavicon(ctx context.Context, origin string) (*FaviconEntry, error)
	PutFavicon(ctx context.Context, origin, resolvedURL string) error
}

func (d *dao) GetFavicon(ctx context.Context, origin string) (*FaviconEntry, error) {
	const query = `SELECT origin, resolved_url, cached_at FROM favicon_cache WHERE origin = $1`

	var entry FaviconEntry
	err := d.db.GetContext(ctx, &entry, query, origin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (d *dao) PutFavicon(ctx context.Context, origin, resolvedURL string) error {
	const query = `INSERT INTO favicon_cache (origin, resolved_url, cached_at) VALUES ($1, $2, $3)
		ON CONFLICT (origin) DO UPDATE SET resolved_url = excluded.resolved_url, cached_at = excluded.cached_at`

	_, err := d.db.ExecContext(ctx, query, origin, resolvedURL, time.Now().UTC())
	return err
}

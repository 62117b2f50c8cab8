package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/hoot-chat/mcp-gateway/pkg/log"

	// This enables the sqlite driver
	_ "modernc.org/sqlite"
)

// ErrEmptyTenant is returned by every tenant-scoped operation called with
// an empty tenant id. Tenant isolation depends on the key being present.
var ErrEmptyTenant = errors.New("tenant id must not be empty")

type DAO interface {
	OAuthDAO
	ServerDAO
	FaviconDAO
}

type dao struct {
	db *sqlx.DB
}

//go:embed migrations/*.sql
var migrations embed.FS

type options struct {
	dbFile string
}

type Option func(o *options) error

func WithDatabaseFile(dbFile string) Option {
	return func(o *options) error {
		o.dbFile = dbFile
		return nil
	}
}

func New(opts ...Option) (DAO, error) {
	var o options
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}

	if o.dbFile == "" {
		return nil, errors.New("database file is required")
	}

	if dir := filepath.Dir(o.dbFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+o.dbFile+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// A pre-multi-tenant layout has no user_id column. Its tables are
	// parked under a temporary name here and their rows re-inserted under
	// a synthetic legacy tenant after the migrations have run.
	legacyTenant, err := parkLegacyTables(db)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare legacy layout migration: %w", err)
	}

	migDriver, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, err
	}

	driver, err := msqlite.WithInstance(db, &msqlite.Config{})
	if err != nil {
		return nil, err
	}

	mig, err := migrate.NewWithInstance("iofs", migDriver, "sqlite", driver)
	if err != nil {
		return nil, err
	}

	err = mig.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if legacyTenant != "" {
		if err := adoptLegacyRows(db, legacyTenant); err != nil {
			return nil, fmt.Errorf("failed to migrate legacy rows: %w", err)
		}
		log.Logf("- Migrated single-tenant rows under tenant %s", legacyTenant)
	}

	sqlxDb := sqlx.NewDb(db, "sqlite")

	return &dao{db: sqlxDb}, nil
}

func txClose(tx *sqlx.Tx, err *error) {
	if err == nil || *err == nil {
		return
	}

	if txerr := tx.Rollback(); txerr != nil {
		log.Logf("failed to rollback transaction: %v", txerr)
	}
}

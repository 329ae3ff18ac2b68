package sqlite

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/pkg/errors"
	// Import the pure-Go SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/hrygo/memosense/internal/profile"
	"github.com/hrygo/memosense/store"
)

// ============================================================================
// SQLITE SUPPORT (Single Node)
// ============================================================================
// SQLite is the default on-disk store for a single memosense process.
//
// Vectors are kept as little-endian float32 BLOBs and compared in Go.
// There is no vector index: every query is a linear scan.
//
// For many concurrent writers, use PostgreSQL.
// ============================================================================

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile == nil {
		return nil, errors.New("profile is nil")
	}
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	db, err := sql.Open("sqlite", profile.DSN+"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(0)")
	if err != nil {
		slog.Error("failed to open database", "dsn", profile.DSN, "error", err)
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}
	db.SetMaxOpenConns(1)

	var driver store.Driver = &DB{
		db:      db,
		profile: profile,
	}
	return driver, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) IsInitialized(ctx context.Context) (bool, error) {
	var exists bool
	err := d.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = 'embedding')").Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check if database is initialized")
	}
	return exists, nil
}

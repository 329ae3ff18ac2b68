package db

import (
	"github.com/pkg/errors"

	"github.com/hrygo/memosense/internal/profile"
	"github.com/hrygo/memosense/store"
	"github.com/hrygo/memosense/store/db/memory"
	"github.com/hrygo/memosense/store/db/postgres"
	"github.com/hrygo/memosense/store/db/sqlite"
)

// ============================================================================
// DATABASE SUPPORT POLICY
// ============================================================================
// memory:   process-local, nothing survives a restart. Tests and demos.
// sqlite:   single node default, vectors as float32 BLOBs.
// postgres: shared deployments, vectors in a pgvector column.
//
// Every driver must keep records in insertion order and replace the
// records of one source atomically.
// ============================================================================

// NewDBDriver creates new db driver based on profile.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	var driver store.Driver
	var err error

	switch profile.Driver {
	case "memory":
		driver = memory.NewDB()
	case "sqlite":
		driver, err = sqlite.NewDB(profile)
	case "postgres":
		driver, err = postgres.NewDB(profile)
	default:
		return nil, errors.Errorf("unknown db driver %q: expected memory, sqlite or postgres", profile.Driver)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to create db driver")
	}
	return driver, nil
}

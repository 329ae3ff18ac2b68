package test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hrygo/memosense/internal/profile"
	"github.com/hrygo/memosense/store"
	"github.com/hrygo/memosense/store/db"
)

// NewTestingStore opens a migrated store on the driver named by TEST_DRIVER.
// It defaults to sqlite in a temporary directory.
func NewTestingStore(ctx context.Context, t *testing.T) *store.Store {
	t.Helper()
	return NewTestingStoreWithDriver(ctx, t, getDriverFromEnv())
}

// NewTestingStoreWithDriver opens a migrated store on driver.
// Postgres tests are skipped unless POSTGRES_TEST_DSN is set.
func NewTestingStoreWithDriver(ctx context.Context, t *testing.T, driver string) *store.Store {
	t.Helper()
	p := getTestingProfile(t, driver)
	dbDriver, err := db.NewDBDriver(p)
	if err != nil {
		t.Fatalf("failed to create db driver: %v", err)
	}

	s := store.New(dbDriver, p)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate db: %v", err)
	}
	t.Cleanup(func() {
		if driver == "postgres" {
			if db := dbDriver.GetDB(); db != nil {
				_, _ = db.ExecContext(context.Background(), "TRUNCATE embedding, cache_entry")
			}
		}
		_ = s.Close()
	})
	return s
}

// Drivers lists the drivers available in this environment.
func Drivers() []string {
	drivers := []string{"memory", "sqlite"}
	if os.Getenv("POSTGRES_TEST_DSN") != "" {
		drivers = append(drivers, "postgres")
	}
	return drivers
}

func getTestingProfile(t *testing.T, driver string) *profile.Profile {
	p := &profile.Profile{
		Mode:   "dev",
		Driver: driver,
	}
	switch driver {
	case "sqlite":
		p.Data = t.TempDir()
		p.DSN = filepath.Join(p.Data, "memosense_test.db")
	case "postgres":
		p.DSN = os.Getenv("POSTGRES_TEST_DSN")
		if p.DSN == "" {
			t.Skip("POSTGRES_TEST_DSN is not set")
		}
	}
	return p
}

func getDriverFromEnv() string {
	driver := os.Getenv("TEST_DRIVER")
	if driver == "" {
		driver = "sqlite"
	}
	return driver
}

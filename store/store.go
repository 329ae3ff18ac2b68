package store

import (
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/memosense/internal/profile"
)

// ErrStorageUnavailable marks failures of the underlying storage. They are propagated, not recovered.
var ErrStorageUnavailable = errors.New("storage unavailable")

// StorageError wraps a driver failure. It matches both ErrStorageUnavailable and the driver error.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return e.Op + ": " + ErrStorageUnavailable.Error() + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageUnavailable, e.Err}
}

func unavailable(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// Store provides access to embedding records and persisted cache entries.
type Store struct {
	profile *profile.Profile
	driver  Driver
	now     func() time.Time
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
		now:     time.Now,
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Close() error {
	return s.driver.Close()
}

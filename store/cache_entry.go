package store

import "context"

// CacheEntry is a persisted result cache entry. Value is opaque to the store.
type CacheEntry struct {
	Namespace string
	Key       string
	Value     []byte
	CreatedMs int64
	// ExpiresMs is the unix millisecond expiry; 0 means the entry never expires.
	ExpiresMs int64
}

// DeleteCacheEntry selects entries to delete. Nil fields match everything.
type DeleteCacheEntry struct {
	Namespace *string
	Key       *string
}

// Expired reports whether the entry is expired at nowMs.
func (e *CacheEntry) Expired(nowMs int64) bool {
	return e.ExpiresMs != 0 && e.ExpiresMs <= nowMs
}

// UpsertCacheEntry writes entry, replacing an existing one with the same namespace and key.
func (s *Store) UpsertCacheEntry(ctx context.Context, entry *CacheEntry) error {
	if err := s.driver.UpsertCacheEntry(ctx, entry); err != nil {
		return unavailable("upsert cache entry", err)
	}
	return nil
}

// GetCacheEntry returns the entry, or nil when absent.
func (s *Store) GetCacheEntry(ctx context.Context, namespace, key string) (*CacheEntry, error) {
	entry, err := s.driver.GetCacheEntry(ctx, namespace, key)
	if err != nil {
		return nil, unavailable("get cache entry", err)
	}
	return entry, nil
}

// DeleteCacheEntries deletes matching entries.
func (s *Store) DeleteCacheEntries(ctx context.Context, delete *DeleteCacheEntry) error {
	if delete == nil {
		delete = &DeleteCacheEntry{}
	}
	if err := s.driver.DeleteCacheEntries(ctx, delete); err != nil {
		return unavailable("delete cache entries", err)
	}
	return nil
}

// DeleteExpiredCacheEntries purges expired entries and returns how many were removed.
func (s *Store) DeleteExpiredCacheEntries(ctx context.Context) (int64, error) {
	n, err := s.driver.DeleteExpiredCacheEntries(ctx, s.now().UnixMilli())
	if err != nil {
		return 0, unavailable("delete expired cache entries", err)
	}
	return n, nil
}

package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for store driver.
// It contains all methods that store database driver should implement.
type Driver interface {
	// GetDB returns the underlying database, or nil for drivers without one.
	GetDB() *sql.DB
	Close() error

	IsInitialized(ctx context.Context) (bool, error)

	// Embedding record related methods.
	ListEmbeddings(ctx context.Context, find *FindEmbedding) ([]*EmbeddingRecord, error)
	PutEmbedding(ctx context.Context, record *EmbeddingRecord) error
	// ReplaceEmbeddings deletes all records of sourceID then inserts records atomically.
	ReplaceEmbeddings(ctx context.Context, sourceID string, records []*EmbeddingRecord) error
	DeleteEmbeddingsFor(ctx context.Context, sourceID string) error

	// CacheEntry related methods.
	UpsertCacheEntry(ctx context.Context, entry *CacheEntry) error
	GetCacheEntry(ctx context.Context, namespace, key string) (*CacheEntry, error)
	DeleteCacheEntries(ctx context.Context, delete *DeleteCacheEntry) error
	DeleteExpiredCacheEntries(ctx context.Context, nowMs int64) (int64, error)
}

package memory

import (
	"context"
	"database/sql"
	"sync"

	"github.com/pkg/errors"

	"github.com/hrygo/memosense/store"
)

// DB keeps embedding records and cache entries in process memory.
// Records are returned in insertion order.
type DB struct {
	mu      sync.RWMutex
	records []*store.EmbeddingRecord
	cache   map[cacheKey]*store.CacheEntry
	closed  bool
}

type cacheKey struct {
	namespace string
	key       string
}

var errClosed = errors.New("memory store is closed")

func NewDB() store.Driver {
	return &DB{cache: make(map[cacheKey]*store.CacheEntry)}
}

func (*DB) GetDB() *sql.DB {
	return nil
}

func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.records = nil
	d.cache = make(map[cacheKey]*store.CacheEntry)
	return nil
}

func (*DB) IsInitialized(context.Context) (bool, error) {
	return true, nil
}

func (d *DB) ListEmbeddings(_ context.Context, find *store.FindEmbedding) ([]*store.EmbeddingRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, errClosed
	}

	list := []*store.EmbeddingRecord{}
	for _, record := range d.records {
		if find.SourceID != nil && record.SourceID != *find.SourceID {
			continue
		}
		if find.ExcludeSourceID != nil && record.SourceID == *find.ExcludeSourceID {
			continue
		}
		if find.Model != nil && record.Model != *find.Model {
			continue
		}
		list = append(list, clone(record))
	}
	return list, nil
}

func (d *DB) PutEmbedding(_ context.Context, record *store.EmbeddingRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errClosed
	}

	for i, existing := range d.records {
		if existing.ChunkID == record.ChunkID {
			d.records[i] = clone(record)
			return nil
		}
	}
	d.records = append(d.records, clone(record))
	return nil
}

func (d *DB) ReplaceEmbeddings(_ context.Context, sourceID string, records []*store.EmbeddingRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errClosed
	}

	kept := d.records[:0:0]
	for _, existing := range d.records {
		if existing.SourceID != sourceID {
			kept = append(kept, existing)
		}
	}
	for _, record := range records {
		kept = append(kept, clone(record))
	}
	d.records = kept
	return nil
}

func (d *DB) DeleteEmbeddingsFor(_ context.Context, sourceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errClosed
	}

	kept := d.records[:0:0]
	for _, existing := range d.records {
		if existing.SourceID != sourceID {
			kept = append(kept, existing)
		}
	}
	d.records = kept
	return nil
}

func (d *DB) UpsertCacheEntry(_ context.Context, entry *store.CacheEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errClosed
	}

	copied := *entry
	copied.Value = append([]byte(nil), entry.Value...)
	d.cache[cacheKey{entry.Namespace, entry.Key}] = &copied
	return nil
}

func (d *DB) GetCacheEntry(_ context.Context, namespace, key string) (*store.CacheEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, errClosed
	}

	entry, ok := d.cache[cacheKey{namespace, key}]
	if !ok {
		return nil, nil
	}
	copied := *entry
	copied.Value = append([]byte(nil), entry.Value...)
	return &copied, nil
}

func (d *DB) DeleteCacheEntries(_ context.Context, find *store.DeleteCacheEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errClosed
	}

	for k := range d.cache {
		if find.Namespace != nil && k.namespace != *find.Namespace {
			continue
		}
		if find.Key != nil && k.key != *find.Key {
			continue
		}
		delete(d.cache, k)
	}
	return nil
}

func (d *DB) DeleteExpiredCacheEntries(_ context.Context, nowMs int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, errClosed
	}

	var n int64
	for k, entry := range d.cache {
		if entry.Expired(nowMs) {
			delete(d.cache, k)
			n++
		}
	}
	return n, nil
}

func clone(record *store.EmbeddingRecord) *store.EmbeddingRecord {
	copied := *record
	copied.Vector = append([]float32(nil), record.Vector...)
	return &copied
}

package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/hrygo/memosense/store"
)

// Durable is the persistent tier behind the memory cache. *store.Store implements it.
type Durable interface {
	UpsertCacheEntry(ctx context.Context, entry *store.CacheEntry) error
	GetCacheEntry(ctx context.Context, namespace, key string) (*store.CacheEntry, error)
	DeleteCacheEntries(ctx context.Context, delete *store.DeleteCacheEntry) error
	DeleteExpiredCacheEntries(ctx context.Context) (int64, error)
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() (*zstd.Encoder, error) {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder), nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

func getZstdDecoder() (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil)
}

// encode marshals value to JSON and compresses it.
func encode(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal cache value")
	}
	enc, err := getZstdEncoder()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create zstd encoder")
	}
	defer zstdEncoderPool.Put(enc)
	return enc.EncodeAll(data, nil), nil
}

func decode(blob []byte) (json.RawMessage, error) {
	dec, err := getZstdDecoder()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create zstd decoder")
	}
	defer zstdDecoderPool.Put(dec)
	data, err := dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decompress cache value")
	}
	return json.RawMessage(data), nil
}

// persist writes e to the durable tier. Values at or above PersistLimit stay memory-only.
func (c *Cache) persist(ctx context.Context, namespace, key string, e *entry) {
	if c.cfg.Durable == nil {
		return
	}
	if e.size >= c.cfg.PersistLimit {
		slog.Debug("cache value too large to persist", "namespace", namespace, "size", e.size, "limit", c.cfg.PersistLimit)
		return
	}
	blob, err := encode(e.value)
	if err != nil {
		slog.Warn("failed to encode cache value", "namespace", namespace, "error", err)
		return
	}
	var expiresMs int64
	if !e.expiresAt.IsZero() {
		expiresMs = e.expiresAt.UnixMilli()
	}
	if err := c.cfg.Durable.UpsertCacheEntry(ctx, &store.CacheEntry{
		Namespace: namespace,
		Key:       key,
		Value:     blob,
		CreatedMs: e.createdAt.UnixMilli(),
		ExpiresMs: expiresMs,
	}); err != nil {
		slog.Warn("failed to persist cache entry", "namespace", namespace, "error", err)
	}
}

// restore reads (namespace, key) from the durable tier.
func (c *Cache) restore(ctx context.Context, namespace, key string, now time.Time) (json.RawMessage, time.Time, bool) {
	if c.cfg.Durable == nil {
		return nil, time.Time{}, false
	}
	persisted, err := c.cfg.Durable.GetCacheEntry(ctx, namespace, key)
	if err != nil {
		slog.Warn("failed to read durable cache entry", "namespace", namespace, "error", err)
		return nil, time.Time{}, false
	}
	if persisted == nil {
		return nil, time.Time{}, false
	}
	if persisted.Expired(now.UnixMilli()) {
		c.deleteDurable(ctx, &namespace, &key)
		return nil, time.Time{}, false
	}
	raw, err := decode(persisted.Value)
	if err != nil {
		slog.Warn("failed to decode durable cache entry", "namespace", namespace, "error", err)
		return nil, time.Time{}, false
	}
	var expiresAt time.Time
	if persisted.ExpiresMs != 0 {
		expiresAt = time.UnixMilli(persisted.ExpiresMs)
	}
	return raw, expiresAt, true
}

func (c *Cache) deleteDurable(ctx context.Context, namespace, key *string) {
	if c.cfg.Durable == nil {
		return
	}
	if err := c.cfg.Durable.DeleteCacheEntries(ctx, &store.DeleteCacheEntry{Namespace: namespace, Key: key}); err != nil {
		slog.Warn("failed to delete durable cache entries", "error", err)
	}
}

func (c *Cache) purgeDurable() {
	if c.cfg.Durable == nil {
		return
	}
	n, err := c.cfg.Durable.DeleteExpiredCacheEntries(context.Background())
	if err != nil {
		slog.Warn("failed to purge expired durable cache entries", "error", err)
		return
	}
	if n > 0 {
		slog.Debug("purged expired durable cache entries", "count", n)
	}
}

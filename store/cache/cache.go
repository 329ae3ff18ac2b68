// Package cache is the namespaced result cache of the semantic subsystem.
//
// Entries live in memory with a TTL and a byte budget. Entries set with
// WithPersist are also written to a durable tier, so they survive a restart.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	DefaultTTL             = time.Hour
	DefaultCleanupInterval = 5 * time.Minute
	DefaultMaxBytes        = 50 << 20
	DefaultPersistLimit    = 10 << 10

	// Cleanup evicts least recently accessed entries while the total exceeds
	// highWatermark of MaxBytes, until it drops below lowWatermark.
	highWatermark = 0.9
	lowWatermark  = 0.8
)

// Config holds the configuration for the cache.
type Config struct {
	DefaultTTL      time.Duration // TTL used when Set is called without WithTTL
	CleanupInterval time.Duration // Housekeeping period; negative disables the background pass
	MaxBytes        int64         // Byte budget for the memory tier
	PersistLimit    int64         // Persisted values must be smaller than this
	Durable         Durable       // Optional durable tier
	Now             func() time.Time
}

func (c Config) withDefaults() Config {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.PersistLimit <= 0 {
		c.PersistLimit = DefaultPersistLimit
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type entryKey struct {
	namespace string
	key       string
}

type entry struct {
	value          any
	createdAt      time.Time
	expiresAt      time.Time // zero means no expiry
	lastAccessedAt time.Time
	size           int64
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries   int   `json:"entries"`
	Bytes     int64 `json:"bytes"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
}

// Cache is a namespaced TTL cache with a byte budget.
type Cache struct {
	cfg Config

	mu      sync.Mutex
	entries map[entryKey]*entry
	total   int64
	stats   Stats

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a cache and starts its housekeeping goroutine.
func New(cfg Config) *Cache {
	cfg = cfg.withDefaults()
	c := &Cache{
		cfg:     cfg,
		entries: make(map[entryKey]*entry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		go c.housekeeping()
	} else {
		close(c.done)
	}
	return c
}

// SetOption configures a single Set call.
type SetOption func(*setOptions)

type setOptions struct {
	ttl      time.Duration
	ttlSet   bool
	noExpiry bool
	persist  bool
}

// WithTTL sets the entry lifetime. A zero TTL expires the entry immediately.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) {
		o.ttl = ttl
		o.ttlSet = true
		o.noExpiry = false
	}
}

// WithoutExpiry keeps the entry until it is evicted or deleted.
func WithoutExpiry() SetOption {
	return func(o *setOptions) {
		o.noExpiry = true
		o.ttlSet = false
	}
}

// WithPersist also writes the entry to the durable tier when it is small enough.
func WithPersist() SetOption {
	return func(o *setOptions) {
		o.persist = true
	}
}

// Set stores value under (namespace, key).
func (c *Cache) Set(ctx context.Context, namespace, key string, value any, opts ...SetOption) {
	o := &setOptions{}
	for _, opt := range opts {
		opt(o)
	}

	now := c.cfg.Now()
	e := &entry{
		value:          value,
		createdAt:      now,
		lastAccessedAt: now,
		size:           EstimateSize(value) + stringSize(namespace) + stringSize(key),
	}
	switch {
	case o.noExpiry:
	case o.ttlSet:
		e.expiresAt = now.Add(o.ttl)
	default:
		e.expiresAt = now.Add(c.cfg.DefaultTTL)
	}

	c.mu.Lock()
	c.put(entryKey{namespace, key}, e)
	if c.total > c.cfg.MaxBytes {
		c.cleanupLocked(now)
	}
	c.mu.Unlock()

	if o.persist {
		c.persist(ctx, namespace, key, e)
	}
}

// Get returns the value under (namespace, key) and marks it as recently used.
// Expired entries are evicted and reported as a miss. On a memory miss the
// durable tier is consulted; such values come back as json.RawMessage, see Load.
func (c *Cache) Get(ctx context.Context, namespace, key string) (any, bool) {
	now := c.cfg.Now()
	k := entryKey{namespace, key}

	c.mu.Lock()
	if e, ok := c.entries[k]; ok {
		if e.expired(now) {
			c.removeLocked(k, e)
			c.stats.Expired++
		} else {
			e.lastAccessedAt = now
			c.stats.Hits++
			c.mu.Unlock()
			return e.value, true
		}
	}
	c.mu.Unlock()

	if raw, expiresAt, ok := c.restore(ctx, namespace, key, now); ok {
		e := &entry{
			value:          raw,
			createdAt:      now,
			expiresAt:      expiresAt,
			lastAccessedAt: now,
			size:           EstimateSize(raw) + stringSize(namespace) + stringSize(key),
		}
		c.mu.Lock()
		c.put(k, e)
		c.stats.Hits++
		c.mu.Unlock()
		return raw, true
	}

	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
	return nil, false
}

// Has reports whether a live entry exists without touching its access time.
func (c *Cache) Has(ctx context.Context, namespace, key string) bool {
	now := c.cfg.Now()
	k := entryKey{namespace, key}

	c.mu.Lock()
	e, ok := c.entries[k]
	if ok && e.expired(now) {
		c.removeLocked(k, e)
		c.stats.Expired++
		ok = false
	}
	c.mu.Unlock()
	if ok {
		return true
	}
	_, _, ok = c.restore(ctx, namespace, key, now)
	return ok
}

// Delete removes the entry under (namespace, key).
func (c *Cache) Delete(ctx context.Context, namespace, key string) {
	k := entryKey{namespace, key}
	c.mu.Lock()
	if e, ok := c.entries[k]; ok {
		c.removeLocked(k, e)
	}
	c.mu.Unlock()
	c.deleteDurable(ctx, &namespace, &key)
}

// ClearNamespace removes every entry of namespace.
func (c *Cache) ClearNamespace(ctx context.Context, namespace string) {
	c.mu.Lock()
	for k, e := range c.entries {
		if k.namespace == namespace {
			c.removeLocked(k, e)
		}
	}
	c.mu.Unlock()
	c.deleteDurable(ctx, &namespace, nil)
}

// Clear removes every entry.
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.entries = make(map[entryKey]*entry)
	c.total = 0
	c.mu.Unlock()
	c.deleteDurable(ctx, nil, nil)
}

// Cleanup purges expired entries, then evicts least recently accessed ones
// while the memory tier is above its budget.
func (c *Cache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked(c.cfg.Now())
}

// Size returns the number of entries in memory.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	stats.Entries = len(c.entries)
	stats.Bytes = c.total
	return stats
}

// Close stops the housekeeping goroutine. The cache stays usable.
func (c *Cache) Close() error {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	<-c.done
	return nil
}

func (c *Cache) housekeeping() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Cleanup()
			c.purgeDurable()
		}
	}
}

func (c *Cache) put(k entryKey, e *entry) {
	if old, ok := c.entries[k]; ok {
		c.total -= old.size
	}
	c.entries[k] = e
	c.total += e.size
}

func (c *Cache) removeLocked(k entryKey, e *entry) {
	delete(c.entries, k)
	c.total -= e.size
}

func (c *Cache) cleanupLocked(now time.Time) {
	for k, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(k, e)
			c.stats.Expired++
		}
	}

	if float64(c.total) <= highWatermark*float64(c.cfg.MaxBytes) {
		return
	}

	type candidate struct {
		key   entryKey
		entry *entry
	}
	candidates := make([]candidate, 0, len(c.entries))
	for k, e := range c.entries {
		candidates = append(candidates, candidate{k, e})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].entry.lastAccessedAt.Before(candidates[j].entry.lastAccessedAt)
	})

	target := lowWatermark * float64(c.cfg.MaxBytes)
	evicted := 0
	for _, cand := range candidates {
		if float64(c.total) < target {
			break
		}
		c.removeLocked(cand.key, cand.entry)
		c.stats.Evictions++
		evicted++
	}
	if evicted > 0 {
		slog.Debug("cache evicted entries", "count", evicted, "bytes", c.total, "max_bytes", c.cfg.MaxBytes)
	}
}

// Load reads (namespace, key) as a T. Values restored from the durable tier are decoded from JSON.
func Load[T any](ctx context.Context, c *Cache, namespace, key string) (T, bool, error) {
	var zero T
	value, ok := c.Get(ctx, namespace, key)
	if !ok {
		return zero, false, nil
	}
	if typed, ok := value.(T); ok {
		return typed, true, nil
	}
	raw, ok := value.(json.RawMessage)
	if !ok {
		return zero, false, nil
	}
	var typed T
	if err := json.Unmarshal(raw, &typed); err != nil {
		return zero, false, err
	}
	// Keep the decoded value so later reads skip the decode.
	c.replace(namespace, key, typed)
	return typed, true, nil
}

func (c *Cache) replace(namespace, key string, value any) {
	k := entryKey{namespace, key}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return
	}
	copied := *e
	copied.value = value
	copied.size = EstimateSize(value) + stringSize(namespace) + stringSize(key)
	c.put(k, &copied)
}

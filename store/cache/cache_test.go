package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/memosense/internal/profile"
	"github.com/hrygo/memosense/store"
	"github.com/hrygo/memosense/store/db/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(t *testing.T, clock *fakeClock, cfg Config) *Cache {
	t.Helper()
	cfg.Now = clock.Now
	cfg.CleanupInterval = -1
	c := New(cfg)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCache_BasicOperations(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newFakeClock(), Config{})

	t.Run("SetAndGet", func(t *testing.T) {
		c.Set(ctx, "search", "key1", "value1")
		val, ok := c.Get(ctx, "search", "key1")
		assert.True(t, ok)
		assert.Equal(t, "value1", val)
	})

	t.Run("NamespacesAreIndependent", func(t *testing.T) {
		c.Set(ctx, "similar", "key1", "other")
		val, ok := c.Get(ctx, "search", "key1")
		assert.True(t, ok)
		assert.Equal(t, "value1", val)
	})

	t.Run("GetNonExistent", func(t *testing.T) {
		val, ok := c.Get(ctx, "search", "missing")
		assert.False(t, ok)
		assert.Nil(t, val)
		assert.False(t, c.Has(ctx, "search", "missing"))
	})

	t.Run("Delete", func(t *testing.T) {
		c.Set(ctx, "search", "key2", 42)
		assert.True(t, c.Has(ctx, "search", "key2"))
		c.Delete(ctx, "search", "key2")
		assert.False(t, c.Has(ctx, "search", "key2"))
	})

	t.Run("ClearNamespace", func(t *testing.T) {
		c.ClearNamespace(ctx, "search")
		assert.False(t, c.Has(ctx, "search", "key1"))
		assert.True(t, c.Has(ctx, "similar", "key1"))
	})

	t.Run("Clear", func(t *testing.T) {
		c.Clear(ctx)
		assert.Equal(t, 0, c.Size())
		assert.Equal(t, int64(0), c.Stats().Bytes)
	})
}

func TestCache_Expiration(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		opts    []SetOption
		advance time.Duration
		wantHit bool
	}{
		{name: "zero ttl misses after advance", opts: []SetOption{WithTTL(0)}, advance: time.Millisecond, wantHit: false},
		{name: "ttl not reached", opts: []SetOption{WithTTL(time.Minute)}, advance: 59 * time.Second, wantHit: true},
		{name: "ttl reached", opts: []SetOption{WithTTL(time.Minute)}, advance: time.Minute, wantHit: false},
		{name: "default ttl not reached", advance: 59 * time.Minute, wantHit: true},
		{name: "default ttl reached", advance: 61 * time.Minute, wantHit: false},
		{name: "no expiry", opts: []SetOption{WithoutExpiry()}, advance: 1000 * time.Hour, wantHit: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			c := newTestCache(t, clock, Config{})
			c.Set(ctx, "ns", "key", "value", tt.opts...)
			clock.Advance(tt.advance)

			_, ok := c.Get(ctx, "ns", "key")
			assert.Equal(t, tt.wantHit, ok)
			if !tt.wantHit {
				// Expired entries are evicted on read.
				assert.Equal(t, 0, c.Size())
			}
		})
	}
}

func TestCache_EvictsLeastRecentlyAccessed(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	// Every entry costs 100 value bytes + 4 namespace bytes + 4 key bytes.
	c := newTestCache(t, clock, Config{MaxBytes: 500})
	value := func() []byte { return make([]byte, 100) }

	for _, key := range []string{"k1", "k2", "k3", "k4"} {
		c.Set(ctx, "ns", key, value())
		clock.Advance(time.Second)
	}
	require.Equal(t, int64(4*108), c.Stats().Bytes)

	// Touch k1 so it is the most recently used of the first four.
	_, ok := c.Get(ctx, "ns", "k1")
	require.True(t, ok)
	clock.Advance(time.Second)

	// Going over 500 bytes evicts the oldest accessed entries until under 400.
	c.Set(ctx, "ns", "k5", value())

	assert.False(t, c.Has(ctx, "ns", "k2"))
	assert.False(t, c.Has(ctx, "ns", "k3"))
	assert.True(t, c.Has(ctx, "ns", "k1"))
	assert.True(t, c.Has(ctx, "ns", "k4"))
	assert.True(t, c.Has(ctx, "ns", "k5"))
	assert.Less(t, c.Stats().Bytes, int64(400))
	assert.Equal(t, int64(2), c.Stats().Evictions)
}

func TestCache_CleanupPurgesExpiredFirst(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCache(t, clock, Config{MaxBytes: 1000})

	c.Set(ctx, "ns", "old", make([]byte, 100), WithTTL(time.Second))
	c.Set(ctx, "ns", "new", make([]byte, 100), WithTTL(time.Hour))
	clock.Advance(2 * time.Second)

	c.Cleanup()
	assert.Equal(t, 1, c.Size())
	assert.True(t, c.Has(ctx, "ns", "new"))
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Expired)
	assert.Equal(t, int64(0), stats.Evictions)
}

func TestCache_Stats(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newFakeClock(), Config{})

	c.Set(ctx, "ns", "key", "v")
	c.Get(ctx, "ns", "key")
	c.Get(ctx, "ns", "key")
	c.Get(ctx, "ns", "missing")

	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestCache_Persist(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	durable := store.New(memory.NewDB(), &profile.Profile{Driver: "memory"})

	c := newTestCache(t, clock, Config{Durable: durable, PersistLimit: 256})
	c.Set(ctx, "similar", "small", []string{"note-1", "note-2"}, WithPersist(), WithoutExpiry())
	large := make([]string, 50)
	for i := range large {
		large[i] = "abcdefghij"
	}
	c.Set(ctx, "similar", "large", large, WithPersist(), WithoutExpiry())
	c.Set(ctx, "similar", "memory-only", "x")

	// A fresh cache over the same durable tier simulates a restart.
	restarted := newTestCache(t, clock, Config{Durable: durable, PersistLimit: 256})

	got, ok, err := Load[[]string](ctx, restarted, "similar", "small")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"note-1", "note-2"}, got)

	// The decoded value is kept in memory.
	val, ok := restarted.Get(ctx, "similar", "small")
	require.True(t, ok)
	assert.Equal(t, []string{"note-1", "note-2"}, val)

	_, ok = restarted.Get(ctx, "similar", "large")
	assert.False(t, ok, "oversized values stay memory-only")
	_, ok = restarted.Get(ctx, "similar", "memory-only")
	assert.False(t, ok)

	// Clearing a namespace clears the durable tier too.
	restarted.ClearNamespace(ctx, "similar")
	again := newTestCache(t, clock, Config{Durable: durable})
	assert.False(t, again.Has(ctx, "similar", "small"))
}

func TestCache_PersistedEntryExpires(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	durable := store.New(memory.NewDB(), &profile.Profile{Driver: "memory"})

	c := newTestCache(t, clock, Config{Durable: durable})
	c.Set(ctx, "search", "key", "value", WithPersist(), WithTTL(time.Minute))

	clock.Advance(2 * time.Minute)
	restarted := newTestCache(t, clock, Config{Durable: durable})
	_, ok := restarted.Get(ctx, "search", "key")
	assert.False(t, ok)

	entry, err := durable.GetCacheEntry(ctx, "search", "key")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestCache_CloseStopsHousekeeping(t *testing.T) {
	c := New(Config{CleanupInterval: 5 * time.Millisecond})
	c.Set(context.Background(), "ns", "key", "value", WithTTL(time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = c.Close()
		_ = c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, 0, c.Size(), "housekeeping purged the expired entry")
}

func TestCache_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newFakeClock(), Config{MaxBytes: 4096})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := string(rune('a' + (n+j)%26))
				c.Set(ctx, "ns", key, j)
				c.Get(ctx, "ns", key)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Stats().Bytes, int64(4096))
}

// Package cache stores successful execution results keyed by content
// fingerprint, fronted by an in-process Bloom filter that turns most
// "definitely not cached" lookups into a single memory probe instead of a
// Redis round trip.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/redis/go-redis/v9"

	"github.com/noisefs-labs/codeexec/pkg/store"
)

func cacheKey(fingerprint string) string { return "cache:" + fingerprint }

// Stats tracks hit/miss/store counters, in the style of the teacher's
// CacheStats bookkeeping.
type Stats struct {
	hits          int64
	misses        int64
	bloomRejects  int64
	stores        int64
}

// Snapshot is a point-in-time read of Stats.
type Snapshot struct {
	Hits         int64
	Misses       int64
	BloomRejects int64
	Stores       int64
	HitRate      float64
}

// Snapshot returns the current counters and derived hit rate.
func (s *Stats) Snapshot() Snapshot {
	hits := atomic.LoadInt64(&s.hits)
	misses := atomic.LoadInt64(&s.misses)
	total := hits + misses
	var rate float64
	if total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Snapshot{
		Hits:         hits,
		Misses:       misses,
		BloomRejects: atomic.LoadInt64(&s.bloomRejects),
		Stores:       atomic.LoadInt64(&s.stores),
		HitRate:      rate,
	}
}

// Cache is the Redis-backed, Bloom-prefiltered result cache.
type Cache struct {
	rdb   *redis.Client
	ttl   time.Duration
	mu    sync.Mutex
	bloom *bloom.BloomFilter
	Stats
}

// New constructs a Cache with a Bloom filter sized for expectedItems
// fingerprints at falsePositive rate.
func New(rdb *redis.Client, ttl time.Duration, expectedItems uint, falsePositive float64) *Cache {
	return &Cache{
		rdb:   rdb,
		ttl:   ttl,
		bloom: bloom.NewWithEstimates(expectedItems, falsePositive),
	}
}

// Get returns the cached result for fingerprint, if any. The Bloom filter is
// consulted first; a negative answer there is definitive and skips Redis
// entirely. A positive answer from the filter is only ever a hint — the
// Redis read remains the ground truth and a filter false positive simply
// costs one extra round trip, never a wrong answer.
func (c *Cache) Get(ctx context.Context, fingerprint string) (store.Result, bool, error) {
	c.mu.Lock()
	mayExist := c.bloom.TestString(fingerprint)
	c.mu.Unlock()

	if !mayExist {
		atomic.AddInt64(&c.bloomRejects, 1)
		atomic.AddInt64(&c.misses, 1)
		return store.Result{}, false, nil
	}

	data, err := c.rdb.Get(ctx, cacheKey(fingerprint)).Bytes()
	if err == redis.Nil {
		atomic.AddInt64(&c.misses, 1)
		return store.Result{}, false, nil
	}
	if err != nil {
		return store.Result{}, false, fmt.Errorf("cache: get %s: %w", fingerprint, err)
	}

	var result store.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return store.Result{}, false, fmt.Errorf("cache: unmarshal %s: %w", fingerprint, err)
	}
	atomic.AddInt64(&c.hits, 1)
	result.Cached = true
	return result, true, nil
}

// Put stores result under fingerprint and marks it present in the Bloom
// filter. Callers must only call Put for results with ExitCode == 0 and
// CompileError == false; Put itself does not enforce that policy so it can
// be unit-tested in isolation from the worker pipeline.
func (c *Cache) Put(ctx context.Context, fingerprint string, result store.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", fingerprint, err)
	}
	if err := c.rdb.Set(ctx, cacheKey(fingerprint), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", fingerprint, err)
	}

	c.mu.Lock()
	c.bloom.AddString(fingerprint)
	c.mu.Unlock()

	atomic.AddInt64(&c.stores, 1)
	return nil
}

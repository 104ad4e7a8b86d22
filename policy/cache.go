package policy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/itsneelabh/stableinfra/core"
)

// CacheConfig configures the LRU+TTL cache Policy Unit of spec.md §4.B /
// §3 "Policy state: Cache".
type CacheConfig struct {
	Name    string
	MaxSize int
	TTL     time.Duration
}

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// Cache is an LRU cache of fingerprint -> {value, expiresAt} with uniform
// entry TTL, grounded on the singleflight-guarded, hashicorp/golang-lru
// backed cache in the Bitcoin-Sprint example's internal/cache and
// internal/engine packages — stripped down to the single eviction strategy
// (plain LRU) and single cache level spec.md names.
type Cache struct {
	config *CacheConfig
	store  *lru.Cache[string, *cacheEntry]
	group  singleflight.Group

	mu         sync.Mutex
	hits       uint64
	misses     uint64
	sets       uint64
	evictions  uint64
	expiration uint64
}

// NewCache constructs a Cache with the given capacity and TTL.
func NewCache(config *CacheConfig) (*Cache, error) {
	if config == nil || config.MaxSize < 1 {
		return nil, fmt.Errorf("%w: cache requires maxSize >= 1", core.ErrInvalidConfiguration)
	}
	c := &Cache{config: config}
	store, err := lru.NewWithEvict[string, *cacheEntry](config.MaxSize, func(string, *cacheEntry) {
		atomic.AddUint64(&c.evictions, 1)
	})
	if err != nil {
		return nil, fmt.Errorf("constructing lru cache: %w", err)
	}
	c.store = store
	return c, nil
}

// Get returns the cached value for fingerprint if present and unexpired.
// Expired entries are removed on access, per spec.md §4.B.
func (c *Cache) Get(fingerprint string) (interface{}, bool) {
	entry, ok := c.store.Get(fingerprint)
	if !ok {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.store.Remove(fingerprint)
		c.mu.Lock()
		c.misses++
		c.expiration++
		c.mu.Unlock()
		return nil, false
	}
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return entry.value, true
}

// Set stores value under fingerprint, stamping expiresAt = now + TTL.
// Eviction of the LRU victim (if full) happens inside the underlying store.
func (c *Cache) Set(fingerprint string, value interface{}) {
	c.store.Add(fingerprint, &cacheEntry{value: value, expiresAt: time.Now().Add(c.config.TTL)})
	c.mu.Lock()
	c.sets++
	c.mu.Unlock()
}

// GetOrLoad returns the cached value for fingerprint, or calls loader and
// caches its result. Concurrent calls for the same fingerprint collapse
// into a single loader invocation via singleflight, protecting the Policy
// Units and transport behind it from a cache-stampede on a cold fingerprint.
func (c *Cache) GetOrLoad(ctx context.Context, fingerprint string, loader func(ctx context.Context) (interface{}, error)) (interface{}, bool, error) {
	if value, ok := c.Get(fingerprint); ok {
		return value, true, nil
	}
	value, err, _ := c.group.Do(fingerprint, func() (interface{}, error) {
		v, loadErr := loader(ctx)
		if loadErr != nil {
			return nil, loadErr
		}
		c.Set(fingerprint, v)
		return v, nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, false, nil
}

// Metrics reports hits, misses, sets, evictions, expirations and the
// derived hit rate / network-requests-saved spec.md §4.B names.
func (c *Cache) Metrics() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return map[string]interface{}{
		"hits":                  c.hits,
		"misses":                c.misses,
		"sets":                  c.sets,
		"evictions":             c.evictions,
		"expirations":           c.expiration,
		"networkRequestsSaved":  c.hits,
		"hitRate":               hitRate,
		"cacheEfficiency":       hitRate,
		"size":                  c.store.Len(),
	}
}

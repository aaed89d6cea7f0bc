// Package presence provides a generic TTL-keyed cache, used as the
// persistence layer's record read-cache. The federation PeerTable and the
// proximity layer's sightings do not use it; they keep their own tables.
// Cache backs its entries with github.com/redis/go-redis/v9 when a cache URL is
// configured, falling back to an in-process TTL map (adapted from the
// teacher's internal/federation/ttlcache.go) when none is.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a generic, TTL-keyed key/value store. Values are JSON-encoded
// when backed by Redis; the in-process fallback stores them directly.
type Cache[V any] struct {
	ttl    time.Duration
	rdb    *redis.Client
	prefix string

	mu      sync.Mutex
	entries map[string]localEntry[V]
}

type localEntry[V any] struct {
	value  V
	expiry time.Time
}

// NewCache creates a Cache with the given default TTL. If url is non-empty
// it is parsed as a Redis/DragonflyDB connection URL and entries are backed
// there; otherwise an in-process map is used. prefix namespaces keys when
// multiple Caches share one Redis instance.
func NewCache[V any](url, prefix string, ttl time.Duration) (*Cache[V], error) {
	c := &Cache[V]{ttl: ttl, prefix: prefix, entries: make(map[string]localEntry[V])}
	if url == "" {
		return c, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing cache url: %w", err)
	}
	c.rdb = redis.NewClient(opts)
	return c, nil
}

// Close releases the underlying Redis client, if any.
func (c *Cache[V]) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

func (c *Cache[V]) key(k string) string { return c.prefix + k }

// Set stores value under key with the cache's default TTL.
func (c *Cache[V]) Set(ctx context.Context, key string, value V) error {
	if c.rdb == nil {
		c.mu.Lock()
		c.entries[key] = localEntry[V]{value: value, expiry: time.Now().Add(c.ttl)}
		c.mu.Unlock()
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling cache value: %w", err)
	}
	return c.rdb.Set(ctx, c.key(key), data, c.ttl).Err()
}

// Get returns the cached value, or (zero, false) on miss/expiry.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V
	if c.rdb == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		e, ok := c.entries[key]
		if !ok {
			return zero, false
		}
		if time.Now().After(e.expiry) {
			delete(c.entries, key)
			return zero, false
		}
		return e.value, true
	}

	data, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		return zero, false
	}
	var v V
	if err := json.Unmarshal(data, &v); err != nil {
		return zero, false
	}
	return v, true
}

// Delete removes a single entry.
func (c *Cache[V]) Delete(ctx context.Context, key string) error {
	if c.rdb == nil {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil
	}
	return c.rdb.Del(ctx, c.key(key)).Err()
}

// Keys returns all non-expired keys currently in the cache. For the Redis
// backend this scans the configured prefix; callers should not assume a
// particular ordering.
func (c *Cache[V]) Keys(ctx context.Context) ([]string, error) {
	if c.rdb == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		now := time.Now()
		out := make([]string, 0, len(c.entries))
		for k, e := range c.entries {
			if now.After(e.expiry) {
				continue
			}
			out = append(out, k)
		}
		return out, nil
	}

	var out []string
	iter := c.rdb.Scan(ctx, 0, c.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val()[len(c.prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning cache keys: %w", err)
	}
	return out, nil
}

// All returns every non-expired (key, value) pair.
func (c *Cache[V]) All(ctx context.Context) (map[string]V, error) {
	keys, err := c.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]V, len(keys))
	for _, k := range keys {
		if v, ok := c.Get(ctx, k); ok {
			out[k] = v
		}
	}
	return out, nil
}

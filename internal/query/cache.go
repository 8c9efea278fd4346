// Package query (cache.go) provides a Redis-backed result cache for
// repeated queries, with singleflight deduplication so a cache-miss storm
// collapses into a single shard fan-out.
package query

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/oriondb/oriondb/internal/document"
	pkgredis "github.com/oriondb/oriondb/pkg/redis"
	"golang.org/x/sync/singleflight"
)

const cacheKeyPrefix = "query:"

// Result is the cacheable shape of a completed query: the merged page plus
// any aggregations, kept distinct from the HTTP response envelope.
type Result struct {
	Documents    []document.Document  `json:"documents"`
	Total        int                  `json:"total"`
	Aggregations []AggregationResult  `json:"aggregations,omitempty"`
}

// Cache wraps a Redis client with singleflight de-duplication and hit/miss
// counters.
type Cache struct {
	client *pkgredis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache creates a Cache backed by the given Redis client with the given
// entry TTL.
func NewCache(client *pkgredis.Client, ttl time.Duration) *Cache {
	return &Cache{
		client: client,
		ttl:    ttl,
		logger: slog.Default().With("component", "query-cache"),
	}
}

// Get reads a cached result for q. Returns (Result{}, false) on miss or
// error.
func (c *Cache) Get(ctx context.Context, q ParsedQuery) (Result, bool) {
	key := c.buildKey(q)
	data, err := c.client.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		c.misses.Add(1)
		return Result{}, false
	}
	var result Result
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.misses.Add(1)
		return Result{}, false
	}
	c.hits.Add(1)
	return result, true
}

// Set stores result for q with the configured TTL.
func (c *Cache) Set(ctx context.Context, q ParsedQuery, result Result) {
	key := c.buildKey(q)
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns a cached result if present; otherwise runs computeFn
// once per distinct key even under concurrent callers, caches the outcome,
// and returns it.
func (c *Cache) GetOrCompute(ctx context.Context, q ParsedQuery, computeFn func() (Result, error)) (Result, bool, error) {
	if result, ok := c.Get(ctx, q); ok {
		return result, true, nil
	}
	key := c.buildKey(q)
	val, err, _ := c.group.Do(key, func() (any, error) {
		if result, ok := c.Get(ctx, q); ok {
			return result, nil
		}
		result, err := computeFn()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, q, result)
		return result, nil
	})
	if err != nil {
		return Result{}, false, err
	}
	return val.(Result), false, nil
}

// Invalidate flushes every cached query result for collection. Called
// after writes so stale result pages are never served.
func (c *Cache) Invalidate(ctx context.Context, collection string) error {
	pattern := cacheKeyPrefix + collection + ":*"
	deleted, err := c.client.FlushByPattern(ctx, pattern)
	if err != nil {
		return fmt.Errorf("invalidating query cache for %s: %w", collection, err)
	}
	c.logger.Info("query cache invalidated", "collection", collection, "keys_deleted", deleted)
	return nil
}

// Stats returns the cumulative hit and miss counters.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// buildKey produces a deterministic cache key namespaced by collection (so
// Invalidate can target one collection's entries) and hashed over the
// normalized filter/sort/pagination shape.
func (c *Cache) buildKey(q ParsedQuery) string {
	normalized := normalize(q)
	hash := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%s%s:%x", cacheKeyPrefix, q.Collection, hash[:16])
}

func normalize(q ParsedQuery) string {
	conds := append([]Condition(nil), q.Expression.Conditions...)
	sort.Slice(conds, func(i, j int) bool {
		if conds[i].Field != conds[j].Field {
			return conds[i].Field < conds[j].Field
		}
		return conds[i].Op < conds[j].Op
	})
	raw, _ := json.Marshal(struct {
		Conds      []Condition
		Projection []string
		Options    Options
	}{conds, q.Projection, q.Options})
	return string(raw)
}

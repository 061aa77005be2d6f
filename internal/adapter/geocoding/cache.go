package geocoding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pantrypirate/pipeline/internal/adapter/observability"
	"github.com/pantrypirate/pipeline/internal/domain"
)

const cacheKeyPrefix = "geocode:cache:"

// notFoundSentinel marks a cached negative answer so repeated lookups of an
// unresolvable address do not hit providers again within the TTL.
const notFoundSentinel = `{"not_found":true}`

// Cache stores geocoding results in Redis keyed by a deterministic hash of
// the normalized query. Entries are deterministic, so last-writer-wins is
// acceptable under concurrency.
type Cache struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewCache constructs a Cache with the given TTL.
func NewCache(rdb redis.UniversalClient, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

// ForwardKey derives the cache key for an address lookup.
func ForwardKey(address string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(address)), " ")
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

// ReverseKey derives the cache key for a reverse lookup.
func ReverseKey(lat, lon float64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("reverse|%.6f,%.6f", lat, lon)))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached result for key. A cached not-found sentinel yields
// ErrNotGeocoded; a cache miss yields ErrNotFound.
func (c *Cache) Get(ctx context.Context, key string) (domain.GeoResult, error) {
	raw, err := c.rdb.Get(ctx, cacheKeyPrefix+key).Result()
	if err == redis.Nil {
		return domain.GeoResult{}, fmt.Errorf("op=geocoding.cache_get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.GeoResult{}, fmt.Errorf("op=geocoding.cache_get: %w", err)
	}
	observability.GeocodeCacheHitsTotal.Inc()
	if raw == notFoundSentinel {
		return domain.GeoResult{}, fmt.Errorf("op=geocoding.cache_get: %w", domain.ErrNotGeocoded)
	}
	var res domain.GeoResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return domain.GeoResult{}, fmt.Errorf("op=geocoding.cache_get: %w", err)
	}
	return res, nil
}

// Put stores a successful result.
func (c *Cache) Put(ctx context.Context, key string, res domain.GeoResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("op=geocoding.cache_put: %w", err)
	}
	if err := c.rdb.Set(ctx, cacheKeyPrefix+key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("op=geocoding.cache_put: %w", err)
	}
	return nil
}

// PutNotFound stores the negative sentinel for the same TTL.
func (c *Cache) PutNotFound(ctx context.Context, key string) error {
	if err := c.rdb.Set(ctx, cacheKeyPrefix+key, notFoundSentinel, c.ttl).Err(); err != nil {
		return fmt.Errorf("op=geocoding.cache_put_not_found: %w", err)
	}
	return nil
}

package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key per normalized query; results for the same query within the TTL come
// from redis instead of the upstream API.
const keySearchResults = "search:books:%s"

// Cache is a redis-backed result cache. A nil *Cache is a valid no-op, so
// callers never have to branch on whether redis is configured.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

func normalizeQuery(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

func (c *Cache) Get(ctx context.Context, query string) ([]Result, bool, error) {
	if c == nil {
		return nil, false, nil
	}

	data, err := c.rdb.Get(ctx, fmt.Sprintf(keySearchResults, normalizeQuery(query))).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache get: %w", err)
	}

	var results []Result
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, false, fmt.Errorf("decode cached results: %w", err)
	}

	return results, true, nil
}

func (c *Cache) Set(ctx context.Context, query string, results []Result) error {
	if c == nil {
		return nil
	}

	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}

	if err := c.rdb.Set(ctx, fmt.Sprintf(keySearchResults, normalizeQuery(query)), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}

	return nil
}

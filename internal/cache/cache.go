// Package cache implements the fingerprint cache: a Redis-backed,
// TTL-bounded store mapping a normalized-input fingerprint to a previously
// computed final refinement result. Losing it never loses correctness, only
// recomputation cost.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/promptforge/promptforge/internal/task"
)

const (
	entryPrefix = "promptcache:entry:"
	hitsKey     = "promptcache:hits"
	missesKey   = "promptcache:misses"
)

// Result is the cached snapshot of a completed refinement.
type Result struct {
	Prompt     string  `json:"prompt"`
	Score      float64 `json:"score"`
	Iterations int     `json:"iterations"`
}

type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Size   int64 `json:"size"`
}

type Cache struct {
	client *redis.Client
}

func NewCache(redisAddr string) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Fingerprint derives the deterministic cache key for a submission. The
// requirements text is whitespace-normalized so formatting differences do not
// defeat the cache; every config field participates so two requests that
// differ only in temperature do not collide.
func Fingerprint(requirements string, cfg task.Config) string {
	normalized := strings.Join(strings.Fields(requirements), " ")
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%g|%g", normalized, cfg.MaxIterations, cfg.ScoreThreshold, cfg.Temperature)
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached result for fingerprint, or nil on a miss. Expired
// entries are absent by construction (Redis TTL). Hit/miss counters live in
// Redis so every process reports the same statistics.
func (c *Cache) Get(ctx context.Context, fingerprint string) (*Result, error) {
	data, err := c.client.Get(ctx, entryPrefix+fingerprint).Bytes()
	if err == redis.Nil {
		c.client.Incr(ctx, missesKey)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry: %w", err)
	}

	c.client.Incr(ctx, hitsKey)
	return &result, nil
}

// Put stores a final result. Concurrent Puts for the same fingerprint are
// allowed; last write wins.
func (c *Cache) Put(ctx context.Context, fingerprint string, result Result, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, entryPrefix+fingerprint, data, ttl).Err()
}

// Clear removes every cache entry and returns how many were deleted. The
// hit/miss counters are left intact.
func (c *Cache) Clear(ctx context.Context) (int64, error) {
	keys, err := c.client.Keys(ctx, entryPrefix+"*").Result()
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	return c.client.Del(ctx, keys...).Result()
}

func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	hits, err := c.client.Get(ctx, hitsKey).Int64()
	if err != nil && err != redis.Nil {
		return stats, err
	}
	misses, err := c.client.Get(ctx, missesKey).Int64()
	if err != nil && err != redis.Nil {
		return stats, err
	}
	keys, err := c.client.Keys(ctx, entryPrefix+"*").Result()
	if err != nil {
		return stats, err
	}

	stats.Hits = hits
	stats.Misses = misses
	stats.Size = int64(len(keys))
	return stats, nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}

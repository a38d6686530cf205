package report

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/barricade/ban-sync/internal/integration"
)

// Redis key prefix for cached lookups. The value is "1" for a reported
// player and "0" otherwise.
const CachePrefix = "bansync:reported:"

// DefaultCacheTTL is how long a lookup result is reused.
const DefaultCacheTTL = 10 * time.Minute

// Cache answers lookups from Redis and asks next for players it has no
// answer for. Redis failures fall through to next.
type Cache struct {
	client *redis.Client
	next   integration.ReportChecker
	ttl    time.Duration
	logger *zap.Logger
}

// NewCache wraps next. With a nil client every lookup goes to next.
func NewCache(client *redis.Client, next integration.ReportChecker, ttl time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{client: client, next: next, ttl: ttl, logger: logger}
}

func (c *Cache) ReportedPlayers(ctx context.Context, playerIDs []string) ([]string, error) {
	if c.client == nil || len(playerIDs) == 0 {
		return c.next.ReportedPlayers(ctx, playerIDs)
	}

	keys := make([]string, len(playerIDs))
	for i, id := range playerIDs {
		keys[i] = CachePrefix + id
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.logger.Warn("report: cache read failed", zap.Error(err))
		return c.next.ReportedPlayers(ctx, playerIDs)
	}

	known := make(map[string]bool, len(playerIDs))
	var missing []string
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			missing = append(missing, playerIDs[i])
			continue
		}
		known[playerIDs[i]] = s == "1"
	}

	if len(missing) > 0 {
		found, err := c.next.ReportedPlayers(ctx, missing)
		if err != nil {
			return nil, err
		}
		hit := make(map[string]bool, len(found))
		for _, id := range found {
			hit[id] = true
		}

		pipe := c.client.Pipeline()
		for _, id := range missing {
			known[id] = hit[id]
			val := "0"
			if hit[id] {
				val = "1"
			}
			pipe.Set(ctx, CachePrefix+id, val, c.ttl)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			c.logger.Warn("report: cache write failed", zap.Error(err))
		}
	}

	return keep(playerIDs, known), nil
}

// Forget drops the cached answer for players whose reports changed.
func (c *Cache) Forget(ctx context.Context, playerIDs ...string) error {
	if c.client == nil || len(playerIDs) == 0 {
		return nil
	}
	keys := make([]string, len(playerIDs))
	for i, id := range playerIDs {
		keys[i] = CachePrefix + id
	}
	return c.client.Del(ctx, keys...).Err()
}

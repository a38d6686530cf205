package report

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Rule defines a throttling policy: the Redis key prefix, the number of
// events allowed in the window, and the window duration.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

// RuleAlert allows one alert per community and player every 10 minutes.
var RuleAlert = Rule{Key: "bansync:alert:", Limit: 1, Window: 10 * time.Minute}

// Throttle counts events per identifier with INCR + EXPIRE.
type Throttle struct {
	client *redis.Client
	rule   Rule
	logger *zap.Logger
}

func NewThrottle(client *redis.Client, rule Rule, logger *zap.Logger) *Throttle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Throttle{client: client, rule: rule, logger: logger}
}

// Allow checks whether identifier is within the rule and counts the event.
// On Redis errors it fails open so an outage never suppresses alerts.
func (t *Throttle) Allow(ctx context.Context, identifier string) (bool, error) {
	key := t.rule.Key + identifier

	count, err := t.client.Incr(ctx, key).Result()
	if err != nil {
		t.logger.Warn("report: throttle INCR failed, failing open", zap.String("key", key), zap.Error(err))
		return true, err
	}

	if count == 1 {
		if err := t.client.Expire(ctx, key, t.rule.Window).Err(); err != nil {
			t.logger.Warn("report: throttle EXPIRE failed, failing open", zap.String("key", key), zap.Error(err))
			// Without a TTL the key would throttle forever.
			t.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= t.rule.Limit, nil
}

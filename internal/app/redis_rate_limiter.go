package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisRateLimiter counts requests per scope and subject in a fixed window shared by
// every service instance.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	return &RedisRateLimiter{
		client: client,
		prefix: keyPrefix(prefix, "billing") + ":rate_limit",
	}
}

func keyPrefix(prefix, fallback string) string {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

// ConsumeRateLimit records one attempt and returns the count in the current window along
// with the seconds until the window resets. Blank scopes or subjects are not counted.
func (r *RedisRateLimiter) ConsumeRateLimit(ctx context.Context, scope string, subject string, limit int, window time.Duration) (int, int, error) {
	scope, subject = strings.TrimSpace(scope), strings.TrimSpace(subject)
	if r == nil || r.client == nil || limit <= 0 || window <= 0 || scope == "" || subject == "" {
		return 0, 0, nil
	}

	windowMs := max(window.Milliseconds(), 1000)
	key := r.prefix + ":" + scope + ":" + subject
	reply, err := fixedWindowScript.Run(ctx, r.client, []string{key}, windowMs).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(reply) != 2 {
		return 0, 0, fmt.Errorf("rate limiter script returned %d values", len(reply))
	}

	count, ttlMs := reply[0], reply[1]
	if ttlMs < 0 {
		ttlMs = windowMs
	}
	retryAfter := max(int(math.Ceil(float64(ttlMs)/1000)), 1)
	return int(count), retryAfter, nil
}

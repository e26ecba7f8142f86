package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return server, client
}

func TestRedisRateLimiterCountsWithinWindow(t *testing.T) {
	server, client := newTestRedis(t)
	limiter := NewRedisRateLimiter(client, "billing-test:")
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		count, retryAfter, err := limiter.ConsumeRateLimit(ctx, "payment_submit", "user_7", 5, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, count)
		assert.Equal(t, 60, retryAfter)
	}
	assert.True(t, server.Exists("billing-test:rate_limit:payment_submit:user_7"))

	count, _, err := limiter.ConsumeRateLimit(ctx, "payment_submit", "user_8", 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "subjects are counted separately")

	server.FastForward(61 * time.Second)
	count, _, err = limiter.ConsumeRateLimit(ctx, "payment_submit", "user_7", 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "window resets after expiry")
}

func TestRedisRateLimiterDisabledInputs(t *testing.T) {
	_, client := newTestRedis(t)
	limiter := NewRedisRateLimiter(client, "")
	ctx := context.Background()

	cases := []struct {
		name    string
		scope   string
		subject string
		limit   int
		window  time.Duration
	}{
		{name: "no limit", scope: "payout", subject: "u", limit: 0, window: time.Minute},
		{name: "no window", scope: "payout", subject: "u", limit: 3, window: 0},
		{name: "blank scope", scope: " ", subject: "u", limit: 3, window: time.Minute},
		{name: "blank subject", scope: "payout", subject: "", limit: 3, window: time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			count, retryAfter, err := limiter.ConsumeRateLimit(ctx, tc.scope, tc.subject, tc.limit, tc.window)
			require.NoError(t, err)
			assert.Zero(t, count)
			assert.Zero(t, retryAfter)
		})
	}

	var nilLimiter *RedisRateLimiter
	count, _, err := nilLimiter.ConsumeRateLimit(ctx, "payout", "u", 3, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRedisRateLimiterReportsRedisErrors(t *testing.T) {
	server, client := newTestRedis(t)
	limiter := NewRedisRateLimiter(client, "billing")
	server.Close()

	_, _, err := limiter.ConsumeRateLimit(context.Background(), "payout", "user_1", 3, time.Minute)
	assert.Error(t, err)
}

func TestKeyPrefix(t *testing.T) {
	assert.Equal(t, "billing", keyPrefix("  ", "billing"))
	assert.Equal(t, "rentflow", keyPrefix("rentflow:", "billing"))
	assert.Equal(t, "rentflow:prod", keyPrefix(" rentflow:prod ", "billing"))
}

func TestRedisPayoutLocker(t *testing.T) {
	server, client := newTestRedis(t)
	locker := NewRedisPayoutLocker(client, "billing", 0, zap.NewNop())
	ctx := context.Background()

	release, err := locker.Acquire(ctx, 501)
	require.NoError(t, err)
	assert.True(t, server.Exists("billing:payout_lock:501"))
	assert.Equal(t, 2*time.Minute, server.TTL("billing:payout_lock:501"))

	_, err = locker.Acquire(ctx, 501)
	assert.ErrorIs(t, err, ErrPayoutInProgress)

	other, err := locker.Acquire(ctx, 502)
	require.NoError(t, err, "landlords lock independently")
	other()

	release()
	assert.False(t, server.Exists("billing:payout_lock:501"))

	again, err := locker.Acquire(ctx, 501)
	require.NoError(t, err)
	again()
}

func TestRedisPayoutLockerKeepsForeignToken(t *testing.T) {
	server, client := newTestRedis(t)
	locker := NewRedisPayoutLocker(client, "billing", time.Second, zap.NewNop())
	ctx := context.Background()

	release, err := locker.Acquire(ctx, 501)
	require.NoError(t, err)

	// The lock expired and another instance took it over.
	server.FastForward(2 * time.Second)
	require.NoError(t, server.Set("billing:payout_lock:501", "someone-else"))

	release()
	value, err := server.Get("billing:payout_lock:501")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", value)
}

func TestLocalPayoutLocker(t *testing.T) {
	locker := NewLocalPayoutLocker()
	ctx := context.Background()

	release, err := locker.Acquire(ctx, 501)
	require.NoError(t, err)
	_, err = locker.Acquire(ctx, 501)
	assert.ErrorIs(t, err, ErrPayoutInProgress)

	release()
	release()

	again, err := locker.Acquire(ctx, 501)
	require.NoError(t, err)
	again()
}

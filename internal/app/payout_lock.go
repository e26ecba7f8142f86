package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rentflow/billing-service/internal/domain"
	"go.uber.org/zap"
)

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrPayoutInProgress is returned when another request holds the landlord's payout lock.
var ErrPayoutInProgress = domain.ErrConflict.New("a payout for this landlord is already in progress")

// RedisPayoutLocker holds a per-landlord lock in Redis so only one instance disburses a
// landlord at a time. The TTL bounds a lock left behind by a crashed instance.
type RedisPayoutLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisPayoutLocker(client redis.UniversalClient, prefix string, ttl time.Duration, logger *zap.Logger) *RedisPayoutLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPayoutLocker{
		client: client,
		prefix: keyPrefix(prefix, "billing") + ":payout_lock",
		ttl:    ttl,
		logger: logger,
	}
}

func (l *RedisPayoutLocker) Acquire(ctx context.Context, landlordID int64) (func(), error) {
	key := fmt.Sprintf("%s:%d", l.prefix, landlordID)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire payout lock: %w", err)
	}
	if !ok {
		return nil, ErrPayoutInProgress
	}

	return func() {
		// The caller's context may already be done; release on a short fresh one.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := releaseLockScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
			l.logger.Warn("failed to release payout lock",
				zap.String("component", "payout_lock"),
				zap.Int64("landlord_id", landlordID),
				zap.Error(err),
			)
		}
	}, nil
}

// LocalPayoutLocker is the single-instance fallback used when Redis is not configured.
type LocalPayoutLocker struct {
	mu   sync.Mutex
	held map[int64]bool
}

func NewLocalPayoutLocker() *LocalPayoutLocker {
	return &LocalPayoutLocker{held: make(map[int64]bool)}
}

func (l *LocalPayoutLocker) Acquire(ctx context.Context, landlordID int64) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[landlordID] {
		return nil, ErrPayoutInProgress
	}
	l.held[landlordID] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, landlordID)
			l.mu.Unlock()
		})
	}, nil
}

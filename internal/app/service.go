/**
 * @description
 * This file contains the Service type for the billing-service. The Service coordinates
 * the billing calculator, payment intake and landlord payouts over an injected
 * repository, the payout gateway client and optional infrastructure (object storage,
 * distributed rate limiting and payout locks).
 *
 * Key features:
 * - All financial writes of one operation run in a single repository transaction.
 * - Notifications are written to the outbox in that same transaction and delivered
 *   later by the OutboxDispatcher.
 * - External calls (payout gateway, object storage) always happen outside a transaction.
 *
 * @dependencies
 * - go.uber.org/zap: structured logging.
 * - internal/domain, internal/store, internal/metrics.
 * - pkg/payoutclient: payout gateway request and response types.
 */

package app

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/rentflow/billing-service/internal/domain"
	"github.com/rentflow/billing-service/internal/metrics"
	"github.com/rentflow/billing-service/internal/store"
	"github.com/rentflow/billing-service/pkg/payoutclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PayoutGateway submits disbursements to the payment processor.
type PayoutGateway interface {
	CreatePayout(ctx context.Context, payload payoutclient.CreatePayoutRequest, idempotencyKey string) (*payoutclient.Payout, error)
}

// ProofStorage keeps proof-of-payment attachments.
type ProofStorage interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
	Delete(ctx context.Context, objectURL string) error
}

// RateLimiter counts attempts per scope and subject inside a fixed window.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope string, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// PayoutLocker serializes disbursements per landlord.
type PayoutLocker interface {
	Acquire(ctx context.Context, landlordID int64) (release func(), err error)
}

// Notifier delivers a push notification.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// Settings are the tunables the Service reads from configuration.
type Settings struct {
	MinimumPayout               decimal.Decimal
	Currency                    string
	PaymentSubmitLimitPerMinute int
	PayoutLimitPerMinute        int
}

// Service provides the billing, payment and payout use cases.
type Service struct {
	repo     store.Repository
	gateway  PayoutGateway
	logger   *zap.Logger
	settings Settings

	proofs  ProofStorage
	limiter RateLimiter
	locker  PayoutLocker
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService creates a new billing service instance.
func NewService(repo store.Repository, gateway PayoutGateway, logger *zap.Logger, settings Settings) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !settings.MinimumPayout.IsPositive() {
		settings.MinimumPayout = domain.MinimumPayout
	}
	settings.Currency = strings.ToUpper(strings.TrimSpace(settings.Currency))
	if settings.Currency == "" {
		settings.Currency = "PHP"
	}
	return &Service{
		repo:     repo,
		gateway:  gateway,
		logger:   logger,
		settings: settings,
		locker:   NewLocalPayoutLocker(),
		now:      time.Now,
	}
}

func (s *Service) SetProofStorage(proofs ProofStorage) {
	s.proofs = proofs
}

// SetRateLimiter enables per-subject throttling. A nil limiter disables it.
func (s *Service) SetRateLimiter(limiter RateLimiter) {
	s.limiter = limiter
}

func (s *Service) SetPayoutLocker(locker PayoutLocker) {
	if locker == nil {
		locker = NewLocalPayoutLocker()
	}
	s.locker = locker
}

func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetClock overrides the time source, used for payout idempotency keys and proof paths.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// consumeRateLimit fails open when the limiter errors so a Redis outage never blocks payments.
func (s *Service) consumeRateLimit(ctx context.Context, scope, subject string, limit int) error {
	if s.limiter == nil || limit <= 0 || strings.TrimSpace(subject) == "" {
		return nil
	}
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, scope, subject, limit, time.Minute)
	if err != nil {
		s.logger.Warn("rate limiter unavailable",
			zap.String("component", "rate_limit"),
			zap.String("outcome", "fail_open"),
			zap.String("scope", scope),
			zap.Error(err),
		)
		return nil
	}
	if count > limit {
		return domain.ErrRateLimited.New("too many requests; retry in %d seconds", retryAfter)
	}
	return nil
}

// enqueue writes notifications to the outbox inside q's transaction. Recipients with no id are skipped.
func enqueue(ctx context.Context, q store.Queries, notifications ...domain.Notification) error {
	for _, n := range notifications {
		if n.UserID <= 0 {
			continue
		}
		if err := q.EnqueueNotification(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func peso(d decimal.Decimal) string {
	return "₱" + d.StringFixed(2)
}

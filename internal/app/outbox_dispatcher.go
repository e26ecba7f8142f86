/**
 * @description
 * OutboxDispatcher drains the notification outbox. Financial operations write their
 * notification intents in the same transaction as the money change; this dispatcher
 * delivers them afterwards and retries failures with exponential backoff, so a broker
 * outage never blocks or rolls back a payment.
 *
 * @dependencies
 * - go.uber.org/zap: structured logging.
 * - internal/store: outbox claim, publish and purge queries.
 */

package app

import (
	"context"
	"time"

	"github.com/rentflow/billing-service/internal/metrics"
	"github.com/rentflow/billing-service/internal/store"
	"go.uber.org/zap"
)

const (
	defaultOutboxBatchSize  = 50
	defaultOutboxStaleAfter = 2 * time.Minute
	maxOutboxRetryDelay     = 300 * time.Second
)

type OutboxDispatcher struct {
	repo       store.Queries
	notifier   Notifier
	logger     *zap.Logger
	metrics    *metrics.Metrics
	batchSize  int
	staleAfter time.Duration
}

func NewOutboxDispatcher(repo store.Queries, notifier Notifier, logger *zap.Logger, m *metrics.Metrics) *OutboxDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutboxDispatcher{
		repo:       repo,
		notifier:   notifier,
		logger:     logger.Named("outbox"),
		metrics:    m,
		batchSize:  defaultOutboxBatchSize,
		staleAfter: defaultOutboxStaleAfter,
	}
}

// FlushOnce claims one batch of due notifications and delivers them. It returns how many
// were published.
func (d *OutboxDispatcher) FlushOnce(ctx context.Context) (int, error) {
	claimed, err := d.repo.ClaimNotifications(ctx, d.batchSize, d.staleAfter)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, n := range claimed {
		if err := d.notifier.Notify(ctx, n.Notification); err != nil {
			delay := outboxRetryDelay(n.Attempts)
			d.logger.Warn("notification delivery failed",
				zap.String("notification_id", n.ID.String()),
				zap.Int("attempts", n.Attempts),
				zap.Duration("retry_in", delay),
				zap.Error(err),
			)
			d.metrics.Outbox("failed", 1)
			if markErr := d.repo.MarkNotificationFailed(ctx, n.ID, delay, err.Error()); markErr != nil {
				return published, markErr
			}
			continue
		}
		if err := d.repo.MarkNotificationPublished(ctx, n.ID); err != nil {
			return published, err
		}
		published++
	}

	d.metrics.Outbox("published", published)
	if len(claimed) > 0 {
		d.logger.Debug("outbox flushed", zap.Int("claimed", len(claimed)), zap.Int("published", published))
	}
	return published, nil
}

// PurgeOnce deletes published notifications older than retention.
func (d *OutboxDispatcher) PurgeOnce(ctx context.Context, retention time.Duration, now time.Time) (int64, error) {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	purged, err := d.repo.PurgePublishedNotifications(ctx, now.Add(-retention))
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		d.logger.Info("outbox purged", zap.Int64("rows", purged))
	}
	return purged, nil
}

// outboxRetryDelay is 1s·2^attempts, capped at five minutes.
func outboxRetryDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 8 {
		attempts = 8
	}
	delay := time.Duration(1<<attempts) * time.Second
	if delay > maxOutboxRetryDelay {
		delay = maxOutboxRetryDelay
	}
	return delay
}

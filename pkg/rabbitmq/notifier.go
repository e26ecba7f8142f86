package rabbitmq

import (
	"context"
	"strings"
	"time"

	"github.com/rentflow/billing-service/internal/domain"
)

// NotificationRoutingKey is consumed by the notification service's push worker.
const NotificationRoutingKey = "notification.push"

// PushNotificationEvent is the message body consumed by the notification service.
type PushNotificationEvent struct {
	NotificationID string    `json:"notification_id"`
	UserID         int64     `json:"user_id"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	URL            string    `json:"url,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// NotificationPublisher delivers outbox notifications through a Publisher.
type NotificationPublisher struct {
	publisher Publisher
	exchange  string
}

// NewNotificationPublisher publishes to exchange, defaulting to "notifications".
func NewNotificationPublisher(publisher Publisher, exchange string) *NotificationPublisher {
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = "notifications"
	}
	return &NotificationPublisher{publisher: publisher, exchange: exchange}
}

// Notify publishes n. The notification id doubles as the message id so consumers can dedupe.
func (p *NotificationPublisher) Notify(ctx context.Context, n domain.Notification) error {
	event := PushNotificationEvent{
		NotificationID: n.ID.String(),
		UserID:         n.UserID,
		Title:          n.Title,
		Body:           n.Body,
		URL:            n.URL,
		Timestamp:      time.Now().UTC(),
	}
	return p.publisher.Publish(ctx, p.exchange, NotificationRoutingKey, event.NotificationID, event)
}

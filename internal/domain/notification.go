package domain

import (
	"github.com/google/uuid"
)

// Notification is a push notification intent written to the outbox.
type Notification struct {
	ID     uuid.UUID `json:"id"`
	UserID int64     `json:"user_id"`
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	URL    string    `json:"url"`
}

// NewNotification returns a notification with a fresh id.
func NewNotification(userID int64, title, body, url string) Notification {
	return Notification{ID: uuid.New(), UserID: userID, Title: title, Body: body, URL: url}
}

// OutboxNotification is a claimed outbox row.
type OutboxNotification struct {
	Notification
	Attempts int `json:"attempts"`
}

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DeadLetterStatus tracks a dead-letter record through inspection and replay.
type DeadLetterStatus string

const (
	DeadLetterFailed         DeadLetterStatus = "failed"
	DeadLetterRetryExhausted DeadLetterStatus = "retry_exhausted"
	DeadLetterRetried        DeadLetterStatus = "retried"
)

// DeadLetter is an inbound event the consumer gave up on. EventData is the
// payload exactly as it came off the broker.
type DeadLetter struct {
	ID              uuid.UUID        `json:"id"`
	OriginalEventID string           `json:"originalEventId"`
	EventType       string           `json:"eventType"`
	AggregateID     string           `json:"aggregateId,omitempty"`
	EventData       []byte           `json:"-"`
	FailureReason   string           `json:"failureReason"`
	RetryCount      int              `json:"retryCount"`
	LastError       string           `json:"lastError,omitempty"`
	Status          DeadLetterStatus `json:"status"`
	FailedAt        time.Time        `json:"failedAt"`
	ReplayedAt      *time.Time       `json:"replayedAt,omitempty"`
}

// OutboxStatus is the relay state of an outbox row.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxPublished OutboxStatus = "published"
	OutboxFailed    OutboxStatus = "failed"
)

// Outbox event types appended by delivery.
const (
	EventNotificationCreated   = "notification.created"
	EventNotificationSent      = "notification.sent"
	EventNotificationFailed    = "notification.failed"
	EventNotificationDuplicate = "notification.duplicate"

	// Manual status changes made through the REST API.
	EventNotificationStatusChanged = "notification.status_changed"
)

// OutboxEvent is an append-only audit entry describing a notification change.
type OutboxEvent struct {
	EventID     uuid.UUID       `json:"eventId"`
	EventType   string          `json:"eventType"`
	AggregateID uuid.UUID       `json:"aggregateId"`
	EventData   json.RawMessage `json:"eventData"`
	Status      OutboxStatus    `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	RetryCount  int             `json:"retryCount"`
	PublishedAt *time.Time      `json:"publishedAt,omitempty"`
}

// NewOutboxEvent snapshots n under the given event type.
func NewOutboxEvent(eventType string, n *Notification, now time.Time) (*OutboxEvent, error) {
	data, err := json.Marshal(outboxPayload{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Type:           n.Type,
		Recipient:      n.Recipient.Value,
		Status:         n.Status,
		EventType:      n.EventType,
		FailureReason:  n.FailureReason,
		Version:        n.Version,
	})
	if err != nil {
		return nil, err
	}

	return &OutboxEvent{
		EventID:     uuid.New(),
		EventType:   eventType,
		AggregateID: n.ID,
		EventData:   data,
		Status:      OutboxPending,
		CreatedAt:   now,
	}, nil
}

type outboxPayload struct {
	NotificationID uuid.UUID `json:"notificationId"`
	UserID         string    `json:"userId,omitempty"`
	Type           Type      `json:"type"`
	Recipient      string    `json:"recipient"`
	Status         Status    `json:"status"`
	EventType      string    `json:"eventType,omitempty"`
	FailureReason  string    `json:"failureReason,omitempty"`
	Version        int64     `json:"version"`
}

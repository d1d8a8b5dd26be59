// Package domain holds the notification aggregate, its recipients and the
// audit records written around delivery.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the delivery channel of a notification.
type Type string

const (
	TypeEmail Type = "EMAIL"
	TypeSMS   Type = "SMS"
	TypePush  Type = "PUSH"
	TypeInApp Type = "IN_APP"
)

// Valid reports whether t is a known channel.
func (t Type) Valid() bool {
	switch t {
	case TypeEmail, TypeSMS, TypePush, TypeInApp:
		return true
	}
	return false
}

// ParseType accepts the upper-case form as well as "email", "sms", "push", "in_app" and "in-app".
func ParseType(s string) (Type, error) {
	switch s {
	case "EMAIL", "email":
		return TypeEmail, nil
	case "SMS", "sms":
		return TypeSMS, nil
	case "PUSH", "push":
		return TypePush, nil
	case "IN_APP", "in_app", "in-app", "inapp":
		return TypeInApp, nil
	}
	return "", fmt.Errorf("unknown notification type %q", s)
}

// Status is a lifecycle state.
//
// Transitions:
//
//	PENDING -> SENT | FAILED | CANCELLED
//	SENT    -> DELIVERED | FAILED
//	FAILED  -> FAILED (reason update only)
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Priority orders delivery urgency.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ErrInvalidStateTransition matches every *InvalidStateTransitionError.
var ErrInvalidStateTransition = errors.New("invalid state transition")

// InvalidStateTransitionError reports a rejected lifecycle move.
type InvalidStateTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

func (e *InvalidStateTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

var transitions = map[Status][]Status{
	StatusPending: {StatusSent, StatusFailed, StatusCancelled},
	StatusSent:    {StatusDelivered, StatusFailed},
	StatusFailed:  {StatusFailed},
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Notification is the aggregate root for one delivery.
type Notification struct {
	ID             uuid.UUID      `json:"id"`
	UserID         string         `json:"userId,omitempty"`
	Type           Type           `json:"type"`
	Recipient      Recipient      `json:"-"`
	Subject        string         `json:"subject,omitempty"`
	Content        string         `json:"content"`
	Priority       Priority       `json:"priority"`
	Status         Status         `json:"status"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	EventType      string         `json:"eventType,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	SentAt         *time.Time     `json:"sentAt,omitempty"`
	DeliveredAt    *time.Time     `json:"deliveredAt,omitempty"`
	FailedAt       *time.Time     `json:"failedAt,omitempty"`
	FailureReason  string         `json:"failureReason,omitempty"`
	Version        int64          `json:"version"`
}

// NewParams are the inputs for New.
type NewParams struct {
	UserID         string
	Type           Type
	Recipient      string
	Subject        string
	Content        string
	Priority       Priority
	Metadata       map[string]any
	IdempotencyKey string
	EventType      string
	Now            time.Time
}

// New builds a PENDING notification after validating its recipient.
func New(p NewParams) (*Notification, error) {
	if !p.Type.Valid() {
		return nil, fmt.Errorf("%w: unsupported notification type %q", ErrInvalidRecipient, p.Type)
	}

	recipient, err := NewRecipient(p.Type, p.Recipient)
	if err != nil {
		return nil, err
	}

	priority := p.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("unknown priority %q", priority)
	}

	now := p.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	return &Notification{
		ID:             uuid.New(),
		UserID:         p.UserID,
		Type:           p.Type,
		Recipient:      recipient,
		Subject:        p.Subject,
		Content:        p.Content,
		Priority:       priority,
		Status:         StatusPending,
		Metadata:       metadata,
		IdempotencyKey: p.IdempotencyKey,
		EventType:      p.EventType,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}, nil
}

// MarkAsSent records a successful provider hand-off. Only PENDING notifications can be sent.
func (n *Notification) MarkAsSent(now time.Time) error {
	if n.Status != StatusPending {
		return &InvalidStateTransitionError{From: n.Status, To: StatusSent}
	}
	n.Status = StatusSent
	n.SentAt = &now
	n.UpdatedAt = now
	return nil
}

// MarkAsDelivered records a delivery confirmation for a SENT notification.
func (n *Notification) MarkAsDelivered(now time.Time) error {
	if n.Status != StatusSent {
		return &InvalidStateTransitionError{From: n.Status, To: StatusDelivered}
	}
	n.Status = StatusDelivered
	n.DeliveredAt = &now
	n.UpdatedAt = now
	return nil
}

// MarkAsFailed records a failure. Marking an already failed notification
// replaces the reason; FailedAt keeps its first value.
func (n *Notification) MarkAsFailed(reason string, now time.Time) error {
	if !CanTransition(n.Status, StatusFailed) {
		return &InvalidStateTransitionError{From: n.Status, To: StatusFailed}
	}
	n.Status = StatusFailed
	n.FailureReason = reason
	if n.FailedAt == nil {
		n.FailedAt = &now
	}
	n.UpdatedAt = now
	return nil
}

// MarkAsCancelled withdraws a PENDING notification.
func (n *Notification) MarkAsCancelled(now time.Time) error {
	if n.Status != StatusPending {
		return &InvalidStateTransitionError{From: n.Status, To: StatusCancelled}
	}
	n.Status = StatusCancelled
	n.UpdatedAt = now
	return nil
}

// TransitionTo applies the mark method matching target.
func (n *Notification) TransitionTo(target Status, reason string, now time.Time) error {
	switch target {
	case StatusSent:
		return n.MarkAsSent(now)
	case StatusDelivered:
		return n.MarkAsDelivered(now)
	case StatusFailed:
		return n.MarkAsFailed(reason, now)
	case StatusCancelled:
		return n.MarkAsCancelled(now)
	default:
		return &InvalidStateTransitionError{From: n.Status, To: target}
	}
}

// IsTerminal reports whether no further transition is possible.
func (n *Notification) IsTerminal() bool {
	return n.Status == StatusDelivered || n.Status == StatusCancelled
}

// Receipt is what a provider returns after accepting a message.
type Receipt struct {
	Provider  string
	MessageID string
}

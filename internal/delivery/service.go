// Package delivery persists a notification, hands it to a provider and
// records the outcome.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/domain"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/retry"
)

// Metadata keys written on delivery.
const (
	MetaProvider          = "provider"
	MetaProviderMessageID = "provider_message_id"
	MetaFailureClass      = "failure_class"
	MetaAttempts          = "attempts"
)

// Store is the persistence delivery needs.
type Store interface {
	Create(ctx context.Context, n *domain.Notification, events ...*domain.OutboxEvent) error
	Update(ctx context.Context, n *domain.Notification, events ...*domain.OutboxEvent) error
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.Notification, error)
}

// Sender hands a notification to whichever provider serves its type.
type Sender interface {
	Send(ctx context.Context, n *domain.Notification) (*domain.Receipt, error)
}

// FailedError reports a notification that was recorded FAILED. Retryable
// failures should be redelivered by the caller; permanent ones should not.
type FailedError struct {
	NotificationID uuid.UUID
	Reason         string
	Retryable      bool
	// Attempts is how many provider calls the failure took.
	Attempts int
	Err      error
}

func (e *FailedError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("notification %s failed (%s): %s", e.NotificationID, kind, e.Reason)
}

func (e *FailedError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err carries a retryable FailedError.
func IsRetryable(err error) bool {
	var fe *FailedError
	return errors.As(err, &fe) && fe.Retryable
}

// StoredFailure rebuilds the FailedError for a notification already recorded
// FAILED with a retryable class. Anything else returns nil.
func StoredFailure(n *domain.Notification) error {
	if n == nil || n.Status != domain.StatusFailed {
		return nil
	}
	class, _ := n.Metadata[MetaFailureClass].(string)
	if class == "" || retry.ParseClass(class) == retry.ClassPermanent {
		return nil
	}
	return &FailedError{NotificationID: n.ID, Reason: n.FailureReason, Retryable: true, Attempts: storedAttempts(n)}
}

// storedAttempts reads MetaAttempts, which comes back from JSONB as a float.
func storedAttempts(n *domain.Notification) int {
	switch v := n.Metadata[MetaAttempts].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 1
}

// Result is the outcome of Deliver.
type Result struct {
	Notification *domain.Notification
	// Duplicate is set when another writer already created a notification
	// with the same idempotency key.
	Duplicate bool
}

type Service struct {
	store  Store
	sender Sender
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store Store, sender Sender, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		sender: sender,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Deliver creates n as PENDING, sends it and records SENT or FAILED.
//
// A permanent provider failure is recorded and returns no error. A transient
// one is recorded and returns a retryable *FailedError alongside the result.
func (s *Service) Deliver(ctx context.Context, n *domain.Notification) (*Result, error) {
	if n.Metadata == nil {
		n.Metadata = map[string]any{}
	}

	created, err := domain.NewOutboxEvent(domain.EventNotificationCreated, n, s.now())
	if err != nil {
		return nil, fmt.Errorf("build outbox event: %w", err)
	}

	if err := s.store.Create(ctx, n, created); err != nil {
		if errors.Is(err, db.ErrDuplicate) && n.IdempotencyKey != "" {
			return s.duplicate(ctx, n.IdempotencyKey)
		}
		return nil, fmt.Errorf("persist notification: %w", err)
	}

	return s.send(ctx, n)
}

// Resume sends a notification an interrupted delivery left PENDING. Any other
// status is returned as a duplicate, with its stored failure if retryable.
func (s *Service) Resume(ctx context.Context, n *domain.Notification) (*Result, error) {
	if n.Status != domain.StatusPending {
		return &Result{Notification: n, Duplicate: true}, StoredFailure(n)
	}
	if n.Metadata == nil {
		n.Metadata = map[string]any{}
	}

	s.logger.Info("resuming pending notification",
		zap.String("notification_id", n.ID.String()),
		zap.String("event_type", n.EventType),
		zap.Int64("version", n.Version),
	)
	return s.send(ctx, n)
}

func (s *Service) send(ctx context.Context, n *domain.Notification) (*Result, error) {
	start := s.now()
	receipt, sendErr := s.sender.Send(ctx, n)
	if sendErr == nil {
		return s.recordSent(ctx, n, receipt, start)
	}
	if ctx.Err() != nil {
		// Cancelled mid-send: the row stays PENDING for the next delivery.
		s.logger.Warn("delivery interrupted",
			zap.String("notification_id", n.ID.String()),
			zap.Error(sendErr),
		)
		return nil, fmt.Errorf("send interrupted: %w", ctx.Err())
	}
	return s.recordFailed(ctx, n, sendErr)
}

func (s *Service) duplicate(ctx context.Context, key string) (*Result, error) {
	existing, err := s.store.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load duplicate: %w", err)
	}

	s.logger.Info("duplicate notification detected on insert",
		zap.String("notification_id", existing.ID.String()),
		zap.String("idempotency_key", key),
	)
	metrics.RecordDedupHit("database")

	return &Result{Notification: existing, Duplicate: true}, StoredFailure(existing)
}

func (s *Service) recordSent(ctx context.Context, n *domain.Notification, receipt *domain.Receipt, start time.Time) (*Result, error) {
	now := s.now()
	if err := n.MarkAsSent(now); err != nil {
		return nil, err
	}
	provider := ""
	if receipt != nil {
		provider = receipt.Provider
		n.Metadata[MetaProvider] = receipt.Provider
		if receipt.MessageID != "" {
			n.Metadata[MetaProviderMessageID] = receipt.MessageID
		}
	}

	sent, err := domain.NewOutboxEvent(domain.EventNotificationSent, n, now)
	if err != nil {
		return nil, fmt.Errorf("build outbox event: %w", err)
	}
	// The provider has accepted the message, so the write outlives ctx.
	if err := s.store.Update(context.WithoutCancel(ctx), n, sent); err != nil {
		s.logger.Error("failed to record sent notification",
			zap.String("notification_id", n.ID.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("record sent: %w", err)
	}

	metrics.RecordNotificationProcessed("sent", string(n.Type))
	metrics.RecordDeliveryLatency(string(n.Type), now.Sub(start))

	s.logger.Info("notification sent",
		zap.String("notification_id", n.ID.String()),
		zap.String("type", string(n.Type)),
		zap.String("event_type", n.EventType),
		zap.String("provider", provider),
	)

	return &Result{Notification: n}, nil
}

func (s *Service) recordFailed(ctx context.Context, n *domain.Notification, sendErr error) (*Result, error) {
	class := retry.Classify(sendErr)
	attempts := 1
	var se *circuitbreaker.SendError
	if errors.As(sendErr, &se) {
		class = se.Class
		attempts = se.Attempts
		n.Metadata[MetaProvider] = se.Provider
	}
	retryable := class != retry.ClassPermanent

	now := s.now()
	if err := n.MarkAsFailed(sendErr.Error(), now); err != nil {
		return nil, err
	}
	n.Metadata[MetaFailureClass] = class.String()
	n.Metadata[MetaAttempts] = attempts

	failed, err := domain.NewOutboxEvent(domain.EventNotificationFailed, n, now)
	if err != nil {
		return nil, fmt.Errorf("build outbox event: %w", err)
	}
	if err := s.store.Update(context.WithoutCancel(ctx), n, failed); err != nil {
		s.logger.Error("failed to record failed notification",
			zap.String("notification_id", n.ID.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("record failure: %w", err)
	}

	metrics.RecordNotificationProcessed("failed", string(n.Type))

	s.logger.Warn("notification failed",
		zap.String("notification_id", n.ID.String()),
		zap.String("type", string(n.Type)),
		zap.String("event_type", n.EventType),
		zap.String("class", class.String()),
		zap.Int("attempts", attempts),
		zap.Error(sendErr),
	)

	result := &Result{Notification: n}
	if !retryable {
		return result, nil
	}
	return result, &FailedError{NotificationID: n.ID, Reason: n.FailureReason, Retryable: true, Attempts: attempts, Err: sendErr}
}

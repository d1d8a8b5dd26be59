package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/delivery"
	"github.com/lalithlochan/courier/internal/domain"
	"github.com/lalithlochan/courier/internal/intake"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/retry"
	"github.com/lalithlochan/courier/internal/template"
)

// Intake processes a single request.
type Intake interface {
	Process(ctx context.Context, req intake.Request) (*intake.Outcome, error)
}

// DeadLetterSink stores events the processor gives up on.
type DeadLetterSink interface {
	Record(ctx context.Context, rec *domain.DeadLetter) error
}

// Processor applies the consumer policy to one message. Validation problems
// are dropped. Undeliverable shapes and recorded provider failures are
// dead-lettered at once; infrastructure errors are retried with backoff first.
type Processor struct {
	router *Router
	intake Intake
	dlq    DeadLetterSink
	policy retry.Policy
	sleep  func(context.Context, time.Duration) error
	logger *zap.Logger
	now    func() time.Time
}

// NewProcessor builds a processor. policy.MaxAttempts bounds consumer-side
// attempts; Delay(n) is the wait after attempt n.
func NewProcessor(router *Router, in Intake, dlq DeadLetterSink, policy retry.Policy, logger *zap.Logger) *Processor {
	return &Processor{
		router: router,
		intake: in,
		dlq:    dlq,
		policy: policy,
		sleep:  retry.Sleep,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Router exposes the topic table, for subscribing.
func (p *Processor) Router() *Router {
	return p.router
}

// Handle returns nil when the message may be acknowledged. A non-nil error
// means the broker should keep the message.
func (p *Processor) Handle(ctx context.Context, msg Message) error {
	metrics.IncMessagesInFlight()
	defer metrics.DecMessagesInFlight()

	logger := p.logger.With(
		zap.String("topic", msg.Topic),
		zap.String("message_id", msg.ID),
	)

	req, err := p.router.Build(msg)
	switch {
	case err == nil:
	case errors.Is(err, intake.ErrValidation):
		logger.Warn("dropping invalid event", zap.Error(err))
		return nil
	default:
		// Unknown topic or malformed payload: redelivery cannot help.
		return p.deadLetter(ctx, msg, domain.DeadLetterFailed, 1, err)
	}

	base, _ := strconv.Atoi(msg.Headers[HeaderRetryCount])
	attempts := p.policy.Attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := p.intake.Process(ctx, req)
		if err == nil {
			p.logOutcome(logger, out)
			return nil
		}

		switch {
		case errors.Is(err, intake.ErrValidation):
			logger.Warn("dropping invalid event", zap.Error(err))
			return nil
		case errors.Is(err, template.ErrTemplateNotFound):
			return p.deadLetter(ctx, msg, domain.DeadLetterFailed, 1, err)
		case ctx.Err() != nil:
			// Shutting down: leave the message for the next consumer.
			return ctx.Err()
		}

		var failed *delivery.FailedError
		if errors.As(err, &failed) && failed.Retryable {
			// The notification is stored FAILED after the provider's own
			// retries; another pass here would only read it back.
			return p.deadLetter(ctx, msg, domain.DeadLetterRetryExhausted, base+max(failed.Attempts, 1), err)
		}

		lastErr = err
		logger.Warn("event processing failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err),
		)

		if attempt < attempts {
			if err := p.sleep(ctx, p.policy.Delay(attempt)); err != nil {
				return err
			}
		}
	}

	return p.deadLetter(ctx, msg, domain.DeadLetterRetryExhausted, base+attempts, lastErr)
}

func (p *Processor) logOutcome(logger *zap.Logger, out *intake.Outcome) {
	switch {
	case out == nil:
	case out.Skipped:
		logger.Info("event locked by another consumer, acknowledging")
	case out.Duplicate:
		logger.Info("duplicate event acknowledged",
			zap.String("notification_id", out.Notification.ID.String()),
		)
	default:
		logger.Info("event processed",
			zap.String("notification_id", out.Notification.ID.String()),
			zap.String("status", string(out.Notification.Status)),
		)
	}
}

func (p *Processor) deadLetter(ctx context.Context, msg Message, status domain.DeadLetterStatus, retryCount int, cause error) error {
	var payload Payload
	_ = json.Unmarshal(msg.Payload, &payload)

	eventID := payload.String("eventId", "id")
	if eventID == "" {
		eventID = msg.ID
	}

	reason := "processing failed"
	switch {
	case status == domain.DeadLetterRetryExhausted:
		reason = "retry attempts exhausted"
	case errors.Is(cause, ErrUnknownTopic):
		reason = "unknown topic"
	case errors.Is(cause, ErrMalformedPayload):
		reason = "malformed payload"
	case errors.Is(cause, template.ErrTemplateNotFound):
		reason = "template not found"
	}

	rec := &domain.DeadLetter{
		ID:              uuid.New(),
		OriginalEventID: eventID,
		EventType:       msg.Topic,
		AggregateID:     payload.String("userId", "paymentId", "user_id"),
		EventData:       msg.Payload,
		FailureReason:   reason,
		RetryCount:      retryCount,
		Status:          status,
		FailedAt:        p.now(),
	}
	if cause != nil {
		rec.LastError = cause.Error()
	}

	if err := p.dlq.Record(ctx, rec); err != nil {
		p.logger.Error("failed to dead-letter event",
			zap.String("topic", msg.Topic),
			zap.Error(err),
		)
		return fmt.Errorf("dead-letter %s: %w", msg.Topic, err)
	}

	p.logger.Warn("event dead-lettered",
		zap.String("topic", msg.Topic),
		zap.String("dlq_id", rec.ID.String()),
		zap.String("status", string(status)),
		zap.Int("retry_count", retryCount),
		zap.String("reason", reason),
	)
	return nil
}

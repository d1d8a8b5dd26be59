package circuitbreaker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/domain"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/retry"
)

// Sender mirrors provider.Sender to avoid circular imports.
type Sender interface {
	Send(ctx context.Context, n *domain.Notification) (*domain.Receipt, error)
	Name() string
}

// SendError is returned by ResilientSender when no attempt succeeded.
type SendError struct {
	Provider string
	Attempts int
	Class    retry.Class
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: send failed after %d attempt(s) (%s): %v", e.Provider, e.Attempts, e.Class, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may try the whole send again later.
func (e *SendError) Retryable() bool {
	return e.Class == retry.ClassRetryable
}

// ResilientSender wraps a provider with a circuit breaker, a per-attempt
// timeout and a retry policy.
//
// The breaker sees exactly one outcome per Send call. A permanent error
// counts as a success because the provider answered; retryable errors that
// exhaust the budget and unknown errors count as failures.
type ResilientSender struct {
	sender  Sender
	breaker *CircuitBreaker
	policy  retry.Policy
	timeout time.Duration
	sleep   func(context.Context, time.Duration) error
	logger  *zap.Logger
}

// NewResilientSender wraps sender. A zero timeout disables the per-attempt deadline.
func NewResilientSender(sender Sender, breaker *CircuitBreaker, policy retry.Policy, timeout time.Duration, logger *zap.Logger) *ResilientSender {
	return &ResilientSender{
		sender:  sender,
		breaker: breaker,
		policy:  policy,
		timeout: timeout,
		sleep:   retry.Sleep,
		logger:  logger,
	}
}

// Name returns the wrapped provider name.
func (r *ResilientSender) Name() string {
	return r.sender.Name()
}

// Breaker returns the underlying circuit breaker for metrics/monitoring.
func (r *ResilientSender) Breaker() *CircuitBreaker {
	return r.breaker
}

// Send delivers n, failing fast with ErrCircuitOpen when the breaker rejects.
func (r *ResilientSender) Send(ctx context.Context, n *domain.Notification) (*domain.Receipt, error) {
	provider := r.sender.Name()

	if !r.breaker.Allow() {
		metrics.RecordProviderAttempt(provider, "rejected")
		r.logger.Warn("circuit breaker rejected request - failing fast",
			zap.String("breaker", r.breaker.Name()),
			zap.String("notification_id", n.ID.String()),
			zap.String("type", string(n.Type)),
		)
		return nil, &SendError{
			Provider: provider,
			Class:    retry.ClassRetryable,
			Err:      fmt.Errorf("%w: %s provider unavailable", ErrCircuitOpen, provider),
		}
	}

	var receipt *domain.Receipt
	attempts, err := retry.Do(ctx, r.policy, r.sleep, func(ctx context.Context, attempt int) error {
		attemptCtx, cancel := r.attemptContext(ctx)
		defer cancel()

		rec, err := r.sender.Send(attemptCtx, n)
		if err != nil {
			class := retry.Classify(err)
			metrics.RecordProviderAttempt(provider, class.String())
			r.logger.Warn("provider attempt failed",
				zap.String("provider", provider),
				zap.String("notification_id", n.ID.String()),
				zap.Int("attempt", attempt),
				zap.String("class", class.String()),
				zap.Error(err),
			)
			return err
		}

		metrics.RecordProviderAttempt(provider, "success")
		receipt = rec
		return nil
	})

	if err == nil {
		r.breaker.RecordSuccess()
		if receipt == nil {
			receipt = &domain.Receipt{Provider: provider}
		}
		return receipt, nil
	}

	class := retry.Classify(err)
	if class == retry.ClassPermanent {
		r.breaker.RecordSuccess()
	} else {
		r.breaker.RecordFailure()
	}

	return nil, &SendError{
		Provider: provider,
		Attempts: attempts,
		Class:    class,
		Err:      err,
	}
}

func (r *ResilientSender) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

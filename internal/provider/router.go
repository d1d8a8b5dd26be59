// Package provider holds the adapters that hand notifications to external
// delivery services, and the Router that picks one by notification type.
package provider

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/domain"
	"github.com/lalithlochan/courier/internal/retry"
)

// Sender is the unified interface for all delivery channels.
// Implementations: Email (SES, Postmark), SMS (SNS), Push (HTTP gateway), In-app (Redis), Log.
type Sender interface {
	Send(ctx context.Context, n *domain.Notification) (*domain.Receipt, error)
	Name() string
}

// StatusError is a non-2xx answer from an HTTP based provider.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatusCode lets retry.Classify pick the class from the status.
func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// wrongType is returned when a sender is handed a notification of another channel.
func wrongType(provider string, want, got domain.Type) error {
	return retry.Permanent(fmt.Errorf("%s sender only supports %s, got %s", provider, want, got))
}

// Router dispatches by notification type.
// This implements the Strategy pattern: one Sender per type.
type Router struct {
	routes map[domain.Type]Sender
	logger *zap.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		routes: make(map[domain.Type]Sender),
		logger: logger,
	}
}

// Route registers s for type t and returns the router for chaining.
func (r *Router) Route(t domain.Type, s Sender) *Router {
	r.routes[t] = s
	return r
}

// Name identifies the router in logs.
func (r *Router) Name() string {
	return "router"
}

// Send routes the notification to the sender registered for its type.
func (r *Router) Send(ctx context.Context, n *domain.Notification) (*domain.Receipt, error) {
	s, ok := r.routes[n.Type]
	if !ok {
		return nil, retry.Permanent(fmt.Errorf("no sender registered for type %s", n.Type))
	}

	r.logger.Debug("routing notification to sender",
		zap.String("type", string(n.Type)),
		zap.String("provider", s.Name()),
		zap.String("notification_id", n.ID.String()),
	)
	return s.Send(ctx, n)
}

// Supports reports whether a sender is registered for t.
func (r *Router) Supports(t domain.Type) bool {
	_, ok := r.routes[t]
	return ok
}

// Types returns the registered types in sorted order.
func (r *Router) Types() []domain.Type {
	out := make([]domain.Type, 0, len(r.routes))
	for t := range r.routes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

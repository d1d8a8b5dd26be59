// Package intake turns a delivery request into at most one persisted
// notification, whatever number of consumers see the same event.
package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/delivery"
	"github.com/lalithlochan/courier/internal/domain"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/template"
)

// ErrValidation wraps request problems that no retry can fix.
var ErrValidation = errors.New("validation failed")

// DefaultDedupWindow bounds the recipient/event-type duplicate heuristic used
// when a request has no idempotency key.
const DefaultDedupWindow = time.Hour

// Request describes one notification to deliver.
type Request struct {
	EventType string
	Type      domain.Type
	Recipient string
	UserID    string

	// Template is rendered with Variables. Without a template, Subject and
	// Content are used as given.
	Template  string
	Variables map[string]any
	Subject   string
	Content   string

	Priority       domain.Priority
	Metadata       map[string]any
	IdempotencyKey string

	// Replay is the administrative replay generation, zero on first delivery.
	Replay int
	// ReplayOf is the dead-letter record a replay came from. Each record
	// yields its own idempotency key, so a reset replay is never mistaken
	// for an earlier one.
	ReplayOf string
}

func (r Request) replayed() bool {
	return r.ReplayOf != "" || r.Replay > 0
}

// Outcome reports what Process did.
type Outcome struct {
	Notification *domain.Notification `json:"notification,omitempty"`
	Duplicate    bool                 `json:"duplicate"`
	// Skipped means another consumer holds the lock for this event.
	Skipped bool `json:"skipped"`
}

// Store is the read side intake uses for duplicate detection.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Notification, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.Notification, error)
	FindRecent(ctx context.Context, recipient string, t domain.Type, eventType string, since time.Time) (*domain.Notification, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, n *domain.Notification) (*delivery.Result, error)
	Resume(ctx context.Context, n *domain.Notification) (*delivery.Result, error)
}

type Coordinator struct {
	locker      *redis.Locker
	processed   *redis.ProcessedCache
	store       Store
	renderer    *template.Renderer
	deliverer   Deliverer
	dedupWindow time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// NewCoordinator wires the intake pipeline. dedupWindow <= 0 uses DefaultDedupWindow.
func NewCoordinator(
	locker *redis.Locker,
	processed *redis.ProcessedCache,
	store Store,
	renderer *template.Renderer,
	deliverer Deliverer,
	dedupWindow time.Duration,
	logger *zap.Logger,
) *Coordinator {
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}
	return &Coordinator{
		locker:      locker,
		processed:   processed,
		store:       store,
		renderer:    renderer,
		deliverer:   deliverer,
		dedupWindow: dedupWindow,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type prepared struct {
	typ       domain.Type
	recipient domain.Recipient
	subject   string
	content   string
	key       string
}

// Process validates req, takes the event lock, drops duplicates and delivers
// the rest. A retryable delivery failure is returned as a *delivery.FailedError
// together with the outcome.
func (c *Coordinator) Process(ctx context.Context, req Request) (*Outcome, error) {
	p, err := c.prepare(req)
	if err != nil {
		return nil, err
	}

	lockKey := redis.LockKey(req.EventType, p.recipient.Value, p.key)
	lock, err := c.locker.Acquire(ctx, lockKey)
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if lock == nil {
		metrics.RecordLockContention(req.EventType)
		c.logger.Info("event already being processed elsewhere",
			zap.String("event_type", req.EventType),
			zap.String("lock_key", lockKey),
		)
		return &Outcome{Skipped: true}, nil
	}
	defer func() {
		// ctx may already be cancelled here.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			c.logger.Warn("failed to release lock", zap.String("lock_key", lockKey), zap.Error(err))
		}
	}()

	processedKey := redis.ProcessedKey(req.EventType, p.recipient.Value, p.key)

	existing, err := c.findDuplicate(ctx, req, p, processedKey)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status == domain.StatusPending {
		// An earlier attempt stopped between persisting and recording the
		// outcome. We hold the lock, so finish it here.
		result, err := c.deliverer.Resume(ctx, existing)
		if result == nil {
			return nil, err
		}
		c.markProcessed(ctx, processedKey, result.Notification)
		return &Outcome{Notification: result.Notification, Duplicate: result.Duplicate}, err
	}
	if existing != nil {
		c.logger.Info("duplicate event skipped",
			zap.String("notification_id", existing.ID.String()),
			zap.String("event_type", req.EventType),
			zap.String("status", string(existing.Status)),
		)
		metrics.RecordNotificationProcessed("duplicate", string(existing.Type))
		return &Outcome{Notification: existing, Duplicate: true}, delivery.StoredFailure(existing)
	}

	metadata := make(map[string]any, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if req.Template != "" {
		metadata["template"] = req.Template
	}
	if req.Replay > 0 {
		metadata["replay"] = req.Replay
	}

	n, err := domain.New(domain.NewParams{
		UserID:         req.UserID,
		Type:           p.typ,
		Recipient:      p.recipient.Value,
		Subject:        p.subject,
		Content:        p.content,
		Priority:       req.Priority,
		Metadata:       metadata,
		IdempotencyKey: p.key,
		EventType:      req.EventType,
		Now:            c.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	result, deliverErr := c.deliverer.Deliver(ctx, n)
	if result == nil {
		return nil, deliverErr
	}

	outcome := &Outcome{Notification: result.Notification, Duplicate: result.Duplicate}
	c.markProcessed(ctx, processedKey, result.Notification)

	return outcome, deliverErr
}

func (c *Coordinator) prepare(req Request) (*prepared, error) {
	if req.EventType == "" {
		return nil, fmt.Errorf("%w: event type is required", ErrValidation)
	}

	p := &prepared{typ: req.Type, subject: req.Subject, content: req.Content, key: req.IdempotencyKey}

	if req.Template != "" {
		rendered, err := c.renderer.Render(req.Template, req.Variables)
		if err != nil {
			if errors.Is(err, template.ErrTemplateNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		if p.typ == "" {
			p.typ = rendered.Type
		} else if p.typ != rendered.Type {
			return nil, fmt.Errorf("%w: template %q is for %s, not %s", ErrValidation, req.Template, rendered.Type, p.typ)
		}
		p.subject = rendered.Subject
		p.content = rendered.Content
	}

	if !p.typ.Valid() {
		return nil, fmt.Errorf("%w: unsupported notification type %q", ErrValidation, p.typ)
	}
	if p.content == "" {
		return nil, fmt.Errorf("%w: content is required", ErrValidation)
	}

	recipient, err := domain.NewRecipient(p.typ, req.Recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	p.recipient = recipient

	if p.key != "" {
		switch {
		case req.ReplayOf != "":
			p.key = p.key + "#replay-" + req.ReplayOf
		case req.Replay > 0:
			p.key = fmt.Sprintf("%s#replay-%d", p.key, req.Replay)
		}
	}

	return p, nil
}

// findDuplicate returns the notification an earlier delivery of this event
// produced, or nil. An explicit key is matched exactly; without one, the most
// recent notification for the recipient inside the dedup window counts.
func (c *Coordinator) findDuplicate(ctx context.Context, req Request, p *prepared, processedKey string) (*domain.Notification, error) {
	if p.key == "" && req.replayed() {
		return nil, nil
	}

	if n := c.fromCache(ctx, processedKey); n != nil {
		metrics.RecordDedupHit("cache")
		return n, nil
	}

	if p.key != "" {
		n, err := c.store.FindByIdempotencyKey(ctx, p.key)
		if errors.Is(err, db.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("check idempotency key: %w", err)
		}
		metrics.RecordDedupHit("database")
		return n, nil
	}

	n, err := c.store.FindRecent(ctx, p.recipient.Value, p.typ, req.EventType, c.now().Add(-c.dedupWindow))
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check recent notifications: %w", err)
	}
	metrics.RecordDedupHit("window")
	return n, nil
}

func (c *Coordinator) fromCache(ctx context.Context, key string) *domain.Notification {
	rec, err := c.processed.Get(ctx, key)
	if err != nil {
		c.logger.Warn("processed cache unavailable, falling back to database", zap.Error(err))
		return nil
	}
	if rec == nil {
		return nil
	}

	id, err := uuid.Parse(rec.NotificationID)
	if err != nil {
		return nil
	}
	n, err := c.store.Get(ctx, id)
	if err != nil {
		c.logger.Warn("processed cache points at unknown notification",
			zap.String("notification_id", rec.NotificationID),
			zap.Error(err),
		)
		return nil
	}
	return n
}

func (c *Coordinator) markProcessed(ctx context.Context, key string, n *domain.Notification) {
	err := c.processed.Mark(ctx, key, redis.ProcessedRecord{
		NotificationID: n.ID.String(),
		Status:         string(n.Status),
		ProcessedAt:    c.now().Unix(),
	})
	if err != nil {
		c.logger.Warn("failed to mark event processed",
			zap.String("notification_id", n.ID.String()),
			zap.Error(err),
		)
	}
}

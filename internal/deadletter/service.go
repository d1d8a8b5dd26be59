// Package deadletter stores events the consumer gave up on and replays them
// on request.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/domain"
	"github.com/lalithlochan/courier/internal/events"
	"github.com/lalithlochan/courier/internal/metrics"
)

var ErrAlreadyReplayed = errors.New("dead letter already replayed")

type Store interface {
	Insert(ctx context.Context, rec *domain.DeadLetter) error
	Get(ctx context.Context, id uuid.UUID) (*domain.DeadLetter, error)
	List(ctx context.Context, f db.DeadLetterFilter) ([]*domain.DeadLetter, error)
	MarkRetried(ctx context.Context, id uuid.UUID, retryCount int, at time.Time) error
	RevertRetried(ctx context.Context, id uuid.UUID, status domain.DeadLetterStatus, retryCount int) error
}

// Publisher re-emits a payload onto the inbound broker.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error
}

type Service struct {
	store     Store
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(store Store, publisher Publisher, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Record persists rec, filling ID and FailedAt when unset.
func (s *Service) Record(ctx context.Context, rec *domain.DeadLetter) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.FailedAt.IsZero() {
		rec.FailedAt = s.now()
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		return err
	}
	metrics.RecordDeadLetter(rec.EventType, string(rec.Status))
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.DeadLetter, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f db.DeadLetterFilter) ([]*domain.DeadLetter, error) {
	return s.store.List(ctx, f)
}

// Replay claims the record, then publishes the stored payload, unchanged, to
// its original topic. A failed publish gives the claim back. reset starts the
// retry count again from zero.
func (s *Service) Replay(ctx context.Context, id uuid.UUID, reset bool) (*domain.DeadLetter, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == domain.DeadLetterRetried {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyReplayed, id)
	}

	retryCount := rec.RetryCount + 1
	if reset {
		retryCount = 0
	}

	key := rec.AggregateID
	if key == "" {
		key = rec.OriginalEventID
	}
	headers := map[string]string{
		events.HeaderReplayOf:   rec.ID.String(),
		events.HeaderRetryCount: strconv.Itoa(retryCount),
	}

	now := s.now()
	if err := s.store.MarkRetried(ctx, id, retryCount, now); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			// Someone else claimed it between Get and here.
			return nil, fmt.Errorf("%w: %s", ErrAlreadyReplayed, id)
		}
		return nil, err
	}

	if err := s.publisher.Publish(ctx, rec.EventType, key, rec.EventData, headers); err != nil {
		s.logger.Error("dead letter replay publish failed",
			zap.String("dlq_id", id.String()),
			zap.String("event_type", rec.EventType),
			zap.Error(err),
		)
		if rerr := s.store.RevertRetried(context.WithoutCancel(ctx), id, rec.Status, rec.RetryCount); rerr != nil {
			s.logger.Error("failed to release dead letter claim",
				zap.String("dlq_id", id.String()),
				zap.Error(rerr),
			)
		}
		return nil, fmt.Errorf("replay %s: %w", id, err)
	}

	rec.Status = domain.DeadLetterRetried
	rec.RetryCount = retryCount
	rec.ReplayedAt = &now
	metrics.RecordDeadLetter(rec.EventType, string(rec.Status))

	s.logger.Info("dead letter replayed",
		zap.String("dlq_id", id.String()),
		zap.String("event_type", rec.EventType),
		zap.Int("retry_count", retryCount),
		zap.Bool("reset", reset),
	)

	return rec, nil
}

// Package outbox relays the notification audit trail to downstream
// subscribers. Delivery never waits on it.
package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/domain"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/sns"
)

type Claimer interface {
	ClaimPending(ctx context.Context, limit int, fn func(ctx context.Context, tx db.Outbox, events []*domain.OutboxEvent) error) error
}

type Publisher interface {
	PublishBatch(ctx context.Context, evs []*domain.OutboxEvent) (failed []string, err error)
}

type Config struct {
	Interval   time.Duration
	BatchSize  int
	MaxRetries int
}

// Relay polls pending outbox rows and publishes them.
type Relay struct {
	store     Claimer
	publisher Publisher
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

func NewRelay(store Claimer, publisher Publisher, cfg Config, logger *zap.Logger) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run relays on every tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info("outbox relay started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Int("batch_size", r.cfg.BatchSize),
	)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
			if _, err := r.RelayOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("outbox relay pass failed", zap.Error(err))
			}
		}
	}
}

// RelayOnce claims one batch and publishes it in SNS-sized chunks.
func (r *Relay) RelayOnce(ctx context.Context) (published int, err error) {
	failed := 0
	err = r.store.ClaimPending(ctx, r.cfg.BatchSize, func(ctx context.Context, tx db.Outbox, evs []*domain.OutboxEvent) error {
		for start := 0; start < len(evs); start += sns.MaxBatch {
			end := min(start+sns.MaxBatch, len(evs))
			p, f, err := r.publishChunk(ctx, tx, evs[start:end])
			published += p
			failed += f
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// The transaction rolled back; nothing was marked.
		return 0, err
	}

	if published > 0 {
		metrics.RecordOutbox("published", published)
	}
	if failed > 0 {
		metrics.RecordOutbox("failed", failed)
	}
	if published+failed > 0 {
		r.logger.Debug("outbox batch relayed",
			zap.Int("published", published),
			zap.Int("failed", failed),
		)
	}
	return published, nil
}

func (r *Relay) publishChunk(ctx context.Context, tx db.Outbox, evs []*domain.OutboxEvent) (published, failed int, err error) {
	rejected, pubErr := r.publisher.PublishBatch(ctx, evs)
	if pubErr != nil {
		r.logger.Warn("outbox publish failed", zap.Int("events", len(evs)), zap.Error(pubErr))
	}

	rejectedSet := make(map[string]struct{}, len(rejected))
	for _, id := range rejected {
		rejectedSet[id] = struct{}{}
	}

	now := r.now()
	for _, ev := range evs {
		_, isRejected := rejectedSet[ev.EventID.String()]
		if pubErr != nil || isRejected {
			if err := tx.MarkAttemptFailed(ctx, ev.EventID, r.cfg.MaxRetries); err != nil {
				return published, failed, err
			}
			failed++
			continue
		}
		if err := tx.MarkPublished(ctx, ev.EventID, now); err != nil {
			return published, failed, err
		}
		published++
	}
	return published, failed, nil
}

package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/domain"
)

// OutboxRepository stores the notification audit trail and serves the relay.
type OutboxRepository struct {
	db     *DB
	logger *zap.Logger
}

func NewOutboxRepository(db *DB, logger *zap.Logger) *OutboxRepository {
	return &OutboxRepository{db: db, logger: logger}
}

// Append inserts events outside any notification transaction.
func (r *OutboxRepository) Append(ctx context.Context, events ...*domain.OutboxEvent) error {
	return appendOutbox(ctx, r.db.Pool(), events)
}

func appendOutbox(ctx context.Context, q querier, events []*domain.OutboxEvent) error {
	query := `
		INSERT INTO outbox_events (
			event_id, event_type, aggregate_id, event_data, status, created_at, retry_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for _, ev := range events {
		if ev == nil {
			continue
		}
		_, err := q.Exec(ctx, query,
			ev.EventID,
			ev.EventType,
			ev.AggregateID,
			[]byte(ev.EventData),
			string(ev.Status),
			ev.CreatedAt,
			ev.RetryCount,
		)
		if err != nil {
			return fmt.Errorf("insert outbox event %s: %w", ev.EventType, err)
		}
	}
	return nil
}

// ClaimPending locks up to limit pending rows and hands them to fn inside one
// transaction. Concurrent relays skip rows another relay holds.
func (r *OutboxRepository) ClaimPending(ctx context.Context, limit int, fn func(ctx context.Context, tx Outbox, events []*domain.OutboxEvent) error) error {
	query := `
		SELECT event_id, event_type, aggregate_id, event_data, status, created_at, retry_count, published_at
		FROM outbox_events
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`

	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, limit)
		if err != nil {
			return fmt.Errorf("claim outbox events: %w", err)
		}

		var events []*domain.OutboxEvent
		for rows.Next() {
			var (
				ev     domain.OutboxEvent
				status string
				data   []byte
			)
			if err := rows.Scan(&ev.EventID, &ev.EventType, &ev.AggregateID, &data, &status, &ev.CreatedAt, &ev.RetryCount, &ev.PublishedAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan outbox event: %w", err)
			}
			ev.EventData = data
			ev.Status = domain.OutboxStatus(status)
			events = append(events, &ev)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate outbox rows: %w", err)
		}

		if len(events) == 0 {
			return nil
		}
		return fn(ctx, &outboxTx{q: tx}, events)
	})
}

// Outbox marks claimed rows. It is only valid inside ClaimPending's callback.
type Outbox interface {
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkAttemptFailed(ctx context.Context, id uuid.UUID, maxRetries int) error
}

type outboxTx struct {
	q querier
}

func (o *outboxTx) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := o.q.Exec(ctx,
		`UPDATE outbox_events SET status = 'published', published_at = $2 WHERE event_id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("mark outbox event published: %w", err)
	}
	return nil
}

// MarkAttemptFailed bumps retry_count and gives up on the row once it reaches maxRetries.
func (o *outboxTx) MarkAttemptFailed(ctx context.Context, id uuid.UUID, maxRetries int) error {
	_, err := o.q.Exec(ctx, `
		UPDATE outbox_events
		SET retry_count = retry_count + 1,
			status = CASE WHEN retry_count + 1 >= $2 THEN 'failed' ELSE status END
		WHERE event_id = $1
	`, id, maxRetries)
	if err != nil {
		return fmt.Errorf("mark outbox event failed: %w", err)
	}
	return nil
}

// CountByStatus reports outbox backlog per status.
func (r *OutboxRepository) CountByStatus(ctx context.Context) (map[domain.OutboxStatus]int64, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT status, COUNT(*) FROM outbox_events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count outbox events: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.OutboxStatus]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan outbox count: %w", err)
		}
		counts[domain.OutboxStatus(status)] = n
	}
	return counts, rows.Err()
}

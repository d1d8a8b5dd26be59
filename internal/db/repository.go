package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/domain"
)

// NotificationRepository handles database operations for notifications
type NotificationRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewNotificationRepository creates a new notification repository
func NewNotificationRepository(db *DB, logger *zap.Logger) *NotificationRepository {
	return &NotificationRepository{
		db:     db,
		logger: logger,
	}
}

const notificationColumns = `
	id, user_id, type, recipient, subject, content, priority, status,
	metadata, idempotency_key, event_type, created_at, updated_at,
	sent_at, delivered_at, failed_at, failure_reason, version`

// Create inserts n and any outbox events in one transaction. A clash on the
// idempotency key index returns ErrDuplicate.
func (r *NotificationRepository) Create(ctx context.Context, n *domain.Notification, events ...*domain.OutboxEvent) error {
	query := `
		INSERT INTO notifications (` + notificationColumns + `
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18
		)
	`

	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query,
			n.ID,
			nullString(n.UserID),
			string(n.Type),
			n.Recipient.Value,
			n.Subject,
			n.Content,
			string(n.Priority),
			string(n.Status),
			n.Metadata,
			nullString(n.IdempotencyKey),
			n.EventType,
			n.CreatedAt,
			n.UpdatedAt,
			n.SentAt,
			n.DeliveredAt,
			n.FailedAt,
			nullString(n.FailureReason),
			n.Version,
		)
		if err != nil {
			return err
		}
		return appendOutbox(ctx, tx, events)
	})

	if isUniqueViolation(err) {
		r.logger.Info("notification already exists for idempotency key",
			zap.String("idempotency_key", n.IdempotencyKey),
		)
		return fmt.Errorf("%w: idempotency key %q", ErrDuplicate, n.IdempotencyKey)
	}
	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Debug("notification created",
		zap.String("notification_id", n.ID.String()),
		zap.String("type", string(n.Type)),
		zap.String("event_type", n.EventType),
	)

	return nil
}

// Update writes n's mutable fields if the stored version still equals n.Version,
// then bumps n.Version. Outbox events are appended in the same transaction.
func (r *NotificationRepository) Update(ctx context.Context, n *domain.Notification, events ...*domain.OutboxEvent) error {
	query := `
		UPDATE notifications
		SET status = $3, subject = $4, content = $5, metadata = $6, updated_at = $7,
			sent_at = $8, delivered_at = $9, failed_at = $10, failure_reason = $11,
			version = version + 1
		WHERE id = $1 AND version = $2
	`

	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, query,
			n.ID,
			n.Version,
			string(n.Status),
			n.Subject,
			n.Content,
			n.Metadata,
			n.UpdatedAt,
			n.SentAt,
			n.DeliveredAt,
			n.FailedAt,
			nullString(n.FailureReason),
		)
		if err != nil {
			return fmt.Errorf("update notification: %w", err)
		}

		if result.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1)`, n.ID).Scan(&exists); err != nil {
				return fmt.Errorf("check notification: %w", err)
			}
			if !exists {
				return fmt.Errorf("%w: notification %s", ErrNotFound, n.ID)
			}
			return fmt.Errorf("%w: notification %s at version %d", ErrVersionConflict, n.ID, n.Version)
		}

		return appendOutbox(ctx, tx, events)
	})
	if err != nil {
		if !errors.Is(err, ErrVersionConflict) && !errors.Is(err, ErrNotFound) {
			r.logger.Error("failed to update notification",
				zap.Error(err),
				zap.String("notification_id", n.ID.String()),
			)
		}
		return err
	}

	n.Version++
	return nil
}

// Get retrieves a notification by ID
func (r *NotificationRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: notification %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// FindByIdempotencyKey returns the notification holding key, if any.
func (r *NotificationRepository) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE idempotency_key = $1`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: idempotency key %q", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification by idempotency key: %w", err)
	}
	return n, nil
}

// FindRecent returns the newest notification for the same recipient, channel and
// event type created at or after since.
func (r *NotificationRepository) FindRecent(ctx context.Context, recipient string, t domain.Type, eventType string, since time.Time) (*domain.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE recipient = $1 AND type = $2 AND event_type = $3 AND created_at >= $4
		ORDER BY created_at DESC
		LIMIT 1
	`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, recipient, string(t), eventType, since))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query recent notification: %w", err)
	}
	return n, nil
}

// ListByUser retrieves a user's notifications, newest first.
func (r *NotificationRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*domain.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	notifications := make([]*domain.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// Stats summarises notification counts.
type Stats struct {
	Total    int64                   `json:"total"`
	ByStatus map[domain.Status]int64 `json:"byStatus"`
	ByType   map[domain.Type]int64   `json:"byType"`
}

// Stats counts notifications created at or after since. A zero since counts everything.
func (r *NotificationRepository) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	query := `
		SELECT type, status, COUNT(*)
		FROM notifications
		WHERE created_at >= $1
		GROUP BY type, status
	`

	rows, err := r.db.Pool().Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{
		ByStatus: make(map[domain.Status]int64),
		ByType:   make(map[domain.Type]int64),
	}
	for rows.Next() {
		var (
			t, s  string
			count int64
		)
		if err := rows.Scan(&t, &s, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats.Total += count
		stats.ByStatus[domain.Status(s)] += count
		stats.ByType[domain.Type(t)] += count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return stats, nil
}

func scanNotification(row pgx.Row) (*domain.Notification, error) {
	var (
		n              domain.Notification
		userID         *string
		notifType      string
		recipient      string
		priority       string
		status         string
		idempotencyKey *string
		failureReason  *string
	)

	err := row.Scan(
		&n.ID,
		&userID,
		&notifType,
		&recipient,
		&n.Subject,
		&n.Content,
		&priority,
		&status,
		&n.Metadata,
		&idempotencyKey,
		&n.EventType,
		&n.CreatedAt,
		&n.UpdatedAt,
		&n.SentAt,
		&n.DeliveredAt,
		&n.FailedAt,
		&failureReason,
		&n.Version,
	)
	if err != nil {
		return nil, err
	}

	n.UserID = derefString(userID)
	n.Type = domain.Type(notifType)
	n.Recipient = domain.Recipient{Type: n.Type, Value: recipient}
	n.Priority = domain.Priority(priority)
	n.Status = domain.Status(status)
	n.IdempotencyKey = derefString(idempotencyKey)
	n.FailureReason = derefString(failureReason)
	if n.Metadata == nil {
		n.Metadata = map[string]any{}
	}

	return &n, nil
}

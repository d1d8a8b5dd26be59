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

// DeadLetterRepository persists events the consumer gave up on.
type DeadLetterRepository struct {
	db     *DB
	logger *zap.Logger
}

func NewDeadLetterRepository(db *DB, logger *zap.Logger) *DeadLetterRepository {
	return &DeadLetterRepository{db: db, logger: logger}
}

const deadLetterColumns = `
	id, original_event_id, event_type, aggregate_id, event_data,
	failure_reason, retry_count, last_error, status, failed_at, replayed_at`

// Insert stores rec. EventData is written as BYTEA so replays see the exact bytes.
func (r *DeadLetterRepository) Insert(ctx context.Context, rec *domain.DeadLetter) error {
	query := `
		INSERT INTO dead_letter_queue (` + deadLetterColumns + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		rec.ID,
		rec.OriginalEventID,
		rec.EventType,
		nullString(rec.AggregateID),
		rec.EventData,
		rec.FailureReason,
		rec.RetryCount,
		nullString(rec.LastError),
		string(rec.Status),
		rec.FailedAt,
		rec.ReplayedAt,
	)
	if err != nil {
		r.logger.Error("failed to insert dead letter",
			zap.Error(err),
			zap.String("event_type", rec.EventType),
			zap.String("original_event_id", rec.OriginalEventID),
		)
		return fmt.Errorf("insert dead letter: %w", err)
	}

	r.logger.Info("event moved to dead letter queue",
		zap.String("dlq_id", rec.ID.String()),
		zap.String("event_type", rec.EventType),
		zap.String("status", string(rec.Status)),
		zap.Int("retry_count", rec.RetryCount),
	)

	return nil
}

// Get retrieves a single dead letter by ID
func (r *DeadLetterRepository) Get(ctx context.Context, id uuid.UUID) (*domain.DeadLetter, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letter_queue WHERE id = $1`

	rec, err := scanDeadLetter(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: dead letter %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query dead letter: %w", err)
	}
	return rec, nil
}

// DeadLetterFilter narrows List. Empty fields match everything.
type DeadLetterFilter struct {
	Status    domain.DeadLetterStatus
	EventType string
	Limit     int
	Offset    int
}

// List returns dead letters newest first.
func (r *DeadLetterRepository) List(ctx context.Context, f DeadLetterFilter) ([]*domain.DeadLetter, error) {
	query := `
		SELECT ` + deadLetterColumns + `
		FROM dead_letter_queue
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR event_type = $2)
		ORDER BY failed_at DESC
		LIMIT $3 OFFSET $4
	`

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Pool().Query(ctx, query, string(f.Status), f.EventType, limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	items := make([]*domain.DeadLetter, 0)
	for rows.Next() {
		rec, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		items = append(items, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return items, nil
}

// MarkRetried claims a record for replay. Already-retried records are left
// alone and reported as ErrNotFound, so only one caller wins the claim.
func (r *DeadLetterRepository) MarkRetried(ctx context.Context, id uuid.UUID, retryCount int, at time.Time) error {
	query := `
		UPDATE dead_letter_queue
		SET status = $2, retry_count = $3, replayed_at = $4
		WHERE id = $1 AND status <> $2
	`

	result, err := r.db.Pool().Exec(ctx, query, id, string(domain.DeadLetterRetried), retryCount, at)
	if err != nil {
		return fmt.Errorf("mark dead letter retried: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: dead letter %s not found or already retried", ErrNotFound, id)
	}

	r.logger.Info("dead letter replayed", zap.String("dlq_id", id.String()))

	return nil
}

// RevertRetried hands back a claim taken by MarkRetried whose publish failed.
func (r *DeadLetterRepository) RevertRetried(ctx context.Context, id uuid.UUID, status domain.DeadLetterStatus, retryCount int) error {
	query := `
		UPDATE dead_letter_queue
		SET status = $2, retry_count = $3, replayed_at = NULL
		WHERE id = $1 AND status = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, id, string(status), retryCount, string(domain.DeadLetterRetried))
	if err != nil {
		return fmt.Errorf("revert dead letter claim: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: retried dead letter %s", ErrNotFound, id)
	}

	return nil
}

func scanDeadLetter(row pgx.Row) (*domain.DeadLetter, error) {
	var (
		rec         domain.DeadLetter
		aggregateID *string
		lastError   *string
		status      string
	)

	err := row.Scan(
		&rec.ID,
		&rec.OriginalEventID,
		&rec.EventType,
		&aggregateID,
		&rec.EventData,
		&rec.FailureReason,
		&rec.RetryCount,
		&lastError,
		&status,
		&rec.FailedAt,
		&rec.ReplayedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.AggregateID = derefString(aggregateID)
	rec.LastError = derefString(lastError)
	rec.Status = domain.DeadLetterStatus(status)

	return &rec, nil
}

package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when an insert hits the idempotency key unique index.
	ErrDuplicate = errors.New("duplicate record")

	// ErrVersionConflict means the row changed since it was read.
	ErrVersionConflict = errors.New("version conflict")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Package dbtest provides in-memory stand-ins for the Postgres repositories.
package dbtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/domain"
)

// Notifications mimics db.NotificationRepository, including the idempotency
// key unique index and version checks.
type Notifications struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]*domain.Notification
	order  []uuid.UUID
	Outbox []*domain.OutboxEvent

	// CreateErr and UpdateErr, when set, are returned before touching state.
	CreateErr error
	UpdateErr error
}

func NewNotifications() *Notifications {
	return &Notifications{byID: make(map[uuid.UUID]*domain.Notification)}
}

func (s *Notifications) Create(ctx context.Context, n *domain.Notification, events ...*domain.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.CreateErr != nil {
		return s.CreateErr
	}
	if n.IdempotencyKey != "" {
		for _, existing := range s.byID {
			if existing.IdempotencyKey == n.IdempotencyKey {
				return fmt.Errorf("%w: idempotency key %q", db.ErrDuplicate, n.IdempotencyKey)
			}
		}
	}

	s.byID[n.ID] = clone(n)
	s.order = append(s.order, n.ID)
	s.appendEvents(events)
	return nil
}

func (s *Notifications) Update(ctx context.Context, n *domain.Notification, events ...*domain.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	stored, ok := s.byID[n.ID]
	if !ok {
		return fmt.Errorf("%w: notification %s", db.ErrNotFound, n.ID)
	}
	if stored.Version != n.Version {
		return fmt.Errorf("%w: notification %s at version %d", db.ErrVersionConflict, n.ID, n.Version)
	}

	n.Version++
	s.byID[n.ID] = clone(n)
	s.appendEvents(events)
	return nil
}

func (s *Notifications) appendEvents(events []*domain.OutboxEvent) {
	for _, ev := range events {
		if ev != nil {
			s.Outbox = append(s.Outbox, ev)
		}
	}
}

func (s *Notifications) Get(ctx context.Context, id uuid.UUID) (*domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: notification %s", db.ErrNotFound, id)
	}
	return clone(n), nil
}

func (s *Notifications) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.byID {
		if n.IdempotencyKey == key {
			return clone(n), nil
		}
	}
	return nil, fmt.Errorf("%w: idempotency key %q", db.ErrNotFound, key)
}

func (s *Notifications) FindRecent(ctx context.Context, recipient string, t domain.Type, eventType string, since time.Time) (*domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var newest *domain.Notification
	for _, n := range s.byID {
		if n.Recipient.Value != recipient || n.Type != t || n.EventType != eventType || n.CreatedAt.Before(since) {
			continue
		}
		if newest == nil || n.CreatedAt.After(newest.CreatedAt) {
			newest = n
		}
	}
	if newest == nil {
		return nil, db.ErrNotFound
	}
	return clone(newest), nil
}

func (s *Notifications) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Notification, 0)
	for i := len(s.order) - 1; i >= 0; i-- {
		n := s.byID[s.order[i]]
		if n.UserID == userID {
			out = append(out, clone(n))
		}
	}
	if offset >= len(out) {
		return []*domain.Notification{}, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Notifications) Stats(ctx context.Context, since time.Time) (*db.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &db.Stats{
		ByStatus: make(map[domain.Status]int64),
		ByType:   make(map[domain.Type]int64),
	}
	for _, n := range s.byID {
		if n.CreatedAt.Before(since) {
			continue
		}
		stats.Total++
		stats.ByStatus[n.Status]++
		stats.ByType[n.Type]++
	}
	return stats, nil
}

// All returns every stored notification in insertion order.
func (s *Notifications) All() []*domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Notification, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, clone(s.byID[id]))
	}
	return out
}

// OutboxTypes lists appended outbox event types in order.
func (s *Notifications) OutboxTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.Outbox))
	for _, ev := range s.Outbox {
		out = append(out, ev.EventType)
	}
	return out
}

func clone(n *domain.Notification) *domain.Notification {
	c := *n
	c.Metadata = make(map[string]any, len(n.Metadata))
	for k, v := range n.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// DeadLetters mimics db.DeadLetterRepository.
type DeadLetters struct {
	mu      sync.Mutex
	records map[uuid.UUID]*domain.DeadLetter

	// InsertErr, when set, fails every Insert.
	InsertErr error
}

func NewDeadLetters() *DeadLetters {
	return &DeadLetters{records: make(map[uuid.UUID]*domain.DeadLetter)}
}

func (s *DeadLetters) Insert(ctx context.Context, rec *domain.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.InsertErr != nil {
		return s.InsertErr
	}
	c := *rec
	c.EventData = append([]byte(nil), rec.EventData...)
	s.records[rec.ID] = &c
	return nil
}

func (s *DeadLetters) Get(ctx context.Context, id uuid.UUID) (*domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: dead letter %s", db.ErrNotFound, id)
	}
	c := *rec
	return &c, nil
}

func (s *DeadLetters) List(ctx context.Context, f db.DeadLetterFilter) ([]*domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.DeadLetter, 0)
	for _, rec := range s.records {
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if f.EventType != "" && rec.EventType != f.EventType {
			continue
		}
		c := *rec
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })

	if f.Offset >= len(out) {
		return []*domain.DeadLetter{}, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *DeadLetters) MarkRetried(ctx context.Context, id uuid.UUID, retryCount int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.Status == domain.DeadLetterRetried {
		return fmt.Errorf("%w: dead letter %s not found or already retried", db.ErrNotFound, id)
	}
	rec.Status = domain.DeadLetterRetried
	rec.RetryCount = retryCount
	rec.ReplayedAt = &at
	return nil
}

func (s *DeadLetters) RevertRetried(ctx context.Context, id uuid.UUID, status domain.DeadLetterStatus, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.Status != domain.DeadLetterRetried {
		return fmt.Errorf("%w: retried dead letter %s", db.ErrNotFound, id)
	}
	rec.Status = status
	rec.RetryCount = retryCount
	rec.ReplayedAt = nil
	return nil
}

// All returns a copy of every record.
func (s *DeadLetters) All() []*domain.DeadLetter {
	out, _ := s.List(context.Background(), db.DeadLetterFilter{})
	return out
}

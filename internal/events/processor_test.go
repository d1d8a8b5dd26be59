package events

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/db/dbtest"
	"github.com/lalithlochan/courier/internal/delivery"
	"github.com/lalithlochan/courier/internal/domain"
	"github.com/lalithlochan/courier/internal/intake"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/retry"
	"github.com/lalithlochan/courier/internal/template"
)

type scriptedIntake struct {
	errs  []error
	calls int
}

func (s *scriptedIntake) Process(ctx context.Context, req intake.Request) (*intake.Outcome, error) {
	s.calls++
	var err error
	if len(s.errs) > 0 {
		err = s.errs[0]
		s.errs = s.errs[1:]
	}
	if err != nil {
		return nil, err
	}
	return &intake.Outcome{Notification: &domain.Notification{Status: domain.StatusSent}}, nil
}

type memorySink struct {
	records []*domain.DeadLetter
	err     error
}

func (m *memorySink) Record(ctx context.Context, rec *domain.DeadLetter) error {
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rec)
	return nil
}

func newTestProcessor(in Intake, sink DeadLetterSink) (*Processor, *[]time.Duration) {
	p := NewProcessor(testRouter(), in, sink, retry.DefaultPolicy(), zap.NewNop())
	var slept []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return p, &slept
}

var welcomeMsg = Message{
	Topic:   TopicUserWelcome,
	Payload: []byte(`{"email":"a@b.io","eventId":"evt-1","name":"Ann"}`),
	ID:      "user.welcome/0/42",
}

func TestHandle_SuccessAcks(t *testing.T) {
	in := &scriptedIntake{}
	sink := &memorySink{}
	p, slept := newTestProcessor(in, sink)

	require.NoError(t, p.Handle(context.Background(), welcomeMsg))
	assert.Equal(t, 1, in.calls)
	assert.Empty(t, sink.records)
	assert.Empty(t, *slept)
}

func TestHandle_RecoversOnSecondAttempt(t *testing.T) {
	in := &scriptedIntake{errs: []error{errors.New("redis timeout")}}
	sink := &memorySink{}
	p, slept := newTestProcessor(in, sink)

	require.NoError(t, p.Handle(context.Background(), welcomeMsg))
	assert.Equal(t, 2, in.calls)
	assert.Equal(t, []time.Duration{time.Second}, *slept)
	assert.Empty(t, sink.records)
}

func TestHandle_RetryExhaustedGoesToDeadLetter(t *testing.T) {
	boom := errors.New("provider unavailable")
	in := &scriptedIntake{errs: []error{boom, boom, boom}}
	sink := &memorySink{}
	p, slept := newTestProcessor(in, sink)

	require.NoError(t, p.Handle(context.Background(), welcomeMsg))

	assert.Equal(t, 3, in.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
	require.Len(t, sink.records, 1)

	rec := sink.records[0]
	assert.Equal(t, domain.DeadLetterRetryExhausted, rec.Status)
	assert.Equal(t, 3, rec.RetryCount)
	assert.Equal(t, welcomeMsg.Payload, rec.EventData)
	assert.Equal(t, "evt-1", rec.OriginalEventID)
	assert.Equal(t, TopicUserWelcome, rec.EventType)
	assert.Equal(t, "provider unavailable", rec.LastError)
}

func TestHandle_ReplayedMessageAccumulatesRetryCount(t *testing.T) {
	boom := errors.New("still down")
	in := &scriptedIntake{errs: []error{boom, boom, boom}}
	sink := &memorySink{}
	p, _ := newTestProcessor(in, sink)

	msg := welcomeMsg
	msg.Headers = map[string]string{HeaderReplayOf: "dlq-1", HeaderRetryCount: "4"}
	require.NoError(t, p.Handle(context.Background(), msg))

	require.Len(t, sink.records, 1)
	assert.Equal(t, 7, sink.records[0].RetryCount)
}

func TestHandle_RecordedProviderFailureDeadLettersAtOnce(t *testing.T) {
	failed := &delivery.FailedError{Reason: "503 service unavailable", Retryable: true, Attempts: 3}
	in := &scriptedIntake{errs: []error{failed}}
	sink := &memorySink{}
	p, slept := newTestProcessor(in, sink)

	msg := welcomeMsg
	msg.Headers = map[string]string{HeaderReplayOf: "dlq-1", HeaderRetryCount: "2"}
	require.NoError(t, p.Handle(context.Background(), msg))

	assert.Equal(t, 1, in.calls)
	assert.Empty(t, *slept)
	require.Len(t, sink.records, 1)
	assert.Equal(t, domain.DeadLetterRetryExhausted, sink.records[0].Status)
	assert.Equal(t, 5, sink.records[0].RetryCount)
}

func TestHandle_ImmediateDeadLetter(t *testing.T) {
	tests := []struct {
		name   string
		msg    Message
		errs   []error
		reason string
	}{
		{"unknown topic", Message{Topic: "order.shipped", Payload: []byte(`{"id":"x"}`)}, nil, "unknown topic"},
		{"malformed payload", Message{Topic: TopicUserWelcome, Payload: []byte(`{broken`), ID: "m-1"}, nil, "malformed payload"},
		{"template missing", welcomeMsg, []error{fmt.Errorf("render: %w", template.ErrTemplateNotFound)}, "template not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := &scriptedIntake{errs: tt.errs}
			sink := &memorySink{}
			p, slept := newTestProcessor(in, sink)

			require.NoError(t, p.Handle(context.Background(), tt.msg))
			require.Len(t, sink.records, 1)
			rec := sink.records[0]
			assert.Equal(t, domain.DeadLetterFailed, rec.Status)
			assert.Equal(t, 1, rec.RetryCount)
			assert.Equal(t, tt.reason, rec.FailureReason)
			assert.Equal(t, tt.msg.Payload, rec.EventData)
			assert.Empty(t, *slept)
		})
	}
}

func TestHandle_ValidationErrorsAreDropped(t *testing.T) {
	in := &scriptedIntake{errs: []error{fmt.Errorf("%w: bad email", intake.ErrValidation)}}
	sink := &memorySink{}
	p, _ := newTestProcessor(in, sink)

	require.NoError(t, p.Handle(context.Background(), welcomeMsg))
	assert.Equal(t, 1, in.calls)
	assert.Empty(t, sink.records)

	// Router-level validation never reaches intake.
	in2 := &scriptedIntake{}
	p2, _ := newTestProcessor(in2, sink)
	require.NoError(t, p2.Handle(context.Background(), Message{Topic: TopicPasswordReset, Payload: []byte(`{"email":"a@b.io"}`)}))
	assert.Equal(t, 0, in2.calls)
	assert.Empty(t, sink.records)
}

func TestHandle_DeadLetterWriteFailureKeepsMessage(t *testing.T) {
	boom := errors.New("boom")
	in := &scriptedIntake{errs: []error{boom, boom, boom}}
	sink := &memorySink{err: errors.New("database down")}
	p, _ := newTestProcessor(in, sink)

	err := p.Handle(context.Background(), welcomeMsg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database down")
}

func TestHandle_CancelledContextIsNotDeadLettered(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	in := &scriptedIntake{errs: []error{context.Canceled}}
	sink := &memorySink{}
	p, _ := newTestProcessor(in, sink)

	err := p.Handle(ctx, welcomeMsg)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sink.records)
}

type downSender struct{ calls int }

func (s *downSender) Send(ctx context.Context, n *domain.Notification) (*domain.Receipt, error) {
	s.calls++
	return nil, &circuitbreaker.SendError{Provider: "ses", Attempts: 3, Class: retry.ClassRetryable, Err: errors.New("503 service unavailable")}
}

// Full pipeline with a provider that never recovers: one FAILED notification,
// one provider call, no consumer-side backoff, and the untouched payload in
// the dead-letter store.
func TestHandle_ProviderOutageEndsInDeadLetter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	client := redis.NewFromClient(rdb, zap.NewNop())
	logger := zap.NewNop()

	store := dbtest.NewNotifications()
	sender := &downSender{}
	coord := intake.NewCoordinator(
		redis.NewLocker(client, 0, logger),
		redis.NewProcessedCache(client, 0, logger),
		store,
		template.NewRenderer(template.NewRegistry(template.DefaultTemplates()...)),
		delivery.NewService(store, sender, logger),
		0,
		logger,
	)
	sink := &memorySink{}
	p, slept := newTestProcessor(coord, sink)

	payload := []byte(`{"userId":"u-7","email":"pay@example.com","paymentId":"pay_123","amount":42.5,"currency":"EUR"}`)
	require.NoError(t, p.Handle(context.Background(), Message{Topic: TopicPaymentCompleted, Payload: payload}))

	assert.Equal(t, 1, sender.calls)
	assert.Empty(t, *slept)

	all := store.All()
	require.Len(t, all, 1)
	assert.Equal(t, domain.StatusFailed, all[0].Status)
	assert.Equal(t, "payment.completed:pay@example.com:pay_123", all[0].IdempotencyKey)

	require.Len(t, sink.records, 1)
	rec := sink.records[0]
	assert.Equal(t, domain.DeadLetterRetryExhausted, rec.Status)
	assert.Equal(t, 3, rec.RetryCount)
	assert.Equal(t, payload, rec.EventData)
	assert.Equal(t, "u-7", rec.AggregateID)
}

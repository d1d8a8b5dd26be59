package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/events"
)

type recordingHandler struct {
	mu    sync.Mutex
	seen  []events.Message
	fails int
}

func (h *recordingHandler) Handle(ctx context.Context, msg events.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, msg)
	if h.fails > 0 {
		h.fails--
		return errors.New("dead letter store unavailable")
	}
	return nil
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	ch chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func consumerMessage(offset int64) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic:     events.TopicUserWelcome,
		Partition: 2,
		Offset:    offset,
		Key:       []byte("u-1"),
		Value:     []byte(`{"email":"a@b.io"}`),
		Headers: []*sarama.RecordHeader{
			{Key: []byte(events.HeaderReplayOf), Value: []byte("dlq-1")},
		},
	}
}

func TestConsumeClaim_MarksAcceptedMessages(t *testing.T) {
	h := &recordingHandler{}
	c := newConsumer(nil, []string{events.TopicUserWelcome}, h, zap.NewNop())

	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 2)}
	claim.ch <- consumerMessage(10)
	claim.ch <- consumerMessage(11)
	close(claim.ch)

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, c.ConsumeClaim(session, claim))

	assert.Equal(t, []int64{10, 11}, session.marked)
	require.Len(t, h.seen, 2)

	msg := h.seen[0]
	assert.Equal(t, "user.welcome/2/10", msg.ID)
	assert.Equal(t, "u-1", msg.Key)
	assert.Equal(t, `{"email":"a@b.io"}`, string(msg.Payload))
	assert.Equal(t, "dlq-1", msg.Headers[events.HeaderReplayOf])
}

func TestConsumeClaim_RedeliversUntilAccepted(t *testing.T) {
	h := &recordingHandler{fails: 2}
	c := newConsumer(nil, []string{events.TopicUserWelcome}, h, zap.NewNop())
	c.redeliverDelay = time.Millisecond

	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 1)}
	claim.ch <- consumerMessage(7)
	close(claim.ch)

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, c.ConsumeClaim(session, claim))

	assert.Len(t, h.seen, 3)
	assert.Equal(t, []int64{7}, session.marked)
}

func TestConsumeClaim_SessionEndLeavesMessageUnmarked(t *testing.T) {
	h := &recordingHandler{fails: 1000}
	c := newConsumer(nil, []string{events.TopicUserWelcome}, h, zap.NewNop())
	c.redeliverDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 1)}
	claim.ch <- consumerMessage(3)

	session := &fakeSession{ctx: ctx}
	done := make(chan error, 1)
	go func() { done <- c.ConsumeClaim(session, claim) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not return")
	}
	assert.Empty(t, session.marked)
}

func TestNewConsumer_RequiresTopics(t *testing.T) {
	_, err := NewConsumer([]string{"localhost:9092"}, "g", nil, &recordingHandler{}, zap.NewNop())
	assert.Error(t, err)
}

func TestProducer_Publish(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != events.TopicPaymentCompleted {
			return errors.New("wrong topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "u-7" {
			return errors.New("wrong key " + string(key))
		}
		value, _ := msg.Value.Encode()
		if string(value) != `{"paymentId":"p1"}` {
			return errors.New("payload changed")
		}
		if len(msg.Headers) != 2 {
			return errors.New("expected replay headers")
		}
		return nil
	})

	p := newProducer(sp, zap.NewNop())
	err := p.Publish(context.Background(), events.TopicPaymentCompleted, "u-7", []byte(`{"paymentId":"p1"}`),
		map[string]string{events.HeaderReplayOf: "dlq-1", events.HeaderRetryCount: "4"})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestProducer_PublishError(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := newProducer(sp, zap.NewNop())
	err := p.Publish(context.Background(), events.TopicUserWelcome, "", []byte(`{}`), nil)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, p.Close())
}

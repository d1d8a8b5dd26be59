// Package kafka carries domain events between the brokers and the event
// processor.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/events"
	"github.com/lalithlochan/courier/internal/retry"
)

// Handler processes one message. A nil return acknowledges it.
type Handler interface {
	Handle(ctx context.Context, msg events.Message) error
}

// Consumer subscribes a consumer group to the routed topics.
type Consumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler Handler
	logger  *zap.Logger

	// Wait before handing a rejected message to the handler again.
	redeliverDelay time.Duration
}

func NewConsumer(brokers []string, groupID string, topics []string, handler Handler, logger *zap.Logger) (*Consumer, error) {
	if len(topics) == 0 {
		return nil, errors.New("kafka consumer needs at least one topic")
	}

	cfg := sarama.NewConfig()
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer group %s: %w", groupID, err)
	}

	return newConsumer(group, topics, handler, logger), nil
}

func newConsumer(group sarama.ConsumerGroup, topics []string, handler Handler, logger *zap.Logger) *Consumer {
	return &Consumer{
		group:          group,
		topics:         topics,
		handler:        handler,
		logger:         logger,
		redeliverDelay: 5 * time.Second,
	}
}

// Run consumes until ctx is cancelled, rejoining the group after every rebalance.
func (c *Consumer) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.logger.Error("kafka consumer error", zap.Error(err))
		}
	}()

	c.logger.Info("kafka consumer started", zap.Strings("topics", c.topics))

	for {
		if err := c.group.Consume(ctx, c.topics, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error("kafka consume failed", zap.Error(err))
			if err := retry.Sleep(ctx, time.Second); err != nil {
				return nil
			}
		}
		if ctx.Err() != nil {
			c.logger.Info("kafka consumer stopped")
			return nil
		}
	}
}

func (c *Consumer) Close() error {
	return c.group.Close()
}

func (c *Consumer) Setup(session sarama.ConsumerGroupSession) error {
	c.logger.Info("kafka partitions assigned",
		zap.String("member_id", session.MemberID()),
		zap.Any("claims", session.Claims()),
	)
	return nil
}

func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim hands messages to the handler in partition order. An offset is
// marked only after the handler accepts the message.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !c.deliver(ctx, raw) {
				return nil
			}
			session.MarkMessage(raw, "")
		}
	}
}

// deliver retries until the handler accepts the message. It returns false
// when the session ends first.
func (c *Consumer) deliver(ctx context.Context, raw *sarama.ConsumerMessage) bool {
	msg := toMessage(raw)
	for {
		err := c.handler.Handle(ctx, msg)
		if err == nil {
			return true
		}
		c.logger.Warn("message not acknowledged, redelivering",
			zap.String("topic", msg.Topic),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		if err := retry.Sleep(ctx, c.redeliverDelay); err != nil {
			return false
		}
	}
}

func toMessage(raw *sarama.ConsumerMessage) events.Message {
	headers := make(map[string]string, len(raw.Headers))
	for _, h := range raw.Headers {
		if h == nil {
			continue
		}
		headers[string(h.Key)] = string(h.Value)
	}
	return events.Message{
		Topic:   raw.Topic,
		Key:     string(raw.Key),
		Payload: raw.Value,
		Headers: headers,
		ID:      fmt.Sprintf("%s/%d/%d", raw.Topic, raw.Partition, raw.Offset),
	}
}

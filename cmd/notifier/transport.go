package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/deadletter"
	"github.com/lalithlochan/courier/internal/events"
	"github.com/lalithlochan/courier/internal/kafka"
	"github.com/lalithlochan/courier/internal/sqs"
	"github.com/lalithlochan/courier/internal/worker"
)

type replayPublisher interface {
	deadletter.Publisher
	Close() error
}

type consumer interface {
	Run(ctx context.Context) error
	Close() error
}

// nopCloser adapts the SQS producer, which holds no connection of its own.
type nopCloser struct{ *sqs.Producer }

func (nopCloser) Close() error { return nil }

type sqsConsumer struct{ w *worker.Worker }

func (c sqsConsumer) Run(ctx context.Context) error {
	c.w.Start(ctx)
	return nil
}

func (sqsConsumer) Close() error { return nil }

// newReplayPublisher returns a producer on the transport the consumer reads,
// so replayed events come back through the normal intake path.
func newReplayPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (replayPublisher, error) {
	if cfg.Broker.Kind == "sqs" {
		p, err := sqs.NewProducer(ctx, sqs.Config{Region: cfg.Broker.SQSRegion, QueueURL: cfg.Broker.SQSQueueURL}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create sqs producer: %w", err)
		}
		return nopCloser{p}, nil
	}

	p, err := kafka.NewProducer(cfg.Broker.KafkaBrokers, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return p, nil
}

func newConsumer(ctx context.Context, cfg *config.Config, router *events.Router, processor *events.Processor, logger *zap.Logger) (consumer, error) {
	if cfg.Broker.Kind == "sqs" {
		q, err := sqs.NewConsumer(ctx, sqs.Config{Region: cfg.Broker.SQSRegion, QueueURL: cfg.Broker.SQSQueueURL}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create sqs consumer: %w", err)
		}
		return sqsConsumer{w: worker.New(q, processor, worker.Config{Workers: cfg.Broker.SQSWorkers}, logger)}, nil
	}

	topics := cfg.Broker.KafkaTopics
	if len(topics) == 0 {
		topics = router.Topics()
	}
	c, err := kafka.NewConsumer(cfg.Broker.KafkaBrokers, cfg.Broker.KafkaGroupID, topics, processor, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	return c, nil
}

// Package worker runs a pool of SQS pollers feeding the event processor.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/events"
	"github.com/lalithlochan/courier/internal/sqs"
)

type Queue interface {
	Receive(ctx context.Context, max int32) ([]sqs.Received, error)
	DeleteMessage(ctx context.Context, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error
}

type Handler interface {
	Handle(ctx context.Context, msg events.Message) error
}

type Worker struct {
	queue   Queue
	handler Handler
	config  Config
	logger  *zap.Logger
}

type Config struct {
	Workers     int
	MaxMessages int32
	// Visibility timeout applied to a rejected message so it comes back sooner.
	RetryVisibility time.Duration
	// Pause after a failed receive.
	ErrorBackoff time.Duration
}

func New(queue Queue, handler Handler, cfg Config, logger *zap.Logger) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	if cfg.RetryVisibility == 0 {
		cfg.RetryVisibility = 30 * time.Second
	}
	if cfg.ErrorBackoff == 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}

	return &Worker{
		queue:   queue,
		handler: handler,
		config:  cfg,
		logger:  logger,
	}
}

// Start blocks until ctx is cancelled and every poller has returned.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("sqs workers starting", zap.Int("workers", w.config.Workers))

	var wg sync.WaitGroup
	for i := 0; i < w.config.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.poll(ctx, id)
		}(i)
	}
	wg.Wait()

	w.logger.Info("sqs workers stopped")
}

func (w *Worker) poll(ctx context.Context, id int) {
	logger := w.logger.With(zap.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}

		batch, err := w.queue.Receive(ctx, w.config.MaxMessages)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to receive messages", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.config.ErrorBackoff):
			}
			continue
		}

		for _, rcv := range batch {
			w.process(ctx, logger, rcv)
		}
	}
}

func (w *Worker) process(ctx context.Context, logger *zap.Logger, rcv sqs.Received) {
	if err := w.handler.Handle(ctx, rcv.Message); err != nil {
		logger.Warn("message not acknowledged",
			zap.String("topic", rcv.Message.Topic),
			zap.String("message_id", rcv.Message.ID),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			return
		}
		seconds := int32(w.config.RetryVisibility / time.Second)
		if err := w.queue.ChangeVisibility(ctx, rcv.ReceiptHandle, seconds); err != nil {
			logger.Error("failed to change message visibility", zap.Error(err))
		}
		return
	}

	if err := w.queue.DeleteMessage(ctx, rcv.ReceiptHandle); err != nil {
		// The message will be redelivered; dedup absorbs it.
		logger.Error("failed to delete message",
			zap.String("message_id", rcv.Message.ID),
			zap.Error(err),
		)
	}
}

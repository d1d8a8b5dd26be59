package provider

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/domain"
)

// LogSender is a simple sender that logs notifications (for testing/development)
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(ctx context.Context, n *domain.Notification) (*domain.Receipt, error) {
	s.logger.Info("logging notification (development mode)",
		zap.String("notification_id", n.ID.String()),
		zap.String("type", string(n.Type)),
		zap.String("recipient", n.Recipient.Value),
		zap.String("subject", n.Subject),
		zap.String("content", n.Content),
	)
	return &domain.Receipt{Provider: s.Name(), MessageID: "log-" + uuid.NewString()}, nil
}

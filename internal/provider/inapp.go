package provider

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/domain"
	"github.com/lalithlochan/courier/internal/redis"
)

type inboxWriter interface {
	Push(ctx context.Context, userID string, msg redis.InboxMessage) (int64, error)
}

// InAppSender writes notifications into the recipient's Redis inbox.
type InAppSender struct {
	inbox  inboxWriter
	logger *zap.Logger
}

func NewInAppSender(inbox *redis.Inbox, logger *zap.Logger) *InAppSender {
	return &InAppSender{inbox: inbox, logger: logger}
}

func (s *InAppSender) Name() string { return "inapp" }

// Send stores the message. The recipient value is the user id.
func (s *InAppSender) Send(ctx context.Context, n *domain.Notification) (*domain.Receipt, error) {
	if n.Type != domain.TypeInApp {
		return nil, wrongType(s.Name(), domain.TypeInApp, n.Type)
	}

	msg := redis.InboxMessage{
		ID:             uuid.NewString(),
		NotificationID: n.ID.String(),
		Subject:        n.Subject,
		Content:        n.Content,
		Priority:       string(n.Priority),
		CreatedAt:      n.CreatedAt,
	}

	listeners, err := s.inbox.Push(ctx, n.Recipient.Value, msg)
	if err != nil {
		return nil, fmt.Errorf("in-app push failed: %w", err)
	}

	s.logger.Info("in-app notification stored",
		zap.String("notification_id", n.ID.String()),
		zap.String("user_id", n.Recipient.Value),
		zap.Int64("live_listeners", listeners),
	)

	return &domain.Receipt{Provider: s.Name(), MessageID: msg.ID}, nil
}

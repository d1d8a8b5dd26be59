package provider

import (
	"context"
	"fmt"

	"github.com/mrz1836/postmark"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/domain"
	"github.com/lalithlochan/courier/internal/retry"
)

type postmarkAPI interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

// PostmarkConfig configures the Postmark email sender.
type PostmarkConfig struct {
	ServerToken  string
	AccountToken string
	FromEmail    string
	ReplyTo      string
}

// Postmark API error codes that will not succeed on retry.
// https://postmarkapp.com/developer/api/overview#error-codes
var postmarkPermanentCodes = map[int64]string{
	10:  "bad or missing api token",
	300: "invalid email request",
	400: "sender signature not found",
	401: "sender signature not confirmed",
	406: "inactive recipient",
	412: "account pending approval",
}

// PostmarkSender sends email through Postmark's transactional API.
type PostmarkSender struct {
	client postmarkAPI
	cfg    PostmarkConfig
	logger *zap.Logger
}

// NewPostmarkSender validates cfg and builds a client.
func NewPostmarkSender(cfg PostmarkConfig, logger *zap.Logger) (*PostmarkSender, error) {
	if cfg.ServerToken == "" {
		return nil, fmt.Errorf("postmark sender requires a server token")
	}
	if cfg.FromEmail == "" {
		return nil, fmt.Errorf("postmark sender requires a from address")
	}
	return newPostmarkSender(postmark.NewClient(cfg.ServerToken, cfg.AccountToken), cfg, logger), nil
}

func newPostmarkSender(client postmarkAPI, cfg PostmarkConfig, logger *zap.Logger) *PostmarkSender {
	return &PostmarkSender{client: client, cfg: cfg, logger: logger}
}

func (s *PostmarkSender) Name() string { return "postmark" }

// Send delivers a plain-text email. Tags carry the originating event type.
func (s *PostmarkSender) Send(ctx context.Context, n *domain.Notification) (*domain.Receipt, error) {
	if n.Type != domain.TypeEmail {
		return nil, wrongType(s.Name(), domain.TypeEmail, n.Type)
	}

	resp, err := s.client.SendEmail(ctx, postmark.Email{
		From:     s.cfg.FromEmail,
		ReplyTo:  s.cfg.ReplyTo,
		To:       n.Recipient.Value,
		Subject:  n.Subject,
		Tag:      n.EventType,
		TextBody: n.Content,
	})
	if err != nil {
		return nil, fmt.Errorf("postmark send failed: %w", err)
	}
	if code := int64(resp.ErrorCode); code > 0 {
		apiErr := fmt.Errorf("postmark error %d: %s", code, resp.Message)
		if _, ok := postmarkPermanentCodes[code]; ok {
			return nil, retry.Permanent(apiErr)
		}
		return nil, apiErr
	}

	s.logger.Info("email sent via Postmark",
		zap.String("notification_id", n.ID.String()),
		zap.String("message_id", resp.MessageID),
	)

	return &domain.Receipt{Provider: s.Name(), MessageID: resp.MessageID}, nil
}

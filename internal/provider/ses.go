package provider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/domain"
)

type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESConfig configures the SES email sender.
type SESConfig struct {
	Region           string
	FromEmail        string
	ReplyTo          string
	ConfigurationSet string
}

// SESSender sends email through AWS SES.
type SESSender struct {
	client sesAPI
	cfg    SESConfig
	logger *zap.Logger
}

// NewSESSender loads the default AWS credential chain for cfg.Region.
func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	if cfg.FromEmail == "" {
		return nil, fmt.Errorf("ses sender requires a from address")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}

	return newSESSender(ses.NewFromConfig(awsCfg), cfg, logger), nil
}

func newSESSender(client sesAPI, cfg SESConfig, logger *zap.Logger) *SESSender {
	return &SESSender{client: client, cfg: cfg, logger: logger}
}

func (s *SESSender) Name() string { return "ses" }

// Send sends an email notification via AWS SES
func (s *SESSender) Send(ctx context.Context, n *domain.Notification) (*domain.Receipt, error) {
	if n.Type != domain.TypeEmail {
		return nil, wrongType(s.Name(), domain.TypeEmail, n.Type)
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.cfg.FromEmail),
		Destination: &types.Destination{
			ToAddresses: []string{n.Recipient.Value},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(n.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(n.Content),
					Charset: aws.String("UTF-8"),
				},
			},
		},
		Tags: []types.MessageTag{
			{Name: aws.String("notification_id"), Value: aws.String(n.ID.String())},
		},
	}
	if s.cfg.ReplyTo != "" {
		input.ReplyToAddresses = []string{s.cfg.ReplyTo}
	}
	if s.cfg.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(s.cfg.ConfigurationSet)
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("ses send failed: %w", err)
	}

	messageID := aws.ToString(result.MessageId)
	s.logger.Info("email sent via SES",
		zap.String("notification_id", n.ID.String()),
		zap.String("message_id", messageID),
	)

	return &domain.Receipt{Provider: s.Name(), MessageID: messageID}, nil
}

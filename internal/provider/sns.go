package provider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/domain"
)

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSConfig configures the SMS sender.
type SNSConfig struct {
	Region   string
	SenderID string
}

// SNSSender sends SMS notifications via AWS SNS
type SNSSender struct {
	client snsAPI
	cfg    SNSConfig
	logger *zap.Logger
}

// NewSNSSender creates a new SNS sender for SMS notifications
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return newSNSSender(sns.NewFromConfig(awsCfg), cfg, logger), nil
}

func newSNSSender(client snsAPI, cfg SNSConfig, logger *zap.Logger) *SNSSender {
	return &SNSSender{client: client, cfg: cfg, logger: logger}
}

func (s *SNSSender) Name() string { return "sns" }

// Send publishes a transactional SMS to the recipient's E.164 number.
func (s *SNSSender) Send(ctx context.Context, n *domain.Notification) (*domain.Receipt, error) {
	if n.Type != domain.TypeSMS {
		return nil, wrongType(s.Name(), domain.TypeSMS, n.Type)
	}

	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String("Transactional"),
		},
	}
	if s.cfg.SenderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(s.cfg.SenderID),
		}
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(n.Recipient.Value),
		Message:           aws.String(n.Content),
		MessageAttributes: attrs,
	})
	if err != nil {
		return nil, fmt.Errorf("sns publish failed: %w", err)
	}

	messageID := aws.ToString(result.MessageId)
	s.logger.Info("SMS sent via SNS",
		zap.String("notification_id", n.ID.String()),
		zap.String("message_id", messageID),
	)

	return &domain.Receipt{Provider: s.Name(), MessageID: messageID}, nil
}

package sqs

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/events"
)

// The message body is the event payload, untouched. Topic, key and
// transport headers travel as message attributes.
const (
	attrTopic = "topic"
	attrKey   = "key"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

type api interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

func newClient(ctx context.Context, region string) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

// Producer publishes events onto the queue.
type Producer struct {
	client   api
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	client, err := newClient(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

func stringAttr(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

// Publish sends payload to the queue tagged with its topic.
func (p *Producer) Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error {
	attrs := map[string]types.MessageAttributeValue{
		attrTopic: stringAttr(topic),
	}
	if key != "" {
		attrs[attrKey] = stringAttr(key)
	}
	for k, v := range headers {
		attrs[k] = stringAttr(v)
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(p.queueURL),
		MessageBody:       aws.String(string(payload)),
		MessageAttributes: attrs,
	})
	if err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("topic", topic),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Info("message published",
		zap.String("topic", topic),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// Received is a message together with the handle needed to delete it.
type Received struct {
	Message       events.Message
	ReceiptHandle string
}

// Consumer reads events from SQS.
type Consumer struct {
	client   api
	queueURL string
	logger   *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	client, err := newClient(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Receive long-polls for up to max messages. Messages without a topic
// attribute keep Topic empty; the router dead-letters them as unknown.
func (c *Consumer) Receive(ctx context.Context, max int32) ([]Received, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.queueURL),
		MaxNumberOfMessages:   max,
		WaitTimeSeconds:       20,
		VisibilityTimeout:     60,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	out := make([]Received, 0, len(result.Messages))
	for _, m := range result.Messages {
		msg := events.Message{
			Payload: []byte(aws.ToString(m.Body)),
			Headers: map[string]string{},
			ID:      aws.ToString(m.MessageId),
		}
		for name, attr := range m.MessageAttributes {
			v := aws.ToString(attr.StringValue)
			switch name {
			case attrTopic:
				msg.Topic = v
			case attrKey:
				msg.Key = v
			default:
				msg.Headers[name] = v
			}
		}
		out = append(out, Received{Message: msg, ReceiptHandle: aws.ToString(m.ReceiptHandle)})
	}
	return out, nil
}

// DeleteMessage removes a message from SQS after successful processing.
func (c *Consumer) DeleteMessage(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	_, err := c.client.DeleteMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}

// ChangeVisibility sets when an unacknowledged message becomes visible again.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	input := &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	}

	_, err := c.client.ChangeMessageVisibility(ctx, input)
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}

	return nil
}

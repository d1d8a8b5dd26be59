// Package sns fans notification lifecycle events out to an SNS topic.
package sns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/lalithlochan/courier/internal/domain"
)

// MaxBatch is the SNS PublishBatch entry limit.
const MaxBatch = 10

var ErrBatchTooLarge = errors.New("batch size exceeds SNS limit of 10")

type api interface {
	PublishBatch(ctx context.Context, params *sns.PublishBatchInput, optFns ...func(*sns.Options)) (*sns.PublishBatchOutput, error)
}

// Publisher handles SNS topic publishing of outbox events
type Publisher struct {
	client   api
	topicARN string
}

// Envelope is the JSON body subscribers receive.
type Envelope struct {
	EventID     string          `json:"eventId"`
	EventType   string          `json:"eventType"`
	AggregateID string          `json:"aggregateId"`
	OccurredAt  string          `json:"occurredAt"`
	Data        json.RawMessage `json:"data"`
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, topicARN string, optFns ...func(*config.LoadOptions) error) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Publisher{
		client:   sns.NewFromConfig(cfg),
		topicARN: topicARN,
	}, nil
}

// NewPublisherWithEndpoint creates a publisher with custom endpoint (for LocalStack)
func NewPublisherWithEndpoint(ctx context.Context, topicARN, endpoint, region string) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &Publisher{
		client:   client,
		topicARN: topicARN,
	}, nil
}

func envelope(ev *domain.OutboxEvent) (string, error) {
	data := ev.EventData
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	payload, err := json.Marshal(Envelope{
		EventID:     ev.EventID.String(),
		EventType:   ev.EventType,
		AggregateID: ev.AggregateID.String(),
		OccurredAt:  ev.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Data:        data,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal outbox event %s: %w", ev.EventID, err)
	}
	return string(payload), nil
}

func attributes(ev *domain.OutboxEvent) map[string]types.MessageAttributeValue {
	return map[string]types.MessageAttributeValue{
		"event_type": {
			DataType:    aws.String("String"),
			StringValue: aws.String(ev.EventType),
		},
		"aggregate_id": {
			DataType:    aws.String("String"),
			StringValue: aws.String(ev.AggregateID.String()),
		},
	}
}

// PublishBatch sends up to MaxBatch events in one call. It returns the IDs of
// the events SNS rejected; a non-nil error means the whole call failed.
func (p *Publisher) PublishBatch(ctx context.Context, evs []*domain.OutboxEvent) (failed []string, err error) {
	if len(evs) == 0 {
		return nil, nil
	}
	if len(evs) > MaxBatch {
		return nil, ErrBatchTooLarge
	}

	entries := make([]types.PublishBatchRequestEntry, len(evs))
	for i, ev := range evs {
		body, err := envelope(ev)
		if err != nil {
			return nil, err
		}
		entries[i] = types.PublishBatchRequestEntry{
			Id:                aws.String(ev.EventID.String()),
			Message:           aws.String(body),
			MessageAttributes: attributes(ev),
		}
	}

	result, err := p.client.PublishBatch(ctx, &sns.PublishBatchInput{
		TopicArn:                   aws.String(p.topicARN),
		PublishBatchRequestEntries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish batch to SNS: %w", err)
	}

	for _, f := range result.Failed {
		failed = append(failed, aws.ToString(f.Id))
	}
	return failed, nil
}

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultProcessedTTL matches the time-window dedup horizon.
const DefaultProcessedTTL = time.Hour

// ProcessedRecord is the cached outcome of an event that already went through
// delivery.
type ProcessedRecord struct {
	NotificationID string `json:"notification_id"`
	Status         string `json:"status"`
	ProcessedAt    int64  `json:"processed_at"`
}

// ProcessedKey builds the cache key for an event outcome. Events carrying an
// explicit idempotency key are keyed by it alone.
func ProcessedKey(eventType, recipient, idempotencyKey string) string {
	if idempotencyKey != "" {
		return fmt.Sprintf("processed:key:%s", idempotencyKey)
	}
	return fmt.Sprintf("processed:%s:%s", eventType, recipient)
}

// ProcessedCache is the fast path in front of the notification store's
// duplicate lookup.
type ProcessedCache struct {
	client *Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewProcessedCache creates a cache. ttl <= 0 uses DefaultProcessedTTL.
func NewProcessedCache(client *Client, ttl time.Duration, logger *zap.Logger) *ProcessedCache {
	if ttl <= 0 {
		ttl = DefaultProcessedTTL
	}
	return &ProcessedCache{client: client, ttl: ttl, logger: logger}
}

// Get returns (nil, nil) when key is not cached.
func (c *ProcessedCache) Get(ctx context.Context, key string) (*ProcessedRecord, error) {
	val, err := c.client.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var rec ProcessedRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		c.logger.Error("failed to unmarshal processed record",
			zap.String("key", key),
			zap.Error(err),
		)
		return nil, fmt.Errorf("invalid cached record: %w", err)
	}

	c.logger.Debug("processed cache hit",
		zap.String("key", key),
		zap.String("notification_id", rec.NotificationID),
	)
	return &rec, nil
}

// Mark stores rec under key for the cache TTL.
func (c *ProcessedCache) Mark(ctx context.Context, key string, rec ProcessedRecord) error {
	if rec.ProcessedAt == 0 {
		rec.ProcessedAt = time.Now().Unix()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal processed record: %w", err)
	}

	if err := c.client.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

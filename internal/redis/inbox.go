package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const defaultInboxSize = 100

// InboxMessage is one entry in a user's in-app inbox.
type InboxMessage struct {
	ID             string    `json:"id"`
	NotificationID string    `json:"notification_id"`
	Subject        string    `json:"subject,omitempty"`
	Content        string    `json:"content"`
	Priority       string    `json:"priority"`
	CreatedAt      time.Time `json:"created_at"`
}

// InboxKey is both the list key and the pub/sub channel for a user.
func InboxKey(userID string) string {
	return "inapp:" + userID
}

// Inbox stores in-app notifications as a capped per-user list and announces
// each one on a pub/sub channel for connected clients.
type Inbox struct {
	client  *Client
	maxSize int64
}

// NewInbox creates an inbox keeping at most maxSize entries per user.
func NewInbox(client *Client, maxSize int) *Inbox {
	if maxSize <= 0 {
		maxSize = defaultInboxSize
	}
	return &Inbox{client: client, maxSize: int64(maxSize)}
}

// Push prepends msg to the user's inbox and publishes it. It returns the
// number of live subscribers that received the message.
func (i *Inbox) Push(ctx context.Context, userID string, msg InboxMessage) (int64, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal inbox message: %w", err)
	}

	key := InboxKey(userID)
	pipe := i.client.rdb.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, i.maxSize-1)
	published := pipe.Publish(ctx, key, data)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis inbox push failed: %w", err)
	}
	return published.Val(), nil
}

// List returns up to limit of the newest messages.
func (i *Inbox) List(ctx context.Context, userID string, limit int) ([]InboxMessage, error) {
	if limit <= 0 || int64(limit) > i.maxSize {
		limit = int(i.maxSize)
	}

	raw, err := i.client.rdb.LRange(ctx, InboxKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis inbox range failed: %w", err)
	}

	out := make([]InboxMessage, 0, len(raw))
	for _, r := range raw {
		var m InboxMessage
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("invalid inbox entry: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

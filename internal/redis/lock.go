package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultLockTTL bounds how long a crashed consumer can block an event.
const DefaultLockTTL = 300 * time.Second

// ErrLockNotHeld is returned by Release when the key expired or was taken over.
var ErrLockNotHeld = errors.New("lock not held")

// releaseScript deletes the key only while it still holds our token, so a
// consumer whose lock expired cannot release a lock someone else now owns.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LockKey builds the lock key for an event. An explicit idempotency key
// scopes the lock to that key; otherwise it is scoped to the recipient.
func LockKey(eventType, recipient, idempotencyKey string) string {
	if idempotencyKey != "" {
		return fmt.Sprintf("lock:%s:key:%s", eventType, idempotencyKey)
	}
	return fmt.Sprintf("lock:%s:%s", eventType, recipient)
}

// Locker hands out short-lived mutual exclusion across consumer processes.
type Locker struct {
	client *Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewLocker creates a Locker. ttl <= 0 uses DefaultLockTTL.
func NewLocker(client *Client, ttl time.Duration, logger *zap.Logger) *Locker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Locker{client: client, ttl: ttl, logger: logger}
}

// Lock is a held lock. Release it exactly once.
type Lock struct {
	key    string
	token  string
	client *Client
	logger *zap.Logger
}

// Key returns the Redis key guarded by the lock.
func (l *Lock) Key() string { return l.key }

// Acquire tries SET key token NX PX ttl. It returns (nil, nil) when another
// holder already owns the key.
func (lk *Locker) Acquire(ctx context.Context, key string) (*Lock, error) {
	token := uuid.NewString()

	ok, err := lk.client.rdb.SetNX(ctx, key, token, lk.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		lk.logger.Debug("lock held elsewhere", zap.String("key", key))
		return nil, nil
	}

	return &Lock{key: key, token: token, client: lk.client, logger: lk.logger}, nil
}

// Release removes the lock if this holder still owns it.
func (l *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client.rdb, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("redis lock release failed: %w", err)
	}
	if n == 0 {
		l.logger.Warn("lock expired before release", zap.String("key", l.key))
		return ErrLockNotHeld
	}
	return nil
}

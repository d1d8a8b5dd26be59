// Package retry decides whether a failed provider call is worth repeating
// and how long to wait before the next attempt.
package retry

import (
	"context"
	"time"
)

// Policy is an exponential backoff schedule.
//
// With the defaults the waits are 1s, 2s, 4s: Delay(n) is the wait after
// the n-th failed attempt. A Do loop with MaxAttempts=3 makes three calls
// and therefore sleeps Delay(1) and Delay(2) between them.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultPolicy returns 3 attempts starting at 1s and doubling.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	return p
}

// Delay returns the wait after the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}

	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if p.MaxDelay > 0 && time.Duration(d) >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return time.Duration(d)
}

// Attempts returns the normalized attempt budget.
func (p Policy) Attempts() int {
	return p.normalized().MaxAttempts
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it succeeds, returns an error that is not Retryable, or
// the attempt budget is spent. It returns the number of attempts made and
// the last error.
func Do(ctx context.Context, p Policy, sleep func(context.Context, time.Duration) error, fn func(ctx context.Context, attempt int) error) (int, error) {
	if sleep == nil {
		sleep = Sleep
	}
	p = p.normalized()

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if Classify(err) != ClassRetryable || attempt == p.MaxAttempts {
			return attempt, err
		}
		if serr := sleep(ctx, p.Delay(attempt)); serr != nil {
			return attempt, err
		}
	}
	return p.MaxAttempts, err
}

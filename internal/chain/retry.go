package chain

import (
	"context"
	"errors"
	"time"
)

// Policy is the retry schedule applied at the gateway call boundary.
// Decide is a pure function of (attempt, error) so the schedule is testable
// without real delays.
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultPolicy matches the upstream provider's observed throttling behavior.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  30 * time.Second,
	}
}

// Decide returns whether a failed call should be retried and after what
// delay. attempt is 1-based: the first failed call passes attempt=1.
// A rate-limit error's advertised retry-after takes precedence over the
// exponential schedule.
func (p Policy) Decide(attempt int, err error) (bool, time.Duration) {
	if attempt >= p.MaxAttempts || !IsRetryable(err) {
		return false, 0
	}

	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return true, rl.RetryAfter
	}

	delay := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxBackoff {
			return true, p.MaxBackoff
		}
	}
	if delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}
	return true, delay
}

// SleepFunc waits for a retry delay. Tests inject a manual implementation.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RealSleep honours ctx while waiting.
func RealSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package llmclient

import (
	"context"
	"time"
)

// Clock abstracts time so the blocking waits of the rate limiter and the
// overload retry loop can be unit-tested without real timers.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// realClock is the production clock.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
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

// BackoffPolicy is the retry policy value object: a fixed delay sequence
// plus a classifier for which errors are worth another attempt. Attempt
// count is len(Delays)+1.
type BackoffPolicy struct {
	Delays    []time.Duration
	Retryable func(err error) bool
}

// OverloadBackoff returns the policy for provider overload: two retries at
// 30s and 60s, then give up.
func OverloadBackoff() BackoffPolicy {
	return BackoffPolicy{
		Delays:    []time.Duration{30 * time.Second, 60 * time.Second},
		Retryable: IsOverloaded,
	}
}

// MaxAttempts is the total number of call attempts the policy allows.
func (p BackoffPolicy) MaxAttempts() int { return len(p.Delays) + 1 }

// Delay returns the wait before the given retry (1-based).
func (p BackoffPolicy) Delay(retry int) time.Duration {
	if retry < 1 || retry > len(p.Delays) {
		return 0
	}
	return p.Delays[retry-1]
}

// IsOverloaded reports whether the error is the provider's over-capacity
// signal, distinct from a hard rate-limit rejection.
func IsOverloaded(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Code == ErrOverloaded
}

// IsRateLimited reports whether the error is a hard rate-limit rejection.
func IsRateLimited(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Code == ErrRateLimited
}

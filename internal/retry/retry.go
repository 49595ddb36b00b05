// Package retry provides the retry policy value object attached to operation
// call sites: a bounded attempt count, a delay function, and a retryable
// predicate, decoupled from any error taxonomy.
package retry

import (
	"context"
	"math/rand"
	"time"

	"tiersync/internal/platform"
)

type Policy struct {
	MaxAttempts int
	Delay       func(attempt int, err error) time.Duration
	Retryable   func(err error) bool
}

// Do runs fn until it succeeds, the policy is exhausted, the error is not
// retryable, or the context is cancelled. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		delay := time.Duration(0)
		if p.Delay != nil {
			delay = p.Delay(attempt, lastErr)
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}

// Transient retries temporary platform errors with attempt-scaled delay,
// honoring a reported rate-limit reset when one is present.
func Transient(maxAttempts int, baseDelay time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		Retryable:   platform.IsTemporary,
		Delay: func(attempt int, err error) time.Duration {
			if reset := platform.RetryAfter(err); reset > 0 {
				return reset
			}
			return time.Duration(attempt) * baseDelay
		},
	}
}

// Deadlock retries with a short random delay, the usual treatment for
// lock-contention class store errors.
func Deadlock(maxAttempts int, maxJitter time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		Retryable:   func(error) bool { return true },
		Delay: func(int, error) time.Duration {
			if maxJitter <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(maxJitter)))
		},
	}
}

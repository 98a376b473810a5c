// Package retry re-runs an operation with exponential backoff while it fails
// with a transient error.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts int           // Maximum number of attempts, including the first
	InitialWait time.Duration // Wait before the second attempt, doubled each retry
	MaxWait     time.Duration // Upper bound for the wait between attempts
}

// DefaultConfig suits short key-contention windows.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		InitialWait: 5 * time.Millisecond,
		MaxWait:     200 * time.Millisecond,
	}
}

// Policy decides which errors are worth another attempt. OnRetry, if set,
// is called before each wait.
type Policy struct {
	Retryable func(error) bool
	OnRetry   func(attempt int, err error)
	Config
}

// Do executes operation until it succeeds, fails with a non-retryable
// error, the attempts run out, or ctx is done.
func Do[T any](ctx context.Context, p Policy, operation func() (T, error)) (T, error) {
	var result T
	var err error

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	wait := p.InitialWait

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err = operation()
		if err == nil {
			return result, nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return result, err
		}
		if attempt == attempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}

		wait *= 2
		if p.MaxWait > 0 && wait > p.MaxWait {
			wait = p.MaxWait
		}
	}

	return result, fmt.Errorf("max retries exceeded (%d attempts): %w", attempts, err)
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, operation func() error) error {
	_, err := Do(ctx, p, func() (struct{}, error) {
		return struct{}{}, operation()
	})
	return err
}

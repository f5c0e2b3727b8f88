// Package utils provides utility functions for the application.
package utils

import (
	"context"
	"time"
)

// BackoffPolicy is an explicit, reusable retry policy: max attempts, a
// base delay, a multiplier, and a cap. The same value object drives both
// ingestion batch retries (constant delay, multiplier 1) and scheduler
// lookups (exponential), so the policy is testable in isolation from I/O.
type BackoffPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// Delay returns how long to wait before retry attempt n (1-indexed).
// Attempt 1 is the first retry after the initial failure.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		if p.Multiplier > 0 {
			d *= p.Multiplier
		}
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Do runs fn up to MaxAttempts times, sleeping Delay(n) between
// attempts. It stops early when ctx is done or shouldRetry rejects the
// error. A nil shouldRetry retries every error. The last error is
// returned after exhaustion.
func (p BackoffPolicy) Do(ctx context.Context, shouldRetry func(error) bool, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

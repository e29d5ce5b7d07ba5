// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package provider

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// =============================================================================
// Retry Policy
// =============================================================================

// RetryPolicy bounds how transient backend failures are repeated.
type RetryPolicy struct {
	// Attempts is the number of retries after the first try.
	// Default: 3
	Attempts int

	// Backoff is the delay before the first retry.
	// Default: 100ms
	Backoff time.Duration

	// MaxBackoff caps the exponential growth.
	// Default: 5s
	MaxBackoff time.Duration

	// Jitter randomizes each delay (0.0-1.0).
	// Default: 0.25 (±25%)
	Jitter float64
}

// DefaultRetryPolicy returns sensible defaults for production use.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:   3,
		Backoff:    100 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
		Jitter:     0.25,
	}
}

// withDefaults fills zero fields with defaults.
func (p RetryPolicy) withDefaults() RetryPolicy {
	defaults := DefaultRetryPolicy()
	if p.Attempts == 0 {
		p.Attempts = defaults.Attempts
	}
	if p.Backoff == 0 {
		p.Backoff = defaults.Backoff
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = defaults.MaxBackoff
	}
	if p.Jitter == 0 {
		p.Jitter = defaults.Jitter
	}
	return p
}

// delay returns the backoff with jitter for the given retry attempt.
func (p RetryPolicy) delay(attempt int) time.Duration {
	backoff := p.Backoff * time.Duration(1<<attempt)
	if backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}

	jitterRange := float64(backoff) * p.Jitter
	jitter := (rand.Float64()*2 - 1) * jitterRange
	backoff = time.Duration(float64(backoff) + jitter)

	if backoff < 0 {
		backoff = p.Backoff
	}
	return backoff
}

// retryDo runs fn, repeating it while the failure is transient.
//
// The first failure that is permanent, or exhausting the attempt budget,
// returns the last error. Context cancellation during a backoff wait
// returns the context error.
func retryDo(ctx context.Context, policy RetryPolicy, logger *slog.Logger, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= policy.Attempts; attempt++ {
		if attempt > 0 {
			backoff := policy.delay(attempt)
			logger.Debug("retrying backend call",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			break
		}
	}
	return lastErr
}

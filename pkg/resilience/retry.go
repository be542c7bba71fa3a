// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jllopis/handoff/pkg/errors"
)

// RetryConfig is exponential backoff with jitter. Only errors accepted by
// IsRecoverable, errors.IsRecoverable when nil, are retried.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Multiplier grows the delay between attempts. Zero means 2.
	Multiplier float64
	// Jitter spreads each delay by up to ±Jitter of its value.
	Jitter        float64
	IsRecoverable func(error) bool
	// OnRetry runs before every attempt but the first, with the attempt
	// number about to start.
	OnRetry func(attempt int, lastErr error)
}

// DefaultRetryConfig returns the retry policy used for capability calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// WithMaxAttempts returns a new config with MaxAttempts set.
func (rc RetryConfig) WithMaxAttempts(max int) RetryConfig {
	rc.MaxAttempts = max
	return rc
}

// WithInitialDelay returns a new config with InitialDelay set.
func (rc RetryConfig) WithInitialDelay(d time.Duration) RetryConfig {
	rc.InitialDelay = d
	return rc
}

// WithMaxDelay returns a new config with MaxDelay set.
func (rc RetryConfig) WithMaxDelay(d time.Duration) RetryConfig {
	rc.MaxDelay = d
	return rc
}

// WithIsRecoverable returns a new config with IsRecoverable set.
func (rc RetryConfig) WithIsRecoverable(fn func(error) bool) RetryConfig {
	rc.IsRecoverable = fn
	return rc
}

// WithOnRetry returns a new config with OnRetry set.
func (rc RetryConfig) WithOnRetry(fn func(attempt int, lastErr error)) RetryConfig {
	rc.OnRetry = fn
	return rc
}

// Do executes fn with retry logic, returning the last error if all attempts fail.
func (rc RetryConfig) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := Retry(ctx, rc, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Retry executes fn under rc and returns the first successful value.
// The returned attempt count is available through RetryAttempts.
func Retry[T any](ctx context.Context, rc RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	value, _, err := RetryAttempts(ctx, rc, fn)
	return value, err
}

// RetryAttempts is Retry that also reports how many attempts ran.
func RetryAttempts[T any](ctx context.Context, rc RetryConfig, fn func(context.Context) (T, error)) (T, int, error) {
	attempts := max(rc.MaxAttempts, 1)
	recoverable := rc.IsRecoverable
	if recoverable == nil {
		recoverable = errors.IsRecoverable
	}

	var zero T
	var lastErr error
	for n := 1; n <= attempts; n++ {
		if n > 1 {
			if rc.OnRetry != nil {
				rc.OnRetry(n, lastErr)
			}
			if err := sleep(ctx, rc.delay(n-1)); err != nil {
				return zero, n - 1, errors.New(errors.CodeCancelled, "context canceled during retry", err).
					WithContext("attempt", n-1).
					WithContext("max_attempts", attempts)
			}
		}
		value, err := fn(ctx)
		if err == nil {
			return value, n, nil
		}
		if !recoverable(err) {
			return zero, n, err
		}
		lastErr = err
	}
	return zero, attempts, lastErr
}

// delay is the pause before retry number retry, counting from 1.
func (rc RetryConfig) delay(retry int) time.Duration {
	multiplier := rc.Multiplier
	if multiplier == 0 {
		multiplier = 2
	}
	d := float64(rc.InitialDelay) * math.Pow(multiplier, float64(retry-1))
	if rc.MaxDelay > 0 {
		d = math.Min(d, float64(rc.MaxDelay))
	}
	if rc.Jitter > 0 {
		d += d * rc.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(math.Max(d, 0))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

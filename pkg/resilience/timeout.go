// SPDX-License-Identifier: Apache-2.0
// Package resilience provides timeout, retry and circuit breaker primitives
// used around every external call the orchestrator makes.
package resilience

import (
	"context"
	"time"

	"github.com/jllopis/handoff/pkg/errors"
)

// Timeout runs fn under a deadline of d and returns errors.CodeTimeout when
// the deadline fires first. fn receives the bounded context and should honor
// it; a zero or negative d only propagates ctx.
//
// A cancellation of the parent context is reported as CodeCancelled so
// callers can tell a cooperative stop from a slow collaborator.
func Timeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := fn(callCtx)
		done <- result{value, err}
	}()

	var zero T
	select {
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return zero, errors.New(errors.CodeCancelled, "operation cancelled", ctx.Err())
		}
		return zero, errors.New(errors.CodeTimeout, "operation exceeded timeout", callCtx.Err()).
			WithContext("timeout", d.String()).
			WithRecoverable(true)
	case res := <-done:
		return res.value, res.err
	}
}

// WithTimeout is Timeout for functions without a result.
func WithTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	_, err := Timeout(ctx, d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Cap returns d limited to ceiling. A zero ceiling leaves d unchanged and a
// zero d takes fallback.
func Cap(d, fallback, ceiling time.Duration) time.Duration {
	if d <= 0 {
		d = fallback
	}
	if ceiling > 0 && (d <= 0 || d > ceiling) {
		return ceiling
	}
	return d
}

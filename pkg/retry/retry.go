// Copyright 2024-2026 Aiku AI

// Package retry re-runs fallible operations with exponential backoff while
// a caller supplied predicate reports the failure as transient.
package retry

import (
	"context"
	"time"
)

// Policy controls how often and how long an operation is retried.
type Policy struct {
	// Attempts is the total number of calls, including the first one.
	Attempts int
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Multiplier grows the delay after every failed attempt.
	Multiplier float64
	// Max caps a single delay. Zero means no cap.
	Max time.Duration
}

// DefaultPolicy makes five attempts, waiting 500ms before the first retry
// and doubling the delay each time.
var DefaultPolicy = Policy{
	Attempts:   5,
	Initial:    500 * time.Millisecond,
	Multiplier: 2,
}

// ShouldRetry reports whether err is worth another attempt.
type ShouldRetry func(err error) bool

// Do calls op until it succeeds, shouldRetry rejects its error, the
// attempts run out or ctx is done. The last error from op is returned;
// a cancelled context while waiting returns the context error.
func Do(ctx context.Context, p Policy, shouldRetry ShouldRetry, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, shouldRetry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, shouldRetry ShouldRetry, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := max(p.Attempts, 1)
	delay := p.Initial
	for attempt := 1; ; attempt++ {
		val, err := op(ctx)
		if err == nil || attempt >= attempts || shouldRetry == nil || !shouldRetry(err) {
			return val, err
		}
		if err := sleep(ctx, delay); err != nil {
			var zero T
			return zero, err
		}
		delay = p.next(delay)
	}
}

func (p Policy) next(d time.Duration) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d = time.Duration(float64(d) * mult)
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
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

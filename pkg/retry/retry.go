// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

// Package retry runs a fallible operation a fixed number of times with a
// fixed delay between attempts. It has nothing to do with HTTP: qq retries
// filesystem and subprocess operations (an rsync that timed out, an ssh
// command that saw a transient refusal), not REST calls, so there is no
// status-code or backoff-curve awareness here — just tries and a wait.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/qqbatch/qq/pkg/logging"
)

// Retryer runs fn up to MaxTries times, waiting Wait between attempts,
// returning the first success or the last error annotated with the
// attempt count it exhausted on.
type Retryer[T any] struct {
	MaxTries int
	Wait     time.Duration
	Logger   logging.Logger
}

// New builds a Retryer with the given tries and fixed delay.
func New[T any](maxTries int, wait time.Duration) *Retryer[T] {
	return &Retryer[T]{MaxTries: maxTries, Wait: wait}
}

// Run executes fn, retrying on error until it succeeds, ctx is done, or
// MaxTries is exhausted. The last error is wrapped noting the attempt it
// failed on.
func (r *Retryer[T]) Run(ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	tries := r.MaxTries
	if tries < 1 {
		tries = 1
	}

	for attempt := 1; attempt <= tries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if attempt == tries {
			return zero, fmt.Errorf("%w (attempt %d of %d, attempts exhausted)", err, attempt, tries)
		}

		if r.Logger != nil {
			r.Logger.Warn("retrying after error",
				"error", err, "attempt", attempt, "max_tries", tries, "wait", r.Wait)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(r.Wait):
		}
	}

	return zero, lastErr
}

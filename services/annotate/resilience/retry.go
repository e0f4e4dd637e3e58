// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig configures exponential backoff with jitter.
type RetryConfig struct {
	// MaxAttempts includes the first attempt. Default 3.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" validate:"gte=1,lte=10"`

	// InitialBackoff is the wait before the first retry. Default 200ms.
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff" validate:"gt=0"`

	// MaxBackoff caps every wait. Default 5s.
	MaxBackoff time.Duration `yaml:"max_backoff" json:"max_backoff" validate:"gtefield=InitialBackoff"`

	// Multiplier grows the backoff after each retry. Default 2.
	Multiplier float64 `yaml:"multiplier" json:"multiplier" validate:"gte=1"`

	// Jitter is the maximum fraction (0-1) the wait is randomized by. Default 0.2.
	Jitter float64 `yaml:"jitter" json:"jitter" validate:"gte=0,lte=1"`
}

// DefaultRetryConfig returns the defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// Validate checks the configuration.
func (c RetryConfig) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("retry: max_attempts must be >= 1, got %d", c.MaxAttempts)
	case c.InitialBackoff <= 0:
		return fmt.Errorf("retry: initial_backoff must be > 0")
	case c.MaxBackoff < c.InitialBackoff:
		return fmt.Errorf("retry: max_backoff %s < initial_backoff %s", c.MaxBackoff, c.InitialBackoff)
	case c.Multiplier < 1:
		return fmt.Errorf("retry: multiplier must be >= 1, got %v", c.Multiplier)
	case c.Jitter < 0 || c.Jitter > 1:
		return fmt.Errorf("retry: jitter must be within [0,1], got %v", c.Jitter)
	}
	return nil
}

// RetryResult describes a retried call.
type RetryResult struct {
	Attempts  int
	Duration  time.Duration
	LastError error
	// Exhausted is true when every attempt failed with a retryable error.
	Exhausted bool
}

// AttemptFunc performs one attempt. attempt starts at 1.
type AttemptFunc func(ctx context.Context, attempt int) error

// Retry runs fn until it succeeds, returns a non-retryable error, the
// attempts run out, or ctx ends.
//
// Outputs:
//
//	RetryResult - Attempt count and whether retries were exhausted.
//	error - nil on success, else the last error (or ctx.Err()).
func Retry(ctx context.Context, config RetryConfig, fn AttemptFunc) (RetryResult, error) {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	start := time.Now()
	res := RetryResult{}
	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		res.Attempts = attempt
		if err := ctx.Err(); err != nil {
			res.LastError = err
			res.Duration = time.Since(start)
			return res, err
		}

		err := fn(ctx, attempt)
		if err == nil {
			res.LastError = nil
			res.Duration = time.Since(start)
			return res, nil
		}
		res.LastError = err
		if !IsRetryable(err) {
			res.Duration = time.Since(start)
			return res, err
		}
		if attempt == config.MaxAttempts {
			break
		}

		timer := time.NewTimer(withJitter(backoff, config.Jitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			res.LastError = ctx.Err()
			res.Duration = time.Since(start)
			return res, ctx.Err()
		case <-timer.C:
		}
		backoff = grow(backoff, config.Multiplier, config.MaxBackoff)
	}

	res.Exhausted = true
	res.Duration = time.Since(start)
	return res, res.LastError
}

// Call runs fn under breaker protection with retries.
//
// Description:
//
//	Rejects immediately with ErrCircuitOpen while the breaker is open.
//	A call that exhausts its retries counts as one breaker failure; a
//	non-retryable error does not, because it says nothing about the
//	dependency's health.
//
// Inputs:
//
//	ctx - Cancellation for the whole call, including backoff waits.
//	cb - Breaker for the dependency. nil disables breaker checks.
//	config - Retry policy.
//	fn - One attempt.
//
// Outputs:
//
//	RetryResult - Attempt statistics.
//	error - nil, a classified error, ErrCircuitOpen, or ctx.Err().
func Call(ctx context.Context, cb *CircuitBreaker, config RetryConfig, fn AttemptFunc) (RetryResult, error) {
	if cb == nil {
		return Retry(ctx, config, fn)
	}
	allowed, release := cb.Allow()
	if !allowed {
		return RetryResult{LastError: ErrCircuitOpen}, fmt.Errorf("%s: %w", cb.Name(), ErrCircuitOpen)
	}
	if release != nil {
		defer release()
	}

	res, err := Retry(ctx, config, fn)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case res.Exhausted:
		cb.RecordFailure()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The caller gave up; the dependency's health is unknown.
	default:
		// Non-retryable answers still prove the dependency is reachable.
		cb.RecordSuccess()
	}
	return res, err
}

func withJitter(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}
	f := 1 + (rand.Float64()*2-1)*jitter
	return time.Duration(float64(base) * f)
}

func grow(cur time.Duration, factor float64, ceiling time.Duration) time.Duration {
	next := time.Duration(float64(cur) * factor)
	if next > ceiling {
		return ceiling
	}
	return next
}

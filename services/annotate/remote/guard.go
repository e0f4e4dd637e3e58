// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package remote

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/chessbeast/services/annotate/eval"
	"github.com/AleutianAI/chessbeast/services/annotate/resilience"
)

// GuardConfig is the call policy for one dependency.
type GuardConfig struct {
	// Timeout is the deadline of each attempt. Default 10s.
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`

	// RatePerSecond limits attempts started per second; 0 is unlimited.
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second" validate:"gte=0"`

	// Burst is the limiter bucket size. Default 1 when rate limited.
	Burst int `yaml:"burst" json:"burst" validate:"gte=0"`

	Retry   resilience.RetryConfig   `yaml:"retry" json:"retry"`
	Breaker resilience.BreakerConfig `yaml:"breaker" json:"breaker"`
}

// DefaultGuardConfig returns the defaults.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Timeout: 10 * time.Second,
		Retry:   resilience.DefaultRetryConfig(),
		Breaker: resilience.DefaultBreakerConfig(),
	}
}

// CallObserver receives the outcome of every guarded call.
type CallObserver interface {
	ObserveCall(service, outcome string, attempts int, elapsed time.Duration)
	ObserveBreaker(service string, state resilience.CircuitState)
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithObserver reports call outcomes and breaker transitions.
func WithObserver(o CallObserver) GuardOption {
	return func(g *Guard) { g.observer = o }
}

// WithAttemptCounter is called once per attempt that reaches the dependency.
func WithAttemptCounter(fn func(service string)) GuardOption {
	return func(g *Guard) { g.countAttempt = fn }
}

// WithGuardLogger sets the logger.
func WithGuardLogger(l *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger = l }
}

// Guard applies the call policy for one dependency: a shared fan-out
// limit, a rate limit, a per-attempt deadline, retries with backoff and
// a circuit breaker.
//
// Thread Safety: safe for concurrent use.
type Guard struct {
	service      string
	config       GuardConfig
	fanOut       *semaphore.Weighted
	limiter      *rate.Limiter
	breaker      *resilience.CircuitBreaker
	observer     CallObserver
	countAttempt func(string)
	logger       *slog.Logger
}

// NewGuard creates a guard.
//
// Inputs:
//
//	service - Dependency name.
//	config - Call policy. Zero fields take defaults.
//	fanOut - Limit shared by all guards of a session; nil means unlimited.
func NewGuard(service string, config GuardConfig, fanOut *semaphore.Weighted, opts ...GuardOption) *Guard {
	def := DefaultGuardConfig()
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = def.Retry
	}
	g := &Guard{
		service: service,
		config:  config,
		fanOut:  fanOut,
		logger:  slog.Default(),
	}
	if config.RatePerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), max(config.Burst, 1))
	}
	for _, opt := range opts {
		opt(g)
	}
	g.breaker = resilience.NewCircuitBreaker(service, config.Breaker)
	g.breaker.OnStateChange(func(name string, from, to resilience.CircuitState) {
		g.logger.Warn("circuit breaker state change", "service", name, "from", from.String(), "to", to.String())
		if g.observer != nil {
			g.observer.ObserveBreaker(name, to)
		}
	})
	return g
}

// Service returns the dependency name.
func (g *Guard) Service() string { return g.service }

// Breaker returns the dependency's circuit breaker.
func (g *Guard) Breaker() *resilience.CircuitBreaker { return g.breaker }

// Do runs fn under the call policy.
//
// Outputs:
//
//	resilience.RetryResult - Attempt statistics.
//	error - nil, a classified *resilience.ServiceError, ErrCircuitOpen,
//	        or the caller's context error.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) (resilience.RetryResult, error) {
	start := time.Now()
	res, err := resilience.Call(ctx, g.breaker, g.config.Retry, func(ctx context.Context, attempt int) error {
		return g.attempt(ctx, fn)
	})
	if g.observer != nil {
		g.observer.ObserveCall(g.service, resilience.KindLabel(err), res.Attempts, time.Since(start))
	}
	if err != nil && res.Exhausted {
		g.logger.Warn("remote call exhausted retries", "service", g.service, "attempts", res.Attempts, "error", err)
	}
	return res, err
}

func (g *Guard) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.fanOut != nil {
		if err := g.fanOut.Acquire(ctx, 1); err != nil {
			return resilience.Classify(g.service, err)
		}
		defer g.fanOut.Release(1)
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return resilience.Classify(g.service, ctx.Err())
			}
			return resilience.NewServiceError(g.service, resilience.ErrRateLimited, "%v", err)
		}
	}
	if g.countAttempt != nil {
		g.countAttempt(g.service)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()
	err := resilience.Classify(g.service, fn(attemptCtx))
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		// The attempt deadline fired, whatever error the dependency reported.
		return resilience.NewServiceError(g.service, resilience.ErrTimeout, "attempt exceeded %s", g.config.Timeout)
	}
	return err
}

// GuardedEvaluator is an Evaluator behind a Guard.
type GuardedEvaluator struct {
	Inner Evaluator
	Guard *Guard
}

// Evaluate implements Evaluator.
func (g GuardedEvaluator) Evaluate(ctx context.Context, req EvaluateRequest) (eval.Result, error) {
	var out eval.Result
	_, err := g.Guard.Do(ctx, func(ctx context.Context) error {
		r, err := g.Inner.Evaluate(ctx, req)
		out = r
		return err
	})
	return out, err
}

// GuardedHumanPredictor is a HumanPredictor behind a Guard.
type GuardedHumanPredictor struct {
	Inner HumanPredictor
	Guard *Guard
}

// PredictMoves implements HumanPredictor.
func (g GuardedHumanPredictor) PredictMoves(ctx context.Context, fen string, ratingBand int) (eval.HumanPrediction, error) {
	var out eval.HumanPrediction
	_, err := g.Guard.Do(ctx, func(ctx context.Context) error {
		r, err := g.Inner.PredictMoves(ctx, fen, ratingBand)
		out = r
		return err
	})
	return out, err
}

// EstimateRating implements HumanPredictor.
func (g GuardedHumanPredictor) EstimateRating(ctx context.Context, moves []PlayedMove) (eval.RatingEstimate, error) {
	var out eval.RatingEstimate
	_, err := g.Guard.Do(ctx, func(ctx context.Context) error {
		r, err := g.Inner.EstimateRating(ctx, moves)
		out = r
		return err
	})
	return out, err
}

// GuardedClassical is a ClassicalEvaluator behind a Guard.
type GuardedClassical struct {
	Inner ClassicalEvaluator
	Guard *Guard
}

// ClassicalEval implements ClassicalEvaluator.
func (g GuardedClassical) ClassicalEval(ctx context.Context, fen string) (eval.Classical, error) {
	var out eval.Classical
	_, err := g.Guard.Do(ctx, func(ctx context.Context) error {
		r, err := g.Inner.ClassicalEval(ctx, fen)
		out = r
		return err
	})
	return out, err
}

// GuardedReference is a ReferenceLookup behind a Guard.
type GuardedReference struct {
	Inner ReferenceLookup
	Guard *Guard
}

// LookupOpening implements ReferenceLookup.
func (g GuardedReference) LookupOpening(ctx context.Context, moves []string) (eval.Opening, error) {
	var out eval.Opening
	_, err := g.Guard.Do(ctx, func(ctx context.Context) error {
		r, err := g.Inner.LookupOpening(ctx, moves)
		out = r
		return err
	})
	return out, err
}

// LookupPosition implements ReferenceLookup.
func (g GuardedReference) LookupPosition(ctx context.Context, fen string) (eval.Opening, error) {
	var out eval.Opening
	_, err := g.Guard.Do(ctx, func(ctx context.Context) error {
		r, err := g.Inner.LookupPosition(ctx, fen)
		out = r
		return err
	})
	return out, err
}

// Protect wraps every configured service in s with its own guard. All
// guards share one fan-out limit of fanOut concurrent attempts.
//
// Outputs:
//
//	Services - The guarded services.
//	map[string]*Guard - Guards by service name, for breaker inspection.
func Protect(s Services, configs map[string]GuardConfig, fanOut int64, opts ...GuardOption) (Services, map[string]*Guard) {
	var sem *semaphore.Weighted
	if fanOut > 0 {
		sem = semaphore.NewWeighted(fanOut)
	}
	guards := make(map[string]*Guard)
	guard := func(name string) *Guard {
		cfg, ok := configs[name]
		if !ok {
			cfg = DefaultGuardConfig()
		}
		g := NewGuard(name, cfg, sem, opts...)
		guards[name] = g
		return g
	}
	out := Services{}
	if s.Evaluator != nil {
		out.Evaluator = GuardedEvaluator{Inner: s.Evaluator, Guard: guard(ServiceStockfish)}
	}
	if s.Human != nil {
		out.Human = GuardedHumanPredictor{Inner: s.Human, Guard: guard(ServiceMaia)}
	}
	if s.Classical != nil {
		out.Classical = GuardedClassical{Inner: s.Classical, Guard: guard(ServiceStockfish16)}
	}
	if s.Reference != nil {
		out.Reference = GuardedReference{Inner: s.Reference, Guard: guard(ServiceReference)}
	}
	return out, guards
}

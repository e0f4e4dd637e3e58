// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package remote

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/chessbeast/services/annotate/eval"
	"github.com/AleutianAI/chessbeast/services/annotate/position"
	"github.com/AleutianAI/chessbeast/services/annotate/resilience"
)

type evaluatorFunc func(ctx context.Context, req EvaluateRequest) (eval.Result, error)

func (f evaluatorFunc) Evaluate(ctx context.Context, req EvaluateRequest) (eval.Result, error) {
	return f(ctx, req)
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
	attempts []int
	states   []resilience.CircuitState
}

func (o *recordingObserver) ObserveCall(_ string, outcome string, attempts int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
	o.attempts = append(o.attempts, attempts)
}

func (o *recordingObserver) ObserveBreaker(_ string, state resilience.CircuitState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, state)
}

func fastGuard(timeout time.Duration) GuardConfig {
	return GuardConfig{
		Timeout: timeout,
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
			Multiplier:     2,
		},
		Breaker: resilience.BreakerConfig{TripAfter: 1, Cooldown: time.Minute},
	}
}

func TestGuard_ThreeTimeoutsOpenBreaker(t *testing.T) {
	obs := &recordingObserver{}
	var attempts atomic.Int32
	var counted atomic.Int32
	g := NewGuard(ServiceStockfish, fastGuard(10*time.Millisecond), nil,
		WithObserver(obs),
		WithAttemptCounter(func(string) { counted.Add(1) }))
	hang := GuardedEvaluator{Guard: g, Inner: evaluatorFunc(func(ctx context.Context, _ EvaluateRequest) (eval.Result, error) {
		attempts.Add(1)
		<-ctx.Done()
		return eval.Result{}, ctx.Err()
	})}

	_, err := hang.Evaluate(context.Background(), EvaluateRequest{FEN: position.StartFEN})
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrTimeout)
	assert.EqualValues(t, 3, attempts.Load())
	assert.EqualValues(t, 3, counted.Load())
	assert.Equal(t, resilience.CircuitOpen, g.Breaker().State())

	_, err = hang.Evaluate(context.Background(), EvaluateRequest{FEN: position.StartFEN})
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.EqualValues(t, 3, attempts.Load(), "open breaker fails fast")

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{"timeout", "circuit_open"}, obs.outcomes)
	assert.Equal(t, 3, obs.attempts[0])
	assert.Equal(t, []resilience.CircuitState{resilience.CircuitOpen}, obs.states)
}

func TestGuard_NonRetryablePassesThrough(t *testing.T) {
	var attempts atomic.Int32
	g := NewGuard(ServiceStockfish, fastGuard(time.Second), nil)
	ev := GuardedEvaluator{Guard: g, Inner: evaluatorFunc(func(context.Context, EvaluateRequest) (eval.Result, error) {
		attempts.Add(1)
		return eval.Result{}, resilience.NewServiceError(ServiceStockfish, resilience.ErrInvalidArgument, "bad fen")
	})}
	_, err := ev.Evaluate(context.Background(), EvaluateRequest{FEN: "x"})
	assert.ErrorIs(t, err, resilience.ErrInvalidArgument)
	assert.EqualValues(t, 1, attempts.Load())
	assert.Equal(t, resilience.CircuitClosed, g.Breaker().State())
}

func TestGuard_RecoversAfterTransientFailure(t *testing.T) {
	var attempts atomic.Int32
	g := NewGuard(ServiceStockfish, fastGuard(time.Second), nil)
	ev := GuardedEvaluator{Guard: g, Inner: evaluatorFunc(func(context.Context, EvaluateRequest) (eval.Result, error) {
		if attempts.Add(1) == 1 {
			return eval.Result{}, errors.New("connection refused")
		}
		return eval.Result{Score: eval.CP(12), Depth: 10}, nil
	})}
	res, err := ev.Evaluate(context.Background(), EvaluateRequest{FEN: position.StartFEN})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Depth)
	assert.EqualValues(t, 2, attempts.Load())
}

func TestGuard_FanOutLimit(t *testing.T) {
	sem := semaphore.NewWeighted(2)
	var inFlight, peak atomic.Int32
	ev := GuardedEvaluator{
		Guard: NewGuard(ServiceStockfish, fastGuard(time.Second), sem),
		Inner: evaluatorFunc(func(context.Context, EvaluateRequest) (eval.Result, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return eval.Result{}, nil
		}),
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = ev.Evaluate(context.Background(), EvaluateRequest{FEN: position.StartFEN})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestGuard_RateLimited(t *testing.T) {
	cfg := fastGuard(time.Second)
	cfg.RatePerSecond = 0.001
	cfg.Burst = 1
	g := NewGuard(ServiceMaia, cfg, nil)

	_, err := g.Do(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = g.Do(ctx, func(context.Context) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrRateLimited) || errors.Is(err, resilience.ErrTimeout), err.Error())
}

func TestProtect(t *testing.T) {
	s := Services{Evaluator: evaluatorFunc(func(context.Context, EvaluateRequest) (eval.Result, error) {
		return eval.Result{Depth: 1}, nil
	})}
	guarded, guards := Protect(s, map[string]GuardConfig{ServiceStockfish: fastGuard(time.Second)}, 4)
	require.NotNil(t, guarded.Evaluator)
	assert.Nil(t, guarded.Human)
	assert.Nil(t, guarded.Classical)
	assert.Nil(t, guarded.Reference)
	assert.Len(t, guards, 1)
	assert.Equal(t, ServiceStockfish, guards[ServiceStockfish].Service())

	res, err := guarded.Evaluator.Evaluate(context.Background(), EvaluateRequest{FEN: position.StartFEN})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Depth)
}

type healthFunc func(ctx context.Context) (Health, error)

func (f healthFunc) HealthCheck(ctx context.Context) (Health, error) { return f(ctx) }

func TestCheckAll(t *testing.T) {
	reports := CheckAll(context.Background(), map[string]HealthChecker{
		"stockfish": healthFunc(func(context.Context) (Health, error) {
			return Health{Healthy: true, Version: "16"}, nil
		}),
		"maia": healthFunc(func(context.Context) (Health, error) {
			return Health{}, errors.New("connection refused")
		}),
		"slow": healthFunc(func(ctx context.Context) (Health, error) {
			<-ctx.Done()
			return Health{}, ctx.Err()
		}),
	}, 20*time.Millisecond)

	require.Len(t, reports, 3)
	assert.Equal(t, "maia", reports[0].Service)
	assert.False(t, reports[0].Healthy)
	assert.Contains(t, reports[0].Error, "refused")
	assert.Equal(t, "slow", reports[1].Service)
	assert.False(t, reports[1].Healthy)
	assert.Equal(t, "stockfish", reports[2].Service)
	assert.True(t, reports[2].Healthy)
	assert.False(t, Healthy(reports))
	assert.True(t, Healthy(reports[2:]))
}

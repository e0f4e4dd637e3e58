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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/chessbeast/services/annotate/eval"
	"github.com/AleutianAI/chessbeast/services/annotate/position"
	"github.com/AleutianAI/chessbeast/services/annotate/resilience"
)

// ErrPoolClosed is returned by a pool after Close.
var ErrPoolClosed = errors.New("engine pool closed")

// UCIConfig configures a pool of local UCI engines.
type UCIConfig struct {
	// Path is the engine binary. Default "stockfish".
	Path string `yaml:"path" json:"path"`

	// PoolSize is the number of engine processes. Default 2.
	PoolSize int `yaml:"pool_size" json:"pool_size" validate:"gte=0,lte=64"`

	// Threads and HashMB are passed to each engine; zero keeps its default.
	Threads int `yaml:"threads" json:"threads" validate:"gte=0"`
	HashMB  int `yaml:"hash_mb" json:"hash_mb" validate:"gte=0"`

	// AcquireTimeout bounds the wait for an idle engine. Default 30s.
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`

	// StartupTimeout bounds the UCI handshake. Default 5s.
	StartupTimeout time.Duration `yaml:"startup_timeout" json:"startup_timeout"`
}

// DefaultUCIConfig returns the defaults.
func DefaultUCIConfig() UCIConfig {
	return UCIConfig{
		Path:           "stockfish",
		PoolSize:       2,
		AcquireTimeout: 30 * time.Second,
		StartupTimeout: 5 * time.Second,
	}
}

type engineStarter func(ctx context.Context, cfg UCIConfig) (*uciEngine, error)

// EnginePool evaluates positions on local UCI engine processes.
//
// Description:
//
//	Engines are checked out one caller at a time. An engine whose
//	process died, or that fails to reset after a search, is replaced
//	on the next checkout. The pool implements Evaluator and
//	HealthChecker.
//
// Thread Safety: safe for concurrent use.
type EnginePool struct {
	config UCIConfig
	start  engineStarter
	logger *slog.Logger

	idle chan *uciEngine

	mu      sync.Mutex
	started bool
	closed  bool
	engines int
	version string
}

// NewEnginePool creates a pool. Call Start before Evaluate.
func NewEnginePool(config UCIConfig, logger *slog.Logger) *EnginePool {
	return newEnginePool(config, startUCIProcess, logger)
}

func newEnginePool(config UCIConfig, start engineStarter, logger *slog.Logger) *EnginePool {
	def := DefaultUCIConfig()
	if config.Path == "" {
		config.Path = def.Path
	}
	if config.PoolSize <= 0 {
		config.PoolSize = def.PoolSize
	}
	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = def.AcquireTimeout
	}
	if config.StartupTimeout <= 0 {
		config.StartupTimeout = def.StartupTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EnginePool{
		config: config,
		start:  start,
		logger: logger.With("component", "engine_pool"),
		idle:   make(chan *uciEngine, config.PoolSize),
	}
}

// Start launches every engine. If any fails, the ones already started
// are stopped.
func (p *EnginePool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if p.started {
		p.logger.Warn("engine pool already started")
		return nil
	}
	started := make([]*uciEngine, 0, p.config.PoolSize)
	for i := 0; i < p.config.PoolSize; i++ {
		e, err := p.start(ctx, p.config)
		if err != nil {
			for _, s := range started {
				s.close()
			}
			return fmt.Errorf("start engine %d/%d: %w", i+1, p.config.PoolSize, err)
		}
		started = append(started, e)
	}
	for _, e := range started {
		p.idle <- e
	}
	p.engines = len(started)
	if len(started) > 0 {
		p.version = started[0].name
	}
	p.started = true
	p.logger.Info("engine pool started", "engines", p.engines, "version", p.version)
	return nil
}

// Evaluate implements Evaluator.
func (p *EnginePool) Evaluate(ctx context.Context, req EvaluateRequest) (eval.Result, error) {
	if _, err := position.FromFEN(req.FEN); err != nil {
		return eval.Result{}, resilience.NewServiceError(ServiceStockfish, resilience.ErrInvalidArgument, "%v", err)
	}
	e, err := p.acquire(ctx)
	if err != nil {
		return eval.Result{}, err
	}
	res, err := e.analyse(ctx, req)
	p.release(e)
	if err != nil {
		return eval.Result{}, resilience.Classify(ServiceStockfish, err)
	}
	if len(res.Lines) == 0 {
		return eval.Result{}, resilience.NewServiceError(ServiceStockfish, resilience.ErrInvalidArgument, "no legal moves in %q", req.FEN)
	}
	return res, nil
}

// HealthCheck implements HealthChecker.
func (p *EnginePool) HealthCheck(ctx context.Context) (Health, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := Health{Service: ServiceStockfish, Version: p.version}
	switch {
	case p.closed:
		h.Error = ErrPoolClosed.Error()
	case !p.started:
		h.Error = "not started"
	case p.engines == 0:
		h.Error = "no engines"
	default:
		h.Healthy = true
	}
	return h, nil
}

// Close stops every idle engine. Engines checked out at the time are
// stopped when they are released.
func (p *EnginePool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	for {
		select {
		case e := <-p.idle:
			e.close()
		default:
			p.logger.Info("engine pool closed")
			return nil
		}
	}
}

func (p *EnginePool) acquire(ctx context.Context) (*uciEngine, error) {
	p.mu.Lock()
	closed, started := p.closed, p.started
	p.mu.Unlock()
	if closed || !started {
		return nil, resilience.NewServiceError(ServiceStockfish, resilience.ErrServiceUnavailable, "pool not running")
	}

	timer := time.NewTimer(p.config.AcquireTimeout)
	defer timer.Stop()
	select {
	case e := <-p.idle:
		if e.dead {
			p.logger.Warn("acquired dead engine, restarting")
			return p.restart(ctx, e)
		}
		return e, nil
	case <-timer.C:
		return nil, resilience.NewServiceError(ServiceStockfish, resilience.ErrRateLimited, "no engine available within %s", p.config.AcquireTimeout)
	case <-ctx.Done():
		return nil, resilience.Classify(ServiceStockfish, ctx.Err())
	}
}

func (p *EnginePool) release(e *uciEngine) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		e.close()
		return
	}
	if !e.dead {
		ctx, cancel := context.WithTimeout(context.Background(), p.config.StartupTimeout)
		err := e.newGame(ctx)
		cancel()
		if err != nil {
			p.logger.Warn("engine reset failed", "error", err)
			e.dead = true
		}
	}
	// A dead engine goes back so the next acquire restarts it.
	p.idle <- e
}

func (p *EnginePool) restart(ctx context.Context, old *uciEngine) (*uciEngine, error) {
	old.close()
	e, err := p.start(ctx, p.config)
	if err != nil {
		// Keep the slot so a later acquire can try again.
		p.idle <- old
		return nil, resilience.NewServiceError(ServiceStockfish, resilience.ErrServiceUnavailable, "restart engine: %v", err)
	}
	return e, nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/AleutianAI/chessbeast/services/annotate/config"
	"github.com/AleutianAI/chessbeast/services/annotate/observability"
	"github.com/AleutianAI/chessbeast/services/annotate/reference"
	"github.com/AleutianAI/chessbeast/services/annotate/remote"
	"github.com/AleutianAI/chessbeast/services/llm"
)

// stack is the set of live dependencies built from configuration.
type stack struct {
	services remote.Services
	checkers map[string]remote.HealthChecker
	guards   map[string]*remote.Guard

	// model is nil when the language model is disabled.
	model llm.Client

	closers []func() error
}

// buildStack connects every configured service.
//
// Description:
//
//	gRPC connections are lazy, so an unreachable service surfaces on its
//	first call and is handled by its guard. A local engine pool and the
//	opening book are opened eagerly and fail the build. Every service is
//	wrapped in a guard that reports to metrics when metrics is non-nil.
//
// Outputs:
//
//	*stack - Close it when done, also after an error.
//	error - Local engine, book, or model setup failure.
func buildStack(ctx context.Context, cfg config.Config, metrics *observability.Metrics, logger *slog.Logger) (*stack, error) {
	s := &stack{checkers: make(map[string]remote.HealthChecker)}
	var raw remote.Services

	svc := cfg.Services
	switch {
	case svc.Stockfish.Address != "":
		conn, err := s.dial(remote.ServiceStockfish, svc.Stockfish.Address)
		if err != nil {
			return s, err
		}
		c := remote.NewStockfishClient(conn)
		raw.Evaluator, s.checkers[remote.ServiceStockfish] = c, c
	case svc.LocalEngine:
		pool := remote.NewEnginePool(svc.Engine, logger)
		if err := pool.Start(ctx); err != nil {
			return s, fmt.Errorf("start local engine: %w", err)
		}
		s.closers = append(s.closers, pool.Close)
		raw.Evaluator, s.checkers[remote.ServiceStockfish] = pool, pool
	default:
		logger.Warn("no engine configured; games will be reported unanalyzed")
	}

	if svc.Maia.Address != "" {
		conn, err := s.dial(remote.ServiceMaia, svc.Maia.Address)
		if err != nil {
			return s, err
		}
		c := remote.NewMaiaClient(conn)
		raw.Human, s.checkers[remote.ServiceMaia] = c, c
	}
	if svc.Classical.Address != "" {
		conn, err := s.dial(remote.ServiceStockfish16, svc.Classical.Address)
		if err != nil {
			return s, err
		}
		c := remote.NewClassicalClient(conn)
		raw.Classical, s.checkers[remote.ServiceStockfish16] = c, c
	}

	if cfg.Book.Path != "" || cfg.Book.Seed != "" {
		book, err := openBook(ctx, cfg.Book, false, logger)
		if err != nil {
			return s, err
		}
		s.closers = append(s.closers, book.Close)
		raw.Reference, s.checkers[remote.ServiceReference] = book, book
	}

	opts := []remote.GuardOption{remote.WithGuardLogger(logger)}
	if metrics != nil {
		opts = append(opts, remote.WithObserver(metrics))
	}
	s.services, s.guards = remote.Protect(raw, cfg.GuardConfigs(), svc.FanOut, opts...)

	if cfg.LLM.Enabled {
		client, err := llm.NewOpenAIClient(cfg.LLM.Client)
		if err != nil {
			return s, fmt.Errorf("language model: %w", err)
		}
		guard := remote.NewGuard(remote.ServiceLLM, cfg.LLM.Guard, nil, opts...)
		s.guards[remote.ServiceLLM] = guard
		s.model = llm.Guarded{Inner: client, Guard: guard}
	}
	return s, nil
}

func (s *stack) dial(service, addr string) (*remote.Conn, error) {
	conn, err := remote.Dial(service, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s at %s: %w", service, addr, err)
	}
	s.closers = append(s.closers, conn.Close)
	return conn, nil
}

// openBook opens the configured book and imports the seed file, if any.
// Without a path the book lives in memory.
func openBook(ctx context.Context, cfg config.BookConfig, readOnly bool, logger *slog.Logger) (*reference.Book, error) {
	book, err := reference.Open(reference.Config{
		Path:     cfg.Path,
		InMemory: cfg.Path == "",
		ReadOnly: readOnly && cfg.Seed == "",
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open book: %w", err)
	}
	if cfg.Seed == "" {
		return book, nil
	}
	f, err := os.Open(cfg.Seed)
	if err != nil {
		_ = book.Close()
		return nil, fmt.Errorf("open book seed: %w", err)
	}
	defer f.Close()
	n, err := book.Import(ctx, f)
	if err != nil {
		_ = book.Close()
		return nil, fmt.Errorf("import book seed %s: %w", cfg.Seed, err)
	}
	logger.Info("opening book seeded", slog.String("file", cfg.Seed), slog.Int("entries", n))
	return book, nil
}

// Close releases every connection in reverse order of creation.
func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

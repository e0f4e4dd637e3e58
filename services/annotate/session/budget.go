// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrBudgetExceeded matches every *BudgetExceededError.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Budget dimensions.
const (
	DimensionNodes  = "nodes"
	DimensionTime   = "time"
	DimensionTokens = "tokens"
)

// BudgetExceededError says which budget dimension ran out. It is a
// control signal: callers stop starting work, they do not fail.
type BudgetExceededError struct {
	Dimension string
	Used      int64
	Limit     int64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("%s budget exceeded (%d/%d)", e.Dimension, e.Used, e.Limit)
}

func (e *BudgetExceededError) Is(target error) bool { return target == ErrBudgetExceeded }

// BudgetConfig bounds one annotation session. Zero means unlimited.
type BudgetConfig struct {
	MaxNodes  int64         `yaml:"max_nodes" json:"max_nodes" validate:"gte=0"`
	TimeLimit time.Duration `yaml:"time_limit" json:"time_limit" validate:"gte=0"`
	MaxTokens int64         `yaml:"max_tokens" json:"max_tokens" validate:"gte=0"`
}

// DefaultBudgetConfig returns the defaults for a full game.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		MaxNodes:  4000,
		TimeLimit: 10 * time.Minute,
		MaxTokens: 200000,
	}
}

// Remaining is what is left of each budget dimension. -1 means unlimited.
type Remaining struct {
	Nodes  int64         `json:"nodes"`
	Time   time.Duration `json:"time"`
	Tokens int64         `json:"tokens"`
}

// Budget tracks consumption across the three dimensions.
//
// Once any dimension runs out the budget latches exhausted and Done is
// closed. Work already in flight may finish; nothing new should start.
//
// Thread Safety: safe for concurrent use.
type Budget struct {
	config  BudgetConfig
	started time.Time
	now     func() time.Time

	nodes  atomic.Int64
	tokens atomic.Int64

	once        sync.Once
	done        chan struct{}
	mu          sync.RWMutex
	exhaustedBy *BudgetExceededError
}

// NewBudget starts the wall clock and returns a budget.
func NewBudget(config BudgetConfig) *Budget {
	return newBudgetAt(config, time.Now)
}

func newBudgetAt(config BudgetConfig, now func() time.Time) *Budget {
	return &Budget{config: config, started: now(), now: now, done: make(chan struct{})}
}

// Config returns the limits.
func (b *Budget) Config() BudgetConfig { return b.config }

// NodesUsed returns the number of reserved nodes.
func (b *Budget) NodesUsed() int64 { return b.nodes.Load() }

// TokensUsed returns the number of recorded tokens.
func (b *Budget) TokensUsed() int64 { return b.tokens.Load() }

// Elapsed returns wall-clock time since the budget started.
func (b *Budget) Elapsed() time.Duration { return b.now().Sub(b.started) }

// Done is closed when any dimension is exhausted.
func (b *Budget) Done() <-chan struct{} { return b.done }

// Exhausted reports whether any dimension has run out, checking the clock.
func (b *Budget) Exhausted() bool {
	return b.Check() != nil
}

// Check returns the latched exhaustion error, after checking the clock.
func (b *Budget) Check() error {
	b.mu.RLock()
	latched := b.exhaustedBy
	b.mu.RUnlock()
	if latched != nil {
		return latched
	}
	if limit := b.config.TimeLimit; limit > 0 {
		if elapsed := b.Elapsed(); elapsed >= limit {
			return b.exhaust(&BudgetExceededError{Dimension: DimensionTime, Used: int64(elapsed), Limit: int64(limit)})
		}
	}
	return nil
}

// ReserveNode claims one node of budget before a new evaluation.
//
// Outputs:
//
//	error - *BudgetExceededError if no node budget remains; nothing is reserved.
func (b *Budget) ReserveNode() error {
	if err := b.Check(); err != nil {
		return err
	}
	limit := b.config.MaxNodes
	for {
		cur := b.nodes.Load()
		if limit > 0 && cur >= limit {
			return b.exhaust(&BudgetExceededError{Dimension: DimensionNodes, Used: cur, Limit: limit})
		}
		if b.nodes.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

// RecordTokens adds language-model token usage.
//
// Outputs:
//
//	error - *BudgetExceededError once the token budget is used up.
func (b *Budget) RecordTokens(n int64) error {
	if n <= 0 {
		return b.Check()
	}
	used := b.tokens.Add(n)
	if limit := b.config.MaxTokens; limit > 0 && used >= limit {
		return b.exhaust(&BudgetExceededError{Dimension: DimensionTokens, Used: used, Limit: limit})
	}
	return b.Check()
}

// Remaining returns what is left of each dimension.
func (b *Budget) Remaining() Remaining {
	r := Remaining{Nodes: -1, Time: -1, Tokens: -1}
	if b.config.MaxNodes > 0 {
		r.Nodes = max(b.config.MaxNodes-b.nodes.Load(), 0)
	}
	if b.config.TimeLimit > 0 {
		r.Time = max(b.config.TimeLimit-b.Elapsed(), 0)
	}
	if b.config.MaxTokens > 0 {
		r.Tokens = max(b.config.MaxTokens-b.tokens.Load(), 0)
	}
	return r
}

// Cancel exhausts the budget on behalf of the caller, for example on
// a fatal error elsewhere in the session.
func (b *Budget) Cancel(reason string) {
	b.exhaust(&BudgetExceededError{Dimension: reason})
}

func (b *Budget) exhaust(e *BudgetExceededError) error {
	b.mu.Lock()
	if b.exhaustedBy == nil {
		b.exhaustedBy = e
	}
	latched := b.exhaustedBy
	b.mu.Unlock()
	b.once.Do(func() { close(b.done) })
	return latched
}

func (b *Budget) String() string {
	r := b.Remaining()
	return fmt.Sprintf("Budget{nodes=%d/%d tokens=%d/%d elapsed=%s remaining_nodes=%d}",
		b.nodes.Load(), b.config.MaxNodes, b.tokens.Load(), b.config.MaxTokens,
		b.Elapsed().Round(time.Millisecond), r.Nodes)
}

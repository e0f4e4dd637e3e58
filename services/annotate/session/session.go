// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session holds the mutable state of one annotation run:
// budgets, the interesting-move work queue, call counters, and the
// reasoning agent's cursor.
package session

import (
	"crypto/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/AleutianAI/chessbeast/services/annotate/eval"
	"github.com/AleutianAI/chessbeast/services/annotate/position"
	"github.com/AleutianAI/chessbeast/services/annotate/tree"
)

// Session is the state of one annotation run.
//
// Thread Safety: safe for concurrent use.
type Session struct {
	id      string
	budget  *Budget
	created time.Time

	mu          sync.Mutex
	interesting []Mark
	queued      map[markKey]bool
	toolCalls   map[string]int
	apiCalls    map[string]int
	cursor      *tree.Node
	current     *eval.Result
	previous    *eval.Result
	lineActions int
	hardStop    string
}

// New creates a session with a fresh time-sortable ID.
func New(budget BudgetConfig) *Session {
	return &Session{
		id:        ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		budget:    NewBudget(budget),
		created:   time.Now(),
		queued:    make(map[markKey]bool),
		toolCalls: make(map[string]int),
		apiCalls:  make(map[string]int),
	}
}

func (s *Session) ID() string         { return s.id }
func (s *Session) Budget() *Budget    { return s.budget }
func (s *Session) Created() time.Time { return s.created }

// Mark is a move queued for exploration from one position.
type Mark struct {
	Node *tree.Node
	// Move is in UCI.
	Move string
}

type markKey struct {
	hash position.Hash
	move string
}

func (m Mark) key() markKey { return markKey{m.Node.Hash(), m.Move} }

// MarkInteresting queues moves of node n, skipping moves already queued
// for that position. Order of first insertion is preserved.
//
// Outputs:
//
//	int - Number of moves newly queued.
func (s *Session) MarkInteresting(n *tree.Node, moves ...string) int {
	if n == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, mv := range moves {
		m := Mark{Node: n, Move: mv}
		if mv == "" || s.queued[m.key()] {
			continue
		}
		s.queued[m.key()] = true
		s.interesting = append(s.interesting, m)
		added++
	}
	return added
}

// Interesting returns the whole queue in insertion order.
func (s *Session) Interesting() []Mark {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Mark, len(s.interesting))
	copy(out, s.interesting)
	return out
}

// InterestingAt returns the moves queued for n in insertion order.
func (s *Session) InterestingAt(n *tree.Node) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.interesting {
		if n != nil && m.Node.Hash() == n.Hash() {
			out = append(out, m.Move)
		}
	}
	return out
}

// TakeInteresting removes and returns the moves queued for n.
func (s *Session) TakeInteresting(n *tree.Node) []string {
	if n == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var taken []string
	kept := s.interesting[:0]
	for _, m := range s.interesting {
		if m.Node.Hash() == n.Hash() {
			delete(s.queued, m.key())
			taken = append(taken, m.Move)
			continue
		}
		kept = append(kept, m)
	}
	s.interesting = kept
	return taken
}

// ClearInteresting removes the named moves queued for n, or every queued
// move at every position when none are named. It returns how many moves
// were removed.
func (s *Session) ClearInteresting(n *tree.Node, moves ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(moves) == 0 {
		removed := len(s.interesting)
		s.interesting = nil
		s.queued = make(map[markKey]bool)
		return removed
	}
	if n == nil {
		return 0
	}
	drop := make(map[markKey]bool, len(moves))
	for _, mv := range moves {
		k := markKey{n.Hash(), mv}
		if s.queued[k] {
			drop[k] = true
		}
	}
	if len(drop) == 0 {
		return 0
	}
	kept := s.interesting[:0]
	for _, m := range s.interesting {
		if drop[m.key()] {
			delete(s.queued, m.key())
			continue
		}
		kept = append(kept, m)
	}
	s.interesting = kept
	return len(drop)
}

// CountToolCall records an action dispatched by the reasoning agent.
func (s *Session) CountToolCall(name string) {
	s.mu.Lock()
	s.toolCalls[name]++
	s.mu.Unlock()
}

// CountAPICall records a call to a remote dependency.
func (s *Session) CountAPICall(service string) {
	s.mu.Lock()
	s.apiCalls[service]++
	s.mu.Unlock()
}

// Counters is a snapshot of the session's call counters.
type Counters struct {
	ToolCalls map[string]int `json:"tool_calls"`
	APICalls  map[string]int `json:"api_calls"`
	Nodes     int64          `json:"nodes"`
	Tokens    int64          `json:"tokens"`
}

// TotalToolCalls sums the per-action counts.
func (c Counters) TotalToolCalls() int {
	total := 0
	for _, n := range c.ToolCalls {
		total += n
	}
	return total
}

// ToolNames returns the names of actions called, sorted.
func (c Counters) ToolNames() []string {
	names := make([]string, 0, len(c.ToolCalls))
	for n := range c.ToolCalls {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Counters returns a snapshot of the call counters.
func (s *Session) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := Counters{
		ToolCalls: make(map[string]int, len(s.toolCalls)),
		APICalls:  make(map[string]int, len(s.apiCalls)),
		Nodes:     s.budget.NodesUsed(),
		Tokens:    s.budget.TokensUsed(),
	}
	for k, v := range s.toolCalls {
		c.ToolCalls[k] = v
	}
	for k, v := range s.apiCalls {
		c.APICalls[k] = v
	}
	return c
}

// Cursor returns the node the reasoning agent is positioned at.
func (s *Session) Cursor() *tree.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// SetCursor moves the agent's cursor. The interesting queue is kept.
func (s *Session) SetCursor(n *tree.Node) {
	s.mu.Lock()
	s.cursor = n
	s.mu.Unlock()
}

// ObserveEvaluation shifts the current evaluation snapshot to previous
// and stores r as current.
func (s *Session) ObserveEvaluation(r eval.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previous = s.current
	s.current = &r
}

// Evaluations returns the current and previous evaluation snapshots.
func (s *Session) Evaluations() (current, previous *eval.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		c := *s.current
		current = &c
	}
	if s.previous != nil {
		p := *s.previous
		previous = &p
	}
	return current, previous
}

// BeginLine resets the per-line action counter and the hard-stop flag.
func (s *Session) BeginLine() {
	s.mu.Lock()
	s.lineActions = 0
	s.hardStop = ""
	s.mu.Unlock()
}

// CountLineAction increments and returns the actions taken on the current line.
func (s *Session) CountLineAction() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lineActions++
	return s.lineActions
}

// LineActions returns the actions taken on the current line.
func (s *Session) LineActions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lineActions
}

// HardStop forces the current line to end. The first reason wins.
func (s *Session) HardStop(reason string) {
	s.mu.Lock()
	if s.hardStop == "" {
		s.hardStop = reason
	}
	s.mu.Unlock()
}

// HardStopped reports whether the current line was forced to end.
func (s *Session) HardStopped() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hardStop != "", s.hardStop
}

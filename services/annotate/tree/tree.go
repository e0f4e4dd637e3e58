// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tree implements the variation tree and the position cache.
//
// The tree is a DAG of positions keyed by Zobrist hash: when two move
// orders reach the same position they share one node. Evaluations live in
// a Cache that may be shared between trees. All mutation goes through
// Tree so that callers never hold a writable edge.
package tree

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/chessbeast/services/annotate/eval"
	"github.com/AleutianAI/chessbeast/services/annotate/position"
)

// Tree is the variation tree for one annotation session.
//
// Thread Safety: safe for concurrent use. Structural changes are
// serialized by the tree lock; per-node fields by the node lock.
type Tree struct {
	mu     sync.RWMutex
	root   *Node
	byHash map[position.Hash]*Node
	edges  map[string]*Edge

	table  *position.ZobristTable
	cache  *Cache
	logger *slog.Logger
}

// Option configures a Tree.
type Option func(*Tree)

// WithCache shares an evaluation cache between trees.
func WithCache(c *Cache) Option {
	return func(t *Tree) {
		if c != nil {
			t.cache = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tree) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithZobristTable overrides the default hashing table.
func WithZobristTable(z *position.ZobristTable) Option {
	return func(t *Tree) {
		if z != nil {
			t.table = z
		}
	}
}

// New creates a tree rooted at rootFEN.
//
// Inputs:
//
//	rootFEN - Starting position. Empty means the standard start.
//	opts - Optional configuration.
//
// Outputs:
//
//	*Tree - The tree with its root node.
//	error - Wraps position.ErrInvalidFEN if rootFEN does not parse.
func New(rootFEN string, opts ...Option) (*Tree, error) {
	t := &Tree{
		byHash: make(map[position.Hash]*Node),
		edges:  make(map[string]*Edge),
		table:  position.DefaultTable(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.cache == nil {
		t.cache = NewCache()
	}
	if rootFEN == "" {
		rootFEN = position.StartFEN
	}
	root, _, err := t.GetOrCreateNode(rootFEN)
	if err != nil {
		return nil, err
	}
	t.root = root
	return t, nil
}

// Root returns the root node.
func (t *Tree) Root() *Node { return t.root }

// Cache returns the evaluation cache backing the tree.
func (t *Tree) Cache() *Cache { return t.cache }

// Size returns the number of distinct positions.
func (t *Tree) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byHash)
}

// Lookup returns the node for a hash.
func (t *Tree) Lookup(h position.Hash) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.byHash[h]
	return n, ok
}

// EdgeByID returns an edge by its ID.
func (t *Tree) EdgeByID(id string) (*Edge, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.edges[id]
	return e, ok
}

// GetOrCreateNode returns the node for fen, creating it if needed.
//
// Outputs:
//
//	*Node - The node.
//	bool - True if the node was created by this call.
//	error - position.ErrInvalidFEN, or *TranspositionCollisionError when
//	        another position already holds the same hash.
func (t *Tree) GetOrCreateNode(fen string) (*Node, bool, error) {
	pos, err := position.FromFENWithTable(fen, t.table)
	if err != nil {
		return nil, false, err
	}
	return t.intern(pos, 0)
}

// intern returns the node for pos, inserting it if absent.
func (t *Tree) intern(pos *position.Position, ply int) (*Node, bool, error) {
	h := pos.Hash()
	norm := pos.NormalizedFEN()

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.byHash[h]; ok {
		if existing.normFEN != norm {
			return nil, false, &TranspositionCollisionError{Hash: h, Existing: existing.normFEN, Incoming: norm}
		}
		return existing, false, nil
	}
	n := newNode(uuid.NewString(), pos, ply)
	t.byHash[h] = n
	return n, true, nil
}

// AddMove adds a move from a node.
//
// Description:
//
//	Resolves notation (UCI or SAN) against from's position. If from
//	already has an edge for the move, that edge is returned unchanged.
//	Otherwise the child position is interned, so a transposed child is
//	shared rather than duplicated.
//
// Inputs:
//
//	from - Source node. Must belong to this tree.
//	notation - Move in UCI or SAN.
//	source - Who proposed the move.
//	meta - Priority and reason; CreatedAt is filled if zero.
//
// Outputs:
//
//	*Edge - The new or existing edge.
//	bool - True if the edge was created.
//	error - *IllegalMoveError, *TranspositionCollisionError, or ErrNodeNotFound.
func (t *Tree) AddMove(from *Node, notation string, source Source, meta EdgeMeta) (*Edge, bool, error) {
	if from == nil {
		return nil, false, ErrNodeNotFound
	}
	if n, ok := t.Lookup(from.Hash()); !ok || n != from {
		return nil, false, fmt.Errorf("%w: %s", ErrNodeNotFound, from.Hash())
	}

	childPos, mv, _, err := from.pos.Apply(notation)
	if err != nil {
		return nil, false, err
	}
	if e := from.Edge(mv.UCI); e != nil {
		return e, false, nil
	}

	child, created, err := t.intern(childPos, from.ply+1)
	if err != nil {
		return nil, false, err
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}

	from.mu.Lock()
	if e := from.edgeLocked(mv.UCI); e != nil {
		from.mu.Unlock()
		return e, false, nil
	}
	e := &Edge{id: uuid.NewString(), from: from, to: child, move: mv, source: source, meta: meta}
	from.edges = append(from.edges, e)
	from.mu.Unlock()

	if created {
		child.mu.Lock()
		child.parent = e
		child.mu.Unlock()
	}

	t.mu.Lock()
	t.edges[e.id] = e
	t.mu.Unlock()

	t.logger.Debug("edge added",
		slog.String("from", from.Hash().String()),
		slog.String("move", mv.SAN),
		slog.String("source", string(source)),
		slog.Bool("transposition", !created))
	return e, true, nil
}

// AddGlyph attaches a NAG to an edge.
//
// Adding a glyph already present is a no-op. A move-quality glyph
// replaces any other move-quality glyph on the edge.
//
// Outputs:
//
//	bool - True if the edge changed.
func (t *Tree) AddGlyph(e *Edge, nag NAG) bool {
	e.from.mu.Lock()
	defer e.from.mu.Unlock()
	for _, existing := range e.nags {
		if existing == nag {
			return false
		}
	}
	if nag.IsMoveQuality() {
		kept := e.nags[:0]
		for _, existing := range e.nags {
			if !existing.IsMoveQuality() {
				kept = append(kept, existing)
			}
		}
		e.nags = append([]NAG{nag}, kept...)
		return true
	}
	e.nags = append(e.nags, nag)
	return true
}

// ClearGlyphs removes all glyphs from an edge.
func (t *Tree) ClearGlyphs(e *Edge) {
	e.from.mu.Lock()
	e.nags = nil
	e.from.mu.Unlock()
}

// SetComment replaces an edge's comment. An empty string clears it.
func (t *Tree) SetComment(e *Edge, text string) {
	e.from.mu.Lock()
	e.comment = text
	e.from.mu.Unlock()
}

// SetPrincipal marks e as the principal edge of its source node and
// clears the flag on its siblings.
func (t *Tree) SetPrincipal(e *Edge) {
	e.from.mu.Lock()
	defer e.from.mu.Unlock()
	for _, sib := range e.from.edges {
		sib.principal = sib == e
	}
}

// SetStatus updates a node's search status. Terminal nodes stay terminal.
func (t *Tree) SetStatus(n *Node, s Status) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status == StatusTerminal {
		return
	}
	n.status = s
}

// SetOutcome records how exploration of a node ended.
func (t *Tree) SetOutcome(n *Node, o Outcome) {
	n.mu.Lock()
	n.outcome = o
	n.mu.Unlock()
}

// SetHumanPrediction stores the human-model output for a node.
func (t *Tree) SetHumanPrediction(n *Node, h eval.HumanPrediction) {
	n.mu.Lock()
	n.human = &h
	n.mu.Unlock()
}

// LookupEvaluation returns a cached evaluation of at least minDepth.
func (t *Tree) LookupEvaluation(h position.Hash, minDepth int) (eval.Result, bool) {
	return t.cache.LookupDepth(h, minDepth)
}

// RecordEvaluation stores an evaluation for a node in the cache and on
// the node, keeping whichever is deeper.
//
// Outputs:
//
//	bool - True if the cache entry was written.
//	error - *TranspositionCollisionError from the cache.
func (t *Tree) RecordEvaluation(n *Node, r eval.Result) (bool, error) {
	written, err := t.cache.Record(n.Hash(), n.normFEN, r)
	if err != nil {
		return false, err
	}
	best, _ := t.cache.Lookup(n.Hash())
	n.mu.Lock()
	if n.eval == nil || best.Depth >= n.eval.Depth {
		n.eval = &best
	}
	n.mu.Unlock()
	return written, nil
}

// Mainline follows principal edges from the root.
func (t *Tree) Mainline() []*Edge {
	var line []*Edge
	seen := make(map[*Node]bool)
	for n := t.root; n != nil && !seen[n]; {
		seen[n] = true
		e := n.Principal()
		if e == nil {
			break
		}
		line = append(line, e)
		n = e.to
	}
	return line
}

// Walk visits every node reachable from the root once, depth-first.
// Returning false from fn stops descent below that node.
func (t *Tree) Walk(fn func(n *Node, depth int) bool) {
	seen := make(map[*Node]bool)
	var visit func(n *Node, depth int)
	visit = func(n *Node, depth int) {
		if seen[n] {
			return
		}
		seen[n] = true
		if !fn(n, depth) {
			return
		}
		for _, e := range n.Edges() {
			visit(e.to, depth+1)
		}
	}
	visit(t.root, 0)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tree

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/AleutianAI/chessbeast/services/annotate/eval"
	"github.com/AleutianAI/chessbeast/services/annotate/position"
)

// Status is the search lifecycle of a node.
type Status string

const (
	StatusUnvisited  Status = "unvisited"
	StatusInProgress Status = "in_progress"
	StatusExpanded   Status = "expanded"
	StatusTerminal   Status = "terminal"
)

// Outcome records how exploration of a node ended.
type Outcome string

const (
	OutcomeNone       Outcome = ""
	OutcomeSettled    Outcome = "settled"
	OutcomeExhausted  Outcome = "exhausted"
	OutcomeAborted    Outcome = "aborted"
	OutcomeUnanalyzed Outcome = "unanalyzed"
)

// IsFinal returns true once exploration of the node has ended.
func (o Outcome) IsFinal() bool {
	return o != OutcomeNone
}

// Source identifies who proposed an edge.
type Source string

const (
	SourceMainline    Source = "mainline"
	SourceEngine      Source = "engine"
	SourceHuman       Source = "human-model"
	SourceAgent       Source = "reasoning-agent"
	SourceUser        Source = "user"
	SourceExploration Source = "exploration"
)

// Node is one position in the variation tree.
//
// Nodes are shared between lines that transpose, so the tree is a DAG.
// Parent points at the edge that first created the node and does not
// own it.
//
// Thread Safety: all accessors are safe for concurrent use. Mutation goes
// through Tree.
type Node struct {
	id        string
	pos       *position.Position
	normFEN   string
	ply       int
	createdAt time.Time

	mu      sync.RWMutex
	eval    *eval.Result
	human   *eval.HumanPrediction
	status  Status
	outcome Outcome
	parent  *Edge
	edges   []*Edge
}

func newNode(id string, pos *position.Position, ply int) *Node {
	status := StatusUnvisited
	if pos.IsTerminal() {
		status = StatusTerminal
	}
	return &Node{
		id:        id,
		pos:       pos,
		normFEN:   pos.NormalizedFEN(),
		ply:       ply,
		createdAt: time.Now(),
		status:    status,
	}
}

func (n *Node) ID() string                   { return n.id }
func (n *Node) Position() *position.Position { return n.pos }
func (n *Node) FEN() string                  { return n.pos.FEN() }
func (n *Node) NormalizedFEN() string        { return n.normFEN }
func (n *Node) Hash() position.Hash          { return n.pos.Hash() }

// Ply is the half-move distance from the tree root along the path that
// first created the node.
func (n *Node) Ply() int { return n.ply }

// Evaluation returns the deepest evaluation recorded on this node.
func (n *Node) Evaluation() (eval.Result, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.eval == nil {
		return eval.Result{}, false
	}
	return *n.eval, true
}

// HumanPrediction returns the human-model output, if requested.
func (n *Node) HumanPrediction() (eval.HumanPrediction, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.human == nil {
		return eval.HumanPrediction{}, false
	}
	return *n.human, true
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

func (n *Node) Outcome() Outcome {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.outcome
}

// Parent returns the edge that created the node, or nil for roots.
func (n *Node) Parent() *Edge {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.parent
}

// Edges returns the outgoing edges in insertion order.
func (n *Node) Edges() []*Edge {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Edge, len(n.edges))
	copy(out, n.edges)
	return out
}

// Edge returns the outgoing edge for a UCI move, or nil.
func (n *Node) Edge(uci string) *Edge {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.edgeLocked(uci)
}

func (n *Node) edgeLocked(uci string) *Edge {
	for _, e := range n.edges {
		if e.move.UCI == uci {
			return e
		}
	}
	return nil
}

// Principal returns the principal outgoing edge, or nil.
func (n *Node) Principal() *Edge {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, e := range n.edges {
		if e.principal {
			return e
		}
	}
	return nil
}

// PathFromRoot returns the creating edges from the root down to n.
func (n *Node) PathFromRoot() []*Edge {
	var path []*Edge
	seen := make(map[*Node]bool)
	for cur := n; cur != nil && !seen[cur]; {
		seen[cur] = true
		e := cur.Parent()
		if e == nil {
			break
		}
		path = append(path, e)
		cur = e.from
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Edge is a move from one node to another.
//
// Edges are owned by their source node. Fields that change after
// creation (glyphs, comment, principal flag) are guarded by the source
// node's lock and only written through Tree.
type Edge struct {
	id     string
	from   *Node
	to     *Node
	move   position.Move
	source Source
	meta   EdgeMeta

	nags      []NAG
	comment   string
	principal bool
}

// EdgeMeta carries bookkeeping for an edge.
type EdgeMeta struct {
	CreatedAt time.Time `json:"created_at"`
	Priority  float64   `json:"priority"`
	Reason    string    `json:"reason,omitempty"`
}

func (e *Edge) ID() string          { return e.id }
func (e *Edge) From() *Node         { return e.from }
func (e *Edge) To() *Node           { return e.to }
func (e *Edge) UCI() string         { return e.move.UCI }
func (e *Edge) SAN() string         { return e.move.SAN }
func (e *Edge) Move() position.Move { return e.move }
func (e *Edge) Source() Source      { return e.source }
func (e *Edge) Meta() EdgeMeta      { return e.meta }

// NAGs returns the glyphs in the order they were added.
func (e *Edge) NAGs() []NAG {
	e.from.mu.RLock()
	defer e.from.mu.RUnlock()
	out := make([]NAG, len(e.nags))
	copy(out, e.nags)
	return out
}

// MoveQuality returns the edge's move-quality glyph, if any.
func (e *Edge) MoveQuality() (NAG, bool) {
	e.from.mu.RLock()
	defer e.from.mu.RUnlock()
	for _, n := range e.nags {
		if n.IsMoveQuality() {
			return n, true
		}
	}
	return 0, false
}

func (e *Edge) Comment() string {
	e.from.mu.RLock()
	defer e.from.mu.RUnlock()
	return e.comment
}

func (e *Edge) IsPrincipal() bool {
	e.from.mu.RLock()
	defer e.from.mu.RUnlock()
	return e.principal
}

// EdgeView is a serializable snapshot of an edge.
type EdgeView struct {
	ID        string   `json:"id"`
	UCI       string   `json:"uci"`
	SAN       string   `json:"san"`
	Source    Source   `json:"source"`
	NAGs      []string `json:"nags,omitempty"`
	Comment   string   `json:"comment,omitempty"`
	Principal bool     `json:"principal"`
	Priority  float64  `json:"priority"`
	ToFEN     string   `json:"to_fen"`
}

// View returns a snapshot of the edge.
func (e *Edge) View() EdgeView {
	e.from.mu.RLock()
	defer e.from.mu.RUnlock()
	v := EdgeView{
		ID:        e.id,
		UCI:       e.move.UCI,
		SAN:       e.move.SAN,
		Source:    e.source,
		Comment:   e.comment,
		Principal: e.principal,
		Priority:  e.meta.Priority,
		ToFEN:     e.to.FEN(),
	}
	for _, n := range e.nags {
		v.NAGs = append(v.NAGs, n.Symbol())
	}
	return v
}

// NodeView is a serializable snapshot of a node and its outgoing edges.
type NodeView struct {
	ID      string       `json:"id"`
	FEN     string       `json:"fen"`
	Hash    string       `json:"hash"`
	Ply     int          `json:"ply"`
	Status  Status       `json:"status"`
	Outcome Outcome      `json:"outcome,omitempty"`
	Eval    *eval.Result `json:"eval,omitempty"`
	Edges   []EdgeView   `json:"edges"`
}

// View returns a snapshot of the node.
func (n *Node) View() NodeView {
	v := NodeView{
		ID:   n.id,
		FEN:  n.FEN(),
		Hash: n.Hash().String(),
		Ply:  n.ply,
	}
	n.mu.RLock()
	v.Status = n.status
	v.Outcome = n.outcome
	if n.eval != nil {
		r := *n.eval
		v.Eval = &r
	}
	edges := make([]*Edge, len(n.edges))
	copy(edges, n.edges)
	n.mu.RUnlock()

	v.Edges = make([]EdgeView, 0, len(edges))
	for _, e := range edges {
		v.Edges = append(v.Edges, e.View())
	}
	return v
}

// MarshalJSON encodes the node snapshot.
func (n *Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.View())
}

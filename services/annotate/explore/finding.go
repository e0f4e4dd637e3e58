// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package explore

import (
	"github.com/AleutianAI/chessbeast/services/annotate/eval"
	"github.com/AleutianAI/chessbeast/services/annotate/tree"
)

// FindingKind classifies something the exploration found worth saying.
type FindingKind string

const (
	FindingMissedMate FindingKind = "missed-mate"
	FindingBlunder    FindingKind = "game-deciding-blunder"
	FindingBestMissed FindingKind = "best-alternative-missed"
	FindingTactic     FindingKind = "tactical-theme"
	FindingHumanTrap  FindingKind = "human-mismatch"
	FindingStrategic  FindingKind = "strategic-theme"
	FindingOpening    FindingKind = "opening"
	FindingOnlyMove   FindingKind = "only-move"
	FindingIncomplete FindingKind = "incomplete-analysis"
)

// Finding is one recorded result of exploring a line.
type Finding struct {
	Kind FindingKind `json:"kind"`

	// Ply and EdgeID locate the move the finding is about.
	Ply    int    `json:"ply"`
	EdgeID string `json:"edge_id,omitempty"`

	// Move is the SAN of that move; Better is the SAN of the suggested
	// alternative, if any.
	Move   string `json:"move,omitempty"`
	Better string `json:"better,omitempty"`

	// Delta is the mover's evaluation change in centipawns.
	Delta int `json:"delta"`

	// Confidence is 1 for settled analysis and lower for partial results.
	Confidence float64 `json:"confidence"`

	// Ideas are the idea keys the finding would introduce if narrated.
	Ideas []string `json:"ideas,omitempty"`

	// Facts are short statements handed to the phrasing prompt.
	Facts map[string]string `json:"facts,omitempty"`
}

// LineState is the exploration state of one line.
type LineState string

const (
	StateQueued     LineState = "queued"
	StateEvaluating LineState = "evaluating"
	StateBranching  LineState = "branching"
	StateSettled    LineState = "settled"
	StateExhausted  LineState = "exhausted"
	StateAborted    LineState = "aborted"
)

// Final reports whether the state ends the line.
func (s LineState) Final() bool {
	return s == StateSettled || s == StateExhausted || s == StateAborted
}

// LineResult is the outcome of exploring one node and the lines below it.
type LineResult struct {
	Node *tree.Node `json:"-"`
	// Via is the edge the line was entered through; nil at the start.
	Via    *tree.Edge `json:"-"`
	Tier   Tier       `json:"tier"`
	State  LineState  `json:"state"`
	Reason string     `json:"reason,omitempty"`
	Cached bool       `json:"cached"`

	// Evaluation is nil when the node could not be evaluated.
	Evaluation *eval.Result `json:"evaluation,omitempty"`

	// Children follow the canonical candidate order.
	Children []*LineResult `json:"children,omitempty"`

	// Findings are set on the line's starting node.
	Findings []Finding `json:"findings,omitempty"`
}

// Walk visits r and its descendants depth-first in canonical order.
func (r *LineResult) Walk(fn func(*LineResult)) {
	if r == nil {
		return
	}
	fn(r)
	for _, c := range r.Children {
		c.Walk(fn)
	}
}

// Count returns the number of results in the subtree with the given state.
func (r *LineResult) Count(state LineState) int {
	n := 0
	r.Walk(func(x *LineResult) {
		if x.State == state {
			n++
		}
	})
	return n
}

// Size returns the number of results in the subtree.
func (r *LineResult) Size() int {
	n := 0
	r.Walk(func(*LineResult) { n++ })
	return n
}

// Child returns the child entered through move uci, or nil.
func (r *LineResult) Child(uci string) *LineResult {
	for _, c := range r.Children {
		if c.Via != nil && c.Via.UCI() == uci {
			return c
		}
	}
	return nil
}

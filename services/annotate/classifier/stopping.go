// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import (
	"fmt"

	"github.com/AleutianAI/chessbeast/services/annotate/eval"
)

// Verdict is the stopping heuristic's answer.
type Verdict int

const (
	// Continue means another ply is worth searching.
	Continue Verdict = iota
	// Stop means the line has settled.
	Stop
	// HardStop means the line is decided; searching further wastes budget.
	HardStop
)

func (v Verdict) String() string {
	switch v {
	case Continue:
		return "continue"
	case Stop:
		return "stop"
	case HardStop:
		return "hard_stop"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Decision is a verdict with its reason.
type Decision struct {
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason,omitempty"`
}

// Stop reasons.
const (
	ReasonTerminal  = "terminal position"
	ReasonMate      = "forced mate"
	ReasonDecisive  = "decisive evaluation"
	ReasonSettled   = "evaluation settled"
	ReasonNoBudget  = "budget cannot afford another ply"
	ReasonExhausted = "budget exhausted"
)

// ContinuationInput describes the line at the node being assessed.
type ContinuationInput struct {
	// Terminal is true for checkmate or stalemate.
	Terminal bool

	// History holds the evaluations of successive plies along the line,
	// oldest first. Each entry is from its own side-to-move perspective.
	History []eval.ScoredPly

	// Iterations are the latest position's scores at successive search
	// depths, shallowest first, when the evaluator reported them.
	Iterations []eval.Iteration

	// NodesRemaining is the node budget left; negative means unlimited.
	NodesRemaining int64

	// BranchingFactor is the number of children the next ply would expand.
	BranchingFactor int
}

// AssessContinuation decides whether to keep searching a line.
//
// Description:
//
//	HardStop fires on a terminal position, a mate score at the latest
//	ply, or an evaluation beyond DecisiveCP for the same side on the last
//	two plies. Stop fires when the evaluation moved less than NoiseCP on
//	each of the last two iterations, or when the node budget is smaller
//	than the branching factor. An iteration is one search depth when the
//	latest evaluation carries at least three depths, and one ply along
//	the line otherwise.
func (c *Classifier) AssessContinuation(in ContinuationInput) Decision {
	if in.Terminal {
		return Decision{HardStop, ReasonTerminal}
	}
	if in.NodesRemaining == 0 {
		return Decision{HardStop, ReasonExhausted}
	}

	n := len(in.History)
	if n > 0 && in.History[n-1].Score.IsMate() {
		return Decision{HardStop, ReasonMate}
	}

	white := make([]int, n)
	for i, p := range in.History {
		white[i] = whitePOV(p)
	}

	if n >= 2 {
		last, prev := white[n-1], white[n-2]
		d := c.config.DecisiveCP
		if (last >= d && prev >= d) || (last <= -d && prev <= -d) {
			return Decision{HardStop, ReasonDecisive}
		}
	}

	if c.settled(white, in.Iterations) {
		return Decision{Stop, ReasonSettled}
	}

	if in.NodesRemaining > 0 && in.NodesRemaining < int64(max(in.BranchingFactor, 1)) {
		return Decision{Stop, ReasonNoBudget}
	}
	return Decision{Verdict: Continue}
}

func whitePOV(p eval.ScoredPly) int {
	v := p.Score.Bounded()
	if !p.WhiteToMove {
		return -v
	}
	return v
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// settled reports whether the last two iterations each moved the score
// less than NoiseCP. Depth iterations share one perspective, so they are
// compared directly.
func (c *Classifier) settled(white []int, iterations []eval.Iteration) bool {
	series := white
	if len(iterations) >= 3 {
		series = make([]int, len(iterations))
		for i, it := range iterations {
			series[i] = it.Score.Bounded()
		}
	}
	n := len(series)
	if n < 3 {
		return false
	}
	noise := c.config.NoiseCP
	return abs(series[n-1]-series[n-2]) < noise && abs(series[n-2]-series[n-3]) < noise
}

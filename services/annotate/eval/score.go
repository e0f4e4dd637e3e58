// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package eval defines evaluation values shared by the tree, the remote
// service clients and the exploration engine.
//
// All scores are from the perspective of the side to move in the
// evaluated position. Comparing a position with its child therefore
// requires negating the child's score; see MoverDelta.
package eval

import "fmt"

// MateValue is the centipawn equivalent of an immediate mate.
// Longer mates score MateValue minus the distance in moves.
const MateValue = 100000

// mateCap keeps mate scores comparable without dominating sums.
const mateCap = 1000

// Score is an engine score from the side-to-move perspective.
//
// Exactly one of Centipawns or Mate is meaningful: Mate != 0 means a
// forced mate in |Mate| moves, positive for the side to move.
type Score struct {
	Centipawns int `json:"cp"`
	Mate       int `json:"mate,omitempty"`
}

// CP returns a centipawn score.
func CP(cp int) Score { return Score{Centipawns: cp} }

// MateIn returns a mate score; n > 0 mates for the side to move.
func MateIn(n int) Score { return Score{Mate: n} }

// IsMate reports whether the score is a forced mate.
func (s Score) IsMate() bool { return s.Mate != 0 }

// Value returns a single integer suitable for ordering. Mate scores sit
// beyond any material score and shorter mates rank higher.
func (s Score) Value() int {
	switch {
	case s.Mate > 0:
		return MateValue - s.Mate
	case s.Mate < 0:
		return -MateValue - s.Mate
	default:
		return s.Centipawns
	}
}

// Bounded returns Value clipped to +/- (mateCap + distance) so a swing
// into a mate counts as a large but finite change.
func (s Score) Bounded() int {
	switch {
	case s.Mate > 0:
		return mateCap + 10*(50-min(s.Mate, 50))
	case s.Mate < 0:
		return -mateCap - 10*(50-min(-s.Mate, 50))
	default:
		return s.Centipawns
	}
}

// Negate flips the perspective to the other side.
func (s Score) Negate() Score {
	return Score{Centipawns: -s.Centipawns, Mate: -s.Mate}
}

func (s Score) String() string {
	if s.Mate != 0 {
		return fmt.Sprintf("#%d", s.Mate)
	}
	return fmt.Sprintf("%+dcp", s.Centipawns)
}

// Line is one principal variation returned by an evaluator.
type Line struct {
	Score Score    `json:"score"`
	Moves []string `json:"moves"`
}

// FirstMove returns the first UCI move of the line, or "".
func (l Line) FirstMove() string {
	if len(l.Moves) == 0 {
		return ""
	}
	return l.Moves[0]
}

// Result is an evaluation of one position.
//
// Lines[0] is the best line; Score and BestLine mirror it for convenience.
type Result struct {
	Score    Score    `json:"score"`
	Depth    int      `json:"depth"`
	BestLine []string `json:"best_line"`
	Lines    []Line   `json:"lines,omitempty"`
	Source   string   `json:"source,omitempty"`

	// Iterations holds the best line's score after each completed search
	// depth, shallowest first. Empty when the evaluator reports only the
	// final result.
	Iterations []Iteration `json:"iterations,omitempty"`

	// Classical is set when the evaluator also returned a feature breakdown.
	Classical *Classical `json:"classical,omitempty"`
}

// Iteration is the score reached at one search depth.
type Iteration struct {
	Depth int   `json:"depth"`
	Score Score `json:"score"`
}

// BestMove returns the first move of the best line, or "".
func (r Result) BestMove() string {
	if len(r.BestLine) == 0 {
		return ""
	}
	return r.BestLine[0]
}

// Classical is a hand-crafted evaluation split into terms, each from
// the side-to-move perspective in centipawns.
type Classical struct {
	Material    int `json:"material"`
	Imbalance   int `json:"imbalance"`
	Pawns       int `json:"pawns"`
	Knights     int `json:"knights"`
	Bishops     int `json:"bishops"`
	Rooks       int `json:"rooks"`
	Queens      int `json:"queens"`
	Mobility    int `json:"mobility"`
	KingSafety  int `json:"king_safety"`
	Threats     int `json:"threats"`
	PassedPawns int `json:"passed"`
	Space       int `json:"space"`
	Winnable    int `json:"winnable"`
	Total       int `json:"total"`
}

// Terms returns the named non-material terms in a fixed order.
func (c Classical) Terms() []Term {
	return []Term{
		{"mobility", c.Mobility},
		{"king_safety", c.KingSafety},
		{"threats", c.Threats},
		{"passed_pawns", c.PassedPawns},
		{"space", c.Space},
		{"pawn_structure", c.Pawns},
		{"piece_activity", c.Knights + c.Bishops + c.Rooks + c.Queens},
	}
}

// Term is a named classical component.
type Term struct {
	Name  string
	Value int
}

// MoveProbability is a human-model prediction for one move.
type MoveProbability struct {
	Move        string  `json:"move"`
	Probability float64 `json:"probability"`
}

// HumanPrediction is the human-likelihood model output for a position.
type HumanPrediction struct {
	RatingBand int               `json:"rating_band"`
	Moves      []MoveProbability `json:"predictions"`
}

// Probability returns the predicted probability of uci, or 0.
func (h HumanPrediction) Probability(uci string) float64 {
	for _, m := range h.Moves {
		if m.Move == uci {
			return m.Probability
		}
	}
	return 0
}

// RatingEstimate is a rating inferred from a sequence of played moves.
type RatingEstimate struct {
	Rating         int `json:"estimated_rating"`
	ConfidenceLow  int `json:"confidence_low"`
	ConfidenceHigh int `json:"confidence_high"`
}

// Opening is a reference-database match for a move sequence.
type Opening struct {
	ECO             string `json:"eco"`
	Name            string `json:"name"`
	MatchedPlies    int    `json:"matched_ply_count"`
	LeftTheoryAtPly int    `json:"left_theory_at_ply"`
}

// Known reports whether any opening matched.
func (o Opening) Known() bool { return o.MatchedPlies > 0 }

// MoverDelta is the change in evaluation caused by a move, from the
// perspective of the player who made it.
//
// before is the score of the position before the move (mover to move);
// after is the score of the resulting position (opponent to move), so it
// is negated. Negative values mean the move cost the mover.
func MoverDelta(before, after Score) int {
	return after.Negate().Bounded() - before.Bounded()
}

// ScoredPly is one position of a game with its evaluation.
type ScoredPly struct {
	// WhiteToMove is the side to move in the evaluated position.
	WhiteToMove bool
	Score       Score
}

// PlayerDelta returns the evaluation change across history from the
// perspective of one player, comparing the first and last positions.
//
// Inputs:
//
//	history - Consecutive evaluated positions.
//	white - True for the white player's perspective.
//
// Outputs:
//
//	int - Bounded centipawn change; 0 when history has fewer than two entries.
func PlayerDelta(history []ScoredPly, white bool) int {
	if len(history) < 2 {
		return 0
	}
	return forPlayer(history[len(history)-1], white) - forPlayer(history[0], white)
}

func forPlayer(p ScoredPly, white bool) int {
	v := p.Score.Bounded()
	if p.WhiteToMove != white {
		return -v
	}
	return v
}

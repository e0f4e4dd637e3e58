// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package remote defines the contracts of the analysis services the
// annotator consumes and provides gRPC and local UCI implementations
// plus a guard that applies deadlines, rate limits, fan-out limits,
// retries and circuit breaking to any of them.
package remote

import (
	"context"

	"github.com/AleutianAI/chessbeast/services/annotate/eval"
)

// Service names used for breakers, metrics and logs.
const (
	ServiceStockfish   = "stockfish"
	ServiceMaia        = "maia"
	ServiceStockfish16 = "stockfish16"
	ServiceReference   = "reference"
	ServiceLLM         = "llm"
)

// EvaluateRequest asks for an evaluation of one position.
//
// At least one of Depth, TimeLimitMs or Nodes should be set; an engine
// given none searches to depth 20.
type EvaluateRequest struct {
	FEN         string `json:"fen"`
	Depth       int    `json:"depth,omitempty"`
	TimeLimitMs int    `json:"time_limit_ms,omitempty"`
	MultiPV     int    `json:"multipv,omitempty"`
	Nodes       int64  `json:"nodes,omitempty"`
}

// Evaluator scores positions from the side-to-move perspective.
type Evaluator interface {
	Evaluate(ctx context.Context, req EvaluateRequest) (eval.Result, error)
}

// PlayedMove is one move of a game with the position it was played in.
type PlayedMove struct {
	FEN  string `json:"fen"`
	Move string `json:"played_move"`
}

// HumanPredictor predicts what a human of a given rating would play.
type HumanPredictor interface {
	PredictMoves(ctx context.Context, fen string, ratingBand int) (eval.HumanPrediction, error)
	EstimateRating(ctx context.Context, moves []PlayedMove) (eval.RatingEstimate, error)
}

// ClassicalEvaluator returns a hand-crafted evaluation split into terms.
type ClassicalEvaluator interface {
	ClassicalEval(ctx context.Context, fen string) (eval.Classical, error)
}

// ReferenceLookup matches a move sequence or a single position against
// an opening database. LookupPosition finds transpositions: it names the
// book line that reaches a FEN regardless of the moves played.
type ReferenceLookup interface {
	LookupOpening(ctx context.Context, moves []string) (eval.Opening, error)
	LookupPosition(ctx context.Context, fen string) (eval.Opening, error)
}

// Health is a dependency health report.
type Health struct {
	Service string `json:"service"`
	Healthy bool   `json:"healthy"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthChecker reports whether a dependency can serve requests.
type HealthChecker interface {
	HealthCheck(ctx context.Context) (Health, error)
}

// Services bundles the dependencies of one annotation run. Any field
// may be nil when that service is not configured.
type Services struct {
	Evaluator Evaluator
	Human     HumanPredictor
	Classical ClassicalEvaluator
	Reference ReferenceLookup
}

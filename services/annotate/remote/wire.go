// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package remote

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/AleutianAI/chessbeast/services/annotate/eval"
)

// jsonCodec carries service messages as JSON over gRPC so the services
// need no generated stubs on this side.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

// Full method names of the analysis services.
const (
	methodEvaluate        = "/stockfish.StockfishService/Evaluate"
	methodStockfishHealth = "/stockfish.StockfishService/HealthCheck"
	methodPredictMoves    = "/maia.MaiaService/PredictMoves"
	methodEstimateRating  = "/maia.MaiaService/EstimateRating"
	methodMaiaHealth      = "/maia.MaiaService/HealthCheck"
	methodClassicalEval   = "/stockfish16.Stockfish16Service/GetClassicalEval"
	methodSF16Health      = "/stockfish16.Stockfish16Service/HealthCheck"
)

type evaluateResponse struct {
	Cp           int                `json:"cp"`
	Mate         int                `json:"mate"`
	Depth        int                `json:"depth"`
	BestLine     []string           `json:"best_line"`
	Alternatives []evaluateResponse `json:"alternatives,omitempty"`
}

func (r evaluateResponse) score() eval.Score {
	if r.Mate != 0 {
		return eval.MateIn(r.Mate)
	}
	return eval.CP(r.Cp)
}

func (r evaluateResponse) toResult(source string) eval.Result {
	res := eval.Result{
		Score:    r.score(),
		Depth:    r.Depth,
		BestLine: r.BestLine,
		Source:   source,
	}
	res.Lines = append(res.Lines, eval.Line{Score: r.score(), Moves: r.BestLine})
	for _, alt := range r.Alternatives {
		res.Lines = append(res.Lines, eval.Line{Score: alt.score(), Moves: alt.BestLine})
	}
	return res
}

type predictRequest struct {
	FEN        string `json:"fen"`
	RatingBand int    `json:"rating_band"`
}

type predictResponse struct {
	Predictions []eval.MoveProbability `json:"predictions"`
}

type estimateRatingRequest struct {
	Moves []PlayedMove `json:"moves"`
}

type fenRequest struct {
	FEN string `json:"fen"`
}

type healthRequest struct{}

type healthResponse struct {
	Healthy      bool   `json:"healthy"`
	Version      string `json:"version,omitempty"`
	LoadedModels []int  `json:"loaded_models,omitempty"`
}

type phaseScore struct {
	MG float64 `json:"mg"`
	EG float64 `json:"eg"`
}

type sideBreakdown struct {
	White phaseScore `json:"white"`
	Black phaseScore `json:"black"`
	Total phaseScore `json:"total"`
}

// cp tapers the middlegame and endgame totals evenly and converts pawns
// to centipawns.
func (s sideBreakdown) cp() int {
	return int(math.Round((s.Total.MG + s.Total.EG) / 2 * 100))
}

type classicalResponse struct {
	Material    sideBreakdown `json:"material"`
	Imbalance   sideBreakdown `json:"imbalance"`
	Pawns       sideBreakdown `json:"pawns"`
	Knights     sideBreakdown `json:"knights"`
	Bishops     sideBreakdown `json:"bishops"`
	Rooks       sideBreakdown `json:"rooks"`
	Queens      sideBreakdown `json:"queens"`
	Mobility    sideBreakdown `json:"mobility"`
	KingSafety  sideBreakdown `json:"king_safety"`
	Threats     sideBreakdown `json:"threats"`
	Passed      sideBreakdown `json:"passed"`
	Space       sideBreakdown `json:"space"`
	Winnable    sideBreakdown `json:"winnable"`
	Total       sideBreakdown `json:"total"`
	FinalEvalCp int           `json:"final_eval_cp"`
}

// toClassical converts White-relative terms to the side-to-move
// perspective of fen.
func (r classicalResponse) toClassical(fen string) eval.Classical {
	sign := 1
	if fields := strings.Fields(fen); len(fields) > 1 && fields[1] == "b" {
		sign = -1
	}
	total := r.Total.cp()
	if r.FinalEvalCp != 0 {
		total = r.FinalEvalCp
	}
	return eval.Classical{
		Material:    sign * r.Material.cp(),
		Imbalance:   sign * r.Imbalance.cp(),
		Pawns:       sign * r.Pawns.cp(),
		Knights:     sign * r.Knights.cp(),
		Bishops:     sign * r.Bishops.cp(),
		Rooks:       sign * r.Rooks.cp(),
		Queens:      sign * r.Queens.cp(),
		Mobility:    sign * r.Mobility.cp(),
		KingSafety:  sign * r.KingSafety.cp(),
		Threats:     sign * r.Threats.cp(),
		PassedPawns: sign * r.Passed.cp(),
		Space:       sign * r.Space.cp(),
		Winnable:    sign * r.Winnable.cp(),
		Total:       sign * total,
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package explore

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/AleutianAI/chessbeast/services/annotate/classifier"
	"github.com/AleutianAI/chessbeast/services/annotate/eval"
	"github.com/AleutianAI/chessbeast/services/annotate/position"
	"github.com/AleutianAI/chessbeast/services/annotate/remote"
)

// Scores below which a position already counts as lost for the mover,
// and at which a blunder is said to decide the game.
const (
	blunderFromCP = -200
	blunderToCP   = -300
)

// MoverDelta is the change in the mover's evaluation caused by a move.
// before is from the mover's perspective, after from the opponent's.
func MoverDelta(before, after eval.Score) int { return eval.MoverDelta(before, after) }

// PlayerDelta is the change in one player's evaluation across a line of
// successive plies.
func PlayerDelta(history []eval.ScoredPly, white bool) int {
	return eval.PlayerDelta(history, white)
}

// summarize derives the findings for the point of interest.
func (e *Engine) summarize(ctx context.Context, run *lineRun, res *LineResult) []Finding {
	var findings []Finding
	node := res.Node
	ply := node.Ply() + 1

	if res.Evaluation == nil {
		if res.State == StateExhausted {
			findings = append(findings, Finding{
				Kind: FindingIncomplete, Ply: ply, Confidence: 0,
				Facts: map[string]string{"reason": res.Reason},
			})
		}
		return findings
	}

	before := res.Evaluation.Score
	played := res.Child(run.req.Played)
	better := ""
	if best := res.Evaluation.BestMove(); best != "" && best != run.req.Played {
		better = sanOf(node.Position(), best)
	}

	if pe, ok := evaluationOf(played); ok {
		after := pe.Score
		delta := MoverDelta(before, after)
		f := Finding{
			Ply:        ply,
			EdgeID:     played.Via.ID(),
			Move:       played.Via.SAN(),
			Better:     better,
			Delta:      delta,
			Confidence: confidence(played),
			Facts: map[string]string{
				"before": before.String(),
				"after":  after.Negate().String(),
			},
		}
		g := e.config.Glyphs
		switch {
		case before.Mate > 0 && after.Mate >= 0:
			f.Kind = FindingMissedMate
			f.Ideas = []string{"mate:missed"}
			f.Facts["mate_in"] = strconv.Itoa(before.Mate)
			findings = append(findings, f)
		case delta <= -g.Blunder && before.Bounded() > blunderFromCP && after.Negate().Bounded() <= blunderToCP:
			f.Kind = FindingBlunder
			f.Ideas = []string{"result:decided"}
			findings = append(findings, f)
		case delta <= -g.Inaccuracy && better != "":
			f.Kind = FindingBestMissed
			f.Ideas = []string{"alternative:" + res.Evaluation.BestMove()}
			findings = append(findings, f)
		}
	}

	cands := e.rank(node, *res.Evaluation, run.req.Suggestions)
	if len(cands) > 0 && cands[0].OnlyMove && cands[0].Move == run.req.Played {
		findings = append(findings, Finding{
			Kind: FindingOnlyMove, Ply: ply, Move: sanOf(node.Position(), cands[0].Move),
			Confidence: 1, Ideas: []string{"only-move"},
		})
	}
	for _, c := range classifier.Top(cands, e.config.Tiers.Settings(res.Tier).Expand) {
		if c.Move == run.req.Played {
			continue
		}
		switch {
		case c.Tag == classifier.TagInteresting && c.Tactical:
			idea := "tactic:capture"
			if san := sanOf(node.Position(), c.Move); len(san) > 0 && (san[len(san)-1] == '+' || san[len(san)-1] == '#') {
				idea = "tactic:check"
			}
			findings = append(findings, Finding{
				Kind: FindingTactic, Ply: ply, Better: sanOf(node.Position(), c.Move),
				Confidence: 0.8, Ideas: []string{idea},
			})
		case c.Tag == classifier.TagAttractiveBad:
			findings = append(findings, Finding{
				Kind: FindingHumanTrap, Ply: ply, Better: sanOf(node.Position(), c.Move),
				Delta: -c.EngineGap, Confidence: 0.7, Ideas: []string{"trap:" + c.Move},
				Facts: map[string]string{"probability": strconv.FormatFloat(c.HumanProbability, 'f', 2, 64)},
			})
		}
	}

	if c := res.Evaluation.Classical; c != nil {
		var top eval.Term
		for _, t := range c.Terms() {
			if abs(t.Value) > abs(top.Value) {
				top = t
			}
		}
		if top.Name != "" && abs(top.Value) >= e.config.ThemeCP {
			findings = append(findings, Finding{
				Kind: FindingStrategic, Ply: ply, Confidence: 0.6,
				Ideas: []string{"theme:" + top.Name},
				Facts: map[string]string{"theme": top.Name, "favours": favours(node.Position(), top.Value)},
			})
		}
	}

	if op, ok := e.opening(ctx, run); ok {
		facts := map[string]string{"eco": op.ECO, "name": op.Name}
		if op.LeftTheoryAtPly > 0 {
			facts["left_theory_at"] = strconv.Itoa(op.LeftTheoryAtPly)
		} else {
			facts["book_plies"] = strconv.Itoa(op.MatchedPlies)
		}
		findings = append(findings, Finding{
			Kind: FindingOpening, Ply: ply, Confidence: 1,
			Ideas: []string{"opening:" + op.ECO},
			Facts: facts,
		})
	}

	if n := res.Count(StateExhausted); n > 0 {
		findings = append(findings, Finding{
			Kind: FindingIncomplete, Ply: ply, Confidence: 0.5,
			Facts: map[string]string{"exhausted_lines": strconv.Itoa(n)},
		})
	}
	return findings
}

// opening looks up the game's opening when the tier asks for it. With the
// game's moves it reports the ply that just left theory; without them the
// node's position is looked up directly, which names openings reached by
// transposition or from a side line.
func (e *Engine) opening(ctx context.Context, run *lineRun) (eval.Opening, bool) {
	if e.services.Reference == nil {
		return eval.Opening{}, false
	}
	tier := e.config.Tiers.Select(TierInput{IsRoot: run.req.Node == e.tree.Root(), Recommendation: run.req.Recommendation})
	if !e.config.Tiers.Settings(tier).Reference || e.session.Budget().Check() != nil {
		return eval.Opening{}, false
	}
	e.session.CountAPICall(remote.ServiceReference)
	if len(run.req.Moves) == 0 {
		op, err := e.services.Reference.LookupPosition(ctx, run.req.Node.FEN())
		if err != nil {
			e.logger.Debug("position lookup unavailable", slog.String("error", err.Error()))
			return eval.Opening{}, false
		}
		return op, op.Known()
	}
	op, err := e.services.Reference.LookupOpening(ctx, run.req.Moves)
	if err != nil {
		e.logger.Debug("opening lookup unavailable", slog.String("error", err.Error()))
		return eval.Opening{}, false
	}
	if !op.Known() || op.LeftTheoryAtPly != len(run.req.Moves) {
		return eval.Opening{}, false
	}
	return op, true
}

func confidence(r *LineResult) float64 {
	switch r.State {
	case StateSettled:
		if r.Count(StateExhausted) > 0 {
			return 0.75
		}
		return 1
	case StateExhausted:
		return 0.5
	default:
		return 0.25
	}
}

// favours names the side a side-to-move term benefits.
func favours(p *position.Position, v int) string {
	side := p.SideToMove()
	if v < 0 {
		side = side.Opponent()
	}
	return side.String()
}

func sanOf(p *position.Position, uci string) string {
	m, err := p.Resolve(uci)
	if err != nil {
		return uci
	}
	return m.SAN
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package classifier ranks candidate moves gathered from the engine,
// the human-likelihood model and the reasoning agent, and decides when
// searching a line further stops paying for itself.
package classifier

import (
	"fmt"
	"sort"

	"github.com/AleutianAI/chessbeast/services/annotate/eval"
)

// Origin is a source of candidate moves.
type Origin string

const (
	OriginEngine Origin = "engine"
	OriginHuman  Origin = "human-model"
	OriginAgent  Origin = "agent"
)

// precedence orders origins for tie-breaks; lower wins.
func (o Origin) precedence() int {
	switch o {
	case OriginEngine:
		return 0
	case OriginHuman:
		return 1
	case OriginAgent:
		return 2
	default:
		return 3
	}
}

// Tag is the classification bucket of a candidate.
type Tag string

const (
	TagBest          Tag = "best"
	TagInteresting   Tag = "interesting"
	TagAttractiveBad Tag = "attractive-bad"
	TagRoutine       Tag = "routine"
)

// Config holds the classifier thresholds. Centipawn values are from the
// side-to-move perspective.
type Config struct {
	// BestGapCP is the largest gap to the top engine line still tagged best.
	BestGapCP int `yaml:"best_gap_cp" json:"best_gap_cp" validate:"gte=0"`

	// AttractiveBadGapCP is the gap beyond which a human-likely move is a trap.
	AttractiveBadGapCP int `yaml:"attractive_bad_gap_cp" json:"attractive_bad_gap_cp" validate:"gtefield=BestGapCP"`

	// HumanLikelyProbability is the probability at which a move is human-likely.
	HumanLikelyProbability float64 `yaml:"human_likely_probability" json:"human_likely_probability" validate:"gt=0,lte=1"`

	// InterestingSwingCP is the evaluation swing that makes a move interesting.
	InterestingSwingCP int `yaml:"interesting_swing_cp" json:"interesting_swing_cp" validate:"gt=0"`

	// AgreementBonus is added to priority for each source beyond the first.
	AgreementBonus float64 `yaml:"agreement_bonus" json:"agreement_bonus" validate:"gte=0"`

	// DecisiveCP is the evaluation beyond which a position is decided.
	DecisiveCP int `yaml:"decisive_cp" json:"decisive_cp" validate:"gt=0"`

	// NoiseCP is the evaluation change below which another ply adds nothing.
	NoiseCP int `yaml:"noise_cp" json:"noise_cp" validate:"gte=0"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		BestGapCP:              20,
		AttractiveBadGapCP:     100,
		HumanLikelyProbability: 0.2,
		InterestingSwingCP:     150,
		AgreementBonus:         0.25,
		DecisiveCP:             500,
		NoiseCP:                15,
	}
}

// Suggestion is a move proposed by the reasoning agent.
type Suggestion struct {
	Move string
	// Priority is the agent's own weight in [0,1]; 0 means 0.5.
	Priority float64
	Tactical bool
	Reason   string
}

// RankInput is everything known about the candidates at one node.
type RankInput struct {
	// Engine lines, best first, from the side-to-move perspective.
	Engine []eval.Line

	// Human is the human-model prediction, if requested.
	Human *eval.HumanPrediction

	// Agent holds reasoning-agent suggestions.
	Agent []Suggestion

	// Tactical marks moves already known to carry a tactical theme.
	Tactical map[string]bool
}

// Candidate is one ranked move.
type Candidate struct {
	Move     string   `json:"move"`
	Sources  []Origin `json:"sources"`
	Priority float64  `json:"priority"`
	Tag      Tag      `json:"tag"`

	// EngineScore is valid when HasEngine is true.
	EngineScore eval.Score `json:"engine_score"`
	HasEngine   bool       `json:"has_engine"`

	// EngineGap is the bounded centipawn gap to the top engine line.
	EngineGap int `json:"engine_gap"`

	HumanProbability float64 `json:"human_probability"`
	Tactical         bool    `json:"tactical"`

	// OnlyMove is set on the top engine move when every alternative is
	// worse by at least InterestingSwingCP.
	OnlyMove bool `json:"only_move"`

	raw float64
}

// BestSource returns the highest-precedence source.
func (c Candidate) BestSource() Origin {
	if len(c.Sources) == 0 {
		return ""
	}
	return c.Sources[0]
}

// HasSource reports whether o proposed the move.
func (c Candidate) HasSource(o Origin) bool {
	for _, s := range c.Sources {
		if s == o {
			return true
		}
	}
	return false
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s[%s p=%.3f gap=%d]", c.Move, c.Tag, c.Priority, c.EngineGap)
}

// Classifier ranks candidates and assesses continuation.
//
// Thread Safety: immutable after construction; safe for concurrent use.
type Classifier struct {
	config Config
}

// New creates a classifier. Zero thresholds take defaults.
func New(config Config) *Classifier {
	def := DefaultConfig()
	if config.BestGapCP == 0 && config.AttractiveBadGapCP == 0 {
		config.BestGapCP = def.BestGapCP
		config.AttractiveBadGapCP = def.AttractiveBadGapCP
	}
	if config.HumanLikelyProbability <= 0 {
		config.HumanLikelyProbability = def.HumanLikelyProbability
	}
	if config.InterestingSwingCP <= 0 {
		config.InterestingSwingCP = def.InterestingSwingCP
	}
	if config.DecisiveCP <= 0 {
		config.DecisiveCP = def.DecisiveCP
	}
	return &Classifier{config: config}
}

// Config returns the thresholds in use.
func (c *Classifier) Config() Config { return c.config }

// Rank merges the proposals of every source and orders them.
//
// Description:
//
//	Each source gives a move a base priority in [0,1]: engine lines by
//	gap to the top line, human predictions by probability, agent
//	suggestions by their own weight. A move's priority is its best base
//	plus AgreementBonus for each additional source. Ties are broken by
//	source precedence (engine, human model, agent), then raw score of
//	that source, then move text, so the order never depends on map
//	iteration or completion order.
//
// Outputs:
//
//	[]Candidate - Ranked candidates, highest priority first.
func (c *Classifier) Rank(in RankInput) []Candidate {
	byMove := make(map[string]*Candidate)
	order := make([]string, 0)
	get := func(move string) *Candidate {
		if cand, ok := byMove[move]; ok {
			return cand
		}
		cand := &Candidate{Move: move}
		byMove[move] = cand
		order = append(order, move)
		return cand
	}

	type base struct {
		origin Origin
		value  float64
		raw    float64
	}
	bases := make(map[string][]base)

	var top int
	if len(in.Engine) > 0 {
		top = in.Engine[0].Score.Bounded()
	}
	for i, line := range in.Engine {
		move := line.FirstMove()
		if move == "" {
			continue
		}
		cand := get(move)
		if cand.HasEngine {
			continue
		}
		gap := max(top-line.Score.Bounded(), 0)
		cand.HasEngine = true
		cand.EngineScore = line.Score
		cand.EngineGap = gap
		if i == 0 && len(in.Engine) > 1 {
			next := in.Engine[1].Score.Bounded()
			cand.OnlyMove = top-next >= c.config.InterestingSwingCP
		}
		bases[move] = append(bases[move], base{OriginEngine, 1 - float64(min(gap, 1000))/1000, float64(line.Score.Bounded())})
	}

	if in.Human != nil {
		for _, mp := range in.Human.Moves {
			if mp.Move == "" {
				continue
			}
			cand := get(mp.Move)
			if cand.HumanProbability > 0 {
				continue
			}
			cand.HumanProbability = mp.Probability
			bases[mp.Move] = append(bases[mp.Move], base{OriginHuman, mp.Probability, mp.Probability})
		}
	}

	seenAgent := make(map[string]bool)
	for _, s := range in.Agent {
		if s.Move == "" || seenAgent[s.Move] {
			continue
		}
		seenAgent[s.Move] = true
		cand := get(s.Move)
		if s.Tactical {
			cand.Tactical = true
		}
		p := s.Priority
		if p <= 0 {
			p = 0.5
		}
		bases[s.Move] = append(bases[s.Move], base{OriginAgent, min(p, 1), p})
	}

	out := make([]Candidate, 0, len(order))
	for _, move := range order {
		cand := byMove[move]
		bs := bases[move]
		sort.SliceStable(bs, func(i, j int) bool { return bs[i].origin.precedence() < bs[j].origin.precedence() })
		best := 0.0
		for _, b := range bs {
			cand.Sources = append(cand.Sources, b.origin)
			best = max(best, b.value)
		}
		cand.Priority = best + c.config.AgreementBonus*float64(len(bs)-1)
		cand.raw = bs[0].raw
		if in.Tactical[move] {
			cand.Tactical = true
		}
		cand.Tag = c.tag(*cand)
		out = append(out, *cand)
	}

	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func less(a, b Candidate) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	pa, pb := a.BestSource().precedence(), b.BestSource().precedence()
	if pa != pb {
		return pa < pb
	}
	if a.raw != b.raw {
		return a.raw > b.raw
	}
	return a.Move < b.Move
}

// tag assigns the bucket. A human-likely trap outranks the other tags
// because it is the most instructive.
func (c *Classifier) tag(cand Candidate) Tag {
	humanLikely := cand.HumanProbability >= c.config.HumanLikelyProbability
	switch {
	case cand.HasEngine && humanLikely && cand.EngineGap > c.config.AttractiveBadGapCP:
		return TagAttractiveBad
	case cand.HasEngine && cand.EngineGap <= c.config.BestGapCP:
		return TagBest
	case cand.Tactical || (cand.HasEngine && cand.EngineGap >= c.config.InterestingSwingCP):
		return TagInteresting
	default:
		return TagRoutine
	}
}

// Top returns at most n candidates, keeping rank order.
func Top(cands []Candidate, n int) []Candidate {
	if n < 0 || n >= len(cands) {
		return cands
	}
	return cands[:n]
}

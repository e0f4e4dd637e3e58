// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package explore

import (
	"fmt"
	"strings"
)

// Tier is the analysis depth applied to one node.
//
// Tiers are ordered from richest to cheapest, so a larger value never
// searches deeper than a smaller one.
type Tier int

const (
	TierFull Tier = iota
	TierStandard
	TierShallow
	TierMinimal
)

// Tiers lists every tier from richest to cheapest.
var Tiers = []Tier{TierFull, TierStandard, TierShallow, TierMinimal}

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierFull:
		return "full"
	case TierStandard:
		return "standard"
	case TierShallow:
		return "shallow"
	case TierMinimal:
		return "minimal"
	default:
		return "unknown"
	}
}

// ParseTier parses a tier name.
func ParseTier(s string) (Tier, error) {
	for _, t := range Tiers {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return TierMinimal, fmt.Errorf("unknown tier %q", s)
}

// Recommendation is a fast-path hint from the caller about a position.
type Recommendation string

const (
	RecommendNone Recommendation = ""
	// RecommendSkip marks a position not worth analysing beyond a glance.
	RecommendSkip Recommendation = "SKIP"
)

// TierSettings fixes what one tier asks of the remote services.
type TierSettings struct {
	// EngineDepth is the evaluator search depth.
	EngineDepth int `yaml:"engine_depth" json:"engine_depth" validate:"gte=1,lte=60"`

	// Lines is the number of engine lines (MultiPV) requested.
	Lines int `yaml:"lines" json:"lines" validate:"gte=1,lte=10"`

	// Expand is how many ranked candidates are explored below the node.
	Expand int `yaml:"expand" json:"expand" validate:"gte=0,lte=10"`

	// Classical requests the classical feature breakdown.
	Classical bool `yaml:"classical" json:"classical"`

	// Reference requests an opening book lookup.
	Reference bool `yaml:"reference" json:"reference"`

	// Human requests human-move predictions.
	Human bool `yaml:"human" json:"human"`
}

// signals returns the optional signals as a bit set.
func (s TierSettings) signals() int {
	v := 0
	if s.Classical {
		v |= 1
	}
	if s.Reference {
		v |= 2
	}
	if s.Human {
		v |= 4
	}
	return v
}

// TierTable holds the settings of every tier and the distance bands that
// assign them.
type TierTable struct {
	Full     TierSettings `yaml:"full" json:"full"`
	Standard TierSettings `yaml:"standard" json:"standard"`
	Shallow  TierSettings `yaml:"shallow" json:"shallow"`
	Minimal  TierSettings `yaml:"minimal" json:"minimal"`

	// StandardFrom, ShallowFrom and MinimalFrom are the ply distances
	// from the point of interest at which each tier starts.
	StandardFrom int `yaml:"standard_from" json:"standard_from" validate:"gte=1"`
	ShallowFrom  int `yaml:"shallow_from" json:"shallow_from" validate:"gtefield=StandardFrom"`
	MinimalFrom  int `yaml:"minimal_from" json:"minimal_from" validate:"gtefield=ShallowFrom"`
}

// DefaultTierTable returns the default tier table.
func DefaultTierTable() TierTable {
	return TierTable{
		Full:         TierSettings{EngineDepth: 22, Lines: 3, Expand: 3, Classical: true, Reference: true, Human: true},
		Standard:     TierSettings{EngineDepth: 18, Lines: 2, Expand: 2, Classical: true, Human: true},
		Shallow:      TierSettings{EngineDepth: 14, Lines: 1, Expand: 1, Human: true},
		Minimal:      TierSettings{EngineDepth: 10, Lines: 1, Expand: 0},
		StandardFrom: 1,
		ShallowFrom:  3,
		MinimalFrom:  6,
	}
}

// Settings returns the settings of a tier.
func (t TierTable) Settings(tier Tier) TierSettings {
	switch tier {
	case TierFull:
		return t.Full
	case TierStandard:
		return t.Standard
	case TierShallow:
		return t.Shallow
	default:
		return t.Minimal
	}
}

// Validate checks that the table degrades monotonically.
//
// Description:
//
//	Each tier must search at least as deep, with at least as many lines
//	and expansions, as the next cheaper tier, and must request every
//	optional signal the cheaper tier requests.
//
// Outputs:
//
//	error - Names the first offending pair of tiers, or nil.
func (t TierTable) Validate() error {
	for i := 0; i+1 < len(Tiers); i++ {
		hi, lo := Tiers[i], Tiers[i+1]
		a, b := t.Settings(hi), t.Settings(lo)
		switch {
		case a.EngineDepth < b.EngineDepth:
			return fmt.Errorf("tier %s engine_depth %d < tier %s engine_depth %d", hi, a.EngineDepth, lo, b.EngineDepth)
		case a.Lines < b.Lines:
			return fmt.Errorf("tier %s lines %d < tier %s lines %d", hi, a.Lines, lo, b.Lines)
		case a.Expand < b.Expand:
			return fmt.Errorf("tier %s expand %d < tier %s expand %d", hi, a.Expand, lo, b.Expand)
		case a.signals()&b.signals() != b.signals():
			return fmt.Errorf("tier %s requests signals tier %s does not", lo, hi)
		}
	}
	if t.StandardFrom < 1 || t.ShallowFrom < t.StandardFrom || t.MinimalFrom < t.ShallowFrom {
		return fmt.Errorf("tier bands must satisfy 1 <= standard_from (%d) <= shallow_from (%d) <= minimal_from (%d)",
			t.StandardFrom, t.ShallowFrom, t.MinimalFrom)
	}
	return nil
}

// TierInput describes a node for tier selection.
type TierInput struct {
	// Distance is the ply distance from the point of interest.
	Distance int

	// IsRoot is true for the initial position of the game.
	IsRoot bool

	Recommendation Recommendation
}

// Select assigns a tier.
//
// The initial position is always full. Otherwise a SKIP recommendation
// forces minimal, and the tier degrades with distance from the point of
// interest.
func (t TierTable) Select(in TierInput) Tier {
	switch {
	case in.IsRoot:
		return TierFull
	case in.Recommendation == RecommendSkip:
		return TierMinimal
	case in.Distance >= t.MinimalFrom:
		return TierMinimal
	case in.Distance >= t.ShallowFrom:
		return TierShallow
	case in.Distance >= t.StandardFrom:
		return TierStandard
	default:
		return TierFull
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import (
	"github.com/AleutianAI/chessbeast/services/annotate/eval"
	"github.com/AleutianAI/chessbeast/services/annotate/tree"
)

// GlyphThresholds are the mover-perspective losses, in centipawns, at
// which a played move earns a quality glyph.
type GlyphThresholds struct {
	Inaccuracy int `yaml:"inaccuracy" json:"inaccuracy" validate:"gt=0"`
	Mistake    int `yaml:"mistake" json:"mistake" validate:"gtfield=Inaccuracy"`
	Blunder    int `yaml:"blunder" json:"blunder" validate:"gtfield=Mistake"`
}

// DefaultGlyphThresholds returns 50/150/300.
func DefaultGlyphThresholds() GlyphThresholds {
	return GlyphThresholds{Inaccuracy: 50, Mistake: 150, Blunder: 300}
}

// QualityGlyph grades a played move from the evaluations before and
// after it (each from its own side-to-move perspective).
//
// Outputs:
//
//	tree.NAG - The glyph.
//	int - The mover's evaluation change.
//	bool - False when the move earns no glyph.
func (g GlyphThresholds) QualityGlyph(before, after eval.Score) (tree.NAG, int, bool) {
	delta := eval.MoverDelta(before, after)
	loss := -delta
	switch {
	case loss >= g.Blunder:
		return tree.NAGBlunder, delta, true
	case loss >= g.Mistake:
		return tree.NAGMistake, delta, true
	case loss >= g.Inaccuracy:
		return tree.NAGDubious, delta, true
	default:
		return 0, delta, false
	}
}

// PositionGlyph returns the positional assessment glyph for a score
// given from White's perspective.
func PositionGlyph(whiteCP int) tree.NAG {
	switch {
	case whiteCP >= 300:
		return tree.NAGWhiteDecisive
	case whiteCP >= 100:
		return tree.NAGWhiteModerate
	case whiteCP >= 35:
		return tree.NAGWhiteSlightEdge
	case whiteCP <= -300:
		return tree.NAGBlackDecisive
	case whiteCP <= -100:
		return tree.NAGBlackModerate
	case whiteCP <= -35:
		return tree.NAGBlackSlightEdge
	default:
		return tree.NAGEqual
	}
}

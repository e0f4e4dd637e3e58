// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tree

import (
	"fmt"
	"strconv"
	"strings"
)

// NAG is a Numeric Annotation Glyph as used in PGN ($1, $2, ...).
type NAG int

const (
	NAGGood        NAG = 1
	NAGMistake     NAG = 2
	NAGBrilliant   NAG = 3
	NAGBlunder     NAG = 4
	NAGInteresting NAG = 5
	NAGDubious     NAG = 6
	NAGForced      NAG = 7

	NAGEqual            NAG = 10
	NAGUnclear          NAG = 13
	NAGWhiteSlightEdge  NAG = 14
	NAGBlackSlightEdge  NAG = 15
	NAGWhiteModerate    NAG = 16
	NAGBlackModerate    NAG = 17
	NAGWhiteDecisive    NAG = 18
	NAGBlackDecisive    NAG = 19
	NAGNovelty          NAG = 146
)

var nagSymbols = map[NAG]string{
	NAGGood:            "!",
	NAGMistake:         "?",
	NAGBrilliant:       "!!",
	NAGBlunder:         "??",
	NAGInteresting:     "!?",
	NAGDubious:         "?!",
	NAGForced:          "□",
	NAGEqual:           "=",
	NAGUnclear:         "∞",
	NAGWhiteSlightEdge: "⩲",
	NAGBlackSlightEdge: "⩱",
	NAGWhiteModerate:   "±",
	NAGBlackModerate:   "∓",
	NAGWhiteDecisive:   "+-",
	NAGBlackDecisive:   "-+",
	NAGNovelty:         "N",
}

var nagNames = map[NAG]string{
	NAGGood:        "good move",
	NAGMistake:     "mistake",
	NAGBrilliant:   "brilliant move",
	NAGBlunder:     "blunder",
	NAGInteresting: "interesting move",
	NAGDubious:     "dubious move",
	NAGForced:      "only move",
	NAGNovelty:     "novelty",
}

// IsMoveQuality reports whether the glyph judges the move itself ($1-$6).
// An edge carries at most one move-quality glyph.
func (n NAG) IsMoveQuality() bool {
	return n >= NAGGood && n <= NAGDubious
}

// Symbol returns the conventional glyph, or "$n" if it has none.
func (n NAG) Symbol() string {
	if s, ok := nagSymbols[n]; ok {
		return s
	}
	return n.String()
}

// Name returns a plain-language name for move-quality glyphs, or "".
func (n NAG) Name() string {
	return nagNames[n]
}

// String returns the PGN form "$n".
func (n NAG) String() string {
	return "$" + strconv.Itoa(int(n))
}

// ParseNAG accepts "$4", "4", or a symbol such as "??".
func ParseNAG(s string) (NAG, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty NAG")
	}
	for n, sym := range nagSymbols {
		if sym == s {
			return n, nil
		}
	}
	v, err := strconv.Atoi(strings.TrimPrefix(s, "$"))
	if err != nil || v <= 0 || v > 255 {
		return 0, fmt.Errorf("invalid NAG %q", s)
	}
	return NAG(v), nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package annotator

import (
	"strconv"
	"strings"

	"github.com/AleutianAI/chessbeast/services/annotate/eval"
	"github.com/AleutianAI/chessbeast/services/annotate/explore"
	"github.com/AleutianAI/chessbeast/services/annotate/narration"
	"github.com/AleutianAI/chessbeast/services/annotate/position"
	"github.com/AleutianAI/chessbeast/services/annotate/session"
	"github.com/AleutianAI/chessbeast/services/annotate/tree"
)

// maxVariationPlies bounds the length of a reported side line.
const maxVariationPlies = 8

// Game is the input of one run.
type Game struct {
	// StartFEN is the initial position; "" means the standard start.
	StartFEN string `json:"start_fen,omitempty"`

	// Moves are the played moves in SAN or UCI.
	Moves []string `json:"moves"`

	// WhiteElo and BlackElo are 0 when unknown.
	WhiteElo int `json:"white_elo,omitempty"`
	BlackElo int `json:"black_elo,omitempty"`

	// Headers are PGN tag pairs carried through to the output.
	Headers map[string]string `json:"headers,omitempty"`
}

// Glyph is a NAG in both notations.
type Glyph struct {
	Code   int    `json:"code"`
	Symbol string `json:"symbol"`
}

// Variation is a side line starting at a mainline position.
type Variation struct {
	Moves   []string `json:"moves"`
	Source  string   `json:"source"`
	Comment string   `json:"comment,omitempty"`
}

// MoveAnnotation is the annotated form of one played move.
type MoveAnnotation struct {
	Ply        int         `json:"ply"`
	MoveNumber int         `json:"move_number"`
	Color      string      `json:"color"`
	SAN        string      `json:"san"`
	UCI        string      `json:"uci"`
	Glyphs     []Glyph     `json:"glyphs,omitempty"`
	Comment    string      `json:"comment,omitempty"`
	Eval       *eval.Score `json:"eval,omitempty"`
	Outcome    string      `json:"outcome,omitempty"`
	Variations []Variation `json:"variations,omitempty"`
}

// Result is the outcome of one run.
type Result struct {
	SessionID  string `json:"session_id"`
	RatingBand int    `json:"rating_band"`

	// Unanalyzed is set when no position could be evaluated.
	Unanalyzed bool `json:"unanalyzed"`

	// Points are the mainline indices that were explored.
	Points []int `json:"points"`

	// Stopped says why exploration ended early, or is empty.
	Stopped string `json:"stopped,omitempty"`

	Findings  []explore.Finding `json:"findings"`
	Narration narration.Report  `json:"narration"`
	Counters  session.Counters  `json:"counters"`
	Moves     []MoveAnnotation  `json:"moves"`

	tree *tree.Tree
}

// Tree returns the variation tree built by the run.
func (r *Result) Tree() *tree.Tree { return r.tree }

// describeMoves reads the annotations back off the tree. Evaluations are
// reported from White's point of view.
func describeMoves(t *tree.Tree, mainline []*tree.Edge) []MoveAnnotation {
	out := make([]MoveAnnotation, 0, len(mainline))
	for _, e := range mainline {
		from := e.From()
		ma := MoveAnnotation{
			Ply:        from.Ply() + 1,
			MoveNumber: from.Ply()/2 + 1,
			Color:      from.Position().SideToMove().String(),
			SAN:        e.SAN(),
			UCI:        e.UCI(),
			Comment:    e.Comment(),
			Outcome:    string(from.Outcome()),
		}
		for _, nag := range e.NAGs() {
			ma.Glyphs = append(ma.Glyphs, Glyph{Code: int(nag), Symbol: nag.Symbol()})
		}
		if res, ok := e.To().Evaluation(); ok {
			s := res.Score
			if e.To().Position().SideToMove() == position.Black {
				s = s.Negate()
			}
			ma.Eval = &s
		}
		for _, alt := range from.Edges() {
			if alt == e || alt.Source() == tree.SourceMainline {
				continue
			}
			ma.Variations = append(ma.Variations, variationFrom(alt))
		}
		out = append(out, ma)
	}
	return out
}

// variationFrom follows principal edges from e.
func variationFrom(e *tree.Edge) Variation {
	v := Variation{Source: string(e.Source()), Comment: e.Comment()}
	seen := make(map[*tree.Node]bool)
	for cur := e; cur != nil && len(v.Moves) < maxVariationPlies; cur = cur.To().Principal() {
		if seen[cur.To()] {
			break
		}
		seen[cur.To()] = true
		v.Moves = append(v.Moves, cur.SAN())
	}
	return v
}

// MoveText renders the annotated moves as PGN movetext.
func (r *Result) MoveText() string {
	var b strings.Builder
	// After a comment or side line a black move needs its number again.
	needNumber := true
	for _, m := range r.Moves {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		switch {
		case m.Color == position.White.String():
			b.WriteString(strconv.Itoa(m.MoveNumber) + ". ")
		case needNumber:
			b.WriteString(strconv.Itoa(m.MoveNumber) + "... ")
		}
		b.WriteString(m.SAN)
		needNumber = false
		for _, g := range m.Glyphs {
			b.WriteString(" $" + strconv.Itoa(g.Code))
		}
		if m.Comment != "" {
			b.WriteString(" {" + escapeComment(m.Comment) + "}")
			needNumber = true
		}
		for _, v := range m.Variations {
			b.WriteString(" (")
			b.WriteString(variationText(m, v))
			b.WriteByte(')')
			needNumber = true
		}
	}
	return b.String()
}

// variationText numbers a side line that replaces move m.
func variationText(m MoveAnnotation, v Variation) string {
	var b strings.Builder
	num := m.MoveNumber
	white := m.Color == position.White.String()
	for i, san := range v.Moves {
		if i > 0 {
			b.WriteByte(' ')
		}
		switch {
		case white:
			b.WriteString(strconv.Itoa(num) + ". ")
		case i == 0:
			b.WriteString(strconv.Itoa(num) + "... ")
		}
		b.WriteString(san)
		if !white {
			num++
		}
		white = !white
	}
	if v.Comment != "" {
		b.WriteString(" {" + escapeComment(v.Comment) + "}")
	}
	return b.String()
}

// escapeComment keeps a comment from closing its braces early.
func escapeComment(s string) string {
	return strings.NewReplacer("{", "(", "}", ")").Replace(s)
}

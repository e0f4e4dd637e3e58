// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/AleutianAI/chessbeast/pkg/ux"
	"github.com/AleutianAI/chessbeast/services/annotate/annotator"
)

// Output formats.
const (
	formatText = "text"
	formatPGN  = "pgn"
	formatJSON = "json"
)

// sevenTags are written first, in this order.
var sevenTags = []string{"Event", "Site", "Date", "Round", "White", "Black", "Result"}

func validFormat(f string) bool {
	return f == formatText || f == formatPGN || f == formatJSON
}

func render(p *ux.Printer, format string, game annotator.Game, res *annotator.Result) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(p.Writer())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case formatPGN:
		return writePGN(p.Writer(), game, res)
	default:
		renderText(p, game, res)
		return nil
	}
}

// writePGN writes one annotated game followed by a blank line.
func writePGN(w io.Writer, game annotator.Game, res *annotator.Result) error {
	var b strings.Builder
	seen := make(map[string]bool, len(game.Headers))
	for _, k := range sevenTags {
		v, ok := game.Headers[k]
		if !ok {
			v = "?"
			if k == "Result" {
				v = "*"
			}
		}
		fmt.Fprintf(&b, "[%s %q]\n", k, v)
		seen[k] = true
	}
	if _, ok := game.Headers["FEN"]; !ok && game.StartFEN != "" && !isStandardStart(game.StartFEN) {
		fmt.Fprintf(&b, "[SetUp \"1\"]\n[FEN %q]\n", game.StartFEN)
	}
	extra := make([]string, 0, len(game.Headers))
	for k := range game.Headers {
		if !seen[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		fmt.Fprintf(&b, "[%s %q]\n", k, game.Headers[k])
	}
	fmt.Fprintf(&b, "[Annotator %q]\n\n", "chessbeast")

	result := game.Headers["Result"]
	if result == "" {
		result = "*"
	}
	b.WriteString(wrap(res.MoveText()+" "+result, 79))
	b.WriteString("\n\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func isStandardStart(fen string) bool {
	return strings.HasPrefix(fen, "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq -")
}

// wrap breaks text at spaces so no line exceeds width where possible.
func wrap(text string, width int) string {
	var b strings.Builder
	n := 0
	for i, word := range strings.Fields(text) {
		if i > 0 {
			if n+1+len(word) > width {
				b.WriteByte('\n')
				n = 0
			} else {
				b.WriteByte(' ')
				n++
			}
		}
		b.WriteString(word)
		n += len(word)
	}
	return b.String()
}

// renderText prints a readable summary with the annotated moments.
func renderText(p *ux.Printer, game annotator.Game, res *annotator.Result) {
	white, black := game.Headers["White"], game.Headers["Black"]
	if white == "" {
		white = "White"
	}
	if black == "" {
		black = "Black"
	}
	p.Title(fmt.Sprintf("%s vs %s", white, black))

	if res.Unanalyzed {
		p.Warning("no engine evaluation was available; the game is unannotated")
		return
	}

	for _, m := range res.Moves {
		if len(m.Glyphs) == 0 && m.Comment == "" && len(m.Variations) == 0 {
			continue
		}
		var b strings.Builder
		if m.Color == "white" {
			fmt.Fprintf(&b, "%d. ", m.MoveNumber)
		} else {
			fmt.Fprintf(&b, "%d... ", m.MoveNumber)
		}
		b.WriteString(m.SAN)
		for _, g := range m.Glyphs {
			b.WriteString(p.Glyph(g.Symbol))
		}
		if m.Eval != nil {
			b.WriteString(" " + p.Muted("["+m.Eval.String()+"]"))
		}
		if m.Comment != "" {
			b.WriteString(" " + p.Comment(m.Comment))
		}
		p.Info(b.String())
		for _, v := range m.Variations {
			p.Info("    " + p.Muted(strings.Join(v.Moves, " ")+" ("+v.Source+")"))
		}
	}

	summary := fmt.Sprintf("%d comments, %d points explored, %d positions evaluated, rating band %d",
		len(res.Narration.Comments), len(res.Points), res.Counters.Nodes, res.RatingBand)
	if res.Counters.Tokens > 0 {
		summary += fmt.Sprintf(", %d tokens", res.Counters.Tokens)
	}
	p.Success(summary)
	if res.Stopped != "" {
		p.Warning("exploration stopped early: " + res.Stopped)
	}
	for _, o := range res.Narration.Omitted {
		p.Warning(fmt.Sprintf("no comment for %s (ply %d): %s", o.Move, o.Ply, o.Reason))
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/chessbeast/pkg/ux"
	"github.com/AleutianAI/chessbeast/services/annotate/annotator"
	"github.com/AleutianAI/chessbeast/services/annotate/eval"
	"github.com/AleutianAI/chessbeast/services/annotate/narration"
)

func sampleResult() (annotator.Game, *annotator.Result) {
	game := annotator.Game{Headers: map[string]string{
		"White": "Alice", "Black": "Bob", "Result": "1-0", "ECO": "C20",
	}}
	mate := eval.MateIn(1)
	res := &annotator.Result{
		RatingBand: 1500,
		Points:     []int{1},
		Moves: []annotator.MoveAnnotation{
			{Ply: 1, MoveNumber: 1, Color: "white", SAN: "e4"},
			{Ply: 2, MoveNumber: 1, Color: "black", SAN: "f6",
				Glyphs:  []annotator.Glyph{{Code: 4, Symbol: "??"}},
				Comment: "This weakens the king.", Eval: &mate,
				Variations: []annotator.Variation{{Moves: []string{"e5"}, Source: "engine"}}},
		},
		Narration: narration.Report{Comments: []narration.Comment{{Ply: 2, Move: "f6", Text: "This weakens the king."}}},
	}
	return game, res
}

func TestWritePGN(t *testing.T) {
	game, res := sampleResult()
	var buf bytes.Buffer
	require.NoError(t, writePGN(&buf, game, res))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "[Event \"?\"]\n[Site \"?\"]"))
	assert.Contains(t, out, "[White \"Alice\"]")
	assert.Contains(t, out, "[ECO \"C20\"]")
	assert.Contains(t, out, "[Annotator \"chessbeast\"]")
	assert.NotContains(t, out, "[FEN")
	assert.Contains(t, out, "1. e4 f6 $4 {This weakens the king.} (1... e5) 1-0")
}

func TestWritePGN_CustomStart(t *testing.T) {
	game, res := sampleResult()
	game.StartFEN = "4k3/8/8/8/8/8/4P3/4K3 w - - 0 1"
	var buf bytes.Buffer
	require.NoError(t, writePGN(&buf, game, res))
	assert.Contains(t, buf.String(), "[SetUp \"1\"]\n[FEN \"4k3/8/8/8/8/8/4P3/4K3 w - - 0 1\"]")
}

func TestWrap(t *testing.T) {
	assert.Equal(t, "1. e4 e5\n2. Nf3", wrap("1. e4 e5 2. Nf3", 8))
	assert.Equal(t, "short", wrap("short", 80))
}

func TestRenderText_Machine(t *testing.T) {
	game, res := sampleResult()
	var buf bytes.Buffer
	p := ux.NewPrinterLevel(&buf, ux.LevelMachine)
	require.NoError(t, render(p, formatText, game, res))

	out := buf.String()
	assert.NotContains(t, out, "Alice vs Bob", "machine output has no title")
	assert.Contains(t, out, "1... f6?? [#1] This weakens the king.")
	assert.Contains(t, out, "e5 (engine)")
	assert.Contains(t, out, "OK: 1 comments, 1 points explored")
	assert.NotContains(t, out, "1. e4\n")
}

func TestRenderText_Unanalyzed(t *testing.T) {
	game, res := sampleResult()
	res.Unanalyzed = true
	var buf bytes.Buffer
	require.NoError(t, render(ux.NewPrinterLevel(&buf, ux.LevelMachine), formatText, game, res))
	assert.Contains(t, buf.String(), "WARN: no engine evaluation")
}

func TestRenderJSON(t *testing.T) {
	game, res := sampleResult()
	var buf bytes.Buffer
	require.NoError(t, render(ux.NewPrinterLevel(&buf, ux.LevelMachine), formatJSON, game, res))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, float64(1500), decoded["rating_band"])
	assert.Len(t, decoded["moves"], 2)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package annotator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/chessbeast/pkg/logging"
	"github.com/AleutianAI/chessbeast/services/annotate/agent"
	"github.com/AleutianAI/chessbeast/services/annotate/eval"
	"github.com/AleutianAI/chessbeast/services/annotate/position"
	"github.com/AleutianAI/chessbeast/services/annotate/remote"
	"github.com/AleutianAI/chessbeast/services/annotate/resilience"
	"github.com/AleutianAI/chessbeast/services/annotate/tree"
	"github.com/AleutianAI/chessbeast/services/llm"
)

var scholarsMate = []string{"e4", "e5", "Qh5", "Nc6", "Bc4", "Nf6", "Qxf7#"}

// fakeEvaluator scores positions from a table keyed by hash and returns
// the first legal moves as lines. Unknown positions are level.
type fakeEvaluator struct {
	scores map[position.Hash]eval.Score
	best   map[position.Hash]string
	err    error
	calls  atomic.Int64

	mu       sync.Mutex
	requests []remote.EvaluateRequest
}

func (f *fakeEvaluator) Evaluate(_ context.Context, req remote.EvaluateRequest) (eval.Result, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return eval.Result{}, f.err
	}
	pos, err := position.FromFEN(req.FEN)
	if err != nil {
		return eval.Result{}, err
	}
	score := f.scores[pos.Hash()]
	moves := pos.LegalMoves()
	if b := f.best[pos.Hash()]; b != "" {
		moves = append([]string{b}, moves...)
	}
	n := max(req.MultiPV, 1)
	res := eval.Result{Score: score, Depth: req.Depth, Source: "fake"}
	for i := 0; i < n && i < len(moves); i++ {
		res.Lines = append(res.Lines, eval.Line{Score: score, Moves: []string{moves[i]}})
	}
	if len(res.Lines) > 0 {
		res.BestLine = res.Lines[0].Moves
	}
	return res, nil
}

// after returns the position reached by playing the first n moves.
func after(t *testing.T, moves []string, n int) *position.Position {
	t.Helper()
	p := position.Start()
	for _, mv := range moves[:n] {
		next, _, _, err := p.Apply(mv)
		require.NoError(t, err)
		p = next
	}
	return p
}

// scholarsEvaluator thinks the game is level until Nf6 lets White mate.
func scholarsEvaluator(t *testing.T) *fakeEvaluator {
	mating := after(t, scholarsMate, 6)
	return &fakeEvaluator{
		scores: map[position.Hash]eval.Score{mating.Hash(): eval.MateIn(1)},
		best:   map[position.Hash]string{mating.Hash(): "h5f7"},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Budget.MaxNodes = 400
	return cfg
}

func TestAnnotate_NoEvaluatorLeavesEveryMoveUnanalyzed(t *testing.T) {
	a := New(remote.Services{}, testConfig())

	res, err := a.Annotate(context.Background(), Game{Moves: scholarsMate})
	require.NoError(t, err)

	assert.True(t, res.Unanalyzed)
	assert.Empty(t, res.Points)
	require.Len(t, res.Moves, len(scholarsMate))
	for _, m := range res.Moves {
		assert.Equal(t, string(tree.OutcomeUnanalyzed), m.Outcome, m.SAN)
		assert.Empty(t, m.Glyphs)
	}
}

func TestAnnotate_EvaluatorDownIsUnanalyzed(t *testing.T) {
	ev := &fakeEvaluator{err: resilience.ErrServiceUnavailable}
	a := New(remote.Services{Evaluator: ev}, testConfig())

	res, err := a.Annotate(context.Background(), Game{Moves: scholarsMate})
	require.NoError(t, err)
	assert.True(t, res.Unanalyzed)
	// Seven positions need the engine; the final mate does not.
	assert.Equal(t, int64(7), ev.calls.Load())
	assert.Equal(t, 7, res.Counters.APICalls[remote.ServiceStockfish])
}

func TestAnnotate_LogsCarrySessionAndPosition(t *testing.T) {
	exp := logging.NewBufferedExporter()
	log := logging.New(logging.Config{Quiet: true, Level: logging.LevelDebug, Exporter: exp})
	ev := &fakeEvaluator{err: resilience.ErrServiceUnavailable}
	a := New(remote.Services{Evaluator: ev}, testConfig(), WithLogger(log))

	res, err := a.Annotate(context.Background(), Game{Moves: scholarsMate})
	require.NoError(t, err)

	var failed []logging.LogEntry
	for _, e := range exp.Entries() {
		assert.Equal(t, res.SessionID, e.Attrs["session_id"], e.Message)
		if e.Message == "scan evaluation failed" {
			failed = append(failed, e)
		}
	}
	require.Len(t, failed, 7)
	start := position.Start()
	var first *logging.LogEntry
	for i := range failed {
		if failed[i].Attrs["fen"] == start.FEN() {
			first = &failed[i]
		}
	}
	require.NotNil(t, first)
	assert.EqualValues(t, 0, first.Attrs["ply"])
	assert.Contains(t, first.Attrs["error"], "unavailable")
}

func TestAnnotate_IllegalMainline(t *testing.T) {
	a := New(remote.Services{}, testConfig())
	_, err := a.Annotate(context.Background(), Game{Moves: []string{"e4", "e4"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, tree.ErrIllegalMove)
	assert.Contains(t, err.Error(), "mainline move 2")
}

func TestAnnotate_FindsTheBlunder(t *testing.T) {
	ev := scholarsEvaluator(t)
	a := New(remote.Services{Evaluator: ev}, testConfig())

	res, err := a.Annotate(context.Background(), Game{Moves: scholarsMate, WhiteElo: 1480, BlackElo: 1420})
	require.NoError(t, err)

	assert.False(t, res.Unanalyzed)
	assert.Equal(t, 1500, res.RatingBand)
	assert.Equal(t, []int{5, 6}, res.Points)

	nf6 := res.Moves[5]
	assert.Equal(t, "Nf6", nf6.SAN)
	assert.Equal(t, "black", nf6.Color)
	require.NotEmpty(t, nf6.Glyphs)
	assert.Equal(t, "??", nf6.Glyphs[0].Symbol)
	assert.NotEmpty(t, nf6.Comment)
	require.NotNil(t, nf6.Eval)
	assert.Equal(t, 1, nf6.Eval.Mate, "reported from White's side")

	last := res.Moves[6]
	require.NotNil(t, last.Eval)
	assert.Equal(t, 1, last.Eval.Mate, "mated side to move is black")

	assert.Contains(t, res.MoveText(), "Nf6 $4")
	assert.NotNil(t, res.Tree())
	assert.Positive(t, res.Counters.Nodes)
}

func TestAnnotate_NodeBudgetMarksExhausted(t *testing.T) {
	ev := scholarsEvaluator(t)
	cfg := testConfig()
	cfg.Budget.MaxNodes = 3
	a := New(remote.Services{Evaluator: ev}, cfg)

	res, err := a.Annotate(context.Background(), Game{Moves: scholarsMate})
	require.NoError(t, err)

	exhausted := 0
	for _, m := range res.Moves {
		if m.Outcome == string(tree.OutcomeExhausted) {
			exhausted++
		}
	}
	assert.GreaterOrEqual(t, exhausted, 4)
	assert.LessOrEqual(t, ev.calls.Load(), int64(3))
}

func TestAnnotate_CancelledContext(t *testing.T) {
	ev := scholarsEvaluator(t)
	a := New(remote.Services{Evaluator: ev}, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := a.Annotate(ctx, Game{Moves: scholarsMate})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, res)
	assert.Len(t, res.Moves, len(scholarsMate))
}

// markingChooser marks the rook pawn push for the side to move, then
// finishes.
type markingChooser struct {
	mu    sync.Mutex
	turns int
}

func (c *markingChooser) ChooseAction(_ context.Context, req llm.ToolRequest) (llm.ToolResponse, error) {
	c.mu.Lock()
	c.turns++
	c.mu.Unlock()
	if len(req.Messages) > 1 {
		return llm.ToolResponse{Call: &llm.ToolCall{Name: agent.ActionFinish, Arguments: `{}`}, Tokens: 5}, nil
	}
	move := "a7a6"
	if strings.Contains(req.Messages[0].Content, "white to play") {
		move = "a2a3"
	}
	return llm.ToolResponse{
		Call:   &llm.ToolCall{Name: agent.ActionMarkInteresting, Arguments: `{"moves":["` + move + `"]}`},
		Tokens: 5,
	}, nil
}

func TestAnnotate_AgenticConsultsEachPoint(t *testing.T) {
	ev := scholarsEvaluator(t)
	cfg := testConfig()
	cfg.Agentic = true
	chooser := &markingChooser{}
	a := New(remote.Services{Evaluator: ev}, cfg, WithChooser(chooser))

	res, err := a.Annotate(context.Background(), Game{Moves: scholarsMate})
	require.NoError(t, err)

	require.Len(t, res.Points, 2)
	assert.Equal(t, 4, chooser.turns)
	assert.Equal(t, 2, res.Counters.ToolCalls[agent.ActionMarkInteresting])
	assert.Equal(t, 2, res.Counters.ToolCalls[agent.ActionFinish])
}

// linePlayingChooser walks two plies into a side line at Black's point of
// interest, marks a move there, returns to the root, and finishes.
type linePlayingChooser struct{}

func (linePlayingChooser) ChooseAction(_ context.Context, req llm.ToolRequest) (llm.ToolResponse, error) {
	call := &llm.ToolCall{Name: agent.ActionFinish, Arguments: `{}`}
	if strings.Contains(req.Messages[0].Content, "black to play") {
		switch len(req.Messages) {
		case 1:
			call = &llm.ToolCall{Name: agent.ActionMakeMove, Arguments: `{"move":"g6"}`}
		case 3:
			call = &llm.ToolCall{Name: agent.ActionMakeMove, Arguments: `{"move":"Qf3"}`}
		case 5:
			call = &llm.ToolCall{Name: agent.ActionMarkInteresting, Arguments: `{"moves":["a6"]}`}
		case 7:
			call = &llm.ToolCall{Name: agent.ActionNavigate, Arguments: `{"to":"root"}`}
		}
	}
	return llm.ToolResponse{Call: call, Tokens: 5}, nil
}

func TestAnnotate_MarksAreExploredAtTheirOwnPosition(t *testing.T) {
	sideLine := append(append([]string{}, scholarsMate[:5]...), "g6", "Qf3")
	marked := after(t, sideLine, len(sideLine))

	ev := scholarsEvaluator(t)
	ev.best[marked.Hash()] = "a7a6"
	cfg := testConfig()
	cfg.Agentic = true
	a := New(remote.Services{Evaluator: ev}, cfg, WithChooser(linePlayingChooser{}))

	res, err := a.Annotate(context.Background(), Game{Moves: scholarsMate})
	require.NoError(t, err)
	require.Equal(t, []int{5, 6}, res.Points)

	fullDepth := cfg.Explore.Tiers.Full.EngineDepth
	var explored bool
	ev.mu.Lock()
	for _, r := range ev.requests {
		if r.FEN == marked.FEN() && r.Depth == fullDepth {
			explored = true
		}
	}
	ev.mu.Unlock()
	assert.True(t, explored, "the marked position gets its own exploration")

	node, ok := res.Tree().Lookup(marked.Hash())
	require.True(t, ok)
	assert.NotNil(t, node.Edge("a7a6"), "the marked move is expanded from the position it was marked at")
	for _, f := range res.Findings {
		assert.NotEqual(t, "a6", f.Better, "side-line marks must not leak into mainline findings")
	}
}

func TestBandFromRatings(t *testing.T) {
	tests := []struct {
		name    string
		ratings []int
		want    int
	}{
		{"unknown", []int{0, 0}, 0},
		{"one side", []int{1640, 0}, 1600},
		{"average rounds", []int{1480, 1420}, 1500},
		{"clamped low", []int{600}, 1100},
		{"clamped high", []int{2650, 2700}, 1900},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, bandFromRatings(tt.ratings...))
		})
	}
}

func TestResult_MoveText(t *testing.T) {
	res := &Result{Moves: []MoveAnnotation{
		{MoveNumber: 1, Color: "white", SAN: "e4"},
		{MoveNumber: 1, Color: "black", SAN: "e5"},
		{MoveNumber: 2, Color: "white", SAN: "Qh5", Glyphs: []Glyph{{Code: 6, Symbol: "?!"}}, Comment: "Early {queen} sortie."},
		{MoveNumber: 2, Color: "black", SAN: "Nc6"},
		{MoveNumber: 3, Color: "white", SAN: "Bc4"},
		{MoveNumber: 3, Color: "black", SAN: "Nf6", Glyphs: []Glyph{{Code: 4, Symbol: "??"}},
			Variations: []Variation{{Moves: []string{"g6", "Qf3", "Nf6"}, Source: "engine"}}},
		{MoveNumber: 4, Color: "white", SAN: "Qxf7#"},
	}}

	assert.Equal(t,
		"1. e4 e5 2. Qh5 $6 {Early (queen) sortie.} 2... Nc6 3. Bc4 Nf6 $4 (3... g6 4. Qf3 Nf6) 4. Qxf7#",
		res.MoveText())
}

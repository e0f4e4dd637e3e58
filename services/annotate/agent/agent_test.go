// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/chessbeast/services/annotate/eval"
	"github.com/AleutianAI/chessbeast/services/annotate/remote"
	"github.com/AleutianAI/chessbeast/services/annotate/session"
	"github.com/AleutianAI/chessbeast/services/annotate/tree"
	"github.com/AleutianAI/chessbeast/services/llm"
)

type countingEvaluator struct {
	mu    sync.Mutex
	calls int
}

func (c *countingEvaluator) Evaluate(_ context.Context, req remote.EvaluateRequest) (eval.Result, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return eval.Result{Score: eval.CP(35), Depth: req.Depth, BestLine: []string{"e7e5", "g1f3"}}, nil
}

type stubAction struct {
	name string
	out  any
	err  error
}

func (s stubAction) Name() string { return s.name }
func (s stubAction) Definition() Definition {
	return Definition{Name: s.name, Description: "stub", Parameters: map[string]ParamDef{}}
}
func (s stubAction) Execute(context.Context, *Env, json.RawMessage) (any, error) { return s.out, s.err }

type panicAction struct{}

func (panicAction) Name() string           { return "boom" }
func (panicAction) Definition() Definition { return Definition{Name: "boom"} }
func (panicAction) Execute(context.Context, *Env, json.RawMessage) (any, error) {
	panic("kaboom")
}

func newTestOrchestrator(t *testing.T, services remote.Services, cfg Config) *Orchestrator {
	t.Helper()
	tr, err := tree.New("")
	require.NoError(t, err)
	sess := session.New(session.DefaultBudgetConfig())
	sess.SetCursor(tr.Root())
	r := NewRegistry(nil)
	RegisterDefaults(r)
	return NewOrchestrator(r, &Env{Tree: tr, Session: sess, Services: services, RatingBand: 1500, EvalDepth: 12, MultiPV: 1}, cfg)
}

func dispatch(t *testing.T, o *Orchestrator, name, args string) Result {
	t.Helper()
	return o.Dispatch(context.Background(), Call{ID: name, Name: name, Arguments: json.RawMessage(args)})
}

func outputField(t *testing.T, res Result, key string) any {
	t.Helper()
	require.True(t, res.Success, res.Error)
	m, ok := res.Output.(map[string]any)
	require.True(t, ok, "output is %T", res.Output)
	return m[key]
}

func TestRegistry_ReplaceKeepsOneEntry(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(stubAction{name: "x", out: 1})
	r.Register(stubAction{name: "x", out: 2})
	r.Register(nil)

	assert.Equal(t, 1, r.Len())
	a, ok := r.Get("x")
	require.True(t, ok)
	out, err := a.Execute(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out)
}

func TestRegisterDefaults_AllActionsHaveSchemas(t *testing.T) {
	r := NewRegistry(nil)
	RegisterDefaults(r)
	assert.Equal(t, 11, r.Len())
	for _, d := range r.Definitions() {
		schema := d.Schema()
		assert.Equal(t, "object", schema["type"], d.Name)
		assert.NotEmpty(t, d.Description, d.Name)
	}
	mm, _ := r.Get(ActionMakeMove)
	assert.Equal(t, []string{"move"}, mm.Definition().RequiredParams())
}

func TestDispatch_InterestingQueue(t *testing.T) {
	o := newTestOrchestrator(t, remote.Services{}, DefaultConfig())

	res := dispatch(t, o, ActionMarkInteresting, `{"moves":["e4","Nf3","e2e4"]}`)
	assert.Equal(t, 2, outputField(t, res, "added"))

	res = dispatch(t, o, ActionGetInteresting, ``)
	assert.Equal(t, []string{"e2e4", "g1f3"}, outputField(t, res, "interesting"))

	res = dispatch(t, o, ActionClearInteresting, `{"moves":["e4"]}`)
	assert.Equal(t, 1, outputField(t, res, "removed"))
	assert.Equal(t, []string{"g1f3"}, o.Env().Session.InterestingAt(o.Env().Tree.Root()))

	res = dispatch(t, o, ActionClearInteresting, `{}`)
	assert.Equal(t, 1, outputField(t, res, "removed"))
	assert.Empty(t, o.Env().Session.Interesting())
}

func TestDispatch_InterestingKeepsItsPosition(t *testing.T) {
	o := newTestOrchestrator(t, remote.Services{}, DefaultConfig())
	env := o.Env()

	require.True(t, dispatch(t, o, ActionMakeMove, `{"move":"e4"}`).Success)
	require.True(t, dispatch(t, o, ActionMakeMove, `{"move":"e5"}`).Success)
	after := env.Session.Cursor()
	res := dispatch(t, o, ActionMarkInteresting, `{"moves":["Nf3","Bc4"]}`)
	assert.Equal(t, 2, outputField(t, res, "added"))

	require.True(t, dispatch(t, o, ActionNavigate, `{"to":"root"}`).Success)
	root := env.Tree.Root()
	assert.Empty(t, env.Session.InterestingAt(root))
	assert.Equal(t, []string{"g1f3", "f1c4"}, env.Session.InterestingAt(after))

	res = dispatch(t, o, ActionGetInteresting, ``)
	assert.Empty(t, outputField(t, res, "interesting"))
	queue, ok := outputField(t, res, "queue").([]MarkView)
	require.True(t, ok)
	require.Len(t, queue, 2)
	assert.Equal(t, MarkView{Ply: 2, FEN: after.FEN(), Move: "g1f3", SAN: "Nf3"}, queue[0])

	// Clearing at the root does not touch moves queued deeper in the line.
	res = dispatch(t, o, ActionClearInteresting, `{"moves":["g1f3"]}`)
	assert.Equal(t, 0, outputField(t, res, "removed"))
	assert.Len(t, env.Session.Interesting(), 2)
}

func TestDispatch_MarkInterestingRejectsIllegalMove(t *testing.T) {
	o := newTestOrchestrator(t, remote.Services{}, DefaultConfig())
	res := dispatch(t, o, ActionMarkInteresting, `{"moves":["e4","e5"]}`)
	assert.False(t, res.Success)
	assert.Empty(t, o.Env().Session.Interesting())

	res = dispatch(t, o, ActionMarkInteresting, `{"moves":[]}`)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "invalid arguments")
}

func TestDispatch_StructuredFailures(t *testing.T) {
	o := newTestOrchestrator(t, remote.Services{}, DefaultConfig())

	tests := []struct {
		name, action, args, want string
	}{
		{"unknown action", "fly", `{}`, "unknown action"},
		{"malformed json", ActionMakeMove, `{"move":`, "invalid arguments"},
		{"missing required", ActionMakeMove, `{}`, "invalid arguments"},
		{"wrong type", ActionEvaluate, `{"depth":"deep"}`, "invalid arguments"},
		{"out of range", ActionEvaluate, `{"depth":99}`, "invalid arguments"},
		{"bad glyph", ActionAddAnnotation, `{"glyph":"zz"}`, "invalid arguments"},
		{"no edge at root", ActionAddComment, `{"text":"hi"}`, ErrNoEdge.Error()},
		{"missing service", ActionPredictHuman, `{}`, ErrServiceMissing.Error()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := dispatch(t, o, tc.action, tc.args)
			assert.False(t, res.Success)
			assert.Nil(t, res.Output)
			assert.Contains(t, res.Error, tc.want)
			assert.Contains(t, res.JSON(), `"success":false`)
		})
	}
}

func TestDispatch_RecoversPanics(t *testing.T) {
	o := newTestOrchestrator(t, remote.Services{}, DefaultConfig())
	o.Registry().Register(panicAction{})

	res := dispatch(t, o, "boom", `{}`)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "kaboom")

	// The orchestrator keeps working afterwards.
	res = dispatch(t, o, ActionGetPosition, `{}`)
	assert.True(t, res.Success)
}

func TestDispatch_ActionLimitForcesHardStop(t *testing.T) {
	o := newTestOrchestrator(t, remote.Services{}, Config{MaxActionsPerLine: 3})
	sess := o.Env().Session

	for i := 0; i < 3; i++ {
		assert.True(t, dispatch(t, o, ActionGetPosition, ``).Success)
	}
	res := dispatch(t, o, ActionGetPosition, ``)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, ErrActionLimit.Error())
	stopped, _ := sess.HardStopped()
	assert.True(t, stopped)

	res = dispatch(t, o, ActionGetPosition, ``)
	assert.Contains(t, res.Error, ErrHardStopped.Error())

	sess.BeginLine()
	assert.True(t, dispatch(t, o, ActionGetPosition, ``).Success)
	assert.Equal(t, 4, sess.Counters().ToolCalls[ActionGetPosition])
}

func TestDispatch_MoveNavigateAnnotate(t *testing.T) {
	o := newTestOrchestrator(t, remote.Services{}, DefaultConfig())
	env := o.Env()

	res := dispatch(t, o, ActionMakeMove, `{"move":"e4","reason":"centre"}`)
	assert.Equal(t, true, outputField(t, res, "created"))
	assert.Equal(t, "e2e4", outputField(t, res, "uci"))
	assert.Equal(t, 1, env.Session.Cursor().Ply())

	res = dispatch(t, o, ActionAddAnnotation, `{"glyph":"!"}`)
	require.True(t, res.Success, res.Error)
	e := env.Tree.Root().Edge("e2e4")
	require.NotNil(t, e)
	assert.Equal(t, []tree.NAG{tree.NAGGood}, e.NAGs())
	assert.Equal(t, tree.SourceAgent, e.Source())
	assert.Equal(t, "centre", e.Meta().Reason)

	res = dispatch(t, o, ActionAddComment, `{"text":"  Takes the centre.  "}`)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "Takes the centre.", e.Comment())

	res = dispatch(t, o, ActionNavigate, `{"to":"parent"}`)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 0, env.Session.Cursor().Ply())

	res = dispatch(t, o, ActionNavigate, `{"move":"d4"}`)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, ErrNoEdge.Error())
	assert.Equal(t, 0, env.Session.Cursor().Ply(), "failed navigation leaves the cursor")

	res = dispatch(t, o, ActionNavigate, `{"edge_id":"`+e.ID()+`"}`)
	require.True(t, res.Success, res.Error)
	view, ok := res.Output.(PositionView)
	require.True(t, ok)
	assert.Equal(t, []string{"e4"}, view.Path)
	assert.Equal(t, "black", view.SideToMove)
	assert.Len(t, view.LegalMoves, 20)

	res = dispatch(t, o, ActionNavigate, `{"to":"root"}`)
	require.True(t, res.Success, res.Error)
	assert.Same(t, env.Tree.Root(), env.Session.Cursor())

	res = dispatch(t, o, ActionNavigate, `{}`)
	assert.False(t, res.Success)
}

func TestDispatch_EvaluateUsesCache(t *testing.T) {
	ev := &countingEvaluator{}
	o := newTestOrchestrator(t, remote.Services{Evaluator: ev}, DefaultConfig())
	require.True(t, dispatch(t, o, ActionMakeMove, `{"move":"e4"}`).Success)

	res := dispatch(t, o, ActionEvaluate, `{}`)
	assert.Equal(t, false, outputField(t, res, "cached"))
	assert.Equal(t, "e5", outputField(t, res, "best"))
	lines := outputField(t, res, "lines").([]lineView)
	require.Len(t, lines, 1)
	assert.Equal(t, []string{"e5", "Nf3"}, lines[0].Moves)

	res = dispatch(t, o, ActionEvaluate, `{"depth":8}`)
	assert.Equal(t, true, outputField(t, res, "cached"))
	assert.Equal(t, 1, ev.calls)

	sess := o.Env().Session
	assert.Equal(t, 1, sess.Counters().APICalls[remote.ServiceStockfish])
	cur, prev := sess.Evaluations()
	require.NotNil(t, cur)
	require.NotNil(t, prev)
}

// scriptedChooser replays canned responses and records requests.
type scriptedChooser struct {
	script   []llm.ToolResponse
	requests []llm.ToolRequest
	err      error
}

func (s *scriptedChooser) ChooseAction(_ context.Context, req llm.ToolRequest) (llm.ToolResponse, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return llm.ToolResponse{}, s.err
	}
	if len(s.script) == 0 {
		return llm.ToolResponse{Text: "done"}, nil
	}
	next := s.script[0]
	s.script = s.script[1:]
	return next, nil
}

func toolCall(name, args string) llm.ToolResponse {
	return llm.ToolResponse{Call: &llm.ToolCall{Name: name, Arguments: args}, Tokens: 10}
}

func TestLoop_RunsUntilFinished(t *testing.T) {
	o := newTestOrchestrator(t, remote.Services{}, DefaultConfig())
	chooser := &scriptedChooser{script: []llm.ToolResponse{
		toolCall(ActionMakeMove, `{"move":"Nf3"}`),
		toolCall(ActionMakeMove, `{"move":"Nf3"}`),
		toolCall(ActionAddAnnotation, `{"glyph":"!?"}`),
		toolCall(ActionFinish, `{"reason":"seen enough"}`),
	}}
	loop := NewLoop(chooser, o, LoopConfig{MaxTurns: 10})

	out, err := loop.Run(context.Background(), o.Env().Tree.Root(), "Explore the opening.")
	require.NoError(t, err)
	assert.Equal(t, StopFinished, out.Stop)
	assert.Equal(t, 4, out.Turns)
	assert.Equal(t, 40, out.Tokens)
	require.Len(t, out.Calls, 4)
	assert.True(t, out.Calls[0].Success)
	assert.False(t, out.Calls[1].Success, "Nf3 is illegal for black")

	require.Len(t, chooser.requests, 4)
	last := chooser.requests[3]
	assert.Len(t, last.Tools, 11)
	assert.Equal(t, DefaultSystemPrompt, last.System)
	require.Len(t, last.Messages, 7)
	assert.Equal(t, llm.RoleTool, last.Messages[4].Role)
	assert.Equal(t, last.Messages[3].ToolCalls[0].ID, last.Messages[4].ToolCallID)
	assert.Contains(t, last.Messages[4].Content, `"success":false`)

	e := o.Env().Tree.Root().Edge("g1f3")
	require.NotNil(t, e)
	assert.Equal(t, []tree.NAG{tree.NAGInteresting}, e.NAGs())
	assert.EqualValues(t, 40, o.Env().Session.Budget().TokensUsed())
}

func TestLoop_StopReasons(t *testing.T) {
	t.Run("text reply", func(t *testing.T) {
		o := newTestOrchestrator(t, remote.Services{}, DefaultConfig())
		out, err := NewLoop(&scriptedChooser{}, o, LoopConfig{}).Run(context.Background(), o.Env().Tree.Root(), "go")
		require.NoError(t, err)
		assert.Equal(t, StopText, out.Stop)
		assert.Equal(t, "done", out.Text)
	})

	t.Run("max turns", func(t *testing.T) {
		o := newTestOrchestrator(t, remote.Services{}, DefaultConfig())
		script := make([]llm.ToolResponse, 5)
		for i := range script {
			script[i] = toolCall(ActionGetPosition, `{}`)
		}
		out, err := NewLoop(&scriptedChooser{script: script}, o, LoopConfig{MaxTurns: 3}).Run(context.Background(), o.Env().Tree.Root(), "go")
		require.NoError(t, err)
		assert.Equal(t, StopMaxTurns, out.Stop)
		assert.Equal(t, 3, out.Turns)
	})

	t.Run("hard stop", func(t *testing.T) {
		o := newTestOrchestrator(t, remote.Services{}, Config{MaxActionsPerLine: 2})
		script := make([]llm.ToolResponse, 5)
		for i := range script {
			script[i] = toolCall(ActionGetPosition, `{}`)
		}
		out, err := NewLoop(&scriptedChooser{script: script}, o, LoopConfig{MaxTurns: 10}).Run(context.Background(), o.Env().Tree.Root(), "go")
		require.NoError(t, err)
		assert.Equal(t, StopHardStop, out.Stop)
		assert.Equal(t, 3, out.Turns)
	})

	t.Run("chooser error", func(t *testing.T) {
		o := newTestOrchestrator(t, remote.Services{}, DefaultConfig())
		_, err := NewLoop(&scriptedChooser{err: errors.New("down")}, o, LoopConfig{}).Run(context.Background(), o.Env().Tree.Root(), "go")
		assert.ErrorContains(t, err, "down")
	})

	t.Run("nil node", func(t *testing.T) {
		o := newTestOrchestrator(t, remote.Services{}, DefaultConfig())
		_, err := NewLoop(&scriptedChooser{}, o, LoopConfig{}).Run(context.Background(), nil, "go")
		assert.ErrorIs(t, err, tree.ErrNodeNotFound)
	})
}

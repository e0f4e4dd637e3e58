// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/chessbeast/services/annotate/eval"
	"github.com/AleutianAI/chessbeast/services/annotate/position"
	"github.com/AleutianAI/chessbeast/services/annotate/tree"
)

func TestBudget_NodeExhaustion(t *testing.T) {
	b := NewBudget(BudgetConfig{MaxNodes: 2})
	require.NoError(t, b.ReserveNode())
	require.NoError(t, b.ReserveNode())

	err := b.ReserveNode()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBudgetExceeded)

	var be *BudgetExceededError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, DimensionNodes, be.Dimension)
	assert.EqualValues(t, 2, b.NodesUsed(), "failed reservation must not consume")

	select {
	case <-b.Done():
	default:
		t.Fatal("Done should be closed once exhausted")
	}
	assert.True(t, b.Exhausted())
}

func TestBudget_TimeExhaustion(t *testing.T) {
	now := time.Now()
	b := newBudgetAt(BudgetConfig{TimeLimit: time.Second}, func() time.Time { return now })
	assert.NoError(t, b.Check())

	now = now.Add(2 * time.Second)
	err := b.ReserveNode()
	var be *BudgetExceededError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, DimensionTime, be.Dimension)
	assert.Equal(t, time.Duration(0), b.Remaining().Time)
}

func TestBudget_TokenExhaustionLatches(t *testing.T) {
	b := NewBudget(BudgetConfig{MaxTokens: 100})
	require.NoError(t, b.RecordTokens(60))
	err := b.RecordTokens(50)
	require.Error(t, err)

	var be *BudgetExceededError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, DimensionTokens, be.Dimension)

	// The first dimension to run out stays the reported one.
	err = b.ReserveNode()
	require.True(t, errors.As(err, &be))
	assert.Equal(t, DimensionTokens, be.Dimension)
}

func TestBudget_UnlimitedAndRemaining(t *testing.T) {
	b := NewBudget(BudgetConfig{})
	for i := 0; i < 1000; i++ {
		require.NoError(t, b.ReserveNode())
	}
	r := b.Remaining()
	assert.EqualValues(t, -1, r.Nodes)
	assert.EqualValues(t, -1, r.Tokens)
	assert.Equal(t, time.Duration(-1), r.Time)

	limited := NewBudget(BudgetConfig{MaxNodes: 10})
	require.NoError(t, limited.ReserveNode())
	assert.EqualValues(t, 9, limited.Remaining().Nodes)
	assert.Contains(t, limited.String(), "nodes=1/10")
}

func TestBudget_ConcurrentReservationsNeverOvershoot(t *testing.T) {
	b := NewBudget(BudgetConfig{MaxNodes: 50})
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.ReserveNode() == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, granted)
	assert.EqualValues(t, 50, b.NodesUsed())
}

func TestBudget_Cancel(t *testing.T) {
	b := NewBudget(DefaultBudgetConfig())
	b.Cancel("fatal")
	err := b.Check()
	var be *BudgetExceededError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "fatal", be.Dimension)
}

func TestSession_InterestingQueue(t *testing.T) {
	tr, err := tree.New(position.StartFEN)
	require.NoError(t, err)
	root := tr.Root()
	s := New(DefaultBudgetConfig())
	assert.NotEmpty(t, s.ID())

	assert.Equal(t, 3, s.MarkInteresting(root, "e2e4", "d2d4", "c2c4"))
	assert.Equal(t, 1, s.MarkInteresting(root, "d2d4", "g1f3", ""))
	assert.Equal(t, 0, s.MarkInteresting(nil, "e2e4"))
	assert.Equal(t, []string{"e2e4", "d2d4", "c2c4", "g1f3"}, s.InterestingAt(root))

	assert.Equal(t, 1, s.ClearInteresting(root, "c2c4"))
	assert.Equal(t, []string{"e2e4", "d2d4", "g1f3"}, s.InterestingAt(root))
	assert.Equal(t, 0, s.ClearInteresting(root, "h2h4"))

	assert.Equal(t, 3, s.ClearInteresting(nil))
	assert.Empty(t, s.Interesting())

	// Cleared moves may be queued again.
	assert.Equal(t, 1, s.MarkInteresting(root, "e2e4"))
	assert.Equal(t, []string{"e2e4"}, s.InterestingAt(root))
}

func TestSession_InterestingIsPerPosition(t *testing.T) {
	tr, err := tree.New(position.StartFEN)
	require.NoError(t, err)
	root := tr.Root()
	e4, _, err := tr.AddMove(root, "e4", tree.SourceMainline, tree.EdgeMeta{})
	require.NoError(t, err)
	e5, _, err := tr.AddMove(e4.To(), "e5", tree.SourceMainline, tree.EdgeMeta{})
	require.NoError(t, err)

	s := New(BudgetConfig{})
	require.Equal(t, 2, s.MarkInteresting(e5.To(), "g1f3", "f1c4"))
	require.Equal(t, 1, s.MarkInteresting(root, "g1f3"))

	queue := s.Interesting()
	require.Len(t, queue, 3)
	assert.Same(t, e5.To(), queue[0].Node)
	assert.Same(t, root, queue[2].Node)
	assert.Equal(t, []string{"g1f3"}, s.InterestingAt(root))
	assert.Empty(t, s.InterestingAt(e4.To()))

	// Clearing at one position leaves the same move elsewhere.
	assert.Equal(t, 1, s.ClearInteresting(root, "g1f3"))
	assert.Equal(t, []string{"g1f3", "f1c4"}, s.InterestingAt(e5.To()))

	assert.Equal(t, []string{"g1f3", "f1c4"}, s.TakeInteresting(e5.To()))
	assert.Empty(t, s.Interesting())
	assert.Nil(t, s.TakeInteresting(root))
}

func TestSession_IDsAreUnique(t *testing.T) {
	a := New(BudgetConfig{})
	b := New(BudgetConfig{})
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Len(t, a.ID(), 26)
}

func TestSession_Counters(t *testing.T) {
	s := New(BudgetConfig{})
	s.CountToolCall("navigate")
	s.CountToolCall("navigate")
	s.CountToolCall("evaluate_position")
	s.CountAPICall("stockfish")
	require.NoError(t, s.Budget().ReserveNode())

	c := s.Counters()
	assert.Equal(t, 3, c.TotalToolCalls())
	assert.Equal(t, []string{"evaluate_position", "navigate"}, c.ToolNames())
	assert.Equal(t, 1, c.APICalls["stockfish"])
	assert.EqualValues(t, 1, c.Nodes)

	c.ToolCalls["navigate"] = 99
	assert.Equal(t, 2, s.Counters().ToolCalls["navigate"], "snapshot must be a copy")
}

func TestSession_CursorAndEvaluations(t *testing.T) {
	tr, err := tree.New(position.StartFEN)
	require.NoError(t, err)
	s := New(BudgetConfig{})
	s.MarkInteresting(tr.Root(), "e2e4")
	s.SetCursor(tr.Root())
	assert.Same(t, tr.Root(), s.Cursor())
	assert.Equal(t, []string{"e2e4"}, s.InterestingAt(tr.Root()), "moving the cursor keeps the queue")

	cur, prev := s.Evaluations()
	assert.Nil(t, cur)
	assert.Nil(t, prev)

	s.ObserveEvaluation(eval.Result{Score: eval.CP(20), Depth: 12})
	s.ObserveEvaluation(eval.Result{Score: eval.CP(-35), Depth: 14})
	cur, prev = s.Evaluations()
	require.NotNil(t, cur)
	require.NotNil(t, prev)
	assert.Equal(t, 14, cur.Depth)
	assert.Equal(t, 12, prev.Depth)
}

func TestSession_LineActionsAndHardStop(t *testing.T) {
	s := New(BudgetConfig{})
	s.BeginLine()
	assert.Equal(t, 1, s.CountLineAction())
	assert.Equal(t, 2, s.CountLineAction())
	assert.Equal(t, 2, s.LineActions())

	s.HardStop("action limit")
	s.HardStop("other")
	stopped, reason := s.HardStopped()
	assert.True(t, stopped)
	assert.Equal(t, "action limit", reason)

	s.BeginLine()
	stopped, _ = s.HardStopped()
	assert.False(t, stopped)
	assert.Equal(t, 0, s.LineActions())
}

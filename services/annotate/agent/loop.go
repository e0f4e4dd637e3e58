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
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/AleutianAI/chessbeast/services/annotate/tree"
	"github.com/AleutianAI/chessbeast/services/llm"
)

// StopReason says why a loop ended.
type StopReason string

const (
	StopFinished  StopReason = "finished"
	StopText      StopReason = "text_reply"
	StopMaxTurns  StopReason = "max_turns"
	StopHardStop  StopReason = "hard_stop"
	StopBudget    StopReason = "budget"
	StopCancelled StopReason = "cancelled"
)

// DefaultSystemPrompt frames the exploration task for the model.
const DefaultSystemPrompt = `You are exploring a chess position to help annotate a game.
Use the actions to look at the position, play candidate moves, evaluate
them and record what matters: glyphs on moves that deserve them and at
most a sentence of comment where a human would need it. Mark moves you
want explored more deeply as interesting. Call finish_exploration when
the position is understood.`

// LoopConfig bounds one agent loop.
type LoopConfig struct {
	MaxTurns         int    `yaml:"max_turns" json:"max_turns" validate:"gte=1,lte=200"`
	MaxTokensPerTurn int    `yaml:"max_tokens_per_turn" json:"max_tokens_per_turn" validate:"gte=0"`
	System           string `yaml:"system" json:"system"`
}

// DefaultLoopConfig returns the defaults.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{MaxTurns: 24, MaxTokensPerTurn: 512, System: DefaultSystemPrompt}
}

// Outcome summarizes a finished loop.
type Outcome struct {
	Stop   StopReason `json:"stop"`
	Turns  int        `json:"turns"`
	Calls  []Result   `json:"calls"`
	Text   string     `json:"text,omitempty"`
	Tokens int        `json:"tokens"`
}

// Loop drives an ActionChooser against an Orchestrator.
type Loop struct {
	chooser llm.ActionChooser
	orch    *Orchestrator
	config  LoopConfig
	logger  *slog.Logger
}

// NewLoop creates a loop.
func NewLoop(chooser llm.ActionChooser, orch *Orchestrator, config LoopConfig) *Loop {
	if config.MaxTurns <= 0 {
		config.MaxTurns = DefaultLoopConfig().MaxTurns
	}
	if config.System == "" {
		config.System = DefaultSystemPrompt
	}
	return &Loop{chooser: chooser, orch: orch, config: config, logger: orch.logger}
}

// Run explores from node until the model finishes, stops calling
// actions, or a limit is reached.
//
// Description:
//
//	Run starts a fresh line: the action allowance is reset and the
//	cursor is placed on node. Each turn asks the chooser for one action,
//	dispatches it and feeds the structured result back. Failed actions
//	do not end the loop; the model sees the error and may recover.
//
// Inputs:
//
//	ctx - Cancellation ends the loop with StopCancelled.
//	node - Starting position.
//	brief - Opening user message describing the task.
//
// Outputs:
//
//	Outcome - Always populated, also when err is non-nil.
//	error - Non-nil only when the chooser fails.
func (l *Loop) Run(ctx context.Context, node *tree.Node, brief string) (Outcome, error) {
	var out Outcome
	if node == nil {
		return out, fmt.Errorf("agent loop: %w", tree.ErrNodeNotFound)
	}
	env := l.orch.Env()
	sess := env.Session
	sess.BeginLine()
	sess.SetCursor(node)

	specs := l.orch.Specs()
	msgs := []llm.Message{{Role: llm.RoleUser, Content: brief}}

	for out.Turns < l.config.MaxTurns {
		if err := ctx.Err(); err != nil {
			out.Stop = StopCancelled
			return out, nil
		}
		if stopped, _ := sess.HardStopped(); stopped {
			out.Stop = StopHardStop
			return out, nil
		}
		if err := sess.Budget().Check(); err != nil {
			out.Stop = StopBudget
			return out, nil
		}

		out.Turns++
		resp, err := l.chooser.ChooseAction(ctx, llm.ToolRequest{
			System:    l.config.System,
			Messages:  msgs,
			Tools:     specs,
			MaxTokens: l.config.MaxTokensPerTurn,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				out.Stop = StopCancelled
				return out, nil
			}
			return out, fmt.Errorf("agent loop turn %d: %w", out.Turns, err)
		}
		out.Tokens += resp.Tokens
		// An exhausted token budget is picked up by Check on the next turn.
		_ = sess.Budget().RecordTokens(int64(resp.Tokens))
		if resp.Call == nil {
			out.Stop = StopText
			out.Text = resp.Text
			return out, nil
		}

		call := *resp.Call
		if call.ID == "" {
			call.ID = uuid.NewString()
		}
		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: resp.Text, ToolCalls: []llm.ToolCall{call}})

		res := l.orch.Dispatch(ctx, Call{ID: call.ID, Name: call.Name, Arguments: json.RawMessage(call.Arguments)})
		out.Calls = append(out.Calls, res)
		msgs = append(msgs, llm.Message{Role: llm.RoleTool, Content: res.JSON(), ToolCallID: call.ID})

		if res.Success && call.Name == ActionFinish {
			out.Stop = StopFinished
			return out, nil
		}
	}
	out.Stop = StopMaxTurns
	l.logger.Info("agent loop hit turn limit", slog.Int("turns", out.Turns))
	return out, nil
}

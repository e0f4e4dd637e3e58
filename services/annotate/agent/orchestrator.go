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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/chessbeast/services/annotate/events"
	"github.com/AleutianAI/chessbeast/services/llm"
)

// Config bounds the orchestrator.
type Config struct {
	// MaxActionsPerLine is the hard ceiling of dispatched calls per line.
	MaxActionsPerLine int `yaml:"max_actions_per_line" json:"max_actions_per_line" validate:"gte=1,lte=500"`

	// ActionTimeout bounds a single action, including remote calls.
	ActionTimeout time.Duration `yaml:"action_timeout" json:"action_timeout" validate:"gte=0"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{MaxActionsPerLine: 40, ActionTimeout: 30 * time.Second}
}

// Orchestrator dispatches action calls against a shared Env.
//
// Description:
//
//	Dispatch looks the action up by name and runs it. Every failure,
//	including unknown names, malformed arguments and panics inside an
//	action, comes back as a Result with Success false. Dispatch counts
//	every call against the line's allowance and forces a hard stop once
//	the allowance is exceeded.
//
// Thread Safety: calls for one session must be serialized by the caller.
type Orchestrator struct {
	registry *Registry
	env      *Env
	config   Config
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(registry *Registry, env *Env, config Config) *Orchestrator {
	if config.MaxActionsPerLine <= 0 {
		config.MaxActionsPerLine = DefaultConfig().MaxActionsPerLine
	}
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
		env.Logger = logger
	}
	return &Orchestrator{
		registry: registry,
		env:      env,
		config:   config,
		logger:   logger,
		tracer:   otel.Tracer("chessbeast.agent"),
	}
}

// Env returns the shared environment.
func (o *Orchestrator) Env() *Env { return o.env }

// Registry returns the action registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Specs returns the registered actions as model tool specs.
func (o *Orchestrator) Specs() []llm.ToolSpec {
	defs := o.registry.Definitions()
	specs := make([]llm.ToolSpec, 0, len(defs))
	for _, d := range defs {
		specs = append(specs, llm.ToolSpec{Name: d.Name, Description: d.Description, Parameters: d.Schema()})
	}
	return specs
}

// Dispatch runs one call.
//
// Outputs:
//
//	Result - Never panics; failures have Success false and Error set.
func (o *Orchestrator) Dispatch(ctx context.Context, call Call) (res Result) {
	start := time.Now()
	res = Result{CallID: call.ID, Name: call.Name}
	ctx, span := o.tracer.Start(ctx, "agent.dispatch", trace.WithAttributes(attribute.String("agent.action", call.Name)))
	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Output = nil
			res.Error = fmt.Sprintf("action %s failed: %v", call.Name, r)
			o.logger.Error("action panicked", slog.String("action", call.Name), slog.Any("panic", r))
		}
		res.Duration = time.Since(start)
		if !res.Success {
			span.SetStatus(codes.Error, res.Error)
		}
		span.End()
		o.env.Emitter.Emit(events.KindToolCall, o.cursorPly(), "", map[string]any{
			"action": call.Name, "success": res.Success, "error": res.Error,
		})
	}()

	sess := o.env.Session
	if stopped, reason := sess.HardStopped(); stopped {
		return o.fail(res, fmt.Errorf("%w: %s", ErrHardStopped, reason))
	}
	if n := sess.CountLineAction(); n > o.config.MaxActionsPerLine {
		sess.HardStop(ErrActionLimit.Error())
		return o.fail(res, fmt.Errorf("%w (%d)", ErrActionLimit, o.config.MaxActionsPerLine))
	}
	sess.CountToolCall(call.Name)

	action, ok := o.registry.Get(call.Name)
	if !ok {
		return o.fail(res, fmt.Errorf("%w: %q", ErrUnknownAction, call.Name))
	}
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return o.fail(res, fmt.Errorf("%w: arguments are not valid JSON", ErrInvalidArguments))
	}

	if o.config.ActionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.ActionTimeout)
		defer cancel()
	}
	out, err := action.Execute(ctx, o.env, args)
	if err != nil {
		return o.fail(res, err)
	}
	res.Success = true
	res.Output = out
	o.logger.Debug("action dispatched", slog.String("action", call.Name), slog.Duration("elapsed", time.Since(start)))
	return res
}

func (o *Orchestrator) fail(res Result, err error) Result {
	res.Success = false
	res.Error = err.Error()
	level := slog.LevelDebug
	if !errors.Is(err, ErrInvalidArguments) && !errors.Is(err, ErrUnknownAction) {
		level = slog.LevelWarn
	}
	o.logger.Log(context.Background(), level, "action failed", slog.String("action", res.Name), slog.String("error", res.Error))
	return res
}

func (o *Orchestrator) cursorPly() int {
	if n := o.env.Session.Cursor(); n != nil {
		return n.Ply()
	}
	return 0
}

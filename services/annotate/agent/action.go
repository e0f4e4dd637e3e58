// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package agent lets an external reasoning loop work on the variation
// tree through a fixed set of named actions.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/chessbeast/services/annotate/events"
	"github.com/AleutianAI/chessbeast/services/annotate/remote"
	"github.com/AleutianAI/chessbeast/services/annotate/session"
	"github.com/AleutianAI/chessbeast/services/annotate/tree"
)

var (
	// ErrUnknownAction is returned for a name with no registered action.
	ErrUnknownAction = errors.New("unknown action")

	// ErrInvalidArguments is returned for arguments that do not parse or validate.
	ErrInvalidArguments = errors.New("invalid arguments")

	// ErrActionLimit is returned once a line has used its action allowance.
	ErrActionLimit = errors.New("action limit reached for this line")

	// ErrHardStopped is returned for calls made after the line was stopped.
	ErrHardStopped = errors.New("line is hard-stopped")

	// ErrNoCursor is returned when the agent has not been placed on a node.
	ErrNoCursor = errors.New("no current position")

	// ErrNoEdge is returned when an action names a move that is not in the tree.
	ErrNoEdge = errors.New("no such move in the tree")

	// ErrServiceMissing is returned when an action needs a service that is not configured.
	ErrServiceMissing = errors.New("service not configured")
)

// ParamType is a JSON schema type.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
	ParamArray   ParamType = "array"
)

// ParamDef describes one action parameter.
type ParamDef struct {
	Type        ParamType `json:"type"`
	Description string    `json:"description"`
	Required    bool      `json:"required"`
	Enum        []string  `json:"enum,omitempty"`

	// Items is the element type of an array parameter.
	Items ParamType `json:"items,omitempty"`
}

// Definition describes an action to the reasoning model.
type Definition struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Parameters  map[string]ParamDef `json:"parameters"`

	// SideEffects is true for actions that change the tree or session.
	SideEffects bool `json:"side_effects"`
}

// RequiredParams returns the required parameter names, sorted.
func (d Definition) RequiredParams() []string {
	var out []string
	for name, p := range d.Parameters {
		if p.Required {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Schema returns the parameters as a JSON schema object.
func (d Definition) Schema() map[string]any {
	props := make(map[string]any, len(d.Parameters))
	for name, p := range d.Parameters {
		prop := map[string]any{"type": string(p.Type), "description": p.Description}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Type == ParamArray {
			prop["items"] = map[string]any{"type": string(p.Items)}
		}
		props[name] = prop
	}
	schema := map[string]any{"type": "object", "properties": props}
	if req := d.RequiredParams(); len(req) > 0 {
		schema["required"] = req
	}
	return schema
}

// Env is the shared state every action runs against.
type Env struct {
	Tree     *tree.Tree
	Session  *session.Session
	Services remote.Services
	Emitter  events.Scoped
	Logger   *slog.Logger

	// RatingBand is the default band for human-move predictions.
	RatingBand int

	// EvalDepth and MultiPV are the defaults for evaluate_position.
	EvalDepth int
	MultiPV   int
}

// cursor returns the agent's current node.
func (e *Env) cursor() (*tree.Node, error) {
	n := e.Session.Cursor()
	if n == nil {
		return nil, ErrNoCursor
	}
	return n, nil
}

// Action is one capability exposed to the reasoning loop.
//
// Implementations must be safe for concurrent use; per-call state lives
// in Env.
type Action interface {
	Name() string
	Definition() Definition

	// Execute runs the action. args is the raw JSON object sent by the
	// model. The returned value is serialized back to the model.
	Execute(ctx context.Context, env *Env, args json.RawMessage) (any, error)
}

// Call is one action request.
type Call struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Result is the structured outcome of a dispatched call.
type Result struct {
	CallID   string        `json:"call_id,omitempty"`
	Name     string        `json:"name"`
	Success  bool          `json:"success"`
	Output   any           `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// JSON renders the result for the model.
func (r Result) JSON() string {
	b, err := json.Marshal(struct {
		Success bool   `json:"success"`
		Output  any    `json:"output,omitempty"`
		Error   string `json:"error,omitempty"`
	}{r.Success, r.Output, r.Error})
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":%q}`, err.Error())
	}
	return string(b)
}

var argValidate = validator.New()

// decodeArgs parses and validates the arguments of an action.
func decodeArgs[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := argValidate.Struct(v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return v, nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm is the language-model boundary used for phrasing comments
// and for choosing agent actions.
package llm

import "context"

// Role is a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Request asks for free text.
type Request struct {
	// System is the system instruction.
	System string `json:"system"`

	// Context describes the position being discussed.
	Context string `json:"context"`

	Prompt string `json:"prompt"`

	// MaxTokens bounds the reply; 0 leaves it to the provider.
	MaxTokens int `json:"max_tokens"`

	Temperature *float32 `json:"temperature,omitempty"`
}

// Response is a free text reply.
type Response struct {
	Text         string `json:"text"`
	Tokens       int    `json:"tokens"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// ToolSpec describes one callable action.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is an action request from the model. Arguments is raw JSON.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one turn of a tool-calling conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`

	// ToolCallID links a tool result to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolCalls are the calls an assistant turn made.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolRequest asks the model to pick one action.
type ToolRequest struct {
	System    string     `json:"system"`
	Messages  []Message  `json:"messages"`
	Tools     []ToolSpec `json:"tools"`
	MaxTokens int        `json:"max_tokens"`
}

// ToolResponse is either one action call or a text-only answer.
type ToolResponse struct {
	// Call is nil when the model answered with text only.
	Call   *ToolCall `json:"call,omitempty"`
	Text   string    `json:"text,omitempty"`
	Tokens int       `json:"tokens"`
}

// Phraser produces free text.
type Phraser interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// StreamPhraser also delivers the reply in chunks as it is generated.
type StreamPhraser interface {
	Phraser
	Stream(ctx context.Context, req Request, onChunk func(chunk string)) (Response, error)
}

// ActionChooser picks agent actions in tool-calling mode.
type ActionChooser interface {
	ChooseAction(ctx context.Context, req ToolRequest) (ToolResponse, error)
}

// Client is a model backend offering both modes.
type Client interface {
	StreamPhraser
	ActionChooser
}

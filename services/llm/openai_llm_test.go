// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/chessbeast/services/annotate/remote"
	"github.com/AleutianAI/chessbeast/services/annotate/resilience"
)

type capturedRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role       string `json:"role"`
		Content    string `json:"content"`
		ToolCallID string `json:"tool_call_id"`
	} `json:"messages"`
	Tools []struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	} `json:"tools"`
	MaxCompletionTokens int  `json:"max_completion_tokens"`
	Stream              bool `json:"stream"`
}

func newTestServer(t *testing.T, handler func(w http.ResponseWriter, req capturedRequest)) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req capturedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		handler(w, req)
	}))
	t.Cleanup(srv.Close)
	c, err := NewOpenAIClient(Config{APIKey: "test-key", Model: "test-model", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func TestComplete(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, req capturedRequest) {
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "be brief", req.Messages[0].Content)
		assert.Equal(t, "White to move.\n\nExplain.", req.Messages[1].Content)
		assert.Equal(t, 40, req.MaxCompletionTokens)
		writeJSON(w, `{"id":"1","object":"chat.completion","model":"test-model",
			"choices":[{"index":0,"message":{"role":"assistant","content":"The knight heads for d5."},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":20,"completion_tokens":7,"total_tokens":27}}`)
	})

	resp, err := c.Complete(context.Background(), Request{System: "be brief", Context: "White to move.", Prompt: "Explain.", MaxTokens: 40})
	require.NoError(t, err)
	assert.Equal(t, "The knight heads for d5.", resp.Text)
	assert.Equal(t, 27, resp.Tokens)
	assert.Equal(t, "stop", resp.FinishReason)
}

func TestStream(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, req capturedRequest) {
		assert.True(t, req.Stream)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"The king ", "is exposed."} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var chunks []string
	resp, err := c.Stream(context.Background(), Request{Prompt: "x"}, func(s string) { chunks = append(chunks, s) })
	require.NoError(t, err)
	assert.Equal(t, []string{"The king ", "is exposed."}, chunks)
	assert.Equal(t, "The king is exposed.", resp.Text)
	assert.Equal(t, "stop", resp.FinishReason)
}

func TestChooseAction(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, req capturedRequest) {
		require.Len(t, req.Tools, 2)
		assert.Equal(t, "navigate", req.Tools[0].Function.Name)
		require.Len(t, req.Messages, 3)
		assert.Equal(t, "tool", req.Messages[2].Role)
		assert.Equal(t, "c0", req.Messages[2].ToolCallID)
		writeJSON(w, `{"id":"2","object":"chat.completion",
			"choices":[{"index":0,"message":{"role":"assistant","content":"",
			"tool_calls":[{"id":"c1","type":"function","function":{"name":"make_move","arguments":"{\"move\":\"e4\"}"}}]},
			"finish_reason":"tool_calls"}],"usage":{"total_tokens":12}}`)
	})

	resp, err := c.ChooseAction(context.Background(), ToolRequest{
		System: "explore",
		Messages: []Message{
			{Role: RoleUser, Content: "start"},
			{Role: RoleTool, Content: `{"success":true}`, ToolCallID: "c0"},
		},
		Tools: []ToolSpec{
			{Name: "navigate", Parameters: map[string]any{"type": "object"}},
			{Name: "make_move", Parameters: map[string]any{"type": "object"}},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Call)
	assert.Equal(t, "c1", resp.Call.ID)
	assert.Equal(t, "make_move", resp.Call.Name)
	assert.JSONEq(t, `{"move":"e4"}`, resp.Call.Arguments)
	assert.Equal(t, 12, resp.Tokens)
}

func TestChooseAction_TextOnly(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, _ capturedRequest) {
		writeJSON(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":"Nothing else to check."},"finish_reason":"stop"}]}`)
	})
	resp, err := c.ChooseAction(context.Background(), ToolRequest{Messages: []Message{{Role: RoleUser, Content: "go"}}})
	require.NoError(t, err)
	assert.Nil(t, resp.Call)
	assert.Equal(t, "Nothing else to check.", resp.Text)
}

func TestClassifyHTTPErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, resilience.ErrRateLimited},
		{http.StatusBadRequest, resilience.ErrInvalidArgument},
		{http.StatusInternalServerError, resilience.ErrServiceUnavailable},
		{http.StatusGatewayTimeout, resilience.ErrTimeout},
	}
	for _, tc := range tests {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, _ capturedRequest) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"server_error"}}`))
			})
			_, err := c.Complete(context.Background(), Request{Prompt: "x"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestGuarded_RetriesTransientFailure(t *testing.T) {
	calls := 0
	c := newTestServer(t, func(w http.ResponseWriter, _ capturedRequest) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			writeJSON(w, `{"error":{"message":"busy"}}`)
			return
		}
		writeJSON(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":"ok"}}]}`)
	})
	g := Guarded{Inner: c, Guard: remote.NewGuard(remote.ServiceLLM, remote.GuardConfig{
		Timeout: time.Second,
		Retry:   resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1},
		Breaker: resilience.BreakerConfig{TripAfter: 1, Cooldown: time.Minute},
	}, nil)}

	resp, err := g.Complete(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, 2, calls)
}

func TestNewOpenAIClient_KeyFromSecretFile(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENAI_MODEL", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "key")
	require.NoError(t, os.WriteFile(path, []byte("secret-key\n"), 0o600))

	c, err := NewOpenAIClient(Config{SecretPath: path})
	require.NoError(t, err)
	assert.Equal(t, defaultModel, c.Model())

	_, err = NewOpenAIClient(Config{SecretPath: filepath.Join(dir, "missing")})
	assert.Error(t, err)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/chessbeast/services/annotate/remote"
	"github.com/AleutianAI/chessbeast/services/annotate/resilience"
)

var tracer = otel.Tracer("chessbeast.llm.openai")

const (
	defaultModel      = "gpt-4o-mini"
	defaultSecretPath = "/run/secrets/openai_api_key"
)

// Config configures the OpenAI-compatible client.
type Config struct {
	// APIKey falls back to OPENAI_API_KEY, then to SecretPath.
	APIKey     string `yaml:"-" json:"-"`
	SecretPath string `yaml:"secret_path" json:"secret_path"`

	// Model falls back to OPENAI_MODEL, then gpt-4o-mini.
	Model string `yaml:"model" json:"model"`

	// BaseURL points at any OpenAI-compatible endpoint, including /v1.
	BaseURL string `yaml:"base_url" json:"base_url" validate:"omitempty,url"`

	Temperature float32 `yaml:"temperature" json:"temperature" validate:"gte=0,lte=2"`
}

// OpenAIClient talks to an OpenAI-compatible chat completion API.
//
// Thread Safety: safe for concurrent use.
type OpenAIClient struct {
	client *openai.Client
	model  string
	temp   float32
}

// NewOpenAIClient creates a client.
//
// Outputs:
//
//	*OpenAIClient - The client.
//	error - When no API key can be found.
func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		path := cfg.SecretPath
		if path == "" {
			path = defaultSecretPath
		}
		b, err := os.ReadFile(path)
		if err != nil {
			slog.Error("OPENAI_API_KEY not set and secret not found", "path", path)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
		apiKey = strings.TrimSpace(string(b))
		slog.Info("read the OpenAI API key from secret file")
	}
	model := cfg.Model
	if model == "" {
		model = os.Getenv("OPENAI_MODEL")
	}
	if model == "" {
		model = defaultModel
		slog.Warn("OPENAI_MODEL not set, defaulting", "model", model)
	}

	oc := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	slog.Info("initializing OpenAI client", "model", model)
	return &OpenAIClient{client: openai.NewClientWithConfig(oc), model: model, temp: cfg.Temperature}, nil
}

// Model returns the model name.
func (o *OpenAIClient) Model() string { return o.model }

func (o *OpenAIClient) chatRequest(req Request) openai.ChatCompletionRequest {
	user := req.Prompt
	if req.Context != "" {
		user = req.Context + "\n\n" + req.Prompt
	}
	cr := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: o.temp,
	}
	if req.Temperature != nil {
		cr.Temperature = *req.Temperature
	}
	if req.MaxTokens > 0 {
		cr.MaxCompletionTokens = req.MaxTokens
	}
	return cr
}

// Complete implements Phraser.
func (o *OpenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	resp, err := o.client.CreateChatCompletion(ctx, o.chatRequest(req))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat completion failed")
		return Response{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, resilience.NewServiceError(remote.ServiceLLM, resilience.ErrServiceUnavailable, "no choices returned")
	}
	span.SetAttributes(attribute.Int("llm.tokens", resp.Usage.TotalTokens))
	slog.Debug("received completion", "finish_reason", resp.Choices[0].FinishReason, "tokens", resp.Usage.TotalTokens)
	return Response{
		Text:         resp.Choices[0].Message.Content,
		Tokens:       resp.Usage.TotalTokens,
		FinishReason: string(resp.Choices[0].FinishReason),
	}, nil
}

// Stream implements StreamPhraser. onChunk is called for every content
// delta, in order, before Stream returns.
func (o *OpenAIClient) Stream(ctx context.Context, req Request, onChunk func(chunk string)) (Response, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Stream")
	defer span.End()

	cr := o.chatRequest(req)
	cr.Stream = true
	cr.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	stream, err := o.client.CreateChatCompletionStream(ctx, cr)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream open failed")
		return Response{}, classify(err)
	}
	defer stream.Close()

	var (
		sb     strings.Builder
		out    Response
		chunks int
	)
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "stream read failed")
			return Response{}, classify(err)
		}
		if msg.Usage != nil {
			out.Tokens = msg.Usage.TotalTokens
		}
		if len(msg.Choices) == 0 {
			continue
		}
		if fr := msg.Choices[0].FinishReason; fr != "" {
			out.FinishReason = string(fr)
		}
		if delta := msg.Choices[0].Delta.Content; delta != "" {
			sb.WriteString(delta)
			chunks++
			if onChunk != nil {
				onChunk(delta)
			}
		}
	}
	out.Text = sb.String()
	span.SetAttributes(attribute.Int("llm.chunks", chunks), attribute.Int("llm.tokens", out.Tokens))
	return out, nil
}

// ChooseAction implements ActionChooser. The model is asked for exactly
// one tool call; only the first is returned if it makes several.
func (o *OpenAIClient) ChooseAction(ctx context.Context, req ToolRequest) (ToolResponse, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.ChooseAction")
	defer span.End()

	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		cm := openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
				ID:       tc.ID,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		msgs = append(msgs, cm)
	}
	tools := make([]openai.Tool, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	cr := openai.ChatCompletionRequest{
		Model:             o.model,
		Messages:          msgs,
		Tools:             tools,
		Temperature:       o.temp,
		ParallelToolCalls: false,
	}
	if req.MaxTokens > 0 {
		cr.MaxCompletionTokens = req.MaxTokens
	}

	resp, err := o.client.CreateChatCompletion(ctx, cr)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool call failed")
		return ToolResponse{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return ToolResponse{}, resilience.NewServiceError(remote.ServiceLLM, resilience.ErrServiceUnavailable, "no choices returned")
	}
	choice := resp.Choices[0].Message
	out := ToolResponse{Text: choice.Content, Tokens: resp.Usage.TotalTokens}
	if len(choice.ToolCalls) > 0 {
		tc := choice.ToolCalls[0]
		out.Call = &ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments}
		span.SetAttributes(attribute.String("llm.tool", tc.Function.Name))
	}
	return out, nil
}

// classify maps provider errors into the remote error taxonomy.
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return resilience.NewServiceError(remote.ServiceLLM, resilience.ErrTimeout, "%v", err)
	}
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	switch {
	case status == http.StatusTooManyRequests:
		return resilience.NewServiceError(remote.ServiceLLM, resilience.ErrRateLimited, "%v", err)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return resilience.NewServiceError(remote.ServiceLLM, resilience.ErrInvalidArgument, "%v", err)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return resilience.NewServiceError(remote.ServiceLLM, resilience.ErrTimeout, "%v", err)
	default:
		return resilience.NewServiceError(remote.ServiceLLM, resilience.ErrServiceUnavailable, "%v", err)
	}
}

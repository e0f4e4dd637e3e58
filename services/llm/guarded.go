// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"

	"github.com/AleutianAI/chessbeast/services/annotate/remote"
)

// Guarded routes every model call through a remote.Guard, so the model
// shares the retry, breaker, rate and fan-out policy of other services.
type Guarded struct {
	Inner Client
	Guard *remote.Guard
}

// Complete implements Phraser.
func (g Guarded) Complete(ctx context.Context, req Request) (Response, error) {
	var out Response
	_, err := g.Guard.Do(ctx, func(ctx context.Context) error {
		r, err := g.Inner.Complete(ctx, req)
		out = r
		return err
	})
	return out, err
}

// Stream implements StreamPhraser. A retried attempt streams again from
// the start; chunks from a failed attempt are not withdrawn.
func (g Guarded) Stream(ctx context.Context, req Request, onChunk func(string)) (Response, error) {
	var out Response
	_, err := g.Guard.Do(ctx, func(ctx context.Context) error {
		r, err := g.Inner.Stream(ctx, req, onChunk)
		out = r
		return err
	})
	return out, err
}

// ChooseAction implements ActionChooser.
func (g Guarded) ChooseAction(ctx context.Context, req ToolRequest) (ToolResponse, error) {
	var out ToolResponse
	_, err := g.Guard.Do(ctx, func(ctx context.Context) error {
		r, err := g.Inner.ChooseAction(ctx, req)
		out = r
		return err
	})
	return out, err
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package annotator

import (
	"context"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/chessbeast/services/annotate/explore"
	"github.com/AleutianAI/chessbeast/services/annotate/position"
	"github.com/AleutianAI/chessbeast/services/annotate/remote"
	"github.com/AleutianAI/chessbeast/services/annotate/tree"
)

// scan gives every mainline position a quick evaluation.
//
// Description:
//
//	Positions are evaluated concurrently, at most ScanFanOut at a time,
//	and each distinct position once. A cached evaluation at least
//	ScanDepth deep is reused. A position the evaluator cannot score is
//	marked unanalyzed; one the node budget no longer covers is marked
//	exhausted. Finished games are scored without the evaluator.
//
// Outputs:
//
//	bool - True if at least one non-terminal position was evaluated.
//	error - Context errors and hash collisions only.
func (a *Annotator) scan(ctx context.Context, r *run) (bool, error) {
	if a.services.Evaluator == nil {
		return false, nil
	}
	ctx, span := a.tracer.Start(ctx, "annotate.scan",
		trace.WithAttributes(attribute.Int("scan.depth", a.config.ScanDepth)))
	defer span.End()

	nodes := make([]*tree.Node, 0, len(r.mainline)+1)
	seen := make(map[position.Hash]bool, len(r.mainline)+1)
	add := func(n *tree.Node) {
		if !seen[n.Hash()] {
			seen[n.Hash()] = true
			nodes = append(nodes, n)
		}
	}
	add(r.tree.Root())
	for _, e := range r.mainline {
		add(e.To())
	}

	var analyzed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.config.ScanFanOut)
	for _, n := range nodes {
		g.Go(func() error {
			ok, err := a.scanNode(gctx, r, n)
			if ok {
				analyzed.Add(1)
			}
			return err
		})
	}
	err := g.Wait()
	span.SetAttributes(attribute.Int64("scan.analyzed", analyzed.Load()))
	if err != nil {
		span.RecordError(err)
		return analyzed.Load() > 0, err
	}
	r.logger.Debug("mainline scanned", slog.Int("positions", len(nodes)), slog.Int64("analyzed", analyzed.Load()))
	return analyzed.Load() > 0, nil
}

func (a *Annotator) scanNode(ctx context.Context, r *run, n *tree.Node) (bool, error) {
	if n.Position().IsTerminal() {
		_, err := r.tree.RecordEvaluation(n, explore.TerminalResult(n.Position()))
		return false, err
	}
	if _, ok := r.tree.LookupEvaluation(n.Hash(), a.config.ScanDepth); ok {
		return true, nil
	}
	if err := r.session.Budget().ReserveNode(); err != nil {
		r.tree.SetOutcome(n, tree.OutcomeExhausted)
		return false, nil
	}

	r.session.CountAPICall(remote.ServiceStockfish)
	res, err := a.services.Evaluator.Evaluate(ctx, remote.EvaluateRequest{
		FEN:     n.FEN(),
		Depth:   a.config.ScanDepth,
		MultiPV: 1,
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		r.log.ForPosition(n.Ply(), n.FEN()).Debug("scan evaluation failed", slog.String("error", err.Error()))
		r.tree.SetOutcome(n, tree.OutcomeUnanalyzed)
		return false, nil
	}
	if _, err := r.tree.RecordEvaluation(n, res); err != nil {
		return false, err
	}
	r.session.ObserveEvaluation(res)
	return true, nil
}

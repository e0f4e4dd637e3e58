// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package explore drives budgeted search over the variation tree.
//
// Each line moves through queued, evaluating and branching states and
// ends settled, exhausted or aborted. Sibling lines run concurrently; the
// tree is only ever shaped in the classifier's candidate order, so the
// result does not depend on which remote call finishes first.
package explore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/chessbeast/services/annotate/classifier"
	"github.com/AleutianAI/chessbeast/services/annotate/eval"
	"github.com/AleutianAI/chessbeast/services/annotate/events"
	"github.com/AleutianAI/chessbeast/services/annotate/position"
	"github.com/AleutianAI/chessbeast/services/annotate/remote"
	"github.com/AleutianAI/chessbeast/services/annotate/session"
	"github.com/AleutianAI/chessbeast/services/annotate/tree"
)

const tracerName = "chessbeast.explore"

// terminalDepth is recorded for checkmate and stalemate, which no search
// can improve on.
const terminalDepth = 1000

// ErrNoEvaluator is returned when no evaluation service is configured.
var ErrNoEvaluator = errors.New("no evaluator configured")

// Config configures the engine.
type Config struct {
	Tiers TierTable `yaml:"tiers" json:"tiers"`

	// FanOut bounds concurrent evaluation calls issued by the engine.
	FanOut int64 `yaml:"fan_out" json:"fan_out" validate:"gte=1,lte=64"`

	// MaxLinePlies caps the depth of any explored line.
	MaxLinePlies int `yaml:"max_line_plies" json:"max_line_plies" validate:"gte=1,lte=40"`

	// RatingBand is passed to the human-move model.
	RatingBand int `yaml:"rating_band" json:"rating_band" validate:"gte=0"`

	Glyphs classifier.GlyphThresholds `yaml:"glyphs" json:"glyphs"`

	// ThemeCP is the classical term magnitude reported as a strategic theme.
	ThemeCP int `yaml:"theme_cp" json:"theme_cp" validate:"gte=0"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Tiers:        DefaultTierTable(),
		FanOut:       4,
		MaxLinePlies: 8,
		RatingBand:   1500,
		Glyphs:       classifier.DefaultGlyphThresholds(),
		ThemeCP:      40,
	}
}

// Observer receives engine measurements.
type Observer interface {
	ObserveNode(tier string, cached bool)
	ObserveLine(state string, elapsed time.Duration)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithObserver reports node and line measurements.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithEmitter publishes position and finding events.
func WithEmitter(em events.Scoped) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// Request asks for one line to be explored.
type Request struct {
	// Node is the point of interest: the position before the move.
	Node *tree.Node

	// Played is the move actually played from Node, in UCI. Optional.
	Played string

	// Moves is the game from the initial position up to and including
	// Played, used for the opening book. Optional.
	Moves []string

	Recommendation Recommendation

	// Suggestions are reasoning-agent candidates for Node.
	Suggestions []classifier.Suggestion
}

// Engine explores lines of the variation tree.
//
// Thread Safety: safe for concurrent use. Tree mutation goes through the
// tree's own mutators.
type Engine struct {
	tree       *tree.Tree
	session    *session.Session
	services   remote.Services
	classifier *classifier.Classifier
	config     Config

	logger   *slog.Logger
	observer Observer
	emitter  events.Scoped
	tracer   trace.Tracer

	fanOut *semaphore.Weighted
	flight singleflight.Group
}

// NewEngine creates an engine.
//
// Inputs:
//
//	t - The session's variation tree.
//	sess - Budgets and counters for the session.
//	services - Remote services; only Evaluator is required for analysis.
//	cls - Candidate classifier.
//	config - Engine configuration. Zero fields take defaults.
func NewEngine(t *tree.Tree, sess *session.Session, services remote.Services, cls *classifier.Classifier, config Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if config.FanOut <= 0 {
		config.FanOut = def.FanOut
	}
	if config.MaxLinePlies <= 0 {
		config.MaxLinePlies = def.MaxLinePlies
	}
	if config.Glyphs.Blunder <= 0 {
		config.Glyphs = def.Glyphs
	}
	if config.Tiers.MinimalFrom == 0 {
		config.Tiers = def.Tiers
	}
	if cls == nil {
		cls = classifier.New(classifier.DefaultConfig())
	}
	e := &Engine{
		tree:       t,
		session:    sess,
		services:   services,
		classifier: cls,
		config:     config,
		logger:     slog.Default(),
		tracer:     otel.Tracer(tracerName),
		fanOut:     semaphore.NewWeighted(config.FanOut),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.config }

// lineRun carries per-request state through the recursion.
type lineRun struct {
	req     Request
	mu      sync.Mutex
	claimed map[position.Hash]bool
}

// claim reports whether the caller is the first to explore h in this run.
func (r *lineRun) claim(h position.Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimed[h] {
		return false
	}
	r.claimed[h] = true
	return true
}

// Explore runs the line state machine from req.Node.
//
// Description:
//
//	Evaluates the node, decides whether to continue, expands the top
//	ranked candidates for the node's tier and recurses into them
//	concurrently. Remote failures end only the affected node, which is
//	marked exhausted. When the line finishes, findings are derived for
//	the point of interest.
//
// Outputs:
//
//	*LineResult - Always non-nil when req.Node is set.
//	error - Only for defects that end the session, such as a hash
//	        collision. The session budget is cancelled in that case.
func (e *Engine) Explore(ctx context.Context, req Request) (*LineResult, error) {
	if req.Node == nil {
		return nil, fmt.Errorf("explore: %w", tree.ErrNodeNotFound)
	}
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "explore.line",
		trace.WithAttributes(
			attribute.Int("explore.ply", req.Node.Ply()),
			attribute.String("explore.fen", req.Node.FEN()),
			attribute.String("explore.played", req.Played),
		))
	defer span.End()

	run := &lineRun{req: req, claimed: make(map[position.Hash]bool)}
	run.claim(req.Node.Hash())
	e.session.SetCursor(req.Node)

	res, err := e.exploreNode(ctx, run, req.Node, nil, 0, nil)
	if err != nil {
		e.session.Budget().Cancel("aborted: " + err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("exploration aborted", slog.String("fen", req.Node.FEN()), slog.String("error", err.Error()))
		return res, err
	}

	res.Findings = e.summarize(ctx, run, res)
	for _, f := range res.Findings {
		e.emitter.Emit(events.KindFinding, f.Ply, "", map[string]any{
			"kind": string(f.Kind), "move": f.Move, "better": f.Better, "delta": f.Delta,
		})
	}

	elapsed := time.Since(start)
	if e.observer != nil {
		e.observer.ObserveLine(string(res.State), elapsed)
	}
	span.SetAttributes(
		attribute.String("explore.state", string(res.State)),
		attribute.Int("explore.nodes", res.Size()),
		attribute.Int("explore.findings", len(res.Findings)),
	)
	span.SetStatus(codes.Ok, "")
	e.logger.Debug("line explored",
		slog.Int("ply", req.Node.Ply()),
		slog.String("state", string(res.State)),
		slog.Int("nodes", res.Size()),
		slog.Int("exhausted", res.Count(StateExhausted)),
		slog.Duration("elapsed", elapsed))
	return res, nil
}

// exploreNode runs one node through the state machine.
func (e *Engine) exploreNode(ctx context.Context, run *lineRun, node *tree.Node, via *tree.Edge, distance int, history []eval.ScoredPly) (*LineResult, error) {
	tier := e.config.Tiers.Select(TierInput{
		Distance:       distance,
		IsRoot:         node == e.tree.Root(),
		Recommendation: run.req.Recommendation,
	})
	settings := e.config.Tiers.Settings(tier)
	lr := &LineResult{Node: node, Via: via, Tier: tier, State: StateQueued}

	ctx, span := e.tracer.Start(ctx, "explore.node",
		trace.WithAttributes(
			attribute.String("explore.tier", tier.String()),
			attribute.Int("explore.distance", distance),
		))
	defer span.End()

	lr.State = StateEvaluating
	e.tree.SetStatus(node, tree.StatusInProgress)
	res, cached, err := e.evaluate(ctx, node, settings)
	if err != nil {
		return e.fail(lr, err)
	}
	lr.Evaluation = &res
	lr.Cached = cached
	if e.observer != nil {
		e.observer.ObserveNode(tier.String(), cached)
	}
	e.emitter.Emit(events.KindPosition, node.Ply(), node.FEN(), map[string]any{
		"score": res.Score.String(), "depth": res.Depth, "tier": tier.String(), "cached": cached,
	})

	history = append(append(make([]eval.ScoredPly, 0, len(history)+1), history...),
		eval.ScoredPly{WhiteToMove: node.Position().SideToMove() == position.White, Score: res.Score})

	decision := e.classifier.AssessContinuation(classifier.ContinuationInput{
		Terminal:        node.Position().IsTerminal(),
		History:         history,
		Iterations:      res.Iterations,
		NodesRemaining:  e.session.Budget().Remaining().Nodes,
		BranchingFactor: max(settings.Expand, 1),
	})
	if distance == 0 && decision.Reason == classifier.ReasonMate {
		// The point of interest always branches so the played move can be
		// compared against the mate.
		decision = classifier.Decision{Verdict: classifier.Continue}
	}
	switch {
	case decision.Verdict != classifier.Continue:
		return e.settle(lr, decision.Reason), nil
	case settings.Expand == 0:
		return e.settle(lr, "tier does not expand"), nil
	case distance >= e.config.MaxLinePlies:
		return e.settle(lr, "line depth limit"), nil
	}

	lr.State = StateBranching
	edges, err := e.branch(run, node, res, settings, distance)
	if err != nil {
		return e.fail(lr, err)
	}

	children := make([]*LineResult, len(edges))
	g, gctx := errgroup.WithContext(ctx)
	for i, edge := range edges {
		child := edge.To()
		if !run.claim(child.Hash()) {
			children[i] = &LineResult{Node: child, Via: edge, Tier: tier, State: StateSettled, Reason: "transposition"}
			continue
		}
		g.Go(func() error {
			if err := e.session.Budget().Check(); err != nil {
				cr := &LineResult{Node: child, Via: edge, Tier: tier, State: StateQueued}
				children[i], _ = e.fail(cr, err)
				return nil
			}
			cr, err := e.exploreNode(gctx, run, child, edge, distance+1, history)
			children[i] = cr
			return err
		})
	}
	if err := g.Wait(); err != nil {
		lr.Children = children
		return e.fail(lr, err)
	}
	lr.Children = children
	e.record(node, res, edges, children)
	return e.settle(lr, decision.Reason), nil
}

// evaluate returns an evaluation of node, from the cache when it is deep
// enough, and gathers the optional signals the tier asks for.
func (e *Engine) evaluate(ctx context.Context, node *tree.Node, settings TierSettings) (eval.Result, bool, error) {
	if node.Position().IsTerminal() {
		res := TerminalResult(node.Position())
		if _, err := e.tree.RecordEvaluation(node, res); err != nil {
			return res, false, err
		}
		return res, true, nil
	}
	if e.services.Evaluator == nil {
		return eval.Result{}, false, ErrNoEvaluator
	}

	var (
		res       eval.Result
		cached    bool
		classical *eval.Classical
	)
	if r, ok := e.tree.LookupEvaluation(node.Hash(), settings.EngineDepth); ok {
		res, cached = r, true
		classical = r.Classical
	}

	g, gctx := errgroup.WithContext(ctx)
	if !cached {
		g.Go(func() error {
			r, err := e.remoteEvaluate(gctx, node, settings)
			res = r
			return err
		})
	}
	if settings.Human && e.services.Human != nil {
		if _, ok := node.HumanPrediction(); !ok && e.session.Budget().Check() == nil {
			g.Go(func() error {
				e.session.CountAPICall(remote.ServiceMaia)
				p, err := e.services.Human.PredictMoves(gctx, node.FEN(), e.config.RatingBand)
				if err != nil {
					e.logger.Debug("human prediction unavailable", slog.String("fen", node.FEN()), slog.String("error", err.Error()))
					return nil
				}
				e.tree.SetHumanPrediction(node, p)
				return nil
			})
		}
	}
	if settings.Classical && classical == nil && e.services.Classical != nil && e.session.Budget().Check() == nil {
		g.Go(func() error {
			e.session.CountAPICall(remote.ServiceStockfish16)
			c, err := e.services.Classical.ClassicalEval(gctx, node.FEN())
			if err != nil {
				e.logger.Debug("classical breakdown unavailable", slog.String("fen", node.FEN()), slog.String("error", err.Error()))
				return nil
			}
			classical = &c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return eval.Result{}, false, err
	}

	if len(res.Lines) == 0 && len(res.BestLine) > 0 {
		res.Lines = []eval.Line{{Score: res.Score, Moves: res.BestLine}}
	}
	if classical != nil {
		res.Classical = classical
	}
	if _, err := e.tree.RecordEvaluation(node, res); err != nil {
		return res, cached, err
	}
	e.session.ObserveEvaluation(res)
	return res, cached, nil
}

// remoteEvaluate calls the evaluator once per position and depth, however
// many lines reach it concurrently.
func (e *Engine) remoteEvaluate(ctx context.Context, node *tree.Node, settings TierSettings) (eval.Result, error) {
	key := fmt.Sprintf("%s@%d/%d", node.Hash(), settings.EngineDepth, settings.Lines)
	v, err, _ := e.flight.Do(key, func() (any, error) {
		if err := e.session.Budget().ReserveNode(); err != nil {
			return eval.Result{}, err
		}
		if err := e.fanOut.Acquire(ctx, 1); err != nil {
			return eval.Result{}, err
		}
		defer e.fanOut.Release(1)
		e.session.CountAPICall(remote.ServiceStockfish)
		return e.services.Evaluator.Evaluate(ctx, remote.EvaluateRequest{
			FEN:     node.FEN(),
			Depth:   settings.EngineDepth,
			MultiPV: settings.Lines,
		})
	})
	if err != nil {
		return eval.Result{}, err
	}
	return v.(eval.Result), nil
}

// branch ranks the candidates of node and adds an edge for each one the
// tier expands, in canonical order.
func (e *Engine) branch(run *lineRun, node *tree.Node, res eval.Result, settings TierSettings, distance int) ([]*tree.Edge, error) {
	var suggestions []classifier.Suggestion
	if distance == 0 {
		suggestions = run.req.Suggestions
	}
	cands := e.rank(node, res, suggestions)
	top := classifier.Top(cands, settings.Expand)
	if distance == 0 && run.req.Played != "" && !containsMove(top, run.req.Played) {
		if m, err := node.Position().Resolve(run.req.Played); err == nil {
			top = append(top, classifier.Candidate{Move: m.UCI, Tag: classifier.TagRoutine})
		}
	}

	edges := make([]*tree.Edge, 0, len(top))
	for _, c := range top {
		edge, _, err := e.tree.AddMove(node, c.Move, sourceFor(c), tree.EdgeMeta{Priority: c.Priority, Reason: string(c.Tag)})
		var illegal *tree.IllegalMoveError
		switch {
		case errors.As(err, &illegal):
			e.logger.Warn("skipping illegal candidate", slog.String("fen", node.FEN()), slog.String("move", c.Move), slog.String("source", string(c.BestSource())))
			continue
		case err != nil:
			return nil, err
		}
		edges = append(edges, edge)
	}
	return edges, nil
}

// rank combines the evaluation, human prediction and suggestions at node.
func (e *Engine) rank(node *tree.Node, res eval.Result, suggestions []classifier.Suggestion) []classifier.Candidate {
	in := classifier.RankInput{Engine: res.Lines, Agent: suggestions, Tactical: make(map[string]bool)}
	if h, ok := node.HumanPrediction(); ok {
		in.Human = &h
		for _, m := range h.Moves {
			in.Tactical[m.Move] = isTactical(node.Position(), m.Move)
		}
	}
	for _, l := range res.Lines {
		if m := l.FirstMove(); m != "" {
			in.Tactical[m] = isTactical(node.Position(), m)
		}
	}
	return e.classifier.Rank(in)
}

// record annotates the expanded edges once every child has finished,
// in canonical order.
func (e *Engine) record(node *tree.Node, res eval.Result, edges []*tree.Edge, children []*LineResult) {
	if node.Principal() == nil && len(edges) > 0 {
		e.tree.SetPrincipal(edges[0])
	}
	for i, edge := range edges {
		after, ok := evaluationOf(children[i])
		if !ok {
			continue
		}
		if nag, _, ok := e.config.Glyphs.QualityGlyph(res.Score, after.Score); ok {
			e.tree.AddGlyph(edge, nag)
		}
	}
}

// settle ends a line normally.
func (e *Engine) settle(lr *LineResult, reason string) *LineResult {
	lr.State = StateSettled
	lr.Reason = reason
	e.tree.SetStatus(lr.Node, tree.StatusExpanded)
	e.tree.SetOutcome(lr.Node, tree.OutcomeSettled)
	return lr
}

// fail ends a line after an error.
//
// Outputs:
//
//	*LineResult - The line, marked exhausted or aborted.
//	error - Non-nil only for errors that end the session.
func (e *Engine) fail(lr *LineResult, err error) (*LineResult, error) {
	lr.Reason = err.Error()
	var collision *tree.TranspositionCollisionError
	switch {
	case errors.As(err, &collision):
		lr.State = StateAborted
		e.tree.SetOutcome(lr.Node, tree.OutcomeAborted)
		return lr, err
	case errors.Is(err, ErrNoEvaluator):
		lr.State = StateExhausted
		e.tree.SetOutcome(lr.Node, tree.OutcomeUnanalyzed)
	case errors.Is(err, context.Canceled):
		lr.State = StateAborted
		e.tree.SetOutcome(lr.Node, tree.OutcomeAborted)
	default:
		lr.State = StateExhausted
		e.tree.SetOutcome(lr.Node, tree.OutcomeExhausted)
	}
	e.tree.SetStatus(lr.Node, tree.StatusUnvisited)
	e.logger.Warn("line ended early",
		slog.Int("ply", lr.Node.Ply()),
		slog.String("fen", lr.Node.FEN()),
		slog.String("state", string(lr.State)),
		slog.String("error", err.Error()))
	return lr, nil
}

// evaluationOf returns the line's evaluation, falling back to the node's
// recorded one for lines that were not searched in this run.
func evaluationOf(lr *LineResult) (eval.Result, bool) {
	if lr == nil {
		return eval.Result{}, false
	}
	if lr.Evaluation != nil {
		return *lr.Evaluation, true
	}
	return lr.Node.Evaluation()
}

// TerminalResult scores a finished game: mated side to move loses, else a draw.
func TerminalResult(p *position.Position) eval.Result {
	if p.IsCheckmate() {
		return eval.Result{Score: eval.MateIn(-1), Depth: terminalDepth, Source: "terminal"}
	}
	return eval.Result{Score: eval.CP(0), Depth: terminalDepth, Source: "terminal"}
}

func sourceFor(c classifier.Candidate) tree.Source {
	if len(c.Sources) == 0 {
		return tree.SourceExploration
	}
	switch c.BestSource() {
	case classifier.OriginEngine:
		return tree.SourceEngine
	case classifier.OriginHuman:
		return tree.SourceHuman
	default:
		return tree.SourceAgent
	}
}

func containsMove(cands []classifier.Candidate, uci string) bool {
	for _, c := range cands {
		if c.Move == uci {
			return true
		}
	}
	return false
}

// isTactical reports whether a move captures or gives check.
func isTactical(p *position.Position, uci string) bool {
	m, err := p.Resolve(uci)
	if err != nil {
		return false
	}
	return strings.ContainsAny(m.SAN, "x+#")
}

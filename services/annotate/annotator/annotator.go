// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package annotator runs a whole game through analysis and narration.
//
// A run imports the played moves as the mainline, scores every mainline
// position with a quick evaluation, picks the plies worth a closer look,
// explores each of them (optionally after a reasoning agent has marked
// candidate moves), and finally narrates the findings onto the mainline.
// Without a reachable evaluator every move is reported unanalyzed.
package annotator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/chessbeast/pkg/logging"
	"github.com/AleutianAI/chessbeast/services/annotate/agent"
	"github.com/AleutianAI/chessbeast/services/annotate/classifier"
	"github.com/AleutianAI/chessbeast/services/annotate/events"
	"github.com/AleutianAI/chessbeast/services/annotate/explore"
	"github.com/AleutianAI/chessbeast/services/annotate/narration"
	"github.com/AleutianAI/chessbeast/services/annotate/position"
	"github.com/AleutianAI/chessbeast/services/annotate/remote"
	"github.com/AleutianAI/chessbeast/services/annotate/session"
	"github.com/AleutianAI/chessbeast/services/annotate/tree"
	"github.com/AleutianAI/chessbeast/services/llm"
)

const tracerName = "chessbeast.annotator"

// Config tunes a run.
type Config struct {
	Budget     session.BudgetConfig
	Classifier classifier.Config
	Explore    explore.Config
	Narration  narration.Config

	// Agentic runs the reasoning agent before exploring each point of
	// interest. It needs an ActionChooser.
	Agentic bool
	Agent   agent.Config
	Loop    agent.LoopConfig

	// ScanDepth is the engine depth of the quick mainline pass.
	ScanDepth int

	// ScanFanOut bounds concurrent evaluations in the quick pass.
	ScanFanOut int

	// MaxPoints caps the points of interest explored per game.
	MaxPoints int
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Budget:     session.DefaultBudgetConfig(),
		Classifier: classifier.DefaultConfig(),
		Explore:    explore.DefaultConfig(),
		Narration:  narration.DefaultConfig(),
		Agent:      agent.DefaultConfig(),
		Loop:       agent.DefaultLoopConfig(),
		ScanDepth:  12,
		ScanFanOut: 4,
		MaxPoints:  12,
	}
}

// Metrics receives run measurements. *observability.Metrics satisfies it.
type Metrics interface {
	explore.Observer
	ObserveSession(c session.Counters)
	ObserveComment(outcome string)
}

// Option configures an Annotator.
type Option func(*Annotator)

// WithLogger sets the logger. Each run logs through a session-scoped child.
func WithLogger(l *logging.Logger) Option {
	return func(a *Annotator) {
		if l != nil {
			a.log = l
		}
	}
}

// WithEmitter publishes run events.
func WithEmitter(e *events.Emitter) Option {
	return func(a *Annotator) { a.emitter = e }
}

// WithMetrics records run measurements.
func WithMetrics(m Metrics) Option {
	return func(a *Annotator) { a.metrics = m }
}

// WithPhraser phrases comments with a language model instead of templates.
func WithPhraser(p llm.Phraser) Option {
	return func(a *Annotator) { a.phraser = p }
}

// WithChooser lets a language model drive the reasoning agent.
func WithChooser(c llm.ActionChooser) Option {
	return func(a *Annotator) { a.chooser = c }
}

// Annotator annotates games. One Annotator may run many games; each run
// gets its own session and tree.
//
// Thread Safety: Annotate is safe for concurrent use.
type Annotator struct {
	services remote.Services
	config   Config

	phraser llm.Phraser
	chooser llm.ActionChooser
	emitter *events.Emitter
	metrics Metrics
	log     *logging.Logger
	tracer  trace.Tracer
}

// New creates an Annotator over the given services. Any service may be nil.
func New(services remote.Services, config Config, opts ...Option) *Annotator {
	def := DefaultConfig()
	if config.ScanDepth <= 0 {
		config.ScanDepth = def.ScanDepth
	}
	if config.ScanFanOut <= 0 {
		config.ScanFanOut = def.ScanFanOut
	}
	if config.MaxPoints <= 0 {
		config.MaxPoints = def.MaxPoints
	}
	a := &Annotator{
		services: services,
		config:   config,
		log:      logging.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// run is the state of one Annotate call.
type run struct {
	game     Game
	tree     *tree.Tree
	session  *session.Session
	emitter  events.Scoped
	log      *logging.Logger
	logger   *slog.Logger
	mainline []*tree.Edge
	band     int
}

// Annotate analyses and narrates one game.
//
// Description:
//
//	Remote failures degrade the result rather than failing the run: a
//	position that cannot be evaluated is marked unanalyzed or exhausted
//	and the run continues. Running out of budget stops further
//	exploration but narration still runs on what was found.
//
// Inputs:
//
//	ctx - Cancels the run.
//	game - The game. Moves may be SAN or UCI.
//
// Outputs:
//
//	*Result - The annotated game. Non-nil with partial content when the
//	          run was aborted after the mainline was imported.
//	error - Illegal mainline moves, hash collisions, or ctx errors.
func (a *Annotator) Annotate(ctx context.Context, game Game) (*Result, error) {
	sess := session.New(a.config.Budget)
	sessLog := a.log.ForSession(sess.ID())
	logger := sessLog.Slog()
	ctx, span := a.tracer.Start(ctx, "annotate.game",
		trace.WithAttributes(
			attribute.String("session.id", sess.ID()),
			attribute.Int("game.moves", len(game.Moves)),
		))
	defer span.End()

	t, err := tree.New(game.StartFEN, tree.WithLogger(logger))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("start position: %w", err)
	}
	mainline, err := importMainline(t, game.Moves)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	r := &run{
		game:     game,
		tree:     t,
		session:  sess,
		emitter:  a.emitter.ForSession(sess.ID()),
		log:      sessLog,
		logger:   logger,
		mainline: mainline,
	}
	start := time.Now()
	r.emitter.Emit(events.KindSessionStart, 0, t.Root().FEN(), map[string]any{
		"moves": len(mainline), "agentic": a.agentic(),
	})
	logger.Info("annotation started", slog.Int("moves", len(mainline)), slog.Bool("agentic", a.agentic()))

	res, err := a.annotate(ctx, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	counters := sess.Counters()
	res.Counters = counters
	if a.metrics != nil {
		a.metrics.ObserveSession(counters)
	}
	elapsed := time.Since(start)
	r.emitter.Emit(events.KindSessionEnd, 0, "", map[string]any{
		"comments": len(res.Narration.Comments), "points": len(res.Points), "elapsed_ms": elapsed.Milliseconds(),
	})
	logger.Info("annotation finished",
		slog.Int("points", len(res.Points)),
		slog.Int("findings", len(res.Findings)),
		slog.Int("comments", len(res.Narration.Comments)),
		slog.Int64("tokens", counters.Tokens),
		slog.Duration("elapsed", elapsed))
	return res, err
}

func (a *Annotator) agentic() bool {
	return a.config.Agentic && a.chooser != nil
}

// annotate runs the phases after import. It always returns a Result.
func (a *Annotator) annotate(ctx context.Context, r *run) (*Result, error) {
	res := &Result{SessionID: r.session.ID(), tree: r.tree}
	defer func() { res.Moves = describeMoves(r.tree, r.mainline) }()

	r.band = a.ratingBand(ctx, r)
	res.RatingBand = r.band

	r.emitter.Emit(events.KindPhase, 0, "", map[string]any{"phase": "scan"})
	analyzed, err := a.scan(ctx, r)
	if err != nil {
		return res, err
	}
	if !analyzed {
		r.logger.Warn("no position could be evaluated; every move is unanalyzed")
		markAll(r.tree, r.mainline, tree.OutcomeUnanalyzed)
		res.Unanalyzed = true
		return res, nil
	}

	res.Points = a.pointsOfInterest(r)
	r.emitter.Emit(events.KindPhase, 0, "", map[string]any{"phase": "explore", "points": res.Points})
	findings, stopped, err := a.explore(ctx, r, res.Points)
	res.Findings = findings
	res.Stopped = stopped
	if err != nil {
		return res, err
	}

	r.emitter.Emit(events.KindPhase, 0, "", map[string]any{"phase": "narrate"})
	pipe := narration.NewPipeline(r.tree, r.session, a.phraser, a.config.Narration,
		narration.WithLogger(r.logger),
		narration.WithEmitter(r.emitter))
	report, err := pipe.Narrate(ctx, r.mainline, findings)
	res.Narration = report
	if a.metrics != nil {
		for range report.Comments {
			a.metrics.ObserveComment("attached")
		}
		for range report.Omitted {
			a.metrics.ObserveComment("omitted")
		}
	}
	return res, err
}

// importMainline adds the played moves as principal mainline edges.
func importMainline(t *tree.Tree, moves []string) ([]*tree.Edge, error) {
	node := t.Root()
	edges := make([]*tree.Edge, 0, len(moves))
	for i, mv := range moves {
		e, _, err := t.AddMove(node, mv, tree.SourceMainline, tree.EdgeMeta{Reason: "played"})
		if err != nil {
			return nil, fmt.Errorf("mainline move %d (%s): %w", i+1, mv, err)
		}
		t.SetPrincipal(e)
		edges = append(edges, e)
		node = e.To()
	}
	return edges, nil
}

// ratingBand picks the human-model band: the game's ratings if known,
// else an estimate from the moves, else the configured default.
func (a *Annotator) ratingBand(ctx context.Context, r *run) int {
	if band := bandFromRatings(r.game.WhiteElo, r.game.BlackElo); band > 0 {
		return band
	}
	fallback := a.config.Explore.RatingBand
	if a.services.Human == nil || len(r.mainline) == 0 || r.session.Budget().Check() != nil {
		return fallback
	}
	played := make([]remote.PlayedMove, 0, len(r.mainline))
	for _, e := range r.mainline {
		played = append(played, remote.PlayedMove{FEN: e.From().FEN(), Move: e.UCI()})
	}
	r.session.CountAPICall(remote.ServiceMaia)
	est, err := a.services.Human.EstimateRating(ctx, played)
	if err != nil {
		r.logger.Debug("rating estimate unavailable", slog.String("error", err.Error()))
		return fallback
	}
	return bandFromRatings(est.Rating, 0)
}

// bandFromRatings averages the known ratings and rounds to the nearest
// hundred within the 1100-1900 bands of the human model.
func bandFromRatings(ratings ...int) int {
	sum, n := 0, 0
	for _, v := range ratings {
		if v > 0 {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	band := (sum/n + 50) / 100 * 100
	return min(max(band, 1100), 1900)
}

// markAll sets o on every mainline position that has no outcome yet.
func markAll(t *tree.Tree, mainline []*tree.Edge, o tree.Outcome) {
	for _, e := range mainline {
		if e.From().Outcome() == tree.OutcomeNone {
			t.SetOutcome(e.From(), o)
		}
	}
}

// pointsOfInterest grades every mainline move from the quick pass and
// returns the indices of the moves worth exploring, in game order.
//
// A move is a point of interest when it earns a quality glyph, when the
// mover had a forced mate, or when the evaluation swings by at least the
// classifier's interesting threshold. At most MaxPoints are kept,
// preferring the largest swings.
func (a *Annotator) pointsOfInterest(r *run) []int {
	type point struct{ index, swing int }
	var pts []point
	glyphs := a.config.Explore.Glyphs
	if glyphs.Blunder <= 0 {
		glyphs = classifier.DefaultGlyphThresholds()
	}
	swingCP := a.config.Classifier.InterestingSwingCP
	if swingCP <= 0 {
		swingCP = classifier.DefaultConfig().InterestingSwingCP
	}

	for i, e := range r.mainline {
		before, ok := e.From().Evaluation()
		if !ok {
			continue
		}
		after, ok := e.To().Evaluation()
		if !ok {
			continue
		}
		nag, delta, graded := glyphs.QualityGlyph(before.Score, after.Score)
		if graded {
			r.tree.AddGlyph(e, nag)
		}
		if graded || before.Score.Mate > 0 || abs(delta) >= swingCP {
			pts = append(pts, point{index: i, swing: abs(delta)})
		}
	}

	if len(pts) > a.config.MaxPoints {
		sort.SliceStable(pts, func(i, j int) bool { return pts[i].swing > pts[j].swing })
		pts = pts[:a.config.MaxPoints]
	}
	out := make([]int, len(pts))
	for i, p := range pts {
		out[i] = p.index
	}
	sort.Ints(out)
	return out
}

// explore runs the exploration engine at each point of interest.
//
// Outputs:
//
//	[]explore.Finding - Findings in game order.
//	string - Why exploration stopped early, or "".
//	error - Only errors that end the run.
func (a *Annotator) explore(ctx context.Context, r *run, points []int) ([]explore.Finding, string, error) {
	cfg := a.config.Explore
	cfg.RatingBand = r.band
	opts := []explore.Option{
		explore.WithLogger(r.logger),
		explore.WithEmitter(r.emitter),
	}
	if a.metrics != nil {
		opts = append(opts, explore.WithObserver(a.metrics))
	}
	engine := explore.NewEngine(r.tree, r.session, a.services, classifier.New(a.config.Classifier), cfg, opts...)

	var loop *agent.Loop
	if a.agentic() {
		registry := agent.NewRegistry(r.logger)
		agent.RegisterDefaults(registry)
		env := &agent.Env{
			Tree:       r.tree,
			Session:    r.session,
			Services:   a.services,
			Emitter:    r.emitter,
			Logger:     r.logger,
			RatingBand: r.band,
			EvalDepth:  a.config.ScanDepth,
			MultiPV:    3,
		}
		loop = agent.NewLoop(a.chooser, agent.NewOrchestrator(registry, env, a.config.Agent), a.config.Loop)
	}

	ucis := make([]string, len(r.mainline))
	for i, e := range r.mainline {
		ucis[i] = e.UCI()
	}

	var findings []explore.Finding
	for n, i := range points {
		if err := ctx.Err(); err != nil {
			return findings, "", err
		}
		if err := r.session.Budget().Check(); err != nil {
			for _, j := range points[n:] {
				if r.mainline[j].From().Outcome() == tree.OutcomeNone {
					r.tree.SetOutcome(r.mainline[j].From(), tree.OutcomeExhausted)
				}
			}
			r.logger.Info("exploration stopped", slog.String("reason", err.Error()), slog.Int("skipped", len(points)-n))
			return findings, err.Error(), nil
		}

		edge := r.mainline[i]
		node := edge.From()
		var suggestions []classifier.Suggestion
		if loop != nil {
			suggestions = a.consult(ctx, r, loop, edge)
			if err := ctx.Err(); err != nil {
				return findings, "", err
			}
		}

		line, err := engine.Explore(ctx, explore.Request{
			Node:        node,
			Played:      edge.UCI(),
			Moves:       ucis[:i+1],
			Suggestions: suggestions,
		})
		if err != nil {
			return findings, "", fmt.Errorf("explore ply %d: %w", node.Ply()+1, err)
		}
		findings = append(findings, line.Findings...)

		if loop != nil {
			more, err := a.exploreMarked(ctx, r, engine, points, n)
			findings = append(findings, more...)
			if err != nil {
				return findings, "", err
			}
		}
	}
	return findings, "", nil
}

// exploreMarked expands the moves the agent queued at positions other
// than the point of interest, one request per position in queue order.
// points[done] is the point just explored.
//
// Description:
//
//	Marks at a pending point of interest stay queued for that point's
//	own consultation. Findings are kept only for mainline positions that
//	are not points of interest; elsewhere the expansion only grows the
//	tree, which renders as side lines.
func (a *Annotator) exploreMarked(ctx context.Context, r *run, engine *explore.Engine, points []int, done int) ([]explore.Finding, error) {
	wait := make(map[position.Hash]bool)
	isPoint := make(map[position.Hash]bool, len(points))
	for n, i := range points {
		h := r.mainline[i].From().Hash()
		isPoint[h] = true
		if n > done {
			wait[h] = true
		}
	}

	var findings []explore.Finding
	for _, m := range r.session.Interesting() {
		node := m.Node
		if wait[node.Hash()] {
			continue
		}
		moves := r.session.TakeInteresting(node)
		if len(moves) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return findings, err
		}
		if r.session.Budget().Check() != nil {
			r.session.ClearInteresting(nil)
			return findings, nil
		}

		req := explore.Request{Node: node, Suggestions: suggestionsOf(moves)}
		idx, onMainline := r.mainlineIndex(node)
		if onMainline {
			req.Played = r.mainline[idx].UCI()
		}
		line, err := engine.Explore(ctx, req)
		if err != nil {
			return findings, fmt.Errorf("explore marked position at ply %d: %w", node.Ply(), err)
		}
		r.logger.Debug("explored agent marks",
			slog.Int("ply", node.Ply()),
			slog.Int("moves", len(moves)),
			slog.String("state", string(line.State)))
		if onMainline && !isPoint[node.Hash()] {
			findings = append(findings, line.Findings...)
		}
	}
	return findings, nil
}

// mainlineIndex returns the index of the mainline move played from n.
func (r *run) mainlineIndex(n *tree.Node) (int, bool) {
	for i, e := range r.mainline {
		if e.From().Hash() == n.Hash() {
			return i, true
		}
	}
	return 0, false
}

func suggestionsOf(moves []string) []classifier.Suggestion {
	out := make([]classifier.Suggestion, 0, len(moves))
	for _, m := range moves {
		out = append(out, classifier.Suggestion{Move: m, Reason: "marked by agent"})
	}
	return out
}

// consult runs the reasoning agent at the position before edge and
// turns the moves it marked interesting there into suggestions. Moves
// marked at other positions stay queued.
func (a *Annotator) consult(ctx context.Context, r *run, loop *agent.Loop, edge *tree.Edge) []classifier.Suggestion {
	brief := fmt.Sprintf("Move %d, %s to play. The game continued %s. Find the candidate moves worth exploring here.",
		edge.From().Ply()/2+1, edge.From().Position().SideToMove(), edge.SAN())
	out, err := loop.Run(ctx, edge.From(), brief)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.log.ForPosition(edge.From().Ply(), edge.From().FEN()).Warn("reasoning agent failed", slog.String("error", err.Error()))
	}
	r.logger.Debug("reasoning agent finished",
		slog.Int("ply", edge.From().Ply()+1),
		slog.String("stop", string(out.Stop)),
		slog.Int("turns", out.Turns))

	return suggestionsOf(r.session.TakeInteresting(edge.From()))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

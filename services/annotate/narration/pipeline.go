// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package narration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/tmc/langchaingo/prompts"
	"github.com/tmc/langchaingo/textsplitter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/chessbeast/services/annotate/events"
	"github.com/AleutianAI/chessbeast/services/annotate/explore"
	"github.com/AleutianAI/chessbeast/services/annotate/session"
	"github.com/AleutianAI/chessbeast/services/annotate/tree"
	"github.com/AleutianAI/chessbeast/services/llm"
)

// Config tunes the pipeline.
type Config struct {
	Density Density `yaml:"density" json:"density" validate:"omitempty,oneof=sparse normal dense"`

	// Window is how many recent intents count towards redundancy.
	Window int `yaml:"window" json:"window" validate:"gte=0,lte=32"`

	NoveltyDecay     float64 `yaml:"novelty_decay" json:"novelty_decay" validate:"gte=0,lte=1"`
	NoveltyWeight    float64 `yaml:"novelty_weight" json:"novelty_weight" validate:"gte=0"`
	RedundancyWeight float64 `yaml:"redundancy_weight" json:"redundancy_weight" validate:"gte=0"`

	// MaxWordsPerEdge caps the combined budget of intents on one move.
	MaxWordsPerEdge int `yaml:"max_words_per_edge" json:"max_words_per_edge" validate:"gte=0"`
	MaxChars        int `yaml:"max_chars" json:"max_chars" validate:"gte=0"`

	// MaxContextChars bounds the earlier-comments context in a prompt.
	MaxContextChars int `yaml:"max_context_chars" json:"max_context_chars" validate:"gte=0"`

	// Stream requests streamed phrasing when the client supports it.
	Stream bool `yaml:"stream" json:"stream"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Density:          DensityNormal,
		Window:           4,
		NoveltyDecay:     0.5,
		NoveltyWeight:    1,
		RedundancyWeight: 1,
		MaxWordsPerEdge:  45,
		MaxChars:         360,
		MaxContextChars:  600,
		Stream:           true,
	}
}

const systemPrompt = `You write short annotations for chess games, the way a strong coach
comments a student's game. Write plain prose for a club player.
Never quote evaluation numbers or centipawns. Never repeat the move being
commented in notation. Never restate its quality glyph.`

const phrasePrompt = `Comment on the move {{.side}} just played (ply {{.ply}}).
Say the following, in at most {{.max_words}} words:
{{range .points}}- {{.}}
{{end}}`

const correction = `Your previous answer was rejected: {{.problem}}.
Write it again and follow every rule.`

// fallbackTemplates phrase intents without a language model.
var fallbackTemplates = map[explore.FindingKind]string{
	explore.FindingMissedMate: `{{if .better}}{{.better}} forced mate.{{else}}A forced mate was available.{{end}}`,
	explore.FindingBlunder:    `This throws the game away.{{if .better}} {{.better}} was needed.{{end}}`,
	explore.FindingBestMissed: `{{if .better}}{{.better}} was more precise.{{else}}There was a more precise option.{{end}}`,
	explore.FindingHumanTrap:  `{{.better}} looks natural here but falls short.`,
	explore.FindingOnlyMove:   `The only move that holds.`,
	explore.FindingTactic:     `Watch the tactic starting with {{.better}}.`,
	explore.FindingStrategic:  `The game turns on {{.theme}}, which favours {{.favours}}.`,
	explore.FindingOpening:    `{{if .name}}This leaves known theory of the {{.name}}.{{else}}This leaves known theory.{{end}}`,
	explore.FindingIncomplete: `The analysis here is incomplete.`,
}

// Comment is one attached comment.
type Comment struct {
	Ply    int                   `json:"ply"`
	EdgeID string                `json:"edge_id"`
	Move   string                `json:"move"`
	Text   string                `json:"text"`
	Kinds  []explore.FindingKind `json:"kinds"`
}

// Omission is a kept intent group that produced no comment.
type Omission struct {
	Ply    int    `json:"ply"`
	Move   string `json:"move,omitempty"`
	Reason string `json:"reason"`
}

// Report summarizes one Narrate call.
type Report struct {
	Intents  int        `json:"intents"`
	Kept     int        `json:"kept"`
	Comments []Comment  `json:"comments"`
	Omitted  []Omission `json:"omitted,omitempty"`
	Tokens   int        `json:"tokens"`
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithEmitter publishes phrasing chunks and comments.
func WithEmitter(e events.Scoped) Option {
	return func(p *Pipeline) { p.emitter = e }
}

// WithLedger shares an idea ledger across calls, such as across the lines
// of one game.
func WithLedger(l *IdeaLedger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.ledger = l
		}
	}
}

// Pipeline turns findings into comments on tree edges.
//
// Description:
//
//	A Pipeline belongs to one game. Its ledger remembers which ideas were
//	already expressed, so later comments prefer new ideas. With a nil
//	phraser the pipeline renders fixed templates instead of calling a
//	language model; the output still goes through validation.
//
// Thread Safety: Narrate calls must not overlap.
type Pipeline struct {
	tree     *tree.Tree
	session  *session.Session
	phraser  llm.Phraser
	config   Config
	ledger   *IdeaLedger
	emitter  events.Scoped
	logger   *slog.Logger
	tracer   trace.Tracer
	prompt   prompts.PromptTemplate
	retry    prompts.PromptTemplate
	splitter textsplitter.TextSplitter
}

// NewPipeline creates a pipeline. phraser may be nil.
func NewPipeline(t *tree.Tree, sess *session.Session, phraser llm.Phraser, config Config, opts ...Option) *Pipeline {
	def := DefaultConfig()
	if config.Density == "" {
		config.Density = def.Density
	}
	if config.NoveltyDecay == 0 {
		config.NoveltyDecay = def.NoveltyDecay
	}
	if config.MaxWordsPerEdge == 0 {
		config.MaxWordsPerEdge = def.MaxWordsPerEdge
	}
	if config.MaxContextChars == 0 {
		config.MaxContextChars = def.MaxContextChars
	}
	p := &Pipeline{
		tree:    t,
		session: sess,
		phraser: phraser,
		config:  config,
		ledger:  NewIdeaLedger(),
		logger:  slog.Default(),
		tracer:  otel.Tracer("chessbeast.narration"),
		prompt:  prompts.NewPromptTemplate(phrasePrompt, []string{"side", "ply", "max_words", "points"}),
		retry:   prompts.NewPromptTemplate(correction, []string{"problem"}),
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(config.MaxContextChars),
			textsplitter.WithChunkOverlap(0),
			textsplitter.WithSeparators([]string{"\n", ". ", " ", ""}),
		),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ledger returns the pipeline's idea ledger.
func (p *Pipeline) Ledger() *IdeaLedger { return p.ledger }

// group is the kept intents of one edge.
type group struct {
	edge    *tree.Edge
	intents []Intent
}

// Narrate runs the whole pipeline for one line.
//
// Description:
//
//	Findings become intents, which are filtered by density and then by
//	redundancy. Surviving intents are grouped per edge and phrased in
//	game order. A comment that fails validation twice is omitted and
//	logged. Phrasing stops early once the session's token budget is
//	spent; the remaining groups are reported as omitted.
//
// Inputs:
//
//	ctx - Cancellation stops phrasing and is returned.
//	line - The edges of the line, first move first. Findings without an
//	       edge ID are placed by ply on this line.
//	findings - Exploration findings for the line.
//
// Outputs:
//
//	Report - What was attached and what was dropped.
//	error - Only ctx errors.
func (p *Pipeline) Narrate(ctx context.Context, line []*tree.Edge, findings []explore.Finding) (Report, error) {
	ctx, span := p.tracer.Start(ctx, "narration.narrate", trace.WithAttributes(attribute.Int("narration.findings", len(findings))))
	defer span.End()

	intents := GenerateIntents(findings, p.ledger, p.config)
	kept := FilterRedundant(FilterDensity(intents, len(line), p.config.Density))
	report := Report{Intents: len(intents), Kept: len(kept)}

	groups := p.groupByEdge(line, kept)
	for i, g := range groups {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := p.session.Budget().Check(); err != nil {
			for _, rest := range groups[i:] {
				report.Omitted = append(report.Omitted, Omission{Ply: rest.edge.To().Ply(), Move: rest.edge.SAN(), Reason: err.Error()})
			}
			p.logger.Info("narration stopped by budget", slog.Int("omitted", len(groups)-i))
			break
		}

		text, tokens, err := p.phrase(ctx, line, g)
		report.Tokens += tokens
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return report, err
			}
			level := slog.LevelWarn
			if errors.Is(err, ErrValidationFailed) {
				level = slog.LevelInfo
			}
			p.logger.Log(ctx, level, "comment omitted",
				slog.Int("ply", g.edge.To().Ply()), slog.String("move", g.edge.SAN()), slog.String("error", err.Error()))
			report.Omitted = append(report.Omitted, Omission{Ply: g.edge.To().Ply(), Move: g.edge.SAN(), Reason: err.Error()})
			continue
		}

		if prev := g.edge.Comment(); prev != "" && !strings.Contains(prev, text) {
			text = prev + " " + text
		}
		p.tree.SetComment(g.edge, text)
		kinds := make([]explore.FindingKind, 0, len(g.intents))
		for _, in := range g.intents {
			p.ledger.Record(in.Ideas...)
			kinds = append(kinds, in.Kind)
		}
		report.Comments = append(report.Comments, Comment{
			Ply: g.edge.To().Ply(), EdgeID: g.edge.ID(), Move: g.edge.SAN(), Text: text, Kinds: kinds,
		})
		p.emitter.Emit(events.KindComment, g.edge.To().Ply(), g.edge.To().FEN(), map[string]any{
			"san": g.edge.SAN(), "text": text, "source": "narration",
		})
	}
	span.SetAttributes(attribute.Int("narration.comments", len(report.Comments)))
	return report, nil
}

// groupByEdge places intents on edges, in game order.
func (p *Pipeline) groupByEdge(line []*tree.Edge, intents []Intent) []group {
	byEdge := make(map[*tree.Edge]*group)
	var order []*tree.Edge
	for _, in := range intents {
		e := p.edgeOf(line, in)
		if e == nil {
			p.logger.Debug("intent has no edge", slog.Int("ply", in.Ply), slog.String("kind", string(in.Kind)))
			continue
		}
		g, ok := byEdge[e]
		if !ok {
			g = &group{edge: e}
			byEdge[e] = g
			order = append(order, e)
		}
		g.intents = append(g.intents, in)
	}
	sort.SliceStable(order, func(i, j int) bool { return order[i].To().Ply() < order[j].To().Ply() })
	out := make([]group, 0, len(order))
	for _, e := range order {
		out = append(out, *byEdge[e])
	}
	return out
}

func (p *Pipeline) edgeOf(line []*tree.Edge, in Intent) *tree.Edge {
	if in.EdgeID != "" {
		if e, ok := p.tree.EdgeByID(in.EdgeID); ok {
			return e
		}
	}
	for _, e := range line {
		if e.To().Ply() == in.Ply {
			return e
		}
	}
	return nil
}

// phrase produces validated text for one group.
func (p *Pipeline) phrase(ctx context.Context, line []*tree.Edge, g group) (string, int, error) {
	words := 0
	for _, in := range g.intents {
		words += in.MaxWords
	}
	words = min(words, p.config.MaxWordsPerEdge)
	c := Constraints{
		SAN:      g.edge.SAN(),
		UCI:      g.edge.UCI(),
		Glyphs:   g.edge.NAGs(),
		MaxWords: words,
		MaxChars: p.config.MaxChars,
	}

	if p.phraser == nil {
		text, err := renderFallback(g.intents)
		if err != nil {
			return "", 0, err
		}
		text = normalize(text)
		return text, 0, Validate(text, c)
	}

	prompt, err := p.prompt.Format(map[string]any{
		"side":      g.edge.From().Position().SideToMove().String(),
		"ply":       g.edge.To().Ply(),
		"max_words": words,
		"points":    points(g.intents),
	})
	if err != nil {
		return "", 0, fmt.Errorf("render prompt: %w", err)
	}
	req := llm.Request{
		System:    systemPrompt,
		Context:   p.describe(line, g.edge),
		Prompt:    prompt,
		MaxTokens: words * 3,
	}

	tokens := 0
	var verr *ValidationFailedError
	for attempt := 1; attempt <= 2; attempt++ {
		resp, err := p.complete(ctx, g.edge, req)
		tokens += resp.Tokens
		// Exhaustion is picked up before the next group.
		_ = p.session.Budget().RecordTokens(int64(resp.Tokens))
		if err != nil {
			return "", tokens, err
		}
		text := normalize(resp.Text)
		err = Validate(text, c)
		if err == nil {
			return text, tokens, nil
		}
		if !errors.As(err, &verr) {
			return "", tokens, err
		}
		verr.Attempts = attempt
		fix, ferr := p.retry.Format(map[string]any{"problem": verr.Error()})
		if ferr != nil {
			return "", tokens, fmt.Errorf("render correction: %w", ferr)
		}
		req.Prompt = prompt + "\n" + fix
	}
	return "", tokens, verr
}

func (p *Pipeline) complete(ctx context.Context, e *tree.Edge, req llm.Request) (llm.Response, error) {
	if sp, ok := p.phraser.(llm.StreamPhraser); ok && p.config.Stream {
		ply, fen := e.To().Ply(), e.To().FEN()
		return sp.Stream(ctx, req, func(chunk string) {
			p.emitter.Emit(events.KindChunk, ply, fen, map[string]any{"text": chunk})
		})
	}
	return p.phraser.Complete(ctx, req)
}

// describe gives the position and the comments made so far, trimmed
// to the most recent MaxContextChars.
func (p *Pipeline) describe(line []*tree.Edge, e *tree.Edge) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Position before the move (FEN): %s\n", e.From().FEN())
	var moves, earlier []string
	for _, le := range line {
		if le.To().Ply() > e.To().Ply() {
			break
		}
		moves = append(moves, le.SAN())
		if c := le.Comment(); c != "" && le != e {
			earlier = append(earlier, c)
		}
	}
	fmt.Fprintf(&b, "Moves so far: %s\n", strings.Join(moves, " "))
	if len(earlier) > 0 {
		prior := strings.Join(earlier, "\n")
		if chunks, err := p.splitter.SplitText(prior); err == nil && len(chunks) > 0 {
			prior = chunks[len(chunks)-1]
		}
		fmt.Fprintf(&b, "Earlier comments:\n%s\n", prior)
	}
	return b.String()
}

// points turns intents into the statements handed to the model.
func points(intents []Intent) []string {
	var out []string
	for _, in := range intents {
		var s string
		switch in.Kind {
		case explore.FindingMissedMate:
			s = "a forced mate was missed"
		case explore.FindingBlunder:
			s = "this move loses the game"
		case explore.FindingBestMissed:
			s = "a stronger move was available"
		case explore.FindingHumanTrap:
			s = "a natural-looking alternative would have been a mistake"
		case explore.FindingOnlyMove:
			s = "this was the only move that holds"
		case explore.FindingTactic:
			s = "there is a tactic in the position"
		case explore.FindingStrategic:
			s = "the key strategic factor is " + strings.ReplaceAll(in.Facts["theme"], "_", " ")
		case explore.FindingOpening:
			s = "the game leaves opening theory here"
		case explore.FindingIncomplete:
			s = "the analysis of this position is incomplete"
		default:
			s = string(in.Kind)
		}
		if in.Better != "" && in.Kind != explore.FindingOnlyMove {
			s += " (" + in.Better + ")"
		}
		out = append(out, s)
	}
	return out
}

func renderFallback(intents []Intent) (string, error) {
	parts := make([]string, 0, len(intents))
	for _, in := range intents {
		tmpl, ok := fallbackTemplates[in.Kind]
		if !ok {
			continue
		}
		values := map[string]any{"better": in.Better, "theme": "", "favours": "", "name": ""}
		for k, v := range in.Facts {
			values[k] = v
		}
		values["theme"] = strings.ReplaceAll(fmt.Sprint(values["theme"]), "_", " ")
		s, err := prompts.NewPromptTemplate(tmpl, []string{"better"}).Format(values)
		if err != nil {
			return "", fmt.Errorf("render %s: %w", in.Kind, err)
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, " "), nil
}

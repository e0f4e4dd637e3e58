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
	"fmt"
	"strings"

	"github.com/AleutianAI/chessbeast/services/annotate/eval"
	"github.com/AleutianAI/chessbeast/services/annotate/events"
	"github.com/AleutianAI/chessbeast/services/annotate/position"
	"github.com/AleutianAI/chessbeast/services/annotate/remote"
	"github.com/AleutianAI/chessbeast/services/annotate/tree"
)

// Action names.
const (
	ActionNavigate         = "navigate"
	ActionGetPosition      = "get_position"
	ActionMakeMove         = "make_move"
	ActionMarkInteresting  = "mark_interesting"
	ActionGetInteresting   = "get_interesting"
	ActionClearInteresting = "clear_interesting"
	ActionEvaluate         = "evaluate_position"
	ActionPredictHuman     = "predict_human_moves"
	ActionAddAnnotation    = "add_annotation"
	ActionAddComment       = "add_comment"
	ActionFinish           = "finish_exploration"
)

// maxPVPlies is how much of an engine line is shown to the model.
const maxPVPlies = 6

// RegisterDefaults registers every built-in action.
func RegisterDefaults(r *Registry) {
	for _, a := range []Action{
		navigateAction{},
		getPositionAction{},
		makeMoveAction{},
		markInterestingAction{},
		getInterestingAction{},
		clearInterestingAction{},
		evaluateAction{},
		predictHumanAction{},
		addAnnotationAction{},
		addCommentAction{},
		finishAction{},
	} {
		r.Register(a)
	}
}

// PositionView is what the model sees of a node.
type PositionView struct {
	FEN         string          `json:"fen"`
	Ply         int             `json:"ply"`
	SideToMove  string          `json:"side_to_move"`
	Path        []string        `json:"path"`
	Evaluation  string          `json:"evaluation,omitempty"`
	BestMove    string          `json:"best_move,omitempty"`
	LegalMoves  []string        `json:"legal_moves"`
	Children    []tree.EdgeView `json:"children,omitempty"`
	Interesting []string        `json:"interesting,omitempty"`
}

func viewOf(env *Env, n *tree.Node) PositionView {
	p := n.Position()
	v := PositionView{
		FEN:         n.FEN(),
		Ply:         n.Ply(),
		SideToMove:  p.SideToMove().String(),
		Interesting: env.Session.InterestingAt(n),
	}
	for _, e := range n.PathFromRoot() {
		v.Path = append(v.Path, e.SAN())
	}
	if r, ok := n.Evaluation(); ok {
		v.Evaluation = r.Score.String()
		v.BestMove = sanOf(p, r.BestMove())
	}
	for _, uci := range p.LegalMoves() {
		v.LegalMoves = append(v.LegalMoves, sanOf(p, uci))
	}
	for _, e := range n.Edges() {
		v.Children = append(v.Children, e.View())
	}
	return v
}

func sanOf(p *position.Position, uci string) string {
	if uci == "" {
		return ""
	}
	m, err := p.Resolve(uci)
	if err != nil {
		return uci
	}
	return m.SAN
}

// sanLine converts up to limit plies of a UCI line to SAN.
func sanLine(p *position.Position, moves []string, limit int) []string {
	out := make([]string, 0, min(len(moves), limit))
	for _, m := range moves {
		if len(out) == limit {
			break
		}
		next, mv, _, err := p.Apply(m)
		if err != nil {
			break
		}
		out = append(out, mv.SAN)
		p = next
	}
	return out
}

// edgeFor returns the edge named by id, or the move that led to the cursor.
func edgeFor(env *Env, id string) (*tree.Edge, error) {
	if id != "" {
		e, ok := env.Tree.EdgeByID(id)
		if !ok {
			return nil, fmt.Errorf("%w: edge %q", ErrNoEdge, id)
		}
		return e, nil
	}
	n, err := env.cursor()
	if err != nil {
		return nil, err
	}
	e := n.Parent()
	if e == nil {
		return nil, fmt.Errorf("%w: the current position has no move leading to it", ErrNoEdge)
	}
	return e, nil
}

// ---- navigate ----

type navigateAction struct{}

type navigateArgs struct {
	To     string `json:"to" validate:"omitempty,oneof=root parent principal"`
	Move   string `json:"move" validate:"omitempty,max=8"`
	EdgeID string `json:"edge_id"`
}

func (navigateAction) Name() string { return ActionNavigate }

func (navigateAction) Definition() Definition {
	return Definition{
		Name:        ActionNavigate,
		Description: "Move the cursor within the existing tree: to the root, to the parent, along the principal move, along a child move, or to an edge by id.",
		Parameters: map[string]ParamDef{
			"to":      {Type: ParamString, Description: "Relative target.", Enum: []string{"root", "parent", "principal"}},
			"move":    {Type: ParamString, Description: "A child move of the current position, in SAN or UCI."},
			"edge_id": {Type: ParamString, Description: "Go to the position after this edge."},
		},
	}
}

func (navigateAction) Execute(_ context.Context, env *Env, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[navigateArgs](raw)
	if err != nil {
		return nil, err
	}
	var target *tree.Node
	switch {
	case args.EdgeID != "":
		e, err := edgeFor(env, args.EdgeID)
		if err != nil {
			return nil, err
		}
		target = e.To()
	case args.To == "root":
		target = env.Tree.Root()
	case args.To == "parent" || args.To == "principal" || args.Move != "":
		cur, err := env.cursor()
		if err != nil {
			return nil, err
		}
		switch {
		case args.To == "parent":
			e := cur.Parent()
			if e == nil {
				return nil, fmt.Errorf("%w: already at the root", ErrNoEdge)
			}
			target = e.From()
		case args.To == "principal":
			e := cur.Principal()
			if e == nil {
				return nil, fmt.Errorf("%w: no principal move here", ErrNoEdge)
			}
			target = e.To()
		default:
			m, err := cur.Position().Resolve(args.Move)
			if err != nil {
				return nil, err
			}
			e := cur.Edge(m.UCI)
			if e == nil {
				return nil, fmt.Errorf("%w: %s has not been played here; use make_move", ErrNoEdge, m.SAN)
			}
			target = e.To()
		}
	default:
		return nil, fmt.Errorf("%w: one of to, move or edge_id is required", ErrInvalidArguments)
	}
	env.Session.SetCursor(target)
	return viewOf(env, target), nil
}

// ---- get_position ----

type getPositionAction struct{}

func (getPositionAction) Name() string { return ActionGetPosition }

func (getPositionAction) Definition() Definition {
	return Definition{
		Name:        ActionGetPosition,
		Description: "Describe the current position: FEN, path from the start, evaluation if known, legal moves and moves already in the tree.",
		Parameters:  map[string]ParamDef{},
	}
}

func (getPositionAction) Execute(_ context.Context, env *Env, _ json.RawMessage) (any, error) {
	n, err := env.cursor()
	if err != nil {
		return nil, err
	}
	return viewOf(env, n), nil
}

// ---- make_move ----

type makeMoveAction struct{}

type makeMoveArgs struct {
	Move   string `json:"move" validate:"required,max=8"`
	Reason string `json:"reason" validate:"max=200"`
}

func (makeMoveAction) Name() string { return ActionMakeMove }

func (makeMoveAction) Definition() Definition {
	return Definition{
		Name:        ActionMakeMove,
		Description: "Play a move from the current position, adding it to the tree if new, and move the cursor to the resulting position.",
		Parameters: map[string]ParamDef{
			"move":   {Type: ParamString, Description: "The move in SAN or UCI.", Required: true},
			"reason": {Type: ParamString, Description: "Why this move is worth looking at."},
		},
		SideEffects: true,
	}
}

func (makeMoveAction) Execute(_ context.Context, env *Env, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[makeMoveArgs](raw)
	if err != nil {
		return nil, err
	}
	cur, err := env.cursor()
	if err != nil {
		return nil, err
	}
	e, created, err := env.Tree.AddMove(cur, args.Move, tree.SourceAgent, tree.EdgeMeta{Reason: args.Reason})
	if err != nil {
		return nil, err
	}
	env.Session.SetCursor(e.To())
	return map[string]any{
		"edge_id": e.ID(),
		"san":     e.SAN(),
		"uci":     e.UCI(),
		"fen":     e.To().FEN(),
		"created": created,
	}, nil
}

// ---- interesting moves ----

type markInterestingAction struct{}

type movesArgs struct {
	Moves []string `json:"moves" validate:"max=20,dive,required,max=8"`
}

func (markInterestingAction) Name() string { return ActionMarkInteresting }

func (markInterestingAction) Definition() Definition {
	return Definition{
		Name:        ActionMarkInteresting,
		Description: "Queue moves of the current position for deeper exploration later.",
		Parameters: map[string]ParamDef{
			"moves": {Type: ParamArray, Items: ParamString, Description: "Moves in SAN or UCI.", Required: true},
		},
		SideEffects: true,
	}
}

func (markInterestingAction) Execute(_ context.Context, env *Env, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[movesArgs](raw)
	if err != nil {
		return nil, err
	}
	if len(args.Moves) == 0 {
		return nil, fmt.Errorf("%w: moves is required", ErrInvalidArguments)
	}
	cur, err := env.cursor()
	if err != nil {
		return nil, err
	}
	ucis := make([]string, 0, len(args.Moves))
	for _, m := range args.Moves {
		mv, err := cur.Position().Resolve(m)
		if err != nil {
			return nil, err
		}
		ucis = append(ucis, mv.UCI)
	}
	added := env.Session.MarkInteresting(cur, ucis...)
	return map[string]any{"added": added, "interesting": env.Session.InterestingAt(cur)}, nil
}

type getInterestingAction struct{}

func (getInterestingAction) Name() string { return ActionGetInteresting }

func (getInterestingAction) Definition() Definition {
	return Definition{
		Name:        ActionGetInteresting,
		Description: "List the interesting moves queued at the current position, and the whole queue, in the order they were marked.",
		Parameters:  map[string]ParamDef{},
	}
}

// MarkView is one queued move as the model sees it.
type MarkView struct {
	Ply  int    `json:"ply"`
	FEN  string `json:"fen"`
	Move string `json:"move"`
	SAN  string `json:"san"`
}

func (getInterestingAction) Execute(_ context.Context, env *Env, _ json.RawMessage) (any, error) {
	queue := env.Session.Interesting()
	views := make([]MarkView, 0, len(queue))
	for _, m := range queue {
		views = append(views, MarkView{
			Ply:  m.Node.Ply(),
			FEN:  m.Node.FEN(),
			Move: m.Move,
			SAN:  sanOf(m.Node.Position(), m.Move),
		})
	}
	var here []string
	if cur := env.Session.Cursor(); cur != nil {
		here = env.Session.InterestingAt(cur)
	}
	return map[string]any{"interesting": here, "queue": views}, nil
}

type clearInterestingAction struct{}

func (clearInterestingAction) Name() string { return ActionClearInteresting }

func (clearInterestingAction) Definition() Definition {
	return Definition{
		Name:        ActionClearInteresting,
		Description: "Remove moves queued at the current position, or every queued move when none are given.",
		Parameters: map[string]ParamDef{
			"moves": {Type: ParamArray, Items: ParamString, Description: "Moves to remove."},
		},
		SideEffects: true,
	}
}

func (clearInterestingAction) Execute(_ context.Context, env *Env, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[movesArgs](raw)
	if err != nil {
		return nil, err
	}
	moves := make([]string, 0, len(args.Moves))
	cur := env.Session.Cursor()
	for _, m := range args.Moves {
		if cur != nil {
			if mv, err := cur.Position().Resolve(m); err == nil {
				m = mv.UCI
			}
		}
		moves = append(moves, m)
	}
	removed := env.Session.ClearInteresting(cur, moves...)
	return map[string]any{"removed": removed, "interesting": env.Session.InterestingAt(cur)}, nil
}

// ---- evaluate_position ----

type evaluateAction struct{}

type evaluateArgs struct {
	Depth   int `json:"depth" validate:"omitempty,gte=1,lte=40"`
	MultiPV int `json:"multipv" validate:"omitempty,gte=1,lte=5"`
}

func (evaluateAction) Name() string { return ActionEvaluate }

func (evaluateAction) Definition() Definition {
	return Definition{
		Name:        ActionEvaluate,
		Description: "Evaluate the current position with the engine. Uses the cache when a deep enough result exists.",
		Parameters: map[string]ParamDef{
			"depth":   {Type: ParamInteger, Description: "Search depth."},
			"multipv": {Type: ParamInteger, Description: "Number of lines."},
		},
	}
}

type lineView struct {
	Score string   `json:"score"`
	Moves []string `json:"moves"`
}

func (evaluateAction) Execute(ctx context.Context, env *Env, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[evaluateArgs](raw)
	if err != nil {
		return nil, err
	}
	cur, err := env.cursor()
	if err != nil {
		return nil, err
	}
	depth, multipv := env.EvalDepth, env.MultiPV
	if args.Depth > 0 {
		depth = args.Depth
	}
	if args.MultiPV > 0 {
		multipv = args.MultiPV
	}
	depth, multipv = max(depth, 1), max(multipv, 1)

	res, cached := env.Tree.LookupEvaluation(cur.Hash(), depth)
	if !cached {
		if env.Services.Evaluator == nil {
			return nil, fmt.Errorf("%w: evaluator", ErrServiceMissing)
		}
		if err := env.Session.Budget().ReserveNode(); err != nil {
			return nil, err
		}
		env.Session.CountAPICall(remote.ServiceStockfish)
		res, err = env.Services.Evaluator.Evaluate(ctx, remote.EvaluateRequest{FEN: cur.FEN(), Depth: depth, MultiPV: multipv})
		if err != nil {
			return nil, err
		}
		if _, err := env.Tree.RecordEvaluation(cur, res); err != nil {
			return nil, err
		}
	}
	env.Session.ObserveEvaluation(res)
	_, prev := env.Session.Evaluations()

	lines := res.Lines
	if len(lines) == 0 && len(res.BestLine) > 0 {
		lines = []eval.Line{{Score: res.Score, Moves: res.BestLine}}
	}
	out := map[string]any{
		"score":  res.Score.String(),
		"depth":  res.Depth,
		"best":   sanOf(cur.Position(), res.BestMove()),
		"cached": cached,
	}
	views := make([]lineView, 0, len(lines))
	for _, l := range lines {
		views = append(views, lineView{Score: l.Score.String(), Moves: sanLine(cur.Position(), l.Moves, maxPVPlies)})
	}
	out["lines"] = views
	if prev != nil {
		out["previous"] = prev.Score.String()
	}
	return out, nil
}

// ---- predict_human_moves ----

type predictHumanAction struct{}

type predictArgs struct {
	Rating int `json:"rating" validate:"omitempty,gte=400,lte=3000"`
}

func (predictHumanAction) Name() string { return ActionPredictHuman }

func (predictHumanAction) Definition() Definition {
	return Definition{
		Name:        ActionPredictHuman,
		Description: "Predict which moves a human player of a given rating would choose in the current position.",
		Parameters: map[string]ParamDef{
			"rating": {Type: ParamInteger, Description: "Player rating; defaults to the game's band."},
		},
	}
}

func (predictHumanAction) Execute(ctx context.Context, env *Env, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[predictArgs](raw)
	if err != nil {
		return nil, err
	}
	cur, err := env.cursor()
	if err != nil {
		return nil, err
	}
	if env.Services.Human == nil {
		return nil, fmt.Errorf("%w: human model", ErrServiceMissing)
	}
	if err := env.Session.Budget().Check(); err != nil {
		return nil, err
	}
	band := args.Rating
	if band == 0 {
		band = env.RatingBand
	}
	env.Session.CountAPICall(remote.ServiceMaia)
	pred, err := env.Services.Human.PredictMoves(ctx, cur.FEN(), band)
	if err != nil {
		return nil, err
	}
	env.Tree.SetHumanPrediction(cur, pred)

	type prob struct {
		Move        string  `json:"move"`
		Probability float64 `json:"probability"`
	}
	moves := make([]prob, 0, len(pred.Moves))
	for _, m := range pred.Moves {
		moves = append(moves, prob{Move: sanOf(cur.Position(), m.Move), Probability: m.Probability})
	}
	return map[string]any{"rating_band": pred.RatingBand, "moves": moves}, nil
}

// ---- annotations ----

type addAnnotationAction struct{}

type annotationArgs struct {
	Glyph  string `json:"glyph" validate:"required,max=4"`
	EdgeID string `json:"edge_id"`
}

func (addAnnotationAction) Name() string { return ActionAddAnnotation }

func (addAnnotationAction) Definition() Definition {
	return Definition{
		Name:        ActionAddAnnotation,
		Description: "Attach a glyph (!, ?, !!, ??, !?, ?!, or $n) to the move that led to the current position, or to an edge by id.",
		Parameters: map[string]ParamDef{
			"glyph":   {Type: ParamString, Description: "The glyph.", Required: true},
			"edge_id": {Type: ParamString, Description: "Edge to annotate instead of the last move."},
		},
		SideEffects: true,
	}
}

func (addAnnotationAction) Execute(_ context.Context, env *Env, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[annotationArgs](raw)
	if err != nil {
		return nil, err
	}
	nag, err := tree.ParseNAG(args.Glyph)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	e, err := edgeFor(env, args.EdgeID)
	if err != nil {
		return nil, err
	}
	changed := env.Tree.AddGlyph(e, nag)
	return map[string]any{"edge_id": e.ID(), "san": e.SAN(), "nags": e.View().NAGs, "changed": changed}, nil
}

type addCommentAction struct{}

type commentArgs struct {
	Text   string `json:"text" validate:"required,max=600"`
	EdgeID string `json:"edge_id"`
}

func (addCommentAction) Name() string { return ActionAddComment }

func (addCommentAction) Definition() Definition {
	return Definition{
		Name:        ActionAddComment,
		Description: "Attach a short comment to the move that led to the current position, or to an edge by id. Replaces any earlier comment.",
		Parameters: map[string]ParamDef{
			"text":    {Type: ParamString, Description: "The comment.", Required: true},
			"edge_id": {Type: ParamString, Description: "Edge to comment instead of the last move."},
		},
		SideEffects: true,
	}
}

func (addCommentAction) Execute(_ context.Context, env *Env, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[commentArgs](raw)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(args.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: text is empty", ErrInvalidArguments)
	}
	e, err := edgeFor(env, args.EdgeID)
	if err != nil {
		return nil, err
	}
	env.Tree.SetComment(e, text)
	env.Emitter.Emit(events.KindComment, e.To().Ply(), e.To().FEN(), map[string]any{"san": e.SAN(), "text": text, "source": "agent"})
	return map[string]any{"edge_id": e.ID(), "san": e.SAN()}, nil
}

// ---- finish_exploration ----

type finishAction struct{}

type finishArgs struct {
	Reason string `json:"reason" validate:"max=200"`
}

func (finishAction) Name() string { return ActionFinish }

func (finishAction) Definition() Definition {
	return Definition{
		Name:        ActionFinish,
		Description: "Stop exploring this line.",
		Parameters: map[string]ParamDef{
			"reason": {Type: ParamString, Description: "Why exploration is complete."},
		},
	}
}

func (finishAction) Execute(_ context.Context, _ *Env, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[finishArgs](raw)
	if err != nil {
		return nil, err
	}
	return map[string]any{"finished": true, "reason": args.Reason}, nil
}

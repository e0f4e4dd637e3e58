// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/chessbeast/services/annotate/eval"
)

var errEngineDead = errors.New("engine process exited")

// uciEngine speaks UCI to one engine process over its stdin and stdout.
//
// Thread Safety: not safe for concurrent use; the pool hands each engine
// to one caller at a time.
type uciEngine struct {
	w      *bufio.Writer
	lines  chan string
	closer func() error
	name   string
	dead   bool
}

// startUCIProcess launches the engine binary and completes the handshake.
func startUCIProcess(ctx context.Context, cfg UCIConfig) (*uciEngine, error) {
	cmd := exec.Command(cfg.Path)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Path, err)
	}
	closer := func() error {
		_ = stdin.Close()
		return cmd.Wait()
	}
	return newUCIEngine(ctx, stdout, stdin, closer, cfg)
}

// newUCIEngine performs the UCI handshake over r and w.
func newUCIEngine(ctx context.Context, r io.Reader, w io.Writer, closer func() error, cfg UCIConfig) (*uciEngine, error) {
	e := &uciEngine{
		w:      bufio.NewWriter(w),
		lines:  make(chan string, 256),
		closer: closer,
	}
	go e.readLoop(r)

	if cfg.StartupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.StartupTimeout)
		defer cancel()
	}
	if err := e.send("uci"); err != nil {
		e.close()
		return nil, err
	}
	err := e.readUntil(ctx, func(line string) bool {
		if name, ok := strings.CutPrefix(line, "id name "); ok {
			e.name = name
		}
		return line == "uciok"
	})
	if err != nil {
		e.close()
		return nil, fmt.Errorf("uci handshake: %w", err)
	}
	if cfg.Threads > 0 {
		_ = e.send(fmt.Sprintf("setoption name Threads value %d", cfg.Threads))
	}
	if cfg.HashMB > 0 {
		_ = e.send(fmt.Sprintf("setoption name Hash value %d", cfg.HashMB))
	}
	if err := e.ready(ctx); err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

func (e *uciEngine) readLoop(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		e.lines <- strings.TrimSpace(sc.Text())
	}
	close(e.lines)
}

func (e *uciEngine) send(cmd string) error {
	if _, err := e.w.WriteString(cmd + "\n"); err != nil {
		e.dead = true
		return err
	}
	if err := e.w.Flush(); err != nil {
		e.dead = true
		return err
	}
	return nil
}

// readUntil consumes lines until done returns true.
func (e *uciEngine) readUntil(ctx context.Context, done func(string) bool) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-e.lines:
			if !ok {
				e.dead = true
				return errEngineDead
			}
			if done(line) {
				return nil
			}
		}
	}
}

func (e *uciEngine) ready(ctx context.Context) error {
	if err := e.send("isready"); err != nil {
		return err
	}
	return e.readUntil(ctx, func(line string) bool { return line == "readyok" })
}

// newGame clears engine state between callers.
func (e *uciEngine) newGame(ctx context.Context) error {
	if err := e.send("ucinewgame"); err != nil {
		return err
	}
	return e.ready(ctx)
}

// analyse runs one search and collects the final info line per PV.
func (e *uciEngine) analyse(ctx context.Context, req EvaluateRequest) (eval.Result, error) {
	multipv := min(max(req.MultiPV, 1), 10)
	if err := e.send(fmt.Sprintf("setoption name MultiPV value %d", multipv)); err != nil {
		return eval.Result{}, err
	}
	if err := e.send("position fen " + req.FEN); err != nil {
		return eval.Result{}, err
	}
	if err := e.send(goCommand(req)); err != nil {
		return eval.Result{}, err
	}

	latest := make(map[int]info)
	byDepth := make(map[int]eval.Score)
	depth := 0
	err := e.readUntil(ctx, func(line string) bool {
		if strings.HasPrefix(line, "bestmove") {
			return true
		}
		if in, ok := parseInfo(line); ok {
			latest[in.multipv] = in
			depth = max(depth, in.depth)
			if in.multipv == 1 && in.depth > 0 {
				byDepth[in.depth] = in.score
			}
		}
		return false
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			e.abortSearch()
		}
		return eval.Result{}, err
	}
	res := buildResult(latest, depth)
	res.Iterations = iterations(byDepth)
	return res, nil
}

// abortSearch stops a search that outlived its caller. An engine that
// does not answer within a second is discarded.
func (e *uciEngine) abortSearch() {
	if e.send("stop") != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.readUntil(ctx, func(line string) bool { return strings.HasPrefix(line, "bestmove") }); err != nil {
		e.dead = true
	}
}

func (e *uciEngine) close() {
	_ = e.send("quit")
	go func() {
		for range e.lines {
		}
	}()
	if e.closer != nil {
		_ = e.closer()
	}
	e.dead = true
}

func goCommand(req EvaluateRequest) string {
	var b strings.Builder
	b.WriteString("go")
	if req.Depth > 0 {
		fmt.Fprintf(&b, " depth %d", req.Depth)
	}
	if req.TimeLimitMs > 0 {
		fmt.Fprintf(&b, " movetime %d", req.TimeLimitMs)
	}
	if req.Nodes > 0 {
		fmt.Fprintf(&b, " nodes %d", req.Nodes)
	}
	if req.Depth <= 0 && req.TimeLimitMs <= 0 && req.Nodes <= 0 {
		b.WriteString(" depth 20")
	}
	return b.String()
}

type info struct {
	multipv int
	depth   int
	score   eval.Score
	pv      []string
}

// parseInfo reads a UCI "info" line carrying a score and a pv. Bound
// scores from aspiration windows are skipped.
func parseInfo(line string) (info, bool) {
	if !strings.HasPrefix(line, "info ") {
		return info{}, false
	}
	parts := strings.Fields(line)
	in := info{multipv: 1}
	hasScore := false
	for i := 1; i < len(parts); i++ {
		switch parts[i] {
		case "depth":
			if i+1 < len(parts) {
				in.depth, _ = strconv.Atoi(parts[i+1])
				i++
			}
		case "multipv":
			if i+1 < len(parts) {
				in.multipv, _ = strconv.Atoi(parts[i+1])
				i++
			}
		case "score":
			if i+2 >= len(parts) {
				return info{}, false
			}
			v, err := strconv.Atoi(parts[i+2])
			if err != nil {
				return info{}, false
			}
			switch parts[i+1] {
			case "cp":
				in.score = eval.CP(v)
			case "mate":
				if v == 0 {
					return info{}, false
				}
				in.score = eval.MateIn(v)
			default:
				return info{}, false
			}
			hasScore = true
			i += 2
			if i+1 < len(parts) && (parts[i+1] == "lowerbound" || parts[i+1] == "upperbound") {
				return info{}, false
			}
		case "pv":
			in.pv = append([]string(nil), parts[i+1:]...)
			i = len(parts)
		}
	}
	if !hasScore || len(in.pv) == 0 {
		return info{}, false
	}
	return in, true
}

// iterations orders the best line's last score at each depth.
func iterations(byDepth map[int]eval.Score) []eval.Iteration {
	if len(byDepth) == 0 {
		return nil
	}
	depths := make([]int, 0, len(byDepth))
	for d := range byDepth {
		depths = append(depths, d)
	}
	sort.Ints(depths)
	out := make([]eval.Iteration, len(depths))
	for i, d := range depths {
		out[i] = eval.Iteration{Depth: d, Score: byDepth[d]}
	}
	return out
}

func buildResult(latest map[int]info, depth int) eval.Result {
	idx := make([]int, 0, len(latest))
	for k := range latest {
		idx = append(idx, k)
	}
	sort.Ints(idx)
	res := eval.Result{Depth: depth, Source: "uci"}
	for _, k := range idx {
		in := latest[k]
		res.Lines = append(res.Lines, eval.Line{Score: in.score, Moves: in.pv})
	}
	if len(res.Lines) > 0 {
		res.Score = res.Lines[0].Score
		res.BestLine = res.Lines[0].Moves
	}
	return res
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command chessbeast annotates chess games.
//
// It reads PGN, scores the mainline with an engine, explores the moments
// that matter, and writes the game back with glyphs, side lines and
// comments.
//
// Usage:
//
//	chessbeast annotate game.pgn
//	chessbeast annotate --format pgn --density sparse games.pgn > annotated.pgn
//	cat game.pgn | chessbeast annotate --viewer :8089 -
//
// With a local engine:
//
//	CHESSBEAST_LOCAL_ENGINE=true CHESSBEAST_ENGINE_PATH=/usr/bin/stockfish chessbeast annotate game.pgn
//
// With the reasoning agent (needs an OpenAI-compatible model):
//
//	OPENAI_API_KEY=... chessbeast annotate --agentic game.pgn
//
// Other commands:
//
//	chessbeast health             # probe the configured services
//	chessbeast book import eco.txt
//	chessbeast config             # print the effective configuration
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

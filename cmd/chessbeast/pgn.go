// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/corentings/chess"

	"github.com/AleutianAI/chessbeast/services/annotate/annotator"
)

var tagPair = regexp.MustCompile(`^\[(\w+)\s+"((?:[^"\\]|\\.)*)"\]\s*$`)

// readGames parses every game of a PGN stream.
//
// Outputs:
//
//	[]annotator.Game - Games in file order, moves in UCI.
//	error - The first game that fails to parse, by its position in the file.
func readGames(r io.Reader) ([]annotator.Game, error) {
	chunks, err := splitGames(r)
	if err != nil {
		return nil, err
	}
	games := make([]annotator.Game, 0, len(chunks))
	for i, chunk := range chunks {
		g, err := parseGame(chunk)
		if err != nil {
			return nil, fmt.Errorf("game %d: %w", i+1, err)
		}
		games = append(games, g)
	}
	return games, nil
}

// splitGames cuts a PGN stream at each tag section that follows movetext.
func splitGames(r io.Reader) ([]string, error) {
	var (
		chunks  []string
		cur     strings.Builder
		hasMove bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
		hasMove = false
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "["):
			if hasMove {
				flush()
			}
		case line != "" && !strings.HasPrefix(line, "%"):
			hasMove = true
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read pgn: %w", err)
	}
	flush()
	return chunks, nil
}

func parseGame(text string) (annotator.Game, error) {
	g := annotator.Game{Headers: make(map[string]string)}
	for _, line := range strings.Split(text, "\n") {
		if m := tagPair.FindStringSubmatch(line); m != nil {
			g.Headers[m[1]] = strings.ReplaceAll(m[2], `\"`, `"`)
		}
	}

	game := chess.NewGame()
	if err := game.UnmarshalText([]byte(text)); err != nil {
		return g, fmt.Errorf("invalid PGN: %w", err)
	}
	if pos := game.Positions(); len(pos) > 0 {
		g.StartFEN = pos[0].String()
	}
	for _, m := range game.Moves() {
		g.Moves = append(g.Moves, m.String())
	}
	g.WhiteElo = elo(g.Headers["WhiteElo"])
	g.BlackElo = elo(g.Headers["BlackElo"])
	return g, nil
}

func elo(s string) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || v < 0 {
		return 0
	}
	return v
}

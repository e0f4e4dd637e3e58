// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoGames = `[Event "Club night"]
[White "Alice"]
[Black "Bob"]
[WhiteElo "1480"]
[BlackElo "1420"]
[Result "1-0"]

1. e4 e5 2. Qh5 Nc6 3. Bc4 Nf6 4. Qxf7# 1-0

[Event "Club night"]
[White "Bob"]
[Black "Alice"]
[Result "*"]

1. d4 d5 *
`

func TestSplitGames(t *testing.T) {
	chunks, err := splitGames(strings.NewReader(twoGames))
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.True(t, strings.HasPrefix(chunks[0], `[Event "Club night"]`))
	assert.Contains(t, chunks[0], "Qxf7#")
	assert.Contains(t, chunks[1], "1. d4 d5")
}

func TestReadGames(t *testing.T) {
	games, err := readGames(strings.NewReader(twoGames))
	require.NoError(t, err)
	require.Len(t, games, 2)

	g := games[0]
	assert.Equal(t, "Alice", g.Headers["White"])
	assert.Equal(t, 1480, g.WhiteElo)
	assert.Equal(t, 1420, g.BlackElo)
	assert.Equal(t, []string{"e2e4", "e7e5", "d1h5", "b8c6", "f1c4", "g8f6", "h5f7"}, g.Moves)
	assert.True(t, isStandardStart(g.StartFEN))

	assert.Equal(t, []string{"d2d4", "d7d5"}, games[1].Moves)
	assert.Zero(t, games[1].WhiteElo)
}

func TestReadGames_Invalid(t *testing.T) {
	_, err := readGames(strings.NewReader("[Event \"x\"]\n\n1. e4 e4 *\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "game 1")
}

func TestElo(t *testing.T) {
	assert.Equal(t, 2100, elo(" 2100 "))
	assert.Zero(t, elo("?"))
	assert.Zero(t, elo("-5"))
}

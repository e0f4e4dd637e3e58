// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package reference

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/chessbeast/services/annotate/position"
	"github.com/AleutianAI/chessbeast/services/annotate/remote"
	"github.com/AleutianAI/chessbeast/services/annotate/resilience"
)

const sampleBook = `eco	name	pgn
B20	Sicilian Defense	1. e4 c5
B27	Sicilian Defense: Hyperaccelerated Dragon	1. e4 c5 2. Nf3 g6
C20	King's Pawn Game	1. e4 e5
D06	Queen's Gambit	1. d4 d5 2. c4
C44	King's Pawn Game: Tayler Opening	1. e4 e5 2. Nf3 Nc6 3. Be2
`

func openBook(t *testing.T) *Book {
	t.Helper()
	b, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	n, err := b.Import(context.Background(), strings.NewReader(sampleBook))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	return b
}

// Compile-time check that Book satisfies the reference contract.
var _ remote.ReferenceLookup = (*Book)(nil)

func TestBook_LookupOpening(t *testing.T) {
	b := openBook(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		moves   []string
		eco     string
		matched int
		left    int
	}{
		{"still in theory", []string{"e4", "c5", "Nf3"}, "B20", 2, 0},
		{"named deeper line", []string{"e2e4", "c7c5", "g1f3", "g7g6"}, "B27", 4, 0},
		{"leaves theory", []string{"e4", "c5", "Nf3", "d6", "d4"}, "B20", 2, 4},
		{"unknown first move", []string{"h4"}, "", 0, 1},
		{"empty", nil, "", 0, 0},
		{"transposition by hash", []string{"c4", "d5", "d4"}, "D06", 3, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, err := b.LookupOpening(ctx, tt.moves)
			require.NoError(t, err)
			assert.Equal(t, tt.eco, op.ECO)
			assert.Equal(t, tt.matched, op.MatchedPlies)
			assert.Equal(t, tt.left, op.LeftTheoryAtPly)
			assert.Equal(t, tt.matched > 0, op.Known())
		})
	}
}

func TestBook_IllegalMove(t *testing.T) {
	b := openBook(t)
	_, err := b.LookupOpening(context.Background(), []string{"e4", "e4"})
	assert.ErrorIs(t, err, resilience.ErrInvalidArgument)
	assert.False(t, resilience.IsRetryable(err))

	_, err = b.Put(context.Background(), Entry{ECO: "X00", Name: "broken", Moves: []string{"Ke2"}})
	assert.ErrorIs(t, err, position.ErrIllegalMove)
}

func TestBook_PromotionPrefixIsWholeMove(t *testing.T) {
	assert.Equal(t, "line/e2e4 e7e5 ", string(lineKey([]string{"e2e4", "e7e5"})))
	assert.False(t, strings.HasPrefix(string(lineKey([]string{"e7e8q"})), string(lineKey([]string{"e7e8"}))))
}

func TestBook_LookupPositionAndHealth(t *testing.T) {
	b := openBook(t)
	ctx := context.Background()

	pos := position.Start()
	for _, m := range []string{"e4", "e5"} {
		next, _, _, err := pos.Apply(m)
		require.NoError(t, err)
		pos = next
	}
	op, err := b.LookupPosition(ctx, pos.FEN())
	require.NoError(t, err)
	require.True(t, op.Known())
	assert.Equal(t, "C20", op.ECO)
	assert.Equal(t, 2, op.MatchedPlies)
	assert.Zero(t, op.LeftTheoryAtPly)

	op, err = b.LookupPosition(ctx, position.Start().FEN())
	require.NoError(t, err)
	assert.False(t, op.Known())

	_, err = b.LookupPosition(ctx, "not a fen")
	assert.ErrorIs(t, err, resilience.ErrInvalidArgument)

	h, err := b.HealthCheck(ctx)
	require.NoError(t, err)
	assert.True(t, h.Healthy)
	assert.Equal(t, "5 lines", h.Version)
}

func TestImport_Errors(t *testing.T) {
	b, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Import(context.Background(), strings.NewReader("A00\tonly two"))
	assert.ErrorContains(t, err, "line 1")

	n, err := b.Import(context.Background(), strings.NewReader("# comment\n\nA00\tPolish\te2e4 e7e5 b2b4 *\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestSplitMoves(t *testing.T) {
	assert.Equal(t, []string{"e4", "c5", "Nf3"}, splitMoves("1. e4 c5 2.Nf3 1-0"))
	assert.Equal(t, []string{"e5"}, splitMoves("1... e5"))
}

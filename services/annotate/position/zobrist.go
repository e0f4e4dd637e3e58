// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package position

import (
	"fmt"
	"sync"
)

// DefaultSeed seeds the process-wide Zobrist table. Changing it changes
// every hash, so cached hashes from other builds stop matching.
const DefaultSeed uint64 = 0x9e3779b97f4a7c15

const (
	pieceKinds  = 12 // 6 piece types x 2 colors
	squares     = 64
	castleCombo = 16 // KQkq bitmask
	epSlots     = 9  // files a-h plus "no en passant"
	epNone      = 8
)

// Hash is a 64-bit Zobrist key identifying a position.
type Hash uint64

// String renders the hash as fixed-width hex.
func (h Hash) String() string {
	return fmt.Sprintf("%016x", uint64(h))
}

// ZobristTable holds the random keys used to hash positions.
//
// Every position hash is the XOR of:
//   - one key per occupied (piece, square)
//   - the key for the current castling-rights combination
//   - the key for the en-passant file, or the "none" slot
//   - the side key when black is to move
//
// Thread Safety: immutable after construction; safe for concurrent use.
type ZobristTable struct {
	pieces    [pieceKinds][squares]uint64
	castling  [castleCombo]uint64
	enPassant [epSlots]uint64
	side      uint64
}

// NewZobristTable builds a table from seed using splitmix64.
//
// Inputs:
//
//	seed - Generator seed. Equal seeds yield identical tables.
//
// Outputs:
//
//	*ZobristTable - The populated table.
func NewZobristTable(seed uint64) *ZobristTable {
	rng := splitmix64{state: seed}
	t := &ZobristTable{}
	for p := 0; p < pieceKinds; p++ {
		for sq := 0; sq < squares; sq++ {
			t.pieces[p][sq] = rng.next()
		}
	}
	for i := range t.castling {
		t.castling[i] = rng.next()
	}
	for i := range t.enPassant {
		t.enPassant[i] = rng.next()
	}
	t.side = rng.next()
	return t
}

var (
	defaultTableOnce sync.Once
	defaultTable     *ZobristTable
)

// DefaultTable returns the table built from DefaultSeed.
func DefaultTable() *ZobristTable {
	defaultTableOnce.Do(func() {
		defaultTable = NewZobristTable(DefaultSeed)
	})
	return defaultTable
}

func (t *ZobristTable) piece(kind, sq int) uint64 {
	return t.pieces[kind][sq]
}

// castlingKey returns the key for a KQkq bitmask (K=1, Q=2, k=4, q=8).
func (t *ZobristTable) castlingKey(rights int) uint64 {
	return t.castling[rights&(castleCombo-1)]
}

// enPassantKey returns the key for file 0-7, or the "none" slot for -1.
func (t *ZobristTable) enPassantKey(file int) uint64 {
	if file < 0 || file > 7 {
		return t.enPassant[epNone]
	}
	return t.enPassant[file]
}

func (t *ZobristTable) sideKey(blackToMove bool) uint64 {
	if blackToMove {
		return t.side
	}
	return 0
}

type splitmix64 struct {
	state uint64
}

func (s *splitmix64) next() uint64 {
	s.state += 0x9e3779b97f4a7c15
	z := s.state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

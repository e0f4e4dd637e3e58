// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package position wraps chess legality and adds Zobrist hashing.
//
// Legality, SAN and FEN handling come from github.com/corentings/chess.
// This package owns only what the annotator needs on top of that: a
// stable 64-bit hash maintained incrementally on every move, a
// normalized FEN used for collision checks, and a notation resolver
// that accepts either UCI or SAN.
package position

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/corentings/chess"
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

var uciPattern = regexp.MustCompile(`^[a-h][1-8][a-h][1-8][qrbn]?$`)

// ErrInvalidFEN is returned when a FEN string cannot be parsed.
var ErrInvalidFEN = errors.New("invalid FEN")

// ErrIllegalMove is the sentinel matched by IllegalMoveError.
var ErrIllegalMove = errors.New("illegal move")

// IllegalMoveError reports a move that is not legal in a position.
type IllegalMoveError struct {
	FEN  string
	Move string
}

func (e *IllegalMoveError) Error() string {
	return fmt.Sprintf("illegal move %q in %s", e.Move, e.FEN)
}

func (e *IllegalMoveError) Is(target error) bool {
	return target == ErrIllegalMove
}

// Color is the side to move.
type Color int

const (
	White Color = iota
	Black
)

// Opponent returns the other color.
func (c Color) Opponent() Color {
	if c == White {
		return Black
	}
	return White
}

func (c Color) String() string {
	if c == Black {
		return "black"
	}
	return "white"
}

// Move is a resolved legal move in both notations.
type Move struct {
	UCI string
	SAN string
}

// Position is an immutable chess position with its Zobrist hash.
//
// Thread Safety: immutable; safe for concurrent use.
type Position struct {
	pos   *chess.Position
	table *ZobristTable
	hash  Hash
}

// Undo restores the parent of an Apply.
//
// The delta is the XOR of every key that changed, so applying it to the
// child hash yields the parent hash exactly.
type Undo struct {
	parent *Position
	delta  Hash
}

// Parent returns the position before the move.
func (u Undo) Parent() *Position { return u.parent }

// Delta returns the XOR difference between parent and child hashes.
func (u Undo) Delta() Hash { return u.delta }

// FromFEN parses a FEN using the default Zobrist table.
func FromFEN(fen string) (*Position, error) {
	return FromFENWithTable(fen, DefaultTable())
}

// Start returns the standard initial position.
func Start() *Position {
	p, err := FromFEN(StartFEN)
	if err != nil {
		panic(fmt.Sprintf("start position: %v", err))
	}
	return p
}

// FromFENWithTable parses a FEN and hashes it with table.
//
// Inputs:
//
//	fen - Position in Forsyth-Edwards Notation.
//	table - Zobrist table; nil selects DefaultTable.
//
// Outputs:
//
//	*Position - The parsed position.
//	error - Wraps ErrInvalidFEN on parse failure.
func FromFENWithTable(fen string, table *ZobristTable) (*Position, error) {
	if table == nil {
		table = DefaultTable()
	}
	opt, err := chess.FEN(strings.TrimSpace(fen))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidFEN, fen, err)
	}
	game := chess.NewGame(opt)
	p := &Position{pos: game.Position(), table: table}
	p.hash = p.computeHash()
	return p, nil
}

// FEN returns the full FEN including move counters.
func (p *Position) FEN() string {
	return p.pos.String()
}

// NormalizedFEN returns the FEN fields that identify a position for
// transposition purposes: placement, side, castling and an en-passant
// square only when a capture onto it is possible.
func (p *Position) NormalizedFEN() string {
	fields := strings.Fields(p.pos.String())
	if len(fields) < 4 {
		return strings.Join(fields, " ")
	}
	ep := "-"
	if file := p.effectiveEnPassantFile(); file >= 0 {
		ep = p.pos.EnPassantSquare().String()
	}
	return strings.Join([]string{fields[0], fields[1], fields[2], ep}, " ")
}

// Hash returns the Zobrist hash.
func (p *Position) Hash() Hash {
	return p.hash
}

// SideToMove returns the color to move.
func (p *Position) SideToMove() Color {
	if p.pos.Turn() == chess.Black {
		return Black
	}
	return White
}

// IsCheckmate reports whether the side to move is mated.
func (p *Position) IsCheckmate() bool {
	return p.pos.Status() == chess.Checkmate
}

// IsStalemate reports whether the side to move has no legal move and is not in check.
func (p *Position) IsStalemate() bool {
	return p.pos.Status() == chess.Stalemate
}

// IsTerminal reports checkmate or stalemate.
func (p *Position) IsTerminal() bool {
	return p.IsCheckmate() || p.IsStalemate()
}

// LegalMoves returns all legal moves in UCI, sorted.
func (p *Position) LegalMoves() []string {
	valid := p.pos.ValidMoves()
	out := make([]string, 0, len(valid))
	for _, m := range valid {
		out = append(out, m.String())
	}
	sort.Strings(out)
	return out
}

// Resolve converts UCI or SAN notation into a legal Move.
//
// Outputs:
//
//	Move - The move in both notations.
//	error - *IllegalMoveError if the move is malformed or illegal here.
func (p *Position) Resolve(notation string) (Move, error) {
	m, err := p.decode(notation)
	if err != nil {
		return Move{}, err
	}
	return Move{UCI: m.String(), SAN: chess.AlgebraicNotation{}.Encode(p.pos, m)}, nil
}

// Apply plays a move and returns the child position.
//
// Description:
//
//	The child hash is derived from the parent hash by XOR-ing out the
//	keys the move invalidates and XOR-ing in the new ones. No board
//	scan is performed.
//
// Inputs:
//
//	notation - UCI ("e2e4", "e7e8q") or SAN ("Nf3", "O-O").
//
// Outputs:
//
//	*Position - The child position.
//	Move - The resolved move.
//	Undo - Restores the parent; see Unapply.
//	error - *IllegalMoveError for illegal or malformed moves.
func (p *Position) Apply(notation string) (*Position, Move, Undo, error) {
	m, err := p.decode(notation)
	if err != nil {
		return nil, Move{}, Undo{}, err
	}
	resolved := Move{UCI: m.String(), SAN: chess.AlgebraicNotation{}.Encode(p.pos, m)}

	next := p.pos.Update(m)
	child := &Position{pos: next, table: p.table}
	delta := p.moveDelta(m, child)
	child.hash = p.hash ^ delta
	return child, resolved, Undo{parent: p, delta: delta}, nil
}

// Unapply reverses an Apply using its Undo record.
//
// Outputs:
//
//	*Position - The parent position.
//	error - Non-nil if u does not belong to this position.
func (p *Position) Unapply(u Undo) (*Position, error) {
	if u.parent == nil {
		return nil, errors.New("unapply: empty undo record")
	}
	if p.hash^u.delta != u.parent.hash {
		return nil, fmt.Errorf("unapply: undo record does not match position %s", p.hash)
	}
	return u.parent, nil
}

func (p *Position) decode(notation string) (*chess.Move, error) {
	s := strings.TrimSpace(notation)
	illegal := &IllegalMoveError{FEN: p.FEN(), Move: notation}
	if s == "" {
		return nil, illegal
	}
	if uciPattern.MatchString(s) {
		legal := false
		for _, vm := range p.pos.ValidMoves() {
			if vm.String() == s {
				legal = true
				break
			}
		}
		if !legal {
			return nil, illegal
		}
		m, err := chess.UCINotation{}.Decode(p.pos, s)
		if err != nil {
			return nil, illegal
		}
		return m, nil
	}
	m, err := chess.AlgebraicNotation{}.Decode(p.pos, s)
	if err != nil || m == nil {
		return nil, illegal
	}
	return m, nil
}

// computeHash hashes the position from scratch.
func (p *Position) computeHash() Hash {
	var h uint64
	board := p.pos.Board()
	for sq := 0; sq < squares; sq++ {
		pc := board.Piece(chess.Square(sq))
		if pc == chess.NoPiece {
			continue
		}
		if kind := kindIndex(pc.Type(), pc.Color()); kind >= 0 {
			h ^= p.table.piece(kind, sq)
		}
	}
	h ^= p.table.castlingKey(castleIndex(p.pos.CastleRights()))
	h ^= p.table.enPassantKey(p.effectiveEnPassantFile())
	h ^= p.table.sideKey(p.pos.Turn() == chess.Black)
	return Hash(h)
}

// moveDelta returns the XOR difference between p and child for move m.
func (p *Position) moveDelta(m *chess.Move, child *Position) Hash {
	t := p.table
	board := p.pos.Board()
	from, to := m.S1(), m.S2()
	moved := board.Piece(from)
	mover := moved.Color()
	var d uint64

	d ^= t.piece(kindIndex(moved.Type(), mover), int(from))

	if captured := board.Piece(to); captured != chess.NoPiece {
		d ^= t.piece(kindIndex(captured.Type(), captured.Color()), int(to))
	} else if moved.Type() == chess.Pawn && from.File() != to.File() {
		capSq := squareAt(int(to.File()), int(from.Rank()))
		d ^= t.piece(kindIndex(chess.Pawn, opposite(mover)), capSq)
	}

	placed := moved.Type()
	if promo := m.Promo(); promo != chess.NoPieceType {
		placed = promo
	}
	d ^= t.piece(kindIndex(placed, mover), int(to))

	if moved.Type() == chess.King {
		fileDiff := int(to.File()) - int(from.File())
		rank := int(from.Rank())
		rook := kindIndex(chess.Rook, mover)
		switch fileDiff {
		case 2:
			d ^= t.piece(rook, squareAt(7, rank)) ^ t.piece(rook, squareAt(5, rank))
		case -2:
			d ^= t.piece(rook, squareAt(0, rank)) ^ t.piece(rook, squareAt(3, rank))
		}
	}

	d ^= t.castlingKey(castleIndex(p.pos.CastleRights())) ^ t.castlingKey(castleIndex(child.pos.CastleRights()))
	d ^= t.enPassantKey(p.effectiveEnPassantFile()) ^ t.enPassantKey(child.effectiveEnPassantFile())
	d ^= t.side
	return Hash(d)
}

// effectiveEnPassantFile returns the en-passant file when a pawn of the
// side to move stands ready to capture onto it, else -1.
func (p *Position) effectiveEnPassantFile() int {
	ep := p.pos.EnPassantSquare()
	if ep == chess.NoSquare {
		return -1
	}
	file := int(ep.File())
	turn := p.pos.Turn()
	captureRank := 4
	if turn == chess.Black {
		captureRank = 3
	}
	board := p.pos.Board()
	for _, f := range []int{file - 1, file + 1} {
		if f < 0 || f > 7 {
			continue
		}
		pc := board.Piece(chess.Square(squareAt(f, captureRank)))
		if pc.Type() == chess.Pawn && pc.Color() == turn {
			return file
		}
	}
	return -1
}

func kindIndex(t chess.PieceType, c chess.Color) int {
	var k int
	switch t {
	case chess.King:
		k = 0
	case chess.Queen:
		k = 1
	case chess.Rook:
		k = 2
	case chess.Bishop:
		k = 3
	case chess.Knight:
		k = 4
	case chess.Pawn:
		k = 5
	default:
		return -1
	}
	if c == chess.Black {
		k += 6
	}
	return k
}

func castleIndex(cr chess.CastleRights) int {
	idx := 0
	if cr.CanCastle(chess.White, chess.KingSide) {
		idx |= 1
	}
	if cr.CanCastle(chess.White, chess.QueenSide) {
		idx |= 2
	}
	if cr.CanCastle(chess.Black, chess.KingSide) {
		idx |= 4
	}
	if cr.CanCastle(chess.Black, chess.QueenSide) {
		idx |= 8
	}
	return idx
}

func squareAt(file, rank int) int {
	return rank*8 + file
}

func opposite(c chess.Color) chess.Color {
	if c == chess.White {
		return chess.Black
	}
	return chess.White
}

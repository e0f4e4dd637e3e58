// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package reference provides the opening book consulted for theory
// checks during annotation.
//
// The book is an embedded BadgerDB keyed two ways:
//
//	line/<uci> <uci> ... <space>   the named line, in UCI
//	hash/<zobrist hex>             the position the line reaches
//
// The trailing space on line keys makes a prefix scan match only whole
// moves, so "line/e7e8 " never matches a promotion "e7e8q".
package reference

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/chessbeast/services/annotate/eval"
	"github.com/AleutianAI/chessbeast/services/annotate/position"
	"github.com/AleutianAI/chessbeast/services/annotate/remote"
	"github.com/AleutianAI/chessbeast/services/annotate/resilience"
)

const (
	linePrefix = "line/"
	hashPrefix = "hash/"
)

// Config holds configuration for the book database.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string `yaml:"path" json:"path"`

	// InMemory keeps the book in RAM. Useful for tests and for books
	// imported at startup.
	InMemory bool `yaml:"in_memory" json:"in_memory"`

	// ReadOnly opens an existing book without write access.
	ReadOnly bool `yaml:"read_only" json:"read_only"`

	// Logger receives BadgerDB's internal logs. nil disables them.
	Logger *slog.Logger `yaml:"-" json:"-"`
}

// Entry is one named opening line.
type Entry struct {
	ECO   string   `json:"eco"`
	Name  string   `json:"name"`
	Moves []string `json:"moves"`
}

// Book is an opening book backed by BadgerDB.
//
// Thread Safety: safe for concurrent use.
type Book struct {
	db     *badger.DB
	logger *slog.Logger
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Open opens or creates a book.
//
// Inputs:
//
//	cfg - Database configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*Book - The opened book. Caller must call Close.
//	error - Non-nil if the path is invalid or the database cannot be opened.
func Open(cfg Config) (*Book, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("reference: path is required for a persistent book")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create book directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithReadOnly(cfg.ReadOnly)
	}
	opts = opts.WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.Default()
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open opening book: %w", err)
	}
	return &Book{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (b *Book) Close() error {
	return b.db.Close()
}

// Put stores entries, replacing existing lines with the same moves.
//
// Description:
//
//	Each entry is replayed from the start position to validate its moves
//	and to index the reached position by hash, so a game that reaches a
//	book position by another move order still matches.
//
// Outputs:
//
//	int - Entries written.
//	error - *position.IllegalMoveError for a bad line; nothing is written.
func (b *Book) Put(ctx context.Context, entries ...Entry) (int, error) {
	type kv struct{ k, v []byte }
	pending := make([]kv, 0, 2*len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		ucis, path, err := replay(e.Moves)
		if err != nil {
			return 0, fmt.Errorf("book entry %s %q: %w", e.ECO, e.Name, err)
		}
		if len(ucis) == 0 {
			continue
		}
		reached := path[len(path)-1]
		e.Moves = ucis
		val, err := json.Marshal(e)
		if err != nil {
			return 0, err
		}
		pending = append(pending,
			kv{lineKey(ucis), val},
			kv{hashKey(reached.Hash()), val})
	}

	wb := b.db.NewWriteBatch()
	for _, p := range pending {
		if err := wb.Set(p.k, p.v); err != nil {
			wb.Cancel()
			return 0, fmt.Errorf("write book entry: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flush book: %w", err)
	}
	return len(pending) / 2, nil
}

// Import loads a tab-separated book (eco, name, moves) such as the
// lichess chess-openings files. Moves may be SAN with move numbers
// ("1. e4 c5 2. Nf3") or UCI. A header row starting with "eco" is
// skipped.
//
// Outputs:
//
//	int - Entries imported.
//	error - Read or validation failure, with the offending line number.
func (b *Book) Import(ctx context.Context, r io.Reader) (int, error) {
	var entries []Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cols := strings.Split(line, "\t")
		if len(cols) < 3 {
			return 0, fmt.Errorf("book line %d: want 3 tab-separated columns, got %d", lineNo, len(cols))
		}
		if lineNo == 1 && strings.EqualFold(cols[0], "eco") {
			continue
		}
		entries = append(entries, Entry{ECO: cols[0], Name: cols[1], Moves: splitMoves(cols[2])})
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("read book: %w", err)
	}
	n, err := b.Put(ctx, entries...)
	if err != nil {
		return 0, err
	}
	b.logger.Info("opening book imported", slog.Int("entries", n))
	return n, nil
}

// LookupOpening matches a game's opening moves against the book.
//
// Description:
//
//	Walks the moves ply by ply. The deepest ply whose line or reached
//	position is a named book entry gives the opening. The game leaves
//	theory at the first ply whose line no book line continues and whose
//	position is not in the book; reaching a book position again by
//	transposition puts it back in theory.
//
// Inputs:
//
//	ctx - Cancellation.
//	moves - Game moves from the start position, UCI or SAN.
//
// Outputs:
//
//	eval.Opening - MatchedPlies is 0 when nothing matched.
//	              LeftTheoryAtPly is 0 while still in theory.
//	error - resilience.ErrInvalidArgument for an illegal move.
func (b *Book) LookupOpening(ctx context.Context, moves []string) (eval.Opening, error) {
	var out eval.Opening
	ucis, positions, err := replay(moves)
	if err != nil {
		return out, resilience.NewServiceError(remote.ServiceReference, resilience.ErrInvalidArgument, "%v", err)
	}

	err = b.db.View(func(txn *badger.Txn) error {
		for i := range ucis {
			if err := ctx.Err(); err != nil {
				return err
			}
			ply := i + 1
			entry, found, err := getEntry(txn, lineKey(ucis[:ply]))
			if err != nil {
				return err
			}
			if !found {
				entry, found, err = getEntry(txn, hashKey(positions[i].Hash()))
				if err != nil {
					return err
				}
			}
			switch {
			case found:
				out.ECO, out.Name, out.MatchedPlies = entry.ECO, entry.Name, ply
				out.LeftTheoryAtPly = 0
			case out.LeftTheoryAtPly == 0 && !hasPrefix(txn, lineKey(ucis[:ply])):
				out.LeftTheoryAtPly = ply
			}
		}
		return nil
	})
	if err != nil {
		return eval.Opening{}, resilience.Classify(remote.ServiceReference, err)
	}
	return out, nil
}

// LookupPosition names the book entry whose line reaches a position,
// whatever move order got there.
//
// Outputs:
//
//	eval.Opening - MatchedPlies is the entry's line length, 0 when the
//	              position is not in the book.
//	error - resilience.ErrInvalidArgument for a malformed FEN.
func (b *Book) LookupPosition(ctx context.Context, fen string) (eval.Opening, error) {
	pos, err := position.FromFEN(fen)
	if err != nil {
		return eval.Opening{}, resilience.NewServiceError(remote.ServiceReference, resilience.ErrInvalidArgument, "%v", err)
	}
	var (
		entry Entry
		found bool
	)
	err = b.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		entry, found, err = getEntry(txn, hashKey(pos.Hash()))
		return err
	})
	if err != nil {
		return eval.Opening{}, resilience.Classify(remote.ServiceReference, err)
	}
	if !found {
		return eval.Opening{}, nil
	}
	return eval.Opening{ECO: entry.ECO, Name: entry.Name, MatchedPlies: len(entry.Moves)}, nil
}

// Len returns the number of named lines.
func (b *Book) Len() (int, error) {
	n := 0
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(linePrefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// HealthCheck reports the book size.
func (b *Book) HealthCheck(context.Context) (remote.Health, error) {
	n, err := b.Len()
	if err != nil {
		return remote.Health{Service: remote.ServiceReference, Error: err.Error()}, err
	}
	return remote.Health{Service: remote.ServiceReference, Healthy: true, Version: fmt.Sprintf("%d lines", n)}, nil
}

func getEntry(txn *badger.Txn, key []byte) (Entry, bool, error) {
	var e Entry
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return e, false, nil
	}
	if err != nil {
		return e, false, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	})
	return e, err == nil, err
}

func hasPrefix(txn *badger.Txn, prefix []byte) bool {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	defer it.Close()
	it.Rewind()
	return it.Valid()
}

func lineKey(ucis []string) []byte {
	return []byte(linePrefix + strings.Join(ucis, " ") + " ")
}

func hashKey(h position.Hash) []byte {
	return []byte(hashPrefix + h.String())
}

// replay validates moves from the start position. It returns the moves
// in UCI and the position after each of them.
func replay(moves []string) ([]string, []*position.Position, error) {
	cur := position.Start()
	ucis := make([]string, 0, len(moves))
	path := make([]*position.Position, 0, len(moves))
	for _, m := range moves {
		next, mv, _, err := cur.Apply(m)
		if err != nil {
			return nil, nil, err
		}
		ucis = append(ucis, mv.UCI)
		path = append(path, next)
		cur = next
	}
	return ucis, path, nil
}

// splitMoves drops move numbers and result tokens from a movetext.
func splitMoves(movetext string) []string {
	var out []string
	for _, tok := range strings.Fields(movetext) {
		if i := strings.LastIndex(tok, "."); i >= 0 {
			tok = tok[i+1:]
		}
		switch tok {
		case "", "1-0", "0-1", "1/2-1/2", "*":
			continue
		}
		out = append(out, tok)
	}
	return out
}

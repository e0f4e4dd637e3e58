// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tree

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/chessbeast/services/annotate/position"
)

var (
	// ErrIllegalMove matches any *IllegalMoveError.
	ErrIllegalMove = position.ErrIllegalMove

	// ErrTranspositionCollision matches any *TranspositionCollisionError.
	ErrTranspositionCollision = errors.New("transposition collision")

	// ErrNodeNotFound is returned when a node reference is not part of the tree.
	ErrNodeNotFound = errors.New("node not found")
)

// IllegalMoveError is returned by AddMove for moves the position rejects.
type IllegalMoveError = position.IllegalMoveError

// TranspositionCollisionError reports two distinct positions with the
// same Zobrist hash. It is fatal for the session: continuing would
// merge unrelated analysis.
type TranspositionCollisionError struct {
	Hash     position.Hash
	Existing string
	Incoming string
}

func (e *TranspositionCollisionError) Error() string {
	return fmt.Sprintf("hash %s collides: cached %q, incoming %q", e.Hash, e.Existing, e.Incoming)
}

func (e *TranspositionCollisionError) Is(target error) bool {
	return target == ErrTranspositionCollision
}

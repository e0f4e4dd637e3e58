// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tree

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/chessbeast/services/annotate/eval"
	"github.com/AleutianAI/chessbeast/services/annotate/position"
)

// CacheEntry is a stored evaluation together with the position it
// belongs to, kept for collision detection.
type CacheEntry struct {
	Result        eval.Result
	NormalizedFEN string
	StoredAt      time.Time
}

// CacheStats reports cache usage.
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Writes  int64 `json:"writes"`
	Skipped int64 `json:"skipped"`
}

// Cache stores evaluations by position hash.
//
// Entries only ever get deeper: a write with a shallower depth than the
// stored one is ignored. Entries are never evicted during a session.
//
// Thread Safety: safe for concurrent use. Concurrent writes of the same
// position are serialized and the deepest one wins.
type Cache struct {
	mu      sync.RWMutex
	entries map[position.Hash]CacheEntry

	hits    atomic.Int64
	misses  atomic.Int64
	writes  atomic.Int64
	skipped atomic.Int64
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[position.Hash]CacheEntry)}
}

// Lookup returns the cached evaluation for h.
func (c *Cache) Lookup(h position.Hash) (eval.Result, bool) {
	return c.LookupDepth(h, 0)
}

// LookupDepth returns the cached evaluation for h if it was searched to
// at least minDepth.
func (c *Cache) LookupDepth(h position.Hash, minDepth int) (eval.Result, bool) {
	c.mu.RLock()
	entry, ok := c.entries[h]
	c.mu.RUnlock()
	if !ok || entry.Result.Depth < minDepth {
		c.misses.Add(1)
		return eval.Result{}, false
	}
	c.hits.Add(1)
	return entry.Result, true
}

// Record stores r for the position (h, normFEN).
//
// Description:
//
//	Overwrites an existing entry only when r.Depth is greater than or
//	equal to the stored depth. A stored entry whose normalized FEN differs
//	from normFEN means two positions share a hash.
//
// Inputs:
//
//	h - Zobrist hash of the position.
//	normFEN - Normalized FEN of the position.
//	r - The evaluation.
//
// Outputs:
//
//	bool - True if the entry was written.
//	error - *TranspositionCollisionError on hash collision.
func (c *Cache) Record(h position.Hash, normFEN string, r eval.Result) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[h]; ok {
		if existing.NormalizedFEN != normFEN {
			return false, &TranspositionCollisionError{Hash: h, Existing: existing.NormalizedFEN, Incoming: normFEN}
		}
		if r.Depth < existing.Result.Depth {
			c.skipped.Add(1)
			return false, nil
		}
	}
	c.entries[h] = CacheEntry{Result: r, NormalizedFEN: normFEN, StoredAt: time.Now()}
	c.writes.Add(1)
	return true, nil
}

// Len returns the number of cached positions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Entries: c.Len(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Writes:  c.writes.Load(),
		Skipped: c.skipped.Load(),
	}
}

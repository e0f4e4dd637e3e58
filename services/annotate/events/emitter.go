// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package events publishes annotation progress to optional observers.
//
// Delivery is best-effort: each subscriber owns a buffered channel and an
// event that does not fit is dropped for that subscriber. Emit never
// blocks, so a slow or absent viewer cannot slow exploration.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind names an event type.
type Kind string

const (
	KindSessionStart Kind = "session_start"
	KindSessionEnd   Kind = "session_end"
	KindPhase        Kind = "phase"
	KindPosition     Kind = "position"
	KindFinding      Kind = "finding"
	KindToolCall     Kind = "tool_call"
	KindChunk        Kind = "phrasing_chunk"
	KindComment      Kind = "comment"
)

// Event is one published record.
type Event struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	SessionID string         `json:"session_id,omitempty"`
	Time      time.Time      `json:"time"`
	Ply       int            `json:"ply,omitempty"`
	FEN       string         `json:"fen,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// DefaultBuffer is the subscriber channel size used when none is given.
const DefaultBuffer = 256

// Subscription receives events until cancelled.
type Subscription struct {
	ID string
	C  <-chan Event

	ch      chan Event
	dropped atomic.Int64
}

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Emitter fans events out to subscribers.
//
// A nil *Emitter is valid and discards everything, so components can
// emit unconditionally.
//
// Thread Safety: safe for concurrent use.
type Emitter struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
	logger *slog.Logger

	emitted atomic.Int64
}

// NewEmitter creates an emitter with no subscribers.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{subs: make(map[string]*Subscription), logger: logger}
}

// Subscribe registers a subscriber.
//
// Inputs:
//
//	buffer - Channel capacity; <= 0 selects DefaultBuffer.
//
// Outputs:
//
//	*Subscription - Read events from C. The channel is closed by
//	                Unsubscribe or Close.
func (e *Emitter) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	s := &Subscription{ID: uuid.NewString(), C: ch, ch: ch}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		close(ch)
		return s
	}
	e.subs[s.ID] = s
	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (e *Emitter) Unsubscribe(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.subs[id]; ok {
		delete(e.subs, id)
		close(s.ch)
	}
}

// Subscribers returns the number of active subscribers.
func (e *Emitter) Subscribers() int {
	if e == nil {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}

// Emitted returns how many events were published.
func (e *Emitter) Emitted() int64 {
	if e == nil {
		return 0
	}
	return e.emitted.Load()
}

// Emit publishes ev to every subscriber without blocking. ID and Time
// are filled when empty.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	e.emitted.Add(1)
	for _, s := range e.subs {
		select {
		case s.ch <- ev:
		default:
			if s.dropped.Add(1) == 1 {
				e.logger.Debug("event subscriber is falling behind", slog.String("subscription", s.ID))
			}
		}
	}
}

// Close closes every subscription. Later Emit calls are ignored.
func (e *Emitter) Close() {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, s := range e.subs {
		close(s.ch)
		delete(e.subs, id)
	}
}

// Scoped stamps every event with a session ID.
type Scoped struct {
	emitter   *Emitter
	sessionID string
}

// ForSession returns an emitter view bound to one session.
func (e *Emitter) ForSession(sessionID string) Scoped {
	return Scoped{emitter: e, sessionID: sessionID}
}

// Emit publishes an event of kind with optional data.
func (s Scoped) Emit(kind Kind, ply int, fen string, data map[string]any) {
	s.emitter.Emit(Event{Kind: kind, SessionID: s.sessionID, Ply: ply, FEN: fen, Data: data})
}

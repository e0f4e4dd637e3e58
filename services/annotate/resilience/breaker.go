// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resilience

import (
	"sync"
	"time"
)

// CircuitState is the breaker state.
type CircuitState int

const (
	// CircuitClosed passes calls through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the cooldown elapses.
	CircuitOpen
	// CircuitHalfOpen lets a limited number of probe calls through.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// TripAfter is the number of consecutive failed calls (each one having
	// exhausted its retries) that opens the breaker. Default 1.
	TripAfter int `yaml:"trip_after" json:"trip_after" validate:"gte=1"`

	// Cooldown is how long the breaker stays open. Default 30s.
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown" validate:"gt=0"`

	// HalfOpenProbes is the number of concurrent probes allowed after the
	// cooldown. Default 1.
	HalfOpenProbes int `yaml:"half_open_probes" json:"half_open_probes" validate:"gte=1"`
}

// DefaultBreakerConfig returns the defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{TripAfter: 1, Cooldown: 30 * time.Second, HalfOpenProbes: 1}
}

// BreakerStats is a snapshot of breaker counters.
type BreakerStats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Calls           int64     `json:"calls"`
	Failures        int64     `json:"failures"`
	Rejections      int64     `json:"rejections"`
	Trips           int64     `json:"trips"`
	LastStateChange time.Time `json:"last_state_change"`
}

// CircuitBreaker fails fast for a dependency that keeps failing.
//
// A "failure" here is a whole retried call that gave up, not a single
// attempt, so a breaker with TripAfter=1 opens as soon as one call
// exhausts its retries.
//
// Thread Safety: safe for concurrent use.
type CircuitBreaker struct {
	name   string
	config BreakerConfig
	now    func() time.Time

	mu              sync.Mutex
	state           CircuitState
	consecutive     int
	probes          int
	lastStateChange time.Time
	onChange        func(name string, from, to CircuitState)

	calls, failures, rejections, trips int64
}

// NewCircuitBreaker creates a closed breaker. Zero config fields take defaults.
func NewCircuitBreaker(name string, config BreakerConfig) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if config.TripAfter <= 0 {
		config.TripAfter = def.TripAfter
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HalfOpenProbes <= 0 {
		config.HalfOpenProbes = def.HalfOpenProbes
	}
	return &CircuitBreaker{
		name:            name,
		config:          config,
		now:             time.Now,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// OnStateChange registers a callback invoked, under the breaker lock,
// whenever the state changes. It must not call back into the breaker.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// Name returns the dependency name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state, moving Open to HalfOpen once the
// cooldown has elapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state
}

// Allow reports whether a call may proceed.
//
// Outputs:
//
//	bool - True if the call may proceed.
//	func() - Release for half-open probes; nil otherwise.
func (cb *CircuitBreaker) Allow() (bool, func()) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.calls++
	cb.maybeHalfOpen()

	switch cb.state {
	case CircuitClosed:
		return true, nil
	case CircuitHalfOpen:
		if cb.probes >= cb.config.HalfOpenProbes {
			cb.rejections++
			return false, nil
		}
		cb.probes++
		return true, func() {
			cb.mu.Lock()
			if cb.probes > 0 {
				cb.probes--
			}
			cb.mu.Unlock()
		}
	default:
		cb.rejections++
		return false, nil
	}
}

// RecordSuccess closes a half-open breaker and resets the failure streak.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutive = 0
	if cb.state == CircuitHalfOpen {
		cb.transition(CircuitClosed)
	}
}

// RecordFailure counts a call that gave up after its retries.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.consecutive++
	switch cb.state {
	case CircuitHalfOpen:
		cb.transition(CircuitOpen)
	case CircuitClosed:
		if cb.consecutive >= cb.config.TripAfter {
			cb.transition(CircuitOpen)
		}
	}
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutive = 0
	cb.probes = 0
	if cb.state != CircuitClosed {
		cb.transition(CircuitClosed)
	}
}

// Stats returns a snapshot of the counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		Name:            cb.name,
		State:           cb.state.String(),
		Calls:           cb.calls,
		Failures:        cb.failures,
		Rejections:      cb.rejections,
		Trips:           cb.trips,
		LastStateChange: cb.lastStateChange,
	}
}

// maybeHalfOpen must be called with the lock held.
func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state == CircuitOpen && cb.now().Sub(cb.lastStateChange) >= cb.config.Cooldown {
		cb.transition(CircuitHalfOpen)
	}
}

// transition must be called with the lock held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.lastStateChange = cb.now()
	cb.probes = 0
	if to == CircuitOpen {
		cb.trips++
	}
	if to == CircuitClosed {
		cb.consecutive = 0
	}
	if cb.onChange != nil {
		cb.onChange(cb.name, from, to)
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry maps action names to actions.
//
// Thread Safety: safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Action
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{byName: make(map[string]Action), logger: logger}
}

// Register adds an action under its Name.
//
// Description:
//
//	Registering a name that is already present replaces the earlier
//	action and logs a warning.
func (r *Registry) Register(a Action) {
	if a == nil {
		return
	}
	name := a.Name()
	r.mu.Lock()
	_, replaced := r.byName[name]
	r.byName[name] = a
	r.mu.Unlock()
	if replaced {
		r.logger.Warn("action re-registered, replacing previous handler", slog.String("action", name))
	}
}

// Get returns the action registered under name.
func (r *Registry) Get(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byName[name]
	return a, ok
}

// Len returns the number of registered actions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Definitions returns the definition of every action, sorted by name.
func (r *Registry) Definitions() []Definition {
	names := r.Names()
	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		if a, ok := r.Get(name); ok {
			defs = append(defs, a.Definition())
		}
	}
	return defs
}

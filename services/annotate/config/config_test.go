// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/chessbeast/services/annotate/narration"
	"github.com/AleutianAI/chessbeast/services/annotate/remote"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, narration.DensityNormal, cfg.Narration.Density)
	assert.False(t, cfg.Agent.Enabled)
	assert.Len(t, cfg.GuardConfigs(), 5)
}

func TestParse_YAMLOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
budget:
  max_nodes: 120
  time_limit: 90s
narration:
  density: sparse
explore:
  tiers:
    minimal:
      engine_depth: 8
services:
  stockfish:
    address: localhost:50051
    guard:
      timeout: 2s
`))
	require.NoError(t, err)

	assert.Equal(t, int64(120), cfg.Budget.MaxNodes)
	assert.Equal(t, 90*time.Second, cfg.Budget.TimeLimit)
	assert.Equal(t, narration.DensitySparse, cfg.Narration.Density)
	assert.Equal(t, 8, cfg.Explore.Tiers.Minimal.EngineDepth)
	// Untouched siblings keep their defaults.
	assert.Equal(t, 22, cfg.Explore.Tiers.Full.EngineDepth)
	assert.Equal(t, 2*time.Second, cfg.Services.Stockfish.Guard.Timeout)
	assert.Equal(t, 3, cfg.Services.Stockfish.Guard.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.GuardConfigs()[remote.ServiceStockfish].Timeout)
}

func TestParse_JSONFallback(t *testing.T) {
	cfg, err := Parse([]byte(`{"narration": {"density": "dense"}, "viewer": {"addr": ":8089"}}`))
	require.NoError(t, err)
	assert.Equal(t, narration.DensityDense, cfg.Narration.Density)
	assert.Equal(t, ":8089", cfg.Viewer.Addr)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{
			name: "tier table not monotonic",
			data: "explore:\n  tiers:\n    full:\n      engine_depth: 8\n",
			want: "tier full engine_depth 8 < tier standard",
		},
		{
			name: "cheaper tier asks for a signal the richer one lacks",
			data: "explore:\n  tiers:\n    minimal:\n      reference: true\n",
			want: "requests signals",
		},
		{
			name: "unknown density",
			data: "narration:\n  density: loud\n",
			want: "narration.density",
		},
		{
			name: "agent without model",
			data: "agent:\n  enabled: true\n",
			want: "agent.enabled requires llm.enabled",
		},
		{
			name: "bad address",
			data: "services:\n  maia:\n    address: not an address\n",
			want: "services.maia.address",
		},
		{
			name: "remote and local engine",
			data: "services:\n  local_engine: true\n  stockfish:\n    address: localhost:50051\n",
			want: "exclusive",
		},
		{
			name: "retry backoff inverted",
			data: "llm:\n  guard:\n    retry:\n      initial_backoff: 10s\n      max_backoff: 1s\n",
			want: "llm.guard",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_Garbage(t *testing.T) {
	_, err := Parse([]byte("budget: [unterminated"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tried YAML and JSON")
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Budget, cfg.Budget)
}

func TestLoad_EnvironmentWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("budget:\n  max_nodes: 10\n"), 0o644))

	t.Setenv("CHESSBEAST_MAX_NODES", "50")
	t.Setenv("CHESSBEAST_DENSITY", "dense")
	t.Setenv("CHESSBEAST_TIME_LIMIT", "2m")
	t.Setenv("CHESSBEAST_STOCKFISH_ADDR", "engine:50051")
	t.Setenv("CHESSBEAST_LLM_ENABLED", "true")
	t.Setenv("CHESSBEAST_AGENTIC", "1")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(50), cfg.Budget.MaxNodes)
	assert.Equal(t, 2*time.Minute, cfg.Budget.TimeLimit)
	assert.Equal(t, narration.DensityDense, cfg.Narration.Density)
	assert.Equal(t, "engine:50051", cfg.Services.Stockfish.Address)
	assert.True(t, cfg.Agent.Enabled)
}

func TestLoad_MalformedEnvironment(t *testing.T) {
	t.Setenv("CHESSBEAST_MAX_NODES", "lots")
	t.Setenv("CHESSBEAST_DENSITY", "loud")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHESSBEAST_MAX_NODES")
	assert.Contains(t, err.Error(), "CHESSBEAST_DENSITY")
}

func TestWatcher_ReloadsAndKeepsLastGood(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("narration:\n  density: sparse\n"), 0o644))

	var mu sync.Mutex
	var seen []narration.Density
	w, err := NewWatcher(path, func(c Config) {
		mu.Lock()
		seen = append(seen, c.Narration.Density)
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond
	assert.Equal(t, narration.DensitySparse, w.Current().Narration.Density)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register the directory.
	time.Sleep(50 * time.Millisecond)
	writeAtomic(t, path, "narration:\n  density: dense\n")

	require.Eventually(t, func() bool {
		return w.Current().Narration.Density == narration.DensityDense
	}, 2*time.Second, 10*time.Millisecond)

	writeAtomic(t, path, "narration:\n  density: loud\n")
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, narration.DensityDense, w.Current().Narration.Density)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []narration.Density{narration.DensityDense}, seen)
}

// writeAtomic replaces path by rename, the way editors save.
func writeAtomic(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the annotator configuration.
//
// Configuration is layered: built-in defaults, then a YAML (or JSON) file,
// then CHESSBEAST_* environment variables. The merged result is checked
// with struct tags and then with cross-field rules.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/chessbeast/pkg/logging"
	"github.com/AleutianAI/chessbeast/services/annotate/agent"
	"github.com/AleutianAI/chessbeast/services/annotate/classifier"
	"github.com/AleutianAI/chessbeast/services/annotate/explore"
	"github.com/AleutianAI/chessbeast/services/annotate/narration"
	"github.com/AleutianAI/chessbeast/services/annotate/observability"
	"github.com/AleutianAI/chessbeast/services/annotate/remote"
	"github.com/AleutianAI/chessbeast/services/annotate/session"
	"github.com/AleutianAI/chessbeast/services/llm"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHESSBEAST_"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the full annotator configuration.
type Config struct {
	Log        LogConfig                   `yaml:"log" json:"log"`
	Budget     session.BudgetConfig        `yaml:"budget" json:"budget"`
	Classifier classifier.Config           `yaml:"classifier" json:"classifier"`
	Explore    explore.Config              `yaml:"explore" json:"explore"`
	Agent      AgentConfig                 `yaml:"agent" json:"agent"`
	Narration  narration.Config            `yaml:"narration" json:"narration"`
	LLM        LLMConfig                   `yaml:"llm" json:"llm"`
	Services   ServicesConfig              `yaml:"services" json:"services"`
	Book       BookConfig                  `yaml:"book" json:"book"`
	Tracing    observability.TracingConfig `yaml:"tracing" json:"tracing"`
	Viewer     ViewerConfig                `yaml:"viewer" json:"viewer"`
}

// LogConfig selects log output.
type LogConfig struct {
	Level string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json" json:"json"`

	// Dir enables a daily JSON log file.
	Dir string `yaml:"dir" json:"dir"`
}

// AgentConfig enables the reasoning agent at points of interest.
type AgentConfig struct {
	Enabled      bool             `yaml:"enabled" json:"enabled"`
	Orchestrator agent.Config     `yaml:"orchestrator" json:"orchestrator"`
	Loop         agent.LoopConfig `yaml:"loop" json:"loop"`
}

// LLMConfig configures the language model.
type LLMConfig struct {
	// Enabled turns on model phrasing. Without it comments come from
	// fixed templates.
	Enabled bool               `yaml:"enabled" json:"enabled"`
	Client  llm.Config         `yaml:"client" json:"client"`
	Guard   remote.GuardConfig `yaml:"guard" json:"guard"`
}

// Endpoint is one remote gRPC service.
type Endpoint struct {
	// Address is host:port. Empty disables the service.
	Address string             `yaml:"address" json:"address" validate:"omitempty,hostname_port"`
	Guard   remote.GuardConfig `yaml:"guard" json:"guard"`
}

// ServicesConfig lists the remote services.
type ServicesConfig struct {
	Stockfish Endpoint `yaml:"stockfish" json:"stockfish"`
	Maia      Endpoint `yaml:"maia" json:"maia"`
	Classical Endpoint `yaml:"classical" json:"classical"`

	// Engine runs local UCI engines when Stockfish has no address.
	Engine      remote.UCIConfig `yaml:"engine" json:"engine"`
	LocalEngine bool             `yaml:"local_engine" json:"local_engine"`

	// FanOut bounds concurrent remote calls across all services.
	FanOut int64 `yaml:"fan_out" json:"fan_out" validate:"gte=1,lte=256"`

	// HealthTimeout bounds each startup health check.
	HealthTimeout time.Duration `yaml:"health_timeout" json:"health_timeout" validate:"gte=0"`
}

// BookConfig locates the opening book.
type BookConfig struct {
	// Path is the BadgerDB directory. Empty disables the book.
	Path string `yaml:"path" json:"path"`

	// Seed is an optional text file ("ECO|Name|moves" per line) imported
	// into the book at startup.
	Seed string `yaml:"seed" json:"seed"`
}

// ViewerConfig configures the live event viewer.
type ViewerConfig struct {
	// Addr enables the viewer when set, e.g. ":8089".
	Addr string `yaml:"addr" json:"addr" validate:"omitempty,hostname_port"`

	// Buffer is the per-subscriber event buffer.
	Buffer int `yaml:"buffer" json:"buffer" validate:"gte=0,lte=65536"`
}

// Default returns the built-in configuration.
func Default() Config {
	guard := remote.DefaultGuardConfig()
	llmGuard := remote.DefaultGuardConfig()
	llmGuard.Timeout = 60 * time.Second

	return Config{
		Log:        LogConfig{Level: "info"},
		Budget:     session.DefaultBudgetConfig(),
		Classifier: classifier.DefaultConfig(),
		Explore:    explore.DefaultConfig(),
		Agent: AgentConfig{
			Orchestrator: agent.DefaultConfig(),
			Loop:         agent.DefaultLoopConfig(),
		},
		Narration: narration.DefaultConfig(),
		LLM:       LLMConfig{Guard: llmGuard},
		Services: ServicesConfig{
			Stockfish:     Endpoint{Guard: guard},
			Maia:          Endpoint{Guard: guard},
			Classical:     Endpoint{Guard: guard},
			Engine:        remote.DefaultUCIConfig(),
			FanOut:        8,
			HealthTimeout: 3 * time.Second,
		},
		Tracing: observability.DefaultTracingConfig(),
		Viewer:  ViewerConfig{Buffer: 256},
	}
}

// Load builds a Config from defaults, the file at path and the environment.
//
// Description:
//
//	A missing file is not an error; defaults and environment still apply.
//	The file is parsed as YAML first and as JSON if that fails.
//
// Inputs:
//
//	path - Config file path. May be empty.
//
// Outputs:
//
//	Config - The merged configuration.
//	error - Parse errors, or ErrInvalid wrapping the first validation failure.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse builds a Config from defaults and raw YAML or JSON, without
// consulting the environment.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decode(data, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return decode(data, cfg)
}

func decode(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

// applyEnv overrides cfg from CHESSBEAST_* variables. Malformed numbers
// are errors rather than silently ignored.
func applyEnv(cfg *Config, getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := getenv(EnvPrefix + key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	int64v := func(key string, dst *int64) {
		if v := getenv(EnvPrefix + key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := getenv(EnvPrefix + key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_DIR", &cfg.Log.Dir)
	boolean("LOG_JSON", &cfg.Log.JSON)

	int64v("MAX_NODES", &cfg.Budget.MaxNodes)
	int64v("MAX_TOKENS", &cfg.Budget.MaxTokens)
	duration("TIME_LIMIT", &cfg.Budget.TimeLimit)

	if v := getenv(EnvPrefix + "DENSITY"); v != "" {
		d, err := narration.ParseDensity(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sDENSITY: %w", EnvPrefix, err))
		} else {
			cfg.Narration.Density = d
		}
	}

	boolean("AGENTIC", &cfg.Agent.Enabled)
	boolean("LLM_ENABLED", &cfg.LLM.Enabled)
	str("LLM_MODEL", &cfg.LLM.Client.Model)
	str("LLM_BASE_URL", &cfg.LLM.Client.BaseURL)

	str("STOCKFISH_ADDR", &cfg.Services.Stockfish.Address)
	str("MAIA_ADDR", &cfg.Services.Maia.Address)
	str("CLASSICAL_ADDR", &cfg.Services.Classical.Address)
	str("ENGINE_PATH", &cfg.Services.Engine.Path)
	boolean("LOCAL_ENGINE", &cfg.Services.LocalEngine)

	str("BOOK_PATH", &cfg.Book.Path)
	str("VIEWER_ADDR", &cfg.Viewer.Addr)
	str("TRACE_EXPORTER", &cfg.Tracing.Exporter)

	return errors.Join(errs...)
}

var validate = validator.New()

// Validate checks struct tags, then rules that span fields.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s fails %q (value %v)", ErrInvalid, fieldPath(fe.Namespace()), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if err := c.Explore.Tiers.Validate(); err != nil {
		return fmt.Errorf("%w: explore.tiers: %v", ErrInvalid, err)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalid, err)
	}
	guards := map[string]remote.GuardConfig{
		"services.stockfish.guard": c.Services.Stockfish.Guard,
		"services.maia.guard":      c.Services.Maia.Guard,
		"services.classical.guard": c.Services.Classical.Guard,
		"llm.guard":                c.LLM.Guard,
	}
	for name, g := range guards {
		if err := g.Retry.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
		}
	}
	if c.Agent.Enabled && !c.LLM.Enabled {
		return fmt.Errorf("%w: agent.enabled requires llm.enabled", ErrInvalid)
	}
	if c.Services.Stockfish.Address != "" && c.Services.LocalEngine {
		return fmt.Errorf("%w: services.stockfish.address and services.local_engine are exclusive", ErrInvalid)
	}
	return nil
}

// GuardConfigs returns the call policy per remote service name.
func (c Config) GuardConfigs() map[string]remote.GuardConfig {
	return map[string]remote.GuardConfig{
		remote.ServiceStockfish:   c.Services.Stockfish.Guard,
		remote.ServiceMaia:        c.Services.Maia.Guard,
		remote.ServiceStockfish16: c.Services.Classical.Guard,
		remote.ServiceReference:   remote.DefaultGuardConfig(),
		remote.ServiceLLM:         c.LLM.Guard,
	}
}

// fieldPath turns "Config.Explore.Tiers.Full" into "explore.tiers.full".
func fieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	return strings.ToLower(strings.Join(parts, "."))
}

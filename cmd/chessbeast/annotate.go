// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/chessbeast/services/annotate/annotator"
	"github.com/AleutianAI/chessbeast/services/annotate/config"
	"github.com/AleutianAI/chessbeast/services/annotate/events"
	"github.com/AleutianAI/chessbeast/services/annotate/narration"
	"github.com/AleutianAI/chessbeast/services/annotate/observability"
	"github.com/AleutianAI/chessbeast/services/annotate/remote"
)

type annotateFlags struct {
	format    string
	density   string
	agentic   bool
	viewer    string
	maxNodes  int64
	timeLimit time.Duration
	watch     bool
}

func newAnnotateCmd(a *app) *cobra.Command {
	f := &annotateFlags{}
	cmd := &cobra.Command{
		Use:   "annotate [file.pgn|-]",
		Short: "Annotate every game of a PGN file",
		Long: `Annotate scores each game with the configured engine, explores the
critical moments, and prints the game with glyphs, side lines and comments.
Without an argument or with "-" the PGN is read from stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			return runAnnotate(cmd.Context(), a, f, cmd, path)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.format, "format", "f", formatText, "output format: text, pgn or json")
	fl.StringVar(&f.density, "density", "", "comment density: sparse, normal or dense")
	fl.BoolVar(&f.agentic, "agentic", false, "let the reasoning agent pick candidate moves (needs llm)")
	fl.StringVar(&f.viewer, "viewer", "", "serve the live viewer and /metrics on this address")
	fl.Int64Var(&f.maxNodes, "max-nodes", 0, "override budget.max_nodes")
	fl.DurationVar(&f.timeLimit, "time-limit", 0, "override budget.time_limit per game")
	fl.BoolVar(&f.watch, "watch", false, "reload the config file between games when it changes")
	return cmd
}

// apply overlays the command line on cfg and revalidates it.
func (f *annotateFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("density") {
		d, err := narration.ParseDensity(f.density)
		if err != nil {
			return fmt.Errorf("--density: %w", err)
		}
		cfg.Narration.Density = d
	}
	if cmd.Flags().Changed("agentic") {
		cfg.Agent.Enabled = f.agentic
		if f.agentic {
			cfg.LLM.Enabled = true
		}
	}
	if f.viewer != "" {
		cfg.Viewer.Addr = f.viewer
	}
	if f.maxNodes > 0 {
		cfg.Budget.MaxNodes = f.maxNodes
	}
	if f.timeLimit > 0 {
		cfg.Budget.TimeLimit = f.timeLimit
	}
	return cfg.Validate()
}

func runAnnotate(ctx context.Context, a *app, f *annotateFlags, cmd *cobra.Command, path string) error {
	if !validFormat(f.format) {
		return fmt.Errorf("--format: unknown format %q", f.format)
	}
	cfg := a.cfg
	if err := f.apply(cmd, &cfg); err != nil {
		return err
	}
	logger := a.logger()

	games, err := readInput(cmd.InOrStdin(), path)
	if err != nil {
		return err
	}
	if len(games) == 0 {
		return errors.New("no games found")
	}

	metrics := observability.NewMetrics()
	emitter := events.NewEmitter(logger)
	defer emitter.Close()

	if cfg.Viewer.Addr != "" {
		viewer := events.NewViewer(emitter, logger)
		viewer.SetBuffer(cfg.Viewer.Buffer)
		viewer.Handle("/metrics", metrics.Handler())
		vctx, stop := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := viewer.Serve(vctx, cfg.Viewer.Addr); err != nil {
				logger.Error("viewer stopped", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			stop()
			<-done
		}()
		a.out.Info("live viewer at http://" + cfg.Viewer.Addr)
	}

	var watcher *config.Watcher
	if f.watch {
		watcher, err = config.NewWatcher(a.configPath, nil, logger)
		if err != nil {
			return err
		}
		wctx, stop := context.WithCancel(ctx)
		defer stop()
		go func() {
			if err := watcher.Run(wctx); err != nil {
				logger.Warn("config watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	st, err := buildStack(ctx, cfg, metrics, logger)
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logger.Warn("closing services", slog.String("error", cerr.Error()))
		}
	}()
	if err != nil {
		return err
	}
	reportHealth(ctx, a, st, cfg, logger)

	for i, game := range games {
		gcfg := cfg
		if watcher != nil {
			gcfg = watcher.Current()
			if err := f.apply(cmd, &gcfg); err != nil {
				logger.Warn("reloaded config rejected by flags; keeping previous", slog.String("error", err.Error()))
				gcfg = cfg
			}
		}

		opts := []annotator.Option{
			annotator.WithLogger(a.log.With(slog.Int("game", i+1))),
			annotator.WithEmitter(emitter),
			annotator.WithMetrics(metrics),
		}
		if st.model != nil {
			opts = append(opts, annotator.WithPhraser(st.model), annotator.WithChooser(st.model))
		}
		res, err := annotator.New(st.services, annotatorConfig(gcfg), opts...).Annotate(ctx, game)
		if err != nil {
			if res == nil || ctx.Err() != nil {
				return fmt.Errorf("game %d: %w", i+1, err)
			}
			a.out.Error(fmt.Sprintf("game %d: %v", i+1, err))
		}
		if err := render(a.out, f.format, game, res); err != nil {
			return fmt.Errorf("write game %d: %w", i+1, err)
		}
	}
	return nil
}

func readInput(stdin io.Reader, path string) ([]annotator.Game, error) {
	if path == "-" {
		return readGames(stdin)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()
	return readGames(file)
}

// annotatorConfig maps the file configuration onto one run.
func annotatorConfig(c config.Config) annotator.Config {
	ac := annotator.DefaultConfig()
	ac.Budget = c.Budget
	ac.Classifier = c.Classifier
	ac.Explore = c.Explore
	ac.Narration = c.Narration
	ac.Agentic = c.Agent.Enabled
	ac.Agent = c.Agent.Orchestrator
	ac.Loop = c.Agent.Loop
	return ac
}

// reportHealth logs unhealthy services. Annotation continues; guards
// handle failures per call.
func reportHealth(ctx context.Context, a *app, st *stack, cfg config.Config, logger *slog.Logger) {
	if len(st.checkers) == 0 {
		return
	}
	reports := remote.CheckAll(ctx, st.checkers, cfg.Services.HealthTimeout)
	for _, h := range reports {
		if !h.Healthy {
			logger.Warn("service unhealthy", slog.String("service", h.Service), slog.String("error", h.Error))
			a.out.Warning(fmt.Sprintf("%s is unavailable: %s", h.Service, h.Error))
		}
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/chessbeast/pkg/logging"
	"github.com/AleutianAI/chessbeast/pkg/ux"
	"github.com/AleutianAI/chessbeast/services/annotate/config"
	"github.com/AleutianAI/chessbeast/services/annotate/observability"
)

// app carries state shared by all commands of one invocation.
type app struct {
	configPath string
	logLevel   string

	cfg      config.Config
	log      *logging.Logger
	out      *ux.Printer
	shutdown func(context.Context) error
}

func (a *app) logger() *slog.Logger { return a.log.Slog() }

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "chessbeast",
		Short:         "Annotate chess games with engine analysis and commentary",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.teardown(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "chessbeast.yaml", "config file (YAML or JSON); a missing file means defaults")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		newAnnotateCmd(a),
		newHealthCmd(a),
		newBookCmd(a),
		newConfigCmd(a),
	)
	return root
}

// setup loads configuration, then builds logging and tracing from it.
func (a *app) setup(ctx context.Context, stdout, stderr io.Writer) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	a.cfg = cfg
	a.out = ux.NewPrinter(stdout)
	a.log = logging.New(logging.Config{
		Level:   level,
		Output:  stderr,
		LogDir:  cfg.Log.Dir,
		Service: "chessbeast",
		JSON:    cfg.Log.JSON,
	})
	slog.SetDefault(a.logger())

	shutdown, err := observability.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	a.shutdown = shutdown
	return nil
}

func (a *app) teardown(ctx context.Context) error {
	if a.shutdown != nil {
		if err := a.shutdown(context.WithoutCancel(ctx)); err != nil {
			a.logger().Warn("trace flush failed", slog.String("error", err.Error()))
		}
	}
	if a.log != nil {
		return a.log.Close()
	}
	return nil
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(a.cfg); err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			return enc.Close()
		},
	}
}

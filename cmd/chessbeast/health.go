// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/chessbeast/services/annotate/remote"
)

func newHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the configured services answer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := buildStack(ctx, a.cfg, nil, a.logger())
			defer func() {
				if cerr := st.Close(); cerr != nil {
					a.logger().Warn("closing services", slog.String("error", cerr.Error()))
				}
			}()
			if err != nil {
				return err
			}
			if len(st.checkers) == 0 {
				a.out.Warning("no services configured")
				return nil
			}

			reports := remote.CheckAll(ctx, st.checkers, a.cfg.Services.HealthTimeout)
			for _, h := range reports {
				switch {
				case h.Healthy && h.Version != "":
					a.out.Success(fmt.Sprintf("%s (%s)", h.Service, h.Version))
				case h.Healthy:
					a.out.Success(h.Service)
				default:
					a.out.Error(fmt.Sprintf("%s: %s", h.Service, h.Error))
				}
			}
			if !remote.Healthy(reports) {
				return errors.New("one or more services are unhealthy")
			}
			return nil
		},
	}
}

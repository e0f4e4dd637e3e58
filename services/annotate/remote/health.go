// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package remote

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// CheckAll queries every checker concurrently, each bounded by timeout.
// A failing checker yields an unhealthy report rather than an error.
//
// Outputs:
//
//	[]Health - One report per checker, sorted by service name.
func CheckAll(ctx context.Context, checkers map[string]HealthChecker, timeout time.Duration) []Health {
	names := make([]string, 0, len(checkers))
	for name := range checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Health, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			h, err := checkers[name].HealthCheck(cctx)
			h.Service = name
			if err != nil {
				h.Healthy = false
				h.Error = err.Error()
			}
			out[i] = h
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Healthy reports whether every report is healthy.
func Healthy(reports []Health) bool {
	for _, h := range reports {
		if !h.Healthy {
			return false
		}
	}
	return true
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package narration

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Density is the target amount of commentary.
type Density string

const (
	DensitySparse Density = "sparse"
	DensityNormal Density = "normal"
	DensityDense  Density = "dense"
)

// DensitySettings are the numbers behind a Density.
type DensitySettings struct {
	// MinSpacing is the minimum ply distance between two non-mandatory comments.
	MinSpacing int

	// Ratio is the target number of comments per ply.
	Ratio float64
}

// Settings returns the settings for d. Unknown values fall back to normal.
func (d Density) Settings() DensitySettings {
	switch d {
	case DensitySparse:
		return DensitySettings{MinSpacing: 8, Ratio: 0.08}
	case DensityDense:
		return DensitySettings{MinSpacing: 2, Ratio: 0.3}
	default:
		return DensitySettings{MinSpacing: 4, Ratio: 0.15}
	}
}

// ParseDensity parses a density name.
func ParseDensity(s string) (Density, error) {
	switch d := Density(strings.ToLower(strings.TrimSpace(s))); d {
	case DensitySparse, DensityNormal, DensityDense:
		return d, nil
	case "":
		return DensityNormal, nil
	}
	return "", fmt.Errorf("unknown density %q (want sparse, normal or dense)", s)
}

// IdealPositions spreads target comment slots evenly over plies 1..totalPlies.
func IdealPositions(totalPlies, target int) []int {
	if totalPlies <= 0 || target <= 0 {
		return nil
	}
	out := make([]int, 0, target)
	step := float64(totalPlies) / float64(target)
	for i := 0; i < target; i++ {
		p := int(math.Round((float64(i) + 0.5) * step))
		out = append(out, min(max(p, 1), totalPlies))
	}
	return out
}

// byScore orders intents best first with deterministic ties.
func byScore(a, b Intent) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Ply != b.Ply {
		return a.Ply < b.Ply
	}
	return a.ID < b.ID
}

func byPly(in []Intent) {
	sort.SliceStable(in, func(i, j int) bool {
		if in[i].Ply != in[j].Ply {
			return in[i].Ply < in[j].Ply
		}
		return profileOf(in[i].Kind).order < profileOf(in[j].Kind).order
	})
}

// CompressAdjacentIntents keeps the best non-mandatory intent of every
// cluster closer together than minSpacing plies.
//
// Description:
//
//	Mandatory intents are always kept and do not block others.
//	Non-mandatory intents are taken best first; one is kept only if no
//	kept non-mandatory intent lies within minSpacing plies of it. No two
//	non-mandatory survivors are ever closer than minSpacing.
//
// Outputs:
//
//	[]Intent - Survivors in game order.
func CompressAdjacentIntents(intents []Intent, minSpacing int) []Intent {
	var kept, optional []Intent
	for _, in := range intents {
		if in.Mandatory {
			kept = append(kept, in)
		} else {
			optional = append(optional, in)
		}
	}
	sort.SliceStable(optional, func(i, j int) bool { return byScore(optional[i], optional[j]) })

	var plies []int
	for _, in := range optional {
		free := true
		for _, p := range plies {
			if abs(p-in.Ply) < minSpacing {
				free = false
				break
			}
		}
		if free {
			kept = append(kept, in)
			plies = append(plies, in.Ply)
		}
	}
	byPly(kept)
	return kept
}

// FilterDensity thins intents to the density's spacing and comment target.
//
// Description:
//
//	After compression, the comment target is Ratio x totalPlies (at least
//	one). Mandatory intents count against the target but are never
//	dropped. The remaining slots go to the non-mandatory intents with the
//	best score, with a bonus for lying close to an ideal comment position.
func FilterDensity(intents []Intent, totalPlies int, d Density) []Intent {
	s := d.Settings()
	compressed := CompressAdjacentIntents(intents, s.MinSpacing)

	target := max(1, int(math.Round(s.Ratio*float64(totalPlies))))
	ideal := IdealPositions(totalPlies, target)

	var out, optional []Intent
	for _, in := range compressed {
		if in.Mandatory {
			out = append(out, in)
		} else {
			optional = append(optional, in)
		}
	}
	slots := target - len(out)
	if slots <= 0 {
		byPly(out)
		return out
	}

	rank := func(in Intent) float64 {
		nearest := math.MaxInt
		for _, p := range ideal {
			nearest = min(nearest, abs(p-in.Ply))
		}
		bonus := 0.0
		if s.MinSpacing > 0 && nearest < s.MinSpacing {
			bonus = 0.5 * (1 - float64(nearest)/float64(s.MinSpacing))
		}
		return in.Score + bonus
	}
	sort.SliceStable(optional, func(i, j int) bool {
		ri, rj := rank(optional[i]), rank(optional[j])
		if ri != rj {
			return ri > rj
		}
		return byScore(optional[i], optional[j])
	})
	if len(optional) > slots {
		optional = optional[:slots]
	}
	out = append(out, optional...)
	byPly(out)
	return out
}

// FilterRedundant drops intents whose ideas were already covered earlier.
//
// Description:
//
//	Intents are walked in game order. A non-mandatory intent whose every
//	idea key was covered by an earlier kept intent is dropped; one that is
//	partly covered keeps only its new keys. Intents with no idea keys are
//	never redundant. Mandatory intents are always kept and their keys
//	count as covered.
func FilterRedundant(intents []Intent) []Intent {
	sorted := make([]Intent, len(intents))
	copy(sorted, intents)
	byPly(sorted)

	covered := make(map[string]bool)
	out := make([]Intent, 0, len(sorted))
	for _, in := range sorted {
		if !in.Mandatory && len(in.Ideas) > 0 {
			fresh := make([]string, 0, len(in.Ideas))
			for _, k := range in.Ideas {
				if !covered[k] {
					fresh = append(fresh, k)
				}
			}
			if len(fresh) == 0 {
				continue
			}
			in.Ideas = fresh
		}
		for _, k := range in.Ideas {
			covered[k] = true
		}
		out = append(out, in)
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package explore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTierTable_IsMonotonic(t *testing.T) {
	table := DefaultTierTable()
	require.NoError(t, table.Validate())

	for i := 0; i+1 < len(Tiers); i++ {
		hi, lo := table.Settings(Tiers[i]), table.Settings(Tiers[i+1])
		assert.GreaterOrEqual(t, hi.EngineDepth, lo.EngineDepth)
		assert.GreaterOrEqual(t, hi.Lines, lo.Lines)
		assert.GreaterOrEqual(t, hi.Expand, lo.Expand)
	}
}

func TestTierTable_ValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TierTable)
		want   string
	}{
		{"shallow deeper than standard", func(tt *TierTable) { tt.Shallow.EngineDepth = 30 }, "engine_depth"},
		{"minimal with more lines", func(tt *TierTable) { tt.Minimal.Lines = 5 }, "lines"},
		{"minimal expands more", func(tt *TierTable) { tt.Minimal.Expand = 4 }, "expand"},
		{"cheap tier asks for more signals", func(tt *TierTable) { tt.Shallow.Reference = true }, "signals"},
		{"bands out of order", func(tt *TierTable) { tt.ShallowFrom = 9 }, "bands"},
		{"zero standard band", func(tt *TierTable) { tt.StandardFrom = 0 }, "bands"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			table := DefaultTierTable()
			tc.mutate(&table)
			err := table.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestTierTable_Select(t *testing.T) {
	table := DefaultTierTable()
	tests := []struct {
		name string
		in   TierInput
		want Tier
	}{
		{"point of interest", TierInput{Distance: 0}, TierFull},
		{"one ply away", TierInput{Distance: 1}, TierStandard},
		{"three plies away", TierInput{Distance: 3}, TierShallow},
		{"far away", TierInput{Distance: 12}, TierMinimal},
		{"skip", TierInput{Distance: 0, Recommendation: RecommendSkip}, TierMinimal},
		{"root ignores skip", TierInput{IsRoot: true, Recommendation: RecommendSkip}, TierFull},
		{"root ignores distance", TierInput{IsRoot: true, Distance: 9}, TierFull},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, table.Select(tc.in))
		})
	}
}

func TestParseTier(t *testing.T) {
	for _, tier := range Tiers {
		got, err := ParseTier(tier.String())
		require.NoError(t, err)
		assert.Equal(t, tier, got)
	}
	got, err := ParseTier("Standard")
	require.NoError(t, err)
	assert.Equal(t, TierStandard, got)

	_, err = ParseTier("deep")
	assert.Error(t, err)
}

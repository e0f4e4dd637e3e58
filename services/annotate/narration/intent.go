// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package narration turns exploration findings into move comments.
//
// The pipeline runs in four steps: findings become scored intents,
// intents are thinned by density and then by redundancy, and the
// survivors are phrased one edge at a time and validated before they
// are attached to the tree.
package narration

import (
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/chessbeast/services/annotate/explore"
)

// kindProfile is the fixed narration weighting of a finding kind.
type kindProfile struct {
	instructional float64
	maxWords      int
	mandatory     bool
	order         int
}

var profiles = map[explore.FindingKind]kindProfile{
	explore.FindingMissedMate: {instructional: 3.0, maxWords: 28, mandatory: true, order: 0},
	explore.FindingBlunder:    {instructional: 2.8, maxWords: 30, mandatory: true, order: 1},
	explore.FindingBestMissed: {instructional: 2.0, maxWords: 26, order: 2},
	explore.FindingHumanTrap:  {instructional: 1.8, maxWords: 26, order: 3},
	explore.FindingOnlyMove:   {instructional: 1.6, maxWords: 18, order: 4},
	explore.FindingTactic:     {instructional: 1.5, maxWords: 22, order: 5},
	explore.FindingStrategic:  {instructional: 1.2, maxWords: 24, order: 6},
	explore.FindingOpening:    {instructional: 0.8, maxWords: 14, order: 7},
	explore.FindingIncomplete: {instructional: 0.3, maxWords: 12, order: 8},
}

func profileOf(k explore.FindingKind) kindProfile {
	if p, ok := profiles[k]; ok {
		return p
	}
	return kindProfile{instructional: 1, maxWords: 20, order: len(profiles)}
}

// IsMandatory reports whether intents of kind k bypass density filtering.
func IsMandatory(k explore.FindingKind) bool { return profileOf(k).mandatory }

// Intent is one thing worth saying about a move.
type Intent struct {
	ID   string              `json:"id"`
	Kind explore.FindingKind `json:"kind"`

	Ply    int    `json:"ply"`
	EdgeID string `json:"edge_id,omitempty"`
	Move   string `json:"move,omitempty"`
	Better string `json:"better,omitempty"`

	Mandatory bool `json:"mandatory"`

	// Score breakdown. Score = Instructional + Novelty - Redundancy.
	Instructional float64 `json:"instructional"`
	Novelty       float64 `json:"novelty"`
	Redundancy    float64 `json:"redundancy"`
	Score         float64 `json:"score"`

	// MaxWords is the length budget for phrasing this intent.
	MaxWords int `json:"max_words"`

	Ideas []string          `json:"ideas,omitempty"`
	Facts map[string]string `json:"facts,omitempty"`
}

// IdeaLedger counts how often each idea key was expressed in a game.
//
// Thread Safety: safe for concurrent use.
type IdeaLedger struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewIdeaLedger creates an empty ledger.
func NewIdeaLedger() *IdeaLedger {
	return &IdeaLedger{counts: make(map[string]int)}
}

// Record notes that ideas were expressed once more.
func (l *IdeaLedger) Record(ideas ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range ideas {
		l.counts[k]++
	}
}

// Count returns how often idea was expressed.
func (l *IdeaLedger) Count(idea string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[idea]
}

// snapshot copies the counts for a working tally.
func (l *IdeaLedger) snapshot() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.counts))
	for k, v := range l.counts {
		out[k] = v
	}
	return out
}

// novelty is weight times the mean of decay^count over ideas. An intent
// without idea keys gets half weight.
func novelty(counts map[string]int, ideas []string, decay, weight float64) float64 {
	if len(ideas) == 0 {
		return weight / 2
	}
	sum := 0.0
	for _, k := range ideas {
		v := 1.0
		for i := 0; i < counts[k]; i++ {
			v *= decay
		}
		sum += v
	}
	return weight * sum / float64(len(ideas))
}

// overlap is the Jaccard similarity of two idea sets.
func overlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, k := range a {
		set[k] = true
	}
	inter := 0
	union := len(set)
	seen := make(map[string]bool, len(b))
	for _, k := range b {
		if seen[k] {
			continue
		}
		seen[k] = true
		if set[k] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

// GenerateIntents scores findings in game order.
//
// Description:
//
//	Findings are sorted by ply and then by kind priority, so the output
//	does not depend on the order exploration produced them. Instructional
//	value is the kind's base weight scaled by the finding's confidence.
//	Novelty decays with every earlier expression of the same idea: those
//	in the ledger and those raised by earlier intents of this call.
//	Redundancy is the largest idea overlap with any of the last
//	Window intents, scaled by RedundancyWeight.
//
// Inputs:
//
//	findings - Exploration output for one line or game.
//	ledger - Ideas already expressed in this game. Not modified.
//	config - Weights and window size.
//
// Outputs:
//
//	[]Intent - One per finding, in game order.
func GenerateIntents(findings []explore.Finding, ledger *IdeaLedger, config Config) []Intent {
	sorted := make([]explore.Finding, len(findings))
	copy(sorted, findings)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Ply != sorted[j].Ply {
			return sorted[i].Ply < sorted[j].Ply
		}
		return profileOf(sorted[i].Kind).order < profileOf(sorted[j].Kind).order
	})
	if ledger == nil {
		ledger = NewIdeaLedger()
	}
	raised := ledger.snapshot()

	intents := make([]Intent, 0, len(sorted))
	for i, f := range sorted {
		p := profileOf(f.Kind)
		in := Intent{
			ID:        fmt.Sprintf("%d:%s:%d", f.Ply, f.Kind, i),
			Kind:      f.Kind,
			Ply:       f.Ply,
			EdgeID:    f.EdgeID,
			Move:      f.Move,
			Better:    f.Better,
			Mandatory: p.mandatory,
			MaxWords:  p.maxWords,
			Ideas:     append([]string(nil), f.Ideas...),
			Facts:     f.Facts,
		}
		in.Instructional = p.instructional * (0.5 + 0.5*clamp01(f.Confidence))
		in.Novelty = novelty(raised, in.Ideas, config.NoveltyDecay, config.NoveltyWeight)
		for _, k := range in.Ideas {
			raised[k]++
		}

		start := max(0, len(intents)-config.Window)
		for _, prev := range intents[start:] {
			in.Redundancy = max(in.Redundancy, overlap(in.Ideas, prev.Ideas)*config.RedundancyWeight)
		}
		in.Score = in.Instructional + in.Novelty - in.Redundancy
		intents = append(intents, in)
	}
	return intents
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

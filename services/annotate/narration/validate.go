// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package narration

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/chessbeast/services/annotate/tree"
)

// ErrValidationFailed matches every *ValidationFailedError.
var ErrValidationFailed = errors.New("phrasing failed validation")

// Rule names a hard rule of comment text.
type Rule string

const (
	RuleEmpty    Rule = "empty"
	RuleNumbers  Rule = "evaluation-numbers"
	RuleMoveEcho Rule = "move-echo"
	RuleGlyph    Rule = "glyph-restated"
	RuleLength   Rule = "too-long"
)

// ValidationFailedError reports phrased text that broke a hard rule.
type ValidationFailedError struct {
	Rule     Rule
	Detail   string
	Text     string
	Attempts int
}

func (e *ValidationFailedError) Error() string {
	msg := fmt.Sprintf("phrasing rejected (%s)", e.Rule)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	return msg
}

func (e *ValidationFailedError) Is(target error) bool { return target == ErrValidationFailed }

// Constraints are what one edge's comment is checked against.
type Constraints struct {
	// SAN and UCI are the annotated move, which the text must not repeat.
	SAN string
	UCI string

	// Glyphs already on the edge; the text must not restate them.
	Glyphs []tree.NAG

	MaxWords int
	MaxChars int
}

var (
	evalNumber = regexp.MustCompile(`(?i)[+-]\d|\d+\.\d+|\b\d{2,}\b|\bcentipawns?\b|\bcp\b|\bmate in \d`)
	spaces     = regexp.MustCompile(`\s+`)
)

// Validate checks text against the hard rules.
//
// Outputs:
//
//	error - *ValidationFailedError naming the first rule broken, or nil.
func Validate(text string, c Constraints) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return &ValidationFailedError{Rule: RuleEmpty, Attempts: 1}
	}
	if m := evalNumber.FindString(text); m != "" {
		return &ValidationFailedError{Rule: RuleNumbers, Detail: fmt.Sprintf("contains %q", m), Text: text, Attempts: 1}
	}
	for _, move := range []string{c.SAN, strings.TrimRight(c.SAN, "+#"), c.UCI} {
		if move != "" && containsToken(text, move) {
			return &ValidationFailedError{Rule: RuleMoveEcho, Detail: fmt.Sprintf("repeats %s", move), Text: text, Attempts: 1}
		}
	}
	for _, g := range c.Glyphs {
		if restatesGlyph(text, g) {
			return &ValidationFailedError{Rule: RuleGlyph, Detail: fmt.Sprintf("restates %s", g.Symbol()), Text: text, Attempts: 1}
		}
	}
	if c.MaxWords > 0 {
		// Half again the budget is tolerated.
		if n := len(strings.Fields(text)); n > c.MaxWords+c.MaxWords/2 {
			return &ValidationFailedError{Rule: RuleLength, Detail: fmt.Sprintf("%d words, budget %d", n, c.MaxWords), Text: text, Attempts: 1}
		}
	}
	if c.MaxChars > 0 && len(text) > c.MaxChars {
		return &ValidationFailedError{Rule: RuleLength, Detail: fmt.Sprintf("%d characters, limit %d", len(text), c.MaxChars), Text: text, Attempts: 1}
	}
	return nil
}

// containsToken reports whether tok appears in text not glued to other
// letters or digits.
func containsToken(text, tok string) bool {
	re := regexp.MustCompile(`(^|[^A-Za-z0-9])` + regexp.QuoteMeta(tok) + `($|[^A-Za-z0-9])`)
	return re.MatchString(text)
}

func restatesGlyph(text string, g tree.NAG) bool {
	sym := g.Symbol()
	if len([]rune(sym)) > 1 && strings.Contains(text, sym) {
		return true
	}
	if len([]rune(sym)) == 1 {
		// A lone ! or ? standing as its own token, not sentence punctuation.
		re := regexp.MustCompile(`(^|\s)` + regexp.QuoteMeta(sym) + `(\s|$)`)
		if re.MatchString(text) {
			return true
		}
	}
	if g.IsMoveQuality() {
		if name := g.Name(); name != "" && strings.Contains(strings.ToLower(text), name) {
			return true
		}
	}
	return false
}

// normalize collapses whitespace in model output.
func normalize(text string) string {
	return strings.TrimSpace(spaces.ReplaceAllString(text, " "))
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPrinter_BufferIsMachine(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)
	assert.Equal(t, LevelMachine, p.Level())
	assert.False(t, p.Rich())
}

func TestPrinter_MachineOutput(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinterLevel(&buf, LevelMachine)

	p.Title("ignored")
	p.Success("annotated")
	p.Warning("engine slow")
	p.Error("engine down")
	p.Info("3 comments")
	p.Box("Game", "1. e4 e5")

	assert.Equal(t, "OK: annotated\nWARN: engine slow\nERROR: engine down\n3 comments\nGame: 1. e4 e5\n", buf.String())
	assert.Equal(t, "??", p.Glyph("??"))
	assert.Equal(t, "text", p.Comment("text"))
}

func TestPrinter_RichOutputKeepsText(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinterLevel(&buf, LevelRich)

	p.Success("annotated")
	p.Box("Game", "1. e4 e5")

	assert.Contains(t, buf.String(), "annotated")
	assert.Contains(t, buf.String(), "1. e4 e5")
	assert.Contains(t, p.Glyph("??"), "??")
	assert.Contains(t, p.Glyph("!"), "!")
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the chessbeast CLI.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text

	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorGood    = lipgloss.Color("#58D68D")
)

// Styles holds the shared lipgloss styles.
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Comment lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorTealBright),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Comment: lipgloss.NewStyle().Italic(true).Foreground(ColorTealPrimary),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// Level controls how rich the output is.
type Level string

const (
	// LevelRich uses colors, icons and boxes.
	LevelRich Level = "rich"

	// LevelMachine outputs plain text suitable for scripting and parsing.
	LevelMachine Level = "machine"
)

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return Styles.Muted.Render(string(i))
	}
}

// Printer writes styled output to one destination.
//
// Thread Safety: not safe for concurrent use.
type Printer struct {
	w     io.Writer
	level Level
}

// NewPrinter picks rich output when w is a terminal, else machine output.
func NewPrinter(w io.Writer) *Printer {
	level := LevelMachine
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		level = LevelRich
	}
	return &Printer{w: w, level: level}
}

// NewPrinterLevel forces a level.
func NewPrinterLevel(w io.Writer, level Level) *Printer {
	return &Printer{w: w, level: level}
}

// Level returns the output level.
func (p *Printer) Level() Level { return p.level }

// Rich reports whether styling is applied.
func (p *Printer) Rich() bool { return p.level == LevelRich }

// Writer returns the destination.
func (p *Printer) Writer() io.Writer { return p.w }

// Title prints a styled title. Machine output omits it.
func (p *Printer) Title(text string) {
	if !p.Rich() {
		return
	}
	fmt.Fprintln(p.w, Styles.Title.Render(text))
}

// Success prints a success message with checkmark
func (p *Printer) Success(text string) {
	if !p.Rich() {
		fmt.Fprintf(p.w, "OK: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
}

// Warning prints a warning message
func (p *Printer) Warning(text string) {
	if !p.Rich() {
		fmt.Fprintf(p.w, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
}

// Error prints an error message
func (p *Printer) Error(text string) {
	if !p.Rich() {
		fmt.Fprintf(p.w, "ERROR: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
}

// Info prints an informational message
func (p *Printer) Info(text string) {
	if !p.Rich() {
		fmt.Fprintln(p.w, text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", Styles.Muted.Render("│"), text)
}

// Box prints text in a rounded box
func (p *Printer) Box(title, content string) {
	if !p.Rich() {
		fmt.Fprintf(p.w, "%s: %s\n", title, content)
		return
	}
	titleLine := Styles.Title.Render(title)
	fmt.Fprintln(p.w, Styles.Box.Width(72).Render(titleLine+"\n"+content))
}

// Glyph styles a move-quality symbol: red for errors, green for praise.
func (p *Printer) Glyph(symbol string) string {
	if !p.Rich() {
		return symbol
	}
	switch {
	case strings.Contains(symbol, "?"):
		if symbol == "!?" {
			return Styles.Warning.Render(symbol)
		}
		return Styles.Error.Render(symbol)
	case strings.Contains(symbol, "!"):
		return lipgloss.NewStyle().Foreground(ColorGood).Bold(true).Render(symbol)
	default:
		return Styles.Muted.Render(symbol)
	}
}

// Comment styles annotation text.
func (p *Printer) Comment(text string) string {
	if !p.Rich() {
		return text
	}
	return Styles.Comment.Render(text)
}

// Muted styles secondary text.
func (p *Printer) Muted(text string) string {
	if !p.Rich() {
		return text
	}
	return Styles.Muted.Render(text)
}

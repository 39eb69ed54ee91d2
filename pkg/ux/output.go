// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the palooza CLI.
package ux

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Palette
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles holds the pre-configured lipgloss styles.
var Styles = struct {
	Title   lipgloss.Style
	Key     lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Key:     lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconBullet  Icon = "•"
)

// Field is one key/value line of Printer.Fields.
type Field struct {
	Key   string
	Value string
}

// F builds a Field, formatting value with %v.
func F(key string, value any) Field {
	return Field{Key: key, Value: fmt.Sprint(value)}
}

// Printer writes CLI output in one Mode. Errors and warnings go to errOut.
type Printer struct {
	out    io.Writer
	errOut io.Writer
	mode   Mode
}

// NewPrinter creates a Printer. A nil errOut writes everything to out.
func NewPrinter(out, errOut io.Writer, mode Mode) *Printer {
	if errOut == nil {
		errOut = out
	}
	return &Printer{out: out, errOut: errOut, mode: mode}
}

// Mode returns the printer's mode.
func (p *Printer) Mode() Mode { return p.mode }

func (p *Printer) status(w io.Writer, icon Icon, prefix string, style lipgloss.Style, text string) {
	switch p.mode {
	case ModeMachine:
		fmt.Fprintf(w, "%s: %s\n", prefix, text)
	case ModePlain:
		fmt.Fprintf(w, "%s %s\n", icon, text)
	default:
		fmt.Fprintf(w, "%s %s\n", style.Render(string(icon)), style.Render(text))
	}
}

// Title prints a heading. Machine mode omits it.
func (p *Printer) Title(text string) {
	switch p.mode {
	case ModeMachine:
		return
	case ModePlain:
		fmt.Fprintln(p.out, text)
	default:
		fmt.Fprintln(p.out, Styles.Title.Render(text))
	}
}

// Success prints a success line.
func (p *Printer) Success(text string) {
	p.status(p.out, IconSuccess, "OK", Styles.Success, text)
}

// Warning prints a warning line to errOut.
func (p *Printer) Warning(text string) {
	p.status(p.errOut, IconWarning, "WARN", Styles.Warning, text)
}

// Error prints an error line to errOut.
func (p *Printer) Error(text string) {
	p.status(p.errOut, IconError, "ERROR", Styles.Error, text)
}

// Info prints an informational line.
func (p *Printer) Info(text string) {
	switch p.mode {
	case ModeMachine:
		fmt.Fprintln(p.out, text)
	case ModePlain:
		fmt.Fprintf(p.out, "%s %s\n", IconBullet, text)
	default:
		fmt.Fprintf(p.out, "%s %s\n", Styles.Muted.Render("│"), text)
	}
}

// Fields prints aligned key/value lines, boxed under title in rich mode.
// Machine mode prints key=value.
func (p *Printer) Fields(title string, fields []Field) {
	if p.mode == ModeMachine {
		for _, f := range fields {
			fmt.Fprintf(p.out, "%s=%s\n", f.Key, f.Value)
		}
		return
	}

	width := 0
	for _, f := range fields {
		if len(f.Key) > width {
			width = len(f.Key)
		}
	}
	lines := make([]string, 0, len(fields))
	for _, f := range fields {
		key := f.Key + strings.Repeat(" ", width-len(f.Key))
		if p.mode == ModeRich {
			key = Styles.Key.Render(key)
		}
		lines = append(lines, key+"  "+f.Value)
	}
	body := strings.Join(lines, "\n")

	if p.mode == ModePlain {
		if title != "" {
			fmt.Fprintln(p.out, title)
		}
		fmt.Fprintln(p.out, body)
		return
	}
	if title != "" {
		body = Styles.Title.Render(title) + "\n" + body
	}
	fmt.Fprintln(p.out, Styles.Box.Render(body))
}

// JSON pretty-prints v.
func (p *Printer) JSON(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

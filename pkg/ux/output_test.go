// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPrinter(mode Mode) (*Printer, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return NewPrinter(&out, &errOut, mode), &out, &errOut
}

// =============================================================================
// Mode Tests
// =============================================================================

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"rich", ModeRich},
		{"FULL", ModeRich},
		{"machine", ModeMachine},
		{" q ", ModeMachine},
		{"plain", ModePlain},
		{"", ModePlain},
		{"sparkly", ModePlain},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseMode(tt.in), tt.in)
	}
}

func TestDetectMode_EnvOverride(t *testing.T) {
	t.Setenv(EnvOutput, "plain")
	assert.Equal(t, ModePlain, DetectMode(os.Stdout))
}

func TestDetectMode_NonTerminal(t *testing.T) {
	t.Setenv(EnvOutput, "")
	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, ModeMachine, DetectMode(f))
	assert.Equal(t, ModeMachine, DetectMode(nil))
}

// =============================================================================
// Printer Tests
// =============================================================================

func TestPrinter_MachineMode(t *testing.T) {
	p, out, errOut := newTestPrinter(ModeMachine)

	p.Title("Darwin")
	p.Success("published")
	p.Info("plain line")
	p.Warning("slow")
	p.Error("boom")

	assert.Equal(t, "OK: published\nplain line\n", out.String())
	assert.Equal(t, "WARN: slow\nERROR: boom\n", errOut.String())
}

func TestPrinter_PlainMode(t *testing.T) {
	p, out, errOut := newTestPrinter(ModePlain)

	p.Title("Darwin")
	p.Success("published")
	p.Error("boom")

	assert.Equal(t, "Darwin\n✓ published\n", out.String())
	assert.Equal(t, "✗ boom\n", errOut.String())
}

func TestPrinter_RichModeKeepsText(t *testing.T) {
	p, out, _ := newTestPrinter(ModeRich)

	p.Title("Darwin")
	p.Success("published")
	p.Info("note")

	assert.Contains(t, out.String(), "Darwin")
	assert.Contains(t, out.String(), "published")
	assert.Contains(t, out.String(), "note")
}

func TestPrinter_NilErrOut(t *testing.T) {
	var out bytes.Buffer
	p := NewPrinter(&out, nil, ModeMachine)

	p.Error("boom")

	assert.Equal(t, "ERROR: boom\n", out.String())
}

func TestPrinter_Fields(t *testing.T) {
	fields := []Field{F("component", "palooza"), F("running", true), F("pending", 3)}

	t.Run("machine", func(t *testing.T) {
		p, out, _ := newTestPrinter(ModeMachine)
		p.Fields("Status", fields)
		assert.Equal(t, "component=palooza\nrunning=true\npending=3\n", out.String())
	})

	t.Run("plain aligns keys", func(t *testing.T) {
		p, out, _ := newTestPrinter(ModePlain)
		p.Fields("Status", fields)
		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, 4)
		assert.Equal(t, "Status", lines[0])
		assert.Equal(t, "component  palooza", lines[1])
		assert.Equal(t, "running    true", lines[2])
	})

	t.Run("rich boxes", func(t *testing.T) {
		p, out, _ := newTestPrinter(ModeRich)
		p.Fields("Status", fields)
		assert.Contains(t, out.String(), "Status")
		assert.Contains(t, out.String(), "palooza")
		assert.Contains(t, out.String(), "╭")
	})
}

func TestPrinter_JSON(t *testing.T) {
	p, out, _ := newTestPrinter(ModeMachine)

	require.NoError(t, p.JSON(map[string]any{"topic": "scrape/request"}))

	assert.Equal(t, "{\n  \"topic\": \"scrape/request\"\n}\n", out.String())
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// EnvOutput overrides output mode detection.
const EnvOutput = "PALOOZA_OUTPUT"

// Mode controls how rich CLI output is.
type Mode string

const (
	// ModeRich uses colors, icons and boxes.
	ModeRich Mode = "rich"

	// ModePlain uses icons without colors or boxes.
	ModePlain Mode = "plain"

	// ModeMachine prints prefixed plain lines suitable for scripts.
	ModeMachine Mode = "machine"
)

// ParseMode converts a flag or environment value to a Mode. Unknown values
// select ModePlain.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rich", "full", "r":
		return ModeRich
	case "machine", "quiet", "q":
		return ModeMachine
	default:
		return ModePlain
	}
}

// DetectMode picks a mode for f: the PALOOZA_OUTPUT variable wins, then a
// terminal gets ModeRich and anything else ModeMachine.
func DetectMode(f *os.File) Mode {
	if v, ok := os.LookupEnv(EnvOutput); ok && v != "" {
		return ParseMode(v)
	}
	if f != nil && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return ModeRich
	}
	return ModeMachine
}

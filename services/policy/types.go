// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// Confidence grades how reliably a pattern identifies its class.
type Confidence string

const (
	Low    Confidence = "low"
	Medium Confidence = "medium"
	High   Confidence = "high"
)

// rank orders confidence levels for threshold comparison.
func (c Confidence) rank() int {
	switch c {
	case High:
		return 3
	case Medium:
		return 2
	case Low:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether c is at or above threshold.
func (c Confidence) AtLeast(threshold Confidence) bool {
	return c.rank() >= threshold.rank()
}

// ParseConfidence accepts low, medium or high.
func ParseConfidence(s string) (Confidence, error) {
	c := Confidence(s)
	if c.rank() == 0 {
		return "", fmt.Errorf("invalid confidence %q", s)
	}
	return c, nil
}

func (c *Confidence) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseConfidence(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

type patternFile struct {
	Classes []Class `yaml:"classifications"`
}

// Class groups the patterns of one data classification.
type Class struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Priority    int       `yaml:"priority"`
	Patterns    []Pattern `yaml:"patterns"`
}

// Pattern is one detection rule.
type Pattern struct {
	ID          string     `yaml:"id"`
	Description string     `yaml:"description"`
	Regex       string     `yaml:"regex"`
	Confidence  Confidence `yaml:"confidence"`
	re          *regexp.Regexp
}

func (f *patternFile) compile() error {
	for i := range f.Classes {
		for j := range f.Classes[i].Patterns {
			p := &f.Classes[i].Patterns[j]
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return fmt.Errorf("pattern %s: %w", p.ID, err)
			}
			p.re = re
		}
	}
	sort.SliceStable(f.Classes, func(i, j int) bool {
		return f.Classes[i].Priority > f.Classes[j].Priority
	})
	return nil
}

// Finding is one pattern match.
type Finding struct {
	Class      string     `json:"class"`
	PatternID  string     `json:"pattern_id"`
	Match      string     `json:"match"`
	Confidence Confidence `json:"confidence"`
}

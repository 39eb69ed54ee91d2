// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy classifies payload text against regex patterns for
// credentials and personal data. The bus uses it as an optional second
// compliance gate after the restricted term scan.
package policy

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Public is the class of data no pattern matched.
const Public = "public"

//go:embed patterns.yaml
var defaultPatterns []byte

// Classifier matches text against compiled classification patterns.
//
// # Thread Safety
//
// Immutable after construction and safe for concurrent use.
type Classifier struct {
	classes []Class
	min     Confidence
}

// NewClassifier builds a Classifier from the embedded pattern set.
//
// # Inputs
//
//   - threshold: Findings below this confidence are ignored. Empty means Low.
//
// # Outputs
//
//   - error: Only when the embedded patterns fail to parse.
func NewClassifier(threshold Confidence) (*Classifier, error) {
	return NewClassifierFromYAML(defaultPatterns, threshold)
}

// NewClassifierFromYAML builds a Classifier from a pattern document with a
// top-level classifications list.
func NewClassifierFromYAML(data []byte, threshold Confidence) (*Classifier, error) {
	var f patternFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse classification patterns: %w", err)
	}
	if err := f.compile(); err != nil {
		return nil, fmt.Errorf("failed to compile classification patterns: %w", err)
	}
	if threshold == "" {
		threshold = Low
	}
	return &Classifier{classes: f.Classes, min: threshold}, nil
}

// Classify returns the first finding in priority order, or false when the
// text is Public.
func (c *Classifier) Classify(text string) (Finding, bool) {
	for _, class := range c.classes {
		for _, p := range class.Patterns {
			if !p.Confidence.AtLeast(c.min) {
				continue
			}
			if m := p.re.FindString(text); m != "" {
				return Finding{Class: class.Name, PatternID: p.ID, Match: m, Confidence: p.Confidence}, true
			}
		}
	}
	return Finding{}, false
}

// Scan returns every finding, one per matching pattern, in priority order.
func (c *Classifier) Scan(text string) []Finding {
	var findings []Finding
	for _, class := range c.classes {
		for _, p := range class.Patterns {
			if !p.Confidence.AtLeast(c.min) {
				continue
			}
			for _, m := range p.re.FindAllString(text, -1) {
				findings = append(findings, Finding{Class: class.Name, PatternID: p.ID, Match: m, Confidence: p.Confidence})
			}
		}
	}
	return findings
}

// ClassName returns the class of the highest priority match, or Public.
func (c *Classifier) ClassName(text string) string {
	if f, ok := c.Classify(text); ok {
		return f.Class
	}
	return Public
}

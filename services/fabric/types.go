// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fabric

import (
	"fmt"
	"strings"
)

// =============================================================================
// Priority
// =============================================================================

// Priority is the QoS level of an envelope. Lower values are more urgent.
type Priority int

const (
	// PriorityCritical is for system alerts that need immediate action.
	PriorityCritical Priority = 1

	// PriorityHigh is for time-sensitive scraping tasks.
	PriorityHigh Priority = 2

	// PriorityNormal is the default for standard operations.
	PriorityNormal Priority = 3

	// PriorityLow is for background learning and DNA updates.
	PriorityLow Priority = 4

	// PriorityBatch is for bulk data operations.
	PriorityBatch Priority = 5
)

// String returns the upper-case priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	case PriorityBatch:
		return "BATCH"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the five defined levels.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBatch
}

// ParsePriority parses a priority name (case-insensitive).
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return PriorityCritical, nil
	case "HIGH":
		return PriorityHigh, nil
	case "NORMAL":
		return PriorityNormal, nil
	case "LOW":
		return PriorityLow, nil
	case "BATCH":
		return PriorityBatch, nil
	default:
		return 0, fmt.Errorf("%w: unknown priority %q", ErrInvalidEnvelope, s)
	}
}

// MarshalText renders the priority by name in JSON and YAML.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: priority %d", ErrInvalidEnvelope, int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText accepts a priority name.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// =============================================================================
// Focus Mode
// =============================================================================

// FocusMode declares how processors along the route refine an envelope.
type FocusMode string

const (
	FocusRelevance     FocusMode = "relevance"
	FocusExtraction    FocusMode = "extraction"
	FocusAnalysis      FocusMode = "analysis"
	FocusSummarization FocusMode = "summarize"
	FocusReasoning     FocusMode = "reasoning"
	FocusCreative      FocusMode = "creative"
	FocusVerification  FocusMode = "verify"
	FocusNavigation    FocusMode = "navigation"
)

// FocusModes lists every defined mode in declaration order.
var FocusModes = []FocusMode{
	FocusRelevance,
	FocusExtraction,
	FocusAnalysis,
	FocusSummarization,
	FocusReasoning,
	FocusCreative,
	FocusVerification,
	FocusNavigation,
}

// Valid reports whether m is a defined focus mode.
func (m FocusMode) Valid() bool {
	for _, known := range FocusModes {
		if m == known {
			return true
		}
	}
	return false
}

// ParseFocusMode parses a mode name. The empty string yields the default
// mode, FocusExtraction.
func ParseFocusMode(s string) (FocusMode, error) {
	if s == "" {
		return FocusExtraction, nil
	}
	m := FocusMode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("%w: unknown focus mode %q", ErrInvalidEnvelope, s)
	}
	return m, nil
}

// =============================================================================
// Focus Descriptor
// =============================================================================

// Default focus values.
const (
	DefaultRelevanceThreshold = 0.7
	DefaultMaxTokens          = 4096
)

// Focus tells downstream LLM processors what to concentrate on.
//
// List fields are never nil once the Focus has been built by NewFocus or
// normalized by an Envelope constructor.
type Focus struct {
	Mode               FocusMode `json:"mode"`
	TargetEntities     []string  `json:"target_entities"`
	RelevanceThreshold float64   `json:"relevance_threshold"`
	MaxTokens          int       `json:"max_tokens"`
	Keywords           []string  `json:"keywords"`
	NegativeKeywords   []string  `json:"negative_keywords"`
}

// NewFocus returns a Focus with defaults applied for the given mode.
func NewFocus(mode FocusMode) Focus {
	f := Focus{
		Mode:               mode,
		RelevanceThreshold: DefaultRelevanceThreshold,
		MaxTokens:          DefaultMaxTokens,
	}
	f.normalize()
	return f
}

func (f *Focus) normalize() {
	if f.Mode == "" {
		f.Mode = FocusExtraction
	}
	if f.TargetEntities == nil {
		f.TargetEntities = []string{}
	}
	if f.Keywords == nil {
		f.Keywords = []string{}
	}
	if f.NegativeKeywords == nil {
		f.NegativeKeywords = []string{}
	}
}

// =============================================================================
// Context Audit
// =============================================================================

// Refinement is one transform applied to an envelope during transit.
type Refinement struct {
	Transform  string `json:"transform"`
	SizeBefore int    `json:"size_before"`
	SizeAfter  int    `json:"size_after"`
}

// ContextAudit is the append-only trail of what refinement did to an
// envelope. It is embedded by value so it is never shared between envelopes.
type ContextAudit struct {
	OriginalSize     int          `json:"original_size"`
	CurrentSize      int          `json:"current_size"`
	CompressionRatio float64      `json:"compression_ratio"`
	RelevanceScore   float64      `json:"relevance_score"`
	FilteredElements []string     `json:"filtered_elements"`
	FocusMode        FocusMode    `json:"focus_mode"`
	Hops             int          `json:"hops"`
	Route            []string     `json:"route"`
	Refinements      []Refinement `json:"refinements"`
}

// NewContextAudit returns an empty audit for the given mode.
func NewContextAudit(mode FocusMode) ContextAudit {
	c := ContextAudit{FocusMode: mode}
	c.normalize()
	return c
}

func (c *ContextAudit) normalize() {
	if c.FocusMode == "" {
		c.FocusMode = FocusExtraction
	}
	if c.FilteredElements == nil {
		c.FilteredElements = []string{}
	}
	if c.Route == nil {
		c.Route = []string{}
	}
	if c.Refinements == nil {
		c.Refinements = []Refinement{}
	}
}

// AddHop increments the hop counter and records the processor.
func (c *ContextAudit) AddHop(processorID string) {
	c.Hops++
	c.Route = append(c.Route, processorID)
}

// RecordRefinement appends a transform entry.
func (c *ContextAudit) RecordRefinement(transform string, before, after int) {
	c.Refinements = append(c.Refinements, Refinement{
		Transform:  transform,
		SizeBefore: before,
		SizeAfter:  after,
	})
}

// RecordFiltered notes a payload element removed by refinement.
func (c *ContextAudit) RecordFiltered(name string) {
	c.FilteredElements = append(c.FilteredElements, name)
}

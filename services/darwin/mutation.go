// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package darwin is the fabric's three-tier adaptation engine.
//
// # Description
//
// Tier 1 (Optimizer) is a deterministic genetic search over numeric
// parameter maps. Tier 2 (StrategyEvolver) turns outcome samples into a
// collaborator prompt and parses the proposal it gets back. Tier 3
// (Enforcer) reviews every mutation against the constitution and signs the
// approved ones. The Orchestrator owns one of each plus a submission queue
// drained by a single background worker.
//
// # Thread Safety
//
// Every exported type is safe for concurrent use unless noted otherwise.
package darwin

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/palooza/services/fabric"
)

// =============================================================================
// Evolution Type
// =============================================================================

// EvolutionType tags what kind of change a mutation proposes.
type EvolutionType int

const (
	EvolutionDNAOptimization   EvolutionType = 1
	EvolutionContextRefinement EvolutionType = 2
	EvolutionProtocolSelection EvolutionType = 3
	EvolutionStrategy          EvolutionType = 4
	EvolutionAdapter           EvolutionType = 5
	EvolutionPrompt            EvolutionType = 6
)

// ErrUnknownEvolutionType is returned when parsing an unrecognized type.
var ErrUnknownEvolutionType = errors.New("unknown evolution type")

var evolutionTypeNames = map[EvolutionType]string{
	EvolutionDNAOptimization:   "dna_optimization",
	EvolutionContextRefinement: "context_refinement",
	EvolutionProtocolSelection: "protocol_selection",
	EvolutionStrategy:          "strategy",
	EvolutionAdapter:           "adapter",
	EvolutionPrompt:            "prompt",
}

// String returns the snake_case name of the type.
func (t EvolutionType) String() string {
	if name, ok := evolutionTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("evolution_type(%d)", int(t))
}

// Valid reports whether t is one of the six defined types.
func (t EvolutionType) Valid() bool {
	_, ok := evolutionTypeNames[t]
	return ok
}

// ParseEvolutionType accepts the snake_case name, case-insensitively.
func ParseEvolutionType(s string) (EvolutionType, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for t, name := range evolutionTypeNames {
		if name == want {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownEvolutionType, s)
}

// MarshalText renders the type by name.
func (t EvolutionType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEvolutionType, int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText parses a type name.
func (t *EvolutionType) UnmarshalText(text []byte) error {
	parsed, err := ParseEvolutionType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// =============================================================================
// Review Result
// =============================================================================

// ReviewResult is the outcome of a constitutional review.
type ReviewResult struct {
	Approved  bool      `json:"approved"`
	Issues    []string  `json:"issues"`
	Timestamp time.Time `json:"timestamp"`
	Signature string    `json:"darwin_signature,omitempty"`
}

// Score is derived from the issues: 1.0 minus 0.1 per missing required
// marker, 0.2 per forbidden marker and 0.15 per spirit violation, floored
// at 0.
func (r ReviewResult) Score() float64 {
	score := 1.0
	for _, issue := range r.Issues {
		switch {
		case strings.HasPrefix(issue, issueMissingRequired):
			score -= 0.1
		case strings.HasPrefix(issue, issueViolatesConstraint):
			score -= 0.2
		case strings.HasPrefix(issue, IssueSpirit):
			score -= 0.15
		}
	}
	return max(0, score)
}

// MarshalJSON includes the derived score.
func (r ReviewResult) MarshalJSON() ([]byte, error) {
	type plain ReviewResult
	return json.Marshal(struct {
		plain
		Score float64 `json:"approval_score"`
	}{plain(r), r.Score()})
}

// =============================================================================
// Mutation
// =============================================================================

// Mutation is a proposed change to system behavior.
//
// Parents holds lineage ids only; a mutation never owns its parents.
// After submission only Signature, Review, SuccessMetrics and Applied
// change.
type Mutation struct {
	ID             string         `json:"id"`
	Type           EvolutionType  `json:"evolution_type"`
	Component      string         `json:"component"`
	Payload        map[string]any `json:"-"`
	Parents        []string       `json:"parent_mutations"`
	Timestamp      time.Time      `json:"timestamp"`
	Signature      string         `json:"darwin_signature"`
	Review         *ReviewResult  `json:"constitution_review,omitempty"`
	SuccessMetrics map[string]any `json:"success_metrics"`
	Applied        bool           `json:"applied"`
}

// NewMutation builds an unsigned mutation with a fresh id and timestamp.
func NewMutation(t EvolutionType, component string, payload map[string]any, parents []string) *Mutation {
	if payload == nil {
		payload = map[string]any{}
	}
	lineage := make([]string, len(parents))
	copy(lineage, parents)
	return &Mutation{
		ID:             fabric.NewID(),
		Type:           t,
		Component:      component,
		Payload:        payload,
		Parents:        lineage,
		Timestamp:      fabric.Now(),
		SuccessMetrics: map[string]any{},
	}
}

// MutationRecord is the serializable view of a Mutation used by the archive
// and the HTTP API. Payload values that cannot be serialized, such as
// objective functions, are dropped.
type MutationRecord struct {
	ID             string         `json:"id" msgpack:"id"`
	Type           string         `json:"evolution_type" msgpack:"evolution_type"`
	Component      string         `json:"component" msgpack:"component"`
	Payload        map[string]any `json:"payload" msgpack:"payload"`
	Parents        []string       `json:"parent_mutations" msgpack:"parent_mutations"`
	Timestamp      float64        `json:"timestamp" msgpack:"timestamp"`
	Signature      string         `json:"darwin_signature" msgpack:"darwin_signature"`
	Approved       bool           `json:"approved" msgpack:"approved"`
	Issues         []string       `json:"issues" msgpack:"issues"`
	ApprovalScore  float64        `json:"approval_score" msgpack:"approval_score"`
	SuccessMetrics map[string]any `json:"success_metrics" msgpack:"success_metrics"`
	Applied        bool           `json:"applied" msgpack:"applied"`
}

// Record returns the serializable view of m.
func (m *Mutation) Record() MutationRecord {
	rec := MutationRecord{
		ID:             m.ID,
		Type:           m.Type.String(),
		Component:      m.Component,
		Payload:        serializable(m.Payload),
		Parents:        append([]string{}, m.Parents...),
		Timestamp:      fabric.UnixSeconds(m.Timestamp),
		Signature:      m.Signature,
		Issues:         []string{},
		SuccessMetrics: serializable(m.SuccessMetrics),
		Applied:        m.Applied,
	}
	if m.Review != nil {
		rec.Approved = m.Review.Approved
		rec.Issues = append(rec.Issues, m.Review.Issues...)
		rec.ApprovalScore = m.Review.Score()
	}
	return rec
}

// serializable copies a payload, dropping function values at any depth.
func serializable(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if clean, ok := cleanValue(v); ok {
			out[k] = clean
		}
	}
	return out
}

func cleanValue(v any) (any, bool) {
	switch t := v.(type) {
	case ObjectiveFunc, func(Candidate) float64, func(map[string]any) float64:
		return nil, false
	case map[string]any:
		return serializable(t), true
	case Candidate:
		return serializable(t), true
	case []Candidate:
		out := make([]any, 0, len(t))
		for _, c := range t {
			out = append(out, serializable(c))
		}
		return out, true
	case []any:
		out := make([]any, 0, len(t))
		for _, item := range t {
			if clean, ok := cleanValue(item); ok {
				out = append(out, clean)
			}
		}
		return out, true
	default:
		return v, true
	}
}

// =============================================================================
// Evolution Metrics
// =============================================================================

// EvolutionMetrics are per-tier running counters. Each tier updates its own
// copy under its own lock and hands out snapshots.
type EvolutionMetrics struct {
	MutationCount       int     `json:"mutation_count"`
	SuccessfulMutations int     `json:"successful_mutations"`
	FailedMutations     int     `json:"failed_mutations"`
	AvgImprovement      float64 `json:"avg_improvement"`
}

// recordSuccess counts a success and folds improvement into the running
// average.
func (m *EvolutionMetrics) recordSuccess(improvement float64) {
	m.MutationCount++
	m.SuccessfulMutations++
	n := float64(m.SuccessfulMutations)
	m.AvgImprovement += (improvement - m.AvgImprovement) / n
}

func (m *EvolutionMetrics) recordFailure() {
	m.MutationCount++
	m.FailedMutations++
}

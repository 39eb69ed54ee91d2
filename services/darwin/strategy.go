// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package darwin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/palooza/services/llm"
)

// Strategy statuses.
const (
	StatusEvolved          = "evolved"
	StatusInsufficientData = "insufficient_data"
)

// keyRawResponse wraps collaborator output that held no JSON object.
const keyRawResponse = "raw_response"

// StrategyConfig tunes Tier 2.
type StrategyConfig struct {
	// MinSamples is the minimum number of successes plus failures.
	MinSamples int `yaml:"min_samples" validate:"gte=1"`

	// MaxTokens bounds the collaborator's reply.
	MaxTokens int `yaml:"max_tokens" validate:"gte=1"`
}

// DefaultStrategyConfig returns the stock tuning.
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{MinSamples: 10, MaxTokens: 1024}
}

// PatternSummary describes one outcome class.
type PatternSummary struct {
	OutcomeCount  int            `json:"outcome_count"`
	AvgTokensUsed float64        `json:"avg_tokens_used"`
	CommonParams  map[string]any `json:"common_params"`
	SuccessRate   float64        `json:"success_rate"`
}

// StrategyResult is the outcome of EvolveStrategy.
type StrategyResult struct {
	Status         string         `json:"status"`
	TaskType       string         `json:"task_type,omitempty"`
	SampleCount    int            `json:"sample_count"`
	Timestamp      time.Time      `json:"timestamp"`
	Proposal       map[string]any `json:"proposal,omitempty"`
	Patched        bool           `json:"constitution_patched"`
	OriginalIssues []string       `json:"original_issues,omitempty"`
}

// StrategyEvolver is Tier 2: it asks the collaborator for strategy changes
// based on observed outcomes.
type StrategyEvolver struct {
	cfg    StrategyConfig
	collab llm.Completer
	logger *slog.Logger

	mu      sync.Mutex
	history []StrategyResult
	counter EvolutionMetrics
}

// NewStrategyEvolver creates a Tier-2 evolver. A nil collaborator makes
// every proposal an empty raw response.
func NewStrategyEvolver(cfg StrategyConfig, collab llm.Completer, logger *slog.Logger) *StrategyEvolver {
	def := DefaultStrategyConfig()
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StrategyEvolver{
		cfg:    cfg,
		collab: collab,
		logger: logger.With("tier", "darwin-2"),
	}
}

// EvolveStrategy proposes a new strategy for taskType.
//
// # Description
//
// Needs at least MinSamples outcomes in total, otherwise returns
// StatusInsufficientData and stores nothing. Summarizes both outcome
// classes, renders the evolution prompt with the constitutional lists and
// sends it to the collaborator. The first JSON object in the reply becomes
// the proposal; without one the raw reply is wrapped under "raw_response".
// A proposal the constitution rejects is patched and keeps its original
// issues. The result is appended to the history.
//
// # Inputs
//
//   - ctx: Bounds the collaborator call.
//   - taskType: Strategy being evolved, e.g. "extraction".
//   - successes: Outcome samples; "tokens_used" and "params" are read.
//   - failures: Same shape as successes.
//
// # Outputs
//
//   - StrategyResult: Never an error; degraded replies are wrapped.
func (s *StrategyEvolver) EvolveStrategy(ctx context.Context, taskType string, successes, failures []map[string]any) StrategyResult {
	total := len(successes) + len(failures)
	if total < s.cfg.MinSamples {
		s.logger.Debug("not enough samples to evolve strategy",
			"task_type", taskType,
			"samples", total,
			"min_samples", s.cfg.MinSamples,
		)
		return StrategyResult{
			Status:      StatusInsufficientData,
			TaskType:    taskType,
			SampleCount: total,
			Timestamp:   time.Now(),
		}
	}

	ctx, span := tracer.Start(ctx, "StrategyEvolver.EvolveStrategy")
	defer span.End()
	span.SetAttributes(attribute.String("task_type", taskType), attribute.Int("samples", total))

	successPatterns := AnalyzePatterns(successes, true)
	failurePatterns := AnalyzePatterns(failures, false)

	proposal := s.propose(ctx, taskType, successPatterns, failurePatterns)

	result := StrategyResult{
		Status:      StatusEvolved,
		TaskType:    taskType,
		SampleCount: total,
		Timestamp:   time.Now(),
		Proposal:    proposal,
	}

	review := Review(proposal)
	if !review.Approved {
		result.Proposal = Patch(proposal, review)
		result.Patched = true
		result.OriginalIssues = review.Issues
		s.logger.Info("strategy proposal patched",
			"task_type", taskType,
			"issues", review.Issues,
		)
	}

	s.mu.Lock()
	s.history = append(s.history, result)
	if result.Patched {
		s.counter.recordFailure()
	} else {
		improvement, _ := number(proposal["expected_improvement"])
		s.counter.recordSuccess(improvement)
	}
	s.mu.Unlock()

	return result
}

// GetEvolvedStrategy returns the most recent result for taskType.
func (s *StrategyEvolver) GetEvolvedStrategy(taskType string) (StrategyResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].TaskType == taskType {
			return s.history[i], true
		}
	}
	return StrategyResult{}, false
}

// HistoryCount returns the number of stored results.
func (s *StrategyEvolver) HistoryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// Metrics returns a snapshot of the tier counters.
func (s *StrategyEvolver) Metrics() EvolutionMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

func (s *StrategyEvolver) propose(ctx context.Context, taskType string, successes, failures PatternSummary) map[string]any {
	prompt, err := llm.RenderPrompt(llm.PromptEvolution, llm.EvolutionPrompt{
		TaskType:        taskType,
		SuccessCount:    successes.OutcomeCount,
		FailureCount:    failures.OutcomeCount,
		SuccessPatterns: describePatterns(successes),
		FailurePatterns: describePatterns(failures),
		MustHave:        RequiredMarkers,
		CannotHave:      ForbiddenMarkers,
	})
	if err != nil {
		s.logger.Error("render evolution prompt", "error", err)
		return map[string]any{keyRawResponse: ""}
	}

	var reply string
	if s.collab != nil {
		reply = s.collab.Complete(ctx, prompt, llm.GenerationParams{MaxTokens: llm.Int(s.cfg.MaxTokens)})
	}

	obj, ok := llm.ExtractJSONObject(reply)
	if !ok {
		s.logger.Warn("evolution reply held no JSON object", "task_type", taskType, "chars", len(reply))
		return map[string]any{keyRawResponse: reply}
	}
	return obj
}

// AnalyzePatterns summarizes one outcome class.
//
// Average cost is the mean of "tokens_used". A parameter is common when
// every sample's "params" map holds it with the same value.
func AnalyzePatterns(outcomes []map[string]any, success bool) PatternSummary {
	summary := PatternSummary{
		OutcomeCount: len(outcomes),
		CommonParams: map[string]any{},
	}
	if success {
		summary.SuccessRate = 1
	}
	if len(outcomes) == 0 {
		return summary
	}

	var tokens float64
	params := make([]map[string]any, 0, len(outcomes))
	for _, o := range outcomes {
		t, _ := number(o["tokens_used"])
		tokens += t
		p, _ := o["params"].(map[string]any)
		params = append(params, p)
	}
	summary.AvgTokensUsed = tokens / float64(len(outcomes))

	first := params[0]
	keys := make([]string, 0, len(first))
	for k := range first {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		want := first[k]
		unanimous := true
		for _, p := range params[1:] {
			got, ok := p[k]
			if !ok || !reflect.DeepEqual(got, want) {
				unanimous = false
				break
			}
		}
		if unanimous {
			summary.CommonParams[k] = want
		}
	}
	return summary
}

func describePatterns(p PatternSummary) string {
	params, err := json.Marshal(p.CommonParams)
	if err != nil {
		params = []byte("{}")
	}
	return fmt.Sprintf("- Avg tokens: %.0f\n- Common params: %s", p.AvgTokensUsed, params)
}

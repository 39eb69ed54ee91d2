// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package refine transforms envelope payloads hop by hop according to their
// focus mode.
//
// # Description
//
// Each call to Refiner.Refine is one hop. The focus mode selects a transform
// (relevance windows, entity extraction, summarization, structure analysis
// or none), after which every hop collapses whitespace, deduplicates link
// lists, prunes bulky debug fields and records the compression achieved.
//
// # Thread Safety
//
// A Refiner may be shared between goroutines; its statistics are guarded by
// a mutex. An Envelope must not be refined concurrently.
package refine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/palooza/services/fabric"
	"github.com/AleutianAI/palooza/services/llm"
	"github.com/AleutianAI/palooza/services/observability"
)

var tracer = otel.Tracer("palooza.refine")

// Payload keys the refiner reads and writes.
const (
	KeyContent   = "html"
	KeyFiltered  = "_filtered"
	KeyExtracted = "extracted"
	KeySummary   = "summary"
	KeyStructure = "structure"
)

// Refinement entry names.
const (
	TransformIrrelevant    = "irrelevant_content"
	TransformRelevance     = "relevance_filter"
	TransformExtraction    = "entity_extraction"
	TransformSummarization = "summarization"
	TransformAnalysis      = "analysis_focus"
	TransformDedup         = "deduplication"
)

const (
	windowRadius       = 500
	windowSeparator    = "\n---\n"
	maxUnmatchedLength = 10000
	summaryFallbackLen = 1000
	summaryFallbackTag = "... [summary]"
)

// dedupKeys are list fields deduplicated on every hop.
var dedupKeys = []string{"links", "emails", "urls"}

// prunedKeys are bulky auxiliary fields removed on every hop.
var prunedKeys = []string{"full_page_source", "raw_headers", "debug_info"}

var whitespaceRun = regexp.MustCompile(`\s+`)

// Stats is a snapshot of refiner activity.
type Stats struct {
	TotalMessages  int     `json:"total_messages"`
	AvgCompression float64 `json:"avg_compression_ratio"`
	AvgRelevance   float64 `json:"avg_relevance_score"`
	FilteredCount  int     `json:"filtered_count"`
}

// Refiner applies focus-mode transforms to envelopes in transit.
type Refiner struct {
	collab  llm.Completer
	logger  *slog.Logger
	metrics *observability.FabricMetrics

	mu    sync.Mutex
	stats Stats
}

// New creates a Refiner.
//
// # Inputs
//
//   - collab: Text-generation collaborator for extraction and
//     summarization. Nil makes those modes use their placeholders.
//   - logger: Nil selects slog.Default().
//   - metrics: May be nil.
func New(collab llm.Completer, logger *slog.Logger, metrics *observability.FabricMetrics) *Refiner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refiner{collab: collab, logger: logger, metrics: metrics}
}

// Refine performs one hop of refinement on env in place.
//
// # Description
//
// Increments the hop counter and records processorID on the route, then
// applies the transform selected by the focus mode. Regardless of mode it
// then collapses whitespace in top-level strings, deduplicates the links,
// emails and urls lists, removes bulky debug fields, and sets the current
// size and compression ratio measured over the encoded payload. Topic,
// routing, priority and focus are never touched.
//
// # Inputs
//
//   - ctx: Bounds collaborator calls.
//   - env: Envelope to refine. Must not be nil.
//   - processorID: Name of the stage performing this hop.
//
// # Outputs
//
//   - *fabric.Envelope: env, for chaining.
func (r *Refiner) Refine(ctx context.Context, env *fabric.Envelope, processorID string) *fabric.Envelope {
	ctx, span := tracer.Start(ctx, "Refiner.Refine")
	defer span.End()
	span.SetAttributes(
		attribute.String("envelope.id", env.ID),
		attribute.String("focus.mode", string(env.Focus.Mode)),
		attribute.String("processor", processorID),
	)

	if env.Payload == nil {
		env.Payload = map[string]any{}
	}
	before := fabric.PayloadSize(env.Payload)
	if env.Context.Hops == 0 && env.Context.OriginalSize == 0 {
		env.Context.OriginalSize = before
	}
	env.Context.AddHop(processorID)

	filtered := false
	switch env.Focus.Mode {
	case fabric.FocusRelevance:
		filtered = r.applyRelevance(env)
	case fabric.FocusExtraction:
		r.applyExtraction(ctx, env)
	case fabric.FocusSummarization:
		r.applySummarization(ctx, env)
	case fabric.FocusAnalysis:
		r.applyAnalysis(env)
	case fabric.FocusReasoning, fabric.FocusCreative, fabric.FocusVerification, fabric.FocusNavigation:
		// No mode-specific transform.
	default:
		r.logger.Warn("unknown focus mode, skipping mode transform",
			"id", env.ID,
			"mode", env.Focus.Mode,
		)
	}

	collapseWhitespace(env.Payload)
	dedupLists(env)
	pruneAuxiliary(env)

	after := fabric.PayloadSize(env.Payload)
	env.Context.CurrentSize = after
	if before > 0 {
		env.Context.CompressionRatio = 1 - float64(after)/float64(before)
	}

	r.recordStats(env, filtered)
	r.metrics.RecordRefinement(string(env.Focus.Mode), env.Context.CompressionRatio)
	span.SetAttributes(attribute.Float64("compression_ratio", env.Context.CompressionRatio))
	r.logger.Debug("envelope refined",
		"id", env.ID,
		"processor", processorID,
		"hops", env.Context.Hops,
		"size_before", before,
		"size_after", after,
	)
	return env
}

// Stage returns a bus handler that refines every delivered envelope in
// place as hop processorID. Handlers subscribed after it see the refined
// envelope.
func (r *Refiner) Stage(processorID string) func(context.Context, *fabric.Envelope) error {
	return func(ctx context.Context, env *fabric.Envelope) error {
		r.Refine(ctx, env, processorID)
		return nil
	}
}

// Stats returns a snapshot of the running statistics.
func (r *Refiner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Refiner) recordStats(env *fabric.Envelope, filtered bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.TotalMessages++
	n := float64(r.stats.TotalMessages)
	r.stats.AvgCompression += (env.Context.CompressionRatio - r.stats.AvgCompression) / n
	r.stats.AvgRelevance += (env.Context.RelevanceScore - r.stats.AvgRelevance) / n
	if filtered {
		r.stats.FilteredCount++
	}
}

// =============================================================================
// Mode Transforms
// =============================================================================

// applyRelevance reports whether the content was filtered out.
func (r *Refiner) applyRelevance(env *fabric.Envelope) bool {
	content, ok := env.Payload[KeyContent].(string)
	if !ok {
		return false
	}

	res := Score(content, env.Focus.Keywords, env.Focus.Mode, env.Focus.RelevanceThreshold)
	env.Context.RelevanceScore = res.Score

	if !res.Relevant {
		env.Context.RecordRefinement(TransformIrrelevant, len(content), 0)
		env.Context.RecordFiltered(KeyContent)
		env.Payload[KeyContent] = ""
		env.Payload[KeyFiltered] = true
		return true
	}

	windows := RelevantSections(content, res.Matches)
	env.Context.RecordRefinement(TransformRelevance, len(content), len(windows))
	env.Payload[KeyContent] = windows
	return false
}

func (r *Refiner) applyExtraction(ctx context.Context, env *fabric.Envelope) {
	content, _ := env.Payload[KeyContent].(string)
	entities := env.Focus.TargetEntities
	if content == "" || len(entities) == 0 {
		return
	}

	result := r.extractEntities(ctx, content, env.Focus)
	env.Context.RecordRefinement(TransformExtraction, len(content), fabric.PayloadSize(result))
	env.Payload[KeyExtracted] = result
	env.Payload[KeyContent] = ""
}

func (r *Refiner) extractEntities(ctx context.Context, content string, focus fabric.Focus) map[string]any {
	placeholder := map[string]any{
		"entities":          map[string]any{},
		"confidence_scores": map[string]any{},
		"context_snippets":  map[string]any{},
	}
	if r.collab == nil {
		return placeholder
	}

	prompt, err := llm.RenderPrompt(llm.PromptExtraction, llm.ExtractionPrompt{
		Entities:  focus.TargetEntities,
		Mode:      string(focus.Mode),
		Threshold: focus.RelevanceThreshold,
		Content:   content,
	})
	if err != nil {
		r.logger.Error("render extraction prompt", "error", err)
		return placeholder
	}

	text := r.collab.Complete(ctx, prompt, llm.GenerationParams{MaxTokens: llm.Int(focus.MaxTokens)})
	obj, ok := llm.ExtractJSONObject(text)
	if !ok {
		if text != "" {
			r.logger.Warn("extraction response had no JSON object", "chars", len(text))
		}
		return placeholder
	}
	return normalizeJSON(obj).(map[string]any)
}

func (r *Refiner) applySummarization(ctx context.Context, env *fabric.Envelope) {
	content, ok := env.Payload[KeyContent].(string)
	if !ok {
		return
	}

	summary := r.summarize(ctx, content, env.Focus)
	env.Context.RecordRefinement(TransformSummarization, len(content), len(summary))
	env.Payload[KeySummary] = summary
	delete(env.Payload, KeyContent)
}

func (r *Refiner) summarize(ctx context.Context, content string, focus fabric.Focus) string {
	if r.collab != nil && content != "" {
		prompt, err := llm.RenderPrompt(llm.PromptSummarization, llm.SummarizationPrompt{
			Keywords:  focus.Keywords,
			MaxTokens: focus.MaxTokens,
			Content:   content,
		})
		if err == nil {
			text := r.collab.Complete(ctx, prompt, llm.GenerationParams{MaxTokens: llm.Int(focus.MaxTokens)})
			if text = strings.TrimSpace(text); text != "" {
				return text
			}
		} else {
			r.logger.Error("render summarization prompt", "error", err)
		}
	}
	return truncate(content, summaryFallbackLen) + summaryFallbackTag
}

func (r *Refiner) applyAnalysis(env *fabric.Envelope) {
	content, ok := env.Payload[KeyContent].(string)
	if !ok {
		return
	}
	structure := ExtractStructure(content)
	env.Context.RecordRefinement(TransformAnalysis, len(content), fabric.PayloadSize(structure))
	env.Payload[KeyStructure] = structure
	delete(env.Payload, KeyContent)
}

// =============================================================================
// Every-Hop Transforms
// =============================================================================

// RelevantSections joins ±500-character windows around the first occurrence
// of each keyword. Without any match it returns the first 10,000 characters.
func RelevantSections(content string, keywords []string) string {
	lower := strings.ToLower(content)
	// ToLower maps rune by rune, so rune offsets in lower are offsets in text.
	text := []rune(content)
	var parts []string
	for _, kw := range keywords {
		needle := strings.ToLower(kw)
		idx := strings.Index(lower, needle)
		if idx < 0 || needle == "" {
			continue
		}
		at := utf8.RuneCountInString(lower[:idx])
		start := max(0, at-windowRadius)
		end := min(len(text), at+utf8.RuneCountInString(needle)+windowRadius)
		if start >= end {
			continue
		}
		parts = append(parts, string(text[start:end]))
	}
	if len(parts) == 0 {
		return truncate(content, maxUnmatchedLength)
	}
	return strings.Join(parts, windowSeparator)
}

func collapseWhitespace(payload map[string]any) {
	for key, v := range payload {
		if s, ok := v.(string); ok {
			payload[key] = strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
		}
	}
}

func dedupLists(env *fabric.Envelope) {
	for _, key := range dedupKeys {
		v, ok := env.Payload[key]
		if !ok {
			continue
		}
		var before, after int
		switch list := v.(type) {
		case []any:
			unique := uniqueValues(list)
			before, after = len(list), len(unique)
			if after < before {
				env.Payload[key] = unique
			}
		case []string:
			unique := uniqueStrings(list)
			before, after = len(list), len(unique)
			if after < before {
				env.Payload[key] = unique
			}
		default:
			continue
		}
		if after < before {
			env.Context.RecordRefinement(TransformDedup, before, after)
		}
	}
}

func uniqueValues(list []any) []any {
	seen := make(map[string]bool, len(list))
	out := make([]any, 0, len(list))
	for _, item := range list {
		k := dedupKey(item)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, item)
	}
	return out
}

// dedupKey is the canonical JSON text of v, so equal numbers, lists and maps
// collide regardless of Go type or key order.
func dedupKey(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%T:%v", v, v)
	}
	return string(data)
}

func uniqueStrings(list []string) []string {
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, item := range list {
		if seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}

func pruneAuxiliary(env *fabric.Envelope) {
	for _, key := range prunedKeys {
		if _, ok := env.Payload[key]; ok {
			delete(env.Payload, key)
			env.Context.RecordFiltered(key)
		}
	}
}

// =============================================================================
// Helpers
// =============================================================================

// truncate cuts s to at most n characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// normalizeJSON converts encoding/json numbers into the same shapes the wire
// codec produces so refined payloads compare equal after a round trip.
func normalizeJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, inner := range t {
			t[k] = normalizeJSON(inner)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = normalizeJSON(inner)
		}
		return t
	case float64:
		if t == float64(int64(t)) && t >= -1<<53 && t <= 1<<53 {
			return int64(t)
		}
		return t
	default:
		return v
	}
}

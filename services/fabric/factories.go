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
	"sort"
	"strings"
)

// Topic names follow area/action[/subtype].
const (
	TopicScrapeRequest   = "scrape/request"
	TopicScrapeStatus    = "scrape/status"
	TopicScrapeResponse  = "scrape/response"
	TopicLLMRequest      = "llm/request"
	TopicDarwinMutation  = "darwin/mutation"
	topicDNAUpdatePrefix = "dna/update/"
)

// DefaultLLMModel is the model requested by NewLLMRequest when none is given.
const DefaultLLMModel = "llama3.1:8b"

// llmRequestMaxTokens is the token budget of LLM request envelopes.
const llmRequestMaxTokens = 8192

// DNAUpdateTopic returns the topic for a DNA update of the given type.
func DNAUpdateTopic(dnaType string) string {
	return topicDNAUpdatePrefix + dnaType
}

// TopicArea returns the first path segment of a topic, e.g. "scrape".
func TopicArea(topic string) string {
	area, _, _ := strings.Cut(topic, "/")
	return area
}

// =============================================================================
// Factories
// =============================================================================

// NewScrapeRequest builds a HIGH priority request for the scraper VM.
//
// The selector names become the focus target entities and keywords. Source
// defaults to "dashboard" and destination to "scraper-vm"; opts may
// override either.
func NewScrapeRequest(url string, selectors map[string]string, mode FocusMode, opts ...Option) *Envelope {
	names := make([]string, 0, len(selectors))
	payloadSelectors := make(map[string]any, len(selectors))
	for name, sel := range selectors {
		names = append(names, name)
		payloadSelectors[name] = sel
	}
	sort.Strings(names)

	focus := NewFocus(mode)
	focus.TargetEntities = names
	focus.Keywords = append([]string(nil), names...)

	base := []Option{
		WithPriority(PriorityHigh),
		WithFocus(focus),
		WithPayload(map[string]any{
			"url":       url,
			"selectors": payloadSelectors,
			"action":    "scrape",
		}),
		WithSource("dashboard"),
		WithDestination("scraper-vm"),
		WithAck(true),
	}
	return NewEnvelope(TopicScrapeRequest, append(base, opts...)...)
}

// NewLLMRequest builds a NORMAL priority request for the text-generation
// collaborator. An empty model selects DefaultLLMModel.
func NewLLMRequest(prompt string, mode FocusMode, model string, opts ...Option) *Envelope {
	if model == "" {
		model = DefaultLLMModel
	}
	focus := NewFocus(mode)
	focus.MaxTokens = llmRequestMaxTokens

	base := []Option{
		WithPriority(PriorityNormal),
		WithFocus(focus),
		WithPayload(map[string]any{
			"prompt": prompt,
			"model":  model,
			"focus":  string(mode),
		}),
		WithSource("orchestrator"),
		WithDestination("ollama"),
	}
	return NewEnvelope(TopicLLMRequest, append(base, opts...)...)
}

// NewDNAUpdate builds a LOW priority update for the DNA storage engine.
func NewDNAUpdate(dnaType string, data map[string]any, opts ...Option) *Envelope {
	if data == nil {
		data = map[string]any{}
	}
	ts := Now()
	base := []Option{
		WithPriority(PriorityLow),
		WithTimestamp(ts),
		WithPayload(map[string]any{
			"dna_type":  dnaType,
			"data":      data,
			"timestamp": UnixSeconds(ts),
		}),
		WithSource("scraper"),
		WithDestination("frankenstein-db"),
		WithAck(true),
	}
	return NewEnvelope(DNAUpdateTopic(dnaType), append(base, opts...)...)
}

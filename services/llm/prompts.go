// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"fmt"
	"sort"
	"strings"
	"text/template"
)

// Prompt template names.
const (
	PromptExtraction    = "extraction"
	PromptRelevance     = "relevance"
	PromptSummarization = "summarization"
	PromptAnalysis      = "analysis"
	PromptEvolution     = "evolution"
)

// defaultPromptSources are the stock templates. Tier 2 may propose
// replacements, which are passed to Render as overrides.
var defaultPromptSources = map[string]string{
	PromptExtraction: `Extract the following entities from the content: {{join .Entities ", "}}

Focus mode: {{.Mode}}
Relevance threshold: {{.Threshold}}

Content:
{{.Content}}

Respond with a JSON object with the keys "entities", "confidence_scores" and "context_snippets".`,

	PromptRelevance: `Rate how relevant the content is to these keywords: {{join .Keywords ", "}}

Content:
{{.Content}}

Respond with a JSON object with the keys "score" (0 to 1) and "reasoning".`,

	PromptSummarization: `Summarize the content in at most {{.MaxTokens}} tokens.
{{- if .Keywords}}
Focus on: {{join .Keywords ", "}}
{{- end}}

Content:
{{.Content}}`,

	PromptAnalysis: `Describe the structure of the content: headings, sections and forms.

Content:
{{.Content}}

Respond with a JSON object with the keys "headings", "sections" and "forms".`,

	PromptEvolution: `You are evolving the "{{.TaskType}}" strategy of a distributed scraping fabric.

Successful runs ({{.SuccessCount}}):
{{.SuccessPatterns}}

Failed runs ({{.FailureCount}}):
{{.FailurePatterns}}

The proposal MUST keep these properties: {{join .MustHave ", "}}
The proposal MUST NOT introduce: {{join .CannotHave ", "}}

Respond with one JSON object with the keys "changes_summary", "parameter_adjustments",
"prompt_modifications", "expected_improvement", "confidence" and "reasoning".`,
}

var promptFuncs = template.FuncMap{"join": strings.Join}

// prompts is parsed once at init; a bad stock template is a programming error.
var prompts = template.Must(parseAll(defaultPromptSources))

func parseAll(sources map[string]string) (*template.Template, error) {
	root := template.New("prompts").Funcs(promptFuncs)
	for name, src := range sources {
		if _, err := root.New(name).Parse(src); err != nil {
			return nil, fmt.Errorf("parse prompt %q: %w", name, err)
		}
	}
	return root, nil
}

// PromptNames returns the stock template names in sorted order.
func PromptNames() []string {
	names := make([]string, 0, len(defaultPromptSources))
	for name := range defaultPromptSources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PromptSource returns the stock source of a template.
func PromptSource(name string) (string, bool) {
	src, ok := defaultPromptSources[name]
	return src, ok
}

// RenderPrompt executes the named stock template with data.
//
// # Inputs
//
//   - name: One of the Prompt* constants.
//   - data: Struct or map holding the template fields.
//
// # Outputs
//
//   - string: Rendered prompt.
//   - error: Unknown template or execution failure.
func RenderPrompt(name string, data any) (string, error) {
	t := prompts.Lookup(name)
	if t == nil {
		return "", fmt.Errorf("unknown prompt template %q", name)
	}
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render prompt %q: %w", name, err)
	}
	return sb.String(), nil
}

// RenderPromptSource parses and executes an ad-hoc template source, such as
// an evolved template proposed by the strategy tier.
func RenderPromptSource(src string, data any) (string, error) {
	t, err := template.New("adhoc").Funcs(promptFuncs).Parse(src)
	if err != nil {
		return "", fmt.Errorf("parse prompt: %w", err)
	}
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return sb.String(), nil
}

// ExtractionPrompt holds the fields of the extraction template.
type ExtractionPrompt struct {
	Entities  []string
	Mode      string
	Threshold float64
	Content   string
}

// SummarizationPrompt holds the fields of the summarization template.
type SummarizationPrompt struct {
	Keywords  []string
	MaxTokens int
	Content   string
}

// EvolutionPrompt holds the fields of the strategy evolution template.
type EvolutionPrompt struct {
	TaskType        string
	SuccessCount    int
	FailureCount    int
	SuccessPatterns string
	FailurePatterns string
	MustHave        []string
	CannotHave      []string
}

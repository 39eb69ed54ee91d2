// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package refine

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/palooza/services/fabric"
)

// maxFrequencyMentions caps the frequency component: five or more mentions
// score 1.0.
const maxFrequencyMentions = 5.0

// neutralScore is returned when there is nothing to score.
const neutralScore = 0.5

// RelevanceResult is the outcome of Score.
type RelevanceResult struct {
	Score     float64  `json:"score"`
	Relevant  bool     `json:"relevant"`
	Matches   []string `json:"matching_keywords"`
	Reasoning string   `json:"reasoning"`
}

// KeywordWeight returns the keyword-match weight for a focus mode.
func KeywordWeight(mode fabric.FocusMode) float64 {
	switch mode {
	case fabric.FocusRelevance:
		return 0.6
	case fabric.FocusExtraction:
		return 0.7
	case fabric.FocusAnalysis:
		return 0.3
	case fabric.FocusSummarization:
		return 0.4
	case fabric.FocusNavigation:
		return 0.8
	case fabric.FocusReasoning, fabric.FocusCreative, fabric.FocusVerification:
		return 0.5
	default:
		return 0.5
	}
}

// Score rates content against keywords.
//
// # Description
//
// Every keyword found in content (case-insensitive) contributes the mean of
// a position component, 1 - firstIndex/len(content) counted in characters,
// and a frequency component, min(count/5, 1). The raw score is the mean contribution over
// matched keywords, or 0 when none matched. The final score is the raw score
// times the mode's keyword weight, capped at 1.
//
// Empty content or an empty keyword list yields the neutral result: 0.5,
// relevant, no matches.
//
// # Inputs
//
//   - content: Text to score.
//   - keywords: Keywords to look for. Blank entries are ignored.
//   - mode: Focus mode selecting the weight.
//   - threshold: Minimum score to count as relevant.
//
// # Outputs
//
//   - RelevanceResult: Matches is never nil.
func Score(content string, keywords []string, mode fabric.FocusMode, threshold float64) RelevanceResult {
	terms := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if strings.TrimSpace(kw) != "" {
			terms = append(terms, kw)
		}
	}
	if content == "" || len(terms) == 0 {
		return RelevanceResult{
			Score:     neutralScore,
			Relevant:  true,
			Matches:   []string{},
			Reasoning: "no content",
		}
	}

	lower := strings.ToLower(content)
	length := float64(utf8.RuneCountInString(lower))
	matches := []string{}
	var total float64

	for _, kw := range terms {
		needle := strings.ToLower(kw)
		idx := strings.Index(lower, needle)
		if idx < 0 {
			continue
		}
		matches = append(matches, kw)
		position := 1 - float64(utf8.RuneCountInString(lower[:idx]))/length
		frequency := math.Min(float64(strings.Count(lower, needle))/maxFrequencyMentions, 1)
		total += (position + frequency) / 2
	}

	raw := 0.0
	if len(matches) > 0 {
		raw = total / float64(len(matches))
	}
	score := math.Min(raw*KeywordWeight(mode), 1)

	return RelevanceResult{
		Score:     score,
		Relevant:  score >= threshold,
		Matches:   matches,
		Reasoning: fmt.Sprintf("Matched %d/%d keywords", len(matches), len(terms)),
	}
}

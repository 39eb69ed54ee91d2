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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/palooza/services/fabric"
)

func TestScore_SingleKeyword(t *testing.T) {
	res := Score("aaa keyword bbb", []string{"keyword"}, fabric.FocusRelevance, 0.1)

	assert.True(t, res.Relevant)
	assert.Equal(t, []string{"keyword"}, res.Matches)
	// position 1-4/15, frequency 1/5, weight 0.6
	want := ((1-4.0/15.0)+0.2)/2*0.6
	assert.InDelta(t, want, res.Score, 1e-9)
	assert.Equal(t, "Matched 1/1 keywords", res.Reasoning)
}

func TestScore_PositionCountsCharacters(t *testing.T) {
	ascii := Score("aaa keyword bbb", []string{"keyword"}, fabric.FocusRelevance, 0.1)
	wide := Score("ééé keyword ßßß", []string{"keyword"}, fabric.FocusRelevance, 0.1)

	assert.InDelta(t, ascii.Score, wide.Score, 1e-12)
}

func TestScore_Neutral(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		keywords []string
	}{
		{"empty content", "", []string{"a"}},
		{"nil keywords", "some text", nil},
		{"blank keywords", "some text", []string{"", "  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Score(tt.content, tt.keywords, fabric.FocusRelevance, 0.9)
			assert.Equal(t, 0.5, res.Score)
			assert.True(t, res.Relevant)
			assert.NotNil(t, res.Matches)
			assert.Empty(t, res.Matches)
		})
	}
}

func TestScore_CaseInsensitiveAndPartial(t *testing.T) {
	res := Score("Price: $5. PRICE drop.", []string{"price", "missing"}, fabric.FocusExtraction, 0.0)
	assert.Equal(t, []string{"price"}, res.Matches)
	assert.Equal(t, "Matched 1/2 keywords", res.Reasoning)
	// position 1.0, frequency 2/5, weight 0.7
	assert.InDelta(t, (1.0+0.4)/2*0.7, res.Score, 1e-9)
}

func TestScore_NoMatches(t *testing.T) {
	res := Score("nothing relevant here", []string{"zebra"}, fabric.FocusRelevance, 0.1)
	assert.Equal(t, 0.0, res.Score)
	assert.False(t, res.Relevant)
	assert.Empty(t, res.Matches)
}

func TestScore_ThresholdIsInclusive(t *testing.T) {
	res := Score("keyword", []string{"keyword"}, fabric.FocusNavigation, 0.48)
	// position 1.0, frequency 0.2, weight 0.8
	assert.InDelta(t, 0.48, res.Score, 1e-9)
	res = Score("keyword", []string{"keyword"}, fabric.FocusNavigation, res.Score)
	assert.True(t, res.Relevant)
}

func TestKeywordWeight(t *testing.T) {
	tests := []struct {
		mode fabric.FocusMode
		want float64
	}{
		{fabric.FocusRelevance, 0.6},
		{fabric.FocusExtraction, 0.7},
		{fabric.FocusAnalysis, 0.3},
		{fabric.FocusSummarization, 0.4},
		{fabric.FocusNavigation, 0.8},
		{fabric.FocusReasoning, 0.5},
		{fabric.FocusCreative, 0.5},
		{fabric.FocusVerification, 0.5},
		{fabric.FocusMode("unknown"), 0.5},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			assert.Equal(t, tt.want, KeywordWeight(tt.mode))
		})
	}
}

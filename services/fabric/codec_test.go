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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenko/msgpack/v5"
)

// =============================================================================
// Round Trip Tests
// =============================================================================

func TestCodec_RoundTripAcrossPrioritiesAndModes(t *testing.T) {
	priorities := []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBatch}

	for i, mode := range FocusModes {
		p := priorities[i%len(priorities)]
		t.Run(string(mode), func(t *testing.T) {
			focus := NewFocus(mode)
			focus.TargetEntities = []string{"price", "title"}
			focus.Keywords = []string{"sale"}
			focus.NegativeKeywords = []string{"ad"}
			focus.RelevanceThreshold = 0.25
			focus.MaxTokens = 512

			payload := map[string]any{
				"html":   "<p>hello</p>",
				"count":  int64(42),
				"ratio":  0.75,
				"ok":     true,
				"links":  []any{"a", "b"},
				"nested": map[string]any{"depth": int64(2), "tags": []any{"x"}},
			}

			orig := NewEnvelope("scrape/response",
				WithPriority(p),
				WithFocus(focus),
				WithPayload(payload),
				WithCorrelationID("corr-1"),
				WithAck(true),
			)

			data, err := Encode(orig)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)

			assert.Equal(t, orig.ID, got.ID)
			assert.Equal(t, orig.Topic, got.Topic)
			assert.Equal(t, orig.Priority, got.Priority)
			assert.Equal(t, orig.Payload, got.Payload)
			assert.Equal(t, orig.Focus, got.Focus)
			assert.Equal(t, orig.CorrelationID, got.CorrelationID)
			assert.Equal(t, orig.RequiresAck, got.RequiresAck)
			assert.Equal(t, orig.Compliant, got.Compliant)
			assert.Equal(t, orig.TTLSeconds, got.TTLSeconds)
			assert.True(t, orig.Timestamp.Equal(got.Timestamp))
		})
	}
}

func TestCodec_RoundTripNativeGoTypes(t *testing.T) {
	type point struct {
		X int `msgpack:"x"`
		Y int `msgpack:"y"`
	}
	orig := NewEnvelope("scrape/response", WithPayload(map[string]any{
		"count":  42,
		"big":    int32(-70000),
		"small":  uint8(7),
		"ratio":  float32(0.5),
		"tags":   []string{"a", "b"},
		"scores": []int{1, 2, 3},
		"meta":   map[string]map[string]string{"headers": {"accept": "text/html"}},
		"point":  point{X: 1, Y: 2},
		"none":   nil,
	}))

	assert.Equal(t, int64(42), orig.Payload["count"])
	assert.Equal(t, int64(-70000), orig.Payload["big"])
	assert.Equal(t, float64(0.5), orig.Payload["ratio"])
	assert.Equal(t, []any{"a", "b"}, orig.Payload["tags"])
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, orig.Payload["scores"])
	assert.Equal(t, map[string]any{"headers": map[string]any{"accept": "text/html"}}, orig.Payload["meta"])
	assert.Equal(t, map[string]any{"x": int64(1), "y": int64(2)}, orig.Payload["point"])

	data, err := Encode(orig)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, orig.Payload, got.Payload)
}

func TestNormalizePayload(t *testing.T) {
	assert.Nil(t, NormalizePayload(nil))
	assert.Equal(t, map[string]any{}, NormalizePayload(map[string]any{}))

	in := map[string]any{"n": 3}
	out := NormalizePayload(in)
	assert.Equal(t, int64(3), out["n"])
	assert.Equal(t, 3, in["n"], "input is not modified")

	unencodable := map[string]any{"fn": func() {}, "n": 1}
	assert.Equal(t, 1, NormalizePayload(unencodable)["n"])
}

func TestCodec_ContextIsSymmetric(t *testing.T) {
	orig := NewEnvelope("scrape/response", WithPayload(map[string]any{"html": "x"}))
	orig.Context.OriginalSize = 100
	orig.Context.CurrentSize = 40
	orig.Context.CompressionRatio = 0.6
	orig.Context.RelevanceScore = 0.42
	orig.Context.AddHop("refiner-1")
	orig.Context.AddHop("refiner-2")
	orig.Context.RecordRefinement("relevance_filter", 100, 40)
	orig.Context.RecordFiltered("debug_info")

	data, err := Encode(orig)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, orig.Context, got.Context)
	assert.Equal(t, 0.6, got.Context.CompressionRatio)
}

func TestCodec_EmptyCorrelationIsNil(t *testing.T) {
	data, err := Encode(NewEnvelope("t/x"))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, msgpack.Unmarshal(data, &raw))
	corr, ok := raw["corr"]
	assert.True(t, ok)
	assert.Nil(t, corr)
}

func TestCodec_UsesShortTags(t *testing.T) {
	data, err := Encode(NewEnvelope("t/x"))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, msgpack.Unmarshal(data, &raw))
	for _, key := range []string{"id", "t", "p", "f", "pl", "c", "s", "d", "ts", "ttl", "ack", "corr", "cc"} {
		assert.Contains(t, raw, key)
	}
}

func TestCodec_DeterministicBytes(t *testing.T) {
	e := NewEnvelope("t/x", WithPayload(map[string]any{"b": int64(1), "a": int64(2), "c": "z"}))
	first, err := Encode(e)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Encode(e)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

// =============================================================================
// Decode Failure Tests
// =============================================================================

func TestDecode_RejectsGarbage(t *testing.T) {
	_, err := Decode([]byte{0xc1, 0x00, 0x01})
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestDecode_RejectsUnknownPriority(t *testing.T) {
	e := NewEnvelope("t/x")
	e.Priority = 7
	data, err := Encode(e)
	require.NoError(t, err)

	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestPayloadSize(t *testing.T) {
	small := PayloadSize(map[string]any{"a": "x"})
	large := PayloadSize(map[string]any{"a": "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"})
	assert.Greater(t, small, 0)
	assert.Greater(t, large, small)
	assert.Equal(t, 0, PayloadSize(map[string]any{"fn": func() {}}))
}

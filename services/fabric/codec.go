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
	"bytes"
	"fmt"

	"github.com/vmihailenko/msgpack/v5"
)

// =============================================================================
// Wire Records
// =============================================================================

// The short tags are shared with every consumer of the fabric (storage
// engine, VM orchestrator, dashboard). Do not rename them.

type wireFocus struct {
	Mode               string   `msgpack:"mode"`
	TargetEntities     []string `msgpack:"target_entities"`
	RelevanceThreshold float64  `msgpack:"relevance_threshold"`
	MaxTokens          int      `msgpack:"max_tokens"`
	Keywords           []string `msgpack:"keywords"`
	NegativeKeywords   []string `msgpack:"negative_keywords"`
}

type wireRefinement struct {
	Transform  string `msgpack:"transform"`
	SizeBefore int    `msgpack:"size_before"`
	SizeAfter  int    `msgpack:"size_after"`
}

type wireContext struct {
	OriginalSize     int              `msgpack:"os"`
	CurrentSize      int              `msgpack:"cs"`
	CompressionRatio float64          `msgpack:"cr"`
	RelevanceScore   float64          `msgpack:"rs"`
	FilteredElements []string         `msgpack:"fe"`
	FocusMode        string           `msgpack:"fm"`
	Hops             int              `msgpack:"h"`
	Refinements      []wireRefinement `msgpack:"r"`
	Route            []string         `msgpack:"rt"`
}

type wireEnvelope struct {
	ID            string         `msgpack:"id"`
	Topic         string         `msgpack:"t"`
	Priority      int            `msgpack:"p"`
	Focus         wireFocus      `msgpack:"f"`
	Payload       map[string]any `msgpack:"pl"`
	Context       wireContext    `msgpack:"c"`
	Source        string         `msgpack:"s"`
	Destination   string         `msgpack:"d"`
	Timestamp     float64        `msgpack:"ts"`
	TTL           int            `msgpack:"ttl"`
	RequiresAck   bool           `msgpack:"ack"`
	CorrelationID *string        `msgpack:"corr"`
	Compliant     bool           `msgpack:"cc"`
}

// =============================================================================
// Encode / Decode
// =============================================================================

// Encode serializes an envelope into its MessagePack wire form.
//
// # Description
//
// Map keys are written in sorted order so that equal envelopes produce
// identical bytes. An empty CorrelationID is written as nil.
//
// # Inputs
//
//   - e: Envelope to encode. Must not be nil.
//
// # Outputs
//
//   - []byte: Encoded bytes.
//   - error: Non-nil if the payload holds a value msgpack cannot encode.
func Encode(e *Envelope) ([]byte, error) {
	w := wireEnvelope{
		ID:       e.ID,
		Topic:    e.Topic,
		Priority: int(e.Priority),
		Focus: wireFocus{
			Mode:               string(e.Focus.Mode),
			TargetEntities:     e.Focus.TargetEntities,
			RelevanceThreshold: e.Focus.RelevanceThreshold,
			MaxTokens:          e.Focus.MaxTokens,
			Keywords:           e.Focus.Keywords,
			NegativeKeywords:   e.Focus.NegativeKeywords,
		},
		Payload: e.Payload,
		Context: wireContext{
			OriginalSize:     e.Context.OriginalSize,
			CurrentSize:      e.Context.CurrentSize,
			CompressionRatio: e.Context.CompressionRatio,
			RelevanceScore:   e.Context.RelevanceScore,
			FilteredElements: e.Context.FilteredElements,
			FocusMode:        string(e.Context.FocusMode),
			Hops:             e.Context.Hops,
			Route:            e.Context.Route,
		},
		Source:      e.Source,
		Destination: e.Destination,
		Timestamp:   UnixSeconds(e.Timestamp),
		TTL:         e.TTLSeconds,
		RequiresAck: e.RequiresAck,
		Compliant:   e.Compliant,
	}
	for _, r := range e.Context.Refinements {
		w.Context.Refinements = append(w.Context.Refinements, wireRefinement(r))
	}
	if e.CorrelationID != "" {
		corr := e.CorrelationID
		w.CorrelationID = &corr
	}

	data, err := Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", e.ID, err)
	}
	return data, nil
}

// Decode parses the MessagePack wire form produced by Encode.
//
// # Description
//
// Payload values come back in normalized Go types: integers as int64,
// floats as float64, lists as []any and maps as map[string]any. Every
// context field, including the compression ratio and route, is restored.
//
// # Inputs
//
//   - data: Encoded envelope.
//
// # Outputs
//
//   - *Envelope: Decoded and normalized envelope.
//   - error: Wraps ErrInvalidEnvelope on malformed input or out-of-range
//     priority or focus mode.
func Decode(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	e := &Envelope{
		ID:       w.ID,
		Topic:    w.Topic,
		Priority: Priority(w.Priority),
		Focus: Focus{
			Mode:               FocusMode(w.Focus.Mode),
			TargetEntities:     w.Focus.TargetEntities,
			RelevanceThreshold: w.Focus.RelevanceThreshold,
			MaxTokens:          w.Focus.MaxTokens,
			Keywords:           w.Focus.Keywords,
			NegativeKeywords:   w.Focus.NegativeKeywords,
		},
		Payload: w.Payload,
		Context: ContextAudit{
			OriginalSize:     w.Context.OriginalSize,
			CurrentSize:      w.Context.CurrentSize,
			CompressionRatio: w.Context.CompressionRatio,
			RelevanceScore:   w.Context.RelevanceScore,
			FilteredElements: w.Context.FilteredElements,
			FocusMode:        FocusMode(w.Context.FocusMode),
			Hops:             w.Context.Hops,
			Route:            w.Context.Route,
		},
		Source:      w.Source,
		Destination: w.Destination,
		Timestamp:   FromUnixSeconds(w.Timestamp),
		TTLSeconds:  w.TTL,
		RequiresAck: w.RequiresAck,
		Compliant:   w.Compliant,
	}
	for _, r := range w.Context.Refinements {
		e.Context.Refinements = append(e.Context.Refinements, Refinement(r))
	}
	if w.CorrelationID != nil {
		e.CorrelationID = *w.CorrelationID
	}

	e.Normalize()
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// =============================================================================
// Shared MessagePack Helpers
// =============================================================================

// Marshal encodes v with sorted map keys. Used for envelopes, payload sizing
// and archive records so that every msgpack byte stream in the fabric is
// deterministic.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes data into v with loose interface decoding, so numbers in
// untyped positions arrive as int64 or float64.
func Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}

// NormalizePayload returns a copy of p holding the value types that Decode
// produces for it.
//
// # Description
//
// The copy is made by passing p through the wire form once: Go ints of
// every width become int64, unsigned ints uint64, float32 float64, typed
// slices []any and typed maps or structs map[string]any. JSON numbers are
// resolved first with NormalizeNumbers. Envelopes built from a normalized
// payload therefore survive Encode and Decode unchanged.
//
// # Inputs
//
//   - p: Payload to normalize. May be nil.
//
// # Outputs
//
//   - map[string]any: The normalized copy, nil for a nil input. If p holds a
//     value the wire form cannot carry, p is returned with only its JSON
//     numbers resolved and Encode reports the error later.
func NormalizePayload(p map[string]any) map[string]any {
	p = NormalizeNumbers(p)
	if p == nil {
		return nil
	}
	data, err := Marshal(p)
	if err != nil {
		return p
	}
	var out map[string]any
	if err := Unmarshal(data, &out); err != nil {
		return p
	}
	if out == nil {
		out = map[string]any{}
	}
	return out
}

// PayloadSize returns the encoded size of a payload in bytes, or 0 if the
// payload cannot be encoded.
func PayloadSize(payload map[string]any) int {
	data, err := Marshal(payload)
	if err != nil {
		return 0
	}
	return len(data)
}

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
	"encoding/json"
	"fmt"
	"io"
)

// DecodeJSON reads one JSON envelope from r.
//
// # Description
//
// Integral payload numbers decode as int64 and the rest as float64, so an
// envelope read from JSON carries the same value types as one built in
// code. Missing fields are filled by Normalize and the result is validated.
//
// # Outputs
//
//   - *Envelope: The decoded envelope.
//   - error: Wraps ErrInvalidEnvelope for malformed or invalid input.
func DecodeJSON(r io.Reader) (*Envelope, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var e Envelope
	if err := dec.Decode(&e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	e.Payload = NormalizeNumbers(e.Payload)
	e.Normalize()
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// NormalizeNumbers converts json.Number values to int64 when integral and
// float64 otherwise, at any depth. Other values are kept.
func NormalizeNumbers(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeNumber(v)
	}
	return out
}

func normalizeNumber(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		return NormalizeNumbers(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeNumber(item)
		}
		return out
	default:
		return v
	}
}

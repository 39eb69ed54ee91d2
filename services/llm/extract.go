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
	"encoding/json"
	"strings"
)

// ExtractJSONObject returns the first well-formed JSON object embedded in
// free text.
//
// # Description
//
// Model responses often wrap JSON in prose or code fences. Starting at each
// '{' in turn, a streaming decoder attempts to read one complete value; the
// first attempt that yields an object wins. Nested objects and braces inside
// strings are handled by the decoder, not by brace counting.
//
// # Inputs
//
//   - text: Raw model output.
//
// # Outputs
//
//   - map[string]any: The decoded object. Numbers are float64.
//   - bool: False when no well-formed object exists in text.
func ExtractJSONObject(text string) (map[string]any, bool) {
	for offset := 0; offset < len(text); {
		i := strings.IndexByte(text[offset:], '{')
		if i < 0 {
			break
		}
		start := offset + i

		var obj map[string]any
		dec := json.NewDecoder(strings.NewReader(text[start:]))
		if err := dec.Decode(&obj); err == nil && obj != nil {
			return obj, true
		}
		offset = start + 1
	}
	return nil, false
}

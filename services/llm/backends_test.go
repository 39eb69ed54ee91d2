// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockServer answers POST path with status and body, recording the
// decoded request and headers.
func newMockServer(t *testing.T, path string, status int, body string, captured *map[string]any, headers *http.Header) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if captured != nil {
			_ = json.NewDecoder(r.Body).Decode(captured)
		}
		if headers != nil {
			*headers = r.Header.Clone()
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// =============================================================================
// AnthropicClient Tests
// =============================================================================

func TestNewAnthropicClient_RequiresKey(t *testing.T) {
	old := AnthropicSecretPath
	AnthropicSecretPath = filepath.Join(t.TempDir(), "missing")
	t.Cleanup(func() { AnthropicSecretPath = old })

	_, err := NewAnthropicClient("", "", "")
	assert.ErrorContains(t, err, "API key is not set")
}

func TestNewAnthropicClient_SecretFileAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anthropic_api_key")
	require.NoError(t, os.WriteFile(path, []byte("sk-ant-file\n"), 0o600))
	old := AnthropicSecretPath
	AnthropicSecretPath = path
	t.Cleanup(func() { AnthropicSecretPath = old })

	c, err := NewAnthropicClient("", "", "")
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-file", c.apiKey)
	assert.Equal(t, DefaultAnthropicModel, c.model)
	assert.Equal(t, DefaultAnthropicBaseURL, c.baseURL)
}

func TestAnthropicClient_Generate(t *testing.T) {
	var req map[string]any
	var headers http.Header
	srv := newMockServer(t, "/messages", http.StatusOK,
		`{"content":[{"type":"text","text":"Hello "},{"type":"tool_use"},{"type":"text","text":"world"}]}`,
		&req, &headers)

	c, err := NewAnthropicClient("sk-ant", "claude-test", srv.URL+"/")
	require.NoError(t, err)

	out, err := c.Generate(context.Background(), "hi", GenerationParams{MaxTokens: Int(64), Stop: []string{"END"}})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", out)

	assert.Equal(t, "sk-ant", headers.Get("x-api-key"))
	assert.Equal(t, anthropicAPIVersion, headers.Get("anthropic-version"))
	assert.Equal(t, "claude-test", req["model"])
	assert.Equal(t, 64.0, req["max_tokens"])
	assert.Equal(t, []any{"END"}, req["stop_sequences"])
	msgs := req["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].(map[string]any)["role"])
}

func TestAnthropicClient_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"http status", http.StatusTooManyRequests, `{"type":"error"}`, "status 429"},
		{"api error", http.StatusOK, `{"error":{"type":"overloaded_error","message":"busy"}}`, "overloaded_error"},
		{"no text", http.StatusOK, `{"content":[]}`, "no text block"},
		{"bad json", http.StatusOK, `{`, "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newMockServer(t, "/messages", tt.status, tt.body, nil, nil)
			c, err := NewAnthropicClient("k", "", srv.URL)
			require.NoError(t, err)

			_, err = c.Generate(context.Background(), "p", GenerationParams{})
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

// =============================================================================
// LlamaCppClient Tests
// =============================================================================

func TestLlamaCppClient_Generate(t *testing.T) {
	var req map[string]any
	srv := newMockServer(t, "/completion", http.StatusOK, `{"content":"42"}`, &req, nil)

	c, err := NewLlamaCppClient(srv.URL)
	require.NoError(t, err)

	out, err := c.Generate(context.Background(), "answer?", GenerationParams{TopK: Int(5)})
	require.NoError(t, err)
	assert.Equal(t, "42", out)
	assert.Equal(t, "answer?", req["prompt"])
	assert.Equal(t, float64(llamaCppNPredict), req["n_predict"])
	assert.Equal(t, 5.0, req["top_k"])
}

func TestLlamaCppClient_Errors(t *testing.T) {
	_, err := NewLlamaCppClient("")
	assert.Error(t, err)

	srv := newMockServer(t, "/completion", http.StatusInternalServerError, "boom", nil, nil)
	c, err := NewLlamaCppClient(srv.URL)
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), "p", GenerationParams{})
	assert.ErrorContains(t, err, "status 500")
}

func TestNewClient_AdditionalBackends(t *testing.T) {
	c, err := NewClient(ClientConfig{Backend: BackendAnthropic, APIKey: "sk-ant"})
	require.NoError(t, err)
	assert.IsType(t, &AnthropicClient{}, c)

	c, err = NewClient(ClientConfig{Backend: BackendLlamaCpp, BaseURL: "http://llama:8080"})
	require.NoError(t, err)
	assert.IsType(t, &LlamaCppClient{}, c)

	_, err = NewClient(ClientConfig{Backend: BackendLlamaCpp})
	assert.Error(t, err)
}

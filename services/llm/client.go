// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm talks to the external text-generation collaborator.
//
// Backends implement LLMClient and return errors. Pipeline code never calls
// a backend directly; it goes through a Collaborator, which bounds each call
// with a timeout and a rate limit and turns every failure into "".
package llm

import (
	"context"
	"fmt"
	"strings"
)

// GenerationParams tunes a single generation. Nil fields use backend
// defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// Backend names accepted by NewClient.
const (
	BackendOllama    = "ollama"
	BackendOpenAI    = "openai"
	BackendAnthropic = "anthropic"
	BackendLlamaCpp  = "llamacpp"
)

// ClientConfig selects and configures a backend.
type ClientConfig struct {
	Backend string
	BaseURL string
	Model   string
	APIKey  string
}

// NewClient builds the LLMClient named by cfg.Backend.
//
// # Inputs
//
//   - cfg: Backend selection. An empty Backend selects Ollama.
//
// # Outputs
//
//   - LLMClient: Ready to use.
//   - error: Non-nil for an unknown backend or missing credentials.
func NewClient(cfg ClientConfig) (LLMClient, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendOllama:
		return NewOllamaClient(cfg.BaseURL, cfg.Model)
	case BackendOpenAI:
		return NewOpenAIClient(cfg.APIKey, cfg.Model, cfg.BaseURL)
	case BackendAnthropic:
		return NewAnthropicClient(cfg.APIKey, cfg.Model, cfg.BaseURL)
	case BackendLlamaCpp:
		return NewLlamaCppClient(cfg.BaseURL)
	default:
		return nil, fmt.Errorf("unknown LLM backend %q", cfg.Backend)
	}
}

// Float32 returns a pointer to v. Convenience for GenerationParams.
func Float32(v float32) *float32 { return &v }

// Int returns a pointer to v. Convenience for GenerationParams.
func Int(v int) *int { return &v }

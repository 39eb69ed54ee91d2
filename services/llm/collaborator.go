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
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/palooza/services/observability"
)

// DefaultTimeout bounds a single collaborator call.
const DefaultTimeout = 60 * time.Second

// Completer is what pipeline code depends on: a prompt goes in, text or ""
// comes out, and nothing is ever returned as an error.
type Completer interface {
	Complete(ctx context.Context, prompt string, params GenerationParams) string
}

// CollaboratorConfig tunes a Collaborator.
type CollaboratorConfig struct {
	// Backend labels metrics and logs, e.g. "ollama".
	Backend string

	// Timeout bounds each call. Zero selects DefaultTimeout.
	Timeout time.Duration

	// RequestsPerSecond caps call rate. Zero disables limiting.
	RequestsPerSecond float64

	// Burst is the limiter bucket size. Values below 1 become 1.
	Burst int
}

// Collaborator wraps an LLMClient with a timeout, a rate limit, tracing and
// metrics.
//
// # Thread Safety
//
// Collaborator is safe for concurrent use.
type Collaborator struct {
	client  LLMClient
	config  CollaboratorConfig
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *observability.FabricMetrics
}

// NewCollaborator wraps client.
//
// # Inputs
//
//   - client: Backend to call. A nil client makes every call return "".
//   - config: Timeout and rate settings.
//   - logger: Nil selects slog.Default().
//   - metrics: May be nil.
//
// # Outputs
//
//   - *Collaborator: Never nil.
func NewCollaborator(client LLMClient, config CollaboratorConfig, logger *slog.Logger,
	metrics *observability.FabricMetrics) *Collaborator {

	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Backend == "" {
		config.Backend = BackendOllama
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	burst := config.Burst
	if burst < 1 {
		burst = 1
	}

	return &Collaborator{
		client:  client,
		config:  config,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
		metrics: metrics,
	}
}

// Complete sends prompt to the backend.
//
// # Description
//
// Waits for the rate limiter, then calls the backend under a context bounded
// by the configured timeout. Any failure, including timeout, cancellation or
// a backend error, is logged and yields "".
//
// # Inputs
//
//   - ctx: Parent context. Cancellation is honored.
//   - prompt: Fully rendered prompt.
//   - params: Generation parameters.
//
// # Outputs
//
//   - string: Generated text, or "" on any failure.
func (c *Collaborator) Complete(ctx context.Context, prompt string, params GenerationParams) string {
	if c.client == nil {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "Collaborator.Complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.backend", c.config.Backend),
		attribute.Int("llm.prompt_chars", len(prompt)),
	)

	if err := c.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("collaborator rate limit wait aborted", "backend", c.config.Backend, "error", err)
		c.metrics.RecordCollaborator(c.config.Backend, 0, false)
		return ""
	}

	start := time.Now()
	text, err := c.client.Generate(ctx, prompt, params)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("collaborator call failed",
			"backend", c.config.Backend,
			"duration_s", elapsed,
			"error", err,
		)
		c.metrics.RecordCollaborator(c.config.Backend, elapsed, false)
		return ""
	}

	c.metrics.RecordCollaborator(c.config.Backend, elapsed, true)
	return text
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/AleutianAI/palooza/pkg/extensions"
	"github.com/AleutianAI/palooza/services/darwin"
	"github.com/AleutianAI/palooza/services/fabric"
)

// =============================================================================
// Request Types
// =============================================================================

// MessageRequest is the JSON body of POST /v1/messages and /v1/refine.
//
// Only Topic is required. Focus is overlaid on the extraction defaults, so a
// body may set just the fields it cares about.
type MessageRequest struct {
	Topic         string          `json:"topic" binding:"required"`
	Priority      fabric.Priority `json:"priority"`
	Focus         json.RawMessage `json:"focus,omitempty"`
	Payload       map[string]any  `json:"payload"`
	Source        string          `json:"source"`
	Destination   string          `json:"destination"`
	TTLSeconds    *int            `json:"ttl,omitempty"`
	RequiresAck   bool            `json:"requires_ack"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// Envelope builds and validates the envelope described by the request.
func (r MessageRequest) Envelope() (*fabric.Envelope, error) {
	focus := fabric.NewFocus(fabric.FocusExtraction)
	if len(r.Focus) > 0 && !bytes.Equal(r.Focus, []byte("null")) {
		if err := json.Unmarshal(r.Focus, &focus); err != nil {
			return nil, fmt.Errorf("%w: focus: %v", fabric.ErrInvalidEnvelope, err)
		}
	}

	opts := []fabric.Option{
		fabric.WithFocus(focus),
		fabric.WithPayload(r.Payload),
		fabric.WithSource(r.Source),
		fabric.WithDestination(r.Destination),
		fabric.WithAck(r.RequiresAck),
		fabric.WithCorrelationID(r.CorrelationID),
	}
	if r.Priority != 0 {
		opts = append(opts, fabric.WithPriority(r.Priority))
	}
	if r.TTLSeconds != nil {
		opts = append(opts, fabric.WithTTL(*r.TTLSeconds))
	}

	env := fabric.NewEnvelope(r.Topic, opts...)
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// MutationRequest is the JSON body of POST /v1/mutations.
type MutationRequest struct {
	EvolutionType string         `json:"evolution_type" binding:"required"`
	Payload       map[string]any `json:"payload"`
	Parents       []string       `json:"parent_mutations"`
}

// PublishResponse reports the outcome of a publish.
type PublishResponse struct {
	ID       string `json:"id"`
	Topic    string `json:"topic"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	Handlers int    `json:"handlers"`
	Failed   int    `json:"failed_handlers"`
}

// =============================================================================
// Handlers
// =============================================================================

// HealthCheck reports liveness and whether the evolution worker runs.
func (s *Server) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"darwin_running": s.orchestrator.Running(),
	})
}

// PublishMessage publishes a JSON envelope.
//
// # Outputs
//
//   - 200 with PublishResponse when the bus accepted the envelope.
//   - 422 with PublishResponse when the compliance gate refused it.
//   - 400 for malformed bodies or envelopes.
func (s *Server) PublishMessage() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req MessageRequest
		if err := s.decodeJSON(c, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		env, err := req.Envelope()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.publish(c, env)
	}
}

// PublishBinary publishes a MessagePack envelope.
func (s *Server) PublishBinary() gin.HandlerFunc {
	return func(c *gin.Context) {
		data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes))
		if err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
			return
		}
		env, err := fabric.Decode(data)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := env.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.publish(c, env)
	}
}

func (s *Server) publish(c *gin.Context, env *fabric.Envelope) {
	res := s.bus.Publish(c.Request.Context(), env)
	resp := PublishResponse{
		ID:       env.ID,
		Topic:    env.Topic,
		Accepted: res.Accepted,
		Reason:   res.Reason,
		Handlers: len(res.Handlers),
		Failed:   res.Failed(),
	}
	outcome := extensions.OutcomeSuccess
	if !res.Accepted {
		outcome = extensions.OutcomeBlocked
	}
	s.audit(c, "message.publish", env.ID, outcome, map[string]any{
		"topic":  env.Topic,
		"reason": res.Reason,
	})
	if !res.Accepted {
		c.JSON(http.StatusUnprocessableEntity, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetHistory returns recorded envelopes, oldest first. ?topic= filters and
// ?limit= keeps only the most recent entries.
func (s *Server) GetHistory() gin.HandlerFunc {
	return func(c *gin.Context) {
		var history []*fabric.Envelope
		if topic := c.Query("topic"); topic != "" {
			history = s.bus.HistoryByTopic(topic)
		} else {
			history = s.bus.History()
		}

		if raw := c.Query("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
				return
			}
			if limit < len(history) {
				history = history[len(history)-limit:]
			}
		}
		if history == nil {
			history = []*fabric.Envelope{}
		}
		c.JSON(http.StatusOK, gin.H{"count": len(history), "messages": history})
	}
}

// RefineMessage runs the context refiner over a JSON envelope and returns
// the refined envelope. Nothing is published.
func (s *Server) RefineMessage() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req MessageRequest
		if err := s.decodeJSON(c, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		env, err := req.Envelope()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		processor := c.DefaultQuery("processor", s.cfg.ProcessorID)
		c.JSON(http.StatusOK, s.refiner.Refine(c.Request.Context(), env, processor))
	}
}

// SubmitMutation queues a mutation for the evolution orchestrator.
func (s *Server) SubmitMutation() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req MutationRequest
		if err := s.decodeJSON(c, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		t, err := darwin.ParseEvolutionType(req.EvolutionType)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id := s.orchestrator.Submit(t, fabric.NormalizeNumbers(req.Payload), req.Parents)
		s.audit(c, "mutation.submit", id, extensions.OutcomeSuccess, map[string]any{
			"evolution_type": t.String(),
		})
		c.JSON(http.StatusAccepted, gin.H{
			"mutation_id":    id,
			"evolution_type": t.String(),
			"status":         "queued",
		})
	}
}

// GetDarwinStatus returns the orchestrator status.
func (s *Server) GetDarwinStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.orchestrator.Status())
	}
}

// ListMutations returns every processed mutation.
func (s *Server) ListMutations() gin.HandlerFunc {
	return func(c *gin.Context) {
		mutations := s.orchestrator.ActiveMutations()
		c.JSON(http.StatusOK, gin.H{"count": len(mutations), "mutations": mutations})
	}
}

// GetLedger returns the signed ledger of applied mutations.
func (s *Server) GetLedger() gin.HandlerFunc {
	return func(c *gin.Context) {
		ledger := s.orchestrator.Enforcer().Ledger()
		c.JSON(http.StatusOK, gin.H{"count": len(ledger), "entries": ledger})
	}
}

// GetStrategy returns the most recent evolved strategy for a task type.
func (s *Server) GetStrategy() gin.HandlerFunc {
	return func(c *gin.Context) {
		taskType := c.Param("taskType")
		res, ok := s.orchestrator.Strategy().GetEvolvedStrategy(taskType)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no evolved strategy for %q", taskType)})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// =============================================================================
// Helpers
// =============================================================================

// decodeJSON reads a bounded JSON body keeping numbers exact, then runs the
// binding validators.
func (s *Server) decodeJSON(c *gin.Context, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := binding.Validator.ValidateStruct(v); err != nil {
		return err
	}
	return nil
}

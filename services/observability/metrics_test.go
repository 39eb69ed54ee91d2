// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper: Create isolated metrics for testing
// ============================================================================

func newTestMetrics(t *testing.T) (*FabricMetrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewFabricMetrics(reg), reg
}

// ============================================================================
// Registration Tests
// ============================================================================

func TestNewFabricMetrics_RegistersEverything(t *testing.T) {
	m, reg := newTestMetrics(t)

	m.RecordPublish("scrape")
	m.RecordRejection("scrape")
	m.RecordHandlerFailure("scrape", false)
	m.RecordRefinement("relevance", 0.5)
	m.RecordCollaborator("ollama", 1.2, true)
	m.RecordMutation("dna_optimization", MutationApplied)
	m.SetQueueDepth(3)
	m.RecordGenerations(10)
	m.StreamOpened()

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 11)
}

func TestNewFabricMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewFabricMetrics(reg)
	assert.Panics(t, func() { NewFabricMetrics(reg) })
}

// ============================================================================
// Helper Method Tests
// ============================================================================

func TestRecordHandlerFailure_Kinds(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHandlerFailure("llm", false)
	m.RecordHandlerFailure("llm", true)
	m.RecordHandlerFailure("llm", true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandlerFailures.WithLabelValues("llm", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HandlerFailures.WithLabelValues("llm", "panic")))
}

func TestRecordCollaborator_Status(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordCollaborator("ollama", 0.1, true)
	m.RecordCollaborator("ollama", 0.2, false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CollaboratorRequests.WithLabelValues("ollama", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CollaboratorRequests.WithLabelValues("ollama", "error")))
}

func TestStreamGauge(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.StreamOpened()
	m.StreamOpened()
	m.StreamClosed()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamClients))
}

func TestQueueDepthAndGenerations(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetQueueDepth(7)
	m.SetQueueDepth(2)
	m.RecordGenerations(4)
	m.RecordGenerations(6)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.QueueDepth))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.Generations))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *FabricMetrics
	assert.NotPanics(t, func() {
		m.RecordPublish("x")
		m.RecordRejection("x")
		m.RecordHandlerFailure("x", true)
		m.RecordRefinement("x", 1)
		m.RecordCollaborator("x", 1, false)
		m.RecordMutation("x", MutationDropped)
		m.SetQueueDepth(1)
		m.RecordGenerations(1)
		m.StreamOpened()
		m.StreamClosed()
	})
}

// ============================================================================
// Constants Tests
// ============================================================================

func TestMutationStatusConstants(t *testing.T) {
	assert.Equal(t, "applied", string(MutationApplied))
	assert.Equal(t, "rejected", string(MutationRejected))
	assert.Equal(t, "dropped", string(MutationDropped))
}

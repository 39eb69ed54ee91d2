// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the message fabric.
//
// # Description
//
// Metrics cover each stage an envelope or mutation passes through:
//   - Bus: published, rejected and failed-handler counters by topic area
//   - Refiner: refinements by focus mode and a compression ratio histogram
//   - Collaborator: generation requests by backend and outcome, latency
//   - Darwin: mutations by type and outcome, queue depth, generations run
//   - Gateway: open stream connections
//
// # Integration
//
// Metrics are exposed via the gateway /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every Record method is safe to call on a nil *FabricMetrics, which lets
// components run without metrics in tests.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "palooza"

// Subsystems, one per pipeline stage.
const (
	busSubsystem          = "bus"
	refinerSubsystem      = "refiner"
	collaboratorSubsystem = "collaborator"
	darwinSubsystem       = "darwin"
	gatewaySubsystem      = "gateway"
)

// FabricMetrics holds all Prometheus metrics for the fabric.
//
// # Description
//
// Initialize once per registry via NewFabricMetrics. The serve command
// passes prometheus.DefaultRegisterer; tests pass an isolated registry.
type FabricMetrics struct {
	// MessagesPublished counts envelopes dispatched to handlers.
	// Labels: area (first topic segment)
	MessagesPublished *prometheus.CounterVec

	// MessagesRejected counts envelopes refused by the compliance gate.
	// Labels: area
	MessagesRejected *prometheus.CounterVec

	// HandlerFailures counts handlers that returned an error or panicked.
	// Labels: area, kind (error, panic)
	HandlerFailures *prometheus.CounterVec

	// Refinements counts refiner hops by focus mode.
	// Labels: mode
	Refinements *prometheus.CounterVec

	// CompressionRatio observes the per-hop compression ratio.
	// Labels: mode
	CompressionRatio *prometheus.HistogramVec

	// CollaboratorRequests counts text-generation calls.
	// Labels: backend, status (success, error)
	CollaboratorRequests *prometheus.CounterVec

	// CollaboratorDuration measures text-generation latency in seconds.
	// Labels: backend
	CollaboratorDuration *prometheus.HistogramVec

	// Mutations counts processed mutations.
	// Labels: type, status (applied, rejected, dropped)
	Mutations *prometheus.CounterVec

	// QueueDepth tracks mutations waiting in the orchestrator queue.
	QueueDepth prometheus.Gauge

	// Generations counts Tier-1 generations evaluated.
	Generations prometheus.Counter

	// StreamClients tracks open websocket taps.
	StreamClients prometheus.Gauge
}

// NewFabricMetrics creates and registers all fabric metrics.
//
// # Description
//
// Registers every collector with reg using promauto.With.
//
// # Inputs
//
//   - reg: Registry to register with. Use prometheus.DefaultRegisterer in
//     production.
//
// # Outputs
//
//   - *FabricMetrics: The initialized metrics instance.
//
// # Limitations
//
//   - Panics if called twice with the same registry (duplicate registration).
func NewFabricMetrics(reg prometheus.Registerer) *FabricMetrics {
	factory := promauto.With(reg)

	return &FabricMetrics{
		MessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: busSubsystem,
				Name:      "messages_published_total",
				Help:      "Total envelopes dispatched to subscribers by topic area",
			},
			[]string{"area"},
		),

		MessagesRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: busSubsystem,
				Name:      "messages_rejected_total",
				Help:      "Total envelopes refused by the compliance gate by topic area",
			},
			[]string{"area"},
		),

		HandlerFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: busSubsystem,
				Name:      "handler_failures_total",
				Help:      "Total subscriber failures by topic area and kind",
			},
			[]string{"area", "kind"},
		),

		Refinements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: refinerSubsystem,
				Name:      "hops_total",
				Help:      "Total refinement hops by focus mode",
			},
			[]string{"mode"},
		),

		CompressionRatio: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: refinerSubsystem,
				Name:      "compression_ratio",
				Help:      "Per-hop payload compression ratio",
				Buckets:   []float64{-0.5, 0, 0.1, 0.25, 0.5, 0.75, 0.9, 1.0},
			},
			[]string{"mode"},
		),

		CollaboratorRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: collaboratorSubsystem,
				Name:      "requests_total",
				Help:      "Total text-generation requests by backend and status",
			},
			[]string{"backend", "status"},
		),

		CollaboratorDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: collaboratorSubsystem,
				Name:      "request_duration_seconds",
				Help:      "Text-generation request duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"backend"},
		),

		Mutations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: darwinSubsystem,
				Name:      "mutations_total",
				Help:      "Total processed mutations by evolution type and status",
			},
			[]string{"type", "status"},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: darwinSubsystem,
				Name:      "queue_depth",
				Help:      "Mutations waiting to be processed",
			},
		),

		Generations: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: darwinSubsystem,
				Name:      "generations_total",
				Help:      "Total genetic optimizer generations evaluated",
			},
		),

		StreamClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "stream_clients",
				Help:      "Number of open websocket stream taps",
			},
		),
	}
}

// =============================================================================
// Mutation Status
// =============================================================================

// MutationStatus labels the outcome of a processed mutation.
type MutationStatus string

const (
	// MutationApplied indicates Tier 3 approved and signed the mutation.
	MutationApplied MutationStatus = "applied"

	// MutationRejected indicates Tier 3 rejected the mutation.
	MutationRejected MutationStatus = "rejected"

	// MutationDropped indicates dispatch failed and the item was dropped.
	MutationDropped MutationStatus = "dropped"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordPublish counts a dispatched envelope.
func (m *FabricMetrics) RecordPublish(area string) {
	if m == nil {
		return
	}
	m.MessagesPublished.WithLabelValues(area).Inc()
}

// RecordRejection counts an envelope refused by the compliance gate.
func (m *FabricMetrics) RecordRejection(area string) {
	if m == nil {
		return
	}
	m.MessagesRejected.WithLabelValues(area).Inc()
}

// RecordHandlerFailure counts a failed subscriber.
//
// # Inputs
//
//   - area: First topic segment.
//   - panicked: True if the handler panicked rather than returning an error.
func (m *FabricMetrics) RecordHandlerFailure(area string, panicked bool) {
	if m == nil {
		return
	}
	kind := "error"
	if panicked {
		kind = "panic"
	}
	m.HandlerFailures.WithLabelValues(area, kind).Inc()
}

// RecordRefinement counts a hop and observes its compression ratio.
func (m *FabricMetrics) RecordRefinement(mode string, ratio float64) {
	if m == nil {
		return
	}
	m.Refinements.WithLabelValues(mode).Inc()
	m.CompressionRatio.WithLabelValues(mode).Observe(ratio)
}

// RecordCollaborator records one text-generation call.
func (m *FabricMetrics) RecordCollaborator(backend string, seconds float64, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.CollaboratorRequests.WithLabelValues(backend, status).Inc()
	m.CollaboratorDuration.WithLabelValues(backend).Observe(seconds)
}

// RecordMutation counts a processed mutation.
func (m *FabricMetrics) RecordMutation(evolutionType string, status MutationStatus) {
	if m == nil {
		return
	}
	m.Mutations.WithLabelValues(evolutionType, string(status)).Inc()
}

// SetQueueDepth sets the number of pending mutations.
func (m *FabricMetrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// RecordGenerations adds n evaluated generations.
func (m *FabricMetrics) RecordGenerations(n int) {
	if m == nil {
		return
	}
	m.Generations.Add(float64(n))
}

// StreamOpened increments the open stream gauge.
func (m *FabricMetrics) StreamOpened() {
	if m == nil {
		return
	}
	m.StreamClients.Inc()
}

// StreamClosed decrements the open stream gauge.
func (m *FabricMetrics) StreamClosed() {
	if m == nil {
		return
	}
	m.StreamClients.Dec()
}

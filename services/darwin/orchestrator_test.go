// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package darwin

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/palooza/pkg/logging"
	"github.com/AleutianAI/palooza/services/archive"
	"github.com/AleutianAI/palooza/services/bus"
	"github.com/AleutianAI/palooza/services/fabric"
	"github.com/AleutianAI/palooza/services/llm"
	"github.com/AleutianAI/palooza/services/observability"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

func newTestOrchestrator(t *testing.T, collab llm.Completer, store Archiver) (*Orchestrator, *observability.FabricMetrics) {
	t.Helper()
	m := observability.NewFabricMetrics(prometheus.NewRegistry())
	o := NewOrchestrator(Config{
		Component:    "testcomp",
		PollInterval: 10 * time.Millisecond,
		Optimizer:    OptimizerConfig{PopulationSize: 6, Generations: 3, MutationRate: 0.5, CrossoverRate: 0.3},
		Strategy:     StrategyConfig{MinSamples: 3},
	}, Deps{
		Collaborator: collab,
		Keyring:      NewKeyring(KeyringConfig{Secrets: map[string]string{"testcomp": "orchestrator-secret"}}),
		Archive:      store,
		Logger:       logging.Nop(),
		Metrics:      m,
	})
	return o, m
}

func startOrchestrator(t *testing.T, o *Orchestrator) {
	t.Helper()
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(o.Stop)
}

func waitForActive(t *testing.T, o *Orchestrator, n int) []MutationRecord {
	t.Helper()
	require.Eventually(t, func() bool { return len(o.ActiveMutations()) >= n }, waitFor, tick)
	return o.ActiveMutations()
}

func dnaPayload() map[string]any {
	return compliant(map[string]any{
		PayloadPopulation: []any{
			map[string]any{"relevance_improvement": 0.2, "batch_size": 10},
			map[string]any{"relevance_improvement": 0.6, "batch_size": 20},
		},
		PayloadGenerations: 3,
	})
}

// =============================================================================
// Processing Tests
// =============================================================================

func TestOrchestrator_DNAOptimizationEndToEnd(t *testing.T) {
	store, err := archive.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	o, metrics := newTestOrchestrator(t, nil, store)
	startOrchestrator(t, o)

	id := o.Submit(EvolutionDNAOptimization, dnaPayload(), []string{"root"})

	active := waitForActive(t, o, 1)
	rec := active[0]
	assert.Equal(t, id, rec.ID)
	assert.True(t, rec.Approved)
	assert.True(t, rec.Applied)
	assert.True(t, strings.HasPrefix(rec.Signature, "DARWIN-TESTCOMP-"))
	assert.Equal(t, 3, rec.SuccessMetrics["generations"])
	assert.Contains(t, rec.SuccessMetrics, "best_fitness")
	assert.Contains(t, rec.SuccessMetrics, "improvement")

	status := o.Status()
	assert.True(t, status.Running)
	assert.Equal(t, "testcomp", status.Component)
	assert.Equal(t, 1, status.MutationLogCount)
	assert.Equal(t, 0, status.PendingMutations)
	assert.Equal(t, 1, status.ActiveMutations)
	assert.Equal(t, 1, status.Tier3.SuccessfulMutations)
	assert.Equal(t, 18, status.Tier1.MutationCount)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Mutations.WithLabelValues("dna_optimization", "applied")))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.Generations))

	ctx := context.Background()
	n, err := store.Count(ctx, archive.PrefixMutation)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = store.Count(ctx, archive.PrefixSignature)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOrchestrator_ContextRefinementUsesStrategyTier(t *testing.T) {
	stub := &scriptedCompleter{reply: approvedReply}
	o, _ := newTestOrchestrator(t, stub, nil)
	startOrchestrator(t, o)

	o.Submit(EvolutionContextRefinement, map[string]any{
		PayloadTaskType:  "summarization",
		PayloadSuccesses: []any{map[string]any{"tokens_used": 10.0}, map[string]any{"tokens_used": 20.0}},
		PayloadFailures:  []any{map[string]any{"tokens_used": 90.0}},
	}, nil)

	rec := waitForActive(t, o, 1)[0]
	assert.Equal(t, StatusEvolved, rec.SuccessMetrics["status"])
	assert.Equal(t, false, rec.SuccessMetrics["constitution_patched"])
	assert.Equal(t, 3, rec.SuccessMetrics["sample_count"])

	// The mutation payload itself carries no constitutional markers.
	assert.False(t, rec.Approved)
	assert.False(t, rec.Applied)
	assert.Empty(t, rec.Signature)

	status := o.Status()
	assert.Equal(t, 1, status.EvolutionHistoryCount)
	assert.Equal(t, 1, status.Tier2.SuccessfulMutations)
	assert.Equal(t, 1, status.Tier3.FailedMutations)
	assert.Equal(t, 0, status.MutationLogCount)

	got, ok := o.Strategy().GetEvolvedStrategy("summarization")
	require.True(t, ok)
	assert.Equal(t, "smaller batches", got.Proposal["changes_summary"])
	require.Len(t, stub.calls(), 1)
}

func TestOrchestrator_DefaultTaskType(t *testing.T) {
	o, _ := newTestOrchestrator(t, &scriptedCompleter{}, nil)
	startOrchestrator(t, o)

	o.Submit(EvolutionContextRefinement, map[string]any{}, nil)

	rec := waitForActive(t, o, 1)[0]
	assert.Equal(t, StatusInsufficientData, rec.SuccessMetrics["status"])
	_, ok := o.Strategy().GetEvolvedStrategy(DefaultTaskType)
	assert.False(t, ok)
}

func TestOrchestrator_DropsBadPayloadAndContinues(t *testing.T) {
	o, metrics := newTestOrchestrator(t, nil, nil)
	startOrchestrator(t, o)

	bad := compliant(map[string]any{PayloadPopulation: "not a population"})
	o.Submit(EvolutionDNAOptimization, bad, nil)
	good := o.Submit(EvolutionDNAOptimization, dnaPayload(), nil)

	active := waitForActive(t, o, 1)
	require.Len(t, active, 1)
	assert.Equal(t, good, active[0].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Mutations.WithLabelValues("dna_optimization", "dropped")))
	assert.True(t, o.Running())
}

func TestOrchestrator_RecoversFromPanickingObjective(t *testing.T) {
	o, metrics := newTestOrchestrator(t, nil, nil)
	startOrchestrator(t, o)

	payload := dnaPayload()
	payload[PayloadObjective] = ObjectiveFunc(func(Candidate) float64 { panic("objective exploded") })
	o.Submit(EvolutionProtocolSelection, payload, nil)
	good := o.Submit(EvolutionProtocolSelection, dnaPayload(), nil)

	active := waitForActive(t, o, 1)
	require.Len(t, active, 1)
	assert.Equal(t, good, active[0].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Mutations.WithLabelValues("protocol_selection", "dropped")))
	assert.True(t, o.Running())
}

func TestOrchestrator_ProcessesInSubmissionOrder(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, nil)

	var ids []string
	for _, typ := range []EvolutionType{EvolutionStrategy, EvolutionAdapter, EvolutionPrompt} {
		ids = append(ids, o.Submit(typ, dnaPayload(), nil))
	}
	startOrchestrator(t, o)

	active := waitForActive(t, o, 3)
	require.Len(t, active, 3)
	for i, rec := range active {
		assert.Equal(t, ids[i], rec.ID)
		assert.True(t, rec.Applied)
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestOrchestrator_SubmitNeverBlocks(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, nil)

	for i := 0; i < 100; i++ {
		o.Submit(EvolutionDNAOptimization, nil, nil)
	}

	status := o.Status()
	assert.False(t, status.Running)
	assert.Equal(t, 100, status.PendingMutations)
	assert.Equal(t, 0, status.ActiveMutations)
}

func TestOrchestrator_StartStop(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, nil)

	o.Stop()
	require.NoError(t, o.Start(context.Background()))
	assert.ErrorIs(t, o.Start(context.Background()), ErrAlreadyRunning)
	assert.True(t, o.Running())

	begin := time.Now()
	o.Stop()
	assert.Less(t, time.Since(begin), time.Second)
	assert.False(t, o.Running())
	o.Stop()

	require.NoError(t, o.Start(context.Background()))
	o.Submit(EvolutionDNAOptimization, dnaPayload(), nil)
	waitForActive(t, o, 1)
	o.Stop()
}

func TestOrchestrator_StopsWithContext(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, o.Start(ctx))
	cancel()

	require.Eventually(t, func() bool { return !o.Running() }, waitFor, tick)
	o.Stop()
}

func TestOrchestrator_StartRequiresSecret(t *testing.T) {
	t.Setenv("DARWIN_SECRET_STRICTCOMP", "")
	o := NewOrchestrator(Config{Component: "strictcomp"}, Deps{
		Keyring: NewKeyring(KeyringConfig{RequireSecrets: true}),
		Logger:  logging.Nop(),
	})

	err := o.Start(context.Background())
	assert.ErrorIs(t, err, ErrMissingSecret)
	assert.False(t, o.Running())
}

func TestOrchestrator_NewMutationIsSigned(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, nil)

	m, err := o.NewMutation(EvolutionAdapter, compliant(nil), []string{"p"})
	require.NoError(t, err)

	assert.Equal(t, "testcomp", m.Component)
	assert.False(t, m.Applied)
	assert.Nil(t, m.Review)
	assert.True(t, o.Enforcer().Verify(m))
}

// =============================================================================
// Payload Conversion Tests
// =============================================================================

func TestPopulationFrom(t *testing.T) {
	pop, err := PopulationFrom(nil)
	require.NoError(t, err)
	assert.Equal(t, []Candidate{{}}, pop)

	pop, err = PopulationFrom([]map[string]any{{"a": 1}})
	require.NoError(t, err)
	assert.Equal(t, []Candidate{{"a": 1}}, pop)

	pop, err = PopulationFrom([]any{map[string]any{"a": 1}, Candidate{"b": 2}})
	require.NoError(t, err)
	assert.Equal(t, []Candidate{{"a": 1}, {"b": 2}}, pop)

	_, err = PopulationFrom([]any{"x"})
	assert.ErrorContains(t, err, "population[0]")

	_, err = PopulationFrom(42)
	assert.Error(t, err)
}

func TestOutcomesFrom(t *testing.T) {
	out, err := OutcomesFrom(nil)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = OutcomesFrom([]any{map[string]any{"tokens_used": 1}})
	require.NoError(t, err)
	assert.Len(t, out, 1)

	_, err = OutcomesFrom([]any{1})
	assert.ErrorContains(t, err, "outcome[0]")

	_, err = OutcomesFrom("nope")
	assert.Error(t, err)
}

// =============================================================================
// Bus Intake Tests
// =============================================================================

func TestOrchestrator_SubmitHandler(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil, nil)
	b := bus.New(bus.WithLogger(logging.Nop()))
	b.Subscribe(fabric.TopicDarwinMutation, o.SubmitHandler())

	env := fabric.NewEnvelope(fabric.TopicDarwinMutation, fabric.WithPayload(map[string]any{
		EnvelopeEvolutionType: "protocol_selection",
		EnvelopePayload:       compliant(nil),
		EnvelopeParents:       []any{"root"},
	}))
	res := b.Publish(context.Background(), env)

	require.True(t, res.Accepted)
	require.Equal(t, 0, res.Failed())
	assert.NotEmpty(t, env.Payload["mutation_id"])
	assert.Equal(t, 1, o.Status().PendingMutations)
}

func TestOrchestrator_SubmitHandlerRejectsBadEnvelopes(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
	}{
		{"missing type", map[string]any{}},
		{"unknown type", map[string]any{EnvelopeEvolutionType: "telepathy"}},
		{"payload not an object", map[string]any{EnvelopeEvolutionType: "dna_optimization", EnvelopePayload: "x"}},
		{"parent not a string", map[string]any{EnvelopeEvolutionType: "dna_optimization", EnvelopeParents: []any{1}}},
		{"parents not a list", map[string]any{EnvelopeEvolutionType: "dna_optimization", EnvelopeParents: "root"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _ := newTestOrchestrator(t, nil, nil)
			err := o.SubmitHandler()(context.Background(), fabric.NewEnvelope(fabric.TopicDarwinMutation, fabric.WithPayload(tt.payload)))
			assert.Error(t, err)
			assert.Equal(t, 0, o.Status().PendingMutations)
		})
	}
}

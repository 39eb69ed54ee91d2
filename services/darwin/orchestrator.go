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
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/AleutianAI/palooza/services/fabric"
	"github.com/AleutianAI/palooza/services/llm"
	"github.com/AleutianAI/palooza/services/observability"
)

// DefaultPollInterval bounds how long the worker waits before re-checking
// for shutdown.
const DefaultPollInterval = time.Second

// DefaultTaskType is used for context-refinement mutations without a
// task_type.
const DefaultTaskType = "extraction"

// ErrAlreadyRunning is returned by Start on a running orchestrator.
var ErrAlreadyRunning = errors.New("darwin orchestrator already running")

// Payload keys read by dispatch.
const (
	PayloadPopulation  = "population"
	PayloadObjective   = "objective"
	PayloadGenerations = "generations"
	PayloadTaskType    = "task_type"
	PayloadSuccesses   = "successes"
	PayloadFailures    = "failures"
)

// Config configures an Orchestrator.
type Config struct {
	Component    string          `yaml:"component" validate:"required"`
	PollInterval time.Duration   `yaml:"poll_interval"`
	Optimizer    OptimizerConfig `yaml:"optimizer"`
	Strategy     StrategyConfig  `yaml:"strategy"`
}

// Deps are the orchestrator's collaborators. All fields are optional.
type Deps struct {
	Collaborator llm.Completer
	Keyring      *Keyring
	Archive      Archiver
	Logger       *slog.Logger
	Metrics      *observability.FabricMetrics
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	Component             string           `json:"component"`
	Running               bool             `json:"running"`
	Tier1                 EvolutionMetrics `json:"darwin1_metrics"`
	Tier2                 EvolutionMetrics `json:"darwin2_metrics"`
	Tier3                 EvolutionMetrics `json:"darwin3_metrics"`
	EvolutionHistoryCount int              `json:"evolution_history_count"`
	MutationLogCount      int              `json:"mutation_log_count"`
	PendingMutations      int              `json:"pending_mutations"`
	ActiveMutations       int              `json:"active_mutations"`
}

// Orchestrator owns one instance of each tier and processes submitted
// mutations on a single background worker.
//
// # Description
//
// Submit enqueues and returns at once. The worker dequeues in FIFO order,
// routes each mutation to Tier 1 or Tier 2 by evolution type, then hands it
// to Tier 3 for review and signing and appends it to the active list.
// Failures are logged and the item is dropped; nothing is retried.
//
// # Thread Safety
//
// Safe for concurrent use.
type Orchestrator struct {
	component string
	poll      time.Duration
	optimizer *Optimizer
	strategy  *StrategyEvolver
	enforcer  *Enforcer
	keyring   *Keyring
	logger    *slog.Logger
	metrics   *observability.FabricMetrics
	queue     *mutationQueue

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	activeMu sync.Mutex
	active   []*Mutation
}

// NewOrchestrator wires the three tiers for cfg.Component.
func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", cfg.Component)

	keyring := deps.Keyring
	if keyring == nil {
		keyring = NewKeyring(KeyringConfig{})
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	return &Orchestrator{
		component: cfg.Component,
		poll:      poll,
		optimizer: NewOptimizer(cfg.Optimizer, logger, deps.Metrics),
		strategy:  NewStrategyEvolver(cfg.Strategy, deps.Collaborator, logger),
		enforcer:  NewEnforcer(cfg.Component, keyring, deps.Archive, logger, deps.Metrics),
		keyring:   keyring,
		logger:    logger.With("service", "darwin"),
		metrics:   deps.Metrics,
		queue:     newMutationQueue(),
	}
}

// Optimizer returns Tier 1.
func (o *Orchestrator) Optimizer() *Optimizer { return o.optimizer }

// Strategy returns Tier 2.
func (o *Orchestrator) Strategy() *StrategyEvolver { return o.strategy }

// Enforcer returns Tier 3.
func (o *Orchestrator) Enforcer() *Enforcer { return o.enforcer }

// Submit builds a mutation owned by this orchestrator's component and
// enqueues it. It never blocks and returns the mutation id.
func (o *Orchestrator) Submit(t EvolutionType, payload map[string]any, parents []string) string {
	m := NewMutation(t, o.component, payload, parents)
	depth := o.queue.push(m)
	o.metrics.SetQueueDepth(depth)
	o.logger.Debug("mutation submitted", "mutation_id", m.ID, "evolution_type", t.String())
	return m.ID
}

// Envelope keys read by SubmitHandler.
const (
	EnvelopeEvolutionType = "evolution_type"
	EnvelopePayload       = "payload"
	EnvelopeParents       = "parent_mutations"
)

// SubmitHandler returns a bus handler that turns envelopes into submitted
// mutations. The envelope payload carries "evolution_type", an optional
// "payload" object and optional "parent_mutations". The mutation id is
// written back to the payload as "mutation_id".
func (o *Orchestrator) SubmitHandler() func(context.Context, *fabric.Envelope) error {
	return func(_ context.Context, env *fabric.Envelope) error {
		name, _ := env.Payload[EnvelopeEvolutionType].(string)
		t, err := ParseEvolutionType(name)
		if err != nil {
			return err
		}

		var payload map[string]any
		switch p := env.Payload[EnvelopePayload].(type) {
		case nil:
		case map[string]any:
			payload = p
		default:
			return fmt.Errorf("%s: expected object, got %T", EnvelopePayload, p)
		}

		var parents []string
		switch ps := env.Payload[EnvelopeParents].(type) {
		case nil:
		case []string:
			parents = ps
		case []any:
			for i, p := range ps {
				s, ok := p.(string)
				if !ok {
					return fmt.Errorf("%s[%d]: expected string, got %T", EnvelopeParents, i, p)
				}
				parents = append(parents, s)
			}
		default:
			return fmt.Errorf("%s: expected list, got %T", EnvelopeParents, ps)
		}

		env.Payload["mutation_id"] = o.Submit(t, payload, parents)
		return nil
	}
}

// NewMutation creates a mutation for this component and signs it at once.
func (o *Orchestrator) NewMutation(t EvolutionType, payload map[string]any, parents []string) (*Mutation, error) {
	return CreateMutation(o.keyring, o.component, t, payload, parents)
}

// CreateMutation builds a mutation and signs its lineage with component's
// secret. The mutation is not reviewed and not applied.
func CreateMutation(keyring *Keyring, component string, t EvolutionType, payload map[string]any, parents []string) (*Mutation, error) {
	m := NewMutation(t, component, payload, parents)
	sig, err := SignLineage(keyring, component, m.Parents, m.Timestamp)
	if err != nil {
		return nil, err
	}
	m.Signature = sig
	return m, nil
}

// Start launches the worker.
//
// # Description
//
// Resolves the component's signing secret first so a missing secret fails
// at startup rather than on the first mutation. The worker stops when Stop
// is called or ctx is done.
//
// # Outputs
//
//   - error: ErrAlreadyRunning, or ErrMissingSecret under RequireSecrets.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.keyring.Resolve(o.component); err != nil {
		return fmt.Errorf("start darwin orchestrator: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return ErrAlreadyRunning
	}
	o.running = true
	o.stop = make(chan struct{})
	o.done = make(chan struct{})

	go o.run(ctx, o.stop, o.done)
	o.logger.Info("darwin orchestrator started", "poll_interval", o.poll)
	return nil
}

// Stop signals the worker and waits for it to exit. An item being
// processed finishes first. Safe to call when not running.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	close(o.stop)
	done := o.done
	o.mu.Unlock()

	<-done
	o.logger.Info("darwin orchestrator stopped")
}

// Running reports whether the worker is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Status returns tier counters and queue state.
func (o *Orchestrator) Status() Status {
	o.activeMu.Lock()
	active := len(o.active)
	o.activeMu.Unlock()

	return Status{
		Component:             o.component,
		Running:               o.Running(),
		Tier1:                 o.optimizer.Metrics(),
		Tier2:                 o.strategy.Metrics(),
		Tier3:                 o.enforcer.Metrics(),
		EvolutionHistoryCount: o.strategy.HistoryCount(),
		MutationLogCount:      o.enforcer.LogCount(),
		PendingMutations:      o.queue.len(),
		ActiveMutations:       active,
	}
}

// ActiveMutations returns every processed mutation in processing order.
func (o *Orchestrator) ActiveMutations() []MutationRecord {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	out := make([]MutationRecord, 0, len(o.active))
	for _, m := range o.active {
		out = append(out, m.Record())
	}
	return out
}

// =============================================================================
// Worker
// =============================================================================

func (o *Orchestrator) run(ctx context.Context, stop <-chan struct{}, done chan struct{}) {
	defer func() {
		o.mu.Lock()
		if o.done == done {
			o.running = false
		}
		o.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if m, depth, ok := o.queue.pop(); ok {
			o.metrics.SetQueueDepth(depth)
			o.process(ctx, m)
			continue
		}

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-o.queue.ready:
		case <-ticker.C:
		}
	}
}

// process runs one mutation through dispatch and Tier 3. Panics are
// recovered and the mutation is dropped.
func (o *Orchestrator) process(ctx context.Context, m *Mutation) {
	defer func() {
		if r := recover(); r != nil {
			o.metrics.RecordMutation(m.Type.String(), observability.MutationDropped)
			o.logger.Error("mutation dispatch panicked",
				"mutation_id", m.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	if err := o.dispatch(ctx, m); err != nil {
		o.metrics.RecordMutation(m.Type.String(), observability.MutationDropped)
		o.logger.Error("mutation dispatch failed", "mutation_id", m.ID, "error", err)
		return
	}

	result := o.enforcer.Apply(ctx, m)

	o.activeMu.Lock()
	o.active = append(o.active, m)
	o.activeMu.Unlock()

	o.logger.Debug("mutation processed", "mutation_id", m.ID, "status", result.Status)
}

func (o *Orchestrator) dispatch(ctx context.Context, m *Mutation) error {
	switch m.Type {
	case EvolutionContextRefinement:
		return o.evolveContext(ctx, m)
	case EvolutionDNAOptimization, EvolutionProtocolSelection, EvolutionStrategy, EvolutionAdapter, EvolutionPrompt:
		return o.evolveDNA(ctx, m)
	default:
		o.logger.Warn("unknown evolution type, using genetic optimizer",
			"mutation_id", m.ID,
			"evolution_type", int(m.Type),
		)
		return o.evolveDNA(ctx, m)
	}
}

func (o *Orchestrator) evolveDNA(ctx context.Context, m *Mutation) error {
	population, err := PopulationFrom(m.Payload[PayloadPopulation])
	if err != nil {
		return err
	}
	objective, err := objectiveFrom(m.Payload[PayloadObjective])
	if err != nil {
		return err
	}
	generations := 0
	if g, ok := number(m.Payload[PayloadGenerations]); ok {
		generations = int(g)
	}

	res, err := o.optimizer.RunEvolution(ctx, population, objective, generations)
	if err != nil {
		return fmt.Errorf("run evolution: %w", err)
	}

	improvement := 0.0
	if len(res.History) > 0 {
		improvement = res.BestFitness - res.History[0].BestFitness
	}
	m.SuccessMetrics["best_fitness"] = res.BestFitness
	m.SuccessMetrics["generations"] = res.TotalGenerations
	m.SuccessMetrics["improvement"] = improvement
	return nil
}

func (o *Orchestrator) evolveContext(ctx context.Context, m *Mutation) error {
	taskType, _ := m.Payload[PayloadTaskType].(string)
	if taskType == "" {
		taskType = DefaultTaskType
	}
	successes, err := OutcomesFrom(m.Payload[PayloadSuccesses])
	if err != nil {
		return fmt.Errorf("successes: %w", err)
	}
	failures, err := OutcomesFrom(m.Payload[PayloadFailures])
	if err != nil {
		return fmt.Errorf("failures: %w", err)
	}

	res := o.strategy.EvolveStrategy(ctx, taskType, successes, failures)
	m.SuccessMetrics["status"] = res.Status
	m.SuccessMetrics["constitution_patched"] = res.Patched
	m.SuccessMetrics["sample_count"] = res.SampleCount
	return nil
}

// =============================================================================
// Payload Conversion
// =============================================================================

// PopulationFrom converts a payload value into candidates. A missing value
// yields a single empty candidate.
func PopulationFrom(v any) ([]Candidate, error) {
	switch t := v.(type) {
	case nil:
		return []Candidate{{}}, nil
	case []Candidate:
		return t, nil
	case []map[string]any:
		out := make([]Candidate, len(t))
		for i, c := range t {
			out[i] = Candidate(c)
		}
		return out, nil
	case []any:
		out := make([]Candidate, 0, len(t))
		for i, item := range t {
			switch c := item.(type) {
			case map[string]any:
				out = append(out, Candidate(c))
			case Candidate:
				out = append(out, c)
			default:
				return nil, fmt.Errorf("population[%d]: expected object, got %T", i, item)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("population: expected list of objects, got %T", v)
	}
}

// OutcomesFrom converts a payload value into outcome samples. A missing
// value yields no samples.
func OutcomesFrom(v any) ([]map[string]any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []map[string]any:
		return t, nil
	case []any:
		out := make([]map[string]any, 0, len(t))
		for i, item := range t {
			o, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("outcome[%d]: expected object, got %T", i, item)
			}
			out = append(out, o)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected list of objects, got %T", v)
	}
}

func objectiveFrom(v any) (ObjectiveFunc, error) {
	switch f := v.(type) {
	case nil:
		return nil, nil
	case ObjectiveFunc:
		return f, nil
	case func(Candidate) float64:
		return f, nil
	case func(map[string]any) float64:
		return func(c Candidate) float64 { return f(c) }, nil
	default:
		return nil, fmt.Errorf("objective: expected function, got %T", v)
	}
}

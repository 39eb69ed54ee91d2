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
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/palooza/pkg/logging"
	"github.com/AleutianAI/palooza/services/observability"
)

// =============================================================================
// Helpers
// =============================================================================

func newTestOptimizer(cfg OptimizerConfig) *Optimizer {
	o := NewOptimizer(cfg, logging.Nop(), nil)
	o.now = func() time.Time { return time.Unix(1000, 0) }
	return o
}

// population builds n candidates with distinct fitness; index 0 is worst.
func population(n int) []Candidate {
	pop := make([]Candidate, n)
	for i := range pop {
		pop[i] = Candidate{
			"relevance_improvement": float64(i) / float64(n),
			"batch_size":            10 + i,
			"dna_carried":           true,
		}
	}
	return pop
}

// =============================================================================
// Evaluate Tests
// =============================================================================

func TestOptimizer_Evaluate(t *testing.T) {
	o := newTestOptimizer(OptimizerConfig{})

	tests := []struct {
		name string
		c    Candidate
		want float64
	}{
		{
			name: "all terms",
			c: Candidate(compliant(map[string]any{
				"latency_improvement":    0.5,
				"relevance_improvement":  1.0,
				"efficiency_improvement": 0.5,
			})),
			want: 0.30*0.5 + 0.40*1.0 + 0.20*0.5 + 0.10*1.0,
		},
		{
			name: "forbidden marker zeroes compliance",
			c: Candidate(compliant(map[string]any{
				"latency_improvement":    0.5,
				"relevance_improvement":  1.0,
				"efficiency_improvement": 0.5,
				"black_box_ai":           true,
			})),
			want: 0.30*0.5 + 0.40*1.0 + 0.20*0.5,
		},
		{
			name: "empty candidate",
			c:    Candidate{},
			want: 0.30 + 0.10*0.8,
		},
		{
			name: "integer fields count",
			c:    Candidate{"relevance_improvement": 1, "latency_improvement": int64(1)},
			want: 0.40 + 0.10*0.8,
		},
		{
			name: "non-numeric fields ignored",
			c:    Candidate{"relevance_improvement": "high"},
			want: 0.30 + 0.10*0.8,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, o.Evaluate(tt.c), 1e-9)
		})
	}
}

// =============================================================================
// Evolve Tests
// =============================================================================

func TestOptimizer_EvolveReturnsExactPopulationSize(t *testing.T) {
	for _, size := range []int{1, 2, 3, 7, 20, 50} {
		for _, popSize := range []int{1, 4, 20} {
			t.Run(fmt.Sprintf("in=%d/out=%d", size, popSize), func(t *testing.T) {
				o := newTestOptimizer(OptimizerConfig{PopulationSize: popSize, CrossoverRate: 0.5, MutationRate: 0.5})
				next := o.Evolve(population(size))
				assert.Len(t, next, popSize)
			})
		}
	}
}

func TestOptimizer_EvolveEmpty(t *testing.T) {
	o := newTestOptimizer(OptimizerConfig{})
	next := o.Evolve(nil)
	assert.NotNil(t, next)
	assert.Empty(t, next)
}

func TestOptimizer_EvolveKeepsBestAsElite(t *testing.T) {
	o := newTestOptimizer(OptimizerConfig{PopulationSize: 10, EliteCount: 3, CrossoverRate: 0.5, MutationRate: 1})
	pop := population(10)
	best := pop[9].clone()

	next := o.Evolve(pop)

	require.NotEmpty(t, next)
	assert.Equal(t, best, next[0])
	assert.Equal(t, pop[8], next[1])
	assert.Equal(t, pop[7], next[2])

	// Elites are copies, not aliases.
	next[0]["batch_size"] = -1
	assert.Equal(t, 19, pop[9]["batch_size"])
}

func TestOptimizer_EvolveIsDeterministic(t *testing.T) {
	cfg := OptimizerConfig{PopulationSize: 15, CrossoverRate: 0.4, MutationRate: 0.6, Seed: 42}
	a := newTestOptimizer(cfg).Evolve(population(8))
	b := newTestOptimizer(cfg).Evolve(population(8))
	assert.Equal(t, a, b)

	cfg.Seed = 43
	c := newTestOptimizer(cfg).Evolve(population(8))
	assert.NotEqual(t, a, c)
}

func TestOptimizer_EvolveCountsMutations(t *testing.T) {
	o := newTestOptimizer(OptimizerConfig{PopulationSize: 6})
	pop := []Candidate{
		Candidate(compliant(map[string]any{"relevance_improvement": 1.0})),
		Candidate(compliant(nil)),
	}

	o.Evolve(pop)
	o.Evolve(pop)

	m := o.Metrics()
	assert.Equal(t, 12, m.MutationCount)
	assert.Equal(t, 2, m.SuccessfulMutations)
}

// =============================================================================
// Operator Tests
// =============================================================================

func TestCrossover(t *testing.T) {
	p1 := Candidate{"a": 1, "b": 2, "c": 3, "d": 4}
	p2 := Candidate{"a": 10, "b": 20, "c": 30, "d": 40}

	child := crossover(p1, p2)

	assert.Equal(t, 1, child["a"])
	assert.Equal(t, 2, child["b"])
	assert.Equal(t, 30, child["c"])
	assert.Equal(t, 40, child["d"])
	assert.Equal(t, true, child["crossover"])
	assert.Equal(t, []any{Fingerprint(p1)[:8], Fingerprint(p2)[:8]}, child["parents"])
}

func TestCrossover_UnevenParents(t *testing.T) {
	p1 := Candidate{"a": 1, "b": 2, "c": 3, "d": 4, "e": 5, "f": 6}
	p2 := Candidate{"x": 9}

	child := crossover(p1, p2)

	assert.Equal(t, 1, child["a"])
	assert.Equal(t, 3, child["c"])
	assert.NotContains(t, child, "d")
	assert.NotContains(t, child, "x")
}

func TestMutate_AlwaysMutating(t *testing.T) {
	o := newTestOptimizer(OptimizerConfig{MutationRate: 1})
	parent := Candidate{"n": 100, "n64": int64(100), "f": 1.0, "name": "keep", "flag": true}

	for i := 0; i < 200; i++ {
		o.mu.Lock()
		child := o.mutate(parent)
		o.mu.Unlock()

		n, ok := child["n"].(int)
		require.True(t, ok, "int fields stay int")
		assert.GreaterOrEqual(t, n, 95)
		assert.LessOrEqual(t, n, 105)

		n64, ok := child["n64"].(int64)
		require.True(t, ok)
		assert.GreaterOrEqual(t, n64, int64(95))
		assert.LessOrEqual(t, n64, int64(105))

		f, ok := child["f"].(float64)
		require.True(t, ok)
		assert.GreaterOrEqual(t, f, 0.8)
		assert.LessOrEqual(t, f, 1.2)

		assert.Equal(t, "keep", child["name"])
		assert.Equal(t, true, child["flag"])
		assert.Equal(t, Fingerprint(parent), child["parent_hash"])
		assert.Equal(t, 1000.0, child["mutation_timestamp"])
	}
	assert.Equal(t, 100, parent["n"], "parent is not modified")
}

func TestMutate_NeverMutating(t *testing.T) {
	o := newTestOptimizer(OptimizerConfig{MutationRate: 0})
	parent := Candidate{"n": 7, "f": 0.5}

	o.mu.Lock()
	child := o.mutate(parent)
	o.mu.Unlock()

	assert.Equal(t, 7, child["n"])
	assert.Equal(t, 0.5, child["f"])
	assert.Contains(t, child, "parent_hash")
}

func TestFingerprint(t *testing.T) {
	a := Candidate{"x": 1, "y": "two", "z": []any{1.5, "q"}}
	b := Candidate{"z": []any{1.5, "q"}, "y": "two", "x": 1}

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.Len(t, Fingerprint(a), 16)
	assert.NotEqual(t, Fingerprint(a), Fingerprint(Candidate{"x": 2}))
}

// =============================================================================
// RunEvolution Tests
// =============================================================================

func TestOptimizer_RunEvolution(t *testing.T) {
	m := observability.NewFabricMetrics(prometheus.NewRegistry())
	o := NewOptimizer(OptimizerConfig{PopulationSize: 12, CrossoverRate: 0.3, MutationRate: 0.5}, logging.Nop(), m)

	res, err := o.RunEvolution(context.Background(), population(6), nil, 8)
	require.NoError(t, err)

	require.Len(t, res.History, 8)
	assert.Equal(t, 8, res.TotalGenerations)
	assert.Equal(t, 12, res.FinalPopulationSize)
	assert.Equal(t, 8.0, testutil.ToFloat64(m.Generations))

	prev := math.Inf(-1)
	for i, h := range res.History {
		assert.Equal(t, i, h.Generation)
		assert.Len(t, h.BestFingerprint, 8)
		assert.LessOrEqual(t, h.AvgFitness, h.BestFitness+1e-12)
		// Elites carry the best forward, so with the built-in fitness the
		// per-generation best never drops.
		assert.GreaterOrEqual(t, h.BestFitness, prev-1e-12)
		prev = h.BestFitness
	}
	assert.Equal(t, prev, res.BestFitness)
	assert.NotNil(t, res.BestSolution)
}

func TestOptimizer_RunEvolutionBestEverNeverDecreases(t *testing.T) {
	o := newTestOptimizer(OptimizerConfig{PopulationSize: 10, CrossoverRate: 0.5, MutationRate: 1})

	// The objective disagrees with the ranking fitness so per-generation
	// bests may fall; the tracked best must not.
	objective := func(c Candidate) float64 {
		v, _ := number(c["batch_size"])
		return -math.Abs(v - 12)
	}

	res, err := o.RunEvolution(context.Background(), population(5), objective, 12)
	require.NoError(t, err)

	best := math.Inf(-1)
	for _, h := range res.History {
		best = math.Max(best, h.BestFitness)
	}
	assert.Equal(t, best, res.BestFitness)
	assert.Equal(t, res.BestFitness, objective(res.BestSolution))
}

func TestOptimizer_RunEvolutionEmpty(t *testing.T) {
	o := newTestOptimizer(OptimizerConfig{})
	_, err := o.RunEvolution(context.Background(), nil, nil, 3)
	assert.ErrorIs(t, err, ErrEmptyPopulation)
}

func TestOptimizer_RunEvolutionCancelled(t *testing.T) {
	o := newTestOptimizer(OptimizerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := o.RunEvolution(ctx, population(4), nil, 5)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, res.History)
}

func TestOptimizer_RunEvolutionDoesNotModifyInput(t *testing.T) {
	o := newTestOptimizer(OptimizerConfig{PopulationSize: 4, MutationRate: 1})
	pop := population(3)
	before := make([]Candidate, len(pop))
	for i, c := range pop {
		before[i] = c.clone()
	}

	_, err := o.RunEvolution(context.Background(), pop, nil, 3)
	require.NoError(t, err)
	assert.Equal(t, before, pop)
}

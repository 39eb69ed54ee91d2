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
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/palooza/services/fabric"
	"github.com/AleutianAI/palooza/services/observability"
)

var tracer = otel.Tracer("palooza.darwin")

// ErrEmptyPopulation is returned by RunEvolution for an empty population.
var ErrEmptyPopulation = errors.New("empty population")

const (
	fingerprintSize   = 8
	shortFingerprint  = 8
	intMutationRange  = 5
	floatMutationLow  = 0.8
	floatMutationSpan = 0.4
	successFitness    = 0.5
)

// Fitness weights of Evaluate.
const (
	weightLatency    = 0.30
	weightRelevance  = 0.40
	weightEfficiency = 0.20
	weightCompliance = 0.10
)

// Candidate is a solution: a string-keyed parameter map whose numeric
// fields are subject to mutation.
type Candidate map[string]any

// ObjectiveFunc scores a candidate; higher is better.
type ObjectiveFunc func(Candidate) float64

// OptimizerConfig tunes Tier 1.
type OptimizerConfig struct {
	PopulationSize       int     `yaml:"population_size" validate:"gte=1"`
	MutationRate         float64 `yaml:"mutation_rate" validate:"gte=0,lte=1"`
	CrossoverRate        float64 `yaml:"crossover_rate" validate:"gte=0,lte=1"`
	EliteCount           int     `yaml:"elite_count" validate:"gte=1"`
	Generations          int     `yaml:"generations" validate:"gte=1"`
	SurvivalThreshold    float64 `yaml:"survival_threshold" validate:"gt=0,lte=1"`
	ImprovementThreshold float64 `yaml:"improvement_threshold" validate:"gte=0"`
	Seed                 uint64  `yaml:"seed"`
}

// DefaultOptimizerConfig returns the stock tuning.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		PopulationSize:       20,
		MutationRate:         0.15,
		CrossoverRate:        0.3,
		EliteCount:           4,
		Generations:          10,
		SurvivalThreshold:    0.7,
		ImprovementThreshold: 0.05,
		Seed:                 1,
	}
}

// GenerationSummary records one generation of RunEvolution.
type GenerationSummary struct {
	Generation      int     `json:"generation"`
	BestFitness     float64 `json:"best_fitness"`
	AvgFitness      float64 `json:"avg_fitness"`
	BestFingerprint string  `json:"best_solution_hash"`
}

// EvolutionResult is returned by RunEvolution.
type EvolutionResult struct {
	BestSolution        Candidate           `json:"best_solution"`
	BestFitness         float64             `json:"best_fitness"`
	History             []GenerationSummary `json:"history"`
	TotalGenerations    int                 `json:"total_generations"`
	FinalPopulationSize int                 `json:"final_population_size"`
}

// Optimizer is Tier 1, a deterministic genetic search.
//
// # Description
//
// All randomness comes from a PCG generator seeded from the configuration,
// so two optimizers with the same seed fed the same populations produce the
// same offspring.
//
// # Thread Safety
//
// Safe for concurrent use; Evolve calls are serialized.
type Optimizer struct {
	cfg     OptimizerConfig
	logger  *slog.Logger
	metrics *observability.FabricMetrics
	now     func() time.Time

	mu      sync.Mutex
	rng     *rand.Rand
	counter EvolutionMetrics
}

// NewOptimizer creates a Tier-1 optimizer. Zero-valued config fields take
// their defaults; EliteCount is at least 1 so the best candidate always
// survives.
func NewOptimizer(cfg OptimizerConfig, logger *slog.Logger, metrics *observability.FabricMetrics) *Optimizer {
	def := DefaultOptimizerConfig()
	if cfg.PopulationSize <= 0 {
		cfg.PopulationSize = def.PopulationSize
	}
	if cfg.EliteCount <= 0 {
		cfg.EliteCount = def.EliteCount
	}
	if cfg.Generations <= 0 {
		cfg.Generations = def.Generations
	}
	if cfg.SurvivalThreshold <= 0 {
		cfg.SurvivalThreshold = def.SurvivalThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Optimizer{
		cfg:     cfg,
		logger:  logger.With("tier", "darwin-1"),
		metrics: metrics,
		now:     fabric.Now,
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

// Config returns the effective configuration.
func (o *Optimizer) Config() OptimizerConfig { return o.cfg }

// Metrics returns a snapshot of the tier counters.
func (o *Optimizer) Metrics() EvolutionMetrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counter
}

// Evaluate is the built-in fitness function:
//
//	0.30·(1 − latency_improvement) + 0.40·relevance_improvement
//	  + 0.20·efficiency_improvement + 0.10·ComplianceScore
//
// Missing or non-numeric improvement fields count as 0.
func (o *Optimizer) Evaluate(c Candidate) float64 {
	latency, _ := number(c["latency_improvement"])
	relevance, _ := number(c["relevance_improvement"])
	efficiency, _ := number(c["efficiency_improvement"])
	return weightLatency*(1-latency) +
		weightRelevance*relevance +
		weightEfficiency*efficiency +
		weightCompliance*ComplianceScore(c)
}

// Evolve produces the next generation.
//
// # Description
//
// Ranks pop by Evaluate (stable, descending). The top
// max(2, ceil(n·SurvivalThreshold)) candidates, capped at n, survive. The
// top EliteCount are copied unchanged to the front of the next generation.
// Each remaining slot up to PopulationSize is, with probability
// CrossoverRate, the crossover of two random survivors, otherwise a
// mutation of one random survivor.
//
// # Inputs
//
//   - pop: Current population. Not modified.
//
// # Outputs
//
//   - []Candidate: Exactly PopulationSize candidates, or an empty slice when
//     pop is empty.
func (o *Optimizer) Evolve(pop []Candidate) []Candidate {
	if len(pop) == 0 {
		return []Candidate{}
	}

	ranked := o.rank(pop)
	n := len(ranked)

	survivorCount := int(math.Ceil(float64(n)*o.cfg.SurvivalThreshold - 1e-9))
	survivorCount = min(max(2, survivorCount), n)
	survivors := ranked[:survivorCount]

	eliteCount := min(o.cfg.EliteCount, n, o.cfg.PopulationSize)
	next := make([]Candidate, 0, o.cfg.PopulationSize)
	for _, elite := range ranked[:eliteCount] {
		next = append(next, elite.candidate.clone())
	}

	o.mu.Lock()
	for len(next) < o.cfg.PopulationSize {
		if o.rng.Float64() < o.cfg.CrossoverRate {
			p1 := survivors[o.rng.IntN(len(survivors))]
			p2 := survivors[o.rng.IntN(len(survivors))]
			next = append(next, crossover(p1.candidate, p2.candidate))
		} else {
			parent := survivors[o.rng.IntN(len(survivors))]
			next = append(next, o.mutate(parent.candidate))
		}
	}
	o.counter.MutationCount += len(next)
	if ranked[0].score > successFitness {
		o.counter.SuccessfulMutations++
	}
	o.mu.Unlock()

	return next
}

// RunEvolution evolves a population for a number of generations.
//
// # Description
//
// Each generation scores the whole population with objective, records a
// summary, updates the best-ever solution (strictly better fitness only,
// so best-ever fitness never decreases) and then calls Evolve. The context
// is checked between generations; on cancellation the partial result is
// returned together with the context error.
//
// # Inputs
//
//   - ctx: Cancels between generations.
//   - initial: Starting population. Not modified.
//   - objective: Fitness function. Nil selects Evaluate.
//   - generations: Number of generations. Zero or less uses the configured
//     count.
//
// # Outputs
//
//   - EvolutionResult: Best solution, its fitness and per-generation history.
//   - error: ErrEmptyPopulation or the context error.
func (o *Optimizer) RunEvolution(ctx context.Context, initial []Candidate, objective ObjectiveFunc, generations int) (EvolutionResult, error) {
	if len(initial) == 0 {
		return EvolutionResult{History: []GenerationSummary{}}, ErrEmptyPopulation
	}
	if objective == nil {
		objective = o.Evaluate
	}
	if generations <= 0 {
		generations = o.cfg.Generations
	}

	ctx, span := tracer.Start(ctx, "Optimizer.RunEvolution")
	defer span.End()
	span.SetAttributes(
		attribute.Int("population", len(initial)),
		attribute.Int("generations", generations),
	)

	population := make([]Candidate, len(initial))
	for i, c := range initial {
		population[i] = c.clone()
	}

	result := EvolutionResult{
		BestFitness: math.Inf(-1),
		History:     make([]GenerationSummary, 0, generations),
	}

	for gen := 0; gen < generations; gen++ {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "cancelled")
			result.FinalPopulationSize = len(population)
			return result, fmt.Errorf("evolution stopped at generation %d: %w", gen, err)
		}

		best, bestFitness, total := 0, math.Inf(-1), 0.0
		for i, c := range population {
			f := objective(c)
			total += f
			if f > bestFitness {
				best, bestFitness = i, f
			}
		}

		if bestFitness > result.BestFitness {
			result.BestFitness = bestFitness
			result.BestSolution = population[best].clone()
		}
		result.History = append(result.History, GenerationSummary{
			Generation:      gen,
			BestFitness:     bestFitness,
			AvgFitness:      total / float64(len(population)),
			BestFingerprint: Fingerprint(population[best])[:shortFingerprint],
		})
		result.TotalGenerations++

		o.logger.Debug("generation evaluated", "generation", gen, "best_fitness", bestFitness)
		o.metrics.RecordGenerations(1)

		population = o.Evolve(population)
	}

	result.FinalPopulationSize = len(population)
	span.SetAttributes(attribute.Float64("best_fitness", result.BestFitness))
	return result, nil
}

// Fingerprint is the hex 64-bit BLAKE2b digest of the candidate's
// key-sorted JSON form.
func Fingerprint(c Candidate) string {
	data, err := json.Marshal(map[string]any(c))
	if err != nil {
		data = []byte(fmt.Sprintf("%v", map[string]any(c)))
	}
	return keyedDigest(nil, data, fingerprintSize)
}

// =============================================================================
// Operators
// =============================================================================

type scored struct {
	candidate Candidate
	score     float64
}

func (o *Optimizer) rank(pop []Candidate) []scored {
	ranked := make([]scored, len(pop))
	for i, c := range pop {
		ranked[i] = scored{candidate: c, score: o.Evaluate(c)}
	}
	slices.SortStableFunc(ranked, func(a, b scored) int {
		return cmp.Compare(b.score, a.score)
	})
	return ranked
}

// crossover takes the first half of p1's sorted keys and the rest of p2's.
func crossover(p1, p2 Candidate) Candidate {
	keys1 := sortedKeys(p1)
	keys2 := sortedKeys(p2)
	split := len(keys1) / 2

	child := make(Candidate, len(keys1)+2)
	for _, k := range keys1[:split] {
		child[k] = cloneValue(p1[k])
	}
	if split < len(keys2) {
		for _, k := range keys2[split:] {
			child[k] = cloneValue(p2[k])
		}
	}
	child["crossover"] = true
	child["parents"] = []any{
		Fingerprint(p1)[:shortFingerprint],
		Fingerprint(p2)[:shortFingerprint],
	}
	return child
}

// mutate must be called with o.mu held.
func (o *Optimizer) mutate(parent Candidate) Candidate {
	child := parent.clone()
	for _, k := range sortedKeys(child) {
		switch v := child[k].(type) {
		case int:
			if o.rng.Float64() < o.cfg.MutationRate {
				child[k] = v + o.intOffset()
			}
		case int32:
			if o.rng.Float64() < o.cfg.MutationRate {
				child[k] = v + int32(o.intOffset())
			}
		case int64:
			if o.rng.Float64() < o.cfg.MutationRate {
				child[k] = v + int64(o.intOffset())
			}
		case float32:
			if o.rng.Float64() < o.cfg.MutationRate {
				child[k] = float32(float64(v) * o.floatFactor())
			}
		case float64:
			if o.rng.Float64() < o.cfg.MutationRate {
				child[k] = v * o.floatFactor()
			}
		}
	}
	child["mutation_timestamp"] = fabric.UnixSeconds(o.now())
	child["parent_hash"] = Fingerprint(parent)
	return child
}

func (o *Optimizer) intOffset() int {
	return o.rng.IntN(2*intMutationRange+1) - intMutationRange
}

func (o *Optimizer) floatFactor() float64 {
	return floatMutationLow + floatMutationSpan*o.rng.Float64()
}

// =============================================================================
// Helpers
// =============================================================================

func (c Candidate) clone() Candidate {
	out := make(Candidate, len(c))
	for k, v := range c {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case Candidate:
		return t.clone()
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

func sortedKeys(c Candidate) []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// number converts the numeric kinds produced by JSON, msgpack and Go
// literals to float64.
func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

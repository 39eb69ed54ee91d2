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
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/AleutianAI/palooza/services/archive"
	"github.com/AleutianAI/palooza/services/fabric"
	"github.com/AleutianAI/palooza/services/observability"
)

const (
	lineageDigestSize = 16
	signaturePrefix   = "DARWIN-"
)

// Apply outcomes.
const (
	StatusApplied  = "applied"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

// Archiver persists processed mutations and ledger entries.
// *archive.Archive satisfies it.
type Archiver interface {
	Put(ctx context.Context, key string, record any) error
	Append(ctx context.Context, suffix string, record any) (string, error)
}

// LedgerEntry is one line of the signature ledger.
type LedgerEntry struct {
	Signature  string  `json:"signature" msgpack:"signature"`
	MutationID string  `json:"mutation_id" msgpack:"mutation_id"`
	Component  string  `json:"component" msgpack:"component"`
	Timestamp  float64 `json:"timestamp" msgpack:"timestamp"`
	Status     string  `json:"status" msgpack:"status"`
}

// ApplyResult is returned by Enforcer.Apply.
type ApplyResult struct {
	Status    string    `json:"status"`
	Signature string    `json:"signature,omitempty"`
	Issues    []string  `json:"issues,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Enforcer is Tier 3: it reviews mutations and signs the approved ones.
//
// The mutation log and the signature ledger are append-only.
type Enforcer struct {
	component string
	keyring   *Keyring
	archive   Archiver
	logger    *slog.Logger
	metrics   *observability.FabricMetrics

	mu      sync.Mutex
	log     []*Mutation
	ledger  []LedgerEntry
	counter EvolutionMetrics
}

// NewEnforcer creates a Tier-3 enforcer for component.
//
// # Inputs
//
//   - component: Owning component. Selects the signing secret.
//   - keyring: Secret source. Nil uses a default keyring.
//   - store: Optional archive. Nil keeps everything in memory only.
//   - logger: Nil selects slog.Default().
//   - metrics: May be nil.
func NewEnforcer(component string, keyring *Keyring, store Archiver, logger *slog.Logger, metrics *observability.FabricMetrics) *Enforcer {
	if keyring == nil {
		keyring = NewKeyring(KeyringConfig{})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{
		component: component,
		keyring:   keyring,
		archive:   store,
		logger:    logger.With("tier", "darwin-3", "component", component),
		metrics:   metrics,
	}
}

// Component returns the owning component name.
func (e *Enforcer) Component() string { return e.component }

// Review checks a candidate against the constitution.
func (e *Enforcer) Review(candidate map[string]any) ReviewResult {
	return Review(candidate)
}

// Apply reviews, signs and records a mutation.
//
// # Description
//
// Re-reviews m.Payload and attaches the review to m. A rejected mutation is
// left unsigned and unapplied and counts as a failure. An approved one is
// signed, marked applied, and appended to the mutation log and the
// signature ledger. Both outcomes are written to the archive when one is
// configured; archive errors are logged and do not change the outcome.
//
// # Inputs
//
//   - ctx: Bounds archive writes.
//   - m: Mutation to apply. Must not be nil.
//
// # Outputs
//
//   - ApplyResult: StatusApplied, StatusRejected, or StatusFailed when no
//     signing secret could be resolved.
func (e *Enforcer) Apply(ctx context.Context, m *Mutation) ApplyResult {
	review := Review(m.Payload)
	m.Review = &review

	if !review.Approved {
		e.mu.Lock()
		e.counter.recordFailure()
		e.mu.Unlock()
		e.metrics.RecordMutation(m.Type.String(), observability.MutationRejected)
		e.logger.Info("mutation rejected",
			"mutation_id", m.ID,
			"issues", review.Issues,
			"approval_score", review.Score(),
		)
		e.archiveMutation(ctx, m)
		return ApplyResult{Status: StatusRejected, Issues: review.Issues, Timestamp: time.Now()}
	}

	sig, err := e.Sign(m)
	if err != nil {
		e.mu.Lock()
		e.counter.recordFailure()
		e.mu.Unlock()
		e.metrics.RecordMutation(m.Type.String(), observability.MutationDropped)
		e.logger.Error("mutation signing failed", "mutation_id", m.ID, "error", err)
		return ApplyResult{Status: StatusFailed, Issues: []string{err.Error()}, Timestamp: time.Now()}
	}

	m.Signature = sig
	review.Signature = sig
	m.Review = &review
	m.Applied = true

	entry := LedgerEntry{
		Signature:  sig,
		MutationID: m.ID,
		Component:  e.component,
		Timestamp:  fabric.UnixSeconds(fabric.Now()),
		Status:     StatusApplied,
	}

	e.mu.Lock()
	e.log = append(e.log, m)
	e.ledger = append(e.ledger, entry)
	e.counter.recordSuccess(improvementOf(m))
	e.mu.Unlock()

	e.metrics.RecordMutation(m.Type.String(), observability.MutationApplied)
	e.logger.Info("mutation applied", "mutation_id", m.ID, "signature", sig)

	e.archiveMutation(ctx, m)
	if e.archive != nil {
		if _, err := e.archive.Append(ctx, sig, entry); err != nil {
			e.logger.Warn("archive ledger entry failed", "mutation_id", m.ID, "error", err)
		}
	}

	return ApplyResult{Status: StatusApplied, Signature: sig, Timestamp: time.Now()}
}

// Sign computes the signature of m under this enforcer's component secret:
// "DARWIN-<COMPONENT>-" followed by a keyed 128-bit BLAKE2b digest of the
// lineage. It does not modify m.
func (e *Enforcer) Sign(m *Mutation) (string, error) {
	return SignLineage(e.keyring, e.component, m.Parents, m.Timestamp)
}

// Verify reports whether m carries the signature this enforcer would give it.
func (e *Enforcer) Verify(m *Mutation) bool {
	if m.Signature == "" {
		return false
	}
	want, err := e.Sign(m)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(m.Signature)) == 1
}

// MutationLog returns the applied mutations in order.
func (e *Enforcer) MutationLog() []MutationRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]MutationRecord, 0, len(e.log))
	for _, m := range e.log {
		out = append(out, m.Record())
	}
	return out
}

// Ledger returns a copy of the signature ledger.
func (e *Enforcer) Ledger() []LedgerEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]LedgerEntry(nil), e.ledger...)
}

// LogCount returns the number of applied mutations.
func (e *Enforcer) LogCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.log)
}

// Metrics returns a snapshot of the tier counters.
func (e *Enforcer) Metrics() EvolutionMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counter
}

func (e *Enforcer) archiveMutation(ctx context.Context, m *Mutation) {
	if e.archive == nil {
		return
	}
	if err := e.archive.Put(ctx, archive.PrefixMutation+m.ID, m.Record()); err != nil {
		e.logger.Warn("archive mutation failed", "mutation_id", m.ID, "error", err)
	}
}

// =============================================================================
// Signatures
// =============================================================================

// SignLineage signs a lineage with component's secret from keyring.
//
// # Description
//
// The digest input is the parent ids and the timestamp in seconds joined
// by "|". Identical lineage and secret always give the same signature;
// changing either changes it.
//
// # Outputs
//
//   - string: "DARWIN-<COMPONENT>-<32 hex chars>".
//   - error: ErrMissingSecret under RequireSecrets.
func SignLineage(keyring *Keyring, component string, parents []string, ts time.Time) (string, error) {
	proof, err := keyring.Sign(component, LineageData(parents, ts))
	if err != nil {
		return "", err
	}
	return signaturePrefix + componentKey(component) + "-" + proof, nil
}

// LineageData is the byte string a mutation signature covers.
func LineageData(parents []string, ts time.Time) []byte {
	parts := make([]string, 0, len(parents)+1)
	parts = append(parts, parents...)
	parts = append(parts, fabric.FormatSeconds(ts))
	return []byte(strings.Join(parts, "|"))
}

// keyedDigest returns the hex BLAKE2b digest of data of the given size,
// keyed with key. Keys longer than 64 bytes are first reduced with
// BLAKE2b-256.
func keyedDigest(key, data []byte, size int) string {
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	h, err := blake2b.New(size, key)
	if err != nil {
		panic(fmt.Sprintf("blake2b: %v", err))
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func improvementOf(m *Mutation) float64 {
	switch v := m.SuccessMetrics["improvement"].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

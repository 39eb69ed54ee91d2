// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bus implements topic-keyed publish/subscribe for envelopes.
//
// Handlers run synchronously on the publisher's goroutine, in subscription
// order. A compliance gate refuses envelopes whose payload mentions a
// restricted term, and a bounded history keeps the most recent envelopes.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/palooza/services/fabric"
	"github.com/AleutianAI/palooza/services/observability"
	"github.com/AleutianAI/palooza/services/policy"
)

// DefaultHistorySize is the number of envelopes kept in history.
const DefaultHistorySize = 1000

// DefaultRestrictedTerms are refused by the compliance gate.
var DefaultRestrictedTerms = []string{"password", "secret", "api_key"}

// Handler processes one envelope. A returned error or a panic is recorded in
// the PublishResult and does not stop sibling handlers.
type Handler func(ctx context.Context, env *fabric.Envelope) error

// HandlerResult is the outcome of one handler for one publish.
type HandlerResult struct {
	Index    int    `json:"index"`
	Err      error  `json:"-"`
	Error    string `json:"error,omitempty"`
	Panicked bool   `json:"panicked,omitempty"`
}

// OK reports whether the handler completed without error or panic.
func (r HandlerResult) OK() bool {
	return r.Err == nil
}

// PublishResult reports what happened to a published envelope.
type PublishResult struct {
	// Accepted is false only when the compliance gate refused the envelope.
	Accepted bool `json:"accepted"`

	// Reason explains a refusal.
	Reason string `json:"reason,omitempty"`

	// Handlers holds one entry per subscribed handler, in call order.
	Handlers []HandlerResult `json:"handlers"`
}

// Failed returns the number of handlers that errored or panicked.
func (r PublishResult) Failed() int {
	n := 0
	for _, h := range r.Handlers {
		if !h.OK() {
			n++
		}
	}
	return n
}

// Option configures a Bus.
type Option func(*Bus)

// WithHistorySize sets the history capacity. Values below 1 are ignored.
func WithHistorySize(size int) Option {
	return func(b *Bus) {
		if size > 0 {
			b.historySize = size
		}
	}
}

// WithRestrictedTerms replaces the compliance gate's term list.
func WithRestrictedTerms(terms []string) Option {
	return func(b *Bus) {
		b.restricted = make([]string, 0, len(terms))
		for _, term := range terms {
			if term = strings.ToLower(strings.TrimSpace(term)); term != "" {
				b.restricted = append(b.restricted, term)
			}
		}
	}
}

// Classifier detects sensitive data the restricted terms miss.
type Classifier interface {
	Classify(text string) (policy.Finding, bool)
}

// WithClassifier adds a pattern classifier to the compliance gate. A payload
// with any finding is refused like a restricted term match.
func WithClassifier(c Classifier) Option {
	return func(b *Bus) { b.classifier = c }
}

// WithLogger sets the logger. Nil selects slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *observability.FabricMetrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// Bus dispatches envelopes to topic subscribers.
//
// # Thread Safety
//
// Bus is safe for concurrent use. Handlers are invoked outside the lock, so
// a handler may itself publish or subscribe.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string][]Handler
	history     []*fabric.Envelope
	historySize int
	restricted  []string
	classifier  Classifier
	logger      *slog.Logger
	metrics     *observability.FabricMetrics
}

// New creates a Bus with the default history size and restricted terms.
func New(opts ...Option) *Bus {
	b := &Bus{
		handlers:    make(map[string][]Handler),
		historySize: DefaultHistorySize,
		restricted:  append([]string(nil), DefaultRestrictedTerms...),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.history = make([]*fabric.Envelope, 0, b.historySize)
	return b
}

// Subscribe appends h to the handler list of topic. The same handler may be
// subscribed more than once and is then called once per subscription.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Publish runs the compliance gate and dispatches env to its subscribers.
//
// # Description
//
// When the lower-cased JSON form of the payload contains a restricted term
// the envelope is refused: no handler runs, the envelope is not recorded and
// its compliance flag is cleared. Otherwise each handler runs in
// subscription order. Errors and panics are captured per handler and logged.
// The envelope is then appended to history, evicting the oldest entry when
// full.
//
// # Inputs
//
//   - ctx: Passed to every handler.
//   - env: Envelope to publish. Must not be nil.
//
// # Outputs
//
//   - PublishResult: Never panics.
func (b *Bus) Publish(ctx context.Context, env *fabric.Envelope) PublishResult {
	area := fabric.TopicArea(env.Topic)

	if reason, ok := b.violation(env); ok {
		env.Compliant = false
		b.metrics.RecordRejection(area)
		b.logger.Warn("envelope refused by compliance gate",
			"id", env.ID,
			"topic", env.Topic,
			"reason", reason,
		)
		return PublishResult{
			Accepted: false,
			Reason:   reason,
			Handlers: []HandlerResult{},
		}
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[env.Topic]...)
	b.mu.RUnlock()

	result := PublishResult{Accepted: true, Handlers: make([]HandlerResult, 0, len(handlers))}
	for i, h := range handlers {
		hr := b.safeInvoke(ctx, i, h, env)
		if !hr.OK() {
			b.metrics.RecordHandlerFailure(area, hr.Panicked)
			b.logger.Error("envelope handler failed",
				"id", env.ID,
				"topic", env.Topic,
				"handler", i,
				"panicked", hr.Panicked,
				"error", hr.Err,
			)
		}
		result.Handlers = append(result.Handlers, hr)
	}

	b.record(env)
	b.metrics.RecordPublish(area)
	return result
}

// safeInvoke calls h and converts a panic into a HandlerResult.
func (b *Bus) safeInvoke(ctx context.Context, index int, h Handler, env *fabric.Envelope) (hr HandlerResult) {
	hr.Index = index
	defer func() {
		if r := recover(); r != nil {
			hr.Panicked = true
			hr.Err = fmt.Errorf("handler panicked: %v", r)
			hr.Error = hr.Err.Error()
		}
	}()
	if err := h(ctx, env); err != nil {
		hr.Err = err
		hr.Error = err.Error()
	}
	return hr
}

// violation returns the refusal reason for the first restricted term, then
// the first classifier finding, in the payload.
func (b *Bus) violation(env *fabric.Envelope) (string, bool) {
	b.mu.RLock()
	terms := b.restricted
	b.mu.RUnlock()
	if len(terms) == 0 && b.classifier == nil {
		return "", false
	}

	text := payloadText(env.Payload)
	lower := strings.ToLower(text)
	for _, term := range terms {
		if strings.Contains(lower, term) {
			return fmt.Sprintf("payload contains restricted term %q", term), true
		}
	}
	if b.classifier != nil {
		if f, ok := b.classifier.Classify(text); ok {
			return fmt.Sprintf("payload classified as %s (%s)", f.Class, f.PatternID), true
		}
	}
	return "", false
}

// payloadText renders the payload as JSON. Values JSON cannot encode fall
// back to fmt formatting so the gate still sees them.
func payloadText(payload map[string]any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return string(data)
}

func (b *Bus) record(env *fabric.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.history) >= b.historySize {
		b.history = b.history[1:]
	}
	b.history = append(b.history, env)
}

// History returns a copy of the recorded envelopes, oldest first.
func (b *Bus) History() []*fabric.Envelope {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*fabric.Envelope, len(b.history))
	copy(out, b.history)
	return out
}

// HistoryByTopic returns recorded envelopes for one topic, oldest first.
func (b *Bus) HistoryByTopic(topic string) []*fabric.Envelope {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*fabric.Envelope
	for _, env := range b.history {
		if env.Topic == topic {
			out = append(out, env)
		}
	}
	return out
}

// Topics returns the sorted topics that have at least one subscriber.
func (b *Bus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.handlers))
	for topic := range b.handlers {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// HandlerCount returns the number of subscriptions for topic.
func (b *Bus) HandlerCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}

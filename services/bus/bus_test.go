// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/palooza/pkg/logging"
	"github.com/AleutianAI/palooza/services/fabric"
	"github.com/AleutianAI/palooza/services/observability"
	"github.com/AleutianAI/palooza/services/policy"
)

func newTestBus(opts ...Option) *Bus {
	return New(append([]Option{WithLogger(logging.Nop())}, opts...)...)
}

// =============================================================================
// Dispatch Tests
// =============================================================================

func TestPublish_RunsHandlersInSubscriptionOrder(t *testing.T) {
	b := newTestBus()
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		b.Subscribe("scrape/request", func(ctx context.Context, env *fabric.Envelope) error {
			order = append(order, name)
			return nil
		})
	}

	res := b.Publish(context.Background(), fabric.NewEnvelope("scrape/request"))

	assert.True(t, res.Accepted)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Len(t, res.Handlers, 3)
	assert.Equal(t, 0, res.Failed())
}

func TestPublish_OnlyMatchingTopic(t *testing.T) {
	b := newTestBus()
	called := false
	b.Subscribe("scrape/status", func(ctx context.Context, env *fabric.Envelope) error {
		called = true
		return nil
	})

	res := b.Publish(context.Background(), fabric.NewEnvelope("scrape/request"))

	assert.True(t, res.Accepted)
	assert.False(t, called)
	assert.Empty(t, res.Handlers)
	assert.Len(t, b.History(), 1)
}

func TestSubscribe_NoDedup(t *testing.T) {
	b := newTestBus()
	calls := 0
	h := func(ctx context.Context, env *fabric.Envelope) error {
		calls++
		return nil
	}
	b.Subscribe("t/x", h)
	b.Subscribe("t/x", h)

	b.Publish(context.Background(), fabric.NewEnvelope("t/x"))

	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, b.HandlerCount("t/x"))
	assert.Equal(t, []string{"t/x"}, b.Topics())
}

// =============================================================================
// Isolation Tests
// =============================================================================

func TestPublish_PanickingHandlerIsIsolated(t *testing.T) {
	b := newTestBus()
	bCalled := false
	b.Subscribe("t/x", func(ctx context.Context, env *fabric.Envelope) error {
		panic("handler A exploded")
	})
	b.Subscribe("t/x", func(ctx context.Context, env *fabric.Envelope) error {
		bCalled = true
		return nil
	})

	env := fabric.NewEnvelope("t/x")
	var res PublishResult
	require.NotPanics(t, func() { res = b.Publish(context.Background(), env) })

	assert.True(t, res.Accepted)
	assert.True(t, bCalled)
	require.Len(t, res.Handlers, 2)
	assert.True(t, res.Handlers[0].Panicked)
	assert.Contains(t, res.Handlers[0].Error, "handler A exploded")
	assert.True(t, res.Handlers[1].OK())
	assert.Equal(t, 1, res.Failed())

	history := b.History()
	require.Len(t, history, 1)
	assert.Equal(t, env.ID, history[0].ID)
}

func TestPublish_ErroringHandlerIsIsolated(t *testing.T) {
	b := newTestBus()
	boom := errors.New("boom")
	b.Subscribe("t/x", func(ctx context.Context, env *fabric.Envelope) error { return boom })
	b.Subscribe("t/x", func(ctx context.Context, env *fabric.Envelope) error { return nil })

	res := b.Publish(context.Background(), fabric.NewEnvelope("t/x"))

	require.Len(t, res.Handlers, 2)
	assert.ErrorIs(t, res.Handlers[0].Err, boom)
	assert.False(t, res.Handlers[0].Panicked)
	assert.True(t, res.Handlers[1].OK())
}

// =============================================================================
// Compliance Gate Tests
// =============================================================================

func TestPublish_ComplianceGateRefuses(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
	}{
		{"key", map[string]any{"password": "x"}},
		{"value", map[string]any{"note": "my Secret plan"}},
		{"nested", map[string]any{"creds": map[string]any{"API_KEY": "abc"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBus()
			called := false
			b.Subscribe("t/x", func(ctx context.Context, env *fabric.Envelope) error {
				called = true
				return nil
			})

			env := fabric.NewEnvelope("t/x", fabric.WithPayload(tt.payload))
			res := b.Publish(context.Background(), env)

			assert.False(t, res.Accepted)
			assert.NotEmpty(t, res.Reason)
			assert.False(t, called)
			assert.False(t, env.Compliant)
			assert.Empty(t, b.History())
		})
	}
}

func TestPublish_CustomRestrictedTerms(t *testing.T) {
	b := newTestBus(WithRestrictedTerms([]string{" Token ", ""}))

	res := b.Publish(context.Background(), fabric.NewEnvelope("t/x",
		fabric.WithPayload(map[string]any{"password": "allowed now"})))
	assert.True(t, res.Accepted)

	res = b.Publish(context.Background(), fabric.NewEnvelope("t/x",
		fabric.WithPayload(map[string]any{"auth": "bearer token"})))
	assert.False(t, res.Accepted)
	assert.Contains(t, res.Reason, "token")
}

func TestPublish_ClassifierRefuses(t *testing.T) {
	classifier, err := policy.NewClassifier(policy.Medium)
	require.NoError(t, err)
	b := newTestBus(WithClassifier(classifier))

	var calls int
	b.Subscribe("t/x", func(context.Context, *fabric.Envelope) error {
		calls++
		return nil
	})

	env := fabric.NewEnvelope("t/x", fabric.WithPayload(map[string]any{"note": "key AKIA1234567890123456"}))
	res := b.Publish(context.Background(), env)
	assert.False(t, res.Accepted)
	assert.Equal(t, "payload classified as secret (AWS_ACCESS_KEY_ID)", res.Reason)
	assert.False(t, env.Compliant)
	assert.Zero(t, calls)
	assert.Empty(t, b.History())

	res = b.Publish(context.Background(), fabric.NewEnvelope("t/x",
		fabric.WithPayload(map[string]any{"contact": "jdoe@example.com"})))
	assert.True(t, res.Accepted, "low confidence findings pass a medium gate")
	assert.Equal(t, 1, calls)
}

func TestPublish_ClassifierWithoutTerms(t *testing.T) {
	classifier, err := policy.NewClassifier(policy.Low)
	require.NoError(t, err)
	b := newTestBus(WithRestrictedTerms(nil), WithClassifier(classifier))

	res := b.Publish(context.Background(), fabric.NewEnvelope("t/x",
		fabric.WithPayload(map[string]any{"password": "fine"})))
	assert.True(t, res.Accepted)

	res = b.Publish(context.Background(), fabric.NewEnvelope("t/x",
		fabric.WithPayload(map[string]any{"contact": "jdoe@example.com"})))
	assert.False(t, res.Accepted)
	assert.Contains(t, res.Reason, "pii")
}

// =============================================================================
// History Tests
// =============================================================================

func TestHistory_EvictsOldest(t *testing.T) {
	b := newTestBus(WithHistorySize(3))
	var ids []string
	for i := 0; i < 5; i++ {
		env := fabric.NewEnvelope(fmt.Sprintf("t/%d", i%2))
		ids = append(ids, env.ID)
		b.Publish(context.Background(), env)
	}

	history := b.History()
	require.Len(t, history, 3)
	assert.Equal(t, ids[2], history[0].ID)
	assert.Equal(t, ids[4], history[2].ID)
	assert.Len(t, b.HistoryByTopic("t/0"), 2)
}

func TestHistory_DefaultCapacity(t *testing.T) {
	b := newTestBus()
	for i := 0; i < DefaultHistorySize+5; i++ {
		b.Publish(context.Background(), fabric.NewEnvelope("t/x"))
	}
	assert.Len(t, b.History(), DefaultHistorySize)
}

// =============================================================================
// Concurrency and Metrics Tests
// =============================================================================

func TestPublish_ConcurrentPublishers(t *testing.T) {
	b := newTestBus()
	var mu sync.Mutex
	count := 0
	b.Subscribe("t/x", func(ctx context.Context, env *fabric.Envelope) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(context.Background(), fabric.NewEnvelope("t/x"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, count)
	assert.Len(t, b.History(), 20)
}

func TestPublish_HandlerMayPublish(t *testing.T) {
	b := newTestBus()
	b.Subscribe("scrape/request", func(ctx context.Context, env *fabric.Envelope) error {
		b.Publish(ctx, fabric.NewEnvelope("scrape/status", fabric.WithCorrelationID(env.ID)))
		return nil
	})

	b.Publish(context.Background(), fabric.NewEnvelope("scrape/request"))
	assert.Len(t, b.History(), 2)
}

func TestPublish_RecordsMetrics(t *testing.T) {
	m := observability.NewFabricMetrics(prometheus.NewRegistry())
	b := newTestBus(WithMetrics(m))
	b.Subscribe("scrape/request", func(ctx context.Context, env *fabric.Envelope) error {
		return errors.New("nope")
	})

	b.Publish(context.Background(), fabric.NewEnvelope("scrape/request"))
	b.Publish(context.Background(), fabric.NewEnvelope("scrape/request",
		fabric.WithPayload(map[string]any{"secret": true})))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesPublished.WithLabelValues("scrape")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesRejected.WithLabelValues("scrape")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandlerFailures.WithLabelValues("scrape", "error")))
}

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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/palooza/services/fabric"
)

func dialStream(t *testing.T, srv *httptest.Server, topic string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream?topic=" + topic
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestStream_RequiresTopic(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/v1/stream", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStream_DeliversPublishedEnvelopes(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.Handler())
	defer srv.Close()

	conn := dialStream(t, srv, "scrape/response")
	require.Eventually(t, func() bool {
		return ts.Hub().ClientCount("scrape/response") == 1
	}, 5*time.Second, 5*time.Millisecond)

	other := fabric.NewEnvelope("llm/response")
	ts.bus.Publish(context.Background(), other)
	env := fabric.NewEnvelope("scrape/response",
		fabric.WithPayload(map[string]any{"title": "hello"}),
	)
	res := ts.bus.Publish(context.Background(), env)
	require.True(t, res.Accepted)
	assert.Equal(t, 1, ts.bus.HandlerCount("scrape/response"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)

	var got fabric.Envelope
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, "hello", got.Payload["title"])
}

func TestStream_SharesOneSubscriptionPerTopic(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.Handler())
	defer srv.Close()

	first := dialStream(t, srv, "dna/update/scraping")
	second := dialStream(t, srv, "dna/update/scraping")
	require.Eventually(t, func() bool {
		return ts.Hub().ClientCount("dna/update/scraping") == 2
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, ts.bus.HandlerCount("dna/update/scraping"))

	env := fabric.NewDNAUpdate("scraping", map[string]any{"batch_size": 10})
	ts.bus.Publish(context.Background(), env)

	for _, conn := range []*websocket.Conn{first, second} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Contains(t, string(data), env.ID)
	}
}

func TestStream_ClientRemovedOnClose(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.Handler())
	defer srv.Close()

	conn := dialStream(t, srv, "scrape/request")
	require.Eventually(t, func() bool {
		return ts.Hub().ClientCount("scrape/request") == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	_ = conn.Close()

	require.Eventually(t, func() bool {
		return ts.Hub().ClientCount("scrape/request") == 0
	}, 5*time.Second, 5*time.Millisecond)

	res := ts.bus.Publish(context.Background(), fabric.NewEnvelope("scrape/request"))
	assert.True(t, res.Accepted)
	assert.Equal(t, 0, res.Failed())
}

func TestHub_DropsForSlowClients(t *testing.T) {
	ts := newTestServer(t)
	hub := ts.Hub()
	client := hub.add("llm/request")
	defer hub.remove(client)

	for i := 0; i < streamBuffer+5; i++ {
		ts.bus.Publish(context.Background(), fabric.NewEnvelope("llm/request"))
	}

	assert.Len(t, client.send, streamBuffer)
	assert.Equal(t, 5, hub.Dropped())
}

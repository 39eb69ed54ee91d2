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
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/palooza/services/bus"
	"github.com/AleutianAI/palooza/services/fabric"
	"github.com/AleutianAI/palooza/services/observability"
)

const (
	streamBuffer     = 64
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 64 * 1024,
}

// streamClient is one websocket tap. send is closed by the hub on removal.
type streamClient struct {
	topic string
	send  chan []byte
}

// Hub fans published envelopes out to websocket clients.
//
// # Description
//
// The hub subscribes one bus handler per topic, the first time a client asks
// for that topic. The handler encodes the envelope once and offers it to
// every client of the topic without blocking; a client whose buffer is full
// misses the envelope. Bus subscriptions are never removed, so a topic with
// no clients left costs one cheap handler call per publish.
//
// # Thread Safety
//
// Safe for concurrent use.
type Hub struct {
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *observability.FabricMetrics

	mu         sync.Mutex
	clients    map[string]map[*streamClient]struct{}
	subscribed map[string]bool
	dropped    int
}

// NewHub creates a hub over b.
func NewHub(b *bus.Bus, logger *slog.Logger, metrics *observability.FabricMetrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		bus:        b,
		logger:     logger,
		metrics:    metrics,
		clients:    make(map[string]map[*streamClient]struct{}),
		subscribed: make(map[string]bool),
	}
}

// ClientCount returns the number of connected clients for topic.
func (h *Hub) ClientCount(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[topic])
}

// Dropped returns how many envelope deliveries were skipped for slow clients.
func (h *Hub) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (h *Hub) add(topic string) *streamClient {
	c := &streamClient{topic: topic, send: make(chan []byte, streamBuffer)}

	h.mu.Lock()
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*streamClient]struct{})
	}
	h.clients[topic][c] = struct{}{}
	subscribe := !h.subscribed[topic]
	h.subscribed[topic] = true
	h.mu.Unlock()

	if subscribe {
		h.bus.Subscribe(topic, h.broadcast)
	}
	h.metrics.StreamOpened()
	return c
}

func (h *Hub) remove(c *streamClient) {
	h.mu.Lock()
	if _, ok := h.clients[c.topic][c]; ok {
		delete(h.clients[c.topic], c)
		close(c.send)
	}
	h.mu.Unlock()
	h.metrics.StreamClosed()
}

// broadcast is the bus handler. It never fails the publish.
func (h *Hub) broadcast(_ context.Context, env *fabric.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Warn("stream: encode envelope", "id", env.ID, "error", err)
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[env.Topic] {
		select {
		case c.send <- data:
		default:
			h.dropped++
		}
	}
	return nil
}

// HandleStream upgrades GET /v1/stream?topic=<t> to a websocket that
// receives every envelope published on the topic as a JSON text frame.
func (h *Hub) HandleStream() gin.HandlerFunc {
	return func(c *gin.Context) {
		topic := c.Query("topic")
		if topic == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "topic query parameter is required"})
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()
		_ = ws.SetReadDeadline(time.Time{})

		client := h.add(topic)
		h.logger.Info("stream client connected", "topic", topic)

		done := make(chan struct{})
		go func() {
			defer close(done)
			// Inbound frames are ignored; reading surfaces the close.
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		h.pump(ws, client, done)
		h.remove(client)
		h.logger.Info("stream client disconnected", "topic", topic)
	}
}

// pump writes queued envelopes until the client goes away.
func (h *Hub) pump(ws *websocket.Conn, client *streamClient, done <-chan struct{}) {
	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case data, ok := <-client.send:
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Warn("stream: write failed", "topic", client.topic, "error", err)
				return
			}
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

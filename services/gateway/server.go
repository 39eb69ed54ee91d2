// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway exposes the message fabric over HTTP.
//
// # Description
//
// The gateway is a gin router that publishes envelopes onto the bus, runs
// the context refiner on demand, accepts mutations for the evolution
// orchestrator and reports its status. A websocket tap streams published
// envelopes of one topic.
//
// # Routes
//
//	GET  /health
//	GET  /metrics
//	POST /v1/messages                 JSON envelope, published
//	POST /v1/messages/binary          MessagePack envelope, published
//	GET  /v1/messages/history         ?topic= filters
//	POST /v1/refine                   ?processor= names the hop
//	POST /v1/mutations                202 with the mutation id
//	GET  /v1/darwin/status
//	GET  /v1/darwin/mutations
//	GET  /v1/darwin/ledger
//	GET  /v1/darwin/strategies/:taskType
//	GET  /v1/stream                   ?topic= websocket tap
//
// The POST routes require a bearer token when an AuthProvider other than
// the no-op one is installed.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/palooza/pkg/extensions"
	"github.com/AleutianAI/palooza/services/bus"
	"github.com/AleutianAI/palooza/services/darwin"
	"github.com/AleutianAI/palooza/services/observability"
	"github.com/AleutianAI/palooza/services/refine"
)

// DefaultMaxBodyBytes bounds request bodies.
const DefaultMaxBodyBytes = 4 << 20

// Config configures the gateway.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// ServiceName names the otelgin server spans.
	ServiceName string

	// ProcessorID is the refine hop used when ?processor= is absent.
	ProcessorID string

	// MaxBodyBytes bounds request bodies. Zero selects DefaultMaxBodyBytes.
	MaxBodyBytes int64

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Deps are the services behind the routes. Bus, Refiner and Orchestrator
// are required.
type Deps struct {
	Bus          *bus.Bus
	Refiner      *refine.Refiner
	Orchestrator *darwin.Orchestrator
	Logger       *slog.Logger
	Metrics      *observability.FabricMetrics

	// Extensions authenticates write routes and audits them. Nil fields
	// select the no-op providers.
	Extensions extensions.ServiceOptions

	// Gatherer backs /metrics. Nil selects prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// Server is the HTTP gateway.
type Server struct {
	cfg          Config
	router       *gin.Engine
	bus          *bus.Bus
	refiner      *refine.Refiner
	orchestrator *darwin.Orchestrator
	hub          *Hub
	logger       *slog.Logger
	metrics      *observability.FabricMetrics
	gatherer     prometheus.Gatherer
	ext          extensions.ServiceOptions
}

// New builds the router and registers every route.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Bus == nil || deps.Refiner == nil || deps.Orchestrator == nil {
		return nil, errors.New("gateway: bus, refiner and orchestrator are required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.ProcessorID == "" {
		cfg.ProcessorID = "gateway"
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "palooza"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:          cfg,
		bus:          deps.Bus,
		refiner:      deps.Refiner,
		orchestrator: deps.Orchestrator,
		hub:          NewHub(deps.Bus, logger, deps.Metrics),
		logger:       logger.With("service", "gateway"),
		metrics:      deps.Metrics,
		gatherer:     gatherer,
		ext:          deps.Extensions.Fill(),
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(cfg.ServiceName))
	s.router.Use(requestMetrics())
	s.setupRoutes()
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	s.logger.Info("gateway stopped")
	return nil
}

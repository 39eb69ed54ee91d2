// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/palooza/pkg/config"
	"github.com/AleutianAI/palooza/pkg/extensions"
	"github.com/AleutianAI/palooza/pkg/logging"
	"github.com/AleutianAI/palooza/services/archive"
	"github.com/AleutianAI/palooza/services/bus"
	"github.com/AleutianAI/palooza/services/darwin"
	"github.com/AleutianAI/palooza/services/gateway"
	"github.com/AleutianAI/palooza/services/llm"
	"github.com/AleutianAI/palooza/services/observability"
	"github.com/AleutianAI/palooza/services/policy"
	"github.com/AleutianAI/palooza/services/refine"
)

const telemetryFlushTimeout = 5 * time.Second

func newServeCmd(opts *globalOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway, bus, refiner and evolution orchestrator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override the listen port")
	return cmd
}

// runServe wires every component from cfg and blocks until ctx is done or
// the gateway fails.
//
// # Description
//
// Startup order: logging, telemetry, metrics, bus, collaborator, refiner
// stages, archive, orchestrator, gateway. The refiner stages subscribe
// before anything else so later subscribers, the websocket tap included,
// see refined envelopes. Shutdown runs in reverse.
func runServe(ctx context.Context, cfg config.Config) error {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		Service: "palooza",
		JSON:    cfg.Logging.JSON,
		LogDir:  cfg.Logging.LogDir,
	})
	defer logger.Close()
	log := logger.Slog()
	slog.SetDefault(log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	shutdownTelemetry, err := observability.InitTelemetry(ctx, cfg.Telemetry, reg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			log.Warn("telemetry shutdown", "error", err)
		}
	}()

	metrics := observability.NewFabricMetrics(reg)

	busOpts := []bus.Option{
		bus.WithHistorySize(cfg.Bus.HistorySize),
		bus.WithRestrictedTerms(cfg.Bus.RestrictedTerms),
		bus.WithLogger(log),
		bus.WithMetrics(metrics),
	}
	if cfg.Bus.Classify != "" {
		classifier, err := policy.NewClassifier(policy.Confidence(cfg.Bus.Classify))
		if err != nil {
			return err
		}
		busOpts = append(busOpts, bus.WithClassifier(classifier))
	}
	b := bus.New(busOpts...)

	client, err := llm.NewClient(cfg.LLM.Client())
	if err != nil {
		return fmt.Errorf("failed to create the LLM client: %w", err)
	}
	collab := llm.NewCollaborator(client, cfg.LLM.Collaborator(), log, metrics)

	refiner := refine.New(collab, log, metrics)
	for _, topic := range cfg.Refiner.Topics {
		b.Subscribe(topic, refiner.Stage(cfg.Refiner.ProcessorID))
	}

	store, err := archive.Open(cfg.Archive, log)
	if err != nil {
		return fmt.Errorf("failed to open the mutation archive: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("archive close", "error", err)
		}
	}()

	orchestrator := darwin.NewOrchestrator(cfg.Darwin.Orchestrator(), darwin.Deps{
		Collaborator: collab,
		Keyring:      darwin.NewKeyring(cfg.Darwin.Keyring()),
		Archive:      store,
		Logger:       log,
		Metrics:      metrics,
	})
	if cfg.Darwin.IntakeTopic != "" {
		b.Subscribe(cfg.Darwin.IntakeTopic, orchestrator.SubmitHandler())
	}

	ext := extensions.DefaultOptions()
	if len(cfg.Server.APITokens) > 0 {
		provider, err := extensions.NewStaticTokenProvider(cfg.Server.APITokens)
		if err != nil {
			return err
		}
		ext = ext.WithAuth(provider)
	}
	if cfg.Server.Audit {
		ext = ext.WithAudit(extensions.NewSlogAuditLogger(log))
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv, err := gateway.New(gateway.Config{
		Addr:            cfg.Server.Addr(),
		ServiceName:     cfg.Telemetry.ServiceName,
		ProcessorID:     cfg.Refiner.ProcessorID,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, gateway.Deps{
		Bus:          b,
		Refiner:      refiner,
		Orchestrator: orchestrator,
		Logger:       log,
		Metrics:      metrics,
		Extensions:   ext,
		Gatherer:     reg,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := orchestrator.Start(gctx); err != nil {
		return err
	}
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		orchestrator.Stop()
		return nil
	})

	log.Info("palooza started",
		"addr", cfg.Server.Addr(),
		"llm_backend", cfg.LLM.Backend,
		"component", cfg.Darwin.Component,
		"refined_topics", cfg.Refiner.Topics,
		"archive_in_memory", cfg.Archive.InMemory,
		"auth", len(cfg.Server.APITokens) > 0,
	)
	err = g.Wait()
	log.Info("palooza stopped", "stats", refiner.Stats(), "mutations", orchestrator.Status().MutationLogCount)
	return err
}

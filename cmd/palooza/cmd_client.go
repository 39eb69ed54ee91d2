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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/palooza/pkg/ux"
	"github.com/AleutianAI/palooza/services/darwin"
	"github.com/AleutianAI/palooza/services/gateway"
)

const clientTimeout = 30 * time.Second

// =============================================================================
// Gateway Client
// =============================================================================

// gatewayClient calls a running palooza gateway.
type gatewayClient struct {
	base  string
	token string
	http  *http.Client
}

func newGatewayClient(opts *globalOptions) *gatewayClient {
	return &gatewayClient{
		base:  strings.TrimRight(opts.server, "/"),
		token: opts.token,
		http:  &http.Client{Timeout: clientTimeout},
	}
}

// apiError is a non-2xx gateway reply.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
}

// do sends body as JSON and decodes the reply into out. Statuses listed in
// accept are decoded like successes.
func (c *gatewayClient) do(ctx context.Context, method, path string, body, out any, accept ...int) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode the request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach the gateway at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read the gateway reply: %w", err)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	for _, code := range accept {
		if resp.StatusCode == code {
			ok = true
		}
	}
	if !ok {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return &apiError{Status: resp.StatusCode, Message: e.Error}
		}
		return &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode the gateway reply: %w", err)
	}
	return nil
}

// parseObject parses a JSON object flag. Empty input yields nil.
func parseObject(flag, raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", flag, err)
	}
	return m, nil
}

// =============================================================================
// Commands
// =============================================================================

func newPublishCmd(opts *globalOptions) *cobra.Command {
	var (
		topic    string
		payload  string
		priority string
		focus    string
		keywords []string
		source   string
		ttl      int
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish an envelope through a running gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := parseObject("payload", payload)
			if err != nil {
				return err
			}
			req := map[string]any{"topic": topic, "payload": body, "source": source}
			if priority != "" {
				req["priority"] = strings.ToUpper(priority)
			}
			if focus != "" || len(keywords) > 0 {
				f := map[string]any{"keywords": keywords}
				if focus != "" {
					f["mode"] = focus
				}
				req["focus"] = f
			}
			if cmd.Flags().Changed("ttl") {
				req["ttl"] = ttl
			}

			var res gateway.PublishResponse
			client := newGatewayClient(opts)
			if err := client.do(cmd.Context(), http.MethodPost, "/v1/messages", req, &res, http.StatusUnprocessableEntity); err != nil {
				return err
			}

			p := opts.printer(cmd)
			if !res.Accepted {
				p.Warning("refused: " + res.Reason)
				return fmt.Errorf("envelope %s was refused", res.ID)
			}
			p.Success("published " + res.ID)
			p.Fields("", []ux.Field{
				ux.F("topic", res.Topic),
				ux.F("handlers", res.Handlers),
				ux.F("failed_handlers", res.Failed),
			})
			return nil
		},
	}

	cmd.Flags().StringVarP(&topic, "topic", "t", "", "routing topic, area/action[/subtype]")
	cmd.Flags().StringVar(&payload, "payload", "", "payload as a JSON object")
	cmd.Flags().StringVar(&priority, "priority", "", "CRITICAL, HIGH, NORMAL, LOW or BATCH")
	cmd.Flags().StringVar(&focus, "focus", "", "focus mode, e.g. relevance or summarization")
	cmd.Flags().StringSliceVar(&keywords, "keyword", nil, "focus keyword, repeatable")
	cmd.Flags().StringVar(&source, "source", "cli", "producing component")
	cmd.Flags().IntVar(&ttl, "ttl", 0, "time to live in seconds")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func newSubmitCmd(opts *globalOptions) *cobra.Command {
	var (
		evolutionType string
		payload       string
		parents       []string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue a mutation on a running gateway's orchestrator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := darwin.ParseEvolutionType(evolutionType); err != nil {
				return err
			}
			body, err := parseObject("payload", payload)
			if err != nil {
				return err
			}

			var res map[string]string
			client := newGatewayClient(opts)
			err = client.do(cmd.Context(), http.MethodPost, "/v1/mutations", map[string]any{
				"evolution_type":   evolutionType,
				"payload":          body,
				"parent_mutations": parents,
			}, &res)
			if err != nil {
				return err
			}
			opts.printer(cmd).Success(fmt.Sprintf("queued %s mutation %s", res["evolution_type"], res["mutation_id"]))
			return nil
		},
	}

	cmd.Flags().StringVar(&evolutionType, "type", "", "evolution type, e.g. dna_optimization")
	cmd.Flags().StringVar(&payload, "payload", "", "mutation payload as a JSON object")
	cmd.Flags().StringSliceVar(&parents, "parent", nil, "parent mutation id, repeatable")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the evolution orchestrator status of a running gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var status darwin.Status
			client := newGatewayClient(opts)
			if err := client.do(cmd.Context(), http.MethodGet, "/v1/darwin/status", nil, &status); err != nil {
				return err
			}

			opts.printer(cmd).Fields("Darwin "+status.Component, []ux.Field{
				ux.F("running", status.Running),
				ux.F("pending", status.PendingMutations),
				ux.F("processed", status.ActiveMutations),
				ux.F("ledger", status.MutationLogCount),
				ux.F("strategies", status.EvolutionHistoryCount),
				ux.F("tier1_mutations", status.Tier1.MutationCount),
				ux.F("tier2_success", status.Tier2.SuccessfulMutations),
				ux.F("tier3_success", status.Tier3.SuccessfulMutations),
				ux.F("tier3_failed", status.Tier3.FailedMutations),
			})
			return nil
		},
	}
}

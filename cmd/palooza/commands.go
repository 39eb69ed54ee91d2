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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/palooza/pkg/config"
	"github.com/AleutianAI/palooza/pkg/ux"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	output     string
	server     string
	token      string
}

// printer builds the output printer for cmd, honoring --output.
func (g *globalOptions) printer(cmd *cobra.Command) *ux.Printer {
	mode := ux.DetectMode(os.Stdout)
	if g.output != "" {
		mode = ux.ParseMode(g.output)
	}
	return ux.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), mode)
}

// loadConfig runs the full configuration pipeline: defaults, file,
// environment, validation.
func (g *globalOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "palooza",
		Short: "Topic-routed message fabric with en-route refinement and evolution",
		Long: `palooza routes focus-tagged envelopes between components, refines
their payloads hop by hop, and evolves its own parameters through a
three-tier, constitution-checked mutation pipeline.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("PALOOZA_CONFIG"),
		"path to the YAML configuration file (env PALOOZA_CONFIG)")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "",
		"output mode: rich, plain or machine (default: detected)")
	root.PersistentFlags().StringVar(&opts.server, "server", defaultServerURL(),
		"gateway base URL for client commands (env PALOOZA_SERVER)")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("PALOOZA_TOKEN"),
		"bearer token for client commands (env PALOOZA_TOKEN)")

	root.AddCommand(
		newServeCmd(opts),
		newEncodeCmd(opts),
		newDecodeCmd(opts),
		newConfigCmd(opts),
		newPublishCmd(opts),
		newSubmitCmd(opts),
		newStatusCmd(opts),
		newVersionCmd(opts),
	)
	return root
}

func newVersionCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the palooza version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			p := opts.printer(cmd)
			if p.Mode() == ux.ModeMachine {
				fmt.Fprintln(cmd.OutOrStdout(), version)
				return
			}
			p.Info("palooza " + version)
		},
	}
}

func defaultServerURL() string {
	if v := os.Getenv("PALOOZA_SERVER"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

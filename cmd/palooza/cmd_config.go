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
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/palooza/pkg/config"
)

const (
	defaultConfigFile = "palooza.yaml"
	redacted          = "********"
)

func newConfigCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect the configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration to a new file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigFile
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			opts.printer(cmd).Success("wrote " + path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(redact(cfg))
			if err != nil {
				return fmt.Errorf("failed to render the configuration: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	return cmd
}

// redact masks credentials. cfg is a copy but its maps are shared, so the
// secrets map is rebuilt rather than edited.
func redact(cfg config.Config) config.Config {
	if cfg.LLM.APIKey != "" {
		cfg.LLM.APIKey = redacted
	}
	if len(cfg.Server.APITokens) > 0 {
		masked := make([]string, len(cfg.Server.APITokens))
		for i, entry := range cfg.Server.APITokens {
			masked[i] = redacted
			if name, _, ok := strings.Cut(entry, ":"); ok {
				masked[i] = name + ":" + redacted
			}
		}
		cfg.Server.APITokens = masked
	}
	if len(cfg.Darwin.Secrets) > 0 {
		masked := make(map[string]string, len(cfg.Darwin.Secrets))
		for component := range cfg.Darwin.Secrets {
			masked[component] = redacted
		}
		cfg.Darwin.Secrets = masked
	}
	return cfg
}

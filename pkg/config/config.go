// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the palooza configuration file.
//
// A configuration is built in three steps: Default, then the YAML file
// (Load), then environment overrides (ApplyEnv). Validate runs last.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/palooza/services/archive"
	"github.com/AleutianAI/palooza/services/bus"
	"github.com/AleutianAI/palooza/services/darwin"
	"github.com/AleutianAI/palooza/services/fabric"
	"github.com/AleutianAI/palooza/services/llm"
	"github.com/AleutianAI/palooza/services/observability"
)

// Environment overrides.
const (
	EnvPort         = "PALOOZA_PORT"
	EnvLogLevel     = "PALOOZA_LOG_LEVEL"
	EnvBackend      = "LLM_BACKEND_TYPE"
	EnvOllamaURL    = "OLLAMA_BASE_URL"
	EnvOllamaModel  = "OLLAMA_MODEL"
	EnvOpenAIKey    = "OPENAI_API_KEY"
	EnvOpenAIModel  = "OPENAI_MODEL"
	EnvAnthropicKey = "ANTHROPIC_API_KEY"
	EnvClaudeModel  = "CLAUDE_MODEL"
	EnvLlamaCppURL  = "LLM_SERVICE_URL_BASE"
	EnvAPITokens    = "PALOOZA_API_TOKENS"
)

// ErrMissingAPIKey is returned by Validate for the openai backend without a key.
var ErrMissingAPIKey = errors.New("openai backend requires an API key")

var validate = validator.New()

// =============================================================================
// Types
// =============================================================================

// Config is the root of the configuration file.
type Config struct {
	Server    ServerConfig                  `yaml:"server"`
	LLM       LLMConfig                     `yaml:"llm"`
	Bus       BusConfig                     `yaml:"bus"`
	Refiner   RefinerConfig                 `yaml:"refiner"`
	Darwin    DarwinConfig                  `yaml:"darwin"`
	Archive   archive.Config                `yaml:"archive"`
	Logging   LoggingConfig                 `yaml:"logging"`
	Telemetry observability.TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port" validate:"gte=1,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`

	// APITokens, as "name:token" or bare tokens, protect the write routes.
	// Empty leaves the gateway open.
	APITokens []string `yaml:"api_tokens" validate:"dive,required"`

	// Audit logs every write route call.
	Audit bool `yaml:"audit"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LLMConfig selects the text-generation collaborator.
type LLMConfig struct {
	Backend           string        `yaml:"backend" validate:"oneof=ollama openai anthropic llamacpp"`
	BaseURL           string        `yaml:"base_url" validate:"omitempty,url"`
	Model             string        `yaml:"model"`
	APIKey            string        `yaml:"api_key"`
	Timeout           time.Duration `yaml:"timeout" validate:"gte=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" validate:"gte=0"`
}

// Client returns the backend selection for llm.NewClient.
func (c LLMConfig) Client() llm.ClientConfig {
	return llm.ClientConfig{
		Backend: c.Backend,
		BaseURL: c.BaseURL,
		Model:   c.Model,
		APIKey:  c.APIKey,
	}
}

// Collaborator returns the call policy for llm.NewCollaborator.
func (c LLMConfig) Collaborator() llm.CollaboratorConfig {
	return llm.CollaboratorConfig{
		Backend:           c.Backend,
		Timeout:           c.Timeout,
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
	}
}

// BusConfig configures the message bus.
type BusConfig struct {
	HistorySize     int      `yaml:"history_size" validate:"gte=1"`
	RestrictedTerms []string `yaml:"restricted_terms" validate:"dive,required"`

	// Classify enables the pattern classifier at the given minimum
	// confidence: low, medium or high. Empty disables it.
	Classify string `yaml:"classify" validate:"omitempty,oneof=low medium high"`
}

// RefinerConfig configures the context refiner.
type RefinerConfig struct {
	// ProcessorID is recorded as the hop when a request names none, and by
	// the in-bus refine stage.
	ProcessorID string `yaml:"processor_id" validate:"required"`

	// Topics are refined en route: serve subscribes a refine stage to each
	// before any other handler.
	Topics []string `yaml:"topics" validate:"dive,required"`
}

// DarwinConfig configures the evolution orchestrator and its keyring.
type DarwinConfig struct {
	Component      string                 `yaml:"component" validate:"required"`
	PollInterval   time.Duration          `yaml:"poll_interval" validate:"gte=0"`
	IntakeTopic    string                 `yaml:"intake_topic"`
	RequireSecrets bool                   `yaml:"require_secrets"`
	Secrets        map[string]string      `yaml:"secrets,omitempty"`
	Optimizer      darwin.OptimizerConfig `yaml:"optimizer"`
	Strategy       darwin.StrategyConfig  `yaml:"strategy"`
}

// Orchestrator returns the orchestrator configuration.
func (d DarwinConfig) Orchestrator() darwin.Config {
	return darwin.Config{
		Component:    d.Component,
		PollInterval: d.PollInterval,
		Optimizer:    d.Optimizer,
		Strategy:     d.Strategy,
	}
}

// Keyring returns the keyring configuration.
func (d DarwinConfig) Keyring() darwin.KeyringConfig {
	return darwin.KeyringConfig{Secrets: d.Secrets, RequireSecrets: d.RequireSecrets}
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn warning error"`
	JSON   bool   `yaml:"json"`
	LogDir string `yaml:"log_dir"`
}

// =============================================================================
// Loading
// =============================================================================

// Default returns a configuration that runs locally against Ollama with an
// in-memory archive.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		LLM: LLMConfig{
			Backend: llm.BackendOllama,
			BaseURL: llm.DefaultOllamaBaseURL,
			Model:   llm.DefaultOllamaModel,
			Timeout: llm.DefaultTimeout,
		},
		Bus: BusConfig{
			HistorySize:     bus.DefaultHistorySize,
			RestrictedTerms: append([]string(nil), bus.DefaultRestrictedTerms...),
		},
		Refiner: RefinerConfig{
			ProcessorID: "gateway",
			Topics:      []string{fabric.TopicScrapeResponse},
		},
		Darwin: DarwinConfig{
			Component:    "palooza",
			PollInterval: darwin.DefaultPollInterval,
			IntakeTopic:  fabric.TopicDarwinMutation,
			Optimizer:    darwin.DefaultOptimizerConfig(),
			Strategy:     darwin.DefaultStrategyConfig(),
		},
		Archive:   archive.DefaultConfig(),
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: observability.DefaultTelemetryConfig(),
	}
}

// Load reads path over Default. An empty path returns Default unchanged.
// Environment overrides are not applied.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read the config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}
	return cfg, nil
}

// WriteDefault writes Default as YAML to path, creating parent directories.
// An existing file is left untouched and reported as an error.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ApplyEnv overlays the environment overrides. LLM_BACKEND_TYPE is applied
// first so the model and URL variables land on the selected backend.
func (c *Config) ApplyEnv() error {
	if v, ok := lookup(EnvPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup(EnvAPITokens); ok {
		c.Server.APITokens = strings.Split(v, ",")
	}
	if v, ok := lookup(EnvLogLevel); ok {
		c.Logging.Level = strings.ToLower(v)
	}
	if v, ok := lookup(EnvBackend); ok {
		c.LLM.Backend = strings.ToLower(v)
	}

	switch c.LLM.Backend {
	case llm.BackendOllama:
		if v, ok := lookup(EnvOllamaURL); ok {
			c.LLM.BaseURL = v
		}
		if v, ok := lookup(EnvOllamaModel); ok {
			c.LLM.Model = v
		}
	case llm.BackendOpenAI:
		if v, ok := lookup(EnvOpenAIKey); ok {
			c.LLM.APIKey = v
		}
		if v, ok := lookup(EnvOpenAIModel); ok {
			c.LLM.Model = v
		}
	case llm.BackendAnthropic:
		if v, ok := lookup(EnvAnthropicKey); ok {
			c.LLM.APIKey = v
		}
		if v, ok := lookup(EnvClaudeModel); ok {
			c.LLM.Model = v
		}
	case llm.BackendLlamaCpp:
		if v, ok := lookup(EnvLlamaCppURL); ok {
			c.LLM.BaseURL = v
		}
	}
	return nil
}

// Validate checks field constraints and the cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.LLM.Backend == llm.BackendOpenAI && c.LLM.APIKey == "" {
		return fmt.Errorf("invalid configuration: %w", ErrMissingAPIKey)
	}
	if c.LLM.Backend == llm.BackendLlamaCpp && c.LLM.BaseURL == "" {
		return errors.New("invalid configuration: llm.base_url is required for the llamacpp backend")
	}
	if !c.Archive.InMemory && c.Archive.Path == "" {
		return errors.New("invalid configuration: archive.path is required unless archive.in_memory is set")
	}
	return nil
}

// lookup treats empty variables as unset.
func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

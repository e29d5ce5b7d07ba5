// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flow

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// MaxConfigBytes caps a session configuration file.
const MaxConfigBytes = 1 << 20

// sessionValidate is the validator instance for session configuration.
var sessionValidate *validator.Validate

func init() {
	sessionValidate = validator.New()
}

// Config configures a Session.
//
// The zero value is not usable. Start from DefaultConfig or load a
// flow.yaml with LoadConfig, then override fields as needed:
//
//	workspace: /home/dev/repo
//	data_dir: /home/dev/.aleutian/flow
//	vcs: git
//	providers:
//	  ollama:
//	    base_url: http://localhost:11434
//	index:
//	  weaviate:
//	    url: http://localhost:8080
//
// Everything except Workspace is optional. An empty DataDir keeps the
// ledger memory-only with no journal, an empty LockDir keeps locking
// in-process, and an empty Providers section leaves the session with
// no LLM steps available.
type Config struct {
	// Workspace is the root directory the session operates on. Every
	// file path in a run is resolved inside it.
	Workspace string `yaml:"workspace" validate:"required"`

	// SessionID names this session in journal keys, lock files, and
	// log lines. Generated when empty.
	SessionID string `yaml:"session_id,omitempty"`

	// DataDir is where the session persists its journal. Empty means
	// memory-only: no journal, no crash recovery.
	DataDir string `yaml:"data_dir,omitempty"`

	// LockDir holds cross-process lock files. Empty keeps lock
	// arbitration in-process.
	LockDir string `yaml:"lock_dir,omitempty"`

	// VCS selects the checkpoint backend: "git" (default) or
	// "memory".
	VCS string `yaml:"vcs,omitempty" validate:"omitempty,oneof=git memory"`

	// Workers bounds batch concurrency for the parallel and swarm
	// policies. Zero means the scheduler default.
	Workers int `yaml:"workers,omitempty" validate:"gte=0"`

	// MaxInFlight caps admitted tasks under the concurrent policy.
	// Zero admits everything at once.
	MaxInFlight int `yaml:"max_in_flight,omitempty" validate:"gte=0"`

	// LockTimeoutSeconds bounds how long a run waits for a file lock.
	// Zero means the lock manager default.
	LockTimeoutSeconds int `yaml:"lock_timeout_seconds,omitempty" validate:"gte=0"`

	// LockTTLSeconds is the staleness horizon for cross-process lock
	// files. Zero means the lock manager default.
	LockTTLSeconds int `yaml:"lock_ttl_seconds,omitempty" validate:"gte=0"`

	// Providers configures the LLM backends registered with the
	// session.
	Providers ProvidersConfig `yaml:"providers,omitempty"`

	// Index configures semantic indexing of applied diffs.
	Index IndexConfig `yaml:"index,omitempty"`

	// Logging configures the process logger. Consumed by the CLI, not
	// by the session itself.
	Logging LoggingConfig `yaml:"logging,omitempty"`

	// Telemetry configures trace and metric export. Consumed by the
	// CLI, not by the session itself.
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`

	// Logger receives session logs. Defaults to slog.Default.
	Logger *slog.Logger `yaml:"-"`
}

// ProvidersConfig selects which LLM backends the session registers.
// A nil section skips that backend.
type ProvidersConfig struct {
	Ollama *OllamaProviderConfig `yaml:"ollama,omitempty"`
	OpenAI *OpenAIProviderConfig `yaml:"openai,omitempty"`
}

// OllamaProviderConfig configures the local Ollama backend.
type OllamaProviderConfig struct {
	// BaseURL is the Ollama server, e.g. http://localhost:11434.
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// Model is the default model for steps that do not name one.
	Model string `yaml:"model,omitempty"`
}

// OpenAIProviderConfig configures the OpenAI-compatible backend.
type OpenAIProviderConfig struct {
	// APIKey authenticates requests. When empty the whole backend is
	// configured from the environment instead: OPENAI_API_KEY or the
	// mounted secret for the key, OPENAI_MODEL and OPENAI_BASE_URL
	// for the rest, and the fields below are ignored.
	APIKey string `yaml:"api_key,omitempty"`

	// BaseURL overrides the OpenAI endpoint for compatible servers.
	BaseURL string `yaml:"base_url,omitempty" validate:"omitempty,url"`

	// Model is the default model for steps that do not name one.
	Model string `yaml:"model,omitempty"`
}

// IndexConfig configures semantic indexing. A nil Weaviate section
// disables indexing entirely.
type IndexConfig struct {
	Weaviate *WeaviateIndexConfig `yaml:"weaviate,omitempty"`
}

// WeaviateIndexConfig configures the Weaviate diff index.
type WeaviateIndexConfig struct {
	// URL is the Weaviate instance, e.g. http://localhost:8080.
	URL string `yaml:"url" validate:"required,url"`

	// Class is the Weaviate class diffs land in.
	Class string `yaml:"class,omitempty"`
}

// LoggingConfig mirrors the pkg/logging options a flow.yaml can set.
type LoggingConfig struct {
	// Level is the minimum severity: debug, info, warn, or error.
	Level string `yaml:"level,omitempty" validate:"omitempty,oneof=debug info warn warning error"`

	// Dir enables file logging when set.
	Dir string `yaml:"dir,omitempty"`

	// JSON switches stderr output to JSON.
	JSON bool `yaml:"json,omitempty"`

	// Quiet suppresses stderr output.
	Quiet bool `yaml:"quiet,omitempty"`
}

// TelemetryConfig mirrors the telemetry options a flow.yaml can set.
type TelemetryConfig struct {
	// Enabled turns the OpenTelemetry stack on.
	Enabled bool `yaml:"enabled,omitempty"`

	// TraceExporter selects the trace exporter: otlp, stdout, or none.
	TraceExporter string `yaml:"trace_exporter,omitempty" validate:"omitempty,oneof=otlp stdout none"`

	// MetricExporter selects the metric exporter: prometheus, stdout,
	// or none.
	MetricExporter string `yaml:"metric_exporter,omitempty" validate:"omitempty,oneof=prometheus stdout none"`

	// OTLPEndpoint is the OTLP receiver for traces.
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`

	// PrometheusPort serves /metrics when the prometheus exporter is
	// selected.
	PrometheusPort int `yaml:"prometheus_port,omitempty" validate:"omitempty,gte=1,lte=65535"`
}

// DefaultConfig returns a configuration for a session on the current
// directory: git checkpoints, memory-only ledger, in-process locks, no
// providers, no indexing.
func DefaultConfig() Config {
	return Config{
		Workspace: ".",
		VCS:       "git",
	}
}

// Validate checks the configuration against its constraints.
func (c *Config) Validate() error {
	if err := sessionValidate.Struct(c); err != nil {
		return fmt.Errorf("session configuration failed validation: %w", err)
	}
	return nil
}

// LoadConfig reads and validates a YAML session configuration file.
//
// # Inputs
//
//   - path: The flow.yaml path.
//
// # Outputs
//
//   - Config: The validated configuration. Fields absent from the
//     file keep their DefaultConfig values.
//   - error: A read, parse, or validation error.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading session configuration %s: %w", path, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("session configuration %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig unmarshals and validates a YAML session configuration.
func ParseConfig(data []byte) (Config, error) {
	if len(data) == 0 {
		return Config{}, fmt.Errorf("flow: empty configuration")
	}
	if len(data) > MaxConfigBytes {
		return Config{}, fmt.Errorf("flow: configuration exceeds %d bytes", MaxConfigBytes)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling session configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

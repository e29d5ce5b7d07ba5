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
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/pkg/logging"
	"github.com/AleutianAI/AleutianFlow/pkg/ux"
	"github.com/AleutianAI/AleutianFlow/services/flow"
	"github.com/AleutianAI/AleutianFlow/services/flow/diff"
	"github.com/AleutianAI/AleutianFlow/services/flow/engine"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
)

// defaultConfigFile is probed when --config is not given.
const defaultConfigFile = "flow.yaml"

// ===== GLOBAL FLAGS =====

var (
	flagConfig    string
	flagWorkspace string
	flagSessionID string
	flagDataDir   string
	flagLockDir   string
	flagLogLevel  string
	flagLogDir    string
	flagLogJSON   bool
	flagQuiet     bool
)

var rootCmd = &cobra.Command{
	Use:   "flow",
	Short: "Run checkpointed LLM code modification flows",
	Long: `flow executes YAML-defined LLM flows against a local workspace.

Every file change a run makes is recorded as a reversible diff, so the
workspace can be rolled back to any checkpoint or point in time. Runs
within one session share a change journal, a lock table, and the
configured model providers.`,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "c", "", "Path to a session config file (default: ./flow.yaml when present)")
	pf.StringVarP(&flagWorkspace, "workspace", "w", "", "Workspace root the flows modify (overrides config)")
	pf.StringVar(&flagSessionID, "session-id", "", "Session id to create or resume (overrides config)")
	pf.StringVar(&flagDataDir, "data-dir", "", "Directory for the durable change journal (overrides config)")
	pf.StringVar(&flagLockDir, "lock-dir", "", "Directory for cross-process file locks (overrides config)")
	pf.StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	pf.StringVar(&flagLogDir, "log-dir", "", "Directory for JSON log files (overrides config)")
	pf.BoolVar(&flagLogJSON, "log-json", false, "Emit stderr logs as JSON")
	pf.BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress stderr logs and text output")
}

// ===== SESSION WIRING =====

// loadSessionConfig resolves the session configuration for a command.
//
// Resolution order: the --config flag, then ./flow.yaml when it
// exists, then built-in defaults. Flag overrides are applied by
// applyFlagOverrides afterwards, not here.
func loadSessionConfig() (flow.Config, error) {
	if flagConfig != "" {
		return flow.LoadConfig(flagConfig)
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return flow.LoadConfig(defaultConfigFile)
	}
	return flow.DefaultConfig(), nil
}

// applyFlagOverrides layers persistent flag values over cfg.
func applyFlagOverrides(cfg *flow.Config) {
	if flagWorkspace != "" {
		cfg.Workspace = flagWorkspace
	}
	if flagSessionID != "" {
		cfg.SessionID = flagSessionID
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagLockDir != "" {
		cfg.LockDir = flagLockDir
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagLogDir != "" {
		cfg.Logging.Dir = flagLogDir
	}
	if flagLogJSON {
		cfg.Logging.JSON = true
	}
	if flagQuiet {
		cfg.Logging.Quiet = true
	}
}

// configureOutput pins terminal styling off for machine-readable modes.
// Interactive runs keep the TTY auto-detection from package ux.
func configureOutput(jsonMode bool) {
	if jsonMode || flagQuiet {
		ux.SetPlain(true)
	}
}

// buildLogger constructs the CLI logger from the logging section.
func buildLogger(cfg flow.Config) (*logging.Logger, error) {
	level := logging.LevelInfo
	if cfg.Logging.Level != "" {
		parsed, err := logging.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		level = parsed
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "flow",
		JSON:    cfg.Logging.JSON,
		Quiet:   cfg.Logging.Quiet,
	}), nil
}

// telemetrySettings maps the yaml telemetry section onto the
// telemetry defaults, keeping env-derived values where the file is
// silent.
func telemetrySettings(cfg flow.Config) telemetry.Config {
	tc := telemetry.DefaultConfig()
	if cfg.Telemetry.TraceExporter != "" {
		tc.TraceExporter = cfg.Telemetry.TraceExporter
	}
	if cfg.Telemetry.MetricExporter != "" {
		tc.MetricExporter = cfg.Telemetry.MetricExporter
	}
	if cfg.Telemetry.OTLPEndpoint != "" {
		tc.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.PrometheusPort != 0 {
		tc.PrometheusPort = cfg.Telemetry.PrometheusPort
	}
	return tc
}

// startMetricsServer exposes /metrics when the prometheus exporter is
// active. Long batch runs are scraped in place; short runs simply exit
// with the listener.
func startMetricsServer(tc telemetry.Config, logger *logging.Logger) {
	if tc.MetricExporter != "prometheus" {
		return
	}
	addr := fmt.Sprintf(":%d", tc.PrometheusPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warn("metrics listener stopped", "addr", addr, "error", err)
		}
	}()
	logger.Info("metrics exposed", "addr", addr, "path", "/metrics")
}

// openSession builds the logger, telemetry, and session for one
// command invocation.
//
// # Inputs
//
//   - ctx: Context for telemetry exporter setup.
//   - mutate: Optional per-command config adjustment, applied after
//     the persistent flag overrides. May be nil.
//
// # Outputs
//
//   - *flow.Session: The opened session.
//   - *logging.Logger: The CLI logger, shared with the session.
//   - func(): Cleanup. Closes the session, flushes telemetry, and
//     closes the logger, in that order. Always safe to call once.
//   - error: Non-nil if configuration, logging, or session setup fails.
func openSession(ctx context.Context, mutate func(*flow.Config)) (*flow.Session, *logging.Logger, func(), error) {
	cfg, err := loadSessionConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	applyFlagOverrides(&cfg)
	if mutate != nil {
		mutate(&cfg)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	// cleanup runs the teardown stack in reverse registration order.
	cleanups := []func(){func() { _ = logger.Close() }}
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if cfg.Telemetry.Enabled {
		tc := telemetrySettings(cfg)
		shutdown, terr := telemetry.Init(ctx, tc)
		if terr != nil {
			logger.Warn("telemetry disabled", "error", terr)
		} else {
			cleanups = append(cleanups, func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if serr := shutdown(sctx); serr != nil {
					logger.Warn("telemetry shutdown", "error", serr)
				}
			})
			startMetricsServer(tc, logger)
		}
	}

	sessCfg := cfg
	sessCfg.Logger = logger.Slog()
	sess, err := flow.NewSession(sessCfg)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	cleanups = append(cleanups, func() {
		if cerr := sess.Close(); cerr != nil {
			logger.Warn("session close", "error", cerr)
		}
	})

	return sess, logger, cleanup, nil
}

// signalContext returns a context canceled on SIGINT or SIGTERM, so
// an interrupted run still journals what it finished and releases its
// locks.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// parseExecOptions builds engine options from command flags. Empty
// values defer to the engine defaults.
func parseExecOptions(mode, commitPolicy string, tracked []string) (engine.Options, error) {
	opts := engine.Options{TrackedFiles: tracked}
	if mode != "" {
		m := diff.Mode(mode)
		if !m.Valid() {
			return opts, fmt.Errorf("unknown diff mode %q (want file or function)", mode)
		}
		opts.Mode = m
	}
	if commitPolicy != "" {
		p := engine.CommitPolicy(commitPolicy)
		if !p.Valid() {
			return opts, fmt.Errorf("unknown commit policy %q (want per_run, per_step, or none)", commitPolicy)
		}
		opts.CommitPolicy = p
	}
	return opts, nil
}

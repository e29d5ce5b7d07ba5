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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/pkg/ux"
	"github.com/AleutianAI/AleutianFlow/services/flow"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowdef"
	"github.com/AleutianAI/AleutianFlow/services/flow/schedule"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	batchPolicy       string
	batchInput        string
	batchMode         string
	batchCommitPolicy string
	batchWorkers      int
	batchMaxInFlight  int
	batchJSON         bool
	batchCompact      bool
)

var batchCmd = &cobra.Command{
	Use:   "batch <dir | flow.yaml ...>",
	Short: "Execute several flows under one scheduling policy",
	Long: `Execute a set of flow definitions as one batch.

Arguments are flow files or directories; a directory contributes its
*.yaml and *.yml files in name order. All tasks run inside a single
session, so they share the change journal, the lock table, and the
providers.

Policies: sequential runs tasks in order and stops on the first
failure; parallel runs up to --workers at once; concurrent bounds
in-flight provider calls instead of whole runs; swarm runs in waves
of --workers.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runBatch,
}

func init() {
	batchCmd.Flags().StringVarP(&batchPolicy, "policy", "p", string(schedule.PolicyParallel), "Scheduling policy: sequential, parallel, concurrent, or swarm")
	batchCmd.Flags().StringVarP(&batchInput, "input", "i", "", "Initial user input handed to every task")
	batchCmd.Flags().StringVar(&batchMode, "mode", "", "Diff granularity: file or function (default file)")
	batchCmd.Flags().StringVar(&batchCommitPolicy, "commit-policy", "", "Checkpoint policy: per_run, per_step, or none (default per_run)")
	batchCmd.Flags().IntVar(&batchWorkers, "workers", 0, "Simultaneous runs for the parallel and swarm policies (overrides config)")
	batchCmd.Flags().IntVar(&batchMaxInFlight, "max-in-flight", 0, "In-flight provider call bound for the concurrent policy (overrides config)")
	batchCmd.Flags().BoolVar(&batchJSON, "json", false, "Output as JSON")
	batchCmd.Flags().BoolVar(&batchCompact, "compact", false, "Compact JSON output")
	rootCmd.AddCommand(batchCmd)
}

// =============================================================================
// BATCH COMMAND
// =============================================================================

// BatchReport holds the output of one batch.
type BatchReport struct {
	Policy     string       `json:"policy"`
	Tasks      int          `json:"tasks"`
	Failed     int          `json:"failed"`
	DurationMs int64        `json:"duration_ms"`
	Results    []TaskReport `json:"results"`
}

// TaskReport holds the outcome of a single batch task.
type TaskReport struct {
	Name        string   `json:"name"`
	RunID       string   `json:"run_id,omitempty"`
	Success     bool     `json:"success"`
	Error       string   `json:"error,omitempty"`
	Files       []string `json:"files,omitempty"`
	Checkpoints []string `json:"checkpoints,omitempty"`
	DurationMs  int64    `json:"duration_ms"`
}

// runBatch is the CLI handler for the "flow batch" command.
//
// It collects flow definitions from the arguments, runs them as one
// batch, and reports per-task outcomes.
//
// # Exit Codes
//
//   - 0: All tasks completed
//   - 1: Batch executed but at least one task failed
//   - 2: Configuration, definition, policy, or session error
func runBatch(cmd *cobra.Command, args []string) {
	start := time.Now()
	configureOutput(batchJSON)
	outputCfg := OutputConfig{JSON: batchJSON, Compact: batchCompact, Quiet: flagQuiet}

	paths, err := collectFlowPaths(args)
	if err != nil {
		OutputError(batchJSON, "Collecting flow definitions failed", err)
		os.Exit(CLIExitError)
	}

	opts, err := parseExecOptions(batchMode, batchCommitPolicy, nil)
	if err != nil {
		OutputError(batchJSON, "Invalid options", err)
		os.Exit(CLIExitError)
	}

	tasks := make([]flow.BatchTask, 0, len(paths))
	for _, path := range paths {
		def, err := flowdef.Load(path)
		if err != nil {
			OutputError(batchJSON, "Loading flow definition failed", err)
			os.Exit(CLIExitError)
		}
		tasks = append(tasks, flow.BatchTask{Flow: def, Input: batchInput, Options: opts})
	}

	ctx, stop := signalContext()
	defer stop()

	sess, _, cleanup, err := openSession(ctx, func(cfg *flow.Config) {
		if batchWorkers > 0 {
			cfg.Workers = batchWorkers
		}
		if batchMaxInFlight > 0 {
			cfg.MaxInFlight = batchMaxInFlight
		}
	})
	if err != nil {
		OutputError(batchJSON, "Opening session failed", err)
		os.Exit(CLIExitError)
	}

	spin := ux.NewSpinner(fmt.Sprintf("running %d tasks (%s)", len(tasks), batchPolicy))
	spin.Start()
	results, batchErr := sess.RunBatch(ctx, tasks, schedule.Policy(batchPolicy))
	spin.Stop()
	cleanup()

	if batchErr != nil {
		OutputError(batchJSON, "Batch failed", batchErr)
		os.Exit(CLIExitError)
	}

	report := buildBatchReport(batchPolicy, results, time.Since(start))
	if !outputCfg.JSON && !outputCfg.Quiet {
		printBatchText(report)
	}
	os.Exit(OutputResult(outputCfg, "batch", start, report, report.Failed > 0, nil))
}

// collectFlowPaths expands the argument list into flow file paths.
// Directories contribute their *.yaml and *.yml entries sorted by
// name; files pass through as given.
func collectFlowPaths(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		var found []string
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			switch filepath.Ext(entry.Name()) {
			case ".yaml", ".yml":
				found = append(found, filepath.Join(arg, entry.Name()))
			}
		}
		if len(found) == 0 {
			return nil, fmt.Errorf("no flow definitions in %s", arg)
		}
		sort.Strings(found)
		paths = append(paths, found...)
	}
	if len(paths) == 0 {
		return nil, errors.New("no flow definitions given")
	}
	return paths, nil
}

// buildBatchReport flattens scheduler results into the report shape.
func buildBatchReport(policy string, results []schedule.TaskResult, elapsed time.Duration) BatchReport {
	report := BatchReport{
		Policy:     policy,
		Tasks:      len(results),
		DurationMs: elapsed.Milliseconds(),
	}
	for _, res := range results {
		tr := TaskReport{
			Name:        res.Name,
			RunID:       res.RunID,
			Success:     res.Err == nil,
			Files:       res.Files,
			Checkpoints: res.Checkpoints,
			DurationMs:  res.Duration.Milliseconds(),
		}
		if res.Err != nil {
			tr.Error = res.Err.Error()
			report.Failed++
		}
		report.Results = append(report.Results, tr)
	}
	return report
}

// printBatchText writes the human-readable batch summary to stdout.
func printBatchText(r BatchReport) {
	fmt.Printf("batch of %d tasks (%s) finished in %dms, %d failed\n", r.Tasks, r.Policy, r.DurationMs, r.Failed)
	for _, t := range r.Results {
		status := "completed"
		icon := ux.IconSuccess
		if !t.Success {
			status = "failed"
			icon = ux.IconError
		}
		fmt.Printf("  %s %-24s %-10s %6dms  run=%s\n", icon.Render(), t.Name, status, t.DurationMs, t.RunID)
		if t.Error != "" {
			fmt.Printf("      error: %s\n", t.Error)
		}
	}
}

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
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/pkg/ux"
	"github.com/AleutianAI/AleutianFlow/services/flow/engine"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowdef"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	runInput        string
	runMode         string
	runCommitPolicy string
	runTracked      []string
	runJSON         bool
	runCompact      bool
)

var runCmd = &cobra.Command{
	Use:   "run <flow.yaml>",
	Short: "Execute one flow against the workspace",
	Long: `Execute a YAML flow definition against the configured workspace.

Each step sends the accumulated conversation to its provider; tool-run
steps let the model edit files through the registered tools. File
changes are journaled as reversible diffs and, by default, committed
as one checkpoint when the run completes.`,
	Args: cobra.ExactArgs(1),
	Run:  runFlow,
}

func init() {
	runCmd.Flags().StringVarP(&runInput, "input", "i", "", "Initial user input handed to the first step")
	runCmd.Flags().StringVar(&runMode, "mode", "", "Diff granularity: file or function (default file)")
	runCmd.Flags().StringVar(&runCommitPolicy, "commit-policy", "", "Checkpoint policy: per_run, per_step, or none (default per_run)")
	runCmd.Flags().StringSliceVar(&runTracked, "track", nil, "Workspace-relative files to seed the tracked set")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Output as JSON")
	runCmd.Flags().BoolVar(&runCompact, "compact", false, "Compact JSON output")
	rootCmd.AddCommand(runCmd)
}

// =============================================================================
// RUN COMMAND
// =============================================================================

// RunReport holds the output of one flow run.
type RunReport struct {
	Flow        string       `json:"flow"`
	RunID       string       `json:"run_id"`
	Success     bool         `json:"success"`
	Output      string       `json:"output,omitempty"`
	FailedStep  string       `json:"failed_step,omitempty"`
	Error       string       `json:"error,omitempty"`
	Files       []string     `json:"files,omitempty"`
	Checkpoints []string     `json:"checkpoints,omitempty"`
	Steps       []StepReport `json:"steps"`
	DurationMs  int64        `json:"duration_ms"`
}

// StepReport holds the outcome of a single step.
type StepReport struct {
	Name         string   `json:"name"`
	Status       string   `json:"status"`
	DurationMs   int64    `json:"duration_ms"`
	Diffs        int      `json:"diffs,omitempty"`
	Error        string   `json:"error,omitempty"`
	ToolFailures []string `json:"tool_failures,omitempty"`
}

// runFlow is the CLI handler for the "flow run" command.
//
// It loads the flow definition, opens the session, executes the flow,
// and reports per-step outcomes plus the files and checkpoints the
// run produced.
//
// # Exit Codes
//
//   - 0: Run completed
//   - 1: Run executed but failed (the report names the failed step)
//   - 2: Configuration, definition, or session error
func runFlow(cmd *cobra.Command, args []string) {
	start := time.Now()
	configureOutput(runJSON)
	outputCfg := OutputConfig{JSON: runJSON, Compact: runCompact, Quiet: flagQuiet}

	def, err := flowdef.Load(args[0])
	if err != nil {
		OutputError(runJSON, "Loading flow definition failed", err)
		os.Exit(CLIExitError)
	}

	opts, err := parseExecOptions(runMode, runCommitPolicy, runTracked)
	if err != nil {
		OutputError(runJSON, "Invalid options", err)
		os.Exit(CLIExitError)
	}

	ctx, stop := signalContext()
	defer stop()

	sess, _, cleanup, err := openSession(ctx, nil)
	if err != nil {
		OutputError(runJSON, "Opening session failed", err)
		os.Exit(CLIExitError)
	}

	spin := ux.NewSpinner(fmt.Sprintf("running flow %q", def.Name))
	spin.Start()
	rc, runErr := sess.ExecuteFlow(ctx, def, runInput, opts)
	spin.Stop()
	cleanup()

	if rc == nil {
		OutputError(runJSON, "Flow run failed", runErr)
		os.Exit(CLIExitError)
	}

	report := buildRunReport(rc, time.Since(start))
	if !outputCfg.JSON && !outputCfg.Quiet {
		printRunText(report)
	}
	os.Exit(OutputResult(outputCfg, "run", start, report, rc.Failed(), nil))
}

// buildRunReport flattens a run context into the report shape.
func buildRunReport(rc *engine.Context, elapsed time.Duration) RunReport {
	report := RunReport{
		Flow:        rc.Flow(),
		RunID:       rc.RunID(),
		Success:     !rc.Failed(),
		Output:      rc.Output(),
		Files:       rc.Files(),
		Checkpoints: rc.Checkpoints(),
		DurationMs:  elapsed.Milliseconds(),
	}
	if step, err := rc.Failure(); err != nil {
		report.FailedStep = step
		report.Error = err.Error()
	}
	for _, sr := range rc.Steps() {
		sp := StepReport{
			Name:       sr.Step,
			Status:     string(sr.Status),
			DurationMs: sr.Duration.Milliseconds(),
			Diffs:      sr.DiffsRecorded,
			Error:      sr.Error,
		}
		for _, tf := range sr.ToolFailures {
			sp.ToolFailures = append(sp.ToolFailures, fmt.Sprintf("%s: %s", tf.Tool, tf.Error))
		}
		report.Steps = append(report.Steps, sp)
	}
	return report
}

// printRunText writes the human-readable run summary to stdout.
func printRunText(r RunReport) {
	status := "completed"
	if !r.Success {
		status = "failed"
	}
	fmt.Printf("flow %q run %s %s in %dms\n", r.Flow, r.RunID, ux.StatusWord(status), r.DurationMs)
	for _, s := range r.Steps {
		line := fmt.Sprintf("  %s %-20s %-16s %6dms", stepIcon(s.Status).Render(), s.Name, s.Status, s.DurationMs)
		if s.Diffs > 0 {
			line += fmt.Sprintf("  %d diffs", s.Diffs)
		}
		fmt.Println(line)
		if s.Error != "" {
			fmt.Printf("      error: %s\n", s.Error)
		}
		for _, tf := range s.ToolFailures {
			fmt.Printf("      tool: %s\n", tf)
		}
	}
	if len(r.Files) > 0 {
		fmt.Printf("files: %s\n", strings.Join(r.Files, ", "))
	}
	if len(r.Checkpoints) > 0 {
		fmt.Printf("checkpoints: %s\n", strings.Join(r.Checkpoints, ", "))
	}
	if r.Error != "" {
		fmt.Printf("%s failure at %q: %s\n", ux.IconError.Render(), r.FailedStep, r.Error)
	}
	if r.Output != "" {
		fmt.Printf("\n%s\n", r.Output)
	}
}

// stepIcon maps a step status onto its terminal icon.
func stepIcon(status string) ux.Icon {
	switch status {
	case string(engine.StepFailed):
		return ux.IconError
	case string(engine.StepFailedOptional):
		return ux.IconWarning
	default:
		return ux.IconSuccess
	}
}

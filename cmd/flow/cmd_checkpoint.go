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
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/pkg/ux"
	"github.com/AleutianAI/AleutianFlow/services/flow/checkpoint"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	checkpointLabel    string
	checkpointJSON     bool
	checkpointListJSON bool
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Create and inspect session checkpoints",
}

var checkpointCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Record the current workspace state as a checkpoint",
	Long: `Record the current workspace state as a rollback target.

The checkpoint covers every journaled change up to now, so a later
"flow rollback --checkpoint <id>" restores the workspace exactly as
it is at this moment.`,
	Args: cobra.NoArgs,
	Run:  createCheckpoint,
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the session's checkpoints, oldest first",
	Args:  cobra.NoArgs,
	Run:   listCheckpoints,
}

func init() {
	checkpointCreateCmd.Flags().StringVarP(&checkpointLabel, "label", "l", "", "Human-readable checkpoint label")
	checkpointCreateCmd.Flags().BoolVar(&checkpointJSON, "json", false, "Output as JSON")
	checkpointListCmd.Flags().BoolVar(&checkpointListJSON, "json", false, "Output as JSON")
	checkpointCmd.AddCommand(checkpointCreateCmd)
	checkpointCmd.AddCommand(checkpointListCmd)
	rootCmd.AddCommand(checkpointCmd)
}

// =============================================================================
// CHECKPOINT COMMANDS
// =============================================================================

// CheckpointReport holds one checkpoint for output.
type CheckpointReport struct {
	ID       string    `json:"id"`
	Label    string    `json:"label"`
	CommitID string    `json:"commit_id,omitempty"`
	RunID    string    `json:"run_id,omitempty"`
	Created  time.Time `json:"created"`
	Records  int       `json:"records"`
}

// createCheckpoint is the CLI handler for "flow checkpoint create".
//
// # Exit Codes
//
//   - 0: Checkpoint created
//   - 2: Configuration, session, or commit error
func createCheckpoint(cmd *cobra.Command, args []string) {
	start := time.Now()
	configureOutput(checkpointJSON)
	outputCfg := OutputConfig{JSON: checkpointJSON, Quiet: flagQuiet}

	ctx, stop := signalContext()
	defer stop()

	sess, _, cleanup, err := openSession(ctx, nil)
	if err != nil {
		OutputError(checkpointJSON, "Opening session failed", err)
		os.Exit(CLIExitError)
	}

	cp, err := sess.CreateCheckpoint(ctx, checkpointLabel)
	cleanup()
	if err != nil {
		OutputError(checkpointJSON, "Creating checkpoint failed", err)
		os.Exit(CLIExitError)
	}

	report := checkpointReport(cp)
	if !outputCfg.JSON && !outputCfg.Quiet {
		ux.Success(fmt.Sprintf("checkpoint %s created (label %q, %d records)", report.ID, report.Label, report.Records))
	}
	os.Exit(OutputResult(outputCfg, "checkpoint create", start, report, false, nil))
}

// listCheckpoints is the CLI handler for "flow checkpoint list".
//
// # Exit Codes
//
//   - 0: Listing succeeded, even when empty
//   - 2: Configuration or session error
func listCheckpoints(cmd *cobra.Command, args []string) {
	start := time.Now()
	configureOutput(checkpointListJSON)
	outputCfg := OutputConfig{JSON: checkpointListJSON, Quiet: flagQuiet}

	ctx, stop := signalContext()
	defer stop()

	sess, _, cleanup, err := openSession(ctx, nil)
	if err != nil {
		OutputError(checkpointListJSON, "Opening session failed", err)
		os.Exit(CLIExitError)
	}

	chain := sess.Checkpoints()
	cleanup()

	reports := make([]CheckpointReport, 0, len(chain))
	for _, cp := range chain {
		reports = append(reports, checkpointReport(cp))
	}

	if !outputCfg.JSON && !outputCfg.Quiet {
		printCheckpointTable(reports)
	}
	os.Exit(OutputResult(outputCfg, "checkpoint list", start, reports, false, nil))
}

// checkpointReport flattens one checkpoint for output.
func checkpointReport(cp *checkpoint.Checkpoint) CheckpointReport {
	return CheckpointReport{
		ID:       cp.ID,
		Label:    cp.Label,
		CommitID: cp.CommitID,
		RunID:    cp.RunID,
		Created:  cp.CreatedAt,
		Records:  len(cp.RecordIDs),
	}
}

// printCheckpointTable writes an aligned checkpoint listing to stdout.
func printCheckpointTable(reports []CheckpointReport) {
	if len(reports) == 0 {
		fmt.Println("no checkpoints in this session")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLABEL\tCREATED\tRECORDS\tCOMMIT")
	for _, r := range reports {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.Label, r.Created.Format(time.RFC3339), r.Records, r.CommitID)
	}
	w.Flush()
}

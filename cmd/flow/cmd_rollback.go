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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/pkg/ux"
	"github.com/AleutianAI/AleutianFlow/services/flow"
	"github.com/AleutianAI/AleutianFlow/services/flow/rollback"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	rollbackCheckpoint string
	rollbackTo         string
	rollbackJSON       bool
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Restore the workspace to a checkpoint or a point in time",
	Long: `Restore the workspace from the session's change journal.

With --checkpoint, the workspace is reset to the named checkpoint's
commit and every later journal record is marked superseded. With --to,
changes journaled after the given RFC3339 timestamp are reverted
file by file; files that were modified outside the journal since then
are left untouched and reported as conflicts.

Exactly one of --checkpoint and --to must be given.`,
	Args: cobra.NoArgs,
	Run:  runRollback,
}

func init() {
	rollbackCmd.Flags().StringVar(&rollbackCheckpoint, "checkpoint", "", "Checkpoint id to restore (see \"flow checkpoint list\")")
	rollbackCmd.Flags().StringVar(&rollbackTo, "to", "", "RFC3339 timestamp to rewind past, e.g. 2025-11-02T15:04:05Z")
	rollbackCmd.Flags().BoolVar(&rollbackJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(rollbackCmd)
}

// =============================================================================
// ROLLBACK COMMAND
// =============================================================================

// RollbackReport holds the output of one rollback.
type RollbackReport struct {
	Mode       string             `json:"mode"`
	Target     string             `json:"target"`
	Restored   []string           `json:"restored,omitempty"`
	Conflicts  []RollbackConflict `json:"conflicts,omitempty"`
	Superseded int                `json:"superseded"`
}

// RollbackConflict names a file the rollback could not revert.
type RollbackConflict struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// runRollback is the CLI handler for the "flow rollback" command.
//
// # Exit Codes
//
//   - 0: Workspace restored
//   - 1: Rollback ran but left conflicts (temporal mode)
//   - 2: Bad target, configuration, or session error
func runRollback(cmd *cobra.Command, args []string) {
	start := time.Now()
	configureOutput(rollbackJSON)
	outputCfg := OutputConfig{JSON: rollbackJSON, Quiet: flagQuiet}

	target := flow.RollbackTarget{CheckpointID: rollbackCheckpoint}
	if rollbackTo != "" {
		cutoff, err := time.Parse(time.RFC3339, rollbackTo)
		if err != nil {
			OutputError(rollbackJSON, "Invalid --to timestamp (want RFC3339)", err)
			os.Exit(CLIExitError)
		}
		target.Before = cutoff
	}

	ctx, stop := signalContext()
	defer stop()

	sess, _, cleanup, err := openSession(ctx, nil)
	if err != nil {
		OutputError(rollbackJSON, "Opening session failed", err)
		os.Exit(CLIExitError)
	}

	res, rbErr := sess.Rollback(ctx, target)
	cleanup()
	if rbErr != nil {
		OutputError(rollbackJSON, "Rollback failed", rbErr)
		os.Exit(CLIExitError)
	}

	report := buildRollbackReport(res)
	if !outputCfg.JSON && !outputCfg.Quiet {
		printRollbackText(report)
	}
	os.Exit(OutputResult(outputCfg, "rollback", start, report, len(report.Conflicts) > 0, nil))
}

// buildRollbackReport flattens a rollback result for output.
func buildRollbackReport(res rollback.Result) RollbackReport {
	report := RollbackReport{
		Mode:       string(res.Mode),
		Target:     res.Target,
		Restored:   res.Succeeded,
		Superseded: res.Superseded,
	}
	for _, c := range res.Conflicts {
		report.Conflicts = append(report.Conflicts, RollbackConflict{File: c.File, Error: c.Err.Error()})
	}
	return report
}

// printRollbackText writes the human-readable rollback summary to stdout.
func printRollbackText(r RollbackReport) {
	summary := fmt.Sprintf("rollback (%s) to %s: %d files restored, %d records superseded",
		r.Mode, r.Target, len(r.Restored), r.Superseded)
	if len(r.Conflicts) > 0 {
		fmt.Println(summary)
	} else {
		ux.Success(summary)
	}
	for _, f := range r.Restored {
		fmt.Printf("  %s restored %s\n", ux.IconSuccess.Render(), f)
	}
	for _, c := range r.Conflicts {
		fmt.Printf("  %s conflict %s: %s\n", ux.IconError.Render(), c.File, c.Error)
	}
}

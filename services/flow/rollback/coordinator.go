// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rollback restores workspace state from checkpoints or from an
// arbitrary instant of ledger history.
//
// # Description
//
// Two modes share one coordinator. Checkpoint rollback resets the
// working tree to a checkpoint's commit and supersedes every later
// ledger record; it is idempotent. Temporal rollback undoes changes
// file by file: each file's recorded diffs after the cutoff are
// inverted newest-first against staged content, written back in one
// atomic replace, and superseded. A file whose content drifted from
// its records conflicts and is left untouched; other files proceed.
//
// # Thread Safety
//
// Safe for concurrent use. Every touched file's mutation lock is
// acquired, in sorted order, before anything changes, so rollbacks and
// forward runs never interleave on a file.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFlow/services/flow/checkpoint"
	"github.com/AleutianAI/AleutianFlow/services/flow/diff"
	"github.com/AleutianAI/AleutianFlow/services/flow/ledger"
	"github.com/AleutianAI/AleutianFlow/services/flow/lock"
	"github.com/AleutianAI/AleutianFlow/services/flow/vcs"
)

var tracer = otel.Tracer("aleutian.flow")

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("rollback: context must not be nil")

	// ErrMissingDependency is returned when a required collaborator is
	// absent.
	ErrMissingDependency = errors.New("rollback: missing dependency")

	// ErrCheckpointNotFound is returned when the target checkpoint id is
	// unknown.
	ErrCheckpointNotFound = errors.New("rollback: checkpoint not found")

	// ErrRollbackTargetNotFound is returned when ledger history does not
	// reach back to the requested instant.
	ErrRollbackTargetNotFound = errors.New("rollback: target not covered by ledger history")
)

// =============================================================================
// Results
// =============================================================================

// Mode labels which rollback path produced a Result.
type Mode string

const (
	// ModeCheckpoint is a reset to a recorded checkpoint.
	ModeCheckpoint Mode = "checkpoint"

	// ModeTemporal is a per-file inverse replay to an instant.
	ModeTemporal Mode = "temporal"
)

// FileConflict is one file temporal rollback could not revert.
type FileConflict struct {
	// File is the workspace-relative path.
	File string

	// Err is the per-file failure. Content mismatches unwrap to
	// diff.ErrConflict.
	Err error
}

// Result summarizes one rollback.
type Result struct {
	// Mode is the rollback path taken.
	Mode Mode

	// Target is the checkpoint id or the RFC3339Nano cutoff.
	Target string

	// Succeeded lists the reverted files in sorted order.
	Succeeded []string

	// Conflicts lists the files left untouched, temporal mode only.
	Conflicts []FileConflict

	// Superseded counts the ledger records flagged superseded.
	Superseded int
}

// =============================================================================
// Coordinator
// =============================================================================

// Config wires a Coordinator's collaborators.
type Config struct {
	// Ledger is the change history. Required.
	Ledger *ledger.Ledger

	// Worktree is the workspace file surface. Required.
	Worktree *vcs.Worktree

	// Locks serializes file mutations against running flows. Required.
	Locks *lock.Manager

	// Checkpoints resolves checkpoint ids. Required for ToCheckpoint.
	Checkpoints *checkpoint.Store

	// Repo resets the working tree. Required for ToCheckpoint.
	Repo vcs.Repository

	// Logger for rollback operations. Default: slog.Default().
	Logger *slog.Logger
}

// Coordinator performs checkpoint and temporal rollbacks.
type Coordinator struct {
	ledger      *ledger.Ledger
	worktree    *vcs.Worktree
	locks       *lock.Manager
	checkpoints *checkpoint.Store
	repo        vcs.Repository
	logger      *slog.Logger
}

// NewCoordinator creates a coordinator from cfg.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("%w: ledger", ErrMissingDependency)
	}
	if cfg.Worktree == nil {
		return nil, fmt.Errorf("%w: worktree", ErrMissingDependency)
	}
	if cfg.Locks == nil {
		return nil, fmt.Errorf("%w: lock manager", ErrMissingDependency)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		ledger:      cfg.Ledger,
		worktree:    cfg.Worktree,
		locks:       cfg.Locks,
		checkpoints: cfg.Checkpoints,
		repo:        cfg.Repo,
		logger:      cfg.Logger,
	}, nil
}

// ToCheckpoint restores the workspace to a recorded checkpoint.
//
// # Description
//
// Resolves the checkpoint, locks every file with ledger records newer
// than it, resets the working tree to its commit, and supersedes the
// newer records. Calling it again finds nothing left to supersede and
// resets to the same commit, so repeated rollbacks converge.
//
// # Inputs
//
//   - ctx: Context for cancellation. Must not be nil.
//   - id: Checkpoint identifier.
//
// # Outputs
//
//   - Result: Mode checkpoint; Succeeded lists the files whose records
//     were superseded.
//   - error: ErrCheckpointNotFound for an unknown id.
func (c *Coordinator) ToCheckpoint(ctx context.Context, id string) (Result, error) {
	if ctx == nil {
		return Result{}, ErrNilContext
	}
	if c.checkpoints == nil || c.repo == nil {
		return Result{}, fmt.Errorf("%w: checkpoint store and repository", ErrMissingDependency)
	}

	ctx, span := tracer.Start(ctx, "rollback.ToCheckpoint",
		trace.WithAttributes(attribute.String("checkpoint.id", id)),
	)
	defer span.End()

	res := Result{Mode: ModeCheckpoint, Target: id}

	cp, err := c.checkpoints.Get(id)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			err = fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
		}
		return res, c.fail(span, err)
	}

	files := distinctFiles(c.ledger.QueryAfter(cp.CreatedAt))
	leases, err := c.locks.AcquireAll(ctx, c.lockKeys(files), holderID())
	if err != nil {
		return res, c.fail(span, fmt.Errorf("locking files: %w", err))
	}
	defer releaseAll(leases)

	if err := c.repo.ResetTo(ctx, cp.CommitID); err != nil {
		return res, c.fail(span, fmt.Errorf("resetting to commit %s: %w", cp.CommitID, err))
	}

	count, err := c.ledger.MarkSupersededAfter(ctx, cp.CreatedAt, nil)
	if err != nil {
		return res, c.fail(span, fmt.Errorf("superseding records: %w", err))
	}

	res.Succeeded = files
	res.Superseded = count
	span.SetStatus(codes.Ok, "")
	c.logger.Info("checkpoint rollback complete",
		slog.String("checkpoint", id),
		slog.String("commit", cp.CommitID),
		slog.Int("files", len(files)),
		slog.Int("superseded", count),
	)
	return res, nil
}

// ToTimestamp restores every file to its recorded state at the cutoff.
//
// # Description
//
// Requires ledger history reaching back to the cutoff. Groups the
// records after the cutoff by file and locks the whole set up front.
// Per file, inverse diffs replay newest-first against content staged
// in memory; the file is rewritten once, atomically, only when every
// inverse applied. A mismatch conflicts that file alone. Records of
// reverted files are superseded so the same instant queried again
// shows them gone.
//
// # Inputs
//
//   - ctx: Context for cancellation. Must not be nil.
//   - cutoff: The instant to restore to.
//
// # Outputs
//
//   - Result: Per-file outcome and the superseded count.
//   - error: ErrRollbackTargetNotFound when history does not cover the
//     cutoff. Per-file conflicts are reported in the Result, not here.
func (c *Coordinator) ToTimestamp(ctx context.Context, cutoff time.Time) (Result, error) {
	if ctx == nil {
		return Result{}, ErrNilContext
	}

	ctx, span := tracer.Start(ctx, "rollback.ToTimestamp",
		trace.WithAttributes(attribute.String("rollback.cutoff", cutoff.Format(time.RFC3339Nano))),
	)
	defer span.End()

	res := Result{Mode: ModeTemporal, Target: cutoff.Format(time.RFC3339Nano)}

	earliest, ok := c.ledger.Earliest()
	if !ok || cutoff.Before(earliest) {
		err := fmt.Errorf("%w: %s", ErrRollbackTargetNotFound, res.Target)
		return res, c.fail(span, err)
	}

	recs := c.ledger.QueryAfter(cutoff)
	if len(recs) == 0 {
		span.SetStatus(codes.Ok, "")
		return res, nil
	}

	byFile := make(map[string][]ledger.DiffRecord)
	for _, rec := range recs {
		byFile[rec.FilePath] = append(byFile[rec.FilePath], rec)
	}
	files := make([]string, 0, len(byFile))
	for f := range byFile {
		files = append(files, f)
	}
	sort.Strings(files)

	leases, err := c.locks.AcquireAll(ctx, c.lockKeys(files), holderID())
	if err != nil {
		return res, c.fail(span, fmt.Errorf("locking files: %w", err))
	}
	defer releaseAll(leases)

	for _, file := range files {
		if err := c.revertFile(file, byFile[file]); err != nil {
			res.Conflicts = append(res.Conflicts, FileConflict{File: file, Err: err})
			c.logger.Warn("file rollback conflict",
				slog.String("file", file),
				slog.String("error", err.Error()),
			)
			continue
		}
		res.Succeeded = append(res.Succeeded, file)
	}

	if len(res.Succeeded) > 0 {
		count, err := c.ledger.MarkSupersededAfter(ctx, cutoff, res.Succeeded)
		if err != nil {
			return res, c.fail(span, fmt.Errorf("superseding records: %w", err))
		}
		res.Superseded = count
	}

	span.SetAttributes(
		attribute.Int("rollback.files", len(files)),
		attribute.Int("rollback.conflicts", len(res.Conflicts)),
	)
	span.SetStatus(codes.Ok, "")
	c.logger.Info("temporal rollback complete",
		slog.Time("cutoff", cutoff),
		slog.Int("files", len(files)),
		slog.Int("reverted", len(res.Succeeded)),
		slog.Int("conflicts", len(res.Conflicts)),
		slog.Int("superseded", res.Superseded),
	)
	return res, nil
}

// revertFile stages the inverse replay of recs (ascending) and writes
// the final content in one atomic replace. Empty final content removes
// the file, matching the worktree's empty-equals-absent convention.
func (c *Coordinator) revertFile(file string, recs []ledger.DiffRecord) error {
	content, err := c.worktree.ReadFile(file)
	if err != nil {
		return fmt.Errorf("reading %s: %w", file, err)
	}

	for i := len(recs) - 1; i >= 0; i-- {
		inv, err := diff.Invert(recs[i].DiffText)
		if err != nil {
			return fmt.Errorf("inverting record %s: %w", recs[i].ID, err)
		}
		content, err = diff.Apply(content, inv)
		if err != nil {
			return err
		}
	}

	if content == "" {
		return c.worktree.Remove(file)
	}
	return c.worktree.WriteFile(file, content)
}

// fail records the error on the span and passes it through.
func (c *Coordinator) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// lockKeys maps workspace-relative paths onto the lock manager's
// absolute-path keyspace.
func (c *Coordinator) lockKeys(files []string) []string {
	keys := make([]string, 0, len(files))
	for _, f := range files {
		keys = append(keys, filepath.Join(c.worktree.Root(), filepath.FromSlash(f)))
	}
	return keys
}

// distinctFiles returns the sorted set of file paths in recs.
func distinctFiles(recs []ledger.DiffRecord) []string {
	seen := make(map[string]struct{}, len(recs))
	var out []string
	for _, r := range recs {
		if _, ok := seen[r.FilePath]; ok {
			continue
		}
		seen[r.FilePath] = struct{}{}
		out = append(out, r.FilePath)
	}
	sort.Strings(out)
	return out
}

// releaseAll releases leases in reverse acquisition order.
func releaseAll(leases []*lock.Lease) {
	for i := len(leases) - 1; i >= 0; i-- {
		_ = leases[i].Release()
	}
}

// holderID tags a rollback's lock acquisitions.
func holderID() string {
	return "rollback-" + uuid.NewString()[:8]
}

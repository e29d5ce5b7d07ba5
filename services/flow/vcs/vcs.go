// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vcs abstracts the version-control system checkpoints commit to.
//
// Checkpointing needs whole-tree operations: snapshot the working tree,
// restore a previous snapshot, and report the current snapshot
// identifier. Temporal rollback adds one file-granular operation,
// replaying an inverted diff onto a single file. Git is the production
// implementation; Memory backs tests and workspaces without a
// repository.
package vcs

import (
	"context"
	"errors"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("vcs: context must not be nil")

	// ErrInvalidPath is returned for empty paths or paths escaping the
	// workspace root.
	ErrInvalidPath = errors.New("vcs: invalid file path")

	// ErrEmptyCommitID is returned for operations on an empty commit id.
	ErrEmptyCommitID = errors.New("vcs: commit id must not be empty")

	// ErrInvalidCommitID is returned when a commit id fails validation.
	ErrInvalidCommitID = errors.New("vcs: invalid commit id")

	// ErrUnknownCommit is returned when a commit id does not resolve.
	ErrUnknownCommit = errors.New("vcs: unknown commit")

	// ErrNoCommits is returned by Head before the first commit.
	ErrNoCommits = errors.New("vcs: no commits yet")
)

// =============================================================================
// Interfaces
// =============================================================================

// Committer snapshots the working tree.
type Committer interface {
	// Commit records the current working tree and returns its identifier.
	Commit(ctx context.Context, message string) (string, error)
}

// Resetter restores the working tree to a previous snapshot.
type Resetter interface {
	// ResetTo restores the working tree to the named snapshot, discarding
	// everything recorded after it, untracked files included.
	ResetTo(ctx context.Context, commitID string) error
}

// InverseApplier undoes a single recorded change on a single file.
type InverseApplier interface {
	// ApplyInverse inverts the given diff text and replays it onto the
	// named file. The rewrite is atomic per file; content that no longer
	// matches the diff fails with a conflict and leaves the file as is.
	ApplyInverse(ctx context.Context, path string, diffText string) error
}

// Repository is the full surface checkpointing and rollback need.
type Repository interface {
	Committer
	Resetter
	InverseApplier

	// Head returns the identifier of the current snapshot.
	Head(ctx context.Context) (string, error)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vcs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
)

// validCommitPattern restricts reset targets to hex object names. The
// store only ever hands back rev-parse output, so refs never appear here.
var validCommitPattern = regexp.MustCompile(`^[0-9a-f]{7,64}$`)

// Git runs version-control operations against a git working tree.
//
// # Thread Safety
//
// Safe for concurrent use; git serializes ref updates itself. Callers
// sequence Commit/ResetTo against their own mutations.
type Git struct {
	root   string
	wt     *Worktree
	logger *slog.Logger
}

// NewGit creates a Git repository handle rooted at root.
//
// The directory must exist. Repository validity is checked on first use
// rather than here, so handles can be built before `git init` runs.
func NewGit(root string, logger *slog.Logger) (*Git, error) {
	wt, err := NewWorktree(root)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Git{
		root:   wt.Root(),
		wt:     wt,
		logger: logger.With(slog.String("component", "vcs_git")),
	}, nil
}

// run executes one git command in the repository root and returns its
// trimmed stdout.
func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.root
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return strings.TrimSpace(string(output)), nil
}

// Commit stages everything and records a commit, returning its hash.
//
// Commits are created even when the tree is unchanged so every checkpoint
// maps to a distinct commit.
func (g *Git) Commit(ctx context.Context, message string) (string, error) {
	if ctx == nil {
		return "", ErrNilContext
	}
	if message == "" {
		message = "flow checkpoint"
	}

	if _, err := g.run(ctx, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, "commit", "--allow-empty", "--no-verify", "-m", message); err != nil {
		return "", err
	}
	hash, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}

	g.logger.Debug("workspace committed",
		slog.String("commit", hash),
		slog.String("message", message))
	return hash, nil
}

// ResetTo hard-resets the working tree to commitID and removes untracked
// files, so the tree matches the snapshot exactly.
func (g *Git) ResetTo(ctx context.Context, commitID string) error {
	if ctx == nil {
		return ErrNilContext
	}
	if commitID == "" {
		return ErrEmptyCommitID
	}
	if !validCommitPattern.MatchString(commitID) {
		return fmt.Errorf("%w: %q", ErrInvalidCommitID, commitID)
	}

	if _, err := g.run(ctx, "cat-file", "-e", commitID+"^{commit}"); err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownCommit, commitID)
	}
	if _, err := g.run(ctx, "reset", "--hard", commitID); err != nil {
		return err
	}
	if _, err := g.run(ctx, "clean", "-fd"); err != nil {
		return err
	}

	g.logger.Info("workspace reset", slog.String("commit", commitID))
	return nil
}

// Head returns the current commit hash.
func (g *Git) Head(ctx context.Context) (string, error) {
	if ctx == nil {
		return "", ErrNilContext
	}
	hash, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoCommits, err)
	}
	return hash, nil
}

// ApplyInverse undoes one recorded change on a single tracked or
// untracked file. See Worktree.ApplyInverse.
func (g *Git) ApplyInverse(ctx context.Context, path string, diffText string) error {
	return g.wt.ApplyInverse(ctx, path, diffText)
}

var _ Repository = (*Git)(nil)

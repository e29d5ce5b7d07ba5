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
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/AleutianFlow/services/flow/diff"
)

// =============================================================================
// Worktree
// =============================================================================

// Worktree is the file surface of a workspace root.
//
// # Description
//
// All file access in a run goes through a Worktree: snapshot reads,
// tool writes, and the file-granular rollback primitive ApplyInverse.
// Paths resolve against the root and may not escape it. A file that
// does not exist reads as empty, and a restore that ends empty removes
// the file, so absent and empty are the same state to every caller.
// Writes are atomic per file (temp file plus rename), so a conflict or
// write failure leaves the file exactly as it was.
//
// # Thread Safety
//
// Safe for concurrent use on distinct files. Callers serialize access to
// the same file through the lock manager.
type Worktree struct {
	root string
}

// NewWorktree creates a Worktree rooted at root. The directory must exist.
func NewWorktree(root string) (*Worktree, error) {
	if root == "" {
		return nil, errors.New("vcs: root must not be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vcs: root %s is not a directory", abs)
	}
	return &Worktree{root: abs}, nil
}

// Root returns the absolute workspace root.
func (w *Worktree) Root() string {
	return w.root
}

// ReadFile returns the file's current content. A missing file reads as
// empty rather than failing, matching the diff model where a deleted
// file is an empty line sequence.
func (w *Worktree) ReadFile(path string) (string, error) {
	target, err := w.resolve(path)
	if err != nil {
		return "", err
	}
	content, _, err := readWithMode(target)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return content, nil
}

// WriteFile atomically replaces the file's content, creating parent
// directories as needed. An existing file keeps its mode; new files
// get 0644.
func (w *Worktree) WriteFile(path string, content string) error {
	target, err := w.resolve(path)
	if err != nil {
		return err
	}
	_, mode, err := readWithMode(target)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	return writeAtomic(target, []byte(content), mode)
}

// Remove deletes the file. Removing a missing file is a no-op.
func (w *Worktree) Remove(path string) error {
	target, err := w.resolve(path)
	if err != nil {
		return err
	}
	return removeFile(target)
}

// Rel canonicalizes path to its root-relative slash form. Ledger records
// and lock keys use this form so the same file always maps to one key.
func (w *Worktree) Rel(path string) (string, error) {
	target, err := w.resolve(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(w.root, target)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, path)
	}
	return filepath.ToSlash(rel), nil
}

// ApplyInverse undoes one recorded change on a single file.
//
// # Description
//
// The diff text is inverted and replayed onto the file's current content.
// A file that does not exist is treated as empty, so inverting a pure
// deletion recreates it; a restore that ends empty removes the file, so
// inverting a pure creation deletes it again. Content that no longer
// matches what the diff recorded fails with a diff.ConflictError and
// leaves the file untouched.
//
// # Inputs
//
//   - ctx: Context for cancellation. Must not be nil.
//   - path: File path, absolute or relative to the workspace root. Must
//     stay inside the root.
//   - diffText: The forward diff as recorded in the change ledger.
//
// # Outputs
//
//   - error: ErrInvalidPath, diff.ErrConflict (via diff.ConflictError),
//     diff.ErrMalformedDiff, or an I/O failure.
func (w *Worktree) ApplyInverse(ctx context.Context, path string, diffText string) error {
	if ctx == nil {
		return ErrNilContext
	}
	target, err := w.resolve(path)
	if err != nil {
		return err
	}

	inverse, err := diff.Invert(diffText)
	if err != nil {
		return fmt.Errorf("invert diff for %s: %w", path, err)
	}
	if inverse == "" {
		return nil
	}

	content, mode, err := readWithMode(target)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	restored, err := diff.Apply(content, inverse)
	if err != nil {
		return fmt.Errorf("apply inverse to %s: %w", path, err)
	}

	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if restored == "" {
		return removeFile(target)
	}
	return writeAtomic(target, []byte(restored), mode)
}

// resolve maps path into the workspace root and rejects escapes.
func (w *Worktree) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(w.root, target)
	}
	target = filepath.Clean(target)
	rel, err := filepath.Rel(w.root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes workspace root", ErrInvalidPath, path)
	}
	return target, nil
}

// readWithMode returns the file's content and mode. A missing file reads
// as empty with the default mode.
func readWithMode(path string) (string, fs.FileMode, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0o644, nil
		}
		return "", 0, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", 0, err
	}
	return string(content), info.Mode().Perm(), nil
}

// removeFile deletes path, tolerating a file that is already gone.
func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// writeAtomic replaces path's content via temp file and rename.
func writeAtomic(path string, content []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(dir, ".inverse-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

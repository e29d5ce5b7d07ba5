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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Memory keeps workspace snapshots in process memory.
//
// # Description
//
// Commit walks the workspace and copies every regular file; ResetTo
// rewrites the tree to match a stored snapshot, deleting files the
// snapshot does not contain. Hidden directories (".git", ".flow", any
// dot-prefixed name) are ignored in both directions.
//
// Intended for tests and for workspaces without a git repository.
//
// # Thread Safety
//
// Safe for concurrent use.
type Memory struct {
	mu    sync.Mutex
	root  string
	wt    *Worktree
	snaps map[string]map[string][]byte
	order []string
	head  string
	seq   int
}

// NewMemory creates a snapshot store over the workspace at root.
func NewMemory(root string) (*Memory, error) {
	wt, err := NewWorktree(root)
	if err != nil {
		return nil, err
	}
	return &Memory{
		root:  wt.Root(),
		wt:    wt,
		snaps: map[string]map[string][]byte{},
	}, nil
}

// Commit snapshots the workspace and returns the snapshot id.
func (m *Memory) Commit(ctx context.Context, message string) (string, error) {
	if ctx == nil {
		return "", ErrNilContext
	}

	files, err := m.captureTree(ctx)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	id := snapshotID(m.seq, files)
	m.snaps[id] = files
	m.order = append(m.order, id)
	m.head = id
	return id, nil
}

// ResetTo rewrites the workspace to match the named snapshot.
func (m *Memory) ResetTo(ctx context.Context, commitID string) error {
	if ctx == nil {
		return ErrNilContext
	}
	if commitID == "" {
		return ErrEmptyCommitID
	}

	m.mu.Lock()
	snap, ok := m.snaps[commitID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommit, commitID)
	}

	current, err := m.captureTree(ctx)
	if err != nil {
		return err
	}

	// Remove files the snapshot does not contain.
	for rel := range current {
		if _, keep := snap[rel]; !keep {
			if err := os.Remove(filepath.Join(m.root, filepath.FromSlash(rel))); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove %s: %w", rel, err)
			}
		}
	}

	// Restore snapshot contents via temp file + rename.
	for rel, content := range snap {
		path := filepath.Join(m.root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("mkdir for %s: %w", rel, err)
		}
		tmp, err := os.CreateTemp(filepath.Dir(path), ".restore-*.tmp")
		if err != nil {
			return fmt.Errorf("create temp for %s: %w", rel, err)
		}
		tmpPath := tmp.Name()
		if _, err := tmp.Write(content); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("write %s: %w", rel, err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("close %s: %w", rel, err)
		}
		if err := os.Rename(tmpPath, path); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("rename %s: %w", rel, err)
		}
	}

	m.mu.Lock()
	m.head = commitID
	m.mu.Unlock()
	return nil
}

// Head returns the most recent snapshot id.
func (m *Memory) Head(ctx context.Context) (string, error) {
	if ctx == nil {
		return "", ErrNilContext
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.head == "" {
		return "", ErrNoCommits
	}
	return m.head, nil
}

// ApplyInverse undoes one recorded change on a single workspace file.
// See Worktree.ApplyInverse.
func (m *Memory) ApplyInverse(ctx context.Context, path string, diffText string) error {
	return m.wt.ApplyInverse(ctx, path, diffText)
}

// Commits returns snapshot ids in creation order.
func (m *Memory) Commits() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// captureTree reads every visible regular file under root, keyed by
// slash-separated relative path.
func (m *Memory) captureTree(ctx context.Context) (map[string][]byte, error) {
	files := map[string][]byte{}
	err := filepath.WalkDir(m.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		name := d.Name()
		if d.IsDir() {
			if path != m.root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(m.root, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		files[filepath.ToSlash(rel)] = content
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

var _ Repository = (*Memory)(nil)

// snapshotID derives a stable hex id from the sequence number and tree
// contents.
func snapshotID(seq int, files map[string][]byte) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	fmt.Fprintf(h, "snapshot %d\n", seq)
	for _, p := range paths {
		fmt.Fprintf(h, "%s %d\n", p, len(files[p]))
		h.Write(files[p])
	}
	return hex.EncodeToString(h.Sum(nil))[:40]
}

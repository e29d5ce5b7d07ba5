// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/AleutianAI/AleutianFlow/services/flow/diff"
	"github.com/AleutianAI/AleutianFlow/services/flow/lock"
	"github.com/AleutianAI/AleutianFlow/services/flow/vcs"
)

// =============================================================================
// File Tracker
// =============================================================================

// fileChange is one tracked file's non-empty diff for the step that
// just ran.
type fileChange struct {
	// Path is workspace-relative.
	Path string

	// Result is the computed diff against the pre-step baseline.
	Result diff.Result
}

// tracker owns one run's view of the workspace: the tracked file set,
// the pre-step content baseline, and the mutation leases held for the
// run's lifetime.
//
// # Thread Safety
//
// Confined to the run's goroutine. Tool invocations report mutations
// on the same goroutine the step executes on.
type tracker struct {
	wt     *vcs.Worktree
	locks  *lock.Manager
	holder string
	mode   diff.Mode

	tracked  map[string]struct{}
	baseline map[string]string
	leases   map[string]*lock.Lease
}

// newTracker seeds the tracked set with the run's initial files.
// Paths are canonicalized to workspace-relative form.
func newTracker(wt *vcs.Worktree, locks *lock.Manager, holder string, mode diff.Mode, initial []string) (*tracker, error) {
	t := &tracker{
		wt:       wt,
		locks:    locks,
		holder:   holder,
		mode:     mode,
		tracked:  map[string]struct{}{},
		baseline: map[string]string{},
		leases:   map[string]*lock.Lease{},
	}
	for _, p := range initial {
		rel, err := wt.Rel(p)
		if err != nil {
			return nil, fmt.Errorf("tracked file %q: %w", p, err)
		}
		t.tracked[rel] = struct{}{}
	}
	return t, nil
}

// snapshot captures every tracked file's current content as the
// baseline the next diff computes against. Missing files read empty.
func (t *tracker) snapshot() error {
	for p := range t.tracked {
		content, err := t.wt.ReadFile(p)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", p, err)
		}
		t.baseline[p] = content
	}
	return nil
}

// noteMutations records that a tool touched the given files. New files
// join the tracked set; the first mutation of any file acquires its
// lock, held until releaseAll. A file first touched mid-step diffs
// against an empty baseline.
func (t *tracker) noteMutations(ctx context.Context, paths []string) error {
	for _, p := range paths {
		rel, err := t.wt.Rel(p)
		if err != nil {
			return fmt.Errorf("mutated file %q: %w", p, err)
		}
		t.tracked[rel] = struct{}{}
		if _, ok := t.baseline[rel]; !ok {
			t.baseline[rel] = ""
		}
		if _, held := t.leases[rel]; held {
			continue
		}
		lease, err := t.locks.Acquire(ctx, t.lockKey(rel), t.holder)
		if err != nil {
			return fmt.Errorf("locking %s: %w", rel, err)
		}
		t.leases[rel] = lease
	}
	return nil
}

// lockKey maps a workspace-relative path onto the lock manager's
// absolute-path keyspace.
func (t *tracker) lockKey(rel string) string {
	return filepath.Join(t.wt.Root(), filepath.FromSlash(rel))
}

// changes compares every tracked file against its baseline and returns
// the non-empty diffs in sorted path order.
func (t *tracker) changes() ([]fileChange, error) {
	paths := t.files()
	out := make([]fileChange, 0, len(paths))
	for _, p := range paths {
		current, err := t.wt.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		res, err := diff.Compute(t.baseline[p], current, t.mode)
		if err != nil {
			return nil, fmt.Errorf("diffing %s: %w", p, err)
		}
		if res.Empty() {
			continue
		}
		out = append(out, fileChange{Path: p, Result: res})
	}
	return out, nil
}

// files returns the tracked set in sorted order.
func (t *tracker) files() []string {
	out := make([]string, 0, len(t.tracked))
	for p := range t.tracked {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// releaseAll releases every held lease. Idempotent.
func (t *tracker) releaseAll() {
	for rel, lease := range t.leases {
		_ = lease.Release()
		delete(t.leases, rel)
	}
}

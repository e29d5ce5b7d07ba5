// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rollback

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/checkpoint"
	"github.com/AleutianAI/AleutianFlow/services/flow/diff"
	"github.com/AleutianAI/AleutianFlow/services/flow/ledger"
	"github.com/AleutianAI/AleutianFlow/services/flow/lock"
	"github.com/AleutianAI/AleutianFlow/services/flow/vcs"
)

type testEnv struct {
	root  string
	repo  *vcs.Memory
	wt    *vcs.Worktree
	led   *ledger.Ledger
	locks *lock.Manager
	cps   *checkpoint.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()

	repo, err := vcs.NewMemory(root)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	wt, err := vcs.NewWorktree(root)
	if err != nil {
		t.Fatalf("NewWorktree: %v", err)
	}
	led, err := ledger.New(ledger.Config{})
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	t.Cleanup(func() { led.Close() })

	locks, err := lock.NewManager(lock.Config{AcquireTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("lock.NewManager: %v", err)
	}
	t.Cleanup(func() { locks.Close() })

	cps, err := checkpoint.NewStore(checkpoint.Config{Committer: repo, Ledger: led})
	if err != nil {
		t.Fatalf("checkpoint.NewStore: %v", err)
	}

	return &testEnv{root: root, repo: repo, wt: wt, led: led, locks: locks, cps: cps}
}

func (env *testEnv) coordinator(t *testing.T) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(Config{
		Ledger:      env.led,
		Worktree:    env.wt,
		Locks:       env.locks,
		Checkpoints: env.cps,
		Repo:        env.repo,
	})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return c
}

// record writes newContent and commits the old-to-new diff to the
// ledger, the way a run's file tracker does.
func record(t *testing.T, env *testEnv, path, oldContent, newContent string) ledger.DiffRecord {
	t.Helper()
	res, err := diff.Compute(oldContent, newContent, diff.ModeFile)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if err := env.wt.WriteFile(path, newContent); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	rec, err := env.led.Record(context.Background(), ledger.DiffRecord{
		FilePath:     path,
		DiffText:     res.DiffText,
		ChangedUnits: res.ChangedUnits,
		Mode:         res.Mode,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	return rec
}

func mustRead(t *testing.T, env *testEnv, path string) string {
	t.Helper()
	content, err := env.wt.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", path, err)
	}
	return content
}

func TestToCheckpoint_RestoresAndSupersedes(t *testing.T) {
	env := newTestEnv(t)
	c := env.coordinator(t)
	ctx := context.Background()

	record(t, env, "a.txt", "", "one\n")
	cp, err := env.cps.Create(ctx, "baseline", nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	record(t, env, "a.txt", "one\n", "one\ntwo\n")
	record(t, env, "b.txt", "", "b\n")

	res, err := c.ToCheckpoint(ctx, cp.ID)
	if err != nil {
		t.Fatalf("ToCheckpoint: %v", err)
	}

	if got := mustRead(t, env, "a.txt"); got != "one\n" {
		t.Errorf("a.txt = %q, want pre-checkpoint content", got)
	}
	if got := mustRead(t, env, "b.txt"); got != "" {
		t.Errorf("b.txt = %q, want gone", got)
	}

	if res.Mode != ModeCheckpoint || res.Target != cp.ID {
		t.Errorf("result = %+v, want checkpoint mode targeting %s", res, cp.ID)
	}
	if res.Superseded != 2 {
		t.Errorf("Superseded = %d, want 2", res.Superseded)
	}
	want := []string{"a.txt", "b.txt"}
	if len(res.Succeeded) != 2 || res.Succeeded[0] != want[0] || res.Succeeded[1] != want[1] {
		t.Errorf("Succeeded = %v, want %v", res.Succeeded, want)
	}

	if recs := env.led.QueryAfter(cp.CreatedAt); len(recs) != 0 {
		t.Errorf("QueryAfter(checkpoint) = %d records, want 0", len(recs))
	}
}

func TestToCheckpoint_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	c := env.coordinator(t)
	ctx := context.Background()

	record(t, env, "a.txt", "", "one\n")
	cp, err := env.cps.Create(ctx, "baseline", nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	record(t, env, "a.txt", "one\n", "one\ntwo\n")

	first, err := c.ToCheckpoint(ctx, cp.ID)
	if err != nil {
		t.Fatalf("first ToCheckpoint: %v", err)
	}
	afterFirst := mustRead(t, env, "a.txt")

	second, err := c.ToCheckpoint(ctx, cp.ID)
	if err != nil {
		t.Fatalf("second ToCheckpoint: %v", err)
	}

	if got := mustRead(t, env, "a.txt"); got != afterFirst {
		t.Errorf("second rollback changed content: %q -> %q", afterFirst, got)
	}
	if first.Superseded != 1 || second.Superseded != 0 {
		t.Errorf("Superseded = %d then %d, want 1 then 0", first.Superseded, second.Superseded)
	}
	if len(second.Succeeded) != 0 {
		t.Errorf("second Succeeded = %v, want empty", second.Succeeded)
	}
}

func TestToCheckpoint_UnknownID(t *testing.T) {
	env := newTestEnv(t)
	c := env.coordinator(t)

	_, err := c.ToCheckpoint(context.Background(), "no-such-checkpoint")
	if !errors.Is(err, ErrCheckpointNotFound) {
		t.Errorf("error = %v, want ErrCheckpointNotFound", err)
	}
}

func TestToTimestamp_RevertsAndSupersedes(t *testing.T) {
	env := newTestEnv(t)
	c := env.coordinator(t)
	ctx := context.Background()

	r1 := record(t, env, "a.txt", "", "a1\n")
	cutoff := r1.CreatedAt
	record(t, env, "a.txt", "a1\n", "a1\na2\n")
	record(t, env, "b.txt", "", "b1\n")

	res, err := c.ToTimestamp(ctx, cutoff)
	if err != nil {
		t.Fatalf("ToTimestamp: %v", err)
	}

	if got := mustRead(t, env, "a.txt"); got != "a1\n" {
		t.Errorf("a.txt = %q, want state at cutoff", got)
	}
	if got := mustRead(t, env, "b.txt"); got != "" {
		t.Errorf("b.txt = %q, want removed (created after cutoff)", got)
	}

	if res.Superseded != 2 || len(res.Conflicts) != 0 {
		t.Errorf("result = %+v, want 2 superseded and no conflicts", res)
	}
	if len(res.Succeeded) != 2 || res.Succeeded[0] != "a.txt" || res.Succeeded[1] != "b.txt" {
		t.Errorf("Succeeded = %v, want [a.txt b.txt]", res.Succeeded)
	}

	// The reverted span of history is gone from queries.
	if recs := env.led.QueryAfter(cutoff); len(recs) != 0 {
		t.Errorf("QueryAfter(cutoff) = %d records, want 0", len(recs))
	}
	if recs := env.led.QueryByFile("a.txt"); len(recs) != 1 || recs[0].ID != r1.ID {
		t.Errorf("QueryByFile(a.txt) = %v, want only the pre-cutoff record", recs)
	}

	// Locks are released once the rollback finished.
	if holder, held := env.locks.Holder(filepath.Join(env.root, "a.txt")); held {
		t.Errorf("a.txt lock still held by %q", holder)
	}
}

func TestToTimestamp_NewestFirstReplay(t *testing.T) {
	env := newTestEnv(t)
	c := env.coordinator(t)
	ctx := context.Background()

	r1 := record(t, env, "a.txt", "", "v1\n")
	record(t, env, "a.txt", "v1\n", "v1\nv2\n")
	record(t, env, "a.txt", "v1\nv2\n", "v1\nv2\nv3\n")

	res, err := c.ToTimestamp(ctx, r1.CreatedAt)
	if err != nil {
		t.Fatalf("ToTimestamp: %v", err)
	}

	if got := mustRead(t, env, "a.txt"); got != "v1\n" {
		t.Errorf("a.txt = %q, want first version", got)
	}
	if res.Superseded != 2 {
		t.Errorf("Superseded = %d, want 2", res.Superseded)
	}
}

func TestToTimestamp_ConflictIsolatesFile(t *testing.T) {
	env := newTestEnv(t)
	c := env.coordinator(t)
	ctx := context.Background()

	r1 := record(t, env, "a.txt", "", "a1\n")
	cutoff := r1.CreatedAt
	record(t, env, "a.txt", "a1\n", "a1\na2\n")
	record(t, env, "b.txt", "", "b1\n")

	// Out-of-band edit: a.txt no longer matches its recorded history.
	if err := env.wt.WriteFile("a.txt", "tampered\n"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	res, err := c.ToTimestamp(ctx, cutoff)
	if err != nil {
		t.Fatalf("ToTimestamp: %v", err)
	}

	if len(res.Conflicts) != 1 || res.Conflicts[0].File != "a.txt" {
		t.Fatalf("Conflicts = %+v, want a.txt only", res.Conflicts)
	}
	if !errors.Is(res.Conflicts[0].Err, diff.ErrConflict) {
		t.Errorf("conflict error = %v, want diff.ErrConflict", res.Conflicts[0].Err)
	}
	if len(res.Succeeded) != 1 || res.Succeeded[0] != "b.txt" {
		t.Errorf("Succeeded = %v, want [b.txt]", res.Succeeded)
	}

	// The conflicted file is untouched, the other reverted.
	if got := mustRead(t, env, "a.txt"); got != "tampered\n" {
		t.Errorf("a.txt = %q, want out-of-band content preserved", got)
	}
	if got := mustRead(t, env, "b.txt"); got != "" {
		t.Errorf("b.txt = %q, want removed", got)
	}

	// Only the reverted file's records are superseded.
	if res.Superseded != 1 {
		t.Errorf("Superseded = %d, want 1", res.Superseded)
	}
	left := env.led.QueryAfter(cutoff)
	if len(left) != 1 || left[0].FilePath != "a.txt" {
		t.Errorf("QueryAfter = %v, want a.txt's record still active", left)
	}
}

func TestToTimestamp_TargetNotCovered(t *testing.T) {
	env := newTestEnv(t)
	c := env.coordinator(t)
	ctx := context.Background()

	// Empty ledger covers nothing.
	_, err := c.ToTimestamp(ctx, time.Now())
	if !errors.Is(err, ErrRollbackTargetNotFound) {
		t.Errorf("empty ledger: error = %v, want ErrRollbackTargetNotFound", err)
	}

	r1 := record(t, env, "a.txt", "", "a1\n")
	_, err = c.ToTimestamp(ctx, r1.CreatedAt.Add(-time.Hour))
	if !errors.Is(err, ErrRollbackTargetNotFound) {
		t.Errorf("pre-history cutoff: error = %v, want ErrRollbackTargetNotFound", err)
	}
}

func TestToTimestamp_NothingAfterCutoff(t *testing.T) {
	env := newTestEnv(t)
	c := env.coordinator(t)
	ctx := context.Background()

	record(t, env, "a.txt", "", "a1\n")

	res, err := c.ToTimestamp(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ToTimestamp: %v", err)
	}
	if len(res.Succeeded) != 0 || len(res.Conflicts) != 0 || res.Superseded != 0 {
		t.Errorf("result = %+v, want empty success", res)
	}
	if got := mustRead(t, env, "a.txt"); got != "a1\n" {
		t.Errorf("a.txt = %q, want unchanged", got)
	}
}

func TestNewCoordinator_Validation(t *testing.T) {
	env := newTestEnv(t)

	if _, err := NewCoordinator(Config{Worktree: env.wt, Locks: env.locks}); !errors.Is(err, ErrMissingDependency) {
		t.Errorf("missing ledger: error = %v, want ErrMissingDependency", err)
	}
	if _, err := NewCoordinator(Config{Ledger: env.led, Locks: env.locks}); !errors.Is(err, ErrMissingDependency) {
		t.Errorf("missing worktree: error = %v, want ErrMissingDependency", err)
	}
	if _, err := NewCoordinator(Config{Ledger: env.led, Worktree: env.wt}); !errors.Is(err, ErrMissingDependency) {
		t.Errorf("missing locks: error = %v, want ErrMissingDependency", err)
	}

	// Checkpoint mode needs the store and repository at call time.
	c, err := NewCoordinator(Config{Ledger: env.led, Worktree: env.wt, Locks: env.locks})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	if _, err := c.ToCheckpoint(context.Background(), "cp"); !errors.Is(err, ErrMissingDependency) {
		t.Errorf("ToCheckpoint without store: error = %v, want ErrMissingDependency", err)
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package integration exercises a session end to end: tool-run edits
// journaled through the durable store, per-run checkpoints, batches,
// and both rollback paths, all against a real workspace on disk.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow"
	"github.com/AleutianAI/AleutianFlow/services/flow/engine"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowdef"
	"github.com/AleutianAI/AleutianFlow/services/flow/provider"
	"github.com/AleutianAI/AleutianFlow/services/flow/rollback"
)

func skipUnlessIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("RUN_INTEGRATION_TESTS") == "" {
		t.Skip("Set RUN_INTEGRATION_TESTS=1 to run this test")
	}
}

// =============================================================================
// Scripted backend
// =============================================================================

// scriptedBackend is a provider double with one canned poll sequence
// per submitted tool run. The last poll entry repeats once a script
// runs out.
type scriptedBackend struct {
	name    string
	scripts [][]provider.RunPoll

	mu      sync.Mutex
	chats   int
	submits int
	runs    map[string]*scriptedRun
}

type scriptedRun struct {
	polls []provider.RunPoll
	idx   int
}

var _ provider.Provider = (*scriptedBackend)(nil)

func newScriptedBackend(name string, scripts ...[]provider.RunPoll) *scriptedBackend {
	return &scriptedBackend{name: name, scripts: scripts, runs: map[string]*scriptedRun{}}
}

func (b *scriptedBackend) Name() string { return b.name }

func (b *scriptedBackend) Capabilities() provider.Capability {
	return provider.CapChat | provider.CapToolRuns
}

func (b *scriptedBackend) SubmitChat(_ context.Context, _ []provider.Message, _ provider.GenerationParams) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chats++
	return fmt.Sprintf("reply-%d", b.chats), nil
}

func (b *scriptedBackend) SubmitToolRun(_ context.Context, _ provider.ToolRunRequest) (provider.RunHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := b.submits
	b.submits++
	if idx >= len(b.scripts) {
		return provider.RunHandle{}, fmt.Errorf("no script for run %d", idx)
	}
	id := fmt.Sprintf("run-%d", idx)
	b.runs[id] = &scriptedRun{polls: b.scripts[idx]}
	return provider.RunHandle{ID: id}, nil
}

func (b *scriptedBackend) PollToolRun(_ context.Context, handle provider.RunHandle) (provider.RunPoll, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, ok := b.runs[handle.ID]
	if !ok {
		return provider.RunPoll{}, fmt.Errorf("unknown run %q", handle.ID)
	}
	if run.idx >= len(run.polls) {
		return run.polls[len(run.polls)-1], nil
	}
	poll := run.polls[run.idx]
	run.idx++
	return poll, nil
}

func (b *scriptedBackend) SubmitToolOutputs(_ context.Context, _ provider.RunHandle, _ []provider.ToolOutput) error {
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func writeAction(callID, path, content string) provider.RunPoll {
	args, _ := json.Marshal(map[string]string{"file_path": path, "content": content})
	return provider.RunPoll{
		Status: provider.StatusNeedsAction,
		Actions: []provider.ActionRequest{{
			CallID:    callID,
			Tool:      "write_file",
			Arguments: string(args),
		}},
	}
}

func completed(result string) provider.RunPoll {
	return provider.RunPoll{Status: provider.StatusCompleted, Result: result}
}

// editFlow is a one-step tool-run flow on the "openai" provider.
func editFlow(name string) *flowdef.Flow {
	return &flowdef.Flow{
		Name: name,
		Steps: []flowdef.Step{{
			Name:     "edit",
			Provider: "openai",
			Kind:     flowdef.KindToolRun,
			Tools:    []flowdef.ToolRef{{Name: "write_file"}},
		}},
	}
}

func fastOpts() engine.Options {
	return engine.Options{
		PollInterval:    2 * time.Millisecond,
		PollMaxInterval: 10 * time.Millisecond,
	}
}

// newIntegrationSession opens a session over ws with a memory VCS.
// An empty dataDir keeps the journal in memory only.
func newIntegrationSession(t *testing.T, ws, dataDir string) *flow.Session {
	t.Helper()
	cfg := flow.DefaultConfig()
	cfg.Workspace = ws
	cfg.VCS = "memory"
	cfg.SessionID = "sess-integration"
	cfg.DataDir = dataDir
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	sess, err := flow.NewSession(cfg)
	require.NoError(t, err, "NewSession")
	return sess
}

// =============================================================================
// Tests
// =============================================================================

// TestSessionLifecycle drives two tool-run edits through a durable
// session and rolls the workspace back to the first checkpoint.
func TestSessionLifecycle(t *testing.T) {
	skipUnlessIntegration(t)

	const (
		seed       = "package main\n\nfunc main() {}\n"
		firstEdit  = "package main\n\nfunc main() { println(\"hello\") }\n"
		secondEdit = "package main\n\nfunc main() { println(\"hello\"); println(\"bye\") }\n"
	)

	ws := t.TempDir()
	target := filepath.Join(ws, "main.go")
	require.NoError(t, os.WriteFile(target, []byte(seed), 0o644))

	sess := newIntegrationSession(t, ws, t.TempDir())
	defer sess.Close()

	backend := newScriptedBackend("openai",
		[]provider.RunPoll{writeAction("call-1", "main.go", firstEdit), completed("added greeting")},
		[]provider.RunPoll{writeAction("call-2", "main.go", secondEdit), completed("added farewell")},
	)
	require.NoError(t, sess.RegisterProvider(backend))

	ctx := context.Background()

	rc, err := sess.ExecuteFlow(ctx, editFlow("editor"), "add a greeting", fastOpts())
	require.NoError(t, err, "first run")
	assert.Equal(t, "added greeting", rc.Output())
	assert.Equal(t, []string{"main.go"}, rc.Files())
	require.Len(t, rc.Checkpoints(), 1, "per-run commit")

	onDisk, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, firstEdit, string(onDisk))

	chain := sess.Checkpoints()
	require.Len(t, chain, 1)
	first := chain[0]
	assert.Equal(t, rc.RunID(), first.RunID)
	assert.Contains(t, first.Label, "editor-")

	rc2, err := sess.ExecuteFlow(ctx, editFlow("editor"), "add a farewell", fastOpts())
	require.NoError(t, err, "second run")
	assert.NotEqual(t, rc.RunID(), rc2.RunID())
	require.Len(t, sess.Checkpoints(), 2)

	onDisk, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, secondEdit, string(onDisk))

	res, err := sess.Rollback(ctx, flow.RollbackTarget{CheckpointID: first.ID})
	require.NoError(t, err, "rollback to first checkpoint")
	assert.Equal(t, rollback.ModeCheckpoint, res.Mode)
	assert.Equal(t, 1, res.Superseded, "second run's record superseded")

	onDisk, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, firstEdit, string(onDisk), "workspace restored to first checkpoint")

	stats := sess.LedgerStats()
	assert.Equal(t, 2, stats.TotalRecords)
	assert.Equal(t, 1, stats.ActiveRecords)
}

// TestJournalSurvivesReopen closes a durable session and reopens it,
// then rewinds past the second run with a temporal rollback driven
// entirely by the reloaded journal.
func TestJournalSurvivesReopen(t *testing.T) {
	skipUnlessIntegration(t)

	const (
		seed       = "# notes\n"
		firstEdit  = "# notes\n\nfirst\n"
		secondEdit = "# notes\n\nfirst\nsecond\n"
	)

	ws := t.TempDir()
	dataDir := t.TempDir()
	target := filepath.Join(ws, "NOTES.md")
	require.NoError(t, os.WriteFile(target, []byte(seed), 0o644))

	sess := newIntegrationSession(t, ws, dataDir)
	backend := newScriptedBackend("openai",
		[]provider.RunPoll{writeAction("call-1", "NOTES.md", firstEdit), completed("first pass")},
		[]provider.RunPoll{writeAction("call-2", "NOTES.md", secondEdit), completed("second pass")},
	)
	require.NoError(t, sess.RegisterProvider(backend))

	ctx := context.Background()
	_, err := sess.ExecuteFlow(ctx, editFlow("notes"), "first", fastOpts())
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(20 * time.Millisecond)

	_, err = sess.ExecuteFlow(ctx, editFlow("notes"), "second", fastOpts())
	require.NoError(t, err)
	require.NoError(t, sess.Close())

	reopened := newIntegrationSession(t, ws, dataDir)
	defer reopened.Close()

	assert.Equal(t, 2, reopened.LedgerStats().TotalRecords, "journal reloaded")
	require.Len(t, reopened.Checkpoints(), 2, "checkpoint chain reloaded")

	res, err := reopened.Rollback(context.Background(), flow.RollbackTarget{Before: cutoff})
	require.NoError(t, err, "temporal rollback after reopen")
	assert.Equal(t, rollback.ModeTemporal, res.Mode)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, []string{"NOTES.md"}, res.Succeeded)
	assert.Equal(t, 1, res.Superseded)

	onDisk, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, firstEdit, string(onDisk), "second edit rewound")
}

// TestBatchSequential runs two editing tasks in order within one
// session and verifies each committed its own checkpoint.
func TestBatchSequential(t *testing.T) {
	skipUnlessIntegration(t)

	ws := t.TempDir()
	sess := newIntegrationSession(t, ws, "")
	defer sess.Close()

	backend := newScriptedBackend("openai",
		[]provider.RunPoll{writeAction("c1", "a.txt", "alpha\n"), completed("wrote a")},
		[]provider.RunPoll{writeAction("c2", "b.txt", "beta\n"), completed("wrote b")},
	)
	require.NoError(t, sess.RegisterProvider(backend))

	tasks := []flow.BatchTask{
		{Name: "task-a", Flow: editFlow("writer-a"), Input: "write a", Options: fastOpts()},
		{Name: "task-b", Flow: editFlow("writer-b"), Input: "write b", Options: fastOpts()},
	}

	results, err := sess.RunBatch(context.Background(), tasks, "sequential")
	require.NoError(t, err)
	require.Len(t, results, 2)

	for i, res := range results {
		assert.NoError(t, res.Err, "task %d", i)
		assert.NotEmpty(t, res.RunID, "task %d", i)
	}
	assert.Equal(t, "wrote a", results[0].Output)
	assert.Equal(t, "wrote b", results[1].Output)
	assert.Equal(t, []string{"a.txt"}, results[0].Files)
	assert.Equal(t, []string{"b.txt"}, results[1].Files)

	for _, name := range []string{"a.txt", "b.txt"} {
		if _, err := os.Stat(filepath.Join(ws, name)); err != nil {
			t.Errorf("expected %s in workspace: %v", name, err)
		}
	}
	assert.Len(t, sess.Checkpoints(), 2, "one per-run checkpoint per task")
}

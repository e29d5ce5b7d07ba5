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
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/checkpoint"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowdef"
	"github.com/AleutianAI/AleutianFlow/services/flow/ledger"
	"github.com/AleutianAI/AleutianFlow/services/flow/lock"
	"github.com/AleutianAI/AleutianFlow/services/flow/provider"
	"github.com/AleutianAI/AleutianFlow/services/flow/tools"
	"github.com/AleutianAI/AleutianFlow/services/flow/vcs"
)

// scriptedProvider is a backend with canned chat replies and per-run
// poll sequences. The last poll entry repeats once the script runs out.
type scriptedProvider struct {
	name string
	caps provider.Capability

	// chatFn computes the reply for the nth chat call (1-based). Nil
	// replies "reply-n".
	chatFn func(call int, msgs []provider.Message) (string, error)

	// scripts holds one poll sequence per submitted run, in order.
	scripts [][]provider.RunPoll

	mu      sync.Mutex
	chats   [][]provider.Message
	submits []provider.ToolRunRequest
	outputs [][]provider.ToolOutput
	runs    map[string]*scriptedRun
}

type scriptedRun struct {
	polls []provider.RunPoll
	idx   int
}

var _ provider.Provider = (*scriptedProvider)(nil)

func newScriptedProvider(name string, caps provider.Capability) *scriptedProvider {
	return &scriptedProvider{name: name, caps: caps, runs: map[string]*scriptedRun{}}
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Capabilities() provider.Capability { return p.caps }

func (p *scriptedProvider) SubmitChat(_ context.Context, msgs []provider.Message, _ provider.GenerationParams) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chats = append(p.chats, msgs)
	if p.chatFn != nil {
		return p.chatFn(len(p.chats), msgs)
	}
	return fmt.Sprintf("reply-%d", len(p.chats)), nil
}

func (p *scriptedProvider) SubmitToolRun(_ context.Context, req provider.ToolRunRequest) (provider.RunHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := len(p.submits)
	p.submits = append(p.submits, req)
	if idx >= len(p.scripts) {
		return provider.RunHandle{}, fmt.Errorf("no script for run %d", idx)
	}
	id := fmt.Sprintf("run-%d", idx)
	p.runs[id] = &scriptedRun{polls: p.scripts[idx]}
	return provider.RunHandle{ID: id}, nil
}

func (p *scriptedProvider) PollToolRun(_ context.Context, handle provider.RunHandle) (provider.RunPoll, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	run, ok := p.runs[handle.ID]
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

func (p *scriptedProvider) SubmitToolOutputs(_ context.Context, _ provider.RunHandle, outputs []provider.ToolOutput) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outputs = append(p.outputs, outputs)
	return nil
}

// testEnv bundles the real collaborators one run needs, rooted in a
// temp workspace.
type testEnv struct {
	root  string
	repo  *vcs.Memory
	wt    *vcs.Worktree
	led   *ledger.Ledger
	locks *lock.Manager
	cps   *checkpoint.Store
	reg   *tools.Registry
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

	reg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(reg, wt); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}

	return &testEnv{root: root, repo: repo, wt: wt, led: led, locks: locks, cps: cps, reg: reg}
}

func (env *testEnv) deps() Deps {
	return Deps{
		Ledger:      env.led,
		Checkpoints: env.cps,
		Locks:       env.locks,
		Tools:       env.reg,
		Worktree:    env.wt,
	}
}

func chatFlow(name, providerName string, steps ...string) *flowdef.Flow {
	fl := &flowdef.Flow{Name: name}
	for _, s := range steps {
		fl.Steps = append(fl.Steps, flowdef.Step{
			Name:     s,
			Provider: providerName,
			Kind:     flowdef.KindChat,
		})
	}
	return fl
}

func bindFlow(t *testing.T, fl *flowdef.Flow, backend provider.Provider, reg *tools.Registry) *flowdef.BoundFlow {
	t.Helper()
	provs := provider.NewRegistry()
	if err := provs.Register(backend); err != nil {
		t.Fatalf("Register: %v", err)
	}
	bound, err := flowdef.Bind(fl, provs, reg)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	return bound
}

// fastPoll shrinks poll timing so tool-run tests finish quickly.
func fastPoll(o Options) Options {
	o.PollInterval = time.Millisecond
	o.PollMaxInterval = 2 * time.Millisecond
	if o.PollDeadline == 0 {
		o.PollDeadline = 5 * time.Second
	}
	return o
}

func TestRun_ChatChain(t *testing.T) {
	env := newTestEnv(t)
	sp := newScriptedProvider("openai", provider.CapChat)
	sp.chatFn = func(call int, _ []provider.Message) (string, error) {
		return fmt.Sprintf("out-%d", call), nil
	}

	fl := chatFlow("review", "openai", "plan", "edit", "verify")
	fl.Steps[0].Instructions = "You plan."
	bound := bindFlow(t, fl, sp, nil)

	ex, err := NewExecutor(bound, env.deps())
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	rc, err := ex.Run(context.Background(), "fix the bug", Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if rc.Failed() {
		t.Fatal("run should not be failed")
	}
	if got := rc.Output(); got != "out-3" {
		t.Errorf("Output = %q, want %q", got, "out-3")
	}
	for i, step := range []string{"plan", "edit", "verify"} {
		want := fmt.Sprintf("out-%d", i+1)
		v, ok := rc.Value(step)
		if !ok || v != want {
			t.Errorf("Value(%q) = %v, want %q", step, v, want)
		}
	}

	// Instructions become the system turn; each later step consumes
	// the previous step's output as its user text.
	if len(sp.chats) != 3 {
		t.Fatalf("chat calls = %d, want 3", len(sp.chats))
	}
	first := sp.chats[0]
	if len(first) != 2 || first[0].Role != provider.RoleSystem || first[0].Content != "You plan." {
		t.Errorf("first call messages = %+v, want system instructions first", first)
	}
	if got := first[len(first)-1].Content; got != "fix the bug" {
		t.Errorf("first user text = %q, want initial input", got)
	}
	for i, want := range []string{"out-1", "out-2"} {
		msgs := sp.chats[i+1]
		if got := msgs[len(msgs)-1].Content; got != want {
			t.Errorf("call %d user text = %q, want %q", i+2, got, want)
		}
	}

	steps := rc.Steps()
	if len(steps) != 3 {
		t.Fatalf("step results = %d, want 3", len(steps))
	}
	for _, s := range steps {
		if s.Status != StepCompleted {
			t.Errorf("step %s status = %s, want completed", s.Step, s.Status)
		}
	}

	// No diffs, so even per_run creates no checkpoint.
	if got := env.cps.Count(); got != 0 {
		t.Errorf("checkpoints = %d, want 0", got)
	}
}

func TestRun_FailureStopsChain(t *testing.T) {
	env := newTestEnv(t)
	sp := newScriptedProvider("openai", provider.CapChat)
	sp.chatFn = func(call int, _ []provider.Message) (string, error) {
		if call == 2 {
			return "", errors.New("backend unavailable")
		}
		return "ok", nil
	}
	bound := bindFlow(t, chatFlow("review", "openai", "plan", "edit", "verify"), sp, nil)

	ex, err := NewExecutor(bound, env.deps())
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	rc, err := ex.Run(context.Background(), "fix the bug", Options{})
	if err == nil {
		t.Fatal("expected run error")
	}

	var se *StepError
	if !errors.As(err, &se) {
		t.Fatalf("error type = %T, want *StepError", err)
	}
	if se.Step != "edit" {
		t.Errorf("failed step = %q, want %q", se.Step, "edit")
	}

	if len(sp.chats) != 2 {
		t.Errorf("chat calls = %d, want 2 (verify must not run)", len(sp.chats))
	}
	if !rc.Failed() {
		t.Error("error flag should be set")
	}
	step, ferr := rc.Failure()
	if step != "edit" || ferr == nil {
		t.Errorf("Failure() = (%q, %v), want (edit, non-nil)", step, ferr)
	}

	steps := rc.Steps()
	if len(steps) != 2 {
		t.Fatalf("step results = %d, want 2", len(steps))
	}
	if steps[1].Status != StepFailed {
		t.Errorf("edit status = %s, want failed", steps[1].Status)
	}
	if got := env.cps.Count(); got != 0 {
		t.Errorf("checkpoints = %d, want 0", got)
	}
}

func TestRun_OptionalStepContinues(t *testing.T) {
	env := newTestEnv(t)
	sp := newScriptedProvider("openai", provider.CapChat)
	sp.chatFn = func(call int, _ []provider.Message) (string, error) {
		if call == 1 {
			return "", errors.New("lint backend down")
		}
		return "edited", nil
	}

	fl := &flowdef.Flow{
		Name: "review",
		Steps: []flowdef.Step{
			{Name: "lint", Provider: "openai", Kind: flowdef.KindChat, Optional: true},
			{Name: "edit", Provider: "openai", Kind: flowdef.KindChat},
		},
	}
	bound := bindFlow(t, fl, sp, nil)

	ex, err := NewExecutor(bound, env.deps())
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	rc, err := ex.Run(context.Background(), "fix the bug", Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if rc.Failed() {
		t.Error("optional failure must not set the error flag")
	}
	steps := rc.Steps()
	if len(steps) != 2 {
		t.Fatalf("step results = %d, want 2", len(steps))
	}
	if steps[0].Status != StepFailedOptional {
		t.Errorf("lint status = %s, want failed_optional", steps[0].Status)
	}
	if steps[1].Status != StepCompleted {
		t.Errorf("edit status = %s, want completed", steps[1].Status)
	}

	// The failed step produced no output, so edit consumes the input.
	msgs := sp.chats[1]
	if got := msgs[len(msgs)-1].Content; got != "fix the bug" {
		t.Errorf("edit user text = %q, want initial input", got)
	}
	if got := rc.Output(); got != "edited" {
		t.Errorf("Output = %q, want %q", got, "edited")
	}
}

func TestRun_ToolRunWritesAndRecords(t *testing.T) {
	env := newTestEnv(t)
	sp := newScriptedProvider("openai", provider.CapChat|provider.CapToolRuns)
	sp.scripts = [][]provider.RunPoll{{
		{Status: provider.StatusNeedsAction, Actions: []provider.ActionRequest{{
			CallID:    "call-1",
			Tool:      "write_file",
			Arguments: `{"file_path":"notes.txt","content":"hello\n"}`,
		}}},
		{Status: provider.StatusCompleted, Result: "wrote notes"},
	}}

	fl := &flowdef.Flow{
		Name: "editor",
		Steps: []flowdef.Step{{
			Name:     "edit",
			Provider: "openai",
			Kind:     flowdef.KindToolRun,
			Tools:    []flowdef.ToolRef{{Name: "write_file"}},
		}},
	}
	bound := bindFlow(t, fl, sp, env.reg)

	ex, err := NewExecutor(bound, env.deps())
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	rc, err := ex.Run(context.Background(), "write the notes", fastPoll(Options{}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := rc.Output(); got != "wrote notes" {
		t.Errorf("Output = %q, want %q", got, "wrote notes")
	}

	content, err := env.wt.ReadFile("notes.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if content != "hello\n" {
		t.Errorf("file content = %q, want %q", content, "hello\n")
	}

	// The backend saw the tool definition and got its output back.
	if len(sp.submits) != 1 || len(sp.submits[0].Tools) != 1 || sp.submits[0].Tools[0].Name != "write_file" {
		t.Errorf("submitted tools = %+v, want one write_file", sp.submits)
	}
	if len(sp.outputs) != 1 || len(sp.outputs[0]) != 1 || sp.outputs[0][0].CallID != "call-1" {
		t.Fatalf("tool outputs = %+v, want one for call-1", sp.outputs)
	}

	recs := env.led.QueryByFile("notes.txt")
	if len(recs) != 1 {
		t.Fatalf("ledger records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Metadata["run_id"] != rc.RunID() || rec.Metadata["flow"] != "editor" || rec.Metadata["step"] != "edit" {
		t.Errorf("record metadata = %v, want run/flow/step tags", rec.Metadata)
	}
	if rec.DiffText == "" {
		t.Error("record diff text is empty")
	}

	files := rc.Files()
	if len(files) != 1 || files[0] != "notes.txt" {
		t.Errorf("Files = %v, want [notes.txt]", files)
	}
	if got := rc.Steps()[0].DiffsRecorded; got != 1 {
		t.Errorf("DiffsRecorded = %d, want 1", got)
	}

	// Default policy: one checkpoint covering the recorded diff.
	if got := env.cps.Count(); got != 1 {
		t.Fatalf("checkpoints = %d, want 1", got)
	}
	cp, err := env.cps.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if len(cp.RecordIDs) != 1 || cp.RecordIDs[0] != rec.ID {
		t.Errorf("checkpoint records = %v, want [%s]", cp.RecordIDs, rec.ID)
	}
	cpIDs := rc.Checkpoints()
	if len(cpIDs) != 1 || cpIDs[0] != cp.ID {
		t.Errorf("Checkpoints = %v, want [%s]", cpIDs, cp.ID)
	}

	// The run's file lock is gone once the run finished.
	if holder, held := env.locks.Holder(filepath.Join(env.root, "notes.txt")); held {
		t.Errorf("lock still held by %q after run", holder)
	}
}

func TestRun_RequiredToolFailureFailsStep(t *testing.T) {
	env := newTestEnv(t)
	sp := newScriptedProvider("openai", provider.CapChat|provider.CapToolRuns)
	sp.scripts = [][]provider.RunPoll{{
		{Status: provider.StatusNeedsAction, Actions: []provider.ActionRequest{{
			CallID:    "call-1",
			Tool:      "write_file",
			Arguments: `{"file_path":"notes.txt"}`, // content missing
		}}},
	}}

	fl := &flowdef.Flow{
		Name: "editor",
		Steps: []flowdef.Step{{
			Name:     "edit",
			Provider: "openai",
			Kind:     flowdef.KindToolRun,
			Tools:    []flowdef.ToolRef{{Name: "write_file", Required: true}},
		}},
	}
	bound := bindFlow(t, fl, sp, env.reg)

	ex, err := NewExecutor(bound, env.deps())
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	rc, err := ex.Run(context.Background(), "write the notes", fastPoll(Options{}))
	if err == nil {
		t.Fatal("expected run error")
	}

	var execErr *tools.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("error chain misses *tools.ExecutionError: %v", err)
	}
	if execErr.Tool != "write_file" || execErr.Step != "edit" {
		t.Errorf("execution error = %+v, want write_file in edit", execErr)
	}

	// No output goes back to the backend for a required failure.
	if len(sp.outputs) != 0 {
		t.Errorf("tool outputs = %+v, want none", sp.outputs)
	}
	steps := rc.Steps()
	if len(steps) != 1 || len(steps[0].ToolFailures) != 1 {
		t.Fatalf("step results = %+v, want one with one tool failure", steps)
	}
	if steps[0].ToolFailures[0].Tool != "write_file" {
		t.Errorf("tool failure = %+v, want write_file", steps[0].ToolFailures[0])
	}
}

func TestRun_OptionalToolFailureFeedsBack(t *testing.T) {
	env := newTestEnv(t)
	sp := newScriptedProvider("openai", provider.CapChat|provider.CapToolRuns)
	sp.scripts = [][]provider.RunPoll{{
		{Status: provider.StatusNeedsAction, Actions: []provider.ActionRequest{{
			CallID:    "call-1",
			Tool:      "write_file",
			Arguments: `{"file_path":"notes.txt"}`, // content missing
		}}},
		{Status: provider.StatusCompleted, Result: "recovered"},
	}}

	fl := &flowdef.Flow{
		Name: "editor",
		Steps: []flowdef.Step{{
			Name:     "edit",
			Provider: "openai",
			Kind:     flowdef.KindToolRun,
			Tools:    []flowdef.ToolRef{{Name: "write_file"}},
		}},
	}
	bound := bindFlow(t, fl, sp, env.reg)

	ex, err := NewExecutor(bound, env.deps())
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	rc, err := ex.Run(context.Background(), "write the notes", fastPoll(Options{}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := rc.Output(); got != "recovered" {
		t.Errorf("Output = %q, want %q", got, "recovered")
	}
	if len(sp.outputs) != 1 || len(sp.outputs[0]) != 1 {
		t.Fatalf("tool outputs = %+v, want one batch of one", sp.outputs)
	}
	out := sp.outputs[0][0].Output
	if !strings.Contains(out, `"kind":"tool_execution"`) || !strings.Contains(out, `"tool":"write_file"`) {
		t.Errorf("failure output = %q, want structured error payload", out)
	}

	steps := rc.Steps()
	if steps[0].Status != StepCompleted {
		t.Errorf("step status = %s, want completed", steps[0].Status)
	}
	if len(steps[0].ToolFailures) != 1 {
		t.Errorf("tool failures = %+v, want one", steps[0].ToolFailures)
	}
}

func TestRun_LoopBudgetExhausted(t *testing.T) {
	env := newTestEnv(t)
	sp := newScriptedProvider("openai", provider.CapChat)

	fl := &flowdef.Flow{
		Name:  "loop",
		Entry: "edit",
		Steps: []flowdef.Step{
			{Name: "edit", Provider: "openai", Kind: flowdef.KindChat, MaxIterations: 2},
			{Name: "verify", Provider: "openai", Kind: flowdef.KindChat},
		},
		Transitions: map[string]string{"verify": "edit"},
	}
	bound := bindFlow(t, fl, sp, nil)

	ex, err := NewExecutor(bound, env.deps())
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	rc, err := ex.Run(context.Background(), "go", Options{})
	if err == nil {
		t.Fatal("expected loop budget error")
	}

	var ce *flowdef.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("error type = %T, want *flowdef.ConfigError", err)
	}
	if ce.Step != "edit" {
		t.Errorf("budgeted step = %q, want edit", ce.Step)
	}
	if !strings.Contains(err.Error(), "loop budget exhausted") {
		t.Errorf("error = %q, want loop budget message", err)
	}

	// Two full edit+verify passes before the third entry trips.
	if len(sp.chats) != 4 {
		t.Errorf("chat calls = %d, want 4", len(sp.chats))
	}
	if !rc.Failed() {
		t.Error("error flag should be set")
	}
}

func TestRun_CommitPerStep(t *testing.T) {
	env := newTestEnv(t)
	sp := newScriptedProvider("openai", provider.CapChat|provider.CapToolRuns)
	sp.scripts = [][]provider.RunPoll{
		{
			{Status: provider.StatusNeedsAction, Actions: []provider.ActionRequest{{
				CallID: "c1", Tool: "write_file", Arguments: `{"file_path":"a.txt","content":"a\n"}`,
			}}},
			{Status: provider.StatusCompleted, Result: "one"},
		},
		{
			{Status: provider.StatusNeedsAction, Actions: []provider.ActionRequest{{
				CallID: "c2", Tool: "write_file", Arguments: `{"file_path":"b.txt","content":"b\n"}`,
			}}},
			{Status: provider.StatusCompleted, Result: "two"},
		},
	}

	fl := &flowdef.Flow{
		Name: "editor",
		Steps: []flowdef.Step{
			{Name: "first", Provider: "openai", Kind: flowdef.KindToolRun, Tools: []flowdef.ToolRef{{Name: "write_file"}}},
			{Name: "second", Provider: "openai", Kind: flowdef.KindToolRun, Tools: []flowdef.ToolRef{{Name: "write_file"}}},
		},
	}
	bound := bindFlow(t, fl, sp, env.reg)

	ex, err := NewExecutor(bound, env.deps())
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	rc, err := ex.Run(context.Background(), "go", fastPoll(Options{CommitPolicy: CommitPerStep}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := env.cps.Count(); got != 2 {
		t.Fatalf("checkpoints = %d, want 2", got)
	}
	chain := env.cps.List()
	aID := env.led.QueryByFile("a.txt")[0].ID
	bID := env.led.QueryByFile("b.txt")[0].ID
	if len(chain[0].RecordIDs) != 1 || chain[0].RecordIDs[0] != aID {
		t.Errorf("first checkpoint records = %v, want [%s]", chain[0].RecordIDs, aID)
	}
	if len(chain[1].RecordIDs) != 1 || chain[1].RecordIDs[0] != bID {
		t.Errorf("second checkpoint records = %v, want [%s]", chain[1].RecordIDs, bID)
	}
	if got := len(rc.Checkpoints()); got != 2 {
		t.Errorf("run checkpoints = %d, want 2", got)
	}
}

func TestRun_CommitNone(t *testing.T) {
	env := newTestEnv(t)
	sp := newScriptedProvider("openai", provider.CapChat|provider.CapToolRuns)
	sp.scripts = [][]provider.RunPoll{{
		{Status: provider.StatusNeedsAction, Actions: []provider.ActionRequest{{
			CallID: "c1", Tool: "write_file", Arguments: `{"file_path":"a.txt","content":"a\n"}`,
		}}},
		{Status: provider.StatusCompleted, Result: "one"},
	}}

	fl := &flowdef.Flow{
		Name: "editor",
		Steps: []flowdef.Step{{
			Name: "edit", Provider: "openai", Kind: flowdef.KindToolRun,
			Tools: []flowdef.ToolRef{{Name: "write_file"}},
		}},
	}
	bound := bindFlow(t, fl, sp, env.reg)

	// CommitNone needs no checkpoint store at all.
	deps := env.deps()
	deps.Checkpoints = nil
	ex, err := NewExecutor(bound, deps)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	rc, err := ex.Run(context.Background(), "go", fastPoll(Options{CommitPolicy: CommitNone}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(rc.Checkpoints()); got != 0 {
		t.Errorf("run checkpoints = %d, want 0", got)
	}
	if got := len(env.led.QueryByFile("a.txt")); got != 1 {
		t.Errorf("ledger records = %d, want 1 (diffs record regardless)", got)
	}

	// Any committing policy without a store must fail before running.
	if _, err := ex.Run(context.Background(), "go", fastPoll(Options{})); !errors.Is(err, ErrMissingDependency) {
		t.Errorf("per_run without store: error = %v, want ErrMissingDependency", err)
	}
}

func TestRun_ToolRunFailedStatus(t *testing.T) {
	env := newTestEnv(t)
	sp := newScriptedProvider("openai", provider.CapChat|provider.CapToolRuns)
	sp.scripts = [][]provider.RunPoll{{
		{Status: provider.StatusFailed, FailureReason: "model exploded"},
	}}

	fl := &flowdef.Flow{
		Name: "editor",
		Steps: []flowdef.Step{{
			Name: "edit", Provider: "openai", Kind: flowdef.KindToolRun,
			Tools: []flowdef.ToolRef{{Name: "write_file"}},
		}},
	}
	bound := bindFlow(t, fl, sp, env.reg)

	ex, err := NewExecutor(bound, env.deps())
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	_, err = ex.Run(context.Background(), "go", fastPoll(Options{}))
	if err == nil || !strings.Contains(err.Error(), "model exploded") {
		t.Errorf("error = %v, want backend failure reason", err)
	}
}

func TestRun_PollDeadline(t *testing.T) {
	env := newTestEnv(t)
	sp := newScriptedProvider("openai", provider.CapChat|provider.CapToolRuns)
	sp.scripts = [][]provider.RunPoll{{
		{Status: provider.StatusQueued}, // repeats forever
	}}

	fl := &flowdef.Flow{
		Name: "editor",
		Steps: []flowdef.Step{{
			Name: "edit", Provider: "openai", Kind: flowdef.KindToolRun,
			Tools: []flowdef.ToolRef{{Name: "write_file"}},
		}},
	}
	bound := bindFlow(t, fl, sp, env.reg)

	ex, err := NewExecutor(bound, env.deps())
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	opts := Options{
		PollInterval:    time.Millisecond,
		PollMaxInterval: 2 * time.Millisecond,
		PollDeadline:    25 * time.Millisecond,
	}
	rc, err := ex.Run(context.Background(), "go", opts)
	if !errors.Is(err, ErrToolRunTimeout) {
		t.Fatalf("error = %v, want ErrToolRunTimeout", err)
	}
	if !rc.Failed() {
		t.Error("error flag should be set")
	}
}

func TestRun_CancelledContext(t *testing.T) {
	env := newTestEnv(t)
	sp := newScriptedProvider("openai", provider.CapChat)
	bound := bindFlow(t, chatFlow("review", "openai", "plan"), sp, nil)

	ex, err := NewExecutor(bound, env.deps())
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rc, err := ex.Run(ctx, "go", Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if !rc.Failed() {
		t.Error("error flag should be set")
	}
	if len(sp.chats) != 0 {
		t.Errorf("chat calls = %d, want 0", len(sp.chats))
	}
}

func TestNewExecutor_Validation(t *testing.T) {
	env := newTestEnv(t)
	sp := newScriptedProvider("openai", provider.CapChat|provider.CapToolRuns)
	chatBound := bindFlow(t, chatFlow("review", "openai", "plan"), sp, nil)

	toolFlow := &flowdef.Flow{
		Name: "editor",
		Steps: []flowdef.Step{{
			Name: "edit", Provider: "openai", Kind: flowdef.KindToolRun,
			Tools: []flowdef.ToolRef{{Name: "write_file"}},
		}},
	}
	toolBound := bindFlow(t, toolFlow, sp, env.reg)

	if _, err := NewExecutor(nil, env.deps()); !errors.Is(err, ErrNilFlow) {
		t.Errorf("nil flow: error = %v, want ErrNilFlow", err)
	}

	missing := []struct {
		name   string
		mutate func(*Deps)
	}{
		{"ledger", func(d *Deps) { d.Ledger = nil }},
		{"locks", func(d *Deps) { d.Locks = nil }},
		{"worktree", func(d *Deps) { d.Worktree = nil }},
	}
	for _, tc := range missing {
		t.Run(tc.name, func(t *testing.T) {
			deps := env.deps()
			tc.mutate(&deps)
			if _, err := NewExecutor(chatBound, deps); !errors.Is(err, ErrMissingDependency) {
				t.Errorf("error = %v, want ErrMissingDependency", err)
			}
		})
	}

	t.Run("tool registry", func(t *testing.T) {
		deps := env.deps()
		deps.Tools = nil
		if _, err := NewExecutor(toolBound, deps); !errors.Is(err, ErrMissingDependency) {
			t.Errorf("tool_run flow without registry: error = %v, want ErrMissingDependency", err)
		}
		if _, err := NewExecutor(chatBound, deps); err != nil {
			t.Errorf("chat flow without registry: error = %v, want nil", err)
		}
	})
}

func TestOptions_Normalize(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		opts, err := Options{}.normalize()
		if err != nil {
			t.Fatalf("normalize: %v", err)
		}
		if opts.CommitPolicy != CommitPerRun {
			t.Errorf("policy = %s, want per_run", opts.CommitPolicy)
		}
		if opts.PollInterval != DefaultPollInterval || opts.PollMaxInterval != DefaultPollMaxInterval || opts.PollDeadline != DefaultPollDeadline {
			t.Errorf("poll defaults = %v/%v/%v", opts.PollInterval, opts.PollMaxInterval, opts.PollDeadline)
		}
	})

	t.Run("invalid mode", func(t *testing.T) {
		if _, err := (Options{Mode: "banana"}).normalize(); err == nil {
			t.Error("expected error for invalid mode")
		}
	})

	t.Run("invalid policy", func(t *testing.T) {
		if _, err := (Options{CommitPolicy: "sometimes"}).normalize(); err == nil {
			t.Error("expected error for invalid policy")
		}
	})
}

func TestSanitizeLabel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"editor-abc123", "editor-abc123"},
		{"my flow/x", "my-flow-x"},
		{"v1.2_rc", "v1.2_rc"},
		{"", "run"},
	}
	for _, tt := range tests {
		if got := sanitizeLabel(tt.in); got != tt.want {
			t.Errorf("sanitizeLabel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

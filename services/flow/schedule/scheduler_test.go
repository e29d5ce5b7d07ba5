// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schedule

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/engine"
)

// fakeRunner scripts run outcomes and records start order and overlap
// so policy behavior is observable without real flows.
type fakeRunner struct {
	delays map[string]time.Duration
	failOn map[string]error

	mu     sync.Mutex
	order  []string
	starts map[string]time.Time
	ends   map[string]time.Time
	cur    int
	peak   int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		delays: make(map[string]time.Duration),
		failOn: make(map[string]error),
		starts: make(map[string]time.Time),
		ends:   make(map[string]time.Time),
	}
}

func (r *fakeRunner) Run(ctx context.Context, input string, _ engine.Options) (*engine.Context, error) {
	r.mu.Lock()
	r.order = append(r.order, input)
	r.starts[input] = time.Now()
	r.cur++
	if r.cur > r.peak {
		r.peak = r.cur
	}
	delay := r.delays[input]
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.cur--
		r.ends[input] = time.Now()
		r.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := r.failOn[input]; err != nil {
		return nil, err
	}
	return engine.NewContext("run-"+input, "fake", input), nil
}

func (r *fakeRunner) started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *fakeRunner) maxInFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak
}

func (r *fakeRunner) window(input string) (start, end time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts[input], r.ends[input]
}

func makeTasks(r *fakeRunner, inputs ...string) []Task {
	tasks := make([]Task, len(inputs))
	for i, in := range inputs {
		tasks[i] = Task{Name: in, Runner: r, Input: in}
	}
	return tasks
}

func sameSet(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	g := append([]string(nil), got...)
	w := append([]string(nil), want...)
	sort.Strings(g)
	sort.Strings(w)
	for i := range g {
		if g[i] != w[i] {
			return false
		}
	}
	return true
}

func TestRunBatch_SequentialOrder(t *testing.T) {
	r := newFakeRunner()
	inputs := []string{"t1", "t2", "t3", "t4"}
	s := NewScheduler(Config{})

	results, err := s.RunBatch(context.Background(), makeTasks(r, inputs...), PolicySequential)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	order := r.started()
	for i, in := range inputs {
		if order[i] != in {
			t.Fatalf("start order = %v, want %v", order, inputs)
		}
		if results[i].Name != in || results[i].RunID != "run-"+in {
			t.Errorf("results[%d] = {%s %s}, want aligned with %s", i, results[i].Name, results[i].RunID, in)
		}
		if results[i].Err != nil {
			t.Errorf("results[%d].Err = %v, want nil", i, results[i].Err)
		}
	}
	if peak := r.maxInFlight(); peak != 1 {
		t.Errorf("max in-flight = %d, want 1", peak)
	}
}

func TestRunBatch_ParallelRespectsWorkerBound(t *testing.T) {
	r := newFakeRunner()
	inputs := []string{"a", "b", "c", "d", "e", "f"}
	for _, in := range inputs {
		r.delays[in] = 20 * time.Millisecond
	}
	s := NewScheduler(Config{Workers: 2})

	results, err := s.RunBatch(context.Background(), makeTasks(r, inputs...), PolicyParallel)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	if peak := r.maxInFlight(); peak != 2 {
		t.Errorf("max in-flight = %d, want exactly the worker bound 2", peak)
	}
	for i := range results {
		if results[i].Err != nil {
			t.Errorf("results[%d].Err = %v, want nil", i, results[i].Err)
		}
	}
}

func TestRunBatch_ParallelStreamsPastSlowTasks(t *testing.T) {
	r := newFakeRunner()
	r.delays["slow"] = 60 * time.Millisecond
	r.delays["quick"] = 5 * time.Millisecond
	r.delays["next"] = 5 * time.Millisecond
	s := NewScheduler(Config{Workers: 2})

	if _, err := s.RunBatch(context.Background(), makeTasks(r, "slow", "quick", "next"), PolicyParallel); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	// The freed worker picks up "next" while "slow" still runs.
	nextStart, _ := r.window("next")
	_, slowEnd := r.window("slow")
	if !nextStart.Before(slowEnd) {
		t.Errorf("next started %v after slow ended %v, want streaming past the slow task", nextStart, slowEnd)
	}
}

func TestRunBatch_ConcurrentLaunchesEverything(t *testing.T) {
	r := newFakeRunner()
	inputs := []string{"a", "b", "c", "d", "e"}
	for _, in := range inputs {
		r.delays[in] = 30 * time.Millisecond
	}
	s := NewScheduler(Config{})

	if _, err := s.RunBatch(context.Background(), makeTasks(r, inputs...), PolicyConcurrent); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	if peak := r.maxInFlight(); peak != len(inputs) {
		t.Errorf("max in-flight = %d, want all %d at once", peak, len(inputs))
	}
}

func TestRunBatch_ConcurrentAdmissionCeiling(t *testing.T) {
	r := newFakeRunner()
	inputs := []string{"a", "b", "c", "d", "e", "f"}
	for _, in := range inputs {
		r.delays[in] = 10 * time.Millisecond
	}
	s := NewScheduler(Config{MaxInFlight: 2})

	results, err := s.RunBatch(context.Background(), makeTasks(r, inputs...), PolicyConcurrent)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	if peak := r.maxInFlight(); peak > 2 {
		t.Errorf("max in-flight = %d, want at most the admission ceiling 2", peak)
	}
	if got := r.started(); len(got) != len(inputs) {
		t.Errorf("started %d tasks, want %d", len(got), len(inputs))
	}
	for i := range results {
		if results[i].Err != nil {
			t.Errorf("results[%d].Err = %v, want nil", i, results[i].Err)
		}
	}
}

func TestRunBatch_SwarmBarrier(t *testing.T) {
	r := newFakeRunner()
	r.delays["t1"] = 50 * time.Millisecond
	r.delays["t2"] = 5 * time.Millisecond
	r.delays["t3"] = 5 * time.Millisecond
	r.delays["t4"] = 5 * time.Millisecond
	s := NewScheduler(Config{Workers: 2})

	if _, err := s.RunBatch(context.Background(), makeTasks(r, "t1", "t2", "t3", "t4"), PolicySwarm); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	order := r.started()
	if !sameSet(order[:2], []string{"t1", "t2"}) || !sameSet(order[2:], []string{"t3", "t4"}) {
		t.Fatalf("start order = %v, want wave {t1,t2} before wave {t3,t4}", order)
	}

	// No second-wave task may start before the slow first-wave task
	// finished, even though a worker sat idle.
	_, slowEnd := r.window("t1")
	for _, in := range []string{"t3", "t4"} {
		start, _ := r.window(in)
		if start.Before(slowEnd) {
			t.Errorf("%s started %v before the first wave ended %v", in, start, slowEnd)
		}
	}
}

func TestRunBatch_SwarmCancelSkipsLaterWaves(t *testing.T) {
	r := newFakeRunner()
	for _, in := range []string{"t1", "t2", "t3", "t4"} {
		r.delays[in] = 60 * time.Millisecond
	}
	s := NewScheduler(Config{Workers: 2})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(15 * time.Millisecond)
		cancel()
	}()

	results, err := s.RunBatch(ctx, makeTasks(r, "t1", "t2", "t3", "t4"), PolicySwarm)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	if got := r.started(); !sameSet(got, []string{"t1", "t2"}) {
		t.Errorf("started = %v, want only the first wave", got)
	}
	for i, res := range results {
		if !errors.Is(res.Err, context.Canceled) {
			t.Errorf("results[%d].Err = %v, want context.Canceled", i, res.Err)
		}
	}
}

func TestRunBatch_TaskFailureIsolated(t *testing.T) {
	boom := errors.New("boom")
	r := newFakeRunner()
	r.failOn["t2"] = boom
	s := NewScheduler(Config{})

	results, err := s.RunBatch(context.Background(), makeTasks(r, "t1", "t2", "t3"), PolicySequential)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	if !errors.Is(results[1].Err, boom) {
		t.Errorf("results[1].Err = %v, want boom", results[1].Err)
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Errorf("neighbor errors = %v, %v, want nil", results[0].Err, results[2].Err)
	}
	if len(r.started()) != 3 {
		t.Errorf("started %d tasks, want all 3 despite the failure", len(r.started()))
	}
}

func TestRunBatch_NilRunnerTask(t *testing.T) {
	r := newFakeRunner()
	tasks := makeTasks(r, "t1", "t2", "t3")
	tasks[1].Runner = nil
	s := NewScheduler(Config{})

	results, err := s.RunBatch(context.Background(), tasks, PolicySequential)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	if !errors.Is(results[1].Err, ErrNilRunner) {
		t.Errorf("results[1].Err = %v, want ErrNilRunner", results[1].Err)
	}
	if got := r.started(); !sameSet(got, []string{"t1", "t3"}) {
		t.Errorf("started = %v, want the two runnable tasks", got)
	}
}

func TestRunBatch_CancelledContext(t *testing.T) {
	r := newFakeRunner()
	s := NewScheduler(Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := s.RunBatch(ctx, makeTasks(r, "t1", "t2"), PolicySequential)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	for i, res := range results {
		if !errors.Is(res.Err, context.Canceled) {
			t.Errorf("results[%d].Err = %v, want context.Canceled", i, res.Err)
		}
	}
	if got := r.started(); len(got) != 0 {
		t.Errorf("started = %v, want no runs on a dead context", got)
	}
}

func TestRunBatch_Validation(t *testing.T) {
	r := newFakeRunner()
	s := NewScheduler(Config{})

	if _, err := s.RunBatch(context.Background(), makeTasks(r, "t1"), Policy("banana")); !errors.Is(err, ErrUnknownPolicy) {
		t.Errorf("unknown policy: error = %v, want ErrUnknownPolicy", err)
	}

	var nilCtx context.Context
	if _, err := s.RunBatch(nilCtx, makeTasks(r, "t1"), PolicySequential); !errors.Is(err, ErrNilContext) {
		t.Errorf("nil context: error = %v, want ErrNilContext", err)
	}

	results, err := s.RunBatch(context.Background(), nil, PolicyParallel)
	if err != nil || results != nil {
		t.Errorf("empty batch = (%v, %v), want (nil, nil)", results, err)
	}
}

func TestRunBatch_DefaultTaskNames(t *testing.T) {
	r := newFakeRunner()
	tasks := []Task{
		{Runner: r, Input: "x"},
		{Runner: r, Input: "y"},
	}
	s := NewScheduler(Config{})

	results, err := s.RunBatch(context.Background(), tasks, PolicySequential)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if results[0].Name != "task-1" || results[1].Name != "task-2" {
		t.Errorf("names = %s, %s, want task-1, task-2", results[0].Name, results[1].Name)
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"sequential", PolicySequential, false},
		{"parallel", PolicyParallel, false},
		{"concurrent", PolicyConcurrent, false},
		{"swarm", PolicySwarm, false},
		{"banana", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownPolicy) {
				t.Errorf("ParsePolicy(%q) error = %v, want ErrUnknownPolicy", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParsePolicy(%q) = (%v, %v), want %v", tt.in, got, err, tt.want)
		}
	}
}

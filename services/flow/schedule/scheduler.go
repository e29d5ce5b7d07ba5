// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package schedule fans flow runs out under a batch concurrency policy.
//
// Four policies cover the span from strict ordering to free-for-all.
// Sequential runs tasks one at a time in input order. Parallel streams
// tasks through a bounded worker pool. Concurrent launches every task
// at once behind an optional admission ceiling. Swarm runs bounded
// waves with a barrier between them, so each wave starts only after
// every checkpoint of the previous wave has committed.
//
// Per-file safety does not live here. A run mutates files only under
// the shared lock manager, so two tasks touching the same file
// serialize on that file under every policy, and tasks with disjoint
// file sets proceed independently.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/AleutianFlow/services/flow/engine"
)

var tracer = otel.Tracer("aleutian.flow")

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNilContext indicates a nil context was passed.
	ErrNilContext = errors.New("schedule: context must not be nil")

	// ErrUnknownPolicy indicates a policy outside the known set.
	ErrUnknownPolicy = errors.New("schedule: unknown policy")

	// ErrNilRunner indicates a task without a runner.
	ErrNilRunner = errors.New("schedule: task runner must not be nil")
)

// =============================================================================
// Types
// =============================================================================

// Policy selects how a batch spreads its tasks over time.
type Policy string

const (
	// PolicySequential runs tasks one at a time in input order.
	PolicySequential Policy = "sequential"

	// PolicyParallel streams tasks through a bounded worker pool.
	PolicyParallel Policy = "parallel"

	// PolicyConcurrent launches every task immediately; an optional
	// admission ceiling bounds how many execute at once.
	PolicyConcurrent Policy = "concurrent"

	// PolicySwarm runs worker-sized waves separated by a barrier, so
	// later tasks observe every earlier wave's checkpoints.
	PolicySwarm Policy = "swarm"
)

// Valid reports whether p names a known policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicySequential, PolicyParallel, PolicyConcurrent, PolicySwarm:
		return true
	}
	return false
}

// ParsePolicy converts a flag or config value into a Policy.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(s)
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
	return p, nil
}

// FlowRunner executes one flow run to completion. *engine.Executor is
// the production implementation.
type FlowRunner interface {
	Run(ctx context.Context, input string, opts engine.Options) (*engine.Context, error)
}

// Task is one unit of batch work.
type Task struct {
	// Name labels the task in results and logs. Empty names default to
	// the task's position in the batch.
	Name string

	// Runner executes the task's flow. Must not be nil.
	Runner FlowRunner

	// Input seeds the run's working text.
	Input string

	// Options tune the run. The zero value takes the engine defaults.
	Options engine.Options
}

// TaskResult reports one task's outcome. Results align with the input
// tasks by index regardless of completion order.
type TaskResult struct {
	// Name is the task's label.
	Name string

	// RunID identifies the underlying run, when one started.
	RunID string

	// Output is the final working text of a completed run.
	Output string

	// Files lists the files the run touched.
	Files []string

	// Checkpoints lists checkpoint IDs the run committed.
	Checkpoints []string

	// Err is the task's failure, nil on success. A cancelled batch
	// marks unstarted tasks with the context's error.
	Err error

	// Duration is the wall time of the run itself.
	Duration time.Duration
}

// DefaultWorkers bounds parallel execution when Config.Workers is zero.
const DefaultWorkers = 4

// Config tunes a Scheduler.
type Config struct {
	// Workers bounds simultaneous runs under the parallel policy and
	// sets the wave size under swarm. Defaults to DefaultWorkers.
	Workers int

	// MaxInFlight caps admitted runs under the concurrent policy.
	// Zero admits every task immediately.
	MaxInFlight int

	// Logger receives batch progress. Defaults to slog.Default().
	Logger *slog.Logger
}

// Scheduler executes batches of flow runs under a concurrency policy.
//
// # Thread Safety
//
// A Scheduler is stateless between calls; RunBatch may be invoked from
// multiple goroutines.
type Scheduler struct {
	workers     int
	maxInFlight int
	logger      *slog.Logger
}

// =============================================================================
// Constructor
// =============================================================================

// NewScheduler builds a Scheduler, applying defaults for zero fields.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxInFlight < 0 {
		cfg.MaxInFlight = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		workers:     cfg.Workers,
		maxInFlight: cfg.MaxInFlight,
		logger:      cfg.Logger.With(slog.String("component", "scheduler")),
	}
}

// =============================================================================
// Batch execution
// =============================================================================

// RunBatch executes tasks under the given policy and returns one result
// per task, index-aligned with the input.
//
// # Description
//
// Task failures land in their TaskResult.Err and never abort the batch.
// The returned error covers malformed requests only: a nil context or
// an unknown policy. Cancelling ctx stops new work; tasks that have not
// started carry the context's error in their result.
//
// # Inputs
//
//   - ctx: Context governing the whole batch. Must not be nil.
//   - tasks: Units of work. An empty slice yields nil results.
//   - policy: One of the Policy constants.
//
// # Outputs
//
//   - []TaskResult: Per-task outcomes, aligned by index.
//   - error: ErrNilContext or ErrUnknownPolicy.
func (s *Scheduler) RunBatch(ctx context.Context, tasks []Task, policy Policy) ([]TaskResult, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if !policy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, string(policy))
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "schedule.RunBatch", trace.WithAttributes(
		attribute.String("batch.policy", string(policy)),
		attribute.Int("batch.tasks", len(tasks)),
	))
	defer span.End()

	s.logger.Info("batch started",
		slog.String("policy", string(policy)),
		slog.Int("tasks", len(tasks)),
		slog.Int("workers", s.workers))

	start := time.Now()
	results := make([]TaskResult, len(tasks))

	switch policy {
	case PolicySequential:
		s.runSequential(ctx, tasks, results)
	case PolicyParallel:
		s.runParallel(ctx, tasks, results)
	case PolicyConcurrent:
		s.runConcurrent(ctx, tasks, results)
	case PolicySwarm:
		s.runSwarm(ctx, tasks, results)
	}

	failed := 0
	for i := range results {
		if results[i].Err != nil {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("batch.failed", failed))
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d tasks failed", failed, len(tasks)))
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.logger.Info("batch finished",
		slog.String("policy", string(policy)),
		slog.Int("tasks", len(tasks)),
		slog.Int("failed", failed),
		slog.Duration("duration", time.Since(start)))

	return results, nil
}

// =============================================================================
// Policies
// =============================================================================

func (s *Scheduler) runSequential(ctx context.Context, tasks []Task, results []TaskResult) {
	for i := range tasks {
		results[i] = s.runOne(ctx, i, tasks[i])
	}
}

func (s *Scheduler) runParallel(ctx context.Context, tasks []Task, results []TaskResult) {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := range tasks {
		g.Go(func() error {
			// Each task owns its result slot; failures stay per-task.
			results[i] = s.runOne(gCtx, i, tasks[i])
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) runConcurrent(ctx context.Context, tasks []Task, results []TaskResult) {
	// With no ceiling the semaphore admits the whole batch at once.
	limit := int64(len(tasks))
	if s.maxInFlight > 0 {
		limit = int64(s.maxInFlight)
	}
	sem := semaphore.NewWeighted(limit)

	g := new(errgroup.Group)
	for i := range tasks {
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = TaskResult{Name: taskName(tasks[i], i), Err: err}
				return nil
			}
			defer sem.Release(1)
			results[i] = s.runOne(ctx, i, tasks[i])
			return nil
		})
	}
	_ = g.Wait()
}

// runSwarm executes worker-sized waves. The Wait between waves is the
// checkpoint barrier: a run returns only after its commits finished, so
// every task of wave n+1 starts with wave n's checkpoints durable.
func (s *Scheduler) runSwarm(ctx context.Context, tasks []Task, results []TaskResult) {
	for base := 0; base < len(tasks); base += s.workers {
		if err := ctx.Err(); err != nil {
			for i := base; i < len(tasks); i++ {
				results[i] = TaskResult{Name: taskName(tasks[i], i), Err: err}
			}
			return
		}

		end := base + s.workers
		if end > len(tasks) {
			end = len(tasks)
		}

		g, gCtx := errgroup.WithContext(ctx)
		for i := base; i < end; i++ {
			g.Go(func() error {
				results[i] = s.runOne(gCtx, i, tasks[i])
				return nil
			})
		}
		_ = g.Wait()

		s.logger.Debug("wave finished",
			slog.Int("wave", base/s.workers+1),
			slog.Int("tasks", end-base))
	}
}

// =============================================================================
// Helpers
// =============================================================================

// runOne executes a single task and shapes its result.
func (s *Scheduler) runOne(ctx context.Context, idx int, task Task) TaskResult {
	res := TaskResult{Name: taskName(task, idx)}
	if task.Runner == nil {
		res.Err = ErrNilRunner
		return res
	}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	start := time.Now()
	rc, err := task.Runner.Run(ctx, task.Input, task.Options)
	res.Duration = time.Since(start)
	res.Err = err
	if rc != nil {
		res.RunID = rc.RunID()
		res.Output = rc.Output()
		res.Files = rc.Files()
		res.Checkpoints = rc.Checkpoints()
	}

	if err != nil {
		s.logger.Warn("task failed",
			slog.String("task", res.Name),
			slog.String("error", err.Error()))
	} else {
		s.logger.Debug("task finished",
			slog.String("task", res.Name),
			slog.Duration("duration", res.Duration))
	}
	return res
}

func taskName(t Task, idx int) string {
	if t.Name != "" {
		return t.Name
	}
	return fmt.Sprintf("task-%d", idx+1)
}

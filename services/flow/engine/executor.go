// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine executes bound flows step by step.
//
// # Description
//
// The executor walks a flow's step chain from its entry: chat steps
// perform one completion round trip, tool_run steps drive an
// asynchronous provider run through the poll loop and invoke requested
// tools locally. Around every step it snapshots the tracked files,
// computes diffs afterwards, and records non-empty ones in the change
// ledger. Checkpoint creation follows the run's commit policy.
//
// # Thread Safety
//
// An Executor is safe for concurrent use; each Run owns its Context
// and tracker.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFlow/services/flow/checkpoint"
	"github.com/AleutianAI/AleutianFlow/services/flow/diff"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowdef"
	"github.com/AleutianAI/AleutianFlow/services/flow/index"
	"github.com/AleutianAI/AleutianFlow/services/flow/ledger"
	"github.com/AleutianAI/AleutianFlow/services/flow/lock"
	"github.com/AleutianAI/AleutianFlow/services/flow/provider"
	"github.com/AleutianAI/AleutianFlow/services/flow/tools"
	"github.com/AleutianAI/AleutianFlow/services/flow/vcs"
)

var (
	tracer = otel.Tracer("aleutian.flow")
	meter  = otel.Meter("aleutian.flow")
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("engine: context must not be nil")

	// ErrNilFlow is returned when no bound flow is supplied.
	ErrNilFlow = errors.New("engine: flow must not be nil")

	// ErrMissingDependency is returned when a required collaborator is
	// absent.
	ErrMissingDependency = errors.New("engine: missing dependency")

	// ErrToolRunTimeout is returned when a tool run outlives the poll
	// deadline.
	ErrToolRunTimeout = errors.New("engine: tool run deadline exceeded")
)

// StepError wraps a failure with the step that raised it.
type StepError struct {
	// Step is the step name.
	Step string

	// Err is the underlying failure.
	Err error
}

// Error returns the error message.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

// Unwrap returns the underlying error.
func (e *StepError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Options
// =============================================================================

// CommitPolicy controls when a run creates checkpoints.
type CommitPolicy string

const (
	// CommitPerRun creates one checkpoint at the end of a successful
	// run, covering every diff it recorded. Default.
	CommitPerRun CommitPolicy = "per_run"

	// CommitPerStep creates a checkpoint after every step that
	// recorded at least one diff.
	CommitPerStep CommitPolicy = "per_step"

	// CommitNone records diffs without creating checkpoints.
	CommitNone CommitPolicy = "none"
)

// Valid reports whether the policy is one of the supported values.
func (p CommitPolicy) Valid() bool {
	return p == CommitPerRun || p == CommitPerStep || p == CommitNone
}

// Options tunes one run.
type Options struct {
	// Mode is the diff granularity for file tracking. Default: file.
	Mode diff.Mode

	// CommitPolicy controls checkpoint creation. Default: per_run.
	CommitPolicy CommitPolicy

	// TrackedFiles seeds the tracked set, paths workspace-relative.
	TrackedFiles []string

	// PollInterval is the initial wait between tool-run polls.
	// Default: 500ms, doubling up to PollMaxInterval.
	PollInterval time.Duration

	// PollMaxInterval caps the poll backoff. Default: 5s.
	PollMaxInterval time.Duration

	// PollDeadline bounds one tool run end to end. Default: 5m.
	PollDeadline time.Duration
}

// normalize fills defaults and rejects invalid values.
func (o Options) normalize() (Options, error) {
	if o.Mode == "" {
		o.Mode = diff.ModeFile
	}
	if !o.Mode.Valid() {
		return o, fmt.Errorf("engine: invalid diff mode %q", o.Mode)
	}
	if o.CommitPolicy == "" {
		o.CommitPolicy = CommitPerRun
	}
	if !o.CommitPolicy.Valid() {
		return o, fmt.Errorf("engine: invalid commit policy %q", o.CommitPolicy)
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.PollMaxInterval <= 0 {
		o.PollMaxInterval = DefaultPollMaxInterval
	}
	if o.PollDeadline <= 0 {
		o.PollDeadline = DefaultPollDeadline
	}
	return o, nil
}

// =============================================================================
// Executor
// =============================================================================

// Deps are the shared collaborators a run works against.
type Deps struct {
	// Ledger records the run's diffs. Required.
	Ledger *ledger.Ledger

	// Checkpoints commits checkpoints. Required unless every run uses
	// CommitNone.
	Checkpoints *checkpoint.Store

	// Locks serializes file mutations across runs. Required.
	Locks *lock.Manager

	// Tools resolves and invokes tools for tool_run steps. Required
	// when the flow has tool_run steps.
	Tools *tools.Registry

	// Worktree is the workspace file surface. Required.
	Worktree *vcs.Worktree

	// Indexer receives committed diffs off the correctness path.
	// Optional.
	Indexer index.Indexer

	// Logger for run logs. Default: slog.Default().
	Logger *slog.Logger
}

// Executor runs one bound flow.
type Executor struct {
	flow        *flowdef.BoundFlow
	ledger      *ledger.Ledger
	checkpoints *checkpoint.Store
	locks       *lock.Manager
	tools       *tools.Registry
	worktree    *vcs.Worktree
	indexer     index.Indexer
	logger      *slog.Logger

	// Metrics (initialized lazily)
	metricsOnce sync.Once
	runsTotal   metric.Int64Counter
	stepLatency metric.Float64Histogram
	activeRuns  metric.Int64UpDownCounter
}

// NewExecutor creates an executor for one bound flow.
func NewExecutor(flow *flowdef.BoundFlow, deps Deps) (*Executor, error) {
	if flow == nil {
		return nil, ErrNilFlow
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("%w: ledger", ErrMissingDependency)
	}
	if deps.Locks == nil {
		return nil, fmt.Errorf("%w: lock manager", ErrMissingDependency)
	}
	if deps.Worktree == nil {
		return nil, fmt.Errorf("%w: worktree", ErrMissingDependency)
	}
	if deps.Tools == nil {
		for i := range flow.Steps {
			if flow.Steps[i].Kind == flowdef.KindToolRun {
				return nil, fmt.Errorf("%w: tool registry (flow has tool_run steps)", ErrMissingDependency)
			}
		}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Executor{
		flow:        flow,
		ledger:      deps.Ledger,
		checkpoints: deps.Checkpoints,
		locks:       deps.Locks,
		tools:       deps.Tools,
		worktree:    deps.Worktree,
		indexer:     deps.Indexer,
		logger:      deps.Logger,
	}, nil
}

// initMetrics lazily initializes metrics.
// Logs errors if metric creation fails but continues execution (graceful degradation).
func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		e.runsTotal, err = meter.Int64Counter("flow_runs_total",
			metric.WithDescription("Number of flow runs by outcome"),
		)
		if err != nil {
			initErrors = append(initErrors, "runs_total: "+err.Error())
		}

		e.stepLatency, err = meter.Float64Histogram("flow_step_duration_seconds",
			metric.WithDescription("Time spent executing each flow step"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "step_latency: "+err.Error())
		}

		e.activeRuns, err = meter.Int64UpDownCounter("flow_active_runs",
			metric.WithDescription("Number of currently executing runs"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_runs: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some flow metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// runState bundles the per-run mutable pieces the step loop threads
// through.
type runState struct {
	rc   *Context
	tr   *tracker
	opts Options
	log  *slog.Logger

	// pending holds diff ids recorded since the last checkpoint.
	pending []string
}

// Run executes the flow from its entry step.
//
// # Description
//
// Walks the step chain until it terminates, a step fails, or the
// context is cancelled. The returned Context always carries whatever
// state the run accumulated; the error is non-nil exactly when the
// run did not complete.
//
// # Inputs
//
//   - ctx: Context for cancellation. Must not be nil. Cancellation
//     aborts the current step, discards diffs not yet recorded, and
//     releases the run's locks. Recorded diffs and committed
//     checkpoints stay.
//   - input: Initial input text, stored under "input".
//   - opts: Run options; zero value means defaults.
//
// # Outputs
//
//   - *Context: The run's state bag. Never nil once options validate.
//   - error: Non-nil when the run failed or was cancelled.
func (e *Executor) Run(ctx context.Context, input string, opts Options) (*Context, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	if opts.CommitPolicy != CommitNone && e.checkpoints == nil {
		return nil, fmt.Errorf("%w: checkpoint store (commit policy %s)", ErrMissingDependency, opts.CommitPolicy)
	}

	e.initMetrics()

	ctx, span := tracer.Start(ctx, "flow.Run",
		trace.WithAttributes(
			attribute.String("flow.name", e.flow.Name),
			attribute.Int("flow.step_count", len(e.flow.Steps)),
		),
	)
	defer span.End()

	start := time.Now()
	runID := uuid.NewString()[:12] // 48 bits of entropy
	span.SetAttributes(attribute.String("flow.run_id", runID))

	log := e.logger.With(
		slog.String("flow", e.flow.Name),
		slog.String("run_id", runID),
	)

	rc := NewContext(runID, e.flow.Name, input)
	tr, err := newTracker(e.worktree, e.locks, runID, opts.Mode, opts.TrackedFiles)
	if err != nil {
		return nil, err
	}
	defer tr.releaseAll()

	if e.activeRuns != nil {
		e.activeRuns.Add(ctx, 1)
		defer e.activeRuns.Add(ctx, -1)
	}

	log.Info("run started",
		slog.String("entry", e.flow.Entry),
		slog.Int("steps", len(e.flow.Steps)),
		slog.Int("tracked_files", len(opts.TrackedFiles)),
	)

	rs := &runState{rc: rc, tr: tr, opts: opts, log: log}
	runErr := e.walk(ctx, rs)

	if runErr == nil && opts.CommitPolicy == CommitPerRun && len(rs.pending) > 0 {
		if err := e.commit(ctx, rs, e.flow.Name+"-"+runID); err != nil {
			rc.setFailure("", err)
			runErr = err
		}
	}

	duration := time.Since(start)
	outcome := "success"
	if runErr != nil {
		outcome = "failure"
	}
	if e.runsTotal != nil {
		e.runsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("flow", e.flow.Name),
			attribute.String("outcome", outcome),
		))
	}

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		failedStep, _ := rc.Failure()
		log.Error("run failed",
			slog.Duration("duration", duration),
			slog.String("failed_step", failedStep),
			slog.String("error", runErr.Error()),
		)
		return rc, runErr
	}

	span.SetStatus(codes.Ok, "")
	log.Info("run completed",
		slog.Duration("duration", duration),
		slog.Int("steps_executed", len(rc.Steps())),
		slog.Int("files_touched", len(rc.Files())),
	)
	return rc, nil
}

// walk advances through the step chain until it terminates or fails.
func (e *Executor) walk(ctx context.Context, rs *runState) error {
	visits := map[string]int{}
	name := e.flow.Entry

	for name != "" {
		select {
		case <-ctx.Done():
			rs.rc.setFailure(name, ctx.Err())
			return ctx.Err()
		default:
		}

		step, ok := e.flow.FindStep(name)
		if !ok {
			err := fmt.Errorf("engine: step %q not present in bound flow", name)
			rs.rc.setFailure(name, err)
			return err
		}

		visits[name]++
		if step.MaxIterations > 0 && visits[name] > step.MaxIterations {
			err := &flowdef.ConfigError{
				Flow: e.flow.Name,
				Step: name,
				Err:  fmt.Errorf("loop budget exhausted after %d iterations", step.MaxIterations),
			}
			rs.rc.setFailure(name, err)
			return err
		}

		res, err := e.executeStep(ctx, rs, step)
		if err != nil {
			if step.Optional {
				res.Status = StepFailedOptional
				rs.rc.addStep(res)
				rs.log.Warn("optional step failed, continuing",
					slog.String("step", name),
					slog.String("error", err.Error()),
				)
			} else {
				rs.rc.addStep(res)
				stepErr := &StepError{Step: name, Err: err}
				rs.rc.setFailure(name, stepErr)
				return stepErr
			}
		} else {
			rs.rc.addStep(res)
		}

		next, ok := e.flow.Successor(name)
		if !ok {
			return nil
		}
		name = next
	}
	return nil
}

// executeStep runs one step: snapshot, dispatch by kind, then diff,
// record, and commit per policy.
func (e *Executor) executeStep(ctx context.Context, rs *runState, step *flowdef.BoundStep) (StepResult, error) {
	ctx, span := tracer.Start(ctx, step.Name,
		trace.WithAttributes(
			attribute.String("flow.name", e.flow.Name),
			attribute.String("flow.run_id", rs.rc.RunID()),
			attribute.String("flow.step", step.Name),
			attribute.String("flow.kind", string(step.Kind)),
		),
	)
	defer span.End()

	res := StepResult{Step: step.Name}
	start := time.Now()

	fail := func(err error) (StepResult, error) {
		res.Duration = time.Since(start)
		res.Status = StepFailed
		res.Error = err.Error()
		e.recordStepLatency(ctx, step.Name, "failure", res.Duration)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rs.log.Error("step failed",
			slog.String("step", step.Name),
			slog.Duration("duration", res.Duration),
			slog.String("error", err.Error()),
		)
		return res, err
	}

	rs.log.Debug("step starting",
		slog.String("step", step.Name),
		slog.String("kind", string(step.Kind)),
		slog.String("provider", step.Backend.Name()),
	)

	if err := rs.tr.snapshot(); err != nil {
		return fail(err)
	}

	var reply string
	var err error
	switch step.Kind {
	case flowdef.KindToolRun:
		reply, res.ToolFailures, err = e.runToolStep(ctx, rs, step)
	default:
		reply, err = e.runChatStep(ctx, rs, step)
	}
	if err != nil {
		return fail(err)
	}

	rs.rc.setOutput(step.Name, reply)

	recorded, err := e.recordChanges(ctx, rs, step.Name)
	if err != nil {
		return fail(err)
	}
	res.DiffsRecorded = recorded
	rs.rc.addFiles(rs.tr.files())

	if rs.opts.CommitPolicy == CommitPerStep && recorded > 0 {
		if err := e.commit(ctx, rs, e.flow.Name+"-"+rs.rc.RunID()+"-"+step.Name); err != nil {
			return fail(err)
		}
	}

	res.Duration = time.Since(start)
	res.Status = StepCompleted
	e.recordStepLatency(ctx, step.Name, "success", res.Duration)
	span.SetStatus(codes.Ok, "")
	rs.log.Info("step completed",
		slog.String("step", step.Name),
		slog.Duration("duration", res.Duration),
		slog.Int("diffs_recorded", recorded),
	)
	return res, nil
}

// recordStepLatency records the step latency histogram point.
func (e *Executor) recordStepLatency(ctx context.Context, step, outcome string, d time.Duration) {
	if e.stepLatency == nil {
		return
	}
	e.stepLatency.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("step", step),
		attribute.String("outcome", outcome),
	))
}

// runChatStep performs one completion round trip.
func (e *Executor) runChatStep(ctx context.Context, rs *runState, step *flowdef.BoundStep) (string, error) {
	var msgs []provider.Message
	if step.Instructions != "" {
		msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: step.Instructions})
	}
	msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: rs.rc.CurrentText()})

	return step.Backend.SubmitChat(ctx, msgs, provider.GenerationParams{Model: step.Model})
}

// runToolStep submits a tool run and drives it through the poll loop.
func (e *Executor) runToolStep(ctx context.Context, rs *runState, step *flowdef.BoundStep) (string, []ToolFailure, error) {
	req := provider.ToolRunRequest{
		Model:        step.Model,
		Instructions: step.Instructions,
		Tools:        toolDefinitions(step),
		Input:        rs.rc.CurrentText(),
		Params:       provider.GenerationParams{Model: step.Model},
	}
	handle, err := step.Backend.SubmitToolRun(ctx, req)
	if err != nil {
		return "", nil, err
	}

	var failures []ToolFailure
	p := &poller{
		backend: step.Backend,
		handle:  handle,
		backoff: ExponentialBackoff{Initial: rs.opts.PollInterval, Max: rs.opts.PollMaxInterval},
		onActions: func(ctx context.Context, actions []provider.ActionRequest) ([]provider.ToolOutput, error) {
			outputs, fs, err := e.invokeActions(ctx, rs, step, actions)
			failures = append(failures, fs...)
			return outputs, err
		},
	}

	final, err := p.run(ctx, rs.opts.PollDeadline)
	if err != nil {
		return "", failures, err
	}
	if final.Status == provider.StatusFailed {
		return "", failures, fmt.Errorf("tool run failed: %s", final.FailureReason)
	}
	return final.Result, failures, nil
}

// invokeActions executes the backend's requested tool invocations.
//
// A failed tool becomes a structured error output submitted back to
// the backend, unless the step declared the tool required, in which
// case the step fails. Mutations are tracked even when the tool
// failed partway through.
func (e *Executor) invokeActions(ctx context.Context, rs *runState, step *flowdef.BoundStep, actions []provider.ActionRequest) ([]provider.ToolOutput, []ToolFailure, error) {
	outputs := make([]provider.ToolOutput, 0, len(actions))
	var failures []ToolFailure

	for _, act := range actions {
		var result *tools.Result
		args, err := decodeArgs(act.Arguments)
		if err == nil {
			result, err = e.tools.Invoke(ctx, act.Tool, args)
		}

		if result != nil && len(result.ModifiedFiles) > 0 {
			if merr := rs.tr.noteMutations(ctx, result.ModifiedFiles); merr != nil {
				return nil, failures, merr
			}
		}

		var cause error
		switch {
		case err != nil:
			cause = err
		case !result.Success:
			msg := result.Error
			if msg == "" {
				msg = "tool reported failure"
			}
			cause = errors.New(msg)
		}

		if cause != nil {
			execErr := &tools.ExecutionError{Tool: act.Tool, Step: step.Name, Err: cause}
			failures = append(failures, ToolFailure{
				Tool:   act.Tool,
				CallID: act.CallID,
				Error:  execErr.Error(),
			})
			if step.RequiredTool(act.Tool) {
				return nil, failures, execErr
			}
			outputs = append(outputs, provider.ToolOutput{CallID: act.CallID, Output: failureOutput(execErr)})
			continue
		}

		outputs = append(outputs, provider.ToolOutput{CallID: act.CallID, Output: result.OutputText})
	}

	return outputs, failures, nil
}

// recordChanges diffs the tracked files and records the non-empty
// results, handing each committed record to the indexer.
func (e *Executor) recordChanges(ctx context.Context, rs *runState, stepName string) (int, error) {
	changes, err := rs.tr.changes()
	if err != nil {
		return 0, err
	}
	for _, ch := range changes {
		rec := ledger.DiffRecord{
			FilePath:     ch.Path,
			DiffText:     ch.Result.DiffText,
			ChangedUnits: ch.Result.ChangedUnits,
			Mode:         ch.Result.Mode,
			Metadata: map[string]string{
				"run_id": rs.rc.RunID(),
				"flow":   e.flow.Name,
				"step":   stepName,
			},
		}
		committed, err := e.ledger.Record(ctx, rec)
		if err != nil {
			return 0, fmt.Errorf("recording diff for %s: %w", ch.Path, err)
		}
		rs.pending = append(rs.pending, committed.ID)
		if e.indexer != nil {
			e.indexer.IndexDiff(ctx, committed)
		}
	}
	return len(changes), nil
}

// commit creates a checkpoint covering the diffs recorded since the
// previous one.
func (e *Executor) commit(ctx context.Context, rs *runState, label string) error {
	ids := rs.pending
	rs.pending = nil

	cp, err := e.checkpoints.Create(ctx, sanitizeLabel(label), ids, map[string]string{
		"flow":   e.flow.Name,
		"run_id": rs.rc.RunID(),
	})
	if err != nil {
		return fmt.Errorf("creating checkpoint: %w", err)
	}
	rs.rc.addCheckpoint(cp.ID)
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// toolDefinitions renders the step's resolved tools for the backend.
func toolDefinitions(step *flowdef.BoundStep) []provider.ToolDefinition {
	defs := make([]provider.ToolDefinition, 0, len(step.Resolved))
	for _, tl := range step.Resolved {
		def := tl.Definition()
		defs = append(defs, provider.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.Schema(),
		})
	}
	return defs
}

// decodeArgs parses a JSON argument object. Empty input decodes to an
// empty map.
func decodeArgs(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("decoding tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// failureOutput renders a tool failure as the structured output the
// backend receives.
func failureOutput(execErr *tools.ExecutionError) string {
	payload := map[string]any{
		"error": map[string]any{
			"kind":    execErr.Kind(),
			"tool":    execErr.Tool,
			"message": execErr.Err.Error(),
		},
	}
	data, _ := json.Marshal(payload)
	return string(data)
}

// sanitizeLabel maps a name onto the checkpoint label alphabet.
func sanitizeLabel(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '.', r == '-':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	if len(out) == 0 {
		return "run"
	}
	return string(out)
}

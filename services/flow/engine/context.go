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
	"sort"
	"sync"
	"time"
)

// =============================================================================
// Execution Context
// =============================================================================

// StepStatus labels the outcome of one step execution.
type StepStatus string

const (
	// StepCompleted means the step produced its output.
	StepCompleted StepStatus = "completed"

	// StepFailed means the step raised an error that aborted the run.
	StepFailed StepStatus = "failed"

	// StepFailedOptional means the step failed but was marked optional,
	// so the run continued past it.
	StepFailedOptional StepStatus = "failed_optional"
)

// ToolFailure is one tool invocation that did not succeed during a step.
type ToolFailure struct {
	// Tool is the tool name the backend asked for.
	Tool string `json:"tool"`

	// CallID ties the failure to the backend's action request.
	CallID string `json:"call_id"`

	// Error is the failure message.
	Error string `json:"error"`
}

// StepResult summarizes one step execution within a run.
type StepResult struct {
	// Step is the step name.
	Step string

	// Status is the step outcome.
	Status StepStatus

	// Duration is the wall time the step took.
	Duration time.Duration

	// Error is the failure message for failed steps, empty otherwise.
	Error string

	// ToolFailures lists tool invocations that failed during the step.
	// Populated for tool_run steps only.
	ToolFailures []ToolFailure

	// DiffsRecorded counts the ledger records the step produced.
	DiffsRecorded int
}

// Context is the mutable state bag of one run.
//
// # Description
//
// Context accumulates named values (the initial input, each step's
// output), the set of files the run touched, and the run's failure
// state. Exactly one run writes it; the caller reads it after
// ExecuteFlow returns. The step with the most recent output also
// publishes it under the reserved key "output", which the next step
// consumes as its user-level text.
//
// # Thread Safety
//
// Safe for concurrent reads while the run is writing, so callers may
// observe a run in flight.
type Context struct {
	mu sync.RWMutex

	runID string
	flow  string

	values map[string]any
	files  map[string]struct{}

	failed     bool
	failedStep string
	failure    error

	steps       []StepResult
	checkpoints []string
}

// NewContext creates the state bag for one run. The initial input is
// stored under the reserved key "input".
func NewContext(runID, flow, input string) *Context {
	return &Context{
		runID:  runID,
		flow:   flow,
		values: map[string]any{"input": input},
		files:  map[string]struct{}{},
	}
}

// RunID returns the run identifier.
func (c *Context) RunID() string { return c.runID }

// Flow returns the flow name.
func (c *Context) Flow() string { return c.flow }

// Value returns a named value and whether it is set.
func (c *Context) Value(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[name]
	return v, ok
}

// Input returns the initial input text.
func (c *Context) Input() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, _ := c.values["input"].(string)
	return s
}

// Output returns the most recent step output, empty before any step
// completes.
func (c *Context) Output() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, _ := c.values["output"].(string)
	return s
}

// CurrentText returns the text the next step consumes: the latest
// output, or the initial input before any step has produced one.
func (c *Context) CurrentText() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.values["output"].(string); ok {
		return s
	}
	s, _ := c.values["input"].(string)
	return s
}

// Failed reports whether the run's error flag is set.
func (c *Context) Failed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failed
}

// Failure returns the error that set the flag and the step that raised
// it.
func (c *Context) Failure() (step string, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failedStep, c.failure
}

// Files returns the accumulated file set in sorted order, paths
// relative to the workspace root.
func (c *Context) Files() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.files))
	for f := range c.files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Steps returns the per-step results in execution order.
func (c *Context) Steps() []StepResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]StepResult, len(c.steps))
	copy(out, c.steps)
	return out
}

// Checkpoints returns the ids of checkpoints the run committed, in
// creation order.
func (c *Context) Checkpoints() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.checkpoints))
	copy(out, c.checkpoints)
	return out
}

// set stores a named value.
func (c *Context) set(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[name] = value
}

// setOutput stores a step's reply under its name and under "output".
func (c *Context) setOutput(step, reply string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[step] = reply
	c.values["output"] = reply
}

// addFiles merges paths into the accumulated file set.
func (c *Context) addFiles(paths []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range paths {
		c.files[p] = struct{}{}
	}
}

// setFailure sets the error flag. The first failure wins.
func (c *Context) setFailure(step string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed {
		return
	}
	c.failed = true
	c.failedStep = step
	c.failure = err
}

// addStep appends a step result.
func (c *Context) addStep(res StepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, res)
}

// addCheckpoint appends a committed checkpoint id.
func (c *Context) addCheckpoint(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpoints = append(c.checkpoints, id)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package flowdef defines, loads, and validates flow definitions.
//
// A flow is an ordered list of named steps plus an optional transition map.
// Each step talks to one provider, either as a plain chat exchange or as a
// tool-augmented run. Successor resolution is: explicit transition entry,
// else the next step in declared order, else the flow terminates. Cycles are
// rejected at load time unless the re-entered step carries a bounded loop
// budget (max_iterations).
//
// Definitions are written in YAML:
//
//	name: fix-lint
//	steps:
//	  - name: plan
//	    provider: openai
//	    kind: chat
//	    instructions: Plan the lint fixes.
//	  - name: edit
//	    provider: openai
//	    kind: tool_run
//	    tools:
//	      - name: apply_patch
//	        required: true
//	transitions:
//	  edit: plan
//
// Load parses and validates; Bind resolves provider and tool references so
// misconfiguration surfaces before any step runs.
package flowdef

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianFlow/services/flow/provider"
	"github.com/AleutianAI/AleutianFlow/services/flow/tools"
)

// Sentinel errors for flowdef misuse.
var (
	// ErrNilFlow indicates a nil flow was passed where one is required.
	ErrNilFlow = errors.New("flowdef: flow must not be nil")

	// ErrNilRegistry indicates a nil provider or tool registry.
	ErrNilRegistry = errors.New("flowdef: registry must not be nil")
)

// ConfigError reports a flow definition problem found at load time.
//
// Config errors are fatal: nothing retries them, and no run starts while
// the definition carries one. The executor also uses this type for loop
// budget exhaustion, which is a definition problem observed late.
type ConfigError struct {
	// Flow is the flow name.
	Flow string

	// Step is the offending step, when one is identifiable.
	Step string

	// Err is the underlying problem.
	Err error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("flow %s: step %s: %v", e.Flow, e.Step, e.Err)
	}
	return fmt.Sprintf("flow %s: %v", e.Flow, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Kind returns the machine-readable failure kind.
func (e *ConfigError) Kind() string {
	return "config"
}

// configErrorf builds a ConfigError with a formatted reason.
func configErrorf(flow, step, format string, args ...any) *ConfigError {
	return &ConfigError{Flow: flow, Step: step, Err: fmt.Errorf(format, args...)}
}

// StepKind selects how a step talks to its provider.
type StepKind string

const (
	// KindChat is a single chat completion exchange.
	KindChat StepKind = "chat"

	// KindToolRun is an asynchronous polled run that may request tool calls.
	KindToolRun StepKind = "tool_run"
)

// ToolRef names a registered tool a step may use.
type ToolRef struct {
	// Name is the registered tool name.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Required promotes this tool's failure to a step failure. Failures of
	// non-required tools are fed back to the backend as tool output.
	Required bool `yaml:"required" json:"required"`
}

// Step is one unit of work inside a flow.
type Step struct {
	// Name uniquely identifies the step within the flow.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Provider names the registered backend this step runs on.
	Provider string `yaml:"provider" json:"provider" validate:"required"`

	// Model overrides the provider's default model when set.
	Model string `yaml:"model" json:"model,omitempty"`

	// Instructions is optional system text prepended to the step input.
	Instructions string `yaml:"instructions" json:"instructions,omitempty"`

	// Kind selects chat or tool_run. Empty defaults to chat.
	Kind StepKind `yaml:"kind" json:"kind,omitempty"`

	// Tools lists the tools a tool_run step exposes to the backend.
	Tools []ToolRef `yaml:"tools" json:"tools,omitempty" validate:"dive"`

	// Optional lets the flow continue past this step's failure.
	Optional bool `yaml:"optional" json:"optional,omitempty"`

	// MaxIterations bounds how often this step may be re-entered through a
	// cycle. Zero forbids re-entry; a cycle back into this step is only
	// valid when this is positive.
	MaxIterations int `yaml:"max_iterations" json:"max_iterations,omitempty" validate:"gte=0"`
}

// Flow is a complete flow definition.
type Flow struct {
	// Name identifies the flow in logs, checkpoints, and metrics.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Description is free-form documentation.
	Description string `yaml:"description" json:"description,omitempty"`

	// Entry names the starting step. Empty picks the first declared step
	// with no incoming transition.
	Entry string `yaml:"entry" json:"entry,omitempty"`

	// Steps in declared order. Declared order doubles as the implicit
	// successor chain.
	Steps []Step `yaml:"steps" json:"steps" validate:"required,min=1,dive"`

	// Transitions maps a step name to its explicit successor.
	Transitions map[string]string `yaml:"transitions" json:"transitions,omitempty"`
}

// EnsureDefaults populates optional fields that have canonical defaults.
func (f *Flow) EnsureDefaults() {
	for i := range f.Steps {
		if f.Steps[i].Kind == "" {
			f.Steps[i].Kind = KindChat
		}
	}
}

// FindStep returns the named step.
func (f *Flow) FindStep(name string) (*Step, bool) {
	for i := range f.Steps {
		if f.Steps[i].Name == name {
			return &f.Steps[i], true
		}
	}
	return nil, false
}

// Successor resolves the step that follows name: an explicit transition
// entry wins, else the next step in declared order, else none.
func (f *Flow) Successor(name string) (string, bool) {
	if next, ok := f.Transitions[name]; ok {
		return next, true
	}
	for i := range f.Steps {
		if f.Steps[i].Name == name {
			if i+1 < len(f.Steps) {
				return f.Steps[i+1].Name, true
			}
			return "", false
		}
	}
	return "", false
}

// EntryStep resolves the starting step name.
//
// # Outputs
//
//   - string: The entry step name.
//   - error: A ConfigError when Entry names an unknown step or when no
//     step is free of incoming transitions.
func (f *Flow) EntryStep() (string, error) {
	if f.Entry != "" {
		if _, ok := f.FindStep(f.Entry); !ok {
			return "", configErrorf(f.Name, "", "entry %q does not name a step", f.Entry)
		}
		return f.Entry, nil
	}

	incoming := make(map[string]int, len(f.Steps))
	for _, s := range f.Steps {
		if next, ok := f.Successor(s.Name); ok {
			incoming[next]++
		}
	}
	for _, s := range f.Steps {
		if incoming[s.Name] == 0 {
			return s.Name, nil
		}
	}
	return "", configErrorf(f.Name, "", "every step has an incoming transition; set entry explicitly")
}

// BoundStep is a step with its provider and tools resolved to instances.
type BoundStep struct {
	Step

	// Backend is the resolved provider instance.
	Backend provider.Provider

	// Resolved holds the tool instances in the order Tools declares them.
	Resolved []tools.Tool
}

// RequiredTool reports whether the named tool is marked required.
func (b *BoundStep) RequiredTool(name string) bool {
	for _, ref := range b.Tools {
		if ref.Name == name {
			return ref.Required
		}
	}
	return false
}

// BoundFlow is a validated flow with every reference resolved.
//
// Executors run BoundFlows only, so a run can never hit an unknown
// provider or tool.
type BoundFlow struct {
	// Name is the flow name.
	Name string

	// Entry is the resolved starting step.
	Entry string

	// Steps in declared order.
	Steps []BoundStep

	source *Flow
	byName map[string]*BoundStep
}

// FindStep returns the named bound step.
func (b *BoundFlow) FindStep(name string) (*BoundStep, bool) {
	s, ok := b.byName[name]
	return s, ok
}

// Successor resolves the step following name, as Flow.Successor does.
func (b *BoundFlow) Successor(name string) (string, bool) {
	return b.source.Successor(name)
}

// Bind validates the flow and resolves every provider and tool reference.
//
// # Description
//
//	Bind is the load-time gate between a parsed definition and execution.
//	It runs full validation, then resolves each step's provider from the
//	provider registry (checking the capability the step's kind needs) and
//	each tool reference from the tool registry. Any miss is a ConfigError.
//
// # Inputs
//
//   - f: The flow definition. Must not be nil.
//   - providers: Registry of configured backends. Must not be nil.
//   - registry: Tool registry. Required only for flows with tool_run steps.
//
// # Outputs
//
//   - *BoundFlow: The executable flow.
//   - error: ErrNilFlow, ErrNilRegistry, or a ConfigError.
func Bind(f *Flow, providers *provider.Registry, registry *tools.Registry) (*BoundFlow, error) {
	if f == nil {
		return nil, ErrNilFlow
	}
	if providers == nil {
		return nil, ErrNilRegistry
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}

	entry, err := f.EntryStep()
	if err != nil {
		return nil, err
	}

	bound := &BoundFlow{
		Name:   f.Name,
		Entry:  entry,
		Steps:  make([]BoundStep, 0, len(f.Steps)),
		source: f,
		byName: make(map[string]*BoundStep, len(f.Steps)),
	}

	for _, step := range f.Steps {
		backend, err := providers.Get(step.Provider)
		if err != nil {
			return nil, configErrorf(f.Name, step.Name, "provider %q is not configured", step.Provider)
		}

		need := provider.CapChat
		if step.Kind == KindToolRun {
			need = provider.CapToolRuns
		}
		if !backend.Capabilities().Has(need) {
			return nil, configErrorf(f.Name, step.Name,
				"provider %q does not support %s steps", step.Provider, step.Kind)
		}

		var resolved []tools.Tool
		if step.Kind == KindToolRun {
			if registry == nil {
				return nil, ErrNilRegistry
			}
			resolved = make([]tools.Tool, 0, len(step.Tools))
			for _, ref := range step.Tools {
				tool, ok := registry.Get(ref.Name)
				if !ok {
					return nil, configErrorf(f.Name, step.Name, "tool %q is not registered", ref.Name)
				}
				resolved = append(resolved, tool)
			}
		}

		bound.Steps = append(bound.Steps, BoundStep{
			Step:     step,
			Backend:  backend,
			Resolved: resolved,
		})
	}

	for i := range bound.Steps {
		bound.byName[bound.Steps[i].Name] = &bound.Steps[i]
	}
	return bound, nil
}

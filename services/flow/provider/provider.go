// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package provider abstracts the reasoning backends flow steps dispatch to.
//
// # Description
//
// Two backend shapes hide behind one interface: simple completion
// (SubmitChat, one request and one reply) and tool-augmented runs
// (SubmitToolRun / PollToolRun / SubmitToolOutputs, an asynchronous
// state machine the executor drives by polling). Capabilities report
// which shapes a backend supports so flows bind against them at load
// time instead of failing mid-run.
//
// # Thread Safety
//
// All implementations in this package are safe for concurrent use.
package provider

import (
	"context"
	"sort"
	"sync"
)

// =============================================================================
// Messages and Options
// =============================================================================

// Message role values.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams tunes a single backend call. Nil pointer fields leave
// the backend default in place.
type GenerationParams struct {
	// Model overrides the provider's default model for this call.
	Model string `json:"model,omitempty"`

	Temperature *float32 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// =============================================================================
// Tool Runs
// =============================================================================

// ToolDefinition describes one tool a run may call.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	// InputSchema is a JSON Schema object describing the arguments.
	InputSchema any `json:"input_schema"`
}

// ToolRunRequest starts a tool-augmented run.
type ToolRunRequest struct {
	// Model overrides the provider's default model.
	Model string

	// Instructions is the system-level steering text for the run.
	Instructions string

	// Tools the run is allowed to call.
	Tools []ToolDefinition

	// Input is the user-level task text.
	Input string

	// Params tunes generation for every round of the run.
	Params GenerationParams
}

// RunHandle identifies an in-flight tool run.
type RunHandle struct {
	// ID is the run identifier, unique within the provider.
	ID string

	// ThreadID is the provider-scoped conversation container, empty for
	// backends that do not use one.
	ThreadID string
}

// RunStatus is the observable state of a tool run.
type RunStatus string

const (
	// StatusQueued means the run is accepted but no round is in flight.
	StatusQueued RunStatus = "queued"

	// StatusRunning means a backend round trip is in flight.
	StatusRunning RunStatus = "running"

	// StatusNeedsAction means the backend requested tool invocations and
	// waits for their outputs.
	StatusNeedsAction RunStatus = "needs_action"

	// StatusCompleted means the run finished with a final reply.
	StatusCompleted RunStatus = "completed"

	// StatusFailed means the run cannot make further progress.
	StatusFailed RunStatus = "failed"
)

// Terminal reports whether the run cannot change state again.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// String returns the status label.
func (s RunStatus) String() string {
	return string(s)
}

// ActionRequest is one tool invocation the backend asked for.
type ActionRequest struct {
	// CallID ties the eventual output back to this request.
	CallID string `json:"call_id"`

	// Tool is the tool name to invoke.
	Tool string `json:"tool"`

	// Arguments is the JSON-encoded argument object.
	Arguments string `json:"arguments"`
}

// ToolOutput is the result of one requested tool invocation.
type ToolOutput struct {
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// RunPoll is a snapshot of a tool run's state.
type RunPoll struct {
	// Status is the run state at poll time.
	Status RunStatus

	// Result holds the final reply once Status is StatusCompleted.
	Result string

	// Actions holds the requested tool invocations while Status is
	// StatusNeedsAction.
	Actions []ActionRequest

	// FailureReason describes the failure once Status is StatusFailed.
	FailureReason string
}

// =============================================================================
// Capabilities
// =============================================================================

// Capability is a bitmask of backend shapes a provider supports.
type Capability uint8

const (
	// CapChat marks support for simple completion.
	CapChat Capability = 1 << iota

	// CapToolRuns marks support for asynchronous tool-augmented runs.
	CapToolRuns
)

// Has reports whether every capability in want is present.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// =============================================================================
// Provider Interface
// =============================================================================

// Provider is the backend surface flow steps dispatch to.
//
// SubmitToolRun, PollToolRun and SubmitToolOutputs form an explicit
// state machine: queued -> running -> needs_action -> queued -> ... ->
// completed | failed. Callers drive it by polling; a poll on a queued
// run performs the next backend round under the poll's context, so the
// caller's deadline always bounds backend work.
type Provider interface {
	// Name returns the registry name of this provider.
	Name() string

	// Capabilities reports the supported backend shapes.
	Capabilities() Capability

	// SubmitChat performs one completion round trip and returns the
	// reply text.
	SubmitChat(ctx context.Context, messages []Message, params GenerationParams) (string, error)

	// SubmitToolRun accepts a tool-augmented run and returns its handle.
	// The run starts queued; no backend call happens here.
	SubmitToolRun(ctx context.Context, req ToolRunRequest) (RunHandle, error)

	// PollToolRun reports the run's state, advancing a queued run by one
	// backend round first.
	PollToolRun(ctx context.Context, handle RunHandle) (RunPoll, error)

	// SubmitToolOutputs feeds requested tool results back into a run in
	// StatusNeedsAction and re-queues it for the next round.
	SubmitToolOutputs(ctx context.Context, handle RunHandle, outputs []ToolOutput) error
}

// =============================================================================
// Registry
// =============================================================================

// Registry resolves provider names to bound instances.
//
// Flows resolve their providers here once at load time so a missing
// name fails fast instead of mid-run.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

// Register adds a provider under its Name. Duplicate names are rejected.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return ErrNilProvider
	}
	name := p.Name()
	if name == "" {
		return ErrEmptyProviderName
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; ok {
		return errDuplicate(name)
	}
	r.providers[name] = p
	return nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, errUnknown(name)
	}
	return p, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

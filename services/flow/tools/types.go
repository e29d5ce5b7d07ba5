// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools provides the tool registry and the builtin workspace tools
// that back tool-augmented runs.
//
// A step that runs with tools hands the backend a set of tool definitions;
// when the backend asks for an action, the executor invokes the named tool
// from the registry with the backend-supplied arguments and reports files
// the tool touched so they join the run's tracked set.
//
// Thread Safety:
//
//	All types in this package are safe for concurrent use.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Sentinel errors for registry misuse.
var (
	// ErrNilTool indicates a nil tool was registered.
	ErrNilTool = errors.New("tools: tool must not be nil")

	// ErrEmptyToolName indicates a tool with an empty name.
	ErrEmptyToolName = errors.New("tools: tool name must not be empty")

	// ErrDuplicateTool indicates a name registered twice.
	ErrDuplicateTool = errors.New("tools: duplicate tool name")

	// ErrUnknownTool indicates a lookup for a name never registered.
	ErrUnknownTool = errors.New("tools: unknown tool")
)

// ExecutionError wraps a tool failure with the tool and step it occurred in.
//
// A failing tool does not abort the step by itself: the failure is fed back
// to the backend as the tool's output. Only a tool the step marked required
// promotes the failure to a step failure.
type ExecutionError struct {
	// Tool is the tool name.
	Tool string

	// Step is the step that invoked the tool. Empty outside step context.
	Step string

	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("tool %s failed in step %s: %v", e.Tool, e.Step, e.Err)
	}
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Kind returns the machine-readable failure kind.
func (e *ExecutionError) Kind() string {
	return "tool_execution"
}

// ParamType represents the type of a tool parameter.
type ParamType string

const (
	// ParamTypeString is a string parameter.
	ParamTypeString ParamType = "string"

	// ParamTypeInt is an integer parameter.
	ParamTypeInt ParamType = "integer"

	// ParamTypeBool is a boolean parameter.
	ParamTypeBool ParamType = "boolean"

	// ParamTypeObject is an object parameter.
	ParamTypeObject ParamType = "object"
)

// ParamDef defines a single parameter for a tool.
type ParamDef struct {
	// Type is the parameter type.
	Type ParamType `json:"type"`

	// Description explains what the parameter is for.
	Description string `json:"description"`

	// Required indicates if the parameter must be provided.
	Required bool `json:"required"`
}

// Definition describes a tool's interface for the backend.
type Definition struct {
	// Name is the unique identifier for the tool.
	Name string `json:"name"`

	// Description explains what the tool does.
	Description string `json:"description"`

	// Parameters defines the input parameters.
	Parameters map[string]ParamDef `json:"parameters"`

	// SideEffects indicates if the tool modifies the workspace.
	SideEffects bool `json:"side_effects"`
}

// RequiredParams returns the sorted list of required parameter names.
func (d Definition) RequiredParams() []string {
	var required []string
	for name, param := range d.Parameters {
		if param.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	return required
}

// Schema renders the definition as a JSON Schema object suitable for
// backend tool-calling APIs.
func (d Definition) Schema() map[string]any {
	properties := make(map[string]any, len(d.Parameters))
	for name, param := range d.Parameters {
		properties[name] = map[string]any{
			"type":        string(param.Type),
			"description": param.Description,
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if required := d.RequiredParams(); len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Tool defines the interface for executable tools.
//
// Implementations must be safe for concurrent use.
type Tool interface {
	// Name returns the unique tool name.
	Name() string

	// Definition returns the tool's parameter schema.
	Definition() Definition

	// Execute runs the tool with the given parameters.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation and timeout
	//   - params: Decoded input parameters
	//
	// # Outputs
	//
	//   - *Result: Execution result. User-level problems (bad path, patch
	//     mismatch) are reported here with Success=false and a nil error.
	//   - error: Non-nil only for infrastructure failures.
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// Result contains the outcome of a tool execution.
type Result struct {
	// Success indicates if the tool succeeded.
	Success bool `json:"success"`

	// OutputText is the output fed back to the backend.
	OutputText string `json:"output_text"`

	// Error contains the failure message when Success is false.
	Error string `json:"error,omitempty"`

	// ModifiedFiles lists workspace-relative paths this call wrote or
	// removed. Populated even on failure so partially applied changes
	// stay tracked.
	ModifiedFiles []string `json:"modified_files,omitempty"`

	// Duration is how long execution took.
	Duration time.Duration `json:"duration"`
}

// fail builds a failed Result with a formatted message.
func fail(start time.Time, format string, args ...any) *Result {
	return &Result{
		Success:  false,
		Error:    fmt.Sprintf(format, args...),
		Duration: time.Since(start),
	}
}

// getStringParam extracts a string parameter from the params map.
func getStringParam(params map[string]any, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

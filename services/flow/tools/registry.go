// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"
)

// Registry maps tool names to implementations.
//
// # Thread Safety
//
// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool under its own name.
//
// # Outputs
//
//   - error: ErrNilTool, ErrEmptyToolName, or ErrDuplicateTool.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return ErrNilTool
	}
	name := tool.Name()
	if name == "" {
		return ErrEmptyToolName
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.tools[name] = tool
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns all registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke looks up and executes a tool, converting panics into errors.
//
// # Description
//
//	Invoke is the executor's single entry point for running a tool. A
//	panicking tool is recovered, logged with its stack, and reported as
//	an ordinary execution error so one bad tool cannot take down a run.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - name: Registered tool name.
//   - params: Decoded arguments from the backend.
//
// # Outputs
//
//   - *Result: The tool's result. Nil only when error is non-nil.
//   - error: ErrUnknownTool, a recovered panic, or the tool's own
//     infrastructure error.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any) (result *Result, err error) {
	tool, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			slog.ErrorContext(ctx, "tool panicked",
				slog.String("tool", name),
				slog.Any("panic", rec),
				slog.String("stack", string(buf[:n])),
			)
			result = nil
			err = fmt.Errorf("panic in tool %s: %v", name, rec)
		}
	}()

	result, err = tool.Execute(ctx, params)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("tool %s returned no result", name)
	}
	if result.Duration == 0 {
		result.Duration = time.Since(start)
	}
	return result, nil
}

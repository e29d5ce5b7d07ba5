// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flow

import (
	"context"
	"errors"

	"github.com/AleutianAI/AleutianFlow/services/flow/diff"
	"github.com/AleutianAI/AleutianFlow/services/flow/flowdef"
	"github.com/AleutianAI/AleutianFlow/services/flow/lock"
	"github.com/AleutianAI/AleutianFlow/services/flow/provider"
	"github.com/AleutianAI/AleutianFlow/services/flow/tools"
)

var (
	// ErrNilContext indicates a nil context was passed to a session
	// operation.
	ErrNilContext = errors.New("flow: context must not be nil")

	// ErrNilFlow indicates a nil flow definition was passed to
	// ExecuteFlow or RunBatch.
	ErrNilFlow = errors.New("flow: flow definition must not be nil")

	// ErrSessionClosed indicates an operation was attempted on a
	// session after Close.
	ErrSessionClosed = errors.New("flow: session is closed")

	// ErrInvalidRollbackTarget indicates a RollbackTarget that names
	// neither a checkpoint nor a cutoff time, or names both.
	ErrInvalidRollbackTarget = errors.New("flow: rollback target must set exactly one of CheckpointID or Before")
)

// Typed errors from the subsystems, re-exported so callers can match
// the whole failure surface with one import. Each carries a Kind used
// as the metric attribute on the session error counter.
type (
	// ConfigError reports an invalid flow definition. Fatal at load,
	// never retried.
	ConfigError = flowdef.ConfigError

	// ProviderError reports an LLM backend failure. Transient ones
	// were already retried inside the provider before surfacing.
	ProviderError = provider.BackendError

	// ToolError reports a tool that ran and failed.
	ToolError = tools.ExecutionError

	// ConflictError reports a diff whose target region no longer
	// matches the current file content.
	ConflictError = diff.ConflictError

	// LockTimeoutError reports a file lock that could not be acquired
	// within the configured window.
	LockTimeoutError = lock.LockTimeoutError
)

// ErrorKind maps an error to its stable kind string.
//
// # Description
//
// Every failure surfaced by a session falls into one of a small set of
// kinds. The kind is the low-cardinality label recorded on the
// flow_errors_total counter and is safe to alert on. Unrecognized
// errors map to "internal" rather than leaking unbounded strings into
// metric labels.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var (
		configErr   *ConfigError
		providerErr *ProviderError
		toolErr     *ToolError
		conflictErr *ConflictError
		lockErr     *LockTimeoutError
	)
	switch {
	case errors.As(err, &configErr):
		return configErr.Kind()
	case errors.As(err, &providerErr):
		return providerErr.Kind()
	case errors.As(err, &toolErr):
		return toolErr.Kind()
	case errors.As(err, &conflictErr):
		return conflictErr.Kind()
	case errors.As(err, &lockErr):
		return lockErr.Kind()
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline"
	default:
		return "internal"
	}
}

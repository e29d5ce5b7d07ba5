// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// Errors
// =============================================================================

// Sentinel errors for the provider package.
var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("provider: context must not be nil")

	// ErrNilProvider is returned when registering a nil provider.
	ErrNilProvider = errors.New("provider: provider must not be nil")

	// ErrEmptyProviderName is returned when a provider reports no name.
	ErrEmptyProviderName = errors.New("provider: provider name must not be empty")

	// ErrDuplicateProvider is returned when a name is registered twice.
	ErrDuplicateProvider = errors.New("provider: provider already registered")

	// ErrUnknownProvider is returned when a name resolves to nothing.
	ErrUnknownProvider = errors.New("provider: unknown provider")

	// ErrUnsupported is returned when a backend lacks the requested
	// capability.
	ErrUnsupported = errors.New("provider: capability not supported")

	// ErrUnknownRun is returned when a handle matches no tracked run.
	ErrUnknownRun = errors.New("provider: unknown run handle")

	// ErrRunNotWaiting is returned when tool outputs arrive for a run
	// that is not in StatusNeedsAction.
	ErrRunNotWaiting = errors.New("provider: run is not awaiting tool outputs")

	// ErrUnknownToolCall is returned when an output names no pending call.
	ErrUnknownToolCall = errors.New("provider: unknown tool call id")

	// ErrMissingToolOutput is returned when a pending call got no output.
	ErrMissingToolOutput = errors.New("provider: missing tool output")

	// ErrEmptyReply is returned when the backend answers with no choices.
	ErrEmptyReply = errors.New("provider: backend returned no choices")
)

func errDuplicate(name string) error {
	return fmt.Errorf("%w: %q", ErrDuplicateProvider, name)
}

func errUnknown(name string) error {
	return fmt.Errorf("%w: %q", ErrUnknownProvider, name)
}

// BackendError reports a failed backend call and whether retrying it can
// help.
//
// Rate limiting and server-side failures are transient: the retry layer
// repeats them with exponential backoff up to the configured attempt
// budget. Authentication and other client-side rejections are permanent
// and surface immediately.
type BackendError struct {
	// Provider is the registry name of the failing backend.
	Provider string

	// Op is the operation that failed, e.g. "submit_chat".
	Op string

	// StatusCode is the HTTP status when one was received, else zero.
	StatusCode int

	// Transient marks the failure as retryable.
	Transient bool

	// Err is the underlying failure.
	Err error
}

// Error returns the error message.
func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: %s failed with status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %s failed: %v", e.Provider, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// Kind returns the machine-readable error kind.
func (e *BackendError) Kind() string {
	if e.Transient {
		return "provider_transient"
	}
	return "provider_permanent"
}

// IsTransient reports whether err is a retryable backend failure.
func IsTransient(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Transient
	}
	return false
}

// transientStatus classifies an HTTP status code as retryable.
func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

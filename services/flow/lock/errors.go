// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for lock operations.
var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("lock: context must not be nil")

	// ErrInvalidPath is returned for an empty or unresolvable path.
	ErrInvalidPath = errors.New("lock: invalid file path")

	// ErrEmptyHolder is returned when no holder id is supplied.
	ErrEmptyHolder = errors.New("lock: holder id must not be empty")

	// ErrAlreadyHeld is returned when a holder acquires a file it already
	// holds or is already queued for. Locks are not reentrant.
	ErrAlreadyHeld = errors.New("lock: already held by this holder")

	// ErrLockNotHeld is returned when releasing a lease that is not the
	// current holder.
	ErrLockNotHeld = errors.New("lock: not held")

	// ErrAcquireTimeout is returned when the acquisition wait expires.
	ErrAcquireTimeout = errors.New("lock: acquire timed out")

	// ErrFileLocked indicates another process holds the external lock.
	ErrFileLocked = errors.New("lock: file is locked by another process")

	// ErrManagerClosed is returned for operations on a closed manager.
	ErrManagerClosed = errors.New("lock: manager closed")
)

// LockTimeoutError reports a failed acquisition with the competing holder.
type LockTimeoutError struct {
	// Path is the file that could not be locked.
	Path string

	// Holder describes who held the lock when the wait expired: an
	// in-process holder id, or a PID/session description for an
	// external process.
	Holder string

	// Waited is how long the acquirer queued before giving up.
	Waited time.Duration
}

// Error returns a human-readable error message.
func (e *LockTimeoutError) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("lock on %s not acquired after %s (held by %s)", e.Path, e.Waited, e.Holder)
	}
	return fmt.Sprintf("lock on %s not acquired after %s", e.Path, e.Waited)
}

// Unwrap returns the underlying error for errors.Is support.
func (e *LockTimeoutError) Unwrap() error {
	return ErrAcquireTimeout
}

// Kind returns the machine-readable error category.
func (e *LockTimeoutError) Kind() string {
	return "lock_timeout"
}

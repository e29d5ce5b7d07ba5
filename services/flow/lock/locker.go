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
	"os"
	"time"
)

// FileLocker abstracts platform-specific file locking.
//
// Unix uses flock(2); the kernel releases locks when the holding process
// exits, so crashed holders never wedge the lock.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use on different files.
type FileLocker interface {
	// Lock acquires an exclusive lock. Non-blocking: returns
	// ErrFileLocked immediately when another process holds it.
	Lock(f *os.File) error

	// Unlock releases the lock. Safe to call when not locked.
	Unlock(f *os.File) error
}

// IsProcessAlive reports whether a process with the given PID exists.
// Used when describing stale lock files.
func IsProcessAlive(pid int) bool {
	return isProcessAlive(pid)
}

// newFileLocker returns the platform-appropriate FileLocker.
func newFileLocker() FileLocker {
	return newPlatformLocker()
}

// LockInfo is the JSON body of an external lock file, written for
// visibility when another session wonders who holds a file.
type LockInfo struct {
	FilePath  string    `json:"file_path"`
	PID       int       `json:"pid"`
	SessionID string    `json:"session_id,omitempty"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the lock has passed its TTL.
func (i *LockInfo) IsExpired() bool {
	return time.Now().After(i.ExpiresAt)
}

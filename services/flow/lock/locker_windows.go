// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build windows

package lock

import (
	"os"
)

// windowsLocker is a stub; cross-process locking is Unix-only for now.
// TODO: implement with golang.org/x/sys/windows LockFileEx/UnlockFileEx.
type windowsLocker struct{}

// Lock is a no-op on Windows.
func (l *windowsLocker) Lock(f *os.File) error {
	return nil
}

// Unlock is a no-op on Windows.
func (l *windowsLocker) Unlock(f *os.File) error {
	return nil
}

// isProcessAlive reports false pending a real OpenProcess check.
func isProcessAlive(pid int) bool {
	return false
}

// newPlatformLocker returns the stub locker.
func newPlatformLocker() FileLocker {
	return &windowsLocker{}
}

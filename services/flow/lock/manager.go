// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock serializes file mutations with per-file FIFO locks.
//
// # Description
//
// Every file has at most one holder at any time. Acquirers queue in
// arrival order and are granted the lock as earlier holders release it;
// waits are bounded by a timeout that surfaces as a LockTimeoutError
// naming the competing holder.
//
// With a lock directory configured, the manager also excludes other
// processes: the first in-process acquirer takes an flock(2) on a lock
// file named by the SHA256 of the target path, holds it across in-process
// handoffs, and releases it when the queue drains. Lock files carry JSON
// holder info for visibility, and an fsnotify watch on the lock directory
// wakes cross-process waiters as soon as a lock file disappears.
//
// # Thread Safety
//
// All public methods are safe for concurrent use.
package lock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Manager.
type Config struct {
	// LockDir holds external lock files. Empty disables cross-process
	// locking; the manager then only serializes within this process.
	LockDir string

	// SessionID identifies this session in external lock info files.
	SessionID string

	// AcquireTimeout bounds how long Acquire waits. Default: 30s.
	AcquireTimeout time.Duration

	// TTL is the advertised lifetime written into external lock info.
	// Expired-but-held locks are reported, never broken. Default: 1h.
	TTL time.Duration

	// PollInterval is the cross-process retry cadence between fsnotify
	// wakeups. Default: 100ms.
	PollInterval time.Duration

	// Logger for lock operations. Default: slog.Default().
	Logger *slog.Logger
}

// =============================================================================
// Manager
// =============================================================================

type waiter struct {
	holder string
	ready  chan struct{} // closed on grant
}

// fileLock tracks one file's holder, queue, and external artifacts.
type fileLock struct {
	path   string // abs target path
	holder string // current holder id, "" when free
	queue  []*waiter

	external   bool // this process holds the flock
	pendingExt bool // a waitExternal goroutine is running
	extFile    *os.File
	lockPath   string
	lastExt    *LockInfo     // holder info from the last external conflict
	retryCh    chan struct{} // nudges waitExternal, capacity 1
}

// Manager is the per-file FIFO lock authority.
type Manager struct {
	mu         sync.Mutex
	locks      map[string]*fileLock
	byLockPath map[string]*fileLock
	closed     bool

	lockDir        string
	sessionID      string
	acquireTimeout time.Duration
	ttl            time.Duration
	pollInterval   time.Duration
	locker         FileLocker
	logger         *slog.Logger

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewManager creates a lock manager.
//
// With cross-process locking enabled the lock directory is created and
// watched; stale lock files left by crashed processes are removed.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if cfg.TTL == 0 {
		cfg.TTL = time.Hour
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		locks:          make(map[string]*fileLock),
		byLockPath:     make(map[string]*fileLock),
		lockDir:        cfg.LockDir,
		sessionID:      cfg.SessionID,
		acquireTimeout: cfg.AcquireTimeout,
		ttl:            cfg.TTL,
		pollInterval:   cfg.PollInterval,
		locker:         newFileLocker(),
		logger:         cfg.Logger.With(slog.String("component", "lock_manager")),
		stopCh:         make(chan struct{}),
	}

	if m.lockDir != "" {
		if err := os.MkdirAll(m.lockDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating lock directory %s: %w", m.lockDir, err)
		}
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("creating lock watcher: %w", err)
		}
		if err := watcher.Add(m.lockDir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watching lock directory: %w", err)
		}
		m.watcher = watcher
		go m.watchLoop()

		if cleaned, err := m.CleanupStaleLocks(); err != nil {
			m.logger.Warn("stale lock cleanup failed", slog.String("error", err.Error()))
		} else if cleaned > 0 {
			m.logger.Info("removed stale lock files", slog.Int("count", cleaned))
		}
	}

	return m, nil
}

// Acquire takes the exclusive lock on path for holderID, queueing FIFO
// behind existing holders.
//
// # Inputs
//
//   - ctx: Context for cancellation. Must not be nil.
//   - path: File to lock. Resolved to an absolute path.
//   - holderID: Identity of the acquirer, usually a run or step id.
//     Must be non-empty; locks are not reentrant.
//
// # Outputs
//
//   - *Lease: Release handle. Never nil on success.
//   - error: ErrAlreadyHeld, a LockTimeoutError after AcquireTimeout,
//     ctx.Err() on cancellation, or ErrManagerClosed.
func (m *Manager) Acquire(ctx context.Context, path, holderID string) (*Lease, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if holderID == "" {
		return nil, ErrEmptyHolder
	}
	if path == "" {
		return nil, ErrInvalidPath
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	fl := m.locks[abs]
	if fl == nil {
		fl = &fileLock{path: abs, retryCh: make(chan struct{}, 1)}
		m.locks[abs] = fl
	}
	if fl.holder == holderID {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s on %s", ErrAlreadyHeld, holderID, abs)
	}
	for _, w := range fl.queue {
		if w.holder == holderID {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s on %s", ErrAlreadyHeld, holderID, abs)
		}
	}

	w := &waiter{holder: holderID, ready: make(chan struct{})}
	fl.queue = append(fl.queue, w)
	m.scheduleLocked(fl)
	m.mu.Unlock()

	start := time.Now()
	timer := time.NewTimer(m.acquireTimeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return &Lease{m: m, path: abs, holder: holderID, acquiredAt: time.Now()}, nil
	case <-ctx.Done():
		m.abandonWaiter(fl, w)
		return nil, ctx.Err()
	case <-timer.C:
		holder := m.abandonWaiter(fl, w)
		return nil, &LockTimeoutError{Path: abs, Holder: holder, Waited: time.Since(start)}
	case <-m.stopCh:
		m.abandonWaiter(fl, w)
		return nil, ErrManagerClosed
	}
}

// AcquireAll locks every path for holderID, in sorted order so that
// concurrent multi-acquires cannot deadlock. On any failure the already
// acquired leases are released in reverse order.
func (m *Manager) AcquireAll(ctx context.Context, paths []string, holderID string) ([]*Lease, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	seen := make(map[string]struct{}, len(paths))
	sorted := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			return nil, ErrInvalidPath
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
		}
		if _, dup := seen[abs]; dup {
			continue
		}
		seen[abs] = struct{}{}
		sorted = append(sorted, abs)
	}
	sort.Strings(sorted)

	leases := make([]*Lease, 0, len(sorted))
	for _, p := range sorted {
		lease, err := m.Acquire(ctx, p, holderID)
		if err != nil {
			for i := len(leases) - 1; i >= 0; i-- {
				_ = leases[i].Release()
			}
			return nil, fmt.Errorf("acquire %s: %w", p, err)
		}
		leases = append(leases, lease)
	}
	return leases, nil
}

// Holder returns the current holder id for a path, if any.
func (m *Manager) Holder(path string) (string, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fl := m.locks[abs]
	if fl == nil || fl.holder == "" {
		return "", false
	}
	return fl.holder, true
}

// Close wakes all waiters with ErrManagerClosed and releases external
// lock files. Outstanding leases become no-ops.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stopCh)
	for _, fl := range m.locks {
		m.releaseExternalLocked(fl)
	}
	m.locks = make(map[string]*fileLock)
	m.byLockPath = make(map[string]*fileLock)
	m.mu.Unlock()

	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// =============================================================================
// Lease
// =============================================================================

// Lease is the release handle for one acquired lock.
type Lease struct {
	m          *Manager
	path       string
	holder     string
	acquiredAt time.Time
	released   atomic.Bool
}

// Path returns the locked file's absolute path.
func (l *Lease) Path() string { return l.path }

// Holder returns the holder id the lease was granted to.
func (l *Lease) Holder() string { return l.holder }

// Release hands the lock to the next queued waiter. A second release
// returns ErrLockNotHeld.
func (l *Lease) Release() error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}
	return l.m.release(l)
}

func (m *Manager) release(l *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	fl := m.locks[l.path]
	if fl == nil || fl.holder != l.holder {
		return ErrLockNotHeld
	}

	fl.holder = ""
	if len(fl.queue) > 0 {
		m.grantNextLocked(fl)
	} else if !fl.pendingExt {
		m.releaseExternalLocked(fl)
		delete(m.locks, l.path)
	}
	return nil
}

// =============================================================================
// Scheduling
// =============================================================================

// scheduleLocked grants the queue head if the lock is free, taking the
// external lock first when one is configured. Callers hold m.mu.
func (m *Manager) scheduleLocked(fl *fileLock) {
	if fl.holder != "" || len(fl.queue) == 0 {
		return
	}
	if m.lockDir != "" && !fl.external {
		if fl.pendingExt {
			return // waitExternal will dispatch when the flock arrives
		}
		acquired, err := m.tryExternalLocked(fl)
		if err != nil {
			m.logger.Warn("external lock attempt failed",
				slog.String("path", fl.path),
				slog.String("error", err.Error()))
		}
		if !acquired {
			fl.pendingExt = true
			go m.waitExternal(fl)
			return
		}
		fl.external = true
	}
	m.grantNextLocked(fl)
}

// grantNextLocked pops the queue head and makes it the holder.
// Callers hold m.mu.
func (m *Manager) grantNextLocked(fl *fileLock) {
	head := fl.queue[0]
	fl.queue = fl.queue[1:]
	fl.holder = head.holder
	close(head.ready)

	m.logger.Debug("lock granted",
		slog.String("path", fl.path),
		slog.String("holder", head.holder),
		slog.Int("queued", len(fl.queue)))
}

// abandonWaiter removes a waiter that gave up. If the grant raced the
// timeout, the freshly granted lock is passed straight on. Returns a
// description of the holder blocking the waiter, for error reporting.
func (m *Manager) abandonWaiter(fl *fileLock, w *waiter) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	granted := false
	select {
	case <-w.ready:
		granted = true
	default:
	}

	if granted {
		if fl.holder == w.holder {
			fl.holder = ""
			if len(fl.queue) > 0 {
				m.grantNextLocked(fl)
			} else if !fl.pendingExt {
				m.releaseExternalLocked(fl)
				delete(m.locks, fl.path)
			}
		}
		return ""
	}

	for i, queued := range fl.queue {
		if queued == w {
			fl.queue = append(fl.queue[:i], fl.queue[i+1:]...)
			break
		}
	}
	holder := fl.holder
	if holder == "" && fl.lastExt != nil {
		holder = fmt.Sprintf("pid %d (session %s)", fl.lastExt.PID, fl.lastExt.SessionID)
	}
	if fl.holder == "" && len(fl.queue) == 0 && !fl.pendingExt {
		m.releaseExternalLocked(fl)
		delete(m.locks, fl.path)
	}
	return holder
}

// =============================================================================
// Cross-process layer
// =============================================================================

// lockPathFor names the external lock file for a target path.
// SHA256[:16] keeps names flat and collision-resistant.
func (m *Manager) lockPathFor(absPath string) string {
	hash := sha256.Sum256([]byte(absPath))
	return filepath.Join(m.lockDir, hex.EncodeToString(hash[:])[:16]+".lock")
}

// tryExternalLocked attempts the flock without blocking. Callers hold
// m.mu. Returns false with fl.lastExt set when another process holds it.
func (m *Manager) tryExternalLocked(fl *fileLock) (bool, error) {
	if fl.lockPath == "" {
		fl.lockPath = m.lockPathFor(fl.path)
		m.byLockPath[fl.lockPath] = fl
	}
	if err := os.MkdirAll(m.lockDir, 0o755); err != nil {
		return false, fmt.Errorf("creating lock directory: %w", err)
	}

	f, err := os.OpenFile(fl.lockPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return false, fmt.Errorf("opening lock file: %w", err)
	}
	if err := m.locker.Lock(f); err != nil {
		if data, rerr := os.ReadFile(fl.lockPath); rerr == nil {
			var info LockInfo
			if json.Unmarshal(data, &info) == nil {
				fl.lastExt = &info
			}
		}
		f.Close()
		if err == ErrFileLocked {
			return false, nil
		}
		return false, fmt.Errorf("flock: %w", err)
	}

	now := time.Now()
	info := &LockInfo{
		FilePath:  fl.path,
		PID:       os.Getpid(),
		SessionID: m.sessionID,
		LockedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err == nil {
		err = f.Truncate(0)
	}
	if err == nil {
		_, err = f.WriteAt(data, 0)
	}
	if err != nil {
		m.locker.Unlock(f)
		f.Close()
		return false, fmt.Errorf("writing lock info: %w", err)
	}

	fl.extFile = f
	fl.lastExt = nil
	return true, nil
}

// waitExternal retries the flock until acquired or until every waiter
// has given up. Wakes on fsnotify removals and on the poll ticker; the
// loop is bounded by waiter timeouts draining the queue.
func (m *Manager) waitExternal(fl *fileLock) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			m.mu.Lock()
			fl.pendingExt = false
			m.mu.Unlock()
			return
		case <-ticker.C:
		case <-fl.retryCh:
		}

		m.mu.Lock()
		if len(fl.queue) == 0 {
			fl.pendingExt = false
			if fl.holder == "" {
				m.releaseExternalLocked(fl)
				delete(m.locks, fl.path)
			}
			m.mu.Unlock()
			return
		}
		acquired, err := m.tryExternalLocked(fl)
		if err != nil {
			m.logger.Warn("external lock retry failed",
				slog.String("path", fl.path),
				slog.String("error", err.Error()))
		}
		if acquired {
			fl.external = true
			fl.pendingExt = false
			m.grantNextLocked(fl)
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
	}
}

// releaseExternalLocked drops the flock and removes the lock file.
// Callers hold m.mu.
func (m *Manager) releaseExternalLocked(fl *fileLock) {
	if fl.lockPath != "" {
		delete(m.byLockPath, fl.lockPath)
	}
	if !fl.external {
		return
	}
	if err := m.locker.Unlock(fl.extFile); err != nil {
		m.logger.Warn("failed to release flock",
			slog.String("path", fl.path),
			slog.String("error", err.Error()))
	}
	fl.extFile.Close()
	if err := os.Remove(fl.lockPath); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to remove lock file",
			slog.String("lock_path", fl.lockPath),
			slog.String("error", err.Error()))
	}
	fl.external = false
	fl.extFile = nil
}

// watchLoop nudges cross-process waiters when lock files disappear.
func (m *Manager) watchLoop() {
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			m.mu.Lock()
			fl := m.byLockPath[event.Name]
			m.mu.Unlock()
			if fl == nil {
				continue
			}
			select {
			case fl.retryCh <- struct{}{}:
			default:
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("lock watcher error", slog.String("error", err.Error()))
		case <-m.stopCh:
			return
		}
	}
}

// CleanupStaleLocks removes lock files whose flock is free, i.e. files
// left behind by crashed processes. Held locks are never touched.
func (m *Manager) CleanupStaleLocks() (int, error) {
	if m.lockDir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(m.lockDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading lock directory: %w", err)
	}

	cleaned := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lock" {
			continue
		}
		lockPath := filepath.Join(m.lockDir, entry.Name())

		m.mu.Lock()
		_, ours := m.byLockPath[lockPath]
		m.mu.Unlock()
		if ours {
			continue
		}

		f, err := os.OpenFile(lockPath, os.O_RDWR, 0)
		if err != nil {
			continue
		}
		if err := m.locker.Lock(f); err != nil {
			f.Close()
			continue // held by a live process
		}
		m.locker.Unlock(f)
		f.Close()
		if err := os.Remove(lockPath); err == nil {
			cleaned++
			m.logger.Info("removed stale lock file", slog.String("lock_path", lockPath))
		}
	}
	return cleaned, nil
}

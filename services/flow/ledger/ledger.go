// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger is the append-only store of diff records.
//
// # Description
//
// All writes funnel through a single writer goroutine, which assigns
// identifiers and strictly increasing timestamps. Queries read an immutable
// snapshot published through an atomic pointer, so reads never block and
// never observe partial writes.
//
// An optional BadgerDB journal makes the ledger durable: every committed
// write is appended with a CRC32 checksum and replayed on open. Journal
// failure downgrades the ledger to memory-only instead of failing writes.
//
// # Thread Safety
//
// Safe for concurrent use from any number of goroutines.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("ledger: context must not be nil")

	// ErrLedgerClosed is returned for operations on a closed ledger.
	ErrLedgerClosed = errors.New("ledger: closed")

	// ErrEmptyFilePath is returned for records without a file path.
	ErrEmptyFilePath = errors.New("ledger: file path must not be empty")

	// ErrEmptyDiff is returned for records without diff text. The ledger
	// only ever stores non-empty diffs.
	ErrEmptyDiff = errors.New("ledger: diff text must not be empty")

	// ErrDuplicateID is returned when a record carries an ID that is
	// already committed.
	ErrDuplicateID = errors.New("ledger: duplicate record id")
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Ledger.
type Config struct {
	// Logger for ledger operations. Default: slog.Default().
	Logger *slog.Logger

	// IDs generates record identifiers. Default: UUIDv7Generator.
	IDs IDGenerator

	// Clock supplies timestamps on the writer path. Default: time.Now.
	// The writer enforces strict monotonicity on top of it.
	Clock func() time.Time

	// Journal enables durable storage when non-nil. The ledger replays
	// the journal on open and appends every subsequent write.
	Journal *Journal
}

// =============================================================================
// Ledger
// =============================================================================

// Ledger is the process-wide append-only diff store.
type Ledger struct {
	logger  *slog.Logger
	idGen   IDGenerator
	clock   func() time.Time
	journal *Journal

	writeCh chan *writeReq
	stopCh  chan struct{}
	doneCh  chan struct{}
	closed  atomic.Bool

	snap      atomic.Pointer[snapshot]
	degraded  atomic.Bool
	lastStamp time.Time // owned by the writer goroutine after New
}

type writeOp int

const (
	opRecord writeOp = iota
	opSupersede
)

type writeReq struct {
	op     writeOp
	record DiffRecord
	cutoff time.Time
	files  map[string]struct{}
	resp   chan writeResp
}

type writeResp struct {
	record DiffRecord
	count  int
	err    error
}

// New creates a ledger and starts its writer goroutine.
//
// # Description
//
// When cfg.Journal is set, previously journaled records are replayed into
// the in-memory snapshot before the writer starts, so a reopened session
// sees its full history.
//
// # Outputs
//
//   - *Ledger: Running ledger. Call Close when done.
//   - error: Non-nil if journal replay fails irrecoverably.
func New(cfg Config) (*Ledger, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IDs == nil {
		cfg.IDs = UUIDv7Generator{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	l := &Ledger{
		logger:  cfg.Logger.With(slog.String("component", "ledger")),
		idGen:   cfg.IDs,
		clock:   cfg.Clock,
		journal: cfg.Journal,
		writeCh: make(chan *writeReq),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	l.snap.Store(emptySnapshot())

	if l.journal != nil {
		if err := l.replayJournal(); err != nil {
			return nil, fmt.Errorf("replay journal: %w", err)
		}
	}

	go l.run()
	return l, nil
}

// replayJournal rebuilds the snapshot from journal entries.
func (l *Ledger) replayJournal() error {
	entries, err := l.journal.Replay(context.Background())
	if err != nil {
		return err
	}

	snap := emptySnapshot()
	for _, e := range entries {
		switch {
		case e.Record != nil:
			snap = snap.withRecord(*e.Record)
			if e.Record.CreatedAt.After(l.lastStamp) {
				l.lastStamp = e.Record.CreatedAt
			}
		case e.Supersede != nil:
			var files map[string]struct{}
			if len(e.Supersede.Files) > 0 {
				files = make(map[string]struct{}, len(e.Supersede.Files))
				for _, f := range e.Supersede.Files {
					files[f] = struct{}{}
				}
			}
			snap, _ = snap.withSupersededAfter(e.Supersede.Cutoff, files)
		}
	}
	l.snap.Store(snap)

	if n := len(entries); n > 0 {
		l.logger.Info("ledger journal replayed", slog.Int("entries", n))
	}
	return nil
}

// run is the single-writer loop. All snapshot publication happens here.
func (l *Ledger) run() {
	defer close(l.doneCh)
	for {
		select {
		case <-l.stopCh:
			l.drain()
			return
		case req := <-l.writeCh:
			req.resp <- l.handle(req)
		}
	}
}

// drain answers requests that raced with Close.
func (l *Ledger) drain() {
	for {
		select {
		case req := <-l.writeCh:
			req.resp <- writeResp{err: ErrLedgerClosed}
		default:
			return
		}
	}
}

func (l *Ledger) handle(req *writeReq) writeResp {
	switch req.op {
	case opRecord:
		return l.handleRecord(req.record)
	case opSupersede:
		return l.handleSupersede(req.cutoff, req.files)
	default:
		return writeResp{err: fmt.Errorf("ledger: unknown write op %d", req.op)}
	}
}

func (l *Ledger) handleRecord(rec DiffRecord) writeResp {
	snap := l.snap.Load()

	if rec.ID == "" {
		rec.ID = l.idGen.NewID()
	} else if _, exists := snap.byID[rec.ID]; exists {
		return writeResp{err: fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)}
	}

	// Strictly increasing stamps ledger-wide, so no two diffs for the
	// same file can ever share a timestamp.
	stamp := l.clock()
	if !stamp.After(l.lastStamp) {
		stamp = l.lastStamp.Add(time.Nanosecond)
	}
	l.lastStamp = stamp
	rec.CreatedAt = stamp

	l.appendJournal(entry{Record: &rec})
	l.snap.Store(snap.withRecord(rec))

	l.logger.Debug("diff recorded",
		slog.String("record_id", rec.ID),
		slog.String("file", rec.FilePath),
		slog.Int("changed_units", rec.ChangedUnits))

	return writeResp{record: cloneRecord(&rec)}
}

func (l *Ledger) handleSupersede(cutoff time.Time, files map[string]struct{}) writeResp {
	snap := l.snap.Load()
	next, count := snap.withSupersededAfter(cutoff, files)
	if count == 0 {
		return writeResp{}
	}

	var fileList []string
	for f := range files {
		fileList = append(fileList, f)
	}
	sort.Strings(fileList)

	l.appendJournal(entry{Supersede: &supersedeEntry{Cutoff: cutoff, Files: fileList}})
	l.snap.Store(next)

	l.logger.Info("records superseded",
		slog.Time("cutoff", cutoff),
		slog.Int("count", count))

	return writeResp{count: count}
}

// appendJournal persists an entry, downgrading to memory-only on failure.
func (l *Ledger) appendJournal(e entry) {
	if l.journal == nil || l.degraded.Load() {
		return
	}
	if err := l.journal.Append(context.Background(), e); err != nil {
		l.degraded.Store(true)
		l.logger.Warn("ledger journal unavailable, continuing memory-only",
			slog.String("error", err.Error()))
	}
}

// =============================================================================
// Writes
// =============================================================================

// Record commits a diff record and returns the stored form with its
// assigned ID and timestamp.
//
// # Inputs
//
//   - ctx: Context for cancellation while enqueueing. Must not be nil.
//   - rec: Record with at least FilePath and DiffText set. ID and
//     CreatedAt are assigned by the ledger.
//
// # Outputs
//
//   - DiffRecord: The canonical committed record.
//   - error: Validation, cancellation, or ErrLedgerClosed.
func (l *Ledger) Record(ctx context.Context, rec DiffRecord) (DiffRecord, error) {
	if ctx == nil {
		return DiffRecord{}, ErrNilContext
	}
	if l.closed.Load() {
		return DiffRecord{}, ErrLedgerClosed
	}
	if rec.FilePath == "" {
		return DiffRecord{}, ErrEmptyFilePath
	}
	if rec.DiffText == "" {
		return DiffRecord{}, ErrEmptyDiff
	}

	req := &writeReq{op: opRecord, record: rec, resp: make(chan writeResp, 1)}
	if err := l.submit(ctx, req); err != nil {
		return DiffRecord{}, err
	}
	resp := <-req.resp
	return resp.record, resp.err
}

// MarkSupersededAfter flags records later than cutoff as superseded.
//
// A nil or empty files slice supersedes across all files; otherwise only
// the named files are touched. Returns the number of records flagged.
func (l *Ledger) MarkSupersededAfter(ctx context.Context, cutoff time.Time, files []string) (int, error) {
	if ctx == nil {
		return 0, ErrNilContext
	}
	if l.closed.Load() {
		return 0, ErrLedgerClosed
	}

	var fileSet map[string]struct{}
	if len(files) > 0 {
		fileSet = make(map[string]struct{}, len(files))
		for _, f := range files {
			fileSet[f] = struct{}{}
		}
	}

	req := &writeReq{op: opSupersede, cutoff: cutoff, files: fileSet, resp: make(chan writeResp, 1)}
	if err := l.submit(ctx, req); err != nil {
		return 0, err
	}
	resp := <-req.resp
	return resp.count, resp.err
}

// submit hands a request to the writer. The write channel is unbuffered,
// so a successful send guarantees the writer will answer.
func (l *Ledger) submit(ctx context.Context, req *writeReq) error {
	select {
	case l.writeCh <- req:
		return nil
	case <-l.stopCh:
		return ErrLedgerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// Queries
// =============================================================================

// QueryByFile returns the active records for one file, oldest first.
func (l *Ledger) QueryByFile(path string) []DiffRecord {
	snap := l.snap.Load()
	var out []DiffRecord
	for _, r := range snap.byFile[path] {
		if !r.Superseded {
			out = append(out, cloneRecord(r))
		}
	}
	return out
}

// QueryAfter returns active records across all files with timestamps
// strictly later than cutoff, oldest first.
func (l *Ledger) QueryAfter(cutoff time.Time) []DiffRecord {
	snap := l.snap.Load()
	var out []DiffRecord
	for _, r := range snap.all {
		if r.CreatedAt.After(cutoff) && !r.Superseded {
			out = append(out, cloneRecord(r))
		}
	}
	return out
}

// Get returns a record by ID, superseded records included.
func (l *Ledger) Get(id string) (DiffRecord, bool) {
	snap := l.snap.Load()
	r, ok := snap.byID[id]
	if !ok {
		return DiffRecord{}, false
	}
	return cloneRecord(r), true
}

// Earliest returns the timestamp of the oldest committed record.
// The second return is false for an empty ledger.
func (l *Ledger) Earliest() (time.Time, bool) {
	snap := l.snap.Load()
	if len(snap.all) == 0 {
		return time.Time{}, false
	}
	return snap.all[0].CreatedAt, true
}

// Latest returns the timestamp of the newest committed record.
// The second return is false for an empty ledger.
func (l *Ledger) Latest() (time.Time, bool) {
	snap := l.snap.Load()
	if len(snap.all) == 0 {
		return time.Time{}, false
	}
	return snap.all[len(snap.all)-1].CreatedAt, true
}

// IsDegraded reports whether the journal went unavailable and the ledger
// is running memory-only.
func (l *Ledger) IsDegraded() bool {
	return l.degraded.Load()
}

// Stats returns current ledger statistics.
func (l *Ledger) Stats() Stats {
	snap := l.snap.Load()
	stats := Stats{
		TotalRecords:    len(snap.all),
		Files:           len(snap.byFile),
		JournalDegraded: l.degraded.Load(),
	}
	for _, r := range snap.all {
		if !r.Superseded {
			stats.ActiveRecords++
		}
	}
	return stats
}

// Close stops the writer goroutine. Committed records remain readable.
func (l *Ledger) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.stopCh)
	<-l.doneCh
	return nil
}

// =============================================================================
// Snapshots
// =============================================================================

// snapshot is an immutable view of committed records. Readers load it
// atomically; the writer replaces it wholesale on every commit.
type snapshot struct {
	all    []*DiffRecord            // ascending CreatedAt
	byFile map[string][]*DiffRecord // ascending CreatedAt per file
	byID   map[string]*DiffRecord
}

func emptySnapshot() *snapshot {
	return &snapshot{
		byFile: map[string][]*DiffRecord{},
		byID:   map[string]*DiffRecord{},
	}
}

// withRecord returns a new snapshot including rec.
func (s *snapshot) withRecord(rec DiffRecord) *snapshot {
	stored := cloneRecord(&rec)
	next := &snapshot{
		all:    make([]*DiffRecord, 0, len(s.all)+1),
		byFile: make(map[string][]*DiffRecord, len(s.byFile)+1),
		byID:   make(map[string]*DiffRecord, len(s.byID)+1),
	}
	next.all = append(next.all, s.all...)
	next.all = append(next.all, &stored)
	for k, v := range s.byFile {
		next.byFile[k] = v
	}
	perFile := s.byFile[stored.FilePath]
	next.byFile[stored.FilePath] = append(perFile[:len(perFile):len(perFile)], &stored)
	for k, v := range s.byID {
		next.byID[k] = v
	}
	next.byID[stored.ID] = &stored
	return next
}

// withSupersededAfter returns a snapshot with matching records flagged,
// plus the number of records flagged.
func (s *snapshot) withSupersededAfter(cutoff time.Time, files map[string]struct{}) (*snapshot, int) {
	count := 0
	next := &snapshot{
		all:    make([]*DiffRecord, len(s.all)),
		byFile: make(map[string][]*DiffRecord, len(s.byFile)),
		byID:   make(map[string]*DiffRecord, len(s.byID)),
	}
	for i, r := range s.all {
		if r.CreatedAt.After(cutoff) && !r.Superseded && (files == nil || contains(files, r.FilePath)) {
			c := cloneRecord(r)
			c.Superseded = true
			next.all[i] = &c
			count++
		} else {
			next.all[i] = r
		}
	}
	for _, r := range next.all {
		next.byFile[r.FilePath] = append(next.byFile[r.FilePath], r)
		next.byID[r.ID] = r
	}
	return next, count
}

func contains(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}

// cloneRecord copies a record including its metadata map.
func cloneRecord(r *DiffRecord) DiffRecord {
	c := *r
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

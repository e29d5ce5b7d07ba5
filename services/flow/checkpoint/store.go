// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint maintains the time-ordered chain of restore points.
//
// # Description
//
// Each checkpoint pairs a version-control commit of the working tree with
// a timestamp fenced against the change ledger: the timestamp is strictly
// later than every ledger record committed before the checkpoint, so
// "records covered by the checkpoint" and "records earlier than its
// timestamp" are the same set.
//
// Checkpoints persist to BadgerDB as JSON with a SHA256 checksum and are
// reloaded on open. Corrupt entries are skipped and counted.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianFlow/services/flow/ledger"
	storage "github.com/AleutianAI/AleutianFlow/services/flow/storage/badger"
	"github.com/AleutianAI/AleutianFlow/services/flow/vcs"
)

// validLabelPattern defines valid characters for checkpoint labels:
// alphanumeric, underscore, hyphen, dot.
var validLabelPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("checkpoint: context must not be nil")

	// ErrNilCommitter is returned when a store is built without a
	// version-control backend.
	ErrNilCommitter = errors.New("checkpoint: committer must not be nil")

	// ErrInvalidLabel is returned when a label fails validation.
	ErrInvalidLabel = errors.New("checkpoint: label must match [a-zA-Z0-9_.-]+")

	// ErrNotFound is returned when no checkpoint matches the query.
	ErrNotFound = errors.New("checkpoint: not found")

	// ErrEmpty is returned by Latest on an empty chain.
	ErrEmpty = errors.New("checkpoint: no checkpoints recorded")

	// ErrCorrupt is returned when a stored checkpoint fails its checksum.
	ErrCorrupt = errors.New("checkpoint: corrupt entry")

	// ErrVersionMismatch is returned for checkpoints written by an
	// incompatible format version.
	ErrVersionMismatch = errors.New("checkpoint: format version mismatch")
)

// =============================================================================
// Configuration
// =============================================================================

// LedgerView is the slice of the change ledger the store reads when
// fencing a new checkpoint and collecting the records it covers.
// *ledger.Ledger satisfies it.
type LedgerView interface {
	Latest() (time.Time, bool)
	QueryAfter(cutoff time.Time) []ledger.DiffRecord
}

// Config configures a Store.
type Config struct {
	// Committer snapshots the working tree. Required.
	Committer vcs.Committer

	// DB enables durable storage when non-nil. Shared with the ledger
	// journal; the store never closes it.
	DB *storage.DB

	// SessionID scopes persisted checkpoints. Required when DB is set.
	SessionID string

	// Ledger supplies the fence timestamp and covered-record count.
	// Optional; without it checkpoints fence only against the chain.
	Ledger LedgerView

	// IDs generates checkpoint identifiers. Default: UUIDv7.
	IDs ledger.IDGenerator

	// Clock supplies timestamps. Default: time.Now.
	Clock func() time.Time

	// Logger for store operations. Default: slog.Default().
	Logger *slog.Logger
}

// =============================================================================
// Store
// =============================================================================

// Store is the checkpoint chain for one session.
//
// # Thread Safety
//
// Safe for concurrent use. Creates serialize so chain order always
// matches version-control commit order.
type Store struct {
	mu        sync.RWMutex
	chain     []*Checkpoint // ascending CreatedAt
	byID      map[string]*Checkpoint
	seq       uint64
	corrupted int

	committer  vcs.Committer
	db         *storage.DB
	sessionID  string
	ledgerView LedgerView
	idGen      ledger.IDGenerator
	clock      func() time.Time
	logger     *slog.Logger
}

// NewStore creates a checkpoint store, reloading any persisted chain.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Committer == nil {
		return nil, ErrNilCommitter
	}
	if cfg.DB != nil && cfg.SessionID == "" {
		return nil, errors.New("checkpoint: session id required with persistence")
	}
	if cfg.IDs == nil {
		cfg.IDs = ledger.UUIDv7Generator{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Store{
		byID:       map[string]*Checkpoint{},
		committer:  cfg.Committer,
		db:         cfg.DB,
		sessionID:  cfg.SessionID,
		ledgerView: cfg.Ledger,
		idGen:      cfg.IDs,
		clock:      cfg.Clock,
		logger:     cfg.Logger.With(slog.String("component", "checkpoint_store")),
	}
	if s.db != nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("load checkpoint chain: %w", err)
		}
	}
	return s, nil
}

// keyPrefix returns the scan prefix for this session.
func (s *Store) keyPrefix() []byte {
	return []byte(fmt.Sprintf("ckpt:%s:", s.sessionID))
}

// entryKey returns the persistence key for one sequence number.
func (s *Store) entryKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("ckpt:%s:%016d", s.sessionID, seq))
}

// load rebuilds the chain from persisted entries.
func (s *Store) load() error {
	prefix := s.keyPrefix()
	err := s.db.WithReadTxn(context.Background(), func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := string(item.Key())

			var seq uint64
			if _, err := fmt.Sscanf(key[len(prefix):], "%d", &seq); err != nil {
				return fmt.Errorf("parse sequence from key %q: %w", key, err)
			}
			if seq > s.seq {
				s.seq = seq
			}

			err := item.Value(func(val []byte) error {
				cp, decErr := decodeStored(val)
				if decErr != nil {
					s.corrupted++
					s.logger.Warn("skipping corrupt checkpoint",
						slog.String("key", key),
						slog.String("error", decErr.Error()))
					return nil
				}
				s.chain = append(s.chain, cp)
				s.byID[cp.ID] = cp
				return nil
			})
			if err != nil {
				return fmt.Errorf("read checkpoint %s: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(s.chain, func(i, j int) bool {
		return s.chain[i].CreatedAt.Before(s.chain[j].CreatedAt)
	})
	if n := len(s.chain); n > 0 {
		s.logger.Info("checkpoint chain loaded", slog.Int("checkpoints", n))
	}
	return nil
}

// Create commits the working tree and appends a checkpoint to the chain.
//
// # Inputs
//
//   - ctx: Context for cancellation. Must not be nil.
//   - label: Human-readable name. Empty defaults to "checkpoint".
//   - diffIDs: Ledger records the checkpoint includes, oldest first. Nil
//     collects every active record since the previous checkpoint from
//     the configured ledger view.
//   - meta: Optional free-form annotations, copied in.
//
// # Outputs
//
//   - *Checkpoint: The committed checkpoint. Never nil on success.
//   - error: Validation, version-control, or persistence failure. On
//     error the chain is unchanged; an orphan commit may remain in
//     version control and is harmless.
func (s *Store) Create(ctx context.Context, label string, diffIDs []string, meta map[string]string) (*Checkpoint, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if label == "" {
		label = "checkpoint"
	}
	if !validLabelPattern.MatchString(label) {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidLabel, label)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.idGen.NewID()
	commitID, err := s.committer.Commit(ctx, fmt.Sprintf("flow checkpoint %s (%s)", label, id))
	if err != nil {
		return nil, fmt.Errorf("commit working tree: %w", err)
	}

	// Fence the stamp: strictly after every ledger record and after the
	// previous checkpoint.
	stamp := s.clock()
	if s.ledgerView != nil {
		if latest, ok := s.ledgerView.Latest(); ok && !stamp.After(latest) {
			stamp = latest.Add(time.Nanosecond)
		}
	}
	var prevStamp time.Time
	if n := len(s.chain); n > 0 {
		prevStamp = s.chain[n-1].CreatedAt
		if !stamp.After(prevStamp) {
			stamp = prevStamp.Add(time.Nanosecond)
		}
	}

	if diffIDs == nil && s.ledgerView != nil {
		for _, rec := range s.ledgerView.QueryAfter(prevStamp) {
			diffIDs = append(diffIDs, rec.ID)
		}
	}

	cp := &Checkpoint{
		ID:        id,
		Label:     label,
		CommitID:  commitID,
		CreatedAt: stamp,
		SessionID: s.sessionID,
		RecordIDs: diffIDs,
	}
	if len(meta) > 0 {
		cp.Metadata = make(map[string]string, len(meta))
		for k, v := range meta {
			cp.Metadata[k] = v
		}
	}
	if runID, ok := cp.Metadata["run_id"]; ok {
		cp.RunID = runID
	}

	if s.db != nil {
		data, err := encodeStored(cp)
		if err != nil {
			return nil, fmt.Errorf("encode checkpoint: %w", err)
		}
		key := s.entryKey(s.seq + 1)
		if err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
			return txn.Set(key, data)
		}); err != nil {
			return nil, fmt.Errorf("persist checkpoint: %w", err)
		}
		s.seq++
	}

	s.chain = append(s.chain, cp)
	s.byID[cp.ID] = cp

	s.logger.Info("checkpoint created",
		slog.String("checkpoint_id", cp.ID),
		slog.String("label", cp.Label),
		slog.String("commit", cp.CommitID),
		slog.Int("record_count", cp.RecordCount()))

	return cp.clone(), nil
}

// Get returns a checkpoint by ID.
func (s *Store) Get(id string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cp.clone(), nil
}

// Latest returns the newest checkpoint.
func (s *Store) Latest() (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.chain) == 0 {
		return nil, ErrEmpty
	}
	return s.chain[len(s.chain)-1].clone(), nil
}

// LatestBefore returns the newest checkpoint strictly earlier than t.
func (s *Store) LatestBefore(t time.Time) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.chain) - 1; i >= 0; i-- {
		if s.chain[i].CreatedAt.Before(t) {
			return s.chain[i].clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: no checkpoint before %s", ErrNotFound, t.Format(time.RFC3339Nano))
}

// List returns the chain oldest first.
func (s *Store) List() []*Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Checkpoint, len(s.chain))
	for i, cp := range s.chain {
		out[i] = cp.clone()
	}
	return out
}

// Count returns the number of checkpoints in the chain.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chain)
}

// CorruptedCount returns the number of entries skipped during load.
func (s *Store) CorruptedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.corrupted
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	storage "github.com/AleutianAI/AleutianFlow/services/flow/storage/badger"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNilDB is returned when a journal is created without a database.
	ErrNilDB = errors.New("ledger: journal requires a database")

	// ErrEmptySessionID is returned when a journal is created without a
	// session identifier.
	ErrEmptySessionID = errors.New("ledger: journal requires a session id")

	// ErrCorruptEntry is returned when a journaled entry fails its
	// checksum. Replay skips such entries and counts them.
	ErrCorruptEntry = errors.New("ledger: corrupt journal entry")
)

// =============================================================================
// Entries
// =============================================================================

// entry is one journaled write. Exactly one field is set.
type entry struct {
	Record    *DiffRecord
	Supersede *supersedeEntry
}

// supersedeEntry journals a MarkSupersededAfter call so replay reproduces
// the flagging without re-deriving it.
type supersedeEntry struct {
	Cutoff time.Time
	Files  []string
}

// =============================================================================
// Journal
// =============================================================================

// Journal appends ledger writes to BadgerDB.
//
// # Description
//
// Entries are keyed "ledger:{session}:{seq:016d}" so a prefix scan in key
// order reproduces write order. Values carry a CRC32 checksum ahead of the
// gob payload; entries that fail the checksum on replay are skipped and
// counted rather than aborting the session.
//
// # Thread Safety
//
// Append is called only from the ledger writer goroutine. Replay runs
// before the writer starts.
type Journal struct {
	db        *storage.DB
	sessionID string
	logger    *slog.Logger
	seqNum    atomic.Uint64
	corrupted atomic.Int64
}

// NewJournal creates a journal over an open database.
//
// The database is shared, not owned: callers close it themselves after
// closing the ledger. The journal resumes its sequence counter from the
// highest existing key for the session.
func NewJournal(db *storage.DB, sessionID string, logger *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, ErrNilDB
	}
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	if logger == nil {
		logger = slog.Default()
	}

	j := &Journal{
		db:        db,
		sessionID: sessionID,
		logger:    logger.With(slog.String("component", "ledger_journal")),
	}
	if err := j.initSeqNum(); err != nil {
		return nil, fmt.Errorf("init sequence counter: %w", err)
	}
	return j, nil
}

// keyPrefix returns the scan prefix for this session.
func (j *Journal) keyPrefix() []byte {
	return []byte(fmt.Sprintf("ledger:%s:", j.sessionID))
}

// entryKey returns the key for one sequence number. Zero-padded so
// lexicographic order matches numeric order.
func (j *Journal) entryKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("ledger:%s:%016d", j.sessionID, seq))
}

// initSeqNum seeks the highest existing key for the session so appends
// continue after it.
func (j *Journal) initSeqNum() error {
	prefix := j.keyPrefix()
	return j.db.WithReadTxn(context.Background(), func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the prefix range, then step back into it.
		seekKey := append(append([]byte{}, prefix...), 0xFF)
		it.Seek(seekKey)
		if !it.ValidForPrefix(prefix) {
			return nil
		}

		key := it.Item().Key()
		var seq uint64
		if _, err := fmt.Sscanf(string(key[len(prefix):]), "%d", &seq); err != nil {
			return fmt.Errorf("parse sequence from key %q: %w", key, err)
		}
		j.seqNum.Store(seq)
		return nil
	})
}

// Append journals one entry.
func (j *Journal) Append(ctx context.Context, e entry) error {
	if ctx == nil {
		return ErrNilContext
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := encodeEntry(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	seq := j.seqNum.Add(1)
	key := j.entryKey(seq)
	if err := j.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(key, data)
	}); err != nil {
		return fmt.Errorf("write entry %d: %w", seq, err)
	}
	return nil
}

// Replay returns all journaled entries for the session in write order.
// Corrupt entries are skipped, logged, and counted.
func (j *Journal) Replay(ctx context.Context) ([]entry, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	prefix := j.keyPrefix()
	var entries []entry
	err := j.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := string(item.Key())
			err := item.Value(func(val []byte) error {
				e, decErr := decodeEntry(val)
				if decErr != nil {
					j.corrupted.Add(1)
					j.logger.Warn("skipping corrupt journal entry",
						slog.String("key", key),
						slog.String("error", decErr.Error()))
					return nil
				}
				entries = append(entries, e)
				return nil
			})
			if err != nil {
				return fmt.Errorf("read entry %s: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// CorruptedCount returns the number of entries skipped during replay.
func (j *Journal) CorruptedCount() int64 {
	return j.corrupted.Load()
}

// Sync flushes pending writes to disk.
func (j *Journal) Sync() error {
	return j.db.Sync()
}

// =============================================================================
// Encoding
// =============================================================================

// encodeEntry serializes an entry as [4-byte CRC32 (BigEndian)][gob].
func encodeEntry(e entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, err
	}
	payload := buf.Bytes()

	data := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(data[:4], crc32.ChecksumIEEE(payload))
	copy(data[4:], payload)
	return data, nil
}

// decodeEntry verifies the checksum and deserializes the payload.
func decodeEntry(data []byte) (entry, error) {
	if len(data) < 4 {
		return entry{}, fmt.Errorf("%w: truncated (%d bytes)", ErrCorruptEntry, len(data))
	}
	want := binary.BigEndian.Uint32(data[:4])
	payload := data[4:]
	if got := crc32.ChecksumIEEE(payload); got != want {
		return entry{}, fmt.Errorf("%w: checksum mismatch (want %08x, got %08x)", ErrCorruptEntry, want, got)
	}

	var e entry
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&e); err != nil {
		return entry{}, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	return e, nil
}

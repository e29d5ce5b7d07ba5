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
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianFlow/services/flow/diff"
)

// =============================================================================
// Diff Records
// =============================================================================

// DiffRecord is one committed textual change to one file.
//
// # Description
//
// Records are immutable once committed: the ledger assigns ID and CreatedAt
// on the single-writer path and hands out value copies on every query.
// Superseded is ledger-internal bookkeeping flipped by rollback; a
// superseded record stays in the ledger for audit but is excluded from
// queries.
type DiffRecord struct {
	// ID is a UUIDv7, so lexical order tracks creation order.
	ID string `json:"id"`

	// FilePath is the file the diff applies to.
	FilePath string `json:"file_path"`

	// DiffText is the serialized positional diff. Never empty.
	DiffText string `json:"diff_text"`

	// ChangedUnits counts changed lines (file mode) or units (function mode).
	ChangedUnits int `json:"changed_units"`

	// Mode is the granularity the diff was computed at.
	Mode diff.Mode `json:"mode"`

	// CreatedAt is assigned by the ledger writer. Strictly increasing
	// across the ledger, which makes it strictly increasing per file.
	CreatedAt time.Time `json:"created_at"`

	// Metadata carries free-form context such as run id, flow and step name.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Superseded marks records excluded by a rollback.
	Superseded bool `json:"superseded,omitempty"`
}

// Stats summarizes ledger contents.
type Stats struct {
	// TotalRecords counts every committed record, superseded included.
	TotalRecords int

	// ActiveRecords counts records still visible to queries.
	ActiveRecords int

	// Files counts distinct file paths with at least one record.
	Files int

	// JournalDegraded is true when the durable journal is unavailable
	// and the ledger is running memory-only.
	JournalDegraded bool
}

// =============================================================================
// ID Generation
// =============================================================================

// IDGenerator produces record identifiers.
//
// The production generator emits UUIDv7 values; tests may substitute a
// FixedGenerator for deterministic output.
type IDGenerator interface {
	NewID() string
}

// UUIDv7Generator issues time-ordered UUIDv7 identifiers.
type UUIDv7Generator struct{}

// NewID returns a fresh UUIDv7 string.
func (UUIDv7Generator) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator replays a fixed identifier sequence. Test helper.
type FixedGenerator struct {
	IDs []string
	idx int
}

// NewID returns the next identifier in the sequence and panics when the
// sequence is exhausted, which keeps test failures loud.
func (g *FixedGenerator) NewID() string {
	if g.idx >= len(g.IDs) {
		panic("ledger: FixedGenerator exhausted")
	}
	id := g.IDs[g.idx]
	g.idx++
	return id
}

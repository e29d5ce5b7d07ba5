// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diff computes, inverts, and applies positional line diffs.
//
// # Description
//
// This package is the diff engine behind the change ledger. It compares two
// versions of a text unit line-by-line at matching positions, producing a
// hunk list plus a serialized diff text that round-trips through Apply and
// Invert. Two granularities are supported: whole-file (the default) and
// per-function, where inputs are first split on function boundary markers.
//
// The positional strategy never re-anchors lines, so it is O(max line count),
// independent of language syntax, and cannot mis-segment malformed input.
// Function mode is finer-grained for logging but relies on a textual
// boundary heuristic, which can merge or split units on unusual formatting.
//
// # Thread Safety
//
// All functions are pure. Safe for concurrent use from any number of
// goroutines.
package diff

import (
	"fmt"
)

// =============================================================================
// Modes
// =============================================================================

// Mode selects the diff granularity.
type Mode string

const (
	// ModeFile compares whole files line-by-line. Default.
	ModeFile Mode = "file"

	// ModeFunction splits inputs on function boundaries and compares
	// corresponding units pairwise.
	ModeFunction Mode = "function"
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	return string(m)
}

// Valid reports whether the mode is one of the supported granularities.
func (m Mode) Valid() bool {
	return m == ModeFile || m == ModeFunction
}

// =============================================================================
// Line Types
// =============================================================================

// LineType categorizes diff lines.
type LineType string

const (
	// LineContext represents unchanged context lines.
	LineContext LineType = " "

	// LineAdded represents added lines.
	LineAdded LineType = "+"

	// LineRemoved represents removed lines.
	LineRemoved LineType = "-"
)

// String returns the string representation of the line type.
func (lt LineType) String() string {
	return string(lt)
}

// =============================================================================
// Diff Line
// =============================================================================

// DiffLine represents a single line in a diff.
type DiffLine struct {
	// Type is the line type (added, removed, context).
	Type LineType

	// Content is the line content without the prefix.
	Content string
}

// String returns the prefixed representation of the line.
func (l DiffLine) String() string {
	return string(l.Type) + l.Content
}

// IsAddition returns true if this line was added.
func (l DiffLine) IsAddition() bool {
	return l.Type == LineAdded
}

// IsDeletion returns true if this line was removed.
func (l DiffLine) IsDeletion() bool {
	return l.Type == LineRemoved
}

// =============================================================================
// Hunk
// =============================================================================

// Hunk is a contiguous run of changed line positions.
//
// # Description
//
// Positional hunks carry no context lines. OldStart/NewStart are 1-based
// line numbers in the old and new content; OldCount/NewCount are the number
// of removed and added lines. A pure insertion has OldCount == 0 and splices
// in front of line OldStart; a pure deletion has NewCount == 0.
type Hunk struct {
	// OldStart is the starting line number in the old content (1-based).
	OldStart int

	// OldCount is the number of lines removed from the old content.
	OldCount int

	// NewStart is the starting line number in the new content (1-based).
	NewStart int

	// NewCount is the number of lines added from the new content.
	NewCount int

	// Lines holds the removed lines followed by the added lines.
	Lines []DiffLine
}

// Header returns the unified-style header for this hunk.
func (h *Hunk) Header() string {
	return fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
}

// Removed returns the removed line contents in order.
func (h *Hunk) Removed() []string {
	var out []string
	for _, line := range h.Lines {
		if line.IsDeletion() {
			out = append(out, line.Content)
		}
	}
	return out
}

// Added returns the added line contents in order.
func (h *Hunk) Added() []string {
	var out []string
	for _, line := range h.Lines {
		if line.IsAddition() {
			out = append(out, line.Content)
		}
	}
	return out
}

// Invert returns the hunk with additions and removals swapped.
//
// Applying the inverted hunk to the new content reproduces the old content.
func (h *Hunk) Invert() Hunk {
	inv := Hunk{
		OldStart: h.NewStart,
		OldCount: h.NewCount,
		NewStart: h.OldStart,
		NewCount: h.OldCount,
	}
	// Removed lines come first in the serialized form.
	for _, content := range h.Added() {
		inv.Lines = append(inv.Lines, DiffLine{Type: LineRemoved, Content: content})
	}
	for _, content := range h.Removed() {
		inv.Lines = append(inv.Lines, DiffLine{Type: LineAdded, Content: content})
	}
	return inv
}

// =============================================================================
// Result
// =============================================================================

// Result is the outcome of a diff computation.
type Result struct {
	// Mode is the granularity the diff was computed at.
	Mode Mode

	// DiffText is the serialized diff. Empty when the inputs are equal.
	DiffText string

	// ChangedUnits counts changed line positions in file mode, or changed
	// function units in function mode.
	ChangedUnits int

	// Hunks are the parsed change regions, in ascending line order.
	Hunks []Hunk
}

// Empty reports whether the inputs compared equal.
func (r Result) Empty() bool {
	return r.ChangedUnits == 0
}

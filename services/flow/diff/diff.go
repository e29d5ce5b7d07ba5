// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diff

import (
	"strings"
)

// =============================================================================
// Compute
// =============================================================================

// Compute diffs two versions of a text unit at the requested granularity.
//
// # Description
//
// Pure and deterministic: identical inputs always produce an empty result,
// and Apply(old, result.DiffText) reproduces new exactly in either mode.
// An empty mode defaults to ModeFile.
//
// # Inputs
//
//   - old: The previous content.
//   - new: The current content.
//   - mode: ModeFile or ModeFunction.
//
// # Outputs
//
//   - Result: Hunks, serialized diff text, and the changed-unit count.
//   - error: ErrInvalidMode for an unknown mode.
//
// # Thread Safety
//
// Safe for concurrent use; no shared state.
func Compute(old, new string, mode Mode) (Result, error) {
	if mode == "" {
		mode = ModeFile
	}
	if !mode.Valid() {
		return Result{}, ErrInvalidMode
	}

	oldLines := splitLines(old)
	newLines := splitLines(new)

	if mode == ModeFile {
		hunks, changed := comparePositional(oldLines, newLines, 0, 0)
		return Result{
			Mode:         ModeFile,
			DiffText:     Render(hunks),
			ChangedUnits: changed,
			Hunks:        hunks,
		}, nil
	}

	oldUnits := splitUnits(oldLines)
	newUnits := splitUnits(newLines)

	var (
		hunks        []Hunk
		changedUnits int
		oldOff       int
		newOff       int
	)
	pairs := len(oldUnits)
	if len(newUnits) > pairs {
		pairs = len(newUnits)
	}
	for i := 0; i < pairs; i++ {
		var oldUnit, newUnit []string
		if i < len(oldUnits) {
			oldUnit = oldUnits[i]
		}
		if i < len(newUnits) {
			newUnit = newUnits[i]
		}
		unitHunks, changed := comparePositional(oldUnit, newUnit, oldOff, newOff)
		if changed > 0 {
			changedUnits++
			hunks = append(hunks, unitHunks...)
		}
		oldOff += len(oldUnit)
		newOff += len(newUnit)
	}

	return Result{
		Mode:         ModeFunction,
		DiffText:     Render(hunks),
		ChangedUnits: changedUnits,
		Hunks:        hunks,
	}, nil
}

// comparePositional walks both line slices index-by-index and groups
// contiguous differing positions into hunks.
//
// Offsets shift the emitted line numbers so function-mode hunks carry
// whole-file coordinates. Returns the hunks and the number of differing
// positions.
func comparePositional(oldLines, newLines []string, oldOff, newOff int) ([]Hunk, int) {
	limit := len(oldLines)
	if len(newLines) > limit {
		limit = len(newLines)
	}

	var (
		hunks   []Hunk
		changed int
		removed []string
		added   []string
		start   = -1
	)

	flush := func(end int) {
		if start < 0 {
			return
		}
		hunk := Hunk{
			OldStart: oldOff + start + 1,
			OldCount: len(removed),
			NewStart: newOff + start + 1,
			NewCount: len(added),
		}
		for _, content := range removed {
			hunk.Lines = append(hunk.Lines, DiffLine{Type: LineRemoved, Content: content})
		}
		for _, content := range added {
			hunk.Lines = append(hunk.Lines, DiffLine{Type: LineAdded, Content: content})
		}
		hunks = append(hunks, hunk)
		removed, added = nil, nil
		start = -1
	}

	for i := 0; i < limit; i++ {
		inOld := i < len(oldLines)
		inNew := i < len(newLines)
		if inOld && inNew && oldLines[i] == newLines[i] {
			flush(i)
			continue
		}
		if start < 0 {
			start = i
		}
		changed++
		if inOld {
			removed = append(removed, oldLines[i])
		}
		if inNew {
			added = append(added, newLines[i])
		}
	}
	flush(limit)

	return hunks, changed
}

// =============================================================================
// Unit Splitting
// =============================================================================

// boundaryPrefixes are the textual markers that open a new function unit.
// The heuristic only fires on unindented lines.
var boundaryPrefixes = []string{"func ", "def ", "function ", "fn "}

// splitUnits partitions lines into function units.
//
// Lines before the first boundary form a preamble unit. Inputs with no
// boundaries collapse to a single unit, which makes function mode behave
// like file mode for that input.
func splitUnits(lines []string) [][]string {
	var units [][]string
	current := []string{}

	for _, line := range lines {
		if isBoundary(line) && len(current) > 0 {
			units = append(units, current)
			current = []string{}
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		units = append(units, current)
	}
	return units
}

// isBoundary reports whether the line opens a function unit.
func isBoundary(line string) bool {
	if line == "" || line[0] == ' ' || line[0] == '\t' {
		return false
	}
	for _, prefix := range boundaryPrefixes {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

// =============================================================================
// Serialization
// =============================================================================

// Render serializes hunks into diff text.
//
// The format is one header line per hunk followed by its removed lines and
// then its added lines. An empty hunk list renders as the empty string.
func Render(hunks []Hunk) string {
	if len(hunks) == 0 {
		return ""
	}
	var sb strings.Builder
	for i := range hunks {
		h := &hunks[i]
		sb.WriteString(h.Header())
		sb.WriteString("\n")
		for _, content := range h.Removed() {
			sb.WriteString("-")
			sb.WriteString(content)
			sb.WriteString("\n")
		}
		for _, content := range h.Added() {
			sb.WriteString("+")
			sb.WriteString(content)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// splitLines splits content into lines, preserving a trailing newline as a
// final empty element so Join round-trips exactly.
func splitLines(content string) []string {
	return strings.Split(content, "\n")
}

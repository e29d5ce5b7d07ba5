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
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrInvalidMode indicates an unknown diff granularity.
	ErrInvalidMode = errors.New("diff: invalid mode")

	// ErrMalformedDiff indicates diff text that does not parse.
	ErrMalformedDiff = errors.New("diff: malformed diff text")

	// ErrConflict indicates content that no longer matches the diff's
	// expectations. Typed details travel in ConflictError.
	ErrConflict = errors.New("diff: content conflict")
)

// ConflictError reports a mismatch between a diff and the content it is
// being applied to, which usually means the content changed out-of-band.
type ConflictError struct {
	// Line is the 1-based line number where the mismatch was found.
	Line int

	// Expected is the line content the diff recorded.
	Expected string

	// Got is the line content actually present. Empty when the content
	// ended before the expected line.
	Got string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.Got == "" && e.Expected != "" {
		return fmt.Sprintf("diff: conflict at line %d: content ends before expected %q", e.Line, e.Expected)
	}
	return fmt.Sprintf("diff: conflict at line %d: expected %q, got %q", e.Line, e.Expected, e.Got)
}

// Unwrap lets errors.Is match ErrConflict.
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// Kind returns the machine-readable error kind.
func (e *ConflictError) Kind() string {
	return "diff_conflict"
}

// =============================================================================
// Parse
// =============================================================================

// Parse decodes diff text produced by Render back into hunks.
//
// Parsing is strict: every hunk must carry exactly the removed and added
// lines its header declares. Empty text parses to no hunks.
func Parse(diffText string) ([]Hunk, error) {
	if diffText == "" {
		return nil, nil
	}
	lines := strings.Split(diffText, "\n")
	// Render always terminates with a newline; drop the empty tail element.
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	var hunks []Hunk
	i := 0
	for i < len(lines) {
		var h Hunk
		n, err := fmt.Sscanf(lines[i], "@@ -%d,%d +%d,%d @@", &h.OldStart, &h.OldCount, &h.NewStart, &h.NewCount)
		if err != nil || n != 4 {
			return nil, fmt.Errorf("%w: bad header at line %d: %q", ErrMalformedDiff, i+1, lines[i])
		}
		if h.OldStart < 1 || h.NewStart < 1 || h.OldCount < 0 || h.NewCount < 0 {
			return nil, fmt.Errorf("%w: bad header range at line %d", ErrMalformedDiff, i+1)
		}
		i++
		for j := 0; j < h.OldCount; j++ {
			if i >= len(lines) || !strings.HasPrefix(lines[i], "-") {
				return nil, fmt.Errorf("%w: expected removed line at line %d", ErrMalformedDiff, i+1)
			}
			h.Lines = append(h.Lines, DiffLine{Type: LineRemoved, Content: lines[i][1:]})
			i++
		}
		for j := 0; j < h.NewCount; j++ {
			if i >= len(lines) || !strings.HasPrefix(lines[i], "+") {
				return nil, fmt.Errorf("%w: expected added line at line %d", ErrMalformedDiff, i+1)
			}
			h.Lines = append(h.Lines, DiffLine{Type: LineAdded, Content: lines[i][1:]})
			i++
		}
		hunks = append(hunks, h)
	}
	return hunks, nil
}

// =============================================================================
// Apply
// =============================================================================

// Apply replays diff text onto content.
//
// # Description
//
// Hunks are applied in reverse order so earlier splice positions stay
// valid. Every removed line is verified against the current content first;
// a mismatch aborts with a ConflictError and the content is left untouched
// (Apply never partially applies).
//
// # Inputs
//
//   - content: The content the diff was computed against.
//   - diffText: Serialized diff from Compute or Invert.
//
// # Outputs
//
//   - string: The patched content.
//   - error: ErrMalformedDiff or a ConflictError.
func Apply(content, diffText string) (string, error) {
	hunks, err := Parse(diffText)
	if err != nil {
		return "", err
	}
	if len(hunks) == 0 {
		return content, nil
	}

	lines := splitLines(content)

	// Verify all hunks before mutating anything.
	for i := range hunks {
		h := &hunks[i]
		start := h.OldStart - 1
		if start+h.OldCount > len(lines) || start > len(lines) {
			return "", &ConflictError{Line: len(lines) + 1, Expected: firstRemoved(h)}
		}
		for j, want := range h.Removed() {
			if lines[start+j] != want {
				return "", &ConflictError{Line: start + j + 1, Expected: want, Got: lines[start+j]}
			}
		}
	}

	for i := len(hunks) - 1; i >= 0; i-- {
		h := &hunks[i]
		start := h.OldStart - 1
		patched := make([]string, 0, len(lines)-h.OldCount+h.NewCount)
		patched = append(patched, lines[:start]...)
		patched = append(patched, h.Added()...)
		patched = append(patched, lines[start+h.OldCount:]...)
		lines = patched
	}

	return strings.Join(lines, "\n"), nil
}

// firstRemoved returns the first removed line for conflict reporting.
func firstRemoved(h *Hunk) string {
	removed := h.Removed()
	if len(removed) == 0 {
		return ""
	}
	return removed[0]
}

// =============================================================================
// Invert
// =============================================================================

// Invert swaps additions and removals in diff text.
//
// Apply(new, Invert(d)) reproduces the old content for any diff d computed
// from (old, new). Empty input inverts to empty output.
func Invert(diffText string) (string, error) {
	hunks, err := Parse(diffText)
	if err != nil {
		return "", err
	}
	if len(hunks) == 0 {
		return "", nil
	}
	inverted := make([]Hunk, len(hunks))
	for i := range hunks {
		inverted[i] = hunks[i].Invert()
	}
	return Render(inverted), nil
}

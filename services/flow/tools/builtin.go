// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/AleutianAI/AleutianFlow/services/flow/vcs"
)

// Builtin tool limits.
const (
	// MaxReadFileBytes caps read_file output before truncation.
	MaxReadFileBytes = 256 * 1024

	// MaxWriteContentBytes caps write_file content.
	MaxWriteContentBytes = 5 * 1024 * 1024

	// MaxPatchBytes caps apply_patch input.
	MaxPatchBytes = 1 << 20
)

// RegisterBuiltins registers the workspace tools with the registry.
//
// # Description
//
//	Registers read_file, write_file, and apply_patch bound to the given
//	worktree. These are the local half of tool-augmented runs: the backend
//	requests actions by name and the executor routes them here.
//
// # Inputs
//
//   - registry: The registry to register with. Must not be nil.
//   - wt: The workspace the tools operate in. Must not be nil.
func RegisterBuiltins(registry *Registry, wt *vcs.Worktree) error {
	if registry == nil || wt == nil {
		return fmt.Errorf("tools: registry and worktree must not be nil")
	}
	for _, tool := range []Tool{
		NewReadFileTool(wt),
		NewWriteFileTool(wt),
		NewApplyPatchTool(wt),
	} {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// read_file
// =============================================================================

// ReadFileTool returns a workspace file's content.
type ReadFileTool struct {
	wt *vcs.Worktree
}

// NewReadFileTool creates a read_file tool over the given worktree.
func NewReadFileTool(wt *vcs.Worktree) *ReadFileTool {
	return &ReadFileTool{wt: wt}
}

// Name returns the tool name.
func (t *ReadFileTool) Name() string {
	return "read_file"
}

// Definition returns the tool's parameter schema.
func (t *ReadFileTool) Definition() Definition {
	return Definition{
		Name:        "read_file",
		Description: "Read a file from the workspace. Returns the full content, empty if the file does not exist.",
		Parameters: map[string]ParamDef{
			"file_path": {
				Type:        ParamTypeString,
				Description: "Path relative to the workspace root.",
				Required:    true,
			},
		},
		SideEffects: false,
	}
}

// Execute reads the file and returns its content.
func (t *ReadFileTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	start := time.Now()
	path, ok := getStringParam(params, "file_path")
	if !ok || path == "" {
		return fail(start, "file_path is required"), nil
	}

	content, err := t.wt.ReadFile(path)
	if err != nil {
		return fail(start, "read %s: %v", path, err), nil
	}
	if len(content) > MaxReadFileBytes {
		content = content[:MaxReadFileBytes] + "\n... [truncated]"
	}
	return &Result{
		Success:    true,
		OutputText: content,
		Duration:   time.Since(start),
	}, nil
}

// =============================================================================
// write_file
// =============================================================================

// WriteFileTool replaces a workspace file's content.
type WriteFileTool struct {
	wt *vcs.Worktree
}

// NewWriteFileTool creates a write_file tool over the given worktree.
func NewWriteFileTool(wt *vcs.Worktree) *WriteFileTool {
	return &WriteFileTool{wt: wt}
}

// Name returns the tool name.
func (t *WriteFileTool) Name() string {
	return "write_file"
}

// Definition returns the tool's parameter schema.
func (t *WriteFileTool) Definition() Definition {
	return Definition{
		Name:        "write_file",
		Description: "Create or overwrite a file in the workspace with the given content.",
		Parameters: map[string]ParamDef{
			"file_path": {
				Type:        ParamTypeString,
				Description: "Path relative to the workspace root.",
				Required:    true,
			},
			"content": {
				Type:        ParamTypeString,
				Description: "The complete new file content.",
				Required:    true,
			},
		},
		SideEffects: true,
	}
}

// Execute writes the file.
func (t *WriteFileTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	start := time.Now()
	path, ok := getStringParam(params, "file_path")
	if !ok || path == "" {
		return fail(start, "file_path is required"), nil
	}
	content, ok := getStringParam(params, "content")
	if !ok {
		return fail(start, "content is required"), nil
	}
	if len(content) > MaxWriteContentBytes {
		return fail(start, "content exceeds max size of %d bytes", MaxWriteContentBytes), nil
	}

	rel, err := t.wt.Rel(path)
	if err != nil {
		return fail(start, "write %s: %v", path, err), nil
	}
	if err := t.wt.WriteFile(rel, content); err != nil {
		return fail(start, "write %s: %v", path, err), nil
	}
	return &Result{
		Success:       true,
		OutputText:    fmt.Sprintf("wrote %d bytes to %s", len(content), rel),
		ModifiedFiles: []string{rel},
		Duration:      time.Since(start),
	}, nil
}

// =============================================================================
// apply_patch
// =============================================================================

// ApplyPatchTool applies a unified diff to workspace files.
type ApplyPatchTool struct {
	wt *vcs.Worktree
}

// NewApplyPatchTool creates an apply_patch tool over the given worktree.
func NewApplyPatchTool(wt *vcs.Worktree) *ApplyPatchTool {
	return &ApplyPatchTool{wt: wt}
}

// Name returns the tool name.
func (t *ApplyPatchTool) Name() string {
	return "apply_patch"
}

// Definition returns the tool's parameter schema.
func (t *ApplyPatchTool) Definition() Definition {
	return Definition{
		Name:        "apply_patch",
		Description: "Apply a unified diff to the workspace. Supports multiple files, creation (/dev/null origin), and deletion (/dev/null target). Context lines must match the current file content.",
		Parameters: map[string]ParamDef{
			"patch": {
				Type:        ParamTypeString,
				Description: "The patch in unified diff format.",
				Required:    true,
			},
		},
		SideEffects: true,
	}
}

// Execute parses and applies the patch file by file.
//
// Files already written stay written when a later file fails; they are
// reported in ModifiedFiles either way so the run keeps tracking them.
func (t *ApplyPatchTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	start := time.Now()
	patch, ok := getStringParam(params, "patch")
	if !ok || patch == "" {
		return fail(start, "patch is required"), nil
	}
	if len(patch) > MaxPatchBytes {
		return fail(start, "patch exceeds max size of %d bytes", MaxPatchBytes), nil
	}

	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return fail(start, "invalid diff format: %v", err), nil
	}
	if len(fileDiffs) == 0 {
		return fail(start, "patch contains no file changes"), nil
	}

	var modified []string
	for _, fd := range fileDiffs {
		if cerr := ctx.Err(); cerr != nil {
			return &Result{
				Success:       false,
				Error:         cerr.Error(),
				ModifiedFiles: modified,
				Duration:      time.Since(start),
			}, nil
		}

		rel, err := t.applyOne(fd)
		if err != nil {
			return &Result{
				Success:       false,
				Error:         err.Error(),
				ModifiedFiles: modified,
				Duration:      time.Since(start),
			}, nil
		}
		modified = append(modified, rel)
	}

	return &Result{
		Success:       true,
		OutputText:    fmt.Sprintf("applied %d file(s): %s", len(modified), strings.Join(modified, ", ")),
		ModifiedFiles: modified,
		Duration:      time.Since(start),
	}, nil
}

// applyOne applies a single file's hunks and returns its workspace path.
func (t *ApplyPatchTool) applyOne(fd *diff.FileDiff) (string, error) {
	target := fd.NewName
	if target == "" || target == "/dev/null" {
		target = fd.OrigName
	}
	target = strings.TrimPrefix(target, "a/")
	target = strings.TrimPrefix(target, "b/")
	if target == "" || target == "/dev/null" {
		return "", fmt.Errorf("patch names no usable file path")
	}

	rel, err := t.wt.Rel(target)
	if err != nil {
		return "", fmt.Errorf("patch target %s: %w", target, err)
	}

	original, err := t.wt.ReadFile(rel)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	patched, err := applyHunks(original, fd)
	if err != nil {
		return "", fmt.Errorf("apply to %s: %w", rel, err)
	}

	// A deletion's hunks are verified like any other before the file goes.
	if fd.NewName == "/dev/null" {
		if err := t.wt.Remove(rel); err != nil {
			return "", fmt.Errorf("delete %s: %w", rel, err)
		}
		return rel, nil
	}
	if err := t.wt.WriteFile(rel, patched); err != nil {
		return "", fmt.Errorf("write %s: %w", rel, err)
	}
	return rel, nil
}

// applyHunks replays a file's hunks onto its original content.
//
// Context and deletion lines are verified against the original before any
// output is produced, so a patch written against stale content fails
// instead of corrupting the file.
func applyHunks(original string, fd *diff.FileDiff) (string, error) {
	origLines := strings.Split(original, "\n")
	out := make([]string, 0, len(origLines))
	idx := 0

	for _, hunk := range fd.Hunks {
		start := int(hunk.OrigStartLine) - 1
		if start < 0 {
			start = 0
		}
		if start > len(origLines) {
			return "", fmt.Errorf("hunk starts at line %d past end of file (%d lines)", hunk.OrigStartLine, len(origLines))
		}
		if start < idx {
			return "", fmt.Errorf("hunks overlap at line %d", hunk.OrigStartLine)
		}
		for idx < start {
			out = append(out, origLines[idx])
			idx++
		}

		body := strings.Split(string(hunk.Body), "\n")
		if len(body) > 0 && body[len(body)-1] == "" {
			body = body[:len(body)-1]
		}
		for _, line := range body {
			switch {
			case strings.HasPrefix(line, "+"):
				out = append(out, line[1:])
			case strings.HasPrefix(line, "-"):
				if err := verifyLine(origLines, idx, line[1:]); err != nil {
					return "", err
				}
				idx++
			case strings.HasPrefix(line, "\\"):
				// "\ No newline at end of file" markers carry no content.
			default:
				want := strings.TrimPrefix(line, " ")
				if err := verifyLine(origLines, idx, want); err != nil {
					return "", err
				}
				out = append(out, origLines[idx])
				idx++
			}
		}
	}

	for idx < len(origLines) {
		out = append(out, origLines[idx])
		idx++
	}
	return strings.Join(out, "\n"), nil
}

// verifyLine checks that the original holds the expected line at idx.
func verifyLine(origLines []string, idx int, want string) error {
	if idx >= len(origLines) {
		return fmt.Errorf("hunk expects %q at line %d but the file ends at line %d", want, idx+1, len(origLines))
	}
	if origLines[idx] != want {
		return fmt.Errorf("hunk does not apply at line %d: file has %q, patch expects %q", idx+1, origLines[idx], want)
	}
	return nil
}

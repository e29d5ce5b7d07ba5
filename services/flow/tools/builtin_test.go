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
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianFlow/services/flow/vcs"
)

func newWorkspace(t *testing.T) *vcs.Worktree {
	t.Helper()
	wt, err := vcs.NewWorktree(t.TempDir())
	if err != nil {
		t.Fatalf("NewWorktree: %v", err)
	}
	return wt
}

func seedFile(t *testing.T, wt *vcs.Worktree, path, content string) {
	t.Helper()
	full := filepath.Join(wt.Root(), path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("seed %s: %v", path, err)
	}
}

func TestReadFileTool(t *testing.T) {
	wt := newWorkspace(t)
	seedFile(t, wt, "docs/readme.md", "hello\nworld\n")
	tool := NewReadFileTool(wt)

	res, err := tool.Execute(context.Background(), map[string]any{"file_path": "docs/readme.md"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.OutputText != "hello\nworld\n" {
		t.Errorf("result = %+v", res)
	}

	// Missing files read as empty rather than failing.
	res, err = tool.Execute(context.Background(), map[string]any{"file_path": "absent.txt"})
	if err != nil || !res.Success || res.OutputText != "" {
		t.Errorf("missing file result = %+v, err %v", res, err)
	}

	res, err = tool.Execute(context.Background(), map[string]any{})
	if err != nil || res.Success || !strings.Contains(res.Error, "file_path") {
		t.Errorf("missing param result = %+v, err %v", res, err)
	}

	res, err = tool.Execute(context.Background(), map[string]any{"file_path": "../escape.txt"})
	if err != nil || res.Success {
		t.Errorf("escape result = %+v, err %v", res, err)
	}
}

func TestWriteFileTool(t *testing.T) {
	wt := newWorkspace(t)
	tool := NewWriteFileTool(wt)

	res, err := tool.Execute(context.Background(), map[string]any{
		"file_path": "pkg/util/new.go",
		"content":   "package util\n",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if !reflect.DeepEqual(res.ModifiedFiles, []string{"pkg/util/new.go"}) {
		t.Errorf("ModifiedFiles = %v", res.ModifiedFiles)
	}
	onDisk, err := os.ReadFile(filepath.Join(wt.Root(), "pkg/util/new.go"))
	if err != nil || string(onDisk) != "package util\n" {
		t.Errorf("on disk = %q, %v", onDisk, err)
	}

	res, _ = tool.Execute(context.Background(), map[string]any{"file_path": "x.go"})
	if res.Success || !strings.Contains(res.Error, "content") {
		t.Errorf("missing content result = %+v", res)
	}

	res, _ = tool.Execute(context.Background(), map[string]any{
		"file_path": "../outside.go",
		"content":   "x",
	})
	if res.Success {
		t.Errorf("escape result = %+v", res)
	}
}

func TestApplyPatchTool_ModifyFile(t *testing.T) {
	wt := newWorkspace(t)
	seedFile(t, wt, "hello.txt", "line one\nline two\nline three\n")
	tool := NewApplyPatchTool(wt)

	patch := `--- a/hello.txt
+++ b/hello.txt
@@ -1,3 +1,3 @@
 line one
-line two
+line 2
 line three
`
	res, err := tool.Execute(context.Background(), map[string]any{"patch": patch})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if !reflect.DeepEqual(res.ModifiedFiles, []string{"hello.txt"}) {
		t.Errorf("ModifiedFiles = %v", res.ModifiedFiles)
	}
	got, _ := wt.ReadFile("hello.txt")
	if got != "line one\nline 2\nline three\n" {
		t.Errorf("patched content = %q", got)
	}
}

func TestApplyPatchTool_CreateAndDelete(t *testing.T) {
	wt := newWorkspace(t)
	seedFile(t, wt, "old.txt", "alpha\nbeta\n")
	tool := NewApplyPatchTool(wt)

	patch := `--- /dev/null
+++ b/fresh.txt
@@ -0,0 +1,2 @@
+first
+second
--- a/old.txt
+++ /dev/null
@@ -1,2 +0,0 @@
-alpha
-beta
`
	res, err := tool.Execute(context.Background(), map[string]any{"patch": patch})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}

	created, _ := wt.ReadFile("fresh.txt")
	if created != "first\nsecond\n" {
		t.Errorf("created content = %q", created)
	}
	if _, err := os.Stat(filepath.Join(wt.Root(), "old.txt")); !os.IsNotExist(err) {
		t.Error("deleted file still present")
	}
	if !reflect.DeepEqual(res.ModifiedFiles, []string{"fresh.txt", "old.txt"}) {
		t.Errorf("ModifiedFiles = %v", res.ModifiedFiles)
	}
}

func TestApplyPatchTool_StaleContextFails(t *testing.T) {
	wt := newWorkspace(t)
	drifted := "line one\nsomething else\nline three\n"
	seedFile(t, wt, "hello.txt", drifted)
	tool := NewApplyPatchTool(wt)

	patch := `--- a/hello.txt
+++ b/hello.txt
@@ -1,3 +1,3 @@
 line one
-line two
+line 2
 line three
`
	res, err := tool.Execute(context.Background(), map[string]any{"patch": patch})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "does not apply") {
		t.Errorf("result = %+v", res)
	}
	if got, _ := wt.ReadFile("hello.txt"); got != drifted {
		t.Errorf("file mutated despite stale patch: %q", got)
	}
}

func TestApplyPatchTool_PartialFailureKeepsTracking(t *testing.T) {
	wt := newWorkspace(t)
	seedFile(t, wt, "ok.txt", "keep\nold\n")
	seedFile(t, wt, "bad.txt", "drifted\n")
	tool := NewApplyPatchTool(wt)

	patch := `--- a/ok.txt
+++ b/ok.txt
@@ -1,2 +1,2 @@
 keep
-old
+new
--- a/bad.txt
+++ b/bad.txt
@@ -1 +1 @@
-expected
+replacement
`
	res, err := tool.Execute(context.Background(), map[string]any{"patch": patch})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("stale second file did not fail the patch")
	}

	// The first file was already rewritten and must stay tracked.
	if !reflect.DeepEqual(res.ModifiedFiles, []string{"ok.txt"}) {
		t.Errorf("ModifiedFiles = %v", res.ModifiedFiles)
	}
	if got, _ := wt.ReadFile("ok.txt"); got != "keep\nnew\n" {
		t.Errorf("first file = %q", got)
	}
	if got, _ := wt.ReadFile("bad.txt"); got != "drifted\n" {
		t.Errorf("second file mutated: %q", got)
	}
}

func TestApplyPatchTool_StaleDeleteFails(t *testing.T) {
	wt := newWorkspace(t)
	seedFile(t, wt, "old.txt", "not what the patch expects\n")
	tool := NewApplyPatchTool(wt)

	patch := `--- a/old.txt
+++ /dev/null
@@ -1,2 +0,0 @@
-alpha
-beta
`
	res, err := tool.Execute(context.Background(), map[string]any{"patch": patch})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Fatal("stale delete succeeded")
	}
	if _, err := os.Stat(filepath.Join(wt.Root(), "old.txt")); err != nil {
		t.Error("stale delete removed the file")
	}
}

func TestApplyPatchTool_RejectsGarbage(t *testing.T) {
	wt := newWorkspace(t)
	tool := NewApplyPatchTool(wt)

	for _, tc := range []struct {
		name  string
		patch string
	}{
		{"empty", ""},
		{"no headers", "not a diff at all\n"},
	} {
		res, err := tool.Execute(context.Background(), map[string]any{"patch": tc.patch})
		if err != nil {
			t.Fatalf("%s: Execute: %v", tc.name, err)
		}
		if res.Success {
			t.Errorf("%s: accepted invalid patch", tc.name)
		}
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// generate_tool_docs generates a markdown reference for the builtin
// workspace tools.
//
// Usage:
//
//	go run scripts/generate_tool_docs.go > docs/tool_reference.md
//
// The generated documentation includes:
//   - The full builtin inventory with side-effect markers
//   - Per-tool parameter tables with types and required flags
//   - The JSON schema each tool presents to backends
//   - Summary statistics
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/tools"
)

// builtinDefinitions returns the builtin tool definitions in registration
// order. Definitions are static, so the tools are constructed without a
// worktree and only Definition is called.
func builtinDefinitions() []tools.Definition {
	return []tools.Definition{
		tools.NewReadFileTool(nil).Definition(),
		tools.NewWriteFileTool(nil).Definition(),
		tools.NewApplyPatchTool(nil).Definition(),
	}
}

func main() {
	defs := builtinDefinitions()
	printHeader(defs)
	for _, def := range defs {
		if err := printTool(def); err != nil {
			fmt.Fprintf(os.Stderr, "Error rendering %s: %v\n", def.Name, err)
			os.Exit(1)
		}
	}
	printSummary(defs)
}

// printHeader outputs the title, overview, and inventory table.
func printHeader(defs []tools.Definition) {
	fmt.Println("# Builtin Tool Reference")
	fmt.Println()
	fmt.Println("## Overview")
	fmt.Println()
	fmt.Println("This document lists the builtin workspace tools a tool-run step can")
	fmt.Println("offer its backend. The registry lives in `services/flow/tools` and the")
	fmt.Println("builtins are registered per session against the session's worktree.")
	fmt.Println()
	fmt.Printf("**Generated:** %s\n", time.Now().Format("2006-01-02 15:04:05 UTC"))
	fmt.Println()
	fmt.Println("| Tool | Side Effects | Description |")
	fmt.Println("|------|--------------|-------------|")
	for _, def := range defs {
		fmt.Printf("| `%s` | %s | %s |\n", def.Name, yesNo(def.SideEffects), def.Description)
	}
	fmt.Println()
}

// printTool outputs one tool's parameter table and backend schema.
func printTool(def tools.Definition) error {
	fmt.Printf("## %s\n\n", def.Name)
	fmt.Printf("%s\n\n", def.Description)
	if def.SideEffects {
		fmt.Println("Modifies the workspace. Files this tool touches join the run's")
		fmt.Println("tracked set and its changes are journaled as reversible diffs.")
		fmt.Println()
	}

	names := make([]string, 0, len(def.Parameters))
	for name := range def.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("| Parameter | Type | Required | Description |")
	fmt.Println("|-----------|------|----------|-------------|")
	for _, name := range names {
		p := def.Parameters[name]
		fmt.Printf("| `%s` | %s | %s | %s |\n", name, p.Type, yesNo(p.Required), p.Description)
	}
	fmt.Println()

	schema, err := json.MarshalIndent(def.Schema(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println("**Backend schema:**")
	fmt.Println()
	fmt.Println("```json")
	fmt.Println(string(schema))
	fmt.Println("```")
	fmt.Println()
	return nil
}

// printSummary outputs the closing statistics block.
func printSummary(defs []tools.Definition) {
	sideEffects := 0
	params := 0
	required := 0
	for _, def := range defs {
		if def.SideEffects {
			sideEffects++
		}
		params += len(def.Parameters)
		required += len(def.RequiredParams())
	}
	fmt.Println("## Summary")
	fmt.Println()
	fmt.Printf("- **Tools:** %d\n", len(defs))
	fmt.Printf("- **Workspace-modifying:** %d\n", sideEffects)
	fmt.Printf("- **Parameters:** %d (%d required)\n", params, required)
}

// yesNo renders a boolean for the markdown tables.
func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

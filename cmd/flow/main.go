// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command flow runs LLM-driven code modification flows over a local
// workspace, with every file change journaled so any run can be
// rolled back to a checkpoint or a point in time.
//
// Usage:
//
//	flow run review.yaml --input "tighten error handling in pkg/api"
//	flow batch flows/ --policy parallel
//	flow checkpoint create --label before-refactor
//	flow checkpoint list
//	flow rollback --checkpoint 1a2b3c4d5e6f
//	flow rollback --to 2025-11-02T15:04:05Z
//
// Configuration is read from flow.yaml in the working directory, or
// from the path given with --config. Flags override the file.
package main

import (
	"log"
)

func main() {
	// Execute the root command. Cobra handles parsing the arguments.
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

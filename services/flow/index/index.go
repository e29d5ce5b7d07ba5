// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package index ships committed diff records to a search index.
//
// Indexing is fire-and-forget: the engine hands over each record right
// after the ledger commits it, and nothing on the run's correctness
// path ever waits for the index. Failures are logged and counted,
// never returned.
package index

import (
	"context"

	"github.com/AleutianAI/AleutianFlow/services/flow/ledger"
)

// Indexer receives committed diff records off the correctness path.
type Indexer interface {
	// IndexDiff hands one committed record to the index. The call must
	// not block beyond an enqueue; the caller's context gates nothing
	// past that.
	IndexDiff(ctx context.Context, rec ledger.DiffRecord)
}

// Noop discards every record. Default when no index is configured.
type Noop struct{}

// IndexDiff discards the record.
func (Noop) IndexDiff(context.Context, ledger.DiffRecord) {}

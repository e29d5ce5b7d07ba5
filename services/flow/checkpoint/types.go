// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// CheckpointVersion is the current checkpoint format version (semver).
const CheckpointVersion = "1.0.0"

// Checkpoint is one durable restore point.
//
// CommitID names the version-control snapshot holding the working tree at
// checkpoint time. CreatedAt is strictly later than every ledger record
// the checkpoint covers, and strictly later than the previous checkpoint
// in the chain.
type Checkpoint struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	CommitID  string    `json:"commit_id"`
	CreatedAt time.Time `json:"created_at"`
	SessionID string    `json:"session_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`

	// RecordIDs lists the included ledger records, oldest first.
	RecordIDs []string          `json:"record_ids,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// RecordCount returns the number of included ledger records.
func (c *Checkpoint) RecordCount() int {
	return len(c.RecordIDs)
}

// clone copies a checkpoint including its record list and metadata map.
func (c *Checkpoint) clone() *Checkpoint {
	cp := *c
	if c.RecordIDs != nil {
		cp.RecordIDs = make([]string, len(c.RecordIDs))
		copy(cp.RecordIDs, c.RecordIDs)
	}
	if c.Metadata != nil {
		cp.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// storedCheckpoint is the on-disk envelope for a checkpoint.
type storedCheckpoint struct {
	Checkpoint *Checkpoint `json:"checkpoint"`
	Version    string      `json:"version"`
	Checksum   string      `json:"checksum"`
}

// computeChecksum calculates the SHA256 of the checkpoint for integrity
// verification. The checksum field itself is excluded.
func computeChecksum(cp *Checkpoint) (string, error) {
	data := struct {
		Checkpoint *Checkpoint `json:"checkpoint"`
		Version    string      `json:"version"`
	}{
		Checkpoint: cp,
		Version:    CheckpointVersion,
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}

	hash := sha256.Sum256(jsonData)
	return hex.EncodeToString(hash[:]), nil
}

// encodeStored serializes a checkpoint with its integrity envelope.
func encodeStored(cp *Checkpoint) ([]byte, error) {
	checksum, err := computeChecksum(cp)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&storedCheckpoint{
		Checkpoint: cp,
		Version:    CheckpointVersion,
		Checksum:   checksum,
	})
}

// decodeStored parses and verifies a stored checkpoint.
func decodeStored(data []byte) (*Checkpoint, error) {
	var sc storedCheckpoint
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	if sc.Checkpoint == nil {
		return nil, fmt.Errorf("%w: missing checkpoint body", ErrCorrupt)
	}
	if sc.Version != CheckpointVersion {
		return nil, fmt.Errorf("%w: got version %s, want %s", ErrVersionMismatch, sc.Version, CheckpointVersion)
	}
	expected, err := computeChecksum(sc.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("compute checksum for verification: %w", err)
	}
	if sc.Checksum != expected {
		return nil, ErrCorrupt
	}
	return sc.Checkpoint, nil
}

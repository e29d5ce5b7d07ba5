// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/ledger"
)

// -----------------------------------------------------------------------------
// Config Tests
// -----------------------------------------------------------------------------

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{URL: "http://localhost:8080"}
	cfg.applyDefaults()

	assert.Equal(t, DefaultClass, cfg.Class)
	assert.Equal(t, 256, cfg.QueueSize)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryBackoff)
	assert.Equal(t, 5*time.Second, cfg.MaxRetryBackoff)
	assert.Equal(t, 0.25, cfg.RetryJitter)
	assert.Equal(t, 5, cfg.CircuitThreshold)
	assert.Equal(t, 30*time.Second, cfg.CircuitCooldown)
	assert.Equal(t, 10*time.Second, cfg.SendTimeout)
	assert.NotNil(t, cfg.Logger)
}

func TestNewWeaviate_MissingURL(t *testing.T) {
	_, err := NewWeaviate(Config{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "url")
}

func TestNewWeaviate_DoesNotContactServer(t *testing.T) {
	// Nothing listens on this port; creation and shutdown must still
	// succeed because the server is only contacted per record.
	w, err := NewWeaviate(Config{URL: "http://localhost:1"})
	require.NoError(t, err)
	assert.NoError(t, w.Close())
	assert.Equal(t, int64(0), w.Indexed())
	assert.Equal(t, int64(0), w.Dropped())
}

// -----------------------------------------------------------------------------
// Queue Tests
// -----------------------------------------------------------------------------

// stoppedWeaviate builds an indexer without a worker so queued records
// stay queued.
func stoppedWeaviate(queueSize int, cfg Config) *Weaviate {
	cfg.applyDefaults()
	return &Weaviate{
		cfg:    cfg,
		logger: slog.Default(),
		queue:  make(chan ledger.DiffRecord, queueSize),
		stopCh: make(chan struct{}),
	}
}

func TestIndexDiff_DropsWhenQueueFull(t *testing.T) {
	w := stoppedWeaviate(1, Config{})

	w.IndexDiff(context.Background(), ledger.DiffRecord{ID: "a"})
	w.IndexDiff(context.Background(), ledger.DiffRecord{ID: "b"})

	assert.Equal(t, int64(1), w.Dropped())
	assert.Len(t, w.queue, 1)
}

func TestClose_Idempotent(t *testing.T) {
	w := stoppedWeaviate(1, Config{})

	assert.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}

// -----------------------------------------------------------------------------
// Circuit Tests
// -----------------------------------------------------------------------------

func TestCircuitOpen_DropsRecords(t *testing.T) {
	w := stoppedWeaviate(1, Config{CircuitThreshold: 3, CircuitCooldown: time.Minute})
	w.failStreak = 3
	w.openedAt = time.Now()

	w.process(ledger.DiffRecord{ID: "a"})

	assert.Equal(t, int64(1), w.Dropped())
	assert.Equal(t, int64(0), w.Indexed())
}

func TestCircuitOpen_HalfOpenAfterCooldown(t *testing.T) {
	w := stoppedWeaviate(1, Config{CircuitThreshold: 3, CircuitCooldown: 10 * time.Millisecond})
	w.failStreak = 3
	w.openedAt = time.Now().Add(-20 * time.Millisecond)

	assert.False(t, w.circuitOpen())
	// One more failure re-opens, one success closes.
	assert.Equal(t, 2, w.failStreak)
}

func TestCircuitOpen_BelowThreshold(t *testing.T) {
	w := stoppedWeaviate(1, Config{CircuitThreshold: 5})
	w.failStreak = 4

	assert.False(t, w.circuitOpen())
}

// -----------------------------------------------------------------------------
// Backoff Tests
// -----------------------------------------------------------------------------

func TestBackoff_WithJitter(t *testing.T) {
	w := stoppedWeaviate(1, Config{
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: time.Second,
		RetryJitter:     0.25,
	})

	backoffs := make([]time.Duration, 10)
	for i := range backoffs {
		backoffs[i] = w.backoff(1)
	}

	expected := 200 * time.Millisecond // 100ms * 2^1
	minExpected := time.Duration(float64(expected) * 0.75)
	maxExpected := time.Duration(float64(expected) * 1.25)

	for _, b := range backoffs {
		assert.GreaterOrEqual(t, b, minExpected)
		assert.LessOrEqual(t, b, maxExpected)
	}

	allSame := true
	for i := 1; i < len(backoffs); i++ {
		if backoffs[i] != backoffs[0] {
			allSame = false
			break
		}
	}
	assert.False(t, allSame, "jitter should produce some variation")
}

func TestBackoff_CapsAtMax(t *testing.T) {
	w := stoppedWeaviate(1, Config{
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 500 * time.Millisecond,
	})
	w.cfg.RetryJitter = 0 // deterministic

	backoff := w.backoff(10) // 100ms * 2^10 = 102.4s uncapped

	assert.LessOrEqual(t, backoff, w.cfg.MaxRetryBackoff)
}

// -----------------------------------------------------------------------------
// Noop Tests
// -----------------------------------------------------------------------------

func TestNoop_ImplementsIndexer(t *testing.T) {
	var idx Indexer = Noop{}
	idx.IndexDiff(context.Background(), ledger.DiffRecord{ID: "a"})
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-defined metrics for the flow service.
//
// # Description
//
// Provides standard counters, histograms, and gauges for batch
// execution, checkpoints, and rollbacks. Per-run and per-step metrics
// live in the engine; these cover the session-level operations. All
// metrics use the "flow_" prefix for consistent naming.
//
// # Thread Safety
//
// Safe for concurrent use after creation.
type Metrics struct {
	// --- Batch Metrics ---

	// BatchesTotal counts batch executions by policy and status.
	BatchesTotal metric.Int64Counter

	// BatchDuration records whole-batch duration in seconds.
	BatchDuration metric.Float64Histogram

	// BatchTasksTotal counts batch tasks by status.
	BatchTasksTotal metric.Int64Counter

	// --- Checkpoint and Rollback Metrics ---

	// CheckpointsTotal counts checkpoints created.
	CheckpointsTotal metric.Int64Counter

	// RollbacksTotal counts rollback operations by mode and status.
	RollbacksTotal metric.Int64Counter

	// RollbackDuration records rollback duration in seconds.
	RollbackDuration metric.Float64Histogram

	// RollbackConflictsTotal counts files left conflicted by rollbacks.
	RollbackConflictsTotal metric.Int64Counter

	// --- Error Metrics ---

	// ErrorsTotal counts session operation errors by kind.
	ErrorsTotal metric.Int64Counter

	// --- Observables (registered via Register* methods) ---

	// LedgerRecords tracks the total record count in the diff ledger.
	LedgerRecords metric.Int64ObservableGauge

	// IndexerDropped tracks records the diff indexer has dropped.
	IndexerDropped metric.Int64ObservableGauge
}

// NewMetrics creates a Metrics instance with all instruments registered.
//
// # Inputs
//
//   - meter: The OTel meter to register instruments with.
//
// # Outputs
//
//   - *Metrics: Instance with all counters and histograms initialized.
//   - error: Non-nil if any instrument registration fails.
//
// # Thread Safety
//
// Safe for concurrent use after creation.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	// --- Batch Metrics ---
	m.BatchesTotal, err = meter.Int64Counter(
		"flow_batches_total",
		metric.WithDescription("Total batch executions"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create batches_total: %w", err)
	}

	m.BatchDuration, err = meter.Float64Histogram(
		"flow_batch_duration_seconds",
		metric.WithDescription("Whole-batch duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return nil, fmt.Errorf("create batch_duration: %w", err)
	}

	m.BatchTasksTotal, err = meter.Int64Counter(
		"flow_batch_tasks_total",
		metric.WithDescription("Total batch tasks"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create batch_tasks_total: %w", err)
	}

	// --- Checkpoint and Rollback Metrics ---
	m.CheckpointsTotal, err = meter.Int64Counter(
		"flow_checkpoints_total",
		metric.WithDescription("Total checkpoints created"),
		metric.WithUnit("{checkpoint}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create checkpoints_total: %w", err)
	}

	m.RollbacksTotal, err = meter.Int64Counter(
		"flow_rollbacks_total",
		metric.WithDescription("Total rollback operations"),
		metric.WithUnit("{rollback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create rollbacks_total: %w", err)
	}

	m.RollbackDuration, err = meter.Float64Histogram(
		"flow_rollback_duration_seconds",
		metric.WithDescription("Rollback duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15),
	)
	if err != nil {
		return nil, fmt.Errorf("create rollback_duration: %w", err)
	}

	m.RollbackConflictsTotal, err = meter.Int64Counter(
		"flow_rollback_conflicts_total",
		metric.WithDescription("Files left conflicted by rollbacks"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create rollback_conflicts_total: %w", err)
	}

	// --- Error Metrics ---
	m.ErrorsTotal, err = meter.Int64Counter(
		"flow_errors_total",
		metric.WithDescription("Total session operation errors by kind"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create errors_total: %w", err)
	}

	return m, nil
}

// RegisterLedgerRecords registers a callback gauge for the ledger's
// record count.
//
// The callback is invoked on each metrics scrape.
//
// # Inputs
//
//   - meter: The OTel meter to use for registration.
//   - countFunc: Returns the current total record count.
//
// # Outputs
//
//   - metric.Registration: Handle for cleanup.
//   - error: Non-nil if registration fails.
func (m *Metrics) RegisterLedgerRecords(meter metric.Meter, countFunc func() int64) (metric.Registration, error) {
	var err error
	m.LedgerRecords, err = meter.Int64ObservableGauge(
		"flow_ledger_records",
		metric.WithDescription("Total records in the diff ledger"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ledger_records: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.LedgerRecords, countFunc())
		return nil
	}, m.LedgerRecords)
}

// RegisterIndexerDropped registers a callback gauge for the diff
// indexer's dropped-record count.
//
// # Inputs
//
//   - meter: The OTel meter to use for registration.
//   - droppedFunc: Returns the count of records dropped so far.
//
// # Outputs
//
//   - metric.Registration: Handle for cleanup.
//   - error: Non-nil if registration fails.
func (m *Metrics) RegisterIndexerDropped(meter metric.Meter, droppedFunc func() int64) (metric.Registration, error) {
	var err error
	m.IndexerDropped, err = meter.Int64ObservableGauge(
		"flow_indexer_dropped_total",
		metric.WithDescription("Records dropped by the diff indexer"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create indexer_dropped: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.IndexerDropped, droppedFunc())
		return nil
	}, m.IndexerDropped)
}

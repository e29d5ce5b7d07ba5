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
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// LoggerWithTrace returns a logger with trace context injected.
//
// # Description
//
// Extracts trace_id and span_id from the context and adds them as
// structured log fields. This enables log correlation in Grafana/Loki
// with traces in Jaeger.
//
// # Inputs
//
//   - ctx: Context containing span context. May be nil or span-free.
//   - logger: Base logger to enhance. Nil falls back to slog.Default().
//
// # Outputs
//
//   - *slog.Logger: Logger with trace_id and span_id fields when a
//     valid span context exists, the original logger otherwise.
//
// # Thread Safety
//
// Safe for concurrent use.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if ctx == nil {
		return logger
	}

	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}

	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}

// LoggerWithRun returns a logger with trace context and a run id.
//
// Combines LoggerWithTrace with the run identifier so log entries from
// concurrent flow runs stay distinguishable.
//
// # Thread Safety
//
// Safe for concurrent use.
func LoggerWithRun(ctx context.Context, logger *slog.Logger, runID string) *slog.Logger {
	return LoggerWithTrace(ctx, logger).With(
		slog.String("run_id", runID),
	)
}

// LoggerWithSession returns a logger with trace context and session ID.
//
// Adds a session identifier for tracking related operations across
// multiple flow executions.
//
// # Thread Safety
//
// Safe for concurrent use.
func LoggerWithSession(ctx context.Context, logger *slog.Logger, sessionID string) *slog.Logger {
	return LoggerWithTrace(ctx, logger).With(
		slog.String("session_id", sessionID),
	)
}

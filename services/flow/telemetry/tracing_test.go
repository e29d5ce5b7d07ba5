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
	"errors"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func TestStartSpan(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "stdout" // Need real exporter for valid spans
	cfg.MetricExporter = "none"

	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer shutdown(context.Background())

	ctx, span := StartSpan(context.Background(), "test.tracer", "TestOperation")
	defer span.End()

	if !span.SpanContext().IsValid() {
		t.Error("expected valid span context")
	}

	spanFromCtx := trace.SpanFromContext(ctx)
	if spanFromCtx.SpanContext().SpanID() != span.SpanContext().SpanID() {
		t.Error("context should contain the created span")
	}
}

func TestSpanFromContext_NoSpan(t *testing.T) {
	result := SpanFromContext(context.Background())
	if result == nil {
		t.Error("should return non-nil span even without context")
	}
}

func TestRecordError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "none"

	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer shutdown(context.Background())

	t.Run("records error on span", func(t *testing.T) {
		_, span := StartSpan(context.Background(), "test", "TestOp")
		defer span.End()

		RecordError(span, errors.New("test error"))
		// Should not panic
	})

	t.Run("handles nil span", func(t *testing.T) {
		RecordError(nil, errors.New("test error"))
	})

	t.Run("handles nil error", func(t *testing.T) {
		_, span := StartSpan(context.Background(), "test", "TestOp")
		defer span.End()

		RecordError(span, nil)
	})

	t.Run("records error with attributes", func(t *testing.T) {
		_, span := StartSpan(context.Background(), "test", "TestOp")
		defer span.End()

		RecordError(span, errors.New("test error"),
			attribute.String("operation", "rollback"),
			attribute.String("file", "a.txt"),
		)
	})
}

func TestSpanHelpers_NilSafe(t *testing.T) {
	SetSpanOK(nil)
	AddSpanEvent(nil, "event")
	SetSpanAttributes(nil, attribute.String("k", "v"))
	// Should not panic
}

func TestTraceAndSpanID_NoSpan(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Errorf("TraceID() = %q, want empty without a span", got)
	}
	if got := SpanID(context.Background()); got != "" {
		t.Errorf("SpanID() = %q, want empty without a span", got)
	}
	if HasActiveSpan(context.Background()) {
		t.Error("HasActiveSpan() = true, want false without a span")
	}
}

func TestTraceAndSpanID_ActiveSpan(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "stdout"
	cfg.MetricExporter = "none"

	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer shutdown(context.Background())

	ctx, span := StartSpan(context.Background(), "test", "TestOp")
	defer span.End()

	if TraceID(ctx) == "" {
		t.Error("TraceID() empty with an active span")
	}
	if SpanID(ctx) == "" {
		t.Error("SpanID() empty with an active span")
	}
	if !HasActiveSpan(ctx) {
		t.Error("HasActiveSpan() = false with an active span")
	}
}

func TestPropagateToRequest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "stdout"
	cfg.MetricExporter = "none"

	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer shutdown(context.Background())

	ctx, span := StartSpan(context.Background(), "test", "TestOp")
	defer span.End()

	req, err := http.NewRequest(http.MethodGet, "http://localhost/api", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	req = PropagateToRequest(ctx, req)
	if req.Header.Get("traceparent") == "" {
		t.Error("traceparent header not injected")
	}
}

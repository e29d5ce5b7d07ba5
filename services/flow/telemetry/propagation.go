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
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InjectContext injects trace context into outgoing HTTP headers.
//
// # Description
//
// Uses the globally configured propagator (set in Init) to inject W3C
// TraceContext and Baggage into HTTP headers. Use this when making
// outgoing HTTP requests to propagate trace context to providers and
// other downstream services.
//
// # Inputs
//
//   - ctx: Context containing active span information.
//   - headers: HTTP headers to inject trace context into.
//
// # Thread Safety
//
// Safe for concurrent use.
func InjectContext(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// PropagateToRequest injects trace context into an outgoing HTTP
// request and returns the request bound to ctx.
//
// # Inputs
//
//   - ctx: Context containing active span information.
//   - req: HTTP request to inject trace context into.
//
// # Outputs
//
//   - *http.Request: Request with context and trace headers updated.
//
// # Thread Safety
//
// Safe for concurrent use.
func PropagateToRequest(ctx context.Context, req *http.Request) *http.Request {
	InjectContext(ctx, req.Header)
	return req.WithContext(ctx)
}

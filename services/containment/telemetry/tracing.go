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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	haltTracer    = "containment.halt"
	compileTracer = "containment.compiler"
)

// StartHalt opens the root span of one halt sequence.
//
// The tracer is resolved per call so spans started before Init go to the
// no-op provider instead of a stale one.
func StartHalt(ctx context.Context, policyID, runID string) (context.Context, trace.Span) {
	return otel.Tracer(haltTracer).Start(ctx, "halt.Execute", trace.WithAttributes(
		attribute.String("halt.policy_id", policyID),
		attribute.String("halt.run_id", runID),
	))
}

// StartCompile opens the span of one background compile job.
func StartCompile(ctx context.Context, setID string, version uint64) (context.Context, trace.Span) {
	return otel.Tracer(compileTracer).Start(ctx, "compiler.Compile", trace.WithAttributes(
		attribute.String("constraints.set_id", setID),
		attribute.Int64("constraints.version", int64(version)),
	))
}

// Phase records a halt state transition on the span carried by ctx.
func Phase(ctx context.Context, state string, attrs ...attribute.KeyValue) {
	attrs = append(attrs, attribute.String("halt.state", state))
	trace.SpanFromContext(ctx).AddEvent("halt.phase", trace.WithAttributes(attrs...))
}

// End sets the span status from err and ends span.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

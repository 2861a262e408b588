// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires OpenTelemetry tracing for the containment services.
//
// The snapshot hot path is never traced. Halt sequences and compile jobs
// open spans through StartHalt and StartCompile, which resolve the global
// tracer at call time, so they are no-ops until Init installs a provider.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AleutianAI/AleutianContain/services/containment/config"
)

var (
	// ErrNilContext is returned when Init is called with a nil context.
	ErrNilContext = errors.New("context must not be nil")

	// ErrUnknownExporter is returned for an unsupported trace exporter name.
	ErrUnknownExporter = errors.New("unknown exporter type")
)

// ShutdownFunc flushes and stops the installed provider.
type ShutdownFunc func(context.Context) error

// Init installs the global tracer provider selected by cfg.
//
// Description:
//
//	"none" leaves the global no-op provider in place. "stdout" batches spans
//	to w, or to os.Stdout when w is nil.
//
// Inputs:
//
//	ctx - Must not be nil.
//	cfg - Telemetry configuration.
//	w - Destination for the stdout exporter. May be nil.
//
// Outputs:
//
//	ShutdownFunc - Must be called on exit. Never nil on success.
//	error - ErrNilContext, ErrUnknownExporter, or an exporter error.
//
// Thread Safety: Call once at startup.
func Init(ctx context.Context, cfg config.TelemetryConfig, w io.Writer) (ShutdownFunc, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	switch cfg.TraceExporter {
	case "", "none":
		return func(context.Context) error { return nil }, nil
	case "stdout":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}

	if w == nil {
		w = os.Stdout
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "containd"
	}
	res := resource.NewWithAttributes("", attribute.String("service.name", name))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

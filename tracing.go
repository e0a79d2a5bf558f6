// tracing.go: OpenTelemetry spans around lifecycle and fetch operations
//
// Spans go to whatever TracerProvider the host installed globally; without
// one the otel API is a no-op.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/agilira/go-pluginhost"

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// finishSpan records err on span, if any, and ends it.
func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func pluginAttr(id string) attribute.KeyValue {
	return attribute.String("plugin.id", id)
}

func libraryAttr(name string) attribute.KeyValue {
	return attribute.String("library.name", name)
}

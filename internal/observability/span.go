package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/gezibash/arc-modem"

// Span attribute keys shared by arbitration and probing.
const (
	AttrDevice  = attribute.Key("mm.device.uid")
	AttrIDs     = attribute.Key("mm.device.ids")
	AttrPort    = attribute.Key("mm.port")
	AttrPlugin  = attribute.Key("mm.plugin")
	AttrOutcome = attribute.Key("mm.outcome")
	AttrFlags   = attribute.Key("mm.probe.flags")
)

// StartSpan opens a span on the arbiter's tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan marks the span failed when err is set, then ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

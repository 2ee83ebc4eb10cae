package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Operation is one timed unit of arbiter work: a span, a log line at each
// end, and the mm_operation_* series when metrics are attached.
type Operation struct {
	ctx     context.Context
	name    string
	began   time.Time
	span    trace.Span
	log     *slog.Logger
	metrics *Metrics
}

// StartOperation opens a span called name and returns the derived context.
// attrs go on the span and on every log line of the operation. m may be nil.
func StartOperation(ctx context.Context, m *Metrics, name string, attrs ...attribute.KeyValue) (*Operation, context.Context) {
	ctx, span := StartSpan(ctx, name, attrs...)

	args := make([]any, 0, 2+2*len(attrs))
	args = append(args, "operation", name)
	for _, a := range attrs {
		args = append(args, string(a.Key), a.Value.Emit())
	}
	op := &Operation{
		ctx:     ctx,
		name:    name,
		began:   time.Now(),
		span:    span,
		log:     slog.Default().With(args...),
		metrics: m,
	}
	op.log.DebugContext(ctx, "begin")
	return op, ctx
}

// SetAttributes adds span attributes learned after the start.
func (o *Operation) SetAttributes(attrs ...attribute.KeyValue) {
	o.span.SetAttributes(attrs...)
}

// End closes the span and records the outcome under status "ok" or "error".
func (o *Operation) End(err error) {
	took := time.Since(o.began)
	status := "ok"
	if err != nil {
		status = "error"
		o.log.WarnContext(o.ctx, "failed", "error", err, "took", took)
	} else {
		o.log.DebugContext(o.ctx, "done", "took", took)
	}
	EndSpan(o.span, err)

	if o.metrics != nil {
		o.metrics.OperationDuration.WithLabelValues(o.name, status).Observe(took.Seconds())
		o.metrics.OperationTotal.WithLabelValues(o.name, status).Inc()
	}
}

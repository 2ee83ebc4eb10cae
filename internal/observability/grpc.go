package observability

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryServerInterceptor traces each unary call and counts it by method and
// status code. m may be nil.
func UnaryServerInterceptor(m *Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, span := startRPC(ctx, info.FullMethod)
		defer span.End()

		began := time.Now()
		resp, err := handler(ctx, req)
		finishRPC(m, span, info.FullMethod, began, err)
		return resp, err
	}
}

// StreamServerInterceptor is the streaming counterpart of
// UnaryServerInterceptor. It also records how many messages crossed the
// stream in each direction.
func StreamServerInterceptor(m *Metrics) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, span := startRPC(ss.Context(), info.FullMethod)
		defer span.End()

		began := time.Now()
		ws := &wrappedStream{ServerStream: ss, ctx: ctx}
		err := handler(srv, ws)
		span.SetAttributes(
			attribute.Int64("rpc.messages_sent", ws.sent.Load()),
			attribute.Int64("rpc.messages_received", ws.recv.Load()),
		)
		finishRPC(m, span, info.FullMethod, began, err)
		return err
	}
}

func startRPC(ctx context.Context, method string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(extractTraceContext(ctx), method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("rpc.system", "grpc")),
	)
}

func finishRPC(m *Metrics, span trace.Span, method string, began time.Time, err error) {
	code := status.Code(err).String()
	span.SetAttributes(attribute.String("rpc.grpc.status_code", code))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if m != nil {
		m.OperationDuration.WithLabelValues(method, code).Observe(time.Since(began).Seconds())
		m.OperationTotal.WithLabelValues(method, code).Inc()
	}
}

// extractTraceContext continues a trace propagated in incoming metadata.
func extractTraceContext(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, mdCarrier(md))
}

// mdCarrier adapts gRPC metadata, whose keys are lower case, to the
// propagation carrier interface.
type mdCarrier metadata.MD

var _ propagation.TextMapCarrier = mdCarrier(nil)

func (c mdCarrier) Get(key string) string {
	if v := metadata.MD(c).Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func (c mdCarrier) Set(key, value string) { metadata.MD(c).Set(key, value) }

func (c mdCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// wrappedStream carries the traced context and counts delivered messages.
type wrappedStream struct {
	grpc.ServerStream
	ctx  context.Context
	sent atomic.Int64
	recv atomic.Int64
}

func (w *wrappedStream) Context() context.Context { return w.ctx }

func (w *wrappedStream) SendMsg(m any) error {
	if err := w.ServerStream.SendMsg(m); err != nil {
		return err
	}
	w.sent.Add(1)
	return nil
}

func (w *wrappedStream) RecvMsg(m any) error {
	if err := w.ServerStream.RecvMsg(m); err != nil {
		return err
	}
	w.recv.Add(1)
	return nil
}

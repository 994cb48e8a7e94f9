package server

import (
	"context"
	"net/netip"

	"github.com/arloliu/go-cas/cas"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of the request spans.
const tracerName = "github.com/arloliu/go-cas/server"

// startSpan starts the span of one tool call. A call that opens an async token keeps the
// span open until the token finishes.
func (s *Server) startSpan(kind asyncKind, name string, peer netip.AddrPort) (context.Context, trace.Span) {
	return s.tracer.Start(context.Background(), "cas."+kind.String(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("cas.pv", name),
			attribute.String("cas.client", peer.String()),
		),
	)
}

// recordStatus attaches the tool status of a completed request to span.
func recordStatus(span trace.Span, st cas.Status) {
	if span == nil {
		return
	}

	span.SetAttributes(attribute.String("cas.status", st.String()))
	if !st.OK() {
		span.SetStatus(codes.Error, st.String())
	}
}

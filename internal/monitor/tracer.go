package monitor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "aindrocode"

// Tracer wraps OpenTelemetry tracing. A nil *Tracer starts no-op spans.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return NewTracerWithProvider(otel.GetTracerProvider())
}

// NewTracerWithProvider creates a Tracer on an explicit provider.
func NewTracerWithProvider(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(tracerName)}
}

var noopTracer = noop.NewTracerProvider().Tracer(tracerName)

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tr := noopTracer
	if t != nil {
		tr = t.tracer
	}
	return tr.Start(ctx, "aindro."+name, trace.WithAttributes(attrs...))
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys.
var (
	AttrExecID     = attribute.Key("aindro.execution.id")
	AttrFixID      = attribute.Key("aindro.fix.id")
	AttrLanguage   = attribute.Key("aindro.language")
	AttrPlatform   = attribute.Key("aindro.sandbox.platform")
	AttrCodeHash   = attribute.Key("aindro.code_hash")
	AttrExitCode   = attribute.Key("aindro.exit_code")
	AttrIteration  = attribute.Key("aindro.fix.iteration")
	AttrProvider   = attribute.Key("aindro.oracle.provider")
	AttrDurationMS = attribute.Key("aindro.duration_ms")
)

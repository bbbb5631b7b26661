// Package observer provides an OTEL-based implementation of
// conductor.Tracer (spec.md's observability ambient concern), grounded on
// the teacher's observer package but trimmed to tracing only — conductord
// ships structured logging via log/slog separately and has no metrics or
// log exporter in its dependency set.
package observer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/arjunvale/conductor"
)

const scopeName = "github.com/arjunvale/conductor/observer"

// Tracer adapts an OTEL trace.Tracer to conductor.Tracer.
type Tracer struct {
	otel trace.Tracer
}

// Init sets up an OTEL trace provider with an OTLP/HTTP exporter and
// returns a Tracer plus a shutdown func that must be called on exit.
// Endpoint configuration comes from standard OTEL_EXPORTER_OTLP_* env vars
// unless overridden by WithEndpoint.
func Init(ctx context.Context, serviceName string, opts ...otlptracehttp.Option) (*Tracer, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Tracer{otel: tp.Tracer(scopeName)}, tp.Shutdown, nil
}

// Start implements conductor.Tracer.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...conductor.SpanAttr) (context.Context, conductor.Span) {
	ctx, span := t.otel.Start(ctx, name, trace.WithAttributes(convertAttrs(attrs)...))
	return ctx, &otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) SetAttr(attrs ...conductor.SpanAttr) {
	s.span.SetAttributes(convertAttrs(attrs)...)
}

func (s *otelSpan) Event(name string, attrs ...conductor.SpanAttr) {
	s.span.AddEvent(name, trace.WithAttributes(convertAttrs(attrs)...))
}

func (s *otelSpan) Error(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() { s.span.End() }

func convertAttrs(attrs []conductor.SpanAttr) []attribute.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			kvs = append(kvs, attribute.String(a.Key, v))
		case int:
			kvs = append(kvs, attribute.Int(a.Key, v))
		case int64:
			kvs = append(kvs, attribute.Int64(a.Key, v))
		case float64:
			kvs = append(kvs, attribute.Float64(a.Key, v))
		case bool:
			kvs = append(kvs, attribute.Bool(a.Key, v))
		default:
			kvs = append(kvs, attribute.String(a.Key, toString(v)))
		}
	}
	return kvs
}

func toString(v any) string {
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return ""
}

var _ conductor.Tracer = (*Tracer)(nil)
var _ conductor.Span = (*otelSpan)(nil)

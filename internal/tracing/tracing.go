// Package tracing sets up OpenTelemetry spans for the calls that leave the
// process: oracle verifications and external searches.
//
// Tracing is off unless an OTLP endpoint is configured. While off, the
// global provider stays the no-op default and Start costs almost nothing.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName identifies spans created by this module.
const InstrumentationName = "github.com/roach88/entityledger"

// DefaultServiceName is reported when Options.ServiceName is empty.
const DefaultServiceName = "entityledger"

// Options configures Init.
type Options struct {
	// Endpoint is the OTLP/HTTP collector, host:port. Empty disables tracing
	// unless Exporter is set.
	Endpoint    string
	Insecure    bool
	ServiceName string

	// Exporter replaces the OTLP exporter. Spans are exported synchronously.
	Exporter sdktrace.SpanExporter
}

// ShutdownFunc flushes pending spans and releases the exporter.
type ShutdownFunc func(context.Context) error

func noop(context.Context) error { return nil }

// Init installs a global tracer provider. The returned ShutdownFunc must be
// called before exit so batched spans reach the collector.
func Init(ctx context.Context, opts Options) (ShutdownFunc, error) {
	if opts.Endpoint == "" && opts.Exporter == nil {
		return noop, nil
	}
	name := opts.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	res := resource.NewSchemaless(attribute.String("service.name", name))

	var export sdktrace.TracerProviderOption
	if opts.Exporter != nil {
		export = sdktrace.WithSyncer(opts.Exporter)
	} else {
		clientOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(opts.Endpoint)}
		if opts.Insecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			return noop, fmt.Errorf("create otlp exporter: %w", err)
		}
		export = sdktrace.WithBatcher(exp)
	}

	tp := sdktrace.NewTracerProvider(export, sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Start opens a span on the global provider.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(InstrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

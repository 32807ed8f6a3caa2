// Package tracing installs the global OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Shutdown flushes pending spans and stops the provider.
type Shutdown func(context.Context) error

// Init exports spans as JSON to w, or os.Stdout when w is nil.
func Init(serviceName, serviceVersion string, w io.Writer) (Shutdown, error) {
	if w == nil {
		w = os.Stdout
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}
	return InitWithExporter(serviceName, serviceVersion, exporter, sdktrace.WithBatcher(exporter))
}

// InitWithExporter registers a provider for exporter. Without extra options spans are exported
// synchronously as they end.
func InitWithExporter(serviceName, serviceVersion string, exporter sdktrace.SpanExporter, opts ...sdktrace.TracerProviderOption) (Shutdown, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	if len(opts) == 0 {
		opts = []sdktrace.TracerProviderOption{sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter))}
	}
	tp := sdktrace.NewTracerProvider(append(opts, sdktrace.WithResource(res))...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Noop is returned when tracing is disabled.
func Noop(context.Context) error { return nil }

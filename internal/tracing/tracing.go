// Package tracing is the dispatcher's OpenTelemetry wiring: a global tracer
// provider exporting over OTLP/HTTP, grounded on
// internal/observability/telemetry.go's Init/Shutdown/Tracer shape, trimmed
// to the span points this domain actually has (sidecar RPC calls) rather
// than the teacher's HTTP-middleware/propagation surface, which has no
// inbound service-to-service call in this system to attach to.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config mirrors config.TracingConfig without importing it, keeping this
// package free of a dependency on the config package.
type Config struct {
	Enabled     bool
	Exporter    string
	Endpoint    string
	ServiceName string
	SampleRate  float64
}

var (
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer = trace.NewNoopTracerProvider().Tracer("")
)

// Init sets the global tracer provider. When cfg.Enabled is false, Init
// installs a no-op tracer and Tracer() calls are free.
func Init(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		tracer = trace.NewNoopTracerProvider().Tracer("")
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return fmt.Errorf("tracing: build resource: %w", err)
	}

	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("tracing: create OTLP exporter: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate < 1.0 && cfg.SampleRate >= 0 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	provider = tp
	tracer = tp.Tracer(cfg.ServiceName)
	return nil
}

// Shutdown flushes and closes the tracer provider, if one was started.
func Shutdown(ctx context.Context) error {
	if provider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return provider.Shutdown(ctx)
}

// Tracer returns the dispatcher's tracer. Safe to call before Init; yields
// spans that are dropped rather than panicking.
func Tracer() trace.Tracer {
	return tracer
}

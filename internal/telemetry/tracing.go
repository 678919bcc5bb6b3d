// Package telemetry sets up the OpenTelemetry tracer provider. Worker task
// spans come from it, and their context travels on published notifications.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Config controls the tracer provider.
type Config struct {
	Enabled     bool
	ServiceName string
	// SampleRatio is the share of root traces sampled, within [0, 1].
	SampleRatio float64
}

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

// InitTracerProvider installs the global tracer provider and the W3C
// propagator. When tracing is disabled only the propagator is installed, so
// incoming trace context still flows through notifications.
func InitTracerProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		return nil, func(context.Context) error { return nil }, nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = "groupmonitor"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(name),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	return tp, tp.Shutdown, nil
}

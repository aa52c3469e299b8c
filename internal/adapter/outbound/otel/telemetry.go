// Package otel wires the router's structured event stream
// step 10, "Event/metric emission") into OpenTelemetry: a tracer span per
// request and a meter mirroring the Prometheus counters the HTTP transport
// already exposes. Grounded on fyrsmithlabs-contextd's internal/telemetry
// package (TracerProvider/MeterProvider lifecycle, graceful degradation on
// setup failure) but simplified to the stdout exporters actually in this
// module's dependency set rather than an OTLP collector.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Telemetry owns the TracerProvider and MeterProvider for one server
// process. A nil *Telemetry (or one built with Traces and Metrics both
// false) is safe to
// use throughout: every accessor falls back to the global no-op provider.
type Telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// Config selects which providers to stand up. Both default to disabled so
// a deployment opts in explicitly
// metrics exporters as an external collaborator; this runtime only emits
// into OTel, it doesn't mandate a backend).
type Config struct {
	ServiceName    string
	ServiceVersion string
	Traces         bool
	Metrics        bool
}

// New builds a Telemetry instance. Exporter construction failures degrade
// to a disabled provider for that signal rather than failing startup,
// mirroring fyrsmithlabs-contextd's "telemetry failures do not crash the
// application" contract.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	t := &Telemetry{}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("otel: build resource: %w", err)
	}

	if cfg.Traces {
		if exp, err := stdouttrace.New(stdouttrace.WithoutTimestamps()); err == nil {
			tp := sdktrace.NewTracerProvider(
				sdktrace.WithBatcher(exp),
				sdktrace.WithResource(res),
			)
			t.tracerProvider = tp
			otel.SetTracerProvider(tp)
		}
	}

	if cfg.Metrics {
		if exp, err := stdoutmetric.New(); err == nil {
			mp := sdkmetric.NewMeterProvider(
				sdkmetric.WithResource(res),
				sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
			)
			t.meterProvider = mp
			otel.SetMeterProvider(mp)
		}
	}

	return t, nil
}

// Tracer returns a tracer for the given instrumentation scope, falling
// back to the global (no-op unless another provider was set) provider.
func (t *Telemetry) Tracer(name string) oteltrace.Tracer {
	if t == nil || t.tracerProvider == nil {
		return otel.GetTracerProvider().Tracer(name)
	}
	return t.tracerProvider.Tracer(name)
}

// Meter returns a meter for the given instrumentation scope.
func (t *Telemetry) Meter(name string) metric.Meter {
	if t == nil || t.meterProvider == nil {
		return otel.GetMeterProvider().Meter(name)
	}
	return t.meterProvider.Meter(name)
}

// Shutdown flushes and stops every provider this instance started.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var firstErr error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = fmt.Errorf("otel: shutdown tracer provider: %w", err)
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("otel: shutdown meter provider: %w", err)
		}
	}
	return firstErr
}

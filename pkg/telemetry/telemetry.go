// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry installs the global OpenTelemetry providers.
//
// Beacon cache spans and counters, and relay route spans, go through
// otel.Tracer and otel.Meter; Init decides where they end up. The
// prometheus metric exporter registers with the default prometheus
// registry, so the relay's /metrics route serves otel instruments next
// to its own collectors.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Version is reported as service.version.
const Version = "0.1.0"

// ExporterNone disables a signal.
const ExporterNone = "none"

var (
	ErrNilContext      = errors.New("telemetry: nil context")
	ErrUnknownExporter = errors.New("telemetry: unknown exporter")
)

// Config selects exporters for one process.
type Config struct {
	ServiceName string
	Environment string

	// TraceExporter is one of TraceExporters(). Empty means none.
	TraceExporter string

	// MetricExporter is one of MetricExporters(). Empty means none.
	MetricExporter string

	// OTLPEndpoint is the gRPC receiver used by the otlp trace exporter.
	OTLPEndpoint string
	OTLPInsecure bool
}

// DefaultConfig exports nothing.
func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName:    serviceName,
		Environment:    "development",
		TraceExporter:  ExporterNone,
		MetricExporter: ExporterNone,
		OTLPEndpoint:   "localhost:4317",
		OTLPInsecure:   true,
	}
}

type spanExporterFunc func(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error)

type metricReaderFunc func(cfg Config) (sdkmetric.Reader, error)

var spanExporters = map[string]spanExporterFunc{
	"otlp": func(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	},
	"stdout": func(context.Context, Config) (sdktrace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	},
}

var metricReaders = map[string]metricReaderFunc{
	"prometheus": func(Config) (sdkmetric.Reader, error) {
		return promexporter.New()
	},
	"stdout": func(Config) (sdkmetric.Reader, error) {
		exp, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		return sdkmetric.NewPeriodicReader(exp), nil
	},
}

// TraceExporters lists the accepted TraceExporter names.
func TraceExporters() []string { return exporterNames(spanExporters) }

// MetricExporters lists the accepted MetricExporter names.
func MetricExporters() []string { return exporterNames(metricReaders) }

func exporterNames[F any](m map[string]F) []string {
	return append(slices.Sorted(maps.Keys(m)), ExporterNone)
}

// Shutdown flushes and stops whatever Init installed.
type Shutdown func(context.Context) error

// Init installs the global TracerProvider, MeterProvider and the W3C
// trace-context propagator.
//
// Description:
//
//	Builds the providers cfg selects and registers them with otel. A
//	disabled signal keeps the otel no-op provider. When a later step
//	fails, anything already installed is shut down before returning.
//
// Inputs:
//
//	ctx - Context for exporter connections.
//	cfg - Exporter selection.
//
// Outputs:
//
//	Shutdown - Always non-nil on success. Must be called before exit.
//	error - ErrNilContext, ErrUnknownExporter or an exporter error.
//
// Thread Safety: Call once at process start-up.
func Init(ctx context.Context, cfg Config) (Shutdown, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	res := resource.NewWithAttributes("",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", Version),
		attribute.String("deployment.environment", cfg.Environment),
	)

	var stops []Shutdown
	shutdown := func(ctx context.Context) error {
		var errs []error
		for _, stop := range slices.Backward(stops) {
			errs = append(errs, stop(ctx))
		}
		return errors.Join(errs...)
	}

	if on(cfg.TraceExporter) {
		build, ok := spanExporters[cfg.TraceExporter]
		if !ok {
			return nil, fmt.Errorf("%w: trace %q", ErrUnknownExporter, cfg.TraceExporter)
		}
		exp, err := build(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("trace exporter %s: %w", cfg.TraceExporter, err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		)
		otel.SetTracerProvider(tp)
		stops = append(stops, tp.Shutdown)
	}

	if on(cfg.MetricExporter) {
		build, ok := metricReaders[cfg.MetricExporter]
		if !ok {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("%w: metric %q", ErrUnknownExporter, cfg.MetricExporter)
		}
		reader, err := build(cfg)
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("metric exporter %s: %w", cfg.MetricExporter, err)
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
		otel.SetMeterProvider(mp)
		stops = append(stops, mp.Shutdown)
	}

	return shutdown, nil
}

func on(exporter string) bool {
	return exporter != "" && exporter != ExporterNone
}

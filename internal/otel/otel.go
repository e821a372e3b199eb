// Package otel wires the OpenTelemetry SDK for the runnerfleet daemon.
package otel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"

	"github.com/terrpan/runnerfleet/internal/buildinfo"
)

// Config holds OpenTelemetry configuration.
type Config struct {
	// Enabled turns on OTLP push for traces and metrics.
	Enabled bool

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string

	// Insecure enables plain HTTP for OTLP export.
	Insecure bool

	// SampleRatio is the fraction of root spans recorded.  Zero means 1.
	SampleRatio float64

	// StdOut, when non-nil, also writes traces and metrics there.
	StdOut io.Writer

	// Registry, when non-nil, receives the fleet's metrics for the
	// /metrics scrape endpoint.  The caller serves it with promhttp.
	Registry *prometheus.Registry

	// Interval is the push interval for periodic metric readers.
	// Default: 10s
	Interval time.Duration
}

// Setup installs global tracer and meter providers for serviceName and
// returns a shutdown function that flushes and stops them.  With nothing
// enabled the globals stay no-op and shutdown does nothing.
func Setup(ctx context.Context, serviceName string, cfg Config) (shutdown func(context.Context) error, err error) {
	var shutdownFuncs []func(context.Context) error

	shutdown = func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	handleErr := func(inErr error) {
		err = errors.Join(inErr, shutdown(ctx))
	}

	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(buildinfo.Version),
		),
	)
	if err != nil {
		handleErr(err)
		return
	}

	if cfg.Enabled || cfg.StdOut != nil {
		tracerProvider, tErr := newTraceProvider(ctx, res, cfg)
		if tErr != nil {
			handleErr(tErr)
			return
		}
		shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
		otel.SetTracerProvider(tracerProvider)
	}

	if cfg.Enabled || cfg.StdOut != nil || cfg.Registry != nil {
		meterProvider, mErr := newMeterProvider(ctx, res, cfg)
		if mErr != nil {
			handleErr(mErr)
			return
		}
		shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
		otel.SetMeterProvider(meterProvider)
	}

	return
}

func newTraceProvider(ctx context.Context, res *resource.Resource, cfg Config) (*trace.TracerProvider, error) {
	var exporters []trace.SpanExporter

	if cfg.Enabled {
		opts := []otlptracehttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating otlp trace exporter: %w", err)
		}
		exporters = append(exporters, exp)
	}

	if cfg.StdOut != nil {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(cfg.StdOut))
		if err != nil {
			return nil, fmt.Errorf("creating stdout trace exporter: %w", err)
		}
		exporters = append(exporters, exp)
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 {
		ratio = 1
	}
	providerOpts := []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(ratio))),
	}
	for _, exp := range exporters {
		providerOpts = append(providerOpts, trace.WithBatcher(exp, trace.WithBatchTimeout(time.Second)))
	}
	return trace.NewTracerProvider(providerOpts...), nil
}

func newMeterProvider(ctx context.Context, res *resource.Resource, cfg Config) (*metric.MeterProvider, error) {
	var readers []metric.Reader

	if cfg.Enabled {
		opts := []otlpmetrichttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exp, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating otlp metric exporter: %w", err)
		}
		readers = append(readers, metric.NewPeriodicReader(exp, metric.WithInterval(cfg.Interval)))
	}

	if cfg.StdOut != nil {
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.StdOut))
		if err != nil {
			return nil, fmt.Errorf("creating stdout metric exporter: %w", err)
		}
		readers = append(readers, metric.NewPeriodicReader(exp, metric.WithInterval(cfg.Interval)))
	}

	if cfg.Registry != nil {
		exp, err := promexporter.New(promexporter.WithRegisterer(cfg.Registry))
		if err != nil {
			return nil, fmt.Errorf("creating prometheus exporter: %w", err)
		}
		readers = append(readers, exp)
	}

	providerOpts := []metric.Option{metric.WithResource(res)}
	for _, r := range readers {
		providerOpts = append(providerOpts, metric.WithReader(r))
	}
	return metric.NewMeterProvider(providerOpts...), nil
}

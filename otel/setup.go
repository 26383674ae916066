package otel

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/petal-labs/reelflow"

// Config configures telemetry export. An empty Endpoint disables export.
type Config struct {
	ServiceName    string
	Endpoint       string
	Headers        map[string]string
	ExportInterval time.Duration
}

// Telemetry holds the meter and tracer handed to pipeline components.
type Telemetry struct {
	Meter  metric.Meter
	Tracer trace.Tracer

	shutdown []func(context.Context) error
}

// Enabled reports whether spans and metrics are exported.
func (t *Telemetry) Enabled() bool {
	return len(t.shutdown) > 0
}

// Shutdown flushes and stops the exporters.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Setup builds OTLP/HTTP trace and metric exporters. Without an endpoint it
// returns no-op instruments.
func Setup(ctx context.Context, cfg Config) (*Telemetry, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return &Telemetry{
			Meter:  metricnoop.NewMeterProvider().Meter(instrumentationName),
			Tracer: tracenoop.NewTracerProvider().Tracer(instrumentationName),
		}, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "reelflow"
	}
	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = 30 * time.Second
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return nil, err
	}

	// Accept "collector:4318" as well as full URLs.
	endpoint := cfg.Endpoint
	insecure := true
	if strings.HasPrefix(endpoint, "https://") {
		endpoint = strings.TrimPrefix(endpoint, "https://")
		insecure = false
	} else {
		endpoint = strings.TrimPrefix(endpoint, "http://")
	}

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		traceOpts = append(traceOpts, otlptracehttp.WithHeaders(cfg.Headers))
		metricOpts = append(metricOpts, otlpmetrichttp.WithHeaders(cfg.Headers))
	}

	traceExporter, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, err
	}
	metricExporter, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, err
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(cfg.ExportInterval))),
	)

	return &Telemetry{
		Meter:    meterProvider.Meter(instrumentationName),
		Tracer:   tracerProvider.Tracer(instrumentationName),
		shutdown: []func(context.Context) error{meterProvider.Shutdown, tracerProvider.Shutdown},
	}, nil
}

// ParseHeaders parses "k1=v1,k2=v2" into a header map, skipping malformed pairs.
func ParseHeaders(raw string) map[string]string {
	result := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key != "" && value != "" {
			result[key] = value
		}
	}
	return result
}

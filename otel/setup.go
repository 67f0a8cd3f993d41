package otel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/petal-labs/mcpcheck"

// Config selects where telemetry goes.
type Config struct {
	ServiceName string
	// OTLPEndpoint is an OTLP/HTTP traces URL; empty disables span export.
	OTLPEndpoint string
}

// Telemetry owns the tracer and meter providers for one process. Metrics
// are collected in-process and summarized on demand.
type Telemetry struct {
	tracerProvider trace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	reader         *sdkmetric.ManualReader
	shutdown       []func(context.Context) error
}

// Setup builds the providers. Tracing is a no-op unless an endpoint is set.
func Setup(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "mcpcheck"
	}
	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))

	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	t := &Telemetry{
		tracerProvider: noop.NewTracerProvider(),
		meterProvider:  meterProvider,
		reader:         reader,
		shutdown:       []func(context.Context) error{meterProvider.Shutdown},
	}

	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
		if err != nil {
			_ = meterProvider.Shutdown(ctx)
			return nil, fmt.Errorf("otel: create otlp exporter: %w", err)
		}
		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		t.tracerProvider = tracerProvider
		t.shutdown = append(t.shutdown, tracerProvider.Shutdown)
	}
	return t, nil
}

// Tracer returns the harness tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracerProvider.Tracer(instrumentationName)
}

// Meter returns the harness meter.
func (t *Telemetry) Meter() metric.Meter {
	return t.meterProvider.Meter(instrumentationName)
}

// Summary returns the current value of every counter and the observation
// count of every histogram, keyed by instrument name.
func (t *Telemetry) Summary(ctx context.Context) (map[string]float64, error) {
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("otel: collect metrics: %w", err)
	}
	out := make(map[string]float64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, point := range data.DataPoints {
					out[m.Name] += float64(point.Value)
				}
			case metricdata.Gauge[int64]:
				for _, point := range data.DataPoints {
					out[m.Name] = float64(point.Value)
				}
			case metricdata.Histogram[float64]:
				for _, point := range data.DataPoints {
					out[m.Name] += float64(point.Count)
				}
			}
		}
	}
	return out, nil
}

// LogSummary writes the metric summary at debug level.
func (t *Telemetry) LogSummary(ctx context.Context, logger *slog.Logger) {
	summary, err := t.Summary(ctx)
	if err != nil {
		logger.Warn("telemetry summary unavailable", "error", err)
		return
	}
	attrs := make([]any, 0, len(summary)*2)
	for name, value := range summary {
		attrs = append(attrs, name, value)
	}
	logger.Debug("telemetry summary", attrs...)
}

// Shutdown flushes and stops every provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/mcpcheck/transport"
)

// ProbeObserver records health and tool registry probes.
type ProbeObserver struct {
	tracer trace.Tracer

	checks  metric.Int64Counter
	latency metric.Float64Histogram
	tools   metric.Int64Gauge
}

// NewProbeObserver creates a probe observer bound to the provided meter/tracer.
func NewProbeObserver(meter metric.Meter, tracer trace.Tracer) (*ProbeObserver, error) {
	checks, err := meter.Int64Counter(
		"mcpcheck.probe.checks",
		metric.WithDescription("Number of server probes"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"mcpcheck.probe.latency",
		metric.WithDescription("Probe latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	tools, err := meter.Int64Gauge(
		"mcpcheck.tools.registered",
		metric.WithDescription("Number of tools the server registers"),
	)
	if err != nil {
		return nil, err
	}

	return &ProbeObserver{
		tracer:  tracer,
		checks:  checks,
		latency: latency,
		tools:   tools,
	}, nil
}

// ObserveHealth records one health probe.
func (o *ProbeObserver) ObserveHealth(transportName string, probe transport.ProbeResult) {
	if o == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("probe", "health"),
		attribute.String("transport", transportName),
		attribute.Bool("success", probe.OK),
	}
	o.record("probe.health", attrs, probe.Latency.Seconds(), probe.Err)
}

// ObserveTools records one tool registry probe.
func (o *ProbeObserver) ObserveTools(transportName string, listing transport.ToolListing) {
	if o == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("probe", "tools"),
		attribute.String("transport", transportName),
		attribute.Bool("success", listing.Err == nil),
	}
	if count := listing.Count(); count != nil {
		o.tools.Record(context.Background(), int64(*count), metric.WithAttributes(
			attribute.String("transport", transportName),
		))
	}
	o.record("probe.tools", attrs, listing.Latency.Seconds(), listing.Err)
}

func (o *ProbeObserver) record(spanName string, attrs []attribute.KeyValue, seconds float64, err error) {
	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.checks.Add(ctx, 1, options)
	o.latency.Record(ctx, seconds, options)

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

package otel_test

import (
	"context"
	"errors"
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/petal-labs/mcpcheck/envelope"
	mcpotel "github.com/petal-labs/mcpcheck/otel"
	"github.com/petal-labs/mcpcheck/runner"
	"github.com/petal-labs/mcpcheck/transport"
)

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

// newTestMeter returns a meter backed by a manual reader.
func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func sumValue(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s data = %T, want Sum[int64]", m.Name, m.Data)
	}
	var total int64
	for _, point := range sum.DataPoints {
		total += point.Value
	}
	return total
}

func runEvents(now time.Time) []runner.Event {
	okCase := runner.NewCase("search", "search_web", nil)
	badCase := runner.NewCase("scrape", "scrape_url", nil)
	okResult := runner.Result{
		Case:     okCase,
		State:    runner.StateCompleted,
		Envelope: envelope.Envelope{Status: envelope.StatusOK, HTTPStatus: envelope.Int(200), Latency: 120 * time.Millisecond},
		Passed:   true,
	}
	badResult := runner.Result{
		Case:     badCase,
		State:    runner.StateTimedOut,
		Envelope: envelope.Failed(envelope.StatusTimeout, errors.New("deadline exceeded"), time.Second),
	}
	event := func(kind runner.EventKind, index int, c runner.Case, at time.Time) runner.Event {
		return runner.Event{
			Kind:      kind,
			RunID:     "run-1",
			Time:      at,
			Transport: "http",
			Endpoint:  "http://localhost:5001",
			Index:     index,
			Case:      c,
		}
	}

	runStarted := event(runner.EventRunStarted, -1, runner.Case{}, now)
	runStarted.Total = 2

	okFinished := event(runner.EventCaseFinished, 0, okCase, now.Add(120*time.Millisecond))
	okFinished.State = okResult.State
	okFinished.Result = &okResult

	badFinished := event(runner.EventCaseFinished, 1, badCase, now.Add(time.Second))
	badFinished.State = badResult.State
	badFinished.Result = &badResult

	runFinished := event(runner.EventRunFinished, -1, runner.Case{}, now.Add(time.Second))
	runFinished.Total = 2
	runFinished.Failed = 1
	runFinished.Elapsed = time.Second

	return []runner.Event{
		runStarted,
		event(runner.EventCaseStarted, 0, okCase, now),
		okFinished,
		event(runner.EventCaseStarted, 1, badCase, now),
		badFinished,
		runFinished,
	}
}

func TestTracingHandlerCreatesRunAndCaseSpans(t *testing.T) {
	exporter, tp := newTestTracer()
	h := mcpotel.NewTracingHandler(tp.Tracer("test"))

	events := runEvents(time.Now())
	for i, e := range events {
		h.Handle(e)
		if i == 0 && !h.ActiveRunSpanContext("run-1").IsValid() {
			t.Fatal("expected valid run span context after run.started")
		}
	}

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("spans = %d, want 3", len(spans))
	}
	byName := map[string]tracetest.SpanStub{}
	for _, span := range spans {
		byName[span.Name] = span
	}

	okSpan, ok := byName["case:search"]
	if !ok || okSpan.Status.Code != otelcodes.Ok {
		t.Fatalf("case:search = %+v", okSpan.Status)
	}
	badSpan, ok := byName["case:scrape"]
	if !ok || badSpan.Status.Code != otelcodes.Error {
		t.Fatalf("case:scrape = %+v", badSpan.Status)
	}
	if len(badSpan.Events) == 0 {
		t.Fatal("expected recorded error event on failed case span")
	}
	runSpan, ok := byName["run:http"]
	if !ok || runSpan.Status.Code != otelcodes.Error {
		t.Fatalf("run:http = %+v", runSpan.Status)
	}
	if okSpan.Parent.SpanID() != runSpan.SpanContext.SpanID() {
		t.Fatal("case span must be a child of the run span")
	}
	if h.ActiveRunSpanContext("run-1").IsValid() {
		t.Fatal("run span should be released after run.finished")
	}
}

func TestTracingHandlerIgnoresUnknownCase(t *testing.T) {
	exporter, tp := newTestTracer()
	h := mcpotel.NewTracingHandler(tp.Tracer("test"))
	h.Handle(runner.Event{Kind: runner.EventCaseFinished, RunID: "missing", Index: 3})
	if len(exporter.GetSpans()) != 0 {
		t.Fatal("no span should be recorded for an unknown case")
	}
}

func TestEnrichHandlerAddsTraceContext(t *testing.T) {
	_, tp := newTestTracer()
	tracing := mcpotel.NewTracingHandler(tp.Tracer("test"))

	var seen []runner.Event
	handler := runner.MultiEventHandler(
		tracing.Handle,
		mcpotel.EnrichHandler(func(e runner.Event) { seen = append(seen, e) }, tracing),
	)
	events := runEvents(time.Now())
	handler(events[0])
	handler(events[1])

	if len(seen) != 2 {
		t.Fatalf("seen = %d", len(seen))
	}
	if seen[0].TraceID == "" || seen[1].SpanID == "" {
		t.Fatalf("events not enriched: %+v / %+v", seen[0], seen[1])
	}
	if seen[0].TraceID != seen[1].TraceID {
		t.Fatal("case span must share the run trace")
	}
	if seen[0].SpanID == seen[1].SpanID {
		t.Fatal("case event must carry the case span id")
	}
}

func TestEnrichHandlerPassesThroughWithoutSpans(t *testing.T) {
	tracing := mcpotel.NewTracingHandler(noop.NewTracerProvider().Tracer("test"))
	var got runner.Event
	mcpotel.EnrichHandler(func(e runner.Event) { got = e }, tracing)(runner.Event{RunID: "r", Index: -1})
	if got.TraceID != "" || got.RunID != "r" {
		t.Fatalf("event = %+v", got)
	}
}

func TestMetricsHandlerRecordsCases(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := mcpotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}
	for _, e := range runEvents(time.Now()) {
		h.Handle(e)
	}

	rm := collectMetrics(t, reader)
	executions := findMetric(rm, "mcpcheck.case.executions")
	if executions == nil || sumValue(t, executions) != 2 {
		t.Fatalf("executions = %+v", executions)
	}
	failures := findMetric(rm, "mcpcheck.case.failures")
	if failures == nil || sumValue(t, failures) != 1 {
		t.Fatalf("failures = %+v", failures)
	}
	latency := findMetric(rm, "mcpcheck.case.latency")
	if latency == nil {
		t.Fatal("expected mcpcheck.case.latency")
	}
	if hist, ok := latency.Data.(metricdata.Histogram[float64]); !ok || len(hist.DataPoints) != 2 {
		t.Fatalf("latency data = %+v", latency.Data)
	}
	if findMetric(rm, "mcpcheck.run.duration") == nil {
		t.Fatal("expected mcpcheck.run.duration")
	}
}

func TestProbeObserverRecordsMetrics(t *testing.T) {
	reader, mp := newTestMeter()
	exporter, tp := newTestTracer()
	observer, err := mcpotel.NewProbeObserver(mp.Meter("test"), tp.Tracer("test"))
	if err != nil {
		t.Fatalf("NewProbeObserver() error = %v", err)
	}

	observer.ObserveHealth("http", transport.ProbeResult{OK: false, Err: errors.New("connection refused"), Latency: 5 * time.Millisecond})
	observer.ObserveTools("http", transport.ToolListing{Names: []string{"a", "b", "c"}, Latency: time.Millisecond})

	rm := collectMetrics(t, reader)
	checks := findMetric(rm, "mcpcheck.probe.checks")
	if checks == nil || sumValue(t, checks) != 2 {
		t.Fatalf("checks = %+v", checks)
	}
	registered := findMetric(rm, "mcpcheck.tools.registered")
	if registered == nil {
		t.Fatal("expected mcpcheck.tools.registered")
	}
	gauge, ok := registered.Data.(metricdata.Gauge[int64])
	if !ok || len(gauge.DataPoints) != 1 || gauge.DataPoints[0].Value != 3 {
		t.Fatalf("registered = %+v", registered.Data)
	}

	spans := exporter.GetSpans()
	if len(spans) != 2 || spans[0].Status.Code != otelcodes.Error || spans[1].Status.Code != otelcodes.Ok {
		t.Fatalf("spans = %+v", spans)
	}
}

func TestNilProbeObserverIsSafe(t *testing.T) {
	var observer *mcpotel.ProbeObserver
	observer.ObserveHealth("http", transport.ProbeResult{})
	observer.ObserveTools("http", transport.ToolListing{})
}

func TestSetupSummarizesMetrics(t *testing.T) {
	telemetry, err := mcpotel.Setup(context.Background(), mcpotel.Config{})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer telemetry.Shutdown(context.Background())

	h, err := mcpotel.NewMetricsHandler(telemetry.Meter())
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}
	for _, e := range runEvents(time.Now()) {
		h.Handle(e)
	}

	summary, err := telemetry.Summary(context.Background())
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if summary["mcpcheck.case.executions"] != 2 || summary["mcpcheck.case.failures"] != 1 {
		t.Fatalf("summary = %v", summary)
	}
	if summary["mcpcheck.case.latency"] != 2 {
		t.Fatalf("latency observations = %v", summary["mcpcheck.case.latency"])
	}
}

func TestSetupWithEndpointUsesSDKTracer(t *testing.T) {
	telemetry, err := mcpotel.Setup(context.Background(), mcpotel.Config{OTLPEndpoint: "http://127.0.0.1:4318/v1/traces"})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	_, span := telemetry.Tracer().Start(context.Background(), "probe")
	if !span.SpanContext().IsValid() {
		t.Fatal("expected a recording tracer when an endpoint is configured")
	}
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = telemetry.Shutdown(ctx)
}

package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/mcpcheck/runner"
)

// MetricsHandler translates runner events into OpenTelemetry metrics.
type MetricsHandler struct {
	caseExecutions metric.Int64Counter
	caseFailures   metric.Int64Counter
	caseLatency    metric.Float64Histogram
	runDuration    metric.Float64Histogram
}

// NewMetricsHandler creates the instruments on meter.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	caseExec, err := meter.Int64Counter("mcpcheck.case.executions",
		metric.WithDescription("Number of validation cases executed"),
	)
	if err != nil {
		return nil, err
	}

	caseFail, err := meter.Int64Counter("mcpcheck.case.failures",
		metric.WithDescription("Number of validation cases that did not pass"),
	)
	if err != nil {
		return nil, err
	}

	caseLat, err := meter.Float64Histogram("mcpcheck.case.latency",
		metric.WithDescription("Tool invocation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("mcpcheck.run.duration",
		metric.WithDescription("Duration of a validation run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		caseExecutions: caseExec,
		caseFailures:   caseFail,
		caseLatency:    caseLat,
		runDuration:    runDur,
	}, nil
}

// Handle records metrics for finish events.
func (h *MetricsHandler) Handle(e runner.Event) {
	switch e.Kind {
	case runner.EventCaseFinished:
		h.handleCaseFinished(e)
	case runner.EventRunFinished:
		h.handleRunFinished(e)
	}
}

func (h *MetricsHandler) handleCaseFinished(e runner.Event) {
	if e.Result == nil {
		return
	}
	ctx := context.Background()
	env := e.Result.Envelope
	attrs := metric.WithAttributes(
		attribute.String("tool", e.Case.Invocation.Name),
		attribute.String("transport", e.Transport),
		attribute.String("status", string(env.Status)),
		attribute.String("state", string(e.State)),
	)
	h.caseExecutions.Add(ctx, 1, attrs)
	h.caseLatency.Record(ctx, env.Latency.Seconds(), attrs)
	if !e.Result.Passed {
		h.caseFailures.Add(ctx, 1, attrs)
	}
}

func (h *MetricsHandler) handleRunFinished(e runner.Event) {
	verdict := "pass"
	if e.Failed > 0 {
		verdict = "fail"
	}
	h.runDuration.Record(context.Background(), e.Elapsed.Seconds(), metric.WithAttributes(
		attribute.String("transport", e.Transport),
		attribute.String("verdict", verdict),
	))
}

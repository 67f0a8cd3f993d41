// Package otel provides OpenTelemetry integration for validation runs:
// spans per run and per case, metrics for case outcomes and probes, and the
// provider setup used by the CLI.
package otel

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/mcpcheck/runner"
)

// TracingHandler translates runner events into OpenTelemetry spans. It keeps
// the active run and case spans, starting and ending them by event kind.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	runSpans  map[string]trace.Span      // runID -> span
	runCtxs   map[string]context.Context // runID -> context (for child spans)
	caseSpans map[string]trace.Span      // runID:index -> span
}

// NewTracingHandler creates a TracingHandler that uses the given tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		runSpans:  make(map[string]trace.Span),
		runCtxs:   make(map[string]context.Context),
		caseSpans: make(map[string]trace.Span),
	}
}

// Handle processes a runner event. It is safe for concurrent use.
func (h *TracingHandler) Handle(e runner.Event) {
	switch e.Kind {
	case runner.EventRunStarted:
		h.handleRunStarted(e)
	case runner.EventCaseStarted:
		h.handleCaseStarted(e)
	case runner.EventCaseFinished:
		h.handleCaseFinished(e)
	case runner.EventRunFinished:
		h.handleRunFinished(e)
	}
}

func (h *TracingHandler) handleRunStarted(e runner.Event) {
	ctx, span := h.tracer.Start(context.Background(), "run:"+e.Transport,
		trace.WithAttributes(
			attribute.String("mcpcheck.run_id", e.RunID),
			attribute.String("mcpcheck.transport", e.Transport),
			attribute.String("mcpcheck.endpoint", e.Endpoint),
			attribute.Int("mcpcheck.cases", e.Total),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) handleCaseStarted(e runner.Event) {
	h.mu.RLock()
	parentCtx, ok := h.runCtxs[e.RunID]
	h.mu.RUnlock()

	if !ok {
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "case:"+e.Case.Name,
		trace.WithAttributes(
			attribute.String("mcpcheck.run_id", e.RunID),
			attribute.String("mcpcheck.case", e.Case.Name),
			attribute.String("mcpcheck.tool", e.Case.Invocation.Name),
			attribute.Int("mcpcheck.case_index", e.Index),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.caseSpans[caseKey(e.RunID, e.Index)] = span
	h.mu.Unlock()
}

func (h *TracingHandler) handleCaseFinished(e runner.Event) {
	key := caseKey(e.RunID, e.Index)

	h.mu.Lock()
	span, ok := h.caseSpans[key]
	if ok {
		delete(h.caseSpans, key)
	}
	h.mu.Unlock()

	if !ok || e.Result == nil {
		return
	}

	env := e.Result.Envelope
	attrs := []attribute.KeyValue{
		attribute.String("mcpcheck.status", string(env.Status)),
		attribute.String("mcpcheck.state", string(e.State)),
		attribute.Bool("mcpcheck.passed", e.Result.Passed),
		attribute.Float64("mcpcheck.latency_sec", env.Latency.Seconds()),
	}
	if env.HTTPStatus != nil {
		attrs = append(attrs, attribute.Int("http.response.status_code", *env.HTTPStatus))
	}
	if env.IsError != nil {
		attrs = append(attrs, attribute.Bool("mcpcheck.is_error", *env.IsError))
	}
	span.SetAttributes(attrs...)

	if e.Result.Passed {
		span.SetStatus(codes.Ok, "")
	} else {
		message := string(env.Status)
		if env.Err != nil {
			span.RecordError(env.Err, trace.WithTimestamp(e.Time))
			message = env.Err.Error()
		} else if env.IsError != nil && *env.IsError {
			message = "tool reported is_error"
		}
		span.SetStatus(codes.Error, message)
	}
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) handleRunFinished(e runner.Event) {
	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	if ok {
		delete(h.runSpans, e.RunID)
		delete(h.runCtxs, e.RunID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	span.SetAttributes(
		attribute.String("mcpcheck.duration", e.Elapsed.String()),
		attribute.Int("mcpcheck.failed", e.Failed),
	)
	if e.Failed > 0 {
		span.SetStatus(codes.Error, strconv.Itoa(e.Failed)+" case(s) failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveCaseSpanContext returns the span context of a running case, or an
// empty SpanContext if none is active.
func (h *TracingHandler) ActiveCaseSpanContext(runID string, index int) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.caseSpans[caseKey(runID, index)]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveRunSpanContext returns the span context of a running run, or an
// empty SpanContext if none is active.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func caseKey(runID string, index int) string {
	return runID + ":" + strconv.Itoa(index)
}

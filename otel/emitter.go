package otel

import (
	"github.com/petal-labs/mcpcheck/runner"
)

// EnrichHandler wraps an EventHandler so events carry the active trace
// context. Case events use the case span first and fall back to the run
// span. Events pass through unchanged when no span is active.
//
// Register the TracingHandler ahead of the enriched handler so case spans
// exist by the time case.started reaches it.
func EnrichHandler(next runner.EventHandler, tracing *TracingHandler) runner.EventHandler {
	return func(e runner.Event) {
		if e.Index >= 0 {
			sc := tracing.ActiveCaseSpanContext(e.RunID, e.Index)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		if e.TraceID == "" && e.RunID != "" {
			sc := tracing.ActiveRunSpanContext(e.RunID)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		next(e)
	}
}

package cli

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/petal-labs/mcpcheck/envelope"
	"github.com/petal-labs/mcpcheck/report"
	"github.com/petal-labs/mcpcheck/runner"
)

// consolePrinter writes one line per finished case. It is safe for
// concurrent use by parallel cases.
type consolePrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func newConsolePrinter(out io.Writer) *consolePrinter {
	return &consolePrinter{out: out}
}

// Handle implements runner.EventHandler.
func (p *consolePrinter) Handle(e runner.Event) {
	if e.Kind != runner.EventCaseFinished || e.Result == nil {
		return
	}
	env := e.Result.Envelope
	mark := "✅"
	if !e.Result.Passed {
		mark = "❌"
	}
	preview := env.Preview
	if text := env.ErrorText(); text != nil && preview == "" {
		preview = *text
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.out, "%s %s [%s] %.3fs %s\n",
		mark,
		e.Case.Name,
		env.Status,
		report.LatencySeconds(env.Latency),
		envelope.ConsolePreview(preview),
	)
}

// Summary prints the verdict line and where the artifact went.
func (p *consolePrinter) Summary(artifact report.Artifact, path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !artifact.Health.OK {
		reason := "unknown error"
		if artifact.Health.Error != nil {
			reason = *artifact.Health.Error
		}
		_, _ = fmt.Fprintf(p.out, "❌ health probe failed: %s\n", envelope.ConsolePreview(reason))
	}
	if artifact.Tools.ToolCount != nil {
		_, _ = fmt.Fprintf(p.out, "tools registered: %d\n", *artifact.Tools.ToolCount)
	}
	_, _ = fmt.Fprintf(p.out, "%s: %d/%d cases failed\n", artifact.Verdict, artifact.Failed, len(artifact.Cases))
	if path != "" {
		_, _ = fmt.Fprintf(p.out, "report: %s\n", path)
	}
}

// logEvents logs lifecycle events at debug level with their trace ids.
func logEvents(logger *slog.Logger) runner.EventHandler {
	return func(e runner.Event) {
		attrs := []any{"run_id", e.RunID}
		if e.Index >= 0 {
			attrs = append(attrs, "case", e.Case.Name, "index", e.Index)
		}
		if e.State != "" {
			attrs = append(attrs, "state", e.State)
		}
		if e.Elapsed > 0 {
			attrs = append(attrs, "elapsed", e.Elapsed)
		}
		if e.TraceID != "" {
			attrs = append(attrs, "trace_id", e.TraceID, "span_id", e.SpanID)
		}
		logger.Debug(e.Kind.String(), attrs...)
	}
}

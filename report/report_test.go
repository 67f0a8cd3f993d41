package report

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/mcpcheck/envelope"
	"github.com/petal-labs/mcpcheck/runner"
	"github.com/petal-labs/mcpcheck/transport"
)

type stubTransport struct {
	healthy bool
	replies map[string]envelope.Envelope
}

func (s *stubTransport) Name() string { return "stub" }

func (s *stubTransport) Endpoint() string { return "stub://server" }

func (s *stubTransport) Open(ctx context.Context) (transport.Session, error) {
	return &stubSession{replies: s.replies}, nil
}

func (s *stubTransport) Health(ctx context.Context, timeout time.Duration) transport.ProbeResult {
	if !s.healthy {
		return transport.ProbeResult{Err: errors.New("connection refused"), Latency: time.Millisecond}
	}
	return transport.ProbeResult{OK: true, HTTPStatus: envelope.Int(200), Body: `{"status":"ok"}`}
}

type stubSession struct {
	replies map[string]envelope.Envelope
}

func (s *stubSession) Call(ctx context.Context, inv envelope.Invocation, timeout time.Duration) envelope.Envelope {
	return s.replies[inv.Name]
}

func (s *stubSession) ListTools(ctx context.Context, timeout time.Duration) transport.ToolListing {
	return transport.ToolListing{Names: []string{"search_web", "scrape_url"}}
}

func (s *stubSession) Close(ctx context.Context) error { return nil }

var fixedNow = func() time.Time { return time.Date(2026, 2, 12, 9, 30, 5, 0, time.UTC) }

func newAggregator(t *testing.T, tr transport.Transport, requireHealth bool) *Aggregator {
	t.Helper()
	r, err := runner.New(runner.Config{Transport: tr, RunID: "run-test", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("runner.New() error = %v", err)
	}
	a, err := NewAggregator(Config{Transport: tr, Runner: r, RequireHealth: requireHealth, Now: fixedNow})
	if err != nil {
		t.Fatalf("NewAggregator() error = %v", err)
	}
	return a
}

func scenarioCases() []runner.Case {
	return []runner.Case{
		runner.NewCase("first", "search_web", map[string]any{"query": "a"}),
		runner.NewCase("second", "scrape_url", map[string]any{"url": "https://example.com"}),
		runner.NewCase("third", "proxy_manager", map[string]any{"action": "status"}),
	}
}

func TestCollectOneToolErrorFailsRun(t *testing.T) {
	stub := &stubTransport{healthy: true, replies: map[string]envelope.Envelope{
		"search_web":    {Status: envelope.StatusOK, IsError: envelope.Bool(false), Preview: "ok"},
		"scrape_url":    {Status: envelope.StatusOK, IsError: envelope.Bool(true), Preview: "blocked"},
		"proxy_manager": {Status: envelope.StatusOK, Preview: "ok"},
	}}

	artifact := newAggregator(t, stub, true).Collect(context.Background(), scenarioCases())
	if artifact.Verdict != VerdictFail || artifact.ExitCode() != 1 {
		t.Fatalf("verdict = %s exit = %d, want FAIL/1", artifact.Verdict, artifact.ExitCode())
	}
	if artifact.Failed != 1 {
		t.Fatalf("failed = %d, want 1", artifact.Failed)
	}
	if len(artifact.Cases) != 3 {
		t.Fatalf("cases = %d, want 3", len(artifact.Cases))
	}
	for i, name := range []string{"first", "second", "third"} {
		if artifact.Cases[i].Name != name {
			t.Fatalf("cases[%d] = %s, want %s", i, artifact.Cases[i].Name, name)
		}
	}
	if artifact.Cases[1].Passed || !artifact.Cases[0].Passed || !artifact.Cases[2].Passed {
		t.Fatalf("passed flags = %v %v %v", artifact.Cases[0].Passed, artifact.Cases[1].Passed, artifact.Cases[2].Passed)
	}
	if artifact.Timestamp != "2026-02-12T09:30:05Z" {
		t.Fatalf("timestamp = %s", artifact.Timestamp)
	}
	if artifact.Tools.ToolCount == nil || *artifact.Tools.ToolCount != 2 {
		t.Fatalf("tool_count = %v", artifact.Tools.ToolCount)
	}
	if artifact.RunID != "run-test" || artifact.Transport != "stub" || artifact.BaseURL != "stub://server" {
		t.Fatalf("artifact header = %+v", artifact)
	}
}

func TestCollectAllPassing(t *testing.T) {
	stub := &stubTransport{healthy: true, replies: map[string]envelope.Envelope{
		"search_web":    {Status: envelope.StatusOK},
		"scrape_url":    {Status: envelope.StatusOK},
		"proxy_manager": {Status: envelope.StatusOK},
	}}
	artifact := newAggregator(t, stub, true).Collect(context.Background(), scenarioCases())
	if !artifact.Passed() || artifact.ExitCode() != 0 {
		t.Fatalf("verdict = %s, want PASS", artifact.Verdict)
	}
}

func TestCollectHealthGate(t *testing.T) {
	replies := map[string]envelope.Envelope{
		"search_web":    {Status: envelope.StatusOK},
		"scrape_url":    {Status: envelope.StatusOK},
		"proxy_manager": {Status: envelope.StatusOK},
	}

	gated := newAggregator(t, &stubTransport{replies: replies}, true).Collect(context.Background(), scenarioCases())
	if gated.Verdict != VerdictFail {
		t.Fatalf("gated verdict = %s, want FAIL", gated.Verdict)
	}
	if gated.Failed != 0 {
		t.Fatalf("gated failed = %d, want 0", gated.Failed)
	}
	if gated.Health.Error == nil || gated.Health.Status != nil {
		t.Fatalf("health = %+v", gated.Health)
	}

	ungated := newAggregator(t, &stubTransport{replies: replies}, false).Collect(context.Background(), scenarioCases())
	if ungated.Verdict != VerdictPass {
		t.Fatalf("ungated verdict = %s, want PASS", ungated.Verdict)
	}
}

func TestCollectUnreachableServer(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	httpTransport, err := transport.NewHTTPTransport(transport.HTTPConfig{BaseURL: baseURL})
	if err != nil {
		t.Fatalf("NewHTTPTransport() error = %v", err)
	}
	artifact := newAggregator(t, httpTransport, true).Collect(context.Background(), scenarioCases())

	if artifact.Health.Error == nil || artifact.Health.Status != nil {
		t.Fatalf("health = %+v", artifact.Health)
	}
	if artifact.Tools.ToolCount != nil || artifact.Tools.Error == nil {
		t.Fatalf("tools = %+v", artifact.Tools)
	}
	for _, c := range artifact.Cases {
		if c.Status != envelope.StatusTransportError || c.HTTPStatus != nil || c.TransportError == nil {
			t.Fatalf("case = %+v", c)
		}
		if c.State != runner.StateTransportFailed {
			t.Fatalf("state = %s", c.State)
		}
	}
	if artifact.Failed != 3 || artifact.Verdict != VerdictFail {
		t.Fatalf("failed = %d verdict = %s", artifact.Failed, artifact.Verdict)
	}
}

func TestWriteCreatesDirectoriesAndFormats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "nested", "release.json")
	artifact := Artifact{
		Timestamp: "2026-02-12T09:30:05Z",
		BaseURL:   "http://localhost:5001",
		Cases: []CaseReport{{
			Name:           "scrape",
			Tool:           "scrape_url",
			Arguments:      map[string]any{"url": "https://example.com/?a=1&b=<2>"},
			ContentPreview: "日本語",
			Status:         envelope.StatusOK,
			State:          runner.StateCompleted,
			Passed:         true,
		}},
		RunID:   "run-1",
		Verdict: VerdictPass,
	}
	if err := Write(path, artifact); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	text := string(data)
	if !strings.HasPrefix(text, "{\n  \"timestamp\": ") {
		t.Fatalf("unexpected layout:\n%s", text)
	}
	if !strings.Contains(text, `a=1&b=<2>`) {
		t.Fatal("html characters must not be escaped")
	}
	if !strings.Contains(text, "日本語") {
		t.Fatal("non-ascii text must be written as-is")
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	for _, key := range []string{"timestamp", "base_url", "health", "tools", "cases", "run_id", "verdict"} {
		if _, ok := decoded[key]; !ok {
			t.Fatalf("artifact missing key %q", key)
		}
	}
	first := decoded["cases"].([]any)[0].(map[string]any)
	for _, key := range []string{"name", "tool", "arguments", "http_status", "latency_sec", "transport_error", "is_error", "content_preview"} {
		if _, ok := first[key]; !ok {
			t.Fatalf("case missing key %q", key)
		}
	}
	if first["http_status"] != nil || first["is_error"] != nil {
		t.Fatalf("absent values must be null: %v", first)
	}
}

func TestWriteFailsOnUnwritablePath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := Write(filepath.Join(blocker, "report.json"), Artifact{}); err == nil {
		t.Fatal("expected error writing beneath a regular file")
	}
}

func TestLatencySeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want float64
	}{
		{in: 0, want: 0},
		{in: 1234567 * time.Microsecond, want: 1.235},
		{in: 499 * time.Microsecond, want: 0},
		{in: 180 * time.Second, want: 180},
	}
	for _, tt := range tests {
		if got := LatencySeconds(tt.in); got != tt.want {
			t.Fatalf("LatencySeconds(%s) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCaseFromResultCopiesArguments(t *testing.T) {
	c := runner.NewCase("a", "tool", map[string]any{"k": "v"})
	report := CaseFromResult(runner.Result{
		Case:     c,
		State:    runner.StateTimedOut,
		Envelope: envelope.Failed(envelope.StatusTimeout, errors.New("deadline"), 2*time.Second),
	})
	report.Arguments["k"] = "changed"
	if c.Invocation.Arguments["k"] != "v" {
		t.Fatal("report arguments alias the case table")
	}
	if report.TransportError == nil || *report.TransportError != "deadline" {
		t.Fatalf("transport_error = %v", report.TransportError)
	}
	if report.LatencySec != 2 || report.State != runner.StateTimedOut {
		t.Fatalf("report = %+v", report)
	}
}

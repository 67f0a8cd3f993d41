package report

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// testDSN returns a unique shared-memory DSN for test isolation.
func testDSN(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
}

func newTestHistory(t *testing.T) *History {
	t.Helper()
	h, err := OpenHistory(testDSN(t))
	if err != nil {
		t.Fatalf("OpenHistory() error = %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestHistoryRecordAndGet(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	artifact := Artifact{
		Timestamp: "2026-02-12T09:30:05Z",
		BaseURL:   "http://localhost:5001",
		RunID:     "run-1",
		Transport: "http",
		Verdict:   VerdictFail,
		Failed:    1,
		Cases: []CaseReport{
			{Name: "a", Tool: "search_web", Passed: true},
			{Name: "b", Tool: "scrape_url"},
		},
	}
	if err := h.Record(ctx, artifact); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	got, err := h.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Verdict != VerdictFail || len(got.Cases) != 2 || got.Cases[1].Name != "b" {
		t.Fatalf("stored artifact = %+v", got)
	}

	runs, err := h.List(ctx, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	if runs[0].Total != 2 || runs[0].Failed != 1 || runs[0].Endpoint != "http://localhost:5001" {
		t.Fatalf("summary = %+v", runs[0])
	}
}

func TestHistoryListNewestFirst(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	base := time.Date(2026, 2, 12, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		recorded := base.Add(time.Duration(i) * time.Hour)
		h.now = func() time.Time { return recorded }
		if err := h.Record(ctx, Artifact{RunID: fmt.Sprintf("run-%d", i), Verdict: VerdictPass}); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	runs, err := h.List(ctx, 2)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "run-2" || runs[1].RunID != "run-1" {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestHistoryGetMissing(t *testing.T) {
	h := newTestHistory(t)
	if _, err := h.Get(context.Background(), "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("Get() error = %v, want ErrRunNotFound", err)
	}
}

func TestHistoryRejectsMissingRunID(t *testing.T) {
	h := newTestHistory(t)
	if err := h.Record(context.Background(), Artifact{}); err == nil {
		t.Fatal("expected error for artifact without run id")
	}
}

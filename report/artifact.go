// Package report runs the validation steps in order (health probe, tool
// registry probe, case table), decides the verdict and writes the JSON
// artifact. Each step records its outcome and never skips the next.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/petal-labs/mcpcheck/envelope"
	"github.com/petal-labs/mcpcheck/runner"
	"github.com/petal-labs/mcpcheck/transport"
)

// TimestampLayout is the artifact timestamp format, always UTC.
const TimestampLayout = "2006-01-02T15:04:05Z"

const (
	VerdictPass = "PASS"
	VerdictFail = "FAIL"
)

// Artifact is the persisted record of one validation run.
type Artifact struct {
	Timestamp string       `json:"timestamp"`
	BaseURL   string       `json:"base_url"`
	Health    HealthReport `json:"health"`
	Tools     ToolsReport  `json:"tools"`
	Cases     []CaseReport `json:"cases"`

	RunID     string `json:"run_id"`
	Transport string `json:"transport"`
	Verdict   string `json:"verdict"`
	Failed    int    `json:"failed"`
}

// HealthReport is the health probe outcome.
type HealthReport struct {
	Status     *int    `json:"status"`
	LatencySec float64 `json:"latency_sec"`
	Error      *string `json:"error"`
	Body       string  `json:"body"`
	OK         bool    `json:"ok"`
}

// ToolsReport is the tool registry probe outcome.
type ToolsReport struct {
	Status     *int     `json:"status"`
	LatencySec float64  `json:"latency_sec"`
	Error      *string  `json:"error"`
	ToolCount  *int     `json:"tool_count"`
	Names      []string `json:"names,omitempty"`
}

// CaseReport is one case as written to the artifact.
type CaseReport struct {
	Name           string          `json:"name"`
	Tool           string          `json:"tool"`
	Arguments      map[string]any  `json:"arguments"`
	HTTPStatus     *int            `json:"http_status"`
	LatencySec     float64         `json:"latency_sec"`
	TransportError *string         `json:"transport_error"`
	IsError        *bool           `json:"is_error"`
	ContentPreview string          `json:"content_preview"`
	Status         envelope.Status `json:"status"`
	State          runner.State    `json:"state"`
	Passed         bool            `json:"passed"`
}

// Passed reports whether the verdict is PASS.
func (a Artifact) Passed() bool {
	return a.Verdict == VerdictPass
}

// ExitCode maps the verdict to the process exit status.
func (a Artifact) ExitCode() int {
	if a.Passed() {
		return 0
	}
	return 1
}

// FormatTimestamp renders t in the artifact layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// LatencySeconds rounds a duration to milliseconds, expressed in seconds.
func LatencySeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}

func healthReport(probe transport.ProbeResult) HealthReport {
	return HealthReport{
		Status:     probe.HTTPStatus,
		LatencySec: LatencySeconds(probe.Latency),
		Error:      errorText(probe.Err),
		Body:       probe.Body,
		OK:         probe.OK,
	}
}

func toolsReport(listing transport.ToolListing) ToolsReport {
	return ToolsReport{
		Status:     listing.HTTPStatus,
		LatencySec: LatencySeconds(listing.Latency),
		Error:      errorText(listing.Err),
		ToolCount:  listing.Count(),
		Names:      listing.Names,
	}
}

// CaseFromResult converts a runner result into its report form.
func CaseFromResult(result runner.Result) CaseReport {
	env := result.Envelope
	inv := result.Case.Invocation.Clone()
	return CaseReport{
		Name:           result.Case.Name,
		Tool:           inv.Name,
		Arguments:      inv.Arguments,
		HTTPStatus:     env.HTTPStatus,
		LatencySec:     LatencySeconds(env.Latency),
		TransportError: env.ErrorText(),
		IsError:        env.IsError,
		ContentPreview: env.Preview,
		Status:         env.Status,
		State:          result.State,
		Passed:         result.Passed,
	}
}

func errorText(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	return &msg
}

// Encode renders the artifact as indented JSON without HTML escaping.
func Encode(artifact Artifact) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(artifact); err != nil {
		return nil, fmt.Errorf("report: encode artifact: %w", err)
	}
	return buf.Bytes(), nil
}

// Write encodes the artifact to path, creating parent directories.
func Write(path string, artifact Artifact) error {
	data, err := Encode(artifact)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("report: create report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("report: write artifact: %w", err)
	}
	return nil
}

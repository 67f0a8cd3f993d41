package report

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/petal-labs/mcpcheck/runner"
	"github.com/petal-labs/mcpcheck/transport"
)

// DefaultProbeTimeout bounds each probe request.
const DefaultProbeTimeout = 30 * time.Second

// Config configures an Aggregator.
type Config struct {
	Transport transport.Transport
	Runner    *runner.Runner

	ProbeTimeout time.Duration
	// RequireHealth fails the run when the health probe fails.
	RequireHealth bool

	// Probes receives both probe outcomes when set.
	Probes ProbeObserver

	Now    func() time.Time
	Logger *slog.Logger
}

// ProbeObserver is notified of probe outcomes.
type ProbeObserver interface {
	ObserveHealth(transportName string, probe transport.ProbeResult)
	ObserveTools(transportName string, listing transport.ToolListing)
}

// Aggregator runs the probes and the case table and assembles the artifact.
type Aggregator struct {
	cfg Config
}

// NewAggregator validates cfg and fills defaults.
func NewAggregator(cfg Config) (*Aggregator, error) {
	if cfg.Transport == nil {
		return nil, errors.New("report: transport is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("report: runner is required")
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Aggregator{cfg: cfg}, nil
}

// Collect runs every step and returns the finished artifact. Failures are
// recorded in the artifact; they never stop later steps.
func (a *Aggregator) Collect(ctx context.Context, cases []runner.Case) Artifact {
	artifact := Artifact{
		Timestamp: FormatTimestamp(a.cfg.Now()),
		BaseURL:   a.cfg.Transport.Endpoint(),
		RunID:     a.cfg.Runner.RunID(),
		Transport: a.cfg.Transport.Name(),
	}

	probe := a.cfg.Transport.Health(ctx, a.cfg.ProbeTimeout)
	artifact.Health = healthReport(probe)
	if a.cfg.Probes != nil {
		a.cfg.Probes.ObserveHealth(artifact.Transport, probe)
	}
	a.cfg.Logger.Info("health probe finished",
		"run_id", artifact.RunID,
		"ok", probe.OK,
		"latency", probe.Latency,
		"error", probe.Err,
	)

	listing := a.listTools(ctx)
	artifact.Tools = toolsReport(listing)
	if a.cfg.Probes != nil {
		a.cfg.Probes.ObserveTools(artifact.Transport, listing)
	}
	a.cfg.Logger.Info("tool registry probe finished",
		"run_id", artifact.RunID,
		"tools", len(listing.Names),
		"error", listing.Err,
	)

	results := a.cfg.Runner.Run(ctx, cases)
	artifact.Cases = make([]CaseReport, 0, len(results))
	for _, result := range results {
		artifact.Cases = append(artifact.Cases, CaseFromResult(result))
		if !result.Passed {
			artifact.Failed++
		}
	}

	artifact.Verdict = VerdictPass
	if artifact.Failed > 0 || (a.cfg.RequireHealth && !probe.OK) {
		artifact.Verdict = VerdictFail
	}
	return artifact
}

func (a *Aggregator) listTools(ctx context.Context) transport.ToolListing {
	started := time.Now()
	session, err := a.cfg.Transport.Open(ctx)
	if err != nil {
		return transport.ToolListing{Latency: time.Since(started), Err: err}
	}
	defer func() {
		if err := session.Close(context.WithoutCancel(ctx)); err != nil {
			a.cfg.Logger.Warn("closing probe session failed", "error", err)
		}
	}()
	return session.ListTools(ctx, a.cfg.ProbeTimeout)
}

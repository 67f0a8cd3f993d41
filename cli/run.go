package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/mcpcheck/config"
	"github.com/petal-labs/mcpcheck/otel"
	"github.com/petal-labs/mcpcheck/report"
	"github.com/petal-labs/mcpcheck/runner"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Validate a server against a case table and write the report",
		Args:  cobra.NoArgs,
		RunE:  runRun,
	}
	addTargetFlags(cmd)
	addRunFlags(cmd)
	return cmd
}

func runRun(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd)
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	cases, err := loadCases(cmd, cfg)
	if err != nil {
		return exitError(exitFatal, "building case table: %v", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry := setupTelemetry(ctx, cfg, logger)
	defer shutdownTelemetry(telemetry, logger)

	history, err := openHistory(cfg)
	if err != nil {
		return err
	}
	if history != nil {
		defer func() { _ = history.Close() }()
	}

	v := &validation{
		cfg:       cfg,
		logger:    logger,
		out:       cmd.OutOrStdout(),
		telemetry: telemetry,
		history:   history,
	}
	artifact, err := v.run(ctx, cases)
	if err != nil {
		return err
	}
	if code := artifact.ExitCode(); code != exitPass {
		return exitError(code, "validation failed: %d of %d cases failed", artifact.Failed, len(artifact.Cases))
	}
	return nil
}

func openHistory(cfg config.Config) (*report.History, error) {
	if cfg.HistoryDB == "" {
		return nil, nil
	}
	history, err := report.OpenHistory(cfg.HistoryDB)
	if err != nil {
		return nil, exitError(exitFatal, "opening history: %v", err)
	}
	return history, nil
}

// validation wires one resolved configuration into a full validation pass.
type validation struct {
	cfg       config.Config
	logger    *slog.Logger
	out       io.Writer
	telemetry *otel.Telemetry
	history   *report.History
}

// run executes the probes and the case table, writes the artifact and
// records it. Only harness failures are returned as errors.
func (v *validation) run(ctx context.Context, cases []runner.Case) (report.Artifact, error) {
	tr, err := buildTransport(v.cfg, v.logger)
	if err != nil {
		return report.Artifact{}, exitError(exitFatal, "building transport: %v", err)
	}

	var policy runner.SessionPolicy
	if v.cfg.Transport == config.TransportStdio {
		policy, err = runner.ParseSessionPolicy(v.cfg.Stdio.Session)
		if err != nil {
			return report.Artifact{}, exitError(exitFatal, "%v", err)
		}
	}

	tracing := otel.NewTracingHandler(v.telemetry.Tracer())
	metrics, err := otel.NewMetricsHandler(v.telemetry.Meter())
	if err != nil {
		return report.Artifact{}, exitError(exitFatal, "creating metrics: %v", err)
	}
	probes, err := otel.NewProbeObserver(v.telemetry.Meter(), v.telemetry.Tracer())
	if err != nil {
		return report.Artifact{}, exitError(exitFatal, "creating probe observer: %v", err)
	}
	console := newConsolePrinter(v.out)

	r, err := runner.New(runner.Config{
		Transport:   tr,
		Timeout:     time.Duration(v.cfg.Timeout),
		Parallelism: v.cfg.Parallelism,
		Sessions:    policy,
		OnEvent: runner.MultiEventHandler(
			tracing.Handle,
			metrics.Handle,
			otel.EnrichHandler(logEvents(v.logger), tracing),
			console.Handle,
		),
		Logger: v.logger,
	})
	if err != nil {
		return report.Artifact{}, exitError(exitFatal, "creating runner: %v", err)
	}

	aggregator, err := report.NewAggregator(report.Config{
		Transport:     tr,
		Runner:        r,
		ProbeTimeout:  time.Duration(v.cfg.ProbeTimeout),
		RequireHealth: v.cfg.RequireHealth,
		Probes:        probes,
		Logger:        v.logger,
	})
	if err != nil {
		return report.Artifact{}, exitError(exitFatal, "creating aggregator: %v", err)
	}

	artifact := aggregator.Collect(ctx, cases)
	if err := report.Write(v.cfg.Output, artifact); err != nil {
		return artifact, exitError(exitFatal, "writing report: %v", err)
	}
	if v.history != nil {
		if err := v.history.Record(context.WithoutCancel(ctx), artifact); err != nil {
			v.logger.Warn("recording run history failed", "run_id", artifact.RunID, "error", err)
		}
	}
	console.Summary(artifact, v.cfg.Output)
	v.logger.Info("validation finished",
		"run_id", artifact.RunID,
		"verdict", artifact.Verdict,
		"failed", artifact.Failed,
		"cases", len(artifact.Cases),
	)
	return artifact, nil
}

package cli

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/mcpcheck/schedule"
)

// NewScheduleCmd creates the "schedule" subcommand.
func NewScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run validations repeatedly on a UTC cron schedule",
		Args:  cobra.NoArgs,
		RunE:  runSchedule,
	}
	addTargetFlags(cmd)
	addRunFlags(cmd)
	cmd.Flags().String("cron", "", "UTC cron expression, five fields or @hourly style (default: schedule from config)")
	cmd.Flags().Int("max-runs", 0, "Stop after this many runs (0 runs until interrupted)")
	return cmd
}

func runSchedule(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd)
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("cron") {
		cfg.Schedule, _ = cmd.Flags().GetString("cron")
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		return exitError(exitFatal, "a cron expression is required (--cron or schedule in config)")
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
	maxRuns, _ := cmd.Flags().GetInt("max-runs")
	scheduler, err := schedule.New(schedule.Config{
		Spec:    cfg.Schedule,
		MaxRuns: maxRuns,
		Run: func(ctx context.Context) error {
			_, err := v.run(ctx, cases)
			return err
		},
		Logger: logger,
	})
	if err != nil {
		return exitError(exitFatal, "%v", err)
	}

	logger.Info("validation schedule started", "cron", cfg.Schedule, "next_run_at", scheduler.Next())
	if err := scheduler.Start(ctx); err != nil {
		return exitError(exitFatal, "starting scheduler: %v", err)
	}
	select {
	case <-ctx.Done():
	case <-scheduler.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := scheduler.Stop(stopCtx); err != nil {
		logger.Warn("scheduler did not stop cleanly", "error", err)
	}
	logger.Info("validation schedule stopped", "runs", scheduler.Runs())
	return nil
}

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/mcpcheck/config"
	"github.com/petal-labs/mcpcheck/mcp"
	"github.com/petal-labs/mcpcheck/otel"
	"github.com/petal-labs/mcpcheck/runner"
	"github.com/petal-labs/mcpcheck/transport"
)

// addTargetFlags registers the flags shared by every command that talks to
// a server.
func addTargetFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("config", "", "Path to mcpcheck.yaml (default: ./mcpcheck.yaml, then ~/.mcpcheck/config.yaml)")
	f.String("transport", "", "Transport: http | stdio")
	f.String("base-url", "", "Server base URL for the http transport")
	f.String("command", "", "Server command line for the stdio transport")
	f.StringArray("arg", nil, "Extra server argument for the stdio transport (repeatable)")
	f.StringArray("env", nil, "Server environment variable KEY=VALUE for the stdio transport (repeatable)")
	f.Duration("timeout", 0, "Per-invocation timeout (default 3m)")
	f.Duration("probe-timeout", 0, "Health and tool registry probe timeout (default 30s)")
	f.String("otlp-endpoint", "", "OTLP/HTTP traces URL")
}

// addRunFlags registers the flags of commands that execute a case table.
func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("output", "o", "", "Report artifact path (default: mcpcheck-report.json)")
	f.String("suite", "", "Built-in case suite: release | smoke")
	f.String("cases", "", "Case table file (YAML or JSON); overrides --suite")
	f.StringArray("case", nil, "Run only the named case (repeatable)")
	f.Int("parallelism", 0, "Maximum concurrent cases (default 1)")
	f.String("session", "", "Stdio session policy: per_case | per_run")
	f.Bool("no-require-health", false, "Do not fail the run when the health probe fails")
	f.String("history-db", "", "SQLite database that records every run")
}

// resolveConfig loads the config file, applies environment overrides and
// then every flag the user set.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, _, err := config.Load(path)
	if err != nil {
		return config.Config{}, exitError(exitFatal, "loading config: %v", err)
	}
	if err := applyFlags(cmd, &cfg); err != nil {
		return config.Config{}, exitError(exitFatal, "%v", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, exitError(exitFatal, "%v", err)
	}
	redacted := cfg.Redacted()
	newLogger(cmd).Debug("resolved config",
		"transport", redacted.Transport,
		"base_url", redacted.BaseURL,
		"command", redacted.Stdio.Command,
		"args", redacted.Stdio.Args,
		"env", redacted.Stdio.Env,
		"suite", redacted.Suite,
		"cases_file", redacted.CasesFile,
	)
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	changedString := func(name string, target *string) {
		if flags.Changed(name) {
			value, _ := flags.GetString(name)
			*target = strings.TrimSpace(value)
		}
	}
	changedDuration := func(name string, target *config.Duration) {
		if flags.Changed(name) {
			value, _ := flags.GetDuration(name)
			*target = config.Duration(value)
		}
	}

	changedString("transport", &cfg.Transport)
	changedString("base-url", &cfg.BaseURL)
	if flags.Changed("command") {
		line, _ := flags.GetString("command")
		cfg.SetCommandLine(line)
		if !flags.Changed("transport") {
			cfg.Transport = config.TransportStdio
		}
	}
	if flags.Changed("arg") {
		args, _ := flags.GetStringArray("arg")
		cfg.Stdio.Args = append(cfg.Stdio.Args, args...)
	}
	if flags.Changed("env") {
		pairs, _ := flags.GetStringArray("env")
		env, err := parseEnvPairs(pairs)
		if err != nil {
			return err
		}
		if cfg.Stdio.Env == nil {
			cfg.Stdio.Env = map[string]string{}
		}
		for key, value := range env {
			cfg.Stdio.Env[key] = value
		}
	}
	changedDuration("timeout", &cfg.Timeout)
	changedDuration("probe-timeout", &cfg.ProbeTimeout)
	changedString("otlp-endpoint", &cfg.OTLPEndpoint)

	changedString("output", &cfg.Output)
	changedString("suite", &cfg.Suite)
	changedString("cases", &cfg.CasesFile)
	changedString("session", &cfg.Stdio.Session)
	changedString("history-db", &cfg.HistoryDB)
	if flags.Changed("parallelism") {
		cfg.Parallelism, _ = flags.GetInt("parallelism")
	}
	if flags.Changed("no-require-health") {
		skip, _ := flags.GetBool("no-require-health")
		cfg.RequireHealth = !skip
	}
	return nil
}

func parseEnvPairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --env %q (want KEY=VALUE)", pair)
		}
		out[key] = value
	}
	return out, nil
}

// newLogger installs the stderr text handler selected by --verbose/--quiet.
func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// buildTransport constructs the transport named by cfg.
func buildTransport(cfg config.Config, logger *slog.Logger) (transport.Transport, error) {
	if cfg.Transport == config.TransportStdio {
		stdio, err := transport.NewStdioTransport(transport.StdioConfig{
			Command: cfg.Stdio.Command,
			Args:    cfg.Stdio.Args,
			Env:     cfg.Stdio.Env,
			Dir:     cfg.Stdio.Dir,
			ClientInfo: mcp.ClientInfo{
				Name:    cfg.Client.Name,
				Version: cfg.Client.Version,
			},
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		return stdio, nil
	}
	httpTransport, err := transport.NewHTTPTransport(transport.HTTPConfig{
		BaseURL: cfg.BaseURL,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	return httpTransport, nil
}

// loadCases resolves the case table from --cases or the suite and applies
// any --case selection.
func loadCases(cmd *cobra.Command, cfg config.Config) ([]runner.Case, error) {
	var (
		cases []runner.Case
		err   error
	)
	if cfg.CasesFile != "" {
		cases, err = runner.LoadFile(cfg.CasesFile)
	} else {
		cases, err = runner.Suite(cfg.Suite)
	}
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("case") {
		names, _ := cmd.Flags().GetStringArray("case")
		return runner.Select(cases, names)
	}
	return cases, nil
}

// setupTelemetry builds the process telemetry. Failures are logged and
// telemetry is disabled rather than aborting the run.
func setupTelemetry(ctx context.Context, cfg config.Config, logger *slog.Logger) *otel.Telemetry {
	telemetry, err := otel.Setup(ctx, otel.Config{OTLPEndpoint: cfg.OTLPEndpoint})
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
		telemetry, _ = otel.Setup(ctx, otel.Config{})
	}
	return telemetry
}

func shutdownTelemetry(telemetry *otel.Telemetry, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	telemetry.LogSummary(ctx, logger)
	if err := telemetry.Shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown failed", "error", err)
	}
}

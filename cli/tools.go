package cli

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// NewToolsCmd creates the "tools" subcommand.
func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools a server registers",
		Args:  cobra.NoArgs,
		RunE:  runTools,
	}
	addTargetFlags(cmd)
	cmd.Flags().StringSlice("expect", nil, "Fail unless these tools are registered (comma separated)")
	return cmd
}

func runTools(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd)
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	tr, err := buildTransport(cfg, logger)
	if err != nil {
		return exitError(exitFatal, "building transport: %v", err)
	}

	ctx := cmd.Context()
	session, err := tr.Open(ctx)
	if err != nil {
		return exitError(exitFail, "connecting to %s: %v", tr.Endpoint(), err)
	}
	listing := session.ListTools(ctx, time.Duration(cfg.ProbeTimeout))
	if err := session.Close(ctx); err != nil {
		logger.Warn("closing session failed", "error", err)
	}
	if listing.Err != nil {
		return exitError(exitFail, "listing tools: %v", listing.Err)
	}

	names := slices.Clone(listing.Names)
	slices.Sort(names)
	out := cmd.OutOrStdout()
	for _, name := range names {
		_, _ = fmt.Fprintln(out, name)
	}
	_, _ = fmt.Fprintf(out, "%d tools registered (%.3fs)\n", len(names), listing.Latency.Seconds())

	expected, _ := cmd.Flags().GetStringSlice("expect")
	var missing []string
	for _, name := range expected {
		name = strings.TrimSpace(name)
		if name != "" && !slices.Contains(names, name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return exitError(exitFail, "missing expected tools: %s", strings.Join(missing, ", "))
	}
	return nil
}

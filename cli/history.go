package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petal-labs/mcpcheck/report"
)

// NewHistoryCmd creates the "history" command group.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded validation runs",
		Args:  cobra.NoArgs,
		RunE:  runHistoryList,
	}
	cmd.PersistentFlags().String("config", "", "Path to mcpcheck.yaml")
	cmd.PersistentFlags().String("history-db", "", "SQLite database that records every run")
	cmd.Flags().Int("limit", 20, "Maximum number of runs to list")

	cmd.AddCommand(newHistoryShowCmd())
	return cmd
}

func newHistoryShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print the stored report of one run",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistoryShow,
	}
}

func openHistoryForCmd(cmd *cobra.Command) (*report.History, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.HistoryDB == "" {
		return nil, exitError(exitFatal, "no history database configured (set history_db or --history-db)")
	}
	return openHistory(cfg)
}

func runHistoryList(cmd *cobra.Command, _ []string) error {
	history, err := openHistoryForCmd(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = history.Close() }()

	limit, _ := cmd.Flags().GetInt("limit")
	runs, err := history.List(cmd.Context(), limit)
	if err != nil {
		return exitError(exitFatal, "listing history: %v", err)
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
		return nil
	}

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	_, _ = fmt.Fprintln(writer, "RUN ID\tTIMESTAMP\tTRANSPORT\tVERDICT\tFAILED\tENDPOINT")
	for _, run := range runs {
		_, _ = fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			run.RunID, run.Timestamp, run.Transport, run.Verdict, run.Failed, run.Total, run.Endpoint)
	}
	return writer.Flush()
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	history, err := openHistoryForCmd(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = history.Close() }()

	artifact, err := history.Get(cmd.Context(), args[0])
	if errors.Is(err, report.ErrRunNotFound) {
		return exitError(exitFail, "run %q not found", args[0])
	}
	if err != nil {
		return exitError(exitFatal, "reading history: %v", err)
	}
	data, err := report.Encode(artifact)
	if err != nil {
		return exitError(exitFatal, "encoding report: %v", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

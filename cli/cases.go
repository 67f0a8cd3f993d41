package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petal-labs/mcpcheck/runner"
)

// NewCasesCmd creates the "cases" subcommand.
func NewCasesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cases",
		Short: "Print the resolved case table",
		Args:  cobra.NoArgs,
		RunE:  runCases,
	}
	cmd.Flags().String("config", "", "Path to mcpcheck.yaml")
	cmd.Flags().String("suite", "", "Built-in case suite: "+fmt.Sprint(runner.Suites()))
	cmd.Flags().String("cases", "", "Case table file (YAML or JSON); overrides --suite")
	cmd.Flags().StringArray("case", nil, "Show only the named case (repeatable)")
	cmd.Flags().Bool("json", false, "Print the table as JSON")
	return cmd
}

func runCases(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	cases, err := loadCases(cmd, cfg)
	if err != nil {
		return exitError(exitFatal, "building case table: %v", err)
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		type caseJSON struct {
			Name      string         `json:"name"`
			Tool      string         `json:"tool"`
			Arguments map[string]any `json:"arguments"`
		}
		out := make([]caseJSON, 0, len(cases))
		for _, c := range cases {
			args := c.Invocation.Arguments
			if args == nil {
				args = map[string]any{}
			}
			out = append(out, caseJSON{Name: c.Name, Tool: c.Invocation.Name, Arguments: args})
		}
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		encoder.SetEscapeHTML(false)
		if err := encoder.Encode(out); err != nil {
			return exitError(exitFatal, "encoding cases: %v", err)
		}
		return nil
	}

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	_, _ = fmt.Fprintln(writer, "NAME\tTOOL\tARGUMENTS")
	for _, c := range cases {
		args := c.Invocation.Arguments
		if args == nil {
			args = map[string]any{}
		}
		encoded, err := json.Marshal(args)
		if err != nil {
			return exitError(exitFatal, "encoding case %q: %v", c.Name, err)
		}
		_, _ = fmt.Fprintf(writer, "%s\t%s\t%s\n", c.Name, c.Invocation.Name, encoded)
	}
	return writer.Flush()
}

package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// NewRowsCommand creates the rows command.
func NewRowsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rows",
		Short: "Dump the stored graph as flat rows",
		Long: `Dump the stored graph in its decomposed form: modules, types,
functions, nodes, and edges in id order, plus the id counters. The
dump is what the database holds and recomposes to the same graph.

Example:
  keel rows --db ./keel.db
  keel rows --format json | jq '.data.functions'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRows(rootOpts, cmd)
		},
	}
	return cmd
}

func runRows(opts *RootOptions, cmd *cobra.Command) error {
	s, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	rows := s.engine.Rows()
	if opts.Format == "json" {
		return opts.output(cmd).Success(rows)
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return WrapExitError(ExitFailure, "failed to encode rows", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

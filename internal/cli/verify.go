package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/graph"
)

// VerifyReport is the output of a successful verify.
type VerifyReport struct {
	Consistent bool        `json:"consistent"`
	Revision   int64       `json:"revision"`
	Stats      graph.Stats `json:"stats"`
}

func (r VerifyReport) renderText(w io.Writer) {
	fmt.Fprintf(w, "Graph is consistent at revision %d.\n", r.Revision)
	fmt.Fprintf(w, "  %d modules, %d types, %d functions, %d nodes, %d edges\n",
		r.Stats.Modules, r.Stats.Types, r.Stats.Functions, r.Stats.Nodes, r.Stats.Edges)
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that the stored graph is consistent",
		Long: `Check the stored graph: every edge endpoint and callee exists, the
semantic layer matches the compute layer, and data edges are acyclic.

Exit codes:
  0 - Graph is consistent
  1 - Graph is inconsistent (each problem is printed)
  2 - Command error

Example:
  keel verify --db ./keel.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(rootOpts, cmd)
		},
	}
	return cmd
}

func runVerify(opts *RootOptions, cmd *cobra.Command) error {
	s, err := opts.open(cmd)
	if err != nil {
		var inconsistent *graph.InconsistentError
		if errors.As(err, &inconsistent) {
			return reportInconsistent(opts, cmd, inconsistent)
		}
		return err
	}
	defer s.Close()

	if err := s.engine.Verify(); err != nil {
		var inconsistent *graph.InconsistentError
		if errors.As(err, &inconsistent) {
			return reportInconsistent(opts, cmd, inconsistent)
		}
		return WrapExitError(ExitFailure, "verify failed", err)
	}
	return opts.output(cmd).Success(VerifyReport{
		Consistent: true,
		Revision:   s.engine.Revision(),
		Stats:      s.engine.Stats(),
	})
}

// reportInconsistent prints every problem and fails the command.
func reportInconsistent(opts *RootOptions, cmd *cobra.Command, ie *graph.InconsistentError) error {
	exitErr := NewExitError(ExitFailure, fmt.Sprintf("graph is inconsistent: %d problems", len(ie.Problems)))
	if err := opts.output(cmd).Error(exitErr, ie.Problems); err != nil {
		return err
	}
	return exitErr
}

package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/engine"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	Since int64
}

// CommitLog is the output of the log command.
type CommitLog struct {
	Commits []engine.Commit `json:"commits"`
}

func (l CommitLog) renderText(w io.Writer) {
	if len(l.Commits) == 0 {
		fmt.Fprintln(w, "No commits.")
		return
	}
	for _, c := range l.Commits {
		fns := make([]string, len(c.Functions))
		for i, fn := range c.Functions {
			fns[i] = fn.String()
		}
		fmt.Fprintf(w, "r%-5d %-10s %-12s %s", c.Revision, c.Kind, c.Agent, strings.Join(fns, ","))
		if c.Kind == engine.CommitEdit {
			fmt.Fprintf(w, "  %s -> %s", short(c.Before.Hex()), short(c.After.Hex()))
		}
		fmt.Fprintln(w)
	}
}

func short(hex string) string {
	if len(hex) > 12 {
		return hex[:12]
	}
	return hex
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "List stored commits",
		Long: `List the commits saved with the graph, oldest first. Each commit is one
accepted edit or structural change, with the agent that made it and,
for edits, the function hash before and after.

Example:
  keel log
  keel log --since 40 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.Since, "since", 0, "only show commits after this revision")

	return cmd
}

func runLog(opts *LogOptions, cmd *cobra.Command) error {
	s, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	commits, err := s.store.Commits(commandContext(cmd), opts.Since)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read commits", err)
	}
	return opts.output(cmd).Success(CommitLog{Commits: commits})
}

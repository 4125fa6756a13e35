package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/dirty"
	"github.com/roach88/keel/internal/ids"
	"github.com/roach88/keel/internal/store"
)

// DirtyOptions holds flags for the dirty command.
type DirtyOptions struct {
	*RootOptions
	Since string
}

// DirtyReport is a rebuild plan with function names.
type DirtyReport struct {
	Since             string     `json:"since"`
	DirectlyDirty     []string   `json:"directly_dirty"`
	TransitivelyDirty []string   `json:"transitively_dirty"`
	Cached            []string   `json:"cached"`
	Removed           []string   `json:"removed"`
	Order             [][]string `json:"order"`
}

func (r DirtyReport) renderText(w io.Writer) {
	fmt.Fprintf(w, "Since %s: %d dirty (%d direct, %d transitive), %d cached, %d removed\n",
		r.Since,
		len(r.DirectlyDirty)+len(r.TransitivelyDirty),
		len(r.DirectlyDirty), len(r.TransitivelyDirty),
		len(r.Cached), len(r.Removed))
	list := func(title string, names []string) {
		if len(names) > 0 {
			fmt.Fprintf(w, "  %-12s %s\n", title+":", strings.Join(names, " "))
		}
	}
	list("direct", r.DirectlyDirty)
	list("transitive", r.TransitivelyDirty)
	list("removed", r.Removed)
	if len(r.Order) == 0 {
		return
	}
	fmt.Fprintln(w, "Rebuild order:")
	for i, group := range r.Order {
		fmt.Fprintf(w, "  %d. %s\n", i+1, strings.Join(group, " "))
	}
}

// NewDirtyCommand creates the dirty command.
func NewDirtyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DirtyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dirty --since <label>",
		Short: "Show what needs rebuilding since a snapshot",
		Long: `Compare the current function hashes with a stored snapshot and print
the rebuild plan: functions whose own hash changed, their transitive
callers, the functions that stay cached, and the order to rebuild in.
Mutually recursive functions share one group of the order.

Example:
  keel snapshot last-build
  keel dirty --since last-build`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDirty(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Since, "since", "", "snapshot label to compare against (required)")
	_ = cmd.MarkFlagRequired("since")

	return cmd
}

func runDirty(opts *DirtyOptions, cmd *cobra.Command) error {
	s, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := commandContext(cmd)

	snap, err := s.store.LoadSnapshot(ctx, opts.Since)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return WrapExitError(ExitCommandError, "no such snapshot", err)
		}
		return WrapExitError(ExitFailure, "failed to load snapshot", err)
	}
	plan, err := s.engine.Plan(ctx, snap.Hashes)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to compute plan", err)
	}
	names, err := functionNames(s.engine)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read functions", err)
	}

	named := func(fns []ids.FunctionID) []string {
		out := make([]string, len(fns))
		for i, fn := range fns {
			out[i] = label(names, fn)
		}
		return out
	}
	report := DirtyReport{
		Since:             opts.Since,
		DirectlyDirty:     named(plan.DirectlyDirty),
		TransitivelyDirty: named(plan.TransitivelyDirty),
		Cached:            named(plan.Cached),
		Removed:           named(plan.Removed),
		Order:             [][]string{},
	}
	for _, group := range dirty.RebuildOrder(plan, s.engine.CallGraph()) {
		report.Order = append(report.Order, named(group))
	}
	s.logger.Debug("plan computed", "since", opts.Since, "dirty", len(plan.DirectlyDirty)+len(plan.TransitivelyDirty))
	return opts.output(cmd).Success(report)
}

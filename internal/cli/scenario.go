package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/harness"
	"github.com/roach88/keel/internal/store"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	Save bool
}

// ScenarioReport is the outcome of one scenario run.
type ScenarioReport struct {
	Name     string               `json:"name"`
	Pass     bool                 `json:"pass"`
	Errors   []string             `json:"errors,omitempty"`
	Revision int64                `json:"revision"`
	Saved    string               `json:"saved,omitempty"`
	Trace    []harness.TraceEvent `json:"trace"`

	lines []byte
}

func (r ScenarioReport) renderText(w io.Writer) {
	w.Write(r.lines)
	status := "PASS"
	if !r.Pass {
		status = "FAIL"
	}
	fmt.Fprintf(w, "%s %s (%d steps, revision %d)\n", status, r.Name, len(r.Trace), r.Revision)
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
	if r.Saved != "" {
		fmt.Fprintf(w, "Saved to %s.\n", r.Saved)
	}
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario <file>",
		Short: "Run a multi-agent scenario file",
		Long: `Run a YAML scenario against a fresh in-memory engine and print its
trace, one canonical JSON line per step.

With --save the final graph, revision, and commits are written to the
database, replacing the graph stored there.

Exit codes:
  0 - Every step had its expected outcome
  1 - One or more steps did not
  2 - Command error (unreadable or invalid scenario)

Example:
  keel scenario testdata/scenarios/basic_conflict.yaml
  keel scenario demo.yaml --save --db ./keel.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Save, "save", false, "store the resulting graph in the database")

	return cmd
}

func runScenario(opts *ScenarioOptions, path string, cmd *cobra.Command) error {
	if err := opts.prepare(cmd.ErrOrStderr()); err != nil {
		return err
	}
	ctx := commandContext(cmd)

	s, err := harness.LoadScenario(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}
	hopts := []harness.Option{harness.WithLogger(opts.logger)}
	if opts.Metrics != nil {
		hopts = append(hopts, harness.WithMetrics(opts.Metrics))
	}
	h, err := harness.New(ctx, s, hopts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up scenario", err)
	}
	result := h.Run(ctx)
	opts.logger.Info("scenario finished", "scenario", s.Name, "pass", result.Pass, "steps", len(result.Trace))

	lines, err := result.Marshal(s.Name)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to render trace", err)
	}
	report := ScenarioReport{
		Name:     s.Name,
		Pass:     result.Pass,
		Errors:   result.Errors,
		Revision: result.Revision,
		Trace:    result.Trace,
		lines:    lines,
	}

	if opts.Save {
		if err := saveScenario(opts, cmd, h); err != nil {
			return err
		}
		report.Saved = opts.cfg.DB
	}

	if err := opts.output(cmd).Success(report); err != nil {
		return err
	}
	if !result.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed: %d unexpected outcomes", s.Name, len(result.Errors)))
	}
	return nil
}

func saveScenario(opts *ScenarioOptions, cmd *cobra.Command, h *harness.Harness) error {
	st, err := store.Open(opts.cfg.DB)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			opts.logger.Error("error closing database", "error", closeErr)
		}
	}()
	if err := st.SaveEngine(commandContext(cmd), h.Engine()); err != nil {
		return WrapExitError(ExitFailure, "failed to save graph", err)
	}
	opts.logger.Info("scenario graph saved", "path", opts.cfg.DB, "revision", h.Engine().Revision())
	return nil
}

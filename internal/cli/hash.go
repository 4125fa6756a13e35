package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/engine"
	"github.com/roach88/keel/internal/graph"
	"github.com/roach88/keel/internal/ids"
	"github.com/roach88/keel/internal/merkle"
)

// HashOptions holds flags for the hash command.
type HashOptions struct {
	*RootOptions
	Compilation bool
}

// FunctionHash is one line of hash output.
type FunctionHash struct {
	ID          ids.FunctionID `json:"id"`
	Name        string         `json:"name"`
	Hash        merkle.Hash    `json:"hash"`
	Compilation merkle.Hash    `json:"compilation,omitzero"`
}

// HashReport lists function hashes in id order.
type HashReport struct {
	Revision  int64          `json:"revision"`
	Functions []FunctionHash `json:"functions"`
}

func (r HashReport) renderText(w io.Writer) {
	if len(r.Functions) == 0 {
		fmt.Fprintln(w, "No functions.")
		return
	}
	for _, f := range r.Functions {
		if f.Compilation.IsZero() {
			fmt.Fprintf(w, "%-6s %-24s %s\n", f.ID, f.Name, f.Hash)
			continue
		}
		fmt.Fprintf(w, "%-6s %-24s %s %s\n", f.ID, f.Name, f.Hash, f.Compilation)
	}
}

// NewHashCommand creates the hash command.
func NewHashCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HashOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Print the content hash of every function",
		Long: `Print the Merkle root hash of every live function in the stored graph.

With --compilation a second column shows the hash with contract nodes
left out, which is the hash that decides recompilation.

Example:
  keel hash --db ./keel.db
  keel hash --compilation --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHash(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Compilation, "compilation", false, "also print compilation hashes")

	return cmd
}

func runHash(opts *HashOptions, cmd *cobra.Command) error {
	s, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := commandContext(cmd)

	hashes, err := s.engine.HashAll(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to hash functions", err)
	}
	var comp map[ids.FunctionID]merkle.Hash
	if opts.Compilation {
		if comp, err = s.engine.CompilationHashes(ctx); err != nil {
			return WrapExitError(ExitFailure, "failed to hash functions", err)
		}
	}
	names, err := functionNames(s.engine)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read functions", err)
	}

	report := HashReport{Revision: s.engine.Revision(), Functions: []FunctionHash{}}
	for _, fn := range ids.SortedKeys(hashes) {
		report.Functions = append(report.Functions, FunctionHash{
			ID:          fn,
			Name:        names[fn],
			Hash:        hashes[fn],
			Compilation: comp[fn],
		})
	}
	return opts.output(cmd).Success(report)
}

// functionNames maps every live function to its name.
func functionNames(e *engine.Engine) (map[ids.FunctionID]string, error) {
	names := make(map[ids.FunctionID]string)
	err := e.Inspect(func(g *graph.Graph) error {
		for _, id := range g.FunctionIDs() {
			f, err := g.Function(id)
			if err != nil {
				return err
			}
			names[id] = f.Name
		}
		return nil
	})
	return names, err
}

// label names fn for output, falling back to its id once it is gone.
func label(names map[ids.FunctionID]string, fn ids.FunctionID) string {
	if n, ok := names[fn]; ok {
		return n
	}
	return fn.String()
}

package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/store"
)

// SnapshotOptions holds flags for the snapshot command.
type SnapshotOptions struct {
	*RootOptions
	List   bool
	Delete bool

	// Now stamps new snapshots. Defaults to time.Now.
	Now func() time.Time
}

// SnapshotSummary describes one stored snapshot.
type SnapshotSummary struct {
	Label     string    `json:"label"`
	Revision  int64     `json:"revision"`
	TakenAt   time.Time `json:"taken_at"`
	Functions int       `json:"functions,omitempty"` // only set on save
}

// SnapshotList is the output of snapshot --list.
type SnapshotList struct {
	Snapshots []SnapshotSummary `json:"snapshots"`
}

func (s SnapshotSummary) renderText(w io.Writer) {
	fmt.Fprintf(w, "%s  revision %d  %s", s.Label, s.Revision, s.TakenAt.UTC().Format(time.RFC3339))
	if s.Functions > 0 {
		fmt.Fprintf(w, "  %d functions", s.Functions)
	}
	fmt.Fprintln(w)
}

func (l SnapshotList) renderText(w io.Writer) {
	if len(l.Snapshots) == 0 {
		fmt.Fprintln(w, "No snapshots.")
		return
	}
	for _, s := range l.Snapshots {
		s.renderText(w)
	}
}

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SnapshotOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "snapshot [label]",
		Short: "Record, list, or delete labelled function hash sets",
		Long: `Record the current hash of every function under a label.

A snapshot is the "old" side of a later 'keel dirty --since <label>'.
Saving an existing label replaces it.

Example:
  keel snapshot last-build
  keel snapshot --list
  keel snapshot --delete last-build`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.List, "list", false, "list stored snapshots")
	cmd.Flags().BoolVar(&opts.Delete, "delete", false, "delete the named snapshot")
	cmd.MarkFlagsMutuallyExclusive("list", "delete")

	return cmd
}

func runSnapshot(opts *SnapshotOptions, args []string, cmd *cobra.Command) error {
	if opts.List != (len(args) == 0) {
		return NewExitError(ExitCommandError, "give a label, or --list without one")
	}
	s, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := commandContext(cmd)
	out := opts.output(cmd)

	if opts.List {
		snaps, err := s.store.Snapshots(ctx)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to list snapshots", err)
		}
		list := SnapshotList{Snapshots: make([]SnapshotSummary, 0, len(snaps))}
		for _, snap := range snaps {
			list.Snapshots = append(list.Snapshots, summarize(snap))
		}
		return out.Success(list)
	}

	name := args[0]
	if opts.Delete {
		if err := s.store.DeleteSnapshot(ctx, name); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return WrapExitError(ExitCommandError, "no such snapshot", err)
			}
			return WrapExitError(ExitFailure, "failed to delete snapshot", err)
		}
		s.logger.Info("snapshot deleted", "label", name)
		return out.Success(fmt.Sprintf("Deleted snapshot %s.", name))
	}

	hashes, err := s.engine.CompilationHashes(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to hash functions", err)
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	snap := store.Snapshot{Label: name, Revision: s.engine.Revision(), TakenAt: now(), Hashes: hashes}
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return WrapExitError(ExitFailure, "failed to save snapshot", err)
	}
	s.logger.Info("snapshot saved", "label", name, "functions", len(hashes))
	return out.Success(summarize(snap))
}

func summarize(snap store.Snapshot) SnapshotSummary {
	return SnapshotSummary{
		Label:     snap.Label,
		Revision:  snap.Revision,
		TakenAt:   snap.TakenAt,
		Functions: len(snap.Hashes),
	}
}

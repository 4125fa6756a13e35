package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/config"
	"github.com/roach88/keel/internal/conflict"
	"github.com/roach88/keel/internal/engine"
	"github.com/roach88/keel/internal/graph"
	"github.com/roach88/keel/internal/lock"
	"github.com/roach88/keel/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string // path to a YAML config file; empty uses defaults
	DB      string // overrides the config's db

	// Metrics, when set, receives the lock manager's collectors.
	Metrics *lock.Metrics

	cfg    *config.Config
	logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the keel CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "keel",
		Short: "keel - shared program graph for concurrent agents",
		Long: `keel keeps a program as a content-addressed graph that several agents
edit at once. Functions are hashed, locked, and checked for conflicts,
and only what changed is rebuilt.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.prepare(cmd.ErrOrStderr())
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "path to config file")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "", "path to SQLite database (default from config)")

	cmd.AddCommand(NewHashCommand(opts))
	cmd.AddCommand(NewSnapshotCommand(opts))
	cmd.AddCommand(NewDirtyCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewRowsCommand(opts))
	cmd.AddCommand(NewLogCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// prepare validates the global flags, loads the config, and installs the
// logger. Later calls are no-ops, so subcommands built on their own can
// call it from RunE.
func (o *RootOptions) prepare(stderr io.Writer) error {
	if o.cfg != nil {
		return nil
	}
	if o.Format == "" {
		o.Format = "text"
	}
	if !isValidFormat(o.Format) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", o.Format, ValidFormats))
	}

	cfg := config.Default()
	if o.Config != "" {
		loaded, err := config.Load(o.Config)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
		cfg = loaded
	}
	if o.DB != "" {
		cfg.DB = o.DB
	}

	level := cfg.Log.SlogLevel()
	if o.Verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(stderr, handlerOpts)
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(stderr, handlerOpts)
	}
	o.logger = slog.New(handler)
	o.cfg = &cfg
	return nil
}

func (o *RootOptions) output(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// session is an open database with the engine loaded from it.
type session struct {
	cfg    config.Config
	logger *slog.Logger
	store  *store.Store
	engine *engine.Engine
}

// open loads the stored graph into a fresh engine.
func (o *RootOptions) open(cmd *cobra.Command) (*session, error) {
	if err := o.prepare(cmd.ErrOrStderr()); err != nil {
		return nil, err
	}
	ctx := commandContext(cmd)

	o.logger.Debug("opening database", "path", o.cfg.DB)
	st, err := store.Open(o.cfg.DB)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	g, err := st.LoadGraph(ctx, graph.WithVerify(o.cfg.Graph.Verify), graph.WithLogger(o.logger))
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to load graph", err)
	}
	rev, err := st.Revision(ctx)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to read revision", err)
	}

	s := &session{cfg: *o.cfg, logger: o.logger, store: st}
	s.engine = newEngine(s.cfg, g, rev, o.logger, o.Metrics)
	o.logger.Debug("graph loaded", "revision", rev, "functions", s.engine.Stats().Functions)
	return s, nil
}

func (s *session) Close() {
	if err := s.store.Close(); err != nil {
		s.logger.Error("error closing database", "error", err)
	}
}

// newEngine builds an engine from the configured lock, conflict, and
// hashing settings.
func newEngine(cfg config.Config, g *graph.Graph, rev int64, logger *slog.Logger, metrics *lock.Metrics) *engine.Engine {
	lockOpts := []lock.Option{lock.WithTTL(cfg.Lock.TTL), lock.WithLogger(logger)}
	if metrics != nil {
		lockOpts = append(lockOpts, lock.WithMetrics(metrics))
	}
	return engine.New(g,
		engine.WithLogger(logger),
		engine.WithRevision(rev),
		engine.WithWorkers(cfg.Engine.Workers),
		engine.WithCommitLog(cfg.Engine.CommitLog),
		engine.WithLockManager(lock.NewManager(lockOpts...)),
		engine.WithDetector(conflict.NewDetector(
			conflict.WithHistory(conflict.NewHistory(cfg.Conflict.History)),
			conflict.WithLogger(logger),
		)),
	)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

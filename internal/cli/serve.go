package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/keel/internal/lock"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	MetricsAddr string

	// ready, when set, receives the metrics listener address once serving.
	ready chan<- string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host the engine and sweep expired locks",
		Long: `Load the stored graph and keep the engine running. Expired locks are
swept every lock.sweep_interval. Lock metrics are served on
/metrics when --metrics-addr is set. On shutdown the graph, revision,
and commits are saved back to the database.

Example:
  keel serve --db ./keel.db
  keel serve --metrics-addr :9464 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "address for the Prometheus /metrics endpoint")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	if err := opts.prepare(cmd.ErrOrStderr()); err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	if opts.Metrics == nil {
		opts.Metrics = lock.NewMetrics(reg)
	}

	s, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.engine.Run(ctx, s.cfg.Lock.SweepInterval)
	})

	if opts.MetricsAddr != "" {
		ln, err := net.Listen("tcp", opts.MetricsAddr)
		if err != nil {
			cancel()
			_ = g.Wait()
			return WrapExitError(ExitCommandError, "failed to listen for metrics", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
		s.logger.Info("serving metrics", "addr", ln.Addr().String())
		if opts.ready != nil {
			opts.ready <- ln.Addr().String()
		}
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Press Ctrl-C to stop.")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	if err := s.store.SaveEngine(context.Background(), s.engine); err != nil {
		return WrapExitError(ExitFailure, "failed to save graph", err)
	}
	s.logger.Info("engine stopped gracefully", "revision", s.engine.Revision())
	return nil
}

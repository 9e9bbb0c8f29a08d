package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/replicant/internal/config"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the secondary engine",
		Long: `Start the replication engine of a secondary node.

The engine follows the event log in the configured database, keeps a
registry per replicable, and syncs repositories, files and container
images from the primary with backoff on failure. Status is pushed to
the primary periodically.

Example:
  replicant run --config /etc/replicant.yaml
  REPLICANT_SECRET=... replicant run -c replicant.yaml --db ./replicant.db --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")

	return cmd
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	if opts.Database != "" {
		getenv := opts.Getenv
		if getenv == nil {
			getenv = os.Getenv
		}
		db := opts.Database
		opts.Getenv = func(k string) string {
			if k == config.EnvDatabase {
				return db
			}
			return getenv(k)
		}
	}

	cfg, st, err := opts.openStore(out)
	if err != nil {
		return err
	}
	defer closeStore(st)

	if !cfg.IsSecondary() {
		return out.Fail(ExitCommandError, ErrCodeConfig, "run needs a secondary node",
			fmt.Errorf("node %q has role %q", cfg.Node.Name, cfg.Node.Role))
	}

	n, err := buildNode(cfg, st)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeConfig, "failed to build node", err)
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Listen != "" {
		shutdown, err := serveMetrics(cfg.Metrics.Listen, n.metrics.Handler())
		if err != nil {
			return out.Fail(ExitCommandError, ErrCodeConfig, "failed to listen for metrics", err)
		}
		defer shutdown()
	}

	slog.Info("engine starting", "node", cfg.Node.Name, "db", cfg.Database.Path, "primary", cfg.Primary.URL)
	fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Following the event log...")
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := n.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	slog.Info("engine stopped gracefully")
	return nil
}

// serveMetrics exposes h at /metrics on addr until the returned func is
// called.
func serveMetrics(addr string, h http.Handler) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	slog.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

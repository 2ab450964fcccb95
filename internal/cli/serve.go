package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/runoshun/crewd/internal/domain"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds HTTP drain and unit teardown on exit.
const shutdownTimeout = 30 * time.Second

// newServeCommand creates the serve command that runs the engine.
func newServeCommand(e *env) *cobra.Command {
	var opts struct {
		Addr   string
		NoHTTP bool
	}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reconciler and the HTTP API",
		Long: `Run the engine in the foreground.

The reconciler watches the task store, dispatches Pending tasks to
execution units and drives them to a terminal phase. The HTTP API
(with /healthz and /metrics) is served on [http].addr unless --no-http
is given.

Run several instances with [reconciler].partitions and distinct
[reconciler].partition values to split the task set between them.

Examples:
  crewd serve
  crewd serve --config /etc/crewd/crewd.toml --addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := e.container(cmd)
			if err != nil {
				return err
			}
			if opts.Addr != "" {
				c.Config.HTTP.Addr = opts.Addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return c.Reconciler().Run(gctx)
			})

			if !opts.NoHTTP {
				srv := c.HTTPServer()
				g.Go(func() error {
					c.Logger.Info(domain.TaskKey{}, "http", "listening on "+srv.Addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return fmt.Errorf("http server: %w", err)
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
					defer cancel()
					return srv.Shutdown(shutCtx)
				})
			}

			err = g.Wait()
			c.Logger.Info(domain.TaskKey{}, "serve", "shutting down")

			shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if serr := c.ShutdownBackend(shutCtx); serr != nil {
				c.Logger.Warn(domain.TaskKey{}, "serve", "unit shutdown: "+serr.Error())
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "HTTP listen address (overrides [http].addr)")
	cmd.Flags().BoolVar(&opts.NoHTTP, "no-http", false, "Run the reconciler only")

	return cmd
}

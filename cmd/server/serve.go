package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/datamorph/internal/core"
	"github.com/JonMunkholm/datamorph/internal/database"
	"github.com/JonMunkholm/datamorph/internal/web"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		migrate      bool
		withWorkers  bool
		ensureBucket bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			if migrate {
				if err := database.Migrate(ctx, rt.pool); err != nil {
					return err
				}
			}
			if ensureBucket {
				if err := rt.blobs.EnsureBucket(ctx); err != nil {
					return err
				}
			}

			server := web.NewServer(rt.service, a.cfg, map[string]web.HealthCheck{
				"postgres": rt.pool.Ping,
				"redis":    rt.queue.Ping,
			})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				slog.Info("shutting down...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
				defer cancel()

				if l := rt.service.UploadLimiter(); l != nil {
					if err := l.WaitForDrain(shutdownCtx); err != nil {
						slog.Warn("uploads still in flight at shutdown", "error", err)
					}
				}
				return server.Shutdown(shutdownCtx)
			})
			if withWorkers {
				g.Go(func() error {
					return runWorkers(gctx, a, rt)
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations before serving")
	cmd.Flags().BoolVar(&withWorkers, "workers", false, "also run job workers and the sweeper in this process")
	cmd.Flags().BoolVar(&ensureBucket, "ensure-bucket", false, "create the storage bucket if it does not exist")
	return cmd
}

func newWorkerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume extraction, export and training jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer rt.Close()
			return runWorkers(cmd.Context(), a, rt)
		},
	}
}

// runWorkers runs the dispatcher and the sweeper until ctx is cancelled.
func runWorkers(ctx context.Context, a *app, rt *runtime) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return core.NewDispatcher(rt.service, rt.queue, a.cfg.Jobs.Workers).Run(gctx)
	})
	g.Go(func() error {
		rt.service.RunSweeper(gctx, a.cfg.Sweeper.Interval)
		return nil
	})
	return g.Wait()
}

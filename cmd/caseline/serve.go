package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"caseline/internal/app"
	"caseline/internal/migrate"
	"caseline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noWorkers, noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the worker pool and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				if a.Config.Auth.JWTSecret == "" {
					return fmt.Errorf("auth.jwt_secret (or CASELINE_JWT_SECRET) is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: a.Config.Auth.JWTSecret, Logger: a.Logger},
				})
				if err != nil {
					return err
				}
				version, err := migrate.Version(a.DB, a.Engine.Repo.Dialect)
				if err != nil {
					return err
				}
				a.Logger.Printf("serve: database %s schema version %d", a.Engine.Repo.Dialect, version)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					a.Logger.Printf("serve: listening on http://%s%s (OpenAPI at %s/openapi.json)", addr, basePath, basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdown)
				})
				if !noWorkers {
					g.Go(func() error { return a.Pool.Run(ctx) })
				}
				if !noScheduler {
					g.Go(func() error { return a.Scheduler.Run(ctx) })
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "do not run generation workers in this process")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run scheduled jobs in this process")
	return cmd
}

func workerCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run document generation jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				if once {
					return a.Pool.Drain(ctx)
				}
				return a.Pool.Run(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run until the queue is empty, then exit")
	return cmd
}

func housekeepingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "housekeeping <job>",
		Short: "Run one scheduled job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !a.Scheduler.RunOnce(ctx, args[0]) {
					return fmt.Errorf("job %s is not scheduled; scheduled jobs: %v", args[0], a.Scheduler.Jobs())
				}
				return nil
			})
		},
	}
}

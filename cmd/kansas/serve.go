package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/kansas/pkg/api"
	"github.com/pario-ai/kansas/pkg/config"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, pre-population, metrics and the event journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			k, cfg, logger, err := openKansas(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = k.Close() }()

			if cfg.Prepopulate.OnStart {
				if _, err := k.Prepopulate(ctx); err != nil {
					return fmt.Errorf("prepopulate: %w", err)
				}
			}

			sched := k.Scheduler()
			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer sched.Stop()

			g, gctx := errgroup.WithContext(ctx)
			if cfg.API.Listen != "" {
				srv := api.New(k, cfg.API.Listen, api.Options{
					Logger:   logger,
					Observer: k.Metrics(),
					Extra:    map[string]http.Handler{"/metrics": k.Metrics().Handler()},
				})
				g.Go(func() error {
					if err := srv.ListenAndServe(gctx); err != nil {
						return fmt.Errorf("api server: %w", err)
					}
					return nil
				})
			}
			if cfg.Metrics.Listen != "" && cfg.Metrics.Listen != cfg.API.Listen {
				mux := http.NewServeMux()
				mux.Handle("/metrics", k.Metrics().Handler())
				srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
				g.Go(func() error {
					logger.Info("metrics listening", "addr", cfg.Metrics.Listen)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return fmt.Errorf("metrics server: %w", err)
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutCtx)
				})
			}
			if *configPath != "" {
				g.Go(func() error {
					return config.Watch(gctx, *configPath, logger, func(c *config.Config) {
						if err := k.RegisterPolicies(c.Policies); err != nil {
							logger.Error("register reloaded policies failed", "error", err)
						}
					})
				})
			}

			logger.Info("kansas serving", "version", version, "policies", len(k.Policies()))
			<-gctx.Done()
			err = g.Wait()
			logger.Info("kansas stopped")
			return err
		},
	}
}

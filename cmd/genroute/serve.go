package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/genroute/pkg/api"
	"github.com/pario-ai/genroute/pkg/config"
	"github.com/pario-ai/genroute/pkg/logging"
	"github.com/pario-ai/genroute/pkg/service"
)

func newServeCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the router and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			lock := flock.New(cfg.LockPath)
			ok, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire lock: %w", err)
			}
			if !ok {
				return fmt.Errorf("another genroute instance holds %s", cfg.LockPath)
			}
			defer func() { _ = lock.Unlock() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := service.Build(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := svc.Close(); err != nil {
					logging.Error("shutdown", "err", err)
				}
			}()

			srv := api.New(cfg.Listen, cfg.APIToken, svc)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return svc.Run(gctx) })
			g.Go(func() error { return srv.ListenAndServe(gctx) })
			if watch {
				g.Go(func() error { return config.Watch(gctx, configPath, svc.ApplyConfig) })
			}

			logging.Info("starting genroute", "config", configPath, "listen", cfg.Listen, "version", version)
			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", true, "reload the config file when it changes")
	return cmd
}

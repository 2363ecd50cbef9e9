package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/genroute/pkg/api"
	"github.com/pario-ai/genroute/pkg/audit"
	cachepkg "github.com/pario-ai/genroute/pkg/cache/sqlite"
	"github.com/pario-ai/genroute/pkg/logging"
	"github.com/pario-ai/genroute/pkg/mcp"
	"github.com/pario-ai/genroute/pkg/service"
	"github.com/pario-ai/genroute/pkg/tracker"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve genroute tools over MCP on stdio",
		Long: "Account and emergency tools talk to a running genroute server through its HTTP API.\n" +
			"Usage, cache and audit tools read the databases directly.",
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the protocol
			logging.SetOutput(os.Stderr)

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			tr, err := tracker.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open tracker: %w", err)
			}
			defer func() { _ = tr.Close() }()

			var cache mcp.CacheStatter
			if cfg.Cache.Enabled {
				c, err := cachepkg.New(cfg.DBPath, cfg.Cache.TTL)
				if err != nil {
					return fmt.Errorf("open cache: %w", err)
				}
				defer func() { _ = c.Close() }()
				cache = c
			}

			var auditor mcp.AuditSearcher
			if cfg.Audit.Enabled {
				acfg := cfg.Audit
				acfg.DBPath = service.AuditPath(cfg)
				l, err := audit.New(acfg)
				if err != nil {
					return fmt.Errorf("open audit db: %w", err)
				}
				defer func() { _ = l.Close() }()
				auditor = l
			}

			control := api.NewClient(api.BaseURL(cfg.Listen), cfg.APIToken)
			srv := mcp.New(control, tr, cache, auditor, version)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx, os.Stdin, os.Stdout)
		},
	}
}

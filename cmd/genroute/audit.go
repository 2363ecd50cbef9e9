package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/genroute/pkg/audit"
	"github.com/pario-ai/genroute/pkg/models"
	"github.com/pario-ai/genroute/pkg/service"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the dispatch attempt journal",
	}
	cmd.AddCommand(newAuditSearchCmd(), newAuditStatsCmd(), newAuditCleanupCmd())
	return cmd
}

func newAuditSearchCmd() *cobra.Command {
	var (
		opts  models.AuditQueryOpts
		since string
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search journaled attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger()
			if err != nil {
				return err
			}
			defer cleanup()

			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			entries, err := l.Query(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No attempts found.")
				return nil
			}
			fmt.Print(formatAttempts(entries))
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.AccountID, "account", "", "filter by account id")
	cmd.Flags().StringVar(&opts.RequestID, "request-id", "", "filter by request id")
	cmd.Flags().StringVar(&opts.IdempotencyKey, "key", "", "filter by idempotency key")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "filter by error kind (ok for successes)")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "max entries to return")
	return cmd
}

func newAuditStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show attempt counts by account, outcome and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger()
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := l.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Println("No attempts journaled.")
				return nil
			}
			rows := make([][]string, 0, len(stats))
			for _, s := range stats {
				rows = append(rows, []string{s.AccountID, s.Kind, s.Day, itoa(s.Count)})
			}
			fmt.Print(renderTable(
				[]string{"ACCOUNT", "OUTCOME", "DAY", "COUNT"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
			))
			return nil
		},
	}
}

func newAuditCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete attempts older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger()
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := l.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d journaled attempts.\n", deleted)
			return nil
		},
	}
}

func openAuditLogger() (*audit.Logger, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	acfg := cfg.Audit
	acfg.DBPath = service.AuditPath(cfg)
	l, err := audit.New(acfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit db: %w", err)
	}
	return l, func() { _ = l.Close() }, nil
}

func formatAttempts(entries []models.AttemptEntry) string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		kind := e.Kind
		if kind == "" {
			kind = "ok"
		}
		rows = append(rows, []string{
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.RequestID, e.AccountID,
			string(e.Capability), itoa(e.Attempt), kind, itoa(e.Credits), itoa(e.LatencyMs) + "ms",
		})
	}
	return renderTable(
		[]string{"TIME", "REQUEST ID", "ACCOUNT", "TIER", "#", "OUTCOME", "CREDITS", "LATENCY"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignRight},
	)
}

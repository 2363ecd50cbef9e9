package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/genroute/pkg/models"
	"github.com/pario-ai/genroute/pkg/tracker"
)

func openTracker() (*tracker.SQLiteTracker, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	tr, err := tracker.New(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open tracker: %w", err)
	}
	return tr, func() { _ = tr.Close() }, nil
}

func newStatsCmd() *cobra.Command {
	var (
		accountID string
		days      int
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show dispatch statistics per account and per day",
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, cleanup, err := openTracker()
			if err != nil {
				return err
			}
			defer cleanup()
			ctx := cmd.Context()

			summaries, err := tr.Summary(ctx, accountID)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("No usage data found.")
				return nil
			}
			fmt.Print(formatSummaries(summaries))

			if days <= 0 {
				return nil
			}
			daily, err := tr.Daily(ctx, time.Now().UTC().AddDate(0, 0, -days))
			if err != nil {
				return err
			}
			fmt.Print(formatDaily(daily))
			return nil
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "filter by account id")
	cmd.Flags().IntVar(&days, "days", 7, "show per-day totals for the last N days (0 to skip)")
	return cmd
}

func formatSummaries(summaries []models.UsageSummary) string {
	rows := make([][]string, 0, len(summaries))
	for _, s := range summaries {
		rows = append(rows, []string{
			s.AccountID, string(s.Capability), itoa(s.RequestCount), itoa(s.Credits), itoa(s.Downgraded),
		})
	}
	return renderTable(
		[]string{"ACCOUNT", "TIER", "REQUESTS", "CREDITS", "DOWNGRADED"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight},
	)
}

func formatDaily(daily []models.DailyUsage) string {
	rows := make([][]string, 0, len(daily))
	for _, d := range daily {
		rows = append(rows, []string{d.Day, string(d.Capability), itoa(d.RequestCount), itoa(d.Credits)})
	}
	return renderTable(
		[]string{"DAY", "TIER", "REQUESTS", "CREDITS"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight},
	)
}

func newBudgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "budget",
		Short: "Show the last persisted budget snapshot per account",
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, cleanup, err := openTracker()
			if err != nil {
				return err
			}
			defer cleanup()

			snaps, err := tr.LoadSnapshots(cmd.Context())
			if err != nil {
				return err
			}
			if len(snaps) == 0 {
				fmt.Println("No budget snapshots yet. Start the server first.")
				return nil
			}
			fmt.Print(formatSnapshots(snaps))
			return nil
		},
	}
}

func formatSnapshots(snaps []models.BudgetSnapshot) string {
	rows := make([][]string, 0, len(snaps))
	for _, s := range snaps {
		stale := ""
		if s.Stale {
			stale = "stale"
		}
		refreshed := "-"
		if !s.LastRefreshed.IsZero() {
			refreshed = s.LastRefreshed.Local().Format("2006-01-02 15:04")
		}
		rows = append(rows, []string{
			s.AccountID, credits(s.Remaining), itoa(s.ConsumedToday), s.Day, refreshed, stale,
			s.SavedAt.Local().Format("15:04:05"),
		})
	}
	return renderTable(
		[]string{"ACCOUNT", "REMAINING", "TODAY", "DAY", "REFRESHED", "", "SAVED"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
	)
}

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/genroute/pkg/api"
	"github.com/pario-ai/genroute/pkg/models"
)

const clientTimeout = 10 * time.Second

func newClient() (*api.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return api.NewClient(api.BaseURL(cfg.Listen), cfg.APIToken), nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show live account health and budget from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()

			accounts, err := c.Accounts(ctx)
			if err != nil {
				return err
			}
			emergency, err := c.Emergency(ctx)
			if err != nil {
				return err
			}

			if emergency {
				fmt.Println("Emergency mode: ON (all requests served by the zero-cost tier)")
			}
			if len(accounts) == 0 {
				fmt.Println("No accounts registered.")
				return nil
			}
			fmt.Print(formatAccounts(accounts))
			return nil
		},
	}
}

func formatAccounts(accounts []models.AccountStatus) string {
	rows := make([][]string, 0, len(accounts))
	for _, a := range accounts {
		remaining := credits(a.Remaining)
		if a.Stale {
			remaining += "*"
		}
		active := "yes"
		if !a.Active {
			active = "no"
		}
		caps := make([]string, len(a.Capabilities))
		for i, c := range a.Capabilities {
			caps[i] = string(c)
		}
		rows = append(rows, []string{
			a.AccountID, a.Provider, strings.Join(caps, ","), itoa(a.Priority),
			a.Health.String(), remaining, itoa(a.ConsumedToday), itoa(a.InFlight), active, a.LastProbe,
		})
	}
	return renderTable(
		[]string{"ACCOUNT", "PROVIDER", "TIERS", "PRIO", "HEALTH", "REMAINING", "TODAY", "IN FLIGHT", "ACTIVE", "LAST PROBE"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignRight, alignRight, alignLeft, alignLeft},
	)
}

func newEmergencyCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "emergency [on|off]",
		Short:     "Show or toggle emergency mode on a running server",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()

			var on bool
			if len(args) == 0 {
				on, err = c.Emergency(ctx)
			} else {
				switch args[0] {
				case "on":
					on, err = c.SetEmergency(ctx, true)
				case "off":
					on, err = c.SetEmergency(ctx, false)
				default:
					return fmt.Errorf("expected on or off, got %q", args[0])
				}
			}
			if err != nil {
				return err
			}
			state := "OFF"
			if on {
				state = "ON"
			}
			fmt.Printf("Emergency mode: %s\n", state)
			return nil
		},
	}
}

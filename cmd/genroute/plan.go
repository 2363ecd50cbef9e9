package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pario-ai/genroute/pkg/config"
	"github.com/pario-ai/genroute/pkg/models"
	"github.com/pario-ai/genroute/pkg/planner"
	"github.com/pario-ai/genroute/pkg/service"
)

type planFlags struct {
	perDay int
	slots  int
}

func (f *planFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.perDay, "per-day", 0, "requests per day (default from config)")
	cmd.Flags().IntVar(&f.slots, "slots", 0, "batches per day (default from config)")
}

func (f *planFlags) target(cfg *config.Config) (planner.Target, int) {
	t := planner.Target{
		PerDay:    cfg.Planner.PerDay,
		Ratios:    cfg.Planner.Ratios,
		Platforms: cfg.Planner.Platforms,
	}
	if f.perDay > 0 {
		t.PerDay = f.perDay
	}
	slots := cfg.Planner.Slots
	if f.slots > 0 {
		slots = f.slots
	}
	return t, slots
}

func newPlanCmd() *cobra.Command {
	var flags planFlags

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print today's production schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			target, slots := flags.target(cfg)
			p := planner.New(cfg.Tiers)

			counts := p.Counts(target)
			fmt.Printf("Target: %d requests in %d slots\n", target.PerDay, slots)
			fmt.Print(formatCounts(cfg.Tiers, counts))
			fmt.Print(formatSchedule(cfg.Tiers, p.Plan(target, slots)))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func formatCounts(tiers []models.TierConfig, counts map[models.Capability]int) string {
	var rows [][]string
	var total int64
	for _, t := range tiers {
		n := counts[t.Capability]
		cost := int64(n) * t.CostPerUnit
		total += cost
		rows = append(rows, []string{string(t.Capability), itoa(n), itoa(t.CostPerUnit), itoa(cost)})
	}
	rows = append(rows, []string{"total", "", "", itoa(total)})
	return renderTable(
		[]string{"TIER", "REQUESTS", "COST/UNIT", "CREDITS"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight},
	)
}

func formatSchedule(tiers []models.TierConfig, batches []planner.Batch) string {
	headers := []string{"SLOT", "AT (UTC)"}
	aligns := []columnAlignment{alignRight, alignLeft}
	for _, t := range tiers {
		headers = append(headers, string(t.Capability))
		aligns = append(aligns, alignRight)
	}
	rows := make([][]string, 0, len(batches))
	for _, b := range batches {
		per := make(map[models.Capability]int)
		for _, r := range b.Requests {
			per[r.Capability]++
		}
		row := []string{itoa(b.Slot), b.At.Format("15:04")}
		for _, t := range tiers {
			row = append(row, itoa(per[t.Capability]))
		}
		rows = append(rows, row)
	}
	return renderTable(headers, rows, aligns)
}

func newSimulateCmd() *cobra.Command {
	var (
		flags     planFlags
		rebalance bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run today's plan against mock adapters using the configured pool",
		Long: "Every configured account is replaced by a mock adapter charging its most expensive\n" +
			"tier's cost per request, in a throwaway database. Nothing is sent to a provider.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir, err := os.MkdirTemp("", "genroute-sim-*")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)

			sim := simulationConfig(cfg, filepath.Join(dir, "sim.db"))
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			svc, err := service.Build(ctx, sim)
			if err != nil {
				return err
			}
			defer svc.Close()
			go svc.Alerts.Run(ctx)

			target, slots := flags.target(sim)
			p := planner.New(sim.Tiers)
			runner := planner.NewRunner(svc, sim.Planner.Concurrency)
			batches := p.Plan(target, slots)

			if !rebalance {
				rep, err := runner.Run(ctx, batches)
				if err != nil {
					return err
				}
				fmt.Print(formatReport(rep))
				return nil
			}

			half := slots / 2
			first, err := runner.Run(ctx, batches[:half])
			if err != nil {
				return err
			}
			next := p.Rebalance(target, svc.Budget.Aggregate(), float64(half)/float64(slots))
			rest := p.Plan(next, slots)[half:]
			for i := range rest {
				for j := range rest[i].Requests {
					rest[i].Requests[j].IdempotencyKey += "-rebalanced"
				}
			}
			second, err := runner.Run(ctx, rest)
			if err != nil {
				return err
			}
			fmt.Println("Before rebalance:")
			fmt.Print(formatReport(first))
			fmt.Println("After rebalance:")
			fmt.Print(formatReport(second))
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&rebalance, "rebalance", false, "rebalance the target against the remaining budget halfway through the day")
	return cmd
}

// simulationConfig copies cfg with every account backed by a mock adapter
// and all persistence under dbPath.
func simulationConfig(cfg *config.Config, dbPath string) *config.Config {
	sim := *cfg
	sim.DBPath = dbPath
	sim.Audit.DBPath = ""
	sim.Alerts.WebhookURL = ""
	sim.Alerts.AMQPURL = ""

	cost := make(map[models.Capability]int64, len(cfg.Tiers))
	for _, t := range cfg.Tiers {
		cost[t.Capability] = t.CostPerUnit
	}

	sim.Accounts = make([]models.AccountSpec, len(cfg.Accounts))
	for i, spec := range cfg.Accounts {
		var charge int64
		for _, c := range spec.Capabilities {
			charge = max(charge, cost[c])
		}
		opts := map[string]string{"credits": strconv.FormatInt(charge, 10)}
		if spec.Budget != nil {
			opts["balance"] = strconv.FormatInt(*spec.Budget, 10)
		}
		spec.Type = "mock"
		spec.Options = opts
		sim.Accounts[i] = spec
	}
	return &sim
}

func formatReport(rep planner.Report) string {
	tiers := make([]models.Capability, 0, len(rep.Tiers))
	for c := range rep.Tiers {
		tiers = append(tiers, c)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })

	rows := make([][]string, 0, len(tiers)+1)
	var spent int64
	for _, c := range tiers {
		t := rep.Tiers[c]
		failed := 0
		for _, n := range t.Failed {
			failed += n
		}
		spent += t.Credits
		rows = append(rows, []string{
			string(c), itoa(t.Submitted), itoa(t.Succeeded), itoa(t.Downgraded), itoa(failed), itoa(t.Credits),
		})
	}
	submitted, succeeded := rep.Total()
	rows = append(rows, []string{"total", itoa(submitted), itoa(succeeded), "", itoa(submitted - succeeded), itoa(spent)})
	return renderTable(
		[]string{"REQUESTED", "SUBMITTED", "SUCCEEDED", "DOWNGRADED", "FAILED", "CREDITS"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight},
	)
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pario-ai/genroute/pkg/config"
	"github.com/pario-ai/genroute/pkg/logging"
)

var version = "dev"

var (
	configPath string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:           "genroute",
		Short:         "genroute routes generation requests across a pool of provider accounts",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.ConfigureLogging(verbose)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "genroute.yaml", "path to config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newEmergencyCmd(),
		newStatsCmd(),
		newBudgetCmd(),
		newPlanCmd(),
		newSimulateCmd(),
		newCacheCmd(),
		newAuditCmd(),
		newMCPCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies its log settings unless
// --verbose already raised the level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if !verbose {
		logging.SetLevel(cfg.Log.Level)
	}
	logging.SetFormat(cfg.Log.Format)
	return cfg, nil
}

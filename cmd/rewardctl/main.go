package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"realmkin-staking/cmd/rewardctl/commands"
)

var rootCmd = &cobra.Command{
	Use:           "rewardctl",
	Short:         "Realmkin reward engine operator tool",
	Long:          "Run reward batch jobs and resolve stuck withdrawals against the reward database.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "config", "Directory containing config.yaml")
	rootCmd.PersistentFlags().BoolVar(&commands.JSONOutput, "json", false, "Print results as JSON")
}

func main() {
	rootCmd.AddCommand(commands.NewMigrateCmd())
	rootCmd.AddCommand(commands.NewAccrueCmd())
	rootCmd.AddCommand(commands.NewAutoClaimCmd())
	rootCmd.AddCommand(commands.NewSettleCmd())
	rootCmd.AddCommand(commands.NewRecomputeStatsCmd())
	rootCmd.AddCommand(commands.NewAccountCmd())
	rootCmd.AddCommand(commands.NewReleaseSettlementCmd())
	rootCmd.AddCommand(commands.NewFinalizeUnstakeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

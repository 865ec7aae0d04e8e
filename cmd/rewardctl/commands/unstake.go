package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"realmkin-staking/internal/app"
)

// NewReleaseSettlementCmd creates the command that clears a stuck
// withdrawal marker.
func NewReleaseSettlementCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release-settlement <stakeId>",
		Short: "Clear an in-flight withdrawal so the owner can retry",
		Long: "Clear the in-flight withdrawal marker of a stake left in 'unstaking' after an unconfirmed transfer.\n" +
			"Only use this after checking on-chain that the withdrawal transfer did not land.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Unstake.ReleaseSettlement(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Released settlement of stake %s\n", args[0])
				return nil
			})
		},
	}
}

// NewFinalizeUnstakeCmd creates the command that completes a withdrawal
// whose transfer landed but was not confirmed in time.
func NewFinalizeUnstakeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "finalize-unstake <stakeId> <txHash>",
		Short: "Complete a withdrawal whose transfer has since confirmed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				stake, err := a.Unstake.FinalizeSettlement(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if JSONOutput {
					return printJSON(stake)
				}
				fmt.Printf("Stake %s completed (withdrawal %s)\n", stake.ID, args[1])
				return nil
			})
		},
	}
}

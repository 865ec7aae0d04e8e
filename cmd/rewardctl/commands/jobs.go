package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"realmkin-staking/internal/app"
	"realmkin-staking/internal/scheduler"
)

// NewMigrateCmd creates the migrate command.
func NewMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Migrate(ctx); err != nil {
					return err
				}
				fmt.Println("Schema is up to date")
				return nil
			})
		},
	}
}

// NewAccrueCmd creates the stake accrual command.
func NewAccrueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accrue",
		Short: "Credit accrued rewards to every active stake",
		Long:  "Credit whole days of accrued rewards to every active stake. Safe to re-run: a second pass within the same day credits nothing.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd, (*scheduler.Jobs).RunStakeAccrual)
		},
	}
}

// NewAutoClaimCmd creates the NFT auto-claim command.
func NewAutoClaimCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "auto-claim",
		Short: "Claim NFT rewards for every eligible holder",
		Long: "Accrue and claim NFT-holding rewards for every holder whose claim cadence has elapsed.\n" +
			"With --force, claim the stored pending rewards of every account regardless of cadence and minimum.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if force {
				return runJob(cmd, (*scheduler.Jobs).RunForceNFTClaims)
			}
			return runJob(cmd, (*scheduler.Jobs).RunNFTClaims)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Bypass cadence and minimum checks")
	return cmd
}

// NewSettleCmd creates the settlement command.
func NewSettleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "settle",
		Short: "Dispatch pending claim transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd, (*scheduler.Jobs).RunSettlement)
		},
	}
}

// NewRecomputeStatsCmd creates the global metrics command.
func NewRecomputeStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute-stats",
		Short: "Rebuild the platform aggregate from a full stake scan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				g, err := a.Staking.RecomputeGlobalMetrics(ctx)
				if err != nil {
					return err
				}
				if JSONOutput {
					return printJSON(g)
				}
				printFields("Global metrics", [][2]string{
					{"Total value locked", g.TotalValueLocked.String()},
					{"Active stakes", fmt.Sprint(g.ActiveStakes)},
					{"Total stakers", fmt.Sprint(g.TotalStakers)},
				})
				return nil
			})
		},
	}
}

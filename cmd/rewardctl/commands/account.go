package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"realmkin-staking/internal/app"
)

// NewAccountCmd creates the account inspection command.
func NewAccountCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "account <userId>",
		Short: "Show a user's reward account and recent claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := args[0]
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				account, err := a.Staking.Account(ctx, userID)
				if err != nil {
					return err
				}
				claims, err := a.Claims.History(ctx, userID, limit)
				if err != nil {
					return err
				}

				if JSONOutput {
					return printJSON(map[string]any{"account": account, "claims": claims})
				}

				printFields("Account "+userID, [][2]string{
					{"Wallet", account.WalletAddress},
					{"NFTs", fmt.Sprint(account.TotalNFTs)},
					{"NFT pending", account.PendingRewards.String()},
					{"Stake pending", account.StakeRewardsPending.String()},
					{"Total earned", account.TotalEarned.String()},
					{"Total claimed", account.TotalClaimed.String()},
					{"Last NFT claim", formatTime(account.LastClaimed)},
					{"Last stake claim", formatTime(account.LastStakeClaimed)},
				})
				fmt.Println()
				for _, c := range claims {
					fmt.Printf("%-44s %-7s %12s %-8s %s\n",
						c.ID, c.Stream, c.Amount.StringFixed(2), c.TransferStatus, c.ClaimedAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Number of claim records to show")
	return cmd
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC3339)
}

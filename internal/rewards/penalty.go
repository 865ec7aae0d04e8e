package rewards

import (
	"time"

	"github.com/shopspring/decimal"

	"realmkin-staking/internal/model"
)

// UnstakeQuote is the settlement of a stake withdrawal at a point in time.
type UnstakeQuote struct {
	IsUnlocked        bool            `json:"isUnlocked"`
	PenaltyPercent    decimal.Decimal `json:"penaltyPercent"`
	Penalty           decimal.Decimal `json:"penalty"`
	PrincipalReturned decimal.Decimal `json:"principalReturned"`
	// PendingReward is the not-yet-credited accrual, rounded for storage.
	PendingReward decimal.Decimal `json:"pendingReward"`
	// TotalRewardsEarned is the stake's lifetime reward including PendingReward.
	TotalRewardsEarned decimal.Decimal `json:"totalRewardsEarned"`
	// UnclaimedRewards is the part of TotalRewardsEarned not yet paid by a claim.
	UnclaimedRewards decimal.Decimal `json:"unclaimedRewards"`
	RewardsReturned  decimal.Decimal `json:"rewardsReturned"`
	RewardsForfeited decimal.Decimal `json:"rewardsForfeited"`
}

// Payout is the single amount transferred to the owner.
func (q UnstakeQuote) Payout() decimal.Decimal {
	return q.PrincipalReturned.Add(q.RewardsReturned)
}

// QuoteUnstake computes the principal penalty and reward disposition for
// withdrawing a stake at now. Before unlock the principal is penalised and
// unclaimed rewards are forfeited; at or after unlock both are paid in full.
func (c *Calculator) QuoteUnstake(stake *model.Stake, now time.Time) UnstakeQuote {
	q := UnstakeQuote{IsUnlocked: stake.IsUnlocked(now)}

	if q.IsUnlocked {
		q.PenaltyPercent = decimal.Zero
	} else {
		q.PenaltyPercent = c.rates.PenaltyPercent(stake.LockPeriod)
	}

	q.Penalty = RoundForStorage(stake.Amount.Mul(q.PenaltyPercent).Div(hundred))
	q.PrincipalReturned = stake.Amount.Sub(q.Penalty)

	q.PendingReward = RoundForStorage(c.PendingReward(stake, now))
	q.TotalRewardsEarned = stake.RewardsEarned.Add(q.PendingReward)
	q.UnclaimedRewards = q.TotalRewardsEarned.Sub(stake.RewardsClaimed)

	if q.IsUnlocked {
		q.RewardsReturned = q.UnclaimedRewards
		q.RewardsForfeited = decimal.Zero
	} else {
		q.RewardsReturned = decimal.Zero
		q.RewardsForfeited = q.UnclaimedRewards
	}

	return q
}

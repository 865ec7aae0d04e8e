package rewards

import (
	"time"

	"github.com/shopspring/decimal"

	"realmkin-staking/internal/model"
)

const (
	// Day is the stake accrual granularity.
	Day = 24 * time.Hour
	// Week is the NFT stream accrual granularity.
	Week = 7 * Day

	// StoragePlaces is the precision of every persisted amount.
	StoragePlaces = 6
)

// 365 days * 100 percent
var yearPercent = decimal.NewFromInt(36500)

// Calculator computes accrued rewards from stored state and a point in time.
type Calculator struct {
	rates *RateTable
}

// NewCalculator creates a Calculator backed by the given rate table.
func NewCalculator(rates *RateTable) *Calculator {
	return &Calculator{rates: rates}
}

// Rates returns the calculator's rate table.
func (c *Calculator) Rates() *RateTable {
	return c.rates
}

// WholeUnits returns the number of complete units between from and to.
// A negative interval yields zero.
func WholeUnits(from, to time.Time, unit time.Duration) int64 {
	elapsed := to.Sub(from)
	if elapsed <= 0 {
		return 0
	}
	return int64(elapsed / unit)
}

// PendingReward returns the reward accrued since the stake's last credited
// point, in whole days only. The value is unrounded; callers round with
// RoundForStorage when persisting.
func (c *Calculator) PendingReward(stake *model.Stake, now time.Time) decimal.Decimal {
	if !stake.Amount.IsPositive() {
		return decimal.Zero
	}

	days := WholeUnits(stake.AccrualAnchor(), now, Day)
	if days <= 0 {
		return decimal.Zero
	}

	// amount * (apy / 365 / 100) * days * weight, with a single division
	return stake.Amount.
		Mul(c.rates.APY(stake.LockPeriod)).
		Mul(decimal.NewFromInt(days)).
		Mul(c.rates.Weight(stake.LockPeriod)).
		Div(yearPercent)
}

// NFTAccrual is the result of accruing the NFT-holding stream.
type NFTAccrual struct {
	Amount    decimal.Decimal
	Weeks     int64
	NewAnchor time.Time
}

// AccrueNFT returns the NFT-holding reward accrued since the account's last
// calculation, in whole weeks. NewAnchor advances by whole weeks only, so a
// partial week carries over to the next calculation.
func AccrueNFT(account *model.RewardAccount, now time.Time) NFTAccrual {
	anchor := account.NFTAccrualAnchor()
	weeks := WholeUnits(anchor, now, Week)
	if weeks <= 0 || account.TotalNFTs <= 0 || !account.WeeklyRate.IsPositive() {
		return NFTAccrual{Amount: decimal.Zero, Weeks: weeks, NewAnchor: anchor.Add(time.Duration(weeks) * Week)}
	}

	amount := account.WeeklyRate.
		Mul(decimal.NewFromInt(int64(account.TotalNFTs))).
		Mul(decimal.NewFromInt(weeks))

	return NFTAccrual{
		Amount:    amount,
		Weeks:     weeks,
		NewAnchor: anchor.Add(time.Duration(weeks) * Week),
	}
}

// RoundForStorage rounds an amount to the persisted precision.
func RoundForStorage(d decimal.Decimal) decimal.Decimal {
	return d.Round(StoragePlaces)
}

// TruncateToCents truncates toward zero at two decimal places, so a claim
// never disburses more than was accrued.
func TruncateToCents(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(2)
}

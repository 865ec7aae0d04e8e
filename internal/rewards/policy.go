package rewards

import (
	"time"

	"github.com/shopspring/decimal"

	"realmkin-staking/internal/apperr"
	"realmkin-staking/internal/model"
)

// Claim eligibility errors.
var (
	ErrNoRewardsAvailable = apperr.New(apperr.KindFailedPrecondition, "no_rewards_available", "no rewards available to claim")
	ErrCadenceNotElapsed  = apperr.New(apperr.KindFailedPrecondition, "cadence_not_elapsed", "minimum interval between claims has not elapsed")
)

// FailurePolicy decides what happens to a committed claim whose external
// transfer cannot be completed.
type FailurePolicy int

const (
	// FailureCompensate reverses the ledger credit and marks the claim failed.
	FailureCompensate FailurePolicy = iota
	// FailureRetry keeps the committed claim as durable intent and retries
	// the transfer until it settles. The ledger is never reversed.
	FailureRetry
)

func (p FailurePolicy) String() string {
	if p == FailureRetry {
		return "retry"
	}
	return "compensate"
}

// ClaimPolicy is the per-stream claim eligibility and failure policy.
type ClaimPolicy struct {
	Stream    model.ClaimStream
	MinAmount decimal.Decimal
	// Cadence is the minimum interval between claims; zero means continuous.
	Cadence time.Duration
	Failure FailurePolicy
}

// NFTPolicy returns the policy of the NFT-holding stream.
func NFTPolicy(minAmount decimal.Decimal, cadence time.Duration) ClaimPolicy {
	return ClaimPolicy{Stream: model.StreamNFT, MinAmount: minAmount, Cadence: cadence, Failure: FailureCompensate}
}

// StakePolicy returns the policy of the stake reward stream.
func StakePolicy(minAmount decimal.Decimal, cadence time.Duration) ClaimPolicy {
	return ClaimPolicy{Stream: model.StreamStake, MinAmount: minAmount, Cadence: cadence, Failure: FailureRetry}
}

// CheckCadence fails with ErrCadenceNotElapsed when the previous claim is
// more recent than the cadence window.
func (p ClaimPolicy) CheckCadence(lastClaimed *time.Time, now time.Time) error {
	if p.Cadence <= 0 || lastClaimed == nil {
		return nil
	}
	if now.Sub(*lastClaimed) < p.Cadence {
		return ErrCadenceNotElapsed
	}
	return nil
}

// NextClaimAt returns when the cadence window reopens.
func (p ClaimPolicy) NextClaimAt(lastClaimed *time.Time) time.Time {
	if p.Cadence <= 0 || lastClaimed == nil {
		return time.Time{}
	}
	return lastClaimed.Add(p.Cadence)
}

// CheckAmount fails with ErrNoRewardsAvailable when the pending amount is
// zero or below the minimum claim amount.
func (p ClaimPolicy) CheckAmount(pending decimal.Decimal) error {
	if !pending.IsPositive() || pending.LessThan(p.MinAmount) {
		return ErrNoRewardsAvailable
	}
	return nil
}

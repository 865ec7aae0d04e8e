// Package service provides business logic implementations.
package service

import (
	"strings"

	"realmkin-staking/internal/apperr"
)

// Common errors for staking, claim and unstake operations.
var (
	ErrNotStakeOwner          = apperr.New(apperr.KindUnauthorized, "not_stake_owner", "stake belongs to another user")
	ErrStakeNotActive         = apperr.New(apperr.KindFailedPrecondition, "stake_not_active", "stake is not active")
	ErrStakeLocked            = apperr.New(apperr.KindFailedPrecondition, "stake_locked", "stake is locked; initiate the unstake first")
	ErrStakeCompleted         = apperr.New(apperr.KindFailedPrecondition, "stake_completed", "stake is already completed")
	ErrSettlementInProgress   = apperr.New(apperr.KindFailedPrecondition, "settlement_in_progress", "a withdrawal for this stake is already in progress")
	ErrSettlementNotStarted   = apperr.New(apperr.KindFailedPrecondition, "settlement_not_started", "no withdrawal is in progress for this stake")
	ErrWithdrawalUnconfirmed  = apperr.New(apperr.KindInternal, "withdrawal_unconfirmed", "withdrawal was submitted but not confirmed; an operator will reconcile it")
	ErrAmountExceedsClaimable = apperr.New(apperr.KindFailedPrecondition, "amount_exceeds_claimable", "requested amount exceeds the claimable rewards")
	ErrWalletRequired         = apperr.New(apperr.KindValidation, "wallet_required", "a wallet address is required")
)

// normalizeWallet canonicalizes a wallet address for storage and lookup.
func normalizeWallet(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}

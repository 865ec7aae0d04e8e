// Package model defines the data models for the staking reward engine.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LockPeriod identifies how long a stake's principal is committed.
type LockPeriod string

// Supported lock periods.
const (
	LockFlexible LockPeriod = "flexible"
	Lock30Days   LockPeriod = "30"
	Lock60Days   LockPeriod = "60"
	Lock90Days   LockPeriod = "90"
)

// LockPeriods returns every supported lock period.
func LockPeriods() []LockPeriod {
	return []LockPeriod{LockFlexible, Lock30Days, Lock60Days, Lock90Days}
}

// ParseLockPeriod validates a lock period identifier.
func ParseLockPeriod(s string) (LockPeriod, error) {
	switch p := LockPeriod(s); p {
	case LockFlexible, Lock30Days, Lock60Days, Lock90Days:
		return p, nil
	}
	return "", fmt.Errorf("unknown lock period %q", s)
}

// Days returns the lock length in days. Flexible stakes have no lock.
func (p LockPeriod) Days() int {
	switch p {
	case Lock30Days:
		return 30
	case Lock60Days:
		return 60
	case Lock90Days:
		return 90
	}
	return 0
}

// StakeStatus is the lifecycle state of a stake.
// Transitions are monotonic: active -> unstaking -> completed.
type StakeStatus string

// Stake statuses.
const (
	StakeActive    StakeStatus = "active"
	StakeUnstaking StakeStatus = "unstaking"
	StakeCompleted StakeStatus = "completed"
)

// ParseStakeStatus validates a stake status read from the store.
func ParseStakeStatus(s string) (StakeStatus, error) {
	switch st := StakeStatus(s); st {
	case StakeActive, StakeUnstaking, StakeCompleted:
		return st, nil
	}
	return "", fmt.Errorf("unknown stake status %q", s)
}

// Stake is one locked deposit.
type Stake struct {
	ID                  string          `json:"id"`
	UserID              string          `json:"userId"`
	WalletAddress       string          `json:"walletAddress"`
	Amount              decimal.Decimal `json:"amount"`
	LockPeriod          LockPeriod      `json:"lockPeriod"`
	StartDate           time.Time       `json:"startDate"`
	UnlockDate          time.Time       `json:"unlockDate"`
	Status              StakeStatus     `json:"status"`
	RewardsEarned       decimal.Decimal `json:"rewardsEarned"`
	RewardsClaimed      decimal.Decimal `json:"rewardsClaimed"`
	LastRewardUpdate    *time.Time      `json:"lastRewardUpdate,omitempty"`
	DepositTx           string          `json:"depositTx"`
	UnstakeRequestedAt  *time.Time      `json:"unstakeRequestedAt,omitempty"`
	SettlementStartedAt *time.Time      `json:"-"`
	PenaltyAmount       decimal.Decimal `json:"penaltyAmount"`
	RewardsForfeited    decimal.Decimal `json:"rewardsForfeited"`
	WithdrawalTx        *string         `json:"withdrawalTx,omitempty"`
	CompletedAt         *time.Time      `json:"completedAt,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// AccrualAnchor returns the point from which rewards are measured.
func (s *Stake) AccrualAnchor() time.Time {
	if s.LastRewardUpdate != nil {
		return *s.LastRewardUpdate
	}
	return s.StartDate
}

// UnclaimedRewards returns the credited rewards not yet swept into a claim.
func (s *Stake) UnclaimedRewards() decimal.Decimal {
	return s.RewardsEarned.Sub(s.RewardsClaimed)
}

// IsUnlocked reports whether the lock has elapsed at now.
func (s *Stake) IsUnlocked(now time.Time) bool {
	return s.LockPeriod == LockFlexible || !now.Before(s.UnlockDate)
}

// RewardAccount is the per-user reward aggregate.
type RewardAccount struct {
	UserID              string          `json:"userId"`
	WalletAddress       string          `json:"walletAddress"`
	TotalNFTs           int             `json:"totalNFTs"`
	WeeklyRate          decimal.Decimal `json:"weeklyRate"`
	StakeRewardsPending decimal.Decimal `json:"stakeRewardsPending"`
	TotalEarned         decimal.Decimal `json:"totalEarned"`
	TotalClaimed        decimal.Decimal `json:"totalClaimed"`
	PendingRewards      decimal.Decimal `json:"pendingRewards"`
	TotalRealmkin       decimal.Decimal `json:"totalRealmkin"`
	LastCalculated      *time.Time      `json:"lastCalculated,omitempty"`
	LastClaimed         *time.Time      `json:"lastClaimed,omitempty"`
	LastStakeClaimed    *time.Time      `json:"lastStakeClaimed,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// NFTAccrualAnchor returns the point from which NFT rewards are measured.
func (a *RewardAccount) NFTAccrualAnchor() time.Time {
	if a.LastCalculated != nil {
		return *a.LastCalculated
	}
	return a.CreatedAt
}

// ClaimStream distinguishes the reward streams that share the claim shape.
type ClaimStream string

// Claim streams.
const (
	StreamStake   ClaimStream = "stake"
	StreamNFT     ClaimStream = "nft"
	StreamUnstake ClaimStream = "unstake"
)

// ParseClaimStream validates a stream identifier.
func ParseClaimStream(s string) (ClaimStream, error) {
	switch st := ClaimStream(s); st {
	case StreamStake, StreamNFT, StreamUnstake:
		return st, nil
	}
	return "", fmt.Errorf("unknown claim stream %q", s)
}

// TransferStatus tracks the external transfer backing a claim.
type TransferStatus string

// Transfer statuses. Pending is the only non-terminal state.
const (
	TransferPending TransferStatus = "pending"
	TransferSettled TransferStatus = "settled"
	TransferFailed  TransferStatus = "failed"
)

// ParseTransferStatus validates a transfer status read from the store.
func ParseTransferStatus(s string) (TransferStatus, error) {
	switch st := TransferStatus(s); st {
	case TransferPending, TransferSettled, TransferFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown transfer status %q", s)
}

// ClaimRecord is the audit entry of one successful settlement.
// Identity and amount fields never change after insert; the transfer
// bookkeeping moves once from pending to a terminal state.
type ClaimRecord struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	WalletAddress  string          `json:"walletAddress"`
	Stream         ClaimStream     `json:"stream"`
	Amount         decimal.Decimal `json:"amount"`
	SourceCount    int             `json:"sourceCount"`
	PeriodsClaimed int             `json:"periodsClaimed"`
	ClaimedAt      time.Time       `json:"claimedAt"`
	TransferStatus TransferStatus  `json:"transferStatus"`
	TxHash         *string         `json:"txHash,omitempty"`
	Attempts       int             `json:"attempts"`
	LastError      *string         `json:"lastError,omitempty"`
	SettledAt      *time.Time      `json:"settledAt,omitempty"`
}

// GlobalMetrics is the recomputable platform aggregate.
type GlobalMetrics struct {
	TotalValueLocked decimal.Decimal `json:"totalValueLocked"`
	ActiveStakes     int64           `json:"activeStakes"`
	TotalStakers     int64           `json:"totalStakers"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

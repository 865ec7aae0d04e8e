package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"realmkin-staking/internal/apperr"
	"realmkin-staking/internal/clock"
	"realmkin-staking/internal/ledger"
	"realmkin-staking/internal/metrics"
	"realmkin-staking/internal/model"
	"realmkin-staking/internal/pkg/db"
	"realmkin-staking/internal/repository"
	"realmkin-staking/internal/rewards"
)

// Unstake actions accepted by Unstake.
const (
	ActionInitiate = "initiate"
	ActionComplete = "complete"
	ActionQuote    = "quote"
)

// UnstakeService moves stakes through active -> unstaking -> completed and
// pays out the withdrawal.
type UnstakeService struct {
	conn     db.Conn
	stakes   *repository.StakeRepository
	accounts *repository.RewardAccountRepository
	claims   *repository.ClaimRepository
	calc     *rewards.Calculator
	ledger   ledger.Ledger
	clock    clock.Clock
	metrics  *metrics.Metrics
}

// NewUnstakeService creates a new UnstakeService instance.
func NewUnstakeService(
	conn db.Conn,
	calc *rewards.Calculator,
	l ledger.Ledger,
	clk clock.Clock,
	m *metrics.Metrics,
) *UnstakeService {
	return &UnstakeService{
		conn:     conn,
		stakes:   repository.NewStakeRepository(conn),
		accounts: repository.NewRewardAccountRepository(conn),
		claims:   repository.NewClaimRepository(conn),
		calc:     calc,
		ledger:   l,
		clock:    clk,
		metrics:  m,
	}
}

// UnstakeResult describes the state after an unstake action.
type UnstakeResult struct {
	Stake  *model.Stake          `json:"stake"`
	Quote  *rewards.UnstakeQuote `json:"quote,omitempty"`
	TxHash string                `json:"txHash,omitempty"`
}

// Unstake dispatches an unstake action.
func (s *UnstakeService) Unstake(ctx context.Context, userID, stakeID, action string) (*UnstakeResult, error) {
	switch action {
	case ActionInitiate:
		stake, err := s.Initiate(ctx, userID, stakeID)
		if err != nil {
			return nil, err
		}
		return &UnstakeResult{Stake: stake}, nil
	case ActionComplete:
		return s.Complete(ctx, userID, stakeID)
	case ActionQuote:
		return s.Quote(ctx, userID, stakeID)
	}
	return nil, apperr.Validation("action must be one of %q, %q, %q", ActionInitiate, ActionComplete, ActionQuote)
}

// Initiate records the owner's intent to withdraw. No funds move.
func (s *UnstakeService) Initiate(ctx context.Context, userID, stakeID string) (*model.Stake, error) {
	if stakeID == "" {
		return nil, apperr.Validation("stakeId is required")
	}

	var stake *model.Stake
	err := db.InTx(ctx, s.conn, func(tx pgx.Tx) error {
		stakes := s.stakes.WithTx(tx)

		st, err := stakes.GetForUpdate(ctx, stakeID)
		if err != nil {
			return err
		}
		if st.UserID != userID {
			return ErrNotStakeOwner
		}
		if st.Status != model.StakeActive {
			return ErrStakeNotActive
		}

		now := s.clock.Now()
		if err := stakes.MarkUnstaking(ctx, stakeID, now); err != nil {
			return err
		}
		st.Status = model.StakeUnstaking
		st.UnstakeRequestedAt = &now
		stake = st
		return nil
	})
	if err != nil {
		s.metrics.Unstake(ActionInitiate, "rejected")
		return nil, err
	}

	s.metrics.Unstake(ActionInitiate, "ok")
	log.Info().Str("stake_id", stakeID).Str("user_id", userID).Msg("Unstake initiated")
	return stake, nil
}

// Complete settles the withdrawal in three phases: reserve the stake and
// fix its quote, transfer principal and rewards in one ledger transfer, then
// finalize the stake and the owner's account. Reserving moves an active
// stake to unstaking; a stake whose transfer failed stays unstaking and can
// be completed again.
func (s *UnstakeService) Complete(ctx context.Context, userID, stakeID string) (*UnstakeResult, error) {
	if stakeID == "" {
		return nil, apperr.Validation("stakeId is required")
	}

	stake, quote, err := s.reserve(ctx, userID, stakeID)
	if err != nil {
		s.metrics.Unstake(ActionComplete, "rejected")
		return nil, err
	}

	// Once the stake is reserved its bookkeeping must not be lost to the
	// caller going away.
	bookCtx := context.WithoutCancel(ctx)

	payout := quote.Payout()
	if err := s.ledger.EnsureTreasury(ctx, payout); err != nil {
		s.release(bookCtx, stakeID)
		s.metrics.Unstake(ActionComplete, "underfunded")
		return nil, err
	}

	hash, err := ledger.Transfer(ctx, s.ledger, stake.WalletAddress, payout)
	if err != nil {
		if errors.Is(err, ledger.ErrTransferUnconfirmed) {
			// The transfer may still land; keep the stake reserved until an
			// operator finalizes or releases it.
			log.Error().
				Err(err).
				Str("stake_id", stakeID).
				Str("tx_hash", hash).
				Str("payout", payout.String()).
				Msg("Withdrawal transfer unconfirmed, stake left reserved")
			s.metrics.Unstake(ActionComplete, "unconfirmed")
			return nil, ErrWithdrawalUnconfirmed
		}
		s.release(bookCtx, stakeID)
		s.metrics.Unstake(ActionComplete, "transfer_failed")
		return nil, fmt.Errorf("failed to transfer withdrawal: %w", err)
	}

	completed, err := s.finalize(bookCtx, stakeID, hash)
	if err != nil {
		log.Error().
			Err(err).
			Str("stake_id", stakeID).
			Str("tx_hash", hash).
			Msg("Withdrawal transferred but stake could not be finalized")
		s.metrics.Unstake(ActionComplete, "finalize_failed")
		return nil, err
	}

	s.metrics.Unstake(ActionComplete, "ok")
	return &UnstakeResult{Stake: completed, Quote: &quote, TxHash: hash}, nil
}

// reserve validates the stake, computes its quote and marks the withdrawal
// in flight.
func (s *UnstakeService) reserve(ctx context.Context, userID, stakeID string) (*model.Stake, rewards.UnstakeQuote, error) {
	var (
		stake *model.Stake
		quote rewards.UnstakeQuote
	)
	err := db.InTx(ctx, s.conn, func(tx pgx.Tx) error {
		stakes := s.stakes.WithTx(tx)

		st, err := stakes.GetForUpdate(ctx, stakeID)
		if err != nil {
			return err
		}
		if st.UserID != userID {
			return ErrNotStakeOwner
		}

		now := s.clock.Now()
		switch st.Status {
		case model.StakeCompleted:
			return ErrStakeCompleted
		case model.StakeActive:
			if !st.IsUnlocked(now) {
				return ErrStakeLocked
			}
		}
		if st.SettlementStartedAt != nil {
			return ErrSettlementInProgress
		}

		if err := stakes.BeginSettlement(ctx, stakeID, now); err != nil {
			return err
		}
		st.SettlementStartedAt = &now
		if st.Status == model.StakeActive {
			st.Status = model.StakeUnstaking
			st.UnstakeRequestedAt = &now
		}
		stake = st
		quote = s.calc.QuoteUnstake(st, now)
		return nil
	})
	return stake, quote, err
}

// release clears the in-flight marker after a failed transfer.
func (s *UnstakeService) release(ctx context.Context, stakeID string) {
	if err := s.stakes.ClearSettlement(ctx, stakeID, s.clock.Now()); err != nil {
		log.Error().Err(err).Str("stake_id", stakeID).Msg("Failed to release stake settlement")
	}
}

// finalize completes the stake after its withdrawal transfer succeeded. The
// quote is recomputed at the reservation time, so it matches what was paid.
func (s *UnstakeService) finalize(ctx context.Context, stakeID, txHash string) (*model.Stake, error) {
	peek, err := s.stakes.GetByID(ctx, stakeID)
	if err != nil {
		return nil, err
	}

	var completed *model.Stake
	err = db.InTx(ctx, s.conn, func(tx pgx.Tx) error {
		// user_rewards before stakes
		if _, err := s.accounts.WithTx(tx).GetForUpdate(ctx, peek.UserID); err != nil {
			return err
		}
		st, err := s.stakes.WithTx(tx).GetForUpdate(ctx, stakeID)
		if err != nil {
			return err
		}
		if st.Status == model.StakeCompleted {
			return ErrStakeCompleted
		}
		if st.SettlementStartedAt == nil {
			return ErrSettlementNotStarted
		}

		reservedAt := *st.SettlementStartedAt
		quote := s.calc.QuoteUnstake(st, reservedAt)
		now := s.clock.Now()

		rewardsClaimed := st.RewardsClaimed
		if quote.RewardsReturned.IsPositive() {
			rewardsClaimed = rewardsClaimed.Add(quote.RewardsReturned)
		}

		err = s.stakes.WithTx(tx).Complete(ctx, stakeID, repository.Completion{
			RewardsEarned:    quote.TotalRewardsEarned,
			RewardsClaimed:   rewardsClaimed,
			PenaltyAmount:    quote.Penalty,
			RewardsForfeited: quote.RewardsForfeited,
			WithdrawalTx:     txHash,
			CompletedAt:      now,
		})
		if err != nil {
			return err
		}

		// The credited-but-unclaimed part of this stake sits in the owner's
		// bucket; it is either paid here or forfeited.
		if err := s.accounts.WithTx(tx).RecordUnstakeRewards(ctx, st.UserID, st.UnclaimedRewards(), quote.RewardsReturned, now); err != nil {
			return err
		}

		if quote.RewardsReturned.IsPositive() {
			record := newClaimRecord(st.UserID, st.WalletAddress, model.StreamUnstake, quote.RewardsReturned, 1,
				rewards.WholeUnits(st.StartDate, reservedAt, rewards.Day), now)
			record.TransferStatus = model.TransferSettled
			record.TxHash = &txHash
			record.SettledAt = &now
			if err := s.claims.WithTx(tx).Create(ctx, record); err != nil {
				return err
			}
		}

		st.Status = model.StakeCompleted
		st.RewardsEarned = quote.TotalRewardsEarned
		st.RewardsClaimed = rewardsClaimed
		st.PenaltyAmount = quote.Penalty
		st.RewardsForfeited = quote.RewardsForfeited
		st.WithdrawalTx = &txHash
		st.CompletedAt = &now
		st.SettlementStartedAt = nil
		completed = st

		log.Info().
			Str("stake_id", stakeID).
			Str("user_id", st.UserID).
			Bool("unlocked", quote.IsUnlocked).
			Str("principal_returned", quote.PrincipalReturned.String()).
			Str("penalty", quote.Penalty.String()).
			Str("rewards_returned", quote.RewardsReturned.String()).
			Str("rewards_forfeited", quote.RewardsForfeited.String()).
			Str("tx_hash", txHash).
			Msg("Stake completed")
		return nil
	})
	return completed, err
}

// FinalizeSettlement completes a reserved stake whose withdrawal transfer is
// confirmed on the ledger, for example after a confirmation timeout.
func (s *UnstakeService) FinalizeSettlement(ctx context.Context, stakeID, txHash string) (*model.Stake, error) {
	if err := s.ledger.Confirm(ctx, txHash); err != nil {
		return nil, fmt.Errorf("withdrawal %s is not confirmed: %w", txHash, err)
	}
	return s.finalize(ctx, stakeID, txHash)
}

// ReleaseSettlement clears the in-flight marker of a reserved stake whose
// withdrawal is known not to have happened, so it can be completed again.
func (s *UnstakeService) ReleaseSettlement(ctx context.Context, stakeID string) error {
	st, err := s.stakes.GetByID(ctx, stakeID)
	if err != nil {
		return err
	}
	if st.SettlementStartedAt == nil {
		return ErrSettlementNotStarted
	}
	if err := s.stakes.ClearSettlement(ctx, stakeID, s.clock.Now()); err != nil {
		return err
	}
	log.Warn().Str("stake_id", stakeID).Time("reserved_at", *st.SettlementStartedAt).Msg("Stake settlement released")
	return nil
}

// Quote returns the settlement the owner would receive if the stake were
// completed now. Nothing is written.
func (s *UnstakeService) Quote(ctx context.Context, userID, stakeID string) (*UnstakeResult, error) {
	st, err := s.stakes.GetByID(ctx, stakeID)
	if err != nil {
		return nil, err
	}
	if st.UserID != userID {
		return nil, ErrNotStakeOwner
	}
	if st.Status == model.StakeCompleted {
		return nil, ErrStakeCompleted
	}
	q := s.calc.QuoteUnstake(st, s.clock.Now())
	return &UnstakeResult{Stake: st, Quote: &q}, nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"realmkin-staking/internal/apperr"
	"realmkin-staking/internal/clock"
	"realmkin-staking/internal/ledger"
	"realmkin-staking/internal/metrics"
	"realmkin-staking/internal/model"
	"realmkin-staking/internal/pkg/db"
	"realmkin-staking/internal/repository"
	"realmkin-staking/internal/rewards"
)

// StakingService handles stake creation, reward accrual and the platform
// aggregate.
type StakingService struct {
	conn        db.Conn
	stakes      *repository.StakeRepository
	accounts    *repository.RewardAccountRepository
	metricsRepo *repository.MetricsRepository
	calc        *rewards.Calculator
	ledger      ledger.Ledger
	clock       clock.Clock
	metrics     *metrics.Metrics
	weeklyRate  decimal.Decimal
}

// NewStakingService creates a new StakingService instance.
// weeklyRate is the NFT stream rate applied to accounts on holdings sync.
func NewStakingService(
	conn db.Conn,
	calc *rewards.Calculator,
	l ledger.Ledger,
	clk clock.Clock,
	m *metrics.Metrics,
	weeklyRate decimal.Decimal,
) *StakingService {
	return &StakingService{
		conn:        conn,
		stakes:      repository.NewStakeRepository(conn),
		accounts:    repository.NewRewardAccountRepository(conn),
		metricsRepo: repository.NewMetricsRepository(conn),
		calc:        calc,
		ledger:      l,
		clock:       clk,
		metrics:     m,
		weeklyRate:  weeklyRate,
	}
}

// CreateStakeInput is the request to record a confirmed deposit as a stake.
type CreateStakeInput struct {
	UserID     string
	Wallet     string
	Amount     decimal.Decimal
	LockPeriod string
	DepositTx  string
}

// CreateStake verifies the external deposit and records the stake.
// The reward account is created on first activity and the wallet is linked
// to the user.
func (s *StakingService) CreateStake(ctx context.Context, in CreateStakeInput) (*model.Stake, error) {
	wallet := normalizeWallet(in.Wallet)
	switch {
	case in.UserID == "":
		return nil, apperr.ErrUnauthenticated
	case wallet == "":
		return nil, ErrWalletRequired
	case !in.Amount.IsPositive():
		return nil, apperr.Validation("amount must be positive")
	case in.DepositTx == "":
		return nil, apperr.Validation("txSignature is required")
	}
	if in.Amount.Exponent() < -rewards.StoragePlaces {
		return nil, apperr.Validation("amount has more than %d decimal places", rewards.StoragePlaces)
	}

	period, err := model.ParseLockPeriod(in.LockPeriod)
	if err != nil {
		return nil, apperr.Validation("%v", err)
	}

	if err := s.ledger.VerifyDeposit(ctx, in.DepositTx, wallet, in.Amount); err != nil {
		return nil, fmt.Errorf("failed to verify deposit: %w", err)
	}

	now := s.clock.Now()
	stake := &model.Stake{
		ID:            uuid.NewString(),
		UserID:        in.UserID,
		WalletAddress: wallet,
		Amount:        in.Amount,
		LockPeriod:    period,
		StartDate:     now,
		UnlockDate:    now.Add(time.Duration(period.Days()) * rewards.Day),
		Status:        model.StakeActive,
		RewardsEarned: decimal.Zero,
		DepositTx:     in.DepositTx,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = db.InTx(ctx, s.conn, func(tx pgx.Tx) error {
		accounts := s.accounts.WithTx(tx)
		if _, _, err := accounts.GetOrCreate(ctx, in.UserID, wallet, now); err != nil {
			return err
		}
		if err := accounts.LinkWallet(ctx, wallet, in.UserID); err != nil {
			return err
		}
		return s.stakes.WithTx(tx).Create(ctx, stake)
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("stake_id", stake.ID).
		Str("user_id", stake.UserID).
		Str("amount", stake.Amount.String()).
		Str("lock_period", string(stake.LockPeriod)).
		Msg("Stake created")

	return stake, nil
}

// CreditStake folds the stake's accrued reward into its earned total and the
// owner's reward bucket. It returns the applied amount, which is zero when
// less than a whole day has elapsed since the last credit.
func (s *StakingService) CreditStake(ctx context.Context, stakeID string) (decimal.Decimal, error) {
	peek, err := s.stakes.GetByID(ctx, stakeID)
	if err != nil {
		return decimal.Zero, err
	}

	applied := decimal.Zero
	err = db.InTx(ctx, s.conn, func(tx pgx.Tx) error {
		// user_rewards before stakes
		if _, err := s.accounts.WithTx(tx).GetForUpdate(ctx, peek.UserID); err != nil {
			return err
		}
		stake, err := s.stakes.WithTx(tx).GetForUpdate(ctx, stakeID)
		if err != nil {
			return err
		}

		// A stake with a withdrawal in flight is frozen at its settlement quote.
		if stake.Status == model.StakeCompleted || stake.SettlementStartedAt != nil {
			return nil
		}

		now := s.clock.Now()
		amount := rewards.RoundForStorage(s.calc.PendingReward(stake, now))
		if !amount.IsPositive() {
			return nil
		}

		if err := s.stakes.WithTx(tx).ApplyCredit(ctx, stakeID, amount, now); err != nil {
			return err
		}
		if err := s.accounts.WithTx(tx).AddStakeRewards(ctx, stake.UserID, amount, now); err != nil {
			return err
		}
		applied = amount
		return nil
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to credit stake %s: %w", stakeID, err)
	}

	s.metrics.Accrued(model.StreamStake, applied)
	return applied, nil
}

// StakeView is a stake with its not-yet-credited reward.
type StakeView struct {
	*model.Stake
	PendingReward decimal.Decimal `json:"pendingReward"`
}

// StakesOverview is the caller's stakes plus the platform aggregate.
type StakesOverview struct {
	Stakes        []StakeView          `json:"stakes"`
	GlobalMetrics *model.GlobalMetrics `json:"globalMetrics"`
}

// ListStakes returns the user's stakes. When wallet is given it must be
// linked to userID.
func (s *StakingService) ListStakes(ctx context.Context, userID, wallet string) (*StakesOverview, error) {
	if wallet = normalizeWallet(wallet); wallet != "" {
		owner, err := s.accounts.ResolveWallet(ctx, wallet)
		switch {
		case errors.Is(err, repository.ErrWalletNotLinked):
			return &StakesOverview{Stakes: []StakeView{}, GlobalMetrics: s.globalOrZero(ctx)}, nil
		case err != nil:
			return nil, err
		case owner != userID:
			return nil, repository.ErrWalletLinkedElsewhere
		}
	}

	stakes, err := s.stakes.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	views := make([]StakeView, 0, len(stakes))
	for _, st := range stakes {
		pending := decimal.Zero
		if st.Status != model.StakeCompleted {
			pending = rewards.RoundForStorage(s.calc.PendingReward(st, now))
		}
		views = append(views, StakeView{Stake: st, PendingReward: pending})
	}

	return &StakesOverview{Stakes: views, GlobalMetrics: s.globalOrZero(ctx)}, nil
}

func (s *StakingService) globalOrZero(ctx context.Context) *model.GlobalMetrics {
	g, err := s.metricsRepo.Get(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load global metrics")
		return &model.GlobalMetrics{TotalValueLocked: decimal.Zero}
	}
	return g
}

// RecomputeGlobalMetrics rebuilds the platform aggregate from a full scan of
// active stakes and stores it.
func (s *StakingService) RecomputeGlobalMetrics(ctx context.Context) (*model.GlobalMetrics, error) {
	acc := rewards.NewMetricsAccumulator()
	if err := s.stakes.ForEachActive(ctx, func(st *model.Stake) error {
		acc.Add(st)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to scan stakes: %w", err)
	}

	result := acc.Result(s.clock.Now())
	if err := s.metricsRepo.Save(ctx, &result); err != nil {
		return nil, err
	}
	s.metrics.SetGlobal(&result)

	log.Info().
		Str("tvl", result.TotalValueLocked.String()).
		Int64("active_stakes", result.ActiveStakes).
		Int64("total_stakers", result.TotalStakers).
		Msg("Global metrics recomputed")

	return &result, nil
}

// ListActiveStakeIDs pages through active stake IDs for the accrual job.
func (s *StakingService) ListActiveStakeIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	return s.stakes.ListActiveIDs(ctx, afterID, limit)
}

// SyncHoldings records the user's current NFT count. Rewards accrued at the
// previous count are folded into pending rewards first, so a count change
// never re-rates elapsed weeks.
func (s *StakingService) SyncHoldings(ctx context.Context, userID, wallet string, totalNFTs int) (*model.RewardAccount, error) {
	wallet = normalizeWallet(wallet)
	if userID == "" {
		return nil, apperr.Validation("userId is required")
	}
	if totalNFTs < 0 {
		return nil, apperr.Validation("totalNfts must not be negative")
	}

	var (
		account *model.RewardAccount
		accrued = decimal.Zero
	)
	err := db.InTx(ctx, s.conn, func(tx pgx.Tx) error {
		accounts := s.accounts.WithTx(tx)
		now := s.clock.Now()

		if _, _, err := accounts.GetOrCreate(ctx, userID, wallet, now); err != nil {
			return err
		}
		if wallet != "" {
			if err := accounts.LinkWallet(ctx, wallet, userID); err != nil {
				return err
			}
		}

		current, err := accounts.GetForUpdate(ctx, userID)
		if err != nil {
			return err
		}

		acc := rewards.AccrueNFT(current, now)
		if acc.Weeks > 0 || current.LastCalculated == nil {
			if err := accounts.ApplyNFTAccrual(ctx, userID, acc.Amount, acc.NewAnchor, now); err != nil {
				return err
			}
		}
		if err := accounts.SetHoldings(ctx, userID, totalNFTs, s.weeklyRate, now); err != nil {
			return err
		}

		accrued = acc.Amount
		account, err = accounts.GetByID(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Accrued(model.StreamNFT, accrued)

	log.Info().
		Str("user_id", userID).
		Int("total_nfts", totalNFTs).
		Msg("Holdings synced")

	return account, nil
}

// Account returns a user's reward account.
func (s *StakingService) Account(ctx context.Context, userID string) (*model.RewardAccount, error) {
	return s.accounts.GetByID(ctx, userID)
}

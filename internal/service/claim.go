package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"realmkin-staking/internal/apperr"
	"realmkin-staking/internal/clock"
	"realmkin-staking/internal/metrics"
	"realmkin-staking/internal/model"
	"realmkin-staking/internal/pkg/db"
	"realmkin-staking/internal/repository"
	"realmkin-staking/internal/rewards"
)

// History limits.
const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// ClaimService settles pending rewards into claim records. Each committed
// claim record is the outbox entry for its transfer, which the settlement
// service dispatches.
type ClaimService struct {
	conn     db.Conn
	stakes   *repository.StakeRepository
	accounts *repository.RewardAccountRepository
	claims   *repository.ClaimRepository
	calc     *rewards.Calculator
	policies map[model.ClaimStream]rewards.ClaimPolicy
	clock    clock.Clock
	metrics  *metrics.Metrics
}

// NewClaimService creates a new ClaimService instance.
func NewClaimService(
	conn db.Conn,
	calc *rewards.Calculator,
	nftPolicy, stakePolicy rewards.ClaimPolicy,
	clk clock.Clock,
	m *metrics.Metrics,
) *ClaimService {
	return &ClaimService{
		conn:     conn,
		stakes:   repository.NewStakeRepository(conn),
		accounts: repository.NewRewardAccountRepository(conn),
		claims:   repository.NewClaimRepository(conn),
		calc:     calc,
		policies: map[model.ClaimStream]rewards.ClaimPolicy{
			model.StreamNFT:   nftPolicy,
			model.StreamStake: stakePolicy,
		},
		clock:   clk,
		metrics: m,
	}
}

// Policy returns the claim policy of a stream.
func (s *ClaimService) Policy(stream model.ClaimStream) (rewards.ClaimPolicy, bool) {
	p, ok := s.policies[stream]
	return p, ok
}

// ClaimRequest asks to claim one stream's pending rewards.
type ClaimRequest struct {
	UserID string
	// Wallet is the destination; when empty the account's wallet is used.
	Wallet string
	Stream model.ClaimStream
	// Amount, when set, is the amount the caller expects to receive. The
	// claim fails if less than that is claimable.
	Amount *decimal.Decimal
}

// claimable is the freshly computed pending state of one stream.
type claimable struct {
	pending     decimal.Decimal
	sourceCount int
	periods     int64
	lastClaimed *time.Time
	// credited is the stake reward credited while computing pending.
	credited decimal.Decimal
}

// Claim settles the stream's pending rewards for the user. Every step runs
// inside one transaction holding the account row lock: the account is
// re-read, pending is recomputed, eligibility is re-validated, the claim
// record is written and the account totals move. Ineligible claims leave no
// trace.
func (s *ClaimService) Claim(ctx context.Context, req ClaimRequest) (*model.ClaimRecord, error) {
	policy, ok := s.policies[req.Stream]
	if !ok {
		return nil, apperr.Validation("unsupported claim stream %q", req.Stream)
	}
	if req.UserID == "" {
		return nil, apperr.ErrUnauthenticated
	}
	if req.Amount != nil && !req.Amount.IsPositive() {
		return nil, apperr.Validation("amount must be positive")
	}

	wallet := normalizeWallet(req.Wallet)
	if wallet != "" {
		if err := s.checkWallet(ctx, req.UserID, wallet); err != nil {
			return nil, err
		}
	}

	var (
		record   *model.ClaimRecord
		credited decimal.Decimal
	)
	err := db.InTx(ctx, s.conn, func(tx pgx.Tx) error {
		accounts := s.accounts.WithTx(tx)
		now := s.clock.Now()

		account, err := accounts.GetForUpdate(ctx, req.UserID)
		if err != nil {
			return err
		}

		dest := wallet
		if dest == "" {
			dest = account.WalletAddress
		}
		if dest == "" {
			return ErrWalletRequired
		}

		var c claimable
		switch req.Stream {
		case model.StreamNFT:
			c = s.nftClaimable(account, now)
		case model.StreamStake:
			c, err = s.stakeClaimable(ctx, tx, account, now)
			if err != nil {
				return err
			}
		}

		if err := policy.CheckCadence(c.lastClaimed, now); err != nil {
			return err
		}
		if err := policy.CheckAmount(c.pending); err != nil {
			return err
		}

		amount := rewards.TruncateToCents(c.pending)
		if !amount.IsPositive() {
			return rewards.ErrNoRewardsAvailable
		}
		if req.Amount != nil && req.Amount.GreaterThan(amount) {
			return ErrAmountExceedsClaimable
		}

		record = newClaimRecord(req.UserID, dest, req.Stream, amount, c.sourceCount, c.periods, now)
		credited = c.credited
		return s.commit(ctx, tx, record, now)
	})
	if err != nil {
		s.metrics.ClaimAttempt(req.Stream, claimOutcome(err))
		return nil, err
	}

	s.metrics.ClaimAttempt(req.Stream, "claimed")
	s.metrics.Claimed(req.Stream, record.Amount)
	s.metrics.Accrued(model.StreamStake, credited)

	log.Info().
		Str("claim_id", record.ID).
		Str("user_id", record.UserID).
		Str("stream", string(record.Stream)).
		Str("amount", record.Amount.String()).
		Msg("Claim committed")

	return record, nil
}

// ForceClaim claims the stored NFT pending rewards as they are, without
// accruing and without the cadence or minimum checks. It is an operator
// escape hatch.
func (s *ClaimService) ForceClaim(ctx context.Context, userID string) (*model.ClaimRecord, error) {
	var record *model.ClaimRecord
	err := db.InTx(ctx, s.conn, func(tx pgx.Tx) error {
		now := s.clock.Now()

		account, err := s.accounts.WithTx(tx).GetForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if account.WalletAddress == "" {
			return ErrWalletRequired
		}

		amount := rewards.TruncateToCents(account.PendingRewards)
		if !amount.IsPositive() {
			return rewards.ErrNoRewardsAvailable
		}

		record = newClaimRecord(userID, account.WalletAddress, model.StreamNFT, amount, account.TotalNFTs, 0, now)
		return s.commit(ctx, tx, record, now)
	})
	if err != nil {
		s.metrics.ClaimAttempt(model.StreamNFT, claimOutcome(err))
		return nil, err
	}

	s.metrics.ClaimAttempt(model.StreamNFT, "forced")
	s.metrics.Claimed(model.StreamNFT, record.Amount)

	log.Warn().
		Str("claim_id", record.ID).
		Str("user_id", userID).
		Str("amount", record.Amount.String()).
		Msg("Force claim committed")

	return record, nil
}

// AccrueNFT folds whole elapsed weeks of NFT rewards into the account's
// stored pending rewards. It returns the amount added.
func (s *ClaimService) AccrueNFT(ctx context.Context, userID string) (decimal.Decimal, error) {
	added := decimal.Zero
	err := db.InTx(ctx, s.conn, func(tx pgx.Tx) error {
		accounts := s.accounts.WithTx(tx)
		now := s.clock.Now()

		account, err := accounts.GetForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		acc := rewards.AccrueNFT(account, now)
		if acc.Weeks <= 0 {
			return nil
		}
		if err := accounts.ApplyNFTAccrual(ctx, userID, acc.Amount, acc.NewAnchor, now); err != nil {
			return err
		}
		added = acc.Amount
		return nil
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to accrue nft rewards for %s: %w", userID, err)
	}
	s.metrics.Accrued(model.StreamNFT, added)
	return added, nil
}

// History returns the user's claim records, newest first.
func (s *ClaimService) History(ctx context.Context, userID string, limit int) ([]*model.ClaimRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	records, err := s.claims.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []*model.ClaimRecord{}
	}
	return records, nil
}

// ListHolderIDs pages through accounts holding NFTs.
func (s *ClaimService) ListHolderIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	return s.accounts.ListHolderIDs(ctx, afterID, limit)
}

// ListPendingIDs pages through accounts with stored NFT pending rewards.
func (s *ClaimService) ListPendingIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	return s.accounts.ListPendingIDs(ctx, afterID, limit)
}

func (s *ClaimService) checkWallet(ctx context.Context, userID, wallet string) error {
	owner, err := s.accounts.ResolveWallet(ctx, wallet)
	if errors.Is(err, repository.ErrWalletNotLinked) {
		return nil
	}
	if err != nil {
		return err
	}
	if owner != userID {
		return repository.ErrWalletLinkedElsewhere
	}
	return nil
}

func (s *ClaimService) nftClaimable(account *model.RewardAccount, now time.Time) claimable {
	acc := rewards.AccrueNFT(account, now)
	return claimable{
		pending:     account.PendingRewards.Add(acc.Amount),
		sourceCount: account.TotalNFTs,
		periods:     acc.Weeks,
		lastClaimed: account.LastClaimed,
	}
}

// stakeClaimable credits every open stake of the user up to now under lock
// and returns the resulting stake reward bucket.
func (s *ClaimService) stakeClaimable(ctx context.Context, tx pgx.Tx, account *model.RewardAccount, now time.Time) (claimable, error) {
	stakes := s.stakes.WithTx(tx)

	open, err := stakes.ListOpenByUserForUpdate(ctx, account.UserID)
	if err != nil {
		return claimable{}, err
	}

	credited := decimal.Zero
	for _, st := range open {
		// Rewards of a stake being withdrawn are paid by the withdrawal.
		if st.SettlementStartedAt != nil {
			return claimable{}, ErrSettlementInProgress
		}
		amount := rewards.RoundForStorage(s.calc.PendingReward(st, now))
		if !amount.IsPositive() {
			continue
		}
		if err := stakes.ApplyCredit(ctx, st.ID, amount, now); err != nil {
			return claimable{}, err
		}
		credited = credited.Add(amount)
	}
	if credited.IsPositive() {
		if err := s.accounts.WithTx(tx).AddStakeRewards(ctx, account.UserID, credited, now); err != nil {
			return claimable{}, err
		}
	}
	since := account.CreatedAt
	if account.LastStakeClaimed != nil {
		since = *account.LastStakeClaimed
	}

	return claimable{
		pending:     account.StakeRewardsPending.Add(credited),
		sourceCount: len(open),
		periods:     rewards.WholeUnits(since, now, rewards.Day),
		lastClaimed: account.LastStakeClaimed,
		credited:    credited,
	}, nil
}

// commit writes the claim record and moves the account totals.
func (s *ClaimService) commit(ctx context.Context, tx pgx.Tx, record *model.ClaimRecord, now time.Time) error {
	if err := s.claims.WithTx(tx).Create(ctx, record); err != nil {
		return err
	}
	if err := s.accounts.WithTx(tx).SettleClaim(ctx, record.UserID, record.Stream, record.Amount, now); err != nil {
		return err
	}
	if record.Stream == model.StreamStake {
		return s.stakes.WithTx(tx).MarkClaimed(ctx, record.UserID, now)
	}
	return nil
}

func newClaimRecord(userID, wallet string, stream model.ClaimStream, amount decimal.Decimal, sourceCount int, periods int64, now time.Time) *model.ClaimRecord {
	return &model.ClaimRecord{
		ID:             claimID(userID, now),
		UserID:         userID,
		WalletAddress:  wallet,
		Stream:         stream,
		Amount:         amount,
		SourceCount:    sourceCount,
		PeriodsClaimed: int(periods),
		ClaimedAt:      now,
		TransferStatus: model.TransferPending,
	}
}

// claimID returns {userId}_{unixMillis}_{random}.
func claimID(userID string, now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s_%d_%s", userID, now.UnixMilli(), random)
}

func claimOutcome(err error) string {
	switch {
	case errors.Is(err, rewards.ErrCadenceNotElapsed), errors.Is(err, rewards.ErrNoRewardsAvailable):
		return "ineligible"
	case apperr.KindOf(err) == apperr.KindInternal:
		return "error"
	}
	return "rejected"
}

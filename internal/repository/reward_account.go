// Package repository provides data access layer implementations.
//
// Lock order: when a transaction locks both a user_rewards row and stakes
// rows, it locks the user_rewards row first.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"realmkin-staking/internal/apperr"
	"realmkin-staking/internal/model"
	"realmkin-staking/internal/pkg/db"
)

// Common errors for reward account operations.
var (
	ErrAccountNotFound       = apperr.New(apperr.KindNotFound, "account_not_found", "reward account not found")
	ErrWalletNotLinked       = apperr.New(apperr.KindNotFound, "wallet_not_linked", "wallet is not linked to any user")
	ErrWalletLinkedElsewhere = apperr.New(apperr.KindUnauthorized, "wallet_linked_elsewhere", "wallet is linked to another user")
)

const accountColumns = `user_id, wallet_address, total_nfts, weekly_rate, stake_rewards_pending,
	total_earned, total_claimed, pending_rewards, total_realmkin,
	last_calculated, last_claimed, last_stake_claimed, created_at, updated_at`

// RewardAccountRepository handles user reward account persistence and the
// wallet -> user lookup index.
type RewardAccountRepository struct {
	db db.DBTX
}

// NewRewardAccountRepository creates a new RewardAccountRepository instance.
func NewRewardAccountRepository(q db.DBTX) *RewardAccountRepository {
	return &RewardAccountRepository{db: q}
}

// WithTx returns a repository bound to tx.
func (r *RewardAccountRepository) WithTx(tx pgx.Tx) *RewardAccountRepository {
	return &RewardAccountRepository{db: tx}
}

func scanAccount(row pgx.Row) (*model.RewardAccount, error) {
	var a model.RewardAccount
	err := row.Scan(
		&a.UserID,
		&a.WalletAddress,
		&a.TotalNFTs,
		&a.WeeklyRate,
		&a.StakeRewardsPending,
		&a.TotalEarned,
		&a.TotalClaimed,
		&a.PendingRewards,
		&a.TotalRealmkin,
		&a.LastCalculated,
		&a.LastClaimed,
		&a.LastStakeClaimed,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetOrCreate returns the account for userID, creating it on first activity.
// The returned bool reports whether the account was created.
func (r *RewardAccountRepository) GetOrCreate(ctx context.Context, userID, wallet string, at time.Time) (*model.RewardAccount, bool, error) {
	const insert = `
		INSERT INTO user_rewards (user_id, wallet_address, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (user_id) DO NOTHING
	`

	tag, err := r.db.Exec(ctx, insert, userID, wallet, at)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create reward account: %w", err)
	}

	account, err := r.GetByID(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return account, tag.RowsAffected() == 1, nil
}

// GetByID retrieves an account by user ID.
// Returns ErrAccountNotFound if the account does not exist.
func (r *RewardAccountRepository) GetByID(ctx context.Context, userID string) (*model.RewardAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM user_rewards WHERE user_id = $1`
	return r.get(ctx, query, userID)
}

// GetForUpdate retrieves an account and locks its row until the enclosing
// transaction ends.
func (r *RewardAccountRepository) GetForUpdate(ctx context.Context, userID string) (*model.RewardAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM user_rewards WHERE user_id = $1 FOR UPDATE`
	return r.get(ctx, query, userID)
}

func (r *RewardAccountRepository) get(ctx context.Context, query, userID string) (*model.RewardAccount, error) {
	account, err := scanAccount(r.db.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get reward account: %w", err)
	}
	return account, nil
}

// AddStakeRewards credits amount to the user's stake reward bucket.
func (r *RewardAccountRepository) AddStakeRewards(ctx context.Context, userID string, amount decimal.Decimal, at time.Time) error {
	const query = `
		UPDATE user_rewards
		SET stake_rewards_pending = stake_rewards_pending + $2, updated_at = $3
		WHERE user_id = $1
	`
	return r.exec(ctx, "credit stake rewards", query, userID, amount, at)
}

// ApplyNFTAccrual folds an NFT stream accrual into pending rewards and moves
// the calculation anchor.
func (r *RewardAccountRepository) ApplyNFTAccrual(ctx context.Context, userID string, amount decimal.Decimal, anchor, at time.Time) error {
	const query = `
		UPDATE user_rewards
		SET pending_rewards = pending_rewards + $2, last_calculated = $3, updated_at = $4
		WHERE user_id = $1
	`
	return r.exec(ctx, "apply nft accrual", query, userID, amount, anchor, at)
}

// SetHoldings updates the NFT count and weekly rate feeding the NFT stream.
func (r *RewardAccountRepository) SetHoldings(ctx context.Context, userID string, totalNFTs int, weeklyRate decimal.Decimal, at time.Time) error {
	const query = `
		UPDATE user_rewards
		SET total_nfts = $2, weekly_rate = $3, updated_at = $4
		WHERE user_id = $1
	`
	return r.exec(ctx, "set holdings", query, userID, totalNFTs, weeklyRate, at)
}

// SettleClaim moves a claimed amount out of the stream's pending bucket and
// into the claimed totals. totalClaimed, totalEarned and totalRealmkin move
// together by exactly amount.
func (r *RewardAccountRepository) SettleClaim(ctx context.Context, userID string, stream model.ClaimStream, amount decimal.Decimal, at time.Time) error {
	var query string
	switch stream {
	case model.StreamNFT:
		query = `
			UPDATE user_rewards
			SET pending_rewards = 0,
			    total_claimed = total_claimed + $2,
			    total_earned = total_earned + $2,
			    total_realmkin = total_realmkin + $2,
			    last_claimed = $3,
			    last_calculated = $3,
			    updated_at = $3
			WHERE user_id = $1
		`
	case model.StreamStake:
		query = `
			UPDATE user_rewards
			SET stake_rewards_pending = 0,
			    total_claimed = total_claimed + $2,
			    total_earned = total_earned + $2,
			    total_realmkin = total_realmkin + $2,
			    last_stake_claimed = $3,
			    updated_at = $3
			WHERE user_id = $1
		`
	default:
		return fmt.Errorf("failed to settle claim: unsupported stream %q", stream)
	}
	return r.exec(ctx, "settle claim", query, userID, amount, at)
}

// ReverseNFTClaim is the compensating write for an NFT claim whose transfer
// failed: the amount returns to pending and leaves the claimed totals.
func (r *RewardAccountRepository) ReverseNFTClaim(ctx context.Context, userID string, amount decimal.Decimal, at time.Time) error {
	const query = `
		UPDATE user_rewards
		SET pending_rewards = pending_rewards + $2,
		    total_claimed = total_claimed - $2,
		    total_earned = total_earned - $2,
		    total_realmkin = total_realmkin - $2,
		    updated_at = $3
		WHERE user_id = $1
	`
	return r.exec(ctx, "reverse nft claim", query, userID, amount, at)
}

// RecordUnstakeRewards removes a completed stake's unclaimed credit from the
// bucket and books the rewards paid out with the withdrawal. The paid amount
// moves the three totals together, like any other claim.
func (r *RewardAccountRepository) RecordUnstakeRewards(ctx context.Context, userID string, removeFromBucket, paid decimal.Decimal, at time.Time) error {
	const query = `
		UPDATE user_rewards
		SET stake_rewards_pending = GREATEST(stake_rewards_pending - $2, 0),
		    total_earned = total_earned + $3,
		    total_claimed = total_claimed + $3,
		    total_realmkin = total_realmkin + $3,
		    updated_at = $4
		WHERE user_id = $1
	`
	return r.exec(ctx, "record unstake rewards", query, userID, removeFromBucket, paid, at)
}

// ListHolderIDs returns up to limit user IDs holding NFTs, ordered by ID and
// starting after afterID.
func (r *RewardAccountRepository) ListHolderIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	const query = `
		SELECT user_id FROM user_rewards
		WHERE total_nfts > 0 AND user_id > $1
		ORDER BY user_id
		LIMIT $2
	`
	return r.listIDs(ctx, query, afterID, limit)
}

// ListPendingIDs returns up to limit user IDs with stored NFT pending
// rewards, ordered by ID and starting after afterID.
func (r *RewardAccountRepository) ListPendingIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	const query = `
		SELECT user_id FROM user_rewards
		WHERE pending_rewards > 0 AND user_id > $1
		ORDER BY user_id
		LIMIT $2
	`
	return r.listIDs(ctx, query, afterID, limit)
}

func (r *RewardAccountRepository) listIDs(ctx context.Context, query, afterID string, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan account ids: %w", err)
	}
	return ids, nil
}

// LinkWallet records wallet as belonging to userID. Linking a wallet that
// already belongs to another user fails with ErrWalletLinkedElsewhere.
func (r *RewardAccountRepository) LinkWallet(ctx context.Context, wallet, userID string) error {
	const query = `
		INSERT INTO wallet_links (wallet_address, user_id)
		VALUES ($1, $2)
		ON CONFLICT (wallet_address) DO NOTHING
	`
	if _, err := r.db.Exec(ctx, query, wallet, userID); err != nil {
		return fmt.Errorf("failed to link wallet: %w", err)
	}

	owner, err := r.ResolveWallet(ctx, wallet)
	if err != nil {
		return err
	}
	if owner != userID {
		return ErrWalletLinkedElsewhere
	}
	return nil
}

// ResolveWallet returns the user ID a wallet is linked to.
func (r *RewardAccountRepository) ResolveWallet(ctx context.Context, wallet string) (string, error) {
	const query = `SELECT user_id FROM wallet_links WHERE wallet_address = $1`

	var userID string
	if err := r.db.QueryRow(ctx, query, wallet).Scan(&userID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrWalletNotLinked
		}
		return "", fmt.Errorf("failed to resolve wallet: %w", err)
	}
	return userID, nil
}

func (r *RewardAccountRepository) exec(ctx context.Context, op, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

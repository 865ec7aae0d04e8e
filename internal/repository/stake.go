package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"realmkin-staking/internal/apperr"
	"realmkin-staking/internal/model"
	"realmkin-staking/internal/pkg/db"
)

// Common errors for stake operations.
var (
	ErrStakeNotFound    = apperr.New(apperr.KindNotFound, "stake_not_found", "stake not found")
	ErrDuplicateDeposit = apperr.New(apperr.KindAlreadyExists, "duplicate_deposit", "deposit transaction already used by another stake")
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

const stakeColumns = `id, user_id, wallet_address, amount, lock_period, start_date, unlock_date,
	status, rewards_earned, rewards_claimed, last_reward_update, deposit_tx,
	unstake_requested_at, settlement_started_at, penalty_amount, rewards_forfeited,
	withdrawal_tx, completed_at, created_at, updated_at`

// StakeRepository handles stake persistence.
type StakeRepository struct {
	db db.DBTX
}

// NewStakeRepository creates a new StakeRepository instance.
func NewStakeRepository(q db.DBTX) *StakeRepository {
	return &StakeRepository{db: q}
}

// WithTx returns a repository bound to tx.
func (r *StakeRepository) WithTx(tx pgx.Tx) *StakeRepository {
	return &StakeRepository{db: tx}
}

func scanStake(row pgx.Row) (*model.Stake, error) {
	var (
		s          model.Stake
		lockPeriod string
		status     string
	)
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.WalletAddress,
		&s.Amount,
		&lockPeriod,
		&s.StartDate,
		&s.UnlockDate,
		&status,
		&s.RewardsEarned,
		&s.RewardsClaimed,
		&s.LastRewardUpdate,
		&s.DepositTx,
		&s.UnstakeRequestedAt,
		&s.SettlementStartedAt,
		&s.PenaltyAmount,
		&s.RewardsForfeited,
		&s.WithdrawalTx,
		&s.CompletedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if s.LockPeriod, err = model.ParseLockPeriod(lockPeriod); err != nil {
		return nil, fmt.Errorf("stake %s: %w", s.ID, err)
	}
	if s.Status, err = model.ParseStakeStatus(status); err != nil {
		return nil, fmt.Errorf("stake %s: %w", s.ID, err)
	}
	return &s, nil
}

// Create inserts a new stake.
// Returns ErrDuplicateDeposit if the deposit transaction is already recorded.
func (r *StakeRepository) Create(ctx context.Context, s *model.Stake) error {
	const query = `
		INSERT INTO stakes (id, user_id, wallet_address, amount, lock_period, start_date,
			unlock_date, status, deposit_tx, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`

	_, err := r.db.Exec(ctx, query,
		s.ID, s.UserID, s.WalletAddress, s.Amount, string(s.LockPeriod), s.StartDate,
		s.UnlockDate, string(s.Status), s.DepositTx, s.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateDeposit
		}
		return fmt.Errorf("failed to create stake: %w", err)
	}
	return nil
}

// GetByID retrieves a stake by ID.
// Returns ErrStakeNotFound if the stake does not exist.
func (r *StakeRepository) GetByID(ctx context.Context, id string) (*model.Stake, error) {
	query := `SELECT ` + stakeColumns + ` FROM stakes WHERE id = $1`
	return r.get(ctx, query, id)
}

// GetForUpdate retrieves a stake and locks its row until the enclosing
// transaction ends.
func (r *StakeRepository) GetForUpdate(ctx context.Context, id string) (*model.Stake, error) {
	query := `SELECT ` + stakeColumns + ` FROM stakes WHERE id = $1 FOR UPDATE`
	return r.get(ctx, query, id)
}

func (r *StakeRepository) get(ctx context.Context, query, id string) (*model.Stake, error) {
	s, err := scanStake(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStakeNotFound
		}
		return nil, fmt.Errorf("failed to get stake: %w", err)
	}
	return s, nil
}

// ListByUser returns a user's stakes, newest first.
func (r *StakeRepository) ListByUser(ctx context.Context, userID string) ([]*model.Stake, error) {
	query := `SELECT ` + stakeColumns + ` FROM stakes WHERE user_id = $1 ORDER BY start_date DESC, id`
	return r.list(ctx, query, userID)
}

// ListOpenByUserForUpdate locks and returns a user's active and unstaking
// stakes in ID order.
func (r *StakeRepository) ListOpenByUserForUpdate(ctx context.Context, userID string) ([]*model.Stake, error) {
	query := `SELECT ` + stakeColumns + ` FROM stakes
		WHERE user_id = $1 AND status IN ('active', 'unstaking')
		ORDER BY id
		FOR UPDATE`
	return r.list(ctx, query, userID)
}

func (r *StakeRepository) list(ctx context.Context, query string, args ...any) ([]*model.Stake, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stakes: %w", err)
	}
	defer rows.Close()

	var stakes []*model.Stake
	for rows.Next() {
		s, err := scanStake(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stake: %w", err)
		}
		stakes = append(stakes, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stakes: %w", err)
	}
	return stakes, nil
}

// ListActiveIDs returns up to limit active stake IDs ordered by ID and
// starting after afterID.
func (r *StakeRepository) ListActiveIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	const query = `
		SELECT id FROM stakes
		WHERE status = 'active' AND id > $1
		ORDER BY id
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list active stakes: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan stake ids: %w", err)
	}
	return ids, nil
}

// ForEachActive streams every active stake to fn.
func (r *StakeRepository) ForEachActive(ctx context.Context, fn func(*model.Stake) error) error {
	query := `SELECT ` + stakeColumns + ` FROM stakes WHERE status = 'active'`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to scan active stakes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		s, err := scanStake(rows)
		if err != nil {
			return fmt.Errorf("failed to scan stake: %w", err)
		}
		if err := fn(s); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ApplyCredit adds amount to rewards_earned and moves the accrual anchor.
func (r *StakeRepository) ApplyCredit(ctx context.Context, id string, amount decimal.Decimal, anchor time.Time) error {
	const query = `
		UPDATE stakes
		SET rewards_earned = rewards_earned + $2, last_reward_update = $3, updated_at = $3
		WHERE id = $1
	`
	return r.exec(ctx, "credit stake", query, id, amount, anchor)
}

// MarkClaimed sweeps every credited reward of the user's open stakes into
// rewards_claimed.
func (r *StakeRepository) MarkClaimed(ctx context.Context, userID string, at time.Time) error {
	const query = `
		UPDATE stakes
		SET rewards_claimed = rewards_earned, updated_at = $2
		WHERE user_id = $1 AND status IN ('active', 'unstaking')
	`
	if _, err := r.db.Exec(ctx, query, userID, at); err != nil {
		return fmt.Errorf("failed to mark stakes claimed: %w", err)
	}
	return nil
}

// MarkUnstaking moves an active stake to unstaking.
func (r *StakeRepository) MarkUnstaking(ctx context.Context, id string, at time.Time) error {
	const query = `
		UPDATE stakes
		SET status = 'unstaking', unstake_requested_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'active'
	`
	return r.exec(ctx, "mark stake unstaking", query, id, at)
}

// BeginSettlement records that a withdrawal transfer is in flight. An
// active stake moves to unstaking.
func (r *StakeRepository) BeginSettlement(ctx context.Context, id string, at time.Time) error {
	const query = `
		UPDATE stakes
		SET settlement_started_at = $2,
		    status = 'unstaking',
		    unstake_requested_at = COALESCE(unstake_requested_at, $2),
		    updated_at = $2
		WHERE id = $1 AND settlement_started_at IS NULL AND status <> 'completed'
	`
	return r.exec(ctx, "begin settlement", query, id, at)
}

// ClearSettlement removes the in-flight marker from a stake that has not
// completed.
func (r *StakeRepository) ClearSettlement(ctx context.Context, id string, at time.Time) error {
	const query = `
		UPDATE stakes
		SET settlement_started_at = NULL, updated_at = $2
		WHERE id = $1 AND status <> 'completed'
	`
	return r.exec(ctx, "clear settlement", query, id, at)
}

// Completion carries the audit fields written when a stake completes.
type Completion struct {
	RewardsEarned    decimal.Decimal
	RewardsClaimed   decimal.Decimal
	PenaltyAmount    decimal.Decimal
	RewardsForfeited decimal.Decimal
	WithdrawalTx     string
	CompletedAt      time.Time
}

// Complete finalizes a stake after its withdrawal transfer succeeded.
func (r *StakeRepository) Complete(ctx context.Context, id string, c Completion) error {
	const query = `
		UPDATE stakes
		SET status = 'completed',
		    rewards_earned = $2,
		    rewards_claimed = $3,
		    last_reward_update = $7,
		    penalty_amount = $4,
		    rewards_forfeited = $5,
		    withdrawal_tx = $6,
		    completed_at = $7,
		    unstake_requested_at = COALESCE(unstake_requested_at, $7),
		    settlement_started_at = NULL,
		    updated_at = $7
		WHERE id = $1 AND status <> 'completed'
	`
	return r.exec(ctx, "complete stake", query, id,
		c.RewardsEarned, c.RewardsClaimed, c.PenaltyAmount, c.RewardsForfeited, c.WithdrawalTx, c.CompletedAt)
}

func (r *StakeRepository) exec(ctx context.Context, op, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStakeNotFound
	}
	return nil
}

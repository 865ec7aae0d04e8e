package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"realmkin-staking/internal/apperr"
	"realmkin-staking/internal/model"
	"realmkin-staking/internal/pkg/db"
)

// ErrClaimNotFound is returned when a claim record does not exist or has
// already left the pending state.
var ErrClaimNotFound = apperr.New(apperr.KindNotFound, "claim_not_found", "claim record not found")

const claimColumns = `id, user_id, wallet_address, stream, amount, source_count, periods_claimed,
	claimed_at, transfer_status, tx_hash, attempts, last_error, settled_at`

// ClaimRepository handles claim record persistence. A pending record is the
// outbox entry for its transfer.
type ClaimRepository struct {
	db db.DBTX
}

// NewClaimRepository creates a new ClaimRepository instance.
func NewClaimRepository(q db.DBTX) *ClaimRepository {
	return &ClaimRepository{db: q}
}

// WithTx returns a repository bound to tx.
func (r *ClaimRepository) WithTx(tx pgx.Tx) *ClaimRepository {
	return &ClaimRepository{db: tx}
}

func scanClaim(row pgx.Row) (*model.ClaimRecord, error) {
	var (
		c      model.ClaimRecord
		stream string
		status string
	)
	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.WalletAddress,
		&stream,
		&c.Amount,
		&c.SourceCount,
		&c.PeriodsClaimed,
		&c.ClaimedAt,
		&status,
		&c.TxHash,
		&c.Attempts,
		&c.LastError,
		&c.SettledAt,
	)
	if err != nil {
		return nil, err
	}

	if c.Stream, err = model.ParseClaimStream(stream); err != nil {
		return nil, fmt.Errorf("claim %s: %w", c.ID, err)
	}
	if c.TransferStatus, err = model.ParseTransferStatus(status); err != nil {
		return nil, fmt.Errorf("claim %s: %w", c.ID, err)
	}
	return &c, nil
}

// Create inserts a claim record.
func (r *ClaimRepository) Create(ctx context.Context, c *model.ClaimRecord) error {
	const query = `
		INSERT INTO claim_records (id, user_id, wallet_address, stream, amount, source_count,
			periods_claimed, claimed_at, transfer_status, tx_hash, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.db.Exec(ctx, query,
		c.ID, c.UserID, c.WalletAddress, string(c.Stream), c.Amount, c.SourceCount,
		c.PeriodsClaimed, c.ClaimedAt, string(c.TransferStatus), c.TxHash, c.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create claim record: %w", err)
	}
	return nil
}

// GetForUpdate retrieves a pending claim and locks its row.
// Returns ErrClaimNotFound if no pending claim has that ID.
func (r *ClaimRepository) GetForUpdate(ctx context.Context, id string) (*model.ClaimRecord, error) {
	query := `SELECT ` + claimColumns + ` FROM claim_records
		WHERE id = $1 AND transfer_status = 'pending'
		FOR UPDATE SKIP LOCKED`

	c, err := scanClaim(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClaimNotFound
		}
		return nil, fmt.Errorf("failed to get claim record: %w", err)
	}
	return c, nil
}

// ListByUser returns a user's claim records, newest first.
func (r *ClaimRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*model.ClaimRecord, error) {
	query := `SELECT ` + claimColumns + ` FROM claim_records
		WHERE user_id = $1
		ORDER BY claimed_at DESC, id
		LIMIT $2`
	return r.list(ctx, query, userID, limit)
}

// ListPendingIDs returns up to limit pending claim IDs ordered by ID and
// starting after afterID.
func (r *ClaimRepository) ListPendingIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	const query = `
		SELECT id FROM claim_records
		WHERE transfer_status = 'pending' AND id > $1
		ORDER BY id
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending claims: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan claim ids: %w", err)
	}
	return ids, nil
}

func (r *ClaimRepository) list(ctx context.Context, query string, args ...any) ([]*model.ClaimRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list claim records: %w", err)
	}
	defer rows.Close()

	var claims []*model.ClaimRecord
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claim record: %w", err)
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claim records: %w", err)
	}
	return claims, nil
}

// MarkSettled records a confirmed transfer.
func (r *ClaimRepository) MarkSettled(ctx context.Context, id, txHash string, at time.Time) error {
	const query = `
		UPDATE claim_records
		SET transfer_status = 'settled', tx_hash = $2, settled_at = $3,
		    attempts = attempts + 1, last_error = NULL
		WHERE id = $1 AND transfer_status = 'pending'
	`
	return r.exec(ctx, "mark claim settled", query, id, txHash, at)
}

// MarkFailed records a transfer that will not be retried.
func (r *ClaimRepository) MarkFailed(ctx context.Context, id, reason string, at time.Time) error {
	const query = `
		UPDATE claim_records
		SET transfer_status = 'failed', last_error = $2, settled_at = $3,
		    attempts = attempts + 1
		WHERE id = $1 AND transfer_status = 'pending'
	`
	return r.exec(ctx, "mark claim failed", query, id, reason, at)
}

// RecordAttempt notes a failed attempt on a claim that stays pending.
func (r *ClaimRepository) RecordAttempt(ctx context.Context, id, reason string) error {
	const query = `
		UPDATE claim_records
		SET attempts = attempts + 1, last_error = $2
		WHERE id = $1 AND transfer_status = 'pending'
	`
	return r.exec(ctx, "record claim attempt", query, id, reason)
}

// RecordSubmitted stores the hash of a broadcast transfer whose outcome is
// not yet known, so the next attempt confirms it instead of resending. An
// empty reason clears last_error.
func (r *ClaimRepository) RecordSubmitted(ctx context.Context, id, txHash, reason string) error {
	const query = `
		UPDATE claim_records
		SET attempts = attempts + 1, tx_hash = $2, last_error = NULLIF($3, '')
		WHERE id = $1 AND transfer_status = 'pending'
	`
	return r.exec(ctx, "record claim submission", query, id, txHash, reason)
}

// ClearSubmitted forgets a broadcast transfer that is known to have failed.
func (r *ClaimRepository) ClearSubmitted(ctx context.Context, id, reason string) error {
	const query = `
		UPDATE claim_records
		SET tx_hash = NULL, last_error = $2
		WHERE id = $1 AND transfer_status = 'pending'
	`
	return r.exec(ctx, "clear claim submission", query, id, reason)
}

func (r *ClaimRepository) exec(ctx context.Context, op, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimNotFound
	}
	return nil
}

package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
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

// RetryConfig bounds the transfer retries of a single settlement attempt.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig returns the settlement retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  30 * time.Second,
	}
}

func (c RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.MaxElapsedTime = c.MaxElapsedTime
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.5

	retries := c.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// SettlementService executes the transfers behind pending claim records and
// applies each stream's failure policy.
type SettlementService struct {
	conn     db.Conn
	accounts *repository.RewardAccountRepository
	claims   *repository.ClaimRepository
	ledger   ledger.Ledger
	failure  map[model.ClaimStream]rewards.FailurePolicy
	retry    RetryConfig
	clock    clock.Clock
	metrics  *metrics.Metrics
}

// NewSettlementService creates a new SettlementService instance.
func NewSettlementService(
	conn db.Conn,
	l ledger.Ledger,
	policies []rewards.ClaimPolicy,
	retry RetryConfig,
	clk clock.Clock,
	m *metrics.Metrics,
) *SettlementService {
	failure := make(map[model.ClaimStream]rewards.FailurePolicy, len(policies))
	for _, p := range policies {
		failure[p.Stream] = p.Failure
	}
	return &SettlementService{
		conn:     conn,
		accounts: repository.NewRewardAccountRepository(conn),
		claims:   repository.NewClaimRepository(conn),
		ledger:   l,
		failure:  failure,
		retry:    retry,
		clock:    clk,
		metrics:  m,
	}
}

// ListPendingIDs pages through pending claim IDs.
func (s *SettlementService) ListPendingIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	return s.claims.ListPendingIDs(ctx, afterID, limit)
}

// Settle dispatches the transfer of one pending claim and records the
// outcome. The claim row stays locked until the transfer is broadcast and
// its hash is committed, so a claim is never dispatched twice; a claim
// locked elsewhere is reported as repository.ErrClaimNotFound.
//
// Every write that follows a broadcast runs on a context that ignores the
// caller's cancellation. A claim with a recorded hash is only ever
// confirmed, never sent again, so the hash must reach the database.
//
// The returned record reflects the outcome: settled, failed (compensated) or
// still pending (retry or confirm later). apperr.ErrTreasuryUnderfunded is
// returned after the attempt is recorded.
func (s *SettlementService) Settle(ctx context.Context, claimID string) (*model.ClaimRecord, error) {
	bookCtx := context.WithoutCancel(ctx)

	var (
		record    *model.ClaimRecord
		outcome   error
		broadcast string
	)

	err := db.InTx(bookCtx, s.conn, func(tx pgx.Tx) error {
		claims := s.claims.WithTx(tx)

		rec, err := claims.GetForUpdate(bookCtx, claimID)
		if err != nil {
			return err
		}
		record = rec

		if rec.TxHash != nil {
			done, err := s.confirmSubmitted(ctx, bookCtx, claims, rec)
			if err != nil || done {
				return err
			}
		}

		if err := s.ledger.EnsureTreasury(ctx, rec.Amount); err != nil {
			if !errors.Is(err, apperr.ErrTreasuryUnderfunded) {
				return err
			}
			outcome = err
			rec.Attempts++
			s.metrics.Settlement(rec.Stream, "underfunded")
			return claims.RecordAttempt(bookCtx, rec.ID, err.Error())
		}

		hash, err := s.send(ctx, rec)
		now := s.clock.Now()

		switch {
		case err == nil:
			broadcast = hash
			rec.Attempts++
			rec.TxHash = &hash
			rec.LastError = nil
			s.metrics.Settlement(rec.Stream, "submitted")
			return claims.RecordSubmitted(bookCtx, rec.ID, hash, "")

		case ctx.Err() != nil:
			// Nothing was broadcast; the claim is picked up by the next run.
			return ctx.Err()

		case errors.Is(err, apperr.ErrTreasuryUnderfunded):
			outcome = err
			rec.Attempts++
			s.metrics.Settlement(rec.Stream, "underfunded")
			return claims.RecordAttempt(bookCtx, rec.ID, err.Error())
		}

		return s.applyFailurePolicy(bookCtx, tx, rec, err, now)
	})
	if err != nil {
		return nil, err
	}
	if broadcast == "" {
		return record, outcome
	}
	return s.awaitSettlement(ctx, bookCtx, record, broadcast)
}

// awaitSettlement waits for a transfer broadcast by this attempt and
// records its outcome. A transfer still unconfirmed when ctx ends stays
// pending with its hash and is confirmed by a later run.
func (s *SettlementService) awaitSettlement(ctx, bookCtx context.Context, rec *model.ClaimRecord, hash string) (*model.ClaimRecord, error) {
	awaitErr := s.ledger.Await(ctx, hash)
	if awaitErr != nil && !errors.Is(awaitErr, ledger.ErrTransferReverted) {
		log.Warn().Err(awaitErr).Str("claim_id", rec.ID).Str("tx_hash", hash).Msg("Claim transfer unconfirmed, will confirm on next run")
		s.metrics.Settlement(rec.Stream, "unconfirmed")
		return rec, nil
	}

	record := rec
	err := db.InTx(bookCtx, s.conn, func(tx pgx.Tx) error {
		claims := s.claims.WithTx(tx)

		current, err := claims.GetForUpdate(bookCtx, rec.ID)
		if err != nil {
			return err
		}
		record = current
		if current.TxHash == nil || *current.TxHash != hash {
			return nil
		}

		if awaitErr == nil {
			return s.markSettled(bookCtx, claims, current, hash, s.clock.Now())
		}
		log.Warn().Str("claim_id", rec.ID).Str("tx_hash", hash).Msg("Claim transfer reverted, will resend on next run")
		current.TxHash = nil
		s.metrics.Settlement(rec.Stream, "reverted")
		return claims.ClearSubmitted(bookCtx, rec.ID, awaitErr.Error())
	})
	if errors.Is(err, repository.ErrClaimNotFound) {
		// Resolved or locked by a concurrent attempt.
		return rec, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// confirmSubmitted resolves a transfer broadcast by an earlier attempt.
// It reports done when nothing more should happen in this attempt.
func (s *SettlementService) confirmSubmitted(ctx, bookCtx context.Context, claims *repository.ClaimRepository, rec *model.ClaimRecord) (bool, error) {
	hash := *rec.TxHash

	err := s.ledger.Confirm(ctx, hash)
	switch {
	case err == nil:
		return true, s.markSettled(bookCtx, claims, rec, hash, s.clock.Now())
	case errors.Is(err, ledger.ErrTransferNotMined):
		rec.Attempts++
		return true, claims.RecordAttempt(bookCtx, rec.ID, err.Error())
	case errors.Is(err, ledger.ErrTransferReverted):
		log.Warn().Str("claim_id", rec.ID).Str("tx_hash", hash).Msg("Earlier claim transfer reverted, resending")
		rec.TxHash = nil
		return false, claims.ClearSubmitted(bookCtx, rec.ID, err.Error())
	}
	return true, err
}

// send broadcasts the claim amount with exponential backoff. Errors that a
// retry cannot fix stop the loop early.
func (s *SettlementService) send(ctx context.Context, rec *model.ClaimRecord) (string, error) {
	var hash string

	operation := func() error {
		h, err := s.ledger.Send(ctx, rec.WalletAddress, rec.Amount)
		if err == nil {
			hash = h
			return nil
		}
		if errors.Is(err, ledger.ErrInvalidAddress) || errors.Is(err, apperr.ErrTreasuryUnderfunded) {
			return backoff.Permanent(err)
		}
		return err
	}

	var attempt int
	notify := func(err error, next time.Duration) {
		attempt++
		log.Warn().
			Err(err).
			Str("claim_id", rec.ID).
			Int("attempt", attempt).
			Dur("next_retry_in", next).
			Msg("Claim transfer failed, retrying")
	}

	err := backoff.RetryNotify(operation, s.retry.backOff(ctx), notify)
	return hash, err
}

func (s *SettlementService) markSettled(ctx context.Context, claims *repository.ClaimRepository, rec *model.ClaimRecord, hash string, now time.Time) error {
	if err := claims.MarkSettled(ctx, rec.ID, hash, now); err != nil {
		log.Error().Err(err).Str("claim_id", rec.ID).Str("tx_hash", hash).Msg("Transfer confirmed but claim could not be marked settled")
		return err
	}
	rec.TransferStatus = model.TransferSettled
	rec.TxHash = &hash
	rec.SettledAt = &now
	rec.Attempts++
	s.metrics.Settlement(rec.Stream, "settled")

	log.Info().
		Str("claim_id", rec.ID).
		Str("user_id", rec.UserID).
		Str("amount", rec.Amount.String()).
		Str("tx_hash", hash).
		Msg("Claim settled")
	return nil
}

// applyFailurePolicy handles a transfer that failed after the retry budget.
// Compensating streams return the amount to pending and fail the claim;
// retrying streams keep the claim pending for the next run.
func (s *SettlementService) applyFailurePolicy(ctx context.Context, tx pgx.Tx, rec *model.ClaimRecord, cause error, now time.Time) error {
	reason := cause.Error()
	rec.Attempts++
	rec.LastError = &reason

	if policy, ok := s.failure[rec.Stream]; !ok || policy != rewards.FailureCompensate {
		log.Warn().Err(cause).Str("claim_id", rec.ID).Int("attempts", rec.Attempts).Msg("Claim transfer failed, will retry")
		s.metrics.Settlement(rec.Stream, "retrying")
		return s.claims.WithTx(tx).RecordAttempt(ctx, rec.ID, reason)
	}

	if err := s.accounts.WithTx(tx).ReverseNFTClaim(ctx, rec.UserID, rec.Amount, now); err != nil {
		return err
	}
	if err := s.claims.WithTx(tx).MarkFailed(ctx, rec.ID, reason, now); err != nil {
		return err
	}
	rec.TransferStatus = model.TransferFailed
	rec.SettledAt = &now
	s.metrics.Settlement(rec.Stream, "compensated")

	log.Warn().
		Err(cause).
		Str("claim_id", rec.ID).
		Str("user_id", rec.UserID).
		Str("amount", rec.Amount.String()).
		Msg("Claim transfer failed, ledger credit reversed")
	return nil
}

package scheduler

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"realmkin-staking/internal/apperr"
	"realmkin-staking/internal/model"
	"realmkin-staking/internal/repository"
	"realmkin-staking/internal/rewards"
	"realmkin-staking/internal/service"
)

// Job names.
const (
	JobStakeAccrual = "stake-accrual"
	JobNFTClaims    = "nft-claims"
	JobNFTForce     = "nft-claims-force"
	JobSettlement   = "settlement"
	JobMetrics      = "metrics"
)

// StakeAccruer credits active stakes.
type StakeAccruer interface {
	ListActiveStakeIDs(ctx context.Context, afterID string, limit int) ([]string, error)
	CreditStake(ctx context.Context, stakeID string) (decimal.Decimal, error)
}

// NFTClaimer accrues and claims the NFT stream.
type NFTClaimer interface {
	ListHolderIDs(ctx context.Context, afterID string, limit int) ([]string, error)
	ListPendingIDs(ctx context.Context, afterID string, limit int) ([]string, error)
	AccrueNFT(ctx context.Context, userID string) (decimal.Decimal, error)
	Claim(ctx context.Context, req service.ClaimRequest) (*model.ClaimRecord, error)
	ForceClaim(ctx context.Context, userID string) (*model.ClaimRecord, error)
}

// Settler dispatches pending claim transfers.
type Settler interface {
	ListPendingIDs(ctx context.Context, afterID string, limit int) ([]string, error)
	Settle(ctx context.Context, claimID string) (*model.ClaimRecord, error)
}

// MetricsRecomputer rebuilds the platform aggregate.
type MetricsRecomputer interface {
	RecomputeGlobalMetrics(ctx context.Context) (*model.GlobalMetrics, error)
}

// Jobs binds the reward services to the driver.
type Jobs struct {
	driver  *Driver
	stakes  StakeAccruer
	claims  NFTClaimer
	settler Settler
	stats   MetricsRecomputer
}

// NewJobs creates a new Jobs instance.
func NewJobs(driver *Driver, stakes StakeAccruer, claims NFTClaimer, settler Settler, stats MetricsRecomputer) *Jobs {
	return &Jobs{
		driver:  driver,
		stakes:  stakes,
		claims:  claims,
		settler: settler,
		stats:   stats,
	}
}

// Driver returns the underlying driver.
func (j *Jobs) Driver() *Driver {
	return j.driver
}

// RunStakeAccrual credits every active stake.
func (j *Jobs) RunStakeAccrual(ctx context.Context) (*RunSummary, error) {
	return j.driver.Run(ctx, Job{
		Name:   JobStakeAccrual,
		Source: j.stakes.ListActiveStakeIDs,
		Handle: func(ctx context.Context, id string) Result {
			amount, err := j.stakes.CreditStake(ctx, id)
			switch {
			case errors.Is(err, repository.ErrStakeNotFound):
				return Skipped(err)
			case err != nil:
				return Failed(err)
			case !amount.IsPositive():
				return Skipped(nil)
			}
			return Updated(amount)
		},
	})
}

// RunNFTClaims accrues and claims the NFT stream for every holder. Accounts
// whose cadence has not elapsed, or with nothing to claim, are skipped.
func (j *Jobs) RunNFTClaims(ctx context.Context) (*RunSummary, error) {
	return j.driver.Run(ctx, Job{
		Name:   JobNFTClaims,
		Source: j.claims.ListHolderIDs,
		Handle: func(ctx context.Context, id string) Result {
			if _, err := j.claims.AccrueNFT(ctx, id); err != nil {
				return Failed(err)
			}
			record, err := j.claims.Claim(ctx, service.ClaimRequest{UserID: id, Stream: model.StreamNFT})
			if err != nil {
				if ineligible(err) {
					return Skipped(err)
				}
				return Failed(err)
			}
			return Updated(record.Amount)
		},
	})
}

// RunForceNFTClaims claims the stored NFT pending rewards of every account
// that has any, ignoring cadence and the minimum. It shares the lock of the
// regular NFT claim job.
func (j *Jobs) RunForceNFTClaims(ctx context.Context) (*RunSummary, error) {
	return j.driver.Run(ctx, Job{
		Name:    JobNFTForce,
		LockKey: JobNFTClaims,
		Source:  j.claims.ListPendingIDs,
		Handle: func(ctx context.Context, id string) Result {
			record, err := j.claims.ForceClaim(ctx, id)
			if err != nil {
				if ineligible(err) {
					return Skipped(err)
				}
				return Failed(err)
			}
			return Updated(record.Amount)
		},
	})
}

// RunSettlement dispatches every pending claim transfer. An underfunded
// treasury ends the run.
func (j *Jobs) RunSettlement(ctx context.Context) (*RunSummary, error) {
	return j.driver.Run(ctx, Job{
		Name:   JobSettlement,
		Source: j.settler.ListPendingIDs,
		Handle: func(ctx context.Context, id string) Result {
			record, err := j.settler.Settle(ctx, id)
			switch {
			case errors.Is(err, repository.ErrClaimNotFound):
				// settled meanwhile, or locked by a concurrent attempt
				return Skipped(err)
			case err != nil:
				return Failed(err)
			}
			return settlementResult(record)
		},
		StopOn: func(err error) bool {
			return errors.Is(err, apperr.ErrTreasuryUnderfunded)
		},
	})
}

func settlementResult(record *model.ClaimRecord) Result {
	switch record.TransferStatus {
	case model.TransferSettled:
		return Updated(record.Amount)
	case model.TransferFailed:
		return Failed(errors.New(deref(record.LastError, "transfer failed")))
	}
	// Pending: awaiting confirmation of a broadcast transfer, or retrying.
	if record.TxHash != nil {
		return Skipped(nil)
	}
	return Failed(errors.New(deref(record.LastError, "transfer pending")))
}

// RunMetrics recomputes the platform aggregate.
func (j *Jobs) RunMetrics(ctx context.Context) (*RunSummary, error) {
	return j.driver.Run(ctx, Job{
		Name: JobMetrics,
		Source: func(_ context.Context, afterID string, _ int) ([]string, error) {
			if afterID != "" {
				return nil, nil
			}
			return []string{"stats"}, nil
		},
		Handle: func(ctx context.Context, _ string) Result {
			g, err := j.stats.RecomputeGlobalMetrics(ctx)
			if err != nil {
				return Failed(err)
			}
			return Updated(g.TotalValueLocked)
		},
	})
}

// ineligible reports errors that mean "nothing to do yet" for an account.
func ineligible(err error) bool {
	return errors.Is(err, rewards.ErrCadenceNotElapsed) ||
		errors.Is(err, rewards.ErrNoRewardsAvailable) ||
		errors.Is(err, service.ErrWalletRequired)
}

func deref(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}

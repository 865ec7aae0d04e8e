package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Schedule maps job names to run intervals. A zero interval disables a job.
type Schedule struct {
	StakeAccrual time.Duration
	NFTClaims    time.Duration
	Settlement   time.Duration
	Metrics      time.Duration
}

// Runner triggers jobs on fixed intervals until stopped.
type Runner struct {
	jobs     *Jobs
	schedule Schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a new Runner instance.
func NewRunner(jobs *Jobs, schedule Schedule) *Runner {
	return &Runner{jobs: jobs, schedule: schedule}
}

// Start launches one ticker goroutine per enabled job.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.every(ctx, JobStakeAccrual, r.schedule.StakeAccrual, r.jobs.RunStakeAccrual)
	r.every(ctx, JobNFTClaims, r.schedule.NFTClaims, r.jobs.RunNFTClaims)
	r.every(ctx, JobSettlement, r.schedule.Settlement, r.jobs.RunSettlement)
	r.every(ctx, JobMetrics, r.schedule.Metrics, r.jobs.RunMetrics)

	log.Info().
		Dur("stake_accrual", r.schedule.StakeAccrual).
		Dur("nft_claims", r.schedule.NFTClaims).
		Dur("settlement", r.schedule.Settlement).
		Dur("metrics", r.schedule.Metrics).
		Msg("Scheduler started")
}

// Stop cancels running jobs and waits for the goroutines to exit.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	log.Info().Msg("Scheduler stopped")
}

func (r *Runner) every(ctx context.Context, name string, interval time.Duration, run func(context.Context) (*RunSummary, error)) {
	if interval <= 0 {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, err := run(ctx)
				switch {
				case errors.Is(err, ErrJobRunning):
					log.Debug().Str("job", name).Msg("Previous run still in progress, skipping tick")
				case err != nil && ctx.Err() == nil:
					log.Error().Err(err).Str("job", name).Msg("Scheduled job failed")
				}
			}
		}
	}()
}

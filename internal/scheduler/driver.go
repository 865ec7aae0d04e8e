// Package scheduler runs the reward batch jobs: stake accrual, NFT claims,
// claim settlement and the global metrics recompute.
//
// A job pages entity IDs from its source in bounded batches. Batches run one
// after another; the items of a batch fan out on a bounded worker pool. A
// failing item is recorded in the run summary and never stops its siblings.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"realmkin-staking/internal/apperr"
	"realmkin-staking/internal/clock"
	"realmkin-staking/internal/metrics"
	"realmkin-staking/internal/pkg/lock"
)

// ErrJobRunning is returned when a run of the same job is still in progress.
var ErrJobRunning = apperr.New(apperr.KindFailedPrecondition, "job_running", "job is already running")

// Outcome is the result of one item of a batch.
type Outcome string

// Item outcomes.
const (
	OutcomeUpdated Outcome = "updated"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Result is what a handler reports for one item.
type Result struct {
	Outcome Outcome
	Amount  decimal.Decimal
	Err     error
}

// Updated reports an item that changed state.
func Updated(amount decimal.Decimal) Result {
	return Result{Outcome: OutcomeUpdated, Amount: amount}
}

// Skipped reports an item that needed no work.
func Skipped(reason error) Result {
	return Result{Outcome: OutcomeSkipped, Amount: decimal.Zero, Err: reason}
}

// Failed reports an item that failed.
func Failed(err error) Result {
	return Result{Outcome: OutcomeFailed, Amount: decimal.Zero, Err: err}
}

// Detail is the per-item line of a run summary.
type Detail struct {
	ID      string          `json:"id"`
	Outcome Outcome         `json:"outcome"`
	Amount  decimal.Decimal `json:"amount"`
	Error   string          `json:"error,omitempty"`
}

// RunSummary describes one job run.
type RunSummary struct {
	Job         string          `json:"job"`
	StartedAt   time.Time       `json:"startedAt"`
	FinishedAt  time.Time       `json:"finishedAt"`
	Processed   int             `json:"processed"`
	Updated     int             `json:"updated"`
	Skipped     int             `json:"skipped"`
	Failed      int             `json:"failed"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Details     []Detail        `json:"details"`
	// Aborted is set when a StopOn error ended the run before the source was
	// exhausted.
	Aborted bool `json:"aborted"`
}

func (s *RunSummary) add(d Detail) {
	s.Processed++
	s.Details = append(s.Details, d)
	switch d.Outcome {
	case OutcomeUpdated:
		s.Updated++
		s.TotalAmount = s.TotalAmount.Add(d.Amount)
	case OutcomeSkipped:
		s.Skipped++
	default:
		s.Failed++
	}
}

// Source returns up to limit IDs strictly after afterID in a stable order.
// An empty page ends the run.
type Source func(ctx context.Context, afterID string, limit int) ([]string, error)

// Handler processes one item.
type Handler func(ctx context.Context, id string) Result

// Job is a paged batch job.
type Job struct {
	Name string
	// LockKey groups jobs that must not overlap. Defaults to Name.
	LockKey string
	Source  Source
	Handle  Handler
	// StopOn, when set, ends the run after the current batch if any item
	// failed with a matching error. That error is returned from Run.
	StopOn func(error) bool
}

func (j Job) lockKey() string {
	if j.LockKey != "" {
		return j.LockKey
	}
	return j.Name
}

// Driver executes jobs with bounded batches and bounded fan-out.
type Driver struct {
	batchSize   int
	concurrency int
	locks       *lock.KeyLock[string]
	clock       clock.Clock
	metrics     *metrics.Metrics
}

// NewDriver creates a new Driver instance.
func NewDriver(batchSize, concurrency int, clk clock.Clock, m *metrics.Metrics) *Driver {
	if batchSize <= 0 {
		batchSize = 20
	}
	if concurrency <= 0 {
		concurrency = batchSize
	}
	return &Driver{
		batchSize:   batchSize,
		concurrency: concurrency,
		locks:       lock.New[string](),
		clock:       clk,
		metrics:     m,
	}
}

// Running reports whether a job holding key is in progress.
func (d *Driver) Running(key string) bool {
	return d.locks.IsLocked(key)
}

// Run executes job until its source is exhausted, ctx is done, or a StopOn
// error aborts it. The summary is returned even when err is non-nil.
func (d *Driver) Run(ctx context.Context, job Job) (*RunSummary, error) {
	summary := &RunSummary{
		Job:         job.Name,
		StartedAt:   d.clock.Now(),
		TotalAmount: decimal.Zero,
		Details:     []Detail{},
	}

	key := job.lockKey()
	if !d.locks.TryLock(key) {
		summary.FinishedAt = d.clock.Now()
		return summary, ErrJobRunning
	}
	defer d.locks.Unlock(key)

	start := time.Now()
	err := d.run(ctx, job, summary)
	summary.FinishedAt = d.clock.Now()

	d.metrics.JobRun(job.Name, time.Since(start), err, summary.Updated, summary.Skipped, summary.Failed)

	event := log.Info()
	if err != nil {
		event = log.Error().Err(err)
	}
	event.
		Str("job", job.Name).
		Int("processed", summary.Processed).
		Int("updated", summary.Updated).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Str("total_amount", summary.TotalAmount.String()).
		Bool("aborted", summary.Aborted).
		Msg("Batch job finished")

	return summary, err
}

func (d *Driver) run(ctx context.Context, job Job, summary *RunSummary) error {
	pool := pond.NewResultPool[Detail](d.concurrency, pond.WithContext(ctx))
	defer pool.StopAndWait()

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ids, err := job.Source(ctx, after, d.batchSize)
		if err != nil {
			return fmt.Errorf("failed to load %s batch: %w", job.Name, err)
		}
		if len(ids) == 0 {
			return nil
		}
		after = ids[len(ids)-1]

		batch, err := d.runBatch(ctx, pool, job, ids)
		for _, detail := range batch.details {
			// tasks dropped by a cancelled pool return zero details
			if detail.ID == "" {
				continue
			}
			summary.add(detail)
		}
		if err != nil {
			return err
		}
		if batch.stop != nil {
			summary.Aborted = true
			return batch.stop
		}
		if len(ids) < d.batchSize {
			return nil
		}
	}
}

type batchResult struct {
	details []Detail
	// stop is the first item error that matched the job's StopOn.
	stop error
}

// runBatch fans one batch out on the pool and returns its details in ID
// order.
func (d *Driver) runBatch(ctx context.Context, pool pond.ResultPool[Detail], job Job, ids []string) (batchResult, error) {
	var (
		stopMu sync.Mutex
		stop   error
	)

	group := pool.NewGroup()
	for _, id := range ids {
		id := id
		group.Submit(func() Detail {
			res := d.handle(ctx, job, id)
			if res.Err != nil && res.Outcome == OutcomeFailed && job.StopOn != nil && job.StopOn(res.Err) {
				stopMu.Lock()
				if stop == nil {
					stop = res.Err
				}
				stopMu.Unlock()
			}

			detail := Detail{ID: id, Outcome: res.Outcome, Amount: res.Amount}
			if res.Err != nil {
				detail.Error = res.Err.Error()
			}
			return detail
		})
	}

	details, err := group.Wait()
	if err != nil {
		return batchResult{details: details}, fmt.Errorf("%s batch interrupted: %w", job.Name, err)
	}
	return batchResult{details: details, stop: stop}, nil
}

// handle runs one item and converts a panic into a failed item.
func (d *Driver) handle(ctx context.Context, job Job, id string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job", job.Name).Str("id", id).Interface("panic", r).Msg("Batch item panicked")
			res = Failed(fmt.Errorf("panic: %v", r))
		}
	}()

	res = job.Handle(ctx, id)
	if res.Outcome == "" {
		res.Outcome = OutcomeFailed
	}
	if res.Outcome == OutcomeFailed && res.Err != nil {
		log.Warn().Err(res.Err).Str("job", job.Name).Str("id", id).Msg("Batch item failed")
	}
	return res
}

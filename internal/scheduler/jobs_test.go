package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realmkin-staking/internal/apperr"
	"realmkin-staking/internal/model"
	"realmkin-staking/internal/repository"
	"realmkin-staking/internal/rewards"
	"realmkin-staking/internal/service"
)

func page(ids []string, afterID string, limit int) []string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	out := []string{}
	for _, id := range sorted {
		if id > afterID && len(out) < limit {
			out = append(out, id)
		}
	}
	return out
}

type fakeStakes struct {
	credits map[string]decimal.Decimal
	errs    map[string]error
}

func (f *fakeStakes) ListActiveStakeIDs(_ context.Context, afterID string, limit int) ([]string, error) {
	ids := make([]string, 0, len(f.credits)+len(f.errs))
	for id := range f.credits {
		ids = append(ids, id)
	}
	for id := range f.errs {
		ids = append(ids, id)
	}
	return page(ids, afterID, limit), nil
}

func (f *fakeStakes) CreditStake(_ context.Context, id string) (decimal.Decimal, error) {
	if err, ok := f.errs[id]; ok {
		return decimal.Zero, err
	}
	return f.credits[id], nil
}

type fakeClaims struct {
	mu       sync.Mutex
	holders  []string
	pending  []string
	claimErr map[string]error
	amounts  map[string]decimal.Decimal
	accrued  []string
	forced   []string
}

func (f *fakeClaims) ListHolderIDs(_ context.Context, afterID string, limit int) ([]string, error) {
	return page(f.holders, afterID, limit), nil
}

func (f *fakeClaims) ListPendingIDs(_ context.Context, afterID string, limit int) ([]string, error) {
	return page(f.pending, afterID, limit), nil
}

func (f *fakeClaims) AccrueNFT(_ context.Context, userID string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accrued = append(f.accrued, userID)
	return decimal.Zero, nil
}

func (f *fakeClaims) Claim(_ context.Context, req service.ClaimRequest) (*model.ClaimRecord, error) {
	if req.Stream != model.StreamNFT {
		return nil, errors.New("unexpected stream")
	}
	if err, ok := f.claimErr[req.UserID]; ok {
		return nil, err
	}
	return &model.ClaimRecord{ID: req.UserID + "_claim", UserID: req.UserID, Amount: f.amounts[req.UserID]}, nil
}

func (f *fakeClaims) ForceClaim(_ context.Context, userID string) (*model.ClaimRecord, error) {
	f.mu.Lock()
	f.forced = append(f.forced, userID)
	f.mu.Unlock()
	if err, ok := f.claimErr[userID]; ok {
		return nil, err
	}
	return &model.ClaimRecord{ID: userID + "_claim", UserID: userID, Amount: f.amounts[userID]}, nil
}

type fakeSettler struct {
	records map[string]*model.ClaimRecord
	errs    map[string]error
}

func (f *fakeSettler) ListPendingIDs(_ context.Context, afterID string, limit int) ([]string, error) {
	ids := []string{}
	for id := range f.records {
		ids = append(ids, id)
	}
	for id := range f.errs {
		ids = append(ids, id)
	}
	return page(ids, afterID, limit), nil
}

func (f *fakeSettler) Settle(_ context.Context, id string) (*model.ClaimRecord, error) {
	if err, ok := f.errs[id]; ok {
		return f.records[id], err
	}
	return f.records[id], nil
}

type fakeStats struct{ calls atomic.Int32 }

func (f *fakeStats) RecomputeGlobalMetrics(context.Context) (*model.GlobalMetrics, error) {
	f.calls.Add(1)
	return &model.GlobalMetrics{TotalValueLocked: decimal.NewFromInt(1500), ActiveStakes: 3}, nil
}

func strPtr(s string) *string { return &s }

func TestRunStakeAccrual(t *testing.T) {
	stakes := &fakeStakes{
		credits: map[string]decimal.Decimal{
			"s1": decimal.RequireFromString("1.643836"),
			"s2": decimal.Zero,
		},
		errs: map[string]error{
			"s3": repository.ErrStakeNotFound,
			"s4": errors.New("deadlock detected"),
		},
	}
	jobs := NewJobs(newTestDriver(2, 2), stakes, &fakeClaims{}, &fakeSettler{}, &fakeStats{})

	summary, err := jobs.RunStakeAccrual(context.Background())
	require.NoError(t, err)

	assert.Equal(t, JobStakeAccrual, summary.Job)
	assert.Equal(t, 4, summary.Processed)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, "1.643836", summary.TotalAmount.String())
}

func TestRunStakeAccrualIsIdempotentOnSecondPass(t *testing.T) {
	stakes := &fakeStakes{credits: map[string]decimal.Decimal{"s1": decimal.NewFromInt(3)}}
	jobs := NewJobs(newTestDriver(20, 4), stakes, &fakeClaims{}, &fakeSettler{}, &fakeStats{})

	first, err := jobs.RunStakeAccrual(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Updated)

	// less than a day later nothing is credited
	stakes.credits["s1"] = decimal.Zero
	second, err := jobs.RunStakeAccrual(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Updated)
	assert.Equal(t, 1, second.Skipped)
	assert.True(t, second.TotalAmount.IsZero())
}

func TestRunNFTClaims(t *testing.T) {
	claims := &fakeClaims{
		holders: []string{"u1", "u2", "u3", "u4"},
		amounts: map[string]decimal.Decimal{"u1": decimal.NewFromInt(200), "u4": decimal.NewFromInt(400)},
		claimErr: map[string]error{
			"u2": rewards.ErrCadenceNotElapsed,
			"u3": apperr.Validation("bad"),
		},
	}
	jobs := NewJobs(newTestDriver(20, 4), &fakeStakes{}, claims, &fakeSettler{}, &fakeStats{})

	summary, err := jobs.RunNFTClaims(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Processed)
	assert.Equal(t, 2, summary.Updated)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Failed)
	assert.True(t, decimal.NewFromInt(600).Equal(summary.TotalAmount))
	assert.ElementsMatch(t, claims.holders, claims.accrued)
}

func TestRunForceNFTClaimsUsesPendingAccounts(t *testing.T) {
	claims := &fakeClaims{
		holders:  []string{"u1"},
		pending:  []string{"u7", "u8"},
		amounts:  map[string]decimal.Decimal{"u7": decimal.NewFromInt(5)},
		claimErr: map[string]error{"u8": rewards.ErrNoRewardsAvailable},
	}
	jobs := NewJobs(newTestDriver(20, 4), &fakeStakes{}, claims, &fakeSettler{}, &fakeStats{})

	summary, err := jobs.RunForceNFTClaims(context.Background())
	require.NoError(t, err)

	assert.Equal(t, JobNFTForce, summary.Job)
	assert.ElementsMatch(t, []string{"u7", "u8"}, claims.forced)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, 1, summary.Skipped)
	assert.Empty(t, claims.accrued)
}

func TestRunSettlementStopsWhenUnderfunded(t *testing.T) {
	settler := &fakeSettler{
		records: map[string]*model.ClaimRecord{
			"c1": {ID: "c1", Amount: decimal.NewFromInt(10), TransferStatus: model.TransferSettled},
			"c2": {ID: "c2", Amount: decimal.NewFromInt(10), TransferStatus: model.TransferPending},
			"c3": {ID: "c3", Amount: decimal.NewFromInt(10), TransferStatus: model.TransferSettled},
		},
		errs: map[string]error{"c2": apperr.ErrTreasuryUnderfunded},
	}
	jobs := NewJobs(newTestDriver(2, 1), &fakeStakes{}, &fakeClaims{}, settler, &fakeStats{})

	summary, err := jobs.RunSettlement(context.Background())
	require.ErrorIs(t, err, apperr.ErrTreasuryUnderfunded)

	assert.True(t, summary.Aborted)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, 1, summary.Failed)
}

func TestSettlementResult(t *testing.T) {
	hash := "0xabc"
	tests := []struct {
		name    string
		record  *model.ClaimRecord
		outcome Outcome
		errText string
	}{
		{
			name:    "settled",
			record:  &model.ClaimRecord{TransferStatus: model.TransferSettled, Amount: decimal.NewFromInt(1)},
			outcome: OutcomeUpdated,
		},
		{
			name:    "compensated",
			record:  &model.ClaimRecord{TransferStatus: model.TransferFailed, LastError: strPtr("invalid address")},
			outcome: OutcomeFailed,
			errText: "invalid address",
		},
		{
			name:    "awaiting confirmation",
			record:  &model.ClaimRecord{TransferStatus: model.TransferPending, TxHash: &hash},
			outcome: OutcomeSkipped,
		},
		{
			name:    "retrying",
			record:  &model.ClaimRecord{TransferStatus: model.TransferPending, LastError: strPtr("rpc timeout")},
			outcome: OutcomeFailed,
			errText: "rpc timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := settlementResult(tt.record)
			assert.Equal(t, tt.outcome, res.Outcome)
			if tt.errText != "" {
				require.Error(t, res.Err)
				assert.Equal(t, tt.errText, res.Err.Error())
			}
		})
	}
}

func TestRunMetrics(t *testing.T) {
	stats := &fakeStats{}
	jobs := NewJobs(newTestDriver(20, 4), &fakeStakes{}, &fakeClaims{}, &fakeSettler{}, stats)

	summary, err := jobs.RunMetrics(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), stats.calls.Load())
	assert.Equal(t, 1, summary.Updated)
	assert.True(t, decimal.NewFromInt(1500).Equal(summary.TotalAmount))
}

func TestRunnerTicksAndStops(t *testing.T) {
	stats := &fakeStats{}
	jobs := NewJobs(newTestDriver(20, 1), &fakeStakes{}, &fakeClaims{}, &fakeSettler{}, stats)

	runner := NewRunner(jobs, Schedule{Metrics: 5 * time.Millisecond})
	runner.Start(context.Background())

	require.Eventually(t, func() bool {
		return metricsCalls(jobs) > 0
	}, time.Second, 5*time.Millisecond)

	runner.Stop()
}

func metricsCalls(jobs *Jobs) int {
	return int(jobs.stats.(*fakeStats).calls.Load())
}

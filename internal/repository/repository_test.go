// Integration tests run against a PostgreSQL container started with
// testcontainers-go and are skipped when Docker is unavailable.
package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realmkin-staking/internal/model"
	"realmkin-staking/internal/pkg/db/dbtest"
)

var t0 = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestStake(id, userID, depositTx string) *model.Stake {
	return &model.Stake{
		ID:            id,
		UserID:        userID,
		WalletAddress: "0xwallet-" + userID,
		Amount:        dec("100"),
		LockPeriod:    model.Lock30Days,
		StartDate:     t0,
		UnlockDate:    t0.Add(30 * 24 * time.Hour),
		Status:        model.StakeActive,
		DepositTx:     depositTx,
		CreatedAt:     t0,
	}
}

// ============================================================================
// RewardAccountRepository Tests
// ============================================================================

func TestRewardAccountRepository_GetOrCreate(t *testing.T) {
	pool := dbtest.Setup(t)
	repo := NewRewardAccountRepository(pool)
	ctx := context.Background()

	account, created, err := repo.GetOrCreate(ctx, "user-1", "0xabc", t0)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "0xabc", account.WalletAddress)
	assert.True(t, account.PendingRewards.IsZero())
	assert.Nil(t, account.LastClaimed)

	again, created, err := repo.GetOrCreate(ctx, "user-1", "0xother", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "0xabc", again.WalletAddress)

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestRewardAccountRepository_Wallets(t *testing.T) {
	pool := dbtest.Setup(t)
	repo := NewRewardAccountRepository(pool)
	ctx := context.Background()

	for _, id := range []string{"alice", "bob"} {
		_, _, err := repo.GetOrCreate(ctx, id, "", t0)
		require.NoError(t, err)
	}

	_, err := repo.ResolveWallet(ctx, "0xa11ce")
	assert.ErrorIs(t, err, ErrWalletNotLinked)

	require.NoError(t, repo.LinkWallet(ctx, "0xa11ce", "alice"))
	require.NoError(t, repo.LinkWallet(ctx, "0xa11ce", "alice"))
	assert.ErrorIs(t, repo.LinkWallet(ctx, "0xa11ce", "bob"), ErrWalletLinkedElsewhere)

	owner, err := repo.ResolveWallet(ctx, "0xa11ce")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)
}

func TestRewardAccountRepository_ClaimAndReverse(t *testing.T) {
	pool := dbtest.Setup(t)
	repo := NewRewardAccountRepository(pool)
	ctx := context.Background()

	_, _, err := repo.GetOrCreate(ctx, "user-1", "0xabc", t0)
	require.NoError(t, err)
	require.NoError(t, repo.ApplyNFTAccrual(ctx, "user-1", dec("15"), t0.Add(14*24*time.Hour), t0))

	claimedAt := t0.Add(15 * 24 * time.Hour)
	require.NoError(t, repo.SettleClaim(ctx, "user-1", model.StreamNFT, dec("15"), claimedAt))

	account, err := repo.GetByID(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, account.PendingRewards.IsZero())
	assert.True(t, account.TotalClaimed.Equal(dec("15")))
	assert.True(t, account.TotalEarned.Equal(dec("15")))
	require.NotNil(t, account.LastClaimed)
	assert.True(t, account.LastClaimed.Equal(claimedAt))

	require.NoError(t, repo.ReverseNFTClaim(ctx, "user-1", dec("15"), claimedAt))

	account, err = repo.GetByID(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, account.PendingRewards.Equal(dec("15")))
	assert.True(t, account.TotalClaimed.IsZero())
	assert.True(t, account.TotalRealmkin.IsZero())

	assert.ErrorIs(t, repo.SettleClaim(ctx, "ghost", model.StreamNFT, dec("1"), claimedAt), ErrAccountNotFound)
	assert.Error(t, repo.SettleClaim(ctx, "user-1", model.StreamUnstake, dec("1"), claimedAt))
}

func TestRewardAccountRepository_RecordUnstakeRewards(t *testing.T) {
	pool := dbtest.Setup(t)
	repo := NewRewardAccountRepository(pool)
	ctx := context.Background()

	_, _, err := repo.GetOrCreate(ctx, "user-1", "0xabc", t0)
	require.NoError(t, err)
	require.NoError(t, repo.AddStakeRewards(ctx, "user-1", dec("6.5"), t0))

	require.NoError(t, repo.RecordUnstakeRewards(ctx, "user-1", dec("6.5"), dec("6.5"), t0.Add(time.Hour)))

	account, err := repo.GetByID(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, account.StakeRewardsPending.IsZero())
	assert.True(t, account.TotalClaimed.Equal(dec("6.5")))
	assert.True(t, account.TotalEarned.Equal(dec("6.5")))
	assert.True(t, account.TotalRealmkin.Equal(dec("6.5")))

	// A forfeited credit leaves the bucket without touching the totals.
	require.NoError(t, repo.AddStakeRewards(ctx, "user-1", dec("2"), t0))
	require.NoError(t, repo.RecordUnstakeRewards(ctx, "user-1", dec("2"), decimal.Zero, t0.Add(2*time.Hour)))

	account, err = repo.GetByID(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, account.StakeRewardsPending.IsZero())
	assert.True(t, account.TotalClaimed.Equal(dec("6.5")))
	assert.True(t, account.TotalRealmkin.Equal(dec("6.5")))
}

func TestRewardAccountRepository_ListHolderIDs(t *testing.T) {
	pool := dbtest.Setup(t)
	repo := NewRewardAccountRepository(pool)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("user-%d", i)
		_, _, err := repo.GetOrCreate(ctx, id, "", t0)
		require.NoError(t, err)
		require.NoError(t, repo.SetHoldings(ctx, id, i%3, dec("1"), t0))
	}

	first, err := repo.ListHolderIDs(ctx, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"user-1", "user-2"}, first)

	rest, err := repo.ListHolderIDs(ctx, first[len(first)-1], 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"user-4"}, rest)
}

// ============================================================================
// StakeRepository Tests
// ============================================================================

func TestStakeRepository_CreateAndGet(t *testing.T) {
	pool := dbtest.Setup(t)
	accounts := NewRewardAccountRepository(pool)
	repo := NewStakeRepository(pool)
	ctx := context.Background()

	_, _, err := accounts.GetOrCreate(ctx, "user-1", "", t0)
	require.NoError(t, err)

	require.NoError(t, repo.Create(ctx, newTestStake("stake-1", "user-1", "0xdeposit")))

	got, err := repo.GetByID(ctx, "stake-1")
	require.NoError(t, err)
	assert.Equal(t, model.Lock30Days, got.LockPeriod)
	assert.Equal(t, model.StakeActive, got.Status)
	assert.True(t, got.Amount.Equal(dec("100")))
	assert.Nil(t, got.LastRewardUpdate)

	err = repo.Create(ctx, newTestStake("stake-2", "user-1", "0xdeposit"))
	assert.ErrorIs(t, err, ErrDuplicateDeposit)

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrStakeNotFound)
}

func TestStakeRepository_Lifecycle(t *testing.T) {
	pool := dbtest.Setup(t)
	accounts := NewRewardAccountRepository(pool)
	repo := NewStakeRepository(pool)
	ctx := context.Background()

	_, _, err := accounts.GetOrCreate(ctx, "user-1", "", t0)
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, newTestStake("stake-1", "user-1", "0x1")))

	credited := t0.Add(24 * time.Hour)
	require.NoError(t, repo.ApplyCredit(ctx, "stake-1", dec("0.041096"), credited))
	require.NoError(t, repo.MarkClaimed(ctx, "user-1", credited))

	st, err := repo.GetByID(ctx, "stake-1")
	require.NoError(t, err)
	assert.True(t, st.RewardsEarned.Equal(dec("0.041096")))
	assert.True(t, st.RewardsClaimed.Equal(st.RewardsEarned))
	require.NotNil(t, st.LastRewardUpdate)
	assert.True(t, st.LastRewardUpdate.Equal(credited))

	require.NoError(t, repo.MarkUnstaking(ctx, "stake-1", credited))
	assert.ErrorIs(t, repo.MarkUnstaking(ctx, "stake-1", credited), ErrStakeNotFound)

	require.NoError(t, repo.BeginSettlement(ctx, "stake-1", credited))
	assert.ErrorIs(t, repo.BeginSettlement(ctx, "stake-1", credited), ErrStakeNotFound)
	require.NoError(t, repo.ClearSettlement(ctx, "stake-1", credited))
	require.NoError(t, repo.BeginSettlement(ctx, "stake-1", credited))

	done := credited.Add(time.Hour)
	require.NoError(t, repo.Complete(ctx, "stake-1", Completion{
		RewardsEarned:    dec("0.041096"),
		RewardsClaimed:   dec("0.041096"),
		PenaltyAmount:    dec("10"),
		RewardsForfeited: decimal.Zero,
		WithdrawalTx:     "0xwithdraw",
		CompletedAt:      done,
	}))

	st, err = repo.GetByID(ctx, "stake-1")
	require.NoError(t, err)
	assert.Equal(t, model.StakeCompleted, st.Status)
	assert.Nil(t, st.SettlementStartedAt)
	require.NotNil(t, st.WithdrawalTx)
	assert.Equal(t, "0xwithdraw", *st.WithdrawalTx)
	assert.True(t, st.PenaltyAmount.Equal(dec("10")))

	assert.ErrorIs(t, repo.ClearSettlement(ctx, "stake-1", done), ErrStakeNotFound)
}

func TestStakeRepository_ActiveScans(t *testing.T) {
	pool := dbtest.Setup(t)
	accounts := NewRewardAccountRepository(pool)
	repo := NewStakeRepository(pool)
	ctx := context.Background()

	for _, u := range []string{"a", "b"} {
		_, _, err := accounts.GetOrCreate(ctx, u, "", t0)
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		owner := []string{"a", "b"}[i%2]
		require.NoError(t, repo.Create(ctx, newTestStake(fmt.Sprintf("stake-%d", i), owner, fmt.Sprintf("0x%d", i))))
	}
	require.NoError(t, repo.MarkUnstaking(ctx, "stake-2", t0))

	var ids []string
	after := ""
	for {
		page, err := repo.ListActiveIDs(ctx, after, 2)
		require.NoError(t, err)
		ids = append(ids, page...)
		if len(page) < 2 {
			break
		}
		after = page[len(page)-1]
	}
	assert.Equal(t, []string{"stake-0", "stake-1", "stake-3", "stake-4"}, ids)

	var total decimal.Decimal
	require.NoError(t, repo.ForEachActive(ctx, func(s *model.Stake) error {
		total = total.Add(s.Amount)
		return nil
	}))
	assert.True(t, total.Equal(dec("400")))

	open, err := repo.ListByUser(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, open, 3)
}

// ============================================================================
// ClaimRepository Tests
// ============================================================================

func TestClaimRepository_Outbox(t *testing.T) {
	pool := dbtest.Setup(t)
	accounts := NewRewardAccountRepository(pool)
	repo := NewClaimRepository(pool)
	ctx := context.Background()

	_, _, err := accounts.GetOrCreate(ctx, "user-1", "0xabc", t0)
	require.NoError(t, err)

	for i, stream := range []model.ClaimStream{model.StreamNFT, model.StreamStake, model.StreamNFT} {
		require.NoError(t, repo.Create(ctx, &model.ClaimRecord{
			ID:             fmt.Sprintf("user-1_%d_claim", i),
			UserID:         "user-1",
			WalletAddress:  "0xabc",
			Stream:         stream,
			Amount:         dec("5"),
			ClaimedAt:      t0.Add(time.Duration(i) * time.Hour),
			TransferStatus: model.TransferPending,
		}))
	}

	pending, err := repo.ListPendingIDs(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	require.NoError(t, repo.RecordAttempt(ctx, "user-1_0_claim", "rpc timeout"))
	require.NoError(t, repo.MarkSettled(ctx, "user-1_0_claim", "0xhash", t0.Add(time.Hour)))
	require.NoError(t, repo.MarkFailed(ctx, "user-1_1_claim", "invalid address", t0.Add(time.Hour)))

	_, err = repo.GetForUpdate(ctx, "user-1_0_claim")
	assert.ErrorIs(t, err, ErrClaimNotFound)

	pending, err = repo.ListPendingIDs(ctx, "", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"user-1_2_claim"}, pending)

	history, err := repo.ListByUser(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "user-1_2_claim", history[0].ID)

	settled := history[2]
	assert.Equal(t, model.TransferSettled, settled.TransferStatus)
	require.NotNil(t, settled.TxHash)
	assert.Equal(t, "0xhash", *settled.TxHash)
	assert.Equal(t, 2, settled.Attempts)

	failed := history[1]
	assert.Equal(t, model.TransferFailed, failed.TransferStatus)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, "invalid address", *failed.LastError)
}

// ============================================================================
// MetricsRepository Tests
// ============================================================================

func TestMetricsRepository_SaveAndGet(t *testing.T) {
	pool := dbtest.Setup(t)
	repo := NewMetricsRepository(pool)
	ctx := context.Background()

	empty, err := repo.Get(ctx)
	require.NoError(t, err)
	assert.True(t, empty.TotalValueLocked.IsZero())

	require.NoError(t, repo.Save(ctx, &model.GlobalMetrics{
		TotalValueLocked: dec("600"),
		ActiveStakes:     3,
		TotalStakers:     2,
		UpdatedAt:        t0,
	}))

	got, err := repo.Get(ctx)
	require.NoError(t, err)
	assert.True(t, got.TotalValueLocked.Equal(dec("600")))
	assert.Equal(t, int64(3), got.ActiveStakes)
	assert.Equal(t, int64(2), got.TotalStakers)
}

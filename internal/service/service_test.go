// Integration tests for the reward services. They run against a PostgreSQL
// container and a scripted ledger, and are skipped when Docker is not
// available.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realmkin-staking/internal/apperr"
	"realmkin-staking/internal/clock"
	"realmkin-staking/internal/ledger"
	"realmkin-staking/internal/metrics"
	"realmkin-staking/internal/model"
	"realmkin-staking/internal/pkg/db/dbtest"
	"realmkin-staking/internal/repository"
	"realmkin-staking/internal/rewards"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

const day = rewards.Day

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// scriptedLedger records transfers and fails on demand. A transfer it
// accepts is mined unless awaitErr is set.
type scriptedLedger struct {
	mu          sync.Mutex
	treasuryErr error
	sendErr     error
	awaitErr    error
	onSend      func()
	transfers   []decimal.Decimal
	hashes      map[string]bool
}

func newScriptedLedger() *scriptedLedger {
	return &scriptedLedger{hashes: make(map[string]bool)}
}

func (l *scriptedLedger) EnsureTreasury(context.Context, decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.treasuryErr
}

func (l *scriptedLedger) Send(_ context.Context, _ string, amount decimal.Decimal) (string, error) {
	l.mu.Lock()
	if l.sendErr != nil {
		err := l.sendErr
		l.mu.Unlock()
		return "", err
	}
	hash := fmt.Sprintf("0xtx%d", len(l.transfers))
	l.transfers = append(l.transfers, amount)
	l.hashes[hash] = l.awaitErr == nil
	onSend := l.onSend
	l.mu.Unlock()

	if onSend != nil {
		onSend()
	}
	return hash, nil
}

func (l *scriptedLedger) Await(ctx context.Context, txHash string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrTransferUnconfirmed, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.awaitErr != nil {
		return l.awaitErr
	}
	if !l.hashes[txHash] {
		return ledger.ErrTransferUnconfirmed
	}
	return nil
}

func (l *scriptedLedger) Confirm(_ context.Context, txHash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.hashes[txHash] {
		return ledger.ErrTransferNotMined
	}
	return nil
}

func (l *scriptedLedger) VerifyDeposit(context.Context, string, string, decimal.Decimal) error {
	return nil
}

func (l *scriptedLedger) Close() {}

func (l *scriptedLedger) set(treasuryErr, sendErr error) {
	l.mu.Lock()
	l.treasuryErr = treasuryErr
	l.sendErr = sendErr
	l.mu.Unlock()
}

func (l *scriptedLedger) setAwait(err error) {
	l.mu.Lock()
	l.awaitErr = err
	l.mu.Unlock()
}

func (l *scriptedLedger) setOnSend(fn func()) {
	l.mu.Lock()
	l.onSend = fn
	l.mu.Unlock()
}

// mine marks every broadcast transfer as mined.
func (l *scriptedLedger) mine() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.awaitErr = nil
	for h := range l.hashes {
		l.hashes[h] = true
	}
}

func (l *scriptedLedger) sent() []decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]decimal.Decimal(nil), l.transfers...)
}

type testEnv struct {
	clock      *clock.Manual
	ledger     *scriptedLedger
	accounts   *repository.RewardAccountRepository
	claimsRepo *repository.ClaimRepository
	staking    *StakingService
	claims     *ClaimService
	settlement *SettlementService
	unstake    *UnstakeService
	deposits   int
}

func newTestEnv(t *testing.T) *testEnv {
	pool := dbtest.Setup(t)

	clk := clock.NewManual(t0)
	l := newScriptedLedger()
	m := metrics.New()
	calc := rewards.NewCalculator(rewards.DefaultRateTable())
	nftPolicy := rewards.NFTPolicy(dec("1"), rewards.Week)
	stakePolicy := rewards.StakePolicy(dec("1"), 0)
	retry := RetryConfig{MaxAttempts: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxElapsedTime: time.Second}

	return &testEnv{
		clock:      clk,
		ledger:     l,
		accounts:   repository.NewRewardAccountRepository(pool),
		claimsRepo: repository.NewClaimRepository(pool),
		staking:    NewStakingService(pool, calc, l, clk, m, dec("2.5")),
		claims:     NewClaimService(pool, calc, nftPolicy, stakePolicy, clk, m),
		settlement: NewSettlementService(pool, l, []rewards.ClaimPolicy{nftPolicy, stakePolicy}, retry, clk, m),
		unstake:    NewUnstakeService(pool, calc, l, clk, m),
	}
}

func (e *testEnv) stake(t *testing.T, userID, amount string, period model.LockPeriod) *model.Stake {
	t.Helper()
	e.deposits++
	st, err := e.staking.CreateStake(context.Background(), CreateStakeInput{
		UserID:     userID,
		Wallet:     "0xWallet-" + userID,
		Amount:     dec(amount),
		LockPeriod: string(period),
		DepositTx:  fmt.Sprintf("0xdeposit-%d", e.deposits),
	})
	require.NoError(t, err)
	return st
}

func (e *testEnv) account(t *testing.T, userID string) *model.RewardAccount {
	t.Helper()
	a, err := e.accounts.GetByID(context.Background(), userID)
	require.NoError(t, err)
	return a
}

func (e *testEnv) nftClaim(t *testing.T, userID string) *model.ClaimRecord {
	t.Helper()
	ctx := context.Background()
	_, err := e.staking.SyncHoldings(ctx, userID, "0xnft-"+userID, 3)
	require.NoError(t, err)
	e.clock.Advance(2 * rewards.Week)

	rec, err := e.claims.Claim(ctx, ClaimRequest{UserID: userID, Stream: model.StreamNFT})
	require.NoError(t, err)
	return rec
}

func TestCreateStake(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	st := e.stake(t, "user-1", "1000", model.Lock30Days)
	assert.Equal(t, "0xwallet-user-1", st.WalletAddress)
	assert.Equal(t, t0.Add(30*day), st.UnlockDate)

	_, err := e.staking.CreateStake(ctx, CreateStakeInput{
		UserID: "user-1", Wallet: st.WalletAddress, Amount: dec("5"), LockPeriod: "30", DepositTx: st.DepositTx,
	})
	assert.ErrorIs(t, err, repository.ErrDuplicateDeposit)

	_, err = e.staking.CreateStake(ctx, CreateStakeInput{
		UserID: "user-2", Wallet: st.WalletAddress, Amount: dec("5"), LockPeriod: "30", DepositTx: "0xother",
	})
	assert.ErrorIs(t, err, repository.ErrWalletLinkedElsewhere)

	_, err = e.staking.CreateStake(ctx, CreateStakeInput{
		UserID: "user-1", Wallet: st.WalletAddress, Amount: dec("5"), LockPeriod: "45", DepositTx: "0xbad",
	})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = e.staking.CreateStake(ctx, CreateStakeInput{
		UserID: "user-1", Wallet: st.WalletAddress, Amount: dec("0.0000001"), LockPeriod: "30", DepositTx: "0xdust",
	})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestCreditStakeIsIdempotentWithinADay(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	st := e.stake(t, "user-1", "1000", model.Lock30Days)
	e.clock.Advance(3*day + 5*time.Hour)

	first, err := e.staking.CreditStake(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.232877", first.String())

	second, err := e.staking.CreditStake(ctx, st.ID)
	require.NoError(t, err)
	assert.True(t, second.IsZero())

	account := e.account(t, "user-1")
	assert.True(t, account.StakeRewardsPending.Equal(first))

	// Crediting moves the anchor to now, so the partial day is dropped.
	e.clock.Advance(day - 5*time.Hour)
	third, err := e.staking.CreditStake(ctx, st.ID)
	require.NoError(t, err)
	assert.True(t, third.IsZero())
}

func TestRecomputeGlobalMetrics(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.stake(t, "a", "100", model.LockFlexible)
	e.stake(t, "a", "200", model.Lock30Days)
	done := e.stake(t, "b", "300", model.LockFlexible)
	e.stake(t, "c", "300", model.Lock90Days)

	_, err := e.unstake.Complete(ctx, "b", done.ID)
	require.NoError(t, err)

	g, err := e.staking.RecomputeGlobalMetrics(ctx)
	require.NoError(t, err)
	assert.True(t, g.TotalValueLocked.Equal(dec("600")))
	assert.Equal(t, int64(3), g.ActiveStakes)
	assert.Equal(t, int64(2), g.TotalStakers)

	overview, err := e.staking.ListStakes(ctx, "a", "")
	require.NoError(t, err)
	assert.Len(t, overview.Stakes, 2)
	assert.True(t, overview.GlobalMetrics.TotalValueLocked.Equal(dec("600")))
}

func TestNFTClaim(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	rec := e.nftClaim(t, "user-1")
	assert.Equal(t, "15", rec.Amount.String())
	assert.Equal(t, model.TransferPending, rec.TransferStatus)
	assert.Equal(t, 3, rec.SourceCount)
	assert.Equal(t, 2, rec.PeriodsClaimed)
	assert.Regexp(t, `^user-1_\d+_[0-9a-f]{12}$`, rec.ID)

	account := e.account(t, "user-1")
	assert.True(t, account.PendingRewards.IsZero())
	assert.True(t, account.TotalClaimed.Equal(dec("15")))

	_, err := e.claims.Claim(ctx, ClaimRequest{UserID: "user-1", Stream: model.StreamNFT})
	assert.ErrorIs(t, err, rewards.ErrCadenceNotElapsed)

	e.clock.Advance(rewards.Week)
	_, err = e.claims.Claim(ctx, ClaimRequest{UserID: "user-1", Stream: model.StreamNFT, Amount: ptr(dec("100"))})
	assert.ErrorIs(t, err, ErrAmountExceedsClaimable)

	history, err := e.claims.History(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestStakeClaimBelowMinimum(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	// 100 flexible for one day is about 0.0137, under the minimum of 1.
	e.stake(t, "user-1", "100", model.LockFlexible)
	e.clock.Advance(day)

	before := e.account(t, "user-1")
	_, err := e.claims.Claim(ctx, ClaimRequest{UserID: "user-1", Stream: model.StreamStake})
	require.ErrorIs(t, err, rewards.ErrNoRewardsAvailable)

	after := e.account(t, "user-1")
	assert.True(t, after.TotalClaimed.Equal(before.TotalClaimed))
	assert.True(t, after.StakeRewardsPending.Equal(before.StakeRewardsPending))
}

func TestConcurrentStakeClaimsCreditOnce(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.stake(t, "user-1", "1000", model.Lock30Days)
	e.clock.Advance(10 * day)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		records []*model.ClaimRecord
		errs    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := e.claims.Claim(ctx, ClaimRequest{UserID: "user-1", Stream: model.StreamStake})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			records = append(records, rec)
		}()
	}
	wg.Wait()

	require.Len(t, records, 1)
	assert.Len(t, errs, workers-1)
	for _, err := range errs {
		assert.ErrorIs(t, err, rewards.ErrNoRewardsAvailable)
	}

	// 1000 * 12% / 365 * 10 * 1.25 = 4.109589, paid in whole cents
	assert.Equal(t, "4.1", records[0].Amount.String())

	account := e.account(t, "user-1")
	assert.True(t, account.TotalClaimed.Equal(records[0].Amount))
	assert.True(t, account.StakeRewardsPending.IsZero())
}

func TestSettlement(t *testing.T) {
	ctx := context.Background()

	t.Run("settles a pending claim", func(t *testing.T) {
		e := newTestEnv(t)
		rec := e.nftClaim(t, "user-1")

		settled, err := e.settlement.Settle(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TransferSettled, settled.TransferStatus)
		require.NotNil(t, settled.TxHash)
		assertSent(t, e.ledger, "15")

		_, err = e.settlement.Settle(ctx, rec.ID)
		assert.ErrorIs(t, err, repository.ErrClaimNotFound)
	})

	t.Run("failed nft transfer is compensated", func(t *testing.T) {
		e := newTestEnv(t)
		rec := e.nftClaim(t, "user-1")
		e.ledger.set(nil, ledger.ErrInvalidAddress)

		failed, err := e.settlement.Settle(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TransferFailed, failed.TransferStatus)

		account := e.account(t, "user-1")
		assert.True(t, account.PendingRewards.Equal(dec("15")))
		assert.True(t, account.TotalClaimed.IsZero())

		pending, err := e.settlement.ListPendingIDs(ctx, "", 10)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("failed stake transfer stays pending", func(t *testing.T) {
		e := newTestEnv(t)
		e.stake(t, "user-1", "10000", model.Lock90Days)
		e.clock.Advance(5 * day)

		rec, err := e.claims.Claim(ctx, ClaimRequest{UserID: "user-1", Stream: model.StreamStake})
		require.NoError(t, err)

		e.ledger.set(nil, errors.New("rpc unavailable"))
		retried, err := e.settlement.Settle(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TransferPending, retried.TransferStatus)
		assert.Equal(t, 1, retried.Attempts)

		account := e.account(t, "user-1")
		assert.True(t, account.TotalClaimed.Equal(rec.Amount))

		e.ledger.set(nil, nil)
		settled, err := e.settlement.Settle(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TransferSettled, settled.TransferStatus)
	})

	t.Run("cancelled caller never causes a second transfer", func(t *testing.T) {
		e := newTestEnv(t)
		rec := e.nftClaim(t, "user-1")

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		e.ledger.setOnSend(cancel)

		got, err := e.settlement.Settle(runCtx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TransferPending, got.TransferStatus)
		require.NotNil(t, got.TxHash)
		e.ledger.setOnSend(nil)

		stored, err := e.claimsRepo.ListByUser(ctx, "user-1", 10)
		require.NoError(t, err)
		require.Len(t, stored, 1)
		require.NotNil(t, stored[0].TxHash)
		assert.Equal(t, *got.TxHash, *stored[0].TxHash)

		settled, err := e.settlement.Settle(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TransferSettled, settled.TransferStatus)
		assertSent(t, e.ledger, "15")
	})

	t.Run("unmined transfer is confirmed later, not resent", func(t *testing.T) {
		e := newTestEnv(t)
		rec := e.nftClaim(t, "user-1")
		e.ledger.setAwait(ledger.ErrTransferUnconfirmed)

		got, err := e.settlement.Settle(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TransferPending, got.TransferStatus)

		got, err = e.settlement.Settle(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TransferPending, got.TransferStatus)
		assertSent(t, e.ledger, "15")

		e.ledger.mine()
		settled, err := e.settlement.Settle(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TransferSettled, settled.TransferStatus)
		assertSent(t, e.ledger, "15")
	})

	t.Run("underfunded treasury leaves the claim pending", func(t *testing.T) {
		e := newTestEnv(t)
		rec := e.nftClaim(t, "user-1")
		e.ledger.set(apperr.ErrTreasuryUnderfunded, nil)

		got, err := e.settlement.Settle(ctx, rec.ID)
		require.ErrorIs(t, err, apperr.ErrTreasuryUnderfunded)
		assert.Equal(t, model.TransferPending, got.TransferStatus)
		assert.Empty(t, e.ledger.sent())

		pending, err := e.settlement.ListPendingIDs(ctx, "", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{rec.ID}, pending)
	})
}

func TestUnstake(t *testing.T) {
	ctx := context.Background()

	t.Run("early exit pays principal less penalty", func(t *testing.T) {
		e := newTestEnv(t)
		st := e.stake(t, "user-1", "500", model.Lock90Days)
		e.clock.Advance(12 * time.Hour)

		_, err := e.unstake.Unstake(ctx, "user-1", st.ID, ActionComplete)
		require.ErrorIs(t, err, ErrStakeLocked)

		quote, err := e.unstake.Unstake(ctx, "user-1", st.ID, ActionQuote)
		require.NoError(t, err)
		assert.Equal(t, "400", quote.Quote.PrincipalReturned.String())

		_, err = e.unstake.Unstake(ctx, "user-1", st.ID, ActionInitiate)
		require.NoError(t, err)

		res, err := e.unstake.Unstake(ctx, "user-1", st.ID, ActionComplete)
		require.NoError(t, err)
		assert.Equal(t, model.StakeCompleted, res.Stake.Status)
		assert.Equal(t, "100", res.Stake.PenaltyAmount.String())
		assert.True(t, res.Quote.RewardsReturned.IsZero())
		assertSent(t, e.ledger, "400")

		_, err = e.unstake.Unstake(ctx, "user-1", st.ID, ActionComplete)
		assert.ErrorIs(t, err, ErrStakeCompleted)
	})

	t.Run("after unlock principal and rewards go out together", func(t *testing.T) {
		e := newTestEnv(t)
		st := e.stake(t, "user-1", "500", model.Lock30Days)
		e.clock.Advance(30 * day)

		res, err := e.unstake.Complete(ctx, "user-1", st.ID)
		require.NoError(t, err)

		// 500 * 12% / 365 * 30 * 1.25 = 6.164384
		assert.Equal(t, "6.164384", res.Quote.RewardsReturned.String())
		assertSent(t, e.ledger, "506.164384")

		history, err := e.claims.History(ctx, "user-1", 10)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, model.StreamUnstake, history[0].Stream)
		assert.Equal(t, model.TransferSettled, history[0].TransferStatus)

		account := e.account(t, "user-1")
		assert.True(t, account.TotalClaimed.Equal(dec("6.164384")))
		assert.True(t, account.TotalEarned.Equal(dec("6.164384")))
		assert.True(t, account.TotalRealmkin.Equal(dec("6.164384")))
	})

	t.Run("only the owner can unstake", func(t *testing.T) {
		e := newTestEnv(t)
		st := e.stake(t, "user-1", "500", model.LockFlexible)

		_, err := e.unstake.Unstake(ctx, "intruder", st.ID, ActionInitiate)
		assert.ErrorIs(t, err, ErrNotStakeOwner)
		_, err = e.unstake.Unstake(ctx, "user-1", st.ID, "withdraw")
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	})

	t.Run("failed transfer releases the stake", func(t *testing.T) {
		e := newTestEnv(t)
		st := e.stake(t, "user-1", "500", model.LockFlexible)
		e.ledger.set(nil, errors.New("rpc unavailable"))

		_, err := e.unstake.Complete(ctx, "user-1", st.ID)
		require.Error(t, err)

		overview, err := e.staking.ListStakes(ctx, "user-1", "")
		require.NoError(t, err)
		require.Len(t, overview.Stakes, 1)
		assert.Nil(t, overview.Stakes[0].SettlementStartedAt)
		assert.Equal(t, model.StakeUnstaking, overview.Stakes[0].Status)
		assert.NotNil(t, overview.Stakes[0].UnstakeRequestedAt)

		e.ledger.set(nil, nil)
		res, err := e.unstake.Complete(ctx, "user-1", st.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StakeCompleted, res.Stake.Status)
	})

	t.Run("unconfirmed withdrawal is finalized by an operator", func(t *testing.T) {
		e := newTestEnv(t)
		st := e.stake(t, "user-1", "500", model.LockFlexible)
		e.ledger.setAwait(ledger.ErrTransferUnconfirmed)

		_, err := e.unstake.Complete(ctx, "user-1", st.ID)
		require.ErrorIs(t, err, ErrWithdrawalUnconfirmed)

		_, err = e.unstake.Complete(ctx, "user-1", st.ID)
		require.ErrorIs(t, err, ErrSettlementInProgress)

		_, err = e.unstake.FinalizeSettlement(ctx, st.ID, "0xnever-mined")
		require.ErrorIs(t, err, ledger.ErrTransferNotMined)

		require.NoError(t, e.unstake.ReleaseSettlement(ctx, st.ID))
		assert.ErrorIs(t, e.unstake.ReleaseSettlement(ctx, st.ID), ErrSettlementNotStarted)
	})
}

func assertSent(t *testing.T, l *scriptedLedger, want ...string) {
	t.Helper()
	sent := l.sent()
	require.Len(t, sent, len(want))
	for i, w := range want {
		assert.True(t, sent[i].Equal(dec(w)), "transfer %d: got %s, want %s", i, sent[i], w)
	}
}

func ptr[T any](v T) *T {
	return &v
}

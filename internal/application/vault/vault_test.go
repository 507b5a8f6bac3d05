package vault_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/microvault/internal/application/vault"
	"github.com/alejandrodnm/microvault/internal/domain"
)

const (
	alice = domain.Address("alice")
	bob   = domain.Address("bob")
	carol = domain.Address("carol")
)

func assertBooks(t *testing.T, h *harness, users ...domain.Address) {
	t.Helper()
	require.NoError(t, h.v.CheckInvariants(h.ctx))
	var sum domain.Amount
	for _, u := range users {
		sum = sum.Add(h.shares(t, u))
	}
	assert.Equal(t, h.snapshot(t).Totals.TotalShares.String(), sum.String(), "Σ shares")

	rec, err := h.v.Reconcile(h.ctx)
	require.NoError(t, err)
	assert.True(t, rec.Surplus.IsZero(), "surplus %s", rec.Surplus)
}

func TestDeposit_BootstrapMintsScaledShares(t *testing.T) {
	h := newHarness(t)
	r := h.deposit(t, alice, 4)

	assert.Equal(t, "4000000000000", r.Shares.String())
	assert.Equal(t, "4000000000000", h.shares(t, alice).String())
	assert.Equal(t, uint64(0), h.asset.balance(alice))
	assert.Equal(t, uint64(4), h.asset.balance(vault.DefaultAddress))
	assertBooks(t, h, alice)
}

func TestDeposit_Validation(t *testing.T) {
	h := newHarness(t)
	h.fund(alice, 100)

	_, err := h.v.Deposit(h.ctx, alice, domain.NewAmount(3), domain.BucketMedium)
	require.ErrorIs(t, err, domain.ErrDepositBelowMinimum)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = h.v.Deposit(h.ctx, alice, domain.NewAmount(10), domain.RiskBucket("yolo"))
	require.ErrorIs(t, err, domain.ErrUnknownBucket)

	assert.Equal(t, uint64(100), h.asset.balance(alice), "no funds pulled")
	assert.True(t, h.shares(t, alice).IsZero())
}

func TestDeposit_TransferFailureLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	h.fund(alice, 10)

	_, err := h.v.Deposit(h.ctx, alice, domain.NewAmount(50), domain.BucketMedium)
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.Equal(t, domain.KindExternal, domain.KindOf(err))
	assert.True(t, h.shares(t, alice).IsZero())
	assert.True(t, h.snapshot(t).Totals.Idle.IsZero())
}

func TestWithdraw_ProportionalCostBasis(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, 1000)
	all := h.shares(t, alice)
	half := all.Div(domain.NewAmount(2))

	r, err := h.v.Withdraw(h.ctx, alice, half)
	require.NoError(t, err)
	assert.Equal(t, "500", r.Amount.String())
	acct, err := h.v.Account(h.ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "500", acct.Principal.String())

	_, err = h.v.Withdraw(h.ctx, alice, acct.Shares)
	require.NoError(t, err)
	acct, err = h.v.Account(h.ctx, alice)
	require.NoError(t, err)
	assert.True(t, acct.Principal.IsZero())
	assert.True(t, acct.Shares.IsZero())
	assert.Equal(t, uint64(1000), h.asset.balance(alice))
	assertBooks(t, h, alice)
}

func TestWithdraw_Validation(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, 100)

	_, err := h.v.Withdraw(h.ctx, alice, domain.Zero)
	require.ErrorIs(t, err, domain.ErrZeroAmount)

	_, err = h.v.Withdraw(h.ctx, alice, h.shares(t, alice).Add(domain.NewAmount(1)))
	require.ErrorIs(t, err, domain.ErrInsufficientShares)

	_, err = h.v.Withdraw(h.ctx, bob, domain.NewAmount(1))
	require.ErrorIs(t, err, domain.ErrInsufficientShares)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestEndToEnd_SixtyFortySplit(t *testing.T) {
	h := newHarness(t)
	safe, risky := h.twoStrategies(t)

	r := h.deposit(t, alice, 10000)

	require.Len(t, r.Flushes, 1)
	assert.Equal(t, domain.TriggerThreshold, r.Flushes[0].Trigger)
	assert.Empty(t, r.Flushes[0].Error)
	assert.Equal(t, uint64(6385), safe.asset.balance(safe.addr))
	assert.Equal(t, uint64(3614), risky.asset.balance(risky.addr))
	assert.Greater(t, h.asset.balance(safe.addr), uint64(6000))

	snap := h.snapshot(t)
	assert.Equal(t, "1", snap.Totals.Idle.String())
	assert.Equal(t, "10000", snap.TotalAssets.String())
	assert.Equal(t, "9999", snap.Deployed().String())

	records := make([]*domain.StrategyRecord, 0, len(snap.Strategies))
	for i := range snap.Strategies {
		records = append(records, &snap.Strategies[i].Record)
	}
	alloc := domain.ComputeOptimalAllocations(records, domain.NewAmount(10000), 50)
	require.Len(t, alloc, 2)
	assert.Equal(t, "6385", alloc[0].Amount.String())
	assert.True(t, alloc[0].Amount.GT(alloc[1].Amount))
	assertBooks(t, h, alice)
}

func TestWithdraw_PullsExactShortfall(t *testing.T) {
	h := newHarness(t)
	safe, risky := h.twoStrategies(t)
	h.deposit(t, alice, 10000)
	idleBefore := h.snapshot(t).Totals.Idle

	r, err := h.v.Withdraw(h.ctx, alice, h.shares(t, alice).Div(domain.NewAmount(2)))
	require.NoError(t, err)

	require.Equal(t, "5000", r.Amount.String())
	require.Len(t, r.Moves, 1)
	assert.Equal(t, domain.StrategyID("safe"), r.Moves[0].Strategy)
	assert.Equal(t, "4999", r.Moves[0].Actual.String())
	assert.Equal(t, r.Amount.String(), idleBefore.Add(r.Recalled()).String())
	assert.Equal(t, uint64(5000), h.asset.balance(alice))
	assert.Equal(t, uint64(1386), h.asset.balance(safe.addr))
	assert.Equal(t, uint64(3614), h.asset.balance(risky.addr))
	assert.True(t, h.snapshot(t).Totals.Idle.IsZero())
	assertBooks(t, h, alice)
}

func TestWithdraw_PartialStrategyFallsThrough(t *testing.T) {
	h := newHarness(t)
	safe, risky := h.twoStrategies(t)
	h.deposit(t, alice, 10000)
	safe.withdrawCap = u64(3000)

	r, err := h.v.Withdraw(h.ctx, alice, h.shares(t, alice).Div(domain.NewAmount(2)))
	require.NoError(t, err)

	require.Len(t, r.Moves, 2)
	assert.Equal(t, "4999", r.Moves[0].Requested.String())
	assert.Equal(t, "3000", r.Moves[0].Actual.String())
	assert.Equal(t, domain.StrategyID("risky"), r.Moves[1].Strategy)
	assert.Equal(t, "1999", r.Moves[1].Actual.String())
	assert.Equal(t, "4999", r.Recalled().String())
	assert.Equal(t, uint64(5000), h.asset.balance(alice))
	assert.Equal(t, uint64(1615), h.asset.balance(risky.addr))
	assertBooks(t, h, alice)
}

func TestWithdraw_InsufficientLiquidityRollsBack(t *testing.T) {
	h := newHarness(t)
	safe, risky := h.twoStrategies(t)
	h.deposit(t, alice, 10000)
	safe.withdrawCap = u64(0)
	risky.withdrawCap = u64(0)
	before := h.snapshot(t)
	shares := h.shares(t, alice)

	_, err := h.v.Withdraw(h.ctx, alice, shares.Div(domain.NewAmount(2)))
	require.ErrorIs(t, err, domain.ErrInsufficientLiquidity)
	assert.Equal(t, domain.KindInvariant, domain.KindOf(err))

	assert.Equal(t, before, h.snapshot(t))
	assert.Equal(t, shares, h.shares(t, alice))
	assert.Zero(t, h.asset.balance(alice))
}

func TestWithdraw_FailedPayoutRestoresShares(t *testing.T) {
	h := newHarness(t)
	h.twoStrategies(t)
	h.deposit(t, alice, 10000)
	shares := h.shares(t, alice)
	h.asset.failPay[alice] = true

	_, err := h.v.Withdraw(h.ctx, alice, shares.Div(domain.NewAmount(2)))
	require.ErrorIs(t, err, domain.ErrTransferFailed)

	assert.Equal(t, shares, h.shares(t, alice))
	snap := h.snapshot(t)
	assert.Equal(t, "10000", snap.TotalAssets.String())
	// the recall already happened, so the capital now sits idle
	assert.Equal(t, "5000", snap.Totals.Idle.String())
	assert.Equal(t, snap.Totals, h.store.totals, "compensating save")
	assertBooks(t, h, alice)

	receipts, err := h.store.Receipts(h.ctx, 1)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.NotEqual(t, domain.OpWithdraw, receipts[0].Kind, "rolled back withdraw leaves no receipt")
}

func TestReentrantCallIsRejected(t *testing.T) {
	h := newHarness(t)
	safe, _ := h.twoStrategies(t)
	h.deposit(t, alice, 10000)
	h.fund("mallory", 100)

	var inner error
	safe.onWithdraw = func(ctx context.Context) error {
		_, inner = h.v.Deposit(ctx, "mallory", domain.NewAmount(100), domain.BucketMedium)
		return inner
	}
	before := h.snapshot(t)
	shares := h.shares(t, alice)

	_, err := h.v.Withdraw(h.ctx, alice, shares.Div(domain.NewAmount(2)))
	require.ErrorIs(t, inner, domain.ErrReentrantCall)
	require.ErrorIs(t, err, domain.ErrReentrantCall)
	assert.Equal(t, domain.KindReentrancy, domain.KindOf(err))

	assert.Equal(t, before, h.snapshot(t))
	assert.Equal(t, shares, h.shares(t, alice))
	assert.True(t, h.shares(t, "mallory").IsZero())
	assert.Equal(t, uint64(100), h.asset.balance("mallory"))
}

func TestReentrantCallWithFreshContextIsRejected(t *testing.T) {
	h := newHarness(t)
	safe, _ := h.twoStrategies(t)
	h.deposit(t, alice, 10000)
	h.fund("mallory", 100)

	var inner error
	safe.onWithdraw = func(context.Context) error {
		_, inner = h.v.Deposit(context.Background(), "mallory", domain.NewAmount(100), domain.BucketMedium)
		return inner
	}
	before := h.snapshot(t)
	shares := h.shares(t, alice)

	done := make(chan error, 1)
	go func() {
		_, err := h.v.Withdraw(h.ctx, alice, shares.Div(domain.NewAmount(2)))
		done <- err
	}()
	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("withdraw blocked on a strategy calling back with a fresh context")
	}
	require.ErrorIs(t, inner, domain.ErrReentrantCall)
	require.ErrorIs(t, err, domain.ErrReentrantCall)

	assert.Equal(t, before, h.snapshot(t))
	assert.True(t, h.shares(t, "mallory").IsZero())
	assert.Equal(t, uint64(100), h.asset.balance("mallory"))
}

func TestCallFromOtherGoroutineDuringStrategyCallWaits(t *testing.T) {
	h := newHarness(t)
	safe, _ := h.twoStrategies(t)
	h.deposit(t, alice, 10000)
	h.fund(bob, 100)

	queued := make(chan error, 1)
	safe.onWithdraw = func(context.Context) error {
		safe.onWithdraw = nil
		go func() {
			_, err := h.v.Deposit(context.Background(), bob, domain.NewAmount(100), domain.BucketMedium)
			queued <- err
		}()
		time.Sleep(20 * time.Millisecond)
		return nil
	}

	_, err := h.v.Withdraw(h.ctx, alice, h.shares(t, alice).Div(domain.NewAmount(2)))
	require.NoError(t, err)
	select {
	case err = <-queued:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("queued deposit never ran")
	}
	assert.False(t, h.shares(t, bob).IsZero())
	assertBooks(t, h, alice, bob)
}

func TestReentrantQueryFromHarvestIsRejected(t *testing.T) {
	h := newHarness(t)
	safe, _ := h.twoStrategies(t)
	h.deposit(t, alice, 10000)
	safe.onHarvest = func(ctx context.Context) error {
		_, err := h.v.TotalAssets(ctx)
		return err
	}

	_, err := h.v.Harvest(h.ctx)
	require.ErrorIs(t, err, domain.ErrReentrantCall)
	hist, err := h.v.ApyHistory(h.ctx, "safe")
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestHarvest_RaisesSharePrice(t *testing.T) {
	h := newHarness(t)
	safe, risky := h.twoStrategies(t)
	h.deposit(t, alice, 10000)
	safe.apy, safe.pendingYield = 500, 100
	risky.apy, risky.pendingYield = 300, 50

	r, err := h.v.Harvest(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, "150", r.Amount.String())
	require.Len(t, r.Yields, 2)

	hist, err := h.v.ApyHistory(h.ctx, "safe")
	require.NoError(t, err)
	assert.Equal(t, []uint64{500}, hist)

	total, err := h.v.TotalAssets(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, "10150", total.String())

	preview, err := h.v.PreviewDeposit(h.ctx, domain.NewAmount(1015))
	require.NoError(t, err)
	rb := h.deposit(t, bob, 1015)
	assert.Equal(t, "1000000000000000", rb.Shares.String())
	assert.Equal(t, preview, rb.Shares)

	bal, err := h.v.BalanceOf(h.ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "10150", bal.String())
	earned, err := h.v.EarnedYield(h.ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "150", earned.String())
	assertBooks(t, h, alice, bob)
}

func TestSharesConservedAcrossSequence(t *testing.T) {
	h := newHarness(t)
	safe, _ := h.twoStrategies(t)
	users := []domain.Address{alice, bob, carol}

	h.deposit(t, alice, 700)
	assertBooks(t, h, users...)
	h.deposit(t, bob, 2500)
	assertBooks(t, h, users...)

	safe.pendingYield = 37
	_, err := h.v.Harvest(h.ctx)
	require.NoError(t, err)
	assertBooks(t, h, users...)

	h.deposit(t, carol, 999)
	assertBooks(t, h, users...)

	_, err = h.v.Withdraw(h.ctx, bob, h.shares(t, bob).Div(domain.NewAmount(3)))
	require.NoError(t, err)
	assertBooks(t, h, users...)

	_, err = h.v.Withdraw(h.ctx, alice, h.shares(t, alice))
	require.NoError(t, err)
	assertBooks(t, h, users...)
	assert.Greater(t, h.asset.balance(alice), uint64(700), "alice earned part of the yield")

	h.deposit(t, alice, 50)
	assertBooks(t, h, users...)

	for _, u := range users {
		s := h.shares(t, u)
		if s.IsZero() {
			continue
		}
		_, err := h.v.Withdraw(h.ctx, u, s)
		require.NoError(t, err)
	}
	snap := h.snapshot(t)
	assert.True(t, snap.Totals.TotalShares.IsZero())
	assert.True(t, snap.Totals.TotalDeposits.IsZero())
	assertBooks(t, h, users...)
}

func TestRebalance_CooldownAndRecallFirst(t *testing.T) {
	h := newHarness(t)
	safe, risky := h.twoStrategies(t)
	h.deposit(t, alice, 10000)

	r, err := h.v.Rebalance(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, r.Moves, "already at target")

	_, err = h.v.UpdateStrategy(h.ctx, "safe", domain.StrategyParams{Weight: 40, RiskScore: 20, MaxAllocationBps: domain.BasisPoints})
	require.NoError(t, err)
	_, err = h.v.UpdateStrategy(h.ctx, "risky", domain.StrategyParams{Weight: 60, RiskScore: 70, MaxAllocationBps: domain.BasisPoints})
	require.NoError(t, err)

	r, err = h.v.Rebalance(h.ctx)
	require.NoError(t, err)
	require.Len(t, r.Moves, 2)
	assert.Equal(t, domain.MoveFromStrategy, r.Moves[0].Direction)
	assert.Equal(t, "1988", r.Recalled().String())
	assert.Equal(t, "1987", r.Deployed().String())
	assert.Equal(t, uint64(4397), h.asset.balance(safe.addr))
	assert.Equal(t, uint64(5601), h.asset.balance(risky.addr))
	assert.Equal(t, "2", h.snapshot(t).Totals.Idle.String())
	assert.Equal(t, h.clock.now(), h.store.lastReb)

	_, err = h.v.Rebalance(h.ctx)
	require.ErrorIs(t, err, domain.ErrRebalanceCooldown)
	assert.Equal(t, domain.KindRateLimited, domain.KindOf(err))

	h.clock.advance(2 * time.Hour)
	r, err = h.v.Rebalance(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, r.Moves)
	assertBooks(t, h, alice)
}

func TestRebalance_CooldownSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	safe, risky := h.twoStrategies(t)
	h.deposit(t, alice, 10000)
	_, err := h.v.UpdateStrategy(h.ctx, "safe", domain.StrategyParams{Weight: 40, RiskScore: 20, MaxAllocationBps: domain.BasisPoints})
	require.NoError(t, err)
	_, err = h.v.UpdateStrategy(h.ctx, "risky", domain.StrategyParams{Weight: 60, RiskScore: 70, MaxAllocationBps: domain.BasisPoints})
	require.NoError(t, err)
	_, err = h.v.Rebalance(h.ctx)
	require.NoError(t, err)

	v2, err := vault.Open(h.ctx, h.cfg, h.asset, h.store)
	require.NoError(t, err)
	require.NoError(t, v2.BindStrategy(h.ctx, "safe", safe))
	require.NoError(t, v2.BindStrategy(h.ctx, "risky", risky))

	_, err = v2.Rebalance(h.ctx)
	require.ErrorIs(t, err, domain.ErrRebalanceCooldown)
}

func TestUnhealthyStrategyGetsNoCapital(t *testing.T) {
	h := newHarness(t)
	safe, risky := h.twoStrategies(t)
	risky.healthy = false

	h.deposit(t, alice, 10000)

	assert.Equal(t, uint64(10000), h.asset.balance(safe.addr))
	assert.Zero(t, h.asset.balance(risky.addr))
	assertBooks(t, h, alice)
}

func TestDeposit_FailedFlushKeepsDeposit(t *testing.T) {
	h := newHarness(t)
	safe, _ := h.twoStrategies(t)
	safe.failDeposit = true

	r := h.deposit(t, alice, 2000)

	require.Len(t, r.Flushes, 1)
	assert.NotEmpty(t, r.Flushes[0].Error)
	assert.False(t, r.Shares.IsZero())
	snap := h.snapshot(t)
	require.Len(t, snap.Buckets, 3)
	assert.Equal(t, "2000", snap.Buckets[1].Pending.String())
	assert.Equal(t, "2000", snap.TotalAssets.String())
	assertBooks(t, h, alice)

	// the transfer stands, so the capital sits at the strategy and comes back
	assert.Equal(t, uint64(2000), h.asset.balance(safe.addr))
	_, err := h.v.Withdraw(h.ctx, alice, h.shares(t, alice))
	require.NoError(t, err)
	assert.Zero(t, h.asset.balance(safe.addr))
	assert.Equal(t, uint64(2000), h.asset.balance(alice))
}

func TestFlushBatches_Idempotent(t *testing.T) {
	h := newHarness(t)
	safe, risky := h.twoStrategies(t)
	h.deposit(t, alice, 600)

	due, err := h.v.FlushBatches(h.ctx, false)
	require.NoError(t, err)
	assert.Empty(t, due, "below threshold and interval")

	receipts, err := h.v.FlushBatches(h.ctx, true)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, domain.TriggerManual, receipts[0].Flushes[0].Trigger)
	deployed := h.asset.balance(safe.addr) + h.asset.balance(risky.addr)
	assert.Equal(t, receipts[0].Deployed().String(), domain.NewAmount(deployed).String())

	receipts, err = h.v.FlushBatches(h.ctx, true)
	require.NoError(t, err)
	assert.Empty(t, receipts)
	assert.Equal(t, deployed, h.asset.balance(safe.addr)+h.asset.balance(risky.addr))
}

func TestFlushBatches_IntervalTrigger(t *testing.T) {
	h := newHarness(t)
	safe, _ := h.twoStrategies(t)
	h.deposit(t, alice, 600)

	h.clock.advance(61 * time.Minute)
	receipts, err := h.v.FlushBatches(h.ctx, false)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, domain.TriggerInterval, receipts[0].Flushes[0].Trigger)
	assert.NotZero(t, h.asset.balance(safe.addr))
}

func TestStorageFailureRollsBackAndRefunds(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, alice, 500)
	before := h.snapshot(t)
	h.store.failSave = true

	h.fund(bob, 300)
	_, err := h.v.Deposit(h.ctx, bob, domain.NewAmount(300), domain.BucketMedium)
	require.ErrorIs(t, err, domain.ErrStorage)
	assert.Equal(t, domain.KindExternal, domain.KindOf(err))

	assert.Equal(t, uint64(300), h.asset.balance(bob), "refunded")
	assert.True(t, h.shares(t, bob).IsZero())
	assert.Equal(t, before, h.snapshot(t))

	h.store.failSave = false
	assertBooks(t, h, alice, bob)
}

func TestRemoveStrategy_ReturnsCapitalToIdle(t *testing.T) {
	h := newHarness(t)
	safe, risky := h.twoStrategies(t)
	h.deposit(t, alice, 10000)

	r, err := h.v.RemoveStrategy(h.ctx, "risky")
	require.NoError(t, err)
	assert.Equal(t, "3614", r.Amount.String())
	assert.Zero(t, h.asset.balance(risky.addr))

	snap := h.snapshot(t)
	assert.Equal(t, "3615", snap.Totals.Idle.String())
	assert.Equal(t, "10000", snap.TotalAssets.String())
	for _, s := range snap.Strategies {
		if s.Record.ID == "risky" {
			assert.False(t, s.Record.Active)
			assert.False(t, s.Bound)
		}
	}
	assert.NotZero(t, h.asset.balance(safe.addr))

	_, err = h.v.RemoveStrategy(h.ctx, "risky")
	require.ErrorIs(t, err, domain.ErrStrategyNotActive)
	assertBooks(t, h, alice)
}

func TestRemoveStrategy_StuckCapitalFails(t *testing.T) {
	h := newHarness(t)
	_, risky := h.twoStrategies(t)
	h.deposit(t, alice, 10000)
	risky.withdrawCap = u64(1000)

	_, err := h.v.RemoveStrategy(h.ctx, "risky")
	require.Error(t, err)
	assert.Equal(t, domain.KindExternal, domain.KindOf(err))

	snap := h.snapshot(t)
	assert.Equal(t, "10000", snap.TotalAssets.String())
	for _, s := range snap.Strategies {
		if s.Record.ID == "risky" {
			assert.True(t, s.Record.Active)
		}
	}
	assertBooks(t, h, alice)
}

func TestAddStrategy_Validation(t *testing.T) {
	h := newHarness(t)
	h.addStrategy(t, "safe", 60, 20)

	_, err := h.v.AddStrategy(h.ctx, "safe", domain.StrategyParams{Weight: 1, MaxAllocationBps: domain.BasisPoints}, &mockStrategy{})
	require.ErrorIs(t, err, domain.ErrDuplicateStrategy)

	_, err = h.v.AddStrategy(h.ctx, "bad", domain.StrategyParams{Weight: 1, MinAllocationBps: 6000, MaxAllocationBps: 5000}, &mockStrategy{})
	require.ErrorIs(t, err, domain.ErrInvalidStrategyParameters)

	_, err = h.v.AddStrategy(h.ctx, "nil", domain.StrategyParams{Weight: 1, MaxAllocationBps: domain.BasisPoints}, nil)
	require.ErrorIs(t, err, domain.ErrStrategyNotBound)

	strategies, err := h.v.Strategies(h.ctx)
	require.NoError(t, err)
	assert.Len(t, strategies, 1)
}

func TestSetParams(t *testing.T) {
	h := newHarness(t)

	_, err := h.v.SetRiskTolerance(h.ctx, 80)
	require.NoError(t, err)
	_, err = h.v.SetRebalanceThreshold(h.ctx, 250)
	require.NoError(t, err)
	_, err = h.v.SetRiskTolerance(h.ctx, 101)
	require.ErrorIs(t, err, domain.ErrInvalidParameter)

	p := h.snapshot(t).Params
	assert.Equal(t, uint64(80), p.RiskTolerance)
	assert.Equal(t, uint64(250), p.RebalanceThresholdBps)
	assert.Equal(t, p, h.store.params)
}

func TestOpen_RestoresPersistedState(t *testing.T) {
	h := newHarness(t)
	safe, risky := h.twoStrategies(t)
	h.deposit(t, alice, 10000)
	want := h.snapshot(t)

	v2, err := vault.Open(h.ctx, h.cfg, h.asset, h.store)
	require.NoError(t, err)

	_, err = v2.TotalAssets(h.ctx)
	require.ErrorIs(t, err, domain.ErrStrategyNotBound)

	require.NoError(t, v2.BindStrategy(h.ctx, "safe", safe))
	require.NoError(t, v2.BindStrategy(h.ctx, "risky", risky))
	require.ErrorIs(t, v2.BindStrategy(h.ctx, "ghost", safe), domain.ErrStrategyNotActive)

	got, err := v2.Snapshot(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, want.Totals, got.Totals)
	assert.Equal(t, want.TotalAssets, got.TotalAssets)
	acct, err := v2.Account(h.ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "10000", acct.Principal.String())
	require.NoError(t, v2.CheckInvariants(h.ctx))

	receipts, err := h.store.Receipts(h.ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, receipts)
	assert.Equal(t, domain.OpFlush, receipts[0].Kind)
}

func TestConcurrentDeposits(t *testing.T) {
	h := newHarness(t)
	h.twoStrategies(t)

	const n = 20
	users := make([]domain.Address, n)
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		users[i] = domain.Address(string(rune('a'+i)) + "-user")
		h.fund(users[i], 150)
		wg.Add(1)
		go func(u domain.Address) {
			defer wg.Done()
			if _, err := h.v.Deposit(h.ctx, u, domain.NewAmount(150), domain.BucketMedium); err != nil {
				errs <- err
			}
		}(users[i])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("deposit: %v", err)
	}

	total, err := h.v.TotalAssets(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, "3000", total.String())
	assertBooks(t, h, users...)
}

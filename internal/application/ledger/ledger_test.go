package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/alejandrodnm/microvault/internal/application/ledger"
	"github.com/alejandrodnm/microvault/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mock asset ---

type mockAsset struct {
	balances     map[domain.Address]uint64
	failTransfer bool
	failFrom     bool
}

func newMockAsset() *mockAsset {
	return &mockAsset{balances: map[domain.Address]uint64{}}
}

func (m *mockAsset) move(from, to domain.Address, amount domain.Amount) error {
	n, _ := amount.Uint64()
	if m.balances[from] < n {
		return errors.New("insufficient balance")
	}
	m.balances[from] -= n
	m.balances[to] += n
	return nil
}

func (m *mockAsset) TransferFrom(_ context.Context, src, dst domain.Address, amount domain.Amount) error {
	if m.failFrom {
		return errors.New("allowance exceeded")
	}
	return m.move(src, dst, amount)
}

func (m *mockAsset) Transfer(_ context.Context, dst domain.Address, amount domain.Amount) error {
	if m.failTransfer {
		return errors.New("transfer reverted")
	}
	return m.move("vault", dst, amount)
}

func (m *mockAsset) BalanceOf(_ context.Context, holder domain.Address) (domain.Amount, error) {
	return domain.NewAmount(m.balances[holder]), nil
}

func setup() (*ledger.Ledger, *mockAsset, *domain.Totals) {
	asset := newMockAsset()
	asset.balances["alice"] = 1000
	totals := &domain.Totals{}
	return ledger.New(asset, "vault", totals), asset, totals
}

// --- tests ---

func TestCreditIdle(t *testing.T) {
	l, asset, totals := setup()
	ctx := context.Background()

	require.NoError(t, l.CreditIdle(ctx, "alice", domain.NewAmount(400)))
	assert.Equal(t, domain.NewAmount(400), totals.Idle)
	assert.Equal(t, uint64(600), asset.balances["alice"])
	assert.Equal(t, uint64(400), asset.balances["vault"])
}

func TestCreditIdle_TransferFailureLeavesIdle(t *testing.T) {
	l, asset, totals := setup()
	asset.failFrom = true

	err := l.CreditIdle(context.Background(), "alice", domain.NewAmount(400))
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.True(t, totals.Idle.IsZero())
	assert.Empty(t, l.Journal())
}

func TestDebitIdle_Insufficient(t *testing.T) {
	l, _, totals := setup()
	ctx := context.Background()
	require.NoError(t, l.CreditIdle(ctx, "alice", domain.NewAmount(100)))

	err := l.DebitIdle(ctx, domain.NewAmount(101), "alice")
	assert.ErrorIs(t, err, domain.ErrInsufficientIdleLiquidity)
	assert.Equal(t, domain.KindLiquidity, domain.KindOf(err))
	assert.Equal(t, domain.NewAmount(100), totals.Idle)
}

func TestDebitIdle_PaysRecipient(t *testing.T) {
	l, asset, totals := setup()
	ctx := context.Background()
	require.NoError(t, l.CreditIdle(ctx, "alice", domain.NewAmount(100)))

	require.NoError(t, l.DebitIdle(ctx, domain.NewAmount(30), "bob"))
	assert.Equal(t, domain.NewAmount(70), totals.Idle)
	assert.Equal(t, uint64(30), asset.balances["bob"])
}

func TestDebitIdle_FailedTransferRestoresIdle(t *testing.T) {
	l, asset, totals := setup()
	ctx := context.Background()
	require.NoError(t, l.CreditIdle(ctx, "alice", domain.NewAmount(100)))
	asset.failTransfer = true

	err := l.DebitIdle(ctx, domain.NewAmount(30), "bob")
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.Equal(t, domain.NewAmount(100), totals.Idle)
}

func TestUnwind_RefundsAndReplays(t *testing.T) {
	l, asset, totals := setup()
	ctx := context.Background()
	require.NoError(t, l.CreditIdle(ctx, "alice", domain.NewAmount(500)))
	l.Commit()

	pre := *totals
	l.Begin()
	require.NoError(t, l.CreditIdle(ctx, "alice", domain.NewAmount(200)))
	l.NoteRecall("strat", domain.NewAmount(50))
	asset.balances["vault"] += 50
	require.NoError(t, l.SendToStrategy(ctx, "strat", domain.NewAmount(120)))

	// caller restores state, then unwinds
	*totals = pre
	replayed, err := l.Unwind(ctx)
	require.NoError(t, err)
	assert.True(t, replayed)

	// 500 + 50 recalled - 120 deployed, the 200 credit went back to alice
	assert.Equal(t, domain.NewAmount(430), totals.Idle)
	assert.Equal(t, uint64(500), asset.balances["alice"])
	assert.Empty(t, l.Journal())

	rec, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, rec.Surplus.IsZero())
}

func TestReconcile_Surplus(t *testing.T) {
	l, asset, _ := setup()
	ctx := context.Background()
	require.NoError(t, l.CreditIdle(ctx, "alice", domain.NewAmount(100)))
	asset.balances["vault"] += 7

	rec, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.NewAmount(7), rec.Surplus)

	asset.balances["vault"] = 10
	_, err = l.Reconcile(ctx)
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
}

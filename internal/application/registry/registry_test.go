package registry_test

import (
	"testing"
	"time"

	"github.com/alejandrodnm/microvault/internal/application/registry"
	"github.com/alejandrodnm/microvault/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func params(weight, risk, minBps, maxBps uint64) domain.StrategyParams {
	return domain.StrategyParams{Weight: weight, RiskScore: risk, MinAllocationBps: minBps, MaxAllocationBps: maxBps}
}

func newRegistry() (*registry.Registry, *domain.State) {
	state := domain.NewState(domain.DefaultVaultParams())
	return registry.New(state, 5, func() time.Time { return fixedNow }), state
}

func TestRegister_InitializesNeutral(t *testing.T) {
	r, state := newRegistry()
	rec, err := r.Register("aave", params(60, 20, 0, 8000))
	require.NoError(t, err)

	assert.True(t, rec.Active)
	assert.Equal(t, uint64(domain.NeutralPerformanceScore), rec.PerformanceScore)
	assert.Equal(t, fixedNow, rec.RegisteredAt)
	assert.Equal(t, 5, rec.History.Cap())
	assert.Len(t, state.Strategies, 1)
	assert.Equal(t, 1, r.ActiveCount())
}

func TestRegister_Rejections(t *testing.T) {
	r, _ := newRegistry()
	_, err := r.Register("aave", params(60, 20, 0, 8000))
	require.NoError(t, err)

	_, err = r.Register("aave", params(10, 20, 0, 8000))
	assert.ErrorIs(t, err, domain.ErrDuplicateStrategy)

	_, err = r.Register("bad", params(0, 20, 0, 8000))
	assert.ErrorIs(t, err, domain.ErrInvalidStrategyParameters)

	_, err = r.Register("", params(1, 20, 0, 8000))
	assert.ErrorIs(t, err, domain.ErrInvalidStrategyParameters)
}

func TestRegister_MinimumsCannotExceedWhole(t *testing.T) {
	r, _ := newRegistry()
	_, err := r.Register("a", params(1, 10, 6000, 10000))
	require.NoError(t, err)

	_, err = r.Register("b", params(1, 10, 4001, 10000))
	assert.ErrorIs(t, err, domain.ErrInvalidStrategyParameters)

	_, err = r.Register("b", params(1, 10, 4000, 10000))
	assert.NoError(t, err)
}

func TestRegister_ReactivatesRemovedStrategy(t *testing.T) {
	r, state := newRegistry()
	_, err := r.Register("lido", params(10, 40, 0, 5000))
	require.NoError(t, err)
	require.NoError(t, r.RecordApySample("lido", 400))
	require.NoError(t, r.Deactivate("lido", domain.Zero))
	assert.Equal(t, 0, r.ActiveCount())

	rec, err := r.Register("lido", params(20, 40, 0, 5000))
	require.NoError(t, err)
	assert.True(t, rec.Active)
	assert.Equal(t, uint64(20), rec.Params.Weight)
	assert.Equal(t, 0, rec.History.Len())
	assert.Len(t, state.Strategies, 1, "record reused, not duplicated")
}

func TestUpdate(t *testing.T) {
	r, _ := newRegistry()
	_, err := r.Register("aave", params(60, 20, 0, 8000))
	require.NoError(t, err)
	require.NoError(t, r.RecordApySample("aave", 300))

	require.NoError(t, r.Update("aave", params(70, 25, 100, 9000)))
	rec, _ := r.Record("aave")
	assert.Equal(t, uint64(70), rec.Params.Weight)
	assert.Equal(t, uint64(300), rec.LastApy, "telemetry survives updates")

	assert.ErrorIs(t, r.Update("nope", params(1, 1, 0, 1)), domain.ErrStrategyNotActive)
	assert.ErrorIs(t, r.Update("aave", params(1, 1, 5, 1)), domain.ErrInvalidStrategyParameters)
}

func TestDeactivate_RequiresZeroCapital(t *testing.T) {
	r, _ := newRegistry()
	_, err := r.Register("curve", params(10, 70, 0, 3000))
	require.NoError(t, err)

	err = r.Deactivate("curve", domain.NewAmount(1))
	assert.ErrorIs(t, err, domain.ErrStrategyWithdrawalFailed)
	assert.Equal(t, 1, r.ActiveCount())

	require.NoError(t, r.Deactivate("curve", domain.Zero))
	assert.Empty(t, r.Active())
	assert.Len(t, r.Records(), 1)
	assert.ErrorIs(t, r.Deactivate("curve", domain.Zero), domain.ErrStrategyNotActive)
}

func TestRecordApySample_BoundedHistory(t *testing.T) {
	r, _ := newRegistry()
	_, err := r.Register("aave", params(60, 20, 0, 8000))
	require.NoError(t, err)

	for _, apy := range []uint64{100, 200, 300, 400, 500, 600, 700} {
		require.NoError(t, r.RecordApySample("aave", apy))
	}
	hist, err := r.ApyHistoryOf("aave")
	require.NoError(t, err)
	assert.Equal(t, []uint64{300, 400, 500, 600, 700}, hist)

	rec, _ := r.Record("aave")
	assert.Equal(t, uint64(500), rec.MovingAverageApy)
	assert.Equal(t, uint64(700), rec.LastApy)
	assert.Equal(t, uint64(0), rec.PerformanceScore)

	_, err = r.ApyHistoryOf("missing")
	assert.ErrorIs(t, err, domain.ErrStrategyNotActive)
	assert.ErrorIs(t, r.RecordApySample("missing", 1), domain.ErrStrategyNotActive)
}

func TestHandles(t *testing.T) {
	r, _ := newRegistry()
	_, err := r.Handle("aave")
	assert.ErrorIs(t, err, domain.ErrStrategyNotBound)
	assert.False(t, r.IsBound("aave"))
}

package vault_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/microvault/internal/application/batching"
	"github.com/alejandrodnm/microvault/internal/application/vault"
	"github.com/alejandrodnm/microvault/internal/domain"
)

// --- mock asset ---

type mockAsset struct {
	mu       sync.Mutex
	balances map[domain.Address]uint64
	failPay  map[domain.Address]bool
}

func newMockAsset() *mockAsset {
	return &mockAsset{
		balances: map[domain.Address]uint64{},
		failPay:  map[domain.Address]bool{},
	}
}

func (m *mockAsset) move(from, to domain.Address, n uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[from] < n {
		return errors.New("insufficient balance")
	}
	m.balances[from] -= n
	m.balances[to] += n
	return nil
}

func (m *mockAsset) balance(a domain.Address) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[a]
}

func (m *mockAsset) mint(a domain.Address, n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[a] += n
}

func (m *mockAsset) TransferFrom(_ context.Context, src, dst domain.Address, amount domain.Amount) error {
	n, _ := amount.Uint64()
	return m.move(src, dst, n)
}

func (m *mockAsset) Transfer(_ context.Context, dst domain.Address, amount domain.Amount) error {
	m.mu.Lock()
	fail := m.failPay[dst]
	m.mu.Unlock()
	if fail {
		return errors.New("transfer reverted")
	}
	n, _ := amount.Uint64()
	return m.move(vault.DefaultAddress, dst, n)
}

func (m *mockAsset) BalanceOf(_ context.Context, holder domain.Address) (domain.Amount, error) {
	return domain.NewAmount(m.balance(holder)), nil
}

// --- mock strategy ---

// mockStrategy holds its capital as a token balance at its own address.
type mockStrategy struct {
	addr    domain.Address
	asset   *mockAsset
	apy     uint64
	healthy bool

	pendingYield uint64
	withdrawCap  *uint64 // caps every Withdraw/WithdrawAll
	failDeposit  bool
	failHarvest  bool
	onWithdraw   func(ctx context.Context) error
	onHarvest    func(ctx context.Context) error
}

func (s *mockStrategy) Address() domain.Address { return s.addr }

func (s *mockStrategy) Deposit(_ context.Context, _ domain.Amount) error {
	if s.failDeposit {
		return errors.New("deposit reverted")
	}
	return nil
}

func (s *mockStrategy) Withdraw(ctx context.Context, amount domain.Amount) (domain.Amount, error) {
	if s.onWithdraw != nil {
		if err := s.onWithdraw(ctx); err != nil {
			return domain.Zero, err
		}
	}
	n, _ := amount.Uint64()
	if bal := s.asset.balance(s.addr); n > bal {
		n = bal
	}
	if s.withdrawCap != nil && n > *s.withdrawCap {
		n = *s.withdrawCap
	}
	if err := s.asset.move(s.addr, vault.DefaultAddress, n); err != nil {
		return domain.Zero, err
	}
	return domain.NewAmount(n), nil
}

func (s *mockStrategy) WithdrawAll(ctx context.Context) (domain.Amount, error) {
	return s.Withdraw(ctx, domain.NewAmount(s.asset.balance(s.addr)))
}

func (s *mockStrategy) Harvest(ctx context.Context) (domain.Amount, error) {
	if s.onHarvest != nil {
		if err := s.onHarvest(ctx); err != nil {
			return domain.Zero, err
		}
	}
	if s.failHarvest {
		return domain.Zero, errors.New("harvest reverted")
	}
	y := s.pendingYield
	s.asset.mint(s.addr, y)
	s.pendingYield = 0
	return domain.NewAmount(y), nil
}

func (s *mockStrategy) TotalAssets(_ context.Context) (domain.Amount, error) {
	return domain.NewAmount(s.asset.balance(s.addr)), nil
}

func (s *mockStrategy) APY(_ context.Context) (uint64, error) { return s.apy, nil }

func (s *mockStrategy) IsHealthy(_ context.Context) bool { return s.healthy }

// --- in-memory store ---

type memStore struct {
	mu         sync.Mutex
	saved      bool
	failSave   bool
	saves      int
	totals     domain.Totals
	params     domain.VaultParams
	accounts   map[domain.Address]domain.Account
	strategies []domain.StrategyRecord
	buckets    []domain.Bucket
	receipts   []domain.Receipt
	lastReb    time.Time
}

func newMemStore() *memStore {
	return &memStore{accounts: map[domain.Address]domain.Account{}}
}

func (s *memStore) Load(_ context.Context) (domain.StateChange, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.saved {
		return domain.StateChange{}, false, nil
	}
	ch := domain.StateChange{
		Totals:        s.totals,
		Params:        s.params,
		Strategies:    append([]domain.StrategyRecord(nil), s.strategies...),
		Buckets:       append([]domain.Bucket(nil), s.buckets...),
		LastRebalance: s.lastReb,
	}
	for _, a := range s.accounts {
		ch.Accounts = append(ch.Accounts, a)
	}
	sort.Slice(ch.Accounts, func(i, j int) bool { return ch.Accounts[i].Address < ch.Accounts[j].Address })
	return ch, true, nil
}

func (s *memStore) Save(_ context.Context, ch domain.StateChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return errors.New("disk full")
	}
	s.saves++
	s.saved = true
	s.totals = ch.Totals
	s.params = ch.Params
	s.lastReb = ch.LastRebalance
	for _, a := range ch.Accounts {
		s.accounts[a.Address] = a
	}
	s.strategies = ch.Strategies
	s.buckets = ch.Buckets
	if ch.Receipt != nil {
		s.receipts = append(s.receipts, *ch.Receipt)
	}
	if ch.VoidReceipt != "" {
		kept := s.receipts[:0]
		for _, r := range s.receipts {
			if r.ID != ch.VoidReceipt {
				kept = append(kept, r)
			}
		}
		s.receipts = kept
	}
	return nil
}

func (s *memStore) Receipts(_ context.Context, limit int) ([]domain.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Receipt, 0, limit)
	for i := len(s.receipts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.receipts[i])
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

// --- harness ---

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	ctx   context.Context
	v     *vault.Vault
	asset *mockAsset
	store *memStore
	clock *clock
	cfg   vault.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ctx:   context.Background(),
		asset: newMockAsset(),
		store: newMemStore(),
		clock: &clock{t: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)},
	}
	h.cfg = vault.Config{
		AssetDecimals:     6,
		RebalanceCooldown: time.Hour,
		Batch: batching.Config{
			Threshold:          domain.NewAmount(1000),
			EmergencyThreshold: domain.NewAmount(1_000_000_000),
			Interval:           time.Hour,
		},
		Now: h.clock.now,
	}
	v, err := vault.Open(h.ctx, h.cfg, h.asset, h.store)
	require.NoError(t, err)
	h.v = v
	return h
}

func (h *harness) addStrategy(t *testing.T, id string, weight, risk uint64) *mockStrategy {
	t.Helper()
	s := &mockStrategy{addr: domain.Address("strategy-" + id), asset: h.asset, healthy: true}
	_, err := h.v.AddStrategy(h.ctx, domain.StrategyID(id), domain.StrategyParams{
		Weight:           weight,
		RiskScore:        risk,
		MinAllocationBps: 0,
		MaxAllocationBps: domain.BasisPoints,
	}, s)
	require.NoError(t, err)
	return s
}

// fund gives a user tokens.
func (h *harness) fund(user domain.Address, n uint64) {
	h.asset.mint(user, n)
}

func (h *harness) deposit(t *testing.T, user domain.Address, n uint64) domain.Receipt {
	t.Helper()
	h.fund(user, n)
	r, err := h.v.Deposit(h.ctx, user, domain.NewAmount(n), domain.BucketMedium)
	require.NoError(t, err)
	return r
}

func (h *harness) shares(t *testing.T, user domain.Address) domain.Amount {
	t.Helper()
	a, err := h.v.Account(h.ctx, user)
	require.NoError(t, err)
	return a.Shares
}

func (h *harness) snapshot(t *testing.T) domain.Snapshot {
	t.Helper()
	s, err := h.v.Snapshot(h.ctx)
	require.NoError(t, err)
	return s
}

// twoStrategies registers the 60/40 weights at risk 20/70.
func (h *harness) twoStrategies(t *testing.T) (safe, risky *mockStrategy) {
	t.Helper()
	return h.addStrategy(t, "safe", 60, 20), h.addStrategy(t, "risky", 40, 70)
}

func u64(n uint64) *uint64 { return &n }

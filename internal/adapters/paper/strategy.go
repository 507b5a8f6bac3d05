package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alejandrodnm/microvault/internal/domain"
)

const yearMillis = 365 * 24 * 60 * 60 * 1000

// Strategy is a simulated yield backend paying a fixed APY as simple
// interest on the capital deposited into it. Interest accrues with the
// clock and becomes token balance on Harvest.
type Strategy struct {
	mu sync.Mutex

	id      domain.StrategyID
	addr    domain.Address
	vault   domain.Address
	token   *Token
	apyBps  uint64
	healthy bool
	now     func() time.Time

	invested    domain.Amount // interest base
	accrued     domain.Amount // earned, not yet harvested
	lastAccrual time.Time
}

// NewStrategy returns a healthy strategy holding its capital at
// "strategy:<id>" and paying back to vault.
func NewStrategy(id domain.StrategyID, token *Token, vault domain.Address, apyBps uint64, now func() time.Time) *Strategy {
	if now == nil {
		now = time.Now
	}
	return &Strategy{
		id:      id,
		addr:    domain.Address("strategy:" + string(id)),
		vault:   vault,
		token:   token,
		apyBps:  apyBps,
		healthy: true,
		now:     now,
	}
}

func (s *Strategy) ID() domain.StrategyID   { return s.id }
func (s *Strategy) Address() domain.Address { return s.addr }

// SetAPY changes the rate from now on.
func (s *Strategy) SetAPY(bps uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accrue()
	s.apyBps = bps
}

// SetHealthy flips the health flag the vault reads before allocating.
func (s *Strategy) SetHealthy(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = ok
}

// accrue books simple interest on invested since the last checkpoint.
// Callers hold mu.
func (s *Strategy) accrue() {
	now := s.now()
	if s.lastAccrual.IsZero() || s.invested.IsZero() || !now.After(s.lastAccrual) {
		s.lastAccrual = now
		return
	}
	elapsed := uint64(now.Sub(s.lastAccrual).Milliseconds())
	interest := s.invested.MulUint64(s.apyBps).MulUint64(elapsed).
		Div(domain.NewAmount(domain.BasisPoints * yearMillis))
	if interest.IsZero() {
		// keep the checkpoint so sub-unit interest is not lost to rounding
		return
	}
	s.accrued = s.accrued.Add(interest)
	s.lastAccrual = now
}

func (s *Strategy) Deposit(_ context.Context, amount domain.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy {
		return fmt.Errorf("paper: strategy %s is paused", s.id)
	}
	held := s.token.Balance(s.addr)
	if held.LT(s.invested.Add(amount)) {
		return fmt.Errorf("paper: strategy %s: %w: deposit of %s not received", s.id, ErrInsufficientBalance, amount)
	}
	s.accrue()
	s.invested = s.invested.Add(amount)
	return nil
}

func (s *Strategy) Withdraw(ctx context.Context, amount domain.Amount) (domain.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accrue()
	n := amount.Min(s.token.Balance(s.addr))
	if n.IsZero() {
		return domain.Zero, nil
	}
	if err := s.token.Wallet(s.addr).Transfer(ctx, s.vault, n); err != nil {
		return domain.Zero, fmt.Errorf("paper: strategy %s withdraw: %w", s.id, err)
	}
	if s.invested, _ = s.invested.Sub(n.Min(s.invested)); s.invested.IsZero() {
		s.lastAccrual = time.Time{}
	}
	return n, nil
}

// WithdrawAll realizes pending interest first so nothing is left behind.
func (s *Strategy) WithdrawAll(ctx context.Context) (domain.Amount, error) {
	s.mu.Lock()
	s.accrue()
	s.realize()
	all := s.token.Balance(s.addr)
	s.mu.Unlock()
	return s.Withdraw(ctx, all)
}

func (s *Strategy) Harvest(_ context.Context) (domain.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accrue()
	return s.realize(), nil
}

// realize mints the accrued interest into the strategy's balance.
func (s *Strategy) realize() domain.Amount {
	y := s.accrued
	if !y.IsZero() {
		s.token.Mint(s.addr, y)
		s.accrued = domain.Zero
	}
	return y
}

func (s *Strategy) TotalAssets(_ context.Context) (domain.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accrue()
	return s.token.Balance(s.addr).Add(s.accrued), nil
}

func (s *Strategy) APY(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apyBps, nil
}

func (s *Strategy) IsHealthy(_ context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// StrategyState is the persisted form of a paper strategy.
type StrategyState struct {
	ID          domain.StrategyID `json:"id"`
	APYBps      uint64            `json:"apy_bps"`
	Healthy     bool              `json:"healthy"`
	Invested    domain.Amount     `json:"invested"`
	Accrued     domain.Amount     `json:"accrued"`
	LastAccrual time.Time         `json:"last_accrual"`
}

// State exports the strategy for persistence.
func (s *Strategy) State() StrategyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StrategyState{
		ID:          s.id,
		APYBps:      s.apyBps,
		Healthy:     s.healthy,
		Invested:    s.invested,
		Accrued:     s.accrued,
		LastAccrual: s.lastAccrual,
	}
}

func (s *Strategy) restore(st StrategyState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apyBps = st.APYBps
	s.healthy = st.Healthy
	s.invested = st.Invested
	s.accrued = st.Accrued
	s.lastAccrual = st.LastAccrual
}

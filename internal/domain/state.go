package domain

import (
	"errors"
	"fmt"
	"time"
)

// Address identifies a depositor or any other asset holder.
type Address string

// Account is one depositor's position.
type Account struct {
	Address     Address
	Principal   Amount // cost basis, reduced proportionally on withdraw
	Shares      Amount
	LastDeposit time.Time
}

// Totals are the vault-wide counters.
type Totals struct {
	TotalShares   Amount
	TotalDeposits Amount
	Idle          Amount
}

// VaultParams are the operator-tunable allocation knobs.
type VaultParams struct {
	RiskTolerance         uint64
	RebalanceThresholdBps uint64
}

// Validate checks both knobs are within the basis-point/risk scales.
func (p VaultParams) Validate() error {
	if p.RiskTolerance > MaxRiskScore {
		return fmt.Errorf("%w: risk tolerance %d > %d", ErrInvalidParameter, p.RiskTolerance, MaxRiskScore)
	}
	if p.RebalanceThresholdBps > BasisPoints {
		return fmt.Errorf("%w: rebalance threshold %d > %d bps", ErrInvalidParameter, p.RebalanceThresholdBps, BasisPoints)
	}
	return nil
}

// DefaultVaultParams returns the neutral tolerance and 5% threshold.
func DefaultVaultParams() VaultParams {
	return VaultParams{
		RiskTolerance:         DefaultRiskTolerance,
		RebalanceThresholdBps: DefaultRebalanceThresholdBps,
	}
}

// State is everything the vault owns. It is held by one orchestrator and
// handed by reference to the components that mutate it.
type State struct {
	Accounts   map[Address]*Account
	Totals     Totals
	Strategies []*StrategyRecord // registration order, inactive records kept
	Buckets    map[RiskBucket]*Bucket
	Params     VaultParams

	LastRebalance time.Time
}

// NewState returns an empty vault with the three buckets opened.
func NewState(params VaultParams) *State {
	s := &State{
		Accounts: make(map[Address]*Account),
		Buckets:  make(map[RiskBucket]*Bucket, len(RiskBuckets)),
		Params:   params,
	}
	for _, b := range RiskBuckets {
		s.Buckets[b] = &Bucket{Risk: b}
	}
	return s
}

// Account returns the account for addr, creating it when absent.
func (s *State) Account(addr Address) *Account {
	a, ok := s.Accounts[addr]
	if !ok {
		a = &Account{Address: addr}
		s.Accounts[addr] = a
	}
	return a
}

// Strategy returns the record with id, active or not.
func (s *State) Strategy(id StrategyID) (*StrategyRecord, bool) {
	for _, r := range s.Strategies {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}

// ActiveStrategies returns the active records in registration order.
func (s *State) ActiveStrategies() []*StrategyRecord {
	out := make([]*StrategyRecord, 0, len(s.Strategies))
	for _, r := range s.Strategies {
		if r.Active {
			out = append(out, r)
		}
	}
	return out
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := &State{
		Accounts:   make(map[Address]*Account, len(s.Accounts)),
		Totals:     s.Totals,
		Strategies: make([]*StrategyRecord, len(s.Strategies)),
		Buckets:    make(map[RiskBucket]*Bucket, len(s.Buckets)),
		Params:     s.Params,

		LastRebalance: s.LastRebalance,
	}
	for k, a := range s.Accounts {
		cp := *a
		c.Accounts[k] = &cp
	}
	for i, r := range s.Strategies {
		c.Strategies[i] = r.Clone()
	}
	for k, b := range s.Buckets {
		cp := *b
		c.Buckets[k] = &cp
	}
	return c
}

// CheckInvariants verifies the bookkeeping against the freshly computed
// total assets:
//
//	Σ account.shares     == totalShares
//	Σ account.principal  == totalDeposits
//	account.shares == 0  ⇒ account.principal == 0
//	idle                 ≤ totalAssets
//	totalShares > 0      ⇒ totalAssets > 0
func (s *State) CheckInvariants(totalAssets Amount) error {
	var shares, principal Amount
	var errs []error
	for addr, a := range s.Accounts {
		shares = shares.Add(a.Shares)
		principal = principal.Add(a.Principal)
		if a.Shares.IsZero() && !a.Principal.IsZero() {
			errs = append(errs, fmt.Errorf("account %s has principal %s without shares", addr, a.Principal))
		}
	}
	if !shares.Eq(s.Totals.TotalShares) {
		errs = append(errs, fmt.Errorf("Σ shares %s != total shares %s", shares, s.Totals.TotalShares))
	}
	if !principal.Eq(s.Totals.TotalDeposits) {
		errs = append(errs, fmt.Errorf("Σ principal %s != total deposits %s", principal, s.Totals.TotalDeposits))
	}
	if s.Totals.Idle.GT(totalAssets) {
		errs = append(errs, fmt.Errorf("idle %s > total assets %s", s.Totals.Idle, totalAssets))
	}
	if !s.Totals.TotalShares.IsZero() && totalAssets.IsZero() {
		errs = append(errs, fmt.Errorf("%s shares outstanding against zero assets", s.Totals.TotalShares))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvariantViolation, errors.Join(errs...))
}

// StateChange is what a completed operation hands to storage: the totals,
// the accounts it touched, every strategy record and every bucket.
type StateChange struct {
	Totals     Totals
	Params     VaultParams
	Accounts   []Account
	Strategies []StrategyRecord
	Buckets    []Bucket
	Receipt    *Receipt

	// VoidReceipt names a receipt saved earlier whose operation was rolled
	// back afterwards; the store deletes it.
	VoidReceipt string

	LastRebalance time.Time
}

// FullChange captures the whole state, used for the first save and tests.
func (s *State) FullChange() StateChange {
	addrs := make([]Address, 0, len(s.Accounts))
	for a := range s.Accounts {
		addrs = append(addrs, a)
	}
	return s.Change(addrs, nil)
}

// Change captures the state with only the given accounts.
func (s *State) Change(touched []Address, receipt *Receipt) StateChange {
	ch := StateChange{
		Totals:     s.Totals,
		Params:     s.Params,
		Accounts:   make([]Account, 0, len(touched)),
		Strategies: make([]StrategyRecord, 0, len(s.Strategies)),
		Buckets:    make([]Bucket, 0, len(s.Buckets)),
		Receipt:    receipt,

		LastRebalance: s.LastRebalance,
	}
	for _, addr := range touched {
		if a, ok := s.Accounts[addr]; ok {
			ch.Accounts = append(ch.Accounts, *a)
		}
	}
	for _, r := range s.Strategies {
		ch.Strategies = append(ch.Strategies, *r.Clone())
	}
	for _, b := range RiskBuckets {
		if bk, ok := s.Buckets[b]; ok {
			ch.Buckets = append(ch.Buckets, *bk)
		}
	}
	return ch
}

// StateFromChange rebuilds a State from a full load.
func StateFromChange(ch StateChange) *State {
	s := NewState(ch.Params)
	s.Totals = ch.Totals
	s.LastRebalance = ch.LastRebalance
	for _, a := range ch.Accounts {
		cp := a
		s.Accounts[a.Address] = &cp
	}
	for _, r := range ch.Strategies {
		s.Strategies = append(s.Strategies, r.Clone())
	}
	for _, b := range ch.Buckets {
		cp := b
		s.Buckets[b.Risk] = &cp
	}
	return s
}

// Package paper simulates the external world the vault talks to: a token
// ledger and fixed-APY strategies. The `run` and `simulate` commands wire
// the vault to it instead of a chain.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alejandrodnm/microvault/internal/domain"
)

var (
	ErrInsufficientBalance   = errors.New("paper: insufficient balance")
	ErrInsufficientAllowance = errors.New("paper: insufficient allowance")
)

// Token is an in-memory fungible token. Transfers are all-or-nothing.
type Token struct {
	mu         sync.Mutex
	balances   map[domain.Address]domain.Amount
	allowances map[domain.Address]map[domain.Address]domain.Amount // owner → spender → amount
	supply     domain.Amount
}

// NewToken returns an empty token.
func NewToken() *Token {
	return &Token{
		balances:   make(map[domain.Address]domain.Amount),
		allowances: make(map[domain.Address]map[domain.Address]domain.Amount),
	}
}

// Mint creates amount out of thin air for holder.
func (t *Token) Mint(holder domain.Address, amount domain.Amount) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[holder] = t.balances[holder].Add(amount)
	t.supply = t.supply.Add(amount)
}

// Approve lets spender pull up to amount from owner.
func (t *Token) Approve(owner, spender domain.Address, amount domain.Amount) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[domain.Address]domain.Amount)
	}
	t.allowances[owner][spender] = amount
}

// Balance reads a holder's balance.
func (t *Token) Balance(holder domain.Address) domain.Amount {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balances[holder]
}

// Supply is everything ever minted.
func (t *Token) Supply() domain.Amount {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.supply
}

// Holders returns a copy of every non-zero balance.
func (t *Token) Holders() map[domain.Address]domain.Amount {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[domain.Address]domain.Amount, len(t.balances))
	for k, v := range t.balances {
		if !v.IsZero() {
			out[k] = v
		}
	}
	return out
}

func (t *Token) move(from, to domain.Address, amount domain.Amount) error {
	bal, err := t.balances[from].Sub(amount)
	if err != nil {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, from, t.balances[from], amount)
	}
	t.balances[from] = bal
	t.balances[to] = t.balances[to].Add(amount)
	return nil
}

// Wallet is the token as seen by one holder. It implements ports.Asset.
func (t *Token) Wallet(holder domain.Address) *Wallet {
	return &Wallet{token: t, holder: holder}
}

// Wallet acts on a Token on behalf of one holder.
type Wallet struct {
	token  *Token
	holder domain.Address
}

// Holder is the address the wallet spends from.
func (w *Wallet) Holder() domain.Address { return w.holder }

// Transfer sends amount from the holder to dst.
func (w *Wallet) Transfer(_ context.Context, dst domain.Address, amount domain.Amount) error {
	w.token.mu.Lock()
	defer w.token.mu.Unlock()
	return w.token.move(w.holder, dst, amount)
}

// TransferFrom pulls amount from src to dst using the allowance src granted
// the holder.
func (w *Wallet) TransferFrom(_ context.Context, src, dst domain.Address, amount domain.Amount) error {
	t := w.token
	t.mu.Lock()
	defer t.mu.Unlock()
	if src != w.holder {
		allowed := t.allowances[src][w.holder]
		left, err := allowed.Sub(amount)
		if err != nil {
			return fmt.Errorf("%w: %s allows %s %s, needs %s", ErrInsufficientAllowance, src, w.holder, allowed, amount)
		}
		if err := t.move(src, dst, amount); err != nil {
			return err
		}
		t.allowances[src][w.holder] = left
		return nil
	}
	return t.move(src, dst, amount)
}

// BalanceOf reads any holder's balance.
func (w *Wallet) BalanceOf(_ context.Context, holder domain.Address) (domain.Amount, error) {
	return w.token.Balance(holder), nil
}

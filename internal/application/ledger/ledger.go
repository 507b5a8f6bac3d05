// Package ledger keeps the vault's idle balance in step with the asset it
// actually holds. Every movement that settles externally is journaled so a
// failed operation can be unwound onto the restored state.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/microvault/internal/domain"
	"github.com/alejandrodnm/microvault/internal/ports"
)

// EntryKind is the type of a settled movement.
type EntryKind string

const (
	EntryCredit EntryKind = "credit" // depositor → vault
	EntryDebit  EntryKind = "debit"  // vault → recipient
	EntryDeploy EntryKind = "deploy" // vault → strategy
	EntryRecall EntryKind = "recall" // strategy → vault
)

// Entry is one external movement that already happened.
type Entry struct {
	Kind   EntryKind
	Party  domain.Address
	Amount domain.Amount
}

// Ledger tracks idle capital. It is not safe for concurrent use; the vault
// serializes every call.
type Ledger struct {
	asset   ports.Asset
	vault   domain.Address
	totals  *domain.Totals
	journal []Entry
}

// New returns a ledger writing idle into totals.
func New(asset ports.Asset, vault domain.Address, totals *domain.Totals) *Ledger {
	return &Ledger{asset: asset, vault: vault, totals: totals}
}

// Vault is the custody address.
func (l *Ledger) Vault() domain.Address { return l.vault }

// Idle is the tracked idle balance.
func (l *Ledger) Idle() domain.Amount { return l.totals.Idle }

// CreditIdle pulls amount from the depositor into vault custody.
func (l *Ledger) CreditIdle(ctx context.Context, from domain.Address, amount domain.Amount) error {
	if amount.IsZero() {
		return domain.ErrZeroAmount
	}
	if err := l.asset.TransferFrom(ctx, from, l.vault, amount); err != nil {
		return fmt.Errorf("ledger.CreditIdle: %w: %w", domain.ErrTransferFailed, err)
	}
	l.totals.Idle = l.totals.Idle.Add(amount)
	l.journal = append(l.journal, Entry{Kind: EntryCredit, Party: from, Amount: amount})
	return nil
}

// DebitIdle pays amount out of idle to recipient.
func (l *Ledger) DebitIdle(ctx context.Context, amount domain.Amount, recipient domain.Address) error {
	if err := l.Reserve(amount); err != nil {
		return err
	}
	if err := l.Pay(ctx, recipient, amount); err != nil {
		l.totals.Idle = l.totals.Idle.Add(amount)
		return err
	}
	return nil
}

// Reserve takes amount out of idle without moving it yet. The caller either
// pays it with Pay or restores state.
func (l *Ledger) Reserve(amount domain.Amount) error {
	if amount.GT(l.totals.Idle) {
		return fmt.Errorf("ledger.Reserve: %w: need %s, idle %s",
			domain.ErrInsufficientIdleLiquidity, amount, l.totals.Idle)
	}
	l.totals.Idle, _ = l.totals.Idle.Sub(amount)
	return nil
}

// Pay transfers a reserved amount to recipient.
func (l *Ledger) Pay(ctx context.Context, recipient domain.Address, amount domain.Amount) error {
	if err := l.asset.Transfer(ctx, recipient, amount); err != nil {
		return fmt.Errorf("ledger.Pay: %w: %w", domain.ErrTransferFailed, err)
	}
	l.journal = append(l.journal, Entry{Kind: EntryDebit, Party: recipient, Amount: amount})
	return nil
}

// SendToStrategy transfers amount from idle to a strategy's address. The
// caller then tells the strategy to deposit it.
func (l *Ledger) SendToStrategy(ctx context.Context, strategy domain.Address, amount domain.Amount) error {
	if err := l.Reserve(amount); err != nil {
		return err
	}
	if err := l.asset.Transfer(ctx, strategy, amount); err != nil {
		l.totals.Idle = l.totals.Idle.Add(amount)
		return fmt.Errorf("ledger.SendToStrategy: %w: %w", domain.ErrTransferFailed, err)
	}
	l.journal = append(l.journal, Entry{Kind: EntryDeploy, Party: strategy, Amount: amount})
	return nil
}

// NoteRecall books capital a strategy reports it returned to the vault.
func (l *Ledger) NoteRecall(strategy domain.Address, amount domain.Amount) {
	if amount.IsZero() {
		return
	}
	l.totals.Idle = l.totals.Idle.Add(amount)
	l.journal = append(l.journal, Entry{Kind: EntryRecall, Party: strategy, Amount: amount})
}

// Begin starts a new journal for one vault operation.
func (l *Ledger) Begin() { l.journal = l.journal[:0] }

// Commit forgets the journal.
func (l *Ledger) Commit() { l.journal = l.journal[:0] }

// Journal returns a copy of the movements since Begin.
func (l *Ledger) Journal() []Entry {
	return append([]Entry(nil), l.journal...)
}

// Unwind runs after the caller restored totals to their pre-operation value.
// Depositor credits are refunded. Strategy movements cannot be taken back,
// so they are replayed in order onto idle to keep it equal to what the
// vault holds.
// It returns whether idle changed, meaning the restored state differs from
// the last persisted one.
func (l *Ledger) Unwind(ctx context.Context) (bool, error) {
	var errs []error
	replayed := false
	for _, e := range l.journal {
		switch e.Kind {
		case EntryCredit:
			if err := l.asset.Transfer(ctx, e.Party, e.Amount); err != nil {
				// the funds stay in custody as unaccounted surplus
				slog.Warn("ledger: refund failed", "to", e.Party, "amount", e.Amount, "err", err)
				errs = append(errs, fmt.Errorf("refund %s to %s: %w", e.Amount, e.Party, err))
			}
		case EntryRecall:
			l.totals.Idle = l.totals.Idle.Add(e.Amount)
			replayed = true
		case EntryDeploy, EntryDebit:
			idle, err := l.totals.Idle.Sub(e.Amount)
			if err != nil {
				errs = append(errs, fmt.Errorf("replay %s of %s: %w", e.Kind, e.Amount, domain.ErrInvariantViolation))
				continue
			}
			l.totals.Idle = idle
			replayed = true
		}
	}
	l.journal = l.journal[:0]
	if len(errs) > 0 {
		return replayed, fmt.Errorf("ledger.Unwind: %w", errors.Join(errs...))
	}
	return replayed, nil
}

// Reconciliation compares the asset balance with tracked idle.
type Reconciliation struct {
	Balance domain.Amount
	Idle    domain.Amount
	Surplus domain.Amount // donations, failed refunds
}

// Reconcile reads the vault's asset balance. Holding less than tracked idle
// is an invariant violation.
func (l *Ledger) Reconcile(ctx context.Context) (Reconciliation, error) {
	bal, err := l.asset.BalanceOf(ctx, l.vault)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("ledger.Reconcile: %w: %w", domain.ErrTransferFailed, err)
	}
	r := Reconciliation{Balance: bal, Idle: l.totals.Idle}
	surplus, err := bal.Sub(l.totals.Idle)
	if err != nil {
		return r, fmt.Errorf("ledger.Reconcile: balance %s below idle %s: %w", bal, l.totals.Idle, domain.ErrInvariantViolation)
	}
	r.Surplus = surplus
	return r, nil
}

package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/microvault/internal/application/batching"
	"github.com/alejandrodnm/microvault/internal/domain"
)

// Deposit pulls amount from the depositor, mints shares at the pre-deposit
// price and queues the capital in the bucket's batch. When the enqueue fires
// a trigger the bucket is flushed right after the deposit commits; a failed
// flush leaves the capital pending and the deposit standing.
func (v *Vault) Deposit(ctx context.Context, from domain.Address, amount domain.Amount, bucket domain.RiskBucket) (domain.Receipt, error) {
	ctx, release, err := v.enter(ctx)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("vault.deposit: %w", err)
	}
	defer release()

	var trigger domain.Trigger
	receipt, err := v.atomic(ctx, domain.OpDeposit, func(ctx context.Context, tx *txn) error {
		if err := v.shares.CheckDeposit(amount); err != nil {
			return fmt.Errorf("vault.deposit: %w", err)
		}
		if _, ok := v.state.Buckets[bucket]; !ok {
			return fmt.Errorf("vault.deposit: %w: %q", domain.ErrUnknownBucket, bucket)
		}
		total, err := v.totalAssets(ctx)
		if err != nil {
			return fmt.Errorf("vault.deposit: valuation: %w", err)
		}
		minted, err := v.shares.SharesForDeposit(amount, v.state.Totals.TotalShares, total)
		if err != nil {
			return fmt.Errorf("vault.deposit: %w", err)
		}

		acct := v.state.Account(from)
		acct.Shares = acct.Shares.Add(minted)
		acct.Principal = acct.Principal.Add(amount)
		acct.LastDeposit = v.now()
		v.state.Totals.TotalShares = v.state.Totals.TotalShares.Add(minted)
		v.state.Totals.TotalDeposits = v.state.Totals.TotalDeposits.Add(amount)

		if err := v.ledger.CreditIdle(ctx, from, amount); err != nil {
			return fmt.Errorf("vault.deposit: %w", err)
		}
		trigger, err = v.batcher.Enqueue(amount, bucket)
		if err != nil {
			return fmt.Errorf("vault.deposit: %w", err)
		}

		tx.touched = append(tx.touched, from)
		tx.receipt.Account = from
		tx.receipt.Amount = amount
		tx.receipt.Shares = minted
		return nil
	})
	if err != nil {
		return domain.Receipt{}, err
	}

	if trigger.Fires() {
		flushed, ferr := v.flush(ctx, bucket, trigger)
		if ferr != nil {
			slog.Warn("vault: batch flush failed, capital stays pending",
				"bucket", bucket, "trigger", trigger, "err", ferr)
			receipt.Flushes = append(receipt.Flushes, domain.FlushResult{
				Bucket:  bucket,
				Trigger: trigger,
				Error:   ferr.Error(),
			})
		} else {
			receipt.Flushes = append(receipt.Flushes, flushed.Flushes...)
			receipt.Moves = append(receipt.Moves, flushed.Moves...)
		}
	}
	return receipt, nil
}

// Withdraw burns shares at the pre-withdrawal price and pays the assets to
// the owner, pulling capital back from strategies when idle is short.
func (v *Vault) Withdraw(ctx context.Context, owner domain.Address, shares domain.Amount) (domain.Receipt, error) {
	return v.run(ctx, domain.OpWithdraw, func(ctx context.Context, tx *txn) error {
		if shares.IsZero() {
			return fmt.Errorf("vault.withdraw: %w", domain.ErrZeroAmount)
		}
		acct, ok := v.state.Accounts[owner]
		if !ok || acct.Shares.LT(shares) {
			held := domain.Zero
			if ok {
				held = acct.Shares
			}
			return fmt.Errorf("vault.withdraw: %w: %s requested, %s held", domain.ErrInsufficientShares, shares, held)
		}
		total, err := v.totalAssets(ctx)
		if err != nil {
			return fmt.Errorf("vault.withdraw: valuation: %w", err)
		}
		amount := domain.AssetsForShares(shares, v.state.Totals.TotalShares, total)
		if amount.IsZero() {
			return fmt.Errorf("vault.withdraw: %w: %s shares are worth nothing", domain.ErrZeroAmount, shares)
		}

		principal, err := domain.PrincipalAfterRedeem(acct.Principal, acct.Shares, shares)
		if err != nil {
			return fmt.Errorf("vault.withdraw: %w", err)
		}
		released, err := acct.Principal.Sub(principal)
		if err != nil {
			return fmt.Errorf("vault.withdraw: %w", err)
		}
		if v.state.Totals.TotalDeposits, err = v.state.Totals.TotalDeposits.Sub(released); err != nil {
			return fmt.Errorf("vault.withdraw: deposits: %w", err)
		}
		if v.state.Totals.TotalShares, err = v.state.Totals.TotalShares.Sub(shares); err != nil {
			return fmt.Errorf("vault.withdraw: shares: %w", err)
		}
		acct.Principal = principal
		acct.Shares, _ = acct.Shares.Sub(shares)

		if err := v.ensureLiquidity(ctx, tx, amount); err != nil {
			return fmt.Errorf("vault.withdraw: %w", err)
		}
		if err := v.ledger.Reserve(amount); err != nil {
			return fmt.Errorf("vault.withdraw: %w", err)
		}
		tx.settle = func(ctx context.Context) error {
			return v.ledger.Pay(ctx, owner, amount)
		}

		tx.touched = append(tx.touched, owner)
		tx.receipt.Account = owner
		tx.receipt.Amount = amount
		tx.receipt.Shares = shares
		return nil
	})
}

// ensureLiquidity pulls the shortfall between idle and amount from active
// strategies in registration order, booking what each actually returns.
func (v *Vault) ensureLiquidity(ctx context.Context, tx *txn, amount domain.Amount) error {
	idle := v.ledger.Idle()
	if idle.GTE(amount) {
		return nil
	}
	need, _ := amount.Sub(idle)
	for _, rec := range v.registry.Active() {
		if need.IsZero() {
			break
		}
		h, err := v.registry.Handle(rec.ID)
		if err != nil {
			return err
		}
		avail, err := h.TotalAssets(ctx)
		if err != nil {
			return strategyErr("totalAssets", rec.ID, err)
		}
		req := need.Min(avail)
		if req.IsZero() {
			continue
		}
		got, err := v.recall(ctx, tx, rec.ID, req)
		if err != nil {
			return err
		}
		need, _ = need.Sub(got.Min(need))
	}
	if idle = v.ledger.Idle(); idle.LT(amount) {
		short, _ := amount.Sub(idle)
		return errors.Join(
			fmt.Errorf("%w: short %s after draining every strategy", domain.ErrInsufficientLiquidity, short),
			domain.ErrInvariantViolation,
		)
	}
	return nil
}

// recall withdraws up to amount from a strategy into idle.
func (v *Vault) recall(ctx context.Context, tx *txn, id domain.StrategyID, amount domain.Amount) (domain.Amount, error) {
	h, err := v.registry.Handle(id)
	if err != nil {
		return domain.Zero, err
	}
	got, err := h.Withdraw(ctx, amount)
	if err != nil {
		return domain.Zero, strategyErr("withdraw", id, err)
	}
	v.ledger.NoteRecall(h.Address(), got)
	tx.receipt.Moves = append(tx.receipt.Moves, domain.Move{
		Strategy:  id,
		Direction: domain.MoveFromStrategy,
		Requested: amount,
		Actual:    got,
	})
	return got, nil
}

// deploy moves amount from idle into a strategy.
func (v *Vault) deploy(ctx context.Context, tx *txn, id domain.StrategyID, amount domain.Amount) error {
	h, err := v.registry.Handle(id)
	if err != nil {
		return err
	}
	if err := v.ledger.SendToStrategy(ctx, h.Address(), amount); err != nil {
		return fmt.Errorf("deploy %s: %w", id, err)
	}
	tx.receipt.Moves = append(tx.receipt.Moves, domain.Move{
		Strategy:  id,
		Direction: domain.MoveToStrategy,
		Requested: amount,
		Actual:    amount,
	})
	if err := h.Deposit(ctx, amount); err != nil {
		return strategyErr("deposit", id, err)
	}
	return nil
}

// FlushBatches forwards pending buckets to allocation: the ones whose trigger
// fires now, or every non-empty bucket when force is set. Each bucket is its
// own atomic step; failures are joined and the failed buckets stay pending.
func (v *Vault) FlushBatches(ctx context.Context, force bool) ([]domain.Receipt, error) {
	ctx, release, err := v.enter(ctx)
	if err != nil {
		return nil, fmt.Errorf("vault.flush: %w", err)
	}
	defer release()

	due := v.batcher.Due()
	if force {
		due = due[:0]
		for _, risk := range domain.RiskBuckets {
			if !v.batcher.Pending(risk).IsZero() {
				due = append(due, batching.DueBucket{Risk: risk, Trigger: domain.TriggerManual})
			}
		}
	}

	var receipts []domain.Receipt
	var errs []error
	for _, d := range due {
		r, err := v.flush(ctx, d.Risk, d.Trigger)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		receipts = append(receipts, r)
	}
	return receipts, errors.Join(errs...)
}

// flush allocates one bucket's pending capital across healthy strategies
// with the bucket's risk tolerance. Callers hold the lock.
func (v *Vault) flush(ctx context.Context, risk domain.RiskBucket, trigger domain.Trigger) (domain.Receipt, error) {
	return v.atomic(ctx, domain.OpFlush, func(ctx context.Context, tx *txn) error {
		bk, err := v.batcher.Flush(risk)
		if err != nil {
			return fmt.Errorf("vault.flush: %w", err)
		}
		if bk.Pending.IsZero() {
			tx.noop = true
			return nil
		}
		amount := bk.Pending.Min(v.ledger.Idle())
		view, err := v.allocationView(ctx)
		if err != nil {
			return fmt.Errorf("vault.flush: %w", err)
		}
		var deployed domain.Amount
		for _, a := range domain.ComputeOptimalAllocations(view, amount, v.batcher.RiskTolerance(risk)) {
			if a.Amount.IsZero() {
				continue
			}
			if err := v.deploy(ctx, tx, a.Strategy, a.Amount); err != nil {
				return fmt.Errorf("vault.flush %s: %w", risk, err)
			}
			deployed = deployed.Add(a.Amount)
		}
		tx.receipt.Amount = bk.Pending
		tx.receipt.Flushes = []domain.FlushResult{{
			Bucket:   risk,
			Trigger:  trigger,
			Amount:   bk.Pending,
			Deployed: deployed,
		}}
		return nil
	})
}

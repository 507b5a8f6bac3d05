package vault

import (
	"context"
	"fmt"

	"github.com/alejandrodnm/microvault/internal/application/ledger"
	"github.com/alejandrodnm/microvault/internal/domain"
)

// Queries take the same guard as mutations so they never observe a
// half-applied operation.

func (v *Vault) TotalAssets(ctx context.Context) (domain.Amount, error) {
	ctx, release, err := v.enter(ctx)
	if err != nil {
		return domain.Zero, fmt.Errorf("vault.TotalAssets: %w", err)
	}
	defer release()
	return v.totalAssets(ctx)
}

// BalanceOf is the asset value of an account's shares at the current price.
func (v *Vault) BalanceOf(ctx context.Context, addr domain.Address) (domain.Amount, error) {
	ctx, release, err := v.enter(ctx)
	if err != nil {
		return domain.Zero, fmt.Errorf("vault.BalanceOf: %w", err)
	}
	defer release()
	return v.balanceOf(ctx, addr)
}

func (v *Vault) balanceOf(ctx context.Context, addr domain.Address) (domain.Amount, error) {
	acct, ok := v.state.Accounts[addr]
	if !ok || acct.Shares.IsZero() {
		return domain.Zero, nil
	}
	total, err := v.totalAssets(ctx)
	if err != nil {
		return domain.Zero, fmt.Errorf("vault.BalanceOf: %w", err)
	}
	return domain.AssetsForShares(acct.Shares, v.state.Totals.TotalShares, total), nil
}

// EarnedYield is the account balance above its cost basis.
func (v *Vault) EarnedYield(ctx context.Context, addr domain.Address) (domain.Amount, error) {
	ctx, release, err := v.enter(ctx)
	if err != nil {
		return domain.Zero, fmt.Errorf("vault.EarnedYield: %w", err)
	}
	defer release()
	bal, err := v.balanceOf(ctx, addr)
	if err != nil {
		return domain.Zero, err
	}
	acct, ok := v.state.Accounts[addr]
	if !ok {
		return domain.Zero, nil
	}
	return domain.EarnedYield(bal, acct.Principal), nil
}

// Account returns a copy of the account, zero-valued when it never deposited.
func (v *Vault) Account(ctx context.Context, addr domain.Address) (domain.Account, error) {
	_, release, err := v.enter(ctx)
	if err != nil {
		return domain.Account{}, fmt.Errorf("vault.Account: %w", err)
	}
	defer release()
	if acct, ok := v.state.Accounts[addr]; ok {
		return *acct, nil
	}
	return domain.Account{Address: addr}, nil
}

// PreviewDeposit is the share count a deposit would mint right now.
func (v *Vault) PreviewDeposit(ctx context.Context, amount domain.Amount) (domain.Amount, error) {
	ctx, release, err := v.enter(ctx)
	if err != nil {
		return domain.Zero, fmt.Errorf("vault.PreviewDeposit: %w", err)
	}
	defer release()
	total, err := v.totalAssets(ctx)
	if err != nil {
		return domain.Zero, fmt.Errorf("vault.PreviewDeposit: %w", err)
	}
	return v.shares.SharesForDeposit(amount, v.state.Totals.TotalShares, total)
}

// PreviewWithdraw is the asset amount redeeming shares would pay right now.
func (v *Vault) PreviewWithdraw(ctx context.Context, shares domain.Amount) (domain.Amount, error) {
	ctx, release, err := v.enter(ctx)
	if err != nil {
		return domain.Zero, fmt.Errorf("vault.PreviewWithdraw: %w", err)
	}
	defer release()
	total, err := v.totalAssets(ctx)
	if err != nil {
		return domain.Zero, fmt.Errorf("vault.PreviewWithdraw: %w", err)
	}
	return domain.AssetsForShares(shares, v.state.Totals.TotalShares, total), nil
}

// ApyHistory returns a strategy's APY samples, oldest first.
func (v *Vault) ApyHistory(ctx context.Context, id domain.StrategyID) ([]uint64, error) {
	_, release, err := v.enter(ctx)
	if err != nil {
		return nil, fmt.Errorf("vault.ApyHistory: %w", err)
	}
	defer release()
	return v.registry.ApyHistoryOf(id)
}

// Strategies reports every registered strategy with its live capital.
func (v *Vault) Strategies(ctx context.Context) ([]domain.StrategySnapshot, error) {
	ctx, release, err := v.enter(ctx)
	if err != nil {
		return nil, fmt.Errorf("vault.Strategies: %w", err)
	}
	defer release()
	return v.strategySnapshots(ctx)
}

func (v *Vault) strategySnapshots(ctx context.Context) ([]domain.StrategySnapshot, error) {
	out := make([]domain.StrategySnapshot, 0, len(v.registry.Records()))
	for _, rec := range v.registry.Records() {
		snap := domain.StrategySnapshot{Record: *rec.Clone(), Bound: v.registry.IsBound(rec.ID)}
		if rec.Active && snap.Bound {
			h, _ := v.registry.Handle(rec.ID)
			a, err := h.TotalAssets(ctx)
			if err != nil {
				return nil, strategyErr("totalAssets", rec.ID, err)
			}
			snap.Assets = a
			snap.Healthy = h.IsHealthy(ctx)
		}
		out = append(out, snap)
	}
	return out, nil
}

// Snapshot is a consistent read-only view of the whole vault.
func (v *Vault) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	ctx, release, err := v.enter(ctx)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("vault.Snapshot: %w", err)
	}
	defer release()

	total, err := v.totalAssets(ctx)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("vault.Snapshot: %w", err)
	}
	strategies, err := v.strategySnapshots(ctx)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("vault.Snapshot: %w", err)
	}
	snap := domain.Snapshot{
		Totals:      v.state.Totals,
		TotalAssets: total,
		Params:      v.state.Params,
		Accounts:    len(v.state.Accounts),
		Strategies:  strategies,
		At:          v.now(),
	}
	for _, risk := range domain.RiskBuckets {
		if bk, ok := v.state.Buckets[risk]; ok {
			snap.Buckets = append(snap.Buckets, *bk)
		}
	}
	return snap, nil
}

// CheckInvariants verifies the books against a fresh valuation.
func (v *Vault) CheckInvariants(ctx context.Context) error {
	ctx, release, err := v.enter(ctx)
	if err != nil {
		return fmt.Errorf("vault.CheckInvariants: %w", err)
	}
	defer release()
	total, err := v.totalAssets(ctx)
	if err != nil {
		return fmt.Errorf("vault.CheckInvariants: %w", err)
	}
	return v.state.CheckInvariants(total)
}

// Reconcile compares the asset actually held with tracked idle.
func (v *Vault) Reconcile(ctx context.Context) (ledger.Reconciliation, error) {
	ctx, release, err := v.enter(ctx)
	if err != nil {
		return ledger.Reconciliation{}, fmt.Errorf("vault.Reconcile: %w", err)
	}
	defer release()
	return v.ledger.Reconcile(ctx)
}

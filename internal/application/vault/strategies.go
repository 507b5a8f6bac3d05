package vault

import (
	"context"
	"fmt"

	"github.com/alejandrodnm/microvault/internal/domain"
	"github.com/alejandrodnm/microvault/internal/ports"
)

// AddStrategy registers a strategy and binds its handle. No capital moves
// until the next flush or rebalance.
func (v *Vault) AddStrategy(ctx context.Context, id domain.StrategyID, params domain.StrategyParams, handle ports.Strategy) (domain.Receipt, error) {
	return v.run(ctx, domain.OpAddStrategy, func(ctx context.Context, tx *txn) error {
		if handle == nil {
			return fmt.Errorf("vault.add_strategy %s: %w", id, domain.ErrStrategyNotBound)
		}
		if _, err := v.registry.Register(id, params); err != nil {
			return fmt.Errorf("vault.add_strategy: %w", err)
		}
		prev, unbound := v.registry.Handle(id)
		v.registry.Bind(id, v.guard(handle))
		tx.onRollback = append(tx.onRollback, func() {
			if unbound == nil {
				v.registry.Bind(id, prev)
				return
			}
			v.registry.Unbind(id)
		})
		tx.receipt.Strategy = id
		return nil
	})
}

// UpdateStrategy replaces the allocation parameters of an active strategy.
func (v *Vault) UpdateStrategy(ctx context.Context, id domain.StrategyID, params domain.StrategyParams) (domain.Receipt, error) {
	return v.run(ctx, domain.OpUpdateStrategy, func(ctx context.Context, tx *txn) error {
		if err := v.registry.Update(id, params); err != nil {
			return fmt.Errorf("vault.update_strategy: %w", err)
		}
		tx.receipt.Strategy = id
		return nil
	})
}

// RemoveStrategy withdraws everything from the strategy back to idle and
// deactivates it. If the strategy still reports capital afterwards the whole
// removal fails.
func (v *Vault) RemoveStrategy(ctx context.Context, id domain.StrategyID) (domain.Receipt, error) {
	return v.run(ctx, domain.OpRemoveStrategy, func(ctx context.Context, tx *txn) error {
		rec, ok := v.registry.Record(id)
		if !ok || !rec.Active {
			return fmt.Errorf("vault.remove_strategy %s: %w", id, domain.ErrStrategyNotActive)
		}
		h, err := v.registry.Handle(id)
		if err != nil {
			return fmt.Errorf("vault.remove_strategy: %w", err)
		}
		got, err := h.WithdrawAll(ctx)
		if err != nil {
			return fmt.Errorf("vault.remove_strategy: %w: %w", domain.ErrStrategyWithdrawalFailed, strategyErr("withdrawAll", id, err))
		}
		v.ledger.NoteRecall(h.Address(), got)
		tx.receipt.Moves = append(tx.receipt.Moves, domain.Move{
			Strategy:  id,
			Direction: domain.MoveFromStrategy,
			Requested: got,
			Actual:    got,
		})
		remaining, err := h.TotalAssets(ctx)
		if err != nil {
			return fmt.Errorf("vault.remove_strategy: %w", strategyErr("totalAssets", id, err))
		}
		if err := v.registry.Deactivate(id, remaining); err != nil {
			return fmt.Errorf("vault.remove_strategy: %w", err)
		}
		tx.onCommit = append(tx.onCommit, func() { v.registry.Unbind(id) })
		tx.receipt.Strategy = id
		tx.receipt.Amount = got
		return nil
	})
}

// Harvest realizes yield in every active strategy and samples each one's APY
// into its history. Yield stays inside the strategies and lifts the share
// price through the next valuation.
func (v *Vault) Harvest(ctx context.Context) (domain.Receipt, error) {
	return v.run(ctx, domain.OpHarvest, func(ctx context.Context, tx *txn) error {
		var total domain.Amount
		for _, rec := range v.registry.Active() {
			h, err := v.registry.Handle(rec.ID)
			if err != nil {
				return fmt.Errorf("vault.harvest: %w", err)
			}
			y, err := h.Harvest(ctx)
			if err != nil {
				return fmt.Errorf("vault.harvest: %w", strategyErr("harvest", rec.ID, err))
			}
			apy, err := h.APY(ctx)
			if err != nil {
				return fmt.Errorf("vault.harvest: %w", strategyErr("apy", rec.ID, err))
			}
			if err := v.registry.RecordApySample(rec.ID, apy); err != nil {
				return fmt.Errorf("vault.harvest: %w", err)
			}
			tx.receipt.Yields = append(tx.receipt.Yields, domain.Allocation{Strategy: rec.ID, Amount: y})
			total = total.Add(y)
		}
		tx.receipt.Amount = total
		return nil
	})
}

// Rebalance moves deployed capital toward the optimal allocation when any
// strategy deviates from it by more than the rebalance threshold. Capital is
// first recalled from over-allocated strategies, then what came back is
// deployed into under-allocated ones. At most one rebalance commits per
// cooldown window. Unhealthy strategies get a zero target.
func (v *Vault) Rebalance(ctx context.Context) (domain.Receipt, error) {
	return v.run(ctx, domain.OpRebalance, func(ctx context.Context, tx *txn) error {
		now := v.now()
		if v.cooldown != nil && v.cooldown.TokensAt(now) < 1 {
			return fmt.Errorf("vault.rebalance: %w: last run %s", domain.ErrRebalanceCooldown, v.state.LastRebalance.Format("2006-01-02 15:04:05"))
		}

		current, deployed, err := v.currentAllocations(ctx)
		if err != nil {
			return fmt.Errorf("vault.rebalance: %w", err)
		}
		view, err := v.allocationView(ctx)
		if err != nil {
			return fmt.Errorf("vault.rebalance: %w", err)
		}
		optimal := domain.ComputeOptimalAllocations(view, deployed, v.state.Params.RiskTolerance)
		if !domain.ShouldRebalance(current, optimal, v.state.Params.RebalanceThresholdBps) {
			tx.noop = true
			return nil
		}

		target := make(map[domain.StrategyID]domain.Amount, len(optimal))
		for _, a := range optimal {
			target[a.Strategy] = a.Amount
		}
		var freed domain.Amount
		for _, c := range current {
			if c.Amount.LTE(target[c.Strategy]) {
				continue
			}
			excess, _ := c.Amount.Sub(target[c.Strategy])
			got, err := v.recall(ctx, tx, c.Strategy, excess)
			if err != nil {
				return fmt.Errorf("vault.rebalance: %w", err)
			}
			freed = freed.Add(got)
		}
		for _, c := range current {
			want := target[c.Strategy]
			if want.LTE(c.Amount) || freed.IsZero() {
				continue
			}
			gap, _ := want.Sub(c.Amount)
			amt := gap.Min(freed)
			if err := v.deploy(ctx, tx, c.Strategy, amt); err != nil {
				return fmt.Errorf("vault.rebalance: %w", err)
			}
			freed, _ = freed.Sub(amt)
		}

		v.state.LastRebalance = now
		if v.cooldown != nil {
			tx.onCommit = append(tx.onCommit, func() { v.cooldown.AllowN(now, 1) })
		}
		tx.receipt.Amount = deployed
		return nil
	})
}

// currentAllocations reads what each active strategy holds.
func (v *Vault) currentAllocations(ctx context.Context) ([]domain.Allocation, domain.Amount, error) {
	var total domain.Amount
	active := v.registry.Active()
	out := make([]domain.Allocation, 0, len(active))
	for _, rec := range active {
		h, err := v.registry.Handle(rec.ID)
		if err != nil {
			return nil, domain.Zero, err
		}
		a, err := h.TotalAssets(ctx)
		if err != nil {
			return nil, domain.Zero, strategyErr("totalAssets", rec.ID, err)
		}
		out = append(out, domain.Allocation{Strategy: rec.ID, Amount: a})
		total = total.Add(a)
	}
	return out, total, nil
}

// allocationView is the active record set with unhealthy strategies marked
// inactive, so they receive no new capital.
func (v *Vault) allocationView(ctx context.Context) ([]*domain.StrategyRecord, error) {
	active := v.registry.Active()
	view := make([]*domain.StrategyRecord, 0, len(active))
	for _, rec := range active {
		h, err := v.registry.Handle(rec.ID)
		if err != nil {
			return nil, err
		}
		if !h.IsHealthy(ctx) {
			c := rec.Clone()
			c.Active = false
			view = append(view, c)
			continue
		}
		view = append(view, rec)
	}
	return view, nil
}

// SetRiskTolerance changes the tolerance used by rebalances (0..100).
func (v *Vault) SetRiskTolerance(ctx context.Context, tolerance uint64) (domain.Receipt, error) {
	return v.setParams(ctx, func(p *domain.VaultParams) { p.RiskTolerance = tolerance })
}

// SetRebalanceThreshold changes the deviation, in bps, that triggers a rebalance.
func (v *Vault) SetRebalanceThreshold(ctx context.Context, bps uint64) (domain.Receipt, error) {
	return v.setParams(ctx, func(p *domain.VaultParams) { p.RebalanceThresholdBps = bps })
}

func (v *Vault) setParams(ctx context.Context, mutate func(*domain.VaultParams)) (domain.Receipt, error) {
	return v.run(ctx, domain.OpSetParams, func(ctx context.Context, tx *txn) error {
		p := v.state.Params
		mutate(&p)
		if err := p.Validate(); err != nil {
			return fmt.Errorf("vault.set_params: %w", err)
		}
		v.state.Params = p
		return nil
	})
}

// Package vault is the orchestrator: the only component that moves assets
// and calls strategies. Every public operation holds the vault lock for its
// whole duration and either commits entirely or leaves no trace.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/alejandrodnm/microvault/internal/application/batching"
	"github.com/alejandrodnm/microvault/internal/application/ledger"
	"github.com/alejandrodnm/microvault/internal/application/registry"
	"github.com/alejandrodnm/microvault/internal/domain"
	"github.com/alejandrodnm/microvault/internal/ports"
)

const (
	DefaultAddress           = domain.Address("vault")
	DefaultRebalanceCooldown = time.Hour
)

// Config holds the vault settings. Params seed a fresh store; once state
// exists the persisted params win.
type Config struct {
	Address            domain.Address
	AssetDecimals      uint8
	MinimumDeposit     domain.Amount
	Params             domain.VaultParams
	RebalanceCooldown  time.Duration // negative disables the cooldown
	ApyHistoryCapacity int
	Batch              batching.Config
	Now                func() time.Time
}

// Vault coordinates ledger, share math, registry, allocation and batching.
type Vault struct {
	mu       sync.Mutex
	outbound atomic.Int32 // strategy or asset calls in flight

	cfg      Config
	state    *domain.State
	shares   domain.ShareMath
	ledger   *ledger.Ledger
	registry *registry.Registry
	batcher  *batching.Batcher
	store    ports.VaultStore
	cooldown *rate.Limiter
	now      func() time.Time
}

// Open loads persisted state from store, or starts an empty vault and saves
// it. store may be nil for a purely in-memory vault.
func Open(ctx context.Context, cfg Config, asset ports.Asset, store ports.VaultStore) (*Vault, error) {
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.AssetDecimals == 0 {
		cfg.AssetDecimals = domain.DefaultAssetDecimals
	}
	if cfg.Params == (domain.VaultParams{}) {
		cfg.Params = domain.DefaultVaultParams()
	}
	if cfg.RebalanceCooldown == 0 {
		cfg.RebalanceCooldown = DefaultRebalanceCooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, fmt.Errorf("vault.Open: %w", err)
	}

	state := domain.NewState(cfg.Params)
	if store != nil {
		ch, found, err := store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("vault.Open: load: %w: %w", domain.ErrStorage, err)
		}
		if found {
			state = domain.StateFromChange(ch)
		} else if err := store.Save(ctx, state.FullChange()); err != nil {
			return nil, fmt.Errorf("vault.Open: init: %w: %w", domain.ErrStorage, err)
		}
	}

	v := &Vault{
		cfg:    cfg,
		state:  state,
		shares: domain.NewShareMath(cfg.AssetDecimals, cfg.MinimumDeposit),
		store:  store,
		now:    cfg.Now,
	}
	v.ledger = ledger.New(guardedAsset{v: v, asset: asset}, cfg.Address, &state.Totals)
	v.registry = registry.New(state, cfg.ApyHistoryCapacity, cfg.Now)
	v.batcher = batching.New(state, cfg.Batch, cfg.Now)
	if cfg.RebalanceCooldown > 0 {
		v.cooldown = rate.NewLimiter(rate.Every(cfg.RebalanceCooldown), 1)
		if !state.LastRebalance.IsZero() {
			v.cooldown.AllowN(state.LastRebalance, 1)
		}
	}

	slog.Info("vault: opened",
		"address", cfg.Address,
		"accounts", len(state.Accounts),
		"strategies", len(state.Strategies),
		"total_shares", state.Totals.TotalShares,
		"idle", state.Totals.Idle)
	return v, nil
}

// Address is the vault's custody address on the asset.
func (v *Vault) Address() domain.Address { return v.cfg.Address }

// BindStrategy attaches the live handle of a persisted strategy after a
// restart. The record must already exist.
func (v *Vault) BindStrategy(ctx context.Context, id domain.StrategyID, handle ports.Strategy) error {
	_, release, err := v.enter(ctx)
	if err != nil {
		return fmt.Errorf("vault.BindStrategy: %w", err)
	}
	defer release()
	if _, ok := v.registry.Record(id); !ok {
		return fmt.Errorf("vault.BindStrategy %s: %w", id, domain.ErrStrategyNotActive)
	}
	v.registry.Bind(id, v.guard(handle))
	return nil
}

// --- call guard ---

type callKey struct{}

// enter serializes callers and rejects re-entry. The returned context carries
// the call token handed to strategies. A call back into the vault is refused
// instead of deadlocking, either by that token or, for a fresh context, by
// finding one of the vault's outbound calls on the caller's stack.
func (v *Vault) enter(ctx context.Context) (context.Context, func(), error) {
	if owner, _ := ctx.Value(callKey{}).(*Vault); owner == v {
		return nil, nil, domain.ErrReentrantCall
	}
	if v.reentered() {
		return nil, nil, domain.ErrReentrantCall
	}
	v.mu.Lock()
	return context.WithValue(ctx, callKey{}, v), v.mu.Unlock, nil
}

// --- transactions ---

// txn accumulates one operation's effects until commit.
type txn struct {
	receipt    domain.Receipt
	touched    []domain.Address
	settle     func(context.Context) error // last external step, after persist
	onCommit   []func()
	onRollback []func()
	persisted  bool
	noop       bool
}

// run is the public entry: guard, then an atomic step.
func (v *Vault) run(ctx context.Context, kind domain.OpKind, fn func(context.Context, *txn) error) (domain.Receipt, error) {
	ctx, release, err := v.enter(ctx)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("vault.%s: %w", kind, err)
	}
	defer release()
	return v.atomic(ctx, kind, fn)
}

// atomic runs fn against the live state and commits it:
//
//	fn → fresh totalAssets → invariants → persist → settle → commit
//
// Any failure restores the snapshot taken before fn and unwinds the
// external movements that already settled. Callers hold the lock.
func (v *Vault) atomic(ctx context.Context, kind domain.OpKind, fn func(context.Context, *txn) error) (domain.Receipt, error) {
	snapshot := v.state.Clone()
	v.ledger.Begin()
	tx := &txn{receipt: domain.Receipt{ID: uuid.NewString(), Kind: kind, At: v.now()}}

	err := v.apply(ctx, tx, fn)
	if err != nil {
		return domain.Receipt{}, v.rollback(ctx, kind, snapshot, tx, err)
	}

	v.ledger.Commit()
	for _, f := range tx.onCommit {
		f()
	}
	if !tx.noop {
		slog.Info("vault: committed",
			"op", kind,
			"id", tx.receipt.ID,
			"account", tx.receipt.Account,
			"strategy", tx.receipt.Strategy,
			"amount", tx.receipt.Amount,
			"shares", tx.receipt.Shares,
			"moves", len(tx.receipt.Moves))
	}
	return tx.receipt, nil
}

func (v *Vault) apply(ctx context.Context, tx *txn, fn func(context.Context, *txn) error) error {
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if tx.noop {
		return nil
	}
	total, err := v.totalAssets(ctx)
	if err != nil {
		return fmt.Errorf("vault.%s: valuation: %w", tx.receipt.Kind, err)
	}
	if err := v.state.CheckInvariants(total); err != nil {
		return fmt.Errorf("vault.%s: %w", tx.receipt.Kind, err)
	}
	if err := v.persist(ctx, tx); err != nil {
		return fmt.Errorf("vault.%s: %w", tx.receipt.Kind, err)
	}
	if tx.settle != nil {
		if err := tx.settle(ctx); err != nil {
			return fmt.Errorf("vault.%s: settle: %w", tx.receipt.Kind, err)
		}
	}
	return nil
}

func (v *Vault) rollback(ctx context.Context, kind domain.OpKind, snapshot *domain.State, tx *txn, cause error) error {
	*v.state = *snapshot
	for i := len(tx.onRollback) - 1; i >= 0; i-- {
		tx.onRollback[i]()
	}
	errs := []error{cause}
	replayed, err := v.ledger.Unwind(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	if (replayed || tx.persisted) && v.store != nil {
		ch := v.state.Change(tx.touched, nil)
		if tx.persisted {
			ch.VoidReceipt = tx.receipt.ID
		}
		if err := v.store.Save(ctx, ch); err != nil {
			slog.Error("vault: compensating save failed", "op", kind, "err", err)
			errs = append(errs, fmt.Errorf("compensate: %w: %w", domain.ErrStorage, err))
		}
	}
	out := errors.Join(errs...)
	if len(errs) == 1 {
		out = cause
	}
	slog.Warn("vault: rolled back", "op", kind, "kind", domain.KindOf(out), "err", out)
	return out
}

func (v *Vault) persist(ctx context.Context, tx *txn) error {
	if v.store == nil {
		return nil
	}
	if err := v.store.Save(ctx, v.state.Change(tx.touched, &tx.receipt)); err != nil {
		return fmt.Errorf("persist: %w: %w", domain.ErrStorage, err)
	}
	tx.persisted = true
	return nil
}

// totalAssets is idle plus what every active strategy reports, computed
// fresh on each call.
func (v *Vault) totalAssets(ctx context.Context) (domain.Amount, error) {
	total := v.state.Totals.Idle
	for _, rec := range v.registry.Active() {
		h, err := v.registry.Handle(rec.ID)
		if err != nil {
			return domain.Zero, err
		}
		a, err := h.TotalAssets(ctx)
		if err != nil {
			return domain.Zero, strategyErr("totalAssets", rec.ID, err)
		}
		total = total.Add(a)
	}
	return total, nil
}

func strategyErr(call string, id domain.StrategyID, err error) error {
	return fmt.Errorf("strategy %s %s: %w: %w", id, call, domain.ErrStrategyCallFailed, err)
}

package vault

import (
	"context"
	"runtime"
	"strings"

	"github.com/alejandrodnm/microvault/internal/domain"
	"github.com/alejandrodnm/microvault/internal/ports"
)

// outboundFrame is the suffix of callOut in a stack trace.
const outboundFrame = ".(*Vault).callOut"

// callOut runs one call into a strategy or the asset. While it runs, a call
// back into the vault from the same stack is refused by enter, whatever
// context it carries.
func (v *Vault) callOut(fn func()) {
	v.outbound.Add(1)
	defer v.outbound.Add(-1)
	fn()
}

// reentered reports whether the caller runs inside one of this vault's
// outbound calls. Other goroutines fall through to the lock and wait.
func (v *Vault) reentered() bool {
	if v.outbound.Load() == 0 {
		return false
	}
	pcs := make([]uintptr, 64)
	for {
		n := runtime.Callers(3, pcs)
		if n < len(pcs) {
			pcs = pcs[:n]
			break
		}
		pcs = make([]uintptr, 2*len(pcs))
	}
	frames := runtime.CallersFrames(pcs)
	for {
		f, more := frames.Next()
		if strings.HasSuffix(f.Function, outboundFrame) {
			return true
		}
		if !more {
			return false
		}
	}
}

// guardedAsset routes every asset call through callOut.
type guardedAsset struct {
	v     *Vault
	asset ports.Asset
}

func (g guardedAsset) TransferFrom(ctx context.Context, source, destination domain.Address, amount domain.Amount) (err error) {
	g.v.callOut(func() { err = g.asset.TransferFrom(ctx, source, destination, amount) })
	return err
}

func (g guardedAsset) Transfer(ctx context.Context, destination domain.Address, amount domain.Amount) (err error) {
	g.v.callOut(func() { err = g.asset.Transfer(ctx, destination, amount) })
	return err
}

func (g guardedAsset) BalanceOf(ctx context.Context, holder domain.Address) (bal domain.Amount, err error) {
	g.v.callOut(func() { bal, err = g.asset.BalanceOf(ctx, holder) })
	return bal, err
}

// guardedStrategy routes every strategy call through callOut.
type guardedStrategy struct {
	v *Vault
	s ports.Strategy
}

func (v *Vault) guard(s ports.Strategy) ports.Strategy {
	if s == nil {
		return nil
	}
	if g, ok := s.(guardedStrategy); ok && g.v == v {
		return s
	}
	return guardedStrategy{v: v, s: s}
}

func (g guardedStrategy) Address() (addr domain.Address) {
	g.v.callOut(func() { addr = g.s.Address() })
	return addr
}

func (g guardedStrategy) Deposit(ctx context.Context, amount domain.Amount) (err error) {
	g.v.callOut(func() { err = g.s.Deposit(ctx, amount) })
	return err
}

func (g guardedStrategy) Withdraw(ctx context.Context, amount domain.Amount) (got domain.Amount, err error) {
	g.v.callOut(func() { got, err = g.s.Withdraw(ctx, amount) })
	return got, err
}

func (g guardedStrategy) WithdrawAll(ctx context.Context) (got domain.Amount, err error) {
	g.v.callOut(func() { got, err = g.s.WithdrawAll(ctx) })
	return got, err
}

func (g guardedStrategy) Harvest(ctx context.Context) (got domain.Amount, err error) {
	g.v.callOut(func() { got, err = g.s.Harvest(ctx) })
	return got, err
}

func (g guardedStrategy) TotalAssets(ctx context.Context) (total domain.Amount, err error) {
	g.v.callOut(func() { total, err = g.s.TotalAssets(ctx) })
	return total, err
}

func (g guardedStrategy) APY(ctx context.Context) (bps uint64, err error) {
	g.v.callOut(func() { bps, err = g.s.APY(ctx) })
	return bps, err
}

func (g guardedStrategy) IsHealthy(ctx context.Context) (ok bool) {
	g.v.callOut(func() { ok = g.s.IsHealthy(ctx) })
	return ok
}

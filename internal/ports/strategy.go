package ports

import (
	"context"

	"github.com/alejandrodnm/microvault/internal/domain"
)

// Strategy is an external yield backend the vault allocates capital to.
// Every call may fail and none is assumed to honor the full requested amount.
// The context passed in carries the vault's call token, so a strategy that
// calls back into the vault with it is rejected.
type Strategy interface {
	// Address is where the vault transfers capital before calling Deposit.
	Address() domain.Address

	// Deposit puts amount, already transferred to Address, to work. The
	// transfer is not undone when Deposit fails: the vault books the capital
	// as held by the strategy, so TotalAssets must count it and Withdraw must
	// be able to return it even if it was never put to work.
	Deposit(ctx context.Context, amount domain.Amount) error

	// Withdraw returns up to amount to the vault and reports what it actually returned.
	Withdraw(ctx context.Context, amount domain.Amount) (domain.Amount, error)

	// WithdrawAll returns everything to the vault.
	WithdrawAll(ctx context.Context) (domain.Amount, error)

	// Harvest realizes accrued yield into the strategy's own balance and returns it.
	Harvest(ctx context.Context) (domain.Amount, error)

	// TotalAssets is the current value the strategy holds for the vault.
	TotalAssets(ctx context.Context) (domain.Amount, error)

	// APY is the current annual rate in basis points.
	APY(ctx context.Context) (uint64, error)

	IsHealthy(ctx context.Context) bool
}

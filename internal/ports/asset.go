package ports

import (
	"context"

	"github.com/alejandrodnm/microvault/internal/domain"
)

// Asset is the deposit token as seen by one holder (the vault). Transfers are
// all-or-nothing.
type Asset interface {
	// TransferFrom moves amount from source to destination using the holder's allowance.
	TransferFrom(ctx context.Context, source, destination domain.Address, amount domain.Amount) error

	// Transfer moves amount from the holder to destination.
	Transfer(ctx context.Context, destination domain.Address, amount domain.Amount) error

	BalanceOf(ctx context.Context, holder domain.Address) (domain.Amount, error)
}

package ports

import (
	"context"

	"github.com/alejandrodnm/microvault/internal/domain"
)

// Reporter presents committed operations and vault status to the operator.
type Reporter interface {
	Report(ctx context.Context, receipt domain.Receipt) error

	// Status renders a snapshot of the whole vault.
	Status(ctx context.Context, snap domain.Snapshot) error
}

package ports

import (
	"context"

	"github.com/alejandrodnm/microvault/internal/domain"
)

// VaultStore persists vault state across restarts.
type VaultStore interface {
	// Load returns the full persisted state. found is false on an empty store.
	Load(ctx context.Context) (change domain.StateChange, found bool, err error)

	// Save applies one committed operation in a single transaction.
	Save(ctx context.Context, change domain.StateChange) error

	// Receipts returns the most recent receipts, newest first.
	Receipts(ctx context.Context, limit int) ([]domain.Receipt, error)

	Close() error
}

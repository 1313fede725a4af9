package driven

import (
	"context"

	"github.com/foliowatch/foliowatch/internal/domain/model"
)

// SnapshotStore defines the driven port for the snapshot history.
// Snapshots are insert-only; rows are removed only when their instance is.
type SnapshotStore interface {
	Insert(ctx context.Context, snap model.Snapshot) error

	// Latest returns the most recent snapshot for an instance and range,
	// or nil, nil when none has been stored yet.
	Latest(ctx context.Context, instanceID, rng string) (*model.Snapshot, error)

	// History returns up to limit snapshots for an instance and range,
	// newest first.
	History(ctx context.Context, instanceID, rng string, limit int) ([]model.Snapshot, error)

	DeleteByInstance(ctx context.Context, instanceID string) error
}

package driven

import (
	"context"
	"errors"

	"github.com/foliowatch/foliowatch/internal/domain/model"
)

var (
	// ErrInstanceNotFound is returned when an instance ID does not exist.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceAlreadyExists is returned when an instance with the same
	// base URL and name is already configured.
	ErrInstanceAlreadyExists = errors.New("instance already exists")
)

// InstanceStore defines the driven port for persisting configured instances.
type InstanceStore interface {
	Add(ctx context.Context, inst model.Instance) error
	Update(ctx context.Context, inst model.Instance) error
	GetByID(ctx context.Context, id string) (*model.Instance, error)
	ListAll(ctx context.Context) ([]model.Instance, error)
	Remove(ctx context.Context, id string) error
}

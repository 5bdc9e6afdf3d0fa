package catalog

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/booking/booking/internal/domain/interval"
)

var ErrNotFound = errors.New("catalog: record not found")

// Reader is the read-only view of the tenant's catalog. Records are owned by
// the catalog service; the booking core never writes them.
type Reader interface {
	Service(ctx context.Context, id uuid.UUID) (*ServiceDefinition, error)
	Location(ctx context.Context, id uuid.UUID) (*Location, error)
	Resource(ctx context.Context, id uuid.UUID) (*Resource, error)
	// Resources lists active resources at a location of the given kind. An
	// empty typeCode matches every type.
	Resources(ctx context.Context, locationID uuid.UUID, kind ResourceKind, typeCode string) ([]*Resource, error)
	Windows(ctx context.Context, resourceID uuid.UUID, rng interval.Interval) ([]*AvailabilityWindow, error)
	// Rules returns the active rules attached to a service, unordered.
	Rules(ctx context.Context, serviceID uuid.UUID) ([]*PolicyRule, error)
}

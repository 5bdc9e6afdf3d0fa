package reservation

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/booking/booking/internal/domain/interval"
)

var (
	ErrNotFound        = errors.New("reservation: not found")
	ErrDuplicateKey    = errors.New("reservation: idempotency key already used")
	ErrVersionConflict = errors.New("reservation: modified concurrently")
)

// Reader is the read side of the authoritative store.
type Reader interface {
	Get(ctx context.Context, id uuid.UUID) (*Reservation, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Reservation, error)
	// Occupancies returns holds on resourceID whose buffered span overlaps
	// span. Only blocking holds are returned unless all is set.
	Occupancies(ctx context.Context, resourceID uuid.UUID, span interval.Interval, all bool) ([]Occupancy, error)
}

// Store is the authoritative reservation store. InTx runs fn inside a single
// serializable unit of work; any error from fn rolls it back.
type Store interface {
	Reader
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the write side, valid only inside Store.InTx.
type Tx interface {
	// LockResources serializes writers touching the same resources for the
	// rest of the transaction. ids must be sorted.
	LockResources(ctx context.Context, ids []uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (*Reservation, error)
	Occupancies(ctx context.Context, resourceID uuid.UUID, span interval.Interval) ([]Occupancy, error)
	// Insert returns ErrDuplicateKey when the idempotency key is taken.
	Insert(ctx context.Context, r *Reservation) error
	// Update persists status, version and links, provided the stored version
	// still equals expectedVersion.
	Update(ctx context.Context, r *Reservation, expectedVersion int64) error
	Enqueue(ctx context.Context, ev Event) error
}

package reservation

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/booking/booking/internal/domain/interval"
	"github.com/booking/booking/internal/platform/db"
)

type outboxRow struct {
	event     Event
	published bool
}

type tenantData struct {
	byID  map[uuid.UUID]*Reservation
	byKey map[string]uuid.UUID
}

// Memory is an in-process Store. InTx holds a store-wide lock for the whole
// unit of work, so transactions are trivially serializable. Tenants are kept
// apart by the tenant id on the context.
type Memory struct {
	mu      sync.Mutex
	tenants map[string]*tenantData
	outbox  []*outboxRow
}

func NewMemory() *Memory {
	return &Memory{tenants: make(map[string]*tenantData)}
}

func (m *Memory) data(ctx context.Context) *tenantData {
	tenant := db.TenantFromContext(ctx)
	d, ok := m.tenants[tenant]
	if !ok {
		d = &tenantData{byID: make(map[uuid.UUID]*Reservation), byKey: make(map[string]uuid.UUID)}
		m.tenants[tenant] = d
	}
	return d
}

func clone(r *Reservation) *Reservation {
	c := *r
	c.Bindings = append([]Binding(nil), r.Bindings...)
	return &c
}

func (m *Memory) get(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	r, ok := m.data(ctx).byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(r), nil
}

func (m *Memory) occupancies(ctx context.Context, resourceID uuid.UUID, span interval.Interval, all bool) []Occupancy {
	var out []Occupancy
	for _, r := range m.data(ctx).byID {
		if !all && !r.Status.Blocking() {
			continue
		}
		if !r.Buffered().Overlaps(span) {
			continue
		}
		for _, o := range Occupancies(r) {
			if o.ResourceID == resourceID {
				out = append(out, o)
			}
		}
	}
	SortOccupancies(out)
	return out
}

func (m *Memory) Get(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(ctx, id)
}

func (m *Memory) GetByIdempotencyKey(ctx context.Context, key string) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.data(ctx).byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return m.get(ctx, id)
}

func (m *Memory) Occupancies(ctx context.Context, resourceID uuid.UUID, span interval.Interval, all bool) ([]Occupancy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.occupancies(ctx, resourceID, span, all), nil
}

func (m *Memory) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{m: m, writes: map[uuid.UUID]*Reservation{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	d := m.data(ctx)
	for id, r := range tx.writes {
		d.byID[id] = r
		d.byKey[r.IdempotencyKey] = id
	}
	for _, ev := range tx.events {
		m.outbox = append(m.outbox, &outboxRow{event: ev})
	}
	return nil
}

// Claim hands up to limit unpublished events, oldest first, to publish and
// marks each one published when publish succeeds. It stops at the first
// failure so per-reservation order is kept.
func (m *Memory) Claim(ctx context.Context, limit int, publish func(ctx context.Context, ev Event) error) (int, error) {
	m.mu.Lock()
	var batch []*outboxRow
	for _, row := range m.outbox {
		if len(batch) == limit {
			break
		}
		if !row.published {
			batch = append(batch, row)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, row := range batch {
		if err := publish(ctx, row.event); err != nil {
			return n, err
		}
		m.mu.Lock()
		row.published = true
		m.mu.Unlock()
		n++
	}
	return n, nil
}

// Pending returns the events not yet handed to the bus.
func (m *Memory) Pending() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, row := range m.outbox {
		if !row.published {
			out = append(out, row.event)
		}
	}
	return out
}

// Events returns every event ever enqueued, in commit order.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0, len(m.outbox))
	for _, row := range m.outbox {
		out = append(out, row.event)
	}
	return out
}

type memoryTx struct {
	m      *Memory
	writes map[uuid.UUID]*Reservation
	events []Event
}

func (t *memoryTx) LockResources(context.Context, []uuid.UUID) error { return nil }

func (t *memoryTx) Get(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	if r, ok := t.writes[id]; ok {
		return clone(r), nil
	}
	return t.m.get(ctx, id)
}

func (t *memoryTx) Occupancies(ctx context.Context, resourceID uuid.UUID, span interval.Interval) ([]Occupancy, error) {
	var out []Occupancy
	for _, o := range t.m.occupancies(ctx, resourceID, span, false) {
		if _, shadowed := t.writes[o.ReservationID]; !shadowed {
			out = append(out, o)
		}
	}
	for _, r := range t.writes {
		if !r.Status.Blocking() || !r.Buffered().Overlaps(span) {
			continue
		}
		for _, o := range Occupancies(r) {
			if o.ResourceID == resourceID {
				out = append(out, o)
			}
		}
	}
	SortOccupancies(out)
	return out, nil
}

func (t *memoryTx) Insert(ctx context.Context, r *Reservation) error {
	if _, taken := t.m.data(ctx).byKey[r.IdempotencyKey]; taken {
		return ErrDuplicateKey
	}
	for _, w := range t.writes {
		if w.IdempotencyKey == r.IdempotencyKey {
			return ErrDuplicateKey
		}
	}
	t.writes[r.ID] = clone(r)
	return nil
}

func (t *memoryTx) Update(ctx context.Context, r *Reservation, expectedVersion int64) error {
	cur, err := t.Get(ctx, r.ID)
	if err != nil {
		return err
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	t.writes[r.ID] = clone(r)
	return nil
}

func (t *memoryTx) Enqueue(_ context.Context, ev Event) error {
	t.events = append(t.events, ev)
	return nil
}

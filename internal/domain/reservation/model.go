package reservation

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/booking/booking/internal/domain/catalog"
	"github.com/booking/booking/internal/domain/interval"
)

type Status string

const (
	StatusProposed   Status = "proposed"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no_show"
)

var transitions = map[Status][]Status{
	StatusProposed:   {StatusConfirmed},
	StatusConfirmed:  {StatusInProgress, StatusCancelled, StatusCompleted, StatusNoShow},
	StatusInProgress: {StatusCompleted},
}

// CanTransition reports whether the state machine allows s -> to.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Blocking statuses hold their resources. Completed reservations still
// occupied the time they were booked for.
func (s Status) Blocking() bool {
	return s == StatusConfirmed || s == StatusInProgress || s == StatusCompleted
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

// Binding ties a reservation to one resource.
type Binding struct {
	ResourceID uuid.UUID            `json:"resource_id"`
	Kind       catalog.ResourceKind `json:"kind"`
	Units      int                  `json:"units"`
	Primary    bool                 `json:"primary"`
}

type Reservation struct {
	ID              uuid.UUID     `json:"id"`
	Tenant          string        `json:"tenant"`
	ServiceID       uuid.UUID     `json:"service_id"`
	LocationID      uuid.UUID     `json:"location_id"`
	Bindings        []Binding     `json:"bindings"`
	Start           time.Time     `json:"start"`
	End             time.Time     `json:"end"`
	BufferBefore    time.Duration `json:"buffer_before"`
	BufferAfter     time.Duration `json:"buffer_after"`
	Status          Status        `json:"status"`
	Version         int64         `json:"version"`
	IdempotencyKey  string        `json:"idempotency_key"`
	PrincipalID     string        `json:"principal_id,omitempty"`
	RescheduledFrom *uuid.UUID    `json:"rescheduled_from,omitempty"`
	RescheduledTo   *uuid.UUID    `json:"rescheduled_to,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Display is the booked span shown to people.
func (r *Reservation) Display() interval.Interval {
	return interval.Interval{Start: r.Start, End: r.End}
}

// Buffered is the span used for conflict detection.
func (r *Reservation) Buffered() interval.Interval {
	return r.Display().Pad(r.BufferBefore, r.BufferAfter)
}

func (r *Reservation) Primary() Binding {
	for _, b := range r.Bindings {
		if b.Primary {
			return b
		}
	}
	if len(r.Bindings) > 0 {
		return r.Bindings[0]
	}
	return Binding{}
}

// ResourceIDs returns the bound resource ids in ascending order, the order in
// which commit locks are taken.
func (r *Reservation) ResourceIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(r.Bindings))
	for _, b := range r.Bindings {
		ids = append(ids, b.ResourceID)
	}
	SortIDs(ids)
	return ids
}

func SortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}

// Occupancy is one reservation's hold on one resource.
type Occupancy struct {
	ReservationID uuid.UUID         `json:"reservation_id"`
	ServiceID     uuid.UUID         `json:"service_id"`
	ResourceID    uuid.UUID         `json:"resource_id"`
	Span          interval.Interval `json:"span"`
	Buffered      interval.Interval `json:"buffered"`
	Units         int               `json:"units"`
	Status        Status            `json:"status"`
	Version       int64             `json:"version"`
}

// Occupancies expands a reservation into one hold per binding.
func Occupancies(r *Reservation) []Occupancy {
	out := make([]Occupancy, 0, len(r.Bindings))
	for _, b := range r.Bindings {
		units := b.Units
		if units <= 0 {
			units = 1
		}
		out = append(out, Occupancy{
			ReservationID: r.ID,
			ServiceID:     r.ServiceID,
			ResourceID:    b.ResourceID,
			Span:          r.Display(),
			Buffered:      r.Buffered(),
			Units:         units,
			Status:        r.Status,
			Version:       r.Version,
		})
	}
	return out
}

// Loads converts blocking occupancies into interval loads.
func Loads(occ []Occupancy) []interval.Load {
	out := make([]interval.Load, 0, len(occ))
	for _, o := range occ {
		if o.Status.Blocking() {
			out = append(out, interval.Load{Span: o.Buffered, Units: o.Units})
		}
	}
	return out
}

// SortOccupancies orders by buffered start, then reservation id.
func SortOccupancies(occ []Occupancy) {
	sort.Slice(occ, func(i, j int) bool {
		if !occ[i].Buffered.Start.Equal(occ[j].Buffered.Start) {
			return occ[i].Buffered.Start.Before(occ[j].Buffered.Start)
		}
		return occ[i].ReservationID.String() < occ[j].ReservationID.String()
	})
}
